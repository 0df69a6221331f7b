// Package main implements cutoverctl, the operator CLI for a running cutoverd.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	cuthttp "github.com/fyrsmithlabs/cutover/internal/http"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command.
type options struct {
	server  string
	output  string
	timeout time.Duration
}

func (o *options) client() *cuthttp.Client {
	return cuthttp.NewClient(o.server, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "cutoverctl",
		Short: "Operate a running cutoverd",
		Long: `cutoverctl inspects and changes the routing, circuit breaker and rollback
state of a running cutoverd through its HTTP API.

Examples:
  # Show the migration status
  cutoverctl status

  # Send 25% of traffic to the replacement
  cutoverctl routing set --percentage 25

  # Roll back now
  cutoverctl rollback emergency --reason "corrupt output" --operator alice`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			switch opts.output {
			case outputTable, outputJSON, outputYAML:
				return nil
			default:
				return fmt.Errorf("unknown output format %q (table, json or yaml)", opts.output)
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("CUTOVER_SERVER", "http://127.0.0.1:8470"), "cutoverd URL")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputTable, "output format: table, json or yaml")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newStatusCmd(opts),
		newHealthCmd(opts),
		newRoutingCmd(opts),
		newBreakerCmd(opts),
		newRollbackCmd(opts),
		newExecuteCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
