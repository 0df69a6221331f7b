package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/cutover/internal/execution"
	cuthttp "github.com/fyrsmithlabs/cutover/internal/http"
	"github.com/fyrsmithlabs/cutover/internal/rollback"
	"github.com/fyrsmithlabs/cutover/internal/routing"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show rollback state, routing and router counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, st, func(tw *tabwriter.Writer) {
				row(tw, "VERSION", st.Version)
				row(tw, "ROLLBACK STATE", st.Rollback.State)
				row(tw, "ROLLBACKS TODAY", st.Rollback.RollbacksToday)
				if st.Rollback.LastRollback != nil {
					row(tw, "LAST ROLLBACK", formatTime(&st.Rollback.LastRollback.Timestamp), st.Rollback.LastRollback.Reason)
				}
				row(tw, "BREAKER", st.Routing.Breaker.State, fmt.Sprintf("errors=%d", st.Routing.Breaker.ErrorCount))
				row(tw, "OVERRIDE", st.Routing.ManualOverride)
				row(tw, "REPLACEMENT %", st.Routing.NewSystemPercentage)
				row(tw, "CANARY", st.Routing.CanaryEnabled, fmt.Sprintf("rate=%d%%", st.Routing.CanarySampleRate))
				row(tw, "REQUESTS", st.Router.Requests,
					fmt.Sprintf("legacy=%d replacement=%d fallbacks=%d", st.Router.LegacyServed, st.Router.ReplacementServed, st.Router.Fallbacks))
				row(tw, "CANARY RUNS", st.Router.CanaryRuns,
					fmt.Sprintf("timeouts=%d discrepancies=%d", st.Router.CanaryTimeouts, st.Router.Discrepancies))
				row(tw, "RECOMMENDATION", st.Rollback.Recommendation.Recommended, joinOrDash(st.Rollback.Recommendation.Reasons))
			})
		},
	}
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check cutoverd health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, h, func(tw *tabwriter.Writer) {
				row(tw, "STATUS", "ROLLBACK STATE", "BREAKER")
				row(tw, h.Status, h.State, h.Breaker)
			})
		},
	}
}

func newRoutingCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routing",
		Short: "Show or change routing",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Show the routing configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			view, err := opts.client().Routing(cmd.Context())
			if err != nil {
				return err
			}
			return renderRouting(cmd.OutOrStdout(), opts.output, view)
		},
	}

	var (
		req        cuthttp.RoutingUpdateRequest
		percentage int
		forcedIDs  []string
		canary     bool
		canaryRate int
		canaryTO   string
		threshold  int
		window     string
		recovery   string
		fallback   bool
		override   string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change routing settings; unset flags are left unchanged",
		Long: `Change routing settings. Only the flags given are sent.

Examples:
  # Send 25% of traffic to the replacement with canary runs on
  cutoverctl routing set --percentage 25 --canary

  # Pin two tenants to the replacement
  cutoverctl routing set --forced-ids tenant-a,tenant-b

  # Return everything to legacy
  cutoverctl routing set --override forceLegacy`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			if f.Changed("percentage") {
				req.NewSystemPercentage = &percentage
			}
			if f.Changed("forced-ids") {
				req.ForcedIdentifiers = &forcedIDs
			}
			if f.Changed("canary") {
				req.CanaryEnabled = &canary
			}
			if f.Changed("canary-rate") {
				req.CanarySampleRate = &canaryRate
			}
			if f.Changed("canary-timeout") {
				req.CanaryTimeout = &canaryTO
			}
			if f.Changed("error-threshold") {
				req.ErrorThreshold = &threshold
			}
			if f.Changed("error-window") {
				req.ErrorWindow = &window
			}
			if f.Changed("recovery-timeout") {
				req.CircuitRecoveryTimeout = &recovery
			}
			if f.Changed("fallback") {
				req.FallbackOnError = &fallback
			}
			if f.Changed("override") {
				req.ManualOverride = &override
			}
			if req == (cuthttp.RoutingUpdateRequest{}) {
				return fmt.Errorf("no routing settings given")
			}

			view, err := opts.client().UpdateRouting(cmd.Context(), req)
			if err != nil {
				return err
			}
			return renderRouting(cmd.OutOrStdout(), opts.output, view)
		},
	}
	set.Flags().IntVar(&percentage, "percentage", 0, "share of traffic for the replacement (0-100)")
	set.Flags().StringSliceVar(&forcedIDs, "forced-ids", nil, "routing keys always sent to the replacement")
	set.Flags().BoolVar(&canary, "canary", false, "enable canary runs")
	set.Flags().IntVar(&canaryRate, "canary-rate", 0, "percentage of requests run on both systems")
	set.Flags().StringVar(&canaryTO, "canary-timeout", "", "canary timeout, e.g. 5s")
	set.Flags().IntVar(&threshold, "error-threshold", 0, "errors that open the circuit breaker")
	set.Flags().StringVar(&window, "error-window", "", "window the error threshold is counted in, e.g. 1m")
	set.Flags().StringVar(&recovery, "recovery-timeout", "", "how long the breaker stays open, e.g. 5m")
	set.Flags().BoolVar(&fallback, "fallback", true, "fall back to legacy when the replacement fails")
	set.Flags().StringVar(&override, "override", "", "manual override: none, forceLegacy or forceReplacement")

	cmd.AddCommand(get, set)
	return cmd
}

func renderRouting(w io.Writer, format string, v *cuthttp.RoutingView) error {
	return render(w, format, v, func(tw *tabwriter.Writer) {
		row(tw, "REPLACEMENT %", v.NewSystemPercentage)
		row(tw, "FORCED IDS", joinOrDash(v.ForcedIdentifiers))
		row(tw, "OVERRIDE", v.ManualOverride)
		row(tw, "CANARY", v.CanaryEnabled)
		row(tw, "CANARY RATE", v.CanarySampleRate)
		row(tw, "CANARY TIMEOUT", v.CanaryTimeout)
		row(tw, "ERROR THRESHOLD", v.ErrorThreshold)
		row(tw, "ERROR WINDOW", v.ErrorWindow)
		row(tw, "RECOVERY TIMEOUT", v.CircuitRecoveryTimeout)
		row(tw, "FALLBACK", v.FallbackOnError)
		row(tw, "BREAKER", v.Breaker.State)
	})
}

func newBreakerCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Show, trip or reset the circuit breaker",
	}

	show := func(fn func(c *cuthttp.Client, cmd *cobra.Command) (*cuthttp.BreakerResponse, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			b, err := fn(opts.client(), cmd)
			if err != nil {
				return err
			}
			return renderBreaker(cmd.OutOrStdout(), opts.output, b.Breaker)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show the breaker state",
			Args:  cobra.NoArgs,
			RunE: show(func(c *cuthttp.Client, cmd *cobra.Command) (*cuthttp.BreakerResponse, error) {
				return c.Breaker(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "trip",
			Short: "Force the breaker open; all traffic goes to legacy",
			Args:  cobra.NoArgs,
			RunE: show(func(c *cuthttp.Client, cmd *cobra.Command) (*cuthttp.BreakerResponse, error) {
				return c.TripBreaker(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Close the breaker",
			Args:  cobra.NoArgs,
			RunE: show(func(c *cuthttp.Client, cmd *cobra.Command) (*cuthttp.BreakerResponse, error) {
				return c.ResetBreaker(cmd.Context())
			}),
		},
	)
	return cmd
}

func renderBreaker(w io.Writer, format string, b routing.BreakerState) error {
	return render(w, format, b, func(tw *tabwriter.Writer) {
		row(tw, "STATE", "ERRORS", "LAST ERROR", "OPENED", "FORCED")
		row(tw, b.State, b.ErrorCount, formatTime(b.LastErrorAt), formatTime(b.OpenedAt), b.ForcedOpen)
	})
}

func newRollbackCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Inspect and drive the rollback manager",
	}

	recommend := &cobra.Command{
		Use:   "recommend",
		Short: "Score the rollback signals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := opts.client().Recommendation(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, rec, func(tw *tabwriter.Writer) {
				row(tw, "RECOMMENDED", rec.Recommended)
				row(tw, "SCORE", fmt.Sprintf("%.2f", rec.Score))
				row(tw, "TRIGGER", orDash(string(rec.Trigger)))
				for _, s := range rec.Signals {
					row(tw, "SIGNAL", s.Trigger, fmt.Sprintf("%.2f", s.Score), s.Detail)
				}
			})
		},
	}

	history := &cobra.Command{
		Use:   "history",
		Short: "List rollback history, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := opts.client().History(cmd.Context())
			if err != nil {
				return err
			}
			return renderRecords(cmd.OutOrStdout(), opts.output, records, records)
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Run the post-rollback checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := opts.client().Validate(cmd.Context())
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), opts.output, report, func(tw *tabwriter.Writer) {
				row(tw, "CHECK", "PASSED", "DETAIL")
				for _, c := range report.Checks {
					row(tw, c.Name, c.Passed, orDash(c.Detail))
				}
			}); err != nil {
				return err
			}
			return report.Err()
		},
	}

	var reason, operator string
	emergency := &cobra.Command{
		Use:   "emergency",
		Short: "Roll back now",
		Long: `Roll back immediately: force legacy, trip the breaker, drain in-flight
replacement requests and validate.

Examples:
  cutoverctl rollback emergency --reason "replacement corrupting output" --operator alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := opts.client().EmergencyRollback(cmd.Context(), reason, operator)
			if err != nil {
				return err
			}
			return renderRecords(cmd.OutOrStdout(), opts.output, []rollback.Record{*rec}, rec)
		},
	}
	emergency.Flags().StringVar(&reason, "reason", "", "why the rollback is needed")
	emergency.Flags().StringVar(&operator, "operator", envOr("USER", ""), "who is rolling back")
	_ = emergency.MarkFlagRequired("reason")

	var dryRun bool
	automatic := &cobra.Command{
		Use:   "auto",
		Short: "Roll back if the signals recommend it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := opts.client().AutomaticRollback(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			return renderRecords(cmd.OutOrStdout(), opts.output, []rollback.Record{*rec}, rec)
		},
	}
	automatic.Flags().BoolVar(&dryRun, "dry-run", false, "show the planned steps without acting")

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Retry a failed rollback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := opts.client().Recover(cmd.Context())
			if err != nil {
				return err
			}
			return renderRecords(cmd.OutOrStdout(), opts.output, []rollback.Record{report.Record}, report)
		},
	}

	var clearOperator string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Lift a completed rollback and return to active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := opts.client().ClearRollback(cmd.Context(), clearOperator)
			if err != nil {
				return err
			}
			return renderRecords(cmd.OutOrStdout(), opts.output, []rollback.Record{*rec}, rec)
		},
	}
	clearCmd.Flags().StringVar(&clearOperator, "operator", envOr("USER", ""), "who is clearing the rollback")

	cmd.AddCommand(recommend, history, validate, emergency, automatic, recoverCmd, clearCmd)
	return cmd
}

// renderRecords prints records as a table, or v in the structured formats.
func renderRecords(w io.Writer, format string, records []rollback.Record, v interface{}) error {
	return render(w, format, v, func(tw *tabwriter.Writer) {
		row(tw, "TIME", "ID", "TRIGGER", "TYPE", "FINAL STATE", "OPERATOR", "REASON")
		for _, r := range records {
			op := "-"
			if r.Operator != nil {
				op = *r.Operator
			}
			state := string(r.FinalState)
			if r.DryRun {
				state += " (dry run)"
			}
			row(tw, formatTime(&r.Timestamp), r.ID, r.Trigger, r.Type, state, op, r.Reason)
		}
	})
}

func newExecuteCmd(opts *options) *cobra.Command {
	var (
		key   string
		attrs map[string]string
		file  string
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Route one request through the migration router",
		Long: `Route one request through the migration router. The payload is read
from --payload (a JSON object file, or - for stdin).

Examples:
  cutoverctl execute --key tenant-a --attr template=invoice
  echo '{"name":"demo"}' | cutoverctl execute --key tenant-a --payload -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := &execution.RequestDescriptor{Key: key, Attributes: attrs}
			if file != "" {
				payload, err := readPayload(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				req.Payload = payload
			}

			res, err := opts.client().Execute(cmd.Context(), req)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, res, func(tw *tabwriter.Writer) {
				row(tw, "SUCCESS", res.Success)
				row(tw, "ARTIFACTS", res.ArtifactCount)
				row(tw, "FILES", res.FileCount)
				row(tw, "DURATION MS", fmt.Sprintf("%.1f", res.DurationMs))
				if m := res.Migration; m != nil {
					row(tw, "SERVED BY", m.ServedBy)
					row(tw, "PATH", m.Path)
					row(tw, "FALLBACK", m.FallbackUsed)
					if m.Comparison != nil {
						row(tw, "CANARY MATCH", m.Comparison.OverallMatch,
							fmt.Sprintf("critical=%d warnings=%d", m.Comparison.Critical, m.Comparison.Warnings))
					}
				}
				row(tw, "ERRORS", joinOrDash(res.Errors))
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "routing key")
	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "routing attributes, key=value")
	cmd.Flags().StringVar(&file, "payload", "", "JSON payload file, or - for stdin")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func readPayload(stdin io.Reader, file string) (map[string]any, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}
