package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CUTOVER_"
)

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"migration.forced_identifiers": true,
}

// Load loads configuration from defaults, then the YAML file at path, then
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CUTOVER_MIGRATION_NEW_SYSTEM_PERCENTAGE, ...)
//  2. YAML config file (~/.config/cutover/config.yaml)
//  3. Built-in defaults (Default)
//
// An empty path uses the default location. A missing file is not an error.
//
// # Security Considerations
//
// The file must live under ~/.config/cutover/ or /etc/cutover/, have 0600 or
// 0400 permissions and be at most 1MB.
//
// # Environment Variable Mapping
//
// After the CUTOVER_ prefix the first underscore separates the section:
//
//	CUTOVER_MIGRATION_NEW_SYSTEM_PERCENTAGE -> migration.new_system_percentage
//	CUTOVER_BACKENDS_AUTH_TOKEN             -> backends.auth_token
//	CUTOVER_MIGRATION_FORCED_IDENTIFIERS=a,b -> migration.forced_identifiers [a b]
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Validate through the open descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKeyValue), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal over the defaults so absent keys keep their default value.
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKeyValue maps CUTOVER_SECTION_FIELD_NAME to section.field_name. The
// split happens on the first underscore only so field names keep theirs.
func envKeyValue(key, value string) (string, interface{}) {
	lower := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower, value
	}
	path := parts[0] + "." + parts[1]

	if listKeys[path] {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		if items == nil {
			items = []string{}
		}
		return path, items
	}
	return path, value
}

// ConfigDir returns ~/.config/cutover.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "cutover"), nil
}

// DefaultPath returns ~/.config/cutover/config.yaml.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// EnsureConfigDir creates the config directory with 0700 permissions.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// ExpandPath replaces a leading ~/ with the home directory.
func ExpandPath(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// validateConfigPath checks that path is inside an allowed directory. It
// runs even when the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	userDir, err := ConfigDir()
	if err != nil {
		return err
	}
	for _, dir := range []string{userDir, "/etc/cutover"} {
		if strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/cutover/ or /etc/cutover/")
}

// validateConfigFileProperties checks permissions and size using FileInfo
// from an already opened descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	// Windows has a different permission model.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills values that depend on others and expands ~ paths.
func applyDefaults(cfg *Config) error {
	if cfg.Store.Path == "" {
		switch cfg.Store.Backend {
		case "file":
			cfg.Store.Path = "~/.config/cutover/state/rollback.json"
		case "badger":
			cfg.Store.Path = "~/.config/cutover/state/badger"
		}
	}
	p, err := ExpandPath(cfg.Store.Path)
	if err != nil {
		return err
	}
	cfg.Store.Path = p

	if o, err := NormalizeOverride(cfg.Migration.ManualOverride); err == nil {
		cfg.Migration.ManualOverride = o
	}
	if cfg.Migration.ForcedIdentifiers == nil {
		cfg.Migration.ForcedIdentifiers = []string{}
	}
	return nil
}
