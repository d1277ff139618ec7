// Package config provides configuration loading for mcpkit-embedding
// applications.
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
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, OBSERVABILITY_SERVICE_NAME, etc.)
//  2. YAML config file (~/.config/mcpkit/config.yaml)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, uses
// the default path: ~/.config/mcpkit/config.yaml
//
// # Security Considerations
//
// File Permissions: Configuration file MUST have 0600 or 0400 permissions.
// Files with weaker permissions (e.g., 0644 world-readable) are rejected.
//
// Path Validation: Only configuration files in allowed directories can be
// loaded:
//   - ~/.config/mcpkit/ (user's config directory)
//   - /etc/mcpkit/ (system-wide config directory)
//
// Absolute paths outside these directories are rejected to prevent path
// traversal attacks.
//
// File Size Limit: Configuration files larger than 1MB are rejected to
// prevent resource exhaustion attacks.
//
// # Environment Variable Mapping
//
// Environment variables use underscore separator and are uppercased.
// The transformer maps environment variables to YAML field names:
//
//	SERVER_PORT -> server.port
//	OBSERVABILITY_SERVICE_NAME -> observability.service_name
//	TRACKER_NATS_URL -> tracker.nats_url
//
// # Example
//
//	cfg, err := config.LoadWithFile("")  // Use default path
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "mcpkit", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate via the file descriptor to avoid a TOCTOU race.
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

	// Override with environment variables. Split on the first underscore
	// only, so SERVER_SESSION_TIMEOUT -> server.session_timeout rather than
	// server.session.timeout.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureConfigDir creates the mcpkit config directory if it doesn't exist.
// The directory is created with 0700 permissions (owner read/write/execute
// only).
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "mcpkit")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Symlink evaluation fails for paths that don't exist yet; fall back
		// to the absolute path so not-yet-created files still validate.
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "mcpkit"),
		"/etc/mcpkit",
	}

	allowed := false
	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			allowed = true
			break
		}
	}

	if !allowed {
		return fmt.Errorf("config file must be in ~/.config/mcpkit/ or /etc/mcpkit/")
	}

	return nil
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened file descriptor to avoid a TOCTOU
// race between the permission check and the read.
func validateConfigFileProperties(info os.FileInfo) error {
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

// applyDefaults fills in zero-valued fields after the YAML/env merge, using
// the same defaults Load() applies for a pure-environment load.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origins == "" {
		cfg.Server.Origins = "all"
	}
	if cfg.Server.MaxRequestSize == 0 {
		cfg.Server.MaxRequestSize = 4 << 20
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10e9) // 10s
	}
	if cfg.Server.SessionTimeout == 0 {
		cfg.Server.SessionTimeout = Duration(5 * 60e9) // 5m
	}
	if cfg.Stdio.Log == "" {
		cfg.Stdio.Log = "stderr"
	}
	if cfg.Session.PingInterval == 0 {
		cfg.Session.PingInterval = Duration(30e9) // 30s
	}
	if cfg.Session.ElicitationTimeout == 0 {
		cfg.Session.ElicitationTimeout = Duration(5 * 60e9) // 5m
	}
	if cfg.Session.MailboxSize == 0 {
		cfg.Session.MailboxSize = 64
	}
	if cfg.Tracker.LookupTimeout == 0 {
		cfg.Tracker.LookupTimeout = Duration(2e9) // 2s
	}
	if cfg.Tracker.SweepInterval == 0 {
		cfg.Tracker.SweepInterval = Duration(60e9) // 1m
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "mcpkit"
	}
}
