// Package config provides configuration loading for mcpkit-embedding
// applications.
//
// Configuration is loaded from environment variables, optionally layered
// over a YAML file, with sensible defaults. It covers the HTTP transport,
// the stdio transport, and the ambient logging/observability stack; it
// deliberately does not cover anything about a specific Router's tools —
// those are registered in code, not configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete configuration for an mcpkit-embedding process.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Stdio         StdioConfig         `koanf:"stdio"`
	Session       SessionConfig       `koanf:"session"`
	Tracker       TrackerConfig       `koanf:"tracker"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP transport configuration (spec.md §6's
// "CLI / env / config" table).
type ServerConfig struct {
	// Port is the HTTP listen port.
	Port int `koanf:"port"`

	// Origins is either "all", or a comma-separated allow-list of exact
	// origin strings. A custom predicate can only be supplied in code
	// (transport.Options.ValidateOrigin), not through this config.
	Origins string `koanf:"origins"`

	// ValidateOrigin toggles CORS/Origin enforcement entirely.
	ValidateOrigin bool `koanf:"validate_origin"`

	// SessionTimeout is the inactivity budget after which a session with
	// close-after-complete set is terminated.
	SessionTimeout Duration `koanf:"session_timeout"`

	// MaxRequestSize is the maximum accepted POST body size, in bytes.
	MaxRequestSize int64 `koanf:"max_request_size"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StdioConfig holds line-delimited stdio transport configuration.
type StdioConfig struct {
	// Log controls where the ambient logger writes when stdio owns
	// stdout: "stderr" (default), a file path, or "off".
	Log string `koanf:"log"`
}

// SessionConfig holds Session-loop tuning.
type SessionConfig struct {
	// PingInterval paces the keep-alive/inactivity-probe ticker.
	PingInterval Duration `koanf:"ping_interval"`

	// ElicitationTimeout bounds a server-initiated elicitation call
	// (spec.md §5: "bounded by a configurable timeout, default 5 minutes").
	ElicitationTimeout Duration `koanf:"elicitation_timeout"`

	// MailboxSize is the buffered channel depth for the session's event
	// loop; a full mailbox applies backpressure to producers.
	MailboxSize int `koanf:"mailbox_size"`
}

// TrackerConfig holds the Tracker's cluster pub/sub wiring.
type TrackerConfig struct {
	// NATSURL, when non-empty, is dialed for cross-node session/request/
	// resource lookups. Empty means the Tracker degrades to local-only.
	NATSURL string `koanf:"nats_url"`

	// LookupTimeout bounds a cross-node ownership Request/Reply.
	LookupTimeout Duration `koanf:"lookup_timeout"`

	// SweepInterval paces the periodic dead-entry GC sweep (belt and
	// suspenders alongside lazy clear-on-lookup).
	SweepInterval Duration `koanf:"sweep_interval"`
}

// ObservabilityConfig holds ambient logging/metrics/tracing configuration.
type ObservabilityConfig struct {
	ServiceName     string `koanf:"service_name"`
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	MetricsAddr     string `koanf:"metrics_addr"`
}

// Load loads configuration from environment variables with defaults.
//
// Recognized environment variables (see also LoadWithFile for the YAML
// layer):
//
//	SERVER_PORT, SERVER_ORIGINS, SERVER_VALIDATE_ORIGIN,
//	SERVER_SESSION_TIMEOUT, SERVER_MAX_REQUEST_SIZE, SERVER_SHUTDOWN_TIMEOUT
//	STDIO_LOG
//	SESSION_PING_INTERVAL, SESSION_ELICITATION_TIMEOUT, SESSION_MAILBOX_SIZE
//	TRACKER_NATS_URL, TRACKER_LOOKUP_TIMEOUT, TRACKER_SWEEP_INTERVAL
//	OBSERVABILITY_SERVICE_NAME, OBSERVABILITY_ENABLE_TELEMETRY, OBSERVABILITY_METRICS_ADDR
func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 8080),
			Origins:         getEnvString("SERVER_ORIGINS", "all"),
			ValidateOrigin:  getEnvBool("SERVER_VALIDATE_ORIGIN", true),
			SessionTimeout:  Duration(getEnvDuration("SERVER_SESSION_TIMEOUT", 5*time.Minute)),
			MaxRequestSize:  int64(getEnvInt("SERVER_MAX_REQUEST_SIZE", 4<<20)),
			ShutdownTimeout: Duration(getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second)),
		},
		Stdio: StdioConfig{
			Log: getEnvString("STDIO_LOG", "stderr"),
		},
		Session: SessionConfig{
			PingInterval:       Duration(getEnvDuration("SESSION_PING_INTERVAL", 30*time.Second)),
			ElicitationTimeout: Duration(getEnvDuration("SESSION_ELICITATION_TIMEOUT", 5*time.Minute)),
			MailboxSize:        getEnvInt("SESSION_MAILBOX_SIZE", 64),
		},
		Tracker: TrackerConfig{
			NATSURL:       getEnvString("TRACKER_NATS_URL", ""),
			LookupTimeout: Duration(getEnvDuration("TRACKER_LOOKUP_TIMEOUT", 2*time.Second)),
			SweepInterval: Duration(getEnvDuration("TRACKER_SWEEP_INTERVAL", time.Minute)),
		},
		Observability: ObservabilityConfig{
			ServiceName:     getEnvString("OBSERVABILITY_SERVICE_NAME", "mcpkit"),
			EnableTelemetry: getEnvBool("OBSERVABILITY_ENABLE_TELEMETRY", false),
			MetricsAddr:     getEnvString("OBSERVABILITY_METRICS_ADDR", ""),
		},
	}
	return cfg
}

// Validate checks config for internal consistency and safe values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.MaxRequestSize <= 0 {
		return errors.New("server.max_request_size must be positive")
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.Session.MailboxSize < 1 {
		return errors.New("session.mailbox_size must be at least 1")
	}
	if c.Session.ElicitationTimeout.Duration() <= 0 {
		return errors.New("session.elicitation_timeout must be positive")
	}
	switch c.Stdio.Log {
	case "stderr", "off":
	default:
		if err := validatePath(c.Stdio.Log); err != nil {
			return fmt.Errorf("invalid stdio.log: %w", err)
		}
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("observability.service_name required when telemetry is enabled")
	}
	if c.Tracker.NATSURL != "" {
		if err := validateNATSURL(c.Tracker.NATSURL); err != nil {
			return fmt.Errorf("invalid tracker.nats_url: %w", err)
		}
	}
	return nil
}

// OriginList splits ServerConfig.Origins into an allow-list, or reports
// that all origins are allowed.
func (c *ServerConfig) OriginList() (all bool, list []string) {
	if strings.TrimSpace(c.Origins) == "" || strings.EqualFold(c.Origins, "all") {
		return true, nil
	}
	parts := strings.Split(c.Origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return false, out
}

// Helper functions for environment variable parsing, grounded on the
// teacher's internal/config getEnv* helpers.

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// validateHostname checks if a hostname is safe (no injection attempts).
func validateHostname(host string) error {
	if host == "" {
		return nil
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid hostname format: %s", host)
	}
	invalidChars := []string{";", "\n", "\r", "$", "`", "|", "&", "<", ">", "(", ")"}
	for _, char := range invalidChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("invalid hostname: contains forbidden character %q", char)
		}
	}
	return nil
}

// validatePath checks if a path is safe (no path traversal).
func validatePath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains traversal sequence: %s", path)
	}
	return nil
}

// validateNATSURL checks a nats:// URL's host component.
func validateNATSURL(raw string) error {
	if !strings.HasPrefix(raw, "nats://") && !strings.HasPrefix(raw, "tls://") {
		return fmt.Errorf("nats url must use nats:// or tls:// scheme, got: %s", raw)
	}
	rest := strings.SplitN(raw, "://", 2)[1]
	host := rest
	if idx := strings.IndexAny(rest, ":/"); idx >= 0 {
		host = rest[:idx]
	}
	return validateHostname(host)
}
