// Package config provides configuration management for the mail server.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// Config holds the full server configuration.
type Config struct {
	Hostname string `toml:"hostname"`
	LogLevel string `toml:"log_level"`

	Storage StorageConfig `toml:"storage"`
	Domains DomainsConfig `toml:"domains"`

	SMTP ProtocolConfig `toml:"smtp"`
	IMAP ProtocolConfig `toml:"imap"`
	POP3 ProtocolConfig `toml:"pop3"`

	TLS      TLSConfig      `toml:"tls"`
	JWT      JWTConfig      `toml:"jwt"`
	Lockout  LockoutConfig  `toml:"lockout"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Limits   LimitsConfig   `toml:"limits"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// StorageConfig locates the relational store and the attachment blob root.
type StorageConfig struct {
	Driver      string `toml:"driver"`
	DSN         string `toml:"dsn"`
	Attachments string `toml:"attachments"`
}

// DomainsConfig holds per-tenant storage routing overrides.
// Keys are lowercased domain names, values are DSNs.
type DomainsConfig struct {
	Overrides map[string]string `toml:"overrides"`
}

// ProtocolConfig holds the listeners for one protocol server.
type ProtocolConfig struct {
	Listeners []ListenerConfig `toml:"listeners"`
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string `toml:"address"`
	TLS     bool   `toml:"tls"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// JWTConfig holds token signing settings for the HTTP surface.
type JWTConfig struct {
	Secret   string `toml:"secret"`
	Issuer   string `toml:"issuer"`
	Audience string `toml:"audience"`
}

// LockoutConfig controls the account-lockout state machine.
type LockoutConfig struct {
	Enabled                bool `toml:"enabled"`
	MaxFailedAttempts      int  `toml:"max_failed_attempts"`
	LockoutDurationMinutes int  `toml:"lockout_duration_minutes"`
	ResetWindowMinutes     int  `toml:"reset_window_minutes"`
}

// LockoutDuration returns the lockout duration as a time.Duration.
func (c *LockoutConfig) LockoutDuration() time.Duration {
	if c.LockoutDurationMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.LockoutDurationMinutes) * time.Minute
}

// ResetWindow returns the failed-attempt reset window as a time.Duration.
func (c *LockoutConfig) ResetWindow() time.Duration {
	if c.ResetWindowMinutes <= 0 {
		return 60 * time.Minute
	}
	return time.Duration(c.ResetWindowMinutes) * time.Minute
}

// TimeoutsConfig defines per-protocol idle timeouts.
type TimeoutsConfig struct {
	SMTPIdle string `toml:"smtp_idle"`
	IMAPIdle string `toml:"imap_idle"`
	POP3Idle string `toml:"pop3_idle"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxConnections int   `toml:"max_connections"`
	MaxMessageSize int64 `toml:"max_message_size"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Storage: StorageConfig{
			Driver:      "sqlite",
			DSN:         "frimerki.db",
			Attachments: "./data/attachments",
		},
		SMTP: ProtocolConfig{
			Listeners: []ListenerConfig{{Address: ":25"}},
		},
		IMAP: ProtocolConfig{
			Listeners: []ListenerConfig{{Address: ":143"}},
		},
		POP3: ProtocolConfig{
			Listeners: []ListenerConfig{{Address: ":110"}},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		JWT: JWTConfig{
			Issuer:   "frimerki",
			Audience: "frimerki",
		},
		Lockout: LockoutConfig{
			Enabled:                true,
			MaxFailedAttempts:      5,
			LockoutDurationMinutes: 15,
			ResetWindowMinutes:     60,
		},
		Timeouts: TimeoutsConfig{
			SMTPIdle: "5m",
			IMAPIdle: "30m",
			POP3Idle: "10m",
		},
		Limits: LimitsConfig{
			MaxConnections: 100,
			MaxMessageSize: 25 * 1024 * 1024,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9187",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if c.Storage.Driver != "sqlite" {
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return errors.New("storage dsn is required")
	}

	for proto, pc := range map[string]ProtocolConfig{"smtp": c.SMTP, "imap": c.IMAP, "pop3": c.POP3} {
		if len(pc.Listeners) == 0 {
			return fmt.Errorf("%s: at least one listener is required", proto)
		}
		for i, l := range pc.Listeners {
			if l.Address == "" {
				return fmt.Errorf("%s listener %d: address is required", proto, i)
			}
			if l.TLS && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
				return fmt.Errorf("%s listener %d: TLS requested but cert_file/key_file not configured", proto, i)
			}
		}
	}

	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}

	for name, value := range map[string]string{
		"smtp_idle": c.Timeouts.SMTPIdle,
		"imap_idle": c.Timeouts.IMAPIdle,
		"pop3_idle": c.Timeouts.POP3Idle,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s timeout: %w", name, err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Lockout.Enabled {
		if c.Lockout.MaxFailedAttempts <= 0 {
			return errors.New("max_failed_attempts must be positive")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// SMTPIdleTimeout returns the SMTP idle timeout, defaulting to 5 minutes.
func (c *TimeoutsConfig) SMTPIdleTimeout() time.Duration {
	return parseDurationOr(c.SMTPIdle, 5*time.Minute)
}

// IMAPIdleTimeout returns the IMAP idle timeout, defaulting to 30 minutes.
func (c *TimeoutsConfig) IMAPIdleTimeout() time.Duration {
	return parseDurationOr(c.IMAPIdle, 30*time.Minute)
}

// POP3IdleTimeout returns the POP3 idle timeout, defaulting to 10 minutes.
func (c *TimeoutsConfig) POP3IdleTimeout() time.Duration {
	return parseDurationOr(c.POP3Idle, 10*time.Minute)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}
