package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	SMTPListen     string
	IMAPListen     string
	POP3Listen     string
	TLSCert        string
	TLSKey         string
	StorageDSN     string
	Attachments    string
	MaxConnections int
	MetricsAddr    string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./frimerki.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.SMTPListen, "smtp-listen", "", "SMTP listen address (replaces config SMTP listeners)")
	flag.StringVar(&f.IMAPListen, "imap-listen", "", "IMAP listen address (replaces config IMAP listeners)")
	flag.StringVar(&f.POP3Listen, "pop3-listen", "", "POP3 listen address (replaces config POP3 listeners)")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.StringVar(&f.StorageDSN, "dsn", "", "Storage DSN")
	flag.StringVar(&f.Attachments, "attachments", "", "Attachment storage directory")
	flag.IntVar(&f.MaxConnections, "max-connections", 0, "Maximum concurrent connections")
	flag.StringVar(&f.MetricsAddr, "metrics-addr", "", "Metrics listen address (enables metrics)")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig Config
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return mergeConfig(cfg, fileConfig), nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	// Listen flags replace ALL listeners for that protocol
	if f.SMTPListen != "" {
		cfg.SMTP.Listeners = []ListenerConfig{{Address: f.SMTPListen}}
	}
	if f.IMAPListen != "" {
		cfg.IMAP.Listeners = []ListenerConfig{{Address: f.IMAPListen}}
	}
	if f.POP3Listen != "" {
		cfg.POP3.Listeners = []ListenerConfig{{Address: f.POP3Listen}}
	}

	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}

	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}

	if f.StorageDSN != "" {
		cfg.Storage.DSN = f.StorageDSN
	}

	if f.Attachments != "" {
		cfg.Storage.Attachments = f.Attachments
	}

	if f.MaxConnections > 0 {
		cfg.Limits.MaxConnections = f.MaxConnections
	}

	if f.MetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = f.MetricsAddr
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.Storage.Driver != "" {
		dst.Storage.Driver = src.Storage.Driver
	}

	if src.Storage.DSN != "" {
		dst.Storage.DSN = src.Storage.DSN
	}

	if src.Storage.Attachments != "" {
		dst.Storage.Attachments = src.Storage.Attachments
	}

	if src.Domains.Overrides != nil {
		if dst.Domains.Overrides == nil {
			dst.Domains.Overrides = make(map[string]string)
		}
		for k, v := range src.Domains.Overrides {
			dst.Domains.Overrides[k] = v
		}
	}

	if len(src.SMTP.Listeners) > 0 {
		dst.SMTP.Listeners = src.SMTP.Listeners
	}
	if len(src.IMAP.Listeners) > 0 {
		dst.IMAP.Listeners = src.IMAP.Listeners
	}
	if len(src.POP3.Listeners) > 0 {
		dst.POP3.Listeners = src.POP3.Listeners
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if src.JWT.Secret != "" {
		dst.JWT.Secret = src.JWT.Secret
	}

	if src.JWT.Issuer != "" {
		dst.JWT.Issuer = src.JWT.Issuer
	}

	if src.JWT.Audience != "" {
		dst.JWT.Audience = src.JWT.Audience
	}

	// Lockout defaults to enabled; an explicit false in the file must win.
	// The zero Config has Enabled=false with all counts zero, which is
	// indistinguishable from "section absent", so only merge the section
	// when any lockout key was set.
	if src.Lockout.MaxFailedAttempts > 0 || src.Lockout.LockoutDurationMinutes > 0 || src.Lockout.ResetWindowMinutes > 0 {
		dst.Lockout.Enabled = src.Lockout.Enabled
		if src.Lockout.MaxFailedAttempts > 0 {
			dst.Lockout.MaxFailedAttempts = src.Lockout.MaxFailedAttempts
		}
		if src.Lockout.LockoutDurationMinutes > 0 {
			dst.Lockout.LockoutDurationMinutes = src.Lockout.LockoutDurationMinutes
		}
		if src.Lockout.ResetWindowMinutes > 0 {
			dst.Lockout.ResetWindowMinutes = src.Lockout.ResetWindowMinutes
		}
	}

	if src.Timeouts.SMTPIdle != "" {
		dst.Timeouts.SMTPIdle = src.Timeouts.SMTPIdle
	}

	if src.Timeouts.IMAPIdle != "" {
		dst.Timeouts.IMAPIdle = src.Timeouts.IMAPIdle
	}

	if src.Timeouts.POP3Idle != "" {
		dst.Timeouts.POP3Idle = src.Timeouts.POP3Idle
	}

	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}

	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	return dst
}
