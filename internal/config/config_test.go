package config

import (
	"crypto/tls"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Hostname != "localhost" {
		t.Errorf("Hostname = %q, want localhost", cfg.Hostname)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if len(cfg.SMTP.Listeners) != 1 || cfg.SMTP.Listeners[0].Address != ":25" {
		t.Errorf("SMTP.Listeners = %v, want single :25", cfg.SMTP.Listeners)
	}
	if len(cfg.IMAP.Listeners) != 1 || cfg.IMAP.Listeners[0].Address != ":143" {
		t.Errorf("IMAP.Listeners = %v, want single :143", cfg.IMAP.Listeners)
	}
	if len(cfg.POP3.Listeners) != 1 || cfg.POP3.Listeners[0].Address != ":110" {
		t.Errorf("POP3.Listeners = %v, want single :110", cfg.POP3.Listeners)
	}
	if !cfg.Lockout.Enabled {
		t.Error("Lockout.Enabled = false, want true")
	}
	if cfg.Lockout.MaxFailedAttempts != 5 {
		t.Errorf("Lockout.MaxFailedAttempts = %d, want 5", cfg.Lockout.MaxFailedAttempts)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing hostname",
			mutate:  func(c *Config) { c.Hostname = "" },
			wantErr: "hostname",
		},
		{
			name:    "unsupported driver",
			mutate:  func(c *Config) { c.Storage.Driver = "postgres" },
			wantErr: "driver",
		},
		{
			name:    "missing dsn",
			mutate:  func(c *Config) { c.Storage.DSN = "" },
			wantErr: "dsn",
		},
		{
			name:    "no smtp listeners",
			mutate:  func(c *Config) { c.SMTP.Listeners = nil },
			wantErr: "listener",
		},
		{
			name:    "listener without address",
			mutate:  func(c *Config) { c.IMAP.Listeners = []ListenerConfig{{}} },
			wantErr: "address",
		},
		{
			name:    "tls listener without cert",
			mutate:  func(c *Config) { c.POP3.Listeners = []ListenerConfig{{Address: ":995", TLS: true}} },
			wantErr: "cert_file",
		},
		{
			name: "tls listener with cert",
			mutate: func(c *Config) {
				c.POP3.Listeners = []ListenerConfig{{Address: ":995", TLS: true}}
				c.TLS.CertFile = "cert.pem"
				c.TLS.KeyFile = "key.pem"
			},
		},
		{
			name:    "zero max connections",
			mutate:  func(c *Config) { c.Limits.MaxConnections = 0 },
			wantErr: "max_connections",
		},
		{
			name:    "bad idle timeout",
			mutate:  func(c *Config) { c.Timeouts.IMAPIdle = "soon" },
			wantErr: "imap_idle",
		},
		{
			name:    "bad tls version",
			mutate:  func(c *Config) { c.TLS.MinVersion = "0.9" },
			wantErr: "min_version",
		},
		{
			name: "lockout enabled without attempts",
			mutate: func(c *Config) {
				c.Lockout.Enabled = true
				c.Lockout.MaxFailedAttempts = 0
			},
			wantErr: "max_failed_attempts",
		},
		{
			name: "metrics enabled without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Address = ""
			},
			wantErr: "metrics address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestTimeoutAccessors(t *testing.T) {
	tc := TimeoutsConfig{SMTPIdle: "2m", IMAPIdle: "", POP3Idle: "bogus"}

	if got := tc.SMTPIdleTimeout(); got != 2*time.Minute {
		t.Errorf("SMTPIdleTimeout() = %v, want 2m", got)
	}
	if got := tc.IMAPIdleTimeout(); got != 30*time.Minute {
		t.Errorf("IMAPIdleTimeout() = %v, want default 30m", got)
	}
	if got := tc.POP3IdleTimeout(); got != 10*time.Minute {
		t.Errorf("POP3IdleTimeout() = %v, want default 10m on parse failure", got)
	}
}

func TestLockoutAccessors(t *testing.T) {
	lc := LockoutConfig{LockoutDurationMinutes: 30, ResetWindowMinutes: 0}

	if got := lc.LockoutDuration(); got != 30*time.Minute {
		t.Errorf("LockoutDuration() = %v, want 30m", got)
	}
	if got := lc.ResetWindow(); got != 60*time.Minute {
		t.Errorf("ResetWindow() = %v, want default 60m", got)
	}
}

func TestMinTLSVersion(t *testing.T) {
	tests := []struct {
		version string
		want    uint16
	}{
		{"1.0", tls.VersionTLS10},
		{"1.2", tls.VersionTLS12},
		{"1.3", tls.VersionTLS13},
		{"", tls.VersionTLS12},
		{"bogus", tls.VersionTLS12},
	}

	for _, tt := range tests {
		tc := TLSConfig{MinVersion: tt.version}
		if got := tc.MinTLSVersion(); got != tt.want {
			t.Errorf("MinTLSVersion(%q) = %d, want %d", tt.version, got, tt.want)
		}
	}
}
