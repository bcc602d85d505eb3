// Command frimerkid runs the frimerki mail server: SMTP, IMAP, and POP3
// listeners over a shared message store.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Hafthor/frimerki/internal/auth"
	"github.com/Hafthor/frimerki/internal/clock"
	"github.com/Hafthor/frimerki/internal/config"
	"github.com/Hafthor/frimerki/internal/delivery"
	"github.com/Hafthor/frimerki/internal/directory"
	"github.com/Hafthor/frimerki/internal/folder"
	"github.com/Hafthor/frimerki/internal/imap"
	"github.com/Hafthor/frimerki/internal/logging"
	"github.com/Hafthor/frimerki/internal/message"
	"github.com/Hafthor/frimerki/internal/metrics"
	"github.com/Hafthor/frimerki/internal/pop3"
	"github.com/Hafthor/frimerki/internal/server"
	"github.com/Hafthor/frimerki/internal/smtp"
	"github.com/Hafthor/frimerki/internal/store"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	clk := clock.System()

	shared, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		os.Exit(1)
	}
	router := store.NewRouter(cfg.Storage.Driver, shared, cfg.Domains.Overrides)

	blobs, err := store.NewBlobStore(cfg.Storage.Attachments)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening attachment store: %v\n", err)
		os.Exit(1)
	}

	dir := directory.New(router, clk, logger)
	engine := delivery.NewEngine(dir, router, blobs, clk, logger)
	messages := message.NewService(router, clk, logger)
	folders := folder.NewManager(router, clk, logger)

	authenticator := auth.NewAuthenticator(router, auth.LockoutPolicy{
		Enabled:     cfg.Lockout.Enabled,
		MaxAttempts: cfg.Lockout.MaxFailedAttempts,
		LockoutFor:  cfg.Lockout.LockoutDuration(),
		ResetWindow: cfg.Lockout.ResetWindow(),
	}, clk, logger)

	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS keypair: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewPrometheusCollector(reg)
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path, reg)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	srv, err := server.New(server.Config{
		Cfg:       &cfg,
		TLSConfig: tlsConfig,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	srv.SetHandler("smtp", smtp.Handler(smtp.Config{
		Hostname:       cfg.Hostname,
		AuthProvider:   authenticator,
		Backend:        engine,
		Collector:      collector,
		MaxMessageSize: cfg.Limits.MaxMessageSize,
	}))
	srv.SetHandler("imap", imap.Handler(imap.Config{
		Hostname:     cfg.Hostname,
		AuthProvider: authenticator,
		Messages:     messages,
		Folders:      folders,
		TLSConfig:    tlsConfig,
		Collector:    collector,
	}))
	srv.SetHandler("pop3", pop3.Handler(cfg.Hostname, authenticator, messages, tlsConfig, collector))

	logger.Info("starting frimerkid",
		"hostname", cfg.Hostname,
		"smtp_listeners", len(cfg.SMTP.Listeners),
		"imap_listeners", len(cfg.IMAP.Listeners),
		"pop3_listeners", len(cfg.POP3.Listeners))

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("frimerkid stopped")
}
