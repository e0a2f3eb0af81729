// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parleyforum/passkey-auth/internal/config"
	"github.com/parleyforum/passkey-auth/internal/postgres"
	"github.com/parleyforum/passkey-auth/internal/rest"
	"github.com/parleyforum/passkey-auth/pkg/logging"
	"github.com/parleyforum/passkey-auth/pkg/metrics"
	"github.com/parleyforum/passkey-auth/pkg/passkey"
	"github.com/parleyforum/passkey-auth/pkg/session"
)

var (
	// Version information (set during build)
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("passkey-auth server\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Git Commit: %s\n", commit)
		fmt.Printf("  Built:      %s\n", date)
		os.Exit(0)
	}

	if envConfig := os.Getenv("PASSKEY_CONFIG"); envConfig != "" && *configPath == "" {
		*configPath = envConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting passkey server",
		"version", version,
		"rp_id", cfg.RelyingParty.ID)

	metrics.SetEnabled(cfg.Metrics.Enabled)

	ctx := setupSignalHandler(logger)

	// Wire stores: Postgres when a DSN is configured, in-memory otherwise.
	var (
		accounts    passkey.AccountStore
		credentials passkey.CredentialStore
		challenges  passkey.ChallengeStore
	)
	if cfg.Database.DSN != "" {
		store, err := postgres.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			logger.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		accounts, credentials, challenges = store, store, store
		logger.Info("using postgres store")
	} else {
		store := passkey.NewMemoryStore()
		accounts, credentials, challenges = store, store, store
		logger.Warn("no database configured, using in-memory store")
	}

	issuer, err := session.NewIssuer([]byte(cfg.Session.Secret),
		session.WithTTL(cfg.Session.TTL.Std()),
		session.WithIssuerName(cfg.Session.Issuer),
	)
	if err != nil {
		logger.Error("failed to create session issuer", "error", err)
		os.Exit(1)
	}

	service, err := passkey.NewService(passkey.ServiceParams{
		Config:      cfg.RelyingParty.ToPasskeyConfig(),
		Accounts:    accounts,
		Credentials: credentials,
		Challenges:  challenges,
		Tokens:      issuer,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to create passkey service", "error", err)
		os.Exit(1)
	}

	go runChallengeSweep(ctx, service, cfg.RelyingParty.SweepInterval.Std(), logger)

	server, err := rest.NewServer(&rest.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		Service:        service,
		Sessions:       issuer,
		Logger:         logger,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
		ReadTimeout:    cfg.Server.ReadTimeout.Std(),
		WriteTimeout:   cfg.Server.WriteTimeout.Std(),
		IdleTimeout:    cfg.Server.IdleTimeout.Std(),
	})
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
		os.Exit(1)
	}
}

// runChallengeSweep periodically deletes expired challenges until the
// context is cancelled.
func runChallengeSweep(ctx context.Context, service *passkey.Service, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := service.Challenges().Sweep(ctx)
			if err != nil {
				logger.Warn("challenge sweep failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.RecordChallengesSwept(n)
				logger.Info("swept expired challenges", "count", n)
			}
		}
	}
}

// setupSignalHandler cancels the returned context on SIGINT or SIGTERM.
func setupSignalHandler(logger interface{ Info(string, ...any) }) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	return ctx
}
