// Financial Coach - subscription, anomaly and cash-flow analysis for household ledgers.
// Copyright (c) 2025 applsais
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/applsais/financial-coach/internal/api"
	"github.com/applsais/financial-coach/internal/bus"
	"github.com/applsais/financial-coach/internal/cache"
	"github.com/applsais/financial-coach/internal/config"
	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/repository"
	"github.com/applsais/financial-coach/internal/service"
	"github.com/applsais/financial-coach/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting financial coach",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"profile", cfg.Profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	svc, err := service.New(repo, service.Options{
		Cache:     cacheImpl,
		Bus:       busImpl,
		Detection: cfg.Detection,
		ResultTTL: cfg.Server.ResultTTL,
	})
	if err != nil {
		slog.Error("failed to initialize analysis service", "error", err)
		os.Exit(1)
	}

	// Global rules are compiled up front so a broken expression fails the boot
	n, err := svc.ReloadRules(ctx, domain.WildcardDataset)
	if err != nil {
		slog.Error("failed to load custom rules", "error", err)
		os.Exit(1)
	}
	slog.Info("custom rules loaded", "global_rules", n)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{DatasetIDs: cfg.Worker.DatasetIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "dataset_count", len(cfg.Worker.DatasetIDs))
		}
	}

	srv := api.NewServer(cfg.Server, repo, svc, cacheImpl, busImpl, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("financial coach is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop consuming before the bus and repository close
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("financial coach shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  Financial Coach")
	fmt.Println("  Subscriptions, anomalies and cash-flow forecasts for your ledger.")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Profile:  %s\n", cfg.Profile)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints (X-Dataset-ID header required):")
	fmt.Println("    POST   /transactions         - Add a JSON batch")
	fmt.Println("    POST   /transactions/upload  - Upload a CSV ledger")
	fmt.Println("    GET    /transactions         - List transactions")
	fmt.Println("    DELETE /transactions         - Delete the dataset")
	fmt.Println("    GET    /subscriptions        - Recurring charges")
	fmt.Println("    GET    /anomalies            - Suspicious transactions")
	fmt.Println("    GET    /forecast             - Next month forecast")
	fmt.Println("    GET    /trends               - Monthly trends")
	fmt.Println("    GET    /insights             - All of the above")
	fmt.Println("    POST   /rules                - Create a custom rule")
	fmt.Println("    GET    /health               - Health check")
	fmt.Println()
}
