// Ibis - Invoice risk scoring and escrow that deploys in 60 seconds.
// Copyright (c) 2025 opensource.finance
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

	"github.com/opensource-finance/ibis/internal/analyzer"
	"github.com/opensource-finance/ibis/internal/api"
	"github.com/opensource-finance/ibis/internal/bus"
	"github.com/opensource-finance/ibis/internal/cache"
	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/escrow"
	"github.com/opensource-finance/ibis/internal/history"
	"github.com/opensource-finance/ibis/internal/policy"
	"github.com/opensource-finance/ibis/internal/repository"
	"github.com/opensource-finance/ibis/internal/risk"
	"github.com/opensource-finance/ibis/internal/telemetry"
	"github.com/opensource-finance/ibis/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("IBIS_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting ibis",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("IBIS_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	if os.Getenv("IBIS_MODE") == "async" {
		cfg.AnalysisMode = domain.ModeAsync
	}
	if dsn := os.Getenv("IBIS_SENTRY_DSN"); dsn != "" {
		cfg.Sentry.Enabled = true
		cfg.Sentry.DSN = dsn
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"mode", cfg.AnalysisMode,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	if err := telemetry.InitSentry(cfg.Sentry, Version); err != nil {
		slog.Warn("sentry init failed", "error", err)
	}
	defer telemetry.Flush()

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Risk Engine
	engine := risk.NewEngine()
	slog.Info("risk engine initialized", "version", risk.EngineVersion)

	// Initialize History Service
	historySvc := history.NewService(repo, cfg.Engine.HistoryLimit)

	// Initialize Analysis Pipeline
	pipeline := analyzer.NewService(engine, historySvc, repo, busImpl, logger)

	// Seed payee reputations from the database
	if err := pipeline.LoadReputations(ctx, api.GlobalTenantID); err != nil {
		slog.Warn("failed to load reputations", "error", err)
	}

	// Initialize Gate Engine
	gates, err := policy.NewEngine()
	if err != nil {
		slog.Error("failed to initialize gate engine", "error", err)
		os.Exit(1)
	}
	if err := loadGatesFromDatabase(ctx, repo, gates); err != nil {
		slog.Error("failed to load gates", "error", err)
		os.Exit(1)
	}
	slog.Info("gate engine initialized", "gates_count", gates.GatesCount())

	// Initialize Escrow Registry
	registry := escrow.NewRegistry(repo, cacheImpl, busImpl, gates, cfg.Escrow.MaxSubmissionsPerHour, logger)
	slog.Info("escrow registry initialized", "max_per_hour", cfg.Escrow.MaxSubmissionsPerHour)

	// Initialize async Worker (Pro tier or async mode)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || cfg.AnalysisMode == domain.ModeAsync || os.Getenv("IBIS_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, pipeline)

		// Get tenant IDs to process (from environment or default)
		tenantIDs := []string{}
		if envTenants := os.Getenv("IBIS_TENANTS"); envTenants != "" {
			// Could parse comma-separated list here
			tenantIDs = []string{envTenants}
		}

		workerCfg := worker.Config{
			TenantIDs: tenantIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, pipeline, registry, gates, Version, cfg.AnalysisMode, cfg.Engine.DefaultBalance)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("ibis is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
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

	slog.Info("ibis shutdown complete")
}

// loadGatesFromDatabase loads submission gates into the engine. An
// empty database falls back to the built-in default gates.
func loadGatesFromDatabase(ctx context.Context, repo domain.Repository, gates *policy.Engine) error {
	dbGates, err := repo.ListGateConfigs(ctx, api.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list gates from database", "error", err)
		return gates.LoadGates(policy.DefaultGates())
	}

	if len(dbGates) > 0 {
		slog.Info("loading gates from database", "count", len(dbGates))
		return gates.LoadGates(dbGates)
	}

	slog.Info("no gates in database - loading defaults; configure via POST /policy/gates")
	return gates.LoadGates(policy.DefaultGates())
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 IBIS                    ║")
	fmt.Println("  ║      Invoice Risk & Escrow Engine        ║")
	fmt.Println("  ║      Every invoice, weighed first.       ║")
	fmt.Println("  ╚═════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Mode:     %s\n", cfg.AnalysisMode)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /analyze                         - Score an invoice")
	fmt.Println("    GET  /analyses/{id}                   - Get analysis by ID")
	fmt.Println("    GET  /invoices/{id}                   - Get invoice by ID")
	fmt.Println("    POST /extract                         - Extract fields from text or PDF")
	fmt.Println("    POST /cashflow                        - Simulate cash flow impact")
	fmt.Println("    GET  /payees/{payee}/reputation       - Get payee reputation")
	fmt.Println("    POST /payees/{payee}/reputation       - Record a payment outcome")
	fmt.Println("    POST /escrow/invoices                 - Submit an invoice to escrow")
	fmt.Println("    GET  /escrow/invoices/{hash}          - Get escrow record")
	fmt.Println("    PUT  /escrow/invoices/{hash}/status   - Approve or reject")
	fmt.Println("    POST /escrow/invoices/{hash}/payment  - Settle payment")
	fmt.Println("    GET  /policy/gates                    - List submission gates")
	fmt.Println("    POST /policy/gates                    - Create a submission gate")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println()
}
