// Package main is the entry point for the device-sync agent.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/avfleet/device-sync-agent/internal/api"
	"github.com/avfleet/device-sync-agent/internal/config"
	"github.com/avfleet/device-sync-agent/internal/inventory"
	"github.com/avfleet/device-sync-agent/internal/progress"
	"github.com/avfleet/device-sync-agent/internal/pubsub"
	"github.com/avfleet/device-sync-agent/internal/ratelimit"
	"github.com/avfleet/device-sync-agent/internal/reconcile"
	"github.com/avfleet/device-sync-agent/internal/sched"
	"github.com/avfleet/device-sync-agent/internal/store"
	"github.com/avfleet/device-sync-agent/internal/vendor"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Starting device-sync agent")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("Failed to load configuration: %v", err)
	}

	sugar.Infow("Configuration loaded",
		"port", cfg.Server.Port,
		"vendors", len(cfg.Vendors),
		"interval", cfg.Discovery.Interval,
	)

	// Shared store: rate-limit entries and scan progress live here. A Redis
	// outage degrades to a per-process store rather than taking the agent down.
	kv := buildStore(cfg.Store, sugar)

	// Progress broadcast is best-effort; without a broker events are dropped.
	publisher := buildPublisher(cfg.RabbitMQ, sugar)
	defer publisher.Close()

	limiter := ratelimit.New(kv, sugar)
	tracker := progress.New(kv, publisher, sugar)

	// Device registry seeded from configuration.
	registry := inventory.NewMemory()
	for _, vc := range cfg.Vendors {
		for _, ip := range vc.RegisteredIPs {
			registry.Add(vc.ID, ip)
		}
	}

	// Build one adapter + reconciler per configured vendor. A vendor that
	// fails to initialize is skipped; the rest keep running.
	adapters := make(map[string]vendor.Adapter)
	reconcilers := make(map[string]*reconcile.Reconciler)
	defaults := make(map[string]reconcile.Options)
	var jobs []sched.Job

	for _, vc := range cfg.Vendors {
		code := vc.Code
		if code == "" {
			code = "rest"
		}

		adapter, err := vendor.New(code, vc.Endpoint(), limiter, sugar)
		if err != nil {
			sugar.Errorw("Failed to initialize vendor, skipping", "vendor", vc.ID, "error", err)
			continue
		}

		opts := reconcile.Options{
			ScanCIDRs: vc.ScanCIDRs,
			ScanFQDNs: vc.ScanFQDNs,
			MaxHosts:  cfg.Discovery.MaxHosts,
		}
		rec := reconcile.New(adapter, registry, tracker, cfg.Discovery.ApplyRate, sugar)

		adapters[vc.ID] = adapter
		reconcilers[vc.ID] = rec
		defaults[vc.ID] = opts
		jobs = append(jobs, sched.Job{Reconciler: rec, Opts: opts})

		sugar.Infow("Vendor registered", "vendor", vc.ID, "code", code, "base_url", vc.BaseURL)
	}

	// Start the background scheduler unless disabled
	var scheduler *sched.Scheduler
	if cfg.Discovery.Interval > 0 && len(jobs) > 0 {
		scheduler = sched.New(time.Duration(cfg.Discovery.Interval)*time.Second, jobs, sugar)
		scheduler.Start()
	}

	// Initialize API server
	server := api.New(cfg.Server, adapters, reconcilers, defaults, tracker, sugar)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		sugar.Infof("HTTP server listening on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop scheduled syncs
	if scheduler != nil {
		scheduler.Stop()
	}

	// Shutdown HTTP server
	if err := httpServer.Shutdown(ctx); err != nil {
		sugar.Errorf("Server forced to shutdown: %v", err)
	}

	sugar.Info("Server stopped")
}

func buildStore(cfg config.StoreConfig, sugar *zap.SugaredLogger) store.Store {
	if cfg.Backend == "memory" {
		return store.NewMemory()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kv, err := store.NewRedis(ctx, cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		sugar.Warnw("Redis unavailable, using in-process store", "addr", cfg.Addr, "error", err)
		return store.NewMemory()
	}
	sugar.Infow("Connected to redis", "addr", cfg.Addr)
	return kv
}

func buildPublisher(cfg config.RabbitMQConfig, sugar *zap.SugaredLogger) pubsub.Publisher {
	publisher, err := pubsub.NewRabbit(cfg.URL, cfg.Exchange, sugar)
	if err != nil {
		sugar.Warnw("RabbitMQ unavailable, progress events disabled", "error", err)
		return pubsub.NoopPublisher{}
	}
	sugar.Infow("Connected to RabbitMQ", "exchange", cfg.Exchange)
	return publisher
}
