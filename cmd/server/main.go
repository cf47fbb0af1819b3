// Package main is the entry point for the llmrelay gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/blueberrycongee/llmrelay/internal/api"
	"github.com/blueberrycongee/llmrelay/internal/classify"
	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/dispatch"
	"github.com/blueberrycongee/llmrelay/internal/endpoint"
	"github.com/blueberrycongee/llmrelay/internal/headers"
	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/pool"
	"github.com/blueberrycongee/llmrelay/internal/provider"
	"github.com/blueberrycongee/llmrelay/internal/router"
	"github.com/blueberrycongee/llmrelay/internal/selector"
	"github.com/blueberrycongee/llmrelay/internal/streaming"
	"github.com/blueberrycongee/llmrelay/internal/transform"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgManager, err := config.NewManager(*configPath, bootstrapLogger)
	if err != nil {
		bootstrapLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting llmrelay gateway", "version", headers.Version, "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	// Registry and capacity layers.
	registry := provider.NewRegistry()
	registry.LoadConfig(cfg.Providers)

	slots := pool.New(cfg.ModelPool, logger)
	slots.Start(ctx)

	endpoints := endpoint.NewManager(cfg.EndpointRateLimiting, cfg.ModelPool, logger)
	for _, p := range registry.List() {
		endpoints.RegisterProvider(p.BaseURL, p.Name)
	}

	sel := selector.New(slots, cfg.ModelSelector, logger)
	routes := router.New(cfg.Router, cfg.Failover, logger)

	// Transformers, headers and error tables.
	transforms := transform.NewRegistry()
	headerBuilder := headers.NewBuilder()
	headerBuilder.RegisterSigner("iflow", headers.NewSigner("Iflow", []string{"session-id", "x-client-type"}))
	classifier := classify.NewClassifier()

	streams := streaming.NewManager(cfg.Streaming, logger)

	tracker := metrics.NewTracker(cfg.Metrics.MaxRecords, cfg.Metrics.Retention, cfg.Metrics.SweepSchedule, logger)
	if err := tracker.Start(); err != nil {
		logger.Error("failed to start metrics tracker", "error", err)
		os.Exit(1)
	}
	defer tracker.Stop()

	dispatcher := dispatch.New(dispatch.Options{
		Pool:       slots,
		Endpoints:  endpoints,
		Selector:   sel,
		Registry:   registry,
		Transforms: transforms,
		Headers:    headerBuilder,
		Classifier: classifier,
		Streams:    streams,
		Tracker:    tracker,
		PoolConfig: func() config.ModelPoolConfig { return cfgManager.Get().ModelPool },
		Logger:     logger,
	})

	// Hot-reload propagation.
	cfgManager.OnChange(func(next *config.Config) {
		registry.LoadConfig(next.Providers)
		slots.UpdateConfig(next.ModelPool)
		endpoints.UpdateConfig(next.EndpointRateLimiting, next.ModelPool)
		sel.UpdateConfig(next.ModelSelector)
		routes.UpdateConfig(next.Router, next.Failover)
		streams.UpdateConfig(next.Streaming)
	})

	handler := api.NewHandler(dispatcher, routes, slots, endpoints, registry, tracker, cfgManager.Get, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	var root http.Handler = handler.AccessLog(mux)
	if len(cfg.Server.AllowedOrigins) > 0 {
		root = cors.New(cors.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"*"},
		}).Handler(root)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown: stop accepting, reject queued waiters, drain.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	cleared := slots.ClearQueue()
	if cleared > 0 {
		logger.Info("rejected queued requests on shutdown", "count", cleared)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
