// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

// Package main is the entry point for the TradeBridge broker.
//
// The broker accepts trade events from producers, persists them in a
// durable FIFO queue with idempotent ingestion, and hands them to
// consumers under time-bounded exclusive leases. Expired leases are
// recovered by a background reaper, completed events are garbage
// collected after a retention window, and the whole surface is
// observable over Prometheus metrics.
//
// Startup order:
//
//  1. Configuration: Koanf v2 layered load (defaults, YAML, env)
//  2. Logging: zerolog, JSON or console format
//  3. Storage: BadgerDB event store
//  4. HTTP surface: chi router with pre-filters
//  5. Supervision: suture tree running the loops and the server
//
// Graceful shutdown on SIGINT/SIGTERM: the HTTP server drains, the
// loops finish their current iteration, then storage closes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradebridge/tradebridge/internal/api"
	"github.com/tradebridge/tradebridge/internal/broker"
	"github.com/tradebridge/tradebridge/internal/config"
	"github.com/tradebridge/tradebridge/internal/logging"
	"github.com/tradebridge/tradebridge/internal/store"
	"github.com/tradebridge/tradebridge/internal/supervisor"
	"github.com/tradebridge/tradebridge/internal/supervisor/services"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tradebridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("listen_address", cfg.Server.ListenAddress).
		Str("database_path", cfg.Storage.Path).
		Bool("auth_enabled", cfg.Security.APIKey != "").
		Bool("rate_limit_enabled", cfg.Security.RateLimitEnabled).
		Msg("TradeBridge broker starting")

	s, err := store.Open(store.Config{
		Path:          cfg.Storage.Path,
		SyncWrites:    cfg.Storage.SyncWrites,
		MaxRetries:    cfg.Queue.MaxRetries,
		MaxClaimBatch: cfg.Queue.MaxClaimBatch,
		CloseTimeout:  cfg.Storage.CloseTimeout,
	})
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			logging.Error().Err(err).Msg("Event store close failed")
		}
	}()

	handlers := api.NewHandlers(s, *cfg)
	router := api.NewRouter(handlers, *cfg)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddQueueService(services.NewLoopService(broker.NewReaper(s, cfg.Queue)))
	tree.AddQueueService(services.NewLoopService(broker.NewRetentionGC(s, cfg.Queue)))
	tree.AddQueueService(services.NewLoopService(broker.NewSampler(s, cfg.Queue)))
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("supervisor: %w", err)
		}
		return nil
	}

	// Wait for the tree to unwind, then report stragglers.
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor exited with error")
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service missed shutdown timeout")
		}
	}

	logging.Info().Msg("TradeBridge broker stopped")
	return nil
}
