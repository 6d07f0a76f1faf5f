// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

// Package main is the producer-side relay. It reads trade-event
// envelopes as line-delimited JSON on stdin and hands each one to the
// durable outbox, which delivers to the broker or persists for retry.
//
// The relay is the bridge between an event source that can only emit
// lines (a trading terminal, a tail of a log file) and the broker's
// HTTP ingest endpoint. Delivery guarantees live in the outbox:
// circuit breaker, append log, replay on restart.
//
// Example:
//
//	tail -F trades.ndjson | BRIDGE_URL=http://broker:5000 ./relay
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/tradebridge/tradebridge/internal/config"
	"github.com/tradebridge/tradebridge/internal/logging"
	"github.com/tradebridge/tradebridge/internal/outbox"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
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
		Str("bridge_url", cfg.Producer.BridgeURL).
		Str("outbox_path", cfg.Producer.OutboxPath).
		Msg("TradeBridge relay starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ob := outbox.New(cfg.Producer, nil)
	if err := ob.Start(ctx); err != nil {
		return fmt.Errorf("start outbox: %w", err)
	}
	defer ob.Stop()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var accepted, rejected int
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Shutdown signal received")
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			rejected++
			logging.Warn().Int("line_length", len(line)).Msg("Skipping malformed envelope")
			continue
		}

		envelope := make(json.RawMessage, len(line))
		copy(envelope, line)
		if err := ob.Enqueue(envelope); err != nil {
			logging.Error().Err(err).Msg("Enqueue failed, envelope held in memory only")
		}
		accepted++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	logging.Info().
		Int("accepted", accepted).
		Int("rejected", rejected).
		Int("backlog", ob.Depth()).
		Msg("Input drained, relay exiting")
	return nil
}
