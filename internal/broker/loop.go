// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

// Package broker hosts the periodic background loops that run beside
// the HTTP surface: the stale-lease reaper, retention GC and the
// queue-gauge sampler. Each loop shares the same Start/Stop lifecycle
// and completes its current iteration before exiting.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/tradebridge/tradebridge/internal/logging"
)

// Loop runs a named tick function on a fixed interval. Start and Stop
// are safe to call from any goroutine; Stop blocks until the loop
// goroutine has finished its current iteration and exited.
type Loop struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context)

	// Control
	ctx    context.Context
	cancel context.CancelFunc

	// State - all protected by mu
	mu       sync.Mutex
	running  bool
	stopping bool          // true while Stop() is waiting for goroutine
	stopDone chan struct{} // closed when the goroutine exits
}

// NewLoop creates a loop that invokes tick every interval.
func NewLoop(name string, interval time.Duration, tick func(ctx context.Context)) *Loop {
	return &Loop{
		name:     name,
		interval: interval,
		tick:     tick,
	}
}

// Start begins the loop. It runs until Stop is called or the context
// is canceled. Starting an already-running loop is a no-op.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()

	// Wait for any in-progress Stop() to complete
	for l.stopping {
		stopDone := l.stopDone
		l.mu.Unlock()
		<-stopDone
		l.mu.Lock()
	}

	if l.running {
		l.mu.Unlock()
		return nil
	}

	l.ctx, l.cancel = context.WithCancel(ctx)
	l.running = true
	l.stopDone = make(chan struct{})

	// Capture context and done channel to avoid races
	loopCtx := l.ctx
	done := l.stopDone

	l.mu.Unlock()

	go l.runWithContext(loopCtx, done)

	logging.Info().
		Str("loop", l.name).
		Dur("interval", l.interval).
		Msg("Background loop started")
	return nil
}

// Stop gracefully stops the loop, waiting for the goroutine to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running || l.stopping {
		l.mu.Unlock()
		return
	}

	l.cancel()
	l.running = false
	l.stopping = true
	stopDone := l.stopDone
	l.mu.Unlock()

	<-stopDone

	l.mu.Lock()
	l.stopping = false
	l.mu.Unlock()

	logging.Info().Str("loop", l.name).Msg("Background loop stopped")
}

// IsRunning returns whether the loop is active.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// String identifies the loop in supervisor logs.
func (l *Loop) String() string {
	return l.name
}

// runWithContext is the loop goroutine. The context is a parameter to
// avoid races with Stop(); the done channel is closed on exit.
func (l *Loop) runWithContext(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}
