// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package broker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradebridge/tradebridge/internal/config"
	"github.com/tradebridge/tradebridge/internal/models"
	"github.com/tradebridge/tradebridge/internal/store"
)

func TestLoopStartStop(t *testing.T) {
	var ticks atomic.Int64
	l := NewLoop("test-loop", 5*time.Millisecond, func(ctx context.Context) {
		ticks.Add(1)
	})

	require.NoError(t, l.Start(context.Background()))
	assert.True(t, l.IsRunning())

	// Idempotent start.
	require.NoError(t, l.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return ticks.Load() >= 3
	}, time.Second, 5*time.Millisecond)

	l.Stop()
	assert.False(t, l.IsRunning())

	// Idempotent stop.
	l.Stop()

	after := ticks.Load()
	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "loop ticked after Stop returned")
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	var ticks atomic.Int64
	l := NewLoop("test-loop", 5*time.Millisecond, func(ctx context.Context) {
		ticks.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))
	cancel()

	// The goroutine exits on its own; Stop still unblocks cleanly.
	l.Stop()
	assert.False(t, l.IsRunning())
}

func TestLoopRestart(t *testing.T) {
	var ticks atomic.Int64
	l := NewLoop("test-loop", 5*time.Millisecond, func(ctx context.Context) {
		ticks.Add(1)
	})

	require.NoError(t, l.Start(context.Background()))
	l.Stop()

	require.NoError(t, l.Start(context.Background()))
	assert.True(t, l.IsRunning())
	l.Stop()
}

func newLoopTestStore(t *testing.T) *store.Store {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.InMemory = true
	cfg.SyncWrites = false

	s, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReaperRecoversStaleClaims(t *testing.T) {
	s := newLoopTestStore(t)
	ctx := context.Background()

	_, _, err := s.Ingest(ctx, &models.Event{
		SourceID:  "1",
		EventType: models.EventPositionOpened,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	batch, err := s.Claim(ctx, 1, "crashed-worker")
	require.NoError(t, err)
	require.Len(t, batch, 1)

	qcfg := config.DefaultConfig().Queue
	qcfg.ReaperInterval = 5 * time.Millisecond
	qcfg.LeaseDuration = time.Millisecond
	qcfg.ShortBackoff = 0

	reaper := NewReaper(s, qcfg)
	require.NoError(t, reaper.Start(ctx))
	defer reaper.Stop()

	assert.Eventually(t, func() bool {
		claimed, err := s.Claim(ctx, 1, "worker-2")
		require.NoError(t, err)
		return len(claimed) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRetentionGCPurgesOldDone(t *testing.T) {
	s := newLoopTestStore(t)
	ctx := context.Background()

	id, _, err := s.Ingest(ctx, &models.Event{
		SourceID:  "1",
		EventType: models.EventPositionOpened,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, _, err = s.MarkDone(ctx, id)
	require.NoError(t, err)

	qcfg := config.DefaultConfig().Queue
	qcfg.CleanupInterval = 5 * time.Millisecond
	qcfg.MaxOrderAge = time.Millisecond

	gc := NewRetentionGC(s, qcfg)
	require.NoError(t, gc.Start(ctx))
	defer gc.Stop()

	assert.Eventually(t, func() bool {
		_, err := s.Get(ctx, id)
		return err != nil
	}, time.Second, 10*time.Millisecond)
}
