// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradebridge/tradebridge/internal/config"
)

// fakeSender records deliveries and fails on demand.
type fakeSender struct {
	mu        sync.Mutex
	failing   bool
	calls     int
	delivered []string
}

func (f *fakeSender) Send(ctx context.Context, envelope json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return errors.New("broker unreachable")
	}
	f.delivered = append(f.delivered, string(envelope))
	return nil
}

func (f *fakeSender) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSender) deliveredCopy() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.delivered))
	copy(out, f.delivered)
	return out
}

func testProducerConfig(t *testing.T) config.ProducerConfig {
	t.Helper()
	cfg := config.DefaultConfig().Producer
	cfg.OutboxPath = filepath.Join(t.TempDir(), "outbox.log")
	cfg.RetryInterval = 20 * time.Millisecond
	cfg.SendTimeout = time.Second
	cfg.CircuitFailureThreshold = 3
	cfg.CircuitCooldown = 50 * time.Millisecond
	cfg.MaxQueueSize = 100
	return cfg
}

func envelope(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"source_id":"%d","event_type":"POSITION_OPENED"}`, i))
}

func TestBoundedQueueDropsOldest(t *testing.T) {
	q := newBoundedQueue(3)

	var entries []*Entry
	for i := 0; i < 4; i++ {
		e := &Entry{Envelope: envelope(i)}
		entries = append(entries, e)
		q.push(e)
	}

	assert.Equal(t, 3, q.size())
	assert.Same(t, entries[1], q.peek(), "oldest entry should have been evicted")
}

func TestBoundedQueuePopHeadIdentity(t *testing.T) {
	q := newBoundedQueue(10)
	a := &Entry{Envelope: envelope(1)}
	b := &Entry{Envelope: envelope(2)}
	q.push(a)
	q.push(b)

	head := q.peek()
	q.popHead(head)
	assert.Same(t, b, q.peek())

	// Popping a stale head is a no-op.
	q.popHead(head)
	assert.Same(t, b, q.peek())
}

func TestEnqueueDeliversDirectly(t *testing.T) {
	sender := &fakeSender{}
	o := New(testProducerConfig(t), sender)

	require.NoError(t, o.Enqueue(envelope(1)))
	assert.Equal(t, 0, o.Depth())
	assert.Equal(t, []string{string(envelope(1))}, sender.deliveredCopy())
}

func TestEnqueuePersistsOnFailure(t *testing.T) {
	sender := &fakeSender{failing: true}
	cfg := testProducerConfig(t)
	o := New(cfg, sender)

	require.NoError(t, o.Enqueue(envelope(1)))
	assert.Equal(t, 1, o.Depth())

	data, err := os.ReadFile(cfg.OutboxPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"source_id":"1"`)
}

func TestEnqueueWithBacklogDeliversHeadFirst(t *testing.T) {
	sender := &fakeSender{failing: true}
	o := New(testProducerConfig(t), sender)

	require.NoError(t, o.Enqueue(envelope(1)))
	require.Equal(t, 1, o.Depth())

	sender.setFailing(false)
	// A backlog exists: the new envelope queues behind it and the
	// head is attempted instead, preserving submission order.
	require.NoError(t, o.Enqueue(envelope(2)))
	assert.Equal(t, 1, o.Depth())

	delivered := sender.deliveredCopy()
	require.Len(t, delivered, 1)
	assert.Equal(t, string(envelope(1)), delivered[0])
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	sender := &fakeSender{failing: true}
	cfg := testProducerConfig(t)
	o := New(cfg, sender)

	// Threshold failures trip the breaker.
	for i := 0; i < cfg.CircuitFailureThreshold; i++ {
		require.NoError(t, o.Enqueue(envelope(i)))
	}
	tripped := sender.callCount()
	assert.Equal(t, cfg.CircuitFailureThreshold, tripped)

	// Open breaker: persisted without an HTTP attempt.
	require.NoError(t, o.Enqueue(envelope(99)))
	assert.Equal(t, tripped, sender.callCount())
	assert.Equal(t, cfg.CircuitFailureThreshold+1, o.Depth())
}

func TestDrainDeliversInOrderAndTruncatesLog(t *testing.T) {
	sender := &fakeSender{failing: true}
	cfg := testProducerConfig(t)
	o := New(cfg, sender)
	o.backoffUnit = time.Millisecond

	for i := 0; i < 3; i++ {
		require.NoError(t, o.Enqueue(envelope(i)))
	}

	sender.setFailing(false)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	require.Eventually(t, func() bool {
		return o.Depth() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// Wait past the cooldown so the half-open probe ran and the
	// breaker closed again on success.
	delivered := sender.deliveredCopy()
	require.Len(t, delivered, 3)
	assert.Equal(t, string(envelope(0)), delivered[0])
	assert.Equal(t, string(envelope(1)), delivered[1])
	assert.Equal(t, string(envelope(2)), delivered[2])

	assert.Eventually(t, func() bool {
		info, err := os.Stat(cfg.OutboxPath)
		return err == nil && info.Size() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStartupReplay(t *testing.T) {
	cfg := testProducerConfig(t)

	// First process: everything persisted, nothing delivered.
	first := New(cfg, &fakeSender{failing: true})
	for i := 0; i < 5; i++ {
		require.NoError(t, first.Enqueue(envelope(i)))
	}

	// Second process: replay from disk, then drain.
	sender := &fakeSender{}
	second := New(cfg, sender)
	second.backoffUnit = time.Millisecond
	require.NoError(t, second.Start(context.Background()))
	defer second.Stop()

	assert.Equal(t, 5, second.Depth())

	require.Eventually(t, func() bool {
		return second.Depth() == 0
	}, 5*time.Second, 10*time.Millisecond)

	delivered := sender.deliveredCopy()
	require.Len(t, delivered, 5)
	for i, d := range delivered {
		assert.Equal(t, string(envelope(i)), d, "delivery order")
	}
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	cfg := testProducerConfig(t)

	valid, err := json.Marshal(&Entry{Envelope: envelope(1), EnqueuedAt: time.Now().UTC()})
	require.NoError(t, err)
	content := "not json at all\n" + string(valid) + "\n{\"envelope\":}\n"
	require.NoError(t, os.WriteFile(cfg.OutboxPath, []byte(content), 0o600))

	l := newAppendLog(cfg.OutboxPath, cfg.MaxFileSizeMB, cfg.RetainedBackups)
	entries, err := l.replay()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(envelope(1)), string(entries[0].Envelope))

	// Replay truncates after a successful load.
	info, err := os.Stat(cfg.OutboxPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestAppendLogRotationAndPrune(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.log")

	l := newAppendLog(path, 1, 2)
	l.maxBytes = 64 // force rotation quickly

	for i := 0; i < 20; i++ {
		require.NoError(t, l.append(&Entry{Envelope: envelope(i), EnqueuedAt: time.Now().UTC()}))
	}

	backups, err := filepath.Glob(filepath.Join(dir, "outbox.*"+backupSuffix))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), 2, "backups pruned to retained count")
	assert.NotEmpty(t, backups)
}

func TestReplayRotatesOversizedLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.log")

	l := newAppendLog(path, 1, 5)
	l.maxBytes = 32

	big := make([]byte, 100)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, os.WriteFile(path, big, 0o600))

	entries, err := l.replay()
	require.NoError(t, err)
	assert.Empty(t, entries)

	backups, err := filepath.Glob(filepath.Join(dir, "outbox.*"+backupSuffix))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestOutboxStartStop(t *testing.T) {
	o := New(testProducerConfig(t), &fakeSender{})

	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.IsRunning())
	require.NoError(t, o.Start(context.Background()))

	o.Stop()
	assert.False(t, o.IsRunning())
	o.Stop()
}
