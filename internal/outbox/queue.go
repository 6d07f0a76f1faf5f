// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

// Package outbox implements the producer-side durable outbox: a
// bounded in-memory FIFO backed by an append-only log, a circuit
// breaker on the broker connection, and a drain loop that preserves
// submission order across retries.
package outbox

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Entry is one queued envelope. The envelope bytes are the exact JSON
// the event source produced; the outbox never re-encodes them.
type Entry struct {
	Envelope   json.RawMessage `json:"envelope"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// boundedQueue is a thread-safe FIFO with a drop-oldest capacity
// policy.
type boundedQueue struct {
	mu      sync.Mutex
	entries []*Entry
	max     int
}

func newBoundedQueue(max int) *boundedQueue {
	return &boundedQueue{max: max}
}

// push appends e, evicting the oldest entry when full. Returns the
// evicted entry, or nil.
func (q *boundedQueue) push(e *Entry) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped *Entry
	if len(q.entries) >= q.max {
		dropped = q.entries[0]
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, e)
	return dropped
}

// peek returns the head without removing it, or nil when empty.
func (q *boundedQueue) peek() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// popHead removes head iff it is still the same entry that was
// peeked. The drain loop peeks, sends, then dequeues only on success;
// the identity check keeps a concurrent push from losing an entry.
func (q *boundedQueue) popHead(head *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) > 0 && q.entries[0] == head {
		q.entries = q.entries[1:]
	}
}

// size returns the current depth.
func (q *boundedQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
