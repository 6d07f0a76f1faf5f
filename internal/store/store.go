// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

// Package store implements the broker's durable event table on
// BadgerDB (ACID, fsync). It provides idempotent ingestion, atomic
// batch claiming with leases, retry scheduling, stale-lease reaping
// and retention cleanup.
//
// Concurrency model: a single writer mutex serialises every mutating
// operation, so a claim reads its candidates and flips their state in
// one transaction with no interleaving writer. Reads run on BadgerDB
// View snapshots and never block writers.
//
// Key space:
//
//	event:<id>                      JSON-encoded event record
//	dedup:<source_id>\x00<type>     -> event id (unique index)
//	ticket:<source_ticket>          JSON-encoded ticket mapping
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tradebridge/tradebridge/internal/logging"
	"github.com/tradebridge/tradebridge/internal/models"
)

// Prefix keys for the three record families.
const (
	prefixEvent  = "event:"
	prefixDedup  = "dedup:"
	prefixTicket = "ticket:"
)

// dedupSep separates source_id from event_type inside a dedup key.
// NUL cannot appear in sanitised input, so the key is unambiguous.
const dedupSep = "\x00"

// Errors
var (
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store is closed")

	// ErrNotFound is returned when a referenced id does not exist.
	ErrNotFound = errors.New("event not found")

	// ErrEmptyID is returned when an empty id is provided.
	ErrEmptyID = errors.New("id cannot be empty")
)

// Config holds store settings.
type Config struct {
	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path string

	// InMemory runs BadgerDB without disk persistence. Tests only.
	InMemory bool

	// SyncWrites forces fsync on every commit. Required for the
	// durable-ack guarantee.
	SyncWrites bool

	// MaxRetries bounds re-enqueues; events at or beyond it are
	// fallow and excluded from claims.
	MaxRetries int

	// MaxClaimBatch is the hard ceiling on a single claim.
	MaxClaimBatch int

	// CloseTimeout bounds Close.
	CloseTimeout time.Duration
}

// DefaultConfig returns production store defaults.
func DefaultConfig() Config {
	return Config{
		Path:          "bridge.db",
		SyncWrites:    true,
		MaxRetries:    3,
		MaxClaimBatch: 100,
		CloseTimeout:  30 * time.Second,
	}
}

// Stats is a point-in-time snapshot of the event table.
type Stats struct {
	// Total is the number of events in the table.
	Total int64

	// Pending counts state=pending, including fallow events.
	Pending int64

	// Claimed counts events currently under lease.
	Claimed int64

	// Done counts completed events awaiting retention GC.
	Done int64

	// Failed counts fallow events (pending with exhausted retries).
	Failed int64

	// Recent counts events with a producer timestamp in the last 5 minutes.
	Recent int64

	// RetryQueue counts pending events waiting on a future retry delay.
	RetryQueue int64

	// Duplicates is the lifetime idempotent-ingest counter.
	Duplicates int64
}

// Store is the BadgerDB-backed event table and ticket map.
type Store struct {
	db     *badger.DB
	config Config

	// writeMu serialises all mutating transactions. This is the
	// serialised-writer design: claim candidates cannot change between
	// the read and the state flip.
	writeMu sync.Mutex

	// seq provides the insertion-order tie-break for equal timestamps.
	seq *badger.Sequence

	// duplicates counts idempotent ingests for Stats.
	duplicates atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Open creates a Store at the configured path, creating the database
// directory if needed.
func Open(cfg Config) (*Store, error) {
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("store config: max retries must be at least 1")
	}
	if cfg.MaxClaimBatch < 1 {
		cfg.MaxClaimBatch = 100
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 30 * time.Second
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	seq, err := db.GetSequence([]byte("seq:event"), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open event sequence: %w", err)
	}

	s := &Store{
		db:     db,
		config: cfg,
		seq:    seq,
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Bool("in_memory", cfg.InMemory).
		Msg("Event store opened")
	return s, nil
}

// checkOpen returns ErrClosed when the store has been closed.
func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func eventKey(id string) []byte {
	return []byte(prefixEvent + id)
}

func dedupKey(sourceID, eventType string) []byte {
	return []byte(prefixDedup + sourceID + dedupSep + eventType)
}

func ticketKey(sourceTicket string) []byte {
	return []byte(prefixTicket + sourceTicket)
}

// getEvent reads and decodes one event inside txn.
func getEvent(txn *badger.Txn, id string) (*models.Event, error) {
	item, err := txn.Get(eventKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}

	var ev models.Event
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &ev)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}

// setEvent encodes and writes one event inside txn.
func setEvent(txn *badger.Txn, ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := txn.Set(eventKey(ev.ID), data); err != nil {
		return fmt.Errorf("set event: %w", err)
	}
	return nil
}

// Ingest inserts a new event or returns the id of the existing event
// with the same (source_id, event_type) pair. The returned duplicate
// flag is true on the idempotent branch; no field of the stored event
// is modified in that case.
//
// The caller is expected to have validated and sanitised the event:
// the store assumes pre-validated input and signals only storage-level
// failures.
func (s *Store) Ingest(ctx context.Context, ev *models.Event) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		id        string
		duplicate bool
	)

	err := s.db.Update(func(txn *badger.Txn) error {
		dk := dedupKey(ev.SourceID, ev.EventType)

		item, err := txn.Get(dk)
		if err == nil {
			// Dedup hit: return the existing id untouched.
			return item.Value(func(val []byte) error {
				id = string(val)
				duplicate = true
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get dedup key: %w", err)
		}

		seq, err := s.seq.Next()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		id = uuid.New().String()
		now := time.Now().UTC()

		stored := *ev
		stored.ID = id
		stored.Seq = seq
		stored.CreatedAt = now
		stored.State = models.StatePending
		stored.RetryCount = 0
		stored.NextRetryAt = nil
		stored.ClaimOwner = ""
		stored.ClaimedAt = nil
		stored.ProcessedAt = nil
		stored.LastRetryAt = nil

		if err := setEvent(txn, &stored); err != nil {
			return err
		}
		if err := txn.Set(dk, []byte(id)); err != nil {
			return fmt.Errorf("set dedup key: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("ingest: %w", err)
	}

	if duplicate {
		s.duplicates.Add(1)
	}
	return id, duplicate, nil
}

// Claim atomically claims up to maxCount eligible events for
// consumerID and returns them in FIFO order by producer timestamp
// (ties broken by insertion sequence).
//
// Eligible means state=pending, retry budget not exhausted, and no
// retry delay still in the future. maxCount is clamped to the
// configured ceiling; zero or negative yields an empty result.
//
// Two concurrent claims with different consumer ids never observe an
// overlapping id: the candidate read and the state flips commit in one
// transaction under the writer mutex.
func (s *Store) Claim(ctx context.Context, maxCount int, consumerID string) ([]*models.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		return nil, nil
	}
	if maxCount > s.config.MaxClaimBatch {
		maxCount = s.config.MaxClaimBatch
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	var claimed []*models.Event

	err := s.db.Update(func(txn *badger.Txn) error {
		claimed = claimed[:0]

		candidates, err := scanEvents(txn, func(ev *models.Event) bool {
			return ev.Claimable(now, s.config.MaxRetries)
		})
		if err != nil {
			return err
		}

		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Timestamp.Equal(candidates[j].Timestamp) {
				return candidates[i].Seq < candidates[j].Seq
			}
			return candidates[i].Timestamp.Before(candidates[j].Timestamp)
		})

		if len(candidates) > maxCount {
			candidates = candidates[:maxCount]
		}

		for _, ev := range candidates {
			ev.State = models.StateClaimed
			ev.ClaimOwner = consumerID
			t := now
			ev.ClaimedAt = &t
			if err := setEvent(txn, ev); err != nil {
				return err
			}
			claimed = append(claimed, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	return claimed, nil
}

// MarkDone transitions an event to done and records the processing
// time. Returns true iff a transition occurred; repeated calls return
// false without modification. The write is durable before return.
func (s *Store) MarkDone(ctx context.Context, id string) (bool, *models.Event, error) {
	if err := s.checkOpen(); err != nil {
		return false, nil, err
	}
	if id == "" {
		return false, nil, ErrEmptyID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		transitioned bool
		result       *models.Event
	)

	err := s.db.Update(func(txn *badger.Txn) error {
		ev, err := getEvent(txn, id)
		if err != nil {
			return err
		}

		if ev.State == models.StateDone {
			transitioned = false
			result = ev
			return nil
		}

		now := time.Now().UTC()
		ev.State = models.StateDone
		ev.ProcessedAt = &now
		ev.ClaimOwner = ""
		ev.ClaimedAt = nil
		ev.NextRetryAt = nil

		if err := setEvent(txn, ev); err != nil {
			return err
		}
		transitioned = true
		result = ev
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil, ErrNotFound
		}
		return false, nil, fmt.Errorf("mark done: %w", err)
	}

	return transitioned, result, nil
}

// ScheduleRetry returns a claimed or pending event to the queue with a
// retry delay. Returns false if the event is already done.
func (s *Store) ScheduleRetry(ctx context.Context, id string, delay time.Duration) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if id == "" {
		return false, ErrEmptyID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var rescheduled bool

	err := s.db.Update(func(txn *badger.Txn) error {
		ev, err := getEvent(txn, id)
		if err != nil {
			return err
		}

		if ev.State == models.StateDone {
			rescheduled = false
			return nil
		}

		now := time.Now().UTC()
		next := now.Add(delay)

		ev.State = models.StatePending
		ev.RetryCount++
		ev.NextRetryAt = &next
		ev.LastRetryAt = &now
		ev.ClaimOwner = ""
		ev.ClaimedAt = nil

		if err := setEvent(txn, ev); err != nil {
			return err
		}
		rescheduled = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("schedule retry: %w", err)
	}

	return rescheduled, nil
}

// ReapStale returns expired claims to pending. Events still inside
// their retry budget get a short backoff; events at the budget are
// fallowed (claim cleared, no retry delay, excluded from claims).
// Returns (requeued, fallowed).
func (s *Store) ReapStale(ctx context.Context, leaseDuration, shortBackoff time.Duration) (int, int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-leaseDuration)
	var requeued, fallowed int

	err := s.db.Update(func(txn *badger.Txn) error {
		requeued, fallowed = 0, 0

		stale, err := scanEvents(txn, func(ev *models.Event) bool {
			return ev.State == models.StateClaimed &&
				ev.ClaimedAt != nil && ev.ClaimedAt.Before(cutoff)
		})
		if err != nil {
			return err
		}

		for _, ev := range stale {
			ev.State = models.StatePending
			ev.ClaimOwner = ""
			ev.ClaimedAt = nil

			if ev.RetryCount >= s.config.MaxRetries {
				// Retry budget exhausted: fallow, operator territory.
				ev.NextRetryAt = nil
				fallowed++
			} else {
				ev.RetryCount++
				next := now.Add(shortBackoff)
				ev.NextRetryAt = &next
				t := now
				ev.LastRetryAt = &t
				requeued++
			}

			if err := setEvent(txn, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("reap stale: %w", err)
	}

	return requeued, fallowed, nil
}

// SweepFailed normalises events whose retry budget is exhausted into
// the fallow form: pending, no claim, no retry stamp. It mirrors the
// reaper's exhausted-budget branch and catches events that reached the
// budget through consumer-requested retries rather than lease expiry.
// Returns the number of events newly fallowed; an event already in
// fallow form is not counted again, so the failed counter advances
// exactly once per event.
func (s *Store) SweepFailed(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var swept int

	err := s.db.Update(func(txn *badger.Txn) error {
		swept = 0

		exhausted, err := scanEvents(txn, func(ev *models.Event) bool {
			if ev.State == models.StateDone || ev.RetryCount < s.config.MaxRetries {
				return false
			}
			return ev.State == models.StateClaimed || ev.ClaimOwner != "" || ev.NextRetryAt != nil
		})
		if err != nil {
			return err
		}

		for _, ev := range exhausted {
			ev.State = models.StatePending
			ev.ClaimOwner = ""
			ev.ClaimedAt = nil
			ev.NextRetryAt = nil
			if err := setEvent(txn, ev); err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep failed: %w", err)
	}

	return swept, nil
}

// Cleanup deletes done events whose processing time is older than the
// retention window, along with their dedup index entries. Returns the
// number deleted.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	var deleted int

	err := s.db.Update(func(txn *badger.Txn) error {
		deleted = 0

		expired, err := scanEvents(txn, func(ev *models.Event) bool {
			return ev.State == models.StateDone &&
				ev.ProcessedAt != nil && ev.ProcessedAt.Before(cutoff)
		})
		if err != nil {
			return err
		}

		for _, ev := range expired {
			if err := txn.Delete(eventKey(ev.ID)); err != nil {
				return fmt.Errorf("delete event: %w", err)
			}
			// The dedup pair becomes available again once the row is gone.
			if err := txn.Delete(dedupKey(ev.SourceID, ev.EventType)); err != nil {
				return fmt.Errorf("delete dedup key: %w", err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}

	return deleted, nil
}

// Get returns one event by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrEmptyID
	}

	var ev *models.Event
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ev, err = getEvent(txn, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	return ev, nil
}

// Stats returns a snapshot of the event table counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if err := s.checkOpen(); err != nil {
		return Stats{}, err
	}

	now := time.Now().UTC()
	recentCutoff := now.Add(-5 * time.Minute)
	var st Stats

	err := s.db.View(func(txn *badger.Txn) error {
		st = Stats{}
		_, err := scanEvents(txn, func(ev *models.Event) bool {
			st.Total++
			switch ev.State {
			case models.StatePending:
				st.Pending++
				if ev.RetryCount >= s.config.MaxRetries {
					st.Failed++
				}
				if ev.NextRetryAt != nil && ev.NextRetryAt.After(now) {
					st.RetryQueue++
				}
			case models.StateClaimed:
				st.Claimed++
			case models.StateDone:
				st.Done++
			}
			if !ev.Timestamp.Before(recentCutoff) {
				st.Recent++
			}
			return false // count only, collect nothing
		})
		return err
	})
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}

	st.Duplicates = s.duplicates.Load()
	return st, nil
}

// PendingPage returns up to limit pending events starting at offset,
// in FIFO order. Used by the operator queue view.
func (s *Store) PendingPage(ctx context.Context, limit, offset int) ([]*models.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	var page []*models.Event
	err := s.db.View(func(txn *badger.Txn) error {
		pending, err := scanEvents(txn, func(ev *models.Event) bool {
			return ev.State == models.StatePending
		})
		if err != nil {
			return err
		}

		sort.Slice(pending, func(i, j int) bool {
			if pending[i].Timestamp.Equal(pending[j].Timestamp) {
				return pending[i].Seq < pending[j].Seq
			}
			return pending[i].Timestamp.Before(pending[j].Timestamp)
		})

		if offset >= len(pending) {
			return nil
		}
		pending = pending[offset:]
		if len(pending) > limit {
			pending = pending[:limit]
		}
		page = pending
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pending page: %w", err)
	}
	return page, nil
}

// Ping verifies the database is responsive. Used by the health check.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("seq:event"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// scanEvents iterates all event records inside txn and returns those
// for which keep returns true. A keep func that always returns false
// turns the scan into a pure visitor (used by Stats).
func scanEvents(txn *badger.Txn, keep func(*models.Event) bool) ([]*models.Event, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []*models.Event
	prefix := []byte(prefixEvent)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()

		var ev models.Event
		err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ev)
		})
		if err != nil {
			logging.Warn().Err(err).Str("key", string(item.Key())).Msg("Store: failed to unmarshal event")
			continue
		}

		if keep(&ev) {
			evCopy := ev
			out = append(out, &evCopy)
		}
	}
	return out, nil
}

// Close shuts the store down with the configured timeout. Safe to call
// more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timeout := s.config.CloseTimeout
	s.mu.Unlock()

	if err := s.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("Store: failed to release event sequence")
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("Event store closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}
