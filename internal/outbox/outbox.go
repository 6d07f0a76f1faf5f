// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tradebridge/tradebridge/internal/config"
	"github.com/tradebridge/tradebridge/internal/logging"
	"github.com/tradebridge/tradebridge/internal/metrics"
)

// maxBackoff caps the per-attempt delay inside a drain cycle.
const maxBackoff = 60

// Outbox guarantees that every enqueued envelope is either delivered
// to the broker or durably recorded on disk for retry. Enqueue is
// synchronous and safe from any goroutine.
type Outbox struct {
	cfg     config.ProducerConfig
	queue   *boundedQueue
	log     *appendLog
	sender  Sender
	breaker *gobreaker.CircuitBreaker[any]

	// backoffUnit scales the drain backoff; one second in production,
	// shrunk in tests.
	backoffUnit time.Duration

	// Control
	ctx    context.Context
	cancel context.CancelFunc

	// State - all protected by mu
	mu       sync.Mutex
	running  bool
	stopping bool
	stopDone chan struct{}
}

// New builds an outbox around the given sender. Passing nil uses the
// HTTP client against cfg.BridgeURL.
func New(cfg config.ProducerConfig, sender Sender) *Outbox {
	if sender == nil {
		sender = NewClient(cfg.BridgeURL, cfg.APIKey, cfg.SendTimeout)
	}

	o := &Outbox{
		cfg:         cfg,
		queue:       newBoundedQueue(cfg.MaxQueueSize),
		log:         newAppendLog(cfg.OutboxPath, cfg.MaxFileSizeMB, cfg.RetainedBackups),
		sender:      sender,
		backoffUnit: time.Second,
	}

	o.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "broker-ingest",
		MaxRequests: 1, // single half-open probe
		Timeout:     cfg.CircuitCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitFailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.OutboxBreakerState.Set(breakerStateValue(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Outbox circuit breaker state changed")
		},
	})

	return o
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Enqueue delivers the envelope to the broker, or records it durably
// for the drain loop. While a backlog exists the new envelope is
// persisted behind it and the queue head is attempted instead, so
// successful deliveries stay in submission order while failures keep
// feeding the circuit breaker.
func (o *Outbox) Enqueue(envelope json.RawMessage) error {
	entry := &Entry{
		Envelope:   envelope,
		EnqueuedAt: time.Now().UTC(),
	}

	if o.queue.size() == 0 {
		if err := o.send(context.Background(), entry); err == nil {
			return nil
		}
		return o.persist(entry)
	}

	err := o.persist(entry)
	if head := o.queue.peek(); head != nil {
		if o.send(context.Background(), head) == nil {
			o.queue.popHead(head)
			metrics.OutboxQueueDepth.Set(float64(o.queue.size()))
		}
	}
	return err
}

// send pushes one envelope through the circuit breaker.
func (o *Outbox) send(ctx context.Context, entry *Entry) error {
	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	defer cancel()

	_, err := o.breaker.Execute(func() (any, error) {
		return nil, o.sender.Send(sendCtx, entry.Envelope)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.OutboxDeliveries.WithLabelValues("breaker_open").Inc()
		} else {
			metrics.OutboxDeliveries.WithLabelValues("failure").Inc()
			logging.Warn().Err(err).Msg("Outbox delivery failed")
		}
		return err
	}

	metrics.OutboxDeliveries.WithLabelValues("success").Inc()
	return nil
}

// persist queues the entry in memory and appends it to the log.
func (o *Outbox) persist(entry *Entry) error {
	if dropped := o.queue.push(entry); dropped != nil {
		metrics.OutboxDropped.Inc()
		logging.Warn().
			Time("enqueued_at", dropped.EnqueuedAt).
			Msg("Outbox full, dropped oldest envelope")
	}
	metrics.OutboxQueueDepth.Set(float64(o.queue.size()))

	if err := o.log.append(entry); err != nil {
		logging.Error().Err(err).Msg("Outbox append log write failed")
		return err
	}
	return nil
}

// Start replays the append log into the queue and begins the drain
// timer.
func (o *Outbox) Start(ctx context.Context) error {
	o.mu.Lock()

	for o.stopping {
		stopDone := o.stopDone
		o.mu.Unlock()
		<-stopDone
		o.mu.Lock()
	}

	if o.running {
		o.mu.Unlock()
		return nil
	}

	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true
	o.stopDone = make(chan struct{})

	loopCtx := o.ctx
	done := o.stopDone

	o.mu.Unlock()

	replayed, err := o.log.replay()
	if err != nil {
		logging.Error().Err(err).Msg("Outbox replay failed")
	}
	for _, e := range replayed {
		if dropped := o.queue.push(e); dropped != nil {
			metrics.OutboxDropped.Inc()
		}
	}
	if len(replayed) > 0 {
		// Replayed entries live in memory now; re-record them so a
		// crash before the next drain cannot lose them.
		for _, e := range replayed {
			if err := o.log.append(e); err != nil {
				logging.Error().Err(err).Msg("Outbox re-append after replay failed")
				break
			}
		}
		logging.Info().Int("entries", len(replayed)).Msg("Outbox replayed persisted envelopes")
	}
	metrics.OutboxQueueDepth.Set(float64(o.queue.size()))

	go o.runWithContext(loopCtx, done)

	logging.Info().
		Dur("retry_interval", o.cfg.RetryInterval).
		Int("max_queue_size", o.cfg.MaxQueueSize).
		Msg("Outbox started")
	return nil
}

// Stop halts the drain loop, waiting for the current cycle to finish.
func (o *Outbox) Stop() {
	o.mu.Lock()
	if !o.running || o.stopping {
		o.mu.Unlock()
		return
	}

	o.cancel()
	o.running = false
	o.stopping = true
	stopDone := o.stopDone
	o.mu.Unlock()

	<-stopDone

	o.mu.Lock()
	o.stopping = false
	o.mu.Unlock()

	logging.Info().Msg("Outbox stopped")
}

// IsRunning returns whether the drain loop is active.
func (o *Outbox) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// String identifies the outbox in supervisor logs.
func (o *Outbox) String() string {
	return "producer-outbox"
}

// Depth returns the in-memory backlog size.
func (o *Outbox) Depth() int {
	return o.queue.size()
}

// runWithContext is the drain timer goroutine.
func (o *Outbox) runWithContext(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.drainOnce(ctx)
		}
	}
}

// drainOnce walks the queue head-first with peek-then-dequeue: each
// attempt waits min(2^(n-1), 60) backoff units, the head is dequeued
// only after a successful send, and the first failure ends the cycle.
// FIFO delivery order is preserved across cycles.
func (o *Outbox) drainOnce(ctx context.Context) {
	delivered := 0

	for n := 1; ; n++ {
		head := o.queue.peek()
		if head == nil {
			break
		}

		backoff := time.Duration(1<<uint(min(n-1, 6))) * o.backoffUnit
		if b := time.Duration(maxBackoff) * o.backoffUnit; backoff > b {
			backoff = b
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := o.send(ctx, head); err != nil {
			// Resume at the next timer tick; the head stays queued.
			break
		}

		o.queue.popHead(head)
		delivered++
		metrics.OutboxQueueDepth.Set(float64(o.queue.size()))
	}

	if delivered > 0 && o.queue.size() == 0 {
		// Everything the log described has been delivered.
		if err := o.log.truncate(); err != nil {
			logging.Warn().Err(err).Msg("Outbox log truncate failed")
		}
		logging.Info().Int("delivered", delivered).Msg("Outbox drained")
	}
}
