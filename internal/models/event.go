// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

// Package models defines the persistent records shared between the
// storage engine, the HTTP surface and the background loops.
package models

import "time"

// Event states. Transitions follow pending -> claimed -> done, with
// claimed -> pending on retry or lease expiry. done is terminal except
// for retention deletion.
const (
	StatePending = "pending"
	StateClaimed = "claimed"
	StateDone    = "done"
)

// Recognised event types (exact-case match on the wire).
const (
	EventPositionOpened        = "POSITION_OPENED"
	EventPositionClosed        = "POSITION_CLOSED"
	EventPositionModified      = "POSITION_MODIFIED"
	EventPendingOrderCreated   = "PENDING_ORDER_CREATED"
	EventPendingOrderCancelled = "PENDING_ORDER_CANCELLED"
	EventPendingOrderFilled    = "PENDING_ORDER_FILLED"
)

// eventTypes is the membership set for ValidEventType.
var eventTypes = map[string]struct{}{
	EventPositionOpened:        {},
	EventPositionClosed:        {},
	EventPositionModified:      {},
	EventPendingOrderCreated:   {},
	EventPendingOrderCancelled: {},
	EventPendingOrderFilled:    {},
}

// ValidEventType reports whether t is a recognised event type.
func ValidEventType(t string) bool {
	_, ok := eventTypes[t]
	return ok
}

// EventTypes returns the recognised event type set in stable order.
func EventTypes() []string {
	return []string{
		EventPositionOpened,
		EventPositionClosed,
		EventPositionModified,
		EventPendingOrderCreated,
		EventPendingOrderCancelled,
		EventPendingOrderFilled,
	}
}

// Event is a single trade-event row in the broker's durable queue.
//
// The pair (SourceID, EventType) is the dedup key and is unique across
// the table. Payload is opaque to the broker: numeric trade values are
// carried as strings to preserve the producer's exact formatting.
type Event struct {
	// ID is the opaque identity assigned by the broker on insert.
	ID string `json:"id"`

	// SourceID is supplied by the producer. Component of the dedup key.
	SourceID string `json:"source_id"`

	// EventType is the recognised event tag. Component of the dedup key.
	EventType string `json:"event_type"`

	// Timestamp is the producer's event time. Defines FIFO order.
	Timestamp time.Time `json:"timestamp"`

	// Payload holds the remaining envelope fields verbatim.
	Payload map[string]string `json:"payload,omitempty"`

	// CreatedAt is the broker-assigned insert time.
	CreatedAt time.Time `json:"created_at"`

	// Seq is a monotonic insertion sequence used as a stable tie-break
	// when two events share the same Timestamp.
	Seq uint64 `json:"seq"`

	// State is one of StatePending, StateClaimed, StateDone.
	State string `json:"state"`

	// ClaimOwner identifies the consumer holding the lease, if any.
	ClaimOwner string `json:"claim_owner,omitempty"`

	// ClaimedAt is the lease start. Used by the stale-lease reaper.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// ProcessedAt is set on the transition to done.
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	// RetryCount is incremented on each retry or lease expiry.
	RetryCount int `json:"retry_count"`

	// NextRetryAt, when set and in the future, makes the event
	// ineligible for claiming.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// LastRetryAt is diagnostic only.
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
}

// Fallow reports whether the event has exhausted its retry budget and
// is excluded from future claims.
func (e *Event) Fallow(maxRetries int) bool {
	return e.State == StatePending && e.RetryCount >= maxRetries
}

// Claimable reports whether the event is eligible for a claim at now.
func (e *Event) Claimable(now time.Time, maxRetries int) bool {
	if e.State != StatePending {
		return false
	}
	if e.RetryCount >= maxRetries {
		return false
	}
	if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
		return false
	}
	return true
}

// TicketMapping is the small reconciliation record written by the
// consumer after execution. Upsert semantics on SourceTicket.
type TicketMapping struct {
	SourceTicket string    `json:"source_ticket"`
	SlaveTicket  string    `json:"slave_ticket"`
	Symbol       string    `json:"symbol"`
	Size         string    `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}
