// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

// Package api implements the broker's HTTP surface: ingest, poll, ack,
// retry, ticket mapping and observability endpoints, plus the
// configurable pre-filters in front of them.
package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tradebridge/tradebridge/internal/logging"
	"github.com/tradebridge/tradebridge/internal/models"
)

// wireTimeFormat is the ISO-8601 UTC layout used on the wire,
// millisecond precision.
const wireTimeFormat = "2006-01-02T15:04:05.000Z"

// envelopeFields lists the recognised optional payload keys in their
// wire order.
var envelopeFields = []string{
	"symbol",
	"direction",
	"order_type",
	"volume",
	"entry_price",
	"target_price",
	"stop_loss",
	"take_profit",
	"closing_price",
	"net_profit",
	"comment",
}

// writeJSON writes v with the given status. Encoding failures are
// logged; headers are already gone at that point.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("API: response encoding failed")
	}
}

// writeError writes the error envelope. msg must be a fixed
// description, never raw client input.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// eventEnvelope renders an event in the wire shape: flat snake_case
// fields with the opaque payload values inlined. Operators get the
// widened read model (state, retry count, claim owner) on top of the
// producer envelope.
func eventEnvelope(ev *models.Event) map[string]any {
	out := map[string]any{
		"id":          ev.ID,
		"source_id":   ev.SourceID,
		"event_type":  ev.EventType,
		"timestamp":   ev.Timestamp.UTC().Format(wireTimeFormat),
		"created_at":  ev.CreatedAt.UTC().Format(wireTimeFormat),
		"state":       ev.State,
		"retry_count": ev.RetryCount,
	}

	for _, f := range envelopeFields {
		if v, ok := ev.Payload[f]; ok {
			out[f] = v
		}
	}

	if ev.ClaimOwner != "" {
		out["claim_owner"] = ev.ClaimOwner
	}
	if ev.ClaimedAt != nil {
		out["claimed_at"] = ev.ClaimedAt.UTC().Format(wireTimeFormat)
	}
	if ev.ProcessedAt != nil {
		out["processed_at"] = ev.ProcessedAt.UTC().Format(wireTimeFormat)
	}
	if ev.NextRetryAt != nil {
		out["next_retry_at"] = ev.NextRetryAt.UTC().Format(wireTimeFormat)
	}

	return out
}

// eventEnvelopes renders a batch, never null.
func eventEnvelopes(evs []*models.Event) []map[string]any {
	out := make([]map[string]any, 0, len(evs))
	for _, ev := range evs {
		out = append(out, eventEnvelope(ev))
	}
	return out
}

// parseWireTime accepts ISO-8601 UTC timestamps with or without
// fractional seconds.
func parseWireTime(s string) (time.Time, error) {
	if t, err := time.Parse(wireTimeFormat, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
