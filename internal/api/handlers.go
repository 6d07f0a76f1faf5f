// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradebridge/tradebridge/internal/config"
	"github.com/tradebridge/tradebridge/internal/logging"
	"github.com/tradebridge/tradebridge/internal/metrics"
	"github.com/tradebridge/tradebridge/internal/models"
	"github.com/tradebridge/tradebridge/internal/store"
	"github.com/tradebridge/tradebridge/internal/validation"
)

// Truncation caps from the wire contract. source_id and event_type
// reject over-length input instead; their limits live in the validate
// tags on ingestRequest.
const (
	maxSymbolLen  = 20
	maxCommentLen = 500
)

// defaultClaimCount applies when the poll request omits max_count.
const defaultClaimCount = 10

// Handlers carries the HTTP handler dependencies.
type Handlers struct {
	store     *store.Store
	cfg       config.Config
	startedAt time.Time
}

// NewHandlers wires the handler set to its store and configuration.
func NewHandlers(s *store.Store, cfg config.Config) *Handlers {
	return &Handlers{
		store:     s,
		cfg:       cfg,
		startedAt: time.Now().UTC(),
	}
}

// ingestRequest is the producer envelope. Unknown fields are ignored.
type ingestRequest struct {
	SourceID  string `json:"source_id" validate:"required,max=64"`
	EventType string `json:"event_type" validate:"required,max=50,event_type"`
	Timestamp string `json:"timestamp" validate:"required,wiretime"`

	Symbol       string `json:"symbol"`
	Direction    string `json:"direction"`
	OrderType    string `json:"order_type"`
	Volume       string `json:"volume"`
	EntryPrice   string `json:"entry_price"`
	TargetPrice  string `json:"target_price"`
	StopLoss     string `json:"stop_loss"`
	TakeProfit   string `json:"take_profit"`
	ClosingPrice string `json:"closing_price"`
	NetProfit    string `json:"net_profit"`
	Comment      string `json:"comment"`
}

// payload collects the sanitised optional fields. Numeric values stay
// verbatim strings; the broker does not interpret them.
func (r *ingestRequest) payload() map[string]string {
	p := make(map[string]string)
	put := func(key, val string, maxLen int) {
		if val == "" {
			return
		}
		if maxLen > 0 {
			val = logging.SanitizeTruncate(val, maxLen)
		} else {
			val = logging.Sanitize(val)
		}
		if val != "" {
			p[key] = val
		}
	}

	put("symbol", r.Symbol, maxSymbolLen)
	put("direction", r.Direction, 0)
	put("order_type", r.OrderType, 0)
	put("volume", r.Volume, 0)
	put("entry_price", r.EntryPrice, 0)
	put("target_price", r.TargetPrice, 0)
	put("stop_loss", r.StopLoss, 0)
	put("take_profit", r.TakeProfit, 0)
	put("closing_price", r.ClosingPrice, 0)
	put("net_profit", r.NetProfit, 0)
	put("comment", r.Comment, maxCommentLen)
	return p
}

// HandleIngest accepts a producer event. Duplicates are a success
// case: the original id comes back with the same envelope.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, h.cfg.Server.MaxBodyBytes, h.cfg.Server.MaxPayloadDepth, &req); err != nil {
		switch {
		case errors.Is(err, ErrBodyTooLarge):
			writeError(w, http.StatusBadRequest, "request body too large")
		case errors.Is(err, ErrTooDeep):
			writeError(w, http.StatusBadRequest, "json nesting too deep")
		default:
			writeError(w, http.StatusBadRequest, "malformed json")
		}
		return
	}

	req.SourceID = logging.Sanitize(req.SourceID)
	req.EventType = logging.Sanitize(req.EventType)

	if verr := validation.ValidateStruct(&req); verr != nil {
		writeError(w, http.StatusBadRequest, verr.Message())
		return
	}

	ts, err := parseWireTime(req.Timestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timestamp")
		return
	}

	ev := &models.Event{
		SourceID:  req.SourceID,
		EventType: req.EventType,
		Timestamp: ts,
		Payload:   req.payload(),
	}

	id, duplicate, err := h.store.Ingest(r.Context(), ev)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Ingest failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	metrics.OrdersReceived.Inc()
	if duplicate {
		metrics.DuplicateOrders.Inc()
		logging.Ctx(r.Context()).Debug().
			Str("order_id", id).
			Msg("Duplicate ingest, returning existing order")
	}
	h.refreshGauges(r)

	writeJSON(w, http.StatusOK, map[string]string{
		"orderId": id,
		"status":  "Queued",
	})
}

// HandlePoll claims a batch for a consumer. consumer_id is required;
// max_count defaults and is clamped by the store.
func (h *Handlers) HandlePoll(w http.ResponseWriter, r *http.Request) {
	consumerID := logging.Sanitize(r.URL.Query().Get("consumer_id"))
	if consumerID == "" {
		writeError(w, http.StatusBadRequest, "consumer_id is required")
		return
	}

	maxCount := defaultClaimCount
	if raw := r.URL.Query().Get("max_count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid max_count")
			return
		}
		maxCount = n
	}

	claimed, err := h.store.Claim(r.Context(), maxCount, consumerID)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Claim failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	writeJSON(w, http.StatusOK, eventEnvelopes(claimed))
}

// HandleAck marks an order done. Repeat acks succeed without a second
// counter increment; unknown ids are 404.
func (h *Handlers) HandleAck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	transitioned, ev, err := h.store.MarkDone(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Msg("Ack failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	if transitioned {
		metrics.OrdersProcessed.Inc()
		if ev.ProcessedAt != nil {
			metrics.RecordProcessingDuration(ev.CreatedAt, *ev.ProcessedAt)
		}
		h.refreshGauges(r)
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"orderId": id,
		"status":  "Processed",
	})
}

// HandleRetry reschedules an order for immediate redelivery. Orders
// already done cannot be retried.
func (h *Handlers) HandleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rescheduled, err := h.store.ScheduleRetry(r.Context(), id, 0)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Msg("Retry failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if !rescheduled {
		writeError(w, http.StatusBadRequest, "order already processed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"orderId": id,
		"status":  "Requeued",
	})
}

// HandleGetOrder returns one order with the widened read model.
func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ev, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Msg("Get order failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	writeJSON(w, http.StatusOK, eventEnvelope(ev))
}

// HandleStats returns queue counters.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Stats failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	metrics.SetQueueGauges(st.Pending, st.RetryQueue)

	writeJSON(w, http.StatusOK, map[string]int64{
		"totalOrders":     st.Total,
		"pendingOrders":   st.Pending,
		"claimedOrders":   st.Claimed,
		"processedOrders": st.Done,
		"failedOrders":    st.Failed,
		"recentOrders":    st.Recent,
		"retryQueueSize":  st.RetryQueue,
		"duplicateOrders": st.Duplicates,
	})
}

// HandleQueue returns a page of pending orders for operator
// inspection.
func (h *Handlers) HandleQueue(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	page, err := h.store.PendingPage(r.Context(), limit, offset)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Queue page failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"orders": eventEnvelopes(page),
		"count":  len(page),
	})
}

// HandleStatus returns service liveness plus a stats snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Status failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "running",
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
		"pendingOrders": st.Pending,
		"failedOrders":  st.Failed,
		"recentOrders":  st.Recent,
	})
}

// mappingRequest is the consumer's reconciliation record.
type mappingRequest struct {
	SourceTicket string `json:"source_ticket" validate:"required"`
	SlaveTicket  string `json:"slave_ticket" validate:"required"`
	Symbol       string `json:"symbol"`
	Size         string `json:"size"`
}

// HandlePutMapping upserts a ticket mapping.
func (h *Handlers) HandlePutMapping(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	if err := decodeJSON(w, r, h.cfg.Server.MaxBodyBytes, h.cfg.Server.MaxPayloadDepth, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json")
		return
	}

	req.SourceTicket = logging.Sanitize(req.SourceTicket)
	req.SlaveTicket = logging.Sanitize(req.SlaveTicket)

	if verr := validation.ValidateStruct(&req); verr != nil {
		writeError(w, http.StatusBadRequest, verr.Message())
		return
	}

	m := &models.TicketMapping{
		SourceTicket: req.SourceTicket,
		SlaveTicket:  req.SlaveTicket,
		Symbol:       logging.SanitizeTruncate(req.Symbol, maxSymbolLen),
		Size:         logging.Sanitize(req.Size),
	}
	if err := h.store.PutMapping(r.Context(), m); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Put mapping failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sourceTicket": m.SourceTicket,
		"status":       "Mapped",
	})
}

// HandleGetMapping returns the mapping for a source ticket.
func (h *Handlers) HandleGetMapping(w http.ResponseWriter, r *http.Request) {
	sourceTicket := chi.URLParam(r, "source_ticket")

	m, err := h.store.GetMapping(r.Context(), sourceTicket)
	if err != nil {
		if errors.Is(err, store.ErrMappingNotFound) {
			writeError(w, http.StatusNotFound, "mapping not found")
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Msg("Get mapping failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	writeJSON(w, http.StatusOK, m)
}

// HandleHealth is the liveness probe including a storage ping.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// refreshGauges updates the queue gauges after a mutating call so the
// gauges track reality between sampler ticks.
func (h *Handlers) refreshGauges(r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		return
	}
	metrics.SetQueueGauges(st.Pending, st.RetryQueue)
}
