// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradebridge/tradebridge/internal/config"
	"github.com/tradebridge/tradebridge/internal/store"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	scfg := store.DefaultConfig()
	scfg.InMemory = true
	scfg.SyncWrites = false
	scfg.MaxRetries = cfg.Queue.MaxRetries
	scfg.MaxClaimBatch = cfg.Queue.MaxClaimBatch

	s, err := store.Open(scfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	srv := httptest.NewServer(NewRouter(NewHandlers(s, *cfg), *cfg))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil
	}
	return out
}

func validIngest(sourceID string) map[string]any {
	return map[string]any{
		"source_id":  sourceID,
		"event_type": "POSITION_OPENED",
		"timestamp":  "2025-01-01T00:00:00.000Z",
		"symbol":     "EURUSD",
		"volume":     "0.10",
	}
}

func TestIngestAndDuplicate(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := postJSON(t, srv.URL+"/orders", validIngest("A"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Queued", body["status"])
	id := body["orderId"].(string)
	require.NotEmpty(t, id)

	// Duplicate ingest is a success case with the original id.
	resp, body = postJSON(t, srv.URL+"/orders", validIngest("A"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Queued", body["status"])
	assert.Equal(t, id, body["orderId"])
}

func TestIngestValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing source_id", func(m map[string]any) { delete(m, "source_id") }},
		{"missing event_type", func(m map[string]any) { delete(m, "event_type") }},
		{"missing timestamp", func(m map[string]any) { delete(m, "timestamp") }},
		{"unknown event_type", func(m map[string]any) { m["event_type"] = "POSITION_TELEPORTED" }},
		{"lowercase event_type", func(m map[string]any) { m["event_type"] = "position_opened" }},
		{"bad timestamp", func(m map[string]any) { m["timestamp"] = "yesterday" }},
		{"source_id too long", func(m map[string]any) { m["source_id"] = strings.Repeat("x", 65) }},
		{"event_type too long", func(m map[string]any) { m["event_type"] = strings.Repeat("x", 51) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := validIngest("V")
			tt.mutate(body)

			resp, out := postJSON(t, srv.URL+"/orders", body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestIngestMalformedJSON(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/orders", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestDepthBound(t *testing.T) {
	srv := newTestServer(t, nil)

	deep := strings.Repeat("[", 40) + strings.Repeat("]", 40)
	body := fmt.Sprintf(`{"source_id":"A","event_type":"POSITION_OPENED","timestamp":"2025-01-01T00:00:00Z","comment":%q,"junk":%s}`, "x", deep)

	resp, err := http.Post(srv.URL+"/orders", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestTruncatesAndSanitises(t *testing.T) {
	srv := newTestServer(t, nil)

	body := validIngest("T")
	body["symbol"] = strings.Repeat("S", 30)
	body["comment"] = "line1\nline2" + strings.Repeat("c", 600)

	resp, out := postJSON(t, srv.URL+"/orders", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := out["orderId"].(string)

	_, ev := getJSON(t, srv.URL+"/orders/"+id)
	assert.Len(t, ev["symbol"], 20)
	comment := ev["comment"].(string)
	assert.NotContains(t, comment, "\n")
	assert.LessOrEqual(t, len(comment), 500)
}

func TestPollClaimsInOrder(t *testing.T) {
	srv := newTestServer(t, nil)

	for i, ts := range []string{
		"2025-01-01T01:00:02.000Z",
		"2025-01-01T01:00:00.000Z",
		"2025-01-01T01:00:01.000Z",
	} {
		body := validIngest(fmt.Sprintf("ord-%d", i))
		body["timestamp"] = ts
		resp, _ := postJSON(t, srv.URL+"/orders", body, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/orders/pending?max_count=2&consumer_id=c1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var batch []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&batch))
	require.Len(t, batch, 2)
	assert.Equal(t, "ord-1", batch[0]["source_id"])
	assert.Equal(t, "ord-2", batch[1]["source_id"])
	assert.Equal(t, "claimed", batch[0]["state"])

	// Second consumer gets the remainder, no overlap.
	resp2, err := http.Get(srv.URL + "/orders/pending?max_count=10&consumer_id=c2")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var rest []map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&rest))
	require.Len(t, rest, 1)
	assert.Equal(t, "ord-0", rest[0]["source_id"])
}

func TestPollRequiresConsumerID(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, out := getJSON(t, srv.URL+"/orders/pending?max_count=5")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, out["error"])
}

func TestAckLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	_, out := postJSON(t, srv.URL+"/orders", validIngest("A"), nil)
	id := out["orderId"].(string)

	// Repeat acks all return 200.
	for i := 0; i < 3; i++ {
		resp, body := postJSON(t, srv.URL+"/orders/"+id+"/processed", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "ack %d", i)
		assert.Equal(t, "Processed", body["status"])
	}

	resp, _ := postJSON(t, srv.URL+"/orders/unknown-id/processed", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	_, out := postJSON(t, srv.URL+"/orders", validIngest("R"), nil)
	id := out["orderId"].(string)

	resp, body := postJSON(t, srv.URL+"/orders/"+id+"/retry", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Requeued", body["status"])

	// Done orders cannot be retried.
	_, _ = postJSON(t, srv.URL+"/orders/"+id+"/processed", nil, nil)
	resp, body = postJSON(t, srv.URL+"/orders/"+id+"/retry", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, body["error"])

	resp, _ = postJSON(t, srv.URL+"/orders/unknown/retry", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetOrderWidenedReadModel(t *testing.T) {
	srv := newTestServer(t, nil)

	_, out := postJSON(t, srv.URL+"/orders", validIngest("G"), nil)
	id := out["orderId"].(string)

	resp, ev := getJSON(t, srv.URL+"/orders/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", ev["state"])
	assert.Equal(t, float64(0), ev["retry_count"])
	assert.Equal(t, "G", ev["source_id"])
	assert.Equal(t, "2025-01-01T00:00:00.000Z", ev["timestamp"])

	resp, _ = getJSON(t, srv.URL+"/orders/not-there")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsQueueAndStatus(t *testing.T) {
	srv := newTestServer(t, nil)

	_, out := postJSON(t, srv.URL+"/orders", validIngest("S1"), nil)
	_, _ = postJSON(t, srv.URL+"/orders", validIngest("S2"), nil)
	_, _ = postJSON(t, srv.URL+"/orders/"+out["orderId"].(string)+"/processed", nil, nil)

	resp, stats := getJSON(t, srv.URL+"/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), stats["totalOrders"])
	assert.Equal(t, float64(1), stats["pendingOrders"])
	assert.Equal(t, float64(1), stats["processedOrders"])

	resp, queue := getJSON(t, srv.URL+"/queue")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), queue["count"])

	resp, status := getJSON(t, srv.URL+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", status["status"])
}

func TestTicketMapEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := postJSON(t, srv.URL+"/ticket-map", map[string]string{
		"source_ticket": "1001",
		"slave_ticket":  "2002",
		"symbol":        "EURUSD",
		"size":          "0.10",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Mapped", body["status"])

	resp, m := getJSON(t, srv.URL+"/ticket-map/1001")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2002", m["slave_ticket"])

	resp, _ = getJSON(t, srv.URL+"/ticket-map/9999")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = postJSON(t, srv.URL+"/ticket-map", map[string]string{"source_ticket": "1"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := getJSON(t, srv.URL+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestAPIKeyPreFilter(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Security.APIKey = "sekret"
	})

	// Missing key.
	resp, out := postJSON(t, srv.URL+"/orders", validIngest("A"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, out["error"])

	// Wrong key.
	resp, _ = postJSON(t, srv.URL+"/orders", validIngest("A"), map[string]string{APIKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct key.
	resp, _ = postJSON(t, srv.URL+"/orders", validIngest("A"), map[string]string{APIKeyHeader: "sekret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open for probes.
	resp, _ = getJSON(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitPreFilter(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Security.RateLimitEnabled = true
		c.Security.RateLimitPerMinute = 3
	})

	var limited bool
	for i := 0; i < 6; i++ {
		resp, _ := getJSON(t, srv.URL+"/stats")
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited, "expected at least one 429 after exceeding the limit")
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, _ := getJSON(t, srv.URL+"/health")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
