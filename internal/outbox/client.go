// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Sender delivers one envelope to the broker. Implemented by Client;
// the interface exists for tests.
type Sender interface {
	Send(ctx context.Context, envelope json.RawMessage) error
}

// Client posts envelopes to the broker's ingest endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds the broker client. timeout bounds each request;
// a timeout counts as a delivery failure against the breaker.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Send posts the envelope to POST /orders. Any non-200 response is a
// failure; the broker treats duplicates as 200, so a retried delivery
// of an already-ingested envelope still succeeds here.
func (c *Client) Send(ctx context.Context, envelope json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(envelope))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ingest request: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ingest rejected: status %d", resp.StatusCode)
	}
	return nil
}
