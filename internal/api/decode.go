// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

// Decode errors
var (
	// ErrBodyTooLarge is returned when the request body exceeds the
	// configured byte limit.
	ErrBodyTooLarge = errors.New("request body too large")

	// ErrTooDeep is returned when JSON nesting exceeds the depth bound.
	ErrTooDeep = errors.New("json nesting too deep")

	// ErrMalformedJSON is returned for bodies that do not parse.
	ErrMalformedJSON = errors.New("malformed json")
)

// decodeJSON reads the request body with a byte cap, bounds its JSON
// nesting depth, and unmarshals it into v. Unknown fields are ignored
// per the wire contract.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, maxDepth int, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return ErrBodyTooLarge
		}
		return fmt.Errorf("read body: %w", err)
	}

	if err := checkDepth(body, maxDepth); err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return ErrMalformedJSON
	}
	return nil
}

// checkDepth scans raw JSON and rejects nesting beyond maxDepth.
// The scan tracks string state so braces inside string literals do not
// count. Runs before parsing to prevent stack exhaustion in the
// decoder.
func checkDepth(body []byte, maxDepth int) error {
	depth := 0
	inString := false
	escaped := false

	for _, b := range body {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxDepth {
				return ErrTooDeep
			}
		case '}', ']':
			depth--
		}
	}
	return nil
}
