// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean string unchanged", "EURUSD buy 0.10", "EURUSD buy 0.10"},
		{"empty string", "", ""},
		{"strips newlines", "line1\nline2\r\n", "line1line2"},
		{"strips tabs and nulls", "a\tb\x00c", "abc"},
		{"strips escape sequences", "ok\x1b[31mred\x1b[0m", "ok[31mred[0m"},
		{"strips non-ascii bytes", "caf\xc3\xa9", "caf"},
		{"boundary bytes kept", " ~", " ~"},
		{"del stripped", "a\x7fb", "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.input))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "abc", Truncate("abcdef", 3))
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "abc", Truncate("abc", -1))
}

func TestSanitizeTruncate(t *testing.T) {
	// Length cap applies after control characters are removed.
	in := "\n\n" + strings.Repeat("x", 10)
	assert.Equal(t, strings.Repeat("x", 5), SanitizeTruncate(in, 5))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret(""))
	assert.Equal(t, "***", MaskSecret("short"))
	assert.Equal(t, "abcd...wxyz", MaskSecret("abcdefghijklmnopqrstuvwxyz"))
}
