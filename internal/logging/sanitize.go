// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package logging

import "strings"

// Sanitize strips every byte outside printable ASCII (32-126) from s.
// Client-supplied strings MUST pass through here before being persisted
// or placed in a log record. The filter removes control characters,
// newlines (log injection) and any multi-byte sequences.
func Sanitize(s string) string {
	if isPrintableASCII(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 32 && c <= 126 {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// isPrintableASCII reports whether s contains only bytes in 32-126.
// Fast path for the common case so Sanitize allocates nothing.
func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 32 || s[i] > 126 {
			return false
		}
	}
	return true
}

// Truncate shortens s to at most maxLen bytes.
// Safe on sanitised strings, which are single-byte ASCII.
func Truncate(s string, maxLen int) string {
	if maxLen < 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// SanitizeTruncate applies Sanitize then Truncate. This is the order the
// wire contract specifies: length caps apply to the cleaned string.
func SanitizeTruncate(s string, maxLen int) string {
	return Truncate(Sanitize(s), maxLen)
}

// MaskSecret masks a credential, showing only the first and last 4
// characters. Used when configuration values must appear in logs.
// Example: "eyJhbGciOiJSUzI1NiIs" -> "eyJh...I1Is"
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 12 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
