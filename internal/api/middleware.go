// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/tradebridge/tradebridge/internal/config"
	"github.com/tradebridge/tradebridge/internal/logging"
	"github.com/tradebridge/tradebridge/internal/metrics"
)

// APIKeyHeader carries the shared secret when the pre-filter is
// enabled.
const APIKeyHeader = "X-API-Key"

// APIKeyAuth returns the shared-secret pre-filter. An empty key
// disables the check entirely. The comparison is constant-time.
func APIKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(APIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit returns the per-client token-bucket pre-filter using
// go-chi/httprate, keyed by client IP. Whitelisted IPs bypass the
// limiter.
func RateLimit(cfg config.SecurityConfig) func(http.Handler) http.Handler {
	if !cfg.RateLimitEnabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	whitelist := make(map[string]struct{}, len(cfg.RateLimitWhitelist))
	for _, ip := range cfg.RateLimitWhitelist {
		whitelist[ip] = struct{}{}
	}

	limiter := httprate.Limit(
		cfg.RateLimitPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.APIRateLimitHits.WithLabelValues(routePattern(r)).Inc()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)

	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		if len(whitelist) == 0 {
			return limited
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if _, ok := whitelist[host]; ok {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// CORS returns the CORS pre-filter. No configured origins means no
// CORS headers at all.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", APIKeyHeader},
		MaxAge:         86400,
	})
}

// SecurityHeaders adds the standard hardening headers to every
// response. HSTS is added only when the exchange is already TLS.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs each request and feeds the API metrics. The
// endpoint label is the chi route pattern, not the raw path, so
// metric cardinality stays bounded.
func RequestLogger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			reqID := logging.GenerateRequestID()
			ctx := logging.ContextWithRequestID(r.Context(), reqID)
			next.ServeHTTP(ww, r.WithContext(ctx))

			duration := time.Since(start)
			endpoint := routePattern(r)
			metrics.RecordAPIRequest(r.Method, endpoint, ww.statusCode, duration)

			logging.Info().
				Str("request_id", reqID).
				Str("method", r.Method).
				Str("endpoint", endpoint).
				Int("status", ww.statusCode).
				Dur("duration", duration).
				Msg("Request completed")
		})
	}
}

// routePattern returns the matched chi pattern, falling back to the
// sanitised path before routing has happened.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return logging.Sanitize(r.URL.Path)
}

// statusResponseWriter wraps http.ResponseWriter to capture the status
// code.
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates.
func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
