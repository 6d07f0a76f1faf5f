// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

// Package validation provides struct validation using
// go-playground/validator v10: a thread-safe singleton instance with
// the broker's custom tags and error translation into fixed messages
// that never echo client input.
//
// Custom tags:
//   - event_type: member of the recognised trade-event set, exact case
//   - wiretime: ISO-8601 UTC timestamp with optional milliseconds
package validation

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tradebridge/tradebridge/internal/models"
)

// singleton validator instance
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is one field-level validation failure. The message is a
// fixed description safe to return to clients.
type FieldError struct {
	Field string
	Tag   string
}

// Error returns a short description built from field and tag only,
// never from the rejected value.
func (e *FieldError) Error() string {
	switch e.Tag {
	case "required":
		return e.Field + " is required"
	case "max":
		return e.Field + " too long"
	case "event_type":
		return "unrecognised event_type"
	case "wiretime":
		return "invalid timestamp"
	default:
		return e.Field + " is invalid"
	}
}

// RequestError collects the field failures of one request.
type RequestError struct {
	Fields []FieldError
}

// Error joins the field messages.
func (e *RequestError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i := range e.Fields {
		msgs[i] = e.Fields[i].Error()
	}
	return strings.Join(msgs, "; ")
}

// Message returns the first field's description for the error
// envelope.
func (e *RequestError) Message() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	return e.Fields[0].Error()
}

// GetValidator returns the singleton instance with the broker's
// custom tags registered. Thread-safe; struct metadata is cached.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Registration only fails for empty tag names.
		_ = validate.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
			return models.ValidEventType(fl.Field().String())
		})
		_ = validate.RegisterValidation("wiretime", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			if _, err := time.Parse("2006-01-02T15:04:05.000Z", s); err == nil {
				return true
			}
			_, err := time.Parse(time.RFC3339, s)
			return err == nil
		})
	})

	return validate
}

// ValidateStruct validates s with the singleton. Returns nil on
// success or a *RequestError with JSON field names.
func ValidateStruct(s any) *RequestError {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &RequestError{Fields: []FieldError{{Field: "request", Tag: "invalid"}}}
	}

	fields := make([]FieldError, len(verrs))
	for i, fe := range verrs {
		fields[i] = FieldError{
			Field: jsonFieldName(fe.Field()),
			Tag:   fe.Tag(),
		}
	}
	return &RequestError{Fields: fields}
}

// jsonFieldName maps the Go field names used in request structs to
// their snake_case wire names, keeping initialisms intact
// (SourceID -> source_id).
func jsonFieldName(goField string) string {
	rs := []rune(goField)
	var b strings.Builder
	for i, r := range rs {
		if r >= 'A' && r <= 'Z' {
			prevLower := i > 0 && isLower(rs[i-1])
			nextLower := i+1 < len(rs) && isLower(rs[i+1])
			if i > 0 && (prevLower || nextLower) {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isLower(r rune) bool {
	return r >= 'a' && r <= 'z'
}
