// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tradebridge/tradebridge/internal/models"
)

// ErrMappingNotFound is returned when no mapping exists for a ticket.
var ErrMappingNotFound = errors.New("ticket mapping not found")

// PutMapping stores a source-to-slave ticket mapping. Re-registering
// the same source ticket overwrites the previous mapping.
func (s *Store) PutMapping(ctx context.Context, m *models.TicketMapping) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if m.SourceTicket == "" {
		return ErrEmptyID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stored := *m
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal mapping: %w", err)
		}
		return txn.Set(ticketKey(stored.SourceTicket), data)
	})
	if err != nil {
		return fmt.Errorf("put mapping: %w", err)
	}
	return nil
}

// GetMapping returns the mapping for a source ticket, or
// ErrMappingNotFound.
func (s *Store) GetMapping(ctx context.Context, sourceTicket string) (*models.TicketMapping, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if sourceTicket == "" {
		return nil, ErrEmptyID
	}

	var m models.TicketMapping
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ticketKey(sourceTicket))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMappingNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if err != nil {
		if errors.Is(err, ErrMappingNotFound) {
			return nil, ErrMappingNotFound
		}
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	return &m, nil
}
