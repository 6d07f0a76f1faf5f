// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

// Package services adapts the broker's components to suture's Serve
// lifecycle.
package services

import (
	"context"
	"fmt"
)

// StartStopper matches the lifecycle of the background loops without
// importing the broker package.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
	String() string
}

// LoopService wraps a Start/Stop background loop as a supervised
// service: Start on entry, block on the context, Stop on the way out.
// Stop blocks until the loop goroutine has finished its current
// iteration, so supervised shutdown never abandons a half-done tick.
type LoopService struct {
	loop StartStopper
}

// NewLoopService wraps loop for supervision.
func NewLoopService(loop StartStopper) *LoopService {
	return &LoopService{loop: loop}
}

// Serve implements suture.Service.
func (s *LoopService) Serve(ctx context.Context) error {
	if err := s.loop.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.loop.String(), err)
	}

	<-ctx.Done()

	s.loop.Stop()
	return ctx.Err()
}

// String identifies the service in supervisor logs.
func (s *LoopService) String() string {
	return s.loop.String()
}
