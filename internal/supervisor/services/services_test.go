// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package services

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoop struct {
	started atomic.Bool
	stopped atomic.Bool
	failure error
}

func (f *fakeLoop) Start(ctx context.Context) error {
	if f.failure != nil {
		return f.failure
	}
	f.started.Store(true)
	return nil
}

func (f *fakeLoop) Stop()           { f.stopped.Store(true) }
func (f *fakeLoop) IsRunning() bool { return f.started.Load() && !f.stopped.Load() }
func (f *fakeLoop) String() string  { return "fake-loop" }

func TestLoopServiceLifecycle(t *testing.T) {
	loop := &fakeLoop{}
	svc := NewLoopService(loop)
	assert.Equal(t, "fake-loop", svc.String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, loop.started.Load, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.True(t, loop.stopped.Load())
}

func TestLoopServiceStartFailure(t *testing.T) {
	loop := &fakeLoop{failure: errors.New("boom")}
	svc := NewLoopService(loop)

	err := svc.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, loop.stopped.Load())
}

type fakeServer struct {
	listenErr error
	release   chan struct{}
	shutdowns atomic.Int32
}

func (f *fakeServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.release
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(ctx context.Context) error {
	f.shutdowns.Add(1)
	close(f.release)
	return nil
}

func TestHTTPServerServiceGracefulShutdown(t *testing.T) {
	srv := &fakeServer{release: make(chan struct{})}
	svc := NewHTTPServerService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, int32(1), srv.shutdowns.Load())
}

func TestHTTPServerServiceListenFailure(t *testing.T) {
	srv := &fakeServer{listenErr: errors.New("listen tcp: address in use")}
	svc := NewHTTPServerService(srv, time.Second)

	err := svc.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}
