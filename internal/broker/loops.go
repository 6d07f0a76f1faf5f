// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package broker

import (
	"context"

	"github.com/tradebridge/tradebridge/internal/config"
	"github.com/tradebridge/tradebridge/internal/logging"
	"github.com/tradebridge/tradebridge/internal/metrics"
	"github.com/tradebridge/tradebridge/internal/store"
)

// NewReaper returns the stale-lease reaper loop. Each tick returns
// expired claims to pending with a short backoff and normalises
// exhausted events into the fallow state.
func NewReaper(s *store.Store, cfg config.QueueConfig) *Loop {
	return NewLoop("stale-lease-reaper", cfg.ReaperInterval, func(ctx context.Context) {
		requeued, fallowed, err := s.ReapStale(ctx, cfg.LeaseDuration, cfg.ShortBackoff)
		if err != nil {
			logging.Error().Err(err).Msg("Reaper: reap stale claims failed")
			return
		}

		swept, err := s.SweepFailed(ctx)
		if err != nil {
			logging.Error().Err(err).Msg("Reaper: failed sweep failed")
			return
		}

		if requeued > 0 {
			metrics.StaleLeasesReaped.Add(float64(requeued))
		}
		// fallowed counts exhausted events reaped with claim intact;
		// swept counts those normalised afterwards. Together they advance
		// the failed counter exactly once per event.
		if fallowed+swept > 0 {
			metrics.OrdersFailed.Add(float64(fallowed + swept))
		}

		if requeued > 0 || fallowed > 0 || swept > 0 {
			logging.Info().
				Int("requeued", requeued).
				Int("fallowed", fallowed+swept).
				Msg("Reaper: returned stale claims to queue")
		}
	})
}

// NewRetentionGC returns the retention loop deleting done events older
// than the retention window.
func NewRetentionGC(s *store.Store, cfg config.QueueConfig) *Loop {
	return NewLoop("retention-gc", cfg.CleanupInterval, func(ctx context.Context) {
		deleted, err := s.Cleanup(ctx, cfg.MaxOrderAge)
		if err != nil {
			logging.Error().Err(err).Msg("Retention GC: cleanup failed")
			return
		}
		if deleted > 0 {
			metrics.OrdersPurged.Add(float64(deleted))
			logging.Info().Int("deleted", deleted).Msg("Retention GC: purged completed orders")
		}
	})
}

// NewSampler returns the gauge sampler loop refreshing the pending and
// retry-queue gauges from a store snapshot.
func NewSampler(s *store.Store, cfg config.QueueConfig) *Loop {
	return NewLoop("metrics-sampler", cfg.SamplerInterval, func(ctx context.Context) {
		st, err := s.Stats(ctx)
		if err != nil {
			logging.Error().Err(err).Msg("Sampler: stats snapshot failed")
			return
		}
		metrics.SetQueueGauges(st.Pending, st.RetryQueue)
	})
}
