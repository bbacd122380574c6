// Package worker runs background maintenance for the limiter stores.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/examforge/guard/metrics"
	"github.com/examforge/guard/store"
)

// SweepResult contains the results of one sweep run.
type SweepResult struct {
	Deleted  int64
	Duration time.Duration
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger for run results (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInterval sets the time between sweeps (default: 5m).
func WithInterval(interval time.Duration) Option {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithMetrics records sweep runs and deleted records on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithClock replaces time.Now as the sweep cutoff.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// Sweeper periodically deletes expired limiter records from stores that do
// not expire them on their own.
type Sweeper struct {
	store    store.Sweeper
	logger   *slog.Logger
	interval time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New returns a Sweeper over st. Call Start to run it.
func New(st store.Sweeper, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    st,
		logger:   slog.Default(),
		interval: 5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start sweeps every interval until ctx is cancelled. Failed runs are logged
// and retried on the next tick.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("limiter sweep worker started", "interval", s.interval)

	for {
		select {
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Error("limiter sweep failed", "error", err)
				continue
			}
			if res.Deleted > 0 {
				s.logger.Info("limiter sweep completed",
					"deleted", res.Deleted,
					"duration_ms", res.Duration.Milliseconds(),
				)
			}

		case <-ctx.Done():
			s.logger.Info("limiter sweep worker stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

// RunOnce executes a single sweep and records its metrics. Logging is
// handled by the caller (Start).
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	deleted, err := s.store.Sweep(ctx, s.now())
	if err != nil {
		s.metrics.IncrementSweepRuns("error")
		return nil, err
	}

	s.metrics.IncrementSweepRuns("success")
	s.metrics.AddSweepDeleted(deleted)
	return &SweepResult{Deleted: deleted, Duration: time.Since(start)}, nil
}
