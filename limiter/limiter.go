// Package limiter admits or denies attempts per identifier under a fixed-window policy.
//
// The limiter does not know what an attempt is for. Callers pick the identifier
// (e.g. "verify:<quiz id>") and the policy on every call, so different guarded
// operations can share one store with different limits.
//
//	st := store.NewMemory()
//	defer st.Close()
//
//	lim := limiter.New(st, limiter.WithLogger(logger))
//	d, err := lim.Check(ctx, "verify:"+quizID, store.Policy{Limit: 5, Window: 15 * time.Minute})
package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/examforge/guard/metrics"
	"github.com/examforge/guard/store"
)

var (
	// ErrStoreUnavailable is returned when the backing store cannot be reached
	// and the limiter is fail-closed.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrInvalidPolicy is returned for a policy with a non-positive limit or window.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")
)

// Decision is the limiter's answer for one attempt.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter returns the time left until ResetAt, never negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	return max(0, d.ResetAt.Sub(now))
}

// Limiter checks attempts against a store.
type Limiter struct {
	store    store.Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	failOpen bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger used for store failures (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records check results and store latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// WithClock replaces time.Now. Used by tests to move across windows.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithFailOpen admits attempts when the store fails instead of returning
// ErrStoreUnavailable. Failures are still logged.
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) {
		l.failOpen = failOpen
	}
}

// New creates a Limiter backed by st. The limiter is fail-closed unless
// WithFailOpen(true) is given.
func New(st store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check consumes one attempt for identifier if the policy still has room in
// the current window. Denied attempts are not counted.
func (l *Limiter) Check(ctx context.Context, identifier string, policy store.Policy) (Decision, error) {
	if !policy.Valid() {
		return Decision{}, fmt.Errorf("%w: limit=%d window=%s", ErrInvalidPolicy, policy.Limit, policy.Window)
	}

	now := l.now()
	start := time.Now()
	res, err := l.store.Take(ctx, identifier, policy, now)
	l.metrics.ObserveStoreDuration(time.Since(start).Seconds())

	if err != nil {
		l.metrics.IncrementChecks("error")
		l.logger.ErrorContext(ctx, "rate limit store failure",
			"identifier", identifier,
			"fail_open", l.failOpen,
			"error", err,
		)
		if l.failOpen {
			return Decision{
				Allowed:   true,
				Limit:     policy.Limit,
				Remaining: policy.Limit,
				ResetAt:   now.Add(policy.Window),
			}, nil
		}
		return Decision{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	d := decide(res.Record, res.Allowed, policy)
	if d.Allowed {
		l.metrics.IncrementChecks("allowed")
	} else {
		l.metrics.IncrementChecks("denied")
	}
	return d, nil
}

// Status reports what Check would see for identifier without consuming an
// attempt. A record whose window has ended is reported as fresh.
func (l *Limiter) Status(ctx context.Context, identifier string, policy store.Policy) (Decision, store.Record, error) {
	if !policy.Valid() {
		return Decision{}, store.Record{}, fmt.Errorf("%w: limit=%d window=%s", ErrInvalidPolicy, policy.Limit, policy.Window)
	}

	now := l.now()
	rec, found, err := l.store.Get(ctx, identifier)
	if err != nil {
		return Decision{}, store.Record{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !found || rec.Expired(policy.Window, now) {
		rec = store.Record{WindowStart: now}
	}

	return decide(rec, rec.Count < policy.Limit, policy), rec, nil
}

// Reset clears the record for identifier, restoring the full quota.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if err := l.store.Reset(ctx, identifier); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	l.logger.InfoContext(ctx, "rate limit reset", "identifier", identifier)
	return nil
}

func decide(rec store.Record, allowed bool, policy store.Policy) Decision {
	return Decision{
		Allowed:   allowed,
		Limit:     policy.Limit,
		Remaining: max(0, policy.Limit-rec.Count),
		ResetAt:   rec.ResetAt(policy.Window),
	}
}
