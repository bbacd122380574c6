// Package store provides storage backends for fixed-window attempt counters.
package store

import (
	"context"
	"time"
)

// Policy is the admission policy applied to a single check.
// It is supplied by the caller on every call and never persisted.
type Policy struct {
	// Limit is the maximum number of admitted attempts per window.
	Limit int64

	// Window is the length of a counting window.
	Window time.Duration
}

// Valid reports whether the policy can admit anything at all. Stores keep
// timestamps at millisecond resolution, so shorter windows are rejected.
func (p Policy) Valid() bool {
	return p.Limit > 0 && p.Window >= time.Millisecond
}

// Record is the counter state kept for one identifier.
type Record struct {
	WindowStart time.Time
	Count       int64
}

// ResetAt returns the instant the record's window ends under the given window length.
func (r Record) ResetAt(window time.Duration) time.Time {
	return r.WindowStart.Add(window)
}

// Expired reports whether the record's window has ended at now.
func (r Record) Expired(window time.Duration, now time.Time) bool {
	return !now.Before(r.ResetAt(window))
}

// Result is the outcome of a single Take.
type Result struct {
	Allowed bool
	Record  Record
}

// Store defines the interface for attempt counter backends.
// Implementations must be safe for concurrent use, and Take must apply the
// read-modify-write of a record atomically per key.
type Store interface {
	// Take applies one attempt for key under policy at time now and returns
	// whether it was admitted together with the record after the attempt.
	// Denied attempts do not increment the counter.
	Take(ctx context.Context, key string, policy Policy, now time.Time) (Result, error)

	// Get returns the stored record for key without modifying it.
	// The boolean is false if no record exists.
	Get(ctx context.Context, key string) (Record, bool, error)

	// Reset removes the record for key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sweeper is implemented by stores that need an external sweep to drop
// records whose window has ended.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// Apply runs the fixed-window admission step against a record.
// found is false when the key had no record yet. The returned record is the
// state to persist.
func Apply(rec Record, found bool, policy Policy, now time.Time) Result {
	if !found || rec.Expired(policy.Window, now) {
		rec = Record{WindowStart: now}
	}

	if rec.Count >= policy.Limit {
		return Result{Allowed: false, Record: rec}
	}

	rec.Count++
	return Result{Allowed: true, Record: rec}
}
