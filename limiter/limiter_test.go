package limiter_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/examforge/guard/limiter"
	"github.com/examforge/guard/metrics"
	"github.com/examforge/guard/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type errorStore struct{}

func (e *errorStore) Take(_ context.Context, _ string, _ store.Policy, _ time.Time) (store.Result, error) {
	return store.Result{}, errors.New("storage backend unavailable")
}

func (e *errorStore) Get(_ context.Context, _ string) (store.Record, bool, error) {
	return store.Record{}, false, errors.New("storage backend unavailable")
}

func (e *errorStore) Reset(_ context.Context, _ string) error {
	return errors.New("storage backend unavailable")
}

func (e *errorStore) Close() error {
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheck_AdmitsUpToLimit(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	clock := newFakeClock()
	lim := limiter.New(st, limiter.WithClock(clock.Now))
	policy := store.Policy{Limit: 5, Window: 15 * time.Minute}
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := lim.Check(ctx, "verify:quiz-1", policy)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("check %d: expected allowed", i)
		}
		if want := int64(5 - i); d.Remaining != want {
			t.Errorf("check %d: expected remaining %d, got %d", i, want, d.Remaining)
		}
		if want := clock.Now().Add(15 * time.Minute); !d.ResetAt.Equal(want) {
			t.Errorf("check %d: expected resetAt %v, got %v", i, want, d.ResetAt)
		}
	}

	for i := 0; i < 10; i++ {
		clock.Advance(time.Minute)
		d, err := lim.Check(ctx, "verify:quiz-1", policy)
		if err != nil {
			t.Fatalf("denied check: %v", err)
		}
		if d.Allowed {
			t.Fatalf("expected check past the limit to be denied")
		}
		if d.Remaining != 0 {
			t.Errorf("expected remaining 0, got %d", d.Remaining)
		}
	}
}

func TestCheck_WindowReset(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	clock := newFakeClock()
	lim := limiter.New(st, limiter.WithClock(clock.Now))
	policy := store.Policy{Limit: 2, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		lim.Check(ctx, "id", policy)
	}

	clock.Advance(59 * time.Second)
	if d, _ := lim.Check(ctx, "id", policy); d.Allowed {
		t.Fatal("expected denial before the window ends")
	}

	clock.Advance(time.Second)
	d, err := lim.Check(ctx, "id", policy)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected first check of new window to be allowed")
	}
	if d.Remaining != 1 {
		t.Errorf("expected remaining 1 in new window, got %d", d.Remaining)
	}
	if want := clock.Now().Add(time.Minute); !d.ResetAt.Equal(want) {
		t.Errorf("expected resetAt %v, got %v", want, d.ResetAt)
	}
}

func TestCheck_Concurrent(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	defer st.Close()

	lim := limiter.New(st)
	policy := store.Policy{Limit: 5, Window: time.Minute}

	const concurrency = 20

	var (
		allowed atomic.Int64
		denied  atomic.Int64
		wg      sync.WaitGroup
		startCh = make(chan struct{})
	)

	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			<-startCh

			d, err := lim.Check(context.Background(), "verify:quiz-1", policy)
			if err != nil {
				t.Errorf("check: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}

	close(startCh)
	wg.Wait()

	if allowed.Load() != 5 {
		t.Errorf("expected exactly 5 allowed, got %d", allowed.Load())
	}
	if denied.Load() != concurrency-5 {
		t.Errorf("expected exactly %d denied, got %d", concurrency-5, denied.Load())
	}
}

func TestCheck_InvalidPolicy(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	lim := limiter.New(st)

	tests := []struct {
		name   string
		policy store.Policy
	}{
		{"zero limit", store.Policy{Limit: 0, Window: time.Minute}},
		{"negative limit", store.Policy{Limit: -3, Window: time.Minute}},
		{"zero window", store.Policy{Limit: 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lim.Check(context.Background(), "id", tt.policy)
			if !errors.Is(err, limiter.ErrInvalidPolicy) {
				t.Errorf("expected ErrInvalidPolicy, got %v", err)
			}
		})
	}

	if st.Len() != 0 {
		t.Errorf("expected invalid policies to leave the store untouched, got %d records", st.Len())
	}
}

func TestCheck_StoreErrorFailsClosed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	lim := limiter.New(&errorStore{}, limiter.WithLogger(discardLogger()), limiter.WithMetrics(m))

	d, err := lim.Check(context.Background(), "id", store.Policy{Limit: 5, Window: time.Minute})
	if !errors.Is(err, limiter.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if d.Allowed {
		t.Error("expected fail-closed decision to deny")
	}
	if got := testutil.ToFloat64(m.ChecksTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 error check recorded, got %v", got)
	}
}

func TestCheck_StoreErrorFailOpen(t *testing.T) {
	clock := newFakeClock()
	lim := limiter.New(&errorStore{},
		limiter.WithLogger(discardLogger()),
		limiter.WithFailOpen(true),
		limiter.WithClock(clock.Now),
	)

	d, err := lim.Check(context.Background(), "id", store.Policy{Limit: 5, Window: time.Minute})
	if err != nil {
		t.Fatalf("expected no error in fail-open mode, got %v", err)
	}
	if !d.Allowed {
		t.Error("expected fail-open decision to allow")
	}
	if d.Remaining != 5 {
		t.Errorf("expected remaining 5, got %d", d.Remaining)
	}
}

func TestCheck_Metrics(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	m := metrics.New(prometheus.NewRegistry())
	lim := limiter.New(st, limiter.WithMetrics(m))
	policy := store.Policy{Limit: 1, Window: time.Minute}

	lim.Check(context.Background(), "id", policy)
	lim.Check(context.Background(), "id", policy)

	if got := testutil.ToFloat64(m.ChecksTotal.WithLabelValues("allowed")); got != 1 {
		t.Errorf("expected 1 allowed, got %v", got)
	}
	if got := testutil.ToFloat64(m.ChecksTotal.WithLabelValues("denied")); got != 1 {
		t.Errorf("expected 1 denied, got %v", got)
	}
}

func TestStatus(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	clock := newFakeClock()
	lim := limiter.New(st, limiter.WithClock(clock.Now))
	policy := store.Policy{Limit: 3, Window: time.Minute}
	ctx := context.Background()

	d, rec, err := lim.Status(ctx, "id", policy)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !d.Allowed || d.Remaining != 3 || rec.Count != 0 {
		t.Errorf("expected fresh status, got %+v record %+v", d, rec)
	}

	for i := 0; i < 3; i++ {
		lim.Check(ctx, "id", policy)
	}

	d, rec, err = lim.Status(ctx, "id", policy)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if d.Allowed || d.Remaining != 0 || rec.Count != 3 {
		t.Errorf("expected exhausted status, got %+v record %+v", d, rec)
	}

	// Status must not consume attempts.
	got, _, _ := lim.Status(ctx, "id", policy)
	if got.Remaining != 0 {
		t.Errorf("expected remaining to stay 0, got %d", got.Remaining)
	}

	clock.Advance(time.Minute)
	d, rec, _ = lim.Status(ctx, "id", policy)
	if !d.Allowed || d.Remaining != 3 || rec.Count != 0 {
		t.Errorf("expected expired record to report fresh, got %+v record %+v", d, rec)
	}
}

func TestReset(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	lim := limiter.New(st, limiter.WithLogger(discardLogger()))
	policy := store.Policy{Limit: 1, Window: time.Minute}
	ctx := context.Background()

	lim.Check(ctx, "id", policy)
	if d, _ := lim.Check(ctx, "id", policy); d.Allowed {
		t.Fatal("expected second check to be denied")
	}

	if err := lim.Reset(ctx, "id"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if d, _ := lim.Check(ctx, "id", policy); !d.Allowed {
		t.Error("expected check after reset to be allowed")
	}
}

func TestReset_StoreError(t *testing.T) {
	lim := limiter.New(&errorStore{}, limiter.WithLogger(discardLogger()))

	if err := lim.Reset(context.Background(), "id"); !errors.Is(err, limiter.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestDecision_RetryAfter(t *testing.T) {
	now := time.Now()
	d := limiter.Decision{ResetAt: now.Add(30 * time.Second)}

	if got := d.RetryAfter(now); got != 30*time.Second {
		t.Errorf("expected 30s, got %v", got)
	}
	if got := d.RetryAfter(now.Add(time.Minute)); got != 0 {
		t.Errorf("expected 0 after reset, got %v", got)
	}
}
