package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	record     Record
	expiration time.Time
}

// Memory is an in-memory implementation of Store using a map with mutex protection.
//
// WARNING: Each process keeps its own counters. Behind a load balancer an
// attacker gets Limit attempts per instance, so use Redis or Gorm when the
// guard runs on more than one instance.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// MemoryWithSweepInterval sets how often expired entries are dropped (default: 1m).
func MemoryWithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired entries.
//
// Important: You must call Close() when done to stop the cleanup goroutine.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:  make(map[string]*memoryEntry),
		interval: time.Minute,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanup()
	return m
}

// Take applies one attempt for key. The whole read-modify-write runs under
// the store mutex, so concurrent callers on the same key are serialized.
//
// The context is accepted for interface compatibility; in-memory operations
// cannot be cancelled.
func (m *Memory) Take(_ context.Context, key string, policy Policy, now time.Time) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		rec   Record
		found bool
	)
	if entry, ok := m.entries[key]; ok {
		rec, found = entry.record, true
	}

	res := Apply(rec, found, policy, now)
	m.entries[key] = &memoryEntry{
		record:     res.Record,
		expiration: res.Record.ResetAt(policy.Window),
	}
	return res, nil
}

// Get retrieves the record for key without modifying it.
func (m *Memory) Get(_ context.Context, key string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return Record{}, false, nil
	}
	return entry.record, true, nil
}

// Reset removes the record for key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Len returns the number of records currently held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the background cleanup goroutine. It is safe to call more than once.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	return nil
}

// runCleanup removes every entry whose window ended before now.
func (m *Memory) runCleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, entry := range m.entries {
		if !now.Before(entry.expiration) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup(time.Now())
		case <-m.stopCh:
			return
		}
	}
}
