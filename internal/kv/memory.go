// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package kv

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
)

// DefaultSweepInterval is how often expired entries are purged.
const DefaultSweepInterval = time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store. It is safe for concurrent use.
//
// A background goroutine removes expired entries. Call Close to stop it.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time

	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	sizeGauge prometheus.Gauge
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	sweepInterval time.Duration
	now           func() time.Time
	reg           prometheus.Registerer
}

// WithSweepInterval sets the expiry sweep period.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(c *memoryConfig) { c.sweepInterval = d }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *memoryConfig) { c.now = now }
}

// WithRegisterer registers an entry count gauge.
func WithRegisterer(reg prometheus.Registerer) MemoryOption {
	return func(c *memoryConfig) { c.reg = reg }
}

// NewMemoryStore creates a MemoryStore and starts its sweeper.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	cfg := memoryConfig{sweepInterval: DefaultSweepInterval, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sweepInterval <= 0 {
		cfg.sweepInterval = DefaultSweepInterval
	}

	s := &MemoryStore{
		entries:  make(map[string]memoryEntry),
		now:      cfg.now,
		stopChan: make(chan struct{}),
	}

	if cfg.reg != nil {
		s.sizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chorequest_kv_memory_entries",
			Help: "Current number of entries held by the in-memory key/value store",
		})
		cfg.reg.MustRegister(s.sizeGauge)
	}

	s.wg.Add(1)
	go s.sweepLoop(cfg.sweepInterval)

	return s
}

// Get returns the live value for key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return nil, false, nil
	}
	return clone(e.value), true, nil
}

// Set stores value under key. A ttl <= 0 stores without expiry.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Update applies fn to key while holding the store lock.
func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	if fn == nil {
		return oops.Code("KV_INVALID_UPDATE").Errorf("update function is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current []byte
	e, found := s.entries[key]
	if found && e.expired(s.now()) {
		delete(s.entries, key)
		found = false
	}
	if found {
		current = clone(e.value)
	}

	m, err := fn(current, found)
	if err != nil {
		return err
	}

	switch m.Op {
	case OpPut:
		s.put(key, m.Value, m.TTL)
	case OpDelete:
		delete(s.entries, key)
	case OpKeep:
	default:
		return oops.Code("KV_INVALID_UPDATE").With("op", int(m.Op)).Errorf("unknown update operation")
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes expired entries immediately.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}
	if s.sizeGauge != nil {
		s.sizeGauge.Set(float64(len(s.entries)))
	}
}

// Close stops the sweeper and waits for it to exit. It is safe to call twice.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *MemoryStore) put(key string, value []byte, ttl time.Duration) {
	e := memoryEntry{value: clone(value)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var _ Store = (*MemoryStore)(nil)
