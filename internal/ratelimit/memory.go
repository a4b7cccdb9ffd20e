package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// bucket is one key's window. dead is set by Sweep after the bucket has been
// unlinked from the map; a Check holding a dead bucket must start over.
type bucket struct {
	mu     sync.Mutex
	stamps []time.Time
	window time.Duration
	dead   bool
}

// Memory is an in-process Limiter. Each key is its own critical section;
// the map lock is only held to find or insert a bucket.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	log     *slog.Logger
}

type Option func(*Memory)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Memory) { m.log = log }
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

var _ Limiter = (*Memory)(nil)

func (m *Memory) Check(_ context.Context, key string, maxRequests int, window time.Duration) Decision {
	for {
		b := m.bucket(key)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		now := m.now()
		b.window = window
		b.stamps = prune(b.stamps, now, window)
		var d Decision
		b.stamps, d = decide(b.stamps, now, maxRequests, window)
		b.mu.Unlock()
		return d
	}
}

func (m *Memory) bucket(key string) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{}
		m.buckets[key] = b
	}
	return b
}

// Sweep removes keys whose window holds no live timestamps and returns how
// many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, b := range m.buckets {
		b.mu.Lock()
		b.stamps = prune(b.stamps, now, b.window)
		if len(b.stamps) == 0 {
			b.dead = true
			delete(m.buckets, key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

// Len reports the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Run sweeps every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.Debug("rate limiter sweep", "removed", n, "remaining", m.Len())
			}
		case <-ctx.Done():
			return
		}
	}
}
