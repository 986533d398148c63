package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// Maximum number of buckets to keep in memory
	maxBuckets = 10000
	// Time between sweep passes
	sweepInterval = 5 * time.Minute
)

type bucket struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is the in-process CounterStore for single-instance deployments.
// Counters are best-effort: they are not shared across processes. Buckets
// whose window has elapsed are swept periodically.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	stopCh  chan struct{}
	now     func() time.Time
}

// NewMemoryStore creates a memory-backed counter store and starts its
// background sweep. The sweep stops when ctx is cancelled or Stop is called.
func NewMemoryStore(ctx context.Context) *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	go s.sweepLoop(ctx)

	return s
}

// Increment implements CounterStore against the in-process map.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{count: 1, resetAt: now.Add(window)}
		s.buckets[key] = b
		return b.count, b.resetAt, nil
	}

	b.count++
	return b.count, b.resetAt, nil
}

// Stop stops the sweep goroutine.
func (s *MemoryStore) Stop() {
	close(s.stopCh)
}

func (s *MemoryStore) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops buckets whose window has elapsed; they would reset on next use
// anyway. If the map is still over the cap afterwards, the buckets closest to
// reset go first.
func (s *MemoryStore) sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, b := range s.buckets {
		if now.After(b.resetAt) {
			delete(s.buckets, key)
		}
	}

	for len(s.buckets) > maxBuckets {
		var oldestKey string
		var oldest time.Time
		for key, b := range s.buckets {
			if oldestKey == "" || b.resetAt.Before(oldest) {
				oldestKey = key
				oldest = b.resetAt
			}
		}
		delete(s.buckets, oldestKey)
	}
}
