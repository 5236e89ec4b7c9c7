package charon

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store guarded by a single mutex.
// It is safe for concurrent use and suits single-replica deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time

	cleanupInterval time.Duration
	cleanupStop     chan struct{}
	cleanupDone     chan struct{}
}

type memoryEntry struct {
	value     []byte
	counter   int64
	isCounter bool
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// WithCleanupInterval starts a goroutine that drops expired entries periodically.
// Call Close to stop it.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = d
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		s.cleanupStop = make(chan struct{})
		s.cleanupDone = make(chan struct{})
		go s.cleanup()
	}

	return s
}

// live returns the entry for key, dropping it if expired. Caller holds mu.
func (s *MemoryStore) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil, false, nil
	}
	if e.isCounter {
		return []byte(strconv.FormatInt(e.counter, 10)), true, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memoryEntry{value: stored, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) Forget(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Count(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.live(key); e != nil {
		return e.counter, nil
	}
	return 0, nil
}

// counter returns the live counter for key, creating it with ttl. Caller holds mu.
func (s *MemoryStore) counter(key string, ttl time.Duration) *memoryEntry {
	e := s.live(key)
	if e == nil || !e.isCounter {
		e = &memoryEntry{isCounter: true, expiresAt: s.expiry(ttl)}
		s.entries[key] = e
	}
	return e
}

func (s *MemoryStore) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.counter(key, ttl)
	e.counter += delta
	return e.counter, nil
}

func (s *MemoryStore) IncrementWithCeiling(ctx context.Context, key string, ceiling int64, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.counter(key, ttl)
	if ceiling > 0 && e.counter >= ceiling {
		return e.counter, false, nil
	}
	e.counter++
	return e.counter, true, nil
}

func (s *MemoryStore) Max(ctx context.Context, key string, value int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.counter(key, ttl)
	if value > e.counter {
		e.counter = value
	}
	return e.counter, nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.entries {
		if s.live(key) != nil {
			n++
		}
	}
	return n
}

// cleanup periodically removes expired entries to bound memory growth.
func (s *MemoryStore) cleanup() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			for key := range s.entries {
				s.live(key)
			}
			s.mu.Unlock()

		case <-s.cleanupStop:
			return
		}
	}
}

// Close stops the cleanup goroutine if one was started.
func (s *MemoryStore) Close() error {
	if s.cleanupStop == nil {
		return nil
	}
	close(s.cleanupStop)
	<-s.cleanupDone
	s.cleanupStop = nil
	return nil
}
