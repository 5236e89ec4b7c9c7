package charon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

// RateLimiter smooths bursts of plugin traffic.
type RateLimiter interface {
	// Allow checks if a request should be allowed for the given key
	Allow(ctx context.Context, key string) error

	// Close releases resources
	Close() error
}

// KeyFunc extracts the rate limit key from a context.
type KeyFunc func(ctx context.Context) string

// TokenBucketLimiter keeps one token bucket per key.
type TokenBucketLimiter struct {
	limit   rate.Limit
	burst   int
	keyFunc KeyFunc

	// Per-key limiters with last access time
	limiters map[string]*limiterEntry
	mu       sync.Mutex

	cleanupInterval time.Duration
	cleanupStop     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewTokenBucketLimiter creates a token bucket limiter refilling at requestsPerSecond.
// keyFunc is used by AllowContext; it defaults to PluginKeyFunc.
func NewTokenBucketLimiter(requestsPerSecond float64, burst int, keyFunc KeyFunc) *TokenBucketLimiter {
	if keyFunc == nil {
		keyFunc = PluginKeyFunc
	}
	if burst < 1 {
		burst = 1
	}

	limiter := &TokenBucketLimiter{
		limit:           rate.Limit(requestsPerSecond),
		burst:           burst,
		keyFunc:         keyFunc,
		limiters:        make(map[string]*limiterEntry),
		cleanupInterval: 5 * time.Minute,
		cleanupStop:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	go limiter.cleanup()

	return limiter
}

// Allow checks if a request for key should be allowed.
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) error {
	if key == "" {
		key = "default"
	}

	if !l.getLimiter(key).Allow() {
		return fmt.Errorf("%w: %s", ErrRateLimitExceeded, key)
	}
	return nil
}

// AllowContext derives the key from ctx with the configured KeyFunc.
func (l *TokenBucketLimiter) AllowContext(ctx context.Context) error {
	return l.Allow(ctx, l.keyFunc(ctx))
}

func (l *TokenBucketLimiter) getLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, exists := l.limiters[key]; exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	newLimiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters[key] = &limiterEntry{
		limiter:    newLimiter,
		lastAccess: time.Now(),
	}
	return newLimiter
}

// cleanup periodically removes idle limiters to prevent memory leaks.
func (l *TokenBucketLimiter) cleanup() {
	defer close(l.cleanupDone)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			// Remove limiters that haven't been accessed in 2x cleanup interval
			idleThreshold := time.Now().Add(-2 * l.cleanupInterval)
			for key, entry := range l.limiters {
				if entry.lastAccess.Before(idleThreshold) {
					delete(l.limiters, key)
				}
			}
			l.mu.Unlock()

		case <-l.cleanupStop:
			return
		}
	}
}

// Close stops the cleanup goroutine and releases resources.
func (l *TokenBucketLimiter) Close() error {
	l.closeOnce.Do(func() {
		close(l.cleanupStop)
		<-l.cleanupDone
	})
	return nil
}

// NoOpLimiter is a rate limiter that allows all requests.
type NoOpLimiter struct{}

// NewNoOpLimiter creates a limiter that allows all requests.
func NewNoOpLimiter() *NoOpLimiter {
	return &NoOpLimiter{}
}

// Allow always returns nil (allows all requests).
func (l *NoOpLimiter) Allow(ctx context.Context, key string) error {
	return nil
}

// Close is a no-op.
func (l *NoOpLimiter) Close() error {
	return nil
}

// PluginKeyFunc keys on the currently executing plugin.
func PluginKeyFunc(ctx context.Context) string {
	if plugin, ok := domain.PluginFromContext(ctx); ok {
		return fmt.Sprintf("plugin:%s", plugin)
	}
	return "plugin:unknown"
}

// PluginHostKeyFunc returns a KeyFunc that keys on the plugin and a fixed host.
func PluginHostKeyFunc(host string) KeyFunc {
	return func(ctx context.Context) string {
		return PluginKeyFunc(ctx) + ":" + host
	}
}

// GetKeyFunc returns the key function registered under name.
func GetKeyFunc(name string) KeyFunc {
	switch name {
	case "plugin":
		return PluginKeyFunc
	default:
		return func(ctx context.Context) string { return "default" }
	}
}
