package charon

import (
	"context"
	"time"
)

// Cache holds opaque values with an optional expiry. A ttl of zero means no expiry.
type Cache interface {
	// Get returns the stored value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Forget removes keys. Missing keys are not an error.
	Forget(ctx context.Context, keys ...string) error
}

// Counters is the single place counter state is mutated. Every method operates on one
// key atomically; callers never read-then-write.
type Counters interface {
	// Count returns the counter value, or 0 when absent or expired.
	Count(ctx context.Context, key string) (int64, error)

	// IncrementBy adds delta and returns the new value. The ttl is applied when the
	// counter is created and is not extended by later increments.
	IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// IncrementWithCeiling adds one only if the current value is below ceiling.
	// It returns the resulting value and whether the increment happened.
	// A ceiling <= 0 means unlimited.
	IncrementWithCeiling(ctx context.Context, key string, ceiling int64, ttl time.Duration) (int64, bool, error)

	// Max raises the counter to value if value is larger and returns the result.
	Max(ctx context.Context, key string, value int64, ttl time.Duration) (int64, error)

	// Forget removes keys. Missing keys are not an error.
	Forget(ctx context.Context, keys ...string) error
}

// Store is the cache/counter backend consumed by the governance core.
type Store interface {
	Cache
	Counters
}
