package charon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GenerationCache tags cached values with a per-key invalidation counter held in the
// shared store. A value loaded before an invalidation is never served after it, even when
// its write reaches the store later or comes from another replica.
type GenerationCache struct {
	store Store
}

func NewGenerationCache(store Store) *GenerationCache {
	return &GenerationCache{store: store}
}

type generationEntry struct {
	Gen   int64           `json:"gen"`
	Value json.RawMessage `json:"value"`
}

func generationKey(key string) string {
	return key + ":gen"
}

// Generation returns the current generation of key. Read it before loading the value from
// its source of truth and hand it to Put.
func (c *GenerationCache) Generation(ctx context.Context, key string) (int64, error) {
	return c.store.Count(ctx, generationKey(key))
}

// Get returns the value stored under key if it belongs to the current generation.
func (c *GenerationCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var e generationEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	gen, err := c.Generation(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if e.Gen != gen {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// Put stores value, which must be JSON, as loaded under gen. Nothing is written when key
// was invalidated after gen was read.
func (c *GenerationCache) Put(ctx context.Context, key string, value []byte, gen int64, ttl time.Duration) error {
	current, err := c.Generation(ctx, key)
	if err != nil {
		return err
	}
	if current != gen {
		return nil
	}
	data, err := json.Marshal(generationEntry{Gen: gen, Value: value})
	if err != nil {
		return err
	}
	return c.store.Put(ctx, key, data, ttl)
}

// Invalidate bumps the generation of every key, then drops the cached values.
func (c *GenerationCache) Invalidate(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		if _, err := c.store.IncrementBy(ctx, generationKey(key), 1, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.store.Forget(ctx, keys...); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
