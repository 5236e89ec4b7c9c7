package hades

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

const pluginKeyPrefix = "minos:plugin:"

type RedisRegistry struct {
	client *redis.Client
}

func NewRedisRegistry(addr string, db int, password string) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRegistry{client: client}, nil
}

// NewRedisRegistryFromClient shares an existing client.
func NewRedisRegistryFromClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func pluginKey(id domain.PluginID) string {
	return pluginKeyPrefix + string(id)
}

func (r *RedisRegistry) Get(ctx context.Context, id domain.PluginID) (*PluginRecord, error) {
	val, err := r.client.Get(ctx, pluginKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
		}
		return nil, fmt.Errorf("failed to get plugin: %w", err)
	}

	var rec PluginRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plugin record: %w", err)
	}
	return &rec, nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]PluginRecord, error) {
	var list []PluginRecord
	iter := r.client.Scan(ctx, 0, pluginKeyPrefix+"*", 0).Iterator()

	for iter.Next(ctx) {
		key := iter.Val()
		val, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // deleted during iteration
			}
			return nil, fmt.Errorf("failed to get plugin key %s: %w", key, err)
		}

		var rec PluginRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			continue
		}
		list = append(list, rec)
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan plugins: %w", err)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (r *RedisRegistry) Upsert(ctx context.Context, rec PluginRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("plugin record without id")
	}
	if rec.Status == "" {
		rec.Status = domain.PluginStatusActive
	}
	rec.UpdatedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal plugin record: %w", err)
	}
	if err := r.client.Set(ctx, pluginKey(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store plugin record: %w", err)
	}
	return nil
}

func (r *RedisRegistry) SetStatus(ctx context.Context, id domain.PluginID, status domain.PluginStatus, reason string) error {
	key := pluginKey(id)

	// Optimistic read-modify-write so a concurrent Upsert is never clobbered.
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
			}
			return err
		}

		var rec PluginRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		rec.Status = status
		rec.StatusReason = reason
		rec.UpdatedAt = time.Now()

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}, key)

	if err != nil {
		return fmt.Errorf("failed to set plugin status: %w", err)
	}

	return nil
}
