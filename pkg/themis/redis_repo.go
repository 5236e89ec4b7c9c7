package themis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

const maxTxRetries = 5

// RedisRepo is a Redis-backed implementation of the Repository interface.
// Active grants of a plugin live in one hash; revoked grants are appended to a history list.
type RedisRepo struct {
	client *redis.Client
}

// NewRedisRepo creates a new Redis-backed grant repository.
func NewRedisRepo(addr string, db int, password string) (*RedisRepo, error) {
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

	return &RedisRepo{client: client}, nil
}

// NewRedisRepoFromClient shares an existing client.
func NewRedisRepoFromClient(client *redis.Client) *RedisRepo {
	return &RedisRepo{client: client}
}

func activeKey(plugin domain.PluginID) string {
	return fmt.Sprintf("themis:grants:%s", plugin)
}

func historyKey(plugin domain.PluginID) string {
	return fmt.Sprintf("themis:grants:%s:history", plugin)
}

func grantField(scope, resource string) string {
	return scope + "|" + domain.NormalizeResource(resource)
}

// ActiveGrants returns the plugin's active grants.
func (r *RedisRepo) ActiveGrants(ctx context.Context, plugin domain.PluginID) ([]domain.Grant, error) {
	vals, err := r.client.HGetAll(ctx, activeKey(plugin)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}

	out := make([]domain.Grant, 0, len(vals))
	for field, val := range vals {
		var g domain.Grant
		if err := json.Unmarshal([]byte(val), &g); err != nil {
			return nil, fmt.Errorf("failed to unmarshal grant %s: %w", field, err)
		}
		out = append(out, g)
	}
	sortGrants(out)
	return out, nil
}

// UpsertGrants writes the batch in one MULTI/EXEC guarded by WATCH on every touched hash.
func (r *RedisRepo) UpsertGrants(ctx context.Context, grants []domain.Grant) ([]domain.Grant, error) {
	if len(grants) == 0 {
		return nil, nil
	}

	keySet := make(map[string]struct{})
	var keys []string
	for _, g := range grants {
		k := activeKey(g.PluginID)
		if _, ok := keySet[k]; !ok {
			keySet[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	var stored []domain.Grant
	txf := func(tx *redis.Tx) error {
		stored = stored[:0]
		encoded := make(map[string][]any)

		for _, g := range grants {
			g = cloneGrant(g)
			g.Resource = domain.NormalizeResource(g.Resource)
			g.IsGranted = true
			g.RevokedAt = nil

			hash := activeKey(g.PluginID)
			field := grantField(g.Scope, g.Resource)

			existing, err := tx.HGet(ctx, hash, field).Result()
			switch {
			case err == nil:
				var prev domain.Grant
				if err := json.Unmarshal([]byte(existing), &prev); err != nil {
					return err
				}
				g.ID = prev.ID
			case errors.Is(err, redis.Nil):
				if g.ID == "" {
					g.ID = uuid.New().String()
				}
			default:
				return err
			}

			data, err := json.Marshal(g)
			if err != nil {
				return err
			}
			encoded[hash] = append(encoded[hash], field, data)
			stored = append(stored, g)
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for hash, values := range encoded {
				pipe.HSet(ctx, hash, values...)
			}
			return nil
		})
		return err
	}

	if err := r.watchRetry(ctx, txf, keys...); err != nil {
		return nil, fmt.Errorf("failed to upsert grants: %w", err)
	}
	return stored, nil
}

// Revoke moves the active grant for key into the history list.
func (r *RedisRepo) Revoke(ctx context.Context, key domain.GrantKey, at time.Time) (bool, error) {
	hash := activeKey(key.PluginID)
	field := grantField(key.Scope, key.Resource)
	revoked := false

	txf := func(tx *redis.Tx) error {
		revoked = false
		val, err := tx.HGet(ctx, hash, field).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}

		data, err := retiredGrant(val, at)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, hash, field)
			pipe.RPush(ctx, historyKey(key.PluginID), data)
			return nil
		})
		if err == nil {
			revoked = true
		}
		return err
	}

	if err := r.watchRetry(ctx, txf, hash); err != nil {
		return false, fmt.Errorf("failed to revoke grant: %w", err)
	}
	return revoked, nil
}

// RevokeAll moves every active grant of plugin into the history list.
func (r *RedisRepo) RevokeAll(ctx context.Context, plugin domain.PluginID, at time.Time) (int, error) {
	hash := activeKey(plugin)
	count := 0

	txf := func(tx *redis.Tx) error {
		count = 0
		vals, err := tx.HGetAll(ctx, hash).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return nil
		}

		history := make([]any, 0, len(vals))
		for _, val := range vals {
			data, err := retiredGrant(val, at)
			if err != nil {
				return err
			}
			history = append(history, data)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, hash)
			pipe.RPush(ctx, historyKey(plugin), history...)
			return nil
		})
		if err == nil {
			count = len(vals)
		}
		return err
	}

	if err := r.watchRetry(ctx, txf, hash); err != nil {
		return 0, fmt.Errorf("failed to revoke grants: %w", err)
	}
	return count, nil
}

// History returns the plugin's revoked grants, oldest first.
func (r *RedisRepo) History(ctx context.Context, plugin domain.PluginID) ([]domain.Grant, error) {
	vals, err := r.client.LRange(ctx, historyKey(plugin), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load grant history: %w", err)
	}
	out := make([]domain.Grant, 0, len(vals))
	for _, val := range vals {
		var g domain.Grant
		if err := json.Unmarshal([]byte(val), &g); err != nil {
			return nil, fmt.Errorf("failed to unmarshal grant history: %w", err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (r *RedisRepo) watchRetry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = r.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("optimistic lock failed: %w", err)
}

func retiredGrant(raw string, at time.Time) ([]byte, error) {
	var g domain.Grant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, err
	}
	revokedAt := at
	g.RevokedAt = &revokedAt
	g.IsGranted = false
	return json.Marshal(g)
}
