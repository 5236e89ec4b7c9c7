package erebus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

const keyColumns = `key_id, secret_hash, plugin_id, name, scopes, allowed_ips, allowed_domains,
rate_limit_per_minute, rate_limit_per_hour, rate_limit_per_day, expires_at, is_active, revoked_at,
created_at, total_requests, last_used_at, last_used_ip`

func encodeList(list []string) (sql.NullString, error) {
	if list == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeList(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func scanKey(row rowScanner) (*domain.APIKey, error) {
	var (
		k                          domain.APIKey
		keyID, plugin              string
		scopes, ips, domains       sql.NullString
		expiresAt, revokedAt, used sql.NullInt64
		createdAt                  int64
	)
	err := row.Scan(&keyID, &k.SecretHash, &plugin, &k.Name, &scopes, &ips, &domains,
		&k.RateLimitPerMinute, &k.RateLimitPerHour, &k.RateLimitPerDay, &expiresAt, &k.IsActive, &revokedAt,
		&createdAt, &k.TotalRequests, &used, &k.LastUsedIP)
	if err != nil {
		return nil, err
	}
	k.KeyID = domain.KeyID(keyID)
	k.PluginSlug = domain.PluginID(plugin)
	k.ExpiresAt = fromNullMillis(expiresAt)
	k.RevokedAt = fromNullMillis(revokedAt)
	k.LastUsedAt = fromNullMillis(used)
	k.CreatedAt = fromMillis(createdAt)

	if k.Scopes, err = decodeList(scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes of key %s: %w", keyID, err)
	}
	if k.AllowedIPs, err = decodeList(ips); err != nil {
		return nil, fmt.Errorf("decoding allowed ips of key %s: %w", keyID, err)
	}
	if k.AllowedDomains, err = decodeList(domains); err != nil {
		return nil, fmt.Errorf("decoding allowed domains of key %s: %w", keyID, err)
	}
	return &k, nil
}

// CreateKey inserts a new key row. Only the secret hash is stored.
func (s *Store) CreateKey(ctx context.Context, k *domain.APIKey) error {
	scopes, err := encodeList(k.Scopes)
	if err != nil {
		return err
	}
	if !scopes.Valid {
		scopes = sql.NullString{String: "[]", Valid: true}
	}
	ips, err := encodeList(k.AllowedIPs)
	if err != nil {
		return err
	}
	domains, err := encodeList(k.AllowedDomains)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO plugin_api_keys (`+keyColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(k.KeyID), k.SecretHash, string(k.PluginSlug), k.Name, scopes, ips, domains,
		k.RateLimitPerMinute, k.RateLimitPerHour, k.RateLimitPerDay, nullMillis(k.ExpiresAt), k.IsActive,
		nullMillis(k.RevokedAt), toMillis(k.CreatedAt), k.TotalRequests, nullMillis(k.LastUsedAt), k.LastUsedIP)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetKey returns the key row or domain.ErrNotFound.
func (s *Store) GetKey(ctx context.Context, id domain.KeyID) (*domain.APIKey, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+keyColumns+` FROM plugin_api_keys WHERE key_id = ?`), string(id))
	k, err := scanKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load api key: %w", err)
	}
	return k, nil
}

// ListKeys returns every key of plugin, revoked ones included, newest first.
func (s *Store) ListKeys(ctx context.Context, plugin domain.PluginID) ([]domain.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+keyColumns+` FROM plugin_api_keys WHERE plugin_id = ? ORDER BY created_at DESC, key_id`),
		string(plugin))
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []domain.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

// UpdateSecret replaces the stored hash of id.
func (s *Store) UpdateSecret(ctx context.Context, id domain.KeyID, secretHash string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE plugin_api_keys SET secret_hash = ? WHERE key_id = ?`), secretHash, string(id))
	if err != nil {
		return fmt.Errorf("failed to rotate api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RevokeKey deactivates id and reports whether it was still active.
func (s *Store) RevokeKey(ctx context.Context, id domain.KeyID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE plugin_api_keys SET is_active = ?, revoked_at = ? WHERE key_id = ? AND revoked_at IS NULL`),
		false, toMillis(at), string(id))
	if err != nil {
		return false, fmt.Errorf("failed to revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to revoke api key: %w", err)
	}
	return n > 0, nil
}

// RevokeAllForPlugin deactivates every live key of plugin and returns their ids.
func (s *Store) RevokeAllForPlugin(ctx context.Context, plugin domain.PluginID, at time.Time) ([]domain.KeyID, error) {
	var ids []domain.KeyID
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			s.rebind(`SELECT key_id FROM plugin_api_keys WHERE plugin_id = ? AND revoked_at IS NULL ORDER BY key_id`),
			string(plugin))
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, domain.KeyID(id))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			s.rebind(`UPDATE plugin_api_keys SET is_active = ?, revoked_at = ? WHERE plugin_id = ? AND revoked_at IS NULL`),
			false, toMillis(at), string(plugin))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to revoke api keys: %w", err)
	}
	return ids, nil
}

// RecordUsage bumps the request counter and last-use fields.
func (s *Store) RecordUsage(ctx context.Context, id domain.KeyID, ip string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE plugin_api_keys SET total_requests = total_requests + 1, last_used_at = ?, last_used_ip = ? WHERE key_id = ?`),
		toMillis(at), ip, string(id))
	if err != nil {
		return fmt.Errorf("failed to record api key usage: %w", err)
	}
	return nil
}
