package erebus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

const grantColumns = `id, plugin_id, scope, resource, access_level, constraints, granted_at, granted_by, revoked_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (domain.Grant, error) {
	var (
		g           domain.Grant
		plugin      string
		level       int
		constraints sql.NullString
		grantedAt   int64
		revokedAt   sql.NullInt64
	)
	if err := row.Scan(&g.ID, &plugin, &g.Scope, &g.Resource, &level, &constraints, &grantedAt, &g.GrantedBy, &revokedAt); err != nil {
		return g, err
	}
	g.PluginID = domain.PluginID(plugin)
	g.AccessLevel = domain.AccessLevel(level)
	g.GrantedAt = fromMillis(grantedAt)
	g.RevokedAt = fromNullMillis(revokedAt)
	g.IsGranted = g.RevokedAt == nil
	if constraints.Valid && constraints.String != "" {
		if err := json.Unmarshal([]byte(constraints.String), &g.Constraints); err != nil {
			return g, fmt.Errorf("decoding constraints of grant %s: %w", g.ID, err)
		}
	}
	return g, nil
}

func encodeConstraints(c map[string]any) (sql.NullString, error) {
	if len(c) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func (s *Store) queryGrants(ctx context.Context, query string, args ...any) ([]domain.Grant, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ActiveGrants returns the plugin's active grants ordered by scope and resource.
func (s *Store) ActiveGrants(ctx context.Context, plugin domain.PluginID) ([]domain.Grant, error) {
	grants, err := s.queryGrants(ctx,
		`SELECT `+grantColumns+` FROM plugin_permissions WHERE plugin_id = ? AND revoked_at IS NULL ORDER BY scope, resource`,
		string(plugin))
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	return grants, nil
}

// History returns every revoked grant of plugin, oldest revocation first.
func (s *Store) History(ctx context.Context, plugin domain.PluginID) ([]domain.Grant, error) {
	grants, err := s.queryGrants(ctx,
		`SELECT `+grantColumns+` FROM plugin_permissions WHERE plugin_id = ? AND revoked_at IS NOT NULL ORDER BY revoked_at, scope`,
		string(plugin))
	if err != nil {
		return nil, fmt.Errorf("failed to load grant history: %w", err)
	}
	return grants, nil
}

// UpsertGrants stores the batch in one transaction. An active row with the same
// (plugin, scope, resource) is updated in place and keeps its id.
func (s *Store) UpsertGrants(ctx context.Context, grants []domain.Grant) ([]domain.Grant, error) {
	if len(grants) == 0 {
		return nil, nil
	}

	stored := make([]domain.Grant, 0, len(grants))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, g := range grants {
			g.Resource = domain.NormalizeResource(g.Resource)
			g.IsGranted = true
			g.RevokedAt = nil
			if g.GrantedAt.IsZero() {
				g.GrantedAt = time.Now()
			}
			constraints, err := encodeConstraints(g.Constraints)
			if err != nil {
				return fmt.Errorf("encoding constraints: %w", err)
			}

			var existing string
			err = tx.QueryRowContext(ctx,
				s.rebind(`SELECT id FROM plugin_permissions WHERE plugin_id = ? AND scope = ? AND resource = ? AND revoked_at IS NULL`),
				string(g.PluginID), g.Scope, g.Resource).Scan(&existing)

			switch {
			case err == nil:
				g.ID = existing
				_, err = tx.ExecContext(ctx,
					s.rebind(`UPDATE plugin_permissions SET access_level = ?, constraints = ?, granted_at = ?, granted_by = ? WHERE id = ?`),
					int(g.AccessLevel), constraints, toMillis(g.GrantedAt), g.GrantedBy, g.ID)
			case errors.Is(err, sql.ErrNoRows):
				if g.ID == "" {
					g.ID = uuid.New().String()
				}
				_, err = tx.ExecContext(ctx,
					s.rebind(`INSERT INTO plugin_permissions (`+grantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`),
					g.ID, string(g.PluginID), g.Scope, g.Resource, int(g.AccessLevel), constraints, toMillis(g.GrantedAt), g.GrantedBy)
			}
			if err != nil {
				return fmt.Errorf("storing grant %s for %s: %w", g.Scope, g.PluginID, err)
			}
			stored = append(stored, g)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert grants: %w", err)
	}
	return stored, nil
}

// Revoke stamps revoked_at on the active grant for key.
func (s *Store) Revoke(ctx context.Context, key domain.GrantKey, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE plugin_permissions SET revoked_at = ? WHERE plugin_id = ? AND scope = ? AND resource = ? AND revoked_at IS NULL`),
		toMillis(at), string(key.PluginID), key.Scope, domain.NormalizeResource(key.Resource))
	if err != nil {
		return false, fmt.Errorf("failed to revoke grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to revoke grant: %w", err)
	}
	return n > 0, nil
}

// RevokeAll stamps revoked_at on every active grant of plugin.
func (s *Store) RevokeAll(ctx context.Context, plugin domain.PluginID, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE plugin_permissions SET revoked_at = ? WHERE plugin_id = ? AND revoked_at IS NULL`),
		toMillis(at), string(plugin))
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grants: %w", err)
	}
	return int(n), nil
}
