package themis

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

// MemoryRepo is an in-memory implementation of the Repository interface.
// Revoked grants are kept in history, never deleted.
type MemoryRepo struct {
	mu      sync.RWMutex
	active  map[domain.GrantKey]domain.Grant
	history []domain.Grant
}

// NewMemoryRepo creates a new in-memory grant repository.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		active: make(map[domain.GrantKey]domain.Grant),
	}
}

// ActiveGrants returns the plugin's active grants.
func (r *MemoryRepo) ActiveGrants(ctx context.Context, plugin domain.PluginID) ([]domain.Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Grant
	for key, g := range r.active {
		if key.PluginID == plugin {
			out = append(out, cloneGrant(g))
		}
	}
	sortGrants(out)
	return out, nil
}

// UpsertGrants stores the batch under one lock.
func (r *MemoryRepo) UpsertGrants(ctx context.Context, grants []domain.Grant) ([]domain.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := make([]domain.Grant, 0, len(grants))
	for _, g := range grants {
		g = cloneGrant(g)
		g.Resource = domain.NormalizeResource(g.Resource)
		g.IsGranted = true
		g.RevokedAt = nil

		key := g.Key()
		if existing, ok := r.active[key]; ok {
			g.ID = existing.ID
		} else if g.ID == "" {
			g.ID = uuid.New().String()
		}
		r.active[key] = g
		stored = append(stored, cloneGrant(g))
	}
	return stored, nil
}

// Revoke moves the active grant for key into history.
func (r *MemoryRepo) Revoke(ctx context.Context, key domain.GrantKey, at time.Time) (bool, error) {
	key.Resource = domain.NormalizeResource(key.Resource)

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.active[key]
	if !ok {
		return false, nil
	}
	r.retire(key, g, at)
	return true, nil
}

// RevokeAll moves every active grant of plugin into history.
func (r *MemoryRepo) RevokeAll(ctx context.Context, plugin domain.PluginID, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, g := range r.active {
		if key.PluginID == plugin {
			r.retire(key, g, at)
			n++
		}
	}
	return n, nil
}

// History returns every revoked grant of plugin.
func (r *MemoryRepo) History(plugin domain.PluginID) []domain.Grant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Grant
	for _, g := range r.history {
		if g.PluginID == plugin {
			out = append(out, cloneGrant(g))
		}
	}
	return out
}

// retire soft-revokes g. Caller holds mu.
func (r *MemoryRepo) retire(key domain.GrantKey, g domain.Grant, at time.Time) {
	revokedAt := at
	g.RevokedAt = &revokedAt
	g.IsGranted = false
	delete(r.active, key)
	r.history = append(r.history, g)
}
