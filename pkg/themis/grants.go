package themis

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

func cloneGrant(g domain.Grant) domain.Grant {
	if g.Constraints != nil {
		g.Constraints = maps.Clone(g.Constraints)
	}
	if g.RevokedAt != nil {
		t := *g.RevokedAt
		g.RevokedAt = &t
	}
	return g
}

func sortGrants(grants []domain.Grant) {
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].Scope != grants[j].Scope {
			return grants[i].Scope < grants[j].Scope
		}
		return grants[i].Resource < grants[j].Resource
	})
}

type requestScopeKey struct{}

// requestScope memoizes grant sets for the lifetime of one logical operation.
type requestScope struct {
	mu     sync.Mutex
	grants map[domain.PluginID][]domain.Grant
}

// WithRequestScope installs a per-request grant memo in ctx. Grant set lookups made with the
// returned context hit the shared cache at most once per plugin; grants and revokes issued
// through the same context clear the memo for that plugin.
func WithRequestScope(ctx context.Context) context.Context {
	if scopeFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, requestScopeKey{}, &requestScope{
		grants: make(map[domain.PluginID][]domain.Grant),
	})
}

func scopeFrom(ctx context.Context) *requestScope {
	rs, _ := ctx.Value(requestScopeKey{}).(*requestScope)
	return rs
}

func (rs *requestScope) get(plugin domain.PluginID) ([]domain.Grant, bool) {
	if rs == nil {
		return nil, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	g, ok := rs.grants[plugin]
	return g, ok
}

func (rs *requestScope) put(plugin domain.PluginID, grants []domain.Grant) {
	if rs == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.grants[plugin] = grants
}

func (rs *requestScope) forget(plugin domain.PluginID) {
	if rs == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.grants, plugin)
}
