package themis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tartarus-sandbox/minos/pkg/charon"
	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/hermes"
	"github.com/tartarus-sandbox/minos/pkg/hermes/audit"
)

// DefaultCacheTTL bounds how long a plugin's grant set is served from the shared cache.
const DefaultCacheTTL = 300 * time.Second

// GrantRequest describes one grant.
type GrantRequest struct {
	Plugin      domain.PluginID
	Scope       string
	Resource    string
	AccessLevel domain.AccessLevel
	Constraints map[string]any
	GrantedBy   string
}

// Registry grants, revokes and checks plugin scopes.
type Registry struct {
	catalog  *Catalog
	repo     Repository
	cache    *charon.GenerationCache
	cacheTTL time.Duration
	audit    audit.Sink
	metrics  hermes.Metrics
	logger   *slog.Logger
	now      func() time.Time

	loads singleflight.Group
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithCacheTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.cacheTTL = ttl }
}

func WithAuditSink(sink audit.Sink) RegistryOption {
	return func(r *Registry) { r.audit = sink }
}

func WithMetrics(m hermes.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a permission registry. cache may be nil to always read the repository.
// Cached grant sets carry the plugin's invalidation generation from cache, so replicas
// sharing one store never serve a set loaded before another replica's change.
func NewRegistry(catalog *Catalog, repo Repository, cache charon.Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		catalog:  catalog,
		repo:     repo,
		cacheTTL: DefaultCacheTTL,
		audit:    audit.Discard,
		metrics:  hermes.NewNoopMetrics(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	if cache != nil {
		r.cache = charon.NewGenerationCache(cache)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Catalog returns the scope catalog the registry checks against.
func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

func cacheKey(plugin domain.PluginID) string {
	return fmt.Sprintf("minos:perm:%s", plugin)
}

// Grant upserts a grant and invalidates the plugin's cached grant set before returning.
func (r *Registry) Grant(ctx context.Context, req GrantRequest) (*domain.Grant, error) {
	g, err := r.newGrant(req)
	if err != nil {
		return nil, err
	}

	stored, err := r.repo.UpsertGrants(ctx, []domain.Grant{g})
	if err != nil {
		return nil, fmt.Errorf("failed to store grant: %w", err)
	}
	if err := r.invalidate(ctx, req.Plugin); err != nil {
		return nil, err
	}

	granted := stored[0]
	r.auditGrant(ctx, granted, "")
	return &granted, nil
}

func (r *Registry) newGrant(req GrantRequest) (domain.Grant, error) {
	if req.Plugin == "" {
		return domain.Grant{}, fmt.Errorf("grant without plugin")
	}
	scope, ok := r.catalog.Parse(req.Scope)
	if !ok {
		return domain.Grant{}, fmt.Errorf("%w: %s", ErrUnknownScope, req.Scope)
	}
	level := req.AccessLevel
	if level == domain.AccessNone {
		level = domain.AccessRead
	}
	return domain.Grant{
		PluginID:    req.Plugin,
		Scope:       scope.ID,
		Resource:    domain.NormalizeResource(req.Resource),
		AccessLevel: level,
		Constraints: req.Constraints,
		GrantedAt:   r.now(),
		GrantedBy:   req.GrantedBy,
		IsGranted:   true,
	}, nil
}

func (r *Registry) auditGrant(ctx context.Context, g domain.Grant, source string) {
	fields := map[string]any{
		"scope":        g.Scope,
		"resource":     g.Resource,
		"access_level": g.AccessLevel.String(),
	}
	if source != "" {
		fields["source"] = source
	}
	audit.Emit(ctx, r.audit, r.logger, &audit.Event{
		PluginSlug: string(g.PluginID),
		Type:       audit.TypePermissionGranted,
		Message:    fmt.Sprintf("granted %s to %s", g.Scope, g.PluginID),
		Severity:   audit.SeverityInfo,
		Actor:      g.GrantedBy,
		Context:    fields,
	})
}

// Revoke soft-revokes one grant. It returns false when no matching active grant existed.
func (r *Registry) Revoke(ctx context.Context, plugin domain.PluginID, scope, resource string) (bool, error) {
	s, ok := r.catalog.Parse(scope)
	if !ok {
		return false, nil
	}
	key := domain.GrantKey{PluginID: plugin, Scope: s.ID, Resource: domain.NormalizeResource(resource)}

	revoked, err := r.repo.Revoke(ctx, key, r.now())
	if err != nil {
		return false, fmt.Errorf("failed to revoke grant: %w", err)
	}
	if !revoked {
		return false, nil
	}
	if err := r.invalidate(ctx, plugin); err != nil {
		return true, err
	}

	audit.Emit(ctx, r.audit, r.logger, &audit.Event{
		PluginSlug: string(plugin),
		Type:       audit.TypePermissionRevoked,
		Message:    fmt.Sprintf("revoked %s from %s", s.ID, plugin),
		Severity:   audit.SeverityInfo,
		Context:    map[string]any{"scope": s.ID, "resource": key.Resource},
	})
	return true, nil
}

// RevokeAll soft-revokes every active grant of plugin and returns how many there were.
func (r *Registry) RevokeAll(ctx context.Context, plugin domain.PluginID) (int, error) {
	n, err := r.repo.RevokeAll(ctx, plugin, r.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grants: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := r.invalidate(ctx, plugin); err != nil {
		return n, err
	}

	audit.Emit(ctx, r.audit, r.logger, &audit.Event{
		PluginSlug: string(plugin),
		Type:       audit.TypePermissionsRevoked,
		Message:    fmt.Sprintf("revoked %d grants from %s", n, plugin),
		Severity:   audit.SeverityWarning,
		Context:    map[string]any{"count": n},
	})
	return n, nil
}

// Grants returns the plugin's active grants straight from the repository.
func (r *Registry) Grants(ctx context.Context, plugin domain.PluginID) ([]domain.Grant, error) {
	return r.repo.ActiveGrants(ctx, plugin)
}

// HasPermission is Check with errors treated as a denial.
func (r *Registry) HasPermission(ctx context.Context, plugin domain.PluginID, scope, resource string, level domain.AccessLevel) bool {
	ok, err := r.Check(ctx, plugin, scope, resource, level)
	if err != nil {
		r.logger.ErrorContext(ctx, "permission check failed, denying",
			"plugin", plugin,
			"scope", scope,
			"error", err)
		return false
	}
	return ok
}

// Check reports whether plugin holds scope on resource at level or above, directly or through
// a broader granted scope. Unknown scopes are denied. A storage failure returns an error and
// must be treated as a denial.
func (r *Registry) Check(ctx context.Context, plugin domain.PluginID, scope, resource string, level domain.AccessLevel) (bool, error) {
	requested, ok := r.catalog.Parse(scope)
	if !ok {
		r.logger.WarnContext(ctx, "permission check for unknown scope", "plugin", plugin, "scope", scope)
		r.countCheck("unknown_scope")
		return false, nil
	}

	grants, err := r.grantSet(ctx, plugin)
	if err != nil {
		r.countCheck("error")
		return false, err
	}

	resource = domain.NormalizeResource(resource)
	if r.decide(grants, requested.ID, resource, level) {
		r.countCheck("allowed")
		return true, nil
	}
	r.countCheck("denied")
	return false, nil
}

func (r *Registry) decide(grants []domain.Grant, scope, resource string, level domain.AccessLevel) bool {
	// Direct grants first, then anything whose implication closure reaches scope.
	for i := range grants {
		g := &grants[i]
		if g.Scope == scope && g.Active() && g.CoversResource(resource) && g.AccessLevel.Satisfies(level) {
			return true
		}
	}
	for i := range grants {
		g := &grants[i]
		if g.Scope != scope && g.Active() && g.CoversResource(resource) &&
			g.AccessLevel.Satisfies(level) && r.catalog.ImpliesScope(g.Scope, scope) {
			return true
		}
	}
	return false
}

func (r *Registry) countCheck(result string) {
	r.metrics.IncCounter(hermes.MetricPermissionChecks, 1, hermes.Label{Key: "result", Value: result})
}

// grantSet loads the plugin's active grants: request memo, then shared cache, then repository.
func (r *Registry) grantSet(ctx context.Context, plugin domain.PluginID) ([]domain.Grant, error) {
	memo := scopeFrom(ctx)
	if grants, ok := memo.get(plugin); ok {
		return grants, nil
	}

	if grants, ok := r.cached(ctx, plugin); ok {
		memo.put(plugin, grants)
		return grants, nil
	}

	v, err, _ := r.loads.Do(string(plugin), func() (any, error) {
		gen, genErr := r.generation(ctx, plugin)
		grants, err := r.repo.ActiveGrants(context.WithoutCancel(ctx), plugin)
		if err != nil {
			return nil, err
		}
		if genErr == nil {
			r.store(ctx, plugin, grants, gen)
		}
		return grants, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load grants for %s: %w", plugin, err)
	}

	grants := v.([]domain.Grant)
	memo.put(plugin, grants)
	return grants, nil
}

func (r *Registry) cached(ctx context.Context, plugin domain.PluginID) ([]domain.Grant, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, ok, err := r.cache.Get(ctx, cacheKey(plugin))
	if err != nil {
		r.logger.WarnContext(ctx, "permission cache read failed", "plugin", plugin, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var grants []domain.Grant
	if err := json.Unmarshal(raw, &grants); err != nil {
		r.logger.WarnContext(ctx, "permission cache entry corrupt", "plugin", plugin, "error", err)
		return nil, false
	}
	return grants, true
}

// generation reads the plugin's invalidation generation. Without it nothing is cached.
func (r *Registry) generation(ctx context.Context, plugin domain.PluginID) (int64, error) {
	if r.cache == nil {
		return 0, nil
	}
	gen, err := r.cache.Generation(ctx, cacheKey(plugin))
	if err != nil {
		r.logger.WarnContext(ctx, "permission cache generation unavailable", "plugin", plugin, "error", err)
	}
	return gen, err
}

func (r *Registry) store(ctx context.Context, plugin domain.PluginID, grants []domain.Grant, gen int64) {
	if r.cache == nil || r.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(grants)
	if err != nil {
		return
	}
	if err := r.cache.Put(ctx, cacheKey(plugin), data, gen, r.cacheTTL); err != nil {
		r.logger.WarnContext(ctx, "permission cache write failed", "plugin", plugin, "error", err)
	}
}

// invalidate drops every cached view of plugin's grants. A failed cache delete is returned
// to the caller: the change is stored but may be served stale until the TTL expires.
func (r *Registry) invalidate(ctx context.Context, plugin domain.PluginID) error {
	r.loads.Forget(string(plugin))
	scopeFrom(ctx).forget(plugin)

	if r.cache == nil {
		return nil
	}
	if err := r.cache.Invalidate(ctx, cacheKey(plugin)); err != nil {
		r.logger.ErrorContext(ctx, "permission cache invalidation failed", "plugin", plugin, "error", err)
		return fmt.Errorf("grant stored but cache invalidation failed for %s: %w", plugin, err)
	}
	return nil
}
