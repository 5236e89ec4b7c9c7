package cerberus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/hermes/audit"
	"github.com/tartarus-sandbox/minos/pkg/themis"
)

// PermissionChecker answers grant lookups. *themis.Registry implements it.
type PermissionChecker interface {
	Check(ctx context.Context, plugin domain.PluginID, scope, resource string, level domain.AccessLevel) (bool, error)
}

// Validator authorizes the plugin executing in a context.
type Validator struct {
	perms   PermissionChecker
	catalog *themis.Catalog
	audit   audit.Sink
	logger  *slog.Logger
}

// NewValidator creates a Validator. sink and logger may be nil.
func NewValidator(perms PermissionChecker, catalog *themis.Catalog, sink audit.Sink, logger *slog.Logger) *Validator {
	if sink == nil {
		sink = audit.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		perms:   perms,
		catalog: catalog,
		audit:   sink,
		logger:  logger,
	}
}

// WithinContext runs fn with plugin as the executing plugin. The caller's context is not
// modified, so attribution reverts on every exit path.
func (v *Validator) WithinContext(ctx context.Context, plugin domain.PluginID, fn func(ctx context.Context) error) error {
	return fn(domain.WithPlugin(ctx, plugin))
}

// CurrentPlugin returns the innermost plugin in ctx or domain.ErrNoPluginContext.
func (v *Validator) CurrentPlugin(ctx context.Context) (domain.PluginID, error) {
	plugin, ok := domain.PluginFromContext(ctx)
	if !ok {
		return "", domain.ErrNoPluginContext
	}
	return plugin, nil
}

// CanAccess reports whether the plugin in ctx holds scope on resource at read level.
func (v *Validator) CanAccess(ctx context.Context, scope, resource string) (bool, error) {
	return v.CanAccessAt(ctx, scope, resource, domain.AccessRead)
}

// CanAccessAt is CanAccess with an explicit access level.
func (v *Validator) CanAccessAt(ctx context.Context, scope, resource string, level domain.AccessLevel) (bool, error) {
	plugin, err := v.CurrentPlugin(ctx)
	if err != nil {
		return false, err
	}
	return v.perms.Check(ctx, plugin, scope, resource, level)
}

// AssertCanAccess returns a *ScopeAccessDeniedError when the plugin in ctx lacks scope.
func (v *Validator) AssertCanAccess(ctx context.Context, scope, resource string) error {
	return v.AssertCanAccessAt(ctx, scope, resource, domain.AccessRead)
}

// AssertCanAccessAt is AssertCanAccess with an explicit access level. Unknown scopes are
// integration bugs and return themis.ErrUnknownScope rather than a denial.
func (v *Validator) AssertCanAccessAt(ctx context.Context, scope, resource string, level domain.AccessLevel) error {
	plugin, err := v.CurrentPlugin(ctx)
	if err != nil {
		return err
	}
	if _, ok := v.catalog.Parse(scope); !ok {
		return fmt.Errorf("%w: %s", themis.ErrUnknownScope, scope)
	}

	ok, err := v.perms.Check(ctx, plugin, scope, resource, level)
	if err != nil {
		return fmt.Errorf("permission check for %s failed: %w", scope, err)
	}
	if ok {
		return nil
	}

	denied := &ScopeAccessDeniedError{
		Plugin:   plugin,
		Scope:    scope,
		Resource: domain.NormalizeResource(resource),
		Level:    level,
	}
	v.logger.WarnContext(ctx, "scope access denied",
		"plugin", plugin,
		"scope", scope,
		"resource", denied.Resource,
		"level", level.String())

	fields := map[string]any{
		"scope":        scope,
		"resource":     denied.Resource,
		"access_level": level.String(),
	}
	if stack := domain.PluginStack(ctx); len(stack) > 1 {
		fields["plugin_stack"] = stack
	}
	audit.Emit(ctx, v.audit, v.logger, &audit.Event{
		PluginSlug: string(plugin),
		Type:       audit.TypeAccessDenied,
		Message:    denied.Error(),
		Severity:   audit.SeverityWarning,
		Context:    fields,
	})
	return denied
}

// MinimizeScopes returns the smallest subset of requested whose implication closures cover
// every requested scope. Broader scopes are chosen first. Unknown scopes cannot be implied and
// are kept, after the known ones, in request order.
func (v *Validator) MinimizeScopes(requested []string) []string {
	var (
		known   []themis.Scope
		unknown []string
		seen    = make(map[string]bool)
	)
	for _, raw := range requested {
		s, ok := v.catalog.Parse(raw)
		if !ok {
			raw = strings.TrimSpace(raw)
			if raw != "" && !seen[raw] {
				seen[raw] = true
				unknown = append(unknown, raw)
			}
			continue
		}
		if !seen[s.ID] {
			seen[s.ID] = true
			known = append(known, s)
		}
	}

	sort.SliceStable(known, func(i, j int) bool {
		return v.catalog.ClosureSize(known[i].ID) > v.catalog.ClosureSize(known[j].ID)
	})

	covered := make(map[string]bool)
	out := make([]string, 0, len(known)+len(unknown))
	for _, s := range known {
		if covered[s.ID] {
			continue
		}
		out = append(out, s.ID)
		covered[s.ID] = true
		for _, implied := range v.catalog.Implies(s.ID) {
			covered[implied.ID] = true
		}
	}
	return append(out, unknown...)
}

// ConsentBuckets groups scopes for a consent prompt.
type ConsentBuckets struct {
	Safe      []string `json:"safe"`
	Caution   []string `json:"caution"`
	Dangerous []string `json:"dangerous"`
}

// CategorizeScopesForConsent buckets by risk: 1-2 safe, 3-4 caution, 5 and unknown dangerous.
func (v *Validator) CategorizeScopesForConsent(requested []string) ConsentBuckets {
	var out ConsentBuckets
	seen := make(map[string]bool)
	for _, raw := range requested {
		id := strings.TrimSpace(raw)
		if s, ok := v.catalog.Parse(raw); ok {
			id = s.ID
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		switch risk := v.catalog.RiskLevel(id); {
		case risk <= 2:
			out.Safe = append(out.Safe, id)
		case risk <= 4:
			out.Caution = append(out.Caution, id)
		default:
			out.Dangerous = append(out.Dangerous, id)
		}
	}
	return out
}
