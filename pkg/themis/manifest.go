package themis

import (
	"context"
	"fmt"

	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/plugins"
)

// ManifestEntry is one parsed manifest permission.
type ManifestEntry struct {
	Section     string             `json:"section"`
	Entry       string             `json:"entry"`
	Scope       string             `json:"scope"`
	Resource    string             `json:"resource,omitempty"`
	AccessLevel domain.AccessLevel `json:"access_level"`
	RiskLevel   int                `json:"risk_level"`
}

// ManifestResult reports what GrantFromManifest did.
type ManifestResult struct {
	Granted          []domain.Grant  `json:"granted"`
	RequiresApproval []ManifestEntry `json:"requires_approval"`
	Dangerous        []ManifestEntry `json:"dangerous"`
}

type manifestAction struct {
	scope string
	level domain.AccessLevel
}

// manifestActions maps section -> action -> scope and access level.
var manifestActions = map[string]map[string]manifestAction{
	"entities": {
		"read":   {"entities:read", domain.AccessRead},
		"write":  {"entities:write", domain.AccessWrite},
		"delete": {"entities:delete", domain.AccessDelete},
		"admin":  {"entities:admin", domain.AccessAdmin},
	},
	"hooks": {
		"subscribe": {"hooks:subscribe", domain.AccessRead},
		"dispatch":  {"hooks:dispatch", domain.AccessWrite},
		"filter":    {"hooks:filter", domain.AccessWrite},
	},
	"api": {
		"read":  {"api:read", domain.AccessRead},
		"write": {"api:write", domain.AccessWrite},
		"admin": {"api:admin", domain.AccessAdmin},
	},
	"network": {
		"http":         {"network:http", domain.AccessRead},
		"unrestricted": {"network:unrestricted", domain.AccessRead},
	},
	"storage": {
		"read":  {"storage:read", domain.AccessRead},
		"write": {"storage:write", domain.AccessWrite},
	},
}

// ParseManifestPermissions turns a permission block into entries, merging duplicates by
// keeping the strongest access level. Malformed entries return ErrInvalidManifest.
func (c *Catalog) ParseManifestPermissions(perms plugins.Permissions) ([]ManifestEntry, error) {
	var out []ManifestEntry
	index := make(map[domain.GrantKey]int)

	for _, section := range perms.Sections() {
		actions := manifestActions[section.Name]
		for _, raw := range section.Entries {
			action, resource, err := plugins.SplitEntry(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, section.Name, err)
			}
			a, ok := actions[action]
			if !ok {
				return nil, fmt.Errorf("%w: %s: unknown action %q in %q", ErrInvalidManifest, section.Name, action, raw)
			}
			scope, ok := c.Lookup(a.scope)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownScope, a.scope)
			}

			entry := ManifestEntry{
				Section:     section.Name,
				Entry:       raw,
				Scope:       scope.ID,
				Resource:    resource,
				AccessLevel: a.level,
				RiskLevel:   scope.RiskLevel,
			}
			key := domain.GrantKey{Scope: scope.ID, Resource: resource}
			if i, dup := index[key]; dup {
				if entry.AccessLevel > out[i].AccessLevel {
					out[i] = entry
				}
				continue
			}
			index[key] = len(out)
			out = append(out, entry)
		}
	}
	return out, nil
}

// GrantFromManifest grants every auto-grantable manifest permission in one repository batch.
// Scopes requiring approval are returned, not granted. Dangerous scopes are reported either way.
func (r *Registry) GrantFromManifest(ctx context.Context, plugin domain.PluginID, perms plugins.Permissions, grantedBy string) (*ManifestResult, error) {
	entries, err := r.catalog.ParseManifestPermissions(perms)
	if err != nil {
		return nil, err
	}

	result := &ManifestResult{}
	var batch []domain.Grant
	for _, e := range entries {
		scope, _ := r.catalog.Lookup(e.Scope)
		if scope.Dangerous() {
			result.Dangerous = append(result.Dangerous, e)
		}
		if scope.RequiresApproval {
			result.RequiresApproval = append(result.RequiresApproval, e)
			continue
		}

		g, err := r.newGrant(GrantRequest{
			Plugin:      plugin,
			Scope:       e.Scope,
			Resource:    e.Resource,
			AccessLevel: e.AccessLevel,
			GrantedBy:   grantedBy,
		})
		if err != nil {
			return nil, err
		}
		batch = append(batch, g)
	}

	if len(batch) == 0 {
		return result, nil
	}

	stored, err := r.repo.UpsertGrants(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to store manifest grants: %w", err)
	}
	result.Granted = stored

	if err := r.invalidate(ctx, plugin); err != nil {
		return result, err
	}
	for _, g := range stored {
		r.auditGrant(ctx, g, "manifest")
	}
	return result, nil
}
