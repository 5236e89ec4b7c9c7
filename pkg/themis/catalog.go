package themis

import (
	"fmt"
	"sort"
	"strings"
)

// MaxRiskLevel is the risk assigned to anything the catalog does not recognise.
const MaxRiskLevel = 5

// Scope is one capability a plugin may be granted.
type Scope struct {
	ID               string   `json:"id"`
	Category         string   `json:"category"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	RiskLevel        int      `json:"risk_level"`
	RequiresApproval bool     `json:"requires_approval"`
	Implies          []string `json:"implies,omitempty"`
}

// Dangerous reports whether the scope needs extra scrutiny before it is handed out.
func (s Scope) Dangerous() bool {
	return s.RiskLevel >= 4 || s.RequiresApproval
}

// Catalog is the immutable scope table. Implication closures are computed once at construction.
type Catalog struct {
	order        []string
	scopes       map[string]Scope
	closure      map[string]map[string]struct{}
	categoryRoot map[string]string
}

// NewCatalog builds a catalog. Every implied scope must itself be in the table.
// Cycles are tolerated; closure expansion tracks visited scopes.
func NewCatalog(scopes []Scope) (*Catalog, error) {
	c := &Catalog{
		scopes:       make(map[string]Scope, len(scopes)),
		closure:      make(map[string]map[string]struct{}, len(scopes)),
		categoryRoot: make(map[string]string),
	}

	for _, s := range scopes {
		s.ID = strings.ToLower(strings.TrimSpace(s.ID))
		category, name, ok := strings.Cut(s.ID, ":")
		if !ok || category == "" || name == "" {
			return nil, fmt.Errorf("scope %q is not of the form category:name", s.ID)
		}
		if _, dup := c.scopes[s.ID]; dup {
			return nil, fmt.Errorf("duplicate scope %q", s.ID)
		}
		if s.RiskLevel < 1 || s.RiskLevel > MaxRiskLevel {
			return nil, fmt.Errorf("scope %q risk level %d outside 1..%d", s.ID, s.RiskLevel, MaxRiskLevel)
		}
		if s.Category == "" {
			s.Category = category
		}
		s.Implies = append([]string(nil), s.Implies...)
		c.scopes[s.ID] = s
		c.order = append(c.order, s.ID)
	}

	for _, s := range c.scopes {
		for _, implied := range s.Implies {
			if _, ok := c.scopes[implied]; !ok {
				return nil, fmt.Errorf("scope %q implies unknown scope %q", s.ID, implied)
			}
		}
	}

	for _, id := range c.order {
		c.closure[id] = c.expand(id)
	}

	c.computeCategoryRoots()
	return c, nil
}

// MustNewCatalog is NewCatalog for static tables.
func MustNewCatalog(scopes []Scope) *Catalog {
	c, err := NewCatalog(scopes)
	if err != nil {
		panic(err)
	}
	return c
}

// expand walks the implication graph from id, excluding id itself.
func (c *Catalog) expand(id string) map[string]struct{} {
	out := make(map[string]struct{})
	visited := map[string]struct{}{id: {}}
	stack := append([]string(nil), c.scopes[id].Implies...)

	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[next]; seen {
			continue
		}
		visited[next] = struct{}{}
		out[next] = struct{}{}
		stack = append(stack, c.scopes[next].Implies...)
	}
	return out
}

// computeCategoryRoots picks, per category, the scope whose closure covers every other
// scope of that category. Ties go to the lowest risk, then catalog order.
func (c *Catalog) computeCategoryRoots() {
	members := make(map[string][]string)
	for _, id := range c.order {
		cat := c.scopes[id].Category
		members[cat] = append(members[cat], id)
	}

	for cat, ids := range members {
		best := ""
		for _, candidate := range ids {
			covers := true
			for _, other := range ids {
				if other == candidate {
					continue
				}
				if _, ok := c.closure[candidate][other]; !ok {
					covers = false
					break
				}
			}
			if !covers {
				continue
			}
			if best == "" || c.scopes[candidate].RiskLevel < c.scopes[best].RiskLevel {
				best = candidate
			}
		}
		if best != "" {
			c.categoryRoot[cat] = best
		}
	}
}

// Parse resolves a scope string. It accepts "entities:write", enum-style "ENTITIES_WRITE"
// and "entities:*" (the category's root scope). Unknown input returns false.
func (c *Catalog) Parse(s string) (Scope, bool) {
	id := strings.ToLower(strings.TrimSpace(s))
	if id == "" {
		return Scope{}, false
	}
	if !strings.Contains(id, ":") {
		id = strings.Replace(id, "_", ":", 1)
	}

	if category, ok := strings.CutSuffix(id, ":*"); ok {
		root, ok := c.categoryRoot[category]
		if !ok {
			return Scope{}, false
		}
		return c.scopes[root], true
	}

	scope, ok := c.scopes[id]
	return scope, ok
}

// Lookup returns the scope with the exact identifier id.
func (c *Catalog) Lookup(id string) (Scope, bool) {
	scope, ok := c.scopes[id]
	return scope, ok
}

// Implies returns every scope transitively implied by id, in catalog order.
func (c *Catalog) Implies(id string) []Scope {
	closure, ok := c.closure[id]
	if !ok {
		return nil
	}
	out := make([]Scope, 0, len(closure))
	for _, sid := range c.order {
		if _, ok := closure[sid]; ok {
			out = append(out, c.scopes[sid])
		}
	}
	return out
}

// ClosureSize is the number of scopes id implies transitively.
func (c *Catalog) ClosureSize(id string) int {
	return len(c.closure[id])
}

// ImpliesScope reports whether holding granted satisfies a check for requested.
func (c *Catalog) ImpliesScope(granted, requested string) bool {
	if granted == requested {
		_, known := c.scopes[granted]
		return known
	}
	_, ok := c.closure[granted][requested]
	return ok
}

// RiskLevel returns the scope's risk, or MaxRiskLevel for unknown scopes.
func (c *Catalog) RiskLevel(id string) int {
	scope, ok := c.Parse(id)
	if !ok {
		return MaxRiskLevel
	}
	return scope.RiskLevel
}

// DangerousScopes returns scopes with risk >= 4 or requiring approval.
func (c *Catalog) DangerousScopes() []Scope {
	var out []Scope
	for _, id := range c.order {
		if s := c.scopes[id]; s.Dangerous() {
			out = append(out, s)
		}
	}
	return out
}

// Scopes returns every scope in catalog order.
func (c *Catalog) Scopes() []Scope {
	out := make([]Scope, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.scopes[id])
	}
	return out
}

// Categories returns the category names, sorted.
func (c *Catalog) Categories() []string {
	seen := make(map[string]struct{})
	for _, s := range c.scopes {
		seen[s.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

var defaultScopes = []Scope{
	{ID: "entities:read", Name: "Read entities", Description: "Read content entities", RiskLevel: 1},
	{ID: "entities:write", Name: "Write entities", Description: "Create and update content entities", RiskLevel: 2, Implies: []string{"entities:read"}},
	{ID: "entities:delete", Name: "Delete entities", Description: "Delete content entities", RiskLevel: 3, Implies: []string{"entities:write"}},
	{ID: "entities:admin", Name: "Administer entities", Description: "Full control over content entities and their schema", RiskLevel: 4, RequiresApproval: true, Implies: []string{"entities:delete"}},

	{ID: "hooks:subscribe", Name: "Subscribe to hooks", Description: "Receive lifecycle hook notifications", RiskLevel: 1},
	{ID: "hooks:dispatch", Name: "Dispatch hooks", Description: "Fire custom hooks other plugins can observe", RiskLevel: 2, Implies: []string{"hooks:subscribe"}},
	{ID: "hooks:filter", Name: "Filter hooks", Description: "Modify data passing through hook filters", RiskLevel: 3, Implies: []string{"hooks:dispatch"}},

	{ID: "api:read", Name: "Read API", Description: "Call read-only host API endpoints", RiskLevel: 1},
	{ID: "api:write", Name: "Write API", Description: "Call mutating host API endpoints", RiskLevel: 2, Implies: []string{"api:read"}},
	{ID: "api:admin", Name: "Administer API", Description: "Call administrative host API endpoints", RiskLevel: 4, RequiresApproval: true, Implies: []string{"api:write"}},

	{ID: "network:http", Name: "Outbound HTTP", Description: "Make outbound HTTP requests to allowed domains", RiskLevel: 3},
	{ID: "network:unrestricted", Name: "Unrestricted network", Description: "Make outbound requests to any domain", RiskLevel: 5, RequiresApproval: true, Implies: []string{"network:http"}},

	{ID: "storage:read", Name: "Read storage", Description: "Read the plugin's file storage", RiskLevel: 1},
	{ID: "storage:write", Name: "Write storage", Description: "Write to the plugin's file storage", RiskLevel: 2, Implies: []string{"storage:read"}},

	{ID: "users:read", Name: "Read users", Description: "Read user profiles", RiskLevel: 3},
	{ID: "users:write", Name: "Write users", Description: "Modify user accounts", RiskLevel: 4, RequiresApproval: true, Implies: []string{"users:read"}},

	{ID: "settings:read", Name: "Read settings", Description: "Read system settings", RiskLevel: 2},
	{ID: "settings:write", Name: "Write settings", Description: "Modify system settings", RiskLevel: 4, RequiresApproval: true, Implies: []string{"settings:read"}},

	{ID: "system:admin", Name: "System administrator", Description: "Unrestricted access to the host", RiskLevel: 5, RequiresApproval: true, Implies: []string{
		"entities:admin", "api:admin", "users:write", "settings:write", "storage:write", "hooks:dispatch", "hooks:filter",
	}},
}

// DefaultScopes returns a copy of the built-in scope table.
func DefaultScopes() []Scope {
	out := make([]Scope, len(defaultScopes))
	copy(out, defaultScopes)
	return out
}

// DefaultCatalog builds the built-in taxonomy.
func DefaultCatalog() *Catalog {
	return MustNewCatalog(DefaultScopes())
}
