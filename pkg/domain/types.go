package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// IDs

type PluginID string
type KeyID string

// Sentinel errors shared by stores.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")

	// ErrNoPluginContext signals an integration bug: an authorization call was made
	// outside of any plugin's execution context.
	ErrNoPluginContext = errors.New("no plugin context set")
)

// Access levels

// AccessLevel is a total order: read < write < delete < admin.
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessWrite
	AccessDelete
	AccessAdmin
)

func (a AccessLevel) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessDelete:
		return "delete"
	case AccessAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Satisfies reports whether a grant at level a covers a request at level required.
func (a AccessLevel) Satisfies(required AccessLevel) bool {
	if required == AccessNone {
		required = AccessRead
	}
	return a >= required
}

// ParseAccessLevel parses "read", "write", "delete" or "admin" (case-insensitive).
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "read":
		return AccessRead, nil
	case "write":
		return AccessWrite, nil
	case "delete":
		return AccessDelete, nil
	case "admin":
		return AccessAdmin, nil
	default:
		return AccessNone, fmt.Errorf("unknown access level %q", s)
	}
}

func (a AccessLevel) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AccessLevel) UnmarshalText(b []byte) error {
	lvl, err := ParseAccessLevel(string(b))
	if err != nil {
		return err
	}
	*a = lvl
	return nil
}

// Grants

// Grant records that a plugin holds a scope, optionally limited to one resource.
// An empty Resource means every resource of the scope's type.
type Grant struct {
	ID          string         `json:"id"`
	PluginID    PluginID       `json:"plugin_id"`
	Scope       string         `json:"scope"`
	Resource    string         `json:"resource,omitempty"`
	AccessLevel AccessLevel    `json:"access_level"`
	Constraints map[string]any `json:"constraints,omitempty"`
	GrantedAt   time.Time      `json:"granted_at"`
	GrantedBy   string         `json:"granted_by,omitempty"`
	RevokedAt   *time.Time     `json:"revoked_at,omitempty"`
	IsGranted   bool           `json:"is_granted"`
}

// Active reports whether the grant is in force.
func (g *Grant) Active() bool {
	return g.IsGranted && g.RevokedAt == nil
}

// CoversResource reports whether the grant applies to resource.
func (g *Grant) CoversResource(resource string) bool {
	if g.Resource == "" || g.Resource == "*" {
		return true
	}
	return g.Resource == resource
}

// GrantKey identifies the (plugin, scope, resource) tuple that may hold at most one active grant.
type GrantKey struct {
	PluginID PluginID
	Scope    string
	Resource string
}

func (g *Grant) Key() GrantKey {
	return GrantKey{PluginID: g.PluginID, Scope: g.Scope, Resource: NormalizeResource(g.Resource)}
}

// NormalizeResource maps the wildcard forms of "all resources" to the empty string.
func NormalizeResource(resource string) string {
	resource = strings.TrimSpace(resource)
	if resource == "*" {
		return ""
	}
	return resource
}

// API keys

type APIKey struct {
	KeyID              KeyID      `json:"key_id"`
	SecretHash         string     `json:"-"`
	PluginSlug         PluginID   `json:"plugin_slug"`
	Name               string     `json:"name,omitempty"`
	Scopes             []string   `json:"scopes"`
	AllowedIPs         []string   `json:"allowed_ips,omitempty"`
	AllowedDomains     []string   `json:"allowed_domains,omitempty"`
	RateLimitPerMinute int64      `json:"rate_limit_per_minute,omitempty"`
	RateLimitPerHour   int64      `json:"rate_limit_per_hour,omitempty"`
	RateLimitPerDay    int64      `json:"rate_limit_per_day,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	IsActive           bool       `json:"is_active"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	TotalRequests      int64      `json:"total_requests"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	LastUsedIP         string     `json:"last_used_ip,omitempty"`
}

// Expired reports whether the key is past its expiry at now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// IsValid reports whether the key can be used at now.
func (k *APIKey) IsValid(now time.Time) bool {
	return k.IsActive && k.RevokedAt == nil && !k.Expired(now)
}

// HasScope reports whether the key lists scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// Plugin status

type PluginStatus string

const (
	PluginStatusActive   PluginStatus = "ACTIVE"
	PluginStatusInactive PluginStatus = "INACTIVE"
)
