package audit

import (
	"time"
)

// Type names what happened.
type Type string

const (
	TypePermissionGranted    Type = "permission_granted"
	TypePermissionRevoked    Type = "permission_revoked"
	TypePermissionsRevoked   Type = "permissions_revoked_all"
	TypeAccessDenied         Type = "access_denied"
	TypeAPIKeyCreated        Type = "api_key_created"
	TypeAPIKeyRotated        Type = "api_key_rotated"
	TypeAPIKeyRevoked        Type = "api_key_revoked"
	TypeAPIKeyIPRejected     Type = "api_key_ip_rejected"
	TypeAPIKeyAccessed       Type = "api_key_accessed"
	TypeAPIKeyCounterFailure Type = "api_key_rate_counter_unavailable"
	TypeViolation            Type = "sandbox_violation"
	TypePluginBlocked        Type = "plugin_blocked"
	TypePluginUnblocked      Type = "plugin_unblocked"
	TypePluginAutoDisabled   Type = "plugin_auto_disabled"
)

// Severity grades an event.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as severe as min. Unknown severities rank as info.
func (s Severity) AtLeast(min Severity) bool {
	rank, ok := severityRank[s]
	if !ok {
		rank = severityRank[SeverityInfo]
	}
	minRank, ok := severityRank[min]
	if !ok {
		minRank = severityRank[SeverityInfo]
	}
	return rank >= minRank
}

// Event represents a single audit record.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	PluginSlug string         `json:"plugin_slug,omitempty"`
	Type       Type           `json:"type"`
	Message    string         `json:"message"`
	Severity   Severity       `json:"severity"`
	Actor      string         `json:"actor,omitempty"`
	Context    map[string]any `json:"context,omitempty"`

	// PreviousHash is the hash of the previous event in the chain.
	PreviousHash string `json:"previous_hash,omitempty"`
	// Hash is the hash of the current event (including PreviousHash).
	Hash string `json:"hash,omitempty"`
}
