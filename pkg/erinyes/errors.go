package erinyes

import (
	"errors"
	"fmt"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

// ViolationType names the limit a plugin breached.
type ViolationType string

const (
	ViolationRateLimit     ViolationType = "rate_limit_exceeded"
	ViolationMemory        ViolationType = "memory_limit_exceeded"
	ViolationExecutionTime ViolationType = "execution_time_exceeded"
	ViolationStorage       ViolationType = "storage_limit_exceeded"
	ViolationNetwork       ViolationType = "network_limit_exceeded"
	ViolationDomain        ViolationType = "domain_not_allowed"
	ViolationBlocked       ViolationType = "plugin_blocked"
)

var (
	// ErrViolation matches every *ViolationError.
	ErrViolation = errors.New("sandbox violation")

	// ErrPluginPanic wraps a panic raised by plugin code.
	ErrPluginPanic = errors.New("plugin panicked")
)

// ViolationError reports a breached sandbox limit.
type ViolationError struct {
	Type    ViolationType
	Plugin  domain.PluginID
	Limit   string
	Current int64
	Max     int64

	// Detail names the offending input, such as a host.
	Detail string

	recorded bool
}

func (e *ViolationError) Error() string {
	var msg string
	switch {
	case e.Limit == "":
		msg = fmt.Sprintf("plugin %s: %s", e.Plugin, e.Type)
	case e.Max == 0 && e.Current == 0:
		msg = fmt.Sprintf("plugin %s: %s: %s", e.Plugin, e.Type, e.Limit)
	default:
		msg = fmt.Sprintf("plugin %s: %s: %s is %d, limit %d", e.Plugin, e.Type, e.Limit, e.Current, e.Max)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *ViolationError) Is(target error) bool {
	return target == ErrViolation
}

// AsViolation extracts a *ViolationError from err.
func AsViolation(err error) (*ViolationError, bool) {
	var v *ViolationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// NewViolation builds a violation for callers outside the sandbox, such as the network gateway.
func NewViolation(t ViolationType, plugin domain.PluginID, limit string, current, max int64) *ViolationError {
	return violation(t, plugin, limit, current, max)
}

func violation(t ViolationType, plugin domain.PluginID, limit string, current, max int64) *ViolationError {
	return &ViolationError{Type: t, Plugin: plugin, Limit: limit, Current: current, Max: max}
}
