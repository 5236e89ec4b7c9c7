package cerberus

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

var (
	// ErrAccessDenied matches every *ScopeAccessDeniedError.
	ErrAccessDenied = errors.New("scope access denied")

	// ErrKeyAuth matches every *KeyAuthError.
	ErrKeyAuth = errors.New("api key authentication failed")

	// ErrKeyRevoked is returned when rotating a key that is no longer live.
	ErrKeyRevoked = errors.New("api key revoked")

	// ErrInvalidKeyRequest rejects a malformed CreateKeyRequest.
	ErrInvalidKeyRequest = errors.New("invalid api key request")
)

// ScopeAccessDeniedError indicates that the plugin in context lacks a scope.
type ScopeAccessDeniedError struct {
	Plugin   domain.PluginID
	Scope    string
	Resource string
	Level    domain.AccessLevel
}

func (e *ScopeAccessDeniedError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("plugin %s lacks %s access to scope %s on %s", e.Plugin, e.Level, e.Scope, e.Resource)
	}
	return fmt.Sprintf("plugin %s lacks %s access to scope %s", e.Plugin, e.Level, e.Scope)
}

func (e *ScopeAccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

// KeyAuthErrorKind distinguishes authentication failures.
type KeyAuthErrorKind string

const (
	KindInvalidFormat    KeyAuthErrorKind = "invalid_format"
	KindNotFound         KeyAuthErrorKind = "not_found"
	KindInvalidSecret    KeyAuthErrorKind = "invalid_secret"
	KindExpired          KeyAuthErrorKind = "expired"
	KindInactive         KeyAuthErrorKind = "inactive"
	KindIPNotAllowed     KeyAuthErrorKind = "ip_not_allowed"
	KindDomainNotAllowed KeyAuthErrorKind = "domain_not_allowed"
	KindRateLimited      KeyAuthErrorKind = "rate_limit_exceeded"
)

// KeyAuthError is returned by KeyManager.Authenticate.
type KeyAuthError struct {
	Kind  KeyAuthErrorKind
	KeyID domain.KeyID

	// Window and Limit are set for rate limit failures.
	Window RateWindow
	Limit  int64
}

func (e *KeyAuthError) Error() string {
	if e.Kind == KindRateLimited {
		return fmt.Sprintf("api key authentication failed: %s: %s (limit %d)", e.Kind, e.Window.Name, e.Limit)
	}
	return fmt.Sprintf("api key authentication failed: %s", e.Kind)
}

func (e *KeyAuthError) Is(target error) bool {
	return target == ErrKeyAuth
}

// HTTPStatus maps the failure kind to a response code.
func (e *KeyAuthError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidFormat:
		return http.StatusBadRequest
	case KindIPNotAllowed, KindDomainNotAllowed:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}

func keyAuthError(kind KeyAuthErrorKind, id domain.KeyID) *KeyAuthError {
	return &KeyAuthError{Kind: kind, KeyID: id}
}
