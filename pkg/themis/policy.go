package themis

import (
	"context"
	"errors"
	"time"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

var (
	// ErrUnknownScope is returned when a grant names a scope the catalog does not know.
	ErrUnknownScope = errors.New("unknown scope")

	// ErrInvalidManifest is returned for malformed manifest permission entries.
	ErrInvalidManifest = errors.New("invalid manifest permissions")
)

// Repository persists grants.
//
// UpsertGrants is all-or-nothing: either every grant in the batch is stored or none is.
// A grant whose key matches an active grant replaces it in place, keeping its ID, so there is
// never more than one active grant per (plugin, scope, resource).
type Repository interface {
	ActiveGrants(ctx context.Context, plugin domain.PluginID) ([]domain.Grant, error)
	UpsertGrants(ctx context.Context, grants []domain.Grant) ([]domain.Grant, error)

	// Revoke soft-revokes the active grant for key and reports whether one existed.
	Revoke(ctx context.Context, key domain.GrantKey, at time.Time) (bool, error)

	// RevokeAll soft-revokes every active grant of plugin.
	RevokeAll(ctx context.Context, plugin domain.PluginID, at time.Time) (int, error)
}
