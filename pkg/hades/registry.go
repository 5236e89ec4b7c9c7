package hades

import (
	"context"
	"errors"
	"time"

	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/plugins"
)

// Registry tracks the underworld of installed plugins.
// Installation itself happens elsewhere; the governance core only reads records and flips status.
type Registry interface {
	Get(ctx context.Context, id domain.PluginID) (*PluginRecord, error)
	List(ctx context.Context) ([]PluginRecord, error)
	Upsert(ctx context.Context, rec PluginRecord) error

	// SetStatus changes the persisted status and records why.
	SetStatus(ctx context.Context, id domain.PluginID, status domain.PluginStatus, reason string) error
}

var ErrPluginNotFound = errors.New("plugin not found")

// PluginRecord is the persisted view of one plugin.
type PluginRecord struct {
	ID           domain.PluginID     `json:"id"`
	Version      string              `json:"version,omitempty"`
	Status       domain.PluginStatus `json:"status"`
	StatusReason string              `json:"status_reason,omitempty"`
	Manifest     *plugins.Manifest   `json:"manifest,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Active reports whether the plugin may run.
func (r *PluginRecord) Active() bool {
	return r.Status == domain.PluginStatusActive
}

// RecordFromManifest builds an active record for m.
func RecordFromManifest(m *plugins.Manifest) PluginRecord {
	return PluginRecord{
		ID:       m.PluginID(),
		Version:  m.Metadata.Version,
		Status:   domain.PluginStatusActive,
		Manifest: m,
	}
}
