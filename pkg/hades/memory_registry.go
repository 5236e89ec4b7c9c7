package hades

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

type MemoryRegistry struct {
	mu      sync.Mutex
	plugins map[domain.PluginID]PluginRecord
	now     func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		plugins: make(map[domain.PluginID]PluginRecord),
		now:     time.Now,
	}
}

func (r *MemoryRegistry) Get(ctx context.Context, id domain.PluginID) (*PluginRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.plugins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return &rec, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]PluginRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]PluginRecord, 0, len(r.plugins))
	for _, rec := range r.plugins {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (r *MemoryRegistry) Upsert(ctx context.Context, rec PluginRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("plugin record without id")
	}
	if rec.Status == "" {
		rec.Status = domain.PluginStatusActive
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec.UpdatedAt = r.now()
	r.plugins[rec.ID] = rec
	return nil
}

func (r *MemoryRegistry) SetStatus(ctx context.Context, id domain.PluginID, status domain.PluginStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	rec.Status = status
	rec.StatusReason = reason
	rec.UpdatedAt = r.now()
	r.plugins[id] = rec
	return nil
}
