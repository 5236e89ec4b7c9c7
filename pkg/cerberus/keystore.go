package cerberus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

// KeyStore persists API keys. Lookups of unknown ids return domain.ErrNotFound.
type KeyStore interface {
	CreateKey(ctx context.Context, key *domain.APIKey) error
	GetKey(ctx context.Context, id domain.KeyID) (*domain.APIKey, error)
	ListKeys(ctx context.Context, plugin domain.PluginID) ([]domain.APIKey, error)
	UpdateSecret(ctx context.Context, id domain.KeyID, secretHash string) error
	RevokeKey(ctx context.Context, id domain.KeyID, at time.Time) (bool, error)
	RevokeAllForPlugin(ctx context.Context, plugin domain.PluginID, at time.Time) ([]domain.KeyID, error)
	RecordUsage(ctx context.Context, id domain.KeyID, ip string, at time.Time) error
}

// MemoryKeyStore is an in-memory KeyStore.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[domain.KeyID]*domain.APIKey
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[domain.KeyID]*domain.APIKey)}
}

func cloneKey(k *domain.APIKey) *domain.APIKey {
	c := *k
	c.Scopes = append([]string(nil), k.Scopes...)
	c.AllowedIPs = append([]string(nil), k.AllowedIPs...)
	c.AllowedDomains = append([]string(nil), k.AllowedDomains...)
	return &c
}

func (s *MemoryKeyStore) CreateKey(ctx context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.KeyID]; exists {
		return domain.ErrConflict
	}
	s.keys[key.KeyID] = cloneKey(key)
	return nil
}

func (s *MemoryKeyStore) GetKey(ctx context.Context, id domain.KeyID) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneKey(k), nil
}

func (s *MemoryKeyStore) ListKeys(ctx context.Context, plugin domain.PluginID) ([]domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.APIKey
	for _, k := range s.keys {
		if k.PluginSlug == plugin {
			out = append(out, *cloneKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].KeyID < out[j].KeyID
	})
	return out, nil
}

func (s *MemoryKeyStore) UpdateSecret(ctx context.Context, id domain.KeyID, secretHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return domain.ErrNotFound
	}
	k.SecretHash = secretHash
	return nil
}

func (s *MemoryKeyStore) RevokeKey(ctx context.Context, id domain.KeyID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.RevokedAt != nil {
		return false, nil
	}
	revokedAt := at
	k.RevokedAt = &revokedAt
	k.IsActive = false
	return true, nil
}

func (s *MemoryKeyStore) RevokeAllForPlugin(ctx context.Context, plugin domain.PluginID, at time.Time) ([]domain.KeyID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []domain.KeyID
	for id, k := range s.keys {
		if k.PluginSlug != plugin || k.RevokedAt != nil {
			continue
		}
		revokedAt := at
		k.RevokedAt = &revokedAt
		k.IsActive = false
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryKeyStore) RecordUsage(ctx context.Context, id domain.KeyID, ip string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return domain.ErrNotFound
	}
	usedAt := at
	k.TotalRequests++
	k.LastUsedAt = &usedAt
	k.LastUsedIP = ip
	return nil
}
