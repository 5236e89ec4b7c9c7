package cerberus

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tartarus-sandbox/minos/pkg/charon"
	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/hermes"
	"github.com/tartarus-sandbox/minos/pkg/hermes/audit"
	"github.com/tartarus-sandbox/minos/pkg/themis"
)

const (
	// KeyIDPrefix starts every public key id.
	KeyIDPrefix = "mk_"

	secretBytes     = 32
	DefaultKeyCache = 300 * time.Second

	DefaultBcryptCost = bcrypt.DefaultCost
)

// RateWindow is one API key rate limit window.
type RateWindow struct {
	Name   string
	Length time.Duration
}

var (
	WindowMinute = RateWindow{Name: "per_minute", Length: time.Minute}
	WindowHour   = RateWindow{Name: "per_hour", Length: time.Hour}
	WindowDay    = RateWindow{Name: "per_day", Length: 24 * time.Hour}
)

// KeyManagerOptions tunes a KeyManager. Zero values select defaults.
type KeyManagerOptions struct {
	BcryptCost int
	CacheTTL   time.Duration

	// Catalog, when set, canonicalizes key scopes and rejects unknown ones.
	Catalog *themis.Catalog

	Audit   audit.Sink
	Logger  *slog.Logger
	Metrics hermes.Metrics
	Now     func() time.Time
}

// KeyManager issues and authenticates plugin API keys.
type KeyManager struct {
	store    KeyStore
	counters charon.Store
	cache    *charon.GenerationCache
	cost     int
	cacheTTL time.Duration
	catalog  *themis.Catalog
	audit    audit.Sink
	logger   *slog.Logger
	metrics  hermes.Metrics
	now      func() time.Time
}

// NewKeyManager creates a KeyManager. counters backs both the key lookup cache and the rate
// limit windows; it may be nil to disable both.
func NewKeyManager(store KeyStore, counters charon.Store, opts KeyManagerOptions) *KeyManager {
	m := &KeyManager{
		store:    store,
		counters: counters,
		cost:     opts.BcryptCost,
		cacheTTL: opts.CacheTTL,
		catalog:  opts.Catalog,
		audit:    opts.Audit,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
	if m.cost == 0 {
		m.cost = DefaultBcryptCost
	}
	if m.cacheTTL == 0 {
		m.cacheTTL = DefaultKeyCache
	}
	if m.audit == nil {
		m.audit = audit.Discard
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = hermes.NewNoopMetrics()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if counters != nil {
		m.cache = charon.NewGenerationCache(counters)
	}
	return m
}

// CreateKeyRequest describes a new key.
type CreateKeyRequest struct {
	Plugin             domain.PluginID `json:"plugin" validate:"required"`
	Name               string          `json:"name"`
	Scopes             []string        `json:"scopes"`
	AllowedIPs         []string        `json:"allowed_ips"`
	AllowedDomains     []string        `json:"allowed_domains"`
	RateLimitPerMinute int64           `json:"rate_limit_per_minute" validate:"gte=0"`
	RateLimitPerHour   int64           `json:"rate_limit_per_hour" validate:"gte=0"`
	RateLimitPerDay    int64           `json:"rate_limit_per_day" validate:"gte=0"`
	ExpiresAt          *time.Time      `json:"expires_at"`
	CreatedBy          string          `json:"created_by"`
}

// IssuedKey carries the only copy of a key's plaintext.
type IssuedKey struct {
	Key       domain.APIKey `json:"key"`
	Plaintext string        `json:"plaintext"`
}

func newKeyID() (domain.KeyID, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate key id: %w", err)
	}
	return domain.KeyID(KeyIDPrefix + hex.EncodeToString(b)), nil
}

func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (m *KeyManager) hashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), m.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// CreateKey issues a key for a plugin. The plaintext "key_id:secret" is returned once.
func (m *KeyManager) CreateKey(ctx context.Context, req CreateKeyRequest) (*IssuedKey, error) {
	if req.Plugin == "" {
		return nil, fmt.Errorf("%w: plugin is required", ErrInvalidKeyRequest)
	}
	scopes, err := m.normalizeScopes(req.Scopes)
	if err != nil {
		return nil, err
	}
	for _, entry := range req.AllowedIPs {
		if _, err := parseIPRule(entry); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyRequest, err)
		}
	}

	id, err := newKeyID()
	if err != nil {
		return nil, err
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	hash, err := m.hashSecret(secret)
	if err != nil {
		return nil, err
	}

	key := domain.APIKey{
		KeyID:              id,
		SecretHash:         hash,
		PluginSlug:         req.Plugin,
		Name:               req.Name,
		Scopes:             scopes,
		AllowedIPs:         req.AllowedIPs,
		AllowedDomains:     req.AllowedDomains,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerHour:   req.RateLimitPerHour,
		RateLimitPerDay:    req.RateLimitPerDay,
		ExpiresAt:          req.ExpiresAt,
		IsActive:           true,
		CreatedAt:          m.now().UTC(),
	}
	if err := m.store.CreateKey(ctx, &key); err != nil {
		return nil, fmt.Errorf("failed to store api key: %w", err)
	}

	audit.Emit(ctx, m.audit, m.logger, &audit.Event{
		PluginSlug: string(req.Plugin),
		Type:       audit.TypeAPIKeyCreated,
		Message:    fmt.Sprintf("created api key %s", id),
		Severity:   audit.SeverityInfo,
		Actor:      req.CreatedBy,
		Context:    map[string]any{"key_id": string(id), "name": req.Name, "scopes": scopes},
	})

	key.SecretHash = ""
	return &IssuedKey{Key: key, Plaintext: string(id) + ":" + secret}, nil
}

func (m *KeyManager) normalizeScopes(scopes []string) ([]string, error) {
	if m.catalog == nil {
		return scopes, nil
	}
	out := make([]string, 0, len(scopes))
	for _, raw := range scopes {
		if strings.TrimSpace(raw) == "*" {
			out = append(out, "*")
			continue
		}
		s, ok := m.catalog.Parse(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %s", themis.ErrUnknownScope, raw)
		}
		out = append(out, s.ID)
	}
	return out, nil
}

// ParseKey splits a presented "key_id:secret" value.
func ParseKey(presented string) (domain.KeyID, string, bool) {
	id, secret, ok := strings.Cut(strings.TrimSpace(presented), ":")
	if !ok || !strings.HasPrefix(id, KeyIDPrefix) || len(id) == len(KeyIDPrefix) || secret == "" {
		return "", "", false
	}
	return domain.KeyID(id), secret, true
}

// Authenticate validates a presented key for a request from ip and domain (either may be
// empty). Checks run in order: format, lookup, secret, validity, ip allowlist, domain
// allowlist, rate limits. Every failure is a *KeyAuthError.
func (m *KeyManager) Authenticate(ctx context.Context, presented, ip, host string) (*domain.APIKey, error) {
	key, err := m.authenticate(ctx, presented, ip, host)
	result := "valid"
	var kerr *KeyAuthError
	if errors.As(err, &kerr) {
		result = string(kerr.Kind)
	} else if err != nil {
		result = "error"
	}
	m.metrics.IncCounter(hermes.MetricAPIKeyAuth, 1, hermes.Label{Key: "result", Value: result})
	return key, err
}

func (m *KeyManager) authenticate(ctx context.Context, presented, ip, host string) (*domain.APIKey, error) {
	id, secret, ok := ParseKey(presented)
	if !ok {
		return nil, keyAuthError(KindInvalidFormat, "")
	}

	key, err := m.lookup(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, keyAuthError(KindNotFound, id)
		}
		return nil, fmt.Errorf("api key lookup failed: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)) != nil {
		return nil, keyAuthError(KindInvalidSecret, id)
	}

	now := m.now()
	if !key.IsActive || key.RevokedAt != nil {
		return nil, keyAuthError(KindInactive, id)
	}
	if key.Expired(now) {
		return nil, keyAuthError(KindExpired, id)
	}

	if len(key.AllowedIPs) > 0 && !ipAllowed(key.AllowedIPs, ip) {
		audit.Emit(ctx, m.audit, m.logger, &audit.Event{
			PluginSlug: string(key.PluginSlug),
			Type:       audit.TypeAPIKeyIPRejected,
			Message:    fmt.Sprintf("api key %s used from disallowed address", id),
			Severity:   audit.SeverityWarning,
			Context:    map[string]any{"key_id": string(id), "ip": ip},
		})
		return nil, keyAuthError(KindIPNotAllowed, id)
	}
	if len(key.AllowedDomains) > 0 && (host == "" || !domain.DomainAllowed(key.AllowedDomains, host)) {
		return nil, keyAuthError(KindDomainNotAllowed, id)
	}

	if err := m.consumeRate(ctx, key); err != nil {
		return nil, err
	}

	if err := m.store.RecordUsage(ctx, id, ip, now); err != nil {
		m.logger.WarnContext(ctx, "failed to record api key usage", "key_id", id, "error", err)
	}
	audit.Emit(ctx, m.audit, m.logger, &audit.Event{
		PluginSlug: string(key.PluginSlug),
		Type:       audit.TypeAPIKeyAccessed,
		Message:    fmt.Sprintf("api key %s authenticated", id),
		Severity:   audit.SeverityDebug,
		Context:    map[string]any{"key_id": string(id), "ip": ip},
	})

	key.SecretHash = ""
	return key, nil
}

func rateKey(id domain.KeyID, w RateWindow) string {
	return fmt.Sprintf("minos:apikey:%s:%s", id, w.Name)
}

// consumeRate increments each configured window atomically. Counter failures fail open.
// A request rejected by one window gives back the slots it already took from the others.
func (m *KeyManager) consumeRate(ctx context.Context, key *domain.APIKey) error {
	if m.counters == nil {
		return nil
	}
	windows := []struct {
		window RateWindow
		limit  int64
	}{
		{WindowMinute, key.RateLimitPerMinute},
		{WindowHour, key.RateLimitPerHour},
		{WindowDay, key.RateLimitPerDay},
	}
	var taken []RateWindow
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		_, ok, err := m.counters.IncrementWithCeiling(ctx, rateKey(key.KeyID, w.window), w.limit, w.window.Length)
		if err != nil {
			m.metrics.IncCounter(hermes.MetricCounterStoreErrors, 1, hermes.Label{Key: "counter", Value: "apikey_rate"})
			m.logger.WarnContext(ctx, "api key rate counter unavailable, allowing request",
				"key_id", key.KeyID,
				"window", w.window.Name,
				"error", err)
			audit.Emit(ctx, m.audit, m.logger, &audit.Event{
				PluginSlug: string(key.PluginSlug),
				Type:       audit.TypeAPIKeyCounterFailure,
				Message:    fmt.Sprintf("rate counter %s unavailable for api key %s", w.window.Name, key.KeyID),
				Severity:   audit.SeverityWarning,
				Context:    map[string]any{"key_id": string(key.KeyID), "window": w.window.Name},
			})
			continue
		}
		if !ok {
			for _, t := range taken {
				if _, err := m.counters.IncrementBy(ctx, rateKey(key.KeyID, t), -1, t.Length); err != nil {
					m.logger.WarnContext(ctx, "api key rate refund failed", "key_id", key.KeyID, "window", t.Name, "error", err)
				}
			}
			return &KeyAuthError{Kind: KindRateLimited, KeyID: key.KeyID, Window: w.window, Limit: w.limit}
		}
		taken = append(taken, w.window)
	}
	return nil
}

// cachedKey keeps the hash, which domain.APIKey never serializes.
type cachedKey struct {
	domain.APIKey
	SecretHash string `json:"secret_hash"`
}

func keyCacheKey(id domain.KeyID) string {
	return fmt.Sprintf("minos:apikey:%s", id)
}

// lookup reads a key through the shared cache. A record loaded before a rotate or revoke
// is never cached over the newer state.
func (m *KeyManager) lookup(ctx context.Context, id domain.KeyID) (*domain.APIKey, error) {
	if m.cache == nil {
		return m.store.GetKey(ctx, id)
	}
	ck := keyCacheKey(id)
	raw, ok, err := m.cache.Get(ctx, ck)
	if err != nil {
		m.logger.WarnContext(ctx, "api key cache read failed", "key_id", id, "error", err)
	} else if ok {
		var c cachedKey
		if err := json.Unmarshal(raw, &c); err == nil {
			key := c.APIKey
			key.SecretHash = c.SecretHash
			return &key, nil
		}
	}

	gen, genErr := m.cache.Generation(ctx, ck)
	key, err := m.store.GetKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		m.logger.WarnContext(ctx, "api key cache generation unavailable", "key_id", id, "error", genErr)
		return key, nil
	}
	data, err := json.Marshal(cachedKey{APIKey: *key, SecretHash: key.SecretHash})
	if err == nil {
		if err := m.cache.Put(ctx, ck, data, gen, m.cacheTTL); err != nil {
			m.logger.WarnContext(ctx, "api key cache write failed", "key_id", id, "error", err)
		}
	}
	return key, nil
}

func (m *KeyManager) forget(ctx context.Context, ids ...domain.KeyID) error {
	if m.cache == nil || len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyCacheKey(id)
	}
	if err := m.cache.Invalidate(ctx, keys...); err != nil {
		m.logger.ErrorContext(ctx, "api key cache invalidation failed", "keys", len(ids), "error", err)
		return fmt.Errorf("api key cache invalidation failed: %w", err)
	}
	return nil
}

// RotateKey replaces the secret of id and returns the new plaintext. The old secret stops
// working once the cached record is invalidated. If that fails the new plaintext is still
// returned alongside the error, because the store already holds the new hash.
func (m *KeyManager) RotateKey(ctx context.Context, id domain.KeyID) (string, error) {
	key, err := m.store.GetKey(ctx, id)
	if err != nil {
		return "", err
	}
	if !key.IsActive || key.RevokedAt != nil {
		return "", fmt.Errorf("%w: %s", ErrKeyRevoked, id)
	}

	secret, err := newSecret()
	if err != nil {
		return "", err
	}
	hash, err := m.hashSecret(secret)
	if err != nil {
		return "", err
	}
	if err := m.store.UpdateSecret(ctx, id, hash); err != nil {
		return "", fmt.Errorf("failed to rotate api key: %w", err)
	}

	plaintext := string(id) + ":" + secret
	audit.Emit(ctx, m.audit, m.logger, &audit.Event{
		PluginSlug: string(key.PluginSlug),
		Type:       audit.TypeAPIKeyRotated,
		Message:    fmt.Sprintf("rotated api key %s", id),
		Severity:   audit.SeverityInfo,
		Context:    map[string]any{"key_id": string(id)},
	})
	if err := m.forget(ctx, id); err != nil {
		return plaintext, err
	}
	return plaintext, nil
}

// RevokeKey soft-revokes id. It reports false when the key was already revoked or unknown.
func (m *KeyManager) RevokeKey(ctx context.Context, id domain.KeyID) (bool, error) {
	key, err := m.store.GetKey(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	revoked, err := m.store.RevokeKey(ctx, id, m.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to revoke api key: %w", err)
	}
	if !revoked {
		return false, nil
	}
	if err := m.forget(ctx, id); err != nil {
		return true, err
	}

	audit.Emit(ctx, m.audit, m.logger, &audit.Event{
		PluginSlug: string(key.PluginSlug),
		Type:       audit.TypeAPIKeyRevoked,
		Message:    fmt.Sprintf("revoked api key %s", id),
		Severity:   audit.SeverityInfo,
		Context:    map[string]any{"key_id": string(id)},
	})
	return true, nil
}

// RevokeAllForPlugin soft-revokes every live key of plugin and returns how many there were.
func (m *KeyManager) RevokeAllForPlugin(ctx context.Context, plugin domain.PluginID) (int, error) {
	ids, err := m.store.RevokeAllForPlugin(ctx, plugin, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke api keys: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := m.forget(ctx, ids...); err != nil {
		return len(ids), err
	}

	keyIDs := make([]string, len(ids))
	for i, id := range ids {
		keyIDs[i] = string(id)
	}
	audit.Emit(ctx, m.audit, m.logger, &audit.Event{
		PluginSlug: string(plugin),
		Type:       audit.TypeAPIKeyRevoked,
		Message:    fmt.Sprintf("revoked %d api keys of %s", len(ids), plugin),
		Severity:   audit.SeverityWarning,
		Context:    map[string]any{"key_ids": keyIDs},
	})
	return len(ids), nil
}

// ListKeys returns the plugin's keys without secret hashes.
func (m *KeyManager) ListKeys(ctx context.Context, plugin domain.PluginID) ([]domain.APIKey, error) {
	keys, err := m.store.ListKeys(ctx, plugin)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].SecretHash = ""
	}
	return keys, nil
}

func parseIPRule(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid allowed ip %q: %w", entry, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid allowed ip %q: %w", entry, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func ipAllowed(rules []string, ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, rule := range rules {
		p, err := parseIPRule(rule)
		if err != nil {
			continue
		}
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
