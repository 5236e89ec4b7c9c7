package cerberus

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	// APIKeyContextKey is the context key for the authenticated API key.
	APIKeyContextKey contextKey = "cerberus.apikey"

	// HeaderAPIKey carries a key when Authorization is not used.
	HeaderAPIKey = "X-API-Key"
)

// KeyMiddleware authenticates plugin API keys on inbound HTTP requests.
type KeyMiddleware struct {
	keys   *KeyManager
	logger *slog.Logger
}

// NewKeyMiddleware creates middleware backed by keys.
func NewKeyMiddleware(keys *KeyManager, logger *slog.Logger) *KeyMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyMiddleware{keys: keys, logger: logger}
}

// Wrap returns a handler that authenticates the request and attaches the key and its plugin
// to the request context.
func (m *KeyMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := ExtractKey(r)
		if !ok {
			http.Error(w, "Unauthorized: missing api key", http.StatusUnauthorized)
			return
		}

		key, err := m.keys.Authenticate(r.Context(), presented, getSourceIP(r), requestDomain(r))
		if err != nil {
			var kerr *KeyAuthError
			if !errors.As(err, &kerr) {
				m.logger.ErrorContext(r.Context(), "api key authentication error", "error", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if kerr.Kind == KindRateLimited {
				w.Header().Set("Retry-After", strconv.Itoa(int(kerr.Window.Length.Seconds())))
			}
			http.Error(w, http.StatusText(kerr.HTTPStatus())+": "+string(kerr.Kind), kerr.HTTPStatus())
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyContextKey, key)
		ctx = domain.WithPlugin(ctx, key.PluginSlug)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects requests whose key does not list scope.
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := APIKeyFromContext(r.Context())
		if !ok {
			http.Error(w, "Unauthorized: missing api key", http.StatusUnauthorized)
			return
		}
		if !key.HasScope(scope) {
			http.Error(w, "Forbidden: key lacks scope "+scope, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// APIKeyFromContext retrieves the authenticated key from the request context.
func APIKeyFromContext(ctx context.Context) (*domain.APIKey, bool) {
	key, ok := ctx.Value(APIKeyContextKey).(*domain.APIKey)
	return key, ok
}

// ExtractKey reads the key from X-API-Key or a Bearer Authorization header.
func ExtractKey(r *http.Request) (string, bool) {
	if v := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); v != "" {
		return v, true
	}
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// getSourceIP extracts the client IP from the request.
func getSourceIP(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestDomain is the calling site's host from Origin, falling back to Referer.
func requestDomain(r *http.Request) string {
	for _, h := range []string{"Origin", "Referer"} {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if u, err := url.Parse(v); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	return ""
}
