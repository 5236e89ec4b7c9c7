package olympus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tartarus-sandbox/minos/pkg/cerberus"
	"github.com/tartarus-sandbox/minos/pkg/charon"
	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/erinyes"
	"github.com/tartarus-sandbox/minos/pkg/hades"
	"github.com/tartarus-sandbox/minos/pkg/hermes"
	"github.com/tartarus-sandbox/minos/pkg/hermes/audit"
	"github.com/tartarus-sandbox/minos/pkg/styx"
	"github.com/tartarus-sandbox/minos/pkg/themis"
)

const adminToken = "admin-secret"

func sandboxConfig() erinyes.Config {
	cfg := erinyes.DefaultConfig()
	cfg.Overrides = map[string]domain.SandboxLimits{
		"crawler": {AllowedDomains: []string{"*.example.com"}},
	}
	return cfg
}

type testServer struct {
	srv     *httptest.Server
	plugins *hades.MemoryRegistry
	events  *audit.MemoryStore
	ready   error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := charon.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	ts := &testServer{plugins: hades.NewMemoryRegistry(), events: audit.NewMemoryStore()}
	logger := hermes.DiscardLogger()
	auditor := audit.NewStandardAuditor(ts.events)
	reg := prometheus.NewRegistry()
	metrics := hermes.NewPrometheusMetrics(reg)

	perms := themis.NewRegistry(themis.DefaultCatalog(), themis.NewMemoryRepo(), store,
		themis.WithAuditSink(auditor), themis.WithMetrics(metrics), themis.WithLogger(logger))
	keys := cerberus.NewKeyManager(cerberus.NewMemoryKeyStore(), store, cerberus.KeyManagerOptions{
		BcryptCost: bcrypt.MinCost,
		Catalog:    perms.Catalog(),
		Audit:      auditor,
		Logger:     logger,
		Metrics:    metrics,
	})
	sb, err := erinyes.New(store, erinyes.Options{
		Config:   erinyes.DefaultConfig(),
		Registry: ts.plugins,
		Audit:    auditor,
		Logger:   logger,
		Metrics:  metrics,
	})
	require.NoError(t, err)

	s := NewServer(Deps{
		Permissions: perms,
		Validator:   cerberus.NewValidator(perms, perms.Catalog(), auditor, logger),
		Keys:        keys,
		Sandbox:     sb,
		Plugins:     ts.plugins,
		Gateway:     styx.New(sb, styx.WithContract(styx.Contract{DenyMetadata: true}), styx.WithLogger(logger)),
		Gatherer:    reg,
		Ready:       func(context.Context) error { return ts.ready },
		AdminToken:  adminToken,
		Logger:      logger,
	})
	ts.srv = httptest.NewServer(s.Handler())
	t.Cleanup(ts.srv.Close)
	return ts
}

// do sends an admin request and decodes a JSON response into out when out is non-nil.
func (ts *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) whoami(t *testing.T, key string) (int, whoAmI) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/v1/whoami", nil)
	require.NoError(t, err)
	req.Header.Set(cerberus.HeaderAPIKey, key)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out whoAmI
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestServer_HealthAndReadiness(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ts.ready = errors.New("redis down")
	resp, err = http.Get(ts.srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_AdminRequiresToken(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/admin/v1/scopes")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var apiErr APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, "unauthorized", apiErr.Code)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/admin/v1/scopes", nil, nil))
}

func TestServer_Scopes(t *testing.T) {
	ts := newTestServer(t)

	var scopes []themis.Scope
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/admin/v1/scopes?category=entities", nil, &scopes))
	assert.Len(t, scopes, 4)

	var detail scopeDetail
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/admin/v1/scopes/entities:admin", nil, &detail))
	assert.True(t, detail.RequiresApproval)
	assert.Contains(t, detail.Closure, "entities:read")

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/admin/v1/scopes/nope:nope", nil, nil))

	var minimized scopesRequest
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/admin/v1/scopes/minimize",
		scopesRequest{Scopes: []string{"entities:read", "entities:write", "custom:thing"}}, &minimized))
	assert.Equal(t, []string{"entities:write", "custom:thing"}, minimized.Scopes)

	var buckets cerberus.ConsentBuckets
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/admin/v1/scopes/consent",
		scopesRequest{Scopes: []string{"entities:read", "users:read", "system:admin"}}, &buckets))
	assert.Equal(t, []string{"entities:read"}, buckets.Safe)
	assert.Equal(t, []string{"users:read"}, buckets.Caution)
	assert.Equal(t, []string{"system:admin"}, buckets.Dangerous)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/admin/v1/scopes/minimize", `{"scopes":`, nil))
}

func TestServer_GrantLifecycle(t *testing.T) {
	ts := newTestServer(t)
	check := func(resource, level string) bool {
		t.Helper()
		var resp checkResponse
		path := "/admin/v1/plugins/p1/check?scope=entities:write&resource=" + resource + "&level=" + level
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, path, nil, &resp))
		return resp.Allowed
	}

	var g domain.Grant
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/admin/v1/plugins/p1/grants",
		map[string]any{"scope": "entities:write", "resource": "posts", "access_level": "write"}, &g))
	assert.Equal(t, domain.PluginID("p1"), g.PluginID)
	assert.Equal(t, domain.AccessWrite, g.AccessLevel)
	assert.Equal(t, "admin-api", g.GrantedBy)

	assert.True(t, check("posts", "write"))
	assert.False(t, check("pages", "write"))
	assert.False(t, check("posts", "delete"))

	var grants []domain.Grant
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/admin/v1/plugins/p1/grants", nil, &grants))
	assert.Len(t, grants, 1)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/admin/v1/plugins/p1/grants/entities:write?resource=posts", nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/admin/v1/plugins/p1/grants/entities:write?resource=posts", nil, nil))
	assert.False(t, check("posts", "write"))

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/admin/v1/plugins/p1/grants",
		map[string]any{"scope": "made:up"}, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/admin/v1/plugins/p1/check?scope=entities:read&level=root", nil, nil))

	ts.do(t, http.MethodPost, "/admin/v1/plugins/p1/grants", map[string]any{"scope": "api:read"}, nil)
	ts.do(t, http.MethodPost, "/admin/v1/plugins/p1/grants", map[string]any{"scope": "hooks:subscribe"}, nil)
	var revoked map[string]int
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/admin/v1/plugins/p1/grants", nil, &revoked))
	assert.Equal(t, 2, revoked["revoked"])
}

const manifestYAML = `apiVersion: v1
kind: MinosPlugin
metadata:
  name: seo-toolkit
  version: 1.2.0
spec:
  permissions:
    entities: ["read:*", "write:posts"]
    api: ["admin:*"]
`

func TestServer_ApplyManifest(t *testing.T) {
	ts := newTestServer(t)

	var res themis.ManifestResult
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/admin/v1/plugins/seo-toolkit/manifest", manifestYAML, &res))
	assert.Len(t, res.Granted, 2)
	require.Len(t, res.RequiresApproval, 1)
	assert.Equal(t, "api:admin", res.RequiresApproval[0].Scope)

	var rec hades.PluginRecord
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/admin/v1/plugins/seo-toolkit", nil, &rec))
	assert.Equal(t, domain.PluginStatusActive, rec.Status)
	assert.Equal(t, "1.2.0", rec.Version)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/admin/v1/plugins/other/manifest", manifestYAML, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/admin/v1/plugins/seo-toolkit/manifest", "kind: [", nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/admin/v1/plugins/absent", nil, nil))

	// An auto-disabled plugin stays disabled when its manifest is re-applied.
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/admin/v1/plugins/seo-toolkit/block", map[string]any{"reason": "abuse"}, nil))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/admin/v1/plugins/seo-toolkit/manifest", manifestYAML, nil))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/admin/v1/plugins/seo-toolkit", nil, &rec))
	assert.Equal(t, domain.PluginStatusInactive, rec.Status)

	var list []hades.PluginRecord
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/admin/v1/plugins", nil, &list))
	assert.Len(t, list, 1)
}

func TestServer_KeyLifecycle(t *testing.T) {
	ts := newTestServer(t)

	var issued cerberus.IssuedKey
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/admin/v1/plugins/p1/keys",
		map[string]any{"name": "ci", "scopes": []string{"entities:read"}}, &issued))
	require.NotEmpty(t, issued.Plaintext)
	assert.Equal(t, domain.PluginID("p1"), issued.Key.PluginSlug)

	status, me := ts.whoami(t, issued.Plaintext)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.PluginID("p1"), me.Plugin)
	assert.Equal(t, []string{"entities:read"}, me.Scopes)

	var keys []domain.APIKey
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/admin/v1/plugins/p1/keys", nil, &keys))
	assert.Len(t, keys, 1)

	var rotated rotatedKey
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/admin/v1/keys/"+string(issued.Key.KeyID)+"/rotate", nil, &rotated))
	status, _ = ts.whoami(t, issued.Plaintext)
	assert.Equal(t, http.StatusUnauthorized, status, "the old secret stops working")
	status, _ = ts.whoami(t, rotated.Plaintext)
	assert.Equal(t, http.StatusOK, status)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/admin/v1/keys/"+string(issued.Key.KeyID), nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/admin/v1/keys/"+string(issued.Key.KeyID), nil, nil))
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/admin/v1/keys/"+string(issued.Key.KeyID)+"/rotate", nil, nil))
	status, _ = ts.whoami(t, rotated.Plaintext)
	assert.Equal(t, http.StatusUnauthorized, status)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/admin/v1/plugins/p1/keys",
		map[string]any{"scopes": []string{"made:up"}}, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/admin/v1/plugins/p1/keys",
		map[string]any{"allowed_ips": []string{"not-an-ip"}}, nil))

	ts.do(t, http.MethodPost, "/admin/v1/plugins/p1/keys", map[string]any{"name": "a"}, nil)
	ts.do(t, http.MethodPost, "/admin/v1/plugins/p1/keys", map[string]any{"name": "b"}, nil)
	var revoked map[string]int
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/admin/v1/plugins/p1/keys", nil, &revoked))
	assert.Equal(t, 2, revoked["revoked"])

	status, _ = ts.whoami(t, "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestServer_BlockAndUsage(t *testing.T) {
	ts := newTestServer(t)

	var st blockStatus
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/admin/v1/plugins/p1/block", map[string]any{"duration": "1h"}, &st))
	assert.True(t, st.Blocked)
	require.NotNil(t, st.Until)
	assert.NotEmpty(t, ts.events.OfType(audit.TypePluginBlocked))

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/admin/v1/plugins/p1/block", map[string]any{"duration": "-1h"}, nil))

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/admin/v1/plugins/p1/block", nil, nil))
	var after blockStatus
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/admin/v1/plugins/p1/block", nil, &after))
	assert.False(t, after.Blocked)
	assert.Nil(t, after.Until)
	assert.Equal(t, domain.DefaultSandboxLimits().APIRequestsPerMinute, after.Limits.APIRequestsPerMinute)

	var u domain.UsageCounter
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/admin/v1/plugins/p1/usage?day=2026-01-02", nil, &u))
	assert.Equal(t, "2026-01-02", u.Day)
	assert.Zero(t, u.Get(domain.MetricAPIRequests))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/admin/v1/plugins/p1/usage?day=yesterday", nil, nil))
}

func TestServer_NetworkCheck(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		plugin, host string
		want         bool
	}{
		{"crawler", "api.example.com", true},
		{"crawler", "evil.com", false},
		{"open", "evil.com", true},
		{"open", "169.254.169.254", false},
	}
	for _, tt := range tests {
		var got networkCheck
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/admin/v1/plugins/"+tt.plugin+"/network/check?host="+tt.host, nil, &got))
		assert.Equal(t, tt.want, got.Allowed, "%s -> %s", tt.plugin, tt.host)
	}
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/admin/v1/plugins/open/network/check", nil, nil))
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/admin/v1/plugins/p1/check?scope=entities:read", nil, nil)

	resp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), hermes.MetricPermissionChecks)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown scope", themis.ErrUnknownScope, http.StatusBadRequest},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"plugin not found", hades.ErrPluginNotFound, http.StatusNotFound},
		{"conflict", domain.ErrConflict, http.StatusConflict},
		{"rate violation", erinyes.NewViolation(erinyes.ViolationRateLimit, "p1", "api_requests_per_minute", 2, 1), http.StatusTooManyRequests},
		{"domain violation", erinyes.NewViolation(erinyes.ViolationDomain, "p1", "allowed_domains", 0, 0), http.StatusForbidden},
		{"key auth", &cerberus.KeyAuthError{Kind: cerberus.KindIPNotAllowed}, http.StatusForbidden},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := statusFor(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}
