package styx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tartarus-sandbox/minos/pkg/charon"
	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/erinyes"
	"github.com/tartarus-sandbox/minos/pkg/hermes"
	"github.com/tartarus-sandbox/minos/pkg/hermes/audit"
)

func newSandbox(t *testing.T, limits map[string]domain.SandboxLimits) (*erinyes.Sandbox, *audit.MemoryStore) {
	t.Helper()
	store := charon.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	events := audit.NewMemoryStore()
	cfg := erinyes.DefaultConfig()
	cfg.Overrides = limits
	sb, err := erinyes.New(store, erinyes.Options{
		Config: cfg,
		Audit:  audit.NewStandardAuditor(events),
		Logger: hermes.DiscardLogger(),
	})
	require.NoError(t, err)
	return sb, events
}

func usage(t *testing.T, sb *erinyes.Sandbox, plugin domain.PluginID) domain.UsageCounter {
	t.Helper()
	u, err := sb.Usage(context.Background(), plugin, domain.DayKey(time.Now()))
	require.NoError(t, err)
	return u
}

func TestGateway_IsDomainAllowed(t *testing.T) {
	sb, _ := newSandbox(t, map[string]domain.SandboxLimits{
		"restricted": {AllowedDomains: []string{"*.example.com", "api.partner.io"}},
	})
	g := New(sb, WithContract(Contract{DenyMetadata: true}), WithLogger(hermes.DiscardLogger()))
	ctx := context.Background()

	tests := []struct {
		name   string
		plugin domain.PluginID
		host   string
		want   bool
	}{
		{"wildcard subdomain", "restricted", "api.example.com", true},
		{"wildcard deep subdomain", "restricted", "v1.api.example.com", true},
		{"bare domain needs its own entry", "restricted", "example.com", false},
		{"exact entry", "restricted", "API.partner.io:443", true},
		{"unlisted", "restricted", "evil.com", false},
		{"suffix trick", "restricted", "notexample.com", false},
		{"empty allowlist allows all", "open", "anything.net", true},
		{"metadata address denied", "open", "169.254.169.254", false},
		{"empty host", "open", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.IsDomainAllowed(ctx, tt.plugin, tt.host))
		})
	}
}

func TestContract_Permits(t *testing.T) {
	c := Contract{
		DenyPrivate:  true,
		DenyMetadata: true,
		AllowedCIDRs: []netip.Prefix{netip.MustParsePrefix("10.20.0.0/16")},
	}
	tests := []struct {
		addr string
		want bool
	}{
		{"93.184.216.34", true},
		{"10.0.0.1", false},
		{"10.20.3.4", true},
		{"127.0.0.1", false},
		{"169.254.169.254", false},
		{"::ffff:192.168.1.1", false},
		{"fd00:ec2::254", false},
		{"0.0.0.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Permits(netip.MustParseAddr(tt.addr)))
		})
	}
}

func TestConfig_Contract(t *testing.T) {
	c, err := Config{DenyPrivate: true, AllowedCIDRs: []string{"10.1.2.3/8"}}.Contract()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, c.AllowedCIDRs)

	_, err = Config{AllowedCIDRs: []string{"nope"}}.Contract()
	assert.Error(t, err)
}

func TestGateway_AdmitOrder(t *testing.T) {
	sb, events := newSandbox(t, map[string]domain.SandboxLimits{
		"p1": {AllowedDomains: []string{"api.example.com"}, NetworkRequestsPerMinute: 2},
	})
	g := New(sb, WithLogger(hermes.DiscardLogger()))
	ctx := context.Background()

	err := g.Admit(ctx, "p1", "evil.com")
	v, ok := erinyes.AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, erinyes.ViolationDomain, v.Type)
	assert.Equal(t, "evil.com", v.Detail)
	assert.Zero(t, usage(t, sb, "p1").Get(domain.MetricNetworkRequests), "a rejected host never consumes a rate slot")

	require.NoError(t, g.Admit(ctx, "p1", "api.example.com"))
	require.NoError(t, g.Admit(ctx, "p1", "api.example.com"))
	v, ok = erinyes.AsViolation(g.Admit(ctx, "p1", "api.example.com"))
	require.True(t, ok)
	assert.Equal(t, erinyes.ViolationRateLimit, v.Type)
	assert.Equal(t, "network_requests_per_minute", v.Limit)

	assert.Equal(t, int64(2), usage(t, sb, "p1").Get(domain.MetricNetworkRequests))
	assert.Len(t, events.OfType(audit.TypeViolation), 2)
}

func TestGateway_RecordNetworkRequest(t *testing.T) {
	sb, _ := newSandbox(t, map[string]domain.SandboxLimits{"p1": {NetworkBytesPerDay: 1000}})
	g := New(sb)
	ctx := context.Background()

	require.NoError(t, g.RecordNetworkRequest(ctx, "p1", 300, 800))
	u := usage(t, sb, "p1")
	assert.Equal(t, int64(1), u.Get(domain.MetricNetworkRequests))
	assert.Equal(t, int64(1100), u.NetworkBytes())

	v, ok := erinyes.AsViolation(g.Admit(ctx, "p1", "api.example.com"))
	require.True(t, ok)
	assert.Equal(t, erinyes.ViolationNetwork, v.Type)
}

func TestGateway_Limiter(t *testing.T) {
	sb, _ := newSandbox(t, nil)
	limiter := charon.NewTokenBucketLimiter(0.001, 1, nil)
	defer limiter.Close()
	g := New(sb, WithLimiter(limiter))
	ctx := context.Background()

	require.NoError(t, g.Admit(ctx, "p1", "api.example.com"))
	v, ok := erinyes.AsViolation(g.Admit(ctx, "p1", "api.example.com"))
	require.True(t, ok)
	assert.Equal(t, "network_burst", v.Limit)
	require.NoError(t, g.Admit(ctx, "p2", "api.example.com"), "buckets are per plugin")
}

type recordingTransport struct {
	calls atomic.Int64
}

func (r *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r.calls.Add(1)
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok")), Request: req}, nil
}

func TestTransport_RejectedRequestNeverSent(t *testing.T) {
	sb, _ := newSandbox(t, map[string]domain.SandboxLimits{"p1": {AllowedDomains: []string{"api.example.com"}}})
	base := &recordingTransport{}
	client := &http.Client{Transport: New(sb).Transport(base)}

	req, err := http.NewRequestWithContext(domain.WithPlugin(context.Background(), "p1"), http.MethodGet, "https://evil.com/steal", nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, erinyes.ErrViolation))
	assert.Zero(t, base.calls.Load())

	req, err = http.NewRequest(http.MethodGet, "https://api.example.com/", nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	assert.ErrorIs(t, err, domain.ErrNoPluginContext)
	assert.Zero(t, base.calls.Load())
}

func TestTransport_AccountsBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write([]byte(strings.Repeat("x", 2*len(body))))
	}))
	defer srv.Close()

	sb, _ := newSandbox(t, map[string]domain.SandboxLimits{"p1": {AllowedDomains: []string{"127.0.0.1"}}})
	g := New(sb)
	client := &http.Client{Transport: g.Transport(http.DefaultTransport)}

	ctx := domain.WithPlugin(context.Background(), "p1")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, strings.NewReader("hello"))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Len(t, got, 10)

	u := usage(t, sb, "p1")
	assert.Equal(t, int64(1), u.Get(domain.MetricNetworkRequests))
	assert.Equal(t, int64(5), u.Get(domain.MetricNetworkBytesOut))
	assert.Equal(t, int64(10), u.Get(domain.MetricNetworkBytesIn))
}

func TestTransport_DialerEnforcesContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	sb, _ := newSandbox(t, nil)
	g := New(sb, WithContract(Contract{DenyPrivate: true}))
	client := g.Client(5 * time.Second)

	// localhost passes the name check and is stopped at dial time.
	url := strings.Replace(srv.URL, "127.0.0.1", "localhost", 1)
	req, err := http.NewRequestWithContext(domain.WithPlugin(context.Background(), "p1"), http.MethodGet, url, nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network contract")
}
