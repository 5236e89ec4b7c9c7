package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessLevel_Order(t *testing.T) {
	assert.True(t, AccessAdmin.Satisfies(AccessWrite))
	assert.True(t, AccessWrite.Satisfies(AccessWrite))
	assert.False(t, AccessRead.Satisfies(AccessDelete))
	assert.True(t, AccessRead.Satisfies(AccessNone), "zero requirement means read")

	lvl, err := ParseAccessLevel("DELETE")
	require.NoError(t, err)
	assert.Equal(t, AccessDelete, lvl)

	_, err = ParseAccessLevel("owner")
	assert.Error(t, err)
}

func TestAPIKey_IsValid(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		key  APIKey
		want bool
	}{
		{"active no expiry", APIKey{IsActive: true}, true},
		{"active future expiry", APIKey{IsActive: true, ExpiresAt: &future}, true},
		{"expired", APIKey{IsActive: true, ExpiresAt: &past}, false},
		{"inactive", APIKey{IsActive: false}, false},
		{"revoked", APIKey{IsActive: true, RevokedAt: &past}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.IsValid(now))
		})
	}
}

func TestSandboxLimits_Merge(t *testing.T) {
	base := DefaultSandboxLimits()
	merged := base.Merge(SandboxLimits{
		APIRequestsPerMinute: 5,
		AllowedDomains:       []string{"*.example.com"},
	})

	assert.Equal(t, int64(5), merged.APIRequestsPerMinute)
	assert.Equal(t, base.APIRequestsPerDay, merged.APIRequestsPerDay)
	assert.Equal(t, base.MaxExecutionTime, merged.MaxExecutionTime)
	assert.Equal(t, []string{"*.example.com"}, merged.AllowedDomains)
	assert.Empty(t, base.AllowedDomains, "merge must not alias the base")
}

func TestSandboxLimits_Tighten(t *testing.T) {
	base := DefaultSandboxLimits()
	tightened := base.Tighten(SandboxLimits{
		APIRequestsPerMinute: 5,
		APIRequestsPerDay:    base.APIRequestsPerDay * 10,
		MaxExecutionTime:     time.Second,
		AllowedDomains:       []string{"api.example.com"},
	})

	assert.Equal(t, int64(5), tightened.APIRequestsPerMinute)
	assert.Equal(t, base.APIRequestsPerDay, tightened.APIRequestsPerDay, "a manifest cannot raise a ceiling")
	assert.Equal(t, time.Second, tightened.MaxExecutionTime)
	assert.Equal(t, []string{"api.example.com"}, tightened.AllowedDomains)

	unlimited := SandboxLimits{}.Tighten(SandboxLimits{StorageBytes: 10})
	assert.Equal(t, int64(10), unlimited.StorageBytes)
}

func TestPluginContextStack(t *testing.T) {
	ctx := context.Background()
	_, ok := PluginFromContext(ctx)
	assert.False(t, ok)

	outer := WithPlugin(ctx, "plugin-a")
	inner := WithPlugin(outer, "plugin-b")

	current, ok := PluginFromContext(inner)
	require.True(t, ok)
	assert.Equal(t, PluginID("plugin-b"), current)
	assert.Equal(t, []PluginID{"plugin-a", "plugin-b"}, PluginStack(inner))

	current, _ = PluginFromContext(outer)
	assert.Equal(t, PluginID("plugin-a"), current, "outer context keeps its attribution")
}
