package audit

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainManager_ComputeHash(t *testing.T) {
	cm := NewChainManager([]byte("secret"))
	event := &Event{
		ID:         "1",
		Timestamp:  time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		PluginSlug: "seo",
		Type:       TypePermissionGranted,
		Severity:   SeverityInfo,
	}

	hash1, err := cm.ComputeHash(event)
	require.NoError(t, err)
	assert.NotEmpty(t, hash1)

	hash2, err := cm.ComputeHash(event)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)

	event.Type = TypePermissionRevoked
	hash3, err := cm.ComputeHash(event)
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash3)
}

func TestChainManager_VerifyChain(t *testing.T) {
	cm := NewChainManager([]byte("secret"))

	event1 := Event{ID: "1", Timestamp: time.Now(), Type: TypeAPIKeyCreated}
	hash1, err := cm.ComputeHash(&event1)
	require.NoError(t, err)
	event1.Hash = hash1

	event2 := Event{ID: "2", Timestamp: time.Now(), Type: TypeAPIKeyRevoked, PreviousHash: hash1}
	hash2, err := cm.ComputeHash(&event2)
	require.NoError(t, err)
	event2.Hash = hash2

	events := []Event{event1, event2}
	assert.NoError(t, cm.VerifyChain(events))

	events[0].Hash = "tampered"
	err = cm.VerifyChain(events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")

	// A re-hashed event with a forged link still breaks the chain.
	events[0].Hash = hash1
	events[1].PreviousHash = "tampered"
	tamperedHash2, _ := cm.ComputeHash(&events[1])
	events[1].Hash = tamperedHash2

	err = cm.VerifyChain(events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain broken")
}

func TestTamperEvidentStore_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cm := NewChainManager([]byte("k"))
	auditor := NewStandardAuditor(NewTamperEvidentStore(NewLogStore(&buf), cm))

	ctx := context.Background()
	require.NoError(t, auditor.Record(ctx, &Event{
		PluginSlug: "seo",
		Type:       TypeViolation,
		Message:    "rate limit exceeded",
		Severity:   SeverityWarning,
		Context:    map[string]any{"limit": "api_requests_per_minute", "current": 61},
	}))
	require.NoError(t, auditor.Record(ctx, &Event{PluginSlug: "seo", Type: TypePluginBlocked, Severity: SeverityCritical}))

	events, err := ReadLog(&buf)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, events[0].Hash, events[1].PreviousHash)
	assert.NoError(t, cm.VerifyChain(events))

	events[0].Message = "nothing happened"
	assert.Error(t, cm.VerifyChain(events))
}

func TestStandardAuditor_MinSeverity(t *testing.T) {
	store := NewMemoryStore()
	auditor := NewStandardAuditor(store).WithMinSeverity(SeverityInfo)

	ctx := context.Background()
	require.NoError(t, auditor.Record(ctx, &Event{Type: TypeAPIKeyAccessed, Severity: SeverityDebug}))
	require.NoError(t, auditor.Record(ctx, &Event{Type: TypeAPIKeyIPRejected, Severity: SeverityWarning}))
	require.NoError(t, auditor.Record(ctx, &Event{Type: TypePermissionGranted}))

	events := store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, TypeAPIKeyIPRejected, events[0].Type)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, SeverityInfo, events[1].Severity, "severity defaults to info")
	assert.Len(t, store.OfType(TypePermissionGranted), 1)
}
