package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "minos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, d.Server, cfg.Server)
	assert.Equal(t, d.Sandbox.ViolationThreshold, cfg.Sandbox.ViolationThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Sandbox.BlockDuration)
	assert.Equal(t, d.Sandbox.Defaults.APIRequestsPerMinute, cfg.Sandbox.Defaults.APIRequestsPerMinute)
	assert.True(t, cfg.Network.DenyMetadata)
	assert.Equal(t, "log", cfg.Audit.Sink)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
database:
  driver: sqlite
  dsn: "file:minos.db"
sandbox:
  hard_deadline: true
  violation_window: 30m
  defaults:
    max_execution_time: 2s
    allowed_domains: ["*.example.com"]
  overrides:
    crm-sync:
      entity_reads_per_minute: 5
  block_rules:
    - name: error-storm
      condition: "errors > 100 && api_requests < 10"
network:
  deny_private: true
  allowed_cidrs: ["10.20.0.0/16"]
`)
	t.Setenv("MINOS_SERVER_ADDR", ":9090")
	t.Setenv("MINOS_SANDBOX_VIOLATION_THRESHOLD", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr, "env wins over the file")
	assert.Equal(t, int64(3), cfg.Sandbox.ViolationThreshold)
	assert.True(t, cfg.Sandbox.HardDeadline)
	assert.Equal(t, 30*time.Minute, cfg.Sandbox.ViolationWindow)
	assert.Equal(t, 2*time.Second, cfg.Sandbox.Defaults.MaxExecutionTime)
	assert.Equal(t, []string{"*.example.com"}, cfg.Sandbox.Defaults.AllowedDomains)
	assert.Equal(t, int64(600), cfg.Sandbox.Defaults.EntityReadsPerMinute, "unset limits keep their defaults")
	assert.Equal(t, int64(5), cfg.Sandbox.Overrides["crm-sync"].EntityReadsPerMinute)
	require.Len(t, cfg.Sandbox.BlockRules, 1)
	assert.Equal(t, "error-storm", cfg.Sandbox.BlockRules[0].Name)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.True(t, cfg.Network.DenyPrivate)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "database:\n  driver: mysql\n  dsn: x\n"},
		{"driver without dsn", "database:\n  driver: postgres\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"file sink without path", "audit:\n  sink: file\n"},
		{"negative limit", "sandbox:\n  defaults:\n    storage_bytes: -1\n"},
		{"bad block rule", "sandbox:\n  block_rules:\n    - name: broken\n      condition: \"errors >\"\n"},
		{"bad cidr", "network:\n  allowed_cidrs: [\"nope\"]\n"},
		{"low bcrypt cost", "api_keys:\n  bcrypt_cost: 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Database.DSN = "postgres://minos:secret@db/minos"
	cfg.Admin.Token = "t0ken"

	r := cfg.Redacted()
	assert.Equal(t, "REDACTED", r.Database.DSN)
	assert.Equal(t, "REDACTED", r.Admin.Token)
	assert.Empty(t, r.Redis.Password)
	assert.Equal(t, "postgres://minos:secret@db/minos", cfg.Database.DSN, "the original is untouched")
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
