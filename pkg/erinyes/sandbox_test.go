package erinyes

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tartarus-sandbox/minos/pkg/charon"
	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/hades"
	"github.com/tartarus-sandbox/minos/pkg/hermes"
	"github.com/tartarus-sandbox/minos/pkg/hermes/audit"
	"github.com/tartarus-sandbox/minos/pkg/plugins"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sandboxFixture struct {
	sandbox  *Sandbox
	store    *charon.MemoryStore
	registry *hades.MemoryRegistry
	events   *audit.MemoryStore
	clock    *fakeClock
}

func newFixture(t *testing.T, mutate func(*Config, *Options)) *sandboxFixture {
	t.Helper()
	clock := newFakeClock()
	store := charon.NewMemoryStore(charon.WithClock(clock.Now))
	t.Cleanup(func() { store.Close() })

	registry := hades.NewMemoryRegistry()
	require.NoError(t, registry.Upsert(context.Background(), hades.PluginRecord{ID: "p1", Status: domain.PluginStatusActive}))

	events := audit.NewMemoryStore()
	cfg := DefaultConfig()
	opts := Options{
		Registry: registry,
		Audit:    audit.NewStandardAuditor(events),
		Logger:   hermes.DiscardLogger(),
		Now:      clock.Now,
	}
	if mutate != nil {
		mutate(&cfg, &opts)
	}
	opts.Config = cfg

	sb, err := New(store, opts)
	require.NoError(t, err)
	return &sandboxFixture{sandbox: sb, store: store, registry: registry, events: events, clock: clock}
}

func (f *sandboxFixture) usage(t *testing.T, plugin domain.PluginID) domain.UsageCounter {
	t.Helper()
	u, err := f.sandbox.Usage(context.Background(), plugin, domain.DayKey(f.clock.Now()))
	require.NoError(t, err)
	return u
}

func override(cfg *Config, plugin string, l domain.SandboxLimits) {
	if cfg.Overrides == nil {
		cfg.Overrides = map[string]domain.SandboxLimits{}
	}
	cfg.Overrides[plugin] = l
}

func requireViolation(t *testing.T, err error, want ViolationType) *ViolationError {
	t.Helper()
	require.ErrorIs(t, err, ErrViolation)
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, want, v.Type)
	return v
}

func TestSandbox_DisabledRunsUnmodified(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Options) { cfg.Enabled = false })
	ctx := context.Background()
	require.NoError(t, f.sandbox.BlockPlugin(ctx, "p1", time.Hour))

	called := false
	err := f.sandbox.Run(ctx, "p1", func(ctx context.Context) error {
		called = true
		plugin, ok := domain.PluginFromContext(ctx)
		assert.True(t, ok)
		assert.Equal(t, domain.PluginID("p1"), plugin)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Zero(t, f.usage(t, "p1").Get(domain.MetricExecutions))
}

func TestSandbox_RunRecordsExecution(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	err := f.sandbox.Run(ctx, "p1", func(ctx context.Context) error {
		f.clock.Advance(1500 * time.Millisecond)
		return f.sandbox.Checkpoint(ctx)
	})
	require.NoError(t, err)

	u := f.usage(t, "p1")
	assert.Equal(t, int64(1), u.Get(domain.MetricExecutions))
	assert.Equal(t, int64(1500), u.Get(domain.MetricExecutionTimeMS))
	assert.Zero(t, u.Get(domain.MetricErrors))
}

func TestSandbox_CircuitBreaker(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Options) {
		override(cfg, "p1", domain.SandboxLimits{HookExecutionsPerMinute: 1})
	})
	ctx := context.Background()

	require.NoError(t, f.sandbox.RecordHookExecution(ctx, "p1"))
	for i := 0; i < 4; i++ {
		requireViolation(t, f.sandbox.RecordHookExecution(ctx, "p1"), ViolationRateLimit)
	}
	assert.False(t, f.sandbox.IsBlocked(ctx, "p1"), "four violations stay under the threshold")

	requireViolation(t, f.sandbox.RecordHookExecution(ctx, "p1"), ViolationRateLimit)
	assert.True(t, f.sandbox.IsBlocked(ctx, "p1"))
	require.Len(t, f.events.OfType(audit.TypePluginAutoDisabled), 1)
	assert.Equal(t, audit.SeverityCritical, f.events.OfType(audit.TypePluginAutoDisabled)[0].Severity)

	rec, err := f.registry.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PluginStatusInactive, rec.Status)
	assert.Contains(t, rec.StatusReason, "auto-disabled")

	// The minute window has reset, the block still applies.
	f.clock.Advance(2 * time.Minute)
	ran := false
	err = f.sandbox.Run(ctx, "p1", func(context.Context) error {
		ran = true
		return nil
	})
	requireViolation(t, err, ViolationBlocked)
	assert.False(t, ran)

	f.clock.Advance(24 * time.Hour)
	assert.False(t, f.sandbox.IsBlocked(ctx, "p1"))
	require.NoError(t, f.sandbox.Run(ctx, "p1", func(context.Context) error { return nil }))
}

func TestSandbox_BlockedRunIsAuditedNotCounted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.sandbox.BlockPlugin(ctx, "p1", time.Hour))
	until, _, err := f.sandbox.BlockedUntil(ctx, "p1")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		requireViolation(t, f.sandbox.Run(ctx, "p1", func(context.Context) error { return nil }), ViolationBlocked)
	}

	events := f.events.OfType(audit.TypeViolation)
	require.Len(t, events, 6)
	assert.Equal(t, string(ViolationBlocked), events[0].Context["violation_type"])

	n, err := f.store.Count(ctx, violationsKey("p1"))
	require.NoError(t, err)
	assert.Zero(t, n)
	after, blocked, err := f.sandbox.BlockedUntil(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.True(t, until.Equal(after), "rejected calls do not extend the block")
	assert.Empty(t, f.events.OfType(audit.TypePluginAutoDisabled))
}

func TestSandbox_UnblockKeepsOperatorDeactivation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.registry.SetStatus(ctx, "p1", domain.PluginStatusInactive, "retired by operator"))
	require.NoError(t, f.sandbox.BlockPlugin(ctx, "p1", time.Hour))
	require.NoError(t, f.sandbox.UnblockPlugin(ctx, "p1"))

	rec, err := f.registry.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PluginStatusInactive, rec.Status)
	assert.Equal(t, "retired by operator", rec.StatusReason)
}

func TestSandbox_ConsecutiveErrors(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Options) {
		override(cfg, "p1", domain.SandboxLimits{MaxConsecutiveErrors: 3})
	})
	ctx := context.Background()
	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, f.sandbox.Run(ctx, "p1", fail), boom)
	}
	require.NoError(t, f.sandbox.ClearErrorCount(ctx, "p1"))

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, f.sandbox.Run(ctx, "p1", fail), boom)
	}
	assert.False(t, f.sandbox.IsBlocked(ctx, "p1"), "cleared errors do not compound")

	assert.ErrorIs(t, f.sandbox.Run(ctx, "p1", fail), boom)
	assert.True(t, f.sandbox.IsBlocked(ctx, "p1"))
	assert.Equal(t, int64(5), f.usage(t, "p1").Get(domain.MetricErrors))
	assert.Empty(t, f.events.OfType(audit.TypeViolation), "errors are not violations")
}

func TestSandbox_ViolationInsideRunRecordedOnce(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Options) {
		override(cfg, "p1", domain.SandboxLimits{EntityWritesPerMinute: 1})
	})
	ctx := context.Background()

	err := f.sandbox.Run(ctx, "p1", func(ctx context.Context) error {
		if err := f.sandbox.RecordEntityWrite(ctx, "p1"); err != nil {
			return err
		}
		return f.sandbox.RecordEntityWrite(ctx, "p1")
	})
	v := requireViolation(t, err, ViolationRateLimit)
	assert.Equal(t, "entity_writes_per_minute", v.Limit)
	assert.Equal(t, int64(1), v.Max)

	assert.Len(t, f.events.OfType(audit.TypeViolation), 1)
	u := f.usage(t, "p1")
	assert.Equal(t, int64(1), u.Get(domain.MetricViolations))
	assert.Equal(t, int64(1), u.Get(domain.MetricEntityWrites))
	assert.Equal(t, int64(1), u.Get(domain.MetricRateLimitHits))
	assert.Zero(t, u.Get(domain.MetricErrors))

	// The exhausted minute counter now fails the pre-flight check.
	err = f.sandbox.Run(ctx, "p1", func(context.Context) error { return nil })
	requireViolation(t, err, ViolationRateLimit)
	assert.Len(t, f.events.OfType(audit.TypeViolation), 2)
}

func TestSandbox_EnforceLimits(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Options) {
		override(cfg, "p1", domain.SandboxLimits{NetworkBytesPerDay: 1000, StorageBytes: 500})
	})
	ctx := context.Background()

	f.sandbox.RecordNetworkBytes(ctx, "p1", 400, 700)
	err := f.sandbox.Run(ctx, "p1", func(context.Context) error {
		t.Fatal("must not run past the daily network budget")
		return nil
	})
	v := requireViolation(t, err, ViolationNetwork)
	assert.Equal(t, int64(1100), v.Current)

	requireViolation(t, f.sandbox.AcquireNetworkRequest(ctx, "p1"), ViolationNetwork)

	// A new day starts a new budget.
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.sandbox.EnforceLimits(ctx, "p1"))
	require.NoError(t, f.sandbox.AcquireNetworkRequest(ctx, "p1"))

	require.NoError(t, f.sandbox.RecordStorage(ctx, "p1", 300))
	requireViolation(t, f.sandbox.RecordStorage(ctx, "p1", 300), ViolationStorage)
	assert.Equal(t, int64(300), f.usage(t, "p1").Get(domain.MetricStorageBytes), "rejected growth is rolled back")
	require.NoError(t, f.sandbox.RecordStorage(ctx, "p1", -100))
	require.NoError(t, f.sandbox.RecordStorage(ctx, "p1", 300))
	requireViolation(t, f.sandbox.EnforceLimits(ctx, "p1"), ViolationStorage)
}

func TestSandbox_RecordAPIRequestWindows(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Options) {
		cfg.ViolationThreshold = 0
		override(cfg, "p1", domain.SandboxLimits{APIRequestsPerMinute: 2, APIRequestsPerHour: 3, APIRequestsPerDay: 4})
	})
	ctx := context.Background()

	require.NoError(t, f.sandbox.RecordAPIRequest(ctx, "p1"))
	require.NoError(t, f.sandbox.RecordAPIRequest(ctx, "p1"))
	v := requireViolation(t, f.sandbox.RecordAPIRequest(ctx, "p1"), ViolationRateLimit)
	assert.Equal(t, "api_requests_per_minute", v.Limit)

	f.clock.Advance(time.Minute + time.Second)
	require.NoError(t, f.sandbox.RecordAPIRequest(ctx, "p1"))
	v = requireViolation(t, f.sandbox.RecordAPIRequest(ctx, "p1"), ViolationRateLimit)
	assert.Equal(t, "api_requests_per_hour", v.Limit)
	minuteKey := rateKey("p1", domain.MetricAPIRequests, "minute")
	n, err := f.store.Count(ctx, minuteKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the hour rejection gives its minute slot back")

	f.clock.Advance(time.Hour)
	require.NoError(t, f.sandbox.RecordAPIRequest(ctx, "p1"))
	f.clock.Advance(time.Hour)
	v = requireViolation(t, f.sandbox.RecordAPIRequest(ctx, "p1"), ViolationRateLimit)
	assert.Equal(t, "api_requests_per_day", v.Limit)
	for _, key := range []string{minuteKey, rateKey("p1", domain.MetricAPIRequests, "hour")} {
		n, err := f.store.Count(ctx, key)
		require.NoError(t, err)
		assert.Zero(t, n, key)
	}

	assert.Equal(t, int64(4), f.usage(t, "p1").Get(domain.MetricAPIRequests))
	requireViolation(t, f.sandbox.EnforceLimits(ctx, "p1"), ViolationRateLimit)
}

func TestSandbox_RateLimitExactnessUnderConcurrency(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	sb, err := New(charon.NewRedisStoreFromClient(client), Options{
		Config: Config{
			Enabled:  true,
			Defaults: domain.SandboxLimits{EntityReadsPerMinute: 10},
		},
		Logger: hermes.DiscardLogger(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	var ok, limited atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sb.RecordEntityRead(ctx, "p1")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrViolation):
				limited.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), ok.Load())
	assert.Equal(t, int64(30), limited.Load())

	s.FastForward(61 * time.Second)
	assert.NoError(t, sb.RecordEntityRead(ctx, "p1"))
}

func TestSandbox_CooperativeTimeLimit(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Options) {
		override(cfg, "p1", domain.SandboxLimits{MaxExecutionTime: time.Second})
	})
	ctx := context.Background()

	err := f.sandbox.Run(ctx, "p1", func(ctx context.Context) error {
		require.NoError(t, f.sandbox.CheckTimeLimit(ctx))
		f.clock.Advance(2 * time.Second)
		return f.sandbox.CheckTimeLimit(ctx)
	})
	v := requireViolation(t, err, ViolationExecutionTime)
	assert.Equal(t, int64(2000), v.Current)
	assert.Equal(t, int64(1000), v.Max)

	u := f.usage(t, "p1")
	assert.Equal(t, int64(1), u.Get(domain.MetricTimeouts))
	assert.Equal(t, int64(2000), u.Get(domain.MetricExecutionTimeMS))
}

func TestSandbox_HardDeadline(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Options) {
		cfg.HardDeadline = true
		override(cfg, "p1", domain.SandboxLimits{MaxExecutionTime: 20 * time.Millisecond})
	})
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Execute(context.Background(), f.sandbox, "p1", func(context.Context) (string, error) {
		<-release
		return "late", nil
	})
	requireViolation(t, err, ViolationExecutionTime)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int64(1), f.usage(t, "p1").Get(domain.MetricTimeouts))
}

func TestSandbox_MemoryLimit(t *testing.T) {
	var rss atomic.Int64
	rss.Store(1000)
	f := newFixture(t, func(cfg *Config, opts *Options) {
		opts.Sampler = SamplerFunc(func() (int64, error) { return rss.Load(), nil })
		override(cfg, "p1", domain.SandboxLimits{MemoryBytes: 1 << 20})
	})
	ctx := context.Background()

	err := f.sandbox.Run(ctx, "p1", func(ctx context.Context) error {
		require.NoError(t, f.sandbox.CheckMemoryLimit(ctx))
		rss.Store(1000 + 2<<20)
		return f.sandbox.Checkpoint(ctx)
	})
	v := requireViolation(t, err, ViolationMemory)
	assert.Equal(t, int64(2<<20), v.Current)
	assert.Equal(t, int64(2<<20), f.usage(t, "p1").Get(domain.MetricPeakMemory))
}

func TestSandbox_MemoryWatcherCancelsPlugin(t *testing.T) {
	var rss atomic.Int64
	f := newFixture(t, func(cfg *Config, opts *Options) {
		cfg.MemoryWatchInterval = 5 * time.Millisecond
		opts.Sampler = SamplerFunc(func() (int64, error) { return rss.Load(), nil })
		override(cfg, "p1", domain.SandboxLimits{MemoryBytes: 1024})
	})

	err := f.sandbox.Run(context.Background(), "p1", func(ctx context.Context) error {
		rss.Store(4096)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("watcher never fired")
		}
	})
	requireViolation(t, err, ViolationMemory)
}

func TestSandbox_PanicIsRecordedAsError(t *testing.T) {
	f := newFixture(t, nil)

	err := f.sandbox.Run(context.Background(), "p1", func(context.Context) error {
		panic("plugin bug")
	})
	assert.ErrorIs(t, err, ErrPluginPanic)
	assert.Equal(t, int64(1), f.usage(t, "p1").Get(domain.MetricErrors))
}

func TestSandbox_Execute(t *testing.T) {
	f := newFixture(t, nil)

	got, err := Execute(context.Background(), f.sandbox, "p1", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestSandbox_CheckpointOutsideRun(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.sandbox.CheckTimeLimit(context.Background()), ErrNoExecution)
	assert.ErrorIs(t, f.sandbox.CheckMemoryLimit(context.Background()), ErrNoExecution)
}

func TestSandbox_BlockAndUnblock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.Error(t, f.sandbox.BlockPlugin(ctx, "p1", 0))
	require.NoError(t, f.sandbox.AutoDisablePlugin(ctx, "p1", "manual test"))
	until, blocked, err := f.sandbox.BlockedUntil(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.True(t, f.clock.Now().Add(24*time.Hour).Equal(until))

	_, err = f.store.IncrementBy(ctx, violationsKey("p1"), 4, time.Hour)
	require.NoError(t, err)
	_, err = f.store.IncrementBy(ctx, errorsKey("p1"), 9, time.Hour)
	require.NoError(t, err)

	require.NoError(t, f.sandbox.UnblockPlugin(ctx, "p1"))
	assert.False(t, f.sandbox.IsBlocked(ctx, "p1"))
	for _, key := range []string{violationsKey("p1"), errorsKey("p1")} {
		n, err := f.store.Count(ctx, key)
		require.NoError(t, err)
		assert.Zero(t, n, key)
	}

	rec, err := f.registry.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PluginStatusActive, rec.Status)
	assert.Len(t, f.events.OfType(audit.TypePluginUnblocked), 1)

	require.NoError(t, f.sandbox.BlockPlugin(ctx, "p1", 10*time.Minute))
	assert.True(t, f.sandbox.IsBlocked(ctx, "p1"))
	assert.Len(t, f.events.OfType(audit.TypePluginBlocked), 1)
}

func TestSandbox_BlockRules(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Options) {
		cfg.BlockRules = []BlockRule{{Name: "error-storm", Condition: "errors >= 2"}}
	})
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("boom") }

	_ = f.sandbox.Run(ctx, "p1", fail)
	assert.False(t, f.sandbox.IsBlocked(ctx, "p1"))
	_ = f.sandbox.Run(ctx, "p1", fail)
	assert.True(t, f.sandbox.IsBlocked(ctx, "p1"))

	events := f.events.OfType(audit.TypePluginAutoDisabled)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "error-storm")
}

type failingStore struct {
	charon.Store
}

var errStoreDown = errors.New("counter store down")

func (failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errStoreDown }
func (failingStore) Count(context.Context, string) (int64, error)      { return 0, errStoreDown }
func (failingStore) IncrementBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) IncrementWithCeiling(context.Context, string, int64, time.Duration) (int64, bool, error) {
	return 0, false, errStoreDown
}

func TestSandbox_CountersFailOpen(t *testing.T) {
	mem := charon.NewMemoryStore()
	defer mem.Close()

	sb, err := New(failingStore{Store: mem}, Options{
		Config: Config{Enabled: true, Defaults: domain.SandboxLimits{HookExecutionsPerMinute: 1, APIRequestsPerDay: 1}},
		Logger: hermes.DiscardLogger(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, sb.IsBlocked(ctx, "p1"))
	for i := 0; i < 3; i++ {
		assert.NoError(t, sb.RecordHookExecution(ctx, "p1"))
		assert.NoError(t, sb.RecordAPIRequest(ctx, "p1"))
	}
	assert.NoError(t, sb.Run(ctx, "p1", func(context.Context) error { return nil }))
}

func TestLimits_ManifestOnlyTightens(t *testing.T) {
	ctx := context.Background()
	registry := hades.NewMemoryRegistry()
	require.NoError(t, registry.Upsert(ctx, hades.RecordFromManifest(&plugins.Manifest{
		Metadata: plugins.ManifestMetadata{Name: "p1", Version: "1.0.0"},
		Spec: plugins.ManifestSpec{Limits: &domain.SandboxLimits{
			EntityReadsPerMinute: 5,
			APIRequestsPerMinute: 10_000,
		}},
	})))

	limits := &Limits{
		Defaults:  domain.DefaultSandboxLimits(),
		Registry:  registry,
		Overrides: map[domain.PluginID]domain.SandboxLimits{"p1": {HookExecutionsPerMinute: 500}},
	}

	got := limits.LimitsFor(ctx, "p1")
	assert.Equal(t, int64(5), got.EntityReadsPerMinute)
	assert.Equal(t, int64(60), got.APIRequestsPerMinute, "a manifest cannot raise a ceiling")
	assert.Equal(t, int64(500), got.HookExecutionsPerMinute, "operator overrides apply last")

	assert.Equal(t, domain.DefaultSandboxLimits(), limits.LimitsFor(ctx, "unknown"))
}
