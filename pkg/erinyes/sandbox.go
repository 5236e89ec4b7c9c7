package erinyes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tartarus-sandbox/minos/pkg/charon"
	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/hades"
	"github.com/tartarus-sandbox/minos/pkg/hermes"
	"github.com/tartarus-sandbox/minos/pkg/hermes/audit"
)

// ErrNoExecution is returned by checkpoints called outside Run.
var ErrNoExecution = errors.New("no sandboxed execution in context")

// errHardDeadline is the context cause set when the hard deadline fires.
var errHardDeadline = errors.New("hard deadline reached")

// Config controls the sandbox.
type Config struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// HardDeadline makes Run stop waiting for plugin code once MaxExecutionTime elapses.
	HardDeadline bool `mapstructure:"hard_deadline" yaml:"hard_deadline"`

	// MemoryWatchInterval > 0 samples memory in the background while a plugin runs
	// and cancels its context on breach.
	MemoryWatchInterval time.Duration `mapstructure:"memory_watch_interval" yaml:"memory_watch_interval" validate:"gte=0"`

	ViolationThreshold int64         `mapstructure:"violation_threshold" yaml:"violation_threshold" validate:"gte=0"`
	ViolationWindow    time.Duration `mapstructure:"violation_window" yaml:"violation_window" validate:"gte=0"`
	BlockDuration      time.Duration `mapstructure:"block_duration" yaml:"block_duration" validate:"gte=0"`
	ErrorWindow        time.Duration `mapstructure:"error_window" yaml:"error_window" validate:"gte=0"`
	UsageRetention     time.Duration `mapstructure:"usage_retention" yaml:"usage_retention" validate:"gte=0"`

	// DisableInRegistry flips the plugin to INACTIVE in the registry on auto-disable.
	DisableInRegistry bool `mapstructure:"disable_in_registry" yaml:"disable_in_registry"`

	Defaults   domain.SandboxLimits            `mapstructure:"defaults" yaml:"defaults"`
	Overrides  map[string]domain.SandboxLimits `mapstructure:"overrides" yaml:"overrides,omitempty" validate:"dive"`
	BlockRules []BlockRule                     `mapstructure:"block_rules" yaml:"block_rules,omitempty" validate:"dive"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		ViolationThreshold: 5,
		ViolationWindow:    60 * time.Minute,
		BlockDuration:      24 * time.Hour,
		ErrorWindow:        24 * time.Hour,
		UsageRetention:     48 * time.Hour,
		DisableInRegistry:  true,
		Defaults:           domain.DefaultSandboxLimits(),
	}
}

// Options wires a Sandbox. Only Config is required.
type Options struct {
	Config Config

	// Limits overrides the resolver built from Config and Registry.
	Limits   LimitsSource
	Registry hades.Registry
	Audit    audit.Sink
	Logger   *slog.Logger
	Metrics  hermes.Metrics
	Sampler  MemorySampler
	Now      func() time.Time
}

// Sandbox meters plugin executions against their limits and blocks plugins that keep breaching them.
type Sandbox struct {
	cfg      Config
	store    charon.Store
	limits   LimitsSource
	registry hades.Registry
	audit    audit.Sink
	logger   *slog.Logger
	metrics  hermes.Metrics
	sampler  MemorySampler
	rules    *RuleSet
	now      func() time.Time
}

// New creates a sandbox keeping its counters in store.
func New(store charon.Store, opts Options) (*Sandbox, error) {
	if store == nil {
		return nil, errors.New("erinyes: counter store is required")
	}
	rules, err := NewRuleSet(opts.Config.BlockRules)
	if err != nil {
		return nil, err
	}

	s := &Sandbox{
		cfg:      opts.Config,
		store:    store,
		limits:   opts.Limits,
		registry: opts.Registry,
		audit:    opts.Audit,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		sampler:  opts.Sampler,
		rules:    rules,
		now:      opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = hermes.NewNoopMetrics()
	}
	if s.audit == nil {
		s.audit = audit.Discard
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.cfg.UsageRetention <= 0 {
		s.cfg.UsageRetention = 48 * time.Hour
	}
	if s.limits == nil {
		overrides := make(map[domain.PluginID]domain.SandboxLimits, len(s.cfg.Overrides))
		for id, l := range s.cfg.Overrides {
			overrides[domain.PluginID(id)] = l
		}
		s.limits = &Limits{
			Defaults:  s.cfg.Defaults,
			Overrides: overrides,
			Registry:  s.registry,
			Logger:    s.logger,
		}
	}
	return s, nil
}

// Enabled reports whether executions are metered.
func (s *Sandbox) Enabled() bool {
	return s.cfg.Enabled
}

// LimitsFor returns the effective limits of plugin.
func (s *Sandbox) LimitsFor(ctx context.Context, plugin domain.PluginID) domain.SandboxLimits {
	return s.limits.LimitsFor(ctx, plugin)
}

// Counter keys

func usageKey(plugin domain.PluginID, day string, m domain.UsageMetric) string {
	return fmt.Sprintf("minos:usage:%s:%s:%s", plugin, day, m)
}

func rateKey(plugin domain.PluginID, m domain.UsageMetric, window string) string {
	return fmt.Sprintf("minos:rate:%s:%s:%s", plugin, m, window)
}

func storageKey(plugin domain.PluginID) string { return "minos:storage:" + string(plugin) }

func violationsKey(plugin domain.PluginID) string { return "minos:violations:" + string(plugin) }

func errorsKey(plugin domain.PluginID) string { return "minos:errors:" + string(plugin) }

func blockKey(plugin domain.PluginID) string { return "minos:blocked:" + string(plugin) }

// Execution

type executionKey struct{}

type execution struct {
	plugin   domain.PluginID
	limits   domain.SandboxLimits
	start    time.Time
	baseline int64
	peak     atomic.Int64
}

func executionFrom(ctx context.Context) (*execution, bool) {
	exec, ok := ctx.Value(executionKey{}).(*execution)
	return exec, ok
}

// Run executes fn on behalf of plugin. fn receives a context carrying the plugin identity and,
// when the sandbox is enabled, the execution state used by the checkpoints.
func (s *Sandbox) Run(ctx context.Context, plugin domain.PluginID, fn func(ctx context.Context) error) error {
	ctx = domain.WithPlugin(ctx, plugin)
	if !s.cfg.Enabled {
		return fn(ctx)
	}

	if s.IsBlocked(ctx, plugin) {
		return s.rejectBlocked(ctx, plugin)
	}

	limits := s.limits.LimitsFor(ctx, plugin)
	if err := s.enforceLimits(ctx, plugin, limits); err != nil {
		return s.fail(ctx, plugin, err)
	}
	if err := s.enforceRateLimits(ctx, plugin, limits); err != nil {
		return s.fail(ctx, plugin, err)
	}

	exec := &execution{plugin: plugin, limits: limits, start: s.now()}
	if s.sampler != nil {
		if rss, err := s.sampler.RSS(); err == nil {
			exec.baseline = rss
		}
	}
	runCtx := context.WithValue(ctx, executionKey{}, exec)

	stop := func() {}
	if s.cfg.MemoryWatchInterval > 0 && s.sampler != nil && limits.MemoryBytes > 0 {
		runCtx, stop = s.watchMemory(runCtx, exec)
	}

	err := s.invoke(runCtx, exec, fn)
	if err != nil && runCtx.Err() != nil && !errors.Is(err, ErrViolation) {
		if v, ok := AsViolation(context.Cause(runCtx)); ok {
			err = v
		}
	}
	stop()

	s.finish(ctx, exec)
	if err != nil {
		err = s.fail(ctx, plugin, err)
	}
	s.applyRules(ctx, plugin)
	return err
}

// Execute runs fn through s.Run and returns its value.
func Execute[T any](ctx context.Context, s *Sandbox, plugin domain.PluginID, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.Run(ctx, plugin, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (s *Sandbox) invoke(ctx context.Context, exec *execution, fn func(context.Context) error) error {
	if !s.cfg.HardDeadline || exec.limits.MaxExecutionTime <= 0 {
		return call(ctx, fn)
	}

	runCtx, cancel := context.WithTimeoutCause(ctx, exec.limits.MaxExecutionTime, errHardDeadline)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- call(runCtx, fn)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		cause := context.Cause(runCtx)
		if errors.Is(cause, errHardDeadline) {
			return violation(ViolationExecutionTime, exec.plugin, "max_execution_time",
				s.now().Sub(exec.start).Milliseconds(), exec.limits.MaxExecutionTime.Milliseconds())
		}
		return cause
	}
}

func call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPluginPanic, r)
		}
	}()
	return fn(ctx)
}

// fail records err as a violation or an error and returns it.
func (s *Sandbox) fail(ctx context.Context, plugin domain.PluginID, err error) error {
	if v, ok := AsViolation(err); ok {
		if !v.recorded {
			s.RecordViolation(ctx, v)
		}
		return err
	}
	s.RecordError(ctx, plugin, err)
	return err
}

func (s *Sandbox) finish(ctx context.Context, exec *execution) {
	elapsed := s.now().Sub(exec.start)
	if s.sampler != nil {
		if rss, err := s.sampler.RSS(); err == nil {
			exec.observe(rss - exec.baseline)
		}
	}

	day := domain.DayKey(s.now())
	s.addUsage(ctx, exec.plugin, day, domain.MetricExecutions, 1)
	s.addUsage(ctx, exec.plugin, day, domain.MetricExecutionTimeMS, elapsed.Milliseconds())
	if peak := exec.peak.Load(); peak > 0 {
		if _, err := s.store.Max(ctx, usageKey(exec.plugin, day, domain.MetricPeakMemory), peak, s.cfg.UsageRetention); err != nil {
			s.counterFailure(ctx, exec.plugin, "usage", err)
		}
	}
	s.metrics.ObserveHistogram(hermes.MetricSandboxExecution, elapsed.Seconds(),
		hermes.Label{Key: "plugin", Value: string(exec.plugin)})
}

func (e *execution) observe(used int64) {
	if used < 0 {
		used = 0
	}
	for {
		cur := e.peak.Load()
		if used <= cur || e.peak.CompareAndSwap(cur, used) {
			return
		}
	}
}

// Pre-flight

// EnforceLimits checks the plugin's daily budgets for api requests, storage and network bytes.
func (s *Sandbox) EnforceLimits(ctx context.Context, plugin domain.PluginID) error {
	return s.enforceLimits(ctx, plugin, s.limits.LimitsFor(ctx, plugin))
}

func (s *Sandbox) enforceLimits(ctx context.Context, plugin domain.PluginID, limits domain.SandboxLimits) error {
	day := domain.DayKey(s.now())

	if limits.APIRequestsPerDay > 0 {
		if n, ok := s.count(ctx, plugin, usageKey(plugin, day, domain.MetricAPIRequests)); ok && n >= limits.APIRequestsPerDay {
			return violation(ViolationRateLimit, plugin, "api_requests_per_day", n, limits.APIRequestsPerDay)
		}
	}
	if limits.StorageBytes > 0 {
		if n, ok := s.count(ctx, plugin, storageKey(plugin)); ok && n >= limits.StorageBytes {
			return violation(ViolationStorage, plugin, "storage_bytes", n, limits.StorageBytes)
		}
	}
	if limits.NetworkBytesPerDay > 0 {
		if n, ok := s.networkBytes(ctx, plugin, day); ok && n >= limits.NetworkBytesPerDay {
			return violation(ViolationNetwork, plugin, "network_bytes_per_day", n, limits.NetworkBytesPerDay)
		}
	}
	return nil
}

type rateRule struct {
	metric domain.UsageMetric
	limit  string
	max    func(domain.SandboxLimits) int64
}

var minuteRules = []rateRule{
	{domain.MetricAPIRequests, "api_requests_per_minute", func(l domain.SandboxLimits) int64 { return l.APIRequestsPerMinute }},
	{domain.MetricHookExecutions, "hook_executions_per_minute", func(l domain.SandboxLimits) int64 { return l.HookExecutionsPerMinute }},
	{domain.MetricEntityReads, "entity_reads_per_minute", func(l domain.SandboxLimits) int64 { return l.EntityReadsPerMinute }},
	{domain.MetricEntityWrites, "entity_writes_per_minute", func(l domain.SandboxLimits) int64 { return l.EntityWritesPerMinute }},
	{domain.MetricNetworkRequests, "network_requests_per_minute", func(l domain.SandboxLimits) int64 { return l.NetworkRequestsPerMinute }},
}

// EnforceRateLimits checks the per-minute counters without consuming from them.
func (s *Sandbox) EnforceRateLimits(ctx context.Context, plugin domain.PluginID) error {
	return s.enforceRateLimits(ctx, plugin, s.limits.LimitsFor(ctx, plugin))
}

func (s *Sandbox) enforceRateLimits(ctx context.Context, plugin domain.PluginID, limits domain.SandboxLimits) error {
	for _, r := range minuteRules {
		max := r.max(limits)
		if max <= 0 {
			continue
		}
		if n, ok := s.count(ctx, plugin, rateKey(plugin, r.metric, "minute")); ok && n >= max {
			return violation(ViolationRateLimit, plugin, r.limit, n, max)
		}
	}
	return nil
}

// Checkpoints

// CheckTimeLimit fails once the current execution has run longer than MaxExecutionTime.
func (s *Sandbox) CheckTimeLimit(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	exec, ok := executionFrom(ctx)
	if !ok {
		return ErrNoExecution
	}
	max := exec.limits.MaxExecutionTime
	if max <= 0 {
		return nil
	}
	if elapsed := s.now().Sub(exec.start); elapsed > max {
		return violation(ViolationExecutionTime, exec.plugin, "max_execution_time", elapsed.Milliseconds(), max.Milliseconds())
	}
	return nil
}

// CheckMemoryLimit samples memory growth since the execution started.
func (s *Sandbox) CheckMemoryLimit(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	exec, ok := executionFrom(ctx)
	if !ok {
		return ErrNoExecution
	}
	return s.checkMemory(ctx, exec)
}

func (s *Sandbox) checkMemory(ctx context.Context, exec *execution) error {
	if s.sampler == nil {
		return nil
	}
	rss, err := s.sampler.RSS()
	if err != nil {
		s.logger.WarnContext(ctx, "memory sample failed", "plugin", exec.plugin, "error", err)
		return nil
	}
	used := rss - exec.baseline
	exec.observe(used)
	if max := exec.limits.MemoryBytes; max > 0 && used > max {
		return violation(ViolationMemory, exec.plugin, "memory_bytes", used, max)
	}
	return nil
}

// Checkpoint combines the cancellation, time and memory checks.
func (s *Sandbox) Checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		if v, ok := AsViolation(context.Cause(ctx)); ok {
			return v
		}
		return ctx.Err()
	}
	if err := s.CheckTimeLimit(ctx); err != nil {
		return err
	}
	return s.CheckMemoryLimit(ctx)
}

// Recording

// RecordAPIRequest consumes one api request from the minute, hour and day budgets. A request
// rejected by a wider window gives back the slots it took from the narrower ones.
func (s *Sandbox) RecordAPIRequest(ctx context.Context, plugin domain.PluginID) error {
	limits := s.limits.LimitsFor(ctx, plugin)
	minute, err := s.consume(ctx, plugin, domain.MetricAPIRequests, "minute", time.Minute, limits.APIRequestsPerMinute, "api_requests_per_minute")
	if err != nil {
		return err
	}
	hour, err := s.consume(ctx, plugin, domain.MetricAPIRequests, "hour", time.Hour, limits.APIRequestsPerHour, "api_requests_per_hour")
	if err != nil {
		s.refund(ctx, plugin, domain.MetricAPIRequests, "minute", time.Minute, minute)
		return err
	}

	key := usageKey(plugin, domain.DayKey(s.now()), domain.MetricAPIRequests)
	n, ok, err := s.store.IncrementWithCeiling(ctx, key, limits.APIRequestsPerDay, s.cfg.UsageRetention)
	if err != nil {
		s.counterFailure(ctx, plugin, "usage", err)
		return nil
	}
	if !ok {
		s.refund(ctx, plugin, domain.MetricAPIRequests, "minute", time.Minute, minute)
		s.refund(ctx, plugin, domain.MetricAPIRequests, "hour", time.Hour, hour)
		return s.rateViolation(ctx, plugin, "api_requests_per_day", n, limits.APIRequestsPerDay)
	}
	return nil
}

func (s *Sandbox) RecordHookExecution(ctx context.Context, plugin domain.PluginID) error {
	return s.consumeMinute(ctx, plugin, domain.MetricHookExecutions)
}

func (s *Sandbox) RecordEntityRead(ctx context.Context, plugin domain.PluginID) error {
	return s.consumeMinute(ctx, plugin, domain.MetricEntityReads)
}

func (s *Sandbox) RecordEntityWrite(ctx context.Context, plugin domain.PluginID) error {
	return s.consumeMinute(ctx, plugin, domain.MetricEntityWrites)
}

// AcquireNetworkRequest checks the daily byte budget and consumes one outbound request.
func (s *Sandbox) AcquireNetworkRequest(ctx context.Context, plugin domain.PluginID) error {
	limits := s.limits.LimitsFor(ctx, plugin)
	if limits.NetworkBytesPerDay > 0 {
		if n, ok := s.networkBytes(ctx, plugin, domain.DayKey(s.now())); ok && n >= limits.NetworkBytesPerDay {
			v := violation(ViolationNetwork, plugin, "network_bytes_per_day", n, limits.NetworkBytesPerDay)
			s.RecordViolation(ctx, v)
			return v
		}
	}
	return s.consumeMinute(ctx, plugin, domain.MetricNetworkRequests)
}

// RecordNetworkBytes adds transferred bytes to the day's usage.
func (s *Sandbox) RecordNetworkBytes(ctx context.Context, plugin domain.PluginID, bytesOut, bytesIn int64) {
	day := domain.DayKey(s.now())
	if bytesOut > 0 {
		s.addUsage(ctx, plugin, day, domain.MetricNetworkBytesOut, bytesOut)
		s.metrics.IncCounter(hermes.MetricNetworkBytes, float64(bytesOut),
			hermes.Label{Key: "plugin", Value: string(plugin)}, hermes.Label{Key: "direction", Value: "out"})
	}
	if bytesIn > 0 {
		s.addUsage(ctx, plugin, day, domain.MetricNetworkBytesIn, bytesIn)
		s.metrics.IncCounter(hermes.MetricNetworkBytes, float64(bytesIn),
			hermes.Label{Key: "plugin", Value: string(plugin)}, hermes.Label{Key: "direction", Value: "in"})
	}
}

// RecordStorage adjusts the plugin's stored bytes by delta. A growth past StorageBytes is
// rolled back and reported.
func (s *Sandbox) RecordStorage(ctx context.Context, plugin domain.PluginID, delta int64) error {
	if delta == 0 {
		return nil
	}
	n, err := s.store.IncrementBy(ctx, storageKey(plugin), delta, 0)
	if err != nil {
		s.counterFailure(ctx, plugin, "storage", err)
		return nil
	}
	max := s.limits.LimitsFor(ctx, plugin).StorageBytes
	if delta > 0 && max > 0 && n > max {
		if _, err := s.store.IncrementBy(ctx, storageKey(plugin), -delta, 0); err != nil {
			s.counterFailure(ctx, plugin, "storage", err)
		}
		v := violation(ViolationStorage, plugin, "storage_bytes", n, max)
		s.RecordViolation(ctx, v)
		return v
	}
	return nil
}

func (s *Sandbox) consumeMinute(ctx context.Context, plugin domain.PluginID, m domain.UsageMetric) error {
	limits := s.limits.LimitsFor(ctx, plugin)
	for _, r := range minuteRules {
		if r.metric != m {
			continue
		}
		if _, err := s.consume(ctx, plugin, m, "minute", time.Minute, r.max(limits), r.limit); err != nil {
			return err
		}
	}
	s.addUsage(ctx, plugin, domain.DayKey(s.now()), m, 1)
	return nil
}

// consume takes one slot from a fixed window and reports whether it did. Store failures
// allow the call without taking a slot.
func (s *Sandbox) consume(ctx context.Context, plugin domain.PluginID, m domain.UsageMetric, window string, length time.Duration, max int64, limit string) (bool, error) {
	if max <= 0 {
		return false, nil
	}
	n, ok, err := s.store.IncrementWithCeiling(ctx, rateKey(plugin, m, window), max, length)
	if err != nil {
		s.counterFailure(ctx, plugin, "rate", err)
		return false, nil
	}
	if !ok {
		return false, s.rateViolation(ctx, plugin, limit, n, max)
	}
	return true, nil
}

// refund returns a slot taken by consume.
func (s *Sandbox) refund(ctx context.Context, plugin domain.PluginID, m domain.UsageMetric, window string, length time.Duration, taken bool) {
	if !taken {
		return
	}
	if _, err := s.store.IncrementBy(ctx, rateKey(plugin, m, window), -1, length); err != nil {
		s.counterFailure(ctx, plugin, "rate", err)
	}
}

func (s *Sandbox) rateViolation(ctx context.Context, plugin domain.PluginID, limit string, current, max int64) error {
	s.addUsage(ctx, plugin, domain.DayKey(s.now()), domain.MetricRateLimitHits, 1)
	v := violation(ViolationRateLimit, plugin, limit, current, max)
	s.RecordViolation(ctx, v)
	return v
}

// Violations and errors

// RecordViolation audits v and trips the circuit breaker once the plugin reaches the
// violation threshold within the window.
func (s *Sandbox) RecordViolation(ctx context.Context, v *ViolationError) {
	v.recorded = true
	plugin := v.Plugin

	s.logger.WarnContext(ctx, "sandbox violation",
		"plugin", plugin,
		"type", string(v.Type),
		"limit", v.Limit,
		"current", v.Current,
		"max", v.Max)
	s.metrics.IncCounter(hermes.MetricSandboxViolations, 1,
		hermes.Label{Key: "plugin", Value: string(plugin)}, hermes.Label{Key: "type", Value: string(v.Type)})
	details := map[string]any{
		"violation_type": string(v.Type),
		"limit":          v.Limit,
		"current":        v.Current,
		"max":            v.Max,
	}
	if v.Detail != "" {
		details["detail"] = v.Detail
	}
	audit.Emit(ctx, s.audit, s.logger, &audit.Event{
		PluginSlug: string(plugin),
		Type:       audit.TypeViolation,
		Message:    v.Error(),
		Severity:   audit.SeverityWarning,
		Context:    details,
	})

	day := domain.DayKey(s.now())
	s.addUsage(ctx, plugin, day, domain.MetricViolations, 1)
	if v.Type == ViolationExecutionTime {
		s.addUsage(ctx, plugin, day, domain.MetricTimeouts, 1)
	}

	if s.cfg.ViolationThreshold <= 0 {
		return
	}
	n, err := s.store.IncrementBy(ctx, violationsKey(plugin), 1, s.cfg.ViolationWindow)
	if err != nil {
		s.counterFailure(ctx, plugin, "violations", err)
		return
	}
	if n >= s.cfg.ViolationThreshold && !s.IsBlocked(ctx, plugin) {
		reason := fmt.Sprintf("%d sandbox violations within %s", n, s.cfg.ViolationWindow)
		if err := s.AutoDisablePlugin(ctx, plugin, reason); err != nil {
			s.logger.ErrorContext(ctx, "auto-disable failed", "plugin", plugin, "error", err)
		}
	}
}

// rejectBlocked audits a call refused because plugin is blocked. It does not count toward
// the violation threshold, so a blocked plugin cannot extend its own block.
func (s *Sandbox) rejectBlocked(ctx context.Context, plugin domain.PluginID) error {
	v := violation(ViolationBlocked, plugin, "", 0, 0)
	v.recorded = true

	s.logger.WarnContext(ctx, "sandbox violation", "plugin", plugin, "type", string(v.Type))
	s.metrics.IncCounter(hermes.MetricSandboxViolations, 1,
		hermes.Label{Key: "plugin", Value: string(plugin)}, hermes.Label{Key: "type", Value: string(v.Type)})
	audit.Emit(ctx, s.audit, s.logger, &audit.Event{
		PluginSlug: string(plugin),
		Type:       audit.TypeViolation,
		Message:    v.Error(),
		Severity:   audit.SeverityWarning,
		Context:    map[string]any{"violation_type": string(v.Type)},
	})
	return v
}

// RecordError counts a failed execution. MaxConsecutiveErrors failures in a row auto-disable the plugin.
func (s *Sandbox) RecordError(ctx context.Context, plugin domain.PluginID, cause error) {
	s.logger.WarnContext(ctx, "plugin execution failed", "plugin", plugin, "error", cause)
	s.addUsage(ctx, plugin, domain.DayKey(s.now()), domain.MetricErrors, 1)

	n, err := s.store.IncrementBy(ctx, errorsKey(plugin), 1, s.cfg.ErrorWindow)
	if err != nil {
		s.counterFailure(ctx, plugin, "errors", err)
		return
	}
	max := s.limits.LimitsFor(ctx, plugin).MaxConsecutiveErrors
	if max > 0 && n >= max && !s.IsBlocked(ctx, plugin) {
		reason := fmt.Sprintf("%d consecutive errors", n)
		if err := s.AutoDisablePlugin(ctx, plugin, reason); err != nil {
			s.logger.ErrorContext(ctx, "auto-disable failed", "plugin", plugin, "error", err)
		}
	}
}

// ClearErrorCount resets the consecutive error counter. Hosts call it after a successful execution.
func (s *Sandbox) ClearErrorCount(ctx context.Context, plugin domain.PluginID) error {
	if err := s.store.Forget(ctx, errorsKey(plugin)); err != nil {
		return fmt.Errorf("failed to clear error count: %w", err)
	}
	return nil
}

// AutoDisablePlugin blocks plugin for the configured cool-down and, when configured,
// marks it inactive in the registry.
func (s *Sandbox) AutoDisablePlugin(ctx context.Context, plugin domain.PluginID, reason string) error {
	until, err := s.block(ctx, plugin, s.blockDuration())
	if err != nil {
		return err
	}

	s.logger.ErrorContext(ctx, "plugin auto-disabled", "plugin", plugin, "reason", reason, "until", until)
	audit.Emit(ctx, s.audit, s.logger, &audit.Event{
		PluginSlug: string(plugin),
		Type:       audit.TypePluginAutoDisabled,
		Message:    fmt.Sprintf("plugin %s auto-disabled: %s", plugin, reason),
		Severity:   audit.SeverityCritical,
		Context:    map[string]any{"reason": reason, "blocked_until": until.UTC().Format(time.RFC3339)},
	})

	if s.cfg.DisableInRegistry && s.registry != nil {
		err := s.registry.SetStatus(ctx, plugin, domain.PluginStatusInactive, autoDisabledReason+reason)
		if err != nil && !errors.Is(err, hades.ErrPluginNotFound) {
			return fmt.Errorf("failed to deactivate plugin %s: %w", plugin, err)
		}
	}
	return nil
}

func (s *Sandbox) applyRules(ctx context.Context, plugin domain.PluginID) {
	if s.rules.Len() == 0 {
		return
	}
	usage, err := s.Usage(ctx, plugin, domain.DayKey(s.now()))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load usage for block rules", "plugin", plugin, "error", err)
		return
	}
	rule, ok := s.rules.Match(usage)
	if !ok || s.IsBlocked(ctx, plugin) {
		return
	}
	if err := s.AutoDisablePlugin(ctx, plugin, "block rule "+rule.Name); err != nil {
		s.logger.ErrorContext(ctx, "auto-disable failed", "plugin", plugin, "rule", rule.Name, "error", err)
	}
}

// Blocking

func (s *Sandbox) blockDuration() time.Duration {
	if s.cfg.BlockDuration > 0 {
		return s.cfg.BlockDuration
	}
	return 24 * time.Hour
}

// BlockPlugin blocks plugin for d.
func (s *Sandbox) BlockPlugin(ctx context.Context, plugin domain.PluginID, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("block duration must be positive, got %s", d)
	}
	until, err := s.block(ctx, plugin, d)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "plugin blocked", "plugin", plugin, "until", until)
	audit.Emit(ctx, s.audit, s.logger, &audit.Event{
		PluginSlug: string(plugin),
		Type:       audit.TypePluginBlocked,
		Message:    fmt.Sprintf("plugin %s blocked for %s", plugin, d),
		Severity:   audit.SeverityWarning,
		Context:    map[string]any{"blocked_until": until.UTC().Format(time.RFC3339)},
	})
	return nil
}

func (s *Sandbox) block(ctx context.Context, plugin domain.PluginID, d time.Duration) (time.Time, error) {
	until := s.now().Add(d)
	value := []byte(strconv.FormatInt(until.UnixMilli(), 10))
	if err := s.store.Put(ctx, blockKey(plugin), value, d); err != nil {
		return time.Time{}, fmt.Errorf("failed to block plugin %s: %w", plugin, err)
	}
	s.metrics.SetGauge(hermes.MetricBlockedPlugins, 1, hermes.Label{Key: "plugin", Value: string(plugin)})
	return until, nil
}

// autoDisabledReason prefixes the registry status reason set by AutoDisablePlugin.
const autoDisabledReason = "auto-disabled: "

// UnblockPlugin lifts a block and resets the violation and error counters. A registry record
// is reactivated only when the sandbox itself deactivated it.
func (s *Sandbox) UnblockPlugin(ctx context.Context, plugin domain.PluginID) error {
	if err := s.store.Forget(ctx, blockKey(plugin), violationsKey(plugin), errorsKey(plugin)); err != nil {
		return fmt.Errorf("failed to unblock plugin %s: %w", plugin, err)
	}
	s.metrics.SetGauge(hermes.MetricBlockedPlugins, 0, hermes.Label{Key: "plugin", Value: string(plugin)})

	if s.cfg.DisableInRegistry && s.registry != nil {
		rec, err := s.registry.Get(ctx, plugin)
		if err == nil && rec.Status == domain.PluginStatusInactive && strings.HasPrefix(rec.StatusReason, autoDisabledReason) {
			if err := s.registry.SetStatus(ctx, plugin, domain.PluginStatusActive, "unblocked"); err != nil {
				return fmt.Errorf("failed to reactivate plugin %s: %w", plugin, err)
			}
		}
	}

	s.logger.InfoContext(ctx, "plugin unblocked", "plugin", plugin)
	audit.Emit(ctx, s.audit, s.logger, &audit.Event{
		PluginSlug: string(plugin),
		Type:       audit.TypePluginUnblocked,
		Message:    fmt.Sprintf("plugin %s unblocked", plugin),
		Severity:   audit.SeverityInfo,
	})
	return nil
}

// IsBlocked reports whether plugin is blocked. A store failure reports false.
func (s *Sandbox) IsBlocked(ctx context.Context, plugin domain.PluginID) bool {
	_, blocked, err := s.BlockedUntil(ctx, plugin)
	if err != nil {
		s.counterFailure(ctx, plugin, "block", err)
		return false
	}
	return blocked
}

// BlockedUntil returns when the block on plugin lapses. Expired blocks are cleared.
func (s *Sandbox) BlockedUntil(ctx context.Context, plugin domain.PluginID) (time.Time, bool, error) {
	raw, ok, err := s.store.Get(ctx, blockKey(plugin))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt block entry for %s: %w", plugin, err)
	}
	until := time.UnixMilli(ms)
	if s.now().After(until) {
		_ = s.store.Forget(ctx, blockKey(plugin))
		s.metrics.SetGauge(hermes.MetricBlockedPlugins, 0, hermes.Label{Key: "plugin", Value: string(plugin)})
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Usage

// Usage returns plugin's counters for day (YYYY-MM-DD). Storage bytes are the current footprint.
func (s *Sandbox) Usage(ctx context.Context, plugin domain.PluginID, day string) (domain.UsageCounter, error) {
	out := domain.UsageCounter{PluginID: plugin, Day: day, Counts: make(map[domain.UsageMetric]int64, len(domain.UsageMetrics))}
	for _, m := range domain.UsageMetrics {
		key := usageKey(plugin, day, m)
		if m == domain.MetricStorageBytes {
			key = storageKey(plugin)
		}
		n, err := s.store.Count(ctx, key)
		if err != nil {
			return domain.UsageCounter{}, fmt.Errorf("failed to read usage %s: %w", m, err)
		}
		out.Counts[m] = n
	}
	return out, nil
}

func (s *Sandbox) addUsage(ctx context.Context, plugin domain.PluginID, day string, m domain.UsageMetric, delta int64) {
	if delta <= 0 {
		return
	}
	if _, err := s.store.IncrementBy(ctx, usageKey(plugin, day, m), delta, s.cfg.UsageRetention); err != nil {
		s.counterFailure(ctx, plugin, "usage", err)
	}
}

func (s *Sandbox) count(ctx context.Context, plugin domain.PluginID, key string) (int64, bool) {
	n, err := s.store.Count(ctx, key)
	if err != nil {
		s.counterFailure(ctx, plugin, "preflight", err)
		return 0, false
	}
	return n, true
}

func (s *Sandbox) networkBytes(ctx context.Context, plugin domain.PluginID, day string) (int64, bool) {
	in, ok := s.count(ctx, plugin, usageKey(plugin, day, domain.MetricNetworkBytesIn))
	if !ok {
		return 0, false
	}
	out, ok := s.count(ctx, plugin, usageKey(plugin, day, domain.MetricNetworkBytesOut))
	if !ok {
		return 0, false
	}
	return in + out, true
}

func (s *Sandbox) counterFailure(ctx context.Context, plugin domain.PluginID, counter string, err error) {
	s.metrics.IncCounter(hermes.MetricCounterStoreErrors, 1, hermes.Label{Key: "counter", Value: counter})
	s.logger.WarnContext(ctx, "sandbox counter unavailable, allowing",
		"plugin", plugin,
		"counter", counter,
		"error", err)
}
