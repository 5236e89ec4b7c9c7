package domain

import "time"

// SandboxLimits are per-plugin ceilings. A zero value means "unlimited" in a resolved
// limit set and "inherit the default" in an override.
type SandboxLimits struct {
	MemoryBytes              int64         `json:"memory_bytes" yaml:"memory_bytes" mapstructure:"memory_bytes" validate:"gte=0"`
	MaxExecutionTime         time.Duration `json:"max_execution_time" yaml:"max_execution_time" mapstructure:"max_execution_time" validate:"gte=0"`
	APIRequestsPerMinute     int64         `json:"api_requests_per_minute" yaml:"api_requests_per_minute" mapstructure:"api_requests_per_minute" validate:"gte=0"`
	APIRequestsPerHour       int64         `json:"api_requests_per_hour" yaml:"api_requests_per_hour" mapstructure:"api_requests_per_hour" validate:"gte=0"`
	APIRequestsPerDay        int64         `json:"api_requests_per_day" yaml:"api_requests_per_day" mapstructure:"api_requests_per_day" validate:"gte=0"`
	HookExecutionsPerMinute  int64         `json:"hook_executions_per_minute" yaml:"hook_executions_per_minute" mapstructure:"hook_executions_per_minute" validate:"gte=0"`
	EntityReadsPerMinute     int64         `json:"entity_reads_per_minute" yaml:"entity_reads_per_minute" mapstructure:"entity_reads_per_minute" validate:"gte=0"`
	EntityWritesPerMinute    int64         `json:"entity_writes_per_minute" yaml:"entity_writes_per_minute" mapstructure:"entity_writes_per_minute" validate:"gte=0"`
	NetworkRequestsPerMinute int64         `json:"network_requests_per_minute" yaml:"network_requests_per_minute" mapstructure:"network_requests_per_minute" validate:"gte=0"`
	StorageBytes             int64         `json:"storage_bytes" yaml:"storage_bytes" mapstructure:"storage_bytes" validate:"gte=0"`
	NetworkBytesPerDay       int64         `json:"network_bytes_per_day" yaml:"network_bytes_per_day" mapstructure:"network_bytes_per_day" validate:"gte=0"`
	MaxConsecutiveErrors     int64         `json:"max_consecutive_errors" yaml:"max_consecutive_errors" mapstructure:"max_consecutive_errors" validate:"gte=0"`
	AllowedDomains           []string      `json:"allowed_domains,omitempty" yaml:"allowed_domains,omitempty" mapstructure:"allowed_domains"`
}

// DefaultSandboxLimits returns the global defaults used when nothing is configured.
func DefaultSandboxLimits() SandboxLimits {
	return SandboxLimits{
		MemoryBytes:              128 * 1024 * 1024,
		MaxExecutionTime:         30 * time.Second,
		APIRequestsPerMinute:     60,
		APIRequestsPerHour:       1000,
		APIRequestsPerDay:        10000,
		HookExecutionsPerMinute:  120,
		EntityReadsPerMinute:     600,
		EntityWritesPerMinute:    120,
		NetworkRequestsPerMinute: 30,
		StorageBytes:             100 * 1024 * 1024,
		NetworkBytesPerDay:       500 * 1024 * 1024,
		MaxConsecutiveErrors:     10,
	}
}

// Merge returns l with every non-zero field of override applied on top.
func (l SandboxLimits) Merge(override SandboxLimits) SandboxLimits {
	out := l
	setIf := func(dst *int64, v int64) {
		if v != 0 {
			*dst = v
		}
	}
	setIf(&out.MemoryBytes, override.MemoryBytes)
	if override.MaxExecutionTime != 0 {
		out.MaxExecutionTime = override.MaxExecutionTime
	}
	setIf(&out.APIRequestsPerMinute, override.APIRequestsPerMinute)
	setIf(&out.APIRequestsPerHour, override.APIRequestsPerHour)
	setIf(&out.APIRequestsPerDay, override.APIRequestsPerDay)
	setIf(&out.HookExecutionsPerMinute, override.HookExecutionsPerMinute)
	setIf(&out.EntityReadsPerMinute, override.EntityReadsPerMinute)
	setIf(&out.EntityWritesPerMinute, override.EntityWritesPerMinute)
	setIf(&out.NetworkRequestsPerMinute, override.NetworkRequestsPerMinute)
	setIf(&out.StorageBytes, override.StorageBytes)
	setIf(&out.NetworkBytesPerDay, override.NetworkBytesPerDay)
	setIf(&out.MaxConsecutiveErrors, override.MaxConsecutiveErrors)
	if len(override.AllowedDomains) > 0 {
		out.AllowedDomains = append([]string(nil), override.AllowedDomains...)
	}
	return out
}

// Usage

// UsageMetric names one daily counter.
type UsageMetric string

const (
	MetricAPIRequests     UsageMetric = "api_requests"
	MetricHookExecutions  UsageMetric = "hook_executions"
	MetricEntityReads     UsageMetric = "entity_reads"
	MetricEntityWrites    UsageMetric = "entity_writes"
	MetricNetworkRequests UsageMetric = "network_requests"
	MetricNetworkBytesIn  UsageMetric = "network_bytes_in"
	MetricNetworkBytesOut UsageMetric = "network_bytes_out"
	MetricStorageBytes    UsageMetric = "storage_bytes"
	MetricErrors          UsageMetric = "errors"
	MetricTimeouts        UsageMetric = "timeouts"
	MetricRateLimitHits   UsageMetric = "rate_limit_hits"
	MetricViolations      UsageMetric = "violations"
	MetricExecutions      UsageMetric = "executions"
	MetricPeakMemory      UsageMetric = "peak_memory_bytes"
	MetricExecutionTimeMS UsageMetric = "execution_time_ms"
)

// UsageMetrics lists every daily counter in a stable order.
var UsageMetrics = []UsageMetric{
	MetricAPIRequests, MetricHookExecutions, MetricEntityReads, MetricEntityWrites,
	MetricNetworkRequests, MetricNetworkBytesIn, MetricNetworkBytesOut, MetricStorageBytes,
	MetricErrors, MetricTimeouts, MetricRateLimitHits, MetricViolations, MetricExecutions,
	MetricPeakMemory, MetricExecutionTimeMS,
}

// UsageCounter is one plugin's consumption for one UTC calendar day.
type UsageCounter struct {
	PluginID PluginID              `json:"plugin_id"`
	Day      string                `json:"day"` // YYYY-MM-DD
	Counts   map[UsageMetric]int64 `json:"counts"`
}

func (u UsageCounter) Get(m UsageMetric) int64 {
	return u.Counts[m]
}

// NetworkBytes is the day's inbound plus outbound traffic.
func (u UsageCounter) NetworkBytes() int64 {
	return u.Counts[MetricNetworkBytesIn] + u.Counts[MetricNetworkBytesOut]
}

// DayKey formats t as the UTC day used to key usage counters.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Tighten returns l with every non-zero field of requested applied only where it is stricter.
// A plugin's own manifest goes through Tighten so it can lower its ceilings but never raise them.
func (l SandboxLimits) Tighten(requested SandboxLimits) SandboxLimits {
	out := l
	lower := func(dst *int64, v int64) {
		if v > 0 && (*dst == 0 || v < *dst) {
			*dst = v
		}
	}
	lower(&out.MemoryBytes, requested.MemoryBytes)
	if requested.MaxExecutionTime > 0 && (out.MaxExecutionTime == 0 || requested.MaxExecutionTime < out.MaxExecutionTime) {
		out.MaxExecutionTime = requested.MaxExecutionTime
	}
	lower(&out.APIRequestsPerMinute, requested.APIRequestsPerMinute)
	lower(&out.APIRequestsPerHour, requested.APIRequestsPerHour)
	lower(&out.APIRequestsPerDay, requested.APIRequestsPerDay)
	lower(&out.HookExecutionsPerMinute, requested.HookExecutionsPerMinute)
	lower(&out.EntityReadsPerMinute, requested.EntityReadsPerMinute)
	lower(&out.EntityWritesPerMinute, requested.EntityWritesPerMinute)
	lower(&out.NetworkRequestsPerMinute, requested.NetworkRequestsPerMinute)
	lower(&out.StorageBytes, requested.StorageBytes)
	lower(&out.NetworkBytesPerDay, requested.NetworkBytesPerDay)
	lower(&out.MaxConsecutiveErrors, requested.MaxConsecutiveErrors)
	if len(out.AllowedDomains) == 0 && len(requested.AllowedDomains) > 0 {
		out.AllowedDomains = append([]string(nil), requested.AllowedDomains...)
	}
	return out
}
