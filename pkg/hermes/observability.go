package hermes

type Label struct {
	Key   string
	Value string
}

type Metrics interface {
	IncCounter(name string, value float64, labels ...Label)
	ObserveHistogram(name string, value float64, labels ...Label)
	SetGauge(name string, value float64, labels ...Label)
}

// Metric names emitted by the governance core.
const (
	MetricPermissionChecks   = "minos_permission_checks_total"
	MetricAPIKeyAuth         = "minos_apikey_auth_total"
	MetricSandboxViolations  = "minos_sandbox_violations_total"
	MetricSandboxExecution   = "minos_sandbox_execution_seconds"
	MetricNetworkBytes       = "minos_network_bytes_total"
	MetricCounterStoreErrors = "minos_counter_store_errors_total"
	MetricBlockedPlugins     = "minos_blocked_plugins"
)
