package telemetry

import "github.com/prometheus/client_golang/prometheus"

var ToolCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trustgate",
		Subsystem: "session",
		Name:      "tool_calls_total",
		Help:      "Total number of tools/call invocations by tool and outcome.",
	},
	[]string{"tool", "action", "status"},
)

var ToolCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "trustgate",
		Subsystem: "session",
		Name:      "tool_call_duration_seconds",
		Help:      "Tool call execution duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"tool"},
)

var PolicyDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trustgate",
		Subsystem: "policy",
		Name:      "decisions_total",
		Help:      "Total number of policy decisions by action.",
	},
	[]string{"action"},
)

var RouterAccountErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trustgate",
		Subsystem: "router",
		Name:      "account_errors_total",
		Help:      "Total number of per-account backend errors during fan-out.",
	},
	[]string{"plugin_id", "op"},
)

var VirtualIDCacheHitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trustgate",
		Subsystem: "vid",
		Name:      "cache_hits_total",
		Help:      "Total number of virtual-id cache hits vs misses.",
	},
	[]string{"result"},
)

var SessionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "trustgate",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of currently active RPC sessions.",
	},
)

// All returns every trustgate-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ToolCallsTotal,
		ToolCallDuration,
		PolicyDecisionsTotal,
		RouterAccountErrorsTotal,
		VirtualIDCacheHitsTotal,
		SessionsActive,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors plus the given extra collectors registered, matching the
// teacher's core/pkg/telemetry registry-construction idiom.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
