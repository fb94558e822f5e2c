package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "appd"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SessionMetrics holds Prometheus metrics for control sessions.
type SessionMetrics struct {
	ActiveSessions  prometheus.Gauge
	AuthFailures    prometheus.Counter
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	TelemetryFrames prometheus.Counter
}

// NewSessionMetrics creates and registers session metrics on the given registry.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of authenticated control sessions.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "auth_failures_total",
			Help:      "Total number of rejected handshakes.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "commands_total",
			Help:      "Total number of commands by tag and outcome.",
		}, []string{"command", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "command_duration_seconds",
			Help:      "Time spent executing commands.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900},
		}, []string{"command"}),
		TelemetryFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "telemetry_frames_total",
			Help:      "Total number of telemetry frames sent.",
		}),
	}

	reg.MustRegister(m.ActiveSessions, m.AuthFailures, m.Commands, m.CommandDuration, m.TelemetryFrames)
	return m
}

// LifecycleMetrics holds Prometheus metrics for app lifecycle operations.
type LifecycleMetrics struct {
	InstalledApps prometheus.Gauge
	ToolFailures  *prometheus.CounterVec
}

// NewLifecycleMetrics creates and registers lifecycle metrics on the given registry.
func NewLifecycleMetrics(reg prometheus.Registerer) *LifecycleMetrics {
	m := &LifecycleMetrics{
		InstalledApps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "installed_apps",
			Help:      "Number of apps in the registry.",
		}),
		ToolFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "tool_failures_total",
			Help:      "Total number of failed external tool invocations by tool.",
		}, []string{"tool"}),
	}

	reg.MustRegister(m.InstalledApps, m.ToolFailures)
	return m
}
