// Package metrics provides Prometheus metrics for external commands and backend
// degradation shared by the pipeline components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// External command metrics
var (
	// commandExecutionTotal records the total number of external command executions.
	// Labels:
	//   - command: Command name (e.g., "ffmpeg")
	//   - purpose: Conversion kind (e.g., "extract", "normalize", "streaming_wav")
	//   - status: Execution status (e.g., "success", "failed", "timeout")
	commandExecutionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcribe_command_executions_total",
			Help: "Total number of external command executions",
		},
		[]string{"command", "purpose", "status"},
	)

	// commandExecutionDuration records the duration of external command executions.
	// Buckets: 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s, 300s, 900s
	commandExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcribe_command_duration_seconds",
			Help:    "Duration of external command executions in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"command", "purpose"},
	)

	// degradationEventsTotal records backend switches.
	// Labels:
	//   - from_backend: Backend being abandoned (e.g., "streaming")
	//   - to_backend: Backend taking over (e.g., "generic")
	degradationEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcribe_degradation_events_total",
			Help: "Total number of backend degradation events (e.g., streaming -> generic)",
		},
		[]string{"from_backend", "to_backend"},
	)
)

func init() {
	prometheus.MustRegister(commandExecutionTotal)
	prometheus.MustRegister(commandExecutionDuration)
	prometheus.MustRegister(degradationEventsTotal)
}

// RecordCommandExecution records a command execution event.
func RecordCommandExecution(command, purpose, status string) {
	commandExecutionTotal.WithLabelValues(command, purpose, status).Inc()
}

// RecordCommandDuration records the duration of a command execution in seconds.
func RecordCommandDuration(command, purpose string, durationSeconds float64) {
	commandExecutionDuration.WithLabelValues(command, purpose).Observe(durationSeconds)
}

// RecordDegradationEvent records a switch from one backend to another.
func RecordDegradationEvent(fromBackend, toBackend string) {
	degradationEventsTotal.WithLabelValues(fromBackend, toBackend).Inc()
}
