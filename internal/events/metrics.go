package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsRecorder translates events into Prometheus series.
//
// Metrics:
//   - orchestrd_runs_total{status} - runs reaching a terminal state
//   - orchestrd_runs_in_flight - runs started and not yet terminal
//   - orchestrd_phases_total{status} - phase outcomes
//   - orchestrd_phase_duration_seconds - phase wall time
//   - orchestrd_integration_operations_total{kind,status} - side effects
type MetricsRecorder struct {
	RunsTotal      *prometheus.CounterVec
	RunsInFlight   prometheus.Gauge
	PhasesTotal    *prometheus.CounterVec
	PhaseDuration  prometheus.Histogram
	OperationTotal *prometheus.CounterVec
}

// NewMetricsRecorder registers the recorder's collectors with reg. Each
// engine passes its own registerer so repeated construction never collides.
func NewMetricsRecorder(reg prometheus.Registerer) *MetricsRecorder {
	factory := promauto.With(reg)
	return &MetricsRecorder{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrd_runs_total",
				Help: "Total number of runs that reached a terminal state",
			},
			[]string{"status"},
		),
		RunsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrd_runs_in_flight",
				Help: "Number of runs currently executing",
			},
		),
		PhasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrd_phases_total",
				Help: "Total number of phase outcomes",
			},
			[]string{"status"},
		),
		PhaseDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrd_phase_duration_seconds",
				Help:    "Phase execution time including model calls and integrations",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		OperationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrd_integration_operations_total",
				Help: "Total number of integration operations by kind and outcome",
			},
			[]string{"kind", "status"},
		),
	}
}

// Attach subscribes the recorder to every event kind on bus.
func (m *MetricsRecorder) Attach(bus *Bus) func() {
	return bus.Subscribe(Any, m.Handle)
}

// Handle updates the series for e.
func (m *MetricsRecorder) Handle(_ context.Context, e Event) error {
	switch e.Kind {
	case RunStarted:
		m.RunsInFlight.Inc()
	case RunCompleted, RunFailed, RunCancelled:
		// runs cancelled while queued never reached run_started
		if started, ok := e.Payload[KeyStarted].(bool); !ok || started {
			m.RunsInFlight.Dec()
		}
		m.RunsTotal.WithLabelValues(terminalStatus(e.Kind)).Inc()
	case PhaseCompleted, PhaseFailed:
		status := "completed"
		if e.Kind == PhaseFailed {
			status = "failed"
		}
		m.PhasesTotal.WithLabelValues(status).Inc()
		if secs, ok := e.Float(KeyElapsedSeconds); ok {
			m.PhaseDuration.Observe(secs)
		}
	case IntegrationExecuted:
		kind := e.String(KeyIntegration)
		if kind == "" {
			kind = "unknown"
		}
		status := e.String(KeyStatus)
		if status == "" {
			status = "unknown"
		}
		m.OperationTotal.WithLabelValues(kind, status).Inc()
	}
	return nil
}

func terminalStatus(k Kind) string {
	switch k {
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	default:
		return "cancelled"
	}
}
