// Package events provides the per-engine publish/subscribe bus that carries
// run lifecycle facts to observers (audit log, metrics, webhook fan-out).
package events

import (
	"context"
	"time"
)

// Kind names a run state transition.
type Kind string

const (
	RunStarted          Kind = "run_started"
	PhaseStarted        Kind = "phase_started"
	PhaseCompleted      Kind = "phase_completed"
	PhaseFailed         Kind = "phase_failed"
	IntegrationExecuted Kind = "integration_executed"
	RunCompleted        Kind = "run_completed"
	RunFailed           Kind = "run_failed"
	RunCancelled        Kind = "run_cancelled"

	// Any subscribes a handler to every kind.
	Any Kind = "*"
)

// Kinds lists every concrete event kind in lifecycle order.
var Kinds = []Kind{
	RunStarted, PhaseStarted, PhaseCompleted, PhaseFailed,
	IntegrationExecuted, RunCompleted, RunFailed, RunCancelled,
}

// Terminal reports whether k ends a run.
func (k Kind) Terminal() bool {
	return k == RunCompleted || k == RunFailed || k == RunCancelled
}

// Well-known payload keys.
const (
	KeyStatus         = "status"
	KeyElapsedSeconds = "elapsed_seconds"
	KeyIntegration    = "integration_kind"
	KeyAction         = "action"
	KeyOperationID    = "operation_id"
	KeyAttempt        = "attempt"
	KeyError          = "error"
	KeyErrorKind      = "error_kind"
	KeyTokens         = "tokens_used"
	KeySuccessRate    = "success_rate"
	KeyTopic          = "topic"
	KeyTotalPhases    = "total_phases"
	KeyStarted        = "started"
)

// Event is an immutable fact about a run transition.
type Event struct {
	Kind      Kind           `json:"kind"`
	RunID     string         `json:"run_id"`
	Phase     string         `json:"phase,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds an event stamped with the current UTC time.
func New(kind Kind, runID, phase string, payload map[string]any) Event {
	return Event{
		Kind:      kind,
		RunID:     runID,
		Phase:     phase,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// String returns the payload value for key, or "".
func (e Event) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Float returns a numeric payload value for key.
func (e Event) Float(key string) (float64, bool) {
	switch v := e.Payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Handler receives events. A returned error is logged and otherwise ignored.
// The payload map is the handler's own copy; nested values are shared and
// must not be modified.
type Handler func(ctx context.Context, e Event) error
