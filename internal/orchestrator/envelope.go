package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/integration"
)

// Envelope is the results document for one run.
type Envelope struct {
	Metadata       EnvelopeMetadata         `json:"metadata"`
	PhaseOrder     []string                 `json:"phase_order"`
	Phases         map[string]EnvelopePhase `json:"phases"`
	IntegrationLog []integration.Operation  `json:"integration_log"`
}

// EnvelopeMetadata summarizes a run.
type EnvelopeMetadata struct {
	RunID              string                      `json:"run_id"`
	Topic              string                      `json:"topic"`
	Timestamp          time.Time                   `json:"timestamp"`
	Status             RunStatus                   `json:"status"`
	Provider           string                      `json:"provider"`
	TotalPhases        int                         `json:"total_phases"`
	IntegrationEnabled bool                        `json:"integration_enabled"`
	SuccessfulPhases   int                         `json:"successful_phases"`
	SuccessRate        string                      `json:"success_rate"`
	ElapsedSeconds     float64                     `json:"elapsed_seconds"`
	TokensUsed         int                         `json:"tokens_used"`
	ErrorDetails       *ErrorDetails               `json:"error_details,omitempty"`
	Rollback           *integration.RollbackReport `json:"rollback,omitempty"`
}

// EnvelopePhase is one phase's entry in the envelope.
type EnvelopePhase struct {
	Phase     string      `json:"phase"`
	Prompt    string      `json:"prompt"`
	Response  string      `json:"response"`
	Status    PhaseStatus `json:"status"`
	Timestamp *time.Time  `json:"timestamp,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// BuildEnvelope converts a snapshot into its results envelope. Plan phases
// that never started are listed as pending while the run is active and
// skipped once it is terminal.
func BuildEnvelope(r Run) Envelope {
	ts := r.CreatedAt
	if r.FinishedAt != nil {
		ts = *r.FinishedAt
	}
	env := Envelope{
		Metadata: EnvelopeMetadata{
			RunID:              r.ID,
			Topic:              r.Topic,
			Timestamp:          ts,
			Status:             r.Status,
			Provider:           r.Provider,
			TotalPhases:        r.TotalPhases,
			IntegrationEnabled: r.IntegrationEnabled,
			SuccessfulPhases:   r.CompletedPhases,
			SuccessRate:        fmt.Sprintf("%.2f%%", r.SuccessRate),
			ElapsedSeconds:     r.ElapsedSeconds,
			TokensUsed:         r.TokensUsed,
			ErrorDetails:       r.ErrorDetails,
			Rollback:           r.Rollback,
		},
		PhaseOrder:     make([]string, 0, len(r.Plan)),
		Phases:         make(map[string]EnvelopePhase, len(r.Plan)),
		IntegrationLog: r.Operations,
	}
	if env.IntegrationLog == nil {
		env.IntegrationLog = []integration.Operation{}
	}

	unstarted := PhasePending
	if r.Status.Terminal() {
		unstarted = PhaseSkipped
	}
	for _, spec := range r.Plan {
		env.PhaseOrder = append(env.PhaseOrder, spec.Code)
		pe, ok := r.Phase(spec.Code)
		if !ok {
			env.Phases[spec.Code] = EnvelopePhase{Phase: spec.Name, Status: unstarted}
			continue
		}
		ts := pe.FinishedAt
		if ts == nil {
			ts = pe.StartedAt
		}
		env.Phases[spec.Code] = EnvelopePhase{
			Phase:     pe.Name,
			Prompt:    pe.Prompt,
			Response:  pe.Response,
			Status:    pe.Status,
			Timestamp: ts,
			Error:     pe.Error,
		}
	}
	return env
}

// Envelope returns the results envelope for run id.
func (e *Engine) Envelope(ctx context.Context, id string) (Envelope, error) {
	r, err := e.GetRunStatus(ctx, id)
	if err != nil {
		return Envelope{}, err
	}
	return BuildEnvelope(r), nil
}
