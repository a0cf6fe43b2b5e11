// Package errs defines the error taxonomy shared by the orchestration engine
// and its collaborators.
//
// Each kind is a distinct struct type so callers classify failures with
// errors.As rather than by string matching. Every type wraps an underlying
// cause and supports errors.Is/As through Unwrap.
package errs

import (
	"errors"
	"fmt"
)

// Kind names an error category. It is the value reported in a run's
// error_details.kind field.
type Kind string

const (
	KindModel        Kind = "model_error"
	KindIntegration  Kind = "integration_error"
	KindInvalidState Kind = "invalid_state_error"
	KindUnsupported  Kind = "unsupported_operation_error"
	KindPersistence  Kind = "persistence_error"
	KindValidation   Kind = "validation_error"
	KindBackpressure Kind = "backpressure_error"
	KindNotFound     Kind = "not_found_error"
	KindCancelled    Kind = "cancelled"
	KindUnknown      Kind = "unknown_error"
)

// Stage distinguishes execute-time from undo-time integration failures.
type Stage string

const (
	StageExecute Stage = "execute"
	StageUndo    Stage = "undo"
)

// ModelError is returned by model strategies. Retryable is true for
// network, timeout, rate-limit and server-side failures.
type ModelError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ModelError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("model %s (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("model %s: %v", e.Provider, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// NewModelError wraps err as a ModelError.
func NewModelError(provider string, retryable bool, err error) *ModelError {
	return &ModelError{Provider: provider, Retryable: retryable, Err: err}
}

// IntegrationError is returned when an integration command fails while
// executing or undoing its side effect.
type IntegrationError struct {
	Stage  Stage
	Kind   string
	Action string
	Err    error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("integration %s/%s %s failed: %v", e.Kind, e.Action, e.Stage, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// NewIntegrationError wraps err as an IntegrationError.
func NewIntegrationError(stage Stage, kind, action string, err error) *IntegrationError {
	return &IntegrationError{Stage: stage, Kind: kind, Action: action, Err: err}
}

// InvalidStateError reports misuse of a component contract, such as undoing
// a command that never executed.
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state for %s: %s", e.Op, e.Reason)
}

// UnsupportedOperationError is returned for integration types outside the
// closed set of operation kinds.
type UnsupportedOperationError struct {
	Type string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("unsupported integration operation type %q", e.Type)
}

// PersistenceError reports a durable write that failed after its retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ValidationError reports a malformed topic, plan, or request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// BackpressureError is returned when the admission gate and its queue are
// both full.
type BackpressureError struct {
	Capacity int
	Queued   int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("engine at capacity: %d workers busy, %d runs queued", e.Capacity, e.Queued)
}

// NotFoundError is returned for unknown run identifiers.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// IsRetryable reports whether err is a ModelError marked retryable.
func IsRetryable(err error) bool {
	var me *ModelError
	return errors.As(err, &me) && me.Retryable
}

// IsFatal reports whether err must abort a run immediately regardless of
// failure policy and without retry.
func IsFatal(err error) bool {
	var (
		ise *InvalidStateError
		uoe *UnsupportedOperationError
		pe  *PersistenceError
	)
	return errors.As(err, &ise) || errors.As(err, &uoe) || errors.As(err, &pe)
}

// KindOf classifies err into a taxonomy Kind.
func KindOf(err error) Kind {
	var (
		me  *ModelError
		ie  *IntegrationError
		ise *InvalidStateError
		uoe *UnsupportedOperationError
		pe  *PersistenceError
		ve  *ValidationError
		be  *BackpressureError
		nfe *NotFoundError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ise):
		return KindInvalidState
	case errors.As(err, &uoe):
		return KindUnsupported
	case errors.As(err, &pe):
		return KindPersistence
	case errors.As(err, &me):
		return KindModel
	case errors.As(err, &ie):
		return KindIntegration
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &be):
		return KindBackpressure
	case errors.As(err, &nfe):
		return KindNotFound
	default:
		return KindUnknown
	}
}
