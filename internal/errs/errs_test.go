package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModelError_Unwrap(t *testing.T) {
	err := NewModelError("anthropic", true, context.DeadlineExceeded)

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "anthropic")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable model error", NewModelError("openai", true, errors.New("429")), true},
		{"wrapped retryable", fmt.Errorf("phase: %w", NewModelError("openai", true, errors.New("503"))), true},
		{"non-retryable model error", NewModelError("openai", false, errors.New("401")), false},
		{"integration error", NewIntegrationError(StageExecute, "vcs", "commit", errors.New("boom")), false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(&InvalidStateError{Op: "undo", Reason: "not executed"}))
	assert.True(t, IsFatal(fmt.Errorf("dispatch: %w", &UnsupportedOperationError{Type: "ftp"})))
	assert.True(t, IsFatal(&PersistenceError{Op: "update_run", Err: errors.New("disk full")}))
	assert.False(t, IsFatal(NewModelError("anthropic", false, errors.New("bad request"))))
	assert.False(t, IsFatal(NewIntegrationError(StageExecute, "filesystem", "create_file", errors.New("exists"))))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{NewModelError("x", true, errors.New("t")), KindModel},
		{NewIntegrationError(StageUndo, "vcs", "commit", errors.New("t")), KindIntegration},
		{&InvalidStateError{Op: "undo"}, KindInvalidState},
		{&UnsupportedOperationError{Type: "ftp"}, KindUnsupported},
		{&PersistenceError{Op: "create_run", Err: errors.New("t")}, KindPersistence},
		{NewValidationError("topic", "too short"), KindValidation},
		{&BackpressureError{Capacity: 1}, KindBackpressure},
		{&NotFoundError{Resource: "run", ID: "r1"}, KindNotFound},
		{errors.New("other"), KindUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err))
	}
}

func TestValidationError_Message(t *testing.T) {
	err := NewValidationError("plan", "must contain at least %d phase", 1)
	assert.Equal(t, "validation failed: plan: must contain at least 1 phase", err.Error())

	err = &ValidationError{Reason: "empty request"}
	assert.Equal(t, "validation failed: empty request", err.Error())
}
