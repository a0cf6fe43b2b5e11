package integration

import (
	"context"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
)

// Command is one undoable side effect. Execute captures whatever state Undo
// needs; Undo before Execute, or a second Undo, fails with InvalidStateError.
type Command interface {
	Kind() Kind
	Action() string
	Execute(ctx context.Context) (map[string]any, error)
	Undo(ctx context.Context) (map[string]any, error)
}

// lifecycle enforces the execute/undo pairing shared by every command.
type lifecycle struct {
	executed bool
	undone   bool
}

func (l *lifecycle) beginExecute(name string) error {
	if l.executed {
		return &errs.InvalidStateError{Op: name + ".execute", Reason: "command already executed"}
	}
	return nil
}

func (l *lifecycle) markExecuted() { l.executed = true }

func (l *lifecycle) beginUndo(name string) error {
	switch {
	case !l.executed:
		return &errs.InvalidStateError{Op: name + ".undo", Reason: "command has not been executed"}
	case l.undone:
		return &errs.InvalidStateError{Op: name + ".undo", Reason: "command already undone"}
	}
	return nil
}

func (l *lifecycle) markUndone() { l.undone = true }

func execErr(kind Kind, action string, err error) error {
	return errs.NewIntegrationError(errs.StageExecute, string(kind), action, err)
}

func undoErr(kind Kind, action string, err error) error {
	return errs.NewIntegrationError(errs.StageUndo, string(kind), action, err)
}
