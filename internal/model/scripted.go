package model

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
)

// Step is one scripted outcome: either Text or Err.
type Step struct {
	Text string
	Err  error
	// Block waits until the call deadline or caller cancellation and
	// fails accordingly, simulating a provider that never answers.
	Block bool
}

// Scripted is a deterministic strategy for tests and offline runs. Queued
// steps are consumed in order; once exhausted it answers with a canned
// response derived from the prompt.
type Scripted struct {
	name string

	mu    sync.Mutex
	steps []Step
	calls []string
	hook  func(prompt string)
}

// NewScripted creates a scripted strategy with an empty queue.
func NewScripted(name string) *Scripted {
	if name == "" {
		name = TypeScripted
	}
	return &Scripted{name: name}
}

// Enqueue appends steps to the queue.
func (s *Scripted) Enqueue(steps ...Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
	return s
}

// OnCall registers fn to run at the start of every Generate call.
func (s *Scripted) OnCall(fn func(prompt string)) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
	return s
}

// Calls returns the prompts received so far.
func (s *Scripted) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Scripted) Name() string { return s.name }

func (s *Scripted) Defaults() Options {
	return Options{Model: "scripted", MaxTokens: defaultMaxTokens}
}

func (s *Scripted) Generate(ctx context.Context, prompt string, opts Options) (Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, prompt)
	hook := s.hook
	var step *Step
	if len(s.steps) > 0 {
		st := s.steps[0]
		s.steps = s.steps[1:]
		step = &st
	}
	s.mu.Unlock()

	if hook != nil {
		hook(prompt)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, errs.NewModelError(s.name, false, err)
	}

	if step == nil {
		return s.result(cannedResponse(prompt)), nil
	}
	if step.Block {
		callCtx, cancel := withCallTimeout(ctx, opts.Timeout)
		defer cancel()
		<-callCtx.Done()
		ctxErr, _ := classifyContextErr(s.name, ctx, callCtx, callCtx.Err())
		return Result{}, ctxErr
	}
	if step.Err != nil {
		return Result{}, step.Err
	}
	return s.result(step.Text), nil
}

func (s *Scripted) result(text string) Result {
	return Result{
		Text:             text,
		Model:            "scripted",
		CompletionTokens: len(strings.Fields(text)),
		FinishReason:     "stop",
	}
}

// cannedResponse echoes the first line of the prompt.
func cannedResponse(prompt string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	return fmt.Sprintf("Scripted response for: %s", first)
}
