package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// langchainStrategy drives any OpenAI-compatible endpoint (ollama, vLLM,
// LM Studio) through langchaingo.
type langchainStrategy struct {
	name     string
	llm      llms.Model
	defaults Options
}

func newLangchainStrategy(cfg Config) (*langchainStrategy, error) {
	token := cfg.APIKey
	if token == "" {
		// Local OpenAI-compatible servers ignore the token but the client requires one.
		token = "unused"
	}
	opts := []openai.Option{openai.WithToken(token)}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating langchain client: %w", err)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return NewLangchain(cfg.Name, llm, Options{
		Model:       cfg.Model,
		MaxTokens:   maxTokens,
		Temperature: cfg.Temperature,
		Timeout:     timeout,
	}), nil
}

// NewLangchain wraps an existing langchaingo model.
func NewLangchain(name string, llm llms.Model, defaults Options) *langchainStrategy {
	return &langchainStrategy{name: name, llm: llm, defaults: defaults}
}

func (l *langchainStrategy) Name() string      { return l.name }
func (l *langchainStrategy) Defaults() Options { return l.defaults }

func (l *langchainStrategy) Generate(ctx context.Context, prompt string, opts Options) (Result, error) {
	opts = merge(opts, l.defaults)
	callCtx, cancel := withCallTimeout(ctx, opts.Timeout)
	defer cancel()

	callOpts := []llms.CallOption{
		llms.WithMaxTokens(opts.MaxTokens),
		llms.WithTemperature(opts.Temperature),
	}
	if opts.Model != "" {
		callOpts = append(callOpts, llms.WithModel(opts.Model))
	}

	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}
	resp, err := l.llm.GenerateContent(callCtx, messages, callOpts...)
	if err != nil {
		if ctxErr, ok := classifyContextErr(l.name, ctx, callCtx, err); ok {
			return Result{}, ctxErr
		}
		return Result{}, errs.NewModelError(l.name, transientMessage(err.Error()), err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return Result{}, errs.NewModelError(l.name, false, fmt.Errorf("empty response"))
	}

	choice := resp.Choices[0]
	return Result{
		Text:             choice.Content,
		Model:            opts.Model,
		PromptTokens:     intInfo(choice.GenerationInfo, "PromptTokens"),
		CompletionTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
		FinishReason:     choice.StopReason,
	}, nil
}

// transientMessage reports whether a langchaingo error text describes a
// rate limit, server failure or connection problem. The client does not
// expose typed status errors.
func transientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"429", "rate limit", "status code: 5", "connection refused", "connection reset", "eof", "timeout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
