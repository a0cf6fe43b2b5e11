package model

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
)

type openAIStrategy struct {
	httpClient
	apiKey string
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Messages    []openAIMessage `json:"messages"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func newOpenAIStrategy(cfg Config) (*openAIStrategy, error) {
	if cfg.APIKey == "" {
		return nil, errs.NewValidationError("api_key", "openai provider %q requires an API key", cfg.Name)
	}
	return &openAIStrategy{httpClient: newHTTPClient(cfg, defaultOpenAIBaseURL), apiKey: cfg.APIKey}, nil
}

func (o *openAIStrategy) Name() string      { return o.name }
func (o *openAIStrategy) Defaults() Options { return o.defaults }

// Generate calls the Chat Completions API with a single user message.
func (o *openAIStrategy) Generate(ctx context.Context, prompt string, opts Options) (Result, error) {
	opts = merge(opts, o.defaults)
	req := openAIRequest{
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
	}
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}

	var resp openAIResponse
	err := o.call(ctx, opts.Timeout, func(ctx context.Context) error {
		return o.postJSON(ctx, "/v1/chat/completions", headers, req, &resp)
	})
	if err != nil {
		return Result{}, err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Result{}, errs.NewModelError(o.name, false, fmt.Errorf("empty response"))
	}

	return Result{
		Text:             resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		FinishReason:     resp.Choices[0].FinishReason,
	}, nil
}
