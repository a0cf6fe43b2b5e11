package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
)

const anthropicVersion = "2023-06-01"

type anthropicStrategy struct {
	httpClient
	apiKey string
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func newAnthropicStrategy(cfg Config) (*anthropicStrategy, error) {
	if cfg.APIKey == "" {
		return nil, errs.NewValidationError("api_key", "anthropic provider %q requires an API key", cfg.Name)
	}
	return &anthropicStrategy{httpClient: newHTTPClient(cfg, defaultAnthropicBaseURL), apiKey: cfg.APIKey}, nil
}

func (a *anthropicStrategy) Name() string      { return a.name }
func (a *anthropicStrategy) Defaults() Options { return a.defaults }

// Generate calls the Messages API with a single user turn.
func (a *anthropicStrategy) Generate(ctx context.Context, prompt string, opts Options) (Result, error) {
	opts = merge(opts, a.defaults)
	req := anthropicRequest{
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
	}
	headers := map[string]string{
		"X-API-Key":         a.apiKey,
		"Anthropic-Version": anthropicVersion,
	}

	var resp anthropicResponse
	err := a.call(ctx, opts.Timeout, func(ctx context.Context) error {
		return a.postJSON(ctx, "/v1/messages", headers, req, &resp)
	})
	if err != nil {
		return Result{}, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Result{}, errs.NewModelError(a.name, false, fmt.Errorf("empty response"))
	}

	return Result{
		Text:             text.String(),
		Model:            resp.Model,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		FinishReason:     resp.StopReason,
	}, nil
}
