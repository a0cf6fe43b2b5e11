// Package model provides the strategies the engine uses to obtain phase
// responses from AI providers. Every provider sits behind Strategy and
// reports failures as *errs.ModelError with a retryable flag; providers
// never retry on their own.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/config"
	"github.com/fyrsmithlabs/orchestrd/internal/errs"
)

// Provider implementation types.
const (
	TypeAnthropic = "anthropic"
	TypeOpenAI    = "openai"
	TypeLangchain = "langchain"
	TypeScripted  = "scripted"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultOpenAIBaseURL    = "https://api.openai.com"
	defaultRateLimit        = 5.0
	defaultBurst            = 2
	defaultMaxTokens        = 2000
	defaultTimeout          = 60 * time.Second
)

// Options are per-call generation settings. Zero values fall back to the
// strategy's configured defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Result is a successful generation.
type Result struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// TokensUsed returns prompt plus completion tokens.
func (r Result) TokensUsed() int {
	return r.PromptTokens + r.CompletionTokens
}

// Strategy generates text for a prompt.
type Strategy interface {
	// Name is the configured provider name, used in errors and metrics.
	Name() string
	// Defaults returns the options used when a call leaves fields unset.
	Defaults() Options
	Generate(ctx context.Context, prompt string, opts Options) (Result, error)
}

// Config describes one provider instance.
type Config struct {
	Name        string
	Type        string
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	RateLimit   float64
	Burst       int
}

// ConfigFor resolves the named provider from the model section. An empty
// name selects the configured default provider.
func ConfigFor(mc *config.ModelConfig, name string) (Config, error) {
	if name == "" {
		name = mc.Provider
	}
	pc, ok := mc.Providers[name]
	if !ok {
		return Config{}, errs.NewValidationError("provider", "unknown provider %q", name)
	}
	return Config{
		Name:        name,
		Type:        mc.ProviderType(name),
		Model:       pc.Model,
		APIKey:      pc.APIKey.Value(),
		BaseURL:     pc.BaseURL,
		MaxTokens:   pc.MaxTokens,
		Temperature: pc.Temperature,
		Timeout:     pc.Timeout.Duration(),
		RateLimit:   pc.RateLimit,
		Burst:       pc.Burst,
	}, nil
}

// New constructs the strategy selected by cfg.Type.
func New(cfg Config) (Strategy, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	switch cfg.Type {
	case TypeAnthropic:
		return newAnthropicStrategy(cfg)
	case TypeOpenAI:
		return newOpenAIStrategy(cfg)
	case TypeLangchain:
		return newLangchainStrategy(cfg)
	case TypeScripted:
		return NewScripted(cfg.Name), nil
	default:
		return nil, errs.NewValidationError("provider", "unsupported provider type %q", cfg.Type)
	}
}

// NewFromConfig resolves and constructs the named provider.
func NewFromConfig(mc *config.ModelConfig, name string) (Strategy, error) {
	cfg, err := ConfigFor(mc, name)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// merge fills unset fields of opts from defaults.
func merge(opts, defaults Options) Options {
	if opts.Model == "" {
		opts.Model = defaults.Model
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaults.MaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaults.Temperature
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	return opts
}

// withCallTimeout bounds a single model call by opts.Timeout.
func withCallTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// classifyContextErr converts a failure observed after a context ended.
// A per-call deadline is retryable; cancellation of the caller's context is not.
func classifyContextErr(provider string, parent, call context.Context, err error) (*errs.ModelError, bool) {
	if parent.Err() != nil {
		return errs.NewModelError(provider, false, parent.Err()), true
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errs.NewModelError(provider, true, fmt.Errorf("call timed out: %w", context.DeadlineExceeded)), true
	}
	return nil, false
}
