package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"golang.org/x/time/rate"
)

// httpClient is the transport shared by the REST providers.
type httpClient struct {
	name     string
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	defaults Options
}

func newHTTPClient(cfg Config, baseURL string) httpClient {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return httpClient{
		name:    cfg.Name,
		baseURL: baseURL,
		// Per-call deadlines come from the request context.
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
		defaults: Options{
			Model:       cfg.Model,
			MaxTokens:   maxTokens,
			Temperature: cfg.Temperature,
			Timeout:     timeout,
		},
	}
}

// apiErrorBody matches the error envelope both vendors return.
type apiErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// postJSON sends body to path and decodes a 200 response into out.
// Network failures, 429 and 5xx are retryable; other statuses are not.
func (h *httpClient) postJSON(ctx context.Context, path string, headers map[string]string, body, out any) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return errs.NewModelError(h.name, false, fmt.Errorf("rate limiter: %w", err))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return errs.NewModelError(h.name, false, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errs.NewModelError(h.name, false, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return errs.NewModelError(h.name, true, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.NewModelError(h.name, true, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(data)
		var apiErr apiErrorBody
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return &errs.ModelError{
			Provider:   h.name,
			StatusCode: resp.StatusCode,
			Retryable:  retryable,
			Err:        fmt.Errorf("api error: %s", msg),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return errs.NewModelError(h.name, false, fmt.Errorf("parse response: %w", err))
	}
	return nil
}

// call runs fn under the per-call timeout and reclassifies context failures.
func (h *httpClient) call(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := withCallTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if ctxErr, ok := classifyContextErr(h.name, ctx, callCtx, err); ok {
		return ctxErr
	}
	return err
}
