package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	httpserver "github.com/fyrsmithlabs/orchestrd/internal/http"
	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
	"github.com/spf13/cobra"
)

// client talks to the orchestrd HTTP gateway.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(serverURL string) *client {
	return &client{
		baseURL: strings.TrimRight(serverURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes a 2xx response into out. Non-2xx
// responses are returned as errors carrying the server's message.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		var er httpserver.ErrorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			if er.Field != "" {
				return fmt.Errorf("server returned status %d: %s (field %s)", resp.StatusCode, er.Error, er.Field)
			}
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, er.Error)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubmitCmd(global *globalOptions) *cobra.Command {
	var (
		req               httpserver.SubmitRunRequest
		enableIntegration bool
		maxRetries        int
	)
	cmd := &cobra.Command{
		Use:   "submit TOPIC",
		Short: "Submit a run to orchestrd",
		Long: `Submit a topic to a running orchestrd and print the new run id.

Examples:
  orchctl submit "build a login API"
  orchctl submit "build a login API" --policy best_effort --server http://orchestrd:9494`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Topic = args[0]
			if cmd.Flags().Changed("enable-integration") {
				req.IntegrationEnabled = &enableIntegration
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}

			var resp httpserver.SubmitRunResponse
			if err := newClient(global.serverURL).do(cmd.Context(), http.MethodPost, "/api/v1/runs", req, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.RunID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Provider, "provider", "", "model provider name")
	f.StringVar(&req.Policy, "policy", "", "failure policy: halt or best_effort")
	f.BoolVar(&enableIntegration, "enable-integration", false, "execute integration directives")
	f.IntVar(&maxRetries, "max-retries", 0, "retries per phase for retryable model errors")
	return cmd
}

func newStatusCmd(global *globalOptions) *cobra.Command {
	var envelope bool
	cmd := &cobra.Command{
		Use:   "status [RUN_ID]",
		Short: "Show a run, or list recent runs",
		Long: `Show the status snapshot of a run, its results envelope with --envelope,
or the most recent runs when no id is given.

Examples:
  orchctl status
  orchctl status 3f1c9a2e-... --envelope`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(global.serverURL)
			if len(args) == 0 {
				var resp httpserver.ListRunsResponse
				if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/runs", nil, &resp); err != nil {
					return err
				}
				for _, r := range resp.Runs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %d/%d  %s\n",
						r.ID, r.Status, r.CompletedPhases, r.TotalPhases, r.Topic)
				}
				return nil
			}

			if envelope {
				var env orchestrator.Envelope
				if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/runs/"+args[0]+"/envelope", nil, &env); err != nil {
					return err
				}
				return printJSON(cmd, env)
			}
			var run orchestrator.Run
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/runs/"+args[0], nil, &run); err != nil {
				return err
			}
			return printJSON(cmd, run)
		},
	}
	cmd.Flags().BoolVar(&envelope, "envelope", false, "print the results envelope")
	return cmd
}

func newCancelCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Request cancellation of a run",
		Long: `Request cancellation of a run. A running run stops at its next phase
boundary; a queued run never starts. Cancelling a finished run is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpserver.CancelRunResponse
			if err := newClient(global.serverURL).do(cmd.Context(), http.MethodPost, "/api/v1/runs/"+args[0]+"/cancel", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (cancel requested: %t)\n", resp.RunID, resp.Status, resp.CancelRequested)
			return nil
		},
	}
}

func newHealthCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check orchestrd health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp httpserver.HealthResponse
			if err := newClient(global.serverURL).do(cmd.Context(), http.MethodGet, "/health", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
			fmt.Fprintf(out, "Server URL:    %s\n", global.serverURL)
			fmt.Fprintf(out, "Workers:       %d/%d busy, %d/%d queued\n",
				resp.Engine.Active, resp.Engine.Capacity, resp.Engine.Waiting, resp.Engine.Threshold)
			return nil
		},
	}
}
