package integration

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/fyrsmithlabs/orchestrd/internal/config"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// DeploymentTarget is the GitHub repository deployments are created in.
type DeploymentTarget struct {
	Client      *github.Client
	Owner       string
	Repo        string
	Environment string
}

// NewDeploymentTarget builds an authenticated target from configuration.
// BaseURL selects a GitHub Enterprise or test API endpoint.
func NewDeploymentTarget(ctx context.Context, cfg config.DeploymentConfig) (*DeploymentTarget, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("deployment token not set")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("deployment owner and repo are required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse deployment base url: %w", err)
		}
		client.BaseURL = u
	}
	return &DeploymentTarget{Client: client, Owner: cfg.Owner, Repo: cfg.Repo, Environment: cfg.Environment}, nil
}

// deploymentCommand creates a GitHub deployment. Undo marks it inactive
// and deletes it.
type deploymentCommand struct {
	lifecycle
	target *DeploymentTarget
	p      *DeploymentParams

	id int64
}

func newDeploymentCommand(target *DeploymentTarget, p *DeploymentParams) *deploymentCommand {
	return &deploymentCommand{target: target, p: p}
}

func (c *deploymentCommand) Kind() Kind     { return KindDeployment }
func (c *deploymentCommand) Action() string { return c.p.Operation }

func (c *deploymentCommand) Execute(ctx context.Context) (map[string]any, error) {
	if err := c.beginExecute("deployment"); err != nil {
		return nil, err
	}
	if c.target == nil || c.target.Client == nil {
		return nil, execErr(KindDeployment, c.p.Operation, fmt.Errorf("no deployment target configured"))
	}

	env := c.p.Environment
	if env == "" {
		env = c.target.Environment
	}
	req := &github.DeploymentRequest{
		Ref:              github.String(c.p.Ref),
		Environment:      github.String(env),
		AutoMerge:        github.Bool(false),
		RequiredContexts: &[]string{},
	}
	if c.p.Description != "" {
		req.Description = github.String(c.p.Description)
	}
	if len(c.p.Payload) > 0 {
		req.Payload = c.p.Payload
	}

	d, _, err := c.target.Client.Repositories.CreateDeployment(ctx, c.target.Owner, c.target.Repo, req)
	if err != nil {
		return nil, execErr(KindDeployment, c.p.Operation, fmt.Errorf("create deployment: %w", err))
	}
	c.id = d.GetID()
	c.markExecuted()
	return map[string]any{
		"deployment_id": c.id,
		"environment":   d.GetEnvironment(),
		"ref":           d.GetRef(),
		"url":           d.GetURL(),
	}, nil
}

func (c *deploymentCommand) Undo(ctx context.Context) (map[string]any, error) {
	if err := c.beginUndo("deployment"); err != nil {
		return nil, err
	}
	repos := c.target.Client.Repositories

	// Active deployments cannot be deleted.
	status := &github.DeploymentStatusRequest{State: github.String("inactive")}
	if _, _, err := repos.CreateDeploymentStatus(ctx, c.target.Owner, c.target.Repo, c.id, status); err != nil {
		return nil, undoErr(KindDeployment, c.p.Operation, fmt.Errorf("deactivate deployment %d: %w", c.id, err))
	}
	if _, err := repos.DeleteDeployment(ctx, c.target.Owner, c.target.Repo, c.id); err != nil {
		return nil, undoErr(KindDeployment, c.p.Operation, fmt.Errorf("delete deployment %d: %w", c.id, err))
	}
	c.markUndone()
	return map[string]any{"deployment_id": c.id, "deleted": true}, nil
}
