package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/fyrsmithlabs/orchestrd/internal/config"
	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"github.com/spf13/afero"
)

// Factory resolves a Request to a concrete Command.
type Factory struct {
	workDir    string
	fs         afero.Fs
	author     Signature
	deployment *DeploymentTarget
	db         *sql.DB
	enabled    map[Kind]bool
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithFilesystem replaces the work-directory filesystem.
func WithFilesystem(fsys afero.Fs) FactoryOption {
	return func(f *Factory) { f.fs = fsys }
}

// WithAuthor sets the commit identity.
func WithAuthor(sig Signature) FactoryOption {
	return func(f *Factory) { f.author = sig }
}

// WithDeploymentTarget sets the GitHub deployment target.
func WithDeploymentTarget(t *DeploymentTarget) FactoryOption {
	return func(f *Factory) { f.deployment = t }
}

// WithDatabase sets the database for database commands.
func WithDatabase(db *sql.DB) FactoryOption {
	return func(f *Factory) { f.db = db }
}

// WithKinds restricts which kinds may execute. Other kinds fail at execute time.
func WithKinds(kinds ...Kind) FactoryOption {
	return func(f *Factory) {
		f.enabled = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			f.enabled[k] = true
		}
	}
}

// NewFactory creates a factory confined to workDir with every kind enabled.
func NewFactory(workDir string, opts ...FactoryOption) *Factory {
	f := &Factory{
		workDir: workDir,
		fs:      afero.NewBasePathFs(afero.NewOsFs(), workDir),
		author:  Signature{Name: "orchestrd", Email: "orchestrd@localhost"},
	}
	WithKinds(Kinds...)(f)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewFactoryFromConfig wires a factory from the integration section. The
// returned closer releases the database handle, if any.
func NewFactoryFromConfig(ctx context.Context, cfg config.IntegrationConfig) (*Factory, func() error, error) {
	if _, err := os.Stat(cfg.WorkDir); err != nil {
		return nil, nil, fmt.Errorf("integration work dir: %w", err)
	}

	kinds := make([]Kind, 0, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kind, err := ParseKind(k)
		if err != nil {
			return nil, nil, err
		}
		kinds = append(kinds, kind)
	}

	opts := []FactoryOption{
		WithKinds(kinds...),
		WithAuthor(Signature{Name: cfg.VCS.AuthorName, Email: cfg.VCS.AuthorEmail}),
	}
	if cfg.Deployment.Token.IsSet() && cfg.Deployment.Owner != "" {
		target, err := NewDeploymentTarget(ctx, cfg.Deployment)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, WithDeploymentTarget(target))
	}

	closer := func() error { return nil }
	if cfg.Database.DSN != "" {
		db, err := OpenDatabase(cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, WithDatabase(db))
		closer = db.Close
	}
	return NewFactory(cfg.WorkDir, opts...), closer, nil
}

// Enabled reports whether kind may execute.
func (f *Factory) Enabled(kind Kind) bool {
	return f.enabled[kind]
}

// EnabledKinds returns the enabled kinds in canonical order.
func (f *Factory) EnabledKinds() []Kind {
	out := make([]Kind, 0, len(f.enabled))
	for _, k := range Kinds {
		if f.enabled[k] {
			out = append(out, k)
		}
	}
	return out
}

// NewCommand builds the command for req. Unknown parameter types fail with
// UnsupportedOperationError; a disabled kind fails with an execute-stage
// IntegrationError.
func (f *Factory) NewCommand(req Request) (Command, error) {
	if req.Params != nil && !f.enabled[req.Kind] {
		return nil, execErr(req.Kind, req.Action(), fmt.Errorf("integration kind %s is disabled", req.Kind))
	}

	switch p := req.Params.(type) {
	case *FilesystemParams:
		return newFilesystemCommand(f.fs, p), nil
	case *VCSParams:
		return newVCSCommand(f.workDir, f.author, p), nil
	case *PackageParams:
		return newPackageCommand(f.fs, p), nil
	case *DeploymentParams:
		return newDeploymentCommand(f.deployment, p), nil
	case *DatabaseParams:
		return newDatabaseCommand(f.db, p), nil
	default:
		return nil, &errs.UnsupportedOperationError{Type: string(req.Kind)}
	}
}
