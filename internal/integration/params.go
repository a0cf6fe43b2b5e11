package integration

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
)

// Params is the typed parameter set of one operation kind. The set of
// implementations is closed to this package.
type Params interface {
	Kind() Kind
	Action() string
	validate() error
}

// Request pairs a kind with its typed parameters.
type Request struct {
	Kind   Kind
	Params Params
}

// Action returns the requested action name.
func (r Request) Action() string {
	if r.Params == nil {
		return ""
	}
	return r.Params.Action()
}

// FileChanges describes a modify_file edit. Replacements run first, then
// append, then prepend.
type FileChanges struct {
	Replace map[string]string `json:"replace,omitempty"`
	Append  string            `json:"append,omitempty"`
	Prepend string            `json:"prepend,omitempty"`
}

// FilesystemParams: create_file, modify_file, delete_file, create_directory.
type FilesystemParams struct {
	Operation string      `json:"operation"`
	Path      string      `json:"path"`
	Content   string      `json:"content,omitempty"`
	Changes   FileChanges `json:"changes,omitempty"`
}

func (p *FilesystemParams) Kind() Kind     { return KindFilesystem }
func (p *FilesystemParams) Action() string { return p.Operation }

func (p *FilesystemParams) validate() error {
	switch p.Operation {
	case "create_file", "modify_file", "delete_file", "create_directory":
	default:
		return fmt.Errorf("unknown filesystem operation %q", p.Operation)
	}
	clean, err := confinedPath(p.Path)
	if err != nil {
		return err
	}
	p.Path = clean
	return nil
}

// VCSParams: create_branch, commit.
type VCSParams struct {
	Operation  string   `json:"operation"`
	BranchName string   `json:"branch_name,omitempty"`
	Message    string   `json:"message,omitempty"`
	Files      []string `json:"files,omitempty"`
	// Checkout switches to the new branch; defaults to true like `git checkout -b`.
	Checkout *bool `json:"checkout,omitempty"`
}

func (p *VCSParams) Kind() Kind     { return KindVCS }
func (p *VCSParams) Action() string { return p.Operation }

func (p *VCSParams) validate() error {
	switch p.Operation {
	case "create_branch":
		if p.BranchName == "" {
			return fmt.Errorf("create_branch requires branch_name")
		}
	case "commit":
		if strings.TrimSpace(p.Message) == "" {
			return fmt.Errorf("commit requires message")
		}
		for i, f := range p.Files {
			clean, err := confinedPath(f)
			if err != nil {
				return err
			}
			p.Files[i] = clean
		}
	default:
		return fmt.Errorf("unsupported vcs operation %q", p.Operation)
	}
	return nil
}

func (p *VCSParams) checkout() bool { return p.Checkout == nil || *p.Checkout }

// PackageParams: install, uninstall, update against go.mod or requirements.txt.
type PackageParams struct {
	Operation string `json:"operation"`
	Package   string `json:"package"`
	Version   string `json:"version,omitempty"`
	Manifest  string `json:"manifest,omitempty"`
}

func (p *PackageParams) Kind() Kind     { return KindPackage }
func (p *PackageParams) Action() string { return p.Operation }

func (p *PackageParams) validate() error {
	switch p.Operation {
	case "install", "uninstall", "update":
	default:
		return fmt.Errorf("unknown package operation %q", p.Operation)
	}
	if p.Package == "" {
		return fmt.Errorf("%s requires package", p.Operation)
	}
	if p.Manifest == "" {
		p.Manifest = "go.mod"
	}
	clean, err := confinedPath(p.Manifest)
	if err != nil {
		return err
	}
	p.Manifest = clean
	return nil
}

// DeploymentParams: create.
type DeploymentParams struct {
	Operation   string         `json:"operation"`
	Ref         string         `json:"ref"`
	Environment string         `json:"environment,omitempty"`
	Description string         `json:"description,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func (p *DeploymentParams) Kind() Kind     { return KindDeployment }
func (p *DeploymentParams) Action() string { return p.Operation }

func (p *DeploymentParams) validate() error {
	if p.Operation == "" || p.Operation == "deploy" {
		p.Operation = "create"
	}
	if p.Operation != "create" {
		return fmt.Errorf("unsupported deployment operation %q", p.Operation)
	}
	if p.Ref == "" {
		return fmt.Errorf("deployment requires ref")
	}
	return nil
}

// DatabaseParams: execute_query. Statements that write must carry an
// UndoStatement; plain SELECTs are read-only and undo as a no-op.
type DatabaseParams struct {
	Operation     string `json:"operation"`
	Query         string `json:"query"`
	Args          []any  `json:"args,omitempty"`
	UndoStatement string `json:"undo_statement,omitempty"`
	UndoArgs      []any  `json:"undo_args,omitempty"`
}

func (p *DatabaseParams) Kind() Kind     { return KindDatabase }
func (p *DatabaseParams) Action() string { return p.Operation }

func (p *DatabaseParams) validate() error {
	if p.Operation == "execute" {
		p.Operation = "execute_query"
	}
	if p.Operation != "execute_query" {
		return fmt.Errorf("unsupported database operation %q", p.Operation)
	}
	if strings.TrimSpace(p.Query) == "" {
		return fmt.Errorf("execute_query requires query")
	}
	if !p.readOnly() && strings.TrimSpace(p.UndoStatement) == "" {
		return fmt.Errorf("write statements require undo_statement")
	}
	return nil
}

func (p *DatabaseParams) readOnly() bool {
	fields := strings.Fields(strings.ToLower(p.Query))
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "select", "explain":
		return true
	case "with":
		for _, w := range fields {
			switch w {
			case "insert", "update", "delete", "replace":
				return false
			}
		}
		return true
	}
	return false
}

// DecodeRequest turns a directive's raw type and parameter object into a
// typed Request. Unknown types fail with UnsupportedOperationError;
// malformed parameters fail with an execute-stage IntegrationError.
func DecodeRequest(typ string, raw map[string]any) (Request, error) {
	kind, err := ParseKind(typ)
	if err != nil {
		return Request{}, err
	}

	var params Params
	switch kind {
	case KindFilesystem:
		params = &FilesystemParams{}
	case KindVCS:
		params = &VCSParams{}
	case KindPackage:
		params = &PackageParams{}
	case KindDeployment:
		params = &DeploymentParams{}
	case KindDatabase:
		params = &DatabaseParams{}
	}

	action, _ := raw["operation"].(string)
	data, err := json.Marshal(raw)
	if err != nil {
		return Request{}, errs.NewIntegrationError(errs.StageExecute, string(kind), action, fmt.Errorf("encode parameters: %w", err))
	}
	if err := json.Unmarshal(data, params); err != nil {
		return Request{}, errs.NewIntegrationError(errs.StageExecute, string(kind), action, fmt.Errorf("decode parameters: %w", err))
	}
	if err := params.validate(); err != nil {
		return Request{Kind: kind, Params: params}, errs.NewIntegrationError(errs.StageExecute, string(kind), action, err)
	}
	return Request{Kind: kind, Params: params}, nil
}

// confinedPath cleans a slash-separated relative path and rejects anything
// that would leave the work directory.
func confinedPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q must be relative to the work directory", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the work directory", p)
	}
	return clean, nil
}
