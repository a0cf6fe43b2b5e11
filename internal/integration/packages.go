package integration

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
)

// packageCommand edits a dependency manifest in place. It never runs a
// package manager; the manifest change is the effect.
type packageCommand struct {
	lifecycle
	fs afero.Fs
	p  *PackageParams

	prior    []byte
	previous string
}

func newPackageCommand(fsys afero.Fs, p *PackageParams) *packageCommand {
	return &packageCommand{fs: fsys, p: p}
}

func (c *packageCommand) Kind() Kind     { return KindPackage }
func (c *packageCommand) Action() string { return c.p.Operation }

func (c *packageCommand) Execute(ctx context.Context) (map[string]any, error) {
	if err := c.beginExecute("package"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, execErr(KindPackage, c.p.Operation, err)
	}

	data, err := afero.ReadFile(c.fs, c.p.Manifest)
	if err != nil {
		return nil, execErr(KindPackage, c.p.Operation, fmt.Errorf("read manifest: %w", err))
	}

	var updated []byte
	switch path.Base(c.p.Manifest) {
	case "go.mod":
		updated, err = c.editGoMod(data)
	case "requirements.txt":
		updated, err = c.editRequirements(data)
	default:
		err = fmt.Errorf("unsupported manifest %s", c.p.Manifest)
	}
	if err != nil {
		return nil, execErr(KindPackage, c.p.Operation, err)
	}

	if err := afero.WriteFile(c.fs, c.p.Manifest, updated, defaultFileMode); err != nil {
		return nil, execErr(KindPackage, c.p.Operation, err)
	}
	c.prior = data
	c.markExecuted()
	return map[string]any{
		"manifest": c.p.Manifest,
		"package":  c.p.Package,
		"version":  c.p.Version,
		"previous": c.previous,
	}, nil
}

func (c *packageCommand) editGoMod(data []byte) ([]byte, error) {
	f, err := modfile.Parse(c.p.Manifest, data, nil)
	if err != nil {
		return nil, fmt.Errorf("parse go.mod: %w", err)
	}
	for _, r := range f.Require {
		if r.Mod.Path == c.p.Package {
			c.previous = r.Mod.Version
		}
	}

	switch c.p.Operation {
	case "install", "update":
		if c.p.Version == "" {
			return nil, fmt.Errorf("%s of a Go module requires version", c.p.Operation)
		}
		if err := module.Check(c.p.Package, c.p.Version); err != nil {
			return nil, err
		}
		if c.p.Operation == "update" && c.previous == "" {
			return nil, fmt.Errorf("module %s is not required", c.p.Package)
		}
		if err := f.AddRequire(c.p.Package, c.p.Version); err != nil {
			return nil, err
		}
	case "uninstall":
		if c.previous == "" {
			return nil, fmt.Errorf("module %s is not required", c.p.Package)
		}
		if err := f.DropRequire(c.p.Package); err != nil {
			return nil, err
		}
	}

	f.Cleanup()
	return f.Format()
}

var requirementName = regexp.MustCompile(`^\s*([A-Za-z0-9][A-Za-z0-9._-]*)`)

func (c *packageCommand) editRequirements(data []byte) ([]byte, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}

	want := strings.ToLower(c.p.Package)
	idx := -1
	for i, line := range lines {
		m := requirementName.FindStringSubmatch(line)
		if m != nil && strings.ToLower(m[1]) == want {
			idx = i
			c.previous = strings.TrimSpace(line)
			break
		}
	}

	entry := c.p.Package
	if c.p.Version != "" {
		entry += "==" + c.p.Version
	}

	switch c.p.Operation {
	case "install":
		if idx >= 0 {
			lines[idx] = entry
		} else {
			lines = append(lines, entry)
		}
	case "update":
		if idx < 0 {
			return nil, fmt.Errorf("package %s is not listed", c.p.Package)
		}
		lines[idx] = entry
	case "uninstall":
		if idx < 0 {
			return nil, fmt.Errorf("package %s is not listed", c.p.Package)
		}
		lines = append(lines[:idx], lines[idx+1:]...)
	}

	if len(lines) == 0 {
		return nil, nil
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

func (c *packageCommand) Undo(ctx context.Context) (map[string]any, error) {
	if err := c.beginUndo("package"); err != nil {
		return nil, err
	}
	if err := afero.WriteFile(c.fs, c.p.Manifest, c.prior, defaultFileMode); err != nil {
		return nil, undoErr(KindPackage, c.p.Operation, err)
	}
	c.markUndone()
	return map[string]any{"manifest": c.p.Manifest, "restored": true}, nil
}
