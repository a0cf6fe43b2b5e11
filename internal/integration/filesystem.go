package integration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

const defaultFileMode fs.FileMode = 0o644

// filesystemCommand edits files under the work directory. fs is expected to
// be rooted there (afero.BasePathFs in production).
type filesystemCommand struct {
	lifecycle
	fs afero.Fs
	p  *FilesystemParams

	existed     bool
	prior       []byte
	priorMode   fs.FileMode
	createdDirs []string
}

func newFilesystemCommand(fsys afero.Fs, p *FilesystemParams) *filesystemCommand {
	return &filesystemCommand{fs: fsys, p: p}
}

func (c *filesystemCommand) Kind() Kind     { return KindFilesystem }
func (c *filesystemCommand) Action() string { return c.p.Operation }

func (c *filesystemCommand) Execute(ctx context.Context) (map[string]any, error) {
	if err := c.beginExecute("filesystem"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, execErr(KindFilesystem, c.p.Operation, err)
	}

	var err error
	switch c.p.Operation {
	case "create_file":
		err = c.createFile()
	case "modify_file":
		err = c.modifyFile()
	case "delete_file":
		err = c.deleteFile()
	case "create_directory":
		err = c.createDirectory(c.p.Path)
	default:
		err = fmt.Errorf("unknown filesystem operation %q", c.p.Operation)
	}
	if err != nil {
		return nil, execErr(KindFilesystem, c.p.Operation, err)
	}
	c.markExecuted()
	return map[string]any{"path": c.p.Path, "operation": c.p.Operation}, nil
}

func (c *filesystemCommand) capture() error {
	info, err := c.fs.Stat(c.p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", c.p.Path)
	}
	data, err := afero.ReadFile(c.fs, c.p.Path)
	if err != nil {
		return err
	}
	c.existed, c.prior, c.priorMode = true, data, info.Mode().Perm()
	return nil
}

func (c *filesystemCommand) createFile() error {
	if err := c.capture(); err != nil {
		return err
	}
	if dir := path.Dir(c.p.Path); dir != "." {
		if err := c.createDirectory(dir); err != nil {
			return err
		}
	}
	return afero.WriteFile(c.fs, c.p.Path, []byte(c.p.Content), defaultFileMode)
}

func (c *filesystemCommand) modifyFile() error {
	if err := c.capture(); err != nil {
		return err
	}
	if !c.existed {
		return fmt.Errorf("file %s does not exist", c.p.Path)
	}
	return afero.WriteFile(c.fs, c.p.Path, []byte(applyChanges(string(c.prior), c.p.Changes)), c.priorMode)
}

func (c *filesystemCommand) deleteFile() error {
	if err := c.capture(); err != nil {
		return err
	}
	if !c.existed {
		return fmt.Errorf("file %s does not exist", c.p.Path)
	}
	return c.fs.Remove(c.p.Path)
}

// createDirectory creates dir and its parents, remembering which ones were new.
func (c *filesystemCommand) createDirectory(dir string) error {
	var missing []string
	for d := dir; d != "." && d != "/"; d = path.Dir(d) {
		if _, err := c.fs.Stat(d); err == nil {
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		missing = append(missing, d)
	}
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// Deepest first, the order Undo removes them in.
	c.createdDirs = append(c.createdDirs, missing...)
	return nil
}

func (c *filesystemCommand) Undo(ctx context.Context) (map[string]any, error) {
	if err := c.beginUndo("filesystem"); err != nil {
		return nil, err
	}

	var err error
	switch c.p.Operation {
	case "create_file":
		if c.existed {
			err = afero.WriteFile(c.fs, c.p.Path, c.prior, c.priorMode)
		} else {
			err = c.fs.Remove(c.p.Path)
		}
	case "modify_file", "delete_file":
		err = afero.WriteFile(c.fs, c.p.Path, c.prior, c.priorMode)
	}
	if err == nil {
		err = c.removeCreatedDirs()
	}
	if err != nil {
		return nil, undoErr(KindFilesystem, c.p.Operation, err)
	}
	c.markUndone()
	return map[string]any{"path": c.p.Path, "restored": c.existed}, nil
}

func (c *filesystemCommand) removeCreatedDirs() error {
	for _, d := range c.createdDirs {
		if err := c.fs.Remove(d); err != nil {
			return fmt.Errorf("remove directory %s: %w", d, err)
		}
	}
	return nil
}

// applyChanges runs replacements in key order, then append, then prepend.
func applyChanges(content string, ch FileChanges) string {
	keys := make([]string, 0, len(ch.Replace))
	for k := range ch.Replace {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		content = strings.ReplaceAll(content, k, ch.Replace[k])
	}
	return ch.Prepend + content + ch.Append
}
