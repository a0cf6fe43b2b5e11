package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a repository with one commit on master.
func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, repo
}

func vcsCmd(t *testing.T, dir string, raw map[string]any) Command {
	t.Helper()
	req, err := DecodeRequest("git_operations", raw)
	require.NoError(t, err)
	cmd, err := NewFactory(dir).NewCommand(req)
	require.NoError(t, err)
	return cmd
}

func TestVCS_CreateBranchUndo(t *testing.T) {
	ctx := context.Background()
	dir, repo := initRepo(t)
	before, err := repo.Head()
	require.NoError(t, err)

	cmd := vcsCmd(t, dir, map[string]any{"operation": "create_branch", "branch_name": "feature/login"})
	res, err := cmd.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, "feature/login", res["branch"])

	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, plumbing.NewBranchReferenceName("feature/login"), head.Name())

	_, err = cmd.Undo(ctx)
	require.NoError(t, err)

	head, err = repo.Head()
	require.NoError(t, err)
	assert.Equal(t, before.Name(), head.Name())
	_, err = repo.Reference(plumbing.NewBranchReferenceName("feature/login"), false)
	assert.ErrorIs(t, err, plumbing.ErrReferenceNotFound)
}

func TestVCS_CreateExistingBranchFails(t *testing.T) {
	dir, repo := initRepo(t)
	head, err := repo.Head()
	require.NoError(t, err)
	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("taken"), head.Hash())))

	cmd := vcsCmd(t, dir, map[string]any{"operation": "create_branch", "branch_name": "taken"})
	_, err = cmd.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestVCS_CommitUndo(t *testing.T) {
	ctx := context.Background()
	dir, repo := initRepo(t)
	before, err := repo.Head()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))

	cmd := vcsCmd(t, dir, map[string]any{"operation": "commit", "message": "add main", "files": []any{"main.go"}})
	res, err := cmd.Execute(ctx)
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, res["commit"], head.Hash().String())
	c, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "add main", c.Message)
	assert.Equal(t, "orchestrd", c.Author.Name)

	_, err = cmd.Undo(ctx)
	require.NoError(t, err)

	head, err = repo.Head()
	require.NoError(t, err)
	assert.Equal(t, before.Hash(), head.Hash())

	// Mixed reset keeps the working tree.
	_, err = os.Stat(filepath.Join(dir, "main.go"))
	assert.NoError(t, err)
}

func TestVCS_NotARepository(t *testing.T) {
	cmd := vcsCmd(t, t.TempDir(), map[string]any{"operation": "commit", "message": "x"})
	_, err := cmd.Execute(context.Background())
	require.Error(t, err)
}
