package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Signature is the commit identity used by vcs commands.
type Signature struct {
	Name  string
	Email string
}

// vcsCommand operates on the git repository at the work directory.
type vcsCommand struct {
	lifecycle
	repoPath string
	author   Signature
	p        *VCSParams

	priorHead  *plumbing.Reference
	checkedOut bool
	committed  plumbing.Hash
}

func newVCSCommand(repoPath string, author Signature, p *VCSParams) *vcsCommand {
	return &vcsCommand{repoPath: repoPath, author: author, p: p}
}

func (c *vcsCommand) Kind() Kind     { return KindVCS }
func (c *vcsCommand) Action() string { return c.p.Operation }

func (c *vcsCommand) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(c.repoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", c.repoPath, err)
	}
	return repo, nil
}

func (c *vcsCommand) Execute(ctx context.Context) (map[string]any, error) {
	if err := c.beginExecute("vcs"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, execErr(KindVCS, c.p.Operation, err)
	}

	repo, err := c.open()
	if err != nil {
		return nil, execErr(KindVCS, c.p.Operation, err)
	}

	var result map[string]any
	switch c.p.Operation {
	case "create_branch":
		result, err = c.createBranch(repo)
	case "commit":
		result, err = c.commit(repo)
	default:
		err = fmt.Errorf("unsupported vcs operation %q", c.p.Operation)
	}
	if err != nil {
		return nil, execErr(KindVCS, c.p.Operation, err)
	}
	c.markExecuted()
	return result, nil
}

func (c *vcsCommand) createBranch(repo *git.Repository) (map[string]any, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	name := plumbing.NewBranchReferenceName(c.p.BranchName)
	if _, err := repo.Reference(name, false); err == nil {
		return nil, fmt.Errorf("branch %s already exists", c.p.BranchName)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(name, head.Hash())); err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}
	c.priorHead = head

	if c.p.checkout() {
		wt, err := repo.Worktree()
		if err != nil {
			return nil, err
		}
		if err := wt.Checkout(&git.CheckoutOptions{Branch: name, Keep: true}); err != nil {
			_ = repo.Storer.RemoveReference(name)
			return nil, fmt.Errorf("checkout %s: %w", c.p.BranchName, err)
		}
		c.checkedOut = true
	}
	return map[string]any{"branch": c.p.BranchName, "from": head.Hash().String()}, nil
}

func (c *vcsCommand) commit(repo *git.Repository) (map[string]any, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}

	if len(c.p.Files) == 0 {
		err = wt.AddWithOptions(&git.AddOptions{All: true})
	} else {
		for _, f := range c.p.Files {
			if _, err = wt.Add(f); err != nil {
				break
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("stage changes: %w", err)
	}

	hash, err := wt.Commit(c.p.Message, &git.CommitOptions{
		Author: &object.Signature{Name: c.author.Name, Email: c.author.Email, When: time.Now()},
	})
	if err != nil {
		_ = wt.Reset(&git.ResetOptions{Commit: head.Hash(), Mode: git.MixedReset})
		return nil, fmt.Errorf("commit: %w", err)
	}
	c.priorHead = head
	c.committed = hash
	return map[string]any{"commit": hash.String(), "parent": head.Hash().String()}, nil
}

func (c *vcsCommand) Undo(ctx context.Context) (map[string]any, error) {
	if err := c.beginUndo("vcs"); err != nil {
		return nil, err
	}
	repo, err := c.open()
	if err != nil {
		return nil, undoErr(KindVCS, c.p.Operation, err)
	}

	var result map[string]any
	switch c.p.Operation {
	case "create_branch":
		result, err = c.undoBranch(repo)
	case "commit":
		result, err = c.undoCommit(repo)
	}
	if err != nil {
		return nil, undoErr(KindVCS, c.p.Operation, err)
	}
	c.markUndone()
	return result, nil
}

func (c *vcsCommand) undoBranch(repo *git.Repository) (map[string]any, error) {
	name := plumbing.NewBranchReferenceName(c.p.BranchName)
	if c.checkedOut {
		wt, err := repo.Worktree()
		if err != nil {
			return nil, err
		}
		opts := &git.CheckoutOptions{Keep: true}
		if c.priorHead.Name().IsBranch() {
			opts.Branch = c.priorHead.Name()
		} else {
			opts.Hash = c.priorHead.Hash()
		}
		if err := wt.Checkout(opts); err != nil {
			return nil, fmt.Errorf("restore HEAD: %w", err)
		}
	}
	if err := repo.Storer.RemoveReference(name); err != nil {
		return nil, fmt.Errorf("delete branch: %w", err)
	}
	return map[string]any{"deleted_branch": c.p.BranchName}, nil
}

func (c *vcsCommand) undoCommit(repo *git.Repository) (map[string]any, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	if head.Hash() != c.committed {
		return nil, errors.New("HEAD moved since the commit; refusing to reset")
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	if err := wt.Reset(&git.ResetOptions{Commit: c.priorHead.Hash(), Mode: git.MixedReset}); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}
	return map[string]any{"reset_to": c.priorHead.Hash().String()}, nil
}
