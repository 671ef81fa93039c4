package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/qraft-dev/qraft/internal/logger"
)

// Provisioner creates and removes git worktrees for agent sessions.
type Provisioner interface {
	// Ensure makes sure the worktree for id exists and returns its path.
	// Ensuring an already-provisioned worktree returns the existing path.
	Ensure(ctx context.Context, id string) (string, error)
	// Remove deletes the worktree checkout. The branch is kept.
	Remove(ctx context.Context, id string) error
	// NewID generates a fresh human-readable worktree id.
	NewID() string
}

// GitProvisioner provisions worktrees under baseDir, one directory per
// worktree id, each on its own qraft/<id> branch off HEAD.
type GitProvisioner struct {
	repoPath string
	baseDir  string
}

// NewGitProvisioner creates a provisioner for the repository at repoPath.
// Worktrees are created under baseDir; when baseDir is empty they go to
// <repoPath>/.qraft/worktrees.
func NewGitProvisioner(repoPath, baseDir string) (*GitProvisioner, error) {
	if _, err := gogit.PlainOpen(repoPath); err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", repoPath, err)
	}
	if baseDir == "" {
		baseDir = filepath.Join(repoPath, ".qraft", "worktrees")
	}
	return &GitProvisioner{repoPath: repoPath, baseDir: baseDir}, nil
}

// Path returns the checkout directory for a worktree id.
func (p *GitProvisioner) Path(id string) string {
	return filepath.Join(p.baseDir, id)
}

func (p *GitProvisioner) branchName(id string) string {
	return "qraft/" + id
}

// Ensure creates the worktree for id if it does not exist yet.
func (p *GitProvisioner) Ensure(ctx context.Context, id string) (string, error) {
	path := p.Path(id)

	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return "", fmt.Errorf("worktree path %s exists but is not a directory", path)
		}
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to check worktree path: %w", err)
	}

	if err := os.MkdirAll(p.baseDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	repo, err := gogit.PlainOpen(p.repoPath)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}

	branch := p.branchName(id)
	branchRef := plumbing.NewBranchReferenceName(branch)

	if _, err := repo.Reference(branchRef, false); err == nil {
		// The branch survives Remove, so reattach the checkout to it.
		if _, err := p.runGitCommand(ctx, "worktree", "add", path, branch); err != nil {
			return "", fmt.Errorf("failed to create worktree from branch %s: %w", branch, err)
		}
		logger.Info("Reattached worktree %s at %s", id, path)
		return path, nil
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("repository has no commits yet, create an initial commit first: %w", err)
	}

	if _, err := p.runGitCommand(ctx, "worktree", "add", "-b", branch, path, head.Hash().String()); err != nil {
		return "", fmt.Errorf("failed to create worktree %s: %w", id, err)
	}

	logger.Info("Provisioned worktree %s at %s (branch %s)", id, path, branch)
	return path, nil
}

// Remove deletes a worktree checkout and prunes stale metadata.
func (p *GitProvisioner) Remove(ctx context.Context, id string) error {
	path := p.Path(id)

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to check worktree path: %w", err)
	}

	if _, err := p.runGitCommand(ctx, "worktree", "remove", "-f", path); err != nil {
		return fmt.Errorf("failed to remove worktree %s: %w", id, err)
	}

	if _, err := p.runGitCommand(ctx, "worktree", "prune"); err != nil {
		logger.Warn("Failed to prune worktrees: %v", err)
	}
	return nil
}

func (p *GitProvisioner) runGitCommand(ctx context.Context, args ...string) (string, error) {
	baseArgs := []string{"-C", p.repoPath}
	cmd := exec.CommandContext(ctx, "git", append(baseArgs, args...)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git command failed: %s (%w)", strings.TrimSpace(string(output)), err)
	}
	return string(output), nil
}
