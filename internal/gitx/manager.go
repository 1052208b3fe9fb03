// Package gitx manages bare repository mirrors, per-job worktrees, and
// the push/PR flow that publishes agent work.
package gitx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manager owns the mirror and worktree directories for one machine.
type Manager struct {
	// ReposDir holds bare mirrors, one per remote repository.
	ReposDir string

	// WorktreesDir holds per-job working copies.
	WorktreesDir string

	run Runner
}

// NewManager creates a manager backed by the real git and gh binaries.
func NewManager(reposDir, worktreesDir string) *Manager {
	return &Manager{ReposDir: reposDir, WorktreesDir: worktreesDir, run: osRunner{}}
}

// NewManagerWithRunner injects a command runner. Intended for tests.
func NewManagerWithRunner(reposDir, worktreesDir string, run Runner) *Manager {
	return &Manager{ReposDir: reposDir, WorktreesDir: worktreesDir, run: run}
}

// EnsureMirror clones the repository as a bare mirror on first use and
// fetches with pruning on every call, so worktrees always branch from
// fresh refs. mirrorKey is the directory name, e.g. "acme__shop.git".
func (m *Manager) EnsureMirror(ctx context.Context, mirrorKey, cloneURL string) (string, error) {
	mirrorPath := filepath.Join(m.ReposDir, mirrorKey)

	if _, err := os.Stat(mirrorPath); os.IsNotExist(err) {
		if err := os.MkdirAll(m.ReposDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create repos directory: %w", err)
		}
		if _, err := m.git(ctx, m.ReposDir, "clone", "--bare", cloneURL, mirrorPath); err != nil {
			return "", fmt.Errorf("failed to clone mirror %s: %w", mirrorKey, err)
		}
		// Bare clones don't map refs for fetch by default.
		if _, err := m.git(ctx, mirrorPath, "config", "remote.origin.fetch", "+refs/heads/*:refs/heads/*"); err != nil {
			return "", fmt.Errorf("failed to configure mirror fetch refspec: %w", err)
		}
		return mirrorPath, nil
	}

	if _, err := m.git(ctx, mirrorPath, "fetch", "--prune", "origin"); err != nil {
		return "", fmt.Errorf("failed to fetch mirror %s: %w", mirrorKey, err)
	}
	return mirrorPath, nil
}

// Worktree is an active per-job working copy.
type Worktree struct {
	Path      string
	Branch    string
	Mirror    string
	CreatedAt time.Time
}

// WorktreeKey derives the directory name for a job's worktree from the
// job id prefix and the branch name.
func WorktreeKey(jobID, branch string) string {
	prefix := jobID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return strings.ToLower(prefix) + "-" + Slugify(branch)
}

// CreateWorktree checks out branch in a fresh worktree under the
// manager's worktree directory. A branch that already exists in the
// mirror is reused so a retried job continues where the last attempt
// stopped; otherwise the branch is created from baseBranch. Any stale
// worktree holding the same branch is removed first.
func (m *Manager) CreateWorktree(ctx context.Context, mirrorPath, jobID, branch, baseBranch string) (*Worktree, error) {
	if err := os.MkdirAll(m.WorktreesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	path := filepath.Join(m.WorktreesDir, WorktreeKey(jobID, branch))

	if err := m.removeStaleWorktrees(ctx, mirrorPath, branch, path); err != nil {
		return nil, err
	}

	exists, err := m.branchExists(ctx, mirrorPath, branch)
	if err != nil {
		return nil, err
	}

	var args []string
	if exists {
		args = []string{"worktree", "add", path, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, path, baseBranch}
	}
	if _, err := m.git(ctx, mirrorPath, args...); err != nil {
		return nil, fmt.Errorf("failed to create worktree for %s: %w", branch, err)
	}

	return &Worktree{Path: path, Branch: branch, Mirror: mirrorPath, CreatedAt: time.Now()}, nil
}

// RemoveWorktree detaches and deletes a worktree.
func (m *Manager) RemoveWorktree(ctx context.Context, wt *Worktree) error {
	if _, err := m.git(ctx, wt.Mirror, "worktree", "remove", wt.Path, "--force"); err != nil {
		return fmt.Errorf("failed to remove worktree: %w", err)
	}
	if err := os.RemoveAll(wt.Path); err != nil {
		return fmt.Errorf("failed to remove worktree directory: %w", err)
	}
	return nil
}

// removeStaleWorktrees force-removes registered worktrees that hold the
// branch or occupy the target path, then prunes dangling registrations.
func (m *Manager) removeStaleWorktrees(ctx context.Context, mirrorPath, branch, path string) error {
	output, err := m.git(ctx, mirrorPath, "worktree", "list", "--porcelain")
	if err != nil {
		return fmt.Errorf("failed to list worktrees: %w", err)
	}

	var currentPath string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			currentPath = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			name := strings.TrimPrefix(ref, "refs/heads/")
			if currentPath != "" && (name == branch || currentPath == path) {
				if _, err := m.git(ctx, mirrorPath, "worktree", "remove", currentPath, "--force"); err != nil {
					return fmt.Errorf("failed to remove stale worktree %s: %w", currentPath, err)
				}
			}
		}
	}

	_, _ = m.git(ctx, mirrorPath, "worktree", "prune")
	return nil
}

func (m *Manager) branchExists(ctx context.Context, mirrorPath, branch string) (bool, error) {
	if _, err := m.git(ctx, mirrorPath, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		return true, nil
	}
	return false, nil
}
