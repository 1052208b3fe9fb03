package gitx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HasUncommittedChanges reports whether the worktree is dirty.
func (m *Manager) HasUncommittedChanges(ctx context.Context, wt *Worktree) (bool, error) {
	output, err := m.git(ctx, wt.Path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) != "", nil
}

// CommitAll stages everything and commits. Returns false without error
// when there is nothing to commit.
func (m *Manager) CommitAll(ctx context.Context, wt *Worktree, message string) (bool, error) {
	dirty, err := m.HasUncommittedChanges(ctx, wt)
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}

	if _, err := m.git(ctx, wt.Path, "add", "-A"); err != nil {
		return false, fmt.Errorf("failed to stage changes: %w", err)
	}
	if _, err := m.git(ctx, wt.Path, "commit", "-m", message, "--no-verify"); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// PushBranch pushes the worktree branch to origin, creating the
// upstream on first push.
func (m *Manager) PushBranch(ctx context.Context, wt *Worktree) error {
	if _, err := m.git(ctx, wt.Path, "push", "-u", "origin", wt.Branch); err != nil {
		return fmt.Errorf("failed to push branch %s: %w", wt.Branch, err)
	}
	return nil
}

// HeadSHA returns the current HEAD commit hash.
func (m *Manager) HeadSHA(ctx context.Context, wt *Worktree) (string, error) {
	output, err := m.git(ctx, wt.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// FilesChanged counts files touched on the branch relative to base.
func (m *Manager) FilesChanged(ctx context.Context, wt *Worktree, baseBranch string) (int, error) {
	output, err := m.git(ctx, wt.Path, "diff", "--name-only", baseBranch+"...HEAD")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n, nil
}

// LogEntry is one commit from a log query.
type LogEntry struct {
	SHA     string
	Subject string
	When    time.Time
}

// LogGrep returns commits whose subject matches pattern, newest first.
// Fields are NUL-separated so subjects can contain anything.
func (m *Manager) LogGrep(ctx context.Context, wt *Worktree, pattern string) ([]LogEntry, error) {
	output, err := m.git(ctx, wt.Path, "log", "--grep="+pattern,
		"--format=%H%x00%s%x00%cI")
	if err != nil {
		return nil, err
	}

	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\x00", 3)
		if len(parts) != 3 {
			continue
		}
		when, _ := time.Parse(time.RFC3339, parts[2])
		entries = append(entries, LogEntry{SHA: parts[0], Subject: parts[1], When: when})
	}
	return entries, nil
}

// CommitCountAhead returns how many commits the branch is ahead of base.
func (m *Manager) CommitCountAhead(ctx context.Context, wt *Worktree, baseBranch string) (int, error) {
	output, err := m.git(ctx, wt.Path, "rev-list", "--count", baseBranch+"..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return 0, fmt.Errorf("failed to parse rev-list count: %w", err)
	}
	return n, nil
}
