package gitx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// PRInfo describes a created pull request.
type PRInfo struct {
	Number int
	URL    string
}

// CreatePullRequest opens a PR from the worktree branch against base
// using the gh CLI, which carries its own authentication. The returned
// number is parsed from the PR URL gh prints.
func (m *Manager) CreatePullRequest(ctx context.Context, wt *Worktree, base, title, body string) (*PRInfo, error) {
	output, err := m.gh(ctx, wt.Path, "pr", "create",
		"--base", base,
		"--head", wt.Branch,
		"--title", title,
		"--body", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}

	url := lastNonEmptyLine(output)
	number, err := prNumberFromURL(url)
	if err != nil {
		return nil, err
	}
	return &PRInfo{Number: number, URL: url}, nil
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// prNumberFromURL extracts the trailing number from a PR URL like
// https://github.com/acme/shop/pull/42.
func prNumberFromURL(url string) (int, error) {
	idx := strings.LastIndex(url, "/")
	if idx < 0 || idx == len(url)-1 {
		return 0, fmt.Errorf("unrecognized pull request URL %q", url)
	}
	n, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("unrecognized pull request URL %q", url)
	}
	return n, nil
}
