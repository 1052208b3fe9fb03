package gitx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *fakeRunner) {
	t.Helper()
	base := t.TempDir()
	run := newFakeRunner()
	m := NewManagerWithRunner(filepath.Join(base, "repos"), filepath.Join(base, "worktrees"), run)
	return m, run
}

func TestEnsureMirror_ClonesOnFirstUse(t *testing.T) {
	m, run := newTestManager(t)
	mirrorPath := filepath.Join(m.ReposDir, "acme__shop.git")

	run.stub("git clone --bare https://github.com/acme/shop.git "+mirrorPath, "", nil)
	run.stub("git config remote.origin.fetch +refs/heads/*:refs/heads/*", "", nil)

	got, err := m.EnsureMirror(context.Background(), "acme__shop.git", "https://github.com/acme/shop.git")
	require.NoError(t, err)
	assert.Equal(t, mirrorPath, got)
}

func TestEnsureMirror_FetchesWhenPresent(t *testing.T) {
	m, run := newTestManager(t)
	mirrorPath := filepath.Join(m.ReposDir, "acme__shop.git")
	require.NoError(t, os.MkdirAll(mirrorPath, 0o755))

	run.stub("git fetch --prune origin", "", nil)

	got, err := m.EnsureMirror(context.Background(), "acme__shop.git", "https://github.com/acme/shop.git")
	require.NoError(t, err)
	assert.Equal(t, mirrorPath, got)
	assert.Len(t, run.callsMatching("git fetch"), 1)
}

func TestCreateWorktree_NewBranch(t *testing.T) {
	m, run := newTestManager(t)
	mirror := "/mirrors/acme__shop.git"
	path := filepath.Join(m.WorktreesDir, "01hq2xyz-feat-add-cart")

	run.stub("git worktree list --porcelain", "", nil)
	run.stub("git worktree prune", "", nil)
	run.stub("git rev-parse --verify refs/heads/feat/add-cart", "", errors.New("unknown revision"))
	run.stub("git worktree add -b feat/add-cart "+path+" main", "", nil)

	wt, err := m.CreateWorktree(context.Background(), mirror, "01HQ2XYZABC", "feat/add-cart", "main")
	require.NoError(t, err)
	assert.Equal(t, path, wt.Path)
	assert.Equal(t, "feat/add-cart", wt.Branch)
	assert.Equal(t, mirror, wt.Mirror)
}

func TestCreateWorktree_ReusesExistingBranch(t *testing.T) {
	m, run := newTestManager(t)
	mirror := "/mirrors/acme__shop.git"
	path := filepath.Join(m.WorktreesDir, "01hq2xyz-feat-add-cart")

	run.stub("git worktree list --porcelain", "", nil)
	run.stub("git worktree prune", "", nil)
	run.stub("git rev-parse --verify refs/heads/feat/add-cart", "abc123\n", nil)
	run.stub("git worktree add "+path+" feat/add-cart", "", nil)

	wt, err := m.CreateWorktree(context.Background(), mirror, "01HQ2XYZABC", "feat/add-cart", "main")
	require.NoError(t, err)
	assert.Equal(t, "feat/add-cart", wt.Branch)
}

func TestCreateWorktree_RemovesStaleHolderOfBranch(t *testing.T) {
	m, run := newTestManager(t)
	mirror := "/mirrors/acme__shop.git"
	stale := filepath.Join(m.WorktreesDir, "deadbeef-feat-add-cart")
	path := filepath.Join(m.WorktreesDir, "01hq2xyz-feat-add-cart")

	porcelain := "worktree " + stale + "\nHEAD abc\nbranch refs/heads/feat/add-cart\n"
	run.stub("git worktree list --porcelain", porcelain, nil)
	run.stub("git worktree remove "+stale+" --force", "", nil)
	run.stub("git worktree prune", "", nil)
	run.stub("git rev-parse --verify refs/heads/feat/add-cart", "abc123\n", nil)
	run.stub("git worktree add "+path+" feat/add-cart", "", nil)

	_, err := m.CreateWorktree(context.Background(), mirror, "01HQ2XYZABC", "feat/add-cart", "main")
	require.NoError(t, err)
	assert.Len(t, run.callsMatching("git worktree remove"), 1)
}

func TestCommitAll(t *testing.T) {
	m, run := newTestManager(t)
	wt := &Worktree{Path: "/wt", Branch: "feat/x", Mirror: "/mirror"}

	// Clean tree commits nothing.
	run.stub("git status --porcelain", "", nil)
	committed, err := m.CommitAll(context.Background(), wt, "feat: x")
	require.NoError(t, err)
	assert.False(t, committed)

	// Dirty tree stages and commits.
	run.stub("git status --porcelain", " M main.go\n", nil)
	run.stub("git add -A", "", nil)
	run.stub("git commit -m feat: x --no-verify", "", nil)
	committed, err = m.CommitAll(context.Background(), wt, "feat: x")
	require.NoError(t, err)
	assert.True(t, committed)
}

func TestPushBranch(t *testing.T) {
	m, run := newTestManager(t)
	wt := &Worktree{Path: "/wt", Branch: "feat/x", Mirror: "/mirror"}

	run.stub("git push -u origin feat/x", "", nil)
	require.NoError(t, m.PushBranch(context.Background(), wt))

	run.stub("git push -u origin feat/x", "", errors.New("remote rejected"))
	assert.Error(t, m.PushBranch(context.Background(), wt))
}

func TestFilesChanged(t *testing.T) {
	m, run := newTestManager(t)
	wt := &Worktree{Path: "/wt", Branch: "feat/x", Mirror: "/mirror"}

	run.stub("git diff --name-only main...HEAD", "a.go\nb.go\n\n", nil)
	n, err := m.FilesChanged(context.Background(), wt, "main")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLogGrep(t *testing.T) {
	m, run := newTestManager(t)
	wt := &Worktree{Path: "/wt", Branch: "feat/x", Mirror: "/mirror"}

	out := "abc\x00feat(story-2): payment\x002024-03-01T10:00:00Z\n" +
		"def\x00feat(story-1): cart\x002024-02-28T09:00:00Z\n"
	run.stub("git log --grep=feat(story- --format=%H%x00%s%x00%cI", out, nil)

	entries, err := m.LogGrep(context.Background(), wt, "feat(story-")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "abc", entries[0].SHA)
	assert.Equal(t, "feat(story-2): payment", entries[0].Subject)
	assert.Equal(t, 2024, entries[0].When.Year())
}

func TestCreatePullRequest(t *testing.T) {
	m, run := newTestManager(t)
	wt := &Worktree{Path: "/wt", Branch: "feat/x", Mirror: "/mirror"}

	run.stub("gh pr create --base main --head feat/x --title Add cart --body body text",
		"https://github.com/acme/shop/pull/42\n", nil)

	pr, err := m.CreatePullRequest(context.Background(), wt, "main", "Add cart", "body text")
	require.NoError(t, err)
	assert.Equal(t, 42, pr.Number)
	assert.Equal(t, "https://github.com/acme/shop/pull/42", pr.URL)
}

func TestCreatePullRequest_BadURL(t *testing.T) {
	m, run := newTestManager(t)
	wt := &Worktree{Path: "/wt", Branch: "feat/x", Mirror: "/mirror"}

	run.stub("gh pr create --base main --head feat/x --title t --body b", "something went sideways", nil)

	_, err := m.CreatePullRequest(context.Background(), wt, "main", "t", "b")
	assert.Error(t, err)
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Add User Authentication", "add-user-authentication"},
		{"fix:  broken   spaces", "fix-broken-spaces"},
		{"--leading & trailing!!", "leading-trailing"},
		{"", "job"},
		{"ALL CAPS", "all-caps"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Slugify(tc.in), "input %q", tc.in)
	}

	long := Slugify("this is a very long title that should be trimmed to fifty characters maximum for branch safety")
	assert.LessOrEqual(t, len(long), 50)
	assert.NotEqual(t, "-", long[len(long)-1:])
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "feat/add-cart", BranchName("feat", "Add Cart"))
	assert.Equal(t, "spec/checkout-flow", BranchName("spec", "Checkout Flow"))
}

func TestWorktreeKey(t *testing.T) {
	assert.Equal(t, "01hq2xyz-feat-add-cart", WorktreeKey("01HQ2XYZABCDEF", "feat/add-cart"))
	assert.Equal(t, "short-fix-bug", WorktreeKey("SHORT", "fix/bug"))
}
