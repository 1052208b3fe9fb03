package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildforge/foreman/internal/store"
)

func TestInitProgressFile(t *testing.T) {
	dir := t.TempDir()
	job := &store.AgentJob{ID: "job-1"}

	require.NoError(t, initProgressFile(dir, job, "job/fix-login"))
	content := readProgressFile(dir)
	assert.Contains(t, content, "# Progress Log")
	assert.Contains(t, content, "- Job: job-1")
	assert.Contains(t, content, "- Branch: job/fix-login")
	assert.Contains(t, content, "## Codebase Patterns")

	// A retried job keeps the accumulated file.
	require.NoError(t, appendProgress(dir, "\n## Iteration 1\n\ndid things\n"))
	require.NoError(t, initProgressFile(dir, job, "job/fix-login"))
	assert.Contains(t, readProgressFile(dir), "did things")
}

func TestExtractSummary_Block(t *testing.T) {
	output := `I looked at the code.

## Summary

Added the cart page and wired the router.

## Next steps

more stuff`
	assert.Equal(t, "Added the cart page and wired the router.", extractSummary(output))
}

func TestExtractSummary_CaseInsensitiveAndRuleTerminated(t *testing.T) {
	output := "## SUMMARY\nfixed the bug\n---\nfooter"
	assert.Equal(t, "fixed the bug", extractSummary(output))
}

func TestExtractSummary_FallbackTail(t *testing.T) {
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, "line")
	}
	lines = append(lines, "final line")
	got := extractSummary(strings.Join(lines, "\n"))
	assert.True(t, strings.HasSuffix(got, "final line"))
	assert.LessOrEqual(t, len(strings.Split(got, "\n")), 10)
}

func TestExtractSummary_Capped(t *testing.T) {
	output := "## Summary\n" + strings.Repeat("x", summaryCap+500)
	assert.Len(t, extractSummary(output), summaryCap)
}

func TestRunFeedbackCommands(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("ok"), 0o644))

	results := runFeedbackCommands(context.Background(), dir,
		[]string{"cat marker.txt", "exit 4"}, 5*time.Second)
	require.Len(t, results, 2)

	assert.True(t, results[0].passed())
	assert.Equal(t, "ok", results[0].Stdout)

	assert.False(t, results[1].passed())
	assert.Equal(t, 4, results[1].ExitCode)
}

func TestRunFeedbackCommands_Timeout(t *testing.T) {
	results := runFeedbackCommands(context.Background(), t.TempDir(),
		[]string{"sleep 5"}, 50*time.Millisecond)
	require.Len(t, results, 1)
	assert.True(t, results[0].TimedOut)
	assert.False(t, results[0].passed())
}

func TestFormatFeedback(t *testing.T) {
	text := formatFeedback(3, []feedbackResult{
		{Command: "go test ./...", ExitCode: 0},
		{Command: "npm run lint", ExitCode: 1, Stderr: "missing semicolon"},
	})
	assert.Contains(t, text, "## Feedback Results (Iteration 3)")
	assert.Contains(t, text, "`go test ./...`: PASS")
	assert.Contains(t, text, "`npm run lint`: FAIL (exit 1)")
	assert.Contains(t, text, "missing semicolon")
}

func TestCompletionPromise(t *testing.T) {
	assert.Equal(t, defaultCompletionPromise, completionPromise(&store.AgentJob{}))

	custom := "DONE_NOW"
	assert.Equal(t, "DONE_NOW", completionPromise(&store.AgentJob{CompletionPromise: &custom}))

	empty := ""
	assert.Equal(t, defaultCompletionPromise, completionPromise(&store.AgentJob{CompletionPromise: &empty}))
}

func TestBuildRalphPrompt(t *testing.T) {
	job := &store.AgentJob{Prompt: "refactor the parser", MaxIterations: 8}
	prompt := buildRalphPrompt(job, 3, "## Iteration 2\nprogress notes")

	assert.Contains(t, prompt, "refactor the parser")
	assert.Contains(t, prompt, "Iteration 3 of 8")
	assert.Contains(t, prompt, defaultCompletionPromise)
	assert.Contains(t, prompt, "progress notes")
	assert.Contains(t, prompt, "## Summary")
}

func TestBuildPRDPrompt_PinsOneStory(t *testing.T) {
	job := &store.AgentJob{MaxIterations: 5}
	story := &store.Story{
		ID:                 2,
		Title:              "Add payment form",
		AcceptanceCriteria: []string{"payment posts"},
	}
	prompt := buildPRDPrompt(job, story, 1, "")

	assert.Contains(t, prompt, "exactly ONE story")
	assert.Contains(t, prompt, `story 2 — "Add payment form"`)
	assert.Contains(t, prompt, "feat(story-2): Add payment form")
	assert.Contains(t, prompt, "payment posts")
	assert.Contains(t, prompt, prdCompletionPromise)
}

func TestOutputCollector_DetectsSentinelAcrossSinks(t *testing.T) {
	var sunk []string
	c := &outputCollector{
		sink:     func(line string) { sunk = append(sunk, line) },
		sentinel: "RALPH_COMPLETE",
	}
	c.onLine("working on it")
	assert.False(t, c.promiseDetected())
	c.onLine("all done RALPH_COMPLETE")
	assert.True(t, c.promiseDetected())
	assert.Equal(t, []string{"working on it", "all done RALPH_COMPLETE"}, sunk)
	assert.Contains(t, c.text(), "working on it")
}
