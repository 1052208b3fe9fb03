package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildforge/foreman/internal/store"
)

// progressFileName is the sidecar markdown file that carries state
// between ralph iterations.
const progressFileName = ".ralph-progress.md"

const (
	// feedbackOutputCap bounds captured stdout/stderr per command.
	feedbackOutputCap = 5 * 1024

	// summaryCap bounds the fallback summary extraction.
	summaryCap = 2 * 1024
)

func progressPath(worktree string) string {
	return filepath.Join(worktree, progressFileName)
}

// initProgressFile writes the fixed header on first iteration. An
// existing file from a retried job is kept.
func initProgressFile(worktree string, job *store.AgentJob, branch string) error {
	path := progressPath(worktree)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	header := fmt.Sprintf(`# Progress Log

- Job: %s
- Branch: %s
- Started: %s

## Codebase Patterns

(accumulated observations about this codebase go here)

`, job.ID, branch, time.Now().UTC().Format(time.RFC3339))

	if err := os.WriteFile(path, []byte(header), 0o644); err != nil {
		return fmt.Errorf("failed to initialize progress file: %w", err)
	}
	return nil
}

func readProgressFile(worktree string) string {
	data, err := os.ReadFile(progressPath(worktree))
	if err != nil {
		return ""
	}
	return string(data)
}

func appendProgress(worktree, text string) error {
	f, err := os.OpenFile(progressPath(worktree), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open progress file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("failed to append progress: %w", err)
	}
	return nil
}

// extractSummary pulls the block under a "## Summary" heading
// (case-insensitive) up to the next heading or rule. Without one it
// falls back to the last ten non-blank lines, capped.
func extractSummary(output string) string {
	lines := strings.Split(output, "\n")

	start := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(trimmed), "## summary") {
			start = i + 1
			break
		}
	}

	if start >= 0 {
		var block []string
		for _, line := range lines[start:] {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "##") || strings.HasPrefix(trimmed, "---") {
				break
			}
			block = append(block, line)
		}
		if summary := strings.TrimSpace(strings.Join(block, "\n")); summary != "" {
			return capString(summary, summaryCap)
		}
	}

	// Fallback: tail of non-blank lines.
	var tail []string
	for i := len(lines) - 1; i >= 0 && len(tail) < 10; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			tail = append([]string{lines[i]}, tail...)
		}
	}
	return capString(strings.TrimSpace(strings.Join(tail, "\n")), summaryCap)
}

func capString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// feedbackResult is the outcome of one feedback command.
type feedbackResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

func (f feedbackResult) passed() bool { return f.ExitCode == 0 && !f.TimedOut }

func (f feedbackResult) line() string {
	status := "PASS"
	switch {
	case f.TimedOut:
		status = "TIMEOUT"
	case f.ExitCode != 0:
		status = fmt.Sprintf("FAIL (exit %d)", f.ExitCode)
	}
	return fmt.Sprintf("- `%s`: %s", f.Command, status)
}

// runFeedbackCommands executes each command in the worktree through
// the shell, capping captured output and enforcing the per-command
// timeout.
func runFeedbackCommands(ctx context.Context, worktree string, commands []string, timeout time.Duration) []feedbackResult {
	results := make([]feedbackResult, 0, len(commands))
	for _, command := range commands {
		cmdCtx, cancel := context.WithTimeout(ctx, timeout)

		cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
		cmd.Dir = worktree

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		timedOut := cmdCtx.Err() == context.DeadlineExceeded
		cancel()

		res := feedbackResult{
			Command:  command,
			Stdout:   capString(stdout.String(), feedbackOutputCap),
			Stderr:   capString(stderr.String(), feedbackOutputCap),
			TimedOut: timedOut,
		}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				res.ExitCode = exitErr.ExitCode()
			} else {
				res.ExitCode = -1
			}
		}
		results = append(results, res)
	}
	return results
}

// formatFeedback renders results for the progress file and the
// iteration row.
func formatFeedback(iteration int, results []feedbackResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## Feedback Results (Iteration %d)\n\n", iteration)
	for _, res := range results {
		b.WriteString(res.line())
		b.WriteString("\n")
		if !res.passed() && res.Stderr != "" {
			b.WriteString("```\n" + strings.TrimSpace(res.Stderr) + "\n```\n")
		}
	}
	return b.String()
}
