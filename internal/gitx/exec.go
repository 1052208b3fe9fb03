package gitx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes git and gh commands. The binary name travels with the
// call so tests can fake both tools through one seam.
type Runner interface {
	Exec(ctx context.Context, dir, name string, args ...string) (string, error)
}

// osRunner executes real commands via exec.CommandContext.
type osRunner struct {
	env []string
}

func (r osRunner) Exec(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(r.env) > 0 {
		cmd.Env = r.env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s failed: %w\nstderr: %s",
			name, strings.Join(args, " "), err, stderr.String())
	}

	return stdout.String(), nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	return m.run.Exec(ctx, dir, "git", args...)
}

func (m *Manager) gh(ctx context.Context, dir string, args ...string) (string, error) {
	return m.run.Exec(ctx, dir, "gh", args...)
}
