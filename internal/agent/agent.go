// Package agent spawns and supervises the coding-agent CLI subprocess.
package agent

import "context"

// Mode selects the CLI invocation shape.
type Mode string

const (
	// ModePrint runs one prompt to completion with stream-json output.
	ModePrint Mode = "print"

	// ModeInteractive keeps stdin open and feeds user frames while the
	// agent works with a restricted toolset.
	ModeInteractive Mode = "interactive"

	// ModeText runs one prompt with plain text output, used when the
	// caller extracts structured JSON from the transcript.
	ModeText Mode = "text"
)

// Options configures a subprocess invocation.
type Options struct {
	Mode    Mode
	Prompt  string
	WorkDir string

	// Binary overrides the configured agent binary path.
	Binary string

	// DisallowedTools restricts the toolset in interactive mode.
	DisallowedTools []string

	// MCPConfig is an inline MCP configuration JSON blob for
	// interactive mode. Empty means no MCP servers.
	MCPConfig string

	// Env entries appended to the subprocess environment.
	Env []string

	// OnStdout and OnStderr receive output line by line as the
	// subprocess produces it. Either may be nil.
	OnStdout func(line string)
	OnStderr func(line string)
}

// Process is a handle on a live subprocess.
type Process interface {
	// PID returns the OS process id.
	PID() int

	// Wait blocks until exit and returns the exit code.
	Wait() (int, error)

	// SendUser writes one user frame to stdin (interactive mode).
	SendUser(text string) error

	// CloseStdin signals end of input so the agent can finish.
	CloseStdin() error

	// Terminate asks the process to stop, escalating to a kill if it
	// has not exited after a grace period.
	Terminate(ctx context.Context) error
}

// Runner starts agent subprocesses. The production implementation
// shells out to the CLI; tests inject a fake.
type Runner interface {
	Start(ctx context.Context, opts Options) (Process, error)
}

// DefaultDisallowedTools is the file-mutation toolset withheld from
// interactive task sessions.
var DefaultDisallowedTools = []string{"Edit", "Write", "Bash", "NotebookEdit", "MultiEdit"}
