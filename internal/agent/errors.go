package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPrompt indicates Start was called without a prompt.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")

	// ErrEmptyWorkDir indicates Start was called without a working directory.
	ErrEmptyWorkDir = errors.New("working directory cannot be empty")

	// ErrNoStdin indicates SendUser was called on a non-interactive process.
	ErrNoStdin = errors.New("process has no stdin")

	// ErrStdinClosed indicates SendUser was called after CloseStdin.
	ErrStdinClosed = errors.New("stdin already closed")
)

// ExitError reports a nonzero agent exit.
type ExitError struct {
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("agent exited with code %d", e.ExitCode)
}
