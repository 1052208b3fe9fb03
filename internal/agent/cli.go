package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// terminateGrace is how long Terminate waits after SIGTERM before
// killing the process group.
const terminateGrace = 5 * time.Second

// CLIRunner starts real agent subprocesses.
type CLIRunner struct {
	// Binary is the default agent binary path. Options.Binary wins
	// when set.
	Binary string
}

// NewCLIRunner creates a runner for the given binary path.
func NewCLIRunner(binary string) *CLIRunner {
	if binary == "" {
		binary = "claude"
	}
	return &CLIRunner{Binary: binary}
}

// Start spawns the subprocess and begins streaming its output.
func (r *CLIRunner) Start(ctx context.Context, opts Options) (Process, error) {
	if opts.Prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if opts.WorkDir == "" {
		return nil, ErrEmptyWorkDir
	}

	binary := opts.Binary
	if binary == "" {
		binary = r.Binary
	}

	cmd := exec.CommandContext(ctx, binary, buildArgs(opts)...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), opts.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	proc := &cliProcess{cmd: cmd}
	if opts.Mode == ModeInteractive {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
		}
		proc.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	proc.wg.Add(2)
	go streamLines(stdout, opts.OnStdout, &proc.wg)
	go streamLines(stderr, opts.OnStderr, &proc.wg)

	return proc, nil
}

// buildArgs constructs the CLI arguments for each mode.
func buildArgs(opts Options) []string {
	args := []string{"--print", "--dangerously-skip-permissions"}

	switch opts.Mode {
	case ModeText:
		args = append(args, "--output-format", "text")
	default:
		args = append(args, "--output-format", "stream-json")
	}
	args = append(args, "--verbose")

	if opts.Mode == ModeInteractive {
		args = append(args, "--input-format", "stream-json")
		tools := opts.DisallowedTools
		if len(tools) == 0 {
			tools = DefaultDisallowedTools
		}
		args = append(args, "--disallowedTools", strings.Join(tools, ","))
		if opts.MCPConfig != "" {
			args = append(args, "--mcp-config", opts.MCPConfig)
		}
	}

	return append(args, opts.Prompt)
}

func streamLines(r interface{ Read([]byte) (int, error) }, fn func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if fn != nil {
			fn(scanner.Text())
		}
	}
}

type cliProcess struct {
	cmd   *exec.Cmd
	stdin interface {
		Write([]byte) (int, error)
		Close() error
	}

	wg sync.WaitGroup

	stdinMu     sync.Mutex
	stdinClosed bool
}

func (p *cliProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *cliProcess) Wait() (int, error) {
	p.wg.Wait()
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("agent wait failed: %w", err)
}

// userFrame is the stdin message shape in stream-json input mode.
type userFrame struct {
	Type    string           `json:"type"`
	Message userFrameMessage `json:"message"`
}

type userFrameMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *cliProcess) SendUser(text string) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return ErrNoStdin
	}
	if p.stdinClosed {
		return ErrStdinClosed
	}

	frame, err := json.Marshal(userFrame{
		Type:    "user",
		Message: userFrameMessage{Role: "user", Content: text},
	})
	if err != nil {
		return fmt.Errorf("failed to encode user frame: %w", err)
	}
	if _, err := p.stdin.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("failed to write user frame: %w", err)
	}
	return nil
}

func (p *cliProcess) CloseStdin() error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil || p.stdinClosed {
		return nil
	}
	p.stdinClosed = true
	return p.stdin.Close()
}

// Terminate sends SIGTERM and escalates to SIGKILL after the grace
// period or when ctx expires.
func (p *cliProcess) Terminate(ctx context.Context) error {
	if p.cmd.Process == nil {
		return nil
	}

	_ = p.CloseStdin()
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return nil // already gone
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(terminateGrace):
	case <-ctx.Done():
	}
	return p.cmd.Process.Kill()
}
