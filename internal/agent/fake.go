package agent

import (
	"context"
	"sync"
)

// FakeRunner is a scriptable Runner for tests. Each Start call consumes
// the next scripted run in order; running past the script replays the
// last entry.
type FakeRunner struct {
	mu     sync.Mutex
	script []FakeRun
	calls  []Options
}

// FakeRun describes one scripted subprocess execution.
type FakeRun struct {
	// StdoutLines are delivered to OnStdout before Wait returns.
	StdoutLines []string

	// StderrLines are delivered to OnStderr before Wait returns.
	StderrLines []string

	// ExitCode is returned from Wait.
	ExitCode int

	// StartErr, when set, fails the Start call itself.
	StartErr error
}

// NewFakeRunner creates a fake with the given script.
func NewFakeRunner(script ...FakeRun) *FakeRunner {
	return &FakeRunner{script: script}
}

// Append adds runs to the script.
func (f *FakeRunner) Append(runs ...FakeRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, runs...)
}

// Calls returns the options of every Start call so far.
func (f *FakeRunner) Calls() []Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Options(nil), f.calls...)
}

func (f *FakeRunner) Start(ctx context.Context, opts Options) (Process, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	var run FakeRun
	if len(f.script) > 0 {
		run = f.script[0]
		if len(f.script) > 1 {
			f.script = f.script[1:]
		}
	}
	f.mu.Unlock()

	if run.StartErr != nil {
		return nil, run.StartErr
	}

	return &fakeProcess{run: run, opts: opts}, nil
}

type fakeProcess struct {
	run  FakeRun
	opts Options

	mu       sync.Mutex
	sent     []string
	closed   bool
	delivered bool
}

func (p *fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) Wait() (int, error) {
	p.mu.Lock()
	already := p.delivered
	p.delivered = true
	p.mu.Unlock()
	if !already {
		for _, line := range p.run.StdoutLines {
			if p.opts.OnStdout != nil {
				p.opts.OnStdout(line)
			}
		}
		for _, line := range p.run.StderrLines {
			if p.opts.OnStderr != nil {
				p.opts.OnStderr(line)
			}
		}
	}
	return p.run.ExitCode, nil
}

func (p *fakeProcess) SendUser(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Mode != ModeInteractive {
		return ErrNoStdin
	}
	if p.closed {
		return ErrStdinClosed
	}
	p.sent = append(p.sent, text)
	return nil
}

// Sent returns the user frames delivered so far.
func (p *fakeProcess) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func (p *fakeProcess) CloseStdin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProcess) Terminate(ctx context.Context) error {
	return p.CloseStdin()
}
