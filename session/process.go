package session

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/execbox/sandbox/wire"
)

// Process tracks one spawned command. The public ID is a handle minted by the
// engine, not the OS PID: PIDs can be recycled by the host within a session's
// lifetime, so they stay an internal detail.
type Process struct {
	id   string
	mode wire.Mode
	cmd  *exec.Cmd

	// Live output handles, present for stream mode until drained.
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	waitOnce sync.Once
	done     chan struct{}

	mu        sync.Mutex
	exitCode  *int
	streaming bool
}

// NewProcess wraps an already-started command.
func NewProcess(id string, mode wire.Mode, cmd *exec.Cmd, stdout, stderr io.ReadCloser) *Process {
	return &Process{
		id:     id,
		mode:   mode,
		cmd:    cmd,
		Stdout: stdout,
		Stderr: stderr,
		done:   make(chan struct{}),
	}
}

func (p *Process) ID() string { return p.id }

func (p *Process) Mode() wire.Mode { return p.mode }

// Pid returns the OS process ID of the underlying command.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// ClaimStream marks the process as having an attached stream correlator.
// Only the first claim succeeds: a process streams to at most one attacher,
// otherwise two correlators would split the pipe lines between them.
func (p *Process) ClaimStream() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streaming {
		return false
	}
	p.streaming = true
	return true
}

// Wait reaps the underlying command and records its exit code exactly once.
// Safe to call from multiple goroutines; all callers observe the same code.
// A process killed by a signal reports -1, matching exec.ProcessState.
func (p *Process) Wait() int {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		code := p.cmd.ProcessState.ExitCode()
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				// Wait itself failed; the code above is still the best answer.
				code = -1
			}
		}
		p.mu.Lock()
		p.exitCode = &code
		p.mu.Unlock()
		close(p.done)
	})
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.exitCode
}

// ExitCode returns the observed exit code, if the process has been reaped.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitCode == nil {
		return 0, false
	}
	return *p.exitCode, true
}

// Running reports whether the process has not yet been reaped.
func (p *Process) Running() bool {
	_, exited := p.ExitCode()
	return !exited
}

// Kill terminates the process and its children. The engine starts commands in
// their own process group so a shell's descendants die with it.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process %s was never started", p.id)
	}
	if _, exited := p.ExitCode(); exited {
		return nil
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		// The group may be gone already; fall back to the process itself.
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("killing process %s: %w", p.id, err)
		}
	}
	return nil
}
