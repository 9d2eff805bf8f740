// Package engine realizes commands against sandbox sessions under one of
// three execution modes: wait (synchronous, captured output), background
// (detached, pollable), and stream (registered for live output push).
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/execbox/sandbox/session"
	"github.com/execbox/sandbox/wire"
)

var (
	// ErrSpawn indicates the command could not be started at all, as opposed
	// to starting and exiting nonzero.
	ErrSpawn = errors.New("spawn failure")
	// ErrTermination indicates a kill signal could not be delivered.
	ErrTermination = errors.New("termination failure")
)

const DefaultWaitTimeout = 10 * time.Second

type Engine struct {
	log      *zap.SugaredLogger
	sessions *session.Registry

	shell          string
	defaultTimeout time.Duration
}

type Option func(*Engine)

// WithShell overrides the shell used to interpret command lines.
func WithShell(shell string) Option {
	return func(e *Engine) {
		e.shell = shell
	}
}

// WithDefaultWaitTimeout overrides the timeout applied to wait-mode commands
// that do not carry their own.
func WithDefaultWaitTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.defaultTimeout = d
	}
}

func New(log *zap.SugaredLogger, sessions *session.Registry, opts ...Option) *Engine {
	e := &Engine{
		log:            log.Named("engine"),
		sessions:       sessions,
		shell:          "/bin/sh",
		defaultTimeout: DefaultWaitTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Sessions() *session.Registry { return e.sessions }

// command builds the exec.Cmd for a command line. Commands run in their own
// process group so kills reach the shell's descendants.
func (e *Engine) command(commandLine, dir string) *exec.Cmd {
	cmd := exec.Command(e.shell, "-c", commandLine)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// RunWait runs the command synchronously, capturing stdout and stderr whole.
// On timeout the process group is killed and reaped before returning, and the
// result carries Err with Finished=false rather than a Go error, so callers
// can tell "timed out" from "ran and failed".
func (e *Engine) RunWait(ctx context.Context, sess *session.Session, command, path string, timeout time.Duration) (*wire.CommandResult, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	dir := sess.ResolvePath(path)

	cmd := e.command(command, dir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	proc := session.NewProcess(uuid.NewString(), wire.ModeWait, cmd, nil, nil)
	e.log.Debugw("started wait-mode command", "Session", sess.ID(), "Pid", proc.Pid(), "Timeout", timeout)

	done := make(chan int, 1)
	go func() {
		done <- proc.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case code := <-done:
		return &wire.CommandResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: code,
			Finished: code == 0,
		}, nil
	case <-timer.C:
		e.log.Debugw("wait-mode command timed out, killing", "Session", sess.ID(), "Pid", proc.Pid())
		if err := proc.Kill(); err != nil {
			e.log.Debugf("killing timed-out process: %s", err)
		}
		<-done
		return &wire.CommandResult{Err: "Command timed out", Finished: false}, nil
	case <-ctx.Done():
		if err := proc.Kill(); err != nil {
			e.log.Debugf("killing process on canceled wait: %s", err)
		}
		<-done
		return nil, ctx.Err()
	}
}

// Spawn starts a command in background or stream mode, registers the process
// under a fresh handle, and returns immediately. Stream-mode processes keep
// live stdout/stderr pipes for the correlator; background output is
// discarded, only the exit code is tracked.
func (e *Engine) Spawn(sess *session.Session, command, path string, mode wire.Mode) (*session.Process, error) {
	dir := sess.ResolvePath(path)
	cmd := e.command(command, dir)
	id := uuid.NewString()

	var proc *session.Process
	switch mode {
	case wire.ModeStream:
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		proc = session.NewProcess(id, mode, cmd, stdout, stderr)
	case wire.ModeBackground:
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		proc = session.NewProcess(id, mode, cmd, nil, nil)
		// Reap on natural exit so status polls see the exit code.
		go proc.Wait()
	default:
		return nil, fmt.Errorf("unsupported spawn mode %q", mode)
	}

	sess.AddProcess(proc)
	sess.Touch()
	e.log.Debugw("spawned command", "Session", sess.ID(), "Process", id, "Pid", proc.Pid(), "Mode", mode)
	return proc, nil
}

// CheckStatus reports whether a process is still running. Status checks are
// advisory: an unknown session or process answers running=false, never an
// error. A poll that observes a background process already exited deregisters
// it, completing the background lifecycle.
func (e *Engine) CheckStatus(sessionID, processID string) wire.Status {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return wire.Status{Running: false}
	}
	sess.Touch()
	proc, err := sess.Process(processID)
	if err != nil {
		return wire.Status{Running: false, SessionID: sessionID}
	}
	running := proc.Running()
	if !running {
		sess.RemoveProcess(processID)
	}
	return wire.Status{Running: running, SessionID: sessionID}
}

// Kill terminates a registered process, reaps it, deregisters it, and
// reports the observed exit code.
func (e *Engine) Kill(sessionID, processID string) (*wire.CommandKilled, error) {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Touch()
	proc, err := sess.Process(processID)
	if err != nil {
		return nil, err
	}

	if code, exited := proc.ExitCode(); exited {
		sess.RemoveProcess(processID)
		return &wire.CommandKilled{Status: "killed", ExitCode: &code}, nil
	}

	if err := proc.Kill(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTermination, err)
	}
	code := proc.Wait()
	sess.RemoveProcess(processID)
	e.log.Debugw("killed process", "Session", sessionID, "Process", processID, "ExitCode", code)
	return &wire.CommandKilled{Status: "killed", ExitCode: &code}, nil
}

// TeardownSession kills every process of a session and drops it from the
// registry. Used by the idle reaper and by explicit teardown.
func (e *Engine) TeardownSession(sessionID string) {
	sess, ok := e.sessions.Remove(sessionID)
	if !ok {
		return
	}
	for _, proc := range sess.Processes() {
		if err := proc.Kill(); err != nil {
			e.log.Debugf("killing process %s during teardown: %s", proc.ID(), err)
			continue
		}
		proc.Wait()
	}
	e.log.Debugw("tore down session", "Session", sessionID)
}
