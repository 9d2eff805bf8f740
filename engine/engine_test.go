package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/execbox/sandbox/session"
	"github.com/execbox/sandbox/wire"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func newTestEngine(t *testing.T) (*Engine, *session.Session) {
	reg := session.NewRegistry()
	sess := reg.Initialize("test-session", t.TempDir())
	return New(log, reg), sess
}

func TestRunWait(t *testing.T) {
	ctx := context.Background()
	e, sess := newTestEngine(t)

	result, err := e.RunWait(ctx, sess, "echo hi", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", result.Stdout)
	assert.Equal(t, "", result.Stderr)
	assert.Equal(t, 0, result.ExitCode)
	assert.True(t, result.Finished)
}

func TestRunWaitNonzeroExit(t *testing.T) {
	ctx := context.Background()
	e, sess := newTestEngine(t)

	result, err := e.RunWait(ctx, sess, "printf err 1>&2; exit 3", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "err", result.Stderr)
	assert.Equal(t, 3, result.ExitCode)
	// Finished tracks the exit code, not mere termination.
	assert.False(t, result.Finished)
	assert.False(t, result.TimedOut())
}

func TestRunWaitTimeout(t *testing.T) {
	ctx := context.Background()
	e, sess := newTestEngine(t)

	start := time.Now()
	result, err := e.RunWait(ctx, sess, "sleep 5", "", 1*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Command timed out", result.Err)
	assert.False(t, result.Finished)
	assert.True(t, result.TimedOut())
	// The sleep must have been killed, not waited out.
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunWaitUsesSessionRoot(t *testing.T) {
	ctx := context.Background()
	e, sess := newTestEngine(t)

	result, err := e.RunWait(ctx, sess, "pwd", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, sess.Root()+"\n", result.Stdout)
}

func TestSpawnFailure(t *testing.T) {
	e, sess := newTestEngine(t)

	// An unusable working directory fails at spawn, before any exit code.
	_, err := e.Spawn(sess, "echo hi", "/does/not/exist", wire.ModeBackground)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Empty(t, sess.Processes())
}

func TestBackgroundLifecycle(t *testing.T) {
	e, sess := newTestEngine(t)

	proc, err := e.Spawn(sess, "sleep 5", "", wire.ModeBackground)
	require.NoError(t, err)

	status := e.CheckStatus(sess.ID(), proc.ID())
	assert.True(t, status.Running)
	assert.Equal(t, sess.ID(), status.SessionID)

	killed, err := e.Kill(sess.ID(), proc.ID())
	require.NoError(t, err)
	assert.Equal(t, "killed", killed.Status)
	require.NotNil(t, killed.ExitCode)
	assert.NotEqual(t, 0, *killed.ExitCode)

	// Deregistered after kill.
	status = e.CheckStatus(sess.ID(), proc.ID())
	assert.False(t, status.Running)
	_, err = sess.Process(proc.ID())
	assert.ErrorIs(t, err, session.ErrProcessNotFound)
}

func TestBackgroundNaturalExitDeregistersOnPoll(t *testing.T) {
	e, sess := newTestEngine(t)

	proc, err := e.Spawn(sess, "true", "", wire.ModeBackground)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, exited := proc.ExitCode()
		return exited
	}, 5*time.Second, 10*time.Millisecond)

	// The poll that observes the exit removes the process.
	status := e.CheckStatus(sess.ID(), proc.ID())
	assert.False(t, status.Running)
	_, err = sess.Process(proc.ID())
	assert.ErrorIs(t, err, session.ErrProcessNotFound)
}

func TestCheckStatusIsAdvisory(t *testing.T) {
	e, sess := newTestEngine(t)

	status := e.CheckStatus("no-such-session", "p1")
	assert.False(t, status.Running)

	status = e.CheckStatus(sess.ID(), "no-such-process")
	assert.False(t, status.Running)
	assert.Equal(t, sess.ID(), status.SessionID)
}

func TestKillErrors(t *testing.T) {
	e, sess := newTestEngine(t)

	_, err := e.Kill("no-such-session", "p1")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = e.Kill(sess.ID(), "no-such-process")
	assert.ErrorIs(t, err, session.ErrProcessNotFound)
}

func TestKillReachesShellChildren(t *testing.T) {
	e, sess := newTestEngine(t)

	proc, err := e.Spawn(sess, "sleep 30 & wait", "", wire.ModeBackground)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := e.Kill(sess.ID(), proc.ID())
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("kill did not reap the process group")
	}
}

func TestTeardownSession(t *testing.T) {
	e, sess := newTestEngine(t)

	proc, err := e.Spawn(sess, "sleep 30", "", wire.ModeBackground)
	require.NoError(t, err)

	e.TeardownSession(sess.ID())
	_, err = e.Sessions().Get(sess.ID())
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	require.Eventually(t, func() bool {
		_, exited := proc.ExitCode()
		return exited
	}, 5*time.Second, 10*time.Millisecond)
}
