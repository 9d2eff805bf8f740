package server_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/execbox/sandbox/client"
	internalnet "github.com/execbox/sandbox/internal/net"
	"github.com/execbox/sandbox/packet"
	"github.com/execbox/sandbox/server"
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

func startServer(t *testing.T, opts ...server.Option) string {
	t.Helper()
	port, err := internalnet.EphemeralTCPPort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	s, err := server.New(append([]server.Option{server.WithListenAddr(addr)}, opts...)...)
	require.NoError(t, err)
	go s.Run()
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})
	return "http://" + addr
}

func newTestClient(t *testing.T, baseURL string, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.New(log, baseURL, opts...)
	require.NoError(t, err)
	require.NoError(t, c.WaitForServer(context.Background()))
	return c
}

func connectedClient(t *testing.T, baseURL, sessionID, root string) *client.Client {
	t.Helper()
	ctx := context.Background()
	c := newTestClient(t, baseURL)
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.InitializeSession(ctx, sessionID, root))
	return c
}

func TestRunWaitOverHTTP(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	c := newTestClient(t, baseURL)
	require.NoError(t, c.InitializeSession(ctx, "wait-sess", t.TempDir()))

	result, err := c.RunWait(ctx, client.RunRequest{
		SessionID: "wait-sess",
		Command:   "echo hi",
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", result.Stdout)
	assert.Equal(t, "", result.Stderr)
	assert.Equal(t, 0, result.ExitCode)
	assert.True(t, result.Finished)
}

func TestRunWaitTimeout(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	c := newTestClient(t, baseURL)
	require.NoError(t, c.InitializeSession(ctx, "timeout-sess", t.TempDir()))

	result, err := c.RunWait(ctx, client.RunRequest{
		SessionID: "timeout-sess",
		Command:   "sleep 5",
		Timeout:   1 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "Command timed out", result.Err)
	assert.False(t, result.Finished)
}

func TestRunWaitUnknownSession(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	c := newTestClient(t, baseURL)

	_, err := c.RunWait(ctx, client.RunRequest{SessionID: "never-initialized", Command: "echo hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Session not found")
}

func TestStreamCommand(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	c := connectedClient(t, baseURL, "stream-sess", t.TempDir())

	stream, err := c.RunStream(ctx, client.RunRequest{
		SessionID: "stream-sess",
		Command:   "echo a; echo b 1>&2",
	})
	require.NoError(t, err)

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	records, err := stream.Collect(streamCtx)
	require.NoError(t, err)

	// One stdout record and one stderr record; relative order unspecified.
	require.Len(t, records, 2)
	byType := map[string]string{}
	for _, rec := range records {
		assert.Equal(t, stream.ProcessID(), rec.ProcessID)
		byType[rec.Type] += rec.Output
	}
	assert.Equal(t, "a\n", byType[wire.StreamStdout])
	assert.Equal(t, "b\n", byType[wire.StreamStderr])

	code, exited := stream.ExitCode()
	require.True(t, exited)
	assert.Equal(t, 0, code)

	// The terminal event deregistered the process.
	status, err := c.CheckStatus(ctx, "stream-sess", stream.ProcessID())
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestStreamPreservesPerStreamOrder(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	c := connectedClient(t, baseURL, "order-sess", t.TempDir())

	stream, err := c.RunStream(ctx, client.RunRequest{
		SessionID: "order-sess",
		Command:   "for i in 1 2 3 4 5; do echo line $i; done",
	})
	require.NoError(t, err)

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	records, err := stream.Collect(streamCtx)
	require.NoError(t, err)

	var lines []string
	for _, rec := range records {
		require.Equal(t, wire.StreamStdout, rec.Type)
		lines = append(lines, rec.Output)
	}
	assert.Equal(t, []string{"line 1\n", "line 2\n", "line 3\n", "line 4\n", "line 5\n"}, lines)
}

func TestConcurrentStreams(t *testing.T) {
	// Two processes streaming on the same connection must each deliver their
	// own fully-ordered output under their own process identity.
	ctx := context.Background()
	baseURL := startServer(t)
	c := connectedClient(t, baseURL, "conc-sess", t.TempDir())

	streamA, err := c.RunStream(ctx, client.RunRequest{
		SessionID: "conc-sess",
		Command:   "for i in 1 2 3 4 5; do echo A $i; sleep 0.05; done",
	})
	require.NoError(t, err)
	streamB, err := c.RunStream(ctx, client.RunRequest{
		SessionID: "conc-sess",
		Command:   "for i in 1 2 3 4 5; do echo B $i; sleep 0.05; done",
	})
	require.NoError(t, err)

	streamCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	results := make(chan error, 2)
	collect := func(s *client.Stream, prefix string) {
		records, err := s.Collect(streamCtx)
		if err != nil {
			results <- err
			return
		}
		for i, rec := range records {
			if rec.ProcessID != s.ProcessID() {
				results <- fmt.Errorf("record for %s delivered to %s", rec.ProcessID, s.ProcessID())
				return
			}
			if want := fmt.Sprintf("%s %d\n", prefix, i+1); rec.Output != want {
				results <- fmt.Errorf("got %q, want %q", rec.Output, want)
				return
			}
		}
		if len(records) != 5 {
			results <- fmt.Errorf("got %d records, want 5", len(records))
			return
		}
		results <- nil
	}
	go collect(streamA, "A")
	go collect(streamB, "B")

	for i := 0; i < 2; i++ {
		require.NoError(t, <-results)
	}
}

func TestStreamCleanupAfterDisconnect(t *testing.T) {
	// A peer that vanishes mid-stream must not leave the process blocked on a
	// full pipe: the server keeps draining so the process exits and is
	// deregistered.
	ctx := context.Background()
	baseURL := startServer(t)
	root := t.TempDir()
	c := connectedClient(t, baseURL, "disc-sess", root)

	stream, err := c.RunStream(ctx, client.RunRequest{
		SessionID: "disc-sess",
		Command:   "echo first; sleep 0.3; head -c 1000000 /dev/zero | base64",
	})
	require.NoError(t, err)

	rec, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first\n", rec.Output)

	// Drop the push connection while the process is still producing output.
	require.NoError(t, c.Close())

	c2 := connectedClient(t, baseURL, "disc-sess", root)
	require.Eventually(t, func() bool {
		status, err := c2.CheckStatus(ctx, "disc-sess", stream.ProcessID())
		return err == nil && !status.Running
	}, 10*time.Second, 100*time.Millisecond)
}

func TestDuplicateStreamAttachRejected(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	c := connectedClient(t, baseURL, "dup-sess", t.TempDir())

	stream, err := c.RunStream(ctx, client.RunRequest{
		SessionID: "dup-sess",
		Command:   "sleep 2; echo done",
	})
	require.NoError(t, err)

	// A second attach for the same process must be rejected, not split the
	// pipe between two readers.
	conn, _, err := websocket.Dial(ctx, strings.Replace(baseURL, "http", "ws", 1)+"/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	attach, err := wire.NewEvent(wire.EventStartStream, wire.StartStreamPayload{
		SessionID: "dup-sess",
		ProcessID: stream.ProcessID(),
	})
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, conn, attach))

	var reply wire.Event
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	require.Equal(t, wire.EventCommandError, reply.Event)
	var payload wire.CommandErrorPayload
	require.NoError(t, reply.Decode(&payload))
	assert.Contains(t, payload.Error, "already streaming")

	// The original attach is unaffected.
	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	records, err := stream.Collect(streamCtx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "done\n", records[0].Output)
}

func TestBackgroundKillAndStatus(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	c := connectedClient(t, baseURL, "bg-sess", t.TempDir())

	processID, err := c.RunBackground(ctx, client.RunRequest{
		SessionID: "bg-sess",
		Command:   "sleep 30",
	})
	require.NoError(t, err)

	status, err := c.CheckStatus(ctx, "bg-sess", processID)
	require.NoError(t, err)
	assert.True(t, status.Running)

	killed, err := c.KillCommand(ctx, "bg-sess", processID)
	require.NoError(t, err)
	assert.Equal(t, "killed", killed.Status)
	require.NotNil(t, killed.ExitCode)
	assert.NotEqual(t, 0, *killed.ExitCode)

	status, err = c.CheckStatus(ctx, "bg-sess", processID)
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestKillUnknownProcess(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	c := newTestClient(t, baseURL)
	require.NoError(t, c.InitializeSession(ctx, "kill-sess", t.TempDir()))

	killed, err := c.KillCommand(ctx, "kill-sess", "no-such-process")
	require.NoError(t, err)
	assert.Equal(t, "not found", killed.Status)
}

func TestKillOverPushChannel(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	c := connectedClient(t, baseURL, "push-kill-sess", t.TempDir())

	processID, err := c.RunBackground(ctx, client.RunRequest{
		SessionID: "push-kill-sess",
		Command:   "sleep 30",
	})
	require.NoError(t, err)

	killed, err := c.KillCommandPush(ctx, "push-kill-sess", processID)
	require.NoError(t, err)
	assert.Equal(t, "killed", killed.Status)

	_, err = c.KillCommandPush(ctx, "push-kill-sess", processID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such process")
}

func TestInitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	c := connectedClient(t, baseURL, "idem-sess", t.TempDir())

	processID, err := c.RunBackground(ctx, client.RunRequest{
		SessionID: "idem-sess",
		Command:   "sleep 30",
	})
	require.NoError(t, err)

	// Re-initializing must not lose the registered process.
	require.NoError(t, c.InitializeSession(ctx, "idem-sess", t.TempDir()))

	status, err := c.CheckStatus(ctx, "idem-sess", processID)
	require.NoError(t, err)
	assert.True(t, status.Running)

	_, err = c.KillCommand(ctx, "idem-sess", processID)
	require.NoError(t, err)
}

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	c := newTestClient(t, baseURL)
	require.NoError(t, c.InitializeSession(ctx, "file-sess", t.TempDir()))

	content := "hello\nsandbox\n"
	require.NoError(t, c.WriteFile(ctx, "file-sess", "sub/dir/hello.txt", content, true))

	got, err := c.ReadFile(ctx, "file-sess", "sub/dir/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	exists, err := c.FileExists(ctx, "file-sess", "sub/dir/hello.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	paths, err := c.ListFiles(ctx, "file-sess", `\.txt$`)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/dir/hello.txt"}, paths)

	require.NoError(t, c.DeleteFile(ctx, "file-sess", "sub/dir/hello.txt"))
	exists, err = c.FileExists(ctx, "file-sess", "sub/dir/hello.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = c.ReadFile(ctx, "file-sess", "sub/dir/hello.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "File not found")
}

func TestCommandsRunUnderSessionRoot(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	root := t.TempDir()
	c := newTestClient(t, baseURL)
	require.NoError(t, c.InitializeSession(ctx, "root-sess", root))

	result, err := c.RunWait(ctx, client.RunRequest{
		SessionID: "root-sess",
		Command:   "echo data > out.txt; cat out.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "data\n", result.Stdout)

	got, err := c.ReadFile(ctx, "root-sess", "out.txt")
	require.NoError(t, err)
	assert.Equal(t, "data\n", got)
}

func TestPacketAuthentication(t *testing.T) {
	ctx := context.Background()
	auth, err := packet.Generate()
	require.NoError(t, err)
	pubPEM, err := auth.PublicKeyPEM()
	require.NoError(t, err)
	verifier, err := packet.VerifierFromPublicKeyPEM(pubPEM)
	require.NoError(t, err)

	baseURL := startServer(t, server.WithPacketVerifier(verifier))

	signed := newTestClient(t, baseURL, client.WithPacketSigner(auth))
	require.NoError(t, signed.InitializeSession(ctx, "auth-sess", t.TempDir()))

	result, err := signed.RunWait(ctx, client.RunRequest{SessionID: "auth-sess", Command: "echo ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", result.Stdout)

	unsigned := newTestClient(t, baseURL, client.WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	err = unsigned.InitializeSession(ctx, "auth-sess", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "signature")
}

func TestSessionReaper(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t, server.WithSessionTTL(500*time.Millisecond))
	c := newTestClient(t, baseURL)
	require.NoError(t, c.InitializeSession(ctx, "reap-sess", t.TempDir()))

	// Requests touch the session, so stay idle past the TTL before checking.
	time.Sleep(1500 * time.Millisecond)

	_, err := c.RunWait(ctx, client.RunRequest{SessionID: "reap-sess", Command: "true"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Session not found")
}
