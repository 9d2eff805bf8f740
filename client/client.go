// Package client is the controller-side API for the sandbox server. It
// drives the request/response HTTP surface and the push-event channel, and
// correlates asynchronous output events back to the in-flight command that
// produced them.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/execbox/sandbox/wire"
)

// PacketSigner signs control-plane request bodies. Optional; see the packet
// package for the standard implementation.
type PacketSigner interface {
	Sign(packet []byte) ([]byte, error)
}

// SignatureHeader carries the base64 packet signature when packet
// authentication is enabled.
const SignatureHeader = "X-Sandbox-Signature"

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	signer                   PacketSigner
	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)

	events *eventClient
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Logger = l.Named("sandbox_client").Sugar()
	}
}

// WithWaitInterval sets the poll interval used by WaitForServer.
func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.waitInterval = d
	}
}

// WithPacketSigner signs every POST body for servers running with a packet
// verifier.
func WithPacketSigner(s PacketSigner) Option {
	return func(c *Client) {
		c.signer = s
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds a client for a sandbox server at baseURL (e.g.
// "http://127.0.0.1:8080"). Call Connect before streaming or push-channel
// calls.
func New(log *zap.SugaredLogger, baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		Logger:       log.Named("sandbox_client"),
		baseURL:      strings.TrimRight(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()

	c.events = newEventClient(c.Logger, c.HTTPClient, c.baseURL)
	return c, nil
}

// Connect dials the push-event channel. Required before stream mode,
// CheckStatus, and the push-channel kill path.
func (c *Client) Connect(ctx context.Context) error {
	return c.events.dial(ctx)
}

// Close tears down the push-event channel.
func (c *Client) Close() error {
	return c.events.close()
}

// WaitForServer polls the heartbeat endpoint until it answers.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// InitializeSession creates or re-binds a session on the server, then
// performs the push-channel handshake if the channel is connected.
// Idempotent on session identity.
func (c *Client) InitializeSession(ctx context.Context, sessionID, path string) error {
	var resp wire.InitializeResponse
	err := c.postJSON(ctx, "/initialize", wire.InitializeRequest{SessionID: sessionID, Path: path}, &resp)
	if err != nil {
		return fmt.Errorf("initializing session: %w", err)
	}
	if !c.events.connected() {
		return nil
	}
	if err := c.events.handshake(ctx, sessionID); err != nil {
		return fmt.Errorf("push-channel handshake: %w", err)
	}
	return nil
}

// RunRequest describes one command to run against a session. Path overrides
// the working directory (relative to the session root); Timeout applies to
// RunWait only, zero meaning the server default.
type RunRequest struct {
	SessionID string
	Command   string
	Path      string
	Timeout   time.Duration
}

// RunWait runs the command synchronously and returns its captured result.
// A timeout is reported in the result (Err set, Finished false), not as an
// error.
func (c *Client) RunWait(ctx context.Context, req RunRequest) (*wire.CommandResult, error) {
	var result wire.CommandResult
	err := c.postJSON(ctx, "/run_command", wire.RunCommandRequest{
		SessionID:      req.SessionID,
		Command:        req.Command,
		Mode:           wire.ModeWait,
		Path:           req.Path,
		TimeoutSeconds: req.Timeout.Seconds(),
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RunBackground spawns the command detached and returns its process handle.
func (c *Client) RunBackground(ctx context.Context, req RunRequest) (string, error) {
	var started wire.StartedProcess
	err := c.postJSON(ctx, "/run_command", wire.RunCommandRequest{
		SessionID: req.SessionID,
		Command:   req.Command,
		Mode:      wire.ModeBackground,
		Path:      req.Path,
	}, &started)
	if err != nil {
		return "", err
	}
	return started.ProcessID, nil
}

// RunStream spawns the command in stream mode and attaches to its output.
// The delivery queue is registered before the attach message is sent, so the
// first pushed record can never arrive before the queue exists.
func (c *Client) RunStream(ctx context.Context, req RunRequest) (*Stream, error) {
	if !c.events.connected() {
		return nil, fmt.Errorf("push-event channel is not connected")
	}
	var started wire.StartedProcess
	err := c.postJSON(ctx, "/run_command", wire.RunCommandRequest{
		SessionID: req.SessionID,
		Command:   req.Command,
		Mode:      wire.ModeStream,
		Path:      req.Path,
	}, &started)
	if err != nil {
		return nil, err
	}

	q := c.events.register(started.ProcessID)
	err = c.events.send(wire.EventStartStream, wire.StartStreamPayload{
		SessionID: req.SessionID,
		ProcessID: started.ProcessID,
	})
	if err != nil {
		c.events.drop(started.ProcessID)
		return nil, fmt.Errorf("starting command stream: %w", err)
	}
	return &Stream{
		events:    c.events,
		sessionID: req.SessionID,
		processID: started.ProcessID,
		queue:     q,
	}, nil
}

// CheckStatus asks over the push channel whether a process is still running.
// Advisory: unknown sessions or processes answer running=false.
func (c *Client) CheckStatus(ctx context.Context, sessionID, processID string) (*wire.Status, error) {
	return c.events.checkStatus(ctx, sessionID, processID)
}

// KillCommand terminates a registered process. An unregistered process is a
// structured "not found" result, matching the wire contract, not an error.
func (c *Client) KillCommand(ctx context.Context, sessionID, processID string) (*wire.CommandKilled, error) {
	var killed wire.CommandKilled
	err := c.postJSON(ctx, "/kill_command", wire.KillCommandRequest{
		SessionID: sessionID,
		ProcessID: processID,
	}, &killed)
	if err != nil {
		var httpErr *httpError
		if errors.As(err, &httpErr) && httpErr.status == http.StatusNotFound {
			return &wire.CommandKilled{Status: "not found"}, nil
		}
		return nil, err
	}
	return &killed, nil
}

// KillCommandPush kills a process over the push-event channel instead of the
// request/response surface. Requires Connect.
func (c *Client) KillCommandPush(ctx context.Context, sessionID, processID string) (*wire.CommandKilled, error) {
	return c.events.killCommand(ctx, sessionID, processID)
}

// ReadFile returns the contents of a file under the session root.
func (c *Client) ReadFile(ctx context.Context, sessionID, filePath string) (string, error) {
	var content wire.FileContent
	err := c.getJSON(ctx, "/file/read", url.Values{
		"session_id": {sessionID},
		"file_path":  {filePath},
	}, &content)
	if err != nil {
		return "", err
	}
	return content.Content, nil
}

// WriteFile writes a file under the session root, optionally creating parent
// directories.
func (c *Client) WriteFile(ctx context.Context, sessionID, filePath, content string, makeDirs bool) error {
	var resp wire.StatusOK
	return c.postJSON(ctx, "/file/write", wire.WriteFileRequest{
		SessionID: sessionID,
		FilePath:  filePath,
		Content:   content,
		MakeDirs:  makeDirs,
	}, &resp)
}

func (c *Client) FileExists(ctx context.Context, sessionID, filePath string) (bool, error) {
	var exists wire.FileExists
	err := c.getJSON(ctx, "/file/exists", url.Values{
		"session_id": {sessionID},
		"file_path":  {filePath},
	}, &exists)
	if err != nil {
		return false, err
	}
	return exists.Exists, nil
}

func (c *Client) DeleteFile(ctx context.Context, sessionID, filePath string) error {
	var resp wire.StatusOK
	return c.postJSON(ctx, "/file/delete", wire.DeleteFileRequest{
		SessionID: sessionID,
		FilePath:  filePath,
	}, &resp)
}

// ListFiles returns relative paths of files under the session root matching
// any of the regex filters (all files if none given).
func (c *Client) ListFiles(ctx context.Context, sessionID string, regexes ...string) ([]string, error) {
	query := url.Values{"session_id": {sessionID}}
	for _, re := range regexes {
		query.Add("regex", re)
	}
	var paths []string
	if err := c.getJSON(ctx, "/file/list", query, &paths); err != nil {
		return nil, err
	}
	return paths, nil
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP status %d: %s", e.status, e.body)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	if c.signer != nil {
		sig, err := c.signer.Sign(b)
		if err != nil {
			return fmt.Errorf("signing request: %w", err)
		}
		req.Header.Add(SignatureHeader, base64.StdEncoding.EncodeToString(sig))
	}
	return c.doJSON(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, readErr := io.ReadAll(resp.Body)
		body := string(b)
		if readErr != nil {
			body = readErr.Error()
		}
		var errResp wire.ErrorResponse
		if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
			body = errResp.Error
		}
		return &httpError{status: resp.StatusCode, body: body}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
