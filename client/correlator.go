package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/execbox/sandbox/wire"
)

// eventClient owns the push-event channel: it routes command_output and
// command_exit events to per-process delivery queues, and one-shot replies
// (initialized, status, command_killed, command_error) to the waiter that
// issued the request.
type eventClient struct {
	log        *zap.SugaredLogger
	httpClient *http.Client
	url        string

	mu       sync.Mutex
	conn     *websocket.Conn
	ctx      context.Context
	cancel   func()
	queues   map[string]*streamQueue
	pending  map[string]chan wire.Event
	initCh   chan wire.Event
	closeErr error
	done     chan struct{}
}

func newEventClient(log *zap.SugaredLogger, httpClient *http.Client, baseURL string) *eventClient {
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/events"
	return &eventClient{
		log:        log.Named("event_correlator"),
		httpClient: httpClient,
		url:        wsURL,
		queues:     make(map[string]*streamQueue),
		pending:    make(map[string]chan wire.Event),
	}
}

func (ec *eventClient) dial(ctx context.Context) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.conn != nil {
		return nil
	}
	ec.log.Debugw("dialing push-event channel", "URL", ec.url)
	conn, _, err := websocket.Dial(ctx, ec.url, &websocket.DialOptions{
		HTTPClient:      ec.httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("dialing push-event channel: %w", err)
	}
	connCtx, cancel := context.WithCancel(context.Background())
	ec.conn = conn
	ec.ctx = connCtx
	ec.cancel = cancel
	ec.done = make(chan struct{})
	ec.closeErr = nil
	go ec.readEvents(conn, connCtx)
	return nil
}

func (ec *eventClient) connected() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.conn != nil
}

func (ec *eventClient) close() error {
	ec.mu.Lock()
	conn := ec.conn
	cancel := ec.cancel
	ec.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "")
	cancel()
	return err
}

func (ec *eventClient) send(kind string, payload any) error {
	ec.mu.Lock()
	conn, ctx := ec.conn, ec.ctx
	ec.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("push-event channel is not connected")
	}
	ev, err := wire.NewEvent(kind, payload)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, ev)
}

// register creates the delivery queue for a process. Called before the attach
// message is sent so the first pushed record always finds its queue.
func (ec *eventClient) register(processID string) *streamQueue {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	q := newStreamQueue()
	ec.queues[processID] = q
	return q
}

// drop removes a process's queue once its consumer has observed the sentinel.
func (ec *eventClient) drop(processID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.queues, processID)
}

func (ec *eventClient) queue(processID string) (*streamQueue, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	q, ok := ec.queues[processID]
	return q, ok
}

// handshake binds this connection to a session and waits for the server's
// initialized reply. A rejection arrives as a command_error with no request
// ID; it is surfaced here rather than left to time out.
func (ec *eventClient) handshake(ctx context.Context, sessionID string) error {
	ch := make(chan wire.Event, 1)
	ec.mu.Lock()
	ec.initCh = ch
	done := ec.done
	ec.mu.Unlock()

	err := ec.send(wire.EventInitialize, wire.InitializePayload{SessionID: sessionID})
	if err != nil {
		return err
	}
	select {
	case reply := <-ch:
		if reply.Event == wire.EventCommandError {
			var errPayload wire.CommandErrorPayload
			if err := reply.Decode(&errPayload); err != nil {
				return err
			}
			return fmt.Errorf("handshake rejected: %s", errPayload.Error)
		}
		var payload wire.InitializedPayload
		if err := reply.Decode(&payload); err != nil {
			return err
		}
		if payload.Status != "success" {
			return fmt.Errorf("handshake rejected with status %q", payload.Status)
		}
		return nil
	case <-done:
		return ec.connClosedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkStatus performs a one-shot status request correlated by request ID.
func (ec *eventClient) checkStatus(ctx context.Context, sessionID, processID string) (*wire.Status, error) {
	requestID := uuid.NewString()
	reply, err := ec.call(ctx, wire.EventCheckStatus, wire.CheckStatusPayload{
		SessionID: sessionID,
		ProcessID: processID,
		RequestID: requestID,
	}, requestID)
	if err != nil {
		return nil, err
	}
	var status wire.StatusPayload
	if err := reply.Decode(&status); err != nil {
		return nil, err
	}
	return &wire.Status{Running: status.Running, SessionID: status.SessionID}, nil
}

// killCommand performs a kill over the push channel.
func (ec *eventClient) killCommand(ctx context.Context, sessionID, processID string) (*wire.CommandKilled, error) {
	requestID := uuid.NewString()
	reply, err := ec.call(ctx, wire.EventKillCommand, wire.KillCommandPayload{
		SessionID: sessionID,
		ProcessID: processID,
		RequestID: requestID,
	}, requestID)
	if err != nil {
		return nil, err
	}
	switch reply.Event {
	case wire.EventCommandKilled:
		var killed wire.CommandKilledPayload
		if err := reply.Decode(&killed); err != nil {
			return nil, err
		}
		return &wire.CommandKilled{Status: killed.Status, ExitCode: killed.ExitCode}, nil
	default:
		var errPayload wire.CommandErrorPayload
		if err := reply.Decode(&errPayload); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("kill failed: %s", errPayload.Error)
	}
}

// call sends an event and blocks for the single reply carrying the same
// request ID. A fresh one-shot channel per request replaces any shared
// mutable handler state.
func (ec *eventClient) call(ctx context.Context, kind string, payload any, requestID string) (wire.Event, error) {
	ch := make(chan wire.Event, 1)
	ec.mu.Lock()
	if ec.conn == nil {
		ec.mu.Unlock()
		return wire.Event{}, fmt.Errorf("push-event channel is not connected")
	}
	ec.pending[requestID] = ch
	done := ec.done
	ec.mu.Unlock()
	defer func() {
		ec.mu.Lock()
		delete(ec.pending, requestID)
		ec.mu.Unlock()
	}()

	if err := ec.send(kind, payload); err != nil {
		return wire.Event{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-done:
		return wire.Event{}, ec.connClosedErr()
	case <-ctx.Done():
		return wire.Event{}, ctx.Err()
	}
}

func (ec *eventClient) connClosedErr() error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.closeErr != nil {
		return ec.closeErr
	}
	return fmt.Errorf("push-event channel closed")
}

// readEvents is the demultiplexing loop: every incoming event is routed by
// its embedded process identity or request ID.
func (ec *eventClient) readEvents(conn *websocket.Conn, ctx context.Context) {
	var loopErr error
	defer func() {
		ec.mu.Lock()
		if ec.conn == conn {
			ec.conn = nil
			ec.closeErr = loopErr
		}
		queues := ec.queues
		ec.queues = make(map[string]*streamQueue)
		done := ec.done
		ec.mu.Unlock()
		// Fail any queue still awaiting its terminal event.
		for _, q := range queues {
			q.fail(loopErr)
		}
		close(done)
	}()

	for {
		var ev wire.Event
		err := wsjson.Read(ctx, conn, &ev)
		if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
			ec.log.Debug("push-event channel closed")
			return
		}
		if err != nil {
			ec.log.Debugf("event reader got error: %s", err)
			loopErr = err
			conn.Close(websocket.StatusInternalError, err.Error())
			return
		}

		switch ev.Event {
		case wire.EventInitialized:
			if ch := ec.takeInitCh(); ch != nil {
				ch <- ev
			} else {
				ec.log.Debug("ignoring initialized event with no handshake in flight")
			}
		case wire.EventCommandOutput:
			var record wire.CommandOutput
			if err := ev.Decode(&record); err != nil {
				ec.log.Debugf("bad command_output event: %s", err)
				continue
			}
			if q, ok := ec.queue(record.ProcessID); ok {
				q.push(record)
			} else {
				ec.log.Debugw("dropping output for unknown process", "Process", record.ProcessID)
			}
		case wire.EventCommandExit:
			var exit wire.CommandExit
			if err := ev.Decode(&exit); err != nil {
				ec.log.Debugf("bad command_exit event: %s", err)
				continue
			}
			if q, ok := ec.queue(exit.ProcessID); ok {
				q.finish(exit.ExitCode)
			} else {
				ec.log.Debugw("dropping exit for unknown process", "Process", exit.ProcessID)
			}
		case wire.EventStatus, wire.EventCommandKilled, wire.EventCommandError:
			ec.routeReply(ev)
		default:
			ec.log.Debugw("ignoring unknown event", "Event", ev.Event)
		}
	}
}

func (ec *eventClient) takeInitCh() chan wire.Event {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ch := ec.initCh
	ec.initCh = nil
	return ch
}

// routeReply delivers a one-shot reply to the waiter registered under its
// request ID. A command_error with no request ID is a handshake rejection and
// goes to the handshake waiter instead.
func (ec *eventClient) routeReply(ev wire.Event) {
	var tag struct {
		RequestID string `json:"request_id"`
	}
	if err := ev.Decode(&tag); err != nil {
		ec.log.Debugf("bad reply event: %s", err)
		return
	}
	if tag.RequestID == "" {
		if ev.Event == wire.EventCommandError {
			if ch := ec.takeInitCh(); ch != nil {
				ch <- ev
				return
			}
		}
		ec.log.Debugw("reply event without request_id", "Event", ev.Event)
		return
	}
	ec.mu.Lock()
	ch, ok := ec.pending[tag.RequestID]
	if ok {
		delete(ec.pending, tag.RequestID)
	}
	ec.mu.Unlock()
	if ok {
		ch <- ev
	} else {
		ec.log.Debugw("no waiter for reply", "Event", ev.Event, "RequestID", tag.RequestID)
	}
}
