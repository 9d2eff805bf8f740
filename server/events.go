package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/execbox/sandbox/session"
	"github.com/execbox/sandbox/wire"
)

// eventConn is one attached push-channel connection. Writes are serialized:
// stream correlators for different processes and one-shot replies all share
// the connection.
type eventConn struct {
	id   string
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	writeMut sync.Mutex
}

func (ec *eventConn) send(kind string, payload any) error {
	ev, err := wire.NewEvent(kind, payload)
	if err != nil {
		return err
	}
	ec.writeMut.Lock()
	defer ec.writeMut.Unlock()
	return wsjson.Write(ec.ctx, ec.conn, ev)
}

func (ec *eventConn) sendError(msg, requestID string) {
	err := ec.send(wire.EventCommandError, wire.CommandErrorPayload{Error: msg, RequestID: requestID})
	if err != nil {
		ec.log.Debugf("error sending command_error: %s", err)
	}
}

// events upgrades to a websocket and runs the push-channel dispatch loop
// until the peer disconnects.
func (s *Server) events(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ec := &eventConn{
		id:   uuid.NewString(),
		log:  s.logger.Named("event_conn"),
		ctx:  ctx,
		conn: wsConn,
	}
	s.logger.Debugw("accepted push-channel conn", "Conn", ec.id)
	s.dispatchEvents(ec)

	// Drop a binding that still points at this connection so a stale conn
	// identity never routes future streams.
	if sess, ok := s.sessions.GetByConn(ec.id); ok {
		sess.BindConn("")
	}
}

func (s *Server) dispatchEvents(ec *eventConn) {
	for {
		var ev wire.Event
		err := wsjson.Read(ec.ctx, ec.conn, &ev)
		if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
			ec.log.Debugw("push-channel conn closed", "Conn", ec.id)
			return
		}
		if err != nil {
			ec.log.Debugf("error reading event: %s", err)
			ec.conn.Close(websocket.StatusInternalError, err.Error())
			return
		}

		switch ev.Event {
		case wire.EventInitialize:
			s.handleInitializeEvent(ec, ev)
		case wire.EventStartStream:
			s.handleStartStream(ec, ev)
		case wire.EventCheckStatus:
			s.handleCheckStatus(ec, ev)
		case wire.EventKillCommand:
			s.handleKillEvent(ec, ev)
		default:
			ec.log.Debugw("ignoring unknown event", "Event", ev.Event)
		}
	}
}

func (s *Server) handleInitializeEvent(ec *eventConn, ev wire.Event) {
	var payload wire.InitializePayload
	if err := ev.Decode(&payload); err != nil {
		ec.sendError(err.Error(), "")
		return
	}
	sess, err := s.sessions.Get(payload.SessionID)
	if err != nil {
		ec.sendError("Session not found", "")
		return
	}
	sess.BindConn(ec.id)
	sess.Touch()
	err = ec.send(wire.EventInitialized, wire.InitializedPayload{Status: "success", SessionID: sess.ID()})
	if err != nil {
		ec.log.Debugf("error sending initialized: %s", err)
	}
}

func (s *Server) handleStartStream(ec *eventConn, ev wire.Event) {
	var payload wire.StartStreamPayload
	if err := ev.Decode(&payload); err != nil {
		ec.sendError(err.Error(), "")
		return
	}
	sess, err := s.sessions.Get(payload.SessionID)
	if err != nil {
		ec.sendError("Session not found", "")
		return
	}
	proc, err := sess.Process(payload.ProcessID)
	if err != nil {
		ec.sendError("Process not found", "")
		return
	}
	if proc.Stdout == nil || proc.Stderr == nil {
		ec.sendError("Process has no output handles", "")
		return
	}
	if !proc.ClaimStream() {
		ec.sendError("Process is already streaming", "")
		return
	}
	sess.Touch()
	go s.streamProcess(ec, sess, proc)
}

func (s *Server) handleCheckStatus(ec *eventConn, ev wire.Event) {
	var payload wire.CheckStatusPayload
	if err := ev.Decode(&payload); err != nil {
		ec.sendError(err.Error(), "")
		return
	}
	sessionID := payload.SessionID
	if sessionID == "" {
		if sess, ok := s.sessions.GetByConn(ec.id); ok {
			sessionID = sess.ID()
		}
	}
	status := s.engine.CheckStatus(sessionID, payload.ProcessID)
	err := ec.send(wire.EventStatus, wire.StatusPayload{
		Running:   status.Running,
		SessionID: status.SessionID,
		RequestID: payload.RequestID,
	})
	if err != nil {
		ec.log.Debugf("error sending status: %s", err)
	}
}

func (s *Server) handleKillEvent(ec *eventConn, ev wire.Event) {
	var payload wire.KillCommandPayload
	if err := ev.Decode(&payload); err != nil {
		ec.sendError(err.Error(), "")
		return
	}
	killed, err := s.engine.Kill(payload.SessionID, payload.ProcessID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		ec.sendError("Session not found", payload.RequestID)
	case errors.Is(err, session.ErrProcessNotFound):
		ec.sendError("No such process", payload.RequestID)
	case err != nil:
		ec.sendError(err.Error(), payload.RequestID)
	default:
		err := ec.send(wire.EventCommandKilled, wire.CommandKilledPayload{
			Status:    killed.Status,
			ExitCode:  killed.ExitCode,
			SessionID: payload.SessionID,
			ProcessID: payload.ProcessID,
			RequestID: payload.RequestID,
		})
		if err != nil {
			ec.log.Debugf("error sending command_killed: %s", err)
		}
	}
}

// streamProcess is the server-side stream correlator for one process. The
// stdout and stderr loops run concurrently so a process writing heavily to
// one stream cannot starve the other; both must finish before the terminal
// event. The deferred cleanup reaps and deregisters the process and emits
// command_exit exactly once, on every exit path including read failures.
func (s *Server) streamProcess(ec *eventConn, sess *session.Session, proc *session.Process) {
	log := s.logger.Named("stream_correlator").With("Session", sess.ID(), "Process", proc.ID())

	defer func() {
		code := proc.Wait()
		sess.RemoveProcess(proc.ID())
		log.Debugw("stream drained", "ExitCode", code)
		err := ec.send(wire.EventCommandExit, wire.CommandExit{
			ExitCode:  code,
			SessionID: sess.ID(),
			ProcessID: proc.ID(),
		})
		if err != nil {
			log.Debugf("error sending command_exit: %s", err)
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		return s.forwardLines(ec, sess, proc, proc.Stdout, wire.StreamStdout)
	})
	g.Go(func() error {
		return s.forwardLines(ec, sess, proc, proc.Stderr, wire.StreamStderr)
	})
	if err := g.Wait(); err != nil {
		log.Debugf("stream read error: %s", err)
	}
}

// forwardLines pushes one output record per line, trailing newline retained.
// A final unterminated line is still delivered. If the peer disconnects
// mid-stream the pipe is drained to completion anyway: a process blocked on a
// full pipe would never exit, and the cleanup in streamProcess needs the exit.
func (s *Server) forwardLines(ec *eventConn, sess *session.Session, proc *session.Process, stream io.Reader, streamType string) error {
	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			sendErr := ec.send(wire.EventCommandOutput, wire.CommandOutput{
				Output:    line,
				Type:      streamType,
				SessionID: sess.ID(),
				ProcessID: proc.ID(),
			})
			if sendErr != nil {
				io.Copy(io.Discard, reader)
				return sendErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
