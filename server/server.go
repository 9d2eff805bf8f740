// Package server exposes the sandbox execution engine over two transports: a
// JSON request/response HTTP API and a websocket push channel for correlated
// output events.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/execbox/sandbox/engine"
	"github.com/execbox/sandbox/session"
	"github.com/execbox/sandbox/wire"
)

// PacketVerifier authenticates control-plane request bodies. Optional; see
// the packet package for the standard implementation.
type PacketVerifier interface {
	Verify(packet []byte, signature []byte) bool
}

// SignatureHeader carries the base64 packet signature when packet
// authentication is enabled.
const SignatureHeader = "X-Sandbox-Signature"

type Server struct {
	logger   *zap.SugaredLogger
	sessions *session.Registry
	engine   *engine.Engine

	listenAddr  string
	defaultRoot string
	sessionTTL  time.Duration
	verifier    PacketVerifier
	engineOpts  []engine.Option

	httpServer *http.Server

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithDefaultRoot sets the root path used when initialize carries none.
func WithDefaultRoot(path string) Option {
	return func(s *Server) {
		s.defaultRoot = path
	}
}

// WithSessionTTL enables the idle-session reaper: sessions with no request
// activity for the given duration are torn down, their processes killed.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Server) {
		s.sessionTTL = d
	}
}

// WithPacketVerifier requires every POST body to carry a valid signature in
// the SignatureHeader header.
func WithPacketVerifier(v PacketVerifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

func WithEngineOptions(opts ...engine.Option) Option {
	return func(s *Server) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

// New constructs a sandbox server.
func New(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:      logger.Named("sandbox").Sugar(),
		listenAddr:  "0.0.0.0:8080",
		defaultRoot: "/",
		closed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.sessions = session.NewRegistry()
	s.engine = engine.New(s.logger, s.sessions, s.engineOpts...)
	return s, nil
}

// Sessions exposes the registry, mainly for tests and embedding callers.
func (s *Server) Sessions() *session.Registry { return s.sessions }

func (s *Server) router() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.POST("/initialize", s.initialize)
	router.POST("/run_command", s.runCommand)
	router.POST("/kill_command", s.killCommand)
	router.GET("/events", s.events)
	router.GET("/file/read", s.readFile)
	router.POST("/file/write", s.writeFile)
	router.GET("/file/exists", s.fileExists)
	router.POST("/file/delete", s.deleteFile)
	router.GET("/file/list", s.listFiles)

	var handler http.Handler = router
	if s.verifier != nil {
		handler = verifyPackets(s.logger, s.verifier, handler)
	}
	return handler
}

// Run serves until Stop is called or the listener fails.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if s.sessionTTL > 0 {
		go s.reapIdleSessions()
	}

	server := &http.Server{Handler: s.router()}
	s.httpServer = server

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	s.closeOnce.Do(func() { close(s.closed) })
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// reapIdleSessions tears down sessions whose last activity is older than the
// TTL. Activity is any request or push-channel message naming the session.
func (s *Server) reapIdleSessions() {
	ticker := time.NewTicker(s.sessionTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-s.sessionTTL)
		for _, sess := range s.sessions.Sessions() {
			if sess.LastActive().Before(cutoff) {
				s.logger.Debugw("reaping idle session", "Session", sess.ID())
				s.engine.TeardownSession(sess.ID())
			}
		}
	}
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.heartbeatMut.Lock()
	lastHeartbeat := s.lastHeartbeat
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()
	s.writeJSON(w, http.StatusOK, struct {
		LastHeartbeat string `json:"last_heartbeat"`
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	})
}

func (s *Server) initialize(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req wire.InitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	root := req.Path
	if root == "" {
		root = s.defaultRoot
	}
	sess := s.sessions.Initialize(req.SessionID, root)
	s.logger.Debugw("initialized session", "Session", sess.ID(), "Root", root)
	s.writeJSON(w, http.StatusOK, wire.InitializeResponse{SessionID: sess.ID()})
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req wire.RunCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "request contained no command")
		return
	}
	if req.Mode == "" {
		req.Mode = wire.ModeWait
	}
	if !req.Mode.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown execution mode %q", req.Mode))
		return
	}

	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Session not found")
		return
	}
	sess.Touch()

	switch req.Mode {
	case wire.ModeWait:
		timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
		result, err := s.engine.RunWait(r.Context(), sess, req.Command, req.Path, timeout)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	default:
		proc, err := s.engine.Spawn(sess, req.Command, req.Path, req.Mode)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, wire.StartedProcess{ProcessID: proc.ID()})
	}
}

func (s *Server) killCommand(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req wire.KillCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	killed, err := s.engine.Kill(req.SessionID, req.ProcessID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.writeError(w, http.StatusBadRequest, "Session not found")
	case errors.Is(err, session.ErrProcessNotFound):
		s.writeError(w, http.StatusNotFound, "No such process")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, killed)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		s.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, wire.ErrorResponse{Error: msg})
}
