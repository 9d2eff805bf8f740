package wire

import (
	"encoding/json"
	"fmt"
)

// Event kinds carried on the push channel. Client-to-server kinds perform the
// session handshake and control in-flight processes; server-to-client kinds
// deliver correlated output and one-shot replies.
const (
	// client -> server
	EventInitialize  = "initialize"
	EventStartStream = "start_command_stream"
	EventCheckStatus = "check_status"
	EventKillCommand = "kill_command"

	// server -> client
	EventInitialized   = "initialized"
	EventCommandOutput = "command_output"
	EventCommandExit   = "command_exit"
	EventStatus        = "status"
	EventCommandKilled = "command_killed"
	EventCommandError  = "command_error"
)

// Event is the envelope for every push-channel message. Data holds the
// payload struct for the named kind; it is decoded only after the kind is
// matched, so unknown or malformed events never reach engine logic.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEvent wraps a payload in an envelope.
func NewEvent(kind string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return Event{Event: kind, Data: b}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Event) Decode(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Event, err)
	}
	return nil
}

// InitializePayload binds the push-channel connection to a session.
type InitializePayload struct {
	SessionID string `json:"session_id"`
}

type InitializedPayload struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// StartStreamPayload asks the server to begin forwarding output for a
// registered stream-mode process.
type StartStreamPayload struct {
	SessionID string `json:"session_id"`
	ProcessID string `json:"process_id"`
}

// CommandOutput is one line of process output. Output retains any trailing
// newline the process wrote; Type is StreamStdout or StreamStderr.
type CommandOutput struct {
	Output    string `json:"output"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ProcessID string `json:"process_id"`
}

// CommandExit is the terminal event for a streamed process, delivered exactly
// once, after every CommandOutput of that process.
type CommandExit struct {
	ExitCode  int    `json:"exit_code"`
	SessionID string `json:"session_id"`
	ProcessID string `json:"process_id"`
}

// CheckStatusPayload requests an advisory running/not-running answer.
// RequestID correlates the status reply to this request.
type CheckStatusPayload struct {
	SessionID string `json:"session_id,omitempty"`
	ProcessID string `json:"process_id"`
	RequestID string `json:"request_id"`
}

type StatusPayload struct {
	Running   bool   `json:"running"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id"`
}

type KillCommandPayload struct {
	SessionID string `json:"session_id"`
	ProcessID string `json:"process_id"`
	RequestID string `json:"request_id"`
}

type CommandKilledPayload struct {
	Status    string `json:"status"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	SessionID string `json:"session_id"`
	ProcessID string `json:"process_id"`
	RequestID string `json:"request_id"`
}

type CommandErrorPayload struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}
