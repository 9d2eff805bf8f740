package wire

// Mode selects how the engine realizes a command.
type Mode string

const (
	// ModeWait runs the command synchronously and returns its captured output.
	ModeWait Mode = "wait"
	// ModeBackground spawns the command and returns a process handle immediately.
	ModeBackground Mode = "background"
	// ModeStream spawns the command and registers it for live output streaming.
	ModeStream Mode = "stream"
)

// Valid reports whether m is one of the three execution modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeWait, ModeBackground, ModeStream:
		return true
	}
	return false
}

// Stream discriminators for command output records.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

type InitializeRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

type InitializeResponse struct {
	SessionID string `json:"session_id"`
}

type RunCommandRequest struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Mode      Mode   `json:"mode"`
	// Path overrides the working directory; relative paths resolve under
	// the session root.
	Path string `json:"path,omitempty"`
	// TimeoutSeconds bounds wait-mode execution. Zero means the default.
	TimeoutSeconds float64 `json:"timeout,omitempty"`
}

// CommandResult is the wait-mode response.
// Finished mirrors the wire contract: true iff the exit code is zero, so a
// command that ran to completion with a nonzero exit reports Finished=false.
// A timeout reports Err set and Finished=false with no exit code.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Finished bool   `json:"finished"`
	Err      string `json:"error,omitempty"`
}

// TimedOut reports whether the result represents a wait-mode timeout rather
// than a completed run.
func (r *CommandResult) TimedOut() bool {
	return r.Err != "" && !r.Finished
}

// StartedProcess is the background- and stream-mode response.
type StartedProcess struct {
	ProcessID string `json:"process_id"`
}

type KillCommandRequest struct {
	SessionID string `json:"session_id"`
	ProcessID string `json:"process_id"`
}

// CommandKilled reports the outcome of a kill. ExitCode is nil when the
// process was already reaped before its code could be observed.
type CommandKilled struct {
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

type Status struct {
	Running   bool   `json:"running"`
	SessionID string `json:"session_id,omitempty"`
}

type WriteFileRequest struct {
	SessionID string `json:"session_id"`
	FilePath  string `json:"file_path"`
	Content   string `json:"content"`
	MakeDirs  bool   `json:"make_dirs,omitempty"`
}

type DeleteFileRequest struct {
	SessionID string `json:"session_id"`
	FilePath  string `json:"file_path"`
}

type FileContent struct {
	Content string `json:"content"`
}

type FileExists struct {
	Exists bool `json:"exists"`
}

type StatusOK struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
