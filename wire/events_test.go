package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	ev, err := NewEvent(EventCommandOutput, CommandOutput{
		Output:    "hello\n",
		Type:      StreamStdout,
		SessionID: "sess",
		ProcessID: "proc",
	})
	require.NoError(t, err)
	assert.Equal(t, EventCommandOutput, ev.Event)

	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(b, &decoded))

	var record CommandOutput
	require.NoError(t, decoded.Decode(&record))
	assert.Equal(t, "hello\n", record.Output)
	assert.Equal(t, StreamStdout, record.Type)
	assert.Equal(t, "proc", record.ProcessID)
}

func TestEventDecodeValidation(t *testing.T) {
	var record CommandOutput

	empty := Event{Event: EventCommandOutput}
	assert.Error(t, empty.Decode(&record))

	malformed := Event{Event: EventCommandOutput, Data: json.RawMessage(`{"output": 42`)}
	assert.Error(t, malformed.Decode(&record))
}

func TestModeValid(t *testing.T) {
	assert.True(t, ModeWait.Valid())
	assert.True(t, ModeBackground.Valid())
	assert.True(t, ModeStream.Valid())
	assert.False(t, Mode("detached").Valid())
	assert.False(t, Mode("").Valid())
}

func TestCommandResultTimedOut(t *testing.T) {
	timedOut := CommandResult{Err: "Command timed out", Finished: false}
	assert.True(t, timedOut.TimedOut())

	failed := CommandResult{ExitCode: 1, Finished: false}
	assert.False(t, failed.TimedOut())

	succeeded := CommandResult{ExitCode: 0, Finished: true}
	assert.False(t, succeeded.TimedOut())
}
