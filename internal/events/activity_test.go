package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/e2ekeys/internal/events"
)

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	recorder := events.NewLogRecorder(events.NewTestLogger(events.DebugLevel, "json", &buf))

	ctx := events.WithRequestID(context.Background(), "run-1")
	recorder.Record(ctx, events.Activity{
		Account: "alice",
		Action:  "get_public_key",
		Code:    404,
		Message: "public key not found",
	})

	output := buf.String()
	assert.Contains(t, output, `"level":"warn"`)
	assert.Contains(t, output, `"activity":"get_public_key"`)
	assert.Contains(t, output, `"code":404`)
	assert.Contains(t, output, `"request_id":"run-1"`)
}

func TestLogRecorderUsesContextLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.DebugLevel, "text", &buf))

	events.NewLogRecorder(nil).Record(ctx, events.Activity{Account: "alice", Action: "lock_folder", Success: true})

	assert.Contains(t, buf.String(), "activity succeeded")
	assert.Contains(t, buf.String(), "activity=lock_folder")
}

func TestMemoryRecorder(t *testing.T) {
	var recorder events.MemoryRecorder
	recorder.Record(context.Background(), events.Activity{Action: "a"})
	recorder.Record(context.Background(), events.Activity{Action: "b", Success: true})

	entries := recorder.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Action)
	assert.False(t, entries[0].Time.IsZero())
	assert.True(t, entries[1].Success)
}
