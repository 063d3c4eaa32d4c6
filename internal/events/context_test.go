package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/e2ekeys/internal/events"
)

func TestFromContext(t *testing.T) {
	logger := events.FromContext(context.Background())
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	logger := &events.Logger{}

	ctx := events.WithLogger(context.Background(), logger)
	assert.Equal(t, logger, events.FromContext(ctx))
}

func TestWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", events.GetRequestID(ctx))

	events.FromContext(ctx).Info("tagged")
	assert.Contains(t, buf.String(), `"request_id":"req-123"`)
}

func TestWithAccount(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithAccount(ctx, "alice https://cloud.example.com")
	assert.Equal(t, "alice https://cloud.example.com", events.GetAccount(ctx))

	events.FromContext(ctx).Info("tagged")
	assert.Contains(t, buf.String(), `"account":"alice https://cloud.example.com"`)
}

func TestWithFolder(t *testing.T) {
	tests := []struct {
		name      string
		folderURL string
		want      []string
		absent    string
	}{
		{
			name:      "folder and file",
			folderURL: "https://cloud.example.com/remote.php/dav/files/alice/secret",
			want:      []string{`"file_id":"42"`, `"folder":"https://cloud.example.com/remote.php/dav/files/alice/secret"`},
		},
		{
			name:   "file only",
			want:   []string{`"file_id":"42"`},
			absent: `"folder"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

			ctx = events.WithFolder(ctx, tt.folderURL, "42")
			assert.Equal(t, "42", events.GetFileID(ctx))

			events.FromContext(ctx).Info("tagged")
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
			if tt.absent != "" {
				assert.NotContains(t, buf.String(), tt.absent)
			}
		})
	}
}

func TestContextGettersEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, events.GetRequestID(ctx))
	assert.Empty(t, events.GetAccount(ctx))
	assert.Empty(t, events.GetFileID(ctx))
}

func TestSetDefault(t *testing.T) {
	previous := events.FromContext(context.Background())
	defer events.SetDefault(previous)

	customLogger := &events.Logger{}
	events.SetDefault(customLogger)

	assert.Equal(t, customLogger, events.FromContext(context.Background()))
}
