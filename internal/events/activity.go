package events

import (
	"context"
	"sync"
	"time"
)

// Activity is one entry of the local activity log.
type Activity struct {
	Account string
	Action  string
	Success bool
	Code    int
	Message string
	Time    time.Time
}

// ActivityRecorder receives an Activity for every server round-trip outcome.
type ActivityRecorder interface {
	Record(ctx context.Context, activity Activity)
}

// LogRecorder writes activities through a Logger.
type LogRecorder struct {
	logger *Logger
}

// NewLogRecorder creates a recorder. A nil logger uses the one in the context.
func NewLogRecorder(logger *Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// Record implements ActivityRecorder.
func (r *LogRecorder) Record(ctx context.Context, a Activity) {
	logger := r.logger
	if logger == nil {
		logger = FromContext(ctx)
	}

	fields := map[string]interface{}{
		"activity": a.Action,
		"account":  a.Account,
	}
	if a.Code != 0 {
		fields["code"] = a.Code
	}
	if a.Message != "" {
		fields["detail"] = a.Message
	}
	if id := GetRequestID(ctx); id != "" {
		fields["request_id"] = id
	}

	if a.Success {
		logger.WithFields(fields).Debug("activity succeeded")
	} else {
		logger.WithFields(fields).Warn("activity failed")
	}
}

// MemoryRecorder keeps activities in memory.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Activity
}

// Record implements ActivityRecorder.
func (r *MemoryRecorder) Record(_ context.Context, a Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	r.entries = append(r.entries, a)
}

// Entries returns a copy of the recorded activities.
func (r *MemoryRecorder) Entries() []Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Activity, len(r.entries))
	copy(out, r.entries)
	return out
}
