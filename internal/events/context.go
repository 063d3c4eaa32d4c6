package events

import (
	"context"
	"os"
	"sync"
)

// ctxKey doubles as the log field name of the value it stores.
type ctxKey string

const (
	loggerKey    ctxKey = "logger"
	requestIDKey ctxKey = "request_id"
	accountKey   ctxKey = "account"
	folderKey    ctxKey = "folder"
	fileIDKey    ctxKey = "file_id"
)

var (
	defaultMu     sync.RWMutex
	defaultLogger = &Logger{
		mu:     &sync.Mutex{},
		level:  InfoLevel,
		format: "text",
		output: os.Stderr,
		fields: make(map[string]interface{}),
	}
)

// FromContext returns the logger carried by ctx, or the default logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestID tags ctx and its logger with a run identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	return tag(ctx, requestIDKey, id)
}

// WithAccount tags ctx and its logger with the account ID.
func WithAccount(ctx context.Context, accountID string) context.Context {
	return tag(ctx, accountKey, accountID)
}

// WithFolder tags ctx with the folder a request concerns. An empty folderURL
// only sets the file ID.
func WithFolder(ctx context.Context, folderURL, fileID string) context.Context {
	if folderURL != "" {
		ctx = tag(ctx, folderKey, folderURL)
	}
	return tag(ctx, fileIDKey, fileID)
}

// GetRequestID retrieves request ID from context.
func GetRequestID(ctx context.Context) string {
	return value(ctx, requestIDKey)
}

// GetAccount retrieves the account ID from context.
func GetAccount(ctx context.Context) string {
	return value(ctx, accountKey)
}

// GetFileID retrieves the folder file ID from context.
func GetFileID(ctx context.Context) string {
	return value(ctx, fileIDKey)
}

// SetDefault sets the logger used when a context carries none.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

func tag(ctx context.Context, key ctxKey, v string) context.Context {
	logger := FromContext(ctx).WithField(string(key), v)
	return WithLogger(context.WithValue(ctx, key, v), logger)
}

func value(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}
