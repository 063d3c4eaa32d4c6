package transport

import (
	"context"

	"github.com/TheMichaelB/e2ekeys/internal/models"
)

// Transport issues one server round-trip per request. Failures are carried in
// Response.Err rather than returned, so callers branch on Response.Outcome.
type Transport interface {
	Dispatch(ctx context.Context, req models.Request) models.Response
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, req models.Request) models.Response

// Dispatch implements Transport.
func (f Func) Dispatch(ctx context.Context, req models.Request) models.Response {
	return f(ctx, req)
}

var (
	_ Transport = (*OCSClient)(nil)
	_ Transport = (*MockTransport)(nil)
	_ Transport = Func(nil)
)

// Reauthenticator is asked to re-establish the session after a 401.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context, account models.Account) error
}
