package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/TheMichaelB/e2ekeys/internal/models"
)

// MockTransport returns scripted responses per action and records requests.
type MockTransport struct {
	mu sync.Mutex

	// Response configuration; the last response of a queue repeats.
	responses map[models.Action][]models.Response

	// OnDispatch, when set, runs before the scripted response is picked.
	OnDispatch func(req models.Request)

	// Request tracking
	Requests []models.Request
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses: make(map[models.Action][]models.Response),
	}
}

// On queues responses for an action.
func (m *MockTransport) On(action models.Action, responses ...models.Response) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range responses {
		responses[i].Action = action
	}
	m.responses[action] = append(m.responses[action], responses...)
	return m
}

// Dispatch implements Transport.
func (m *MockTransport) Dispatch(ctx context.Context, req models.Request) models.Response {
	if m.OnDispatch != nil {
		m.OnDispatch(req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)

	if err := ctx.Err(); err != nil {
		return models.Failed(req.Action, 0, err.Error())
	}

	queue := m.responses[req.Action]
	if len(queue) == 0 {
		return models.Failed(req.Action, http.StatusInternalServerError, fmt.Sprintf("no mock response for %s", req.Action))
	}

	resp := queue[0]
	if len(queue) > 1 {
		m.responses[req.Action] = queue[1:]
	}
	return resp
}

// Actions returns the actions dispatched so far, in order.
func (m *MockTransport) Actions() []models.Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	actions := make([]models.Action, len(m.Requests))
	for i, req := range m.Requests {
		actions[i] = req.Action
	}
	return actions
}

// Calls returns the recorded requests for one action.
func (m *MockTransport) Calls(action models.Action) []models.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var calls []models.Request
	for _, req := range m.Requests {
		if req.Action == action {
			calls = append(calls, req)
		}
	}
	return calls
}

// Reset clears responses and recorded requests.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.responses = make(map[models.Action][]models.Response)
	m.Requests = nil
}
