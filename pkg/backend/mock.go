package backend

import (
	"context"
	"sync"
	"time"
)

// MockAdapter returns scripted results for tests and dry runs.
type MockAdapter struct {
	BackendType Type
	Available   bool
	Cost        float64

	mu      sync.Mutex
	script  []ExecutionResult
	calls   []ExecutionRequest
	respond func(req ExecutionRequest) ExecutionResult
}

// NewMockAdapter creates an available mock that succeeds with a canned
// output.
func NewMockAdapter(t Type) *MockAdapter {
	return &MockAdapter{BackendType: t, Available: true, Cost: 1}
}

// Script queues results returned in order; when the script is exhausted the
// default response applies.
func (m *MockAdapter) Script(results ...ExecutionResult) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, results...)
	return m
}

// Respond installs a response function, overriding the default output.
func (m *MockAdapter) Respond(fn func(req ExecutionRequest) ExecutionResult) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = fn
	return m
}

// Calls returns every request this adapter has seen.
func (m *MockAdapter) Calls() []ExecutionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ExecutionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockAdapter) Type() Type { return m.BackendType }

func (m *MockAdapter) IsAvailable() bool { return m.Available }

func (m *MockAdapter) EstimateCost(_ ExecutionRequest) float64 { return m.Cost }

func (m *MockAdapter) Execute(_ context.Context, req ExecutionRequest) ExecutionResult {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	if len(m.script) > 0 {
		res := m.script[0]
		m.script = m.script[1:]
		m.mu.Unlock()
		res.Backend = m.BackendType
		if res.Timestamp.IsZero() {
			res.Timestamp = time.Now().UTC()
		}
		return res
	}
	respond := m.respond
	m.mu.Unlock()

	if respond != nil {
		res := respond(req)
		res.Backend = m.BackendType
		return res
	}
	return ExecutionResult{
		Success:       true,
		Backend:       m.BackendType,
		State:         StateCompleted,
		Output:        "mock response: " + req.Prompt,
		EstimatedCost: m.Cost,
		Timestamp:     time.Now().UTC(),
	}
}

// Succeeded is a convenience for scripting a successful result.
func Succeeded(output string) ExecutionResult {
	return ExecutionResult{Success: true, State: StateCompleted, Output: output}
}

// Failed is a convenience for scripting a failed result.
func Failed(state State, errMsg string) ExecutionResult {
	return ExecutionResult{Success: false, State: state, Error: errMsg}
}
