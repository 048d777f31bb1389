// Package backend wraps external coding agents as execution backends behind
// a common adapter interface.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies one execution backend. The set is closed; extending it
// means adding a new Adapter implementation.
type Type string

const (
	FastCLI      Type = "fast-cli"
	CodeCLI      Type = "code-cli"
	ReasoningCLI Type = "reasoning-cli"
)

// OutputFormat selects how a backend's output is parsed.
type OutputFormat string

const (
	FormatJSON     OutputFormat = "json"
	FormatText     OutputFormat = "text"
	FormatMarkdown OutputFormat = "markdown"
)

// State is the terminal state of one execution attempt.
type State string

const (
	StatePending     State = "pending"
	StateSpawned     State = "spawned"
	StateCompleted   State = "completed"
	StateTimedOut    State = "timed_out"
	StateCancelled   State = "cancelled"
	StateSpawnFailed State = "spawn_failed"
)

// ExecutionRequest describes one attempt against one backend. Created per
// attempt and consumed by exactly one Execute call.
type ExecutionRequest struct {
	Prompt       string        `json:"prompt"`
	WorkingDir   string        `json:"working_dir,omitempty"`
	Timeout      time.Duration `json:"timeout"`
	ContextFiles []string      `json:"context_files,omitempty"`
	OutputFormat OutputFormat  `json:"output_format"`
}

// ExecutionResult is the complete outcome of one attempt. Success implies
// Output is present and Error is empty; failure implies Error is set.
type ExecutionResult struct {
	Success       bool            `json:"success"`
	Backend       Type            `json:"backend"`
	State         State           `json:"state"`
	Output        string          `json:"output,omitempty"`
	Parsed        json.RawMessage `json:"parsed,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExitCode      int             `json:"exit_code"`
	Duration      time.Duration   `json:"duration"`
	EstimatedCost float64         `json:"estimated_cost"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Adapter is implemented once per backend type. Execute never returns a Go
// error: every failure mode travels inside the ExecutionResult so the
// dispatcher's fallback loop can act on it uniformly.
type Adapter interface {
	// Type returns the backend identifier.
	Type() Type

	// Execute runs one request to completion under its timeout.
	Execute(ctx context.Context, req ExecutionRequest) ExecutionResult

	// IsAvailable is a cheap liveness probe (executable on PATH).
	IsAvailable() bool

	// EstimateCost predicts the quota cost of a request before running it.
	EstimateCost(req ExecutionRequest) float64
}

// Registry holds the fixed adapter set for one dispatcher instance. It is
// plain configuration assembled at startup; there is no process-wide
// registry, so independently configured dispatchers can coexist.
type Registry struct {
	order    []Type
	adapters map[Type]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Type]Adapter)}
}

// Register adds an adapter. Registering the same type twice is a
// configuration bug and returns an error.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("nil adapter")
	}
	if _, exists := r.adapters[a.Type()]; exists {
		return fmt.Errorf("adapter %s already registered", a.Type())
	}
	r.adapters[a.Type()] = a
	r.order = append(r.order, a.Type())
	return nil
}

// Get returns the adapter for a backend type.
func (r *Registry) Get(t Type) (Adapter, bool) {
	a, ok := r.adapters[t]
	return a, ok
}

// Types returns the registered backend types in registration order.
func (r *Registry) Types() []Type {
	out := make([]Type, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	return len(r.adapters)
}
