// Package dispatch orchestrates the full pipeline: classify a task, route
// it, execute it with ranked fallbacks, and record every attempt.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/zen-systems/taskmux/pkg/backend"
	"github.com/zen-systems/taskmux/pkg/classify"
	"github.com/zen-systems/taskmux/pkg/quota"
	"github.com/zen-systems/taskmux/pkg/route"
)

// DefaultTimeout applies to tasks that do not specify one.
const DefaultTimeout = 5 * time.Minute

// Task is one unit of work submitted by a caller.
type Task struct {
	Description  string
	Hints        *classify.Hints
	WorkingDir   string
	Timeout      time.Duration
	ContextFiles []string
	OutputFormat backend.OutputFormat
}

// Dispatcher owns one registry, one router, and one quota manager. There are
// no package-level singletons: independently configured dispatchers can run
// side by side in one process.
type Dispatcher struct {
	registry *backend.Registry
	router   *route.Router
	quota    *quota.Manager
	sink     LedgerSink
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLedgerSink attaches durable ledger persistence.
func WithLedgerSink(sink LedgerSink) Option {
	return func(d *Dispatcher) {
		d.sink = sink
	}
}

// New builds a dispatcher. An empty registry is a configuration bug and
// fails hard; everything at runtime degrades instead of erroring.
func New(registry *backend.Registry, router *route.Router, qm *quota.Manager, opts ...Option) (*Dispatcher, error) {
	if registry == nil || registry.Len() == 0 {
		return nil, fmt.Errorf("no backends registered")
	}
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if qm == nil {
		return nil, fmt.Errorf("quota manager is required")
	}
	d := &Dispatcher{
		registry: registry,
		router:   router,
		quota:    qm,
		sink:     discardSink{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch runs one task end to end: classify, route, then walk the plan's
// candidates in order, reserving quota immediately before each execution.
// The first success wins; every attempt and skip is recorded. Dispatch of
// independent tasks is safe to run concurrently - the only shared mutable
// state is the quota manager's per-credential reservation.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) (backend.ExecutionResult, *LedgerEntry) {
	c := classify.Classify(task.Description, task.Hints)
	plan := d.router.Route(c, d.quota)

	entry := &LedgerEntry{
		ID:             uuid.NewString(),
		Task:           task.Description,
		Classification: c,
		Plan:           plan,
		CreatedAt:      time.Now().UTC(),
	}

	var last backend.ExecutionResult
	attempted := false

	for _, bt := range plan.Candidates() {
		adapter, ok := d.registry.Get(bt)
		if !ok {
			// Router and registry disagree only on misconfiguration.
			log.Printf("[dispatch] no adapter registered for %s, skipping", bt)
			continue
		}

		req := d.buildRequest(task)
		res, reserved := d.quota.TryReserve(string(bt), adapter.EstimateCost(req))
		if !reserved {
			if c.SecurityCritical {
				// Policy boundary: the security backend or nothing.
				last = policyForcedFailure(bt)
				entry.Attempts = append(entry.Attempts, last)
				entry.Outcome = OutcomePolicyForcedExhausted
				attempted = true
				break
			}
			skip := skippedResult(bt, "quota exhausted at reservation time")
			entry.Attempts = append(entry.Attempts, skip)
			last = skip
			continue
		}

		if !adapter.IsAvailable() {
			// Abandoned before execution: hand the reservation back.
			res.Release()
			skip := skippedResult(bt, "executable not available")
			skip.State = backend.StateSpawnFailed
			entry.Attempts = append(entry.Attempts, skip)
			last = skip
			continue
		}

		result := adapter.Execute(ctx, req)
		res.Commit(result.EstimatedCost)
		entry.Attempts = append(entry.Attempts, result)
		last = result
		attempted = true

		if result.Success {
			entry.Outcome = OutcomeSuccess
			break
		}
		if result.State == backend.StateCancelled {
			// Caller gave up; fallbacks would just burn quota.
			entry.Outcome = OutcomeCancelled
			break
		}
		log.Printf("[dispatch] %s failed (%s), advancing to next candidate", bt, result.State)
	}

	if entry.Outcome == "" {
		entry.Outcome = OutcomeFailed
		if !attempted {
			last = skippedResult(plan.Primary, "quota exhausted on every candidate")
			if len(entry.Attempts) == 0 {
				entry.Attempts = append(entry.Attempts, last)
			}
		}
	}

	if err := d.sink.Append(*entry); err != nil {
		log.Printf("[dispatch] ledger append failed: %v", err)
	}
	return last, entry
}

func (d *Dispatcher) buildRequest(task Task) backend.ExecutionRequest {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	format := task.OutputFormat
	if format == "" {
		format = backend.FormatText
	}
	return backend.ExecutionRequest{
		Prompt:       task.Description,
		WorkingDir:   task.WorkingDir,
		Timeout:      timeout,
		ContextFiles: task.ContextFiles,
		OutputFormat: format,
	}
}

// policyForcedFailure is the one failure that never reaches execution by
// design: the security backend is exhausted and substitution is forbidden.
func policyForcedFailure(bt backend.Type) backend.ExecutionResult {
	return backend.ExecutionResult{
		Success:   false,
		Backend:   bt,
		State:     backend.StatePending,
		Error:     "policy forced: security backend quota exhausted and no fallback is permitted",
		Timestamp: time.Now().UTC(),
	}
}

// skippedResult records a candidate that was never executed, so the ledger
// still explains every backend the plan named.
func skippedResult(bt backend.Type, reason string) backend.ExecutionResult {
	return backend.ExecutionResult{
		Success:   false,
		Backend:   bt,
		State:     backend.StatePending,
		Error:     reason,
		Timestamp: time.Now().UTC(),
	}
}
