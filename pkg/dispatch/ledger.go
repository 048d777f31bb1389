package dispatch

import (
	"time"

	"github.com/zen-systems/taskmux/pkg/backend"
	"github.com/zen-systems/taskmux/pkg/classify"
	"github.com/zen-systems/taskmux/pkg/route"
)

// Outcome is the final disposition of one dispatched task.
type Outcome string

const (
	// OutcomeSuccess means some candidate produced a usable result.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailed means every candidate was tried or skipped and none
	// succeeded.
	OutcomeFailed Outcome = "failed"

	// OutcomePolicyForcedExhausted means a security-critical task was
	// forced onto the designated backend, that backend's quota was
	// exhausted, and policy forbids any fallback.
	OutcomePolicyForcedExhausted Outcome = "policy_forced_exhausted"

	// OutcomeCancelled means the caller cancelled mid-dispatch.
	OutcomeCancelled Outcome = "cancelled"
)

// LedgerEntry is the append-only record of one complete dispatch: the
// classification, the plan, and every attempt in order. Entries are never
// mutated after Append.
type LedgerEntry struct {
	ID             string                    `json:"id"`
	Task           string                    `json:"task"`
	Classification classify.Classification   `json:"classification"`
	Plan           route.Plan                `json:"plan"`
	Attempts       []backend.ExecutionResult `json:"attempts"`
	Outcome        Outcome                   `json:"outcome"`
	CreatedAt      time.Time                 `json:"created_at"`
}

// LedgerSink receives completed entries. Implementations must tolerate
// concurrent appends from independent dispatches; each entry is
// self-contained, so no coordination is needed beyond the sink's own.
type LedgerSink interface {
	Append(entry LedgerEntry) error
}

// discardSink is the default sink when persistence is not configured.
type discardSink struct{}

func (discardSink) Append(LedgerEntry) error { return nil }
