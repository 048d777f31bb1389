package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/zen-systems/taskmux/pkg/backend"
	"github.com/zen-systems/taskmux/pkg/classify"
	"github.com/zen-systems/taskmux/pkg/quota"
	"github.com/zen-systems/taskmux/pkg/route"
)

type memorySink struct {
	mu      sync.Mutex
	entries []LedgerEntry
}

func (s *memorySink) Append(e LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	fast       *backend.MockAdapter
	code       *backend.MockAdapter
	reasoning  *backend.MockAdapter
	sink       *memorySink
	quota      *quota.Manager
}

// newFixture wires three mock backends with the given per-backend daily
// limits and a bug-fix-prefers-code-cli routing table.
func newFixture(t *testing.T, limits map[string]float64) *fixture {
	t.Helper()

	f := &fixture{
		fast:      backend.NewMockAdapter(backend.FastCLI),
		code:      backend.NewMockAdapter(backend.CodeCLI),
		reasoning: backend.NewMockAdapter(backend.ReasoningCLI),
		sink:      &memorySink{},
	}

	reg := backend.NewRegistry()
	for _, a := range []backend.Adapter{f.fast, f.code, f.reasoning} {
		if err := reg.Register(a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	var creds []quota.Credential
	for b, limit := range limits {
		creds = append(creds, quota.Credential{ID: "key-" + b, Backend: b, DailyLimit: limit})
	}
	f.quota = quota.NewManager(creds)
	t.Cleanup(f.quota.Close)

	router, err := route.NewRouter(route.Preferences{
		Category: map[classify.Category][]backend.Type{
			classify.BugFix:        {backend.CodeCLI, backend.FastCLI},
			classify.Documentation: {backend.FastCLI, backend.CodeCLI},
		},
		Complexity: map[classify.Complexity][]backend.Type{
			classify.Simple:  {backend.FastCLI, backend.CodeCLI},
			classify.Complex: {backend.ReasoningCLI, backend.CodeCLI},
		},
		SecurityBackend: backend.ReasoningCLI,
		Default:         backend.FastCLI,
	}, reg.Types())
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	d, err := New(reg, router, f.quota, WithLedgerSink(f.sink))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	f.dispatcher = d
	return f
}

func fullQuota() map[string]float64 {
	return map[string]float64{"fast-cli": 100, "code-cli": 100, "reasoning-cli": 100}
}

func TestDispatchFallbackFirstSuccessWins(t *testing.T) {
	f := newFixture(t, fullQuota())
	f.code.Script(backend.Failed(backend.StateCompleted, "backend reported failure: exit 1"))

	result, entry := f.dispatcher.Dispatch(context.Background(), Task{
		Description: "fix bug in parser.ts null check",
	})

	if !result.Success {
		t.Fatalf("expected fallback success, got: %s", result.Error)
	}
	if result.Backend != backend.FastCLI {
		t.Fatalf("success attributed to %s, want fast-cli", result.Backend)
	}
	if len(entry.Attempts) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", len(entry.Attempts))
	}
	if entry.Attempts[0].Backend != backend.CodeCLI || entry.Attempts[1].Backend != backend.FastCLI {
		t.Fatalf("attempt order wrong: %s then %s", entry.Attempts[0].Backend, entry.Attempts[1].Backend)
	}
	if entry.Outcome != OutcomeSuccess {
		t.Fatalf("expected success outcome, got %s", entry.Outcome)
	}
	if len(f.sink.entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(f.sink.entries))
	}
}

func TestDispatchBugFixRoutesToPreferredBackend(t *testing.T) {
	f := newFixture(t, fullQuota())

	result, entry := f.dispatcher.Dispatch(context.Background(), Task{
		Description: "fix bug in parser.ts null check",
	})

	if entry.Classification.Category != classify.BugFix {
		t.Fatalf("expected bug-fix classification, got %s", entry.Classification.Category)
	}
	if entry.Classification.SecurityCritical {
		t.Fatalf("expected non-security classification")
	}
	if entry.Plan.Primary != backend.CodeCLI {
		t.Fatalf("expected code-cli primary, got %s", entry.Plan.Primary)
	}
	if !result.Success || result.Backend != backend.CodeCLI {
		t.Fatalf("expected primary success, got %s (%s)", result.Backend, result.Error)
	}
}

func TestDispatchSecurityForcedExhaustedNoFallback(t *testing.T) {
	limits := fullQuota()
	limits["reasoning-cli"] = 0 // exhausted security pool
	f := newFixture(t, limits)

	result, entry := f.dispatcher.Dispatch(context.Background(), Task{
		Description: "rotate JWT signing secret",
	})

	if !entry.Classification.SecurityCritical {
		t.Fatalf("expected security-critical classification")
	}
	if entry.Plan.Primary != backend.ReasoningCLI || len(entry.Plan.Fallbacks) != 0 {
		t.Fatalf("expected forced plan on reasoning-cli, got %+v", entry.Plan)
	}
	if result.Success {
		t.Fatalf("expected failure")
	}
	if entry.Outcome != OutcomePolicyForcedExhausted {
		t.Fatalf("expected policy_forced_exhausted, got %s", entry.Outcome)
	}
	if len(entry.Attempts) != 1 {
		t.Fatalf("expected a single recorded attempt, got %d", len(entry.Attempts))
	}
	if len(f.fast.Calls())+len(f.code.Calls())+len(f.reasoning.Calls()) != 0 {
		t.Fatalf("no adapter may execute when policy forces an exhausted backend")
	}
	if !strings.Contains(result.Error, "policy forced") {
		t.Fatalf("error must name the policy: %s", result.Error)
	}
}

func TestDispatchSkipsExhaustedCandidate(t *testing.T) {
	limits := fullQuota()
	limits["code-cli"] = 0
	f := newFixture(t, limits)

	result, entry := f.dispatcher.Dispatch(context.Background(), Task{
		Description: "fix bug in parser.ts null check",
	})

	if !result.Success || result.Backend != backend.FastCLI {
		t.Fatalf("expected fast-cli to take over, got %s (%s)", result.Backend, result.Error)
	}
	if len(f.code.Calls()) != 0 {
		t.Fatalf("exhausted backend must not be executed")
	}
	for _, bt := range entry.Plan.Candidates() {
		if bt == backend.CodeCLI {
			t.Fatalf("exhausted backend must not appear in the plan: %+v", entry.Plan)
		}
	}
}

func TestDispatchAllCandidatesFail(t *testing.T) {
	f := newFixture(t, fullQuota())
	fail := backend.Failed(backend.StateCompleted, "backend reported failure: exit 2")
	f.fast.Script(fail)
	f.code.Script(fail)
	f.reasoning.Script(fail)

	result, entry := f.dispatcher.Dispatch(context.Background(), Task{
		Description: "fix bug in parser.ts null check",
	})

	if result.Success {
		t.Fatalf("expected overall failure")
	}
	if entry.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", entry.Outcome)
	}
	if len(entry.Attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(entry.Attempts))
	}
}

func TestDispatchCancelledStopsFallbacks(t *testing.T) {
	f := newFixture(t, fullQuota())
	f.code.Script(backend.Failed(backend.StateCancelled, "cancelled by caller; process group killed"))

	_, entry := f.dispatcher.Dispatch(context.Background(), Task{
		Description: "fix bug in parser.ts null check",
	})

	if entry.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %s", entry.Outcome)
	}
	if len(entry.Attempts) != 1 {
		t.Fatalf("cancellation must not trigger fallbacks, got %d attempts", len(entry.Attempts))
	}
}

func TestDispatchCommitsActualCost(t *testing.T) {
	f := newFixture(t, fullQuota())
	f.code.Respond(func(req backend.ExecutionRequest) backend.ExecutionResult {
		res := backend.Succeeded("done")
		res.EstimatedCost = 7
		return res
	})

	f.dispatcher.Dispatch(context.Background(), Task{
		Description: "fix bug in parser.ts null check",
	})

	for _, c := range f.quota.Credentials() {
		if c.Backend == "code-cli" && c.UsedToday != 7 {
			t.Fatalf("expected committed cost 7, got %.1f", c.UsedToday)
		}
	}
}

func TestNewRequiresBackends(t *testing.T) {
	if _, err := New(backend.NewRegistry(), nil, nil); err == nil {
		t.Fatalf("expected error for empty registry")
	}
}

func TestDispatchConcurrentTasks(t *testing.T) {
	f := newFixture(t, fullQuota())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, _ := f.dispatcher.Dispatch(context.Background(), Task{
				Description: "write docs for the widget package",
			})
			if !result.Success {
				t.Errorf("concurrent dispatch failed: %s", result.Error)
			}
		}()
	}
	wg.Wait()

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.entries) != 20 {
		t.Fatalf("expected 20 ledger entries, got %d", len(f.sink.entries))
	}
}
