// Package quota tracks per-credential daily usage and hands out atomic
// reservations against it.
package quota

import (
	"sort"
	"sync"
	"time"
)

// DefaultResetPeriod is used for credentials that do not specify one.
const DefaultResetPeriod = 24 * time.Hour

// Credential is one quota-bearing account usable against a single backend.
// Lower Priority values are preferred.
type Credential struct {
	ID          string        `json:"id"`
	Backend     string        `json:"backend"`
	Priority    int           `json:"priority"`
	DailyLimit  float64       `json:"daily_limit"`
	UsedToday   float64       `json:"used_today"`
	ResetAt     time.Time     `json:"reset_at"`
	ResetPeriod time.Duration `json:"reset_period"`
}

// Remaining returns the unconsumed portion of the daily limit.
func (c Credential) Remaining() float64 {
	r := c.DailyLimit - c.UsedToday
	if r < 0 {
		return 0
	}
	return r
}

// credentialState is a credential plus its lock. The lock is the only
// synchronization in the reservation path: check and reserve happen as a
// single critical section, so no caller can observe spare quota and then
// lose it to a racing reservation.
type credentialState struct {
	mu   sync.Mutex
	cred Credential
}

// lazyReset zeroes usage for every reset boundary that has passed. ResetAt
// advances by whole periods rather than being rebased on now, so bursty
// access cannot drift the schedule. Caller holds the lock.
func (s *credentialState) lazyReset(now time.Time) bool {
	period := s.cred.ResetPeriod
	if period <= 0 {
		period = DefaultResetPeriod
	}
	reset := false
	for !s.cred.ResetAt.IsZero() && !now.Before(s.cred.ResetAt) {
		s.cred.UsedToday = 0
		s.cred.ResetAt = s.cred.ResetAt.Add(period)
		reset = true
	}
	return reset
}

// Reservation is a provisional debit against one credential. Exactly one of
// Commit or Release settles it; further calls are no-ops.
type Reservation struct {
	pool      *Pool
	state     *credentialState
	estimated float64

	mu      sync.Mutex
	settled bool
}

// CredentialID identifies the reserved credential.
func (r *Reservation) CredentialID() string {
	return r.state.cred.ID
}

// Commit replaces the estimated debit with the actual cost and schedules a
// usage persist. Safe to call once; later calls are ignored.
func (r *Reservation) Commit(actualCost float64) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return
	}
	r.settled = true
	r.mu.Unlock()

	if actualCost < 0 {
		actualCost = 0
	}

	r.state.mu.Lock()
	r.state.cred.UsedToday += actualCost - r.estimated
	if r.state.cred.UsedToday < 0 {
		r.state.cred.UsedToday = 0
	}
	snapshot := r.state.cred
	r.state.mu.Unlock()

	r.pool.persist(snapshot)
}

// Release undoes a reservation that never executed. Idempotent.
func (r *Reservation) Release() {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return
	}
	r.settled = true
	r.mu.Unlock()

	r.state.mu.Lock()
	r.state.cred.UsedToday -= r.estimated
	if r.state.cred.UsedToday < 0 {
		r.state.cred.UsedToday = 0
	}
	r.state.mu.Unlock()
}

// Pool owns the credential set for one backend. No other component mutates
// usage counters.
type Pool struct {
	backend string
	creds   []*credentialState
	now     func() time.Time
	persist func(Credential)
}

// NewPool creates a pool over the given credentials. Credentials belonging
// to other backends are ignored.
func NewPool(backend string, creds []Credential) *Pool {
	p := &Pool{
		backend: backend,
		now:     time.Now,
		persist: func(Credential) {},
	}
	for _, c := range creds {
		if c.Backend != "" && c.Backend != backend {
			continue
		}
		c.Backend = backend
		if c.ResetPeriod <= 0 {
			c.ResetPeriod = DefaultResetPeriod
		}
		if c.ResetAt.IsZero() {
			c.ResetAt = p.now().Add(c.ResetPeriod)
		}
		p.creds = append(p.creds, &credentialState{cred: c})
	}
	return p
}

// Backend returns the backend this pool serves.
func (p *Pool) Backend() string {
	return p.backend
}

// TryReserve atomically picks the best available credential and reserves the
// estimated cost against it. Returns false when every credential is
// exhausted; that is an expected outcome, not an error. The reserved amount
// is clamped to the credential's remaining quota so UsedToday never exceeds
// DailyLimit.
func (p *Pool) TryReserve(estimatedCost float64) (*Reservation, bool) {
	if estimatedCost < 0 {
		estimatedCost = 0
	}
	now := p.now()

	for _, state := range p.order(now) {
		state.mu.Lock()
		reset := state.lazyReset(now)
		if state.cred.UsedToday >= state.cred.DailyLimit {
			snapshot := state.cred
			state.mu.Unlock()
			if reset {
				p.persist(snapshot)
			}
			continue
		}
		amount := estimatedCost
		if remaining := state.cred.DailyLimit - state.cred.UsedToday; amount > remaining {
			amount = remaining
		}
		state.cred.UsedToday += amount
		state.mu.Unlock()
		return &Reservation{pool: p, state: state, estimated: amount}, true
	}
	return nil, false
}

// HasAvailable reports whether any credential still has quota. This is a
// read-only advisory check; the authoritative decision is TryReserve. A
// reset observed here is persisted so it survives a restart.
func (p *Pool) HasAvailable() bool {
	now := p.now()
	for _, state := range p.creds {
		state.mu.Lock()
		reset := state.lazyReset(now)
		ok := state.cred.UsedToday < state.cred.DailyLimit
		snapshot := state.cred
		state.mu.Unlock()
		if reset {
			p.persist(snapshot)
		}
		if ok {
			return true
		}
	}
	return false
}

// Credentials returns a point-in-time copy of the credential set. Resets
// observed here are persisted like everywhere else.
func (p *Pool) Credentials() []Credential {
	now := p.now()
	out := make([]Credential, 0, len(p.creds))
	for _, state := range p.creds {
		state.mu.Lock()
		reset := state.lazyReset(now)
		snapshot := state.cred
		state.mu.Unlock()
		out = append(out, snapshot)
		if reset {
			p.persist(snapshot)
		}
	}
	return out
}

// order returns credentials sorted ascending by priority, ties broken by
// most remaining quota so load spreads toward the least-used key.
func (p *Pool) order(now time.Time) []*credentialState {
	type ranked struct {
		state     *credentialState
		priority  int
		remaining float64
	}
	rankings := make([]ranked, 0, len(p.creds))
	for _, state := range p.creds {
		state.mu.Lock()
		reset := state.lazyReset(now)
		snapshot := state.cred
		rankings = append(rankings, ranked{
			state:     state,
			priority:  state.cred.Priority,
			remaining: state.cred.Remaining(),
		})
		state.mu.Unlock()
		if reset {
			p.persist(snapshot)
		}
	}
	sort.SliceStable(rankings, func(i, j int) bool {
		if rankings[i].priority != rankings[j].priority {
			return rankings[i].priority < rankings[j].priority
		}
		return rankings[i].remaining > rankings[j].remaining
	})
	out := make([]*credentialState, len(rankings))
	for i, r := range rankings {
		out[i] = r.state
	}
	return out
}
