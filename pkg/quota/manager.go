package quota

import (
	"log"
	"sort"
	"time"
)

// UsageStore is the persistence boundary for credential usage. The manager
// treats it as write-behind: persistence latency never sits inside the
// reservation critical section.
type UsageStore interface {
	// ListCredentials returns persisted credentials for a backend.
	ListCredentials(backend string) ([]Credential, error)

	// PersistUsage durably records a credential's usage counters.
	PersistUsage(credentialID string, usedToday float64, resetAt time.Time) error
}

// Manager owns one pool per backend. It is the only component that mutates
// credential usage; everything else goes through reservations.
type Manager struct {
	pools   map[string]*Pool
	store   UsageStore
	now     func() time.Time
	writes  chan Credential
	done    chan struct{}
	stopped chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore attaches a usage store. Persisted usage counters override the
// seed values for credentials with matching IDs, and every commit schedules
// an asynchronous persist.
func WithStore(store UsageStore) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager builds pools from the seed credentials, grouped by backend.
func NewManager(credentials []Credential, opts ...ManagerOption) *Manager {
	m := &Manager{
		pools:   make(map[string]*Pool),
		now:     time.Now,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.store != nil {
		credentials = m.mergePersisted(credentials)
	}

	byBackend := make(map[string][]Credential)
	for _, c := range credentials {
		byBackend[c.Backend] = append(byBackend[c.Backend], c)
	}
	for backend, creds := range byBackend {
		pool := NewPool(backend, creds)
		pool.now = m.now
		pool.persist = m.enqueue
		m.pools[backend] = pool
	}

	m.writes = make(chan Credential, 128)
	go m.writeLoop()

	return m
}

// mergePersisted overlays stored usage counters onto the seed credentials.
func (m *Manager) mergePersisted(seeds []Credential) []Credential {
	merged := make([]Credential, len(seeds))
	copy(merged, seeds)

	byBackend := make(map[string]map[string]Credential)
	for i := range merged {
		backend := merged[i].Backend
		if byBackend[backend] == nil {
			stored, err := m.store.ListCredentials(backend)
			if err != nil {
				log.Printf("[quota] list credentials for %s: %v", backend, err)
				byBackend[backend] = map[string]Credential{}
				continue
			}
			idx := make(map[string]Credential, len(stored))
			for _, s := range stored {
				idx[s.ID] = s
			}
			byBackend[backend] = idx
		}
		if stored, ok := byBackend[backend][merged[i].ID]; ok {
			merged[i].UsedToday = stored.UsedToday
			if !stored.ResetAt.IsZero() {
				merged[i].ResetAt = stored.ResetAt
			}
		}
	}
	return merged
}

// TryReserve reserves the estimated cost against the best available
// credential of the backend. The false return means every credential is
// exhausted; callers treat that as an expected branch.
func (m *Manager) TryReserve(backend string, estimatedCost float64) (*Reservation, bool) {
	pool, ok := m.pools[backend]
	if !ok {
		return nil, false
	}
	return pool.TryReserve(estimatedCost)
}

// HasAvailable is the router's read-only feasibility check.
func (m *Manager) HasAvailable(backend string) bool {
	pool, ok := m.pools[backend]
	if !ok {
		return false
	}
	return pool.HasAvailable()
}

// BackendStatus summarizes one backend's quota position.
type BackendStatus struct {
	Backend     string  `json:"backend"`
	Available   bool    `json:"available"`
	Remaining   float64 `json:"remaining"`
	Credentials int     `json:"credentials"`
}

// Snapshot returns the advisory quota view the router consumes. The true
// safety guarantee comes from TryReserve, not from this snapshot.
func (m *Manager) Snapshot() map[string]BackendStatus {
	out := make(map[string]BackendStatus, len(m.pools))
	for backend, pool := range m.pools {
		status := BackendStatus{Backend: backend}
		for _, c := range pool.Credentials() {
			status.Credentials++
			status.Remaining += c.Remaining()
			if c.UsedToday < c.DailyLimit {
				status.Available = true
			}
		}
		out[backend] = status
	}
	return out
}

// Credentials returns every credential across all pools, ordered by backend
// then priority, for status listings.
func (m *Manager) Credentials() []Credential {
	var out []Credential
	for _, pool := range m.pools {
		out = append(out, pool.Credentials()...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Backend != out[j].Backend {
			return out[i].Backend < out[j].Backend
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

// enqueue schedules a usage persist without blocking the caller. A full
// queue drops the write; the next commit on the same credential will carry
// the current counters anyway.
func (m *Manager) enqueue(c Credential) {
	if m.store == nil {
		return
	}
	select {
	case m.writes <- c:
	default:
		log.Printf("[quota] persist queue full, dropping write for %s", c.ID)
	}
}

func (m *Manager) writeLoop() {
	defer close(m.stopped)
	for {
		select {
		case c := <-m.writes:
			if m.store == nil {
				continue
			}
			if err := m.store.PersistUsage(c.ID, c.UsedToday, c.ResetAt); err != nil {
				log.Printf("[quota] persist usage for %s: %v", c.ID, err)
			}
		case <-m.done:
			// Drain whatever is queued before exiting.
			for {
				select {
				case c := <-m.writes:
					if m.store != nil {
						if err := m.store.PersistUsage(c.ID, c.UsedToday, c.ResetAt); err != nil {
							log.Printf("[quota] persist usage for %s: %v", c.ID, err)
						}
					}
				default:
					return
				}
			}
		}
	}
}

// Close flushes pending usage writes and stops the write-behind goroutine.
func (m *Manager) Close() {
	close(m.done)
	<-m.stopped
}
