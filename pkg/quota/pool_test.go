package quota

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryReserveConcurrent(t *testing.T) {
	const limit = 5
	const callers = 100

	pool := NewPool("fast-cli", []Credential{
		{ID: "key-1", DailyLimit: limit},
	})

	var wins, losses atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := pool.TryReserve(1); ok {
				wins.Add(1)
			} else {
				losses.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != limit {
		t.Fatalf("expected exactly %d reservations, got %d", limit, wins.Load())
	}
	if losses.Load() != callers-limit {
		t.Fatalf("expected %d refusals, got %d", callers-limit, losses.Load())
	}

	creds := pool.Credentials()
	if creds[0].UsedToday > creds[0].DailyLimit {
		t.Fatalf("usage %.1f exceeds limit %.1f", creds[0].UsedToday, creds[0].DailyLimit)
	}
}

func TestLazyResetDriftFree(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	now := start

	pool := NewPool("fast-cli", []Credential{
		{ID: "key-1", DailyLimit: 10, UsedToday: 10, ResetAt: start, ResetPeriod: time.Hour},
	})
	pool.now = func() time.Time { return now }

	// 3.5 hours past the first boundary crosses four boundaries; resetAt
	// must land on exactly start+4h, not now+1h.
	now = start.Add(3*time.Hour + 30*time.Minute)

	creds := pool.Credentials()
	if got, want := creds[0].ResetAt, start.Add(4*time.Hour); !got.Equal(want) {
		t.Fatalf("resetAt drifted: got %v want %v", got, want)
	}
	if creds[0].UsedToday != 0 {
		t.Fatalf("expected usage reset, got %.1f", creds[0].UsedToday)
	}

	if _, ok := pool.TryReserve(1); !ok {
		t.Fatalf("expected reservation after reset")
	}
}

func TestResetIdempotentAcrossCalls(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(time.Minute)

	pool := NewPool("fast-cli", []Credential{
		{ID: "key-1", DailyLimit: 10, UsedToday: 10, ResetAt: start, ResetPeriod: time.Hour},
	})
	pool.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		pool.HasAvailable()
	}
	creds := pool.Credentials()
	if got, want := creds[0].ResetAt, start.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("repeated checks moved resetAt: got %v want %v", got, want)
	}
}

func TestReadPathsPersistLazyReset(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(time.Minute)

	pool := NewPool("fast-cli", []Credential{
		{ID: "key-1", DailyLimit: 10, UsedToday: 10, ResetAt: start, ResetPeriod: time.Hour},
	})
	pool.now = func() time.Time { return now }

	var persisted []Credential
	pool.persist = func(c Credential) { persisted = append(persisted, c) }

	// A reset observed by a status read must reach the store.
	pool.Credentials()
	if len(persisted) != 1 {
		t.Fatalf("expected 1 persisted snapshot, got %d", len(persisted))
	}
	if persisted[0].UsedToday != 0 || !persisted[0].ResetAt.Equal(start.Add(time.Hour)) {
		t.Fatalf("persisted snapshot predates the reset: %+v", persisted[0])
	}

	// Later reads without a boundary crossing persist nothing.
	persisted = nil
	pool.HasAvailable()
	pool.Credentials()
	if len(persisted) != 0 {
		t.Fatalf("reads without a reset must not persist, got %d writes", len(persisted))
	}
}

func TestSelectionOrder(t *testing.T) {
	pool := NewPool("code-cli", []Credential{
		{ID: "backup", Priority: 2, DailyLimit: 100},
		{ID: "primary-a", Priority: 1, DailyLimit: 100, UsedToday: 60},
		{ID: "primary-b", Priority: 1, DailyLimit: 100, UsedToday: 20},
	})

	// Equal priority: the credential with more remaining quota wins.
	res, ok := pool.TryReserve(1)
	if !ok {
		t.Fatalf("expected reservation")
	}
	if res.CredentialID() != "primary-b" {
		t.Fatalf("expected primary-b, got %s", res.CredentialID())
	}

	// Exhaust priority 1; the backup key takes over.
	for {
		r, ok := pool.TryReserve(30)
		if !ok {
			t.Fatalf("expected backup capacity")
		}
		if r.CredentialID() == "backup" {
			break
		}
	}
}

func TestCommitAdjustsToActualCost(t *testing.T) {
	pool := NewPool("fast-cli", []Credential{
		{ID: "key-1", DailyLimit: 100},
	})

	res, ok := pool.TryReserve(10)
	if !ok {
		t.Fatalf("expected reservation")
	}
	res.Commit(4)

	creds := pool.Credentials()
	if creds[0].UsedToday != 4 {
		t.Fatalf("expected usage 4 after commit, got %.1f", creds[0].UsedToday)
	}

	// A settled reservation ignores further calls.
	res.Release()
	res.Commit(50)
	creds = pool.Credentials()
	if creds[0].UsedToday != 4 {
		t.Fatalf("settled reservation mutated usage: %.1f", creds[0].UsedToday)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	pool := NewPool("fast-cli", []Credential{
		{ID: "key-1", DailyLimit: 10},
	})

	res, ok := pool.TryReserve(6)
	if !ok {
		t.Fatalf("expected reservation")
	}
	res.Release()
	res.Release()

	creds := pool.Credentials()
	if creds[0].UsedToday != 0 {
		t.Fatalf("expected zero usage after release, got %.1f", creds[0].UsedToday)
	}
}

func TestExhaustedPoolReturnsAbsence(t *testing.T) {
	pool := NewPool("fast-cli", []Credential{
		{ID: "key-1", DailyLimit: 1, UsedToday: 1},
	})
	if _, ok := pool.TryReserve(1); ok {
		t.Fatalf("expected no reservation from exhausted pool")
	}
	if pool.HasAvailable() {
		t.Fatalf("expected pool unavailable")
	}
}
