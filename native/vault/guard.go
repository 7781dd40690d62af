package vault

import (
	"sync"
	"time"

	"rumiprotocol/crypto"
)

// Guard serializes mutating operations per principal. It is the sole defence
// against two interleaved mutations from the same owner both passing a
// now-stale ratio check: the second call is rejected while the first is in
// flight, and a call abandoned past the staleness threshold is recovered
// automatically. The mutex covers the read-check-write on the guard table so
// concurrent callers racing into Begin cannot both observe an idle principal.
type Guard struct {
	mu    sync.Mutex
	store *Store
	stale time.Duration
	clock func() time.Time
}

// NewGuard constructs a guard with the given staleness threshold. The
// threshold is an explicit tunable, not a constant inferred from callers.
func NewGuard(store *Store, stale time.Duration) *Guard {
	if stale <= 0 {
		stale = 90 * time.Second
	}
	return &Guard{store: store, stale: stale, clock: time.Now}
}

// SetClock overrides the time source for deterministic testing.
func (g *Guard) SetClock(clock func() time.Time) {
	if g == nil || clock == nil {
		return
	}
	g.clock = clock
}

// Begin acquires the guard for the principal. A fresh Processing entry
// rejects with ErrAlreadyProcessing; an entry past the staleness threshold is
// taken over so a caller that never completed (for example a dropped network
// step) cannot wedge the principal forever. An entry parked in Stale by a
// sweep rejects with ErrTemporarilyUnavailable until the cleanup clears it.
func (g *Guard) Begin(owner crypto.Address) error {
	if g == nil || g.store == nil {
		return ErrGeneric
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock().UTC()
	entry, err := g.store.GetGuard(owner)
	if err != nil {
		return err
	}
	if entry != nil {
		switch entry.State {
		case GuardProcessing:
			if now.Sub(entry.StartedAt) < g.stale {
				return ErrAlreadyProcessing
			}
			// Stale takeover: the previous operation is considered dead.
		case GuardStale:
			return ErrTemporarilyUnavailable
		}
	}
	return g.store.PutGuard(&GuardEntry{Owner: owner, State: GuardProcessing, StartedAt: now})
}

// Finish releases the guard unconditionally. It runs on success and failure
// alike so a failed operation never leaves a permanent lock.
func (g *Guard) Finish(owner crypto.Address) {
	if g == nil || g.store == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = g.store.ClearGuard(owner)
}

// Sweep marks Processing entries past the staleness threshold as Stale and
// clears entries already parked in Stale. It exists for operational cleanup;
// Begin performs its own takeover and does not depend on it.
func (g *Guard) Sweep(owners []crypto.Address) error {
	if g == nil || g.store == nil {
		return ErrGeneric
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock().UTC()
	for _, owner := range owners {
		entry, err := g.store.GetGuard(owner)
		if err != nil {
			return err
		}
		if entry == nil {
			continue
		}
		switch entry.State {
		case GuardProcessing:
			if now.Sub(entry.StartedAt) >= g.stale {
				entry.State = GuardStale
				if err := g.store.PutGuard(entry); err != nil {
					return err
				}
			}
		case GuardStale:
			if err := g.store.ClearGuard(owner); err != nil {
				return err
			}
		}
	}
	return nil
}
