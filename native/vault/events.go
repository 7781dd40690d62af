package vault

import (
	"math/big"
	"time"
)

// EventKind is the closed set of per-vault history entries. Both the single
// append site (Store.AppendEvent) and the history rendering site switch over
// this set exhaustively.
type EventKind string

const (
	EventOpened              EventKind = "vault.opened"
	EventCollateralAdded     EventKind = "vault.collateral_added"
	EventBorrowed            EventKind = "vault.borrowed"
	EventRepaid              EventKind = "vault.repaid"
	EventWithdrawn           EventKind = "vault.withdrawn"
	EventClosed              EventKind = "vault.closed"
	EventLiquidated          EventKind = "vault.liquidated"
	EventPartiallyLiquidated EventKind = "vault.partially_liquidated"
	EventRedistributed       EventKind = "vault.redistributed"
	EventDustForgiven        EventKind = "vault.dust_forgiven"
	EventRedemptionTouched   EventKind = "vault.redemption_touched"
)

// Valid reports membership in the closed kind set.
func (k EventKind) Valid() bool {
	switch k {
	case EventOpened, EventCollateralAdded, EventBorrowed, EventRepaid,
		EventWithdrawn, EventClosed, EventLiquidated, EventPartiallyLiquidated,
		EventRedistributed, EventDustForgiven, EventRedemptionTouched:
		return true
	default:
		return false
	}
}

// Event is one immutable entry in a vault's ordered history. Deltas are
// signed: negative values record amounts leaving the vault. The event log is
// derived from the ledger and is never authoritative over it.
type Event struct {
	VaultID         uint64
	Sequence        uint64
	Kind            EventKind
	CollateralDelta *big.Int
	DebtDelta       *big.Int
	Timestamp       time.Time
}

// Copy returns a deep copy of the event.
func (e *Event) Copy() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.CollateralDelta != nil {
		clone.CollateralDelta = new(big.Int).Set(e.CollateralDelta)
	}
	if e.DebtDelta != nil {
		clone.DebtDelta = new(big.Int).Set(e.DebtDelta)
	}
	return &clone
}
