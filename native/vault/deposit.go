package vault

import (
	"context"
	"fmt"
	"math/big"

	"rumiprotocol/crypto"
	"rumiprotocol/transfer"
)

// DepositDomain separates deposit address derivation between deployments.
const DepositDomain = "rumi/deposit/v1"

// DepositTracker converts balances observed at deterministic per-owner
// deposit addresses into one-time credits. It exists for assets whose
// transfer protocol can only be pushed by the user, never pulled by the
// ledger. Credit must run under the same guard acquisition as the operation
// consuming it so two concurrent consumers cannot read the same
// pre-watermark balance.
type DepositTracker struct {
	store   *Store
	backend transfer.Backend
	domain  string
}

// NewDepositTracker wires the tracker to the store and transfer backend.
func NewDepositTracker(store *Store, backend transfer.Backend) *DepositTracker {
	return &DepositTracker{store: store, backend: backend, domain: DepositDomain}
}

// DepositAddress derives the deterministic deposit address for the (asset,
// owner) pair.
func (t *DepositTracker) DepositAddress(asset string, owner crypto.Address) crypto.Address {
	return crypto.DeriveDepositAddress(t.domain, asset, owner)
}

// Credit reads the absolute balance at the owner's deposit address and
// returns the amount newly observed since the last call, advancing the
// watermark. Re-querying with no intervening transfer yields zero, so the
// call is idempotent under retries, and a top-up made between calls is
// absorbed into the next credit.
func (t *DepositTracker) Credit(ctx context.Context, asset string, owner crypto.Address) (*big.Int, error) {
	if t == nil || t.store == nil || t.backend == nil {
		return nil, ErrGeneric
	}
	addr := t.DepositAddress(asset, owner)
	observed, err := t.backend.BalanceAt(ctx, asset, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: balance query: %v", ErrTransferFailed, err)
	}
	if observed == nil || observed.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid observed balance", ErrTransferFailed)
	}
	mark, err := t.store.Watermark(asset, owner)
	if err != nil {
		return nil, err
	}
	credit := new(big.Int).Sub(observed, mark)
	if credit.Sign() < 0 {
		// The backend moved funds out from under the watermark (custody
		// sweep). Resync without issuing negative credit.
		credit = big.NewInt(0)
	}
	if err := t.store.PutWatermark(asset, owner, observed); err != nil {
		return nil, err
	}
	return credit, nil
}
