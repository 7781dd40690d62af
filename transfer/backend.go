package transfer

import (
	"context"
	"errors"
	"math/big"

	"rumiprotocol/crypto"
)

// Backend abstracts the external asset transfer service. Pull moves funds
// from a principal into protocol custody and requires a prior allowance.
// BalanceAt reads the absolute balance at a protocol-controlled address and
// backs push-deposit crediting. Payout moves custodied funds out and returns
// a backend transfer identifier used for retry bookkeeping.
type Backend interface {
	Pull(ctx context.Context, asset string, from crypto.Address, amount *big.Int) error
	BalanceAt(ctx context.Context, asset string, addr crypto.Address) (*big.Int, error)
	Payout(ctx context.Context, asset string, to crypto.Address, amount *big.Int) (string, error)
}

// ErrBackendUnavailable signals a transport-level failure talking to the
// transfer backend. Callers map it onto their own transfer error kind.
var ErrBackendUnavailable = errors.New("transfer: backend unavailable")
