package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"rumiprotocol/crypto"
	"rumiprotocol/storage"
)

var (
	accountPrefix = []byte("transfer/acct/")

	// ErrInsufficientFunds rejects a pull that exceeds the payer's balance.
	ErrInsufficientFunds = errors.New("transfer: insufficient funds")
)

// BookBackend is a book-entry custody backend: every asset balance is an
// internal account row, pulls debit the payer and payouts credit the
// recipient. Deployments bridging to external custody replace this with a
// backend that talks to the custodian.
type BookBackend struct {
	mu sync.Mutex
	db storage.Database
}

// NewBookBackend wraps the provided key-value database.
func NewBookBackend(db storage.Database) *BookBackend {
	return &BookBackend{db: db}
}

// Pull debits the payer's internal account.
func (b *BookBackend) Pull(_ context.Context, asset string, from crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance, err := b.balance(asset, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, need %s", ErrInsufficientFunds, from.String(), balance, asset, amount)
	}
	return b.put(asset, from, balance.Sub(balance, amount))
}

// Payout credits the recipient's internal account. The returned backend id is
// deterministic per account so retries are idempotent at the ledger level.
func (b *BookBackend) Payout(_ context.Context, asset string, to crypto.Address, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance, err := b.balance(asset, to)
	if err != nil {
		return "", err
	}
	if err := b.put(asset, to, balance.Add(balance, amount)); err != nil {
		return "", err
	}
	return fmt.Sprintf("book/%s/%s", normaliseAsset(asset), to.String()), nil
}

// BalanceAt reports the internal account balance.
func (b *BookBackend) BalanceAt(_ context.Context, asset string, addr crypto.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance(asset, addr)
}

// Credit seeds an internal account. Genesis and test setup use it.
func (b *BookBackend) Credit(asset string, addr crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance, err := b.balance(asset, addr)
	if err != nil {
		return err
	}
	return b.put(asset, addr, balance.Add(balance, amount))
}

func (b *BookBackend) balance(asset string, addr crypto.Address) (*big.Int, error) {
	raw, err := b.db.Get(accountKey(asset, addr))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return big.NewInt(0), nil
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	balance, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("transfer: corrupt balance for %s/%s", asset, addr.String())
	}
	return balance, nil
}

func (b *BookBackend) put(asset string, addr crypto.Address, balance *big.Int) error {
	if err := b.db.Put(accountKey(asset, addr), []byte(balance.String())); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func accountKey(asset string, addr crypto.Address) []byte {
	key := make([]byte, 0, len(accountPrefix)+len(asset)+1+20)
	key = append(key, accountPrefix...)
	key = append(key, normaliseAsset(asset)...)
	key = append(key, '/')
	key = append(key, addr.Bytes()...)
	return key
}

func normaliseAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
