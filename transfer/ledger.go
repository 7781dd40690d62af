package transfer

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"

	"rumiprotocol/crypto"
	"rumiprotocol/storage"
)

// Status tracks the lifecycle of an outbound transfer.
type Status string

const (
	// StatusPending marks a transfer handed to the backend and awaiting
	// confirmation.
	StatusPending Status = "pending"
	// StatusConfirmed marks a transfer acknowledged by the backend.
	StatusConfirmed Status = "confirmed"
	// StatusFlagged marks a transfer that exhausted its retry budget and
	// requires manual remediation.
	StatusFlagged Status = "flagged"
)

// Outbound describes a single outbound transfer owed to a recipient.
type Outbound struct {
	ID        string
	Asset     string
	To        crypto.Address
	Amount    *big.Int
	BackendID string
	Status    Status
	Attempts  uint32
	CreatedAt time.Time
	UpdatedAt time.Time
	LastError string
}

// Copy returns a deep copy for defensive use by callers.
func (o *Outbound) Copy() *Outbound {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Amount != nil {
		clone.Amount = new(big.Int).Set(o.Amount)
	}
	return &clone
}

type storedOutbound struct {
	ID        string
	Asset     string
	To        []byte
	ToPrefix  string
	Amount    string
	BackendID string
	Status    string
	Attempts  uint32
	CreatedAt uint64
	UpdatedAt uint64
	LastError string
}

var outboundPrefix = []byte("transfer/out/")

// Ledger persists outbound transfer bookkeeping. The backend transfer itself
// is never cancelled; this ledger only tracks the surrounding state so the
// health monitor can retry or flag it.
type Ledger struct {
	db    storage.Database
	clock func() time.Time
}

// NewLedger constructs an outbound transfer ledger over the provided store.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db, clock: time.Now}
}

// SetClock overrides the time source for deterministic testing.
func (l *Ledger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// Record registers a new outbound transfer in pending state and returns it.
func (l *Ledger) Record(asset string, to crypto.Address, amount *big.Int, backendID string) (*Outbound, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("transfer ledger not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("transfer ledger: amount must be positive")
	}
	now := l.clock().UTC()
	out := &Outbound{
		ID:        uuid.NewString(),
		Asset:     strings.TrimSpace(asset),
		To:        to,
		Amount:    new(big.Int).Set(amount),
		BackendID: strings.TrimSpace(backendID),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if out.Asset == "" {
		return nil, fmt.Errorf("transfer ledger: asset required")
	}
	if err := l.put(out); err != nil {
		return nil, err
	}
	return out.Copy(), nil
}

// Get loads a transfer by id; nil is returned when it does not exist.
func (l *Ledger) Get(id string) (*Outbound, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("transfer ledger not initialised")
	}
	raw, err := l.db.Get(outboundKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeOutbound(raw)
}

// MarkConfirmed finalises a pending transfer.
func (l *Ledger) MarkConfirmed(id string) error {
	return l.update(id, func(out *Outbound) {
		out.Status = StatusConfirmed
		out.LastError = ""
	})
}

// MarkRetry records another delivery attempt and the latest backend id.
func (l *Ledger) MarkRetry(id, backendID, lastErr string) error {
	return l.update(id, func(out *Outbound) {
		out.Attempts++
		if strings.TrimSpace(backendID) != "" {
			out.BackendID = strings.TrimSpace(backendID)
		}
		out.LastError = strings.TrimSpace(lastErr)
	})
}

// MarkFlagged parks a transfer for manual remediation.
func (l *Ledger) MarkFlagged(id, reason string) error {
	return l.update(id, func(out *Outbound) {
		out.Status = StatusFlagged
		out.LastError = strings.TrimSpace(reason)
	})
}

// Pending returns every transfer still awaiting confirmation, ordered by key.
func (l *Ledger) Pending() ([]*Outbound, error) {
	return l.list(func(out *Outbound) bool { return out.Status == StatusPending })
}

// Flagged returns transfers waiting on manual remediation.
func (l *Ledger) Flagged() ([]*Outbound, error) {
	return l.list(func(out *Outbound) bool { return out.Status == StatusFlagged })
}

func (l *Ledger) list(keep func(*Outbound) bool) ([]*Outbound, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("transfer ledger not initialised")
	}
	var outs []*Outbound
	var decodeErr error
	err := l.db.Iterate(outboundPrefix, func(key, value []byte) bool {
		out, err := decodeOutbound(value)
		if err != nil {
			decodeErr = err
			return false
		}
		if keep(out) {
			outs = append(outs, out)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return outs, nil
}

func (l *Ledger) update(id string, mutate func(*Outbound)) error {
	out, err := l.Get(id)
	if err != nil {
		return err
	}
	if out == nil {
		return fmt.Errorf("transfer ledger: unknown transfer %s", id)
	}
	mutate(out)
	out.UpdatedAt = l.clock().UTC()
	return l.put(out)
}

func (l *Ledger) put(out *Outbound) error {
	stored := storedOutbound{
		ID:        out.ID,
		Asset:     out.Asset,
		To:        append([]byte(nil), out.To.Bytes()...),
		ToPrefix:  string(out.To.Prefix()),
		Amount:    out.Amount.String(),
		BackendID: out.BackendID,
		Status:    string(out.Status),
		Attempts:  out.Attempts,
		CreatedAt: uint64(out.CreatedAt.Unix()),
		UpdatedAt: uint64(out.UpdatedAt.Unix()),
		LastError: out.LastError,
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return l.db.Put(outboundKey(out.ID), raw)
}

func decodeOutbound(raw []byte) (*Outbound, error) {
	var stored storedOutbound
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(stored.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("transfer ledger: corrupt amount %q", stored.Amount)
	}
	return &Outbound{
		ID:        stored.ID,
		Asset:     stored.Asset,
		To:        crypto.NewAddress(crypto.AddressPrefix(stored.ToPrefix), stored.To),
		Amount:    amount,
		BackendID: stored.BackendID,
		Status:    Status(stored.Status),
		Attempts:  stored.Attempts,
		CreatedAt: time.Unix(int64(stored.CreatedAt), 0).UTC(),
		UpdatedAt: time.Unix(int64(stored.UpdatedAt), 0).UTC(),
		LastError: stored.LastError,
	}, nil
}

func outboundKey(id string) []byte {
	return append(append([]byte(nil), outboundPrefix...), []byte(strings.TrimSpace(id))...)
}
