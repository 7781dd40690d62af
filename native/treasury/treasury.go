package treasury

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"

	"rumiprotocol/crypto"
	"rumiprotocol/oracle"
	"rumiprotocol/storage"
	"rumiprotocol/transfer"
)

var (
	// ErrNotController rejects privileged calls from anyone but the
	// configured controller principal.
	ErrNotController = errors.New("treasury: caller is not the controller")
	// ErrInsufficientBalance rejects withdrawals past the asset balance.
	ErrInsufficientBalance = errors.New("treasury: insufficient balance")
	// ErrMintCapExceeded rejects emergency mints above the per-call cap.
	ErrMintCapExceeded = errors.New("treasury: emergency mint cap exceeded")
	// ErrMintCooldown rejects emergency mints inside the cooldown window.
	ErrMintCooldown = errors.New("treasury: emergency mint cooling down")
	// ErrReasonRequired rejects audited actions without a stated reason.
	ErrReasonRequired = errors.New("treasury: reason required")
)

var (
	balancePrefix    = []byte("treasury/bal/")
	withdrawSeqKey   = []byte("treasury/wseq")
	withdrawPrefix   = []byte("treasury/wd/")
	mintSeqKey       = []byte("treasury/mseq")
	mintPrefix       = []byte("treasury/mint/")
	mintLastKey      = []byte("treasury/mintlast")
	errStoreNotReady = errors.New("treasury: not initialised")
)

// Withdrawal is one audited controller withdrawal.
type Withdrawal struct {
	Sequence uint64
	ID       string
	Asset    string
	To       crypto.Address
	Amount   *big.Int
	Memo     string
	At       time.Time
}

// MintRecord is one audited emergency mint.
type MintRecord struct {
	Sequence uint64
	ID       string
	To       crypto.Address
	Amount   *big.Int
	Reason   string
	At       time.Time
}

type storedWithdrawal struct {
	Sequence uint64
	ID       string
	Asset    string
	To       []byte
	ToPrefix string
	Amount   string
	Memo     string
	At       uint64
}

type storedMint struct {
	Sequence uint64
	ID       string
	To       []byte
	ToPrefix string
	Amount   string
	Reason   string
	At       uint64
}

// Treasury accumulates protocol fee revenue per asset and releases it only
// through controller-gated, audited paths. It also carries the bounded
// emergency mint used to make a recipient whole after a flagged transfer.
type Treasury struct {
	db           storage.Database
	backend      transfer.Backend
	outbound     *transfer.Ledger
	controller   crypto.Address
	stableSymbol string
	mintCap      *big.Int
	mintCooldown time.Duration
	logger       *slog.Logger
	clock        func() time.Time
}

// New constructs a treasury bound to its controller principal.
func New(db storage.Database, backend transfer.Backend, controller crypto.Address) *Treasury {
	return &Treasury{
		db:           db,
		backend:      backend,
		controller:   controller,
		stableSymbol: "RUSD",
		mintCap:      big.NewInt(0),
		mintCooldown: 24 * time.Hour,
		logger:       slog.Default(),
		clock:        time.Now,
	}
}

// SetOutbound attaches the outbound transfer ledger.
func (t *Treasury) SetOutbound(out *transfer.Ledger) {
	if t == nil {
		return
	}
	t.outbound = out
}

// SetStableSymbol overrides the stable token minted by EmergencyMint.
func (t *Treasury) SetStableSymbol(symbol string) {
	if t == nil || oracle.NormaliseSymbol(symbol) == "" {
		return
	}
	t.stableSymbol = oracle.NormaliseSymbol(symbol)
}

// SetMintPolicy configures the emergency mint bounds. A zero cap disables
// minting entirely.
func (t *Treasury) SetMintPolicy(cap *big.Int, cooldown time.Duration) {
	if t == nil {
		return
	}
	if cap != nil {
		t.mintCap = new(big.Int).Set(cap)
	}
	if cooldown > 0 {
		t.mintCooldown = cooldown
	}
}

// SetLogger overrides the structured logger.
func (t *Treasury) SetLogger(logger *slog.Logger) {
	if t == nil || logger == nil {
		return
	}
	t.logger = logger
}

// SetClock overrides the time source for deterministic testing.
func (t *Treasury) SetClock(clock func() time.Time) {
	if t == nil || clock == nil {
		return
	}
	t.clock = clock
}

// Credit adds fee revenue to the asset balance. It implements the vault
// ledger's fee sink.
func (t *Treasury) Credit(asset string, amount *big.Int) error {
	if t == nil || t.db == nil {
		return errStoreNotReady
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	symbol := oracle.NormaliseSymbol(asset)
	if symbol == "" {
		return fmt.Errorf("treasury: asset required")
	}
	balance, err := t.Balance(symbol)
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	return t.db.Put(balanceKey(symbol), []byte(balance.String()))
}

// Balance returns the held amount of an asset.
func (t *Treasury) Balance(asset string) (*big.Int, error) {
	if t == nil || t.db == nil {
		return nil, errStoreNotReady
	}
	raw, err := t.db.Get(balanceKey(oracle.NormaliseSymbol(asset)))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("treasury: corrupt balance for %s", asset)
	}
	return balance, nil
}

// Balances returns every asset with a non-zero balance.
func (t *Treasury) Balances() (map[string]*big.Int, error) {
	if t == nil || t.db == nil {
		return nil, errStoreNotReady
	}
	out := make(map[string]*big.Int)
	err := t.db.Iterate(balancePrefix, func(key, value []byte) bool {
		if balance, ok := new(big.Int).SetString(string(value), 10); ok && balance.Sign() > 0 {
			out[string(key[len(balancePrefix):])] = balance
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Withdraw releases held funds to a recipient. Controller only; the memo is
// mandatory and every withdrawal is recorded under a monotonic sequence.
func (t *Treasury) Withdraw(ctx context.Context, caller crypto.Address, asset string, to crypto.Address, amount *big.Int, memo string) (*Withdrawal, error) {
	if t == nil || t.db == nil {
		return nil, errStoreNotReady
	}
	if !caller.Equal(t.controller) {
		return nil, ErrNotController
	}
	if strings.TrimSpace(memo) == "" {
		return nil, fmt.Errorf("%w: withdrawal memo", ErrReasonRequired)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("treasury: amount must be positive")
	}
	symbol := oracle.NormaliseSymbol(asset)
	balance, err := t.Balance(symbol)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: %s holds %s", ErrInsufficientBalance, symbol, balance)
	}

	backendID, err := t.backend.Payout(ctx, symbol, to, amount)
	if err != nil {
		return nil, fmt.Errorf("treasury: payout failed: %w", err)
	}
	balance.Sub(balance, amount)
	if err := t.db.Put(balanceKey(symbol), []byte(balance.String())); err != nil {
		return nil, err
	}
	t.recordOutbound(symbol, to, amount, backendID)

	seq, err := t.nextSeq(withdrawSeqKey)
	if err != nil {
		return nil, err
	}
	wd := &Withdrawal{
		Sequence: seq,
		ID:       uuid.NewString(),
		Asset:    symbol,
		To:       to,
		Amount:   new(big.Int).Set(amount),
		Memo:     strings.TrimSpace(memo),
		At:       t.clock().UTC(),
	}
	stored := storedWithdrawal{
		Sequence: wd.Sequence,
		ID:       wd.ID,
		Asset:    wd.Asset,
		To:       append([]byte(nil), to.Bytes()...),
		ToPrefix: string(to.Prefix()),
		Amount:   wd.Amount.String(),
		Memo:     wd.Memo,
		At:       uint64(wd.At.Unix()),
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return nil, err
	}
	if err := t.db.Put(seqKey(withdrawPrefix, seq), raw); err != nil {
		return nil, err
	}
	t.logger.Info("treasury withdrawal", "seq", seq, "asset", symbol, "amount", amount.String(), "to", to.String(), "memo", wd.Memo)
	return wd, nil
}

// Withdrawals returns the audited withdrawal log in sequence order.
func (t *Treasury) Withdrawals() ([]*Withdrawal, error) {
	if t == nil || t.db == nil {
		return nil, errStoreNotReady
	}
	var out []*Withdrawal
	var decodeErr error
	err := t.db.Iterate(withdrawPrefix, func(key, value []byte) bool {
		var stored storedWithdrawal
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			decodeErr = err
			return false
		}
		amount, ok := new(big.Int).SetString(stored.Amount, 10)
		if !ok {
			decodeErr = fmt.Errorf("treasury: corrupt withdrawal %d", stored.Sequence)
			return false
		}
		out = append(out, &Withdrawal{
			Sequence: stored.Sequence,
			ID:       stored.ID,
			Asset:    stored.Asset,
			To:       crypto.NewAddress(crypto.AddressPrefix(stored.ToPrefix), stored.To),
			Amount:   amount,
			Memo:     stored.Memo,
			At:       time.Unix(int64(stored.At), 0).UTC(),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

// EmergencyMint issues new stable tokens to make a recipient whole, typically
// after a flagged transfer could not be re-driven. It is bounded by a
// per-call cap and a cooldown, requires a reason, and every mint is recorded.
func (t *Treasury) EmergencyMint(ctx context.Context, caller, to crypto.Address, amount *big.Int, reason string) (*MintRecord, error) {
	if t == nil || t.db == nil {
		return nil, errStoreNotReady
	}
	if !caller.Equal(t.controller) {
		return nil, ErrNotController
	}
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("treasury: amount must be positive")
	}
	if t.mintCap == nil || t.mintCap.Sign() == 0 || amount.Cmp(t.mintCap) > 0 {
		return nil, fmt.Errorf("%w: cap %s", ErrMintCapExceeded, t.mintCap)
	}
	now := t.clock().UTC()
	if last, err := t.lastMint(); err != nil {
		return nil, err
	} else if !last.IsZero() && now.Sub(last) < t.mintCooldown {
		return nil, fmt.Errorf("%w: next mint at %s", ErrMintCooldown, last.Add(t.mintCooldown).Format(time.RFC3339))
	}

	backendID, err := t.backend.Payout(ctx, t.stableSymbol, to, amount)
	if err != nil {
		return nil, fmt.Errorf("treasury: mint payout failed: %w", err)
	}
	t.recordOutbound(t.stableSymbol, to, amount, backendID)
	if err := t.db.Put(mintLastKey, []byte(fmt.Sprintf("%d", now.Unix()))); err != nil {
		return nil, err
	}

	seq, err := t.nextSeq(mintSeqKey)
	if err != nil {
		return nil, err
	}
	rec := &MintRecord{
		Sequence: seq,
		ID:       uuid.NewString(),
		To:       to,
		Amount:   new(big.Int).Set(amount),
		Reason:   strings.TrimSpace(reason),
		At:       now,
	}
	stored := storedMint{
		Sequence: rec.Sequence,
		ID:       rec.ID,
		To:       append([]byte(nil), to.Bytes()...),
		ToPrefix: string(to.Prefix()),
		Amount:   rec.Amount.String(),
		Reason:   rec.Reason,
		At:       uint64(now.Unix()),
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return nil, err
	}
	if err := t.db.Put(seqKey(mintPrefix, seq), raw); err != nil {
		return nil, err
	}
	t.logger.Warn("emergency mint", "seq", seq, "amount", amount.String(), "to", to.String(), "reason", rec.Reason)
	return rec, nil
}

// MintAudit returns the emergency mint log in sequence order.
func (t *Treasury) MintAudit() ([]*MintRecord, error) {
	if t == nil || t.db == nil {
		return nil, errStoreNotReady
	}
	var out []*MintRecord
	var decodeErr error
	err := t.db.Iterate(mintPrefix, func(key, value []byte) bool {
		var stored storedMint
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			decodeErr = err
			return false
		}
		amount, ok := new(big.Int).SetString(stored.Amount, 10)
		if !ok {
			decodeErr = fmt.Errorf("treasury: corrupt mint %d", stored.Sequence)
			return false
		}
		out = append(out, &MintRecord{
			Sequence: stored.Sequence,
			ID:       stored.ID,
			To:       crypto.NewAddress(crypto.AddressPrefix(stored.ToPrefix), stored.To),
			Amount:   amount,
			Reason:   stored.Reason,
			At:       time.Unix(int64(stored.At), 0).UTC(),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

func (t *Treasury) recordOutbound(asset string, to crypto.Address, amount *big.Int, backendID string) {
	if t.outbound == nil {
		return
	}
	out, err := t.outbound.Record(asset, to, amount, backendID)
	if err != nil {
		t.logger.Error("treasury outbound record failed", "asset", asset, "err", err)
		return
	}
	if err := t.outbound.MarkConfirmed(out.ID); err != nil {
		t.logger.Error("treasury outbound confirm failed", "transfer", out.ID, "err", err)
	}
}

func (t *Treasury) lastMint() (time.Time, error) {
	raw, err := t.db.Get(mintLastKey)
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	var unix int64
	if _, err := fmt.Sscanf(string(raw), "%d", &unix); err != nil {
		return time.Time{}, fmt.Errorf("treasury: corrupt mint timestamp")
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (t *Treasury) nextSeq(key []byte) (uint64, error) {
	var next uint64 = 1
	raw, err := t.db.Get(key)
	if err == nil && len(raw) == 8 {
		next = binary.BigEndian.Uint64(raw) + 1
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := t.db.Put(key, buf); err != nil {
		return 0, err
	}
	return next, nil
}

func balanceKey(asset string) []byte {
	return append(append([]byte(nil), balancePrefix...), []byte(asset)...)
}

func seqKey(prefix []byte, seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return append(append([]byte(nil), prefix...), buf...)
}
