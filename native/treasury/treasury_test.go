package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"rumiprotocol/crypto"
	"rumiprotocol/storage"
)

type payoutRec struct {
	asset  string
	to     crypto.Address
	amount *big.Int
}

type mockBackend struct {
	payouts   []payoutRec
	payoutErr error
}

func (b *mockBackend) Pull(ctx context.Context, asset string, from crypto.Address, amount *big.Int) error {
	return nil
}

func (b *mockBackend) BalanceAt(ctx context.Context, asset string, addr crypto.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (b *mockBackend) Payout(ctx context.Context, asset string, to crypto.Address, amount *big.Int) (string, error) {
	if b.payoutErr != nil {
		return "", b.payoutErr
	}
	b.payouts = append(b.payouts, payoutRec{asset: asset, to: to, amount: new(big.Int).Set(amount)})
	return fmt.Sprintf("tx-%d", len(b.payouts)), nil
}

func addr(fill byte) crypto.Address {
	b := make([]byte, 20)
	for i := range b {
		b[i] = fill
	}
	return crypto.NewAddress(crypto.RumiPrefix, b)
}

func newTreasury(t *testing.T) (*Treasury, *mockBackend, func(time.Time)) {
	t.Helper()
	backend := &mockBackend{}
	tr := New(storage.NewMemDB(), backend, addr(0xcc))
	now := time.Unix(1_700_000_000, 0).UTC()
	current := &now
	tr.SetClock(func() time.Time { return *current })
	return tr, backend, func(ts time.Time) { *current = ts }
}

func TestCreditAccumulatesPerAsset(t *testing.T) {
	tr, _, _ := newTreasury(t)
	if err := tr.Credit("rusd", big.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := tr.Credit("RUSD", big.NewInt(5)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := tr.Credit("CKBTC", big.NewInt(7)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	balance, err := tr.Balance("RUSD")
	if err != nil || balance.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("expected 15 RUSD, got %s err=%v", balance, err)
	}
	balances, err := tr.Balances()
	if err != nil || len(balances) != 2 {
		t.Fatalf("expected two assets, got %v err=%v", balances, err)
	}
}

func TestWithdrawControllerGated(t *testing.T) {
	tr, backend, _ := newTreasury(t)
	if err := tr.Credit("RUSD", big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	recipient := addr(0x01)
	ctx := context.Background()

	if _, err := tr.Withdraw(ctx, addr(0x02), "RUSD", recipient, big.NewInt(50), "ops"); !errors.Is(err, ErrNotController) {
		t.Fatalf("expected ErrNotController, got %v", err)
	}
	if _, err := tr.Withdraw(ctx, addr(0xcc), "RUSD", recipient, big.NewInt(50), "  "); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected memo required, got %v", err)
	}
	if _, err := tr.Withdraw(ctx, addr(0xcc), "RUSD", recipient, big.NewInt(500), "ops"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	wd, err := tr.Withdraw(ctx, addr(0xcc), "RUSD", recipient, big.NewInt(60), "grants payout")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if wd.Sequence != 1 || wd.Memo != "grants payout" {
		t.Fatalf("unexpected withdrawal %+v", wd)
	}
	balance, _ := tr.Balance("RUSD")
	if balance.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("expected 40 left, got %s", balance)
	}
	if len(backend.payouts) != 1 || backend.payouts[0].amount.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("expected payout of 60, got %+v", backend.payouts)
	}

	log, err := tr.Withdrawals()
	if err != nil || len(log) != 1 || log[0].ID == "" {
		t.Fatalf("expected one audited withdrawal, got %+v err=%v", log, err)
	}
}

func TestWithdrawKeepsBalanceOnPayoutFailure(t *testing.T) {
	tr, backend, _ := newTreasury(t)
	if err := tr.Credit("RUSD", big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	backend.payoutErr = errors.New("backend down")
	if _, err := tr.Withdraw(context.Background(), addr(0xcc), "RUSD", addr(0x01), big.NewInt(60), "ops"); err == nil {
		t.Fatal("expected withdrawal failure")
	}
	balance, _ := tr.Balance("RUSD")
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected balance untouched, got %s", balance)
	}
}

func TestEmergencyMintBounds(t *testing.T) {
	tr, backend, advance := newTreasury(t)
	tr.SetMintPolicy(big.NewInt(1_000), time.Hour)
	controller := addr(0xcc)
	victim := addr(0x01)
	ctx := context.Background()

	if _, err := tr.EmergencyMint(ctx, addr(0x02), victim, big.NewInt(100), "flagged transfer"); !errors.Is(err, ErrNotController) {
		t.Fatalf("expected ErrNotController, got %v", err)
	}
	if _, err := tr.EmergencyMint(ctx, controller, victim, big.NewInt(100), ""); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	if _, err := tr.EmergencyMint(ctx, controller, victim, big.NewInt(2_000), "flagged transfer"); !errors.Is(err, ErrMintCapExceeded) {
		t.Fatalf("expected ErrMintCapExceeded, got %v", err)
	}

	rec, err := tr.EmergencyMint(ctx, controller, victim, big.NewInt(500), "transfer abc flagged after retry budget")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if rec.Sequence != 1 || rec.ID == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(backend.payouts) != 1 || backend.payouts[0].asset != "RUSD" {
		t.Fatalf("expected stable payout, got %+v", backend.payouts)
	}

	// Inside the cooldown the next mint is rejected.
	if _, err := tr.EmergencyMint(ctx, controller, victim, big.NewInt(100), "again"); !errors.Is(err, ErrMintCooldown) {
		t.Fatalf("expected ErrMintCooldown, got %v", err)
	}
	advance(time.Unix(1_700_000_000, 0).Add(2 * time.Hour))
	if _, err := tr.EmergencyMint(ctx, controller, victim, big.NewInt(100), "second incident"); err != nil {
		t.Fatalf("mint after cooldown: %v", err)
	}

	audit, err := tr.MintAudit()
	if err != nil || len(audit) != 2 {
		t.Fatalf("expected two audit records, got %d err=%v", len(audit), err)
	}
	if audit[0].Sequence != 1 || audit[1].Sequence != 2 {
		t.Fatalf("expected ordered sequences, got %+v", audit)
	}
}

func TestEmergencyMintDisabledByZeroCap(t *testing.T) {
	tr, _, _ := newTreasury(t)
	_, err := tr.EmergencyMint(context.Background(), addr(0xcc), addr(0x01), big.NewInt(1), "any")
	if !errors.Is(err, ErrMintCapExceeded) {
		t.Fatalf("expected mint disabled, got %v", err)
	}
}
