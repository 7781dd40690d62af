package transfer

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

type mockBackend struct {
	payouts  int
	failWith error
}

func (b *mockBackend) Pull(ctx context.Context, asset string, from crypto.Address, amount *big.Int) error {
	return nil
}

func (b *mockBackend) BalanceAt(ctx context.Context, asset string, addr crypto.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (b *mockBackend) Payout(ctx context.Context, asset string, to crypto.Address, amount *big.Int) (string, error) {
	b.payouts++
	if b.failWith != nil {
		return "", b.failWith
	}
	return fmt.Sprintf("tx-%d", b.payouts), nil
}

func makeAddress(fill byte) crypto.Address {
	b := make([]byte, 20)
	for i := range b {
		b[i] = fill
	}
	return crypto.NewAddress(crypto.RumiPrefix, b)
}

func TestLedgerRecordAndLookup(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	out, err := ledger.Record("ckBTC", makeAddress(0x01), big.NewInt(500), "tx-1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	loaded, err := ledger.Get(out.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded == nil || loaded.Status != StatusPending {
		t.Fatalf("expected pending transfer, got %+v", loaded)
	}
	if loaded.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("amount mismatch: %s", loaded.Amount)
	}
	if !loaded.To.Equal(makeAddress(0x01)) {
		t.Fatal("recipient mismatch after round trip")
	}
}

func TestSweepRetriesStuckTransfers(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	now := time.Unix(1_700_000_000, 0)
	ledger.SetClock(func() time.Time { return now })

	out, err := ledger.Record("ckBTC", makeAddress(0x01), big.NewInt(500), "tx-1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	backend := &mockBackend{}
	monitor := NewMonitor(ledger, backend, time.Minute, 5*time.Minute, 3, nil)

	// Not yet stuck: nothing happens.
	monitor.SetClock(func() time.Time { return now.Add(time.Minute) })
	retried, flagged, err := monitor.Sweep(context.Background())
	if err != nil || retried != 0 || flagged != 0 {
		t.Fatalf("expected no-op sweep, got retried=%d flagged=%d err=%v", retried, flagged, err)
	}

	// Past the stuck threshold: retried and confirmed.
	monitor.SetClock(func() time.Time { return now.Add(10 * time.Minute) })
	retried, flagged, err = monitor.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if retried != 1 || flagged != 0 {
		t.Fatalf("expected one retry, got retried=%d flagged=%d", retried, flagged)
	}
	loaded, err := ledger.Get(out.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", loaded.Status)
	}
}

func TestSweepFlagsExhaustedTransfers(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	now := time.Unix(1_700_000_000, 0)
	ledger.SetClock(func() time.Time { return now })

	out, err := ledger.Record("ckBTC", makeAddress(0x01), big.NewInt(500), "tx-1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	backend := &mockBackend{failWith: errors.New("backend down")}
	monitor := NewMonitor(ledger, backend, time.Minute, 5*time.Minute, 2, nil)

	for i := 0; i < 2; i++ {
		ledger.SetClock(func() time.Time { return now })
		monitor.SetClock(func() time.Time { return now.Add(time.Hour) })
		if _, _, err := monitor.Sweep(context.Background()); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	// Third sweep exceeds the attempt budget.
	monitor.SetClock(func() time.Time { return now.Add(2 * time.Hour) })
	_, flagged, err := monitor.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if flagged != 1 {
		t.Fatalf("expected one flagged transfer, got %d", flagged)
	}
	loaded, err := ledger.Get(out.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Status != StatusFlagged {
		t.Fatalf("expected flagged, got %s", loaded.Status)
	}
	flaggedList, err := ledger.Flagged()
	if err != nil || len(flaggedList) != 1 {
		t.Fatalf("expected one entry in flagged list, got %d (err=%v)", len(flaggedList), err)
	}
}
