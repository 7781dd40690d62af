package vault

import (
	"math/big"
	"testing"
	"time"

	"rumiprotocol/storage"
)

func TestStoreVaultRoundTripAndIndexes(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	owner := makeAddress(0x01)

	id, err := store.NextVaultID()
	if err != nil || id != 1 {
		t.Fatalf("expected first id 1, got %d err=%v", id, err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	v := &Vault{
		ID:               id,
		Owner:            owner,
		Collateral:       "ckBTC",
		CollateralAmount: big.NewInt(1_000),
		DebtAmount:       big.NewInt(2_000),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.PutVault(v); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.GetVault(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Collateral != "CKBTC" {
		t.Fatalf("expected normalised symbol, got %q", got.Collateral)
	}
	if !got.Owner.Equal(owner) || got.DebtAmount.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	ids, err := store.VaultIDsByOwner(owner)
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Fatalf("owner index mismatch: %v err=%v", ids, err)
	}
	ids, err = store.VaultIDsByCollateral("ckbtc")
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Fatalf("collateral index mismatch: %v err=%v", ids, err)
	}

	if err := store.DeleteVault(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := store.GetVault(id); got != nil {
		t.Fatal("expected vault gone")
	}
	if ids, _ := store.VaultIDsByOwner(owner); len(ids) != 0 {
		t.Fatalf("expected owner index cleared, got %v", ids)
	}
}

func TestStoreEventsSurviveVaultDeletion(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	now := time.Unix(1_700_000_000, 0).UTC()
	v := &Vault{ID: 7, Owner: makeAddress(0x01), Collateral: "CKBTC", CollateralAmount: big.NewInt(10), DebtAmount: big.NewInt(0), CreatedAt: now, UpdatedAt: now}
	if err := store.PutVault(v); err != nil {
		t.Fatalf("put: %v", err)
	}
	for _, kind := range []EventKind{EventOpened, EventClosed} {
		if err := store.AppendEvent(&Event{VaultID: 7, Kind: kind, CollateralDelta: big.NewInt(1), DebtDelta: big.NewInt(-1), Timestamp: now}); err != nil {
			t.Fatalf("append %s: %v", kind, err)
		}
	}
	if err := store.DeleteVault(7); err != nil {
		t.Fatalf("delete: %v", err)
	}

	events, err := store.VaultEvents(7)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 || events[0].Sequence != 1 || events[1].Sequence != 2 {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].DebtDelta.Cmp(big.NewInt(-1)) != 0 {
		t.Fatalf("expected signed delta preserved, got %s", events[0].DebtDelta)
	}
}

func TestStoreRejectsUnknownEventKind(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	err := store.AppendEvent(&Event{VaultID: 1, Kind: EventKind("vault.exploded"), Timestamp: time.Now()})
	if err == nil {
		t.Fatal("expected unknown kind rejected")
	}
}

func TestStoreReserveNeverNegative(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	if err := store.AddReserve("USDQ", big.NewInt(500)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := store.AddReserve("USDQ", big.NewInt(-600)); err == nil {
		t.Fatal("expected overdraft rejected")
	}
	if err := store.AddReserve("USDQ", big.NewInt(-500)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	balance, err := store.ReserveBalance("USDQ")
	if err != nil || balance.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s err=%v", balance, err)
	}
}

func TestStoreCollateralConfigRoundTrip(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	cfg := testCollateral()
	cfg.PriceFloor = big.NewRat(3, 2)
	cfg.Status = StatusSunset
	if err := store.PutCollateral(cfg); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetCollateral("ckbtc")
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSunset || got.PriceFloor.Cmp(big.NewRat(3, 2)) != 0 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.BorrowThresholdBps != 15_000 || got.DebtCeiling.Cmp(cfg.DebtCeiling) != 0 {
		t.Fatalf("parameter mismatch: %+v", got)
	}
}
