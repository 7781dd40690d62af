package redemption

import (
	"context"
	"math/big"
	"testing"
	"time"

	"rumiprotocol/crypto"
	"rumiprotocol/native/liquidation"
	"rumiprotocol/native/treasury"
	"rumiprotocol/native/vault"
	"rumiprotocol/oracle"
	"rumiprotocol/storage"
	"rumiprotocol/transfer"
)

// TestCollateralConservedAcrossLifecycle drives two positions through the
// book-entry custody backend — open, borrow, repay, full liquidation,
// redemption, close — and checks after every step that the collateral units
// pulled into custody equal the vault table plus the treasury and reserve
// balances.
func TestCollateralConservedAcrossLifecycle(t *testing.T) {
	db := storage.NewMemDB()
	store := vault.NewStore(db)
	backend := transfer.NewBookBackend(storage.NewMemDB())
	prices := oracle.NewManualOracle()
	ledger := vault.NewLedger(store, vault.NewGuard(store, 90*time.Second), prices, backend)
	now := time.Unix(1_700_000_000, 0).UTC()
	ledger.SetClock(func() time.Time { return now })

	tr := treasury.New(storage.NewMemDB(), backend, addr(0xcc))
	ledger.SetFeeSink(tr)
	liquidations := liquidation.NewEngine(ledger)
	redemptions := NewEngine(ledger, db, DefaultParams())
	redemptions.SetClock(func() time.Time { return now })
	redemptions.SetFeeSink(tr)

	if err := ledger.RegisterCollateral(&vault.CollateralConfig{
		Symbol:                  "CKBTC",
		Decimals:                8,
		BorrowThresholdBps:      15_000,
		LiquidationThresholdBps: 11_000,
		LiquidationBonusBps:     500,
		RecoveryTargetBps:       15_000,
		BorrowingFeeBps:         0,
		DebtCeiling:             big.NewInt(1_000_000),
		MinVaultDebt:            big.NewInt(100),
		MinDeposit:              big.NewInt(10),
		DustCollateral:          big.NewInt(5),
	}); err != nil {
		t.Fatalf("register collateral: %v", err)
	}
	setPrice := func(rate string) {
		t.Helper()
		if err := prices.SetDecimal("CKBTC", rate, now); err != nil {
			t.Fatalf("set price: %v", err)
		}
	}
	setPrice("10")

	ctx := context.Background()
	alice, bob := addr(0x01), addr(0x02)
	liquidator, redeemer := addr(0x0a), addr(0x0b)
	participants := []crypto.Address{alice, bob, liquidator, redeemer}

	seeded := big.NewInt(15_000)
	if err := backend.Credit("CKBTC", alice, big.NewInt(10_000)); err != nil {
		t.Fatalf("seed alice: %v", err)
	}
	if err := backend.Credit("CKBTC", bob, big.NewInt(5_000)); err != nil {
		t.Fatalf("seed bob: %v", err)
	}
	for _, holder := range []crypto.Address{liquidator, redeemer} {
		if err := backend.Credit("RUSD", holder, big.NewInt(10_000)); err != nil {
			t.Fatalf("seed stable: %v", err)
		}
	}

	checkConserved := func(step string) {
		t.Helper()
		held := big.NewInt(0)
		for _, p := range participants {
			balance, err := backend.BalanceAt(ctx, "CKBTC", p)
			if err != nil {
				t.Fatalf("%s: balance: %v", step, err)
			}
			held.Add(held, balance)
		}
		custodied := new(big.Int).Sub(seeded, held)

		vaultTotal := big.NewInt(0)
		if err := ledger.Store().ForEachVault(func(v *vault.Vault) bool {
			if v.Collateral == "CKBTC" {
				vaultTotal.Add(vaultTotal, v.CollateralAmount)
			}
			return true
		}); err != nil {
			t.Fatalf("%s: iterate vaults: %v", step, err)
		}
		treasuryHeld, err := tr.Balance("CKBTC")
		if err != nil {
			t.Fatalf("%s: treasury balance: %v", step, err)
		}
		reserves, err := ledger.Store().ListReserves()
		if err != nil {
			t.Fatalf("%s: reserves: %v", step, err)
		}
		accounted := new(big.Int).Add(vaultTotal, treasuryHeld)
		if r := reserves["CKBTC"]; r != nil {
			accounted.Add(accounted, r)
		}
		if custodied.Cmp(accounted) != 0 {
			t.Fatalf("%s: custodied %s but vaults+treasury+reserves account for %s", step, custodied, accounted)
		}
	}

	a, err := ledger.OpenVault(ctx, alice, "CKBTC", big.NewInt(3_000), big.NewInt(2_000))
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	b, err := ledger.OpenVault(ctx, bob, "CKBTC", big.NewInt(2_000), big.NewInt(1_000))
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	checkConserved("open")

	if _, err := ledger.BorrowMore(ctx, alice, a.ID, big.NewInt(1_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	checkConserved("borrow")

	if _, err := ledger.Repay(ctx, alice, a.ID, big.NewInt(500), "RUSD"); err != nil {
		t.Fatalf("repay: %v", err)
	}
	checkConserved("repay")

	// Value 2700 against debt 2500: below the liquidation floor, fully
	// liquidated with the seizure capped and the remainder returned.
	setPrice("0.9")
	if _, err := liquidations.Liquidate(ctx, liquidator, a.ID); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	checkConserved("liquidate")

	receipt, err := redemptions.Redeem(ctx, redeemer, big.NewInt(400))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if receipt.Redeemed.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("expected full redemption, got %+v", receipt)
	}
	checkConserved("redeem")

	if _, err := ledger.Repay(ctx, bob, b.ID, big.NewInt(600), "RUSD"); err != nil {
		t.Fatalf("final repay: %v", err)
	}
	if err := ledger.WithdrawAndClose(ctx, bob, b.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	checkConserved("close")

	// With every vault gone the only custodied collateral is treasury revenue.
	remaining := false
	if err := ledger.Store().ForEachVault(func(*vault.Vault) bool {
		remaining = true
		return false
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if remaining {
		t.Fatal("expected empty vault table after close")
	}
	treasuryHeld, err := tr.Balance("CKBTC")
	if err != nil || treasuryHeld.Sign() <= 0 {
		t.Fatalf("expected redemption surplus in treasury, got %s err=%v", treasuryHeld, err)
	}
}
