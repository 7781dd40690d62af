package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"rumiprotocol/crypto"
	"rumiprotocol/oracle"
	"rumiprotocol/storage"
	"rumiprotocol/transfer"
)

type transferRec struct {
	asset  string
	addr   crypto.Address
	amount *big.Int
}

type ledgerBackend struct {
	balances  map[string]*big.Int
	pulls     []transferRec
	payouts   []transferRec
	pullErr   error
	payoutErr error
}

func (b *ledgerBackend) Pull(ctx context.Context, asset string, from crypto.Address, amount *big.Int) error {
	if b.pullErr != nil {
		return b.pullErr
	}
	b.pulls = append(b.pulls, transferRec{asset: asset, addr: from, amount: new(big.Int).Set(amount)})
	return nil
}

func (b *ledgerBackend) BalanceAt(ctx context.Context, asset string, addr crypto.Address) (*big.Int, error) {
	if v, ok := b.balances[asset+"/"+addr.String()]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (b *ledgerBackend) Payout(ctx context.Context, asset string, to crypto.Address, amount *big.Int) (string, error) {
	if b.payoutErr != nil {
		return "", b.payoutErr
	}
	b.payouts = append(b.payouts, transferRec{asset: asset, addr: to, amount: new(big.Int).Set(amount)})
	return fmt.Sprintf("tx-%d", len(b.payouts)), nil
}

func (b *ledgerBackend) setBalance(asset string, addr crypto.Address, amount int64) {
	if b.balances == nil {
		b.balances = make(map[string]*big.Int)
	}
	b.balances[asset+"/"+addr.String()] = big.NewInt(amount)
}

func (b *ledgerBackend) lastPayout(t *testing.T) transferRec {
	t.Helper()
	if len(b.payouts) == 0 {
		t.Fatal("expected at least one payout")
	}
	return b.payouts[len(b.payouts)-1]
}

type feeRecorder struct {
	credits map[string]*big.Int
}

func (f *feeRecorder) Credit(asset string, amount *big.Int) error {
	if f.credits == nil {
		f.credits = make(map[string]*big.Int)
	}
	total, ok := f.credits[asset]
	if !ok {
		total = big.NewInt(0)
		f.credits[asset] = total
	}
	total.Add(total, amount)
	return nil
}

func (f *feeRecorder) total(asset string) *big.Int {
	if v, ok := f.credits[asset]; ok {
		return v
	}
	return big.NewInt(0)
}

type ledgerEnv struct {
	t       *testing.T
	ledger  *Ledger
	store   *Store
	backend *ledgerBackend
	prices  *oracle.ManualOracle
	fees    *feeRecorder
	now     time.Time
}

func testCollateral() *CollateralConfig {
	return &CollateralConfig{
		Symbol:                  "CKBTC",
		Decimals:                8,
		BorrowThresholdBps:      15_000,
		LiquidationThresholdBps: 11_000,
		LiquidationBonusBps:     500,
		RecoveryTargetBps:       15_000,
		BorrowingFeeBps:         50,
		DebtCeiling:             big.NewInt(1_000_000),
		MinVaultDebt:            big.NewInt(100),
		MinDeposit:              big.NewInt(10),
		DustCollateral:          big.NewInt(5),
	}
}

func newLedgerEnv(t *testing.T) *ledgerEnv {
	t.Helper()
	db := storage.NewMemDB()
	store := NewStore(db)
	backend := &ledgerBackend{}
	prices := oracle.NewManualOracle()
	ledger := NewLedger(store, NewGuard(store, 90*time.Second), prices, backend)
	ledger.SetOutbound(transfer.NewLedger(db))
	fees := &feeRecorder{}
	ledger.SetFeeSink(fees)
	now := time.Unix(1_700_000_000, 0).UTC()
	ledger.SetClock(func() time.Time { return now })

	env := &ledgerEnv{t: t, ledger: ledger, store: store, backend: backend, prices: prices, fees: fees, now: now}
	if err := ledger.RegisterCollateral(testCollateral()); err != nil {
		t.Fatalf("register collateral: %v", err)
	}
	env.setPrice("CKBTC", "10")
	return env
}

func (e *ledgerEnv) setPrice(asset, rate string) {
	e.t.Helper()
	if err := e.prices.SetDecimal(asset, rate, e.now); err != nil {
		e.t.Fatalf("set price %s=%s: %v", asset, rate, err)
	}
}

func (e *ledgerEnv) open(owner crypto.Address, deposit, debt int64) *Vault {
	e.t.Helper()
	v, err := e.ledger.OpenVault(context.Background(), owner, "CKBTC", big.NewInt(deposit), big.NewInt(debt))
	if err != nil {
		e.t.Fatalf("open vault: %v", err)
	}
	return v
}

func TestOpenVaultMintsNetOfFee(t *testing.T) {
	env := newLedgerEnv(t)
	owner := makeAddress(0x01)

	v := env.open(owner, 1_000, 2_000)
	if v.ID != 1 {
		t.Fatalf("expected vault id 1, got %d", v.ID)
	}
	if v.DebtAmount.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("expected gross debt 2000, got %s", v.DebtAmount)
	}

	// 50 bps of 2000 is 10; the owner receives 1990 stable.
	out := env.backend.lastPayout(t)
	if out.asset != "RUSD" || out.amount.Cmp(big.NewInt(1_990)) != 0 {
		t.Fatalf("expected 1990 RUSD payout, got %s %s", out.amount, out.asset)
	}
	if env.fees.total("RUSD").Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected 10 RUSD fee, got %s", env.fees.total("RUSD"))
	}

	events, err := env.ledger.History(1)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one event, got %d err=%v", len(events), err)
	}
	if events[0].Kind != EventOpened || events[0].DebtDelta.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestOpenVaultRejectsLowRatio(t *testing.T) {
	env := newLedgerEnv(t)
	_, err := env.ledger.OpenVault(context.Background(), makeAddress(0x01), "CKBTC", big.NewInt(100), big.NewInt(800))
	if !errors.Is(err, ErrCollateralRatioTooLow) {
		t.Fatalf("expected ErrCollateralRatioTooLow, got %v", err)
	}
}

func TestOpenVaultRespectsDebtCeiling(t *testing.T) {
	env := newLedgerEnv(t)
	cfg := testCollateral()
	cfg.DebtCeiling = big.NewInt(1_000)
	if err := env.ledger.RegisterCollateral(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	env.open(makeAddress(0x01), 1_000, 900)
	_, err := env.ledger.OpenVault(context.Background(), makeAddress(0x02), "CKBTC", big.NewInt(1_000), big.NewInt(200))
	if !errors.Is(err, ErrDebtCeilingExceeded) {
		t.Fatalf("expected ErrDebtCeilingExceeded, got %v", err)
	}
}

func TestOpenVaultRollsBackOnPayoutFailure(t *testing.T) {
	env := newLedgerEnv(t)
	owner := makeAddress(0x01)
	env.backend.payoutErr = errors.New("backend down")

	_, err := env.ledger.OpenVault(context.Background(), owner, "CKBTC", big.NewInt(1_000), big.NewInt(2_000))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if v, _ := env.store.GetVault(1); v != nil {
		t.Fatal("expected vault rollback after failed payout")
	}

	// The guard was released and the backend recovered: the retry succeeds.
	env.backend.payoutErr = nil
	v := env.open(owner, 1_000, 2_000)
	if v.ID == 0 {
		t.Fatal("expected vault after retry")
	}
}

func TestBorrowMoreChecksRatioAtFreshPrice(t *testing.T) {
	env := newLedgerEnv(t)
	owner := makeAddress(0x01)
	v := env.open(owner, 1_000, 2_000)

	// Value 10000 against debt 2500 still clears 150%.
	if _, err := env.ledger.BorrowMore(context.Background(), owner, v.ID, big.NewInt(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	out := env.backend.lastPayout(t)
	if out.amount.Cmp(big.NewInt(498)) != 0 { // 500 minus 50 bps fee of 2
		t.Fatalf("expected 498 net payout, got %s", out.amount)
	}

	// A price drop makes further borrowing breach the threshold.
	env.setPrice("CKBTC", "4")
	_, err := env.ledger.BorrowMore(context.Background(), owner, v.ID, big.NewInt(500))
	if !errors.Is(err, ErrCollateralRatioTooLow) {
		t.Fatalf("expected ErrCollateralRatioTooLow, got %v", err)
	}
}

func TestBorrowMoreRejectsNonOwner(t *testing.T) {
	env := newLedgerEnv(t)
	v := env.open(makeAddress(0x01), 1_000, 2_000)
	_, err := env.ledger.BorrowMore(context.Background(), makeAddress(0x02), v.ID, big.NewInt(100))
	if !errors.Is(err, ErrCallerNotOwner) {
		t.Fatalf("expected ErrCallerNotOwner, got %v", err)
	}
}

func TestRepayAtParForbidsDustRemainder(t *testing.T) {
	env := newLedgerEnv(t)
	owner := makeAddress(0x01)
	v := env.open(owner, 1_000, 2_000)

	_, err := env.ledger.Repay(context.Background(), owner, v.ID, big.NewInt(1_950), "RUSD")
	if !errors.Is(err, ErrAmountTooLow) {
		t.Fatalf("expected ErrAmountTooLow for dust remainder, got %v", err)
	}

	updated, err := env.ledger.Repay(context.Background(), owner, v.ID, big.NewInt(2_000), "RUSD")
	if err != nil {
		t.Fatalf("full repay: %v", err)
	}
	if updated.DebtAmount.Sign() != 0 {
		t.Fatalf("expected zero debt, got %s", updated.DebtAmount)
	}
}

func TestRepayWithAlternateStable(t *testing.T) {
	env := newLedgerEnv(t)
	owner := makeAddress(0x01)
	v := env.open(owner, 1_000, 2_000)
	env.setPrice("USDQ", "1")

	updated, err := env.ledger.Repay(context.Background(), owner, v.ID, big.NewInt(1_000), "USDQ")
	if err != nil {
		t.Fatalf("alt repay: %v", err)
	}
	// 50 bps fee of 1000 is 5; 995 retires debt and lands in the reserve.
	if updated.DebtAmount.Cmp(big.NewInt(1_005)) != 0 {
		t.Fatalf("expected debt 1005, got %s", updated.DebtAmount)
	}
	reserve, err := env.store.ReserveBalance("USDQ")
	if err != nil || reserve.Cmp(big.NewInt(995)) != 0 {
		t.Fatalf("expected 995 USDQ reserve, got %s err=%v", reserve, err)
	}
	if env.fees.total("USDQ").Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("expected 5 USDQ fee, got %s", env.fees.total("USDQ"))
	}
}

func TestRepayRejectsDepeggedAlternateStable(t *testing.T) {
	env := newLedgerEnv(t)
	owner := makeAddress(0x01)
	v := env.open(owner, 1_000, 2_000)
	env.setPrice("USDQ", "0.9")

	_, err := env.ledger.Repay(context.Background(), owner, v.ID, big.NewInt(1_000), "USDQ")
	if !errors.Is(err, ErrDepegRejected) {
		t.Fatalf("expected ErrDepegRejected, got %v", err)
	}
}

func TestWithdrawKeepsBorrowThreshold(t *testing.T) {
	env := newLedgerEnv(t)
	owner := makeAddress(0x01)
	v := env.open(owner, 1_000, 2_000)

	// Remaining 250 units are worth 2500, under the 3000 required for 150%.
	_, err := env.ledger.WithdrawCollateral(context.Background(), owner, v.ID, big.NewInt(750))
	if !errors.Is(err, ErrCollateralRatioTooLow) {
		t.Fatalf("expected ErrCollateralRatioTooLow, got %v", err)
	}

	updated, err := env.ledger.WithdrawCollateral(context.Background(), owner, v.ID, big.NewInt(700))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if updated.CollateralAmount.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected 300 remaining, got %s", updated.CollateralAmount)
	}
	out := env.backend.lastPayout(t)
	if out.asset != "CKBTC" || out.amount.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("expected 700 CKBTC payout, got %s %s", out.amount, out.asset)
	}
}

func TestWithdrawAndClose(t *testing.T) {
	env := newLedgerEnv(t)
	owner := makeAddress(0x01)
	v := env.open(owner, 1_000, 2_000)

	if err := env.ledger.WithdrawAndClose(context.Background(), owner, v.ID); err == nil {
		t.Fatal("expected close with outstanding debt to fail")
	}
	if _, err := env.ledger.Repay(context.Background(), owner, v.ID, big.NewInt(2_000), "RUSD"); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := env.ledger.WithdrawAndClose(context.Background(), owner, v.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got, _ := env.store.GetVault(v.ID); got != nil {
		t.Fatal("expected vault deleted after close")
	}
	out := env.backend.lastPayout(t)
	if out.asset != "CKBTC" || out.amount.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected full collateral payout, got %s %s", out.amount, out.asset)
	}

	events, err := env.ledger.History(v.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := events[len(events)-1]
	if last.Kind != EventClosed {
		t.Fatalf("expected closing event, got %s", last.Kind)
	}
}

func TestReadOnlyBlocksMutations(t *testing.T) {
	env := newLedgerEnv(t)
	owner := makeAddress(0x01)
	v := env.open(owner, 1_000, 2_000)

	// Value 1000 against debt 2000: aggregate collateralization under 100%.
	env.setPrice("CKBTC", "1")

	_, err := env.ledger.BorrowMore(context.Background(), owner, v.ID, big.NewInt(100))
	if !errors.Is(err, ErrTemporarilyUnavailable) {
		t.Fatalf("expected ErrTemporarilyUnavailable, got %v", err)
	}
	_, err = env.ledger.Repay(context.Background(), owner, v.ID, big.NewInt(2_000), "RUSD")
	if !errors.Is(err, ErrTemporarilyUnavailable) {
		t.Fatalf("expected ErrTemporarilyUnavailable for repay, got %v", err)
	}

	// Recovery of the price re-opens the protocol.
	env.setPrice("CKBTC", "10")
	if _, err := env.ledger.Repay(context.Background(), owner, v.ID, big.NewInt(2_000), "RUSD"); err != nil {
		t.Fatalf("repay after recovery: %v", err)
	}
}

func TestPriceFloorParksProtocol(t *testing.T) {
	env := newLedgerEnv(t)
	cfg := testCollateral()
	cfg.PriceFloor = big.NewRat(2, 1)
	if err := env.ledger.RegisterCollateral(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	owner := makeAddress(0x01)
	v := env.open(owner, 1_000, 2_000)

	// Ratio would still clear 100%, but the floor halts everything.
	env.setPrice("CKBTC", "2")
	_, err := env.ledger.BorrowMore(context.Background(), owner, v.ID, big.NewInt(100))
	if !errors.Is(err, ErrTemporarilyUnavailable) {
		t.Fatalf("expected ErrTemporarilyUnavailable at price floor, got %v", err)
	}
}

func TestRecoveryModeZeroesBorrowingFee(t *testing.T) {
	env := newLedgerEnv(t)
	env.open(makeAddress(0x01), 1_000, 2_000)

	// Aggregate ratio 12500 bps: above water, below the 15000 recovery
	// threshold.
	env.setPrice("CKBTC", "2.5")
	status, err := env.ledger.Status()
	if err != nil || status.Mode != ModeRecovery {
		t.Fatalf("expected recovery mode, got %v err=%v", status.Mode, err)
	}

	// A well-collateralized open in recovery mints with zero fee.
	v, err := env.ledger.OpenVault(context.Background(), makeAddress(0x02), "CKBTC", big.NewInt(10_000), big.NewInt(1_000))
	if err != nil {
		t.Fatalf("open in recovery: %v", err)
	}
	out := env.backend.lastPayout(t)
	if out.amount.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected full 1000 payout with zero fee, got %s", out.amount)
	}
	if v.DebtAmount.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected debt 1000, got %s", v.DebtAmount)
	}
}

func TestCollateralStatusGates(t *testing.T) {
	env := newLedgerEnv(t)
	owner := makeAddress(0x01)
	v := env.open(owner, 1_000, 2_000)
	ctx := context.Background()

	if err := env.ledger.SetCollateralStatus("CKBTC", StatusFrozen); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := env.ledger.BorrowMore(ctx, owner, v.ID, big.NewInt(100)); !errors.Is(err, ErrCollateralStatusBlocked) {
		t.Fatalf("expected borrow blocked while frozen, got %v", err)
	}
	if _, err := env.ledger.AddCollateral(ctx, owner, v.ID, big.NewInt(50)); err != nil {
		t.Fatalf("expected deposit allowed while frozen, got %v", err)
	}

	if err := env.ledger.SetCollateralStatus("CKBTC", StatusPaused); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := env.ledger.AddCollateral(ctx, owner, v.ID, big.NewInt(50)); !errors.Is(err, ErrCollateralStatusBlocked) {
		t.Fatalf("expected deposit blocked while paused, got %v", err)
	}

	if err := env.ledger.SetCollateralStatus("CKBTC", StatusDeprecated); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := env.ledger.WithdrawCollateral(ctx, owner, v.ID, big.NewInt(10)); !errors.Is(err, ErrCollateralStatusBlocked) {
		t.Fatalf("expected withdraw blocked while deprecated, got %v", err)
	}
	if _, err := env.ledger.Repay(ctx, owner, v.ID, big.NewInt(2_000), "RUSD"); err != nil {
		t.Fatalf("expected repay allowed while deprecated, got %v", err)
	}

	if err := env.ledger.SetCollateralStatus("CKBTC", StatusSunset); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := env.ledger.OpenVault(ctx, makeAddress(0x02), "CKBTC", big.NewInt(1_000), big.NewInt(0)); !errors.Is(err, ErrCollateralStatusBlocked) {
		t.Fatalf("expected open blocked while sunset, got %v", err)
	}
}

func TestPushDepositOpenUsesObservedCredit(t *testing.T) {
	env := newLedgerEnv(t)
	cfg := testCollateral()
	cfg.PushDeposits = true
	if err := env.ledger.RegisterCollateral(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	owner := makeAddress(0x01)
	addr, err := env.ledger.DepositAddress("CKBTC", owner)
	if err != nil {
		t.Fatalf("deposit address: %v", err)
	}

	// The owner pushed more than requested: the whole balance is credited.
	env.backend.setBalance("CKBTC", addr, 1_500)
	v, err := env.ledger.OpenVault(context.Background(), owner, "CKBTC", big.NewInt(1_000), big.NewInt(0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if v.CollateralAmount.Cmp(big.NewInt(1_500)) != 0 {
		t.Fatalf("expected credited 1500, got %s", v.CollateralAmount)
	}

	// Nothing new was pushed: a second open finds no credit.
	_, err = env.ledger.OpenVault(context.Background(), owner, "CKBTC", big.NewInt(100), big.NewInt(0))
	if !errors.Is(err, ErrAmountTooLow) {
		t.Fatalf("expected ErrAmountTooLow without a fresh push, got %v", err)
	}
}

func TestApplyCutForgivesDustAndDeletesEmpty(t *testing.T) {
	env := newLedgerEnv(t)
	v := env.open(makeAddress(0x01), 1_000, 2_000)

	// Cutting to a 50-unit remainder lands under the 100-unit floor.
	updated, err := env.ledger.ApplyCut(v.ID, big.NewInt(1_950), big.NewInt(900), EventPartiallyLiquidated)
	if err != nil {
		t.Fatalf("cut: %v", err)
	}
	if updated.DebtAmount.Sign() != 0 {
		t.Fatalf("expected dust debt forgiven, got %s", updated.DebtAmount)
	}
	if updated.CollateralAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 collateral remaining, got %s", updated.CollateralAmount)
	}

	events, err := env.ledger.History(v.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	kinds := make([]EventKind, 0, len(events))
	for _, evt := range events {
		kinds = append(kinds, evt.Kind)
	}
	if kinds[len(kinds)-2] != EventPartiallyLiquidated || kinds[len(kinds)-1] != EventDustForgiven {
		t.Fatalf("unexpected event kinds %v", kinds)
	}

	// Emptying the vault deletes the record.
	if _, err := env.ledger.ApplyCut(v.ID, big.NewInt(0), big.NewInt(100), EventLiquidated); err != nil {
		t.Fatalf("final cut: %v", err)
	}
	if got, _ := env.store.GetVault(v.ID); got != nil {
		t.Fatal("expected emptied vault deleted")
	}
}

func TestApplyAdditionRecordsRedistribution(t *testing.T) {
	env := newLedgerEnv(t)
	v := env.open(makeAddress(0x01), 1_000, 2_000)

	updated, err := env.ledger.ApplyAddition(v.ID, big.NewInt(500), big.NewInt(200), EventRedistributed)
	if err != nil {
		t.Fatalf("addition: %v", err)
	}
	if updated.DebtAmount.Cmp(big.NewInt(2_500)) != 0 || updated.CollateralAmount.Cmp(big.NewInt(1_200)) != 0 {
		t.Fatalf("unexpected amounts %s/%s", updated.CollateralAmount, updated.DebtAmount)
	}
	events, _ := env.ledger.History(v.ID)
	last := events[len(events)-1]
	if last.Kind != EventRedistributed || last.DebtDelta.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestLiquidatableUsesBorrowThresholdInRecovery(t *testing.T) {
	env := newLedgerEnv(t)
	v := env.open(makeAddress(0x01), 1_000, 2_000)

	// 12500 bps: healthy in Available terms, eligible under Recovery.
	env.setPrice("CKBTC", "2.5")
	snap, err := env.ledger.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	list, err := env.ledger.Liquidatable(snap)
	if err != nil {
		t.Fatalf("liquidatable: %v", err)
	}
	if len(list) != 1 || list[0].ID != v.ID {
		t.Fatalf("expected vault %d listed in recovery, got %v", v.ID, list)
	}

	env.setPrice("CKBTC", "4")
	snap, err = env.ledger.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	list, err = env.ledger.Liquidatable(snap)
	if err != nil {
		t.Fatalf("liquidatable: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no liquidatable vaults at 20000 bps, got %v", list)
	}
}

func TestEventSequencePerVault(t *testing.T) {
	env := newLedgerEnv(t)
	owner := makeAddress(0x01)
	v := env.open(owner, 1_000, 2_000)
	ctx := context.Background()

	if _, err := env.ledger.AddCollateral(ctx, owner, v.ID, big.NewInt(100)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := env.ledger.Repay(ctx, owner, v.ID, big.NewInt(2_000), "RUSD"); err != nil {
		t.Fatalf("repay: %v", err)
	}

	events, err := env.ledger.History(v.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []EventKind{EventOpened, EventCollateralAdded, EventRepaid}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, evt := range events {
		if evt.Sequence != uint64(i+1) {
			t.Fatalf("event %d: expected sequence %d, got %d", i, i+1, evt.Sequence)
		}
		if evt.Kind != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], evt.Kind)
		}
	}
}
