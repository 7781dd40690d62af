package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"rumiprotocol/crypto"
	"rumiprotocol/oracle"
	"rumiprotocol/transfer"
)

// FeeSink receives protocol fee revenue. The treasury implements it.
type FeeSink interface {
	Credit(asset string, amount *big.Int) error
}

const (
	defaultStableSymbol      = "RUSD"
	defaultDepegToleranceBps = 500
	defaultAltStableFeeBps   = 50
)

// Ledger is the authoritative vault engine. Every mutating entry point runs
// under the per-principal guard, captures a single price snapshot, performs
// external transfer legs around a well-defined commit point and appends
// exactly one history event per state change.
//
// Transfers into the protocol happen before the commit and are followed by a
// re-validation of every invariant, because the transfer is an await point
// during which unrelated state may have moved. Transfers out of the protocol
// happen after the commit; a synchronous send failure rolls the commit back.
type Ledger struct {
	store    *Store
	guard    *Guard
	deposits *DepositTracker
	feed     oracle.PriceOracle
	backend  transfer.Backend
	outbound *transfer.Ledger
	fees     FeeSink
	logger   *slog.Logger
	clock    func() time.Time

	stableSymbol      string
	depegToleranceBps uint64
	altStableFeeBps   uint64
}

// NewLedger wires the vault engine. Outbound bookkeeping, the fee sink and
// the logger are attached through setters so tests can run without them.
func NewLedger(store *Store, guard *Guard, feed oracle.PriceOracle, backend transfer.Backend) *Ledger {
	return &Ledger{
		store:             store,
		guard:             guard,
		deposits:          NewDepositTracker(store, backend),
		feed:              feed,
		backend:           backend,
		logger:            slog.Default(),
		clock:             time.Now,
		stableSymbol:      defaultStableSymbol,
		depegToleranceBps: defaultDepegToleranceBps,
		altStableFeeBps:   defaultAltStableFeeBps,
	}
}

// SetOutbound attaches the outbound transfer ledger watched by the health
// monitor.
func (l *Ledger) SetOutbound(out *transfer.Ledger) {
	if l == nil {
		return
	}
	l.outbound = out
}

// SetFeeSink attaches the treasury.
func (l *Ledger) SetFeeSink(sink FeeSink) {
	if l == nil {
		return
	}
	l.fees = sink
}

// SetLogger overrides the structured logger.
func (l *Ledger) SetLogger(logger *slog.Logger) {
	if l == nil || logger == nil {
		return
	}
	l.logger = logger
}

// SetClock overrides the time source for deterministic testing.
func (l *Ledger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// SetStableSymbol overrides the protocol stable token symbol.
func (l *Ledger) SetStableSymbol(symbol string) {
	if l == nil || oracle.NormaliseSymbol(symbol) == "" {
		return
	}
	l.stableSymbol = oracle.NormaliseSymbol(symbol)
}

// SetDepegTolerance sets the parity band for alternate-stable repayments.
func (l *Ledger) SetDepegTolerance(bps uint64) {
	if l == nil {
		return
	}
	l.depegToleranceBps = bps
}

// SetAltStableFee sets the flat fee charged on alternate-stable repayments.
func (l *Ledger) SetAltStableFee(bps uint64) {
	if l == nil {
		return
	}
	l.altStableFeeBps = bps
}

// StableSymbol returns the protocol stable token symbol.
func (l *Ledger) StableSymbol() string { return l.stableSymbol }

// DepegTolerance returns the parity band in basis points.
func (l *Ledger) DepegTolerance() uint64 { return l.depegToleranceBps }

// Store exposes the underlying vault store to the protocol engines.
func (l *Ledger) Store() *Store { return l.store }

// Deposits exposes the push-deposit tracker.
func (l *Ledger) Deposits() *DepositTracker { return l.deposits }

// Guard exposes the per-principal guard for sweep loops.
func (l *Ledger) Guard() *Guard { return l.guard }

// --- owner-facing operations ---

// OpenVault creates a vault, takes the collateral deposit and optionally
// mints initial debt paid out in the stable token net of the borrowing fee.
// For push-deposit assets the deposit argument is the minimum the caller
// claims to have pushed; the vault is credited with the full observed amount.
func (l *Ledger) OpenVault(ctx context.Context, owner crypto.Address, symbol string, deposit, initialDebt *big.Int) (*Vault, error) {
	if l == nil || l.store == nil {
		return nil, ErrGeneric
	}
	if deposit == nil || deposit.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit must be positive", ErrAmountTooLow)
	}
	if initialDebt == nil {
		initialDebt = big.NewInt(0)
	}
	if initialDebt.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative debt", ErrAmountTooLow)
	}
	if err := l.guard.Begin(owner); err != nil {
		return nil, err
	}
	defer l.guard.Finish(owner)

	cfg, err := l.configFor(symbol)
	if err != nil {
		return nil, err
	}
	if !statusAllows(cfg.Status, opOpen) {
		return nil, fmt.Errorf("%w: %s is %s", ErrCollateralStatusBlocked, cfg.Symbol, cfg.Status)
	}
	if initialDebt.Sign() > 0 && !statusAllows(cfg.Status, opBorrow) {
		return nil, fmt.Errorf("%w: %s is %s", ErrCollateralStatusBlocked, cfg.Symbol, cfg.Status)
	}
	if deposit.Cmp(cfg.MinDeposit) < 0 {
		return nil, fmt.Errorf("%w: deposit under minimum %s", ErrAmountTooLow, cfg.MinDeposit)
	}
	if initialDebt.Sign() > 0 && initialDebt.Cmp(cfg.MinVaultDebt) < 0 {
		return nil, fmt.Errorf("%w: debt under floor %s", ErrAmountTooLow, cfg.MinVaultDebt)
	}

	snap, err := l.Snapshot()
	if err != nil {
		return nil, err
	}
	status, err := l.ensureWritable(snap)
	if err != nil {
		return nil, err
	}
	price, err := snap.Price(cfg.Symbol)
	if err != nil {
		return nil, err
	}
	if err := l.checkBorrowLimits(cfg, deposit, initialDebt, big.NewInt(0), price); err != nil {
		return nil, err
	}

	// Transfer-in leg. This is an await point: everything checked above is
	// re-validated afterwards.
	credited := new(big.Int).Set(deposit)
	if cfg.PushDeposits {
		credited, err = l.deposits.Credit(ctx, cfg.Symbol, owner)
		if err != nil {
			return nil, err
		}
		if credited.Cmp(deposit) < 0 {
			return nil, fmt.Errorf("%w: observed deposit %s under requested %s", ErrAmountTooLow, credited, deposit)
		}
	} else if err := l.backend.Pull(ctx, cfg.Symbol, owner, deposit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := l.checkBorrowLimits(cfg, credited, initialDebt, big.NewInt(0), price); err != nil {
		return nil, err
	}

	id, err := l.store.NextVaultID()
	if err != nil {
		return nil, err
	}
	now := l.clock().UTC()
	vault := &Vault{
		ID:               id,
		Owner:            owner,
		Collateral:       cfg.Symbol,
		CollateralAmount: credited,
		DebtAmount:       new(big.Int).Set(initialDebt),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.store.PutVault(vault); err != nil {
		return nil, err
	}

	if initialDebt.Sign() > 0 {
		fee := l.borrowFee(cfg, status.Mode, initialDebt)
		net := new(big.Int).Sub(initialDebt, fee)
		if err := l.payoutStrict(ctx, l.stableSymbol, owner, net); err != nil {
			if derr := l.store.DeleteVault(id); derr != nil {
				l.logger.Error("vault rollback failed", "vault", id, "err", derr)
				return nil, fmt.Errorf("%w: rollback after failed payout: %v", ErrGeneric, derr)
			}
			return nil, err
		}
		l.creditFee(l.stableSymbol, fee)
	}
	if err := l.appendEvent(id, EventOpened, credited, initialDebt); err != nil {
		return nil, err
	}
	if _, err := l.RecomputeMode(snap); err != nil {
		return nil, err
	}
	l.logger.Info("vault opened", "vault", id, "owner", owner.String(), "collateral", cfg.Symbol, "deposit", credited.String(), "debt", initialDebt.String())
	return vault.Copy(), nil
}

// AddCollateral deposits additional collateral into an owned vault.
func (l *Ledger) AddCollateral(ctx context.Context, caller crypto.Address, vaultID uint64, amount *big.Int) (*Vault, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrAmountTooLow)
	}
	if err := l.guard.Begin(caller); err != nil {
		return nil, err
	}
	defer l.guard.Finish(caller)

	vault, cfg, err := l.ownedVault(caller, vaultID)
	if err != nil {
		return nil, err
	}
	if !statusAllows(cfg.Status, opDeposit) {
		return nil, fmt.Errorf("%w: %s is %s", ErrCollateralStatusBlocked, cfg.Symbol, cfg.Status)
	}
	snap, err := l.Snapshot()
	if err != nil {
		return nil, err
	}
	if _, err := l.ensureWritable(snap); err != nil {
		return nil, err
	}

	credited := new(big.Int).Set(amount)
	if cfg.PushDeposits {
		credited, err = l.deposits.Credit(ctx, cfg.Symbol, caller)
		if err != nil {
			return nil, err
		}
		if credited.Cmp(amount) < 0 {
			return nil, fmt.Errorf("%w: observed deposit %s under requested %s", ErrAmountTooLow, credited, amount)
		}
	} else if err := l.backend.Pull(ctx, cfg.Symbol, caller, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	// Re-read after the transfer-in await point.
	vault, err = l.store.GetVault(vaultID)
	if err != nil {
		return nil, err
	}
	if vault == nil {
		return nil, ErrVaultNotFound
	}
	vault.CollateralAmount = new(big.Int).Add(vault.CollateralAmount, credited)
	vault.UpdatedAt = l.clock().UTC()
	if err := l.store.PutVault(vault); err != nil {
		return nil, err
	}
	if err := l.appendEvent(vaultID, EventCollateralAdded, credited, big.NewInt(0)); err != nil {
		return nil, err
	}
	if _, err := l.RecomputeMode(snap); err != nil {
		return nil, err
	}
	return vault.Copy(), nil
}

// BorrowMore mints additional stable debt against an owned vault, paid out
// net of the borrowing fee.
func (l *Ledger) BorrowMore(ctx context.Context, caller crypto.Address, vaultID uint64, amount *big.Int) (*Vault, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrAmountTooLow)
	}
	if err := l.guard.Begin(caller); err != nil {
		return nil, err
	}
	defer l.guard.Finish(caller)

	vault, cfg, err := l.ownedVault(caller, vaultID)
	if err != nil {
		return nil, err
	}
	if !statusAllows(cfg.Status, opBorrow) {
		return nil, fmt.Errorf("%w: %s is %s", ErrCollateralStatusBlocked, cfg.Symbol, cfg.Status)
	}
	snap, err := l.Snapshot()
	if err != nil {
		return nil, err
	}
	status, err := l.ensureWritable(snap)
	if err != nil {
		return nil, err
	}
	price, err := snap.Price(cfg.Symbol)
	if err != nil {
		return nil, err
	}
	newDebt := new(big.Int).Add(vault.DebtAmount, amount)
	if newDebt.Cmp(cfg.MinVaultDebt) < 0 {
		return nil, fmt.Errorf("%w: debt under floor %s", ErrAmountTooLow, cfg.MinVaultDebt)
	}
	if err := l.checkBorrowLimits(cfg, vault.CollateralAmount, newDebt, vault.DebtAmount, price); err != nil {
		return nil, err
	}

	prev := vault.Copy()
	vault.DebtAmount = newDebt
	vault.UpdatedAt = l.clock().UTC()
	if err := l.store.PutVault(vault); err != nil {
		return nil, err
	}

	fee := l.borrowFee(cfg, status.Mode, amount)
	net := new(big.Int).Sub(amount, fee)
	if err := l.payoutStrict(ctx, l.stableSymbol, caller, net); err != nil {
		if rerr := l.store.PutVault(prev); rerr != nil {
			l.logger.Error("vault rollback failed", "vault", vaultID, "err", rerr)
			return nil, fmt.Errorf("%w: rollback after failed payout: %v", ErrGeneric, rerr)
		}
		return nil, err
	}
	l.creditFee(l.stableSymbol, fee)
	if err := l.appendEvent(vaultID, EventBorrowed, big.NewInt(0), amount); err != nil {
		return nil, err
	}
	if _, err := l.RecomputeMode(snap); err != nil {
		return nil, err
	}
	return vault.Copy(), nil
}

// Repay reduces vault debt. The protocol stable token repays at par; a
// configured alternate stable is accepted at par after a parity-band check,
// net of the flat alternate-stable fee, with the pulled tokens held in the
// redemption reserve. Any caller may repay. A repayment that would strand
// debt between zero and the dust floor is rejected so vaults never carry
// unliquidatable dust by choice.
func (l *Ledger) Repay(ctx context.Context, caller crypto.Address, vaultID uint64, amount *big.Int, asset string) (*Vault, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrAmountTooLow)
	}
	if err := l.guard.Begin(caller); err != nil {
		return nil, err
	}
	defer l.guard.Finish(caller)

	vault, err := l.store.GetVault(vaultID)
	if err != nil {
		return nil, err
	}
	if vault == nil {
		return nil, ErrVaultNotFound
	}
	cfg, err := l.configFor(vault.Collateral)
	if err != nil {
		return nil, err
	}
	if !statusAllows(cfg.Status, opRepay) {
		return nil, fmt.Errorf("%w: %s is %s", ErrCollateralStatusBlocked, cfg.Symbol, cfg.Status)
	}
	if vault.DebtAmount.Sign() == 0 {
		return nil, fmt.Errorf("%w: vault carries no debt", ErrAmountTooLow)
	}

	repayAsset := oracle.NormaliseSymbol(asset)
	if repayAsset == "" {
		repayAsset = l.stableSymbol
	}
	snap, err := l.Snapshot(repayAsset)
	if err != nil {
		return nil, err
	}
	if _, err := l.ensureWritable(snap); err != nil {
		return nil, err
	}

	fee := big.NewInt(0)
	if repayAsset != l.stableSymbol {
		rate, perr := snap.Price(repayAsset)
		if perr != nil {
			return nil, perr
		}
		if !oracle.WithinBand(rate, l.depegToleranceBps) {
			return nil, fmt.Errorf("%w: %s", ErrDepegRejected, repayAsset)
		}
		fee = ApplyBps(amount, l.altStableFeeBps)
	}
	effective := new(big.Int).Sub(amount, fee)
	if effective.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount consumed by fee", ErrAmountTooLow)
	}
	remaining := new(big.Int).Sub(vault.DebtAmount, effective)
	if remaining.Sign() > 0 && remaining.Cmp(cfg.MinVaultDebt) < 0 {
		return nil, fmt.Errorf("%w: repayment would leave dust debt %s; repay in full", ErrAmountTooLow, remaining)
	}

	if err := l.backend.Pull(ctx, repayAsset, caller, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	// Re-read after the pull: a protocol-initiated flow may have shrunk the
	// debt while the transfer settled. Excess is returned in the asset pulled.
	vault, err = l.store.GetVault(vaultID)
	if err != nil {
		return nil, err
	}
	if vault == nil {
		return nil, ErrVaultNotFound
	}
	repaid := new(big.Int).Set(effective)
	if repaid.Cmp(vault.DebtAmount) > 0 {
		repaid.Set(vault.DebtAmount)
	}
	excess := new(big.Int).Sub(effective, repaid)

	vault.DebtAmount = new(big.Int).Sub(vault.DebtAmount, repaid)
	vault.UpdatedAt = l.clock().UTC()
	if err := l.store.PutVault(vault); err != nil {
		return nil, err
	}
	if repayAsset != l.stableSymbol {
		if err := l.store.AddReserve(repayAsset, repaid); err != nil {
			return nil, err
		}
		l.creditFee(repayAsset, fee)
	}
	if excess.Sign() > 0 {
		l.queuePayout(ctx, repayAsset, caller, excess)
	}
	if err := l.appendEvent(vaultID, EventRepaid, big.NewInt(0), new(big.Int).Neg(repaid)); err != nil {
		return nil, err
	}
	if _, err := l.RecomputeMode(snap); err != nil {
		return nil, err
	}
	return vault.Copy(), nil
}

// WithdrawCollateral releases collateral to the owner, keeping the vault at
// or above its borrow threshold when debt remains.
func (l *Ledger) WithdrawCollateral(ctx context.Context, caller crypto.Address, vaultID uint64, amount *big.Int) (*Vault, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrAmountTooLow)
	}
	if err := l.guard.Begin(caller); err != nil {
		return nil, err
	}
	defer l.guard.Finish(caller)

	vault, cfg, err := l.ownedVault(caller, vaultID)
	if err != nil {
		return nil, err
	}
	if !statusAllows(cfg.Status, opWithdraw) {
		return nil, fmt.Errorf("%w: %s is %s", ErrCollateralStatusBlocked, cfg.Symbol, cfg.Status)
	}
	if amount.Cmp(vault.CollateralAmount) > 0 {
		return nil, fmt.Errorf("%w: withdrawal exceeds collateral", ErrAmountTooLow)
	}
	snap, err := l.Snapshot()
	if err != nil {
		return nil, err
	}
	if _, err := l.ensureWritable(snap); err != nil {
		return nil, err
	}
	remaining := new(big.Int).Sub(vault.CollateralAmount, amount)
	if vault.DebtAmount.Sign() > 0 {
		price, perr := snap.Price(cfg.Symbol)
		if perr != nil {
			return nil, perr
		}
		if !MeetsRatio(CollateralValue(remaining, price), vault.DebtAmount, cfg.BorrowThresholdBps) {
			return nil, ErrCollateralRatioTooLow
		}
	}

	prev := vault.Copy()
	vault.CollateralAmount = remaining
	vault.UpdatedAt = l.clock().UTC()
	if err := l.store.PutVault(vault); err != nil {
		return nil, err
	}
	if err := l.payoutStrict(ctx, cfg.Symbol, caller, amount); err != nil {
		if rerr := l.store.PutVault(prev); rerr != nil {
			l.logger.Error("vault rollback failed", "vault", vaultID, "err", rerr)
			return nil, fmt.Errorf("%w: rollback after failed payout: %v", ErrGeneric, rerr)
		}
		return nil, err
	}
	if err := l.appendEvent(vaultID, EventWithdrawn, new(big.Int).Neg(amount), big.NewInt(0)); err != nil {
		return nil, err
	}
	if _, err := l.RecomputeMode(snap); err != nil {
		return nil, err
	}
	return vault.Copy(), nil
}

// WithdrawAndClose pays out the full collateral balance and deletes the
// vault. Debt must be zero, except residual debt under the dust floor left by
// a protocol-initiated cut, which is forgiven here. Collateral under the dust
// floor is not paid out; it is forgiven into the treasury.
func (l *Ledger) WithdrawAndClose(ctx context.Context, caller crypto.Address, vaultID uint64) error {
	if err := l.guard.Begin(caller); err != nil {
		return err
	}
	defer l.guard.Finish(caller)

	vault, cfg, err := l.ownedVault(caller, vaultID)
	if err != nil {
		return err
	}
	if !statusAllows(cfg.Status, opClose) {
		return fmt.Errorf("%w: %s is %s", ErrCollateralStatusBlocked, cfg.Symbol, cfg.Status)
	}
	if vault.DebtAmount.Sign() > 0 && vault.DebtAmount.Cmp(cfg.MinVaultDebt) >= 0 {
		return fmt.Errorf("%w: outstanding debt %s", ErrGeneric, vault.DebtAmount)
	}
	snap, err := l.Snapshot()
	if err != nil {
		return err
	}
	if _, err := l.ensureWritable(snap); err != nil {
		return err
	}

	forgiven := new(big.Int).Set(vault.DebtAmount)
	collateral := new(big.Int).Set(vault.CollateralAmount)
	dust := collateral.Cmp(cfg.DustCollateral) < 0

	if err := l.store.DeleteVault(vaultID); err != nil {
		return err
	}
	if !dust && collateral.Sign() > 0 {
		if err := l.payoutStrict(ctx, cfg.Symbol, caller, collateral); err != nil {
			if rerr := l.store.PutVault(vault); rerr != nil {
				l.logger.Error("vault rollback failed", "vault", vaultID, "err", rerr)
				return fmt.Errorf("%w: rollback after failed payout: %v", ErrGeneric, rerr)
			}
			return err
		}
	}
	if forgiven.Sign() > 0 {
		if err := l.appendEvent(vaultID, EventDustForgiven, big.NewInt(0), new(big.Int).Neg(forgiven)); err != nil {
			return err
		}
	}
	if dust && collateral.Sign() > 0 {
		l.creditFee(cfg.Symbol, collateral)
	}
	if err := l.appendEvent(vaultID, EventClosed, new(big.Int).Neg(collateral), big.NewInt(0)); err != nil {
		return err
	}
	if _, err := l.RecomputeMode(snap); err != nil {
		return err
	}
	l.logger.Info("vault closed", "vault", vaultID, "owner", caller.String(), "collateral", collateral.String(), "dust", dust)
	return nil
}

// --- queries ---

// Vault returns a copy of the vault record.
func (l *Ledger) Vault(id uint64) (*Vault, error) {
	v, err := l.store.GetVault(id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrVaultNotFound
	}
	return v.Copy(), nil
}

// VaultsByOwner lists the principal's open vaults, ascending by id.
func (l *Ledger) VaultsByOwner(owner crypto.Address) ([]*Vault, error) {
	ids, err := l.store.VaultIDsByOwner(owner)
	if err != nil {
		return nil, err
	}
	vaults := make([]*Vault, 0, len(ids))
	for _, id := range ids {
		v, err := l.store.GetVault(id)
		if err != nil {
			return nil, err
		}
		if v != nil {
			vaults = append(vaults, v)
		}
	}
	return vaults, nil
}

// History returns the ordered event log for a vault. Closed vaults keep
// their history.
func (l *Ledger) History(id uint64) ([]*Event, error) {
	return l.store.VaultEvents(id)
}

// Status returns the latest persisted protocol status, recomputing it from a
// fresh snapshot when none exists yet.
func (l *Ledger) Status() (*ProtocolStatus, error) {
	status, err := l.store.ProtocolStatus()
	if err != nil {
		return nil, err
	}
	if status != nil {
		return status, nil
	}
	snap, err := l.Snapshot()
	if err != nil {
		return nil, err
	}
	return l.RecomputeMode(snap)
}

// ConfigFor returns a copy of the collateral config.
func (l *Ledger) ConfigFor(symbol string) (*CollateralConfig, error) {
	return l.configFor(symbol)
}

// ListCollateral returns every configured collateral type.
func (l *Ledger) ListCollateral() ([]*CollateralConfig, error) {
	return l.store.ListCollateral()
}

// DepositAddress returns the deterministic deposit address for a push-deposit
// collateral type.
func (l *Ledger) DepositAddress(symbol string, owner crypto.Address) (crypto.Address, error) {
	cfg, err := l.configFor(symbol)
	if err != nil {
		return crypto.Address{}, err
	}
	if !cfg.PushDeposits {
		return crypto.Address{}, fmt.Errorf("%w: %s deposits are pulled", ErrGeneric, cfg.Symbol)
	}
	return l.deposits.DepositAddress(cfg.Symbol, owner), nil
}

// Liquidatable lists vaults below their collateral's liquidation threshold at
// the snapshot prices. In Recovery the borrow threshold applies instead, so
// vaults healthy in Available become eligible for targeted liquidation.
func (l *Ledger) Liquidatable(snap PriceSnapshot) ([]*Vault, error) {
	status, err := l.RecomputeMode(snap)
	if err != nil {
		return nil, err
	}
	configs, err := l.store.ListCollateral()
	if err != nil {
		return nil, err
	}
	bySymbol := make(map[string]*CollateralConfig, len(configs))
	for _, cfg := range configs {
		bySymbol[cfg.Symbol] = cfg
	}
	var out []*Vault
	err = l.store.ForEachVault(func(v *Vault) bool {
		if v.DebtAmount == nil || v.DebtAmount.Sign() == 0 {
			return true
		}
		cfg, ok := bySymbol[v.Collateral]
		if !ok {
			return true
		}
		price, perr := snap.Price(v.Collateral)
		if perr != nil {
			return true
		}
		threshold := cfg.LiquidationThresholdBps
		if status.Mode == ModeRecovery {
			threshold = cfg.BorrowThresholdBps
		}
		if !MeetsRatio(CollateralValue(v.CollateralAmount, price), v.DebtAmount, threshold) {
			out = append(out, v)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CollateralDebt sums the outstanding debt against one collateral type.
func (l *Ledger) CollateralDebt(symbol string) (*big.Int, error) {
	ids, err := l.store.VaultIDsByCollateral(symbol)
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, id := range ids {
		v, err := l.store.GetVault(id)
		if err != nil {
			return nil, err
		}
		if v != nil && v.DebtAmount != nil {
			total.Add(total, v.DebtAmount)
		}
	}
	return total, nil
}

// --- administration ---

// RegisterCollateral validates and persists a collateral config. Existing
// configs are replaced, which is how parameters are tuned.
func (l *Ledger) RegisterCollateral(cfg *CollateralConfig) error {
	if cfg == nil || oracle.NormaliseSymbol(cfg.Symbol) == "" {
		return fmt.Errorf("%w: collateral symbol required", ErrGeneric)
	}
	if cfg.BorrowThresholdBps <= basisPoints.Uint64() {
		return fmt.Errorf("%w: borrow threshold must exceed 10000 bps", ErrGeneric)
	}
	if cfg.LiquidationThresholdBps >= cfg.BorrowThresholdBps {
		return fmt.Errorf("%w: liquidation threshold must sit below borrow threshold", ErrGeneric)
	}
	if cfg.RecoveryTargetBps != 0 && cfg.RecoveryTargetBps < cfg.BorrowThresholdBps {
		return fmt.Errorf("%w: recovery target must be at or above borrow threshold", ErrGeneric)
	}
	clone := cfg.Copy()
	clone.Symbol = oracle.NormaliseSymbol(cfg.Symbol)
	if clone.DebtCeiling == nil {
		clone.DebtCeiling = big.NewInt(0)
	}
	if clone.MinVaultDebt == nil {
		clone.MinVaultDebt = big.NewInt(0)
	}
	if clone.MinDeposit == nil {
		clone.MinDeposit = big.NewInt(0)
	}
	if clone.DustCollateral == nil {
		clone.DustCollateral = big.NewInt(0)
	}
	return l.store.PutCollateral(clone)
}

// SetCollateralStatus transitions a collateral type's lifecycle status.
func (l *Ledger) SetCollateralStatus(symbol string, status CollateralStatus) error {
	cfg, err := l.configFor(symbol)
	if err != nil {
		return err
	}
	cfg.Status = status
	if err := l.store.PutCollateral(cfg); err != nil {
		return err
	}
	l.logger.Info("collateral status changed", "collateral", cfg.Symbol, "status", status.String())
	return nil
}

// --- protocol-initiated mutation path ---
// Used by the liquidation and redemption engines. These run without the
// per-principal guard: protocol flows are serialized by their own scan loops
// and touch vaults regardless of owner.

// PullStable pulls protocol stable tokens from a principal, typically a
// liquidator's repayment or a redeemer's burn.
func (l *Ledger) PullStable(ctx context.Context, from crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrAmountTooLow)
	}
	if err := l.backend.Pull(ctx, l.stableSymbol, from, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// PayoutAsset queues an outbound transfer of any asset. Send failures never
// fail the caller: the bookkeeping stays pending and the health monitor
// re-drives it.
func (l *Ledger) PayoutAsset(ctx context.Context, asset string, to crypto.Address, amount *big.Int) {
	l.queuePayout(ctx, asset, to, amount)
}

// ApplyCut reduces a vault's debt and collateral together, appending one
// event of the given kind. Residual debt under the dust floor is forgiven
// with its own event. A vault emptied of both debt and collateral is deleted.
func (l *Ledger) ApplyCut(vaultID uint64, debtCut, collateralCut *big.Int, kind EventKind) (*Vault, error) {
	vault, err := l.store.GetVault(vaultID)
	if err != nil {
		return nil, err
	}
	if vault == nil {
		return nil, ErrVaultNotFound
	}
	cfg, err := l.configFor(vault.Collateral)
	if err != nil {
		return nil, err
	}
	debtCut = clampCut(debtCut, vault.DebtAmount)
	collateralCut = clampCut(collateralCut, vault.CollateralAmount)
	if debtCut.Sign() == 0 && collateralCut.Sign() == 0 {
		return vault.Copy(), nil
	}

	vault.DebtAmount = new(big.Int).Sub(vault.DebtAmount, debtCut)
	vault.CollateralAmount = new(big.Int).Sub(vault.CollateralAmount, collateralCut)
	vault.UpdatedAt = l.clock().UTC()

	forgiven := big.NewInt(0)
	if vault.DebtAmount.Sign() > 0 && vault.DebtAmount.Cmp(cfg.MinVaultDebt) < 0 {
		forgiven = new(big.Int).Set(vault.DebtAmount)
		vault.DebtAmount = big.NewInt(0)
	}

	if vault.DebtAmount.Sign() == 0 && vault.CollateralAmount.Sign() == 0 {
		if err := l.store.DeleteVault(vaultID); err != nil {
			return nil, err
		}
	} else if err := l.store.PutVault(vault); err != nil {
		return nil, err
	}
	if err := l.appendEvent(vaultID, kind, new(big.Int).Neg(collateralCut), new(big.Int).Neg(debtCut)); err != nil {
		return nil, err
	}
	if forgiven.Sign() > 0 {
		if err := l.appendEvent(vaultID, EventDustForgiven, big.NewInt(0), new(big.Int).Neg(forgiven)); err != nil {
			return nil, err
		}
	}
	return vault.Copy(), nil
}

// ApplyAddition increases a vault's debt and collateral together, appending
// one event of the given kind. Redistribution uses it to fold a liquidated
// vault's remains into survivors.
func (l *Ledger) ApplyAddition(vaultID uint64, debtAdd, collateralAdd *big.Int, kind EventKind) (*Vault, error) {
	vault, err := l.store.GetVault(vaultID)
	if err != nil {
		return nil, err
	}
	if vault == nil {
		return nil, ErrVaultNotFound
	}
	if debtAdd == nil {
		debtAdd = big.NewInt(0)
	}
	if collateralAdd == nil {
		collateralAdd = big.NewInt(0)
	}
	if debtAdd.Sign() < 0 || collateralAdd.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative addition", ErrGeneric)
	}
	if debtAdd.Sign() == 0 && collateralAdd.Sign() == 0 {
		return vault.Copy(), nil
	}
	vault.DebtAmount = new(big.Int).Add(vault.DebtAmount, debtAdd)
	vault.CollateralAmount = new(big.Int).Add(vault.CollateralAmount, collateralAdd)
	vault.UpdatedAt = l.clock().UTC()
	if err := l.store.PutVault(vault); err != nil {
		return nil, err
	}
	if err := l.appendEvent(vaultID, kind, collateralAdd, debtAdd); err != nil {
		return nil, err
	}
	return vault.Copy(), nil
}

// RemoveVault zeroes and deletes a vault, recording the removal under the
// given kind. The engines call it after liquidation legs settle.
func (l *Ledger) RemoveVault(vaultID uint64, kind EventKind) error {
	vault, err := l.store.GetVault(vaultID)
	if err != nil {
		return err
	}
	if vault == nil {
		return nil
	}
	if err := l.store.DeleteVault(vaultID); err != nil {
		return err
	}
	return l.appendEvent(vaultID, kind,
		new(big.Int).Neg(vault.CollateralAmount),
		new(big.Int).Neg(vault.DebtAmount))
}

// --- internals ---

type opKind uint8

const (
	opOpen opKind = iota
	opDeposit
	opBorrow
	opRepay
	opWithdraw
	opClose
)

func statusAllows(status CollateralStatus, op opKind) bool {
	switch status {
	case StatusActive:
		return true
	case StatusPaused:
		return false
	case StatusFrozen:
		return op == opDeposit || op == opRepay || op == opWithdraw || op == opClose
	case StatusSunset:
		return op != opOpen
	case StatusDeprecated:
		return op == opRepay || op == opClose
	default:
		return false
	}
}

func (l *Ledger) configFor(symbol string) (*CollateralConfig, error) {
	cfg, err := l.store.GetCollateral(symbol)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: unknown collateral %s", ErrCollateralStatusBlocked, oracle.NormaliseSymbol(symbol))
	}
	return cfg, nil
}

func (l *Ledger) ownedVault(caller crypto.Address, vaultID uint64) (*Vault, *CollateralConfig, error) {
	vault, err := l.store.GetVault(vaultID)
	if err != nil {
		return nil, nil, err
	}
	if vault == nil {
		return nil, nil, ErrVaultNotFound
	}
	if !vault.Owner.Equal(caller) {
		return nil, nil, ErrCallerNotOwner
	}
	cfg, err := l.configFor(vault.Collateral)
	if err != nil {
		return nil, nil, err
	}
	return vault, cfg, nil
}

func (l *Ledger) ensureWritable(snap PriceSnapshot) (*ProtocolStatus, error) {
	status, err := l.RecomputeMode(snap)
	if err != nil {
		return nil, err
	}
	if status.Mode == ModeReadOnly {
		return nil, fmt.Errorf("%w: protocol is read-only", ErrTemporarilyUnavailable)
	}
	return status, nil
}

// checkBorrowLimits validates the borrow-threshold ratio and the collateral
// debt ceiling for a prospective debt level. priorDebt is the vault's debt
// already counted inside the aggregate, so only the increase is charged
// against the ceiling.
func (l *Ledger) checkBorrowLimits(cfg *CollateralConfig, collateral, newDebt, priorDebt *big.Int, price *big.Rat) error {
	if newDebt.Sign() == 0 {
		return nil
	}
	if !MeetsRatio(CollateralValue(collateral, price), newDebt, cfg.BorrowThresholdBps) {
		return ErrCollateralRatioTooLow
	}
	if cfg.DebtCeiling != nil && cfg.DebtCeiling.Sign() > 0 {
		aggregate, err := l.CollateralDebt(cfg.Symbol)
		if err != nil {
			return err
		}
		aggregate.Sub(aggregate, priorDebt)
		aggregate.Add(aggregate, newDebt)
		if aggregate.Cmp(cfg.DebtCeiling) > 0 {
			return ErrDebtCeilingExceeded
		}
	}
	return nil
}

func (l *Ledger) borrowFee(cfg *CollateralConfig, mode Mode, minted *big.Int) *big.Int {
	if mode == ModeRecovery {
		return big.NewInt(0)
	}
	return ApplyBps(minted, cfg.BorrowingFeeBps)
}

func (l *Ledger) creditFee(asset string, amount *big.Int) {
	if l.fees == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	if err := l.fees.Credit(asset, amount); err != nil {
		l.logger.Error("fee credit failed", "asset", asset, "amount", amount.String(), "err", err)
	}
}

// payoutStrict sends an outbound transfer and fails the operation on a
// synchronous backend error. A successful handoff is recorded confirmed.
func (l *Ledger) payoutStrict(ctx context.Context, asset string, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	backendID, err := l.backend.Payout(ctx, asset, to, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if l.outbound != nil {
		out, rerr := l.outbound.Record(asset, to, amount, backendID)
		if rerr != nil {
			l.logger.Error("outbound record failed", "asset", asset, "err", rerr)
			return nil
		}
		if cerr := l.outbound.MarkConfirmed(out.ID); cerr != nil {
			l.logger.Error("outbound confirm failed", "transfer", out.ID, "err", cerr)
		}
	}
	return nil
}

// queuePayout records an outbound transfer and attempts delivery. A send
// failure leaves the record pending so the health monitor retries it; the
// caller's state change stands either way.
func (l *Ledger) queuePayout(ctx context.Context, asset string, to crypto.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	if l.outbound == nil {
		if _, err := l.backend.Payout(ctx, asset, to, amount); err != nil {
			l.logger.Error("payout failed without outbound ledger", "asset", asset, "to", to.String(), "amount", amount.String(), "err", err)
		}
		return
	}
	out, err := l.outbound.Record(asset, to, amount, "")
	if err != nil {
		l.logger.Error("outbound record failed", "asset", asset, "err", err)
		return
	}
	backendID, err := l.backend.Payout(ctx, asset, to, amount)
	if err != nil {
		if merr := l.outbound.MarkRetry(out.ID, "", err.Error()); merr != nil {
			l.logger.Error("outbound retry mark failed", "transfer", out.ID, "err", merr)
		}
		l.logger.Warn("payout queued for retry", "transfer", out.ID, "asset", asset, "err", err)
		return
	}
	if err := l.outbound.MarkRetry(out.ID, backendID, ""); err != nil {
		l.logger.Error("outbound attempt mark failed", "transfer", out.ID, "err", err)
	}
	if err := l.outbound.MarkConfirmed(out.ID); err != nil {
		l.logger.Error("outbound confirm failed", "transfer", out.ID, "err", err)
	}
}

func (l *Ledger) appendEvent(vaultID uint64, kind EventKind, collateralDelta, debtDelta *big.Int) error {
	return l.store.AppendEvent(&Event{
		VaultID:         vaultID,
		Kind:            kind,
		CollateralDelta: collateralDelta,
		DebtDelta:       debtDelta,
		Timestamp:       l.clock().UTC(),
	})
}

func clampCut(cut, available *big.Int) *big.Int {
	if cut == nil || cut.Sign() <= 0 {
		return big.NewInt(0)
	}
	if available != nil && cut.Cmp(available) > 0 {
		return new(big.Int).Set(available)
	}
	return new(big.Int).Set(cut)
}
