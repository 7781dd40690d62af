package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"rumiprotocol/crypto"
	"rumiprotocol/native/vault"
)

var (
	// ErrNotLiquidatable rejects a liquidation attempt against a vault that
	// clears its applicable threshold at the snapshot price.
	ErrNotLiquidatable = errors.New("liquidation: vault not eligible")
	// ErrNoRecipients signals that redistribution found no debt-carrying
	// vault of the same collateral type to absorb the remains.
	ErrNoRecipients = errors.New("liquidation: no redistribution recipients")
)

var basisPoints = big.NewInt(10_000)

// Action classifies what a scan recommends for a candidate vault.
type Action string

const (
	// ActionLiquidate marks a vault below the liquidation threshold.
	ActionLiquidate Action = "liquidate"
	// ActionTargeted marks a Recovery-mode vault between the liquidation and
	// borrow thresholds, eligible for a targeted partial liquidation.
	ActionTargeted Action = "targeted"
	// ActionRedistribute marks a vault too far gone for a liquidator to
	// profit; its remains should be folded into surviving vaults.
	ActionRedistribute Action = "redistribute"
)

// Candidate is one scan finding.
type Candidate struct {
	VaultID    uint64
	Owner      crypto.Address
	Collateral string
	RatioBps   *big.Int
	Action     Action
}

// Result summarises a completed liquidation leg.
type Result struct {
	VaultID          uint64
	Kind             vault.EventKind
	DebtRepaid       *big.Int
	CollateralSeized *big.Int
}

// Engine drives the liquidation flows over the vault ledger. Every entry
// point captures a single price snapshot and prices the whole pass with it.
type Engine struct {
	ledger *vault.Ledger
	logger *slog.Logger
	clock  func() time.Time
}

// NewEngine wires the liquidation engine to the vault ledger.
func NewEngine(ledger *vault.Ledger) *Engine {
	return &Engine{ledger: ledger, logger: slog.Default(), clock: time.Now}
}

// SetLogger overrides the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// SetClock overrides the time source for deterministic testing.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// Liquidate fully liquidates a vault below its liquidation threshold: the
// liquidator repays the entire debt in stable tokens and receives collateral
// worth the debt plus the liquidation bonus, capped at the vault's balance.
// Collateral left after the capped seizure is returned to the vault owner and
// the vault is removed. In Recovery mode a vault between the liquidation and
// borrow thresholds is instead trimmed back to the recovery target ratio.
func (e *Engine) Liquidate(ctx context.Context, liquidator crypto.Address, vaultID uint64) (*Result, error) {
	snap, v, cfg, mode, err := e.prepare(vaultID)
	if err != nil {
		return nil, err
	}
	price, err := snap.Price(cfg.Symbol)
	if err != nil {
		return nil, err
	}
	value := vault.CollateralValue(v.CollateralAmount, price)

	switch {
	case !vault.MeetsRatio(value, v.DebtAmount, cfg.LiquidationThresholdBps):
		return e.liquidateFull(ctx, snap, liquidator, v, cfg, price)
	case mode == vault.ModeRecovery && !vault.MeetsRatio(value, v.DebtAmount, cfg.BorrowThresholdBps):
		return e.liquidateTargeted(ctx, snap, liquidator, v, cfg, price, value)
	default:
		return nil, ErrNotLiquidatable
	}
}

// LiquidatePartial repays part of an eligible vault's debt. The repayment
// must meet the debt dust floor; a repayment at or above the full debt
// escalates to a full liquidation.
func (e *Engine) LiquidatePartial(ctx context.Context, liquidator crypto.Address, vaultID uint64, repay *big.Int) (*Result, error) {
	if repay == nil || repay.Sign() <= 0 {
		return nil, fmt.Errorf("%w: repayment must be positive", vault.ErrAmountTooLow)
	}
	snap, v, cfg, _, err := e.prepare(vaultID)
	if err != nil {
		return nil, err
	}
	price, err := snap.Price(cfg.Symbol)
	if err != nil {
		return nil, err
	}
	value := vault.CollateralValue(v.CollateralAmount, price)
	if vault.MeetsRatio(value, v.DebtAmount, cfg.LiquidationThresholdBps) {
		return nil, ErrNotLiquidatable
	}
	if repay.Cmp(cfg.MinVaultDebt) < 0 {
		return nil, fmt.Errorf("%w: repayment under floor %s", vault.ErrAmountTooLow, cfg.MinVaultDebt)
	}
	if repay.Cmp(v.DebtAmount) >= 0 {
		return e.liquidateFull(ctx, snap, liquidator, v, cfg, price)
	}
	return e.settle(ctx, snap, liquidator, v, cfg, price, repay, vault.EventPartiallyLiquidated, cfg.LiquidationThresholdBps)
}

// Redistribute absorbs a vault whose collateral no longer covers its debt
// plus the liquidation bonus, folding debt and collateral pro rata by debt
// share into the surviving vaults of the same collateral type. No stable
// tokens move; the losses are socialized.
func (e *Engine) Redistribute(ctx context.Context, vaultID uint64) (*Result, error) {
	snap, v, cfg, _, err := e.prepare(vaultID)
	if err != nil {
		return nil, err
	}
	price, err := snap.Price(cfg.Symbol)
	if err != nil {
		return nil, err
	}
	value := vault.CollateralValue(v.CollateralAmount, price)
	if !redistributable(value, v.DebtAmount, cfg.LiquidationBonusBps) {
		return nil, ErrNotLiquidatable
	}

	ids, err := e.ledger.Store().VaultIDsByCollateral(cfg.Symbol)
	if err != nil {
		return nil, err
	}
	var recipients []*vault.Vault
	totalDebt := big.NewInt(0)
	for _, id := range ids {
		if id == vaultID {
			continue
		}
		r, err := e.ledger.Vault(id)
		if err != nil {
			return nil, err
		}
		if r.DebtAmount == nil || r.DebtAmount.Sign() == 0 {
			continue
		}
		recipients = append(recipients, r)
		totalDebt.Add(totalDebt, r.DebtAmount)
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	debt := new(big.Int).Set(v.DebtAmount)
	collateral := new(big.Int).Set(v.CollateralAmount)
	debtLeft := new(big.Int).Set(debt)
	collLeft := new(big.Int).Set(collateral)
	for i, r := range recipients {
		var debtShare, collShare *big.Int
		if i == len(recipients)-1 {
			// Rounding remainder lands on the largest index so the totals
			// conserve exactly.
			debtShare = debtLeft
			collShare = collLeft
		} else {
			debtShare = proRata(debt, r.DebtAmount, totalDebt)
			collShare = proRata(collateral, r.DebtAmount, totalDebt)
			debtLeft = new(big.Int).Sub(debtLeft, debtShare)
			collLeft = new(big.Int).Sub(collLeft, collShare)
		}
		if _, err := e.ledger.ApplyAddition(r.ID, debtShare, collShare, vault.EventRedistributed); err != nil {
			return nil, err
		}
	}
	if err := e.ledger.RemoveVault(vaultID, vault.EventLiquidated); err != nil {
		return nil, err
	}
	if _, err := e.ledger.RecomputeMode(snap); err != nil {
		return nil, err
	}
	e.logger.Info("vault redistributed", "vault", vaultID, "debt", debt.String(), "collateral", collateral.String(), "recipients", len(recipients))
	return &Result{VaultID: vaultID, Kind: vault.EventRedistributed, DebtRepaid: debt, CollateralSeized: collateral}, nil
}

// Scan prices every debt-carrying vault once and classifies the eligible
// ones. It mutates nothing; keepers act on the findings.
func (e *Engine) Scan() ([]Candidate, error) {
	snap, err := e.ledger.Snapshot()
	if err != nil {
		return nil, err
	}
	status, err := e.ledger.RecomputeMode(snap)
	if err != nil {
		return nil, err
	}
	configs, err := e.ledger.ListCollateral()
	if err != nil {
		return nil, err
	}
	bySymbol := make(map[string]*vault.CollateralConfig, len(configs))
	for _, cfg := range configs {
		bySymbol[cfg.Symbol] = cfg
	}

	var found []Candidate
	err = e.ledger.Store().ForEachVault(func(v *vault.Vault) bool {
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
		value := vault.CollateralValue(v.CollateralAmount, price)
		var action Action
		switch {
		case redistributable(value, v.DebtAmount, cfg.LiquidationBonusBps):
			action = ActionRedistribute
		case !vault.MeetsRatio(value, v.DebtAmount, cfg.LiquidationThresholdBps):
			action = ActionLiquidate
		case status.Mode == vault.ModeRecovery && !vault.MeetsRatio(value, v.DebtAmount, cfg.BorrowThresholdBps):
			action = ActionTargeted
		default:
			return true
		}
		found = append(found, Candidate{
			VaultID:    v.ID,
			Owner:      v.Owner,
			Collateral: v.Collateral,
			RatioBps:   vault.RatioBps(value, v.DebtAmount),
			Action:     action,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// --- internals ---

func (e *Engine) prepare(vaultID uint64) (vault.PriceSnapshot, *vault.Vault, *vault.CollateralConfig, vault.Mode, error) {
	snap, err := e.ledger.Snapshot()
	if err != nil {
		return nil, nil, nil, 0, err
	}
	status, err := e.ledger.RecomputeMode(snap)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	if status.Mode == vault.ModeReadOnly {
		return nil, nil, nil, 0, fmt.Errorf("%w: protocol is read-only", vault.ErrTemporarilyUnavailable)
	}
	v, err := e.ledger.Vault(vaultID)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	cfg, err := e.ledger.ConfigFor(v.Collateral)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	return snap, v, cfg, status.Mode, nil
}

func (e *Engine) liquidateFull(ctx context.Context, snap vault.PriceSnapshot, liquidator crypto.Address, v *vault.Vault, cfg *vault.CollateralConfig, price *big.Rat) (*Result, error) {
	return e.settle(ctx, snap, liquidator, v, cfg, price, new(big.Int).Set(v.DebtAmount), vault.EventLiquidated, cfg.LiquidationThresholdBps)
}

// liquidateTargeted trims a Recovery-mode vault back to the recovery target
// ratio t: repaying x and seizing x*(1+bonus) of value solves
// (V - x*b) / (D - x) >= t for the smallest x, with b = 1 + bonus.
func (e *Engine) liquidateTargeted(ctx context.Context, snap vault.PriceSnapshot, liquidator crypto.Address, v *vault.Vault, cfg *vault.CollateralConfig, price *big.Rat, value *big.Int) (*Result, error) {
	target := new(big.Int).SetUint64(cfg.RecoveryTargetBps)
	seizeRate := new(big.Int).Add(basisPoints, new(big.Int).SetUint64(cfg.LiquidationBonusBps))
	den := new(big.Int).Sub(target, seizeRate)
	if den.Sign() <= 0 {
		return nil, ErrNotLiquidatable
	}
	num := new(big.Int).Mul(target, v.DebtAmount)
	num.Sub(num, new(big.Int).Mul(basisPoints, value))
	if num.Sign() <= 0 {
		return nil, ErrNotLiquidatable
	}
	repay := ceilDiv(num, den)
	if repay.Cmp(cfg.MinVaultDebt) < 0 {
		repay = new(big.Int).Set(cfg.MinVaultDebt)
	}
	remaining := new(big.Int).Sub(v.DebtAmount, repay)
	if remaining.Sign() <= 0 || remaining.Cmp(cfg.MinVaultDebt) < 0 {
		return e.liquidateFull(ctx, snap, liquidator, v, cfg, price)
	}
	return e.settle(ctx, snap, liquidator, v, cfg, price, repay, vault.EventPartiallyLiquidated, cfg.BorrowThresholdBps)
}

// settle runs the shared repay-and-seize leg: pull the stable repayment,
// re-check eligibility after the transfer settles, cut the vault and queue
// the collateral payouts.
func (e *Engine) settle(ctx context.Context, snap vault.PriceSnapshot, liquidator crypto.Address, v *vault.Vault, cfg *vault.CollateralConfig, price *big.Rat, repay *big.Int, kind vault.EventKind, recheckBps uint64) (*Result, error) {
	if err := e.ledger.PullStable(ctx, liquidator, repay); err != nil {
		return nil, err
	}

	// The pull is an await point: re-read the vault and give the repayment
	// back if the position healed or vanished in the meantime.
	current, err := e.ledger.Vault(v.ID)
	if err != nil {
		if errors.Is(err, vault.ErrVaultNotFound) {
			e.ledger.PayoutAsset(ctx, e.ledger.StableSymbol(), liquidator, repay)
			return nil, ErrNotLiquidatable
		}
		return nil, err
	}
	value := vault.CollateralValue(current.CollateralAmount, price)
	if vault.MeetsRatio(value, current.DebtAmount, recheckBps) {
		e.ledger.PayoutAsset(ctx, e.ledger.StableSymbol(), liquidator, repay)
		return nil, ErrNotLiquidatable
	}
	if repay.Cmp(current.DebtAmount) > 0 {
		excess := new(big.Int).Sub(repay, current.DebtAmount)
		e.ledger.PayoutAsset(ctx, e.ledger.StableSymbol(), liquidator, excess)
		repay = new(big.Int).Set(current.DebtAmount)
	}

	seizeValue := applyRate(repay, cfg.LiquidationBonusBps)
	seize := vault.CollateralForValue(seizeValue, price)
	if seize.Cmp(current.CollateralAmount) > 0 {
		seize = new(big.Int).Set(current.CollateralAmount)
	}

	after, err := e.ledger.ApplyCut(v.ID, repay, seize, kind)
	if err != nil {
		return nil, err
	}
	if kind == vault.EventLiquidated {
		// Full liquidation zeroes the vault; leftover collateral after the
		// capped seizure belongs to the owner.
		if after.CollateralAmount.Sign() > 0 {
			e.ledger.PayoutAsset(ctx, cfg.Symbol, current.Owner, after.CollateralAmount)
		}
		if err := e.ledger.RemoveVault(v.ID, vault.EventClosed); err != nil {
			return nil, err
		}
	}
	e.ledger.PayoutAsset(ctx, cfg.Symbol, liquidator, seize)
	if _, err := e.ledger.RecomputeMode(snap); err != nil {
		return nil, err
	}
	e.logger.Info("vault liquidated",
		"vault", v.ID, "kind", string(kind), "liquidator", liquidator.String(),
		"repaid", repay.String(), "seized", seize.String())
	return &Result{VaultID: v.ID, Kind: kind, DebtRepaid: repay, CollateralSeized: seize}, nil
}

// redistributable reports whether the collateral value no longer covers the
// debt plus the liquidation bonus, leaving no margin for a liquidator.
func redistributable(value, debt *big.Int, bonusBps uint64) bool {
	if debt == nil || debt.Sign() == 0 {
		return false
	}
	lhs := new(big.Int).Mul(value, basisPoints)
	rhs := new(big.Int).Mul(debt, new(big.Int).Add(basisPoints, new(big.Int).SetUint64(bonusBps)))
	return lhs.Cmp(rhs) < 0
}

func applyRate(amount *big.Int, bonusBps uint64) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).Add(basisPoints, new(big.Int).SetUint64(bonusBps)))
	return out.Quo(out, basisPoints)
}

func proRata(total, part, whole *big.Int) *big.Int {
	out := new(big.Int).Mul(total, part)
	return out.Quo(out, whole)
}

func ceilDiv(num, den *big.Int) *big.Int {
	out := new(big.Int)
	rem := new(big.Int)
	out.QuoRem(num, den, rem)
	if rem.Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}
