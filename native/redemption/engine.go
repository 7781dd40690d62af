package redemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"rumiprotocol/crypto"
	"rumiprotocol/native/vault"
	"rumiprotocol/oracle"
	"rumiprotocol/storage"
)

// ErrNothingToRedeem signals that neither the reserves nor the vault table
// could absorb any part of the request.
var ErrNothingToRedeem = errors.New("redemption: nothing to redeem against")

var basisPoints = big.NewInt(10_000)

// Params tunes the redemption engine.
type Params struct {
	// ReserveFeeBps is the flat fee on the reserve tier.
	ReserveFeeBps uint64
	// FeeFloorBps and FeeCeilingBps bound the dynamic fee on the vault tier.
	FeeFloorBps   uint64
	FeeCeilingBps uint64
	// VolumeWindow is the rolling window feeding redemption pressure.
	VolumeWindow time.Duration
	// PreferredReserves orders the reserve assets consumed first; remaining
	// reserves follow alphabetically.
	PreferredReserves []string
}

// DefaultParams mirrors the launch configuration.
func DefaultParams() Params {
	return Params{
		ReserveFeeBps: 25,
		FeeFloorBps:   50,
		FeeCeilingBps: 500,
		VolumeWindow:  6 * time.Hour,
	}
}

// Leg is one asset delivery inside a receipt.
type Leg struct {
	Asset  string
	Amount *big.Int
	FeeBps uint64
	Source string
}

// Receipt summarises a completed redemption.
type Receipt struct {
	Redeemed      *big.Int
	Refunded      *big.Int
	Legs          []Leg
	VaultsTouched []uint64
}

// Engine redeems stable tokens at par. The reserve tier is consumed first:
// alternate stables taken in during repayment leave at a flat fee, preferred
// assets first. The remainder spills into the vault table, cutting debt and
// collateral together from the riskiest vaults up so every touched vault
// keeps its ratio, with a dynamic fee driven by recent redemption pressure.
type Engine struct {
	ledger *vault.Ledger
	store  *Store
	fees   vault.FeeSink
	params Params
	logger *slog.Logger
	clock  func() time.Time
}

// NewEngine wires the redemption engine over the vault ledger.
func NewEngine(ledger *vault.Ledger, db storage.Database, params Params) *Engine {
	if params.FeeCeilingBps < params.FeeFloorBps {
		params.FeeCeilingBps = params.FeeFloorBps
	}
	if params.VolumeWindow <= 0 {
		params.VolumeWindow = DefaultParams().VolumeWindow
	}
	return &Engine{
		ledger: ledger,
		store:  NewStore(db),
		params: params,
		logger: slog.Default(),
		clock:  time.Now,
	}
}

// SetFeeSink attaches the treasury.
func (e *Engine) SetFeeSink(sink vault.FeeSink) {
	if e == nil {
		return
	}
	e.fees = sink
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

// QuoteVaultFee returns the dynamic vault-tier fee a redemption of the given
// size would pay right now.
func (e *Engine) QuoteVaultFee(amount *big.Int) (uint64, error) {
	status, err := e.ledger.Status()
	if err != nil {
		return 0, err
	}
	return e.vaultFeeBps(amount, status.TotalDebt)
}

// Redeem burns up to amount stable tokens from the redeemer and delivers
// par-minus-fee value in reserve assets and collateral. Stable that nothing
// can absorb is returned to the redeemer.
func (e *Engine) Redeem(ctx context.Context, redeemer crypto.Address, amount *big.Int) (*Receipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", vault.ErrAmountTooLow)
	}
	reserves, err := e.ledger.Store().ListReserves()
	if err != nil {
		return nil, err
	}
	reserveAssets := e.orderedReserves(reserves)

	snap, err := e.ledger.Snapshot(reserveAssets...)
	if err != nil {
		return nil, err
	}
	status, err := e.ledger.RecomputeMode(snap)
	if err != nil {
		return nil, err
	}
	if status.Mode == vault.ModeReadOnly {
		return nil, fmt.Errorf("%w: protocol is read-only", vault.ErrTemporarilyUnavailable)
	}

	if err := e.ledger.PullStable(ctx, redeemer, amount); err != nil {
		return nil, err
	}

	receipt := &Receipt{Redeemed: big.NewInt(0), Refunded: big.NewInt(0)}
	remaining := new(big.Int).Set(amount)

	remaining, err = e.redeemFromReserves(ctx, redeemer, remaining, reserveAssets, reserves, snap, receipt)
	if err != nil {
		return nil, err
	}
	if remaining.Sign() > 0 {
		remaining, err = e.redeemFromVaults(ctx, redeemer, remaining, status.TotalDebt, snap, receipt)
		if err != nil {
			return nil, err
		}
	}
	if remaining.Cmp(amount) == 0 {
		e.ledger.PayoutAsset(ctx, e.ledger.StableSymbol(), redeemer, remaining)
		return nil, ErrNothingToRedeem
	}
	if remaining.Sign() > 0 {
		e.ledger.PayoutAsset(ctx, e.ledger.StableSymbol(), redeemer, remaining)
		receipt.Refunded = new(big.Int).Set(remaining)
	}
	receipt.Redeemed = new(big.Int).Sub(amount, remaining)

	if err := e.store.RecordVolume(receipt.Redeemed, e.clock().UTC()); err != nil {
		return nil, err
	}
	if _, err := e.ledger.RecomputeMode(snap); err != nil {
		return nil, err
	}
	e.logger.Info("redemption settled",
		"redeemer", redeemer.String(), "requested", amount.String(),
		"redeemed", receipt.Redeemed.String(), "refunded", receipt.Refunded.String(),
		"vaults", len(receipt.VaultsTouched))
	return receipt, nil
}

// redeemFromReserves drains the alternate-stable reserves at the flat fee.
// An asset without a fresh on-parity price is skipped rather than paid out at
// an unverifiable rate.
func (e *Engine) redeemFromReserves(ctx context.Context, redeemer crypto.Address, remaining *big.Int, assets []string, reserves map[string]*big.Int, snap vault.PriceSnapshot, receipt *Receipt) (*big.Int, error) {
	for _, asset := range assets {
		if remaining.Sign() == 0 {
			break
		}
		balance := reserves[asset]
		if balance == nil || balance.Sign() == 0 {
			continue
		}
		rate, err := snap.Price(asset)
		if err != nil || !oracle.WithinBand(rate, e.ledger.DepegTolerance()) {
			continue
		}
		take := new(big.Int).Set(remaining)
		if take.Cmp(balance) > 0 {
			take.Set(balance)
		}
		fee := applyBps(take, e.params.ReserveFeeBps)
		net := new(big.Int).Sub(take, fee)
		if net.Sign() <= 0 {
			continue
		}
		if err := e.ledger.Store().AddReserve(asset, new(big.Int).Neg(take)); err != nil {
			return nil, err
		}
		e.ledger.PayoutAsset(ctx, asset, redeemer, net)
		e.creditFee(asset, fee)
		remaining = new(big.Int).Sub(remaining, take)
		receipt.Legs = append(receipt.Legs, Leg{Asset: asset, Amount: net, FeeBps: e.params.ReserveFeeBps, Source: "reserve"})
	}
	return remaining, nil
}

// redeemFromVaults spills the remainder into the vault table. Vaults are
// consumed riskiest-first; each cut removes debt and the proportional
// collateral so the touched vault's ratio is unchanged. The redeemer receives
// collateral worth the cut debt minus the dynamic fee; the rest of the cut
// collateral is surplus routed to the treasury.
func (e *Engine) redeemFromVaults(ctx context.Context, redeemer crypto.Address, remaining *big.Int, totalDebt *big.Int, snap vault.PriceSnapshot, receipt *Receipt) (*big.Int, error) {
	feeBps, err := e.vaultFeeBps(remaining, totalDebt)
	if err != nil {
		return nil, err
	}

	type target struct {
		v     *vault.Vault
		price *big.Rat
		value *big.Int
	}
	var targets []target
	err = e.ledger.Store().ForEachVault(func(v *vault.Vault) bool {
		if v.DebtAmount == nil || v.DebtAmount.Sign() == 0 {
			return true
		}
		price, perr := snap.Price(v.Collateral)
		if perr != nil {
			return true
		}
		targets = append(targets, target{v: v, price: price, value: vault.CollateralValue(v.CollateralAmount, price)})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(targets, func(i, j int) bool {
		return vault.CompareRatio(targets[i].value, targets[i].v.DebtAmount, targets[j].value, targets[j].v.DebtAmount) < 0
	})

	payouts := make(map[string]*big.Int)
	for _, tgt := range targets {
		if remaining.Sign() == 0 {
			break
		}
		debtCut := new(big.Int).Set(remaining)
		if debtCut.Cmp(tgt.v.DebtAmount) > 0 {
			debtCut.Set(tgt.v.DebtAmount)
		}
		collCut := vault.ProportionalCut(tgt.v.CollateralAmount, debtCut, tgt.v.DebtAmount)

		if _, err := e.ledger.ApplyCut(tgt.v.ID, debtCut, collCut, vault.EventRedemptionTouched); err != nil {
			return nil, err
		}

		netValue := new(big.Int).Sub(debtCut, applyBps(debtCut, feeBps))
		share := vault.CollateralForValue(netValue, tgt.price)
		if share.Cmp(collCut) > 0 {
			share = new(big.Int).Set(collCut)
		}
		surplus := new(big.Int).Sub(collCut, share)
		if surplus.Sign() > 0 {
			e.creditFee(tgt.v.Collateral, surplus)
		}
		if share.Sign() > 0 {
			total, ok := payouts[tgt.v.Collateral]
			if !ok {
				total = big.NewInt(0)
				payouts[tgt.v.Collateral] = total
			}
			total.Add(total, share)
		}
		remaining = new(big.Int).Sub(remaining, debtCut)
		receipt.VaultsTouched = append(receipt.VaultsTouched, tgt.v.ID)
	}

	assets := make([]string, 0, len(payouts))
	for asset := range payouts {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		e.ledger.PayoutAsset(ctx, asset, redeemer, payouts[asset])
		receipt.Legs = append(receipt.Legs, Leg{Asset: asset, Amount: payouts[asset], FeeBps: feeBps, Source: "vault"})
	}
	return remaining, nil
}

// vaultFeeBps interpolates between the floor and ceiling by redemption
// pressure: the window's volume plus this request, relative to total debt.
func (e *Engine) vaultFeeBps(amount, totalDebt *big.Int) (uint64, error) {
	if totalDebt == nil || totalDebt.Sign() == 0 {
		return e.params.FeeFloorBps, nil
	}
	recent, err := e.store.RecentVolume(e.clock().UTC().Add(-e.params.VolumeWindow))
	if err != nil {
		return 0, err
	}
	pressure := new(big.Int).Add(recent, amount)
	if pressure.Cmp(totalDebt) > 0 {
		pressure.Set(totalDebt)
	}
	span := e.params.FeeCeilingBps - e.params.FeeFloorBps
	extra := new(big.Int).Mul(pressure, new(big.Int).SetUint64(span))
	extra.Quo(extra, totalDebt)
	return e.params.FeeFloorBps + extra.Uint64(), nil
}

func (e *Engine) orderedReserves(reserves map[string]*big.Int) []string {
	seen := make(map[string]bool, len(reserves))
	out := make([]string, 0, len(reserves))
	for _, asset := range e.params.PreferredReserves {
		symbol := oracle.NormaliseSymbol(asset)
		if _, ok := reserves[symbol]; ok && !seen[symbol] {
			out = append(out, symbol)
			seen[symbol] = true
		}
	}
	rest := make([]string, 0, len(reserves))
	for asset := range reserves {
		if !seen[asset] {
			rest = append(rest, asset)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func (e *Engine) creditFee(asset string, amount *big.Int) {
	if e.fees == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	if err := e.fees.Credit(asset, amount); err != nil {
		e.logger.Error("redemption fee credit failed", "asset", asset, "amount", amount.String(), "err", err)
	}
}

func applyBps(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, basisPoints)
}
