package vault

import (
	"math/big"

	"rumiprotocol/oracle"
)

// PriceSnapshot holds one quote per asset, captured once per operation or
// scan so multi-vault passes never mix prices. Missing entries mean the feed
// failed or was stale for that asset.
type PriceSnapshot map[string]oracle.PriceQuote

// Price returns the snapshot rate for an asset.
func (s PriceSnapshot) Price(asset string) (*big.Rat, error) {
	quote, ok := s[oracle.NormaliseSymbol(asset)]
	if !ok || quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return nil, ErrOraclePriceUnavailable
	}
	return new(big.Rat).Set(quote.Rate), nil
}

// Has reports whether the snapshot carries a usable price for the asset.
func (s PriceSnapshot) Has(asset string) bool {
	_, err := s.Price(asset)
	return err == nil
}

// Snapshot captures a price per configured collateral type plus any extra
// assets (alternate stables). Assets whose feed fails or is stale are simply
// absent; the mode machine decides what that means. Successfully observed
// prices are cached onto the collateral configs.
func (l *Ledger) Snapshot(extra ...string) (PriceSnapshot, error) {
	if l == nil || l.store == nil {
		return nil, ErrGeneric
	}
	snap := make(PriceSnapshot)
	configs, err := l.store.ListCollateral()
	if err != nil {
		return nil, err
	}
	for _, cfg := range configs {
		quote, err := l.feed.GetPrice(cfg.Symbol)
		if err != nil {
			continue
		}
		snap[cfg.Symbol] = quote
		cfg.LastPrice = new(big.Rat).Set(quote.Rate)
		cfg.LastPriceTime = quote.Timestamp
		if err := l.store.PutCollateral(cfg); err != nil {
			return nil, err
		}
	}
	for _, asset := range extra {
		symbol := oracle.NormaliseSymbol(asset)
		if _, ok := snap[symbol]; ok {
			continue
		}
		if quote, err := l.feed.GetPrice(symbol); err == nil {
			snap[symbol] = quote
		}
	}
	return snap, nil
}

// RecomputeMode re-derives the protocol mode from the vault table and the
// supplied snapshot, persists the result and returns it. It runs after every
// balance-affecting event and price refresh. Aggregates are always rebuilt
// from the vault table here, never carried across an await point.
func (l *Ledger) RecomputeMode(snap PriceSnapshot) (*ProtocolStatus, error) {
	if l == nil || l.store == nil {
		return nil, ErrGeneric
	}
	configs, err := l.store.ListCollateral()
	if err != nil {
		return nil, err
	}
	bySymbol := make(map[string]*CollateralConfig, len(configs))
	for _, cfg := range configs {
		bySymbol[cfg.Symbol] = cfg
	}

	totalValue := big.NewInt(0)
	totalDebt := big.NewInt(0)
	debtByType := make(map[string]*big.Int)
	readOnly := false

	err = l.store.ForEachVault(func(v *Vault) bool {
		if v.DebtAmount == nil || v.DebtAmount.Sign() == 0 {
			if price, perr := snap.Price(v.Collateral); perr == nil {
				totalValue.Add(totalValue, CollateralValue(v.CollateralAmount, price))
			}
			return true
		}
		price, perr := snap.Price(v.Collateral)
		if perr != nil {
			// A debt-carrying collateral without a usable price makes the
			// system unpriceable.
			readOnly = true
			return true
		}
		totalValue.Add(totalValue, CollateralValue(v.CollateralAmount, price))
		totalDebt.Add(totalDebt, v.DebtAmount)
		bucket, ok := debtByType[v.Collateral]
		if !ok {
			bucket = big.NewInt(0)
			debtByType[v.Collateral] = bucket
		}
		bucket.Add(bucket, v.DebtAmount)
		return true
	})
	if err != nil {
		return nil, err
	}

	// Price floor halt: a quoted price at or below the configured floor for
	// any active collateral parks the protocol.
	for _, cfg := range configs {
		if cfg.PriceFloor == nil || cfg.Status == StatusDeprecated {
			continue
		}
		if price, perr := snap.Price(cfg.Symbol); perr == nil {
			if price.Cmp(cfg.PriceFloor) <= 0 {
				readOnly = true
			}
		}
	}

	threshold := recoveryThresholdBps(bySymbol, debtByType)

	mode := ModeAvailable
	switch {
	case readOnly:
		mode = ModeReadOnly
	case totalDebt.Sign() > 0 && totalValue.Cmp(totalDebt) < 0:
		// Aggregate collateralization under 100%.
		mode = ModeReadOnly
	case totalDebt.Sign() > 0 && !MeetsRatio(totalValue, totalDebt, threshold):
		mode = ModeRecovery
	}

	status := &ProtocolStatus{
		Mode:                 mode,
		TotalCollateralValue: totalValue,
		TotalDebt:            totalDebt,
		RecoveryThresholdBps: threshold,
		UpdatedAt:            l.clock().UTC(),
	}
	if err := l.store.PutProtocolStatus(status); err != nil {
		return nil, err
	}
	return status.Copy(), nil
}

// recoveryThresholdBps computes the debt-weighted mean of the borrow
// thresholds over active collateral types currently carrying debt. Adding a
// new collateral type therefore shifts the system-wide trigger as soon as it
// takes on debt.
func recoveryThresholdBps(configs map[string]*CollateralConfig, debtByType map[string]*big.Int) uint64 {
	weighted := big.NewInt(0)
	total := big.NewInt(0)
	for symbol, debt := range debtByType {
		cfg, ok := configs[symbol]
		if !ok || debt == nil || debt.Sign() == 0 {
			continue
		}
		if cfg.Status == StatusDeprecated {
			continue
		}
		term := new(big.Int).Mul(debt, new(big.Int).SetUint64(cfg.BorrowThresholdBps))
		weighted.Add(weighted, term)
		total.Add(total, debt)
	}
	if total.Sign() == 0 {
		return 0
	}
	return new(big.Int).Quo(weighted, total).Uint64()
}
