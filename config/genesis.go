package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"rumiprotocol/native/vault"
)

type genesisDoc struct {
	Collateral []collateralDoc `yaml:"collateral"`
	Reserves   []reserveDoc    `yaml:"reserves"`
}

type collateralDoc struct {
	Symbol                  string `yaml:"symbol"`
	Decimals                uint8  `yaml:"decimals"`
	Status                  string `yaml:"status"`
	BorrowThresholdBps      uint64 `yaml:"borrow_threshold_bps"`
	LiquidationThresholdBps uint64 `yaml:"liquidation_threshold_bps"`
	LiquidationBonusBps     uint64 `yaml:"liquidation_bonus_bps"`
	RecoveryTargetBps       uint64 `yaml:"recovery_target_bps"`
	BorrowingFeeBps         uint64 `yaml:"borrowing_fee_bps"`
	DebtCeiling             string `yaml:"debt_ceiling"`
	MinVaultDebt            string `yaml:"min_vault_debt"`
	MinDeposit              string `yaml:"min_deposit"`
	DustCollateral          string `yaml:"dust_collateral"`
	PushDeposits            bool   `yaml:"push_deposits"`
	PriceFloor              string `yaml:"price_floor"`
}

type reserveDoc struct {
	Asset  string `yaml:"asset"`
	Amount string `yaml:"amount"`
}

// Genesis holds the initial protocol state loaded from the YAML genesis file.
type Genesis struct {
	Collateral []*vault.CollateralConfig
	Reserves   map[string]*big.Int
}

// LoadGenesis parses the collateral registry and seed reserves from the YAML
// file at path.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc genesisDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("genesis %s: %w", path, err)
	}

	gen := &Genesis{Reserves: make(map[string]*big.Int)}
	seen := make(map[string]struct{})
	for i, entry := range doc.Collateral {
		cfg, err := entry.toConfig()
		if err != nil {
			return nil, fmt.Errorf("genesis %s: collateral[%d]: %w", path, i, err)
		}
		if _, dup := seen[cfg.Symbol]; dup {
			return nil, fmt.Errorf("genesis %s: duplicate collateral %s", path, cfg.Symbol)
		}
		seen[cfg.Symbol] = struct{}{}
		gen.Collateral = append(gen.Collateral, cfg)
	}
	for i, entry := range doc.Reserves {
		asset := strings.ToUpper(strings.TrimSpace(entry.Asset))
		if asset == "" {
			return nil, fmt.Errorf("genesis %s: reserves[%d]: missing asset", path, i)
		}
		amount, err := parseUintAmount(strings.TrimSpace(entry.Amount))
		if err != nil {
			return nil, fmt.Errorf("genesis %s: reserves[%d]: %w", path, i, err)
		}
		gen.Reserves[asset] = amount
	}
	return gen, nil
}

func (d collateralDoc) toConfig() (*vault.CollateralConfig, error) {
	symbol := strings.ToUpper(strings.TrimSpace(d.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("missing symbol")
	}
	status, ok := vault.ParseCollateralStatus(strings.ToLower(strings.TrimSpace(d.Status)))
	if !ok {
		return nil, fmt.Errorf("unknown status %q", d.Status)
	}
	cfg := &vault.CollateralConfig{
		Symbol:                  symbol,
		Decimals:                d.Decimals,
		BorrowThresholdBps:      d.BorrowThresholdBps,
		LiquidationThresholdBps: d.LiquidationThresholdBps,
		LiquidationBonusBps:     d.LiquidationBonusBps,
		RecoveryTargetBps:       d.RecoveryTargetBps,
		BorrowingFeeBps:         d.BorrowingFeeBps,
		PushDeposits:            d.PushDeposits,
		Status:                  status,
	}
	var err error
	if cfg.DebtCeiling, err = optionalAmount(d.DebtCeiling); err != nil {
		return nil, fmt.Errorf("debt_ceiling: %w", err)
	}
	if cfg.MinVaultDebt, err = optionalAmount(d.MinVaultDebt); err != nil {
		return nil, fmt.Errorf("min_vault_debt: %w", err)
	}
	if cfg.MinDeposit, err = optionalAmount(d.MinDeposit); err != nil {
		return nil, fmt.Errorf("min_deposit: %w", err)
	}
	if cfg.DustCollateral, err = optionalAmount(d.DustCollateral); err != nil {
		return nil, fmt.Errorf("dust_collateral: %w", err)
	}
	if floor := strings.TrimSpace(d.PriceFloor); floor != "" {
		rat, ok := new(big.Rat).SetString(floor)
		if !ok || rat.Sign() < 0 {
			return nil, fmt.Errorf("price_floor %q is not a non-negative decimal", d.PriceFloor)
		}
		cfg.PriceFloor = rat
	}
	return cfg, nil
}

func optionalAmount(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	return parseUintAmount(trimmed)
}
