package config

import (
	"fmt"
	"math/big"
	"strings"

	"rumiprotocol/crypto"
)

const maxFeeBps = uint64(2_000)

// Validate rejects configurations the daemon cannot safely run with.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	if c.DepegToleranceBps >= 10_000 {
		return fmt.Errorf("config: DepegToleranceBps %d out of range", c.DepegToleranceBps)
	}
	if c.AltStableFeeBps > maxFeeBps {
		return fmt.Errorf("config: AltStableFeeBps %d exceeds %d", c.AltStableFeeBps, maxFeeBps)
	}
	if c.Redemption.FeeFloorBps > c.Redemption.FeeCeilingBps {
		return fmt.Errorf("config: redemption fee floor %d above ceiling %d", c.Redemption.FeeFloorBps, c.Redemption.FeeCeilingBps)
	}
	if c.Redemption.FeeCeilingBps > maxFeeBps {
		return fmt.Errorf("config: redemption fee ceiling %d exceeds %d", c.Redemption.FeeCeilingBps, maxFeeBps)
	}
	if c.RPCRateLimitPerSec < 0 {
		return fmt.Errorf("config: RPCRateLimitPerSec must not be negative")
	}
	if controller := strings.TrimSpace(c.Treasury.Controller); controller != "" {
		if _, err := crypto.DecodeAddress(controller); err != nil {
			return fmt.Errorf("config: invalid Treasury.Controller: %w", err)
		}
	}
	if mintCap := strings.TrimSpace(c.Treasury.MintCap); mintCap != "" {
		if _, err := parseUintAmount(mintCap); err != nil {
			return fmt.Errorf("config: invalid Treasury.MintCap: %w", err)
		}
	}
	return nil
}

// MintCapAmount parses the configured emergency mint cap. Empty means zero,
// which disables minting.
func (c *Config) MintCapAmount() (*big.Int, error) {
	trimmed := strings.TrimSpace(c.Treasury.MintCap)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	return parseUintAmount(trimmed)
}

func parseUintAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is not a non-negative integer", s)
	}
	return v, nil
}
