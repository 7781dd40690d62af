package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"rumiprotocol/crypto"
	"rumiprotocol/native/vault"
	"rumiprotocol/transfer"
)

// VaultResult renders a vault for RPC consumers. Amounts travel as decimal
// strings so precision survives JSON.
type VaultResult struct {
	ID         uint64 `json:"id"`
	Owner      string `json:"owner"`
	Collateral string `json:"collateral"`
	Amount     string `json:"collateralAmount"`
	Debt       string `json:"debtAmount"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// EventResult is one vault history entry.
type EventResult struct {
	Sequence        uint64 `json:"sequence"`
	Kind            string `json:"kind"`
	CollateralDelta string `json:"collateralDelta"`
	DebtDelta       string `json:"debtDelta"`
	Timestamp       int64  `json:"timestamp"`
}

// StatusResult reflects the protocol mode snapshot.
type StatusResult struct {
	Mode                 string `json:"mode"`
	TotalCollateralValue string `json:"totalCollateralValue"`
	TotalDebt            string `json:"totalDebt"`
	RecoveryThresholdBps uint64 `json:"recoveryThresholdBps"`
	UpdatedAt            int64  `json:"updatedAt"`
}

// CollateralResult renders a collateral registry entry.
type CollateralResult struct {
	Symbol                  string `json:"symbol"`
	Status                  string `json:"status"`
	BorrowThresholdBps      uint64 `json:"borrowThresholdBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	LiquidationBonusBps     uint64 `json:"liquidationBonusBps"`
	RecoveryTargetBps       uint64 `json:"recoveryTargetBps"`
	BorrowingFeeBps         uint64 `json:"borrowingFeeBps"`
	DebtCeiling             string `json:"debtCeiling"`
	MinVaultDebt            string `json:"minVaultDebt"`
	PushDeposits            bool   `json:"pushDeposits"`
}

// OutboundResult renders one outbound transfer record.
type OutboundResult struct {
	ID       string `json:"id"`
	Asset    string `json:"asset"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
	Status   string `json:"status"`
	Attempts uint32 `json:"attempts"`
	LastErr  string `json:"lastError,omitempty"`
}

func formatVault(v *vault.Vault) VaultResult {
	return VaultResult{
		ID:         v.ID,
		Owner:      v.Owner.String(),
		Collateral: v.Collateral,
		Amount:     decimalString(v.CollateralAmount),
		Debt:       decimalString(v.DebtAmount),
		CreatedAt:  v.CreatedAt.Unix(),
		UpdatedAt:  v.UpdatedAt.Unix(),
	}
}

func formatEvent(e *vault.Event) EventResult {
	return EventResult{
		Sequence:        e.Sequence,
		Kind:            string(e.Kind),
		CollateralDelta: decimalString(e.CollateralDelta),
		DebtDelta:       decimalString(e.DebtDelta),
		Timestamp:       e.Timestamp.Unix(),
	}
}

func formatStatus(s *vault.ProtocolStatus) StatusResult {
	return StatusResult{
		Mode:                 s.Mode.String(),
		TotalCollateralValue: decimalString(s.TotalCollateralValue),
		TotalDebt:            decimalString(s.TotalDebt),
		RecoveryThresholdBps: s.RecoveryThresholdBps,
		UpdatedAt:            s.UpdatedAt.Unix(),
	}
}

func formatCollateral(c *vault.CollateralConfig) CollateralResult {
	return CollateralResult{
		Symbol:                  c.Symbol,
		Status:                  c.Status.String(),
		BorrowThresholdBps:      c.BorrowThresholdBps,
		LiquidationThresholdBps: c.LiquidationThresholdBps,
		LiquidationBonusBps:     c.LiquidationBonusBps,
		RecoveryTargetBps:       c.RecoveryTargetBps,
		BorrowingFeeBps:         c.BorrowingFeeBps,
		DebtCeiling:             decimalString(c.DebtCeiling),
		MinVaultDebt:            decimalString(c.MinVaultDebt),
		PushDeposits:            c.PushDeposits,
	}
}

func formatOutbound(o *transfer.Outbound) OutboundResult {
	return OutboundResult{
		ID:       o.ID,
		Asset:    o.Asset,
		To:       o.To.String(),
		Amount:   decimalString(o.Amount),
		Status:   string(o.Status),
		Attempts: o.Attempts,
		LastErr:  o.LastError,
	}
}

func decimalString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// decodeParams unmarshals the single-object params payload.
func decodeParams(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("params required")
	}
	return json.Unmarshal(raw, out)
}

func parseAddress(field, value string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("%s required", field)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid %s: %w", field, err)
	}
	return addr, nil
}

func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s: %q", field, value)
	}
	return amount, nil
}

// parseOptionalAmount treats empty as zero.
func parseOptionalAmount(field, value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return big.NewInt(0), nil
	}
	return parseAmount(field, value)
}
