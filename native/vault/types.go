package vault

import (
	"math/big"
	"time"

	"rumiprotocol/crypto"
)

// CollateralStatus gates which operations a collateral type accepts.
type CollateralStatus uint8

const (
	// StatusActive accepts every operation.
	StatusActive CollateralStatus = iota
	// StatusPaused blocks all vault mutations for the collateral type.
	StatusPaused
	// StatusFrozen blocks debt-increasing mutations (open with debt, borrow)
	// while allowing repayment and withdrawal.
	StatusFrozen
	// StatusSunset blocks new vaults; existing vaults operate normally.
	StatusSunset
	// StatusDeprecated allows only repayment, close and protocol-initiated
	// flows.
	StatusDeprecated
)

func (s CollateralStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusFrozen:
		return "frozen"
	case StatusSunset:
		return "sunset"
	case StatusDeprecated:
		return "deprecated"
	default:
		return "unknown"
	}
}

// ParseCollateralStatus resolves the textual status used in genesis files.
func ParseCollateralStatus(s string) (CollateralStatus, bool) {
	switch s {
	case "active", "":
		return StatusActive, true
	case "paused":
		return StatusPaused, true
	case "frozen":
		return StatusFrozen, true
	case "sunset":
		return StatusSunset, true
	case "deprecated":
		return StatusDeprecated, true
	default:
		return StatusActive, false
	}
}

// CollateralConfig captures the per-asset risk parameters. Ratio values are
// expressed in basis points over big.Int amounts to keep the accounting
// deterministic.
type CollateralConfig struct {
	// Symbol is the canonical asset identifier, upper-cased.
	Symbol string
	// Decimals records the native precision of the asset.
	Decimals uint8
	// BorrowThresholdBps is the minimum collateral ratio for voluntary
	// debt-carrying mutations.
	BorrowThresholdBps uint64
	// LiquidationThresholdBps marks where vaults become liquidatable. Always
	// below BorrowThresholdBps.
	LiquidationThresholdBps uint64
	// LiquidationBonusBps is the liquidator discount on seized collateral.
	LiquidationBonusBps uint64
	// RecoveryTargetBps is the ratio targeted by recovery-mode partial
	// liquidation.
	RecoveryTargetBps uint64
	// BorrowingFeeBps is charged on minted debt; forced to zero in Recovery.
	BorrowingFeeBps uint64
	// DebtCeiling caps total debt minted against the collateral type.
	DebtCeiling *big.Int
	// MinVaultDebt is the debt dust floor. Residual debt below it is forgiven
	// at close time, and it doubles as the minimum partial liquidation
	// repayment.
	MinVaultDebt *big.Int
	// MinDeposit is the smallest accepted collateral deposit.
	MinDeposit *big.Int
	// DustCollateral is the collateral dust floor, in native units.
	DustCollateral *big.Int
	// PushDeposits marks assets whose transfer protocol cannot be pulled;
	// deposits are credited through the watermark tracker instead.
	PushDeposits bool
	// PriceFloor halts the protocol (ReadOnly) when the oracle reports a
	// price at or below it. Nil disables the floor.
	PriceFloor *big.Rat
	// LastPrice caches the most recent accepted oracle price.
	LastPrice *big.Rat
	// LastPriceTime records when LastPrice was observed.
	LastPriceTime time.Time
	// Status gates operations per the constants above.
	Status CollateralStatus
}

// Copy returns a deep copy of the config.
func (c *CollateralConfig) Copy() *CollateralConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.DebtCeiling != nil {
		clone.DebtCeiling = new(big.Int).Set(c.DebtCeiling)
	}
	if c.MinVaultDebt != nil {
		clone.MinVaultDebt = new(big.Int).Set(c.MinVaultDebt)
	}
	if c.MinDeposit != nil {
		clone.MinDeposit = new(big.Int).Set(c.MinDeposit)
	}
	if c.DustCollateral != nil {
		clone.DustCollateral = new(big.Int).Set(c.DustCollateral)
	}
	if c.PriceFloor != nil {
		clone.PriceFloor = new(big.Rat).Set(c.PriceFloor)
	}
	if c.LastPrice != nil {
		clone.LastPrice = new(big.Rat).Set(c.LastPrice)
	}
	return &clone
}

// Vault is a collateralized debt position owned by a single principal.
// CollateralAmount is denominated in the asset's native precision and
// DebtAmount in stable-token units.
type Vault struct {
	ID               uint64
	Owner            crypto.Address
	Collateral       string
	CollateralAmount *big.Int
	DebtAmount       *big.Int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Copy returns a deep copy of the vault record.
func (v *Vault) Copy() *Vault {
	if v == nil {
		return nil
	}
	clone := *v
	if v.CollateralAmount != nil {
		clone.CollateralAmount = new(big.Int).Set(v.CollateralAmount)
	}
	if v.DebtAmount != nil {
		clone.DebtAmount = new(big.Int).Set(v.DebtAmount)
	}
	return &clone
}

// Mode is the system-wide health state derived from aggregate
// collateralization.
type Mode uint8

const (
	// ModeAvailable accepts all operations.
	ModeAvailable Mode = iota
	// ModeRecovery tightens liquidation policy and zeroes the borrowing fee.
	ModeRecovery
	// ModeReadOnly rejects every mutating entry point except administrative
	// remediation.
	ModeReadOnly
)

func (m Mode) String() string {
	switch m {
	case ModeAvailable:
		return "available"
	case ModeRecovery:
		return "recovery"
	case ModeReadOnly:
		return "read_only"
	default:
		return "unknown"
	}
}

// ProtocolStatus is the persisted snapshot of the mode machine. The totals
// are derived values recomputed from the vault table; they are cached only
// for reporting, never trusted across an await point.
type ProtocolStatus struct {
	Mode                 Mode
	TotalCollateralValue *big.Int
	TotalDebt            *big.Int
	RecoveryThresholdBps uint64
	UpdatedAt            time.Time
}

// Copy returns a deep copy of the status snapshot.
func (s *ProtocolStatus) Copy() *ProtocolStatus {
	if s == nil {
		return nil
	}
	clone := *s
	if s.TotalCollateralValue != nil {
		clone.TotalCollateralValue = new(big.Int).Set(s.TotalCollateralValue)
	}
	if s.TotalDebt != nil {
		clone.TotalDebt = new(big.Int).Set(s.TotalDebt)
	}
	return &clone
}

// GuardState tracks the per-principal concurrency guard.
type GuardState uint8

const (
	// GuardIdle means no mutating operation is in flight for the principal.
	GuardIdle GuardState = iota
	// GuardProcessing marks an in-flight mutating operation.
	GuardProcessing
	// GuardStale marks an entry whose operation exceeded the staleness
	// threshold and is being cleaned up.
	GuardStale
)

func (s GuardState) String() string {
	switch s {
	case GuardIdle:
		return "idle"
	case GuardProcessing:
		return "processing"
	case GuardStale:
		return "stale"
	default:
		return "unknown"
	}
}

// GuardEntry is the persisted guard record for one principal.
type GuardEntry struct {
	Owner     crypto.Address
	State     GuardState
	StartedAt time.Time
}
