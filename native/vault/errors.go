package vault

import "errors"

// Closed error taxonomy for the vault core. Callers branch on the kind, never
// on message text: AlreadyProcessing and TemporarilyUnavailable are transient
// and retryable, everything else is terminal for the attempted call.
var (
	// ErrAlreadyProcessing rejects a mutating call while another operation
	// from the same principal is in flight. Retry with backoff.
	ErrAlreadyProcessing = errors.New("vault: operation already processing for principal")
	// ErrTemporarilyUnavailable rejects a call while a stale guard entry is
	// being cleaned up. Retry shortly.
	ErrTemporarilyUnavailable = errors.New("vault: temporarily unavailable")
	// ErrAmountTooLow rejects amounts below the configured minimums.
	ErrAmountTooLow = errors.New("vault: amount below minimum")
	// ErrCollateralRatioTooLow rejects mutations that would leave the vault
	// under its borrow threshold.
	ErrCollateralRatioTooLow = errors.New("vault: collateral ratio below borrow threshold")
	// ErrCallerNotOwner rejects mutations from a principal other than the
	// vault owner.
	ErrCallerNotOwner = errors.New("vault: caller is not the vault owner")
	// ErrVaultNotFound signals an unknown vault id.
	ErrVaultNotFound = errors.New("vault: vault not found")
	// ErrDebtCeilingExceeded rejects borrowing past the collateral type's
	// debt ceiling.
	ErrDebtCeilingExceeded = errors.New("vault: collateral debt ceiling exceeded")
	// ErrCollateralStatusBlocked rejects operations disallowed by the
	// collateral type's status.
	ErrCollateralStatusBlocked = errors.New("vault: operation blocked by collateral status")
	// ErrOraclePriceUnavailable signals a missing, stale or invalid price.
	ErrOraclePriceUnavailable = errors.New("vault: oracle price unavailable")
	// ErrDepegRejected rejects an alternate-stable leg whose price sits
	// outside the parity band.
	ErrDepegRejected = errors.New("vault: alternate stable outside parity band")
	// ErrTransferFailed signals a failed external asset transfer.
	ErrTransferFailed = errors.New("vault: asset transfer failed")
	// ErrGeneric covers failures with no more specific kind, including
	// degraded saga compensations.
	ErrGeneric = errors.New("vault: internal error")
)

// Retryable reports whether the caller should retry the operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrAlreadyProcessing) || errors.Is(err, ErrTemporarilyUnavailable)
}

// ErrorCode maps an error onto its stable wire code. Unknown errors collapse
// into GenericError so the taxonomy stays closed.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyProcessing):
		return "AlreadyProcessing"
	case errors.Is(err, ErrTemporarilyUnavailable):
		return "TemporarilyUnavailable"
	case errors.Is(err, ErrAmountTooLow):
		return "AmountTooLow"
	case errors.Is(err, ErrCollateralRatioTooLow):
		return "CollateralRatioTooLow"
	case errors.Is(err, ErrCallerNotOwner):
		return "CallerNotOwner"
	case errors.Is(err, ErrVaultNotFound):
		return "VaultNotFound"
	case errors.Is(err, ErrDebtCeilingExceeded):
		return "DebtCeilingExceeded"
	case errors.Is(err, ErrCollateralStatusBlocked):
		return "CollateralStatusBlocked"
	case errors.Is(err, ErrOraclePriceUnavailable):
		return "OraclePriceUnavailable"
	case errors.Is(err, ErrDepegRejected):
		return "DepegRejected"
	case errors.Is(err, ErrTransferFailed):
		return "TransferFailed"
	default:
		return "GenericError"
	}
}
