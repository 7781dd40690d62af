package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces credential material in log output.
const RedactedValue = "[REDACTED]"

// Keys the protocol emits that are safe in plain text: ledger identifiers,
// asset symbols and amounts are public state. Anything else passed through
// MaskField (bearer tokens, auth headers, secrets) is masked.
var redactionAllowlist = map[string]struct{}{
	"service":    {},
	"env":        {},
	"message":    {},
	"severity":   {},
	"timestamp":  {},
	"error":      {},
	"err":        {},
	"reason":     {},
	"method":     {},
	"vault":      {},
	"owner":      {},
	"collateral": {},
	"asset":      {},
	"symbol":     {},
	"amount":     {},
	"transfer":   {},
	"status":     {},
	"mode":       {},
	"network":    {},
}

// IsAllowlisted reports whether the key is exempt from masking.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// MaskField returns a slog.Attr carrying the value verbatim for allowlisted
// keys and the redaction placeholder otherwise. Empty values pass through so
// absent headers stay visibly absent.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
