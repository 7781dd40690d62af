package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// PriceQuote captures a price for a single asset along with the timestamp
// reported by the upstream feed and the feed identifier. Rates are expressed
// in stable-token units per native unit of the asset.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// FresherThan reports whether the quote was observed at or after the cutoff.
func (q PriceQuote) FresherThan(cutoff time.Time) bool {
	return !q.Timestamp.Before(cutoff)
}

// PriceOracle resolves the current price for an asset symbol.
type PriceOracle interface {
	GetPrice(asset string) (PriceQuote, error)
}

// ErrNoFreshQuote indicates that no quote within the configured freshness
// window could be retrieved.
var ErrNoFreshQuote = errors.New("oracle: no fresh quote available")

// StaleChecker wraps an oracle and enforces a freshness window. A zero maxAge
// disables the staleness check.
type StaleChecker struct {
	inner  PriceOracle
	maxAge time.Duration
	clock  func() time.Time
}

// NewStaleChecker wraps the provided oracle with a freshness window.
func NewStaleChecker(inner PriceOracle, maxAge time.Duration) *StaleChecker {
	return &StaleChecker{inner: inner, maxAge: maxAge, clock: time.Now}
}

// SetClock overrides the time source for deterministic testing.
func (c *StaleChecker) SetClock(clock func() time.Time) {
	if c == nil || clock == nil {
		return
	}
	c.clock = clock
}

// GetPrice fetches a price from the wrapped oracle, rejecting quotes older
// than the freshness window with ErrNoFreshQuote.
func (c *StaleChecker) GetPrice(asset string) (PriceQuote, error) {
	if c == nil || c.inner == nil {
		return PriceQuote{}, fmt.Errorf("oracle: stale checker not configured")
	}
	quote, err := c.inner.GetPrice(asset)
	if err != nil {
		return PriceQuote{}, err
	}
	if quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return PriceQuote{}, fmt.Errorf("oracle: invalid rate for %s", asset)
	}
	if c.maxAge > 0 && !quote.FresherThan(c.clock().Add(-c.maxAge)) {
		return PriceQuote{}, ErrNoFreshQuote
	}
	return quote.Clone(), nil
}

// ManualOracle provides an in-memory oracle implementation used for tests and
// manual overrides during incident response.
type ManualOracle struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
}

// NewManualOracle constructs an empty manual oracle instance.
func NewManualOracle() *ManualOracle {
	return &ManualOracle{quotes: make(map[string]PriceQuote)}
}

// SetDecimal records the supplied decimal rate for the asset using the
// provided timestamp.
func (m *ManualOracle) SetDecimal(asset, rate string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("manual oracle not configured")
	}
	trimmed := strings.TrimSpace(rate)
	if trimmed == "" {
		return fmt.Errorf("manual oracle: rate required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("manual oracle: invalid rate %q", rate)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("manual oracle: rate must be positive")
	}
	m.Set(asset, rat, ts)
	return nil
}

// Set stores the provided rational rate for the asset.
func (m *ManualOracle) Set(asset string, rate *big.Rat, ts time.Time) {
	if m == nil || rate == nil {
		return
	}
	key := NormaliseSymbol(asset)
	if key == "" {
		return
	}
	m.mu.Lock()
	clone := PriceQuote{Timestamp: ts, Source: "manual"}
	clone.Rate = new(big.Rat).Set(rate)
	m.quotes[key] = clone
	m.mu.Unlock()
}

// GetPrice retrieves the stored rate for the asset.
func (m *ManualOracle) GetPrice(asset string) (PriceQuote, error) {
	if m == nil {
		return PriceQuote{}, fmt.Errorf("manual oracle not configured")
	}
	key := NormaliseSymbol(asset)
	m.mu.RLock()
	stored, ok := m.quotes[key]
	m.mu.RUnlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("manual oracle: quote for %s not found", asset)
	}
	return stored.Clone(), nil
}

// NormaliseSymbol canonicalises asset symbols for map keying.
func NormaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// WithinBand reports whether rate sits inside the tolerance band around
// parity, with the tolerance expressed in basis points. Used as the depeg
// guard for alternate stable-value tokens.
func WithinBand(rate *big.Rat, toleranceBps uint64) bool {
	if rate == nil || rate.Sign() <= 0 {
		return false
	}
	tol := new(big.Rat).SetFrac(new(big.Int).SetUint64(toleranceBps), big.NewInt(10_000))
	lower := new(big.Rat).Sub(big.NewRat(1, 1), tol)
	upper := new(big.Rat).Add(big.NewRat(1, 1), tol)
	return rate.Cmp(lower) >= 0 && rate.Cmp(upper) <= 0
}
