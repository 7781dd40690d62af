package transfer

import (
	"context"
	"log/slog"
	"time"
)

// Monitor periodically re-drives outbound transfers that never confirmed.
// Retries are bounded; a transfer that exhausts its budget is flagged for
// manual remediation rather than silently dropped.
type Monitor struct {
	ledger      *Ledger
	backend     Backend
	interval    time.Duration
	stuckAfter  time.Duration
	maxAttempts uint32
	logger      *slog.Logger
	clock       func() time.Time
}

// NewMonitor constructs a health monitor over the outbound ledger.
func NewMonitor(ledger *Ledger, backend Backend, interval, stuckAfter time.Duration, maxAttempts uint32, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if stuckAfter <= 0 {
		stuckAfter = 5 * time.Minute
	}
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return &Monitor{
		ledger:      ledger,
		backend:     backend,
		interval:    interval,
		stuckAfter:  stuckAfter,
		maxAttempts: maxAttempts,
		logger:      logger,
		clock:       time.Now,
	}
}

// SetClock overrides the time source for deterministic testing.
func (m *Monitor) SetClock(clock func() time.Time) {
	if m == nil || clock == nil {
		return
	}
	m.clock = clock
}

// Run blocks, sweeping on a fixed interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			retried, flagged, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Error("transfer sweep failed", "err", err)
				continue
			}
			if retried > 0 || flagged > 0 {
				m.logger.Info("transfer sweep", "retried", retried, "flagged", flagged)
			}
		}
	}
}

// Sweep performs a single scan over pending transfers. Transfers older than
// the stuck threshold are retried; those beyond the attempt budget are
// flagged. The counts of retried and newly flagged transfers are returned.
func (m *Monitor) Sweep(ctx context.Context) (int, int, error) {
	pending, err := m.ledger.Pending()
	if err != nil {
		return 0, 0, err
	}
	now := m.clock()
	retried := 0
	flagged := 0
	for _, out := range pending {
		if now.Sub(out.UpdatedAt) < m.stuckAfter {
			continue
		}
		if out.Attempts >= m.maxAttempts {
			if err := m.ledger.MarkFlagged(out.ID, "retry budget exhausted"); err != nil {
				return retried, flagged, err
			}
			flagged++
			m.logger.Warn("transfer flagged for manual remediation",
				"transfer", out.ID, "asset", out.Asset, "attempts", out.Attempts)
			continue
		}
		backendID, payErr := m.backend.Payout(ctx, out.Asset, out.To, out.Amount)
		if payErr != nil {
			if err := m.ledger.MarkRetry(out.ID, "", payErr.Error()); err != nil {
				return retried, flagged, err
			}
			m.logger.Warn("transfer retry failed",
				"transfer", out.ID, "asset", out.Asset, "err", payErr)
			retried++
			continue
		}
		if err := m.ledger.MarkRetry(out.ID, backendID, ""); err != nil {
			return retried, flagged, err
		}
		if err := m.ledger.MarkConfirmed(out.ID); err != nil {
			return retried, flagged, err
		}
		retried++
		m.logger.Info("stuck transfer re-driven", "transfer", out.ID, "asset", out.Asset)
	}
	return retried, flagged, nil
}
