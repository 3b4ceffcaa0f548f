package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultScanInterval is how often the scanner checks for due reminders.
const DefaultScanInterval = time.Minute

// Scanner periodically settles due reminders.
type Scanner struct {
	store    *Store
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewScanner creates a Scanner for store.
// If interval is <= 0, it defaults to DefaultScanInterval.
func NewScanner(store *Store, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Scanner{
		store:    store,
		interval: interval,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Run scans immediately and then on every tick until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("reminder scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single scan and returns how many reminders fired.
func (s *Scanner) RunOnce(ctx context.Context) (int, error) {
	settled, err := s.store.ScanAndNotify(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("scanning reminders: %w", err)
	}
	if len(settled) > 0 {
		s.logger.Info("reminders fired", "count", len(settled))
	}
	return len(settled), nil
}
