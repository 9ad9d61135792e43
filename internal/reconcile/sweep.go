package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// SweepUnapplied finds COMPLETED transactions whose balance credit never
// landed (a crash between the status write and the balance write) and applies
// it. The grace cutoff keeps the sweeper off transactions a live request is
// still finishing; the conditional applied-flip in credit makes even that
// race safe.
func (e *Engine) SweepUnapplied(ctx context.Context, grace time.Duration, limit int) (int, error) {
	cutoff := time.Now().Add(-grace)

	stale, err := e.transactions.ListUnapplied(ctx, e.db, cutoff, limit)
	if err != nil {
		return 0, err
	}

	applied := 0
	for i := range stale {
		tx := &stale[i]
		res, err := e.credit(ctx, tx, OutcomeCompleted)
		if err != nil {
			e.logger.Error("sweep credit failed",
				"transaction_id", tx.ID, "external_id", tx.ExternalID, "error", err)
			continue
		}
		if res.Outcome == OutcomeCompleted {
			applied++
			e.logger.Warn("recovered unapplied balance credit",
				"transaction_id", tx.ID,
				"external_id", tx.ExternalID,
				"amount", tx.Amount.String(),
			)
		}
	}
	return applied, nil
}

// Sweeper periodically runs SweepUnapplied.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a recovery sweeper.
func NewSweeper(engine *Engine, interval, grace time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{engine: engine, interval: interval, grace: grace, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("recovery sweeper started", "interval", s.interval, "grace", s.grace)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("recovery sweeper stopped")
			return
		case <-ticker.C:
			applied, err := s.engine.SweepUnapplied(ctx, s.grace, 100)
			if err != nil {
				s.logger.Error("sweep failed", "error", err)
				continue
			}
			if applied > 0 {
				s.logger.Info("sweep applied credits", "count", applied)
			}
		}
	}
}
