// Package cleanup removes finished transfers once their retention expires.
package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/blobtransfer/internal/logctx"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

// Manager is the part of the transfer manager the sweeper needs.
type Manager interface {
	Transfers() []transfer.Transfer
	Remove(ctx context.Context, id string) error
}

// Expired reports whether t finished more than keep before now. Failed
// transfers are kept so that their error stays inspectable.
func Expired(t transfer.Transfer, keep time.Duration, now time.Time) bool {
	switch t.State() {
	case transfer.StateComplete, transfer.StateCancelled:
		return now.Sub(t.UpdatedAt()) > keep
	default:
		return false
	}
}

// DeleteExpiredTransfers removes every expired transfer and returns the ids it
// removed. A failed removal does not stop the sweep.
func DeleteExpiredTransfers(ctx context.Context, m Manager, keep time.Duration) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	var (
		removed []string
		errs    []error
	)

	for _, t := range m.Transfers() {
		if !Expired(t, keep, now) {
			continue
		}

		if err := m.Remove(ctx, t.ID()); err != nil {
			if errors.Is(err, transfer.ErrNotFound) {
				continue
			}

			logger.Error("failed to remove expired transfer", "transfer_id", t.ID(), "err", err)
			errs = append(errs, err)

			continue
		}

		logger.Info("removed expired transfer", "transfer_id", t.ID(), "state", t.State(), "finished_at", t.UpdatedAt())

		removed = append(removed, t.ID())
	}

	return removed, errors.Join(errs...)
}

// Run sweeps every interval until ctx is done. A non-positive keep disables
// the sweeper.
func Run(ctx context.Context, m Manager, keep, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	if keep <= 0 || interval <= 0 {
		logger.Info("transfer retention disabled")

		return
	}

	logger.Info("watching for expired transfers", "keep_finished_for", keep, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down cleanup")

			return
		case <-ticker.C:
			if _, err := DeleteExpiredTransfers(ctx, m, keep); err != nil {
				logger.Error("cleanup sweep failed", "err", err)
			}
		}
	}
}
