package locks

import (
	"context"
	"time"
)

// RunSweeper reaps expired locks on a fixed interval by synthesizing a
// release for each, which also promotes the next waiter. Blocks until the
// context is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Lock sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Lock sweeper stopped")
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	expired, err := m.store.ListExpired(ctx, time.Now())
	if err != nil {
		m.logger.Error("Failed to list expired locks", "error", err)
		return
	}
	for _, lock := range expired {
		if err := m.Release(ctx, lock.ResourceID, lock.OwnerID); err != nil {
			// Another process may have reaped it first.
			m.logger.Debug("Expired lock reap skipped",
				"resource_id", lock.ResourceID, "error", err)
			continue
		}
		m.logger.Info("Reaped expired lock",
			"resource_id", lock.ResourceID, "owner_id", lock.OwnerID,
			"expired_at", lock.ExpiresAt)
	}
}
