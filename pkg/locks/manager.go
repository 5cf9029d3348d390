// Package locks implements the resource lock manager: exclusive acquisition
// of named resources with priority-ordered waiter queues, lease expiration,
// and a background sweeper.
package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/horizon-qa/atlas/pkg/database"
	"github.com/horizon-qa/atlas/pkg/models"
)

// Sentinel errors for lock operations.
var (
	// ErrNotOwner is returned when release is attempted by a non-holder.
	// The lock is left untouched.
	ErrNotOwner = errors.New("lock not held by this owner")
	// ErrNotHeld is returned when release targets an unheld resource.
	ErrNotHeld = errors.New("lock not held")
)

// AcquireStatus is the outcome of an acquire call.
type AcquireStatus string

const (
	AcquireStatusAcquired AcquireStatus = "acquired"
	AcquireStatusQueued   AcquireStatus = "queued"
	AcquireStatusTimedOut AcquireStatus = "timed_out"
)

// AcquireRequest describes one acquisition attempt. Timeout > 0 makes the
// call block until the lock is granted or the timeout elapses; Timeout == 0
// returns queued immediately.
type AcquireRequest struct {
	ResourceID   string
	ResourceKind string
	OwnerID      string
	OwnerKind    models.OwnerKind
	Priority     models.Priority
	LeaseTTL     time.Duration
	Timeout      time.Duration
}

// AcquireResult is the answer to an acquire call.
type AcquireResult struct {
	Status   AcquireStatus        `json:"status"`
	Position int                  `json:"position,omitempty"` // 1-based queue position when queued
	Lock     *models.ResourceLock `json:"lock,omitempty"`
}

// Publisher is the slice of the event bus the lock manager needs.
type Publisher interface {
	Publish(ctx context.Context, ev *models.Event) error
}

// Manager arbitrates exclusive access to resources. All multi-step mutations
// run inside one transaction with the lock row held FOR UPDATE, so double
// acquires are impossible.
type Manager struct {
	store    *database.LockStore
	bus      Publisher
	logger   *slog.Logger
	leaseTTL time.Duration

	// pollInterval paces blocking acquires while they wait for promotion.
	pollInterval time.Duration
}

// NewManager creates the lock manager. defaultLeaseTTL bounds how long a
// grant lives without re-acquire before the sweeper reaps it.
func NewManager(store *database.LockStore, bus Publisher, logger *slog.Logger, defaultLeaseTTL time.Duration) *Manager {
	if defaultLeaseTTL <= 0 {
		defaultLeaseTTL = 10 * time.Minute
	}
	return &Manager{
		store:        store,
		bus:          bus,
		logger:       logger.With("component", "locks"),
		leaseTTL:     defaultLeaseTTL,
		pollInterval: 100 * time.Millisecond,
	}
}

// Acquire attempts to take the resource. Unheld or expired locks are granted
// immediately; re-acquire by the current holder extends the lease; otherwise
// the caller is queued by (priority, queued_at).
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	if req.ResourceID == "" || req.OwnerID == "" {
		return nil, fmt.Errorf("resource_id and owner_id are required")
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !req.Priority.IsValid() {
		return nil, fmt.Errorf("invalid priority: %q", req.Priority)
	}
	if !req.OwnerKind.IsValid() {
		return nil, fmt.Errorf("invalid owner kind: %q", req.OwnerKind)
	}
	if req.LeaseTTL <= 0 {
		req.LeaseTTL = m.leaseTTL
	}

	result, err := m.tryAcquire(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.Status != AcquireStatusQueued || req.Timeout <= 0 {
		return result, nil
	}
	return m.waitForGrant(ctx, req, result)
}

// tryAcquire runs one transactional acquire attempt, queueing on contention.
func (m *Manager) tryAcquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	current, err := m.store.GetForUpdate(ctx, tx, req.ResourceID)
	if err != nil {
		return nil, err
	}

	var reaped *models.ResourceLock
	if current != nil && current.Expired(now) {
		// Expired lease is treated as unowned.
		if err := m.store.Delete(ctx, tx, req.ResourceID); err != nil {
			return nil, err
		}
		reaped = current
		current = nil
	}

	if current != nil && current.OwnerID == req.OwnerID {
		// Re-acquire by the holder extends the lease.
		if err := m.store.Delete(ctx, tx, req.ResourceID); err != nil {
			return nil, err
		}
		current = nil
	}

	if current == nil {
		lock := &models.ResourceLock{
			ResourceID:   req.ResourceID,
			ResourceKind: req.ResourceKind,
			OwnerID:      req.OwnerID,
			OwnerKind:    req.OwnerKind,
			AcquiredAt:   now,
			ExpiresAt:    now.Add(req.LeaseTTL),
			Priority:     req.Priority,
		}
		if err := m.store.Insert(ctx, tx, lock); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit acquire: %w", err)
		}

		if reaped != nil {
			m.emit(ctx, models.EventTypeResourceReleased, req.ResourceID, reaped.OwnerID, 0)
		}
		m.emit(ctx, models.EventTypeResourceAcquired, req.ResourceID, req.OwnerID, 0)
		return &AcquireResult{Status: AcquireStatusAcquired, Lock: lock}, nil
	}

	waiter := &models.LockWaiter{
		ResourceID: req.ResourceID,
		OwnerID:    req.OwnerID,
		OwnerKind:  req.OwnerKind,
		Priority:   req.Priority,
		QueuedAt:   now,
		Timeout:    req.Timeout,
	}
	waiterID, err := m.store.InsertWaiter(ctx, tx, waiter)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	position, err := m.store.WaiterPosition(ctx, req.ResourceID, waiterID)
	if err != nil {
		m.logger.Warn("Failed to compute waiter position", "resource_id", req.ResourceID, "error", err)
		position = 0
	}
	m.emit(ctx, models.EventTypeResourceQueued, req.ResourceID, req.OwnerID, position)
	return &AcquireResult{Status: AcquireStatusQueued, Position: position}, nil
}

// waitForGrant polls until the caller holds the lock or the timeout elapses.
// On timeout the waiter row is removed and timed_out is returned.
func (m *Manager) waitForGrant(ctx context.Context, req AcquireRequest, queued *AcquireResult) (*AcquireResult, error) {
	deadline := time.Now().Add(req.Timeout)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.abandonWait(req)
			return nil, ctx.Err()
		case <-ticker.C:
		}

		lock, err := m.store.Get(ctx, req.ResourceID)
		if err != nil {
			if ctx.Err() != nil {
				m.abandonWait(req)
				return nil, ctx.Err()
			}
			return nil, err
		}
		if lock != nil && lock.OwnerID == req.OwnerID {
			return &AcquireResult{Status: AcquireStatusAcquired, Lock: lock}, nil
		}

		if time.Now().After(deadline) {
			m.removeWaiter(ctx, req.ResourceID, req.OwnerID)
			// Promotion can land between the holder check and waiter removal;
			// the grant is real, so report it.
			if lock, err := m.store.Get(ctx, req.ResourceID); err == nil && lock != nil && lock.OwnerID == req.OwnerID {
				return &AcquireResult{Status: AcquireStatusAcquired, Lock: lock}, nil
			}
			return &AcquireResult{Status: AcquireStatusTimedOut, Position: queued.Position}, nil
		}
	}
}

// abandonWait cleans up after a cancelled blocking acquire: the waiter row is
// removed, and a grant that landed after the last poll is released rather
// than left held by a caller that already gave up.
func (m *Manager) abandonWait(req AcquireRequest) {
	ctx := context.Background()
	m.removeWaiter(ctx, req.ResourceID, req.OwnerID)
	err := m.Release(ctx, req.ResourceID, req.OwnerID)
	if err != nil && !errors.Is(err, ErrNotHeld) && !errors.Is(err, ErrNotOwner) {
		m.logger.Warn("Failed to release lock granted to cancelled waiter",
			"resource_id", req.ResourceID, "owner_id", req.OwnerID, "error", err)
	}
}

// removeWaiter deletes the caller's waiter row after a timeout or cancel.
func (m *Manager) removeWaiter(ctx context.Context, resourceID, ownerID string) {
	waiters, err := m.store.ListWaiters(ctx, resourceID)
	if err != nil {
		m.logger.Warn("Failed to list waiters for removal", "resource_id", resourceID, "error", err)
		return
	}
	for _, w := range waiters {
		if w.OwnerID != ownerID {
			continue
		}
		tx, err := m.store.BeginTx(ctx)
		if err != nil {
			return
		}
		if err := m.store.DeleteWaiter(ctx, tx, w.ID); err == nil {
			_ = tx.Commit()
		} else {
			_ = tx.Rollback()
		}
		return
	}
}

// Release gives up a held lock and promotes the next waiter in
// (priority, queued_at) order. Stale waiters whose own wait timeout lapsed
// are skipped and removed.
func (m *Manager) Release(ctx context.Context, resourceID, ownerID string) error {
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := m.store.GetForUpdate(ctx, tx, resourceID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %s", ErrNotHeld, resourceID)
	}
	if current.OwnerID != ownerID {
		return fmt.Errorf("%w: resource %s held by %s", ErrNotOwner, resourceID, current.OwnerID)
	}

	if err := m.store.Delete(ctx, tx, resourceID); err != nil {
		return err
	}

	promoted, err := m.promoteNext(ctx, tx, current)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit release: %w", err)
	}

	m.emit(ctx, models.EventTypeResourceReleased, resourceID, ownerID, 0)
	if promoted != nil {
		m.emit(ctx, models.EventTypeResourceAcquired, resourceID, promoted.OwnerID, 0)
	}
	return nil
}

// promoteNext pops waiters in order until one is still live and installs it
// as the new holder. Returns nil when the queue drains.
func (m *Manager) promoteNext(ctx context.Context, tx *sql.Tx, released *models.ResourceLock) (*models.ResourceLock, error) {
	now := time.Now()
	for {
		waiter, err := m.store.NextWaiter(ctx, tx, released.ResourceID)
		if err != nil {
			return nil, err
		}
		if waiter == nil {
			return nil, nil
		}
		if err := m.store.DeleteWaiter(ctx, tx, waiter.ID); err != nil {
			return nil, err
		}
		if waiter.Timeout > 0 && now.After(waiter.QueuedAt.Add(waiter.Timeout)) {
			continue // waiter gave up before promotion
		}

		lock := &models.ResourceLock{
			ResourceID:   released.ResourceID,
			ResourceKind: released.ResourceKind,
			OwnerID:      waiter.OwnerID,
			OwnerKind:    waiter.OwnerKind,
			AcquiredAt:   now,
			ExpiresAt:    now.Add(m.leaseTTL),
			Priority:     waiter.Priority,
		}
		if err := m.store.Insert(ctx, tx, lock); err != nil {
			return nil, err
		}
		return lock, nil
	}
}

// Status reports the current holder and the ordered waiter queue.
func (m *Manager) Status(ctx context.Context, resourceID string) (*models.ResourceStatus, error) {
	lock, err := m.store.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	status := &models.ResourceStatus{
		ResourceID: resourceID,
		Status:     models.LockStatusAvailable,
	}
	if lock != nil && !lock.Expired(time.Now()) {
		status.Status = models.LockStatusHeld
		status.Holder = lock
	}

	waiters, err := m.store.ListWaiters(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	for _, w := range waiters {
		status.Waiters = append(status.Waiters, *w)
	}
	return status, nil
}

func (m *Manager) emit(ctx context.Context, eventType, resourceID, ownerID string, position int) {
	payload := map[string]any{
		"resource_id": resourceID,
		"owner_id":    ownerID,
	}
	if position > 0 {
		payload["position"] = position
	}
	ev := &models.Event{
		Type:     eventType,
		Payload:  payload,
		Priority: models.PriorityNormal,
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("Failed to publish lock event",
			"event_type", eventType, "resource_id", resourceID, "error", err)
	}
}
