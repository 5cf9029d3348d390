package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/horizon-qa/atlas/pkg/models"
)

// LockStore persists resource locks and their waiter queues. Methods that take
// a *sql.Tx are building blocks for the lock manager, which composes them into
// a single transaction per acquire/release.
type LockStore struct {
	db *sql.DB
}

// BeginTx starts a transaction for a multi-step lock operation.
func (s *LockStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// GetForUpdate fetches the current lock row with a row lock, blocking
// concurrent acquirers of the same resource until the transaction ends.
// Returns nil when the resource is unheld.
func (s *LockStore) GetForUpdate(ctx context.Context, tx *sql.Tx, resourceID string) (*models.ResourceLock, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT resource_id, resource_kind, owner_id, owner_kind, acquired_at, expires_at, priority
		FROM resource_locks WHERE resource_id = $1
		FOR UPDATE`,
		resourceID,
	)
	var (
		lock      models.ResourceLock
		ownerKind string
		priority  string
	)
	err := row.Scan(&lock.ResourceID, &lock.ResourceKind, &lock.OwnerID, &ownerKind,
		&lock.AcquiredAt, &lock.ExpiresAt, &priority)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query lock: %w", err)
	}
	lock.OwnerKind = models.OwnerKind(ownerKind)
	lock.Priority = models.Priority(priority)
	return &lock, nil
}

// Insert records a newly granted lock.
func (s *LockStore) Insert(ctx context.Context, tx *sql.Tx, lock *models.ResourceLock) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO resource_locks (resource_id, resource_kind, owner_id, owner_kind, acquired_at, expires_at, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		lock.ResourceID, lock.ResourceKind, lock.OwnerID, string(lock.OwnerKind),
		lock.AcquiredAt, lock.ExpiresAt, string(lock.Priority),
	)
	if err != nil {
		return fmt.Errorf("failed to insert lock: %w", err)
	}
	return nil
}

// Delete releases a held lock.
func (s *LockStore) Delete(ctx context.Context, tx *sql.Tx, resourceID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM resource_locks WHERE resource_id = $1`, resourceID)
	if err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}
	return nil
}

// InsertWaiter enqueues a waiter and returns its queue row ID.
func (s *LockStore) InsertWaiter(ctx context.Context, tx *sql.Tx, w *models.LockWaiter) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO lock_waiters (resource_id, owner_id, owner_kind, priority, priority_rank, queued_at, timeout_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		w.ResourceID, w.OwnerID, string(w.OwnerKind), string(w.Priority),
		w.Priority.Rank(), w.QueuedAt, w.Timeout.Milliseconds(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert waiter: %w", err)
	}
	return id, nil
}

// NextWaiter returns the head of the waiter queue: highest priority first,
// FIFO within the same priority. Returns nil when the queue is empty.
func (s *LockStore) NextWaiter(ctx context.Context, tx *sql.Tx, resourceID string) (*models.LockWaiter, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, resource_id, owner_id, owner_kind, priority, queued_at, timeout_ms
		FROM lock_waiters
		WHERE resource_id = $1
		ORDER BY priority_rank ASC, queued_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		resourceID,
	)
	w, err := scanWaiter(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// DeleteWaiter removes a waiter row, either on promotion or on timeout.
func (s *LockStore) DeleteWaiter(ctx context.Context, tx *sql.Tx, waiterID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM lock_waiters WHERE id = $1`, waiterID)
	if err != nil {
		return fmt.Errorf("failed to delete waiter: %w", err)
	}
	return nil
}

// WaiterPosition returns the 1-based queue position of a waiter, or 0 when
// the row no longer exists.
func (s *LockStore) WaiterPosition(ctx context.Context, resourceID string, waiterID int64) (int, error) {
	var pos int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM lock_waiters w, lock_waiters me
		WHERE me.id = $2 AND w.resource_id = $1
		  AND (w.priority_rank, w.queued_at, w.id) <= (me.priority_rank, me.queued_at, me.id)`,
		resourceID, waiterID,
	).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("failed to compute waiter position: %w", err)
	}
	return pos, nil
}

// ListWaiters returns the full queue for a resource in promotion order.
func (s *LockStore) ListWaiters(ctx context.Context, resourceID string) ([]*models.LockWaiter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_id, owner_id, owner_kind, priority, queued_at, timeout_ms
		FROM lock_waiters
		WHERE resource_id = $1
		ORDER BY priority_rank ASC, queued_at ASC`,
		resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiters: %w", err)
	}
	defer rows.Close()

	var waiters []*models.LockWaiter
	for rows.Next() {
		w, err := scanWaiter(rows)
		if err != nil {
			return nil, err
		}
		waiters = append(waiters, w)
	}
	return waiters, rows.Err()
}

// Get returns the lock row without locking it, for status queries.
func (s *LockStore) Get(ctx context.Context, resourceID string) (*models.ResourceLock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT resource_id, resource_kind, owner_id, owner_kind, acquired_at, expires_at, priority
		FROM resource_locks WHERE resource_id = $1`,
		resourceID,
	)
	var (
		lock      models.ResourceLock
		ownerKind string
		priority  string
	)
	err := row.Scan(&lock.ResourceID, &lock.ResourceKind, &lock.OwnerID, &ownerKind,
		&lock.AcquiredAt, &lock.ExpiresAt, &priority)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query lock: %w", err)
	}
	lock.OwnerKind = models.OwnerKind(ownerKind)
	lock.Priority = models.Priority(priority)
	return &lock, nil
}

// ListExpired returns locks whose lease passed the given instant.
func (s *LockStore) ListExpired(ctx context.Context, now time.Time) ([]*models.ResourceLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, resource_kind, owner_id, owner_kind, acquired_at, expires_at, priority
		FROM resource_locks WHERE expires_at < $1`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired locks: %w", err)
	}
	defer rows.Close()

	var locks []*models.ResourceLock
	for rows.Next() {
		var (
			lock      models.ResourceLock
			ownerKind string
			priority  string
		)
		err := rows.Scan(&lock.ResourceID, &lock.ResourceKind, &lock.OwnerID, &ownerKind,
			&lock.AcquiredAt, &lock.ExpiresAt, &priority)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		lock.OwnerKind = models.OwnerKind(ownerKind)
		lock.Priority = models.Priority(priority)
		locks = append(locks, &lock)
	}
	return locks, rows.Err()
}

func scanWaiter(row rowScanner) (*models.LockWaiter, error) {
	var (
		w         models.LockWaiter
		ownerKind string
		priority  string
		timeoutMS int64
	)
	err := row.Scan(&w.ID, &w.ResourceID, &w.OwnerID, &ownerKind, &priority, &w.QueuedAt, &timeoutMS)
	if err != nil {
		return nil, err
	}
	w.OwnerKind = models.OwnerKind(ownerKind)
	w.Priority = models.Priority(priority)
	w.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return &w, nil
}
