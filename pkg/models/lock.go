package models

import "time"

// OwnerKind identifies what kind of entity holds or requests a lock.
type OwnerKind string

const (
	OwnerKindAgentInstance OwnerKind = "agent-instance"
	OwnerKindUser          OwnerKind = "user"
	OwnerKindSystem        OwnerKind = "system"
)

// IsValid checks if the owner kind is valid.
func (k OwnerKind) IsValid() bool {
	return k == OwnerKindAgentInstance || k == OwnerKindUser || k == OwnerKindSystem
}

// ResourceLock is the exclusive access token for a named resource
// (typically a device). At most one live lock exists per resource id.
type ResourceLock struct {
	ResourceID   string    `json:"resource_id"`
	ResourceKind string    `json:"resource_kind"`
	OwnerID      string    `json:"owner_id"`
	OwnerKind    OwnerKind `json:"owner_kind"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Priority     Priority  `json:"priority"`
}

// Expired reports whether the lock's lease has lapsed at the given instant.
func (l *ResourceLock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// LockWaiter is a queued acquire request. The waiter set for a resource is
// totally ordered by (priority rank asc, queued_at asc).
type LockWaiter struct {
	ID         int64     `json:"id"`
	ResourceID string    `json:"resource_id"`
	OwnerID    string    `json:"owner_id"`
	OwnerKind  OwnerKind `json:"owner_kind"`
	Priority   Priority  `json:"priority"`
	QueuedAt   time.Time `json:"queued_at"`
	Timeout    time.Duration `json:"timeout"`
}

// LockStatus describes the current state of a resource for status queries.
type LockStatus string

const (
	LockStatusAvailable LockStatus = "AVAILABLE"
	LockStatusHeld      LockStatus = "HELD"
)

// ResourceStatus is the answer to a lock manager status query.
type ResourceStatus struct {
	ResourceID string        `json:"resource_id"`
	Status     LockStatus    `json:"status"`
	Holder     *ResourceLock `json:"holder,omitempty"`
	Waiters    []LockWaiter  `json:"waiters,omitempty"`
}
