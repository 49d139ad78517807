package locks

import (
	"time"

	"gorm.io/gorm"
)

// Lock statuses
const (
	StatusActive   = "active"
	StatusReleased = "released"
	StatusExpired  = "expired"
	StatusFailed   = "failed"
)

// Queue entry statuses
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
	QueueCancelled  = "cancelled"
)

// ResourceLock represents exclusive ownership of a tradeable resource.
// At most one lock per resource may be active and unexpired at a time;
// the acquire transaction enforces this.
type ResourceLock struct {
	gorm.Model      `json:"-"`
	LockID          string     `gorm:"uniqueIndex" json:"lock_id"`
	ResourceID      string     `gorm:"index" json:"resource_id"`
	IdempotencyKey  string     `gorm:"index" json:"idempotency_key"`
	OwnerID         string     `json:"owner_id"`
	OwnerType       string     `json:"owner_type"`
	Status          string     `gorm:"index" json:"status"` // active, released, expired, failed
	TransactionType string     `json:"transaction_type"`    // trade, cancel, update
	TransactionData string     `json:"transaction_data"`    // opaque JSON payload
	Result          string     `json:"result,omitempty"`    // stored on release for idempotent replay
	LastError       string     `json:"last_error,omitempty"`
	AcquiredAt      time.Time  `json:"acquired_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
}

// Terminal reports whether the lock can no longer guard its resource.
func (l *ResourceLock) Terminal() bool {
	return l.Status != StatusActive
}

// QueueEntry is a pending request for a resource that was locked at
// acquisition time. Entries for the same resource are served in
// (priority, arrival) order; QueueID is a ULID, so lexical order on it
// matches arrival order and breaks priority ties.
type QueueEntry struct {
	gorm.Model      `json:"-"`
	QueueID         string    `gorm:"uniqueIndex" json:"queue_id"`
	ResourceID      string    `gorm:"index" json:"resource_id"`
	Priority        int       `json:"priority"` // lower is served first
	Status          string    `gorm:"index" json:"status"`
	IdempotencyKey  string    `json:"idempotency_key"`
	OwnerID         string    `json:"owner_id"`
	OwnerType       string    `json:"owner_type"`
	TransactionType string    `json:"transaction_type"`
	TransactionData string    `json:"transaction_data"`
	QueuedAt        time.Time `json:"queued_at"`
}
