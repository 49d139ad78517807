package locks

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// TryAcquire runs the lock acquisition protocol in a single transaction:
// idempotency-key lookup first, then the active-lock check on the
// resource, then either the lock insert or the queue insert. A retry of
// a request that is already queued collapses onto the existing entry
// rather than enqueueing a second one. The caller pre-builds both
// candidate rows; at most one of them is persisted. Returns the
// outcome, the prior lock on a replay/in-progress hit, and the 1-based
// queue position when queued.
func (d *Database) TryAcquire(lock *ResourceLock, entry *QueueEntry, now time.Time) (string, *ResourceLock, int, error) {
	var (
		outcome  string
		prior    *ResourceLock
		position int
	)

	err := d.db.Transaction(func(tx *gorm.DB) error {
		// Duplicate-request check before anything else.
		var existing ResourceLock
		err := tx.Where("idempotency_key = ?", lock.IdempotencyKey).
			Order("id DESC").
			First(&existing).Error
		switch {
		case err == nil:
			if existing.Status == StatusActive && existing.ExpiresAt.After(now) {
				outcome = OutcomeInProgress
				prior = &existing
				return nil
			}
			if existing.Status == StatusReleased && existing.Result != "" {
				outcome = OutcomeReplayed
				prior = &existing
				return nil
			}
			// Prior attempt failed or expired without a result; fall
			// through and compete for the lock again.
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		var active ResourceLock
		err = tx.Where("resource_id = ? AND status = ? AND expires_at > ?",
			lock.ResourceID, StatusActive, now).
			First(&active).Error
		switch {
		case err == nil:
			// Resource busy. A retry of a request already waiting in
			// the queue reports the existing entry's position instead
			// of enqueueing a second copy of the same work.
			var dup QueueEntry
			dupErr := tx.Where("idempotency_key = ? AND status IN ?",
				entry.IdempotencyKey, []string{QueuePending, QueueProcessing}).
				First(&dup).Error
			switch {
			case dupErr == nil:
				outcome = OutcomeQueued
				position, err = queuePosition(tx, &dup)
				return err
			case !errors.Is(dupErr, gorm.ErrRecordNotFound):
				return dupErr
			}

			if err := tx.Create(entry).Error; err != nil {
				return err
			}
			outcome = OutcomeQueued
			position, err = queuePosition(tx, entry)
			return err
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		outcome = OutcomeGranted
		return tx.Create(lock).Error
	})
	if err != nil {
		return "", nil, 0, err
	}
	return outcome, prior, position, nil
}

// queuePosition counts the pending entries served before the given one
// and returns its 1-based position.
func queuePosition(tx *gorm.DB, entry *QueueEntry) (int, error) {
	var ahead int64
	err := tx.Model(&QueueEntry{}).
		Where("resource_id = ? AND status = ? AND (priority < ? OR (priority = ? AND queue_id < ?))",
			entry.ResourceID, QueuePending, entry.Priority, entry.Priority, entry.QueueID).
		Count(&ahead).Error
	return int(ahead) + 1, err
}

// ReplayableResult returns the newest completed lock holding a stored
// result for the given idempotency key, or nil when none exists.
func (d *Database) ReplayableResult(idempotencyKey string) (*ResourceLock, error) {
	var lock ResourceLock
	err := d.db.Where("idempotency_key = ? AND status = ? AND result <> ''",
		idempotencyKey, StatusReleased).
		Order("id DESC").
		First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lock, nil
}

// ReleaseLock moves an active lock to a terminal status and stores the
// result payload for idempotent replay. Returns the updated lock or
// gorm.ErrRecordNotFound if the lock does not exist.
func (d *Database) ReleaseLock(lockID, status, result, lastError string, now time.Time) (*ResourceLock, error) {
	var lock ResourceLock
	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("lock_id = ?", lockID).First(&lock).Error; err != nil {
			return err
		}
		lock.Status = status
		lock.Result = result
		lock.LastError = lastError
		lock.ReleasedAt = &now
		return tx.Save(&lock).Error
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// NextPending returns the head of a resource's queue in
// (priority, arrival) order, or nil if the queue is empty.
func (d *Database) NextPending(resourceID string) (*QueueEntry, error) {
	var entry QueueEntry
	err := d.db.Where("resource_id = ? AND status = ?", resourceID, QueuePending).
		Order("priority ASC, queue_id ASC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// PromoteEntry atomically grants a lock to a queued entry if the
// resource is free: it inserts the lock row and flips the entry to
// processing in one transaction. Returns false without side effects if
// another lock is still active.
func (d *Database) PromoteEntry(entry *QueueEntry, lock *ResourceLock, now time.Time) (bool, error) {
	granted := false
	err := d.db.Transaction(func(tx *gorm.DB) error {
		var active ResourceLock
		err := tx.Where("resource_id = ? AND status = ? AND expires_at > ?",
			lock.ResourceID, StatusActive, now).
			First(&active).Error
		if err == nil {
			return nil // still busy, leave entry pending
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.Create(lock).Error; err != nil {
			return err
		}
		if err := tx.Model(&QueueEntry{}).
			Where("queue_id = ? AND status = ?", entry.QueueID, QueuePending).
			Update("status", QueueProcessing).Error; err != nil {
			return err
		}
		granted = true
		return nil
	})
	return granted, err
}

// UpdateQueueEntryStatus moves a queue entry to the given status.
func (d *Database) UpdateQueueEntryStatus(queueID, status string) error {
	return d.db.Model(&QueueEntry{}).
		Where("queue_id = ?", queueID).
		Update("status", status).Error
}

// ExpireStale flips active locks past their expiry to expired and
// returns the affected resource IDs so their queues can be advanced.
func (d *Database) ExpireStale(now time.Time) ([]string, error) {
	var stale []ResourceLock
	if err := d.db.Where("status = ? AND expires_at <= ?", StatusActive, now).
		Find(&stale).Error; err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(stale))
	resources := make([]string, 0, len(stale))
	for _, l := range stale {
		ids = append(ids, l.LockID)
		resources = append(resources, l.ResourceID)
	}

	err := d.db.Model(&ResourceLock{}).
		Where("lock_id IN ?", ids).
		Update("status", StatusExpired).Error
	if err != nil {
		return nil, err
	}
	return resources, nil
}

// Purge deletes terminal locks and queue entries last touched before the
// cutoff, bounding table growth.
func (d *Database) Purge(cutoff time.Time) (int64, error) {
	locks := d.db.Unscoped().
		Where("status IN ? AND updated_at < ?",
			[]string{StatusReleased, StatusExpired, StatusFailed}, cutoff).
		Delete(&ResourceLock{})
	if locks.Error != nil {
		return 0, locks.Error
	}

	entries := d.db.Unscoped().
		Where("status IN ? AND updated_at < ?",
			[]string{QueueCompleted, QueueFailed, QueueCancelled}, cutoff).
		Delete(&QueueEntry{})
	if entries.Error != nil {
		return locks.RowsAffected, entries.Error
	}
	return locks.RowsAffected + entries.RowsAffected, nil
}

// ActiveLocks returns the unexpired active locks for a resource.
func (d *Database) ActiveLocks(resourceID string, now time.Time) ([]ResourceLock, error) {
	var active []ResourceLock
	err := d.db.Where("resource_id = ? AND status = ? AND expires_at > ?",
		resourceID, StatusActive, now).
		Find(&active).Error
	return active, err
}

// QueueLength counts pending entries for a resource.
func (d *Database) QueueLength(resourceID string) (int64, error) {
	var n int64
	err := d.db.Model(&QueueEntry{}).
		Where("resource_id = ? AND status = ?", resourceID, QueuePending).
		Count(&n).Error
	return n, err
}

// CountActive counts all unexpired active locks across resources.
func (d *Database) CountActive(now time.Time) (int64, error) {
	var n int64
	err := d.db.Model(&ResourceLock{}).
		Where("status = ? AND expires_at > ?", StatusActive, now).
		Count(&n).Error
	return n, err
}

// GetLock fetches a lock by its ID.
func (d *Database) GetLock(lockID string) (*ResourceLock, error) {
	var lock ResourceLock
	if err := d.db.Where("lock_id = ?", lockID).First(&lock).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lock, nil
}
