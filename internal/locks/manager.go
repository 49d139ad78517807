package locks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/trade-coordinator/internal/metrics"
)

// Acquire outcomes visible to callers.
const (
	OutcomeGranted    = "granted"
	OutcomeQueued     = "queued"
	OutcomeReplayed   = "replayed"
	OutcomeInProgress = "in_progress"
)

// AcquireRequest describes one attempt to take exclusive ownership of a
// resource. If IdempotencyKey is empty, one is derived from the salient
// request fields so identical retried requests collapse onto one key.
type AcquireRequest struct {
	ResourceID      string        `json:"resource_id"`
	OwnerID         string        `json:"owner_id"`
	OwnerType       string        `json:"owner_type"`
	TransactionType string        `json:"transaction_type"`
	TransactionData string        `json:"transaction_data"`
	IdempotencyKey  string        `json:"idempotency_key,omitempty"`
	Timeout         time.Duration `json:"-"`
	Priority        int           `json:"priority,omitempty"`
}

// AcquireResult is the structured outcome of an acquisition attempt.
type AcquireResult struct {
	Outcome        string `json:"outcome"`
	LockID         string `json:"lock_id,omitempty"`
	QueuePosition  int    `json:"queue_position,omitempty"` // 1-based
	PriorResult    string `json:"prior_result,omitempty"`   // stored result JSON on replay
	IdempotencyKey string `json:"idempotency_key"`
}

// ExecOutcome is the uniform result of ExecuteWithLock.
type ExecOutcome struct {
	Success       bool        `json:"success"`
	Outcome       string      `json:"outcome"`
	Result        interface{} `json:"result,omitempty"`
	PriorResult   string      `json:"prior_result,omitempty"`
	Error         string      `json:"error,omitempty"`
	LockID        string      `json:"lock_id,omitempty"`
	QueuePosition int         `json:"queue_position,omitempty"`
	DurationMs    int64       `json:"duration_ms"`
}

// ResourceStatus is the answer to a status query for one resource.
type ResourceStatus struct {
	ResourceID  string         `json:"resource_id"`
	LockCount   int            `json:"lock_count"`
	QueueLength int            `json:"queue_length"`
	ActiveLocks []ResourceLock `json:"active_locks"`
}

// PromotionHandler executes a promoted queue entry's transaction. The
// manager releases the promoted lock with the handler's result or error
// and terminalizes the queue entry afterwards.
type PromotionHandler func(ctx context.Context, entry QueueEntry) (interface{}, error)

// Manager owns the lock and queue tables. It is the only component with
// durable shared state across trade attempts; all access goes through
// its atomic acquire/release operations.
type Manager struct {
	db             *Database
	defaultTimeout time.Duration
	sweepInterval  time.Duration
	retention      time.Duration
	onPromotion    PromotionHandler
}

// ManagerConfig carries lock manager policy knobs.
type ManagerConfig struct {
	DefaultTimeout time.Duration // lock expiry horizon
	SweepInterval  time.Duration // background sweep period
	Retention      time.Duration // terminal row retention window
}

// NewManager creates a lock manager backed by the given database.
func NewManager(gormDB *gorm.DB, cfg ManagerConfig) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Manager{
		db:             NewDatabase(gormDB),
		defaultTimeout: cfg.DefaultTimeout,
		sweepInterval:  cfg.SweepInterval,
		retention:      cfg.Retention,
	}
}

// SetPromotionHandler installs the callback that executes promoted queue
// entries. Must be called before Start.
func (m *Manager) SetPromotionHandler(h PromotionHandler) {
	m.onPromotion = h
}

// DeriveIdempotencyKey hashes the salient request fields into a stable
// key so that identical retried requests collapse onto one execution.
func DeriveIdempotencyKey(req AcquireRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s",
		req.ResourceID, req.OwnerID, req.OwnerType, req.TransactionType, req.TransactionData)
	return hex.EncodeToString(h.Sum(nil))
}

// Acquire attempts to take the lock for req.ResourceID. It returns
// granted with a lock ID, queued with a 1-based position, replayed with
// the stored result of a completed duplicate, or in_progress when a
// duplicate is still running.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	if req.ResourceID == "" {
		return nil, fmt.Errorf("resource_id is required")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = DeriveIdempotencyKey(req)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	now := time.Now()
	lock := &ResourceLock{
		LockID:          "LCK_" + ulid.Make().String(),
		ResourceID:      req.ResourceID,
		IdempotencyKey:  req.IdempotencyKey,
		OwnerID:         req.OwnerID,
		OwnerType:       req.OwnerType,
		Status:          StatusActive,
		TransactionType: req.TransactionType,
		TransactionData: req.TransactionData,
		AcquiredAt:      now,
		ExpiresAt:       now.Add(timeout),
	}
	entry := &QueueEntry{
		QueueID:         "QUE_" + ulid.Make().String(),
		ResourceID:      req.ResourceID,
		Priority:        req.Priority,
		Status:          QueuePending,
		IdempotencyKey:  req.IdempotencyKey,
		OwnerID:         req.OwnerID,
		OwnerType:       req.OwnerType,
		TransactionType: req.TransactionType,
		TransactionData: req.TransactionData,
		QueuedAt:        now,
	}

	outcome, prior, position, err := m.db.TryAcquire(lock, entry, now)
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}

	logger := log.With().
		Str("component", "lock_manager").
		Str("resource_id", req.ResourceID).
		Str("idempotency_key", req.IdempotencyKey).
		Logger()

	res := &AcquireResult{Outcome: outcome, IdempotencyKey: req.IdempotencyKey}
	switch outcome {
	case OutcomeGranted:
		res.LockID = lock.LockID
		m.syncActiveGauge()
		logger.Info().Str("lock_id", lock.LockID).Msg("lock granted")
	case OutcomeQueued:
		res.QueuePosition = position
		logger.Info().
			Int("position", position).
			Msg("resource busy, request queued")
	case OutcomeReplayed:
		res.LockID = prior.LockID
		res.PriorResult = prior.Result
		logger.Info().Str("lock_id", prior.LockID).Msg("duplicate request, replaying stored result")
	case OutcomeInProgress:
		res.LockID = prior.LockID
		logger.Info().Str("lock_id", prior.LockID).Msg("duplicate request still in progress")
	}
	return res, nil
}

// Release terminalizes a lock, stores the result for idempotent replay,
// and advances the resource's queue. Queue promotion is best-effort: a
// promotion failure is logged, never propagated to the releasing caller.
func (m *Manager) Release(ctx context.Context, lockID string, result interface{}, execErr error) error {
	status := StatusReleased
	lastError := ""
	resultJSON := ""

	if execErr != nil {
		status = StatusFailed
		lastError = execErr.Error()
	} else if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode lock result: %w", err)
		}
		resultJSON = string(data)
	}

	lock, err := m.db.ReleaseLock(lockID, status, resultJSON, lastError, time.Now())
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lockID, err)
	}
	m.syncActiveGauge()

	log.Info().
		Str("component", "lock_manager").
		Str("lock_id", lockID).
		Str("resource_id", lock.ResourceID).
		Str("status", status).
		Msg("lock released")

	go m.promoteNext(context.WithoutCancel(ctx), lock.ResourceID)
	return nil
}

// promoteNext pops the head of a resource's queue and grants it the
// lock if the resource is free. With a promotion handler installed the
// entry's transaction runs on its own goroutine and its release drains
// the queue further.
func (m *Manager) promoteNext(ctx context.Context, resourceID string) {
	logger := log.With().
		Str("component", "lock_manager").
		Str("resource_id", resourceID).
		Logger()

	entry, err := m.db.NextPending(resourceID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read queue head")
		return
	}
	if entry == nil {
		return
	}

	// A queued duplicate whose original completed while it waited is
	// finished from the stored result; its side effect must not run a
	// second time.
	prior, err := m.db.ReplayableResult(entry.IdempotencyKey)
	if err != nil {
		logger.Error().Err(err).Str("queue_id", entry.QueueID).Msg("failed to check for stored result")
		return
	}
	if prior != nil {
		if err := m.db.UpdateQueueEntryStatus(entry.QueueID, QueueCompleted); err != nil {
			logger.Error().Err(err).Str("queue_id", entry.QueueID).Msg("failed to complete duplicate queue entry")
			return
		}
		logger.Info().
			Str("queue_id", entry.QueueID).
			Str("lock_id", prior.LockID).
			Msg("queued duplicate completed from stored result")
		m.promoteNext(ctx, resourceID)
		return
	}

	now := time.Now()
	lock := &ResourceLock{
		LockID:          "LCK_" + ulid.Make().String(),
		ResourceID:      entry.ResourceID,
		IdempotencyKey:  entry.IdempotencyKey,
		OwnerID:         entry.OwnerID,
		OwnerType:       entry.OwnerType,
		Status:          StatusActive,
		TransactionType: entry.TransactionType,
		TransactionData: entry.TransactionData,
		AcquiredAt:      now,
		ExpiresAt:       now.Add(m.defaultTimeout),
	}

	granted, err := m.db.PromoteEntry(entry, lock, now)
	if err != nil {
		logger.Error().Err(err).Str("queue_id", entry.QueueID).Msg("queue promotion failed")
		return
	}
	if !granted {
		return
	}
	m.syncActiveGauge()

	logger.Info().
		Str("queue_id", entry.QueueID).
		Str("lock_id", lock.LockID).
		Msg("queue entry promoted to active lock")

	if m.onPromotion == nil {
		return
	}

	go func() {
		result, err := m.onPromotion(ctx, *entry)
		if relErr := m.Release(ctx, lock.LockID, result, err); relErr != nil {
			logger.Error().Err(relErr).Str("lock_id", lock.LockID).Msg("failed to release promoted lock")
		}

		entryStatus := QueueCompleted
		if err != nil {
			entryStatus = QueueFailed
		}
		if err := m.db.UpdateQueueEntryStatus(entry.QueueID, entryStatus); err != nil {
			logger.Error().Err(err).Str("queue_id", entry.QueueID).Msg("failed to update queue entry status")
		}
	}()
}

// IsLocked reports whether the resource has an active, unexpired lock.
func (m *Manager) IsLocked(resourceID string) (bool, error) {
	active, err := m.db.ActiveLocks(resourceID, time.Now())
	if err != nil {
		return false, err
	}
	return len(active) > 0, nil
}

// Status reports the lock and queue state for one resource.
func (m *Manager) Status(resourceID string) (*ResourceStatus, error) {
	active, err := m.db.ActiveLocks(resourceID, time.Now())
	if err != nil {
		return nil, err
	}
	queueLen, err := m.db.QueueLength(resourceID)
	if err != nil {
		return nil, err
	}
	return &ResourceStatus{
		ResourceID:  resourceID,
		LockCount:   len(active),
		QueueLength: int(queueLen),
		ActiveLocks: active,
	}, nil
}

// ExecuteWithLock is the primary entry point for callers: it acquires
// the lock, runs fn, releases with fn's result or error, and returns a
// uniform outcome. Queued and duplicate requests return without running
// fn.
func (m *Manager) ExecuteWithLock(ctx context.Context, req AcquireRequest, fn func(ctx context.Context) (interface{}, error)) (*ExecOutcome, error) {
	start := time.Now()

	acq, err := m.Acquire(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &ExecOutcome{Outcome: acq.Outcome, LockID: acq.LockID}
	switch acq.Outcome {
	case OutcomeQueued:
		out.QueuePosition = acq.QueuePosition
	case OutcomeReplayed:
		out.Success = true
		out.PriorResult = acq.PriorResult
	case OutcomeInProgress:
		out.Error = "request already in progress"
	case OutcomeGranted:
		result, fnErr := fn(ctx)
		if relErr := m.Release(ctx, acq.LockID, result, fnErr); relErr != nil {
			log.Error().Err(relErr).
				Str("component", "lock_manager").
				Str("lock_id", acq.LockID).
				Msg("failed to release lock after execution")
		}
		if fnErr != nil {
			out.Error = fnErr.Error()
		} else {
			out.Success = true
			out.Result = result
		}
	}

	out.DurationMs = time.Since(start).Milliseconds()
	return out, nil
}

// Start runs the background sweep until the context is cancelled. The
// sweep expires stale active locks, advances queues they were blocking,
// and purges terminal rows past the retention window.
func (m *Manager) Start(ctx context.Context) {
	logger := log.With().Str("component", "lock_sweeper").Logger()
	logger.Info().
		Dur("interval", m.sweepInterval).
		Dur("retention", m.retention).
		Msg("starting lock sweeper")

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down lock sweeper")
			return
		case <-ticker.C:
			if err := m.SweepOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// SweepOnce performs one expiry-and-purge pass. Exported so callers can
// force deterministic reclamation.
func (m *Manager) SweepOnce(ctx context.Context) error {
	logger := log.With().Str("component", "lock_sweeper").Logger()
	now := time.Now()

	resources, err := m.db.ExpireStale(now)
	if err != nil {
		return fmt.Errorf("failed to expire stale locks: %w", err)
	}
	if len(resources) > 0 {
		m.syncActiveGauge()
		logger.Warn().
			Int("expired", len(resources)).
			Strs("resources", resources).
			Msg("expired stale locks")
		for _, resourceID := range resources {
			m.promoteNext(ctx, resourceID)
		}
	}

	purged, err := m.db.Purge(now.Add(-m.retention))
	if err != nil {
		return fmt.Errorf("failed to purge terminal rows: %w", err)
	}
	if purged > 0 {
		logger.Debug().Int64("purged", purged).Msg("purged terminal lock and queue rows")
	}
	return nil
}

func (m *Manager) syncActiveGauge() {
	if n, err := m.db.CountActive(time.Now()); err == nil {
		metrics.ActiveLocks.Set(float64(n))
	}
}
