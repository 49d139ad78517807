package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/trade-coordinator/internal/config"
	"github.com/ksred/trade-coordinator/internal/execution"
	"github.com/ksred/trade-coordinator/internal/locks"
	"github.com/ksred/trade-coordinator/internal/metrics"
	"github.com/ksred/trade-coordinator/internal/positions"
	"github.com/ksred/trade-coordinator/internal/risk"
	"github.com/ksred/trade-coordinator/internal/types"
)

// Submission statuses
const (
	StatusExecuted   = "executed"
	StatusQueued     = "queued"
	StatusReplayed   = "replayed"
	StatusInProgress = "in_progress"
)

// SubmitResult is the coordinator's answer to one trade submission.
// Code carries IDEMPOTENT_REPLAY when the result was served from a
// prior execution instead of a fresh one.
type SubmitResult struct {
	Status        string             `json:"status"`
	Code          string             `json:"code,omitempty"`
	Trade         *types.TradeResult `json:"trade,omitempty"`
	Risk          *risk.Assessment   `json:"risk,omitempty"`
	QueuePosition int                `json:"queue_position,omitempty"`
	LockID        string             `json:"lock_id,omitempty"`
	DurationMs    int64              `json:"duration_ms"`
}

// ResourceStatus combines lock state and open positions for one symbol.
type ResourceStatus struct {
	Locked    bool                  `json:"locked"`
	Locks     *locks.ResourceStatus `json:"locks"`
	Positions []positions.Position  `json:"positions"`
}

// Coordinator orchestrates one trade request through lock acquisition,
// risk validation, order execution, and position registration. It holds
// no per-submission state; the per-resource lock is the only mutual
// exclusion, so unrelated symbols execute fully in parallel.
type Coordinator struct {
	locks     *locks.Manager
	validator *risk.Validator
	engine    *execution.Engine
	monitor   *positions.Monitor
	cfg       *config.Config
}

// New wires the coordinator and installs it as the lock manager's
// promotion handler so queued submissions execute when their turn
// comes.
func New(lockMgr *locks.Manager, validator *risk.Validator, engine *execution.Engine, monitor *positions.Monitor, cfg *config.Config) *Coordinator {
	c := &Coordinator{
		locks:     lockMgr,
		validator: validator,
		engine:    engine,
		monitor:   monitor,
		cfg:       cfg,
	}
	lockMgr.SetPromotionHandler(c.handlePromotion)
	return c
}

// Submit runs one trade request end to end. Validation problems and
// risk rejections are returned as typed errors before any order is
// placed; queued and duplicate submissions return without side effects.
func (c *Coordinator) Submit(ctx context.Context, ownerID string, params *types.TradeParameters) (*SubmitResult, error) {
	if err := params.Validate(); err != nil {
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return nil, types.NewTradeError(types.ErrCodeValidation, "%v", err)
	}
	if params.ConfidenceScore > 0 && params.ConfidenceScore < c.cfg.Risk.ConfidenceThreshold {
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return nil, types.NewTradeError(types.ErrCodeRiskRejected,
			"confidence %.2f below threshold %.2f", params.ConfidenceScore, c.cfg.Risk.ConfidenceThreshold)
	}

	txData, err := json.Marshal(params)
	if err != nil {
		return nil, types.NewTradeError(types.ErrCodeValidation, "failed to encode parameters: %v", err)
	}

	var (
		tradeErr   *types.TradeError
		assessment *risk.Assessment
	)

	out, err := c.locks.ExecuteWithLock(ctx, locks.AcquireRequest{
		ResourceID:      params.Symbol,
		OwnerID:         ownerID,
		OwnerType:       "trader",
		TransactionType: types.TxTypeTrade,
		TransactionData: string(txData),
		Timeout:         c.cfg.Lock.Timeout(),
		Priority:        params.Priority,
	}, func(ctx context.Context) (interface{}, error) {
		result, a, terr := c.runTrade(ctx, params)
		assessment = a
		if terr != nil {
			tradeErr = terr
			return nil, terr
		}
		return result, nil
	})
	if err != nil {
		metrics.Submissions.WithLabelValues("failed").Inc()
		return nil, types.NewTradeError(types.ErrCodeFatalExec, "lock manager failure: %v", err)
	}

	res := &SubmitResult{LockID: out.LockID, DurationMs: out.DurationMs, Risk: assessment}
	switch out.Outcome {
	case locks.OutcomeQueued:
		metrics.Submissions.WithLabelValues("queued").Inc()
		res.Status = StatusQueued
		res.QueuePosition = out.QueuePosition
		return res, nil

	case locks.OutcomeInProgress:
		metrics.Submissions.WithLabelValues("replayed").Inc()
		res.Status = StatusInProgress
		res.Code = types.ErrCodeIdempotentReplay
		return res, nil

	case locks.OutcomeReplayed:
		metrics.Submissions.WithLabelValues("replayed").Inc()
		res.Status = StatusReplayed
		res.Code = types.ErrCodeIdempotentReplay
		var prior types.TradeResult
		if err := json.Unmarshal([]byte(out.PriorResult), &prior); err == nil {
			res.Trade = &prior
		}
		return res, nil
	}

	if tradeErr != nil {
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return res, tradeErr
	}

	metrics.Submissions.WithLabelValues("executed").Inc()
	res.Status = StatusExecuted
	if trade, ok := out.Result.(*types.TradeResult); ok {
		res.Trade = trade
	}
	return res, nil
}

// runTrade is the critical section executed under the resource lock:
// risk validation, order execution, and position registration.
func (c *Coordinator) runTrade(ctx context.Context, params *types.TradeParameters) (*types.TradeResult, *risk.Assessment, *types.TradeError) {
	logger := log.With().
		Str("component", "coordinator").
		Str("symbol", params.Symbol).
		Str("side", params.Side).
		Logger()

	if len(c.monitor.GetActivePositions()) >= c.cfg.Monitor.MaxConcurrentPositions {
		return nil, nil, types.NewTradeError(types.ErrCodeRiskRejected,
			"maximum concurrent positions reached (%d)", c.cfg.Monitor.MaxConcurrentPositions)
	}

	assessment := c.validator.Validate(ctx, params)
	if !assessment.Passed {
		logger.Warn().
			Strs("errors", assessment.Errors).
			Float64("risk_score", assessment.RiskScore).
			Msg("trade rejected by risk validation")
		return nil, assessment, types.NewTradeError(types.ErrCodeRiskRejected,
			"risk checks failed: %s", strings.Join(assessment.Errors, "; "))
	}
	for _, w := range assessment.Warnings {
		logger.Warn().Str("warning", w).Msg("risk warning")
	}

	adjusted := *params
	if params.Quantity > 0 && assessment.AdjustedQuantity > 0 {
		adjusted.Quantity = assessment.AdjustedQuantity
	}
	if params.QuoteOrderQty > 0 && assessment.AdjustedQuoteQty > 0 {
		adjusted.QuoteOrderQty = assessment.AdjustedQuoteQty
	}

	result := c.engine.Execute(ctx, &adjusted)
	if !result.Success {
		code := result.ErrorCode
		if code == "" {
			code = types.ErrCodeRetryableExec
		}
		return nil, assessment, types.NewTradeError(code, "%s", result.Error)
	}

	quantity := result.ExecutedQty
	if quantity <= 0 {
		quantity = result.Quantity
	}
	if _, err := c.monitor.Register(positions.RegisterParams{
		Symbol:            result.Symbol,
		Side:              result.Side,
		OrderID:           result.OrderID,
		EntryPrice:        result.Price,
		Quantity:          quantity,
		StopLossPercent:   params.StopLossPercent,
		TakeProfitPercent: params.TakeProfitPercent,
	}); err != nil {
		// The order is already live; supervision failed to attach.
		// Surface loudly rather than failing the filled trade.
		logger.Error().Err(err).
			Str("order_id", result.OrderID).
			Msg("filled order could not be registered for supervision")
	}

	return result, assessment, nil
}

// handlePromotion executes a queued submission when the lock manager
// promotes it after a release. The risk snapshot is taken fresh at
// promotion time, not at enqueue time.
func (c *Coordinator) handlePromotion(ctx context.Context, entry locks.QueueEntry) (interface{}, error) {
	var params types.TradeParameters
	if err := json.Unmarshal([]byte(entry.TransactionData), &params); err != nil {
		return nil, fmt.Errorf("invalid queued transaction data: %w", err)
	}

	log.Info().
		Str("component", "coordinator").
		Str("queue_id", entry.QueueID).
		Str("symbol", params.Symbol).
		Msg("executing promoted queue entry")

	result, _, terr := c.runTrade(ctx, &params)
	if terr != nil {
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return nil, terr
	}
	metrics.Submissions.WithLabelValues("executed").Inc()
	return result, nil
}

// GetStatus reports lock and position state for a symbol.
func (c *Coordinator) GetStatus(resourceID string) (*ResourceStatus, error) {
	lockStatus, err := c.locks.Status(resourceID)
	if err != nil {
		return nil, err
	}
	return &ResourceStatus{
		Locked:    lockStatus.LockCount > 0,
		Locks:     lockStatus,
		Positions: c.monitor.OpenForSymbol(resourceID),
	}, nil
}

// GetActivePositions returns all supervised positions.
func (c *Coordinator) GetActivePositions() []positions.Position {
	return c.monitor.GetActivePositions()
}

// ClosePosition closes one position on demand.
func (c *Coordinator) ClosePosition(ctx context.Context, id, reason string) positions.CloseResult {
	return c.monitor.ClosePosition(ctx, id, reason)
}

// CloseAllPositions closes every open position.
func (c *Coordinator) CloseAllPositions(ctx context.Context, reason string) positions.CloseAllSummary {
	return c.monitor.CloseAllPositions(ctx, reason)
}

// PositionSource adapts the monitor to the risk validator's view.
type PositionSource struct {
	Monitor *positions.Monitor
}

// Exposures reports open-position values, preferring the latest polled
// price over the entry price.
func (s PositionSource) Exposures() []risk.PositionExposure {
	active := s.Monitor.GetActivePositions()
	out := make([]risk.PositionExposure, 0, len(active))
	for _, p := range active {
		price := p.CurrentPrice
		if price <= 0 {
			price = p.EntryPrice
		}
		out = append(out, risk.PositionExposure{Symbol: p.Symbol, Value: price * p.Quantity})
	}
	return out
}

// RealizedPnLSince reports realized PnL from the closure audit log.
func (s PositionSource) RealizedPnLSince(t time.Time) (float64, error) {
	return s.Monitor.RealizedPnLSince(t)
}
