package positions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/trade-coordinator/internal/gateway"
	"github.com/ksred/trade-coordinator/internal/metrics"
	"github.com/ksred/trade-coordinator/internal/types"
)

// OrderExecutor places the exit orders the monitor issues. The
// execution engine satisfies this.
type OrderExecutor interface {
	ExecuteWithRetry(ctx context.Context, req *gateway.OrderRequest, maxRetries int) *types.TradeResult
}

// PriceSource supplies current prices for supervision checks.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// RegisterParams describes a freshly opened position. Exit prices are
// derived here from the entry price and percentage parameters.
type RegisterParams struct {
	Symbol            string
	Side              string
	OrderID           string
	EntryPrice        float64
	Quantity          float64
	StopLossPercent   float64
	TakeProfitPercent float64
}

// CloseResult reports the outcome of one close attempt. A close of an
// unknown or already-closed position is a no-op, not an error.
type CloseResult struct {
	PositionID string    `json:"position_id"`
	Found      bool      `json:"found"`
	Closed     bool      `json:"closed"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Position   *Position `json:"position,omitempty"`
}

// CloseAllSummary aggregates a fan-out close over all open positions.
type CloseAllSummary struct {
	Closed  int           `json:"closed"`
	Failed  int           `json:"failed"`
	Results []CloseResult `json:"results"`
}

// MonitorConfig carries supervision policy.
type MonitorConfig struct {
	CheckInterval          time.Duration
	MaxConcurrentPositions int
}

// Monitor owns the set of open positions and supervises them to
// closure. One shared ticker drives all positions; each position's
// check runs on its own goroutine so a slow price fetch for one symbol
// never delays another's protection.
type Monitor struct {
	mu        sync.Mutex
	positions map[string]*Position
	closing   map[string]bool
	checking  map[string]bool

	executor OrderExecutor
	prices   PriceSource
	db       *Database

	interval     time.Duration
	maxPositions int
}

// NewMonitor creates a position monitor. gormDB receives closure audit
// records; pass the shared application database.
func NewMonitor(executor OrderExecutor, prices PriceSource, gormDB *gorm.DB, cfg MonitorConfig) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.MaxConcurrentPositions <= 0 {
		cfg.MaxConcurrentPositions = 10
	}
	return &Monitor{
		positions:    make(map[string]*Position),
		closing:      make(map[string]bool),
		checking:     make(map[string]bool),
		executor:     executor,
		prices:       prices,
		db:           NewDatabase(gormDB),
		interval:     cfg.CheckInterval,
		maxPositions: cfg.MaxConcurrentPositions,
	}
}

// Register adds a freshly opened position to the supervised set and
// derives its exit prices. It fails when the concurrent position limit
// is reached; the caller should surface that before opening new trades.
func (m *Monitor) Register(params RegisterParams) (*Position, error) {
	stopLoss, takeProfit := deriveExits(params.Side, params.EntryPrice,
		params.StopLossPercent, params.TakeProfitPercent)

	pos := &Position{
		ID:              uuid.New().String(),
		Symbol:          params.Symbol,
		Side:            params.Side,
		OrderID:         params.OrderID,
		EntryPrice:      params.EntryPrice,
		Quantity:        params.Quantity,
		CurrentPrice:    params.EntryPrice,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
		Status:          StatusOpen,
		OpenTime:        time.Now(),
	}
	if err := pos.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.positions) >= m.maxPositions {
		m.mu.Unlock()
		return nil, fmt.Errorf("maximum concurrent positions reached (%d)", m.maxPositions)
	}
	m.positions[pos.ID] = pos
	open := len(m.positions)
	m.mu.Unlock()

	metrics.OpenPositions.Set(float64(open))

	log.Info().
		Str("component", "position_monitor").
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("side", pos.Side).
		Float64("entry_price", pos.EntryPrice).
		Float64("quantity", pos.Quantity).
		Float64("stop_loss", pos.StopLossPrice).
		Float64("take_profit", pos.TakeProfitPrice).
		Msg("position registered for supervision")

	return m.snapshotLocked(pos), nil
}

// Start runs the supervision loop until the context is cancelled. On
// shutdown any still-open positions are logged as requiring manual
// attention; the monitor never force-closes on shutdown.
func (m *Monitor) Start(ctx context.Context) {
	logger := log.With().Str("component", "position_monitor").Logger()
	logger.Info().Dur("interval", m.interval).Msg("starting position monitor")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			remaining := make([]string, 0, len(m.positions))
			for id, pos := range m.positions {
				remaining = append(remaining, fmt.Sprintf("%s(%s)", id, pos.Symbol))
			}
			m.mu.Unlock()

			if len(remaining) > 0 {
				logger.Warn().
					Strs("positions", remaining).
					Msg("shutting down with open positions, manual attention required")
			} else {
				logger.Info().Msg("shutting down position monitor")
			}
			return
		case <-ticker.C:
			go m.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs one supervision pass over all open positions. Checks
// run concurrently, one goroutine per position, and a position already
// being checked from a previous slow pass is skipped.
func (m *Monitor) CheckOnce(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.positions))
	for id := range m.positions {
		if !m.checking[id] {
			m.checking[id] = true
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() {
				m.mu.Lock()
				delete(m.checking, id)
				m.mu.Unlock()
			}()
			m.checkPosition(ctx, id)
		}(id)
	}
	wg.Wait()
}

// checkPosition fetches the current price and triggers an exit order if
// a stop-loss or take-profit level is reached. Failures are counted and
// logged, never fatal: the position stays registered and the next tick
// retries, so transient errors cannot silently end protection.
func (m *Monitor) checkPosition(ctx context.Context, id string) {
	m.mu.Lock()
	pos, ok := m.positions[id]
	if !ok || m.closing[id] {
		m.mu.Unlock()
		return
	}
	symbol := pos.Symbol
	m.mu.Unlock()

	price, err := m.prices.GetPrice(ctx, symbol)
	if err != nil || price <= 0 {
		metrics.MonitoringFailures.WithLabelValues("price_fetch").Inc()
		log.Warn().
			Str("component", "position_monitor").
			Str("position_id", id).
			Str("symbol", symbol).
			Err(err).
			Msg("price check failed, will retry next tick")
		return
	}

	m.mu.Lock()
	pos, ok = m.positions[id]
	if !ok || m.closing[id] {
		m.mu.Unlock()
		return
	}
	pos.CurrentPrice = price
	reason := pos.exitReason(price)
	m.mu.Unlock()

	if reason == "" {
		return
	}

	log.Info().
		Str("component", "position_monitor").
		Str("position_id", id).
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("price", price).
		Msg("exit level reached")

	m.close(ctx, id, reason)
}

// ClosePosition closes a position on demand. Closing an unknown or
// already-closed position returns Found=false rather than an error.
func (m *Monitor) ClosePosition(ctx context.Context, id, reason string) CloseResult {
	if reason == "" {
		reason = ReasonManual
	}
	return m.close(ctx, id, reason)
}

// CloseAllPositions fans ClosePosition out over every open position.
// Partial failures do not roll back successes.
func (m *Monitor) CloseAllPositions(ctx context.Context, reason string) CloseAllSummary {
	m.mu.Lock()
	ids := make([]string, 0, len(m.positions))
	for id := range m.positions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	results := make([]CloseResult, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = m.close(ctx, id, reason)
		}(i, id)
	}
	wg.Wait()

	summary := CloseAllSummary{Results: results}
	for _, r := range results {
		if r.Closed {
			summary.Closed++
		} else if r.Found {
			summary.Failed++
		}
	}

	log.Info().
		Str("component", "position_monitor").
		Str("reason", reason).
		Int("closed", summary.Closed).
		Int("failed", summary.Failed).
		Msg("close-all completed")

	return summary
}

// close issues the opposite-side market order for the full remaining
// quantity and, on success, retires the position. The closing flag
// guarantees at most one in-flight exit per position.
func (m *Monitor) close(ctx context.Context, id, reason string) CloseResult {
	m.mu.Lock()
	pos, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return CloseResult{PositionID: id, Found: false}
	}
	if m.closing[id] {
		m.mu.Unlock()
		return CloseResult{PositionID: id, Found: true, Error: "close already in progress"}
	}
	m.closing[id] = true
	req := &gateway.OrderRequest{
		Symbol:    pos.Symbol,
		Side:      pos.exitSide(),
		OrderType: types.OrderTypeMarket,
		Quantity:  pos.Quantity,
	}
	m.mu.Unlock()

	res := m.executor.ExecuteWithRetry(ctx, req, 0)
	if !res.Success {
		m.mu.Lock()
		delete(m.closing, id)
		m.mu.Unlock()

		metrics.MonitoringFailures.WithLabelValues("close_order").Inc()
		log.Error().
			Str("component", "position_monitor").
			Str("position_id", id).
			Str("reason", reason).
			Str("error", res.Error).
			Msg("exit order failed, position remains supervised")
		return CloseResult{
			PositionID: id,
			Found:      true,
			Reason:     reason,
			Error:      res.Error,
			ErrorCode:  types.ErrCodeMonitoring,
		}
	}

	now := time.Now()
	m.mu.Lock()
	pos.Status = StatusClosed
	pos.CloseTime = &now
	pos.CurrentPrice = res.Price
	pos.RealizedPnL = pos.realizedPnL(res.Price)
	pos.CloseReason = reason
	closed := m.snapshotLocked(pos)
	delete(m.positions, id)
	delete(m.closing, id)
	open := len(m.positions)
	m.mu.Unlock()

	metrics.OpenPositions.Set(float64(open))
	metrics.PositionsClosed.WithLabelValues(reason).Inc()

	record := &ClosedPositionRecord{
		PositionID:  closed.ID,
		Symbol:      closed.Symbol,
		Side:        closed.Side,
		OrderID:     closed.OrderID,
		ExitOrderID: res.OrderID,
		EntryPrice:  closed.EntryPrice,
		ExitPrice:   res.Price,
		Quantity:    closed.Quantity,
		RealizedPnL: closed.RealizedPnL,
		Reason:      reason,
		OpenTime:    closed.OpenTime,
		CloseTime:   now,
	}
	if err := m.db.RecordClose(record); err != nil {
		log.Error().
			Str("component", "position_monitor").
			Str("position_id", id).
			Err(err).
			Msg("failed to persist closure record")
	}

	log.Info().
		Str("component", "position_monitor").
		Str("position_id", id).
		Str("symbol", closed.Symbol).
		Str("reason", reason).
		Float64("exit_price", res.Price).
		Float64("realized_pnl", closed.RealizedPnL).
		Msg("position closed")

	return CloseResult{PositionID: id, Found: true, Closed: true, Reason: reason, Position: closed}
}

// GetActivePositions returns copies of all supervised positions.
func (m *Monitor) GetActivePositions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *m.snapshotLocked(pos))
	}
	return out
}

// GetPosition returns a copy of one supervised position, or nil.
func (m *Monitor) GetPosition(id string) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[id]
	if !ok {
		return nil
	}
	return m.snapshotLocked(pos)
}

// OpenForSymbol returns copies of open positions on the given symbol.
func (m *Monitor) OpenForSymbol(symbol string) []Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Position
	for _, pos := range m.positions {
		if pos.Symbol == symbol {
			out = append(out, *m.snapshotLocked(pos))
		}
	}
	return out
}

// RealizedPnLSince reports realized PnL from the closure audit log.
func (m *Monitor) RealizedPnLSince(t time.Time) (float64, error) {
	return m.db.RealizedPnLSince(t)
}

func (m *Monitor) snapshotLocked(pos *Position) *Position {
	cp := *pos
	return &cp
}
