package positions_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/trade-coordinator/internal/database"
	"github.com/ksred/trade-coordinator/internal/gateway"
	"github.com/ksred/trade-coordinator/internal/positions"
	"github.com/ksred/trade-coordinator/internal/types"
)

// scriptedExecutor fills exit orders at the scripted price and can be
// told to fail per symbol.
type scriptedExecutor struct {
	mu       sync.Mutex
	fillAt   float64
	failFor  map[string]bool
	requests []*gateway.OrderRequest
}

func (s *scriptedExecutor) ExecuteWithRetry(ctx context.Context, req *gateway.OrderRequest, maxRetries int) *types.TradeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	if s.failFor[req.Symbol] {
		return &types.TradeResult{
			Symbol:    req.Symbol,
			Side:      req.Side,
			Error:     "connection reset by exchange",
			ErrorCode: types.ErrCodeRetryableExec,
			Timestamp: time.Now(),
		}
	}
	return &types.TradeResult{
		Success:     true,
		OrderID:     "EXIT-1",
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Price:       s.fillAt,
		Status:      "FILLED",
		ExecutedQty: req.Quantity,
		Timestamp:   time.Now(),
	}
}

func (s *scriptedExecutor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type scriptedPrices struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
}

func (s *scriptedPrices) GetPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.prices[symbol], nil
}

func (s *scriptedPrices) set(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func newMonitor(t *testing.T, exec *scriptedExecutor, prices *scriptedPrices, maxPositions int) *positions.Monitor {
	t.Helper()
	db, err := database.NewTestDatabase()
	require.NoError(t, err)
	return positions.NewMonitor(exec, prices, db, positions.MonitorConfig{
		CheckInterval:          time.Hour, // ticks driven manually via CheckOnce
		MaxConcurrentPositions: maxPositions,
	})
}

func longPosition(symbol string) positions.RegisterParams {
	return positions.RegisterParams{
		Symbol:            symbol,
		Side:              types.SideBuy,
		OrderID:           "ORD-1",
		EntryPrice:        100,
		Quantity:          2,
		StopLossPercent:   5,
		TakeProfitPercent: 10,
	}
}

func TestRegisterDerivesExitPrices(t *testing.T) {
	t.Parallel()
	m := newMonitor(t, &scriptedExecutor{}, &scriptedPrices{prices: map[string]float64{}}, 10)

	pos, err := m.Register(longPosition("BTCUSDT"))
	require.NoError(t, err)
	assert.InDelta(t, 95.0, pos.StopLossPrice, 1e-9)
	assert.InDelta(t, 110.0, pos.TakeProfitPrice, 1e-9)
	assert.Equal(t, positions.StatusOpen, pos.Status)

	short, err := m.Register(positions.RegisterParams{
		Symbol:            "ETHUSDT",
		Side:              types.SideSell,
		OrderID:           "ORD-2",
		EntryPrice:        200,
		Quantity:          1,
		StopLossPercent:   5,
		TakeProfitPercent: 10,
	})
	require.NoError(t, err)
	assert.InDelta(t, 210.0, short.StopLossPrice, 1e-9)
	assert.InDelta(t, 180.0, short.TakeProfitPrice, 1e-9)
}

func TestRegisterEnforcesPositionLimit(t *testing.T) {
	t.Parallel()
	m := newMonitor(t, &scriptedExecutor{}, &scriptedPrices{prices: map[string]float64{}}, 1)

	_, err := m.Register(longPosition("BTCUSDT"))
	require.NoError(t, err)

	_, err = m.Register(longPosition("ETHUSDT"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum concurrent positions")
}

func TestStopLossTriggersExactlyOnce(t *testing.T) {
	t.Parallel()
	exec := &scriptedExecutor{fillAt: 94, failFor: map[string]bool{}}
	prices := &scriptedPrices{prices: map[string]float64{"BTCUSDT": 100}}
	m := newMonitor(t, exec, prices, 10)

	pos, err := m.Register(longPosition("BTCUSDT"))
	require.NoError(t, err)

	// Above the stop: no exit.
	prices.set("BTCUSDT", 96)
	m.CheckOnce(context.Background())
	assert.Equal(t, 0, exec.calls())
	require.NotNil(t, m.GetPosition(pos.ID))

	// Through the stop: one exit order, position retired.
	prices.set("BTCUSDT", 94)
	m.CheckOnce(context.Background())
	assert.Equal(t, 1, exec.calls())
	assert.Nil(t, m.GetPosition(pos.ID))

	// Further ticks are no-ops for the retired position.
	prices.set("BTCUSDT", 90)
	m.CheckOnce(context.Background())
	assert.Equal(t, 1, exec.calls())

	// The exit order is the opposite side for the full quantity.
	req := exec.requests[0]
	assert.Equal(t, types.SideSell, req.Side)
	assert.Equal(t, types.OrderTypeMarket, req.OrderType)
	assert.InDelta(t, 2.0, req.Quantity, 1e-9)
}

func TestTakeProfitClosesWithRealizedGain(t *testing.T) {
	t.Parallel()
	exec := &scriptedExecutor{fillAt: 110, failFor: map[string]bool{}}
	prices := &scriptedPrices{prices: map[string]float64{"BTCUSDT": 100}}
	m := newMonitor(t, exec, prices, 10)

	_, err := m.Register(longPosition("BTCUSDT"))
	require.NoError(t, err)

	prices.set("BTCUSDT", 110)
	m.CheckOnce(context.Background())

	require.Equal(t, 1, exec.calls())
	assert.Empty(t, m.GetActivePositions())

	// (110 - 100) * 2 lands in the closure audit log.
	pnl, err := m.RealizedPnLSince(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 20.0, pnl, 1e-9)
}

func TestPriceFetchFailureKeepsPositionSupervised(t *testing.T) {
	t.Parallel()
	exec := &scriptedExecutor{failFor: map[string]bool{}}
	prices := &scriptedPrices{prices: map[string]float64{}, err: gateway.ErrPriceUnavailable}
	m := newMonitor(t, exec, prices, 10)

	pos, err := m.Register(longPosition("BTCUSDT"))
	require.NoError(t, err)

	m.CheckOnce(context.Background())

	assert.Equal(t, 0, exec.calls())
	assert.NotNil(t, m.GetPosition(pos.ID), "transient price failures must not end supervision")
}

func TestFailedExitKeepsPositionSupervised(t *testing.T) {
	t.Parallel()
	exec := &scriptedExecutor{failFor: map[string]bool{"BTCUSDT": true}}
	prices := &scriptedPrices{prices: map[string]float64{"BTCUSDT": 100}}
	m := newMonitor(t, exec, prices, 10)

	pos, err := m.Register(longPosition("BTCUSDT"))
	require.NoError(t, err)

	prices.set("BTCUSDT", 90)
	m.CheckOnce(context.Background())
	require.Equal(t, 1, exec.calls())
	assert.NotNil(t, m.GetPosition(pos.ID), "a failed exit order leaves the position open")

	// Next tick retries the exit.
	m.CheckOnce(context.Background())
	assert.Equal(t, 2, exec.calls())
}

func TestManualCloseUnknownPositionIsNoOp(t *testing.T) {
	t.Parallel()
	exec := &scriptedExecutor{fillAt: 100, failFor: map[string]bool{}}
	prices := &scriptedPrices{prices: map[string]float64{"BTCUSDT": 100}}
	m := newMonitor(t, exec, prices, 10)

	pos, err := m.Register(longPosition("BTCUSDT"))
	require.NoError(t, err)

	first := m.ClosePosition(context.Background(), pos.ID, "")
	assert.True(t, first.Found)
	assert.True(t, first.Closed)
	assert.Equal(t, positions.ReasonManual, first.Reason)

	second := m.ClosePosition(context.Background(), pos.ID, "")
	assert.False(t, second.Found, "closing twice is a no-op")
	assert.False(t, second.Closed)
	assert.Equal(t, 1, exec.calls())
}

func TestCloseAllIsolatesPartialFailures(t *testing.T) {
	t.Parallel()
	exec := &scriptedExecutor{fillAt: 100, failFor: map[string]bool{"FAILUSDT": true}}
	prices := &scriptedPrices{prices: map[string]float64{}}
	m := newMonitor(t, exec, prices, 10)

	for _, symbol := range []string{"BTCUSDT", "ETHUSDT", "FAILUSDT"} {
		_, err := m.Register(longPosition(symbol))
		require.NoError(t, err)
	}

	summary := m.CloseAllPositions(context.Background(), positions.ReasonManual)

	assert.Equal(t, 2, summary.Closed)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, summary.Results, 3)

	for _, res := range summary.Results {
		if res.Closed {
			assert.Empty(t, res.ErrorCode)
			continue
		}
		assert.Equal(t, types.ErrCodeMonitoring, res.ErrorCode, "failed closes carry the monitoring code")
	}

	// Only the failed position remains supervised.
	remaining := m.GetActivePositions()
	require.Len(t, remaining, 1)
	assert.Equal(t, "FAILUSDT", remaining[0].Symbol)
}
