package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/trade-coordinator/internal/config"
	"github.com/ksred/trade-coordinator/internal/gateway"
	"github.com/ksred/trade-coordinator/internal/metrics"
	"github.com/ksred/trade-coordinator/internal/types"
)

// Engine places orders through the exchange gateway with bounded retries
// and error classification. In paper mode it fabricates fills from the
// current market price without placing real orders.
type Engine struct {
	gateway    gateway.Gateway
	mode       string
	maxRetries int
	baseDelay  time.Duration
	capDelay   time.Duration
	paperDelay time.Duration
}

// Config carries the engine's retry policy and execution mode.
type Config struct {
	Mode       string // config.ModePaper or config.ModeLive
	MaxRetries int
	BaseDelay  time.Duration
	CapDelay   time.Duration
}

// NewEngine creates an execution engine for the given gateway.
func NewEngine(gw gateway.Gateway, cfg Config) *Engine {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.CapDelay <= 0 {
		cfg.CapDelay = 5 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModePaper
	}
	return &Engine{
		gateway:    gw,
		mode:       cfg.Mode,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		capDelay:   cfg.CapDelay,
		paperDelay: 50 * time.Millisecond,
	}
}

// Mode returns the configured execution mode.
func (e *Engine) Mode() string {
	return e.mode
}

// Execute validates the parameters against the current market, prepares
// the order payload, and places it. Market buys priced by quote amount
// are sized as quoteAmount / currentPrice; limit orders require an
// explicit price. The returned TradeResult always carries the outcome,
// success or failure.
func (e *Engine) Execute(ctx context.Context, params *types.TradeParameters) *types.TradeResult {
	start := time.Now()

	if err := params.Validate(); err != nil {
		return e.failure(params, start, types.ErrCodeValidation, err)
	}

	price, err := e.ResolvePrice(ctx, params.Symbol)
	if err != nil {
		return e.failure(params, start, types.ErrCodeRetryableExec, err)
	}

	quantity := params.Quantity
	if quantity <= 0 && params.QuoteOrderQty > 0 {
		quantity = params.QuoteOrderQty / price
	}

	req := &gateway.OrderRequest{
		Symbol:      params.Symbol,
		Side:        params.Side,
		OrderType:   params.OrderType,
		Quantity:    quantity,
		TimeInForce: params.TimeInForce,
	}
	if params.OrderType == types.OrderTypeLimit {
		req.Price = params.Price
	}

	if e.mode == config.ModePaper {
		return e.simulate(ctx, req, price, start)
	}
	return e.ExecuteWithRetry(ctx, req, e.maxRetries)
}

// ExecuteWithRetry places the order with up to maxRetries attempts,
// exponential backoff between attempts, and immediate abort on errors
// classified as non-retryable.
func (e *Engine) ExecuteWithRetry(ctx context.Context, req *gateway.OrderRequest, maxRetries int) *types.TradeResult {
	if maxRetries < 1 {
		maxRetries = e.maxRetries
	}
	start := time.Now()

	logger := log.With().
		Str("component", "execution_engine").
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Float64("quantity", req.Quantity).
		Logger()

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			metrics.ExecutionRetries.Inc()
			delay := e.backoffDelay(attempt)
			logger.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying order placement")
			select {
			case <-ctx.Done():
				return e.orderFailure(req, start, types.ErrCodeRetryableExec, ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := e.gateway.PlaceOrder(ctx, req)
		if err == nil {
			metrics.Executions.WithLabelValues(e.mode, req.Side).Inc()
			logger.Info().
				Str("order_id", resp.OrderID).
				Float64("price", resp.Price).
				Float64("executed_qty", resp.ExecutedQty).
				Int("attempts", attempt).
				Msg("order executed")
			return &types.TradeResult{
				Success:         true,
				OrderID:         resp.OrderID,
				Symbol:          resp.Symbol,
				Side:            resp.Side,
				Quantity:        req.Quantity,
				Price:           resp.Price,
				Status:          resp.Status,
				ExecutedQty:     resp.ExecutedQty,
				ExecutionTimeMs: time.Since(start).Milliseconds(),
				Timestamp:       time.Now(),
			}
		}

		lastErr = err
		if IsNonRetryable(err) {
			logger.Error().Err(err).Int("attempt", attempt).Msg("non-retryable order failure")
			return e.orderFailure(req, start, types.ErrCodeFatalExec, err)
		}
	}

	logger.Error().Err(lastErr).Int("attempts", maxRetries).Msg("order failed after exhausting retries")
	return e.orderFailure(req, start, types.ErrCodeRetryableExec,
		fmt.Errorf("order failed after %d attempts: %w", maxRetries, lastErr))
}

// ResolvePrice returns a usable market price for a symbol, falling back
// from the last-trade price to the order-book mid so a partially
// degraded gateway can still serve executions.
func (e *Engine) ResolvePrice(ctx context.Context, symbol string) (float64, error) {
	price, err := e.gateway.GetPrice(ctx, symbol)
	if err == nil && price > 0 {
		return price, nil
	}

	book, bookErr := e.gateway.GetOrderBook(ctx, symbol, 5)
	if bookErr == nil && book != nil {
		bid, ask := book.BestBid(), book.BestAsk()
		if bid > 0 && ask > 0 {
			log.Debug().
				Str("component", "execution_engine").
				Str("symbol", symbol).
				Float64("mid", (bid+ask)/2).
				Msg("price fell back to order book mid")
			return (bid + ask) / 2, nil
		}
	}

	if err == nil {
		err = gateway.ErrPriceUnavailable
	}
	return 0, fmt.Errorf("failed to resolve price for %s: %w", symbol, err)
}

// simulate fabricates a fill at the resolved market price after a short
// artificial delay. Paper executions always succeed.
func (e *Engine) simulate(ctx context.Context, req *gateway.OrderRequest, price float64, start time.Time) *types.TradeResult {
	select {
	case <-ctx.Done():
		return e.orderFailure(req, start, types.ErrCodeRetryableExec, ctx.Err())
	case <-time.After(e.paperDelay):
	}

	fillPrice := price
	if req.OrderType == types.OrderTypeLimit && req.Price > 0 {
		fillPrice = req.Price
	}

	metrics.Executions.WithLabelValues(e.mode, req.Side).Inc()
	log.Info().
		Str("component", "execution_engine").
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Float64("price", fillPrice).
		Float64("quantity", req.Quantity).
		Msg("paper order filled")

	return &types.TradeResult{
		Success:         true,
		OrderID:         fmt.Sprintf("PAPER-%d", time.Now().UnixNano()),
		Symbol:          req.Symbol,
		Side:            req.Side,
		Quantity:        req.Quantity,
		Price:           fillPrice,
		Status:          "FILLED",
		ExecutedQty:     req.Quantity,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Timestamp:       time.Now(),
	}
}

// backoffDelay returns min(baseDelay * 2^(attempt-2), capDelay) for the
// delay preceding the given attempt number.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	shift := attempt - 2
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		return e.capDelay
	}
	delay := e.baseDelay * time.Duration(1<<uint(shift))
	if delay > e.capDelay {
		return e.capDelay
	}
	return delay
}

func (e *Engine) failure(params *types.TradeParameters, start time.Time, code string, err error) *types.TradeResult {
	return &types.TradeResult{
		Symbol:          params.Symbol,
		Side:            params.Side,
		Quantity:        params.Quantity,
		Error:           err.Error(),
		ErrorCode:       code,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Timestamp:       time.Now(),
	}
}

func (e *Engine) orderFailure(req *gateway.OrderRequest, start time.Time, code string, err error) *types.TradeResult {
	return &types.TradeResult{
		Symbol:          req.Symbol,
		Side:            req.Side,
		Quantity:        req.Quantity,
		Error:           err.Error(),
		ErrorCode:       code,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Timestamp:       time.Now(),
	}
}
