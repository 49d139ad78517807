package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SimulatedExchange is an in-process exchange used in paper mode and in
// tests. Prices follow a bounded random walk around their seed values;
// order placement simulates network latency and a configurable failure
// rate.
type SimulatedExchange struct {
	mu          sync.Mutex
	prices      map[string]float64
	balance     AccountBalance
	trades      []Trade
	rng         *rand.Rand
	minLatency  time.Duration
	maxLatency  time.Duration
	failureRate float64 // 0-1, probability a placement fails transiently
	nextOrderID int64
}

// SimulatedOption tweaks a SimulatedExchange at construction.
type SimulatedOption func(*SimulatedExchange)

// WithLatency sets the simulated per-call latency bounds.
func WithLatency(min, max time.Duration) SimulatedOption {
	return func(s *SimulatedExchange) {
		s.minLatency = min
		s.maxLatency = max
	}
}

// WithFailureRate sets the probability that PlaceOrder fails transiently.
func WithFailureRate(rate float64) SimulatedOption {
	return func(s *SimulatedExchange) {
		s.failureRate = rate
	}
}

// WithBalance sets the simulated account balance.
func WithBalance(total float64, perAsset map[string]float64) SimulatedOption {
	return func(s *SimulatedExchange) {
		s.balance = AccountBalance{Total: total, PerAsset: perAsset}
	}
}

// NewSimulatedExchange seeds an exchange with starting prices per symbol.
func NewSimulatedExchange(seedPrices map[string]float64, opts ...SimulatedOption) *SimulatedExchange {
	prices := make(map[string]float64, len(seedPrices))
	for sym, p := range seedPrices {
		prices[sym] = p
	}

	s := &SimulatedExchange{
		prices:     prices,
		balance:    AccountBalance{Total: 100_000, PerAsset: map[string]float64{"USD": 100_000}},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		minLatency: 5 * time.Millisecond,
		maxLatency: 30 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetPrice returns the current simulated price after applying a small
// random-walk step (up to ±0.2% per call).
func (s *SimulatedExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := s.sleep(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	price *= 1 + (s.rng.Float64()*0.004 - 0.002)
	s.prices[symbol] = price
	return price, nil
}

// GetOrderBook synthesizes a shallow book around the current price with a
// fixed 0.05% half-spread.
func (s *SimulatedExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if depth <= 0 {
		depth = 5
	}

	price, err := s.GetPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	book := &OrderBook{Symbol: symbol}
	for i := 0; i < depth; i++ {
		step := float64(i+1) * 0.0005
		qty := 1 + s.rng.Float64()*10
		book.Bids = append(book.Bids, Level{Price: price * (1 - step), Quantity: qty})
		book.Asks = append(book.Asks, Level{Price: price * (1 + step), Quantity: qty})
	}
	return book, nil
}

// PlaceOrder fills the order at the current price with up to ±0.1%
// slippage. Failures are injected at the configured rate and are phrased
// as transient connection errors so retry classification treats them as
// retryable.
func (s *SimulatedExchange) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, req.Symbol)
	}

	if s.failureRate > 0 && s.rng.Float64() < s.failureRate {
		log.Warn().
			Str("symbol", req.Symbol).
			Str("side", req.Side).
			Msg("simulated exchange injected transient failure")
		return nil, fmt.Errorf("connection reset by exchange")
	}

	fillPrice := price
	if req.OrderType == "LIMIT" && req.Price > 0 {
		fillPrice = req.Price
	} else {
		fillPrice *= 1 + (s.rng.Float64()*0.002 - 0.001)
	}

	s.nextOrderID++
	resp := &OrderResponse{
		OrderID:     fmt.Sprintf("SIM-%d", s.nextOrderID),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Status:      "FILLED",
		ExecutedQty: req.Quantity,
		Price:       fillPrice,
		Timestamp:   time.Now(),
	}

	s.trades = append(s.trades, Trade{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    fillPrice,
		Time:     resp.Timestamp,
	})

	log.Debug().
		Str("order_id", resp.OrderID).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Float64("price", fillPrice).
		Float64("quantity", req.Quantity).
		Msg("simulated order filled")

	return resp, nil
}

// CancelOrder is a no-op in the simulator; simulated orders fill
// immediately, so there is never anything to cancel.
func (s *SimulatedExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return s.sleep(ctx)
}

// GetAccountBalance returns the configured balance snapshot.
func (s *SimulatedExchange) GetAccountBalance(ctx context.Context) (*AccountBalance, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	perAsset := make(map[string]float64, len(s.balance.PerAsset))
	for k, v := range s.balance.PerAsset {
		perAsset[k] = v
	}
	return &AccountBalance{Total: s.balance.Total, PerAsset: perAsset}, nil
}

// GetRecentTrades returns recorded fills matching the filter.
func (s *SimulatedExchange) GetRecentTrades(ctx context.Context, filter TradeFilter) ([]Trade, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Trade
	for _, t := range s.trades {
		if filter.Symbol != "" && t.Symbol != filter.Symbol {
			continue
		}
		if !filter.Since.IsZero() && t.Time.Before(filter.Since) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// SetPrice pins a symbol's price, overriding the random walk. Used by
// the simulation driver to script market moves.
func (s *SimulatedExchange) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *SimulatedExchange) sleep(ctx context.Context) error {
	if s.maxLatency <= 0 {
		return ctx.Err()
	}

	s.mu.Lock()
	span := s.maxLatency - s.minLatency
	d := s.minLatency
	if span > 0 {
		d += time.Duration(s.rng.Int63n(int64(span)))
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
