package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastExchange(opts ...SimulatedOption) *SimulatedExchange {
	opts = append([]SimulatedOption{WithLatency(0, 0)}, opts...)
	return NewSimulatedExchange(map[string]float64{"BTCUSDT": 65_000}, opts...)
}

func TestGetPriceWalksWithinBounds(t *testing.T) {
	t.Parallel()
	s := fastExchange()
	ctx := context.Background()

	prev := 65_000.0
	for i := 0; i < 50; i++ {
		price, err := s.GetPrice(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.InDelta(t, prev, price, prev*0.002+1e-9, "each step moves at most 0.2%%")
		prev = price
	}
}

func TestGetPriceUnknownSymbol(t *testing.T) {
	t.Parallel()
	s := fastExchange()

	_, err := s.GetPrice(context.Background(), "NOPEUSDT")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestOrderBookStraddlesPrice(t *testing.T) {
	t.Parallel()
	s := fastExchange()

	book, err := s.GetOrderBook(context.Background(), "BTCUSDT", 5)
	require.NoError(t, err)
	require.Len(t, book.Bids, 5)
	require.Len(t, book.Asks, 5)
	assert.Less(t, book.BestBid(), book.BestAsk())

	// Bids descend, asks ascend.
	for i := 1; i < 5; i++ {
		assert.Less(t, book.Bids[i].Price, book.Bids[i-1].Price)
		assert.Greater(t, book.Asks[i].Price, book.Asks[i-1].Price)
	}
}

func TestPlaceOrderFillsAndRecordsTrade(t *testing.T) {
	t.Parallel()
	s := fastExchange()
	ctx := context.Background()

	resp, err := s.PlaceOrder(ctx, &OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", OrderType: "MARKET", Quantity: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "FILLED", resp.Status)
	assert.InDelta(t, 0.5, resp.ExecutedQty, 1e-9)
	assert.InDelta(t, 65_000, resp.Price, 65_000*0.001+1e-9)

	trades, err := s.GetRecentTrades(ctx, TradeFilter{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 0.5, trades[0].Quantity, 1e-9)
}

func TestLimitOrderFillsAtLimitPrice(t *testing.T) {
	t.Parallel()
	s := fastExchange()

	resp, err := s.PlaceOrder(context.Background(), &OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", OrderType: "LIMIT", Quantity: 0.5, Price: 64_000,
	})
	require.NoError(t, err)
	assert.InDelta(t, 64_000, resp.Price, 1e-9)
}

func TestInjectedFailuresAreTransientlyPhrased(t *testing.T) {
	t.Parallel()
	s := fastExchange(WithFailureRate(1))

	_, err := s.PlaceOrder(context.Background(), &OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", OrderType: "MARKET", Quantity: 0.5,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestSetPricePinsTheWalk(t *testing.T) {
	t.Parallel()
	s := fastExchange()
	s.SetPrice("BTCUSDT", 50_000)

	price, err := s.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 50_000, price, 50_000*0.002+1e-9)
}

func TestCancelledContextAborts(t *testing.T) {
	t.Parallel()
	s := NewSimulatedExchange(map[string]float64{"BTCUSDT": 65_000},
		WithLatency(time.Minute, time.Minute+time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetPrice(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, context.Canceled)
}
