package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnsupported is returned by gateways that do not implement an
	// optional capability. Callers must treat it as a permanent condition.
	ErrUnsupported = errors.New("capability not supported by gateway")

	ErrPriceUnavailable = errors.New("price unavailable")
	ErrUnknownSymbol    = errors.New("invalid symbol")
)

// Gateway is the capability surface of an exchange. Implementations are
// resolved at construction time; a gateway that cannot serve an optional
// method returns ErrUnsupported rather than being probed per call.
type Gateway interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetAccountBalance(ctx context.Context) (*AccountBalance, error)
	GetRecentTrades(ctx context.Context, filter TradeFilter) ([]Trade, error)
}

// Level is one price level of an order book side.
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a depth snapshot. Bids are sorted descending by price,
// asks ascending.
type OrderBook struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// BestBid returns the top bid price, or 0 if the side is empty.
func (ob *OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the top ask price, or 0 if the side is empty.
func (ob *OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// OrderRequest is the payload sent to the exchange.
type OrderRequest struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	OrderType   string  `json:"order_type"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price,omitempty"`
	TimeInForce string  `json:"time_in_force,omitempty"`
}

// OrderResponse is the structured result of an order placement.
type OrderResponse struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Status      string    `json:"status"`
	ExecutedQty float64   `json:"executed_qty"`
	Price       float64   `json:"price"`
	Timestamp   time.Time `json:"timestamp"`
}

// AccountBalance is a snapshot of account funds in quote terms.
type AccountBalance struct {
	Total    float64            `json:"total"`
	PerAsset map[string]float64 `json:"per_asset"`
}

// TradeFilter narrows GetRecentTrades results.
type TradeFilter struct {
	Symbol string
	Since  time.Time
}

// Trade is one historical fill reported by the exchange.
type Trade struct {
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	RealizedPnL float64   `json:"realized_pnl"`
	Time        time.Time `json:"time"`
}
