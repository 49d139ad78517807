package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Lock transaction types
const (
	TxTypeTrade  = "trade"
	TxTypeCancel = "cancel"
	TxTypeUpdate = "update"
)

var (
	ErrMissingSymbol   = errors.New("symbol is required")
	ErrInvalidSide     = errors.New("side must be BUY or SELL")
	ErrInvalidType     = errors.New("order type must be MARKET or LIMIT")
	ErrMissingQuantity = errors.New("either quantity or quote_order_qty is required")
	ErrMissingPrice    = errors.New("limit orders require a price")
)

// TradeParameters is the immutable input to one execution attempt.
// Exactly one of Quantity or QuoteOrderQty must be set; limit orders
// additionally require Price.
type TradeParameters struct {
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"`       // BUY or SELL
	OrderType         string  `json:"order_type"` // MARKET or LIMIT
	Quantity          float64 `json:"quantity,omitempty"`
	QuoteOrderQty     float64 `json:"quote_order_qty,omitempty"`
	Price             float64 `json:"price,omitempty"`
	TimeInForce       string  `json:"time_in_force,omitempty"`
	ConfidenceScore   float64 `json:"confidence_score,omitempty"`
	StopLossPercent   float64 `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent float64 `json:"take_profit_percent,omitempty"`
	Priority          int     `json:"priority,omitempty"` // lower is served first when queued
}

// Validate checks the parameters for structural problems that can be
// detected before any side effect. It returns the first problem found.
func (p *TradeParameters) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return ErrMissingSymbol
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return fmt.Errorf("%w: got %q", ErrInvalidSide, p.Side)
	}
	if p.OrderType != OrderTypeMarket && p.OrderType != OrderTypeLimit {
		return fmt.Errorf("%w: got %q", ErrInvalidType, p.OrderType)
	}
	if p.Quantity <= 0 && p.QuoteOrderQty <= 0 {
		return ErrMissingQuantity
	}
	if p.OrderType == OrderTypeLimit && p.Price <= 0 {
		return ErrMissingPrice
	}
	return nil
}

// TradeResult is the outcome of one execution attempt.
type TradeResult struct {
	Success         bool      `json:"success"`
	OrderID         string    `json:"order_id,omitempty"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price"`
	Status          string    `json:"status,omitempty"`
	ExecutedQty     float64   `json:"executed_qty"`
	Error           string    `json:"error,omitempty"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	Timestamp       time.Time `json:"timestamp"`
}
