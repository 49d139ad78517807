package positions

import (
	"fmt"
	"time"

	"github.com/ksred/trade-coordinator/internal/types"
)

// Position statuses
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Close reasons
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonManual     = "manual"
	ReasonShutdown   = "shutdown"
)

// Position is a live or closed holding opened by the coordinator.
// StopLossPrice and TakeProfitPrice are derived once at registration
// and fixed for the life of the position.
type Position struct {
	ID              string     `json:"id"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"` // BUY (long) or SELL (short)
	OrderID         string     `json:"order_id"`
	EntryPrice      float64    `json:"entry_price"`
	Quantity        float64    `json:"quantity"`
	CurrentPrice    float64    `json:"current_price"`
	StopLossPrice   float64    `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64    `json:"take_profit_price,omitempty"`
	Status          string     `json:"status"`
	OpenTime        time.Time  `json:"open_time"`
	CloseTime       *time.Time `json:"close_time,omitempty"`
	RealizedPnL     float64    `json:"realized_pnl,omitempty"`
	CloseReason     string     `json:"close_reason,omitempty"`
}

// deriveExits computes the stop-loss and take-profit prices from the
// entry price and percentage parameters. For a long the stop sits below
// entry and the target above; a short is the mirror image. The offset
// form keeps round inputs exact, so a tick at precisely the configured
// level triggers the exit.
func deriveExits(side string, entry, stopLossPct, takeProfitPct float64) (stopLoss, takeProfit float64) {
	if side == types.SideBuy {
		if stopLossPct > 0 {
			stopLoss = entry - entry*stopLossPct/100
		}
		if takeProfitPct > 0 {
			takeProfit = entry + entry*takeProfitPct/100
		}
		return stopLoss, takeProfit
	}

	if stopLossPct > 0 {
		stopLoss = entry + entry*stopLossPct/100
	}
	if takeProfitPct > 0 {
		takeProfit = entry - entry*takeProfitPct/100
	}
	return stopLoss, takeProfit
}

// exitReason reports which exit, if any, the given price triggers.
// Stop-loss wins when both would trigger on the same tick.
func (p *Position) exitReason(price float64) string {
	if p.Side == types.SideBuy {
		if p.StopLossPrice > 0 && price <= p.StopLossPrice {
			return ReasonStopLoss
		}
		if p.TakeProfitPrice > 0 && price >= p.TakeProfitPrice {
			return ReasonTakeProfit
		}
		return ""
	}

	if p.StopLossPrice > 0 && price >= p.StopLossPrice {
		return ReasonStopLoss
	}
	if p.TakeProfitPrice > 0 && price <= p.TakeProfitPrice {
		return ReasonTakeProfit
	}
	return ""
}

// realizedPnL computes the sign-adjusted profit for closing the full
// position at exitPrice.
func (p *Position) realizedPnL(exitPrice float64) float64 {
	if p.Side == types.SideBuy {
		return (exitPrice - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - exitPrice) * p.Quantity
}

// exitSide returns the order side that closes the position.
func (p *Position) exitSide() string {
	if p.Side == types.SideBuy {
		return types.SideSell
	}
	return types.SideBuy
}

// validate rejects structurally impossible positions before they enter
// the registry.
func (p *Position) validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("position symbol is required")
	}
	if p.Side != types.SideBuy && p.Side != types.SideSell {
		return fmt.Errorf("position side must be BUY or SELL, got %q", p.Side)
	}
	if p.EntryPrice <= 0 || p.Quantity <= 0 {
		return fmt.Errorf("position entry price and quantity must be positive")
	}
	if p.Side == types.SideBuy {
		if p.StopLossPrice > 0 && p.StopLossPrice >= p.EntryPrice {
			return fmt.Errorf("long stop-loss %.8f must be below entry %.8f", p.StopLossPrice, p.EntryPrice)
		}
		if p.TakeProfitPrice > 0 && p.TakeProfitPrice <= p.EntryPrice {
			return fmt.Errorf("long take-profit %.8f must be above entry %.8f", p.TakeProfitPrice, p.EntryPrice)
		}
	} else {
		if p.StopLossPrice > 0 && p.StopLossPrice <= p.EntryPrice {
			return fmt.Errorf("short stop-loss %.8f must be above entry %.8f", p.StopLossPrice, p.EntryPrice)
		}
		if p.TakeProfitPrice > 0 && p.TakeProfitPrice >= p.EntryPrice {
			return fmt.Errorf("short take-profit %.8f must be below entry %.8f", p.TakeProfitPrice, p.EntryPrice)
		}
	}
	return nil
}
