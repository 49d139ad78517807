package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTradeParametersValidate(t *testing.T) {
	t.Parallel()

	valid := TradeParameters{
		Symbol: "BTCUSDT", Side: SideBuy, OrderType: OrderTypeMarket, Quantity: 1,
	}

	tests := []struct {
		name    string
		mutate  func(*TradeParameters)
		wantErr error
	}{
		{"valid market order", func(p *TradeParameters) {}, nil},
		{"valid quote-sized order", func(p *TradeParameters) {
			p.Quantity = 0
			p.QuoteOrderQty = 100
		}, nil},
		{"valid limit order", func(p *TradeParameters) {
			p.OrderType = OrderTypeLimit
			p.Price = 65_000
		}, nil},
		{"missing symbol", func(p *TradeParameters) { p.Symbol = "  " }, ErrMissingSymbol},
		{"bad side", func(p *TradeParameters) { p.Side = "HOLD" }, ErrInvalidSide},
		{"bad order type", func(p *TradeParameters) { p.OrderType = "STOP" }, ErrInvalidType},
		{"no quantity", func(p *TradeParameters) { p.Quantity = 0 }, ErrMissingQuantity},
		{"limit without price", func(p *TradeParameters) { p.OrderType = OrderTypeLimit }, ErrMissingPrice},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestTradeErrorFormatsCodeAndMessage(t *testing.T) {
	t.Parallel()

	err := NewTradeError(ErrCodeRiskRejected, "score %.0f over limit", 80.0)
	assert.Equal(t, ErrCodeRiskRejected, err.Code)
	assert.Equal(t, "RISK_REJECTED: score 80 over limit", err.Error())
}
