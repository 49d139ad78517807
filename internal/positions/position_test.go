package positions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ksred/trade-coordinator/internal/types"
)

func TestExitReason(t *testing.T) {
	t.Parallel()

	long := &Position{Side: types.SideBuy, EntryPrice: 100, StopLossPrice: 95, TakeProfitPrice: 110}
	short := &Position{Side: types.SideSell, EntryPrice: 100, StopLossPrice: 105, TakeProfitPrice: 90}

	tests := []struct {
		name  string
		pos   *Position
		price float64
		want  string
	}{
		{"long between exits", long, 100, ""},
		{"long at stop", long, 95, ReasonStopLoss},
		{"long through stop", long, 80, ReasonStopLoss},
		{"long at target", long, 110, ReasonTakeProfit},
		{"short at stop", short, 105, ReasonStopLoss},
		{"short at target", short, 90, ReasonTakeProfit},
		{"short between exits", short, 100, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.pos.exitReason(tt.price))
		})
	}

	// A position without configured exits never triggers.
	bare := &Position{Side: types.SideBuy, EntryPrice: 100}
	assert.Empty(t, bare.exitReason(1))
	assert.Empty(t, bare.exitReason(1_000_000))
}

func TestDeriveExitsExactAtConfiguredLevels(t *testing.T) {
	t.Parallel()

	// The derived prices must be exact for round inputs so a tick at
	// precisely the configured level still matches.
	sl, tp := deriveExits(types.SideBuy, 100, 5, 10)
	assert.Equal(t, 95.0, sl)
	assert.Equal(t, 110.0, tp)

	sl, tp = deriveExits(types.SideSell, 200, 5, 10)
	assert.Equal(t, 210.0, sl)
	assert.Equal(t, 180.0, tp)

	// Unset percentages leave the exit disabled.
	sl, tp = deriveExits(types.SideBuy, 100, 0, 0)
	assert.Zero(t, sl)
	assert.Zero(t, tp)
}

func TestRealizedPnLSignAdjusted(t *testing.T) {
	t.Parallel()

	long := &Position{Side: types.SideBuy, EntryPrice: 100, Quantity: 2}
	assert.InDelta(t, 20.0, long.realizedPnL(110), 1e-9)
	assert.InDelta(t, -10.0, long.realizedPnL(95), 1e-9)

	short := &Position{Side: types.SideSell, EntryPrice: 100, Quantity: 2}
	assert.InDelta(t, 20.0, short.realizedPnL(90), 1e-9)
	assert.InDelta(t, -10.0, short.realizedPnL(105), 1e-9)
}

func TestValidateRejectsInvertedExits(t *testing.T) {
	t.Parallel()

	bad := &Position{
		Symbol: "BTCUSDT", Side: types.SideBuy,
		EntryPrice: 100, Quantity: 1, StopLossPrice: 120,
	}
	assert.Error(t, bad.validate())

	badShort := &Position{
		Symbol: "BTCUSDT", Side: types.SideSell,
		EntryPrice: 100, Quantity: 1, TakeProfitPrice: 120,
	}
	assert.Error(t, badShort.validate())
}
