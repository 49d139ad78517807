package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/trade-coordinator/internal/config"
	"github.com/ksred/trade-coordinator/internal/gateway"
	"github.com/ksred/trade-coordinator/internal/types"
)

// Check names, also used as keys in the assessment breakdown.
const (
	CheckPortfolio     = "portfolio_risk"
	CheckConcentration = "concentration_risk"
	CheckCorrelation   = "correlation_risk"
	CheckDailyLoss     = "daily_loss_limit"
	CheckMarket        = "market_conditions"
	CheckBalance       = "minimum_balance"
)

// CheckResult is the verdict of one sub-check. Score runs 0-100 with
// higher meaning riskier; a failed critical check rejects the trade,
// a failed non-critical check only produces a warning.
type CheckResult struct {
	Name     string  `json:"name"`
	Passed   bool    `json:"passed"`
	Critical bool    `json:"critical"`
	Score    float64 `json:"score"`
	Message  string  `json:"message,omitempty"`
}

// Assessment is the computed, non-persistent verdict for one proposed
// trade. It is pure given the data-source snapshot taken at call time.
type Assessment struct {
	Passed           bool          `json:"passed"`
	RiskScore        float64       `json:"risk_score"`
	AdjustedQuantity float64       `json:"adjusted_quantity,omitempty"`
	AdjustedQuoteQty float64       `json:"adjusted_quote_qty,omitempty"`
	SizeMultiplier   float64       `json:"size_multiplier"`
	Warnings         []string      `json:"warnings,omitempty"`
	Errors           []string      `json:"errors,omitempty"`
	Checks           []CheckResult `json:"checks"`
}

// PositionExposure is the open-position snapshot the validator consumes.
type PositionExposure struct {
	Symbol string
	Value  float64 // quantity * current (or entry) price
}

// PositionSource supplies the validator's view of open positions and
// realized results. The position monitor satisfies this.
type PositionSource interface {
	Exposures() []PositionExposure
	RealizedPnLSince(t time.Time) (float64, error)
}

// Validator scores proposed trades against portfolio and account data.
// It has no side effects and may be called repeatedly with the same
// input.
type Validator struct {
	gateway   gateway.Gateway
	positions PositionSource
	cfg       config.RiskConfig
}

// NewValidator creates a risk validator over the given data sources.
func NewValidator(gw gateway.Gateway, ps PositionSource, cfg config.RiskConfig) *Validator {
	return &Validator{gateway: gw, positions: ps, cfg: cfg}
}

// snapshot is the data gathered once per validation; the sub-checks read
// from it concurrently but never mutate it.
type snapshot struct {
	price          float64
	tradeValue     float64
	balance        *gateway.AccountBalance
	portfolioValue float64
	exposures      []PositionExposure
	book           *gateway.OrderBook
	realizedToday  float64
	realizedErr    error
}

// Validate runs all sub-checks concurrently over one data snapshot and
// combines them into a weighted assessment. The six checks cover
// portfolio share, symbol concentration, correlated-category exposure,
// the daily loss ceiling, market conditions (warning-only), and the
// minimum account balance.
func (v *Validator) Validate(ctx context.Context, params *types.TradeParameters) *Assessment {
	snap := v.takeSnapshot(ctx, params)

	checks := make([]CheckResult, 6)
	var wg sync.WaitGroup
	run := func(i int, fn func() CheckResult) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checks[i] = fn()
		}()
	}

	run(0, func() CheckResult { return v.checkPortfolio(snap) })
	run(1, func() CheckResult { return v.checkConcentration(params, snap) })
	run(2, func() CheckResult { return v.checkCorrelation(params, snap) })
	run(3, func() CheckResult { return v.checkDailyLoss(params, snap) })
	run(4, func() CheckResult { return v.checkMarket(snap) })
	run(5, func() CheckResult { return v.checkBalance(params, snap) })
	wg.Wait()

	assessment := v.combine(params, checks)

	log.Debug().
		Str("component", "risk_validator").
		Str("symbol", params.Symbol).
		Bool("passed", assessment.Passed).
		Float64("risk_score", assessment.RiskScore).
		Float64("size_multiplier", assessment.SizeMultiplier).
		Msg("risk assessment complete")

	return assessment
}

func (v *Validator) takeSnapshot(ctx context.Context, params *types.TradeParameters) *snapshot {
	snap := &snapshot{}

	price, err := v.gateway.GetPrice(ctx, params.Symbol)
	if err != nil || price <= 0 {
		price = params.Price
	}
	snap.price = price

	quantity := params.Quantity
	if quantity > 0 && price > 0 {
		snap.tradeValue = quantity * price
	} else {
		snap.tradeValue = params.QuoteOrderQty
	}

	snap.balance, _ = v.gateway.GetAccountBalance(ctx)
	snap.book, _ = v.gateway.GetOrderBook(ctx, params.Symbol, 5)

	if v.positions != nil {
		snap.exposures = v.positions.Exposures()
		// The loss window resets at local midnight, the start of the
		// trading day, not at UTC midnight.
		now := time.Now()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		snap.realizedToday, snap.realizedErr = v.positions.RealizedPnLSince(midnight)
	}

	snap.portfolioValue = 0
	if snap.balance != nil {
		snap.portfolioValue = snap.balance.Total
	}
	for _, e := range snap.exposures {
		snap.portfolioValue += e.Value
	}

	return snap
}

func (v *Validator) checkPortfolio(snap *snapshot) CheckResult {
	res := CheckResult{Name: CheckPortfolio, Critical: true, Passed: true}
	if snap.portfolioValue <= 0 {
		res.Passed = false
		res.Score = 100
		res.Message = "portfolio value unavailable"
		return res
	}

	pct := snap.tradeValue / snap.portfolioValue * 100
	res.Score = clampScore(pct / v.cfg.MaxPortfolioPct * 100)
	if pct > v.cfg.MaxPortfolioPct {
		res.Passed = false
		res.Message = fmt.Sprintf("trade is %.1f%% of portfolio, limit is %.1f%%", pct, v.cfg.MaxPortfolioPct)
	}
	return res
}

func (v *Validator) checkConcentration(params *types.TradeParameters, snap *snapshot) CheckResult {
	res := CheckResult{Name: CheckConcentration, Critical: true, Passed: true}
	if snap.portfolioValue <= 0 {
		res.Passed = false
		res.Score = 100
		res.Message = "portfolio value unavailable"
		return res
	}

	exposure := snap.tradeValue
	for _, e := range snap.exposures {
		if e.Symbol == params.Symbol {
			exposure += e.Value
		}
	}

	pct := exposure / snap.portfolioValue * 100
	res.Score = clampScore(pct / v.cfg.MaxConcentrationPct * 100)
	if pct > v.cfg.MaxConcentrationPct {
		res.Passed = false
		res.Message = fmt.Sprintf("%s exposure would be %.1f%% of portfolio, limit is %.1f%%",
			params.Symbol, pct, v.cfg.MaxConcentrationPct)
	}
	return res
}

func (v *Validator) checkCorrelation(params *types.TradeParameters, snap *snapshot) CheckResult {
	res := CheckResult{Name: CheckCorrelation, Critical: true, Passed: true}
	if snap.portfolioValue <= 0 {
		res.Passed = false
		res.Score = 100
		res.Message = "portfolio value unavailable"
		return res
	}

	family := assetFamily(params.Symbol)
	exposure := snap.tradeValue
	for _, e := range snap.exposures {
		if assetFamily(e.Symbol) == family {
			exposure += e.Value
		}
	}

	pct := exposure / snap.portfolioValue * 100
	res.Score = clampScore(pct / v.cfg.MaxCorrelatedPct * 100)
	if pct > v.cfg.MaxCorrelatedPct {
		res.Passed = false
		res.Message = fmt.Sprintf("%s-quoted exposure would be %.1f%% of portfolio, limit is %.1f%%",
			family, pct, v.cfg.MaxCorrelatedPct)
	}
	return res
}

func (v *Validator) checkDailyLoss(params *types.TradeParameters, snap *snapshot) CheckResult {
	res := CheckResult{Name: CheckDailyLoss, Critical: true, Passed: true}
	if v.cfg.DailyLossLimit <= 0 {
		return res
	}
	if snap.realizedErr != nil {
		res.Passed = false
		res.Score = 100
		res.Message = fmt.Sprintf("daily PnL unavailable: %v", snap.realizedErr)
		return res
	}

	lossSoFar := 0.0
	if snap.realizedToday < 0 {
		lossSoFar = -snap.realizedToday
	}

	// Worst case for this order: the stop-loss distance when one is
	// set, the full trade value otherwise.
	worstCase := snap.tradeValue
	if params.StopLossPercent > 0 {
		worstCase = snap.tradeValue * params.StopLossPercent / 100
	}

	projected := lossSoFar + worstCase
	res.Score = clampScore(projected / v.cfg.DailyLossLimit * 100)
	if projected > v.cfg.DailyLossLimit {
		res.Passed = false
		res.Message = fmt.Sprintf("projected daily loss %.2f exceeds limit %.2f", projected, v.cfg.DailyLossLimit)
	}
	return res
}

// checkMarket is the only non-critical check: poor spread or thin
// liquidity produces warnings, never a rejection.
func (v *Validator) checkMarket(snap *snapshot) CheckResult {
	res := CheckResult{Name: CheckMarket, Critical: false, Passed: true}
	if snap.book == nil {
		res.Passed = false
		res.Score = 50
		res.Message = "order book unavailable, market conditions unknown"
		return res
	}

	bid, ask := snap.book.BestBid(), snap.book.BestAsk()
	if bid <= 0 || ask <= 0 {
		res.Passed = false
		res.Score = 50
		res.Message = "order book empty on one side"
		return res
	}

	mid := (bid + ask) / 2
	spreadPct := (ask - bid) / mid * 100
	res.Score = clampScore(spreadPct * 50) // 2% spread saturates the score

	var depth float64
	for _, l := range snap.book.Bids {
		depth += l.Quantity * l.Price
	}
	for _, l := range snap.book.Asks {
		depth += l.Quantity * l.Price
	}

	switch {
	case spreadPct > 1:
		res.Passed = false
		res.Message = fmt.Sprintf("wide spread %.2f%%, expect slippage", spreadPct)
	case depth < snap.tradeValue*10:
		res.Passed = false
		res.Score = clampScore(res.Score + 30)
		res.Message = "thin order book relative to trade size"
	}
	return res
}

func (v *Validator) checkBalance(params *types.TradeParameters, snap *snapshot) CheckResult {
	res := CheckResult{Name: CheckBalance, Critical: true, Passed: true}
	if snap.balance == nil {
		res.Passed = false
		res.Score = 100
		res.Message = "account balance unavailable"
		return res
	}

	if snap.balance.Total < v.cfg.MinAccountBalance {
		res.Passed = false
		res.Score = 100
		res.Message = fmt.Sprintf("account balance %.2f below minimum %.2f",
			snap.balance.Total, v.cfg.MinAccountBalance)
		return res
	}

	if params.Side == types.SideBuy && snap.tradeValue > snap.balance.Total {
		res.Passed = false
		res.Score = 100
		res.Message = fmt.Sprintf("insufficient balance: need %.2f, have %.2f",
			snap.tradeValue, snap.balance.Total)
		return res
	}

	res.Score = clampScore(snap.tradeValue / snap.balance.Total * 100)
	return res
}

// combine folds the sub-check results into the overall verdict: a fixed
// weighted score, rejection on any critical failure, and the
// size-shrinking policy for high but acceptable scores.
func (v *Validator) combine(params *types.TradeParameters, checks []CheckResult) *Assessment {
	weights := map[string]float64{
		CheckPortfolio:     v.cfg.WeightPortfolio,
		CheckConcentration: v.cfg.WeightConcentration,
		CheckCorrelation:   v.cfg.WeightCorrelation,
		CheckDailyLoss:     v.cfg.WeightDailyLoss,
		CheckMarket:        v.cfg.WeightMarket,
		CheckBalance:       v.cfg.WeightBalance,
	}

	assessment := &Assessment{
		Passed:         true,
		SizeMultiplier: 1.0,
		Checks:         checks,
	}

	for _, check := range checks {
		assessment.RiskScore += weights[check.Name] * check.Score
		if check.Passed {
			continue
		}
		if check.Critical {
			assessment.Passed = false
			assessment.Errors = append(assessment.Errors, check.Message)
		} else {
			assessment.Warnings = append(assessment.Warnings, check.Message)
		}
	}

	if assessment.Passed {
		assessment.SizeMultiplier = ShrinkMultiplier(assessment.RiskScore)
		if assessment.SizeMultiplier < 1 {
			assessment.Warnings = append(assessment.Warnings,
				fmt.Sprintf("position size reduced to %.0f%% for risk score %.0f",
					assessment.SizeMultiplier*100, assessment.RiskScore))
		}
		assessment.AdjustedQuantity = params.Quantity * assessment.SizeMultiplier
		assessment.AdjustedQuoteQty = params.QuoteOrderQty * assessment.SizeMultiplier
	}

	return assessment
}

// ShrinkMultiplier maps a risk score to the position-size multiplier:
// full size at or below 50, shrinking linearly to a floor of 0.5.
func ShrinkMultiplier(riskScore float64) float64 {
	if riskScore <= 50 {
		return 1.0
	}
	m := 1 - (riskScore-50)/100
	if m < 0.5 {
		return 0.5
	}
	return m
}

// assetFamily groups a symbol into a coarse category by its quote
// asset, e.g. BTCUSDT and ETHUSDT both map to USDT.
func assetFamily(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, quote := range []string{"USDT", "BUSD", "USDC", "USD", "EUR", "GBP", "BTC", "ETH", "BNB"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return quote
		}
	}
	return s
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
