package exec

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"mtf-engine/internal/config"
	"mtf-engine/pkg/types"
)

// Validation error codes. Collected into the intent's error list, never
// returned as Go errors.
const (
	CodeNotConnected       = "NOT_CONNECTED"
	CodePairingPaused      = "PAIRING_PAUSED"
	CodeSymbolNotAllowed   = "SYMBOL_NOT_ALLOWED"
	CodeConfluenceTooLow   = "CONFLUENCE_BELOW_THRESHOLD"
	CodePWinTooLow         = "P_WIN_BELOW_MIN"
	CodeKellyTooLow        = "KELLY_BELOW_MIN"
	CodeQtyTooSmall        = "QTY_BELOW_MIN"
	CodeValueTooSmall      = "VALUE_BELOW_MIN"
	CodeValueTooLarge      = "VALUE_ABOVE_MAX"
	CodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	CodeFundsCheckFailed   = "FUNDS_CHECK_FAILED"
	CodeMaxExposure        = "MAX_EXPOSURE_EXCEEDED"
	CodeMaxOpenTrades      = "MAX_OPEN_TRADES"
	CodeDuplicateTrade     = "DUPLICATE_OPEN_TRADE"
	CodeTradeLogLoss       = "TRADE_LOG_LOSS_EXCEEDED"
	CodePortfolioLogLoss   = "PORTFOLIO_LOG_LOSS_EXCEEDED"
	CodeDailyLossLimit     = "DAILY_LOSS_LIMIT"
	CodeWeeklyLossLimit    = "WEEKLY_LOSS_LIMIT"
	CodeCooldown           = "COOLDOWN_ACTIVE"
	CodePortfolioPaused    = "PORTFOLIO_PAUSED"
)

// ActiveTradeIndex is the duplicate-position check, served by the trade
// coordinator's in-memory index.
type ActiveTradeIndex interface {
	HasActiveTrade(symbol, userBrokerID string) bool
}

// FundsReader is the slice of the broker port validation needs.
type FundsReader interface {
	GetFunds(ctx context.Context) (available decimal.Decimal, err error)
}

// ValidationResult carries the sizing outcome and every failed check.
type ValidationResult struct {
	Errors []types.ValidationError
	Sizing types.PositionSizeResult
}

func (r *ValidationResult) Passed() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) fail(code, format string, args ...any) {
	r.Errors = append(r.Errors, types.ValidationError{Code: code, Message: fmt.Sprintf(format, args...)})
}

// Validator runs the policy pipeline over one delivery. Every check runs;
// all failures are collected so the rejected intent records the full
// picture, not just the first miss.
type Validator struct {
	cfg    config.RiskConfig
	sizer  PositionSizer
	trades ActiveTradeIndex
}

func NewValidator(cfg config.RiskConfig, sizer PositionSizer, trades ActiveTradeIndex) *Validator {
	return &Validator{cfg: cfg, sizer: sizer, trades: trades}
}

func (v *Validator) Validate(ctx context.Context, s *types.Signal, ub *types.UserBroker, pc *types.PortfolioContext, funds FundsReader) ValidationResult {
	var r ValidationResult

	// Connection and pairing state.
	if ub.State != types.UserBrokerConnected {
		r.fail(CodeNotConnected, "pairing %s is %s", ub.ID, ub.State)
	}
	if ub.Paused {
		r.fail(CodePairingPaused, "pairing %s is paused", ub.ID)
	}
	if !ub.SymbolAllowed(s.Symbol) {
		r.fail(CodeSymbolNotAllowed, "%s not in allowed list", s.Symbol)
	}

	// Signal quality thresholds.
	if v.cfg.RequireTripleConfluence && s.Confluence != types.ConfluenceTriple {
		r.fail(CodeConfluenceTooLow, "confluence %s, triple required", s.Confluence)
	}
	if minP := decimal.NewFromFloat(v.cfg.MinPWin); s.PWin.LessThan(minP) {
		r.fail(CodePWinTooLow, "p_win %s < %s", s.PWin, minP)
	}
	if minK := decimal.NewFromFloat(v.cfg.MinKelly); s.Kelly.LessThan(minK) {
		r.fail(CodeKellyTooLow, "kelly %s < %s", s.Kelly, minK)
	}

	// Portfolio gates.
	if pc.Paused {
		r.fail(CodePortfolioPaused, "portfolio %s is paused", pc.PortfolioID)
	}
	if pc.InCooldown {
		r.fail(CodeCooldown, "portfolio %s in loss cooldown", pc.PortfolioID)
	}
	if v.cfg.MaxOpenTrades > 0 && pc.OpenTradeCount >= v.cfg.MaxOpenTrades {
		r.fail(CodeMaxOpenTrades, "%d open trades, max %d", pc.OpenTradeCount, v.cfg.MaxOpenTrades)
	}
	if v.trades != nil && v.trades.HasActiveTrade(s.Symbol, ub.ID) {
		r.fail(CodeDuplicateTrade, "live trade already exists on %s", s.Symbol)
	}

	// Loss limits against total capital.
	if limit := pc.TotalCapital.Mul(decimal.NewFromFloat(v.cfg.DailyLossLimitPct)); v.cfg.DailyLossLimitPct > 0 && pc.DailyLoss.GreaterThanOrEqual(limit) {
		r.fail(CodeDailyLossLimit, "daily loss %s >= limit %s", pc.DailyLoss, limit)
	}
	if limit := pc.TotalCapital.Mul(decimal.NewFromFloat(v.cfg.WeeklyLossLimitPct)); v.cfg.WeeklyLossLimitPct > 0 && pc.WeeklyLoss.GreaterThanOrEqual(limit) {
		r.fail(CodeWeeklyLossLimit, "weekly loss %s >= limit %s", pc.WeeklyLoss, limit)
	}

	// Sizing and the value checks that depend on it.
	sizing, err := v.sizer.Size(ctx, s, pc)
	if err != nil {
		r.fail(CodeQtyTooSmall, "position sizer: %v", err)
		return r
	}
	r.Sizing = sizing

	if sizing.Quantity < v.cfg.MinQty {
		r.fail(CodeQtyTooSmall, "qty %d < min %d (%s)", sizing.Quantity, v.cfg.MinQty, sizing.LimitingConstraint)
	}
	if minV := decimal.NewFromFloat(v.cfg.MinTradeValue); v.cfg.MinTradeValue > 0 && sizing.Value.LessThan(minV) {
		r.fail(CodeValueTooSmall, "value %s < min %s", sizing.Value, minV)
	}
	if maxV := decimal.NewFromFloat(v.cfg.MaxTradeValue); v.cfg.MaxTradeValue > 0 && sizing.Value.GreaterThan(maxV) {
		r.fail(CodeValueTooLarge, "value %s > max %s", sizing.Value, maxV)
	}

	// Funds snapshot through the port; the DB number can be stale.
	if funds != nil {
		available, err := funds.GetFunds(ctx)
		if err != nil {
			r.fail(CodeFundsCheckFailed, "funds query: %v", err)
		} else if sizing.Value.GreaterThan(available) {
			r.fail(CodeInsufficientFunds, "value %s > available %s", sizing.Value, available)
		}
	}

	// Exposure and log-loss budgets.
	if v.cfg.MaxExposurePct > 0 {
		limit := pc.TotalCapital.Mul(decimal.NewFromFloat(v.cfg.MaxExposurePct))
		if pc.CurrentExposure.Add(sizing.Value).GreaterThan(limit) {
			r.fail(CodeMaxExposure, "exposure %s + %s > limit %s", pc.CurrentExposure, sizing.Value, limit)
		}
	}
	if v.cfg.MaxTradeLogLoss > 0 {
		perTrade := tradeLogLoss(s)
		if perTrade > v.cfg.MaxTradeLogLoss {
			r.fail(CodeTradeLogLoss, "trade log loss %.4f > max %.4f", perTrade, v.cfg.MaxTradeLogLoss)
		}
	}
	if v.cfg.MaxPortfolioLogLoss > 0 {
		after := pc.CurrentLogExposure.Add(sizing.LogImpact)
		if after.GreaterThan(decimal.NewFromFloat(v.cfg.MaxPortfolioLogLoss)) {
			r.fail(CodePortfolioLogLoss, "portfolio log loss %s > max %.4f", after, v.cfg.MaxPortfolioLogLoss)
		}
	}

	return r
}

// tradeLogLoss is |ln(floor/ref)|: how far, in log-return terms, the trade
// can fall before its floor.
func tradeLogLoss(s *types.Signal) float64 {
	ref, _ := s.RefPrice.Float64()
	floor, _ := s.EffectiveFloor.Float64()
	if ref <= 0 || floor <= 0 {
		return 0
	}
	return math.Abs(math.Log(floor / ref))
}
