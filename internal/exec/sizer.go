package exec

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"mtf-engine/internal/config"
	"mtf-engine/pkg/types"
)

// PositionSizer turns a signal plus portfolio state into a quantity and the
// constraint that bound it. The constitutional sizer is an external
// collaborator; KellySizer is the built-in default.
type PositionSizer interface {
	Size(ctx context.Context, s *types.Signal, pc *types.PortfolioContext) (types.PositionSizeResult, error)
}

// KellySizer sizes at the signal's Kelly fraction of total capital, capped
// by available capital and the per-trade maximum value.
type KellySizer struct {
	cfg config.RiskConfig
}

func NewKellySizer(cfg config.RiskConfig) *KellySizer {
	return &KellySizer{cfg: cfg}
}

func (k *KellySizer) Size(_ context.Context, s *types.Signal, pc *types.PortfolioContext) (types.PositionSizeResult, error) {
	if s.RefPrice.LessThanOrEqual(decimal.Zero) {
		return types.PositionSizeResult{LimitingConstraint: "NO_REFERENCE_PRICE"}, nil
	}

	budget := pc.TotalCapital.Mul(s.Kelly)
	constraint := "KELLY"
	if pc.AvailableCapital.LessThan(budget) {
		budget = pc.AvailableCapital
		constraint = "AVAILABLE_CAPITAL"
	}
	if maxVal := decimal.NewFromFloat(k.cfg.MaxTradeValue); k.cfg.MaxTradeValue > 0 && maxVal.LessThan(budget) {
		budget = maxVal
		constraint = "MAX_TRADE_VALUE"
	}

	qty := budget.Div(s.RefPrice).IntPart()
	if qty <= 0 {
		return types.PositionSizeResult{LimitingConstraint: constraint}, nil
	}
	value := s.RefPrice.Mul(decimal.NewFromInt(qty))

	return types.PositionSizeResult{
		Quantity:           qty,
		Value:              value,
		LimitingConstraint: constraint,
		LogImpact:          logImpact(s, value, pc.TotalCapital),
	}, nil
}

// logImpact is the portfolio-level log loss if the trade stops out at the
// effective floor: |ln(floor/ref)| weighted by the trade's capital share.
func logImpact(s *types.Signal, value, totalCapital decimal.Decimal) decimal.Decimal {
	ref, _ := s.RefPrice.Float64()
	floor, _ := s.EffectiveFloor.Float64()
	if ref <= 0 || floor <= 0 || totalCapital.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	perTrade := math.Abs(math.Log(floor / ref))
	share, _ := value.Div(totalCapital).Float64()
	return decimal.NewFromFloat(perTrade * share)
}
