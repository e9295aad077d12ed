// Package exit owns the exit leg: tick-driven evaluation of open trades
// against the exit rules, qualification of the resulting exit intents, and
// placement of exit orders behind the atomic APPROVED to PLACED flip.
package exit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mtf-engine/internal/config"
	"mtf-engine/internal/feed"
	"mtf-engine/internal/store"
	"mtf-engine/internal/trade"
	"mtf-engine/pkg/types"
)

// RiskBreachFn lets the composition root plug a portfolio-level kill
// switch. A nil function never fires.
type RiskBreachFn func(ctx context.Context, t *types.Trade) bool

// Service watches the tick stream and decides when open trades must exit.
// One exit intent at a time per trade; the trade partition serializes
// evaluation so concurrent ticks cannot double-fire.
type Service struct {
	store  store.Store
	trades *trade.Coordinator
	cfg    config.ExitConfig
	breach RiskBreachFn
	logger *slog.Logger

	// inflight holds trades with a live exit intent; rebuilt at startup.
	mu       sync.Mutex
	inflight map[string]bool

	now func() time.Time
}

func NewService(st store.Store, trades *trade.Coordinator, cfg config.ExitConfig, breach RiskBreachFn, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		trades:   trades,
		cfg:      cfg,
		breach:   breach,
		logger:   logger.With("component", "exit_signal_service"),
		inflight: make(map[string]bool),
		now:      time.Now,
	}
}

// Rebuild reloads the inflight set from persistent exit intents. Called at
// startup, after the trade index rebuild.
func (s *Service) Rebuild(ctx context.Context) error {
	es, err := s.store.ListExitIntentsByStatus(ctx,
		types.ExitIntentPending, types.ExitIntentApproved, types.ExitIntentPlaced)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.inflight = make(map[string]bool, len(es))
	for _, e := range es {
		s.inflight[e.TradeID] = true
	}
	s.mu.Unlock()
	return nil
}

// Release clears a trade's inflight mark so a later condition can fire
// again. The reconciler calls this when an exit intent dies without filling.
func (s *Service) Release(tradeID string) {
	s.mu.Lock()
	delete(s.inflight, tradeID)
	s.mu.Unlock()
}

// Run consumes the intake listener until ctx is cancelled.
func (s *Service) Run(ctx context.Context, l *feed.Listener) error {
	s.logger.Info("exit signal service started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-l.C:
			s.OnTick(ctx, tick)
		}
	}
}

// OnTick evaluates every live trade on the tick's symbol.
func (s *Service) OnTick(ctx context.Context, tick types.Tick) {
	for _, tradeID := range s.trades.ActiveTradeIDs(tick.Symbol) {
		if err := s.evaluate(ctx, tradeID, tick); err != nil && ctx.Err() == nil {
			s.logger.Error("exit evaluation failed", "trade_id", tradeID, "error", err)
		}
	}
}

func (s *Service) evaluate(ctx context.Context, tradeID string, tick types.Tick) error {
	var fire types.ExitReason
	var fired bool

	// Live mark-to-market fields are recomputed in memory on every tick; a
	// row write happens only when the trailing state moves, so a hot symbol
	// does not turn every tick into a trade update.
	updated, err := s.trades.MutateIf(ctx, tradeID, func(t *types.Trade) (bool, error) {
		if t.Status != types.TradeOpen {
			return false, nil
		}
		s.updateLiveFields(t, tick.LastPrice)
		changed := s.updateTrailing(t, tick.LastPrice)
		if reason, ok := s.match(ctx, t, tick.LastPrice); ok {
			fire, fired = reason, true
		}
		return changed, nil
	})
	if err != nil {
		return err
	}
	if !fired || updated.Status != types.TradeOpen {
		return nil
	}
	return s.createExitIntent(ctx, updated, fire)
}

func (s *Service) updateLiveFields(t *types.Trade, price decimal.Decimal) {
	t.CurrentPrice = price
	t.UnrealizedPnL = pnl(t.Direction, t.EntryPrice, price, t.EntryQty)
	t.CurrentLogReturn = logReturn(t.Direction, t.EntryPrice, price)
}

// updateTrailing activates the trail once price moves favorably by the
// activation percentage, then ratchets the best price monotonically. For
// longs the stop trails below the highest; shorts mirror with the lowest.
// Reports whether the trailing state moved, which is what decides whether
// the trade row gets rewritten.
func (s *Service) updateTrailing(t *types.Trade, price decimal.Decimal) bool {
	activation := decimal.NewFromFloat(s.cfg.TrailingActivationPct)
	distance := decimal.NewFromFloat(s.cfg.TrailingDistancePct)
	one := decimal.NewFromInt(1)
	changed := false

	if t.Direction == types.BUY {
		if !t.TrailingActive && price.GreaterThanOrEqual(t.EntryPrice.Mul(one.Add(activation))) {
			t.TrailingActive = true
			t.TrailingHighest = price
			changed = true
		}
		if t.TrailingActive && price.GreaterThan(t.TrailingHighest) {
			t.TrailingHighest = price
			changed = true
		}
		if changed {
			t.TrailingStop = t.TrailingHighest.Mul(one.Sub(distance))
		}
		return changed
	}

	// Short side: TrailingHighest holds the best (lowest) price seen.
	if !t.TrailingActive && price.LessThanOrEqual(t.EntryPrice.Mul(one.Sub(activation))) {
		t.TrailingActive = true
		t.TrailingHighest = price
		changed = true
	}
	if t.TrailingActive && price.LessThan(t.TrailingHighest) {
		t.TrailingHighest = price
		changed = true
	}
	if changed {
		t.TrailingStop = t.TrailingHighest.Mul(one.Add(distance))
	}
	return changed
}

// match evaluates exit conditions in priority order and returns the first
// hit: hard stop, trailing stop, target, time, risk breach.
func (s *Service) match(ctx context.Context, t *types.Trade, price decimal.Decimal) (types.ExitReason, bool) {
	long := t.Direction == types.BUY

	if !t.LogLossFloor.IsZero() {
		if (long && price.LessThanOrEqual(t.LogLossFloor)) || (!long && price.GreaterThanOrEqual(t.LogLossFloor)) {
			return types.ExitStopLoss, true
		}
	}
	if t.TrailingActive {
		if (long && price.LessThanOrEqual(t.TrailingStop)) || (!long && price.GreaterThanOrEqual(t.TrailingStop)) {
			return types.ExitTrailingStop, true
		}
	}
	if !t.PrimaryTarget.IsZero() {
		if (long && price.GreaterThanOrEqual(t.PrimaryTarget)) || (!long && price.LessThanOrEqual(t.PrimaryTarget)) {
			return types.ExitTargetHit, true
		}
	}
	if s.cfg.MaxHoldingDays > 0 && int(s.now().Sub(t.EntryTime).Hours()/24) >= s.cfg.MaxHoldingDays {
		return types.ExitTimeBased, true
	}
	if s.breach != nil && s.breach(ctx, t) {
		return types.ExitRiskBreach, true
	}
	return "", false
}

// createExitIntent writes one PENDING exit intent per trade at a time.
func (s *Service) createExitIntent(ctx context.Context, t *types.Trade, reason types.ExitReason) error {
	s.mu.Lock()
	if s.inflight[t.ID] {
		s.mu.Unlock()
		return nil
	}
	s.inflight[t.ID] = true
	s.mu.Unlock()

	e := &types.ExitIntent{
		Meta:          types.Meta{ID: uuid.NewString()},
		TradeID:       t.ID,
		UserBrokerID:  t.UserBrokerID,
		Reason:        reason,
		CalculatedQty: t.EntryQty,
		OrderType:     types.OrderMarket,
		ProductType:   t.ProductType,
		Status:        types.ExitIntentPending,
	}
	if err := s.store.CreateExitIntent(ctx, e); err != nil {
		s.Release(t.ID)
		return err
	}
	s.logger.Info("exit intent created",
		"exit_intent_id", e.ID, "trade_id", t.ID, "symbol", t.Symbol,
		"reason", reason, "price", t.CurrentPrice)
	return nil
}

func pnl(dir types.Direction, entry, price decimal.Decimal, qty int64) decimal.Decimal {
	diff := price.Sub(entry)
	if dir == types.SELL {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(qty))
}

func logReturn(dir types.Direction, entry, price decimal.Decimal) decimal.Decimal {
	ef, _ := entry.Float64()
	pf, _ := price.Float64()
	if ef <= 0 || pf <= 0 {
		return decimal.Zero
	}
	lr := math.Log(pf / ef)
	if dir == types.SELL {
		lr = -lr
	}
	return decimal.NewFromFloat(lr)
}
