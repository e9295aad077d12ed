package exec

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mtf-engine/internal/broker"
	"mtf-engine/internal/events"
	"mtf-engine/internal/store"
	"mtf-engine/internal/trade"
	"mtf-engine/pkg/types"
)

// Gates are the runtime switches the executor checks before touching a
// broker.
type Gates struct {
	TradingEnabled        bool
	OrderExecutionEnabled bool
}

// Executor polls approved intents and places their orders. Crash-safe by
// construction: the trade row keyed on intent id is created before the
// broker call, so a restart resumes placement instead of duplicating it,
// and the idempotency tag on the order lets the reconciler adopt anything
// that reached the broker before a crash.
type Executor struct {
	store  store.Store
	trades *trade.Coordinator
	bus    *events.Bus
	ports  PortProvider
	gates  Gates
	every  time.Duration
	logger *slog.Logger

	now func() time.Time
}

func NewExecutor(st store.Store, trades *trade.Coordinator, bus *events.Bus, ports PortProvider, gates Gates, every time.Duration, logger *slog.Logger) *Executor {
	return &Executor{
		store:  st,
		trades: trades,
		bus:    bus,
		ports:  ports,
		gates:  gates,
		every:  every,
		logger: logger.With("component", "order_executor"),
		now:    time.Now,
	}
}

// Run drives Cycle until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	t := time.NewTicker(e.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle executes every approved intent once.
func (e *Executor) Cycle(ctx context.Context) {
	if !e.gates.TradingEnabled || !e.gates.OrderExecutionEnabled {
		return
	}
	ins, err := e.store.ListIntentsByStatus(ctx, types.IntentApproved)
	if err != nil {
		e.logger.Error("list approved intents failed", "error", err)
		return
	}
	for _, in := range ins {
		if err := e.Execute(ctx, in); err != nil && ctx.Err() == nil {
			e.logger.Error("intent execution failed", "intent_id", in.ID, "error", err)
		}
	}
}

// Execute places the order for one approved intent.
func (e *Executor) Execute(ctx context.Context, in *types.TradeIntent) error {
	ub, err := e.store.GetUserBroker(ctx, in.UserBrokerID)
	if err != nil {
		return err
	}
	port, err := e.ports.Get(ub)
	if err != nil {
		return err
	}
	if !port.CanPlaceOrders() {
		e.logger.Warn("adapter read-only, skipping placement",
			"intent_id", in.ID, "user_broker_id", ub.ID)
		return nil
	}

	s, err := e.store.GetSignal(ctx, in.SignalID)
	if err != nil {
		return err
	}

	t, err := e.store.GetTradeByIntent(ctx, in.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		t = e.buildTrade(s, in)
		if err := e.trades.Create(ctx, t); err != nil {
			if errors.Is(err, store.ErrDuplicateIntent) {
				return nil // racing worker already created it
			}
			return err
		}
	case err != nil:
		return err
	case t.Status != types.TradeCreated:
		// Already placed (or terminally failed) in a previous run.
		return e.markExecuted(ctx, in)
	}

	placed, err := port.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:      t.Symbol,
		Exchange:    "NSE",
		Transaction: t.Direction,
		OrderType:   t.OrderType,
		ProductType: t.ProductType,
		Quantity:    t.EntryQty,
		Price:       t.LimitPrice,
		Validity:    types.ValidityDay,
		Tag:         in.ID,
	})
	if err != nil {
		return e.handlePlacementFailure(ctx, in, t, err)
	}

	if _, err := e.trades.Transition(ctx, t.ID, types.TradePending, func(t *types.Trade) {
		t.BrokerOrderID = placed.OrderID
	}); err != nil {
		return err
	}
	e.logger.Info("order placed",
		"trade_id", t.ID, "intent_id", in.ID, "symbol", t.Symbol,
		"broker_order_id", placed.OrderID, "qty", t.EntryQty)
	e.bus.Publish(events.OrderCreated, map[string]any{
		"trade_id": t.ID, "intent_id": in.ID, "broker_order_id": placed.OrderID,
	})
	return e.markExecuted(ctx, in)
}

// handlePlacementFailure sorts broker failures into retry-next-cycle
// (transient transport) and terminal rejection. Rejections never retry; the
// delivery stays consumed and the trade records the broker's code.
func (e *Executor) handlePlacementFailure(ctx context.Context, in *types.TradeIntent, t *types.Trade, err error) error {
	switch broker.KindOf(err) {
	case broker.KindRateLimit, broker.KindConnection, broker.KindTimeout:
		// Transient: the trade stays CREATED and the intent APPROVED; the
		// next cycle (or the reconciler, if the order actually landed)
		// finishes the job.
		return err
	}

	code := broker.CodeOf(err)
	if code == "" {
		code = string(broker.KindExecutionError)
	}
	if _, terr := e.trades.Transition(ctx, t.ID, types.TradeRejected, func(t *types.Trade) {
		t.ErrorCode = code
		t.ErrorMessage = err.Error()
	}); terr != nil {
		return terr
	}
	e.logger.Warn("order rejected at placement",
		"trade_id", t.ID, "intent_id", in.ID, "symbol", t.Symbol, "code", code)
	e.bus.Publish(events.OrderRejected, map[string]any{
		"trade_id": t.ID, "intent_id": in.ID, "error_code": code,
	})

	in.Status = types.IntentFailed
	return e.store.UpdateIntent(ctx, in)
}

func (e *Executor) markExecuted(ctx context.Context, in *types.TradeIntent) error {
	in.Status = types.IntentExecuted
	return e.store.UpdateIntent(ctx, in)
}

// buildTrade snapshots the signal into a CREATED trade. Entry price/qty are
// projections until the reconciler confirms the fill; targets derive from
// the signal's effective band.
func (e *Executor) buildTrade(s *types.Signal, in *types.TradeIntent) *types.Trade {
	upside := s.EffectiveCeil.Sub(s.RefPrice)
	return &types.Trade{
		Meta:         types.Meta{ID: uuid.NewString()},
		UserID:       in.UserID,
		BrokerID:     in.BrokerID,
		UserBrokerID: in.UserBrokerID,
		SignalID:     s.ID,
		IntentID:     in.ID,
		Symbol:       s.Symbol,
		Direction:    s.Direction,
		Status:       types.TradeCreated,

		EntryPrice:   s.RefPrice,
		EntryQty:     in.CalculatedQty,
		EntryValue:   in.CalculatedValue,
		EntryTime:    e.now(),
		Zone:         s.Zone,
		LogLossFloor: s.EffectiveFloor,
		MaxLogLoss:   maxLogLoss(s),
		ProductType:  in.ProductType,
		OrderType:    in.OrderType,
		LimitPrice:   in.LimitPrice,

		MinProfitTarget: s.RefPrice.Add(upside.Div(decimal.NewFromInt(2))),
		Target:          s.EffectiveCeil,
		StretchTarget:   s.EffectiveCeil.Add(upside.Div(decimal.NewFromInt(4))),
		PrimaryTarget:   s.EffectiveCeil,

		ClientOrderID: in.ID,
	}
}

func maxLogLoss(s *types.Signal) decimal.Decimal {
	ref, _ := s.RefPrice.Float64()
	floor, _ := s.EffectiveFloor.Float64()
	if ref <= 0 || floor <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(math.Log(floor / ref))
}
