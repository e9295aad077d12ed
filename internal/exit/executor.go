package exit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mtf-engine/internal/broker"
	"mtf-engine/internal/events"
	"mtf-engine/internal/store"
	"mtf-engine/internal/trade"
	"mtf-engine/pkg/types"
)

// PortProvider hands out the live adapter for a pairing. Satisfied by
// broker.Registry.
type PortProvider interface {
	Get(ub *types.UserBroker) (broker.Port, error)
}

// Executor qualifies PENDING exit intents and places APPROVED ones. The
// placement path is crash-safe: the APPROVED to PLACED flip is a
// conditional database update, so two processors can both try and exactly
// one places the order.
type Executor struct {
	store  store.Store
	trades *trade.Coordinator
	bus    *events.Bus
	ports  PortProvider
	svc    *Service // inflight bookkeeping; released when an intent dies
	every  time.Duration
	logger *slog.Logger

	now func() time.Time
}

func NewExecutor(st store.Store, trades *trade.Coordinator, bus *events.Bus, ports PortProvider, svc *Service, every time.Duration, logger *slog.Logger) *Executor {
	return &Executor{
		store:  st,
		trades: trades,
		bus:    bus,
		ports:  ports,
		svc:    svc,
		every:  every,
		logger: logger.With("component", "exit_executor"),
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

// Cycle qualifies pending intents, then places approved ones.
func (e *Executor) Cycle(ctx context.Context) {
	pending, err := e.store.ListExitIntentsByStatus(ctx, types.ExitIntentPending)
	if err != nil {
		e.logger.Error("list pending exit intents failed", "error", err)
	} else {
		for _, in := range pending {
			if err := e.Qualify(ctx, in); err != nil && ctx.Err() == nil {
				e.logger.Error("exit qualification failed", "exit_intent_id", in.ID, "error", err)
			}
		}
	}

	approved, err := e.store.ListExitIntentsByStatus(ctx, types.ExitIntentApproved)
	if err != nil {
		e.logger.Error("list approved exit intents failed", "error", err)
		return
	}
	for _, in := range approved {
		if err := e.Place(ctx, in); err != nil && ctx.Err() == nil {
			e.logger.Error("exit placement failed", "exit_intent_id", in.ID, "error", err)
		}
	}
}

// Qualify mirrors entry validation for the exit side: the trade must be
// OPEN with enough quantity, the pairing connected, the product matching.
func (e *Executor) Qualify(ctx context.Context, in *types.ExitIntent) error {
	t, err := e.store.GetTrade(ctx, in.TradeID)
	if err != nil {
		return e.reject(ctx, in, "TRADE_NOT_FOUND", err.Error())
	}
	if t.Status != types.TradeOpen {
		return e.reject(ctx, in, "TRADE_NOT_OPEN", string(t.Status))
	}
	if in.CalculatedQty <= 0 || in.CalculatedQty > t.EntryQty {
		return e.reject(ctx, in, "QTY_EXCEEDS_OPEN", "")
	}
	if in.ProductType != t.ProductType {
		return e.reject(ctx, in, "PRODUCT_MISMATCH", "")
	}
	ub, err := e.store.GetUserBroker(ctx, in.UserBrokerID)
	if err != nil {
		return e.reject(ctx, in, "PAIRING_NOT_FOUND", err.Error())
	}
	if ub.State != types.UserBrokerConnected {
		return e.reject(ctx, in, "NOT_CONNECTED", string(ub.State))
	}

	in.Status = types.ExitIntentApproved
	return e.store.UpdateExitIntent(ctx, in)
}

func (e *Executor) reject(ctx context.Context, in *types.ExitIntent, code, msg string) error {
	in.Status = types.ExitIntentRejected
	in.ErrorCode = code
	in.ErrorMessage = msg
	if err := e.store.UpdateExitIntent(ctx, in); err != nil {
		return err
	}
	e.release(in.TradeID)
	e.logger.Warn("exit intent rejected",
		"exit_intent_id", in.ID, "trade_id", in.TradeID, "code", code)
	return nil
}

// Place wins the APPROVED to PLACED flip, then sends the broker order and
// moves the trade to EXITING. Losing the flip means another processor has
// the intent; this one walks away.
func (e *Executor) Place(ctx context.Context, in *types.ExitIntent) error {
	t, err := e.store.GetTrade(ctx, in.TradeID)
	if err != nil {
		return err
	}
	ub, err := e.store.GetUserBroker(ctx, in.UserBrokerID)
	if err != nil {
		return err
	}
	port, err := e.ports.Get(ub)
	if err != nil {
		return err
	}
	if !port.CanPlaceOrders() {
		e.logger.Warn("adapter read-only, deferring exit placement", "exit_intent_id", in.ID)
		return nil
	}

	placedAt := e.now()
	won, err := e.store.MarkExitIntentPlaced(ctx, in.ID, "", placedAt)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	placed, err := port.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:      t.Symbol,
		Exchange:    "NSE",
		Transaction: t.Direction.Opposite(),
		OrderType:   in.OrderType,
		ProductType: in.ProductType,
		Quantity:    in.CalculatedQty,
		Price:       in.LimitPrice,
		Validity:    types.ValidityDay,
		Tag:         in.ID,
	})
	if err != nil {
		return e.failPlacement(ctx, in, err)
	}

	// Re-read: MarkExitIntentPlaced bumped the stored version.
	in, err = e.store.GetExitIntent(ctx, in.ID)
	if err != nil {
		return err
	}
	in.BrokerOrderID = placed.OrderID
	if err := e.store.UpdateExitIntent(ctx, in); err != nil {
		return err
	}

	if _, err := e.trades.Transition(ctx, t.ID, types.TradeExiting, nil); err != nil {
		return err
	}
	e.logger.Info("exit order placed",
		"exit_intent_id", in.ID, "trade_id", t.ID, "symbol", t.Symbol,
		"broker_order_id", placed.OrderID, "reason", in.Reason)
	e.bus.Publish(events.ExitIntentPlaced, map[string]any{
		"exit_intent_id": in.ID, "trade_id": t.ID, "broker_order_id": placed.OrderID,
	})
	return nil
}

// failPlacement marks the intent FAILED after a broker rejection. The trade
// stays OPEN and the service may fire again.
func (e *Executor) failPlacement(ctx context.Context, in *types.ExitIntent, cause error) error {
	switch broker.KindOf(cause) {
	case broker.KindRateLimit, broker.KindConnection, broker.KindTimeout:
		// The order may or may not have reached the broker. Leave the
		// intent PLACED; the exit reconciler completes or times it out.
		return cause
	}

	fresh, err := e.store.GetExitIntent(ctx, in.ID)
	if err != nil {
		return err
	}
	fresh.Status = types.ExitIntentFailed
	fresh.ErrorCode = broker.CodeOf(cause)
	if fresh.ErrorCode == "" {
		fresh.ErrorCode = string(broker.KindOf(cause))
	}
	fresh.ErrorMessage = cause.Error()
	if err := e.store.UpdateExitIntent(ctx, fresh); err != nil {
		return err
	}
	e.release(fresh.TradeID)
	e.bus.Publish(events.ExitIntentFailed, map[string]any{
		"exit_intent_id": fresh.ID, "trade_id": fresh.TradeID,
		"reason": string(fresh.Reason), "error_code": fresh.ErrorCode,
	})
	if errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func (e *Executor) release(tradeID string) {
	if e.svc != nil {
		e.svc.Release(tradeID)
	}
}
