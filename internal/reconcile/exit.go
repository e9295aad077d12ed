package reconcile

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"mtf-engine/internal/broker"
	"mtf-engine/internal/events"
	"mtf-engine/internal/store"
	"mtf-engine/internal/trade"
	"mtf-engine/pkg/types"
)

// Releaser clears the exit service's one-inflight-per-trade mark when an
// exit intent dies. Satisfied by exit.Service.
type Releaser interface {
	Release(tradeID string)
}

// Exit reconciles PLACED exit intents. Scheduled on the same cadence as
// the pending reconciler but offset, so the two never burst the broker
// together.
type Exit struct {
	store       store.Store
	trades      *trade.Coordinator
	bus         *events.Bus
	ports       PortProvider
	release     Releaser
	sem         *semaphore.Weighted
	timeout     time.Duration
	callTimeout time.Duration
	logger      *slog.Logger

	now func() time.Time
}

func NewExit(st store.Store, trades *trade.Coordinator, bus *events.Bus, ports PortProvider, release Releaser, permits int64, timeout, callTimeout time.Duration, logger *slog.Logger) *Exit {
	return &Exit{
		store:       st,
		trades:      trades,
		bus:         bus,
		ports:       ports,
		release:     release,
		sem:         semaphore.NewWeighted(permits),
		timeout:     timeout,
		callTimeout: callTimeout,
		logger:      logger.With("component", "exit_reconciler"),
		now:         time.Now,
	}
}

// Cycle visits every PLACED exit intent once. Driven by the scheduler.
func (r *Exit) Cycle(ctx context.Context) {
	es, err := r.store.ListExitIntentsByStatus(ctx, types.ExitIntentPlaced)
	if err != nil {
		r.logger.Error("list placed exit intents failed", "error", err)
		return
	}
	for _, e := range es {
		if err := r.reconcile(ctx, e); err != nil && ctx.Err() == nil {
			r.logger.Error("exit reconcile failed", "exit_intent_id", e.ID, "error", err)
		}
	}
}

func (r *Exit) reconcile(ctx context.Context, e *types.ExitIntent) error {
	now := r.now()
	if e.PlacedAt != nil && now.Sub(*e.PlacedAt) > r.timeout {
		return r.fail(ctx, e, "TIMEOUT", "no broker confirmation within exit order timeout", events.ExitIntentFailed)
	}

	if !r.sem.TryAcquire(1) {
		return nil
	}
	defer r.sem.Release(1)

	t, err := r.store.GetTrade(ctx, e.TradeID)
	if err != nil {
		return err
	}
	ub, err := r.store.GetUserBroker(ctx, e.UserBrokerID)
	if err != nil {
		return err
	}
	port, err := r.ports.Get(ub)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	status, err := port.GetOrderStatus(cctx, e.BrokerOrderID)
	cancel()
	if err != nil {
		return err
	}

	switch status.State {
	case broker.StateFilled:
		e.Status = types.ExitIntentFilled
		e.FilledAt = &now
		if err := r.store.UpdateExitIntent(ctx, e); err != nil {
			return err
		}
		closed, err := r.trades.CloseOnExitFill(ctx, t.ID, status.AveragePrice, e.Reason, e.BrokerOrderID, now)
		if err != nil {
			return err
		}
		r.release.Release(t.ID)
		r.bus.Publish(events.ExitIntentFilled, map[string]any{
			"exit_intent_id": e.ID, "trade_id": t.ID, "reason": string(e.Reason),
			"exit_price": status.AveragePrice.String(), "realized_pnl": closed.RealizedPnL.String(),
		})
		return nil

	case broker.StateRejected:
		return r.fail(ctx, e, status.RawStatus, status.StatusMessage, events.ExitIntentFailed)

	case broker.StateCancelled:
		e.Status = types.ExitIntentCancelled
		if err := r.store.UpdateExitIntent(ctx, e); err != nil {
			return err
		}
		if err := r.reopen(ctx, e.TradeID); err != nil {
			return err
		}
		r.bus.Publish(events.ExitIntentCancelled, map[string]any{
			"exit_intent_id": e.ID, "trade_id": e.TradeID, "reason": string(e.Reason),
		})
		return nil

	default:
		return nil // still working at the broker
	}
}

// fail marks the intent FAILED, reopens the trade, and releases the
// inflight mark so the exit service can fire again.
func (r *Exit) fail(ctx context.Context, e *types.ExitIntent, code, msg string, kind events.Kind) error {
	e.Status = types.ExitIntentFailed
	e.ErrorCode = code
	e.ErrorMessage = msg
	if err := r.store.UpdateExitIntent(ctx, e); err != nil {
		return err
	}
	if err := r.reopen(ctx, e.TradeID); err != nil {
		return err
	}
	r.logger.Warn("exit intent failed",
		"exit_intent_id", e.ID, "trade_id", e.TradeID, "code", code)
	r.bus.Publish(kind, map[string]any{
		"exit_intent_id": e.ID, "trade_id": e.TradeID, "reason": string(e.Reason), "error_code": code,
	})
	return nil
}

// reopen returns an EXITING trade to OPEN after its exit order died. The
// exit service re-evaluates it on the next tick.
func (r *Exit) reopen(ctx context.Context, tradeID string) error {
	t, err := r.store.GetTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.Status == types.TradeExiting {
		if _, err := r.trades.Transition(ctx, tradeID, types.TradeOpen, nil); err != nil {
			return err
		}
	}
	r.release.Release(tradeID)
	return nil
}
