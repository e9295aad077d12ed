// Package reconcile closes the loop against broker truth. Every status
// with an in-flight-at-the-broker interpretation (trade PENDING, exit
// intent PLACED) is either completed or timed out within a bounded window;
// nothing is left dangling after a crash or a network gap.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

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

// Pending reconciles PENDING trades against broker order status.
type Pending struct {
	store       store.Store
	trades      *trade.Coordinator
	bus         *events.Bus
	ports       PortProvider
	sem         *semaphore.Weighted
	timeout     time.Duration
	callTimeout time.Duration
	logger      *slog.Logger

	now func() time.Time
}

func NewPending(st store.Store, trades *trade.Coordinator, bus *events.Bus, ports PortProvider, permits int64, timeout, callTimeout time.Duration, logger *slog.Logger) *Pending {
	return &Pending{
		store:       st,
		trades:      trades,
		bus:         bus,
		ports:       ports,
		sem:         semaphore.NewWeighted(permits),
		timeout:     timeout,
		callTimeout: callTimeout,
		logger:      logger.With("component", "pending_reconciler"),
		now:         time.Now,
	}
}

// Cycle visits every PENDING trade once. Driven by the scheduler.
func (r *Pending) Cycle(ctx context.Context) {
	trs, err := r.store.ListTradesByStatus(ctx, types.TradePending)
	if err != nil {
		r.logger.Error("list pending trades failed", "error", err)
		return
	}
	for _, t := range trs {
		if err := r.reconcile(ctx, t); err != nil && ctx.Err() == nil {
			r.logger.Error("pending reconcile failed", "trade_id", t.ID, "error", err)
		}
	}
}

func (r *Pending) reconcile(ctx context.Context, t *types.Trade) error {
	// Timed-out orders transition without a broker call; an unreachable
	// broker must not keep a trade PENDING forever.
	if r.now().Sub(t.LastBrokerUpdateAt) > r.timeout {
		if _, err := r.trades.Transition(ctx, t.ID, types.TradeTimeout, func(t *types.Trade) {
			t.ErrorCode = "TIMEOUT"
			t.ErrorMessage = "no broker confirmation within pending timeout"
		}); err != nil {
			return err
		}
		r.logger.Warn("pending trade timed out", "trade_id", t.ID, "symbol", t.Symbol)
		r.bus.Publish(events.OrderTimeout, map[string]any{
			"trade_id": t.ID, "broker_order_id": t.BrokerOrderID,
		})
		return nil
	}

	// Bounded outbound concurrency; overflow skips this cycle, not queues.
	if !r.sem.TryAcquire(1) {
		return nil
	}
	defer r.sem.Release(1)

	ub, err := r.store.GetUserBroker(ctx, t.UserBrokerID)
	if err != nil {
		return err
	}
	port, err := r.ports.Get(ub)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	status, err := port.GetOrderStatus(cctx, t.BrokerOrderID)
	cancel()
	if err != nil {
		// Leave the heartbeat untouched; repeated failures age the trade
		// toward the timeout branch.
		return err
	}

	switch status.State {
	case broker.StateFilled:
		entry := status.AveragePrice
		qty := status.FilledQty
		if _, err := r.trades.Transition(ctx, t.ID, types.TradeOpen, func(t *types.Trade) {
			t.EntryPrice = entry
			t.EntryQty = qty
			t.EntryValue = entry.Mul(decimal.NewFromInt(qty))
			t.EntryTime = r.now()
		}); err != nil {
			return err
		}
		r.logger.Info("entry order filled",
			"trade_id", t.ID, "symbol", t.Symbol, "price", entry, "qty", qty)
		return nil

	case broker.StateRejected:
		if _, err := r.trades.Transition(ctx, t.ID, types.TradeRejected, func(t *types.Trade) {
			t.ErrorCode = status.RawStatus
			t.ErrorMessage = status.StatusMessage
		}); err != nil {
			return err
		}
		r.bus.Publish(events.OrderRejected, map[string]any{
			"trade_id": t.ID, "broker_order_id": t.BrokerOrderID, "error_code": status.RawStatus,
		})
		return nil

	case broker.StateCancelled:
		_, err := r.trades.Transition(ctx, t.ID, types.TradeCancelled, nil)
		return err

	default:
		// Still working at the broker. Heartbeat only; no field rewrite.
		return r.trades.Heartbeat(ctx, t.ID)
	}
}
