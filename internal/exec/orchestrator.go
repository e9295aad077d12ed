// Package exec is the entry leg: the orchestrator turns open deliveries
// into validated trade intents, consuming each delivery atomically with the
// intent insert, and the executor turns approved intents into broker orders
// through the trade coordinator.
package exec

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"mtf-engine/internal/broker"
	"mtf-engine/internal/events"
	"mtf-engine/internal/store"
	"mtf-engine/pkg/types"
)

// PortProvider hands out the live adapter for a pairing. Satisfied by
// broker.Registry.
type PortProvider interface {
	Get(ub *types.UserBroker) (broker.Port, error)
}

// Orchestrator polls open deliveries and resolves each into a consumed
// delivery plus one intent, approved or rejected.
type Orchestrator struct {
	store     store.Store
	bus       *events.Bus
	validator *Validator
	ports     PortProvider
	workers   int
	every     time.Duration
	logger    *slog.Logger

	now func() time.Time
}

func NewOrchestrator(st store.Store, bus *events.Bus, v *Validator, ports PortProvider, workers int, every time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		bus:       bus,
		validator: v,
		ports:     ports,
		workers:   workers,
		every:     every,
		logger:    logger.With("component", "execution_orchestrator"),
		now:       time.Now,
	}
}

// Run drives Cycle until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	t := time.NewTicker(o.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			o.Cycle(ctx)
		}
	}
}

// Cycle processes every open delivery once, fanning out over a bounded
// worker pool. Failures are per-delivery; one bad row never stalls the rest.
func (o *Orchestrator) Cycle(ctx context.Context) {
	ds, err := o.store.ListDeliveriesByStatus(ctx, types.DeliveryCreated, types.DeliveryDelivered)
	if err != nil {
		o.logger.Error("list deliveries failed", "error", err)
		return
	}
	if len(ds) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, d := range ds {
		d := d
		g.Go(func() error {
			if err := o.processDelivery(gctx, d); err != nil && gctx.Err() == nil {
				o.logger.Error("delivery processing failed", "delivery_id", d.ID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (o *Orchestrator) processDelivery(ctx context.Context, d *types.SignalDelivery) error {
	s, err := o.store.GetSignal(ctx, d.SignalID)
	if errors.Is(err, store.ErrNotFound) {
		return o.rejectDelivery(ctx, d)
	}
	if err != nil {
		return err
	}
	ub, err := o.store.GetUserBroker(ctx, d.UserBrokerID)
	if errors.Is(err, store.ErrNotFound) {
		return o.rejectDelivery(ctx, d)
	}
	if err != nil {
		return err
	}

	// A signal that died between fan-out and processing takes its open
	// deliveries with it.
	if s.Status != types.SignalActive || !s.ExpiresAt.After(o.now()) {
		d.Status = types.DeliveryExpired
		return o.store.UpdateDelivery(ctx, d)
	}

	pc, err := o.store.GetPortfolioContext(ctx, d.UserID)
	if err != nil {
		return err
	}

	res := o.validator.Validate(ctx, s, ub, pc, o.fundsFor(ub))
	intent := o.buildIntent(s, ub, pc, res)

	if err := o.store.ConsumeDelivery(ctx, d.ID, intent); err != nil {
		if errors.Is(err, store.ErrDeliveryConsumed) {
			return nil // another worker won this delivery
		}
		return err
	}

	if res.Passed() {
		o.logger.Info("intent approved",
			"intent_id", intent.ID, "signal_id", s.ID, "symbol", s.Symbol,
			"qty", intent.CalculatedQty, "value", intent.CalculatedValue)
		o.bus.Publish(events.IntentApproved, map[string]any{
			"intent_id": intent.ID, "signal_id": s.ID, "user_broker_id": ub.ID,
		})
	} else {
		o.logger.Info("intent rejected",
			"intent_id", intent.ID, "signal_id", s.ID, "symbol", s.Symbol,
			"errors", len(res.Errors), "first", res.Errors[0].Code)
		o.bus.Publish(events.IntentRejected, map[string]any{
			"intent_id": intent.ID, "signal_id": s.ID, "user_broker_id": ub.ID,
			"error_code": res.Errors[0].Code,
		})
	}
	return nil
}

func (o *Orchestrator) rejectDelivery(ctx context.Context, d *types.SignalDelivery) error {
	d.Status = types.DeliveryRejected
	return o.store.UpdateDelivery(ctx, d)
}

func (o *Orchestrator) buildIntent(s *types.Signal, ub *types.UserBroker, pc *types.PortfolioContext, res ValidationResult) *types.TradeIntent {
	status := types.IntentApproved
	if !res.Passed() {
		status = types.IntentRejected
	}
	return &types.TradeIntent{
		Meta:             types.Meta{ID: uuid.NewString()},
		SignalID:         s.ID,
		UserID:           ub.UserID,
		BrokerID:         ub.BrokerID,
		UserBrokerID:     ub.ID,
		ValidationPassed: res.Passed(),
		Errors:           res.Errors,
		CalculatedQty:    res.Sizing.Quantity,
		CalculatedValue:  res.Sizing.Value,
		OrderType:        types.OrderMarket,
		ProductType:      types.ProductMTF,
		LogImpact:        res.Sizing.LogImpact,
		ExposureAfter:    pc.CurrentExposure.Add(res.Sizing.Value),
		Status:           status,
	}
}

// fundsFor adapts the pairing's port to the validator's funds check. A
// pairing without a usable adapter validates with no funds snapshot; the
// connection checks catch that case.
func (o *Orchestrator) fundsFor(ub *types.UserBroker) FundsReader {
	p, err := o.ports.Get(ub)
	if err != nil {
		return nil
	}
	return portFunds{p: p}
}

type portFunds struct{ p broker.Port }

func (f portFunds) GetFunds(ctx context.Context) (decimal.Decimal, error) {
	funds, err := f.p.GetFunds(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if funds == nil {
		return decimal.Zero, nil
	}
	return funds.AvailableCash, nil
}
