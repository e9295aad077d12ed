// Package signal owns the Signal lifecycle: detection sweeps over
// finalized candles, the one-ACTIVE-per-key dedupe rule, supersession when
// a fresher read of the same opportunity arrives, fan-out to eligible
// execution pairings, and expiry.
//
// Work is partitioned by symbol hash so evaluations for one symbol are
// serialized while different symbols proceed in parallel.
package signal

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mtf-engine/internal/events"
	"mtf-engine/internal/store"
	"mtf-engine/pkg/types"
)

// Detector is the multi-timeframe analytics collaborator. Given a symbol's
// candle history per timeframe it returns zero or more candidates.
type Detector interface {
	Detect(ctx context.Context, symbol string, candles map[types.Timeframe][]types.Candle) ([]types.SignalCandidate, error)
}

// NopDetector never produces candidates. Deployments without the analytics
// collaborator linked in run the coordinator for sweep and fan-out only.
type NopDetector struct{}

func (NopDetector) Detect(context.Context, string, map[types.Timeframe][]types.Candle) ([]types.SignalCandidate, error) {
	return nil, nil
}

// Coordinator turns candidates into Signals and Signals into deliveries.
type Coordinator struct {
	store      store.Store
	bus        *events.Bus
	detector   Detector
	timeframes []types.Timeframe
	lookback   int
	partitions int
	exchangeTZ *time.Location
	logger     *slog.Logger

	partCh []chan string

	// pending dedupes enqueued symbols per partition so a burst of candle
	// closes doesn't queue the same evaluation many times over.
	pendingMu sync.Mutex
	pending   map[string]bool

	now func() time.Time
}

type Options struct {
	Timeframes []types.Timeframe
	Lookback   int
	Partitions int
	ExchangeTZ *time.Location
}

func NewCoordinator(st store.Store, bus *events.Bus, det Detector, opts Options, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		store:      st,
		bus:        bus,
		detector:   det,
		timeframes: opts.Timeframes,
		lookback:   opts.Lookback,
		partitions: opts.Partitions,
		exchangeTZ: opts.ExchangeTZ,
		logger:     logger.With("component", "signal_coordinator"),
		pending:    make(map[string]bool),
		now:        time.Now,
	}
	c.partCh = make([]chan string, opts.Partitions)
	for i := range c.partCh {
		c.partCh[i] = make(chan string, 64)
	}
	return c
}

func partitionOf(symbol string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

// Run starts the partition workers and listens for candle closes until
// ctx is cancelled. The expiry sweep is driven by the scheduler calling
// ExpireSweep.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range c.partCh {
		wg.Add(1)
		go func(part int) {
			defer wg.Done()
			c.worker(ctx, part)
		}(i)
	}

	sub := c.bus.Subscribe(256)

	c.logger.Info("signal coordinator started", "partitions", c.partitions)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case evt := <-sub:
			if evt.Kind != events.CandleFinalized {
				continue
			}
			if symbol, ok := evt.Payload["symbol"].(string); ok {
				c.Enqueue(symbol)
			}
		}
	}
}

// Enqueue schedules a symbol evaluation on its partition. Duplicate
// requests while one is queued collapse into a single evaluation.
func (c *Coordinator) Enqueue(symbol string) {
	c.pendingMu.Lock()
	if c.pending[symbol] {
		c.pendingMu.Unlock()
		return
	}
	c.pending[symbol] = true
	c.pendingMu.Unlock()

	select {
	case c.partCh[partitionOf(symbol, c.partitions)] <- symbol:
	default:
		c.pendingMu.Lock()
		delete(c.pending, symbol)
		c.pendingMu.Unlock()
		c.logger.Warn("signal partition saturated, dropping evaluation", "symbol", symbol)
	}
}

func (c *Coordinator) worker(ctx context.Context, part int) {
	for {
		select {
		case <-ctx.Done():
			return
		case symbol := <-c.partCh[part]:
			c.pendingMu.Lock()
			delete(c.pending, symbol)
			c.pendingMu.Unlock()

			if err := c.EvaluateSymbol(ctx, symbol); err != nil && ctx.Err() == nil {
				c.logger.Error("symbol evaluation failed", "symbol", symbol, "error", err)
			}
		}
	}
}

// EvaluateSymbol loads the lookback window, runs the detector, and
// publishes whatever comes back.
func (c *Coordinator) EvaluateSymbol(ctx context.Context, symbol string) error {
	now := c.now()
	candles := make(map[types.Timeframe][]types.Candle, len(c.timeframes))
	for _, tf := range c.timeframes {
		from := now.Add(-time.Duration(c.lookback) * tf.Duration())
		cs, err := c.store.ListCandles(ctx, symbol, tf, from, now)
		if err != nil {
			return err
		}
		candles[tf] = cs
	}

	cands, err := c.detector.Detect(ctx, symbol, candles)
	if err != nil {
		return err
	}
	for _, cand := range cands {
		if err := c.PublishCandidate(ctx, cand); err != nil {
			c.logger.Error("publish candidate failed",
				"symbol", cand.Symbol, "direction", cand.Direction, "error", err)
		}
	}
	return nil
}

// PublishCandidate creates the Signal (or supersedes the stale ACTIVE one
// holding its dedupe key) and fans deliveries out to eligible pairings.
func (c *Coordinator) PublishCandidate(ctx context.Context, cand types.SignalCandidate) error {
	now := c.now()
	s := c.buildSignal(cand, now)

	err := c.store.CreateSignal(ctx, s)
	if err == store.ErrDuplicateSignal {
		existing, found := c.findActive(ctx, s.Dedupe())
		if !found {
			return nil // raced with expiry; next sweep will land it
		}
		if !materiallyDifferent(existing, s) {
			return nil // same opportunity, nothing to replace
		}
		if err := c.store.SupersedeSignal(ctx, existing.ID, s); err != nil {
			return err
		}
		c.logger.Info("signal superseded",
			"symbol", s.Symbol, "old_id", existing.ID, "new_id", s.ID)
	} else if err != nil {
		return err
	}

	return c.fanOut(ctx, s)
}

func (c *Coordinator) buildSignal(cand types.SignalCandidate, now time.Time) *types.Signal {
	return &types.Signal{
		Meta:            types.Meta{ID: uuid.NewString()},
		Symbol:          cand.Symbol,
		Direction:       cand.Direction,
		SignalType:      cand.SignalType,
		SignalDay:       now.In(c.exchangeTZ).Format("2006-01-02"),
		Zone:            cand.Zone,
		Confluence:      cand.Confluence,
		ConfluenceScore: cand.ConfluenceScore,
		PWin:            cand.PWin,
		PFill:           cand.PFill,
		Kelly:           cand.Kelly,
		RefPrice:        cand.RefPrice,
		Bid:             cand.Bid,
		Ask:             cand.Ask,
		EntryLow:        cand.EntryLow,
		EntryHigh:       cand.EntryHigh,
		EffectiveFloor:  cand.EffectiveFloor,
		EffectiveCeil:   cand.EffectiveCeil,
		Reason:          cand.Reason,
		ExpiresAt:       now.Add(cand.TTL),
		Status:          types.SignalActive,
	}
}

func (c *Coordinator) findActive(ctx context.Context, key types.DedupeKey) (*types.Signal, bool) {
	active, err := c.store.ListActiveSignals(ctx)
	if err != nil {
		return nil, false
	}
	for _, s := range active {
		if s.Dedupe() == key {
			return s, true
		}
	}
	return nil, false
}

// materiallyDifferent reports whether the new signal changes what an
// executor would actually do: the entry band, the reference price, or the
// confluence grade.
func materiallyDifferent(prev, next *types.Signal) bool {
	return !prev.EntryLow.Equal(next.EntryLow) ||
		!prev.EntryHigh.Equal(next.EntryHigh) ||
		!prev.RefPrice.Equal(next.RefPrice) ||
		prev.Confluence != next.Confluence
}

// fanOut creates one delivery per eligible execution pairing: EXEC role,
// connected, not paused, symbol on the pairing's allowed list.
func (c *Coordinator) fanOut(ctx context.Context, s *types.Signal) error {
	ubs, err := c.store.ListUserBrokers(ctx)
	if err != nil {
		return err
	}

	var ds []*types.SignalDelivery
	for _, ub := range ubs {
		if !eligible(ub, s.Symbol) {
			continue
		}
		ds = append(ds, &types.SignalDelivery{
			Meta:         types.Meta{ID: uuid.NewString()},
			SignalID:     s.ID,
			UserBrokerID: ub.ID,
			UserID:       ub.UserID,
			Status:       types.DeliveryCreated,
		})
	}
	if len(ds) > 0 {
		if err := c.store.CreateDeliveries(ctx, ds); err != nil {
			return err
		}
	}

	c.logger.Info("signal published",
		"signal_id", s.ID, "symbol", s.Symbol, "direction", s.Direction,
		"confluence", s.Confluence, "deliveries", len(ds))
	c.bus.Publish(events.SignalPublished, map[string]any{
		"signal_id":  s.ID,
		"symbol":     s.Symbol,
		"direction":  string(s.Direction),
		"deliveries": len(ds),
	})
	return nil
}

func eligible(ub *types.UserBroker, symbol string) bool {
	return ub.Role == types.RoleExec &&
		ub.State == types.UserBrokerConnected &&
		!ub.Paused &&
		ub.SymbolAllowed(symbol)
}

// ExpireSweep retires ACTIVE signals past their TTL along with their
// unconsumed deliveries.
func (c *Coordinator) ExpireSweep(ctx context.Context) {
	now := c.now()
	active, err := c.store.ListActiveSignals(ctx)
	if err != nil {
		c.logger.Warn("expire sweep: list failed", "error", err)
		return
	}
	for _, s := range active {
		if s.ExpiresAt.After(now) {
			continue
		}
		s.Status = types.SignalExpired
		if err := c.store.UpdateSignal(ctx, s); err != nil {
			c.logger.Warn("expire signal failed", "signal_id", s.ID, "error", err)
			continue
		}
		c.expireDeliveries(ctx, s.ID)
		c.logger.Info("signal expired", "signal_id", s.ID, "symbol", s.Symbol)
	}
}

func (c *Coordinator) expireDeliveries(ctx context.Context, signalID string) {
	ds, err := c.store.ListDeliveriesForSignal(ctx, signalID)
	if err != nil {
		c.logger.Warn("expire deliveries: list failed", "signal_id", signalID, "error", err)
		return
	}
	for _, d := range ds {
		if d.Status != types.DeliveryCreated && d.Status != types.DeliveryDelivered {
			continue
		}
		d.Status = types.DeliveryExpired
		if err := c.store.UpdateDelivery(ctx, d); err != nil {
			c.logger.Warn("expire delivery failed", "delivery_id", d.ID, "error", err)
		}
	}
}
