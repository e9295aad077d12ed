// Package trade is the single writer for Trade rows. Every mutation goes
// through the coordinator, which serializes writers per trade by partition
// lock, validates each status change against the trade status machine, and
// maintains the in-memory active-trade index the validation pipeline and
// exit engine query.
package trade

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mtf-engine/internal/store"
	"mtf-engine/pkg/types"
)

// ErrIllegalTransition is returned when a requested status change is not in
// the trade status machine.
var ErrIllegalTransition = fmt.Errorf("illegal trade transition")

// Coordinator owns all Trade writes.
type Coordinator struct {
	store  store.Store
	logger *slog.Logger

	// locks[hash(tradeID)%n] serializes writers per trade. Different trades
	// in different partitions proceed in parallel.
	locks []sync.Mutex

	// active indexes non-terminal trades: symbol -> trade id -> user-broker id.
	activeMu sync.RWMutex
	active   map[string]map[string]string

	now func() time.Time
}

func NewCoordinator(st store.Store, partitions int, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  st,
		logger: logger.With("component", "trade_coordinator"),
		locks:  make([]sync.Mutex, partitions),
		active: make(map[string]map[string]string),
		now:    time.Now,
	}
}

func (c *Coordinator) lockFor(tradeID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tradeID))
	return &c.locks[int(h.Sum32()%uint32(len(c.locks)))]
}

// ————————————————————————————————————————————————————————————————————————
// Active-trade index
// ————————————————————————————————————————————————————————————————————————

// RebuildIndex loads every non-terminal trade from the store. Called once
// at startup before any traffic, and safe to call again after a gap.
func (c *Coordinator) RebuildIndex(ctx context.Context) error {
	fresh := make(map[string]map[string]string)
	count := 0
	for _, status := range []types.TradeStatus{types.TradeCreated, types.TradePending, types.TradeOpen, types.TradeExiting} {
		ts, err := c.store.ListTradesByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("rebuild active trade index: %w", err)
		}
		for _, t := range ts {
			if fresh[t.Symbol] == nil {
				fresh[t.Symbol] = make(map[string]string)
			}
			fresh[t.Symbol][t.ID] = t.UserBrokerID
			count++
		}
	}

	c.activeMu.Lock()
	c.active = fresh
	c.activeMu.Unlock()

	c.logger.Info("active trade index rebuilt", "trades", count)
	return nil
}

func (c *Coordinator) track(t *types.Trade) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	if t.Status.Terminal() {
		if m := c.active[t.Symbol]; m != nil {
			delete(m, t.ID)
			if len(m) == 0 {
				delete(c.active, t.Symbol)
			}
		}
		return
	}
	if c.active[t.Symbol] == nil {
		c.active[t.Symbol] = make(map[string]string)
	}
	c.active[t.Symbol][t.ID] = t.UserBrokerID
}

// HasActiveTrade reports whether the pairing already holds a live position
// on the symbol. Used by the validation pipeline's duplicate check.
func (c *Coordinator) HasActiveTrade(symbol, userBrokerID string) bool {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	for _, ub := range c.active[symbol] {
		if ub == userBrokerID {
			return true
		}
	}
	return false
}

// ActiveTradeIDs returns the ids of live trades on the symbol.
func (c *Coordinator) ActiveTradeIDs(symbol string) []string {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	ids := make([]string, 0, len(c.active[symbol]))
	for id := range c.active[symbol] {
		ids = append(ids, id)
	}
	return ids
}

// ActiveSymbols returns every symbol with at least one live trade.
func (c *Coordinator) ActiveSymbols() []string {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	syms := make([]string, 0, len(c.active))
	for s := range c.active {
		syms = append(syms, s)
	}
	return syms
}

// ————————————————————————————————————————————————————————————————————————
// Writes
// ————————————————————————————————————————————————————————————————————————

// Create persists a new trade and tracks it. The store rejects a second
// trade for the same intent id.
func (c *Coordinator) Create(ctx context.Context, t *types.Trade) error {
	t.LastBrokerUpdateAt = c.now()
	if err := c.store.CreateTrade(ctx, t); err != nil {
		return err
	}
	c.track(t)
	return nil
}

// Mutate applies fn to the current stored trade under the trade's partition
// lock and persists the result. fn must not change Status; use Transition.
func (c *Coordinator) Mutate(ctx context.Context, tradeID string, fn func(*types.Trade) error) (*types.Trade, error) {
	mu := c.lockFor(tradeID)
	mu.Lock()
	defer mu.Unlock()

	t, err := c.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	before := t.Status
	if err := fn(t); err != nil {
		return nil, err
	}
	if t.Status != before {
		return nil, fmt.Errorf("mutate changed status %s -> %s: %w", before, t.Status, ErrIllegalTransition)
	}
	if err := c.store.UpdateTrade(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// MutateIf applies fn under the trade's partition lock and persists only
// when fn reports a change. Per-tick evaluation uses this so rows that did
// not materially change are not rewritten. The returned trade carries fn's
// mutations whether or not they were persisted.
func (c *Coordinator) MutateIf(ctx context.Context, tradeID string, fn func(*types.Trade) (bool, error)) (*types.Trade, error) {
	mu := c.lockFor(tradeID)
	mu.Lock()
	defer mu.Unlock()

	t, err := c.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	before := t.Status
	persist, err := fn(t)
	if err != nil {
		return nil, err
	}
	if t.Status != before {
		return nil, fmt.Errorf("mutate changed status %s -> %s: %w", before, t.Status, ErrIllegalTransition)
	}
	if !persist {
		return t, nil
	}
	if err := c.store.UpdateTrade(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Transition moves the trade to a new status, applying optional extra field
// changes in the same write. Every transition stamps LastBrokerUpdateAt.
func (c *Coordinator) Transition(ctx context.Context, tradeID string, to types.TradeStatus, apply func(*types.Trade)) (*types.Trade, error) {
	mu := c.lockFor(tradeID)
	mu.Lock()
	defer mu.Unlock()

	t, err := c.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !types.CanTransition(t.Status, to) {
		return nil, fmt.Errorf("trade %s: %s -> %s: %w", tradeID, t.Status, to, ErrIllegalTransition)
	}
	from := t.Status
	t.Status = to
	t.LastBrokerUpdateAt = c.now()
	if apply != nil {
		apply(t)
	}
	if err := c.store.UpdateTrade(ctx, t); err != nil {
		return nil, err
	}
	c.track(t)

	c.logger.Info("trade transition",
		"trade_id", t.ID, "symbol", t.Symbol, "from", from, "to", to)
	return t, nil
}

// Heartbeat refreshes LastBrokerUpdateAt without any other change. The
// reconciler calls this when the broker confirms an order is still working.
func (c *Coordinator) Heartbeat(ctx context.Context, tradeID string) error {
	_, err := c.Mutate(ctx, tradeID, func(t *types.Trade) error {
		t.LastBrokerUpdateAt = c.now()
		return nil
	})
	return err
}

// CloseOnExitFill finalizes the trade when its exit order fills: exit
// snapshot, realized P&L, realized log return, and holding days, in one
// transition to CLOSED.
func (c *Coordinator) CloseOnExitFill(ctx context.Context, tradeID string, exitPrice decimal.Decimal, reason types.ExitReason, exitOrderID string, filledAt time.Time) (*types.Trade, error) {
	t, err := c.Transition(ctx, tradeID, types.TradeClosed, func(t *types.Trade) {
		t.ExitPrice = exitPrice
		t.ExitTime = filledAt
		t.ExitTrigger = reason
		t.ExitOrderID = exitOrderID
		t.RealizedPnL = realizedPnL(t.Direction, t.EntryPrice, exitPrice, t.EntryQty)
		t.RealizedLogReturn = realizedLogReturn(t.Direction, t.EntryPrice, exitPrice)
		t.HoldingDays = holdingDays(t.EntryTime, filledAt)
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("trade closed",
		"trade_id", t.ID, "symbol", t.Symbol, "reason", reason,
		"realized_pnl", t.RealizedPnL, "holding_days", t.HoldingDays)
	return t, nil
}

func realizedPnL(dir types.Direction, entry, exit decimal.Decimal, qty int64) decimal.Decimal {
	diff := exit.Sub(entry)
	if dir == types.SELL {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(qty))
}

func realizedLogReturn(dir types.Direction, entry, exit decimal.Decimal) decimal.Decimal {
	ef, _ := entry.Float64()
	xf, _ := exit.Float64()
	if ef <= 0 || xf <= 0 {
		return decimal.Zero
	}
	lr := math.Log(xf / ef)
	if dir == types.SELL {
		lr = -lr
	}
	return decimal.NewFromFloat(lr)
}

func holdingDays(entry, exit time.Time) int {
	if exit.Before(entry) {
		return 0
	}
	return int(exit.Sub(entry).Hours() / 24)
}
