package trade

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-engine/internal/store"
	"mtf-engine/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTrade(symbol, userBrokerID string, status types.TradeStatus) *types.Trade {
	return &types.Trade{
		Meta:         types.Meta{ID: uuid.NewString()},
		UserID:       "u1",
		UserBrokerID: userBrokerID,
		IntentID:     uuid.NewString(),
		Symbol:       symbol,
		Direction:    types.BUY,
		Status:       status,
		EntryPrice:   decimal.NewFromInt(100),
		EntryQty:     10,
		EntryValue:   decimal.NewFromInt(1000),
		EntryTime:    time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC),
	}
}

func TestTransitionFollowsStatusMachine(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	c := NewCoordinator(mem, 4, discard())
	ctx := context.Background()

	tr := newTrade("TCS", "ub1", types.TradeCreated)
	require.NoError(t, c.Create(ctx, tr))

	got, err := c.Transition(ctx, tr.ID, types.TradePending, func(t *types.Trade) {
		t.BrokerOrderID = "ORD-1"
	})
	require.NoError(t, err)
	assert.Equal(t, types.TradePending, got.Status)
	assert.Equal(t, "ORD-1", got.BrokerOrderID)
	assert.False(t, got.LastBrokerUpdateAt.IsZero())

	// CREATED -> OPEN skips PENDING and must be rejected.
	tr2 := newTrade("INFY", "ub1", types.TradeCreated)
	require.NoError(t, c.Create(ctx, tr2))
	_, err = c.Transition(ctx, tr2.ID, types.TradeOpen, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	stored, err := mem.GetTrade(ctx, tr2.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TradeCreated, stored.Status)
}

func TestExitingCanFallBackToOpen(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	c := NewCoordinator(mem, 4, discard())
	ctx := context.Background()

	tr := newTrade("TCS", "ub1", types.TradeOpen)
	require.NoError(t, c.Create(ctx, tr))

	_, err := c.Transition(ctx, tr.ID, types.TradeExiting, nil)
	require.NoError(t, err)
	// Exit order rejected at the broker: the position is still live.
	got, err := c.Transition(ctx, tr.ID, types.TradeOpen, nil)
	require.NoError(t, err)
	assert.Equal(t, types.TradeOpen, got.Status)
}

func TestMutateRefusesStatusChanges(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	c := NewCoordinator(mem, 4, discard())
	ctx := context.Background()

	tr := newTrade("TCS", "ub1", types.TradeOpen)
	require.NoError(t, c.Create(ctx, tr))

	_, err := c.Mutate(ctx, tr.ID, func(t *types.Trade) error {
		t.Status = types.TradeClosed
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestCloseOnExitFillComputesRealizedFields(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	c := NewCoordinator(mem, 4, discard())
	ctx := context.Background()

	tr := newTrade("TCS", "ub1", types.TradeOpen)
	tr.EntryPrice = decimal.NewFromFloat(108.50)
	tr.EntryQty = 100
	require.NoError(t, c.Create(ctx, tr))
	_, err := c.Transition(ctx, tr.ID, types.TradeExiting, nil)
	require.NoError(t, err)

	filledAt := tr.EntryTime.Add(72 * time.Hour)
	got, err := c.CloseOnExitFill(ctx, tr.ID, decimal.NewFromFloat(111.76), types.ExitTargetHit, "XORD-1", filledAt)
	require.NoError(t, err)

	assert.Equal(t, types.TradeClosed, got.Status)
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromFloat(326.00)), "got %s", got.RealizedPnL)
	assert.Equal(t, 3, got.HoldingDays)
	assert.Equal(t, types.ExitTargetHit, got.ExitTrigger)
	assert.Equal(t, "XORD-1", got.ExitOrderID)
	lr, _ := got.RealizedLogReturn.Float64()
	assert.InDelta(t, 0.0296, lr, 0.0005)

	// Closed trades leave the active index.
	assert.False(t, c.HasActiveTrade("TCS", "ub1"))
}

func TestShortTradeRealizedPnLInverts(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	c := NewCoordinator(mem, 4, discard())
	ctx := context.Background()

	tr := newTrade("TCS", "ub1", types.TradeOpen)
	tr.Direction = types.SELL
	tr.EntryPrice = decimal.NewFromInt(100)
	tr.EntryQty = 10
	require.NoError(t, c.Create(ctx, tr))
	_, err := c.Transition(ctx, tr.ID, types.TradeExiting, nil)
	require.NoError(t, err)

	got, err := c.CloseOnExitFill(ctx, tr.ID, decimal.NewFromInt(90), types.ExitTargetHit, "XORD-2", tr.EntryTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(100)), "got %s", got.RealizedPnL)
	lr, _ := got.RealizedLogReturn.Float64()
	assert.Greater(t, lr, 0.0)
}

func TestActiveIndexTracksLifecycle(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	c := NewCoordinator(mem, 4, discard())
	ctx := context.Background()

	tr := newTrade("TCS", "ub1", types.TradeCreated)
	require.NoError(t, c.Create(ctx, tr))
	assert.True(t, c.HasActiveTrade("TCS", "ub1"))
	assert.False(t, c.HasActiveTrade("TCS", "ub2"))
	assert.False(t, c.HasActiveTrade("INFY", "ub1"))

	_, err := c.Transition(ctx, tr.ID, types.TradeRejected, nil)
	require.NoError(t, err)
	assert.False(t, c.HasActiveTrade("TCS", "ub1"))
	assert.Empty(t, c.ActiveSymbols())
}

func TestRebuildIndexFromStore(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	ctx := context.Background()

	open := newTrade("TCS", "ub1", types.TradeOpen)
	pending := newTrade("INFY", "ub2", types.TradePending)
	closed := newTrade("RELIANCE", "ub1", types.TradeClosed)
	for _, tr := range []*types.Trade{open, pending, closed} {
		require.NoError(t, mem.CreateTrade(ctx, tr))
	}

	c := NewCoordinator(mem, 4, discard())
	require.NoError(t, c.RebuildIndex(ctx))

	assert.True(t, c.HasActiveTrade("TCS", "ub1"))
	assert.True(t, c.HasActiveTrade("INFY", "ub2"))
	assert.False(t, c.HasActiveTrade("RELIANCE", "ub1"))
	assert.ElementsMatch(t, []string{open.ID}, c.ActiveTradeIDs("TCS"))
}

func TestHeartbeatOnlyTouchesTimestamp(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	c := NewCoordinator(mem, 4, discard())
	ctx := context.Background()

	tr := newTrade("TCS", "ub1", types.TradePending)
	require.NoError(t, c.Create(ctx, tr))

	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	require.NoError(t, c.Heartbeat(ctx, tr.ID))

	got, err := mem.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, fixed, got.LastBrokerUpdateAt)
	assert.Equal(t, types.TradePending, got.Status)
}
