package signal

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-engine/internal/events"
	"mtf-engine/internal/store"
	"mtf-engine/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubDetector struct {
	candidates []types.SignalCandidate
	calls      int
}

func (d *stubDetector) Detect(_ context.Context, _ string, _ map[types.Timeframe][]types.Candle) ([]types.SignalCandidate, error) {
	d.calls++
	return d.candidates, nil
}

func testCoordinator(t *testing.T, mem *store.Memory, det Detector) *Coordinator {
	t.Helper()
	c := NewCoordinator(mem, events.NewBus(discard()), det, Options{
		Timeframes: []types.Timeframe{types.TF5m},
		Lookback:   50,
		Partitions: 4,
		ExchangeTZ: time.UTC,
	}, discard())
	c.now = func() time.Time { return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) }
	return c
}

func pairing(role types.UserBrokerRole, state types.UserBrokerState, paused bool, symbols ...string) *types.UserBroker {
	return &types.UserBroker{
		Meta:           types.Meta{ID: uuid.NewString()},
		UserID:         uuid.NewString(),
		BrokerCode:     types.BrokerMock,
		Role:           role,
		State:          state,
		Paused:         paused,
		AllowedSymbols: symbols,
	}
}

func candidate(symbol string, ref float64) types.SignalCandidate {
	return types.SignalCandidate{
		Symbol:     symbol,
		Direction:  types.BUY,
		SignalType: types.SignalEntry,
		Confluence: types.ConfluenceDouble,
		RefPrice:   decimal.NewFromFloat(ref),
		EntryLow:   decimal.NewFromFloat(ref * 0.99),
		EntryHigh:  decimal.NewFromFloat(ref * 1.01),
		Reason:     "zone retest",
		TTL:        30 * time.Minute,
	}
}

func TestPublishFansOutToEligiblePairingsOnly(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	eligible1 := pairing(types.RoleExec, types.UserBrokerConnected, false, "TCS")
	eligible2 := pairing(types.RoleExec, types.UserBrokerConnected, false, "TCS", "INFY")
	dataOnly := pairing(types.RoleData, types.UserBrokerConnected, false, "TCS")
	paused := pairing(types.RoleExec, types.UserBrokerConnected, true, "TCS")
	disconnected := pairing(types.RoleExec, types.UserBrokerLoginRequired, false, "TCS")
	wrongSymbol := pairing(types.RoleExec, types.UserBrokerConnected, false, "INFY")
	for _, ub := range []*types.UserBroker{eligible1, eligible2, dataOnly, paused, disconnected, wrongSymbol} {
		mem.AddUserBroker(ub)
	}

	c := testCoordinator(t, mem, &stubDetector{})
	require.NoError(t, c.PublishCandidate(context.Background(), candidate("TCS", 4000)))

	active, err := mem.ListActiveSignals(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "2026-08-24", active[0].SignalDay)
	assert.Equal(t, types.SignalActive, active[0].Status)

	ds, err := mem.ListDeliveriesForSignal(context.Background(), active[0].ID)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	got := map[string]bool{}
	for _, d := range ds {
		got[d.UserBrokerID] = true
		assert.Equal(t, types.DeliveryCreated, d.Status)
	}
	assert.True(t, got[eligible1.ID])
	assert.True(t, got[eligible2.ID])
}

func TestDuplicateCandidateIsDroppedSilently(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	mem.AddUserBroker(pairing(types.RoleExec, types.UserBrokerConnected, false, "TCS"))

	c := testCoordinator(t, mem, &stubDetector{})
	ctx := context.Background()
	require.NoError(t, c.PublishCandidate(ctx, candidate("TCS", 4000)))
	// Same band, same reference: nothing an executor would do differently.
	require.NoError(t, c.PublishCandidate(ctx, candidate("TCS", 4000)))

	active, err := mem.ListActiveSignals(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	ds, err := mem.ListDeliveriesForSignal(ctx, active[0].ID)
	require.NoError(t, err)
	assert.Len(t, ds, 1)
}

func TestMateriallyDifferentCandidateSupersedes(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	mem.AddUserBroker(pairing(types.RoleExec, types.UserBrokerConnected, false, "TCS"))

	c := testCoordinator(t, mem, &stubDetector{})
	ctx := context.Background()
	require.NoError(t, c.PublishCandidate(ctx, candidate("TCS", 4000)))

	first, err := mem.ListActiveSignals(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)
	oldID := first[0].ID

	require.NoError(t, c.PublishCandidate(ctx, candidate("TCS", 4100)))

	old, err := mem.GetSignal(ctx, oldID)
	require.NoError(t, err)
	assert.Equal(t, types.SignalSuperseded, old.Status)

	// The old signal's unconsumed deliveries expired with it.
	oldDs, err := mem.ListDeliveriesForSignal(ctx, oldID)
	require.NoError(t, err)
	require.Len(t, oldDs, 1)
	assert.Equal(t, types.DeliveryExpired, oldDs[0].Status)

	active, err := mem.ListActiveSignals(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.NotEqual(t, oldID, active[0].ID)
	assert.True(t, active[0].RefPrice.Equal(decimal.NewFromInt(4100)))

	newDs, err := mem.ListDeliveriesForSignal(ctx, active[0].ID)
	require.NoError(t, err)
	assert.Len(t, newDs, 1)
}

func TestDirectionChangeIsANewSignalNotASupersession(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	mem.AddUserBroker(pairing(types.RoleExec, types.UserBrokerConnected, false, "TCS"))

	c := testCoordinator(t, mem, &stubDetector{})
	ctx := context.Background()
	require.NoError(t, c.PublishCandidate(ctx, candidate("TCS", 4000)))

	sell := candidate("TCS", 4000)
	sell.Direction = types.SELL
	require.NoError(t, c.PublishCandidate(ctx, sell))

	active, err := mem.ListActiveSignals(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestExpireSweepRetiresSignalAndOpenDeliveries(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	mem.AddUserBroker(pairing(types.RoleExec, types.UserBrokerConnected, false, "TCS"))

	c := testCoordinator(t, mem, &stubDetector{})
	ctx := context.Background()
	short := candidate("TCS", 4000)
	short.TTL = 10 * time.Minute
	require.NoError(t, c.PublishCandidate(ctx, short))

	c.now = func() time.Time { return time.Date(2026, 8, 24, 10, 11, 0, 0, time.UTC) }
	c.ExpireSweep(ctx)

	active, err := mem.ListActiveSignals(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestExpireSweepLeavesConsumedDeliveriesAlone(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	ub := pairing(types.RoleExec, types.UserBrokerConnected, false, "TCS")
	mem.AddUserBroker(ub)

	c := testCoordinator(t, mem, &stubDetector{})
	ctx := context.Background()
	short := candidate("TCS", 4000)
	short.TTL = 10 * time.Minute
	require.NoError(t, c.PublishCandidate(ctx, short))

	active, err := mem.ListActiveSignals(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	ds, err := mem.ListDeliveriesForSignal(ctx, active[0].ID)
	require.NoError(t, err)
	require.Len(t, ds, 1)

	intent := &types.TradeIntent{
		Meta:         types.Meta{ID: uuid.NewString()},
		SignalID:     active[0].ID,
		UserBrokerID: ub.ID,
		UserID:       ub.UserID,
		Status:       types.IntentPending,
	}
	require.NoError(t, mem.ConsumeDelivery(ctx, ds[0].ID, intent))

	c.now = func() time.Time { return time.Date(2026, 8, 24, 10, 11, 0, 0, time.UTC) }
	c.ExpireSweep(ctx)

	after, err := mem.ListDeliveriesForSignal(ctx, active[0].ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, types.DeliveryConsumed, after[0].Status)
}

func TestPartitionOfIsStableAndInRange(t *testing.T) {
	t.Parallel()
	for _, sym := range []string{"TCS", "INFY", "RELIANCE", "HDFCBANK"} {
		p := partitionOf(sym, 8)
		assert.Equal(t, p, partitionOf(sym, 8))
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
	}
}
