package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-engine/pkg/types"
)

func newSignal(id, symbol string) *types.Signal {
	return &types.Signal{
		Meta:       types.Meta{ID: id},
		Symbol:     symbol,
		Direction:  types.BUY,
		SignalType: types.SignalEntry,
		SignalDay:  "2026-08-24",
		Status:     types.SignalActive,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func TestSignalDedupeKey(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateSignal(ctx, newSignal("s1", "RELIANCE")))
	assert.ErrorIs(t, m.CreateSignal(ctx, newSignal("s2", "RELIANCE")), ErrDuplicateSignal)

	// A different direction is a different key.
	s3 := newSignal("s3", "RELIANCE")
	s3.Direction = types.SELL
	require.NoError(t, m.CreateSignal(ctx, s3))

	// Once the first signal leaves ACTIVE, the key frees up.
	s1, err := m.GetSignal(ctx, "s1")
	require.NoError(t, err)
	s1.Status = types.SignalExpired
	require.NoError(t, m.UpdateSignal(ctx, s1))
	require.NoError(t, m.CreateSignal(ctx, newSignal("s4", "RELIANCE")))
}

func TestConsumeDeliveryExactlyOnce(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateSignal(ctx, newSignal("s1", "TCS")))
	d := &types.SignalDelivery{
		Meta:         types.Meta{ID: "d1"},
		SignalID:     "s1",
		UserBrokerID: "ub1",
		Status:       types.DeliveryCreated,
	}
	require.NoError(t, m.CreateDeliveries(ctx, []*types.SignalDelivery{d}))

	intent := &types.TradeIntent{
		Meta:         types.Meta{ID: "i1"},
		SignalID:     "s1",
		UserBrokerID: "ub1",
		Status:       types.IntentApproved,
	}
	require.NoError(t, m.ConsumeDelivery(ctx, "d1", intent))

	// The intent landed with the same operation.
	got, err := m.GetIntent(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, types.IntentApproved, got.Status)

	// Second consumer loses.
	second := &types.TradeIntent{Meta: types.Meta{ID: "i2"}, SignalID: "s1", UserBrokerID: "ub1"}
	assert.ErrorIs(t, m.ConsumeDelivery(ctx, "d1", second), ErrDeliveryConsumed)
	_, err = m.GetIntent(ctx, "i2")
	assert.ErrorIs(t, err, ErrNotFound)

	del, err := m.GetDelivery(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryConsumed, del.Status)
	assert.Equal(t, "i1", del.IntentID)
}

func TestSupersedeSignalExpiresOpenDeliveries(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateSignal(ctx, newSignal("s1", "INFY")))
	require.NoError(t, m.CreateDeliveries(ctx, []*types.SignalDelivery{
		{Meta: types.Meta{ID: "d1"}, SignalID: "s1", UserBrokerID: "ub1", Status: types.DeliveryCreated},
		{Meta: types.Meta{ID: "d2"}, SignalID: "s1", UserBrokerID: "ub2", Status: types.DeliveryConsumed, IntentID: "i0"},
	}))

	repl := newSignal("s2", "INFY")
	require.NoError(t, m.SupersedeSignal(ctx, "s1", repl))

	old, err := m.GetSignal(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.SignalSuperseded, old.Status)

	d1, err := m.GetDelivery(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryExpired, d1.Status)

	// Consumed deliveries are history, not expired.
	d2, err := m.GetDelivery(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryConsumed, d2.Status)

	// Superseding a non-ACTIVE signal fails.
	assert.ErrorIs(t, m.SupersedeSignal(ctx, "s1", newSignal("s3", "WIPRO")), ErrNotFound)
}

func TestTradeIntentUniqueness(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	tr := &types.Trade{Meta: types.Meta{ID: "t1"}, IntentID: "i1", UserID: "u1", Symbol: "TCS", Status: types.TradeCreated}
	require.NoError(t, m.CreateTrade(ctx, tr))

	dup := &types.Trade{Meta: types.Meta{ID: "t2"}, IntentID: "i1", UserID: "u1", Symbol: "TCS", Status: types.TradeCreated}
	assert.ErrorIs(t, m.CreateTrade(ctx, dup), ErrDuplicateIntent)

	got, err := m.GetTradeByIntent(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
}

func TestUpdateTradeVersionConflict(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	tr := &types.Trade{Meta: types.Meta{ID: "t1"}, IntentID: "i1", UserID: "u1", Symbol: "TCS", Status: types.TradeCreated}
	require.NoError(t, m.CreateTrade(ctx, tr))

	a, err := m.GetTrade(ctx, "t1")
	require.NoError(t, err)
	b, err := m.GetTrade(ctx, "t1")
	require.NoError(t, err)

	a.Status = types.TradePending
	require.NoError(t, m.UpdateTrade(ctx, a))

	b.Status = types.TradeRejected
	assert.ErrorIs(t, m.UpdateTrade(ctx, b), ErrVersionConflict)

	got, err := m.GetTrade(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TradePending, got.Status)
}

func TestMarkExitIntentPlacedSingleWinner(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	e := &types.ExitIntent{Meta: types.Meta{ID: "e1"}, TradeID: "t1", Status: types.ExitIntentApproved}
	require.NoError(t, m.CreateExitIntent(ctx, e))

	now := time.Now()
	won, err := m.MarkExitIntentPlaced(ctx, "e1", "ord-1", now)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = m.MarkExitIntentPlaced(ctx, "e1", "ord-2", now)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := m.GetExitIntent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, types.ExitIntentPlaced, got.Status)
	assert.Equal(t, "ord-1", got.BrokerOrderID)
}

func TestOAuthStateSingleUse(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.CreateOAuthState(ctx, &types.OAuthState{
		Meta:         types.Meta{ID: "o1"},
		State:        "abc",
		UserBrokerID: "ub1",
		ExpiresAt:    now.Add(10 * time.Minute),
	}))

	got, err := m.ConsumeOAuthState(ctx, "abc", now)
	require.NoError(t, err)
	assert.Equal(t, "ub1", got.UserBrokerID)

	_, err = m.ConsumeOAuthState(ctx, "abc", now)
	assert.ErrorIs(t, err, ErrStateUsed)

	// Expired states are not consumable and get swept.
	require.NoError(t, m.CreateOAuthState(ctx, &types.OAuthState{
		Meta: types.Meta{ID: "o2"}, State: "old", UserBrokerID: "ub1",
		ExpiresAt: now.Add(-time.Minute),
	}))
	_, err = m.ConsumeOAuthState(ctx, "old", now)
	assert.ErrorIs(t, err, ErrStateUsed)

	n, err := m.SweepOAuthStates(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGetActiveSessionPicksLatest(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.SaveSession(ctx, &types.Session{
		Meta: types.Meta{ID: "sess1"}, UserBrokerID: "ub1", AccessToken: "old",
		ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, m.SaveSession(ctx, &types.Session{
		Meta: types.Meta{ID: "sess2"}, UserBrokerID: "ub1", AccessToken: "new",
		ExpiresAt: now.Add(6 * time.Hour),
	}))
	require.NoError(t, m.SaveSession(ctx, &types.Session{
		Meta: types.Meta{ID: "sess3"}, UserBrokerID: "ub1", AccessToken: "expired",
		ExpiresAt: now.Add(-time.Hour),
	}))

	s, err := m.GetActiveSession(ctx, "ub1")
	require.NoError(t, err)
	assert.Equal(t, "new", s.AccessToken)

	_, err = m.GetActiveSession(ctx, "ub2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPortfolioContextAggregation(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	m.AddPortfolio(&types.Portfolio{
		Meta:             types.Meta{ID: "p1"},
		UserID:           "u1",
		TotalCapital:     decimal.NewFromInt(1_000_000),
		AvailableCapital: decimal.NewFromInt(800_000),
	})

	require.NoError(t, m.CreateTrade(ctx, &types.Trade{
		Meta: types.Meta{ID: "t1"}, IntentID: "i1", UserID: "u1", Symbol: "TCS",
		Status: types.TradeOpen, EntryValue: decimal.NewFromInt(50_000),
	}))
	require.NoError(t, m.CreateTrade(ctx, &types.Trade{
		Meta: types.Meta{ID: "t2"}, IntentID: "i2", UserID: "u1", Symbol: "INFY",
		Status: types.TradePending, EntryValue: decimal.NewFromInt(30_000),
	}))
	require.NoError(t, m.CreateTrade(ctx, &types.Trade{
		Meta: types.Meta{ID: "t3"}, IntentID: "i3", UserID: "u1", Symbol: "WIPRO",
		Status: types.TradeClosed, RealizedPnL: decimal.NewFromInt(-2_500),
	}))
	// Another user's trades do not count.
	require.NoError(t, m.CreateTrade(ctx, &types.Trade{
		Meta: types.Meta{ID: "t4"}, IntentID: "i4", UserID: "u2", Symbol: "TCS",
		Status: types.TradeOpen, EntryValue: decimal.NewFromInt(99_000),
	}))

	pc, err := m.GetPortfolioContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, pc.OpenTradeCount)
	assert.True(t, pc.CurrentExposure.Equal(decimal.NewFromInt(80_000)), "exposure %s", pc.CurrentExposure)
	assert.True(t, pc.DailyLoss.Equal(decimal.NewFromInt(2_500)), "daily loss %s", pc.DailyLoss)
	assert.True(t, pc.WeeklyLoss.Equal(decimal.NewFromInt(2_500)))
}

func TestWatchlistUnion(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	m.AddWatchlistSymbol("u1", "TCS")
	m.AddWatchlistSymbol("u1", "INFY")
	m.AddWatchlistSymbol("u2", "TCS")
	m.AddWatchlistSymbol("u2", "RELIANCE")

	syms, err := m.ListWatchlistSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"INFY", "RELIANCE", "TCS"}, syms)
}

func TestUpsertInstrumentsMergesBrokerTokens(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	_, err := m.UpsertInstruments(ctx, []types.Instrument{{
		Exchange: "NSE", TradingSymbol: "TCS",
		BrokerTokens: map[types.BrokerCode]string{types.BrokerZerodha: "z-1"},
	}})
	require.NoError(t, err)

	_, err = m.UpsertInstruments(ctx, []types.Instrument{{
		Exchange: "NSE", TradingSymbol: "TCS",
		BrokerTokens: map[types.BrokerCode]string{types.BrokerDhan: "d-9"},
	}})
	require.NoError(t, err)

	ins, err := m.ListInstruments(ctx)
	require.NoError(t, err)
	require.Len(t, ins, 1)
	assert.Equal(t, "z-1", ins[0].BrokerTokens[types.BrokerZerodha])
	assert.Equal(t, "d-9", ins[0].BrokerTokens[types.BrokerDhan])
}

func TestCandleUpsertAndRangeQuery(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 9, 15, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.SaveCandle(ctx, &types.Candle{
			Symbol: "TCS", Timeframe: types.TF5m,
			OpenTime: base.Add(time.Duration(i) * 5 * time.Minute),
			Close:    decimal.NewFromInt(int64(100 + i)),
			Final:    true,
		}))
	}
	// Overwriting the same bar replaces, not duplicates.
	require.NoError(t, m.SaveCandle(ctx, &types.Candle{
		Symbol: "TCS", Timeframe: types.TF5m, OpenTime: base,
		Close: decimal.NewFromInt(999), Final: true,
	}))

	got, err := m.ListCandles(ctx, "TCS", types.TF5m, base, base.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Close.Equal(decimal.NewFromInt(999)))
}
