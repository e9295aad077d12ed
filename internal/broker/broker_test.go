package broker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMapBrokerStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want OrderState
	}{
		{"COMPLETE", StateFilled},
		{"FILLED", StateFilled},
		{"TRADED", StateFilled},
		{"REJECTED", StateRejected},
		{"CANCELLED", StateCancelled},
		{"CANCELED", StateCancelled},
		{"PUT ORDER REQ RECEIVED", StatePlaced},
		{"VALIDATION PENDING", StatePlaced},
		{"OPEN PENDING", StatePlaced},
		{"TRIGGER PENDING", StatePlaced},
		{"OPEN", StatePending},
		{"PENDING", StatePending},
		{"SOME_NEW_STATUS", StatePending}, // unknown defaults to PENDING
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MapBrokerStatus(tc.raw), "raw=%s", tc.raw)
	}
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	err := Rejected("RMS:MARGIN_SHORTFALL", "margin shortfall")
	assert.True(t, IsKind(err, KindBrokerRejected))
	assert.Equal(t, "RMS:MARGIN_SHORTFALL", CodeOf(err))
	assert.Contains(t, err.Error(), "RMS:MARGIN_SHORTFALL")

	plain := E(KindTimeout, "deadline after %s", time.Second)
	assert.Equal(t, KindTimeout, KindOf(plain))
	assert.Empty(t, CodeOf(plain))

	assert.Equal(t, KindExecutionError, KindOf(context.Canceled))
}

func TestTokenBucketTryTake(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(2, 0.001) // effectively no refill inside the test
	assert.True(t, tb.TryTake())
	assert.True(t, tb.TryTake())
	assert.False(t, tb.TryTake())
}

func TestTokenBucketWaitRefills(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 100) // refills in ~10ms
	require.NoError(t, tb.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tb.Wait(ctx))
}

func TestTokenBucketWaitCancelled(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 0.001)
	require.NoError(t, tb.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tb.Wait(ctx), context.DeadlineExceeded)
}

func TestLimitsAcquiresAllHorizons(t *testing.T) {
	t.Parallel()

	l := NewLimits(10, 200, 3000)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx))
	}
}

func TestMockFillsAtLTPByDefault(t *testing.T) {
	t.Parallel()

	m := NewMock()
	m.SetLTP("RELIANCE", decimal.NewFromFloat(2500.50))

	placed, err := m.PlaceOrder(context.Background(), OrderRequest{
		Symbol:      "RELIANCE",
		Exchange:    "NSE",
		Transaction: types.BUY,
		OrderType:   types.OrderMarket,
		ProductType: types.ProductCNC,
		Quantity:    10,
		Validity:    types.ValidityDay,
		Tag:         "intent-1",
	})
	require.NoError(t, err)

	st, err := m.GetOrderStatus(context.Background(), placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, st.State)
	assert.Equal(t, int64(10), st.FilledQty)
	assert.True(t, st.AveragePrice.Equal(decimal.NewFromFloat(2500.50)))
	assert.Equal(t, "intent-1", m.OrderTag(placed.OrderID))
}

func TestMockScriptedRejection(t *testing.T) {
	t.Parallel()

	m := NewMock()
	m.Script(MockOutcome{Reject: "RMS:MARGIN_SHORTFALL"})

	_, err := m.PlaceOrder(context.Background(), OrderRequest{Symbol: "TCS", Quantity: 5})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindBrokerRejected))
	assert.Equal(t, "RMS:MARGIN_SHORTFALL", CodeOf(err))

	// Script consumed; next order fills normally.
	m.SetLTP("TCS", decimal.NewFromInt(4000))
	placed, err := m.PlaceOrder(context.Background(), OrderRequest{Symbol: "TCS", Quantity: 5})
	require.NoError(t, err)
	st, err := m.GetOrderStatus(context.Background(), placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, st.State)
}

func TestMockHangingOrderLifecycle(t *testing.T) {
	t.Parallel()

	m := NewMock()
	m.Script(MockOutcome{Hang: true})

	placed, err := m.PlaceOrder(context.Background(), OrderRequest{Symbol: "INFY", Quantity: 20})
	require.NoError(t, err)

	open, err := m.ListOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, StatePending, open[0].State)
	assert.Equal(t, int64(20), open[0].PendingQty)

	require.NoError(t, m.FillOrder(placed.OrderID, decimal.NewFromFloat(1550.25)))

	st, err := m.GetOrderStatus(context.Background(), placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, st.State)
	assert.Equal(t, int64(20), st.FilledQty)
	assert.Zero(t, st.PendingQty)

	open, err = m.ListOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMockReadOnlyMode(t *testing.T) {
	t.Parallel()

	m := NewMock()
	assert.True(t, m.CanPlaceOrders())
	m.SetCanPlaceOrders(false)
	assert.False(t, m.CanPlaceOrders())

	_, err := m.PlaceOrder(context.Background(), OrderRequest{Symbol: "TCS", Quantity: 1})
	assert.True(t, IsKind(err, KindConnection))
}

func TestMockInjectTickDeliversToSubscriber(t *testing.T) {
	t.Parallel()

	m := NewMock()
	var got []types.Tick
	require.NoError(t, m.SubscribeTicks(context.Background(), []string{"RELIANCE"}, func(tk types.Tick) {
		got = append(got, tk)
	}))

	m.InjectTick(types.Tick{Symbol: "RELIANCE", LastPrice: decimal.NewFromInt(2500)})
	m.InjectTick(types.Tick{Symbol: "TCS", LastPrice: decimal.NewFromInt(4000)}) // not subscribed

	require.Len(t, got, 1)
	assert.Equal(t, "RELIANCE", got[0].Symbol)

	ltp, err := m.GetLTP(context.Background(), "TCS")
	require.NoError(t, err)
	assert.True(t, ltp.Equal(decimal.NewFromInt(4000)))
}

func TestProductTranslationRoundTrips(t *testing.T) {
	t.Parallel()

	tables := map[string]map[types.ProductType]string{
		"zerodha": zerodhaProducts,
		"fyers":   fyersProducts,
		"upstox":  upstoxProducts,
		"dhan":    dhanProducts,
	}
	for name, table := range tables {
		for _, pt := range []types.ProductType{types.ProductCNC, types.ProductMIS, types.ProductNRML} {
			code, ok := table[pt]
			require.True(t, ok, "%s missing %s", name, pt)
			assert.Equal(t, pt, reverseProduct(table, code), "%s %s", name, pt)
		}
		// Every table books MTF under something.
		_, ok := table[types.ProductMTF]
		assert.True(t, ok, "%s missing MTF", name)
	}
}

func TestReverseProductUnknownFallsBackToNRML(t *testing.T) {
	t.Parallel()
	assert.Equal(t, types.ProductNRML, reverseProduct(zerodhaProducts, "WHATEVER"))
}

func TestParseCandleRow(t *testing.T) {
	t.Parallel()

	c, err := parseCandleRow("RELIANCE", types.TF5m, []any{
		"2026-08-24T09:15:00+05:30", 2500.0, 2510.5, 2495.0, 2505.25, 120000.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE", c.Symbol)
	assert.True(t, c.Open.Equal(decimal.NewFromInt(2500)))
	assert.True(t, c.High.Equal(decimal.NewFromFloat(2510.5)))
	assert.Equal(t, int64(120000), c.Volume)
	assert.True(t, c.Final)
	assert.Equal(t, 5*time.Minute, c.CloseTime.Sub(c.OpenTime))

	// Epoch-seconds timestamps also parse.
	c2, err := parseCandleRow("TCS", types.TF1m, []any{1756008900.0, 1.0, 2.0, 0.5, 1.5, 10.0})
	require.NoError(t, err)
	assert.Equal(t, int64(1756008900), c2.OpenTime.Unix())

	_, err = parseCandleRow("TCS", types.TF1m, []any{"bad", 1.0, 2.0})
	assert.Error(t, err)
}

func TestParseZerodhaTicks(t *testing.T) {
	t.Parallel()

	frame := []byte(`{"type":"ticks","ticks":[{
		"tradingsymbol":"RELIANCE","last_price":2500.5,"volume_traded":1000,
		"ohlc":{"open":2490,"high":2510,"low":2480,"close":2495},
		"depth":{"buy":[{"price":2500.4}],"sell":[{"price":2500.6}]},
		"exchange_timestamp":1756008900}]}`)

	ticks, err := parseZerodhaTicks(frame)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	tk := ticks[0]
	assert.Equal(t, "RELIANCE", tk.Symbol)
	assert.True(t, tk.LastPrice.Equal(decimal.NewFromFloat(2500.5)))
	assert.True(t, tk.Bid.Equal(decimal.NewFromFloat(2500.4)))
	assert.True(t, tk.Ask.Equal(decimal.NewFromFloat(2500.6)))
	assert.Equal(t, int64(1756008900), tk.BrokerTime.Unix())

	// Non-tick frames are silently skipped.
	ticks, err = parseZerodhaTicks([]byte(`{"type":"order_update"}`))
	require.NoError(t, err)
	assert.Empty(t, ticks)
}

func TestParseFyersTicks(t *testing.T) {
	t.Parallel()

	ticks, err := parseFyersTicks([]byte(`{"type":"sf","symbol":"NSE:INFY-EQ","ltp":1550.25,"vol_traded_today":500,"exch_feed_time":1756008900}`))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, "INFY", ticks[0].Symbol)
	assert.True(t, ticks[0].LastPrice.Equal(decimal.NewFromFloat(1550.25)))

	ticks, err = parseFyersTicks([]byte(`{"type":"cn"}`))
	require.NoError(t, err)
	assert.Empty(t, ticks)
}

func TestRegistryReusesAdapters(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(5, func(string) TokenSource { return StaticToken("tok") }, testLogger())

	ub := &types.UserBroker{
		Meta:       types.Meta{ID: "ub-1"},
		BrokerCode: types.BrokerMock,
	}
	a, err := reg.Get(ub)
	require.NoError(t, err)
	b, err := reg.Get(ub)
	require.NoError(t, err)
	assert.Same(t, a, b)

	reg.Remove("ub-1")
	c, err := reg.Get(ub)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestRegistryUnknownBroker(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(5, func(string) TokenSource { return StaticToken("tok") }, testLogger())
	_, err := reg.Get(&types.UserBroker{Meta: types.Meta{ID: "ub-x"}, BrokerCode: types.BrokerCode("ACME")})
	assert.Error(t, err)
}
