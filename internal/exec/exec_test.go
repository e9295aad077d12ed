package exec

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

	"mtf-engine/internal/broker"
	"mtf-engine/internal/config"
	"mtf-engine/internal/events"
	"mtf-engine/internal/store"
	"mtf-engine/internal/trade"
	"mtf-engine/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func riskDefaults() config.RiskConfig {
	return config.RiskConfig{
		RequireTripleConfluence: true,
		MinPWin:                 0.55,
		MinKelly:                0.02,
		MinQty:                  1,
		MinTradeValue:           1000,
		MaxTradeValue:           200000,
		MaxExposurePct:          0.80,
		MaxOpenTrades:           10,
		MaxTradeLogLoss:         0.05,
		MaxPortfolioLogLoss:     0.20,
		DailyLossLimitPct:       0.03,
		WeeklyLossLimitPct:      0.06,
	}
}

type staticPorts struct{ port broker.Port }

func (s staticPorts) Get(_ *types.UserBroker) (broker.Port, error) { return s.port, nil }

type fixture struct {
	mem   *store.Memory
	bus   *events.Bus
	mock  *broker.Mock
	coord *trade.Coordinator
	orch  *Orchestrator
	exec  *Executor
	ub    *types.UserBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	bus := events.NewBus(discard())
	mock := broker.NewMock()
	mock.SetLTP("SBIN", decimal.NewFromFloat(500.00))
	coord := trade.NewCoordinator(mem, 4, discard())

	ub := &types.UserBroker{
		Meta:           types.Meta{ID: uuid.NewString()},
		UserID:         "u1",
		BrokerID:       "b1",
		BrokerCode:     types.BrokerMock,
		Role:           types.RoleExec,
		State:          types.UserBrokerConnected,
		AllowedSymbols: []string{"SBIN"},
	}
	mem.AddUserBroker(ub)
	mem.AddPortfolio(&types.Portfolio{
		Meta:             types.Meta{ID: "p1"},
		UserID:           "u1",
		TotalCapital:     decimal.NewFromInt(100000),
		AvailableCapital: decimal.NewFromInt(100000),
	})

	ports := staticPorts{port: mock}
	v := NewValidator(riskDefaults(), NewKellySizer(riskDefaults()), coord)
	orch := NewOrchestrator(mem, bus, v, ports, 2, time.Second, discard())
	ex := NewExecutor(mem, coord, bus, ports, Gates{TradingEnabled: true, OrderExecutionEnabled: true}, time.Second, discard())
	return &fixture{mem: mem, bus: bus, mock: mock, coord: coord, orch: orch, exec: ex, ub: ub}
}

func (f *fixture) seedSignal(t *testing.T) (*types.Signal, *types.SignalDelivery) {
	t.Helper()
	ctx := context.Background()
	s := &types.Signal{
		Meta:           types.Meta{ID: uuid.NewString()},
		Symbol:         "SBIN",
		Direction:      types.BUY,
		SignalType:     types.SignalEntry,
		SignalDay:      "2026-08-24",
		Confluence:     types.ConfluenceTriple,
		PWin:           decimal.NewFromFloat(0.62),
		Kelly:          decimal.NewFromFloat(0.08),
		RefPrice:       decimal.NewFromFloat(500.00),
		EntryLow:       decimal.NewFromFloat(495.00),
		EntryHigh:      decimal.NewFromFloat(505.00),
		EffectiveFloor: decimal.NewFromFloat(490.00),
		EffectiveCeil:  decimal.NewFromFloat(520.00),
		ExpiresAt:      time.Now().Add(time.Hour),
		Status:         types.SignalActive,
	}
	require.NoError(t, f.mem.CreateSignal(ctx, s))
	d := &types.SignalDelivery{
		Meta:         types.Meta{ID: uuid.NewString()},
		SignalID:     s.ID,
		UserBrokerID: f.ub.ID,
		UserID:       "u1",
		Status:       types.DeliveryCreated,
	}
	require.NoError(t, f.mem.CreateDeliveries(ctx, []*types.SignalDelivery{d}))
	return s, d
}

func approvedIntent(t *testing.T, f *fixture) *types.TradeIntent {
	t.Helper()
	ctx := context.Background()
	ins, err := f.mem.ListIntentsByStatus(ctx, types.IntentApproved)
	require.NoError(t, err)
	require.Len(t, ins, 1)
	return ins[0]
}

func TestOrchestratorApprovesAndConsumesDelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.seedSignal(t)

	f.orch.Cycle(ctx)

	got, err := f.mem.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryConsumed, got.Status)
	require.NotEmpty(t, got.IntentID)

	in, err := f.mem.GetIntent(ctx, got.IntentID)
	require.NoError(t, err)
	assert.Equal(t, types.IntentApproved, in.Status)
	assert.True(t, in.ValidationPassed)
	// 8% Kelly of 100k at 500 = 16 shares.
	assert.Equal(t, int64(16), in.CalculatedQty)
	assert.True(t, in.CalculatedValue.Equal(decimal.NewFromInt(8000)))
}

func TestOrchestratorRejectsWeakSignal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	s, d := f.seedSignal(t)
	s.Confluence = types.ConfluenceSingle
	s.PWin = decimal.NewFromFloat(0.40)
	require.NoError(t, f.mem.UpdateSignal(ctx, s))

	f.orch.Cycle(ctx)

	got, err := f.mem.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	// The delivery is consumed either way; the intent records why it failed.
	assert.Equal(t, types.DeliveryConsumed, got.Status)

	in, err := f.mem.GetIntent(ctx, got.IntentID)
	require.NoError(t, err)
	assert.Equal(t, types.IntentRejected, in.Status)
	codes := map[string]bool{}
	for _, e := range in.Errors {
		codes[e.Code] = true
	}
	assert.True(t, codes[CodeConfluenceTooLow])
	assert.True(t, codes[CodePWinTooLow])
}

func TestOrchestratorExpiresDeliveryOfDeadSignal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	s, d := f.seedSignal(t)
	s.Status = types.SignalCancelled
	require.NoError(t, f.mem.UpdateSignal(ctx, s))

	f.orch.Cycle(ctx)

	got, err := f.mem.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryExpired, got.Status)
	assert.Empty(t, got.IntentID)
}

func TestExecutorPlacesOrderAndMovesTradeToPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.seedSignal(t)
	f.mock.Script(broker.MockOutcome{Hang: true})

	f.orch.Cycle(ctx)
	in := approvedIntent(t, f)
	f.exec.Cycle(ctx)

	tr, err := f.mem.GetTradeByIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TradePending, tr.Status)
	assert.NotEmpty(t, tr.BrokerOrderID)
	assert.Equal(t, in.ID, tr.ClientOrderID)
	assert.Equal(t, s.ID, tr.SignalID)
	assert.Equal(t, in.ID, f.mock.OrderTag(tr.BrokerOrderID))
	assert.True(t, tr.Target.Equal(decimal.NewFromInt(520)))

	after, err := f.mem.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IntentExecuted, after.Status)
	assert.True(t, f.coord.HasActiveTrade("SBIN", f.ub.ID))
}

func TestExecutorBrokerRejectionIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.seedSignal(t)
	f.mock.Script(broker.MockOutcome{Reject: "RMS:MARGIN_SHORTFALL"})

	f.orch.Cycle(ctx)
	in := approvedIntent(t, f)
	f.exec.Cycle(ctx)

	tr, err := f.mem.GetTradeByIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TradeRejected, tr.Status)
	assert.Equal(t, "RMS:MARGIN_SHORTFALL", tr.ErrorCode)

	after, err := f.mem.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IntentFailed, after.Status)

	// No retry on the next cycle.
	calls := f.mock.PlaceCalls()
	f.exec.Cycle(ctx)
	assert.Equal(t, calls, f.mock.PlaceCalls())

	// The delivery stays consumed.
	got, err := f.mem.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryConsumed, got.Status)
}

func TestExecutorHonorsTradingDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seedSignal(t)
	f.orch.Cycle(ctx)

	f.exec.gates.TradingEnabled = false
	f.exec.Cycle(ctx)

	assert.Equal(t, 0, f.mock.PlaceCalls())
	in := approvedIntent(t, f)
	assert.Equal(t, types.IntentApproved, in.Status)
}

func TestExecutorSkipsReadOnlyAdapter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seedSignal(t)
	f.orch.Cycle(ctx)
	f.mock.SetCanPlaceOrders(false)

	f.exec.Cycle(ctx)

	assert.Equal(t, 0, f.mock.PlaceCalls())
	in := approvedIntent(t, f)
	assert.Equal(t, types.IntentApproved, in.Status)

	// Back to normal once the feed recovers.
	f.mock.SetCanPlaceOrders(true)
	f.exec.Cycle(ctx)
	assert.Equal(t, 1, f.mock.PlaceCalls())
}

func TestExecutorResumesAfterCrashWithoutDuplicatePlacement(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seedSignal(t)
	f.orch.Cycle(ctx)
	in := approvedIntent(t, f)

	// First run placed the order but died before marking the intent.
	require.NoError(t, f.exec.Execute(ctx, in))
	tr, err := f.mem.GetTradeByIntent(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, types.TradePending, tr.Status)
	in.Status = types.IntentApproved
	require.NoError(t, f.mem.UpdateIntent(ctx, in))

	// Restart: the executor sees the existing trade and does not place again.
	f.exec.Cycle(ctx)
	assert.Equal(t, 1, f.mock.PlaceCalls())
	after, err := f.mem.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IntentExecuted, after.Status)
}

func TestValidatorRejectsDuplicateOpenTrade(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seedSignal(t)

	require.NoError(t, f.coord.Create(ctx, &types.Trade{
		Meta:         types.Meta{ID: uuid.NewString()},
		UserID:       "u1",
		UserBrokerID: f.ub.ID,
		IntentID:     uuid.NewString(),
		Symbol:       "SBIN",
		Direction:    types.BUY,
		Status:       types.TradeOpen,
		EntryPrice:   decimal.NewFromInt(500),
		EntryQty:     10,
	}))

	f.orch.Cycle(ctx)

	ins, err := f.mem.ListIntentsByStatus(ctx, types.IntentRejected)
	require.NoError(t, err)
	require.Len(t, ins, 1)
	codes := map[string]bool{}
	for _, e := range ins[0].Errors {
		codes[e.Code] = true
	}
	assert.True(t, codes[CodeDuplicateTrade])
}

func TestKellySizerCapsAtAvailableCapital(t *testing.T) {
	t.Parallel()
	s := &types.Signal{
		Kelly:          decimal.NewFromFloat(0.50),
		RefPrice:       decimal.NewFromInt(100),
		EffectiveFloor: decimal.NewFromInt(95),
	}
	pc := &types.PortfolioContext{
		TotalCapital:     decimal.NewFromInt(100000),
		AvailableCapital: decimal.NewFromInt(10000),
	}

	res, err := NewKellySizer(riskDefaults()).Size(context.Background(), s, pc)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Quantity)
	assert.Equal(t, "AVAILABLE_CAPITAL", res.LimitingConstraint)
}
