package engine

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

	"mtf-engine/internal/config"
	"mtf-engine/internal/events"
	"mtf-engine/internal/signal"
	"mtf-engine/internal/store"
	"mtf-engine/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		OrderExecutionEnabled: true,
		TradingEnabled:        true,
		ReleaseReadiness:      config.ReadinessBeta,
		RunMode:               config.RunFull,
		DataFeedBroker:        "MOCK",
		OrderBroker:           "MOCK",
		Port:                  0,
		RelayPort:             0,
		DB:                    config.DBConfig{URL: "postgres://localhost/mtf"},
		Feed: config.FeedConfig{
			ShortDedupeWindow: 2 * time.Second,
			LongDedupeWindow:  time.Minute,
			ListenerBuffer:    16,
			WSBatchFlushMs:    250,
		},
		Session: config.SessionConfig{
			RefreshWindow: 5 * time.Minute,
			RetryInterval: 30 * time.Second,
			StateTTL:      15 * time.Minute,
			CleanupEvery:  10 * time.Minute,
			ExpirySkew:    time.Minute,
		},
		Engine: config.EngineConfig{
			SignalPartitions:    4,
			TradePartitions:     4,
			OrchestratorWorkers: 2,
			OrchestratorEvery:   time.Second,
			ExecutorEvery:       time.Second,
			ReconcileEvery:      time.Second,
			ReconcileOffset:     500 * time.Millisecond,
			PendingTimeout:      10 * time.Minute,
			BrokerPermits:       5,
			BrokerCallTimeout:   10 * time.Second,
			CandleFinalizeEvery: 2 * time.Second,
			SignalSweepEvery:    time.Minute,
			WatchdogEvery:       time.Minute,
			InstrumentRefreshAt: "08:30",
			ExchangeTimezone:    "Asia/Kolkata",
			MTFLookback:         50,
		},
		Risk: config.RiskConfig{
			DailyLossLimitPct: 0.03,
		},
		Exit: config.ExitConfig{
			TrailingActivationPct: 0.02,
			TrailingDistancePct:   0.03,
			MaxHoldingDays:        10,
			ExitOrderTimeout:      10 * time.Minute,
		},
	}
}

func TestNewWiresEveryComponent(t *testing.T) {
	t.Parallel()
	e, err := New(testConfig(), store.NewMemory(), signal.NopDetector{}, discard())
	require.NoError(t, err)

	assert.NotNil(t, e.bus)
	assert.NotNil(t, e.sessions)
	assert.NotNil(t, e.registry)
	assert.NotNil(t, e.intake)
	assert.NotNil(t, e.builder)
	assert.NotNil(t, e.signals)
	assert.NotNil(t, e.trades)
	assert.NotNil(t, e.orch)
	assert.NotNil(t, e.executor)
	assert.NotNil(t, e.exitSvc)
	assert.NotNil(t, e.exitExec)
	assert.NotNil(t, e.pendRec)
	assert.NotNil(t, e.exitRec)
	assert.NotNil(t, e.gate)
	assert.NotNil(t, e.sched)
	assert.NotNil(t, e.relay)
}

func TestNewRejectsBadTimezone(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Engine.ExchangeTimezone = "Mars/Olympus"
	_, err := New(cfg, store.NewMemory(), signal.NopDetector{}, discard())
	assert.Error(t, err)
}

func TestDailyLossBreach(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	mem.AddPortfolio(&types.Portfolio{
		Meta:             types.Meta{ID: uuid.NewString()},
		UserID:           "u1",
		TotalCapital:     decimal.NewFromInt(100000),
		AvailableCapital: decimal.NewFromInt(100000),
	})

	e, err := New(testConfig(), mem, signal.NopDetector{}, discard())
	require.NoError(t, err)

	trade := &types.Trade{
		Meta:     types.Meta{ID: uuid.NewString()},
		UserID:   "u1",
		IntentID: uuid.NewString(),
		Symbol:   "RELIANCE",
		Status:   types.TradeOpen,
	}

	// No losses yet: limit is 3000, daily loss is zero.
	assert.False(t, e.dailyLossBreach(context.Background(), trade))

	// A closed trade losing 4000 today blows through the 3% limit.
	require.NoError(t, mem.CreateTrade(context.Background(), &types.Trade{
		Meta:        types.Meta{ID: uuid.NewString()},
		UserID:      "u1",
		IntentID:    uuid.NewString(),
		Symbol:      "TCS",
		Status:      types.TradeClosed,
		RealizedPnL: decimal.NewFromInt(-4000),
	}))
	assert.True(t, e.dailyLossBreach(context.Background(), trade))
}

func TestDailyLossBreachDisabledWhenLimitUnset(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Risk.DailyLossLimitPct = 0
	e, err := New(cfg, store.NewMemory(), signal.NopDetector{}, discard())
	require.NoError(t, err)
	assert.False(t, e.dailyLossBreach(context.Background(), &types.Trade{UserID: "nobody"}))
}

func TestWatchdogReportsWithoutError(t *testing.T) {
	t.Parallel()
	e, err := New(testConfig(), store.NewMemory(), signal.NopDetector{}, discard())
	require.NoError(t, err)
	assert.NoError(t, e.watchdog(context.Background()))
}

func TestCountEventCoversEveryKind(t *testing.T) {
	t.Parallel()
	e, err := New(testConfig(), store.NewMemory(), signal.NopDetector{}, discard())
	require.NoError(t, err)

	kinds := []events.Kind{
		events.CandleFinalized, events.SignalPublished,
		events.IntentApproved, events.IntentRejected,
		events.OrderCreated, events.OrderRejected, events.OrderTimeout,
		events.ExitIntentFilled, events.ExitIntentFailed, events.ExitIntentCancelled,
	}
	for _, k := range kinds {
		e.countEvent(events.Event{Kind: k, Payload: map[string]any{}})
	}
}
