package startup

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-engine/internal/config"
	"mtf-engine/internal/store"
	"mtf-engine/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validConfig() *config.Config {
	return &config.Config{
		ProductionMode:        true,
		OrderExecutionEnabled: true,
		TradingEnabled:        true,
		ReleaseReadiness:      config.ReadinessBeta,
		RunMode:               config.RunFull,
		DataFeedBroker:        "ZERODHA",
		OrderBroker:           "ZERODHA",
		DB:                    config.DBConfig{URL: "postgres://localhost/mtf"},
		Engine: config.EngineConfig{
			TradePartitions:  8,
			SignalPartitions: 8,
			BrokerPermits:    5,
			ExchangeTimezone: "Asia/Kolkata",
		},
		Exit: config.ExitConfig{
			TrailingActivationPct: 0.02,
			TrailingDistancePct:   0.03,
			MaxHoldingDays:        10,
			ExitOrderTimeout:      10 * time.Minute,
		},
	}
}

func TestGatePassesOnCleanProductionConfig(t *testing.T) {
	t.Parallel()
	g := New(validConfig(), store.NewMemory(), discard())
	assert.NoError(t, g.Check(context.Background()))
}

func TestGateRejectsProductionWithoutOrderExecution(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.OrderExecutionEnabled = false
	g := New(cfg, store.NewMemory(), discard())
	err := g.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order_execution_enabled")
}

func TestGateRejectsSandboxEndpointInProduction(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	mem.AddUserBroker(&types.UserBroker{
		Meta:       types.Meta{ID: uuid.NewString()},
		UserID:     "u1",
		BrokerCode: types.BrokerZerodha,
		Role:       types.RoleExec,
		State:      types.UserBrokerConnected,
		APIBaseURL: "https://api-sandbox.kite.trade",
	})

	g := New(validConfig(), mem, discard())
	err := g.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-production marker")
}

func TestGateAllowsSandboxEndpointOutsideProduction(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	mem.AddUserBroker(&types.UserBroker{
		Meta:       types.Meta{ID: uuid.NewString()},
		UserID:     "u1",
		BrokerCode: types.BrokerZerodha,
		Role:       types.RoleExec,
		State:      types.UserBrokerConnected,
		APIBaseURL: "https://api-sandbox.kite.trade",
	})

	cfg := validConfig()
	cfg.ProductionMode = false
	g := New(cfg, mem, discard())
	assert.NoError(t, g.Check(context.Background()))
}

func TestGateRejectsProdReadinessWithUnresolvedDebt(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.ReleaseReadiness = config.ReadinessProd
	g := New(cfg, store.NewMemory(), discard()).WithDebts([]DebtFlag{
		{Name: "ORDER_EXECUTION_IMPLEMENTED", Resolved: true},
		{Name: "BROKER_RECONCILIATION_RUNNING", Resolved: false},
	})
	err := g.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROKER_RECONCILIATION_RUNNING")
}

func TestGateRejectsTickPersistenceWithoutAsyncWriter(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Feed.PersistTickEvents = true
	cfg.Feed.AsyncEventWriterEnabled = false
	g := New(cfg, store.NewMemory(), discard())
	assert.Error(t, g.Check(context.Background()))
}

func TestNonProductionMarkerIsNotSubstringMatched(t *testing.T) {
	t.Parallel()
	// "latest" contains "test" but is a production-looking label.
	assert.NoError(t, checkProductionURL("https://latest.kite.trade"))
	assert.Error(t, checkProductionURL("https://uat.kite.trade"))
	assert.Error(t, checkProductionURL("wss://feed-staging.dhan.co"))
}
