// Package engine is the composition root of the trading engine.
//
// It wires together all subsystems:
//
//  1. TickIntake subscribes the data broker's stream and deduplicates.
//  2. CandleBuilder folds ticks into per-timeframe bars.
//  3. SignalCoordinator turns candle closes into signals and deliveries.
//  4. ExecutionOrchestrator validates deliveries into trade intents;
//     OrderExecutor places approved intents at the broker.
//  5. ExitSignalService watches open trades; the exit executor and the
//     two reconcilers close the loop against broker truth.
//  6. The scheduler drives every periodic task with per-task recovery.
//
// Lifecycle: New() -> Start() -> [runs until SIGINT] -> Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mtf-engine/internal/broker"
	"mtf-engine/internal/candle"
	"mtf-engine/internal/config"
	"mtf-engine/internal/events"
	"mtf-engine/internal/exec"
	"mtf-engine/internal/exit"
	"mtf-engine/internal/feed"
	"mtf-engine/internal/metrics"
	"mtf-engine/internal/reconcile"
	"mtf-engine/internal/relay"
	"mtf-engine/internal/sched"
	"mtf-engine/internal/session"
	"mtf-engine/internal/signal"
	"mtf-engine/internal/startup"
	"mtf-engine/internal/store"
	"mtf-engine/internal/trade"
	"mtf-engine/pkg/types"
)

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg    *config.Config
	store  store.Store
	logger *slog.Logger

	bus      *events.Bus
	sessions *session.Manager
	registry *broker.Registry
	intake   *feed.Intake
	builder  *candle.Builder
	backfill *candle.Backfiller
	signals  *signal.Coordinator
	trades   *trade.Coordinator
	orch     *exec.Orchestrator
	executor *exec.Executor
	exitSvc  *exit.Service
	exitExec *exit.Executor
	pendRec  *reconcile.Pending
	exitRec  *reconcile.Exit
	gate     *startup.Gate
	sched    *sched.Scheduler
	relay    *relay.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs and wires every component. det is the multi-timeframe
// analytics collaborator; pass signal.NopDetector{} when it is not linked.
func New(cfg *config.Config, st store.Store, det signal.Detector, logger *slog.Logger) (*Engine, error) {
	tz, err := time.LoadLocation(cfg.Engine.ExchangeTimezone)
	if err != nil {
		return nil, fmt.Errorf("exchange timezone: %w", err)
	}

	bus := events.NewBus(logger)
	sessions := session.NewManager(st, bus, cfg.Session, logger)
	registry := broker.NewRegistry(cfg.Engine.BrokerPermits, sessions.TokenSource, logger)
	sessions.SetRegistry(registry)

	intake := feed.NewIntake(cfg.Feed, st, logger)
	builder := candle.NewBuilder(st, bus, types.AllTimeframes, logger)
	trades := trade.NewCoordinator(st, cfg.Engine.TradePartitions, logger)

	signals := signal.NewCoordinator(st, bus, det, signal.Options{
		Timeframes: types.AllTimeframes,
		Lookback:   cfg.Engine.MTFLookback,
		Partitions: cfg.Engine.SignalPartitions,
		ExchangeTZ: tz,
	}, logger)

	validator := exec.NewValidator(cfg.Risk, exec.NewKellySizer(cfg.Risk), trades)
	orch := exec.NewOrchestrator(st, bus, validator, registry,
		cfg.Engine.OrchestratorWorkers, cfg.Engine.OrchestratorEvery, logger)
	executor := exec.NewExecutor(st, trades, bus, registry, exec.Gates{
		TradingEnabled:        cfg.TradingEnabled,
		OrderExecutionEnabled: cfg.OrderExecutionEnabled,
	}, cfg.Engine.ExecutorEvery, logger)

	e := &Engine{
		cfg:      cfg,
		store:    st,
		logger:   logger.With("component", "engine"),
		bus:      bus,
		sessions: sessions,
		registry: registry,
		intake:   intake,
		builder:  builder,
		backfill: candle.NewBackfiller(st, logger),
		signals:  signals,
		trades:   trades,
		orch:     orch,
		executor: executor,
		gate:     startup.New(cfg, st, logger),
		sched:    sched.New(logger),
		relay:    relay.NewServer(cfg.RelayPort, time.Duration(cfg.Feed.WSBatchFlushMs)*time.Millisecond, logger),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	exitSvc := exit.NewService(st, trades, cfg.Exit, e.dailyLossBreach, logger)
	e.exitSvc = exitSvc
	e.exitExec = exit.NewExecutor(st, trades, bus, registry, exitSvc, cfg.Engine.ExecutorEvery, logger)
	e.pendRec = reconcile.NewPending(st, trades, bus, registry,
		cfg.Engine.BrokerPermits, cfg.Engine.PendingTimeout, cfg.Engine.BrokerCallTimeout, logger)
	e.exitRec = reconcile.NewExit(st, trades, bus, registry, exitSvc,
		cfg.Engine.BrokerPermits, cfg.Exit.ExitOrderTimeout, cfg.Engine.BrokerCallTimeout, logger)

	return e, nil
}

// Start runs the startup gate, rebuilds in-memory state, and launches all
// component goroutines for the configured run mode.
func (e *Engine) Start() error {
	if err := e.gate.Check(e.ctx); err != nil {
		return fmt.Errorf("startup gate: %w", err)
	}

	if e.cfg.RunMode == config.RunFeedCollector {
		return e.startFeedCollector()
	}
	return e.startFull()
}

func (e *Engine) startFull() error {
	ctx := e.ctx

	if err := e.trades.RebuildIndex(ctx); err != nil {
		return fmt.Errorf("rebuild trade index: %w", err)
	}
	if err := e.exitSvc.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild exit state: %w", err)
	}

	dataPort, err := e.dataPort(ctx)
	if err != nil {
		// The engine comes up without a feed; reconcilers still run and
		// the session manager may bring the pairing back.
		e.logger.Warn("no data feed pairing available at startup", "error", err)
	} else {
		symbols, err := e.store.ListWatchlistSymbols(ctx)
		if err != nil {
			return fmt.Errorf("list watchlist: %w", err)
		}
		if err := e.backfill.Backfill(ctx, dataPort, symbols, types.AllTimeframes, e.cfg.Engine.MTFLookback); err != nil {
			e.logger.Warn("candle backfill incomplete", "error", err)
		}
	}

	e.spawn("session_manager", func() error { return e.sessions.Run(ctx) })
	if e.cfg.Feed.PersistTickEvents {
		e.spawn("tick_writer", func() error { return e.intake.RunWriter(ctx) })
	}
	e.spawn("candle_builder", func() error {
		return e.builder.Run(ctx, e.intake.Register("candles"))
	})
	e.spawn("signal_coordinator", func() error { return e.signals.Run(ctx) })
	e.spawn("orchestrator", func() error { return e.orch.Run(ctx) })
	e.spawn("order_executor", func() error { return e.executor.Run(ctx) })
	e.spawn("exit_service", func() error {
		return e.exitSvc.Run(ctx, e.intake.Register("exits"))
	})
	e.spawn("exit_executor", func() error { return e.exitExec.Run(ctx) })
	e.spawn("metrics_bridge", func() error { return e.runMetricsBridge(ctx) })
	e.spawn("metrics_server", func() error { return metrics.Serve(e.cfg.Port) })

	e.registerTasks()
	e.sched.Start(ctx)

	if dataPort != nil {
		if err := e.intake.Subscribe(ctx, dataPort); err != nil {
			e.logger.Error("tick subscription failed", "error", err)
		}
	}

	e.logger.Info("engine started",
		"run_mode", e.cfg.RunMode,
		"trading_enabled", e.cfg.TradingEnabled,
		"order_execution_enabled", e.cfg.OrderExecutionEnabled)
	return nil
}

func (e *Engine) startFeedCollector() error {
	ctx := e.ctx

	e.spawn("relay", func() error {
		return e.relay.Run(ctx, e.intake.Register("relay"))
	})
	if e.cfg.Feed.PersistTickEvents {
		e.spawn("tick_writer", func() error { return e.intake.RunWriter(ctx) })
	}
	e.spawn("session_manager", func() error { return e.sessions.Run(ctx) })
	e.spawn("metrics_server", func() error { return metrics.Serve(e.cfg.Port) })

	e.sched.Every("watchdog", e.cfg.Engine.WatchdogEvery, 0, e.watchdog)
	e.sched.Every("oauth_state_sweep", e.cfg.Session.CleanupEvery, 0, e.sessions.SweepStates)
	e.sched.Start(ctx)

	dataPort, err := e.dataPort(ctx)
	if err != nil {
		e.logger.Warn("no data feed pairing available at startup", "error", err)
	} else if err := e.intake.Subscribe(ctx, dataPort); err != nil {
		e.logger.Error("tick subscription failed", "error", err)
	}

	e.logger.Info("engine started", "run_mode", e.cfg.RunMode, "relay_port", e.cfg.RelayPort)
	return nil
}

// Stop cancels every component and waits for goroutines to drain.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()
	e.sched.Wait()
	if closer, ok := e.store.(interface{ Close() }); ok {
		closer.Close()
	}
	e.logger.Info("shutdown complete")
}

func (e *Engine) spawn(name string, fn func() error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(); err != nil && e.ctx.Err() == nil {
			e.logger.Error("component stopped", "component", name, "error", err)
		}
	}()
}

// registerTasks hands every periodic task to the scheduler.
func (e *Engine) registerTasks() {
	eng := e.cfg.Engine

	e.sched.Every("candle_finalize", eng.CandleFinalizeEvery, 0, func(ctx context.Context) error {
		e.builder.Sweep(ctx, time.Now())
		return nil
	})
	e.sched.Every("pending_reconcile", eng.ReconcileEvery, 0, func(ctx context.Context) error {
		e.pendRec.Cycle(ctx)
		return nil
	})
	e.sched.Every("exit_reconcile", eng.ReconcileEvery, eng.ReconcileOffset, func(ctx context.Context) error {
		e.exitRec.Cycle(ctx)
		return nil
	})
	e.sched.Every("signal_sweep", eng.SignalSweepEvery, 0, func(ctx context.Context) error {
		e.signals.ExpireSweep(ctx)
		return nil
	})
	e.sched.Every("watchdog", eng.WatchdogEvery, 0, e.watchdog)
	e.sched.Every("oauth_state_sweep", e.cfg.Session.CleanupEvery, 0, e.sessions.SweepStates)

	if err := e.sched.DailyAt("instrument_refresh", eng.InstrumentRefreshAt, e.exchangeTZ(), e.refreshInstruments); err != nil {
		e.logger.Error("instrument refresh not scheduled", "error", err)
	}
}

func (e *Engine) exchangeTZ() *time.Location {
	tz, err := time.LoadLocation(e.cfg.Engine.ExchangeTimezone)
	if err != nil {
		return time.UTC
	}
	return tz
}

// dataPort resolves the adapter for the configured data feed broker: the
// first connected DATA-role pairing on that broker.
func (e *Engine) dataPort(ctx context.Context) (broker.Port, error) {
	ubs, err := e.store.ListUserBrokers(ctx)
	if err != nil {
		return nil, err
	}
	for _, ub := range ubs {
		if ub.Role != types.RoleData {
			continue
		}
		if string(ub.BrokerCode) != e.cfg.DataFeedBroker {
			continue
		}
		if ub.State != types.UserBrokerConnected {
			continue
		}
		return e.registry.Get(ub)
	}
	return nil, fmt.Errorf("no connected DATA pairing for broker %s", e.cfg.DataFeedBroker)
}

// refreshInstruments pulls the instrument master from the data broker and
// upserts it. Scheduled daily before market open.
func (e *Engine) refreshInstruments(ctx context.Context) error {
	port, err := e.dataPort(ctx)
	if err != nil {
		return err
	}
	ins, err := port.GetInstruments(ctx)
	if err != nil {
		return err
	}
	n, err := e.store.UpsertInstruments(ctx, ins)
	if err != nil {
		return err
	}
	e.logger.Info("instrument master refreshed", "fetched", len(ins), "upserted", n)
	return nil
}

// watchdog publishes engine health gauges and a periodic heartbeat line.
func (e *Engine) watchdog(ctx context.Context) error {
	open := 0
	for _, sym := range e.trades.ActiveSymbols() {
		open += len(e.trades.ActiveTradeIDs(sym))
	}
	accepted, rejected := e.intake.Stats()

	metrics.SetOpenTrades(open)
	metrics.SetBusEventsDropped(e.bus.Dropped())

	e.logger.Info("watchdog",
		"open_trades", open,
		"ticks_accepted", accepted,
		"ticks_rejected", rejected,
		"bus_dropped", e.bus.Dropped())
	return ctx.Err()
}

// dailyLossBreach is the portfolio kill switch plugged into the exit
// service: an open trade whose owner has blown through the daily loss
// limit exits with RISK_BREACH.
func (e *Engine) dailyLossBreach(ctx context.Context, t *types.Trade) bool {
	if e.cfg.Risk.DailyLossLimitPct <= 0 {
		return false
	}
	pc, err := e.store.GetPortfolioContext(ctx, t.UserID)
	if err != nil {
		return false
	}
	limit := pc.TotalCapital.Mul(decimal.NewFromFloat(e.cfg.Risk.DailyLossLimitPct))
	return pc.DailyLoss.GreaterThanOrEqual(limit) && limit.IsPositive()
}

// runMetricsBridge maps domain events onto Prometheus counters.
func (e *Engine) runMetricsBridge(ctx context.Context) error {
	sub := e.bus.Subscribe(512)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-sub:
			e.countEvent(evt)
		}
	}
}

func (e *Engine) countEvent(evt events.Event) {
	str := func(key string) string {
		if v, ok := evt.Payload[key].(string); ok {
			return v
		}
		return "unknown"
	}
	switch evt.Kind {
	case events.CandleFinalized:
		metrics.IncCandleFinalized(str("timeframe"))
	case events.SignalPublished:
		metrics.IncSignalPublished(str("direction"))
	case events.IntentApproved:
		metrics.IncIntent("approved")
	case events.IntentRejected:
		metrics.IncIntent("rejected")
	case events.OrderCreated:
		metrics.IncOrderPlaced(e.cfg.OrderBroker)
	case events.OrderRejected:
		metrics.IncOrderRejected(str("error_code"))
	case events.OrderTimeout:
		metrics.IncOrderTimeout()
	case events.ExitIntentFilled:
		metrics.IncExit("filled", str("reason"))
	case events.ExitIntentFailed:
		metrics.IncExit("failed", str("reason"))
	case events.ExitIntentCancelled:
		metrics.IncExit("cancelled", str("reason"))
	}
}
