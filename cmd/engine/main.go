// MTF trading engine - multi-user, multi-broker signal and execution
// engine for Indian equities.
//
// Architecture:
//
//	main.go                  - entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go         - composition root: wires feed -> candles -> signals -> execution -> exits
//	broker/                  - Port interface + Zerodha/Fyers/Upstox/Dhan/Mock adapters
//	session/manager.go       - broker session lifecycle: OAuth login, proactive token refresh
//	feed/intake.go           - tick intake with two-window dedupe and bounded fan-out
//	candle/builder.go        - per-timeframe OHLCV aggregation with boundary + sweep finalize
//	signal/coordinator.go    - signal dedupe, supersession, delivery fan-out to eligible pairings
//	exec/                    - delivery validation, Kelly sizing, crash-safe order placement
//	exit/                    - tick-driven exit evaluation (stop, trailing, target, time, breach)
//	reconcile/               - pending-order and exit-order reconciliation against broker truth
//	trade/coordinator.go     - single writer for trades; partition-serialized status machine
//	sched/scheduler.go       - periodic task runner with per-task panic recovery
//	startup/gate.go          - production gates: config, endpoint patterns, debt registry
//	store/                   - Postgres persistence with optimistic versioning
//
// The engine never invents prices or strategy: the analytics collaborator
// produces signal candidates, brokers produce fills, and persistent state
// is always the source of truth.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"mtf-engine/internal/config"
	"mtf-engine/internal/engine"
	mtfsignal "mtf-engine/internal/signal"
	"mtf-engine/internal/store"
)

func main() {
	cfgPath := "configs/engine.yaml"
	if p := os.Getenv("MTF_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.NewPostgres(context.Background(), cfg.DB.URL, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg, st, mtfsignal.NopDetector{}, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if !cfg.TradingEnabled {
		logger.Warn("TRADING DISABLED - signals flow, no orders will be placed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
