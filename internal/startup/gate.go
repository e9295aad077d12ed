// Package startup gates the process before any component starts. A gate
// failure is fatal on purpose: a misconfigured production engine must not
// come up partially.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"mtf-engine/internal/broker"
	"mtf-engine/internal/config"
	"mtf-engine/internal/store"
)

// DebtFlag is one named readiness gate. Every flag must be resolved before
// release_readiness may be PROD_READY.
type DebtFlag struct {
	Name     string
	Resolved bool
}

// DefaultDebts is the in-code debt registry. Flip a flag to false when a
// production-blocking gap is reintroduced; the gate then refuses PROD_READY
// until it is resolved again.
var DefaultDebts = []DebtFlag{
	{Name: "ORDER_EXECUTION_IMPLEMENTED", Resolved: true},
	{Name: "BROKER_RECONCILIATION_RUNNING", Resolved: true},
	{Name: "TICK_DEDUPLICATION_ACTIVE", Resolved: true},
	{Name: "EXIT_PIPELINE_IMPLEMENTED", Resolved: true},
	{Name: "SESSION_REFRESH_SCHEDULED", Resolved: true},
}

// nonProductionHostLabels is the explicit marker list for sandbox and test
// endpoints. Matching is per host label, never substring, so a host like
// "latest.example.com" does not trip the "test" marker.
var nonProductionHostLabels = map[string]bool{
	"sandbox":      true,
	"uat":          true,
	"test":         true,
	"staging":      true,
	"demo":         true,
	"dev":          true,
	"sim":          true,
	"papertrading": true,
}

// Gate validates configuration and broker endpoints before startup.
type Gate struct {
	cfg    *config.Config
	store  store.Store
	debts  []DebtFlag
	logger *slog.Logger
}

func New(cfg *config.Config, st store.Store, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:    cfg,
		store:  st,
		debts:  DefaultDebts,
		logger: logger.With("component", "startup_gate"),
	}
}

// WithDebts overrides the debt registry. Test hook.
func (g *Gate) WithDebts(debts []DebtFlag) *Gate {
	g.debts = debts
	return g
}

// Check runs every gate. The first failure is returned; the caller exits
// the process on any error.
func (g *Gate) Check(ctx context.Context) error {
	if err := g.cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if g.cfg.ProductionMode && !g.cfg.OrderExecutionEnabled {
		return fmt.Errorf("production_mode requires order_execution_enabled")
	}

	if g.cfg.Feed.PersistTickEvents && !g.cfg.Feed.AsyncEventWriterEnabled {
		return fmt.Errorf("persist_tick_events without async_event_writer_enabled would block the ingest path")
	}

	if g.cfg.ReleaseReadiness == config.ReadinessProd {
		for _, d := range g.debts {
			if !d.Resolved {
				return fmt.Errorf("release_readiness is PROD_READY but debt flag %s is unresolved", d.Name)
			}
		}
	}

	if g.cfg.ProductionMode {
		if err := g.checkEndpoints(ctx); err != nil {
			return err
		}
	}

	g.logger.Info("startup gate passed",
		"production_mode", g.cfg.ProductionMode,
		"run_mode", g.cfg.RunMode,
		"release_readiness", g.cfg.ReleaseReadiness)
	return nil
}

// checkEndpoints verifies that no broker URL in play points at a sandbox
// or test environment: the default endpoint table plus every per-pairing
// base URL override.
func (g *Gate) checkEndpoints(ctx context.Context) error {
	for code, ep := range broker.DefaultEndpoints {
		for _, u := range []string{ep.BaseURL, ep.WSURL} {
			if err := checkProductionURL(u); err != nil {
				return fmt.Errorf("broker %s: %w", code, err)
			}
		}
	}

	ubs, err := g.store.ListUserBrokers(ctx)
	if err != nil {
		return fmt.Errorf("list user brokers: %w", err)
	}
	for _, ub := range ubs {
		if ub.APIBaseURL == "" {
			continue
		}
		if err := checkProductionURL(ub.APIBaseURL); err != nil {
			return fmt.Errorf("user broker %s (%s): %w", ub.ID, ub.BrokerCode, err)
		}
	}
	return nil
}

func checkProductionURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", raw, err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	for _, dotLabel := range strings.Split(host, ".") {
		for _, label := range strings.Split(dotLabel, "-") {
			if nonProductionHostLabels[strings.ToLower(label)] {
				return fmt.Errorf("url %q matches non-production marker %q", raw, label)
			}
		}
	}
	return nil
}
