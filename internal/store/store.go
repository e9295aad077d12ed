// Package store persists the engine's entities in Postgres and exposes the
// transactional primitives the coordinators rely on: atomic delivery
// consumption, conditional exit-intent placement, single-use OAuth states,
// and optimistic version checks on every update.
//
// Memory implements the same interface for tests and FEED_COLLECTOR runs
// without a database.
package store

import (
	"context"
	"errors"
	"time"

	"mtf-engine/pkg/types"
)

var (
	// ErrNotFound is returned when the requested entity does not exist or
	// is soft-deleted.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict is returned when an update's version does not
	// match the stored row. The caller re-reads and retries.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrDuplicateSignal is returned when an ACTIVE signal with the same
	// dedupe key (symbol, day, type, direction) already exists.
	ErrDuplicateSignal = errors.New("store: duplicate active signal")
	// ErrDeliveryConsumed is returned when a delivery is no longer in a
	// consumable state; exactly one intent ever wins a delivery.
	ErrDeliveryConsumed = errors.New("store: delivery already consumed")
	// ErrDuplicateIntent is returned when a trade already exists for the
	// intent id.
	ErrDuplicateIntent = errors.New("store: trade already exists for intent")
	// ErrStateUsed is returned when an OAuth state was already consumed,
	// expired, or never existed.
	ErrStateUsed = errors.New("store: oauth state not usable")
)

// Store is the persistence surface used by the coordinators.
type Store interface {
	// Signals. CreateSignal enforces the dedupe key: at most one ACTIVE
	// signal per (symbol, signal day, signal type, direction).
	CreateSignal(ctx context.Context, s *types.Signal) error
	GetSignal(ctx context.Context, id string) (*types.Signal, error)
	ListActiveSignals(ctx context.Context) ([]*types.Signal, error)
	UpdateSignal(ctx context.Context, s *types.Signal) error
	// SupersedeSignal atomically marks the old signal SUPERSEDED, expires
	// its unconsumed deliveries, and inserts the replacement.
	SupersedeSignal(ctx context.Context, oldID string, replacement *types.Signal) error

	// Deliveries. ConsumeDelivery flips CREATED/DELIVERED -> CONSUMED and
	// inserts the consuming intent in one transaction.
	CreateDeliveries(ctx context.Context, ds []*types.SignalDelivery) error
	GetDelivery(ctx context.Context, id string) (*types.SignalDelivery, error)
	ListDeliveriesForSignal(ctx context.Context, signalID string) ([]*types.SignalDelivery, error)
	ListDeliveriesByStatus(ctx context.Context, statuses ...types.DeliveryStatus) ([]*types.SignalDelivery, error)
	UpdateDelivery(ctx context.Context, d *types.SignalDelivery) error
	ConsumeDelivery(ctx context.Context, deliveryID string, intent *types.TradeIntent) error

	// Intents.
	GetIntent(ctx context.Context, id string) (*types.TradeIntent, error)
	UpdateIntent(ctx context.Context, in *types.TradeIntent) error
	ListIntentsByStatus(ctx context.Context, statuses ...types.IntentStatus) ([]*types.TradeIntent, error)

	// Trades. CreateTrade enforces intent uniqueness: one trade per intent.
	CreateTrade(ctx context.Context, t *types.Trade) error
	GetTrade(ctx context.Context, id string) (*types.Trade, error)
	GetTradeByIntent(ctx context.Context, intentID string) (*types.Trade, error)
	UpdateTrade(ctx context.Context, t *types.Trade) error
	ListTradesByStatus(ctx context.Context, statuses ...types.TradeStatus) ([]*types.Trade, error)

	// Exit intents. MarkExitIntentPlaced performs the conditional
	// APPROVED -> PLACED flip and reports whether this caller won it.
	CreateExitIntent(ctx context.Context, e *types.ExitIntent) error
	GetExitIntent(ctx context.Context, id string) (*types.ExitIntent, error)
	UpdateExitIntent(ctx context.Context, e *types.ExitIntent) error
	ListExitIntentsByStatus(ctx context.Context, statuses ...types.ExitIntentStatus) ([]*types.ExitIntent, error)
	MarkExitIntentPlaced(ctx context.Context, id, brokerOrderID string, placedAt time.Time) (bool, error)

	// User-broker pairings and sessions.
	ListUserBrokers(ctx context.Context) ([]*types.UserBroker, error)
	GetUserBroker(ctx context.Context, id string) (*types.UserBroker, error)
	UpdateUserBroker(ctx context.Context, ub *types.UserBroker) error
	GetActiveSession(ctx context.Context, userBrokerID string) (*types.Session, error)
	SaveSession(ctx context.Context, s *types.Session) error

	// Single-use OAuth callback states.
	CreateOAuthState(ctx context.Context, s *types.OAuthState) error
	ConsumeOAuthState(ctx context.Context, state string, now time.Time) (*types.OAuthState, error)
	SweepOAuthStates(ctx context.Context, now time.Time) (int64, error)

	// Portfolios.
	GetPortfolio(ctx context.Context, userID string) (*types.Portfolio, error)
	GetPortfolioContext(ctx context.Context, userID string) (*types.PortfolioContext, error)

	// Watchlists.
	ListWatchlistSymbols(ctx context.Context) ([]string, error)

	// Instrument master.
	UpsertInstruments(ctx context.Context, ins []types.Instrument) (int, error)
	ListInstruments(ctx context.Context) ([]types.Instrument, error)

	// Market data.
	SaveCandle(ctx context.Context, c *types.Candle) error
	ListCandles(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Candle, error)
	SaveTickEvent(ctx context.Context, t types.Tick) error

	Close()
}
