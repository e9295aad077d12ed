package broker

import (
	"log/slog"
	"sync"

	"mtf-engine/pkg/types"
)

// Endpoints is the REST base URL and WebSocket URL for one broker.
type Endpoints struct {
	BaseURL string
	WSURL   string
}

// DefaultEndpoints are the production API endpoints per broker. A
// user-broker row may override the base URL (sandbox accounts).
var DefaultEndpoints = map[types.BrokerCode]Endpoints{
	types.BrokerZerodha: {BaseURL: "https://api.kite.trade", WSURL: "wss://ws.kite.trade"},
	types.BrokerFyers:   {BaseURL: "https://api-t1.fyers.in/api/v3", WSURL: "wss://socket.fyers.in/hsm/v1-5/prod"},
	types.BrokerUpstox:  {BaseURL: "https://api.upstox.com/v2", WSURL: "wss://api.upstox.com/v2/feed/market-data-feed"},
	types.BrokerDhan:    {BaseURL: "https://api.dhan.co/v2", WSURL: "wss://api-feed.dhan.co"},
}

// Registry holds one long-lived adapter per user-broker pairing. Adapters
// carry connection state (rate limit buckets, circuit breaker, stream), so
// they must be shared by everything acting for the same pairing.
type Registry struct {
	mu       sync.Mutex
	adapters map[string]Port // keyed by user_broker_id
	permits  int64
	logger   *slog.Logger

	// tokenSources returns the token source for a pairing; wired to the
	// session manager at composition time.
	tokenSource func(userBrokerID string) TokenSource
}

func NewRegistry(permits int64, tokenSource func(userBrokerID string) TokenSource, logger *slog.Logger) *Registry {
	return &Registry{
		adapters:    make(map[string]Port),
		permits:     permits,
		logger:      logger.With("component", "broker_registry"),
		tokenSource: tokenSource,
	}
}

// Get returns the adapter for a pairing, constructing it on first use.
func (r *Registry) Get(ub *types.UserBroker) (Port, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.adapters[ub.ID]; ok {
		return p, nil
	}

	p, err := r.build(ub)
	if err != nil {
		return nil, err
	}
	r.adapters[ub.ID] = p
	r.logger.Info("broker adapter created",
		"user_broker_id", ub.ID, "broker", ub.BrokerCode)
	return p, nil
}

// Register installs a pre-built adapter for a pairing. Used for the mock
// broker and in tests.
func (r *Registry) Register(userBrokerID string, p Port) {
	r.mu.Lock()
	r.adapters[userBrokerID] = p
	r.mu.Unlock()
}

// Remove drops the adapter for a pairing, e.g. when the pairing is
// soft-deleted. The next Get rebuilds it.
func (r *Registry) Remove(userBrokerID string) {
	r.mu.Lock()
	delete(r.adapters, userBrokerID)
	r.mu.Unlock()
}

func (r *Registry) build(ub *types.UserBroker) (Port, error) {
	ep, ok := DefaultEndpoints[ub.BrokerCode]
	if !ok && ub.BrokerCode != types.BrokerMock {
		return nil, E(KindExecutionError, "no endpoints for broker %s", ub.BrokerCode)
	}
	if ub.APIBaseURL != "" {
		ep.BaseURL = ub.APIBaseURL
	}
	tokens := r.tokenSource(ub.ID)

	switch ub.BrokerCode {
	case types.BrokerZerodha:
		return NewZerodha(ep.BaseURL, ep.WSURL, ub.APIKey, r.permits, tokens, r.logger), nil
	case types.BrokerFyers:
		return NewFyers(ep.BaseURL, ep.WSURL, ub.APIKey, r.permits, tokens, r.logger), nil
	case types.BrokerUpstox:
		return NewUpstox(ep.BaseURL, ep.WSURL, r.permits, tokens, r.logger), nil
	case types.BrokerDhan:
		return NewDhan(ep.BaseURL, ep.WSURL, ub.APIKey, r.permits, tokens, r.logger), nil
	case types.BrokerMock:
		return NewMock(), nil
	default:
		return nil, E(KindExecutionError, "unknown broker code %s", ub.BrokerCode)
	}
}
