// Package session owns broker OAuth sessions: the login flow with
// single-use state tokens, a token cache for everything that talks to a
// broker, proactive refresh ahead of expiry, and fan-out of new tokens to
// subscribed components.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mtf-engine/internal/broker"
	"mtf-engine/internal/config"
	"mtf-engine/internal/events"
	"mtf-engine/internal/store"
	"mtf-engine/pkg/types"
)

// TokenSubscriber is notified when a pairing gets a new access token, so
// long-lived connections (tick streams) can re-authenticate.
type TokenSubscriber func(userBrokerID, accessToken string)

// Manager tracks one session per user-broker pairing.
type Manager struct {
	store  store.Store
	bus    *events.Bus
	cfg    config.SessionConfig
	logger *slog.Logger

	// registry is set after construction; the registry itself is built
	// with this manager's token sources.
	regMu    sync.RWMutex
	registry *broker.Registry

	cacheMu sync.RWMutex
	cache   map[string]*types.Session // keyed by user_broker_id

	subsMu sync.RWMutex
	subs   []TokenSubscriber

	now func() time.Time
}

func NewManager(st store.Store, bus *events.Bus, cfg config.SessionConfig, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "session_manager"),
		cache:  make(map[string]*types.Session),
		now:    time.Now,
	}
}

// SetRegistry wires the adapter registry. Must be called before Run or
// CompleteLogin; the composition root does this right after building both.
func (m *Manager) SetRegistry(r *broker.Registry) {
	m.regMu.Lock()
	m.registry = r
	m.regMu.Unlock()
}

func (m *Manager) adapterFor(ub *types.UserBroker) (broker.Port, error) {
	m.regMu.RLock()
	r := m.registry
	m.regMu.RUnlock()
	if r == nil {
		return nil, fmt.Errorf("session manager has no registry")
	}
	return r.Get(ub)
}

// Subscribe registers a token fan-out callback.
func (m *Manager) Subscribe(s TokenSubscriber) {
	m.subsMu.Lock()
	m.subs = append(m.subs, s)
	m.subsMu.Unlock()
}

func (m *Manager) notify(userBrokerID, token string) {
	m.subsMu.RLock()
	subs := append([]TokenSubscriber(nil), m.subs...)
	m.subsMu.RUnlock()
	for _, s := range subs {
		s(userBrokerID, token)
	}
}

// TokenSource returns a broker.TokenSource bound to one pairing, for the
// adapter registry.
func (m *Manager) TokenSource(userBrokerID string) broker.TokenSource {
	return tokenSource{m: m, userBrokerID: userBrokerID}
}

type tokenSource struct {
	m            *Manager
	userBrokerID string
}

func (t tokenSource) Token(ctx context.Context) (string, error) {
	return t.m.GetToken(ctx, t.userBrokerID)
}

// GetToken returns a usable access token for the pairing. A session
// expiring within the configured skew is treated as already expired, so a
// broker call never departs with a token that dies in flight.
func (m *Manager) GetToken(ctx context.Context, userBrokerID string) (string, error) {
	s := m.cached(userBrokerID)
	if s == nil {
		loaded, err := m.store.GetActiveSession(ctx, userBrokerID)
		if err != nil {
			m.markLoginRequired(ctx, userBrokerID)
			return "", broker.E(broker.KindTokenExpired, "no active session for pairing %s", userBrokerID)
		}
		m.cacheSession(loaded)
		s = loaded
	}

	if !m.now().Add(m.cfg.ExpirySkew).Before(s.ExpiresAt) {
		m.dropCached(userBrokerID)
		m.markLoginRequired(ctx, userBrokerID)
		return "", broker.E(broker.KindTokenExpired, "session for pairing %s expires at %s", userBrokerID, s.ExpiresAt.Format(time.RFC3339))
	}
	return s.AccessToken, nil
}

func (m *Manager) cached(userBrokerID string) *types.Session {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.cache[userBrokerID]
}

func (m *Manager) cacheSession(s *types.Session) {
	m.cacheMu.Lock()
	m.cache[s.UserBrokerID] = s
	m.cacheMu.Unlock()
}

func (m *Manager) dropCached(userBrokerID string) {
	m.cacheMu.Lock()
	delete(m.cache, userBrokerID)
	m.cacheMu.Unlock()
}

func (m *Manager) markLoginRequired(ctx context.Context, userBrokerID string) {
	ub, err := m.store.GetUserBroker(ctx, userBrokerID)
	if err != nil || ub.State == types.UserBrokerLoginRequired {
		return
	}
	ub.State = types.UserBrokerLoginRequired
	if err := m.store.UpdateUserBroker(ctx, ub); err != nil {
		m.logger.Warn("failed to mark pairing LOGIN_REQUIRED",
			"user_broker_id", userBrokerID, "error", err)
		return
	}
	m.logger.Info("pairing requires login", "user_broker_id", userBrokerID)
	m.bus.Publish(events.SessionLoginRequired, map[string]any{
		"user_broker_id": ub.ID, "user_id": ub.UserID, "broker": string(ub.BrokerCode),
	})
}

// ————————————————————————————————————————————————————————————————————————
// OAuth login flow
// ————————————————————————————————————————————————————————————————————————

// BeginLogin issues a single-use state token for the pairing's OAuth
// redirect. The state lives in the database so any engine replica can
// complete the callback.
func (m *Manager) BeginLogin(ctx context.Context, userBrokerID string) (string, error) {
	ub, err := m.store.GetUserBroker(ctx, userBrokerID)
	if err != nil {
		return "", fmt.Errorf("load pairing: %w", err)
	}

	state := uuid.NewString()
	if err := m.store.CreateOAuthState(ctx, &types.OAuthState{
		Meta:         types.Meta{ID: uuid.NewString()},
		State:        state,
		UserBrokerID: ub.ID,
		BrokerID:     ub.BrokerID,
		ExpiresAt:    m.now().Add(m.cfg.StateTTL),
	}); err != nil {
		return "", fmt.Errorf("persist oauth state: %w", err)
	}
	return state, nil
}

// CompleteLogin consumes the state, exchanges the auth code for an access
// token, persists the session, and fans the token out. A replayed state
// fails without touching the broker.
func (m *Manager) CompleteLogin(ctx context.Context, state, authCode string) (*types.Session, error) {
	st, err := m.store.ConsumeOAuthState(ctx, state, m.now())
	if err != nil {
		return nil, fmt.Errorf("oauth state: %w", err)
	}

	ub, err := m.store.GetUserBroker(ctx, st.UserBrokerID)
	if err != nil {
		return nil, fmt.Errorf("load pairing: %w", err)
	}
	adapter, err := m.adapterFor(ub)
	if err != nil {
		return nil, err
	}

	token, err := adapter.Connect(ctx, broker.Credentials{
		APIKey:    ub.APIKey,
		APISecret: ub.APISecret,
		AuthCode:  authCode,
	})
	if err != nil {
		return nil, fmt.Errorf("broker connect: %w", err)
	}

	s := &types.Session{
		Meta:         types.Meta{ID: uuid.NewString()},
		UserBrokerID: ub.ID,
		AccessToken:  token,
		ExpiresAt:    nextSessionExpiry(m.now()),
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	m.cacheSession(s)

	ub.State = types.UserBrokerConnected
	if err := m.store.UpdateUserBroker(ctx, ub); err != nil {
		m.logger.Warn("failed to mark pairing CONNECTED", "user_broker_id", ub.ID, "error", err)
	}

	m.logger.Info("login completed", "user_broker_id", ub.ID, "broker", ub.BrokerCode,
		"expires_at", s.ExpiresAt)
	m.notify(ub.ID, token)
	return s, nil
}

// nextSessionExpiry returns when a freshly issued broker token dies.
// Indian broker tokens are daily: they lapse at 06:00 the next morning.
func nextSessionExpiry(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), 6, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// ————————————————————————————————————————————————————————————————————————
// Background refresh
// ————————————————————————————————————————————————————————————————————————

// Run drives proactive refresh until ctx is cancelled. Sessions inside
// the refresh window get refreshed when the broker supports it; failed
// refreshes retry on the next pass. The OAuth-state sweep runs on the
// scheduler via SweepStates.
func (m *Manager) Run(ctx context.Context) error {
	refresh := time.NewTicker(m.cfg.RetryInterval)
	defer refresh.Stop()

	m.logger.Info("session manager started",
		"refresh_window", m.cfg.RefreshWindow, "retry_interval", m.cfg.RetryInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh.C:
			m.refreshPass(ctx)
		}
	}
}

// SweepStates expires stale OAuth login states.
func (m *Manager) SweepStates(ctx context.Context) error {
	n, err := m.store.SweepOAuthStates(ctx, m.now())
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Debug("swept expired oauth states", "count", n)
	}
	return nil
}

func (m *Manager) refreshPass(ctx context.Context) {
	ubs, err := m.store.ListUserBrokers(ctx)
	if err != nil {
		m.logger.Warn("refresh pass: list pairings failed", "error", err)
		return
	}
	for _, ub := range ubs {
		if ub.State != types.UserBrokerConnected {
			continue
		}
		m.maybeRefresh(ctx, ub)
	}
}

func (m *Manager) maybeRefresh(ctx context.Context, ub *types.UserBroker) {
	s, err := m.store.GetActiveSession(ctx, ub.ID)
	if err != nil {
		m.markLoginRequired(ctx, ub.ID)
		return
	}
	if m.now().Add(m.cfg.RefreshWindow).Before(s.ExpiresAt) {
		return // not yet inside the refresh window
	}

	adapter, err := m.adapterFor(ub)
	if err != nil {
		m.logger.Warn("refresh: no adapter", "user_broker_id", ub.ID, "error", err)
		return
	}
	refresher, ok := adapter.(broker.SessionRefresher)
	if !ok || s.RefreshToken == "" {
		// No refresh path; the session will expire and GetToken flips the
		// pairing to LOGIN_REQUIRED.
		return
	}

	token, expiresAt, err := refresher.RefreshSession(ctx, s.RefreshToken)
	if err != nil {
		m.logger.Warn("session refresh failed, will retry",
			"user_broker_id", ub.ID, "retry_in", m.cfg.RetryInterval, "error", err)
		return
	}

	s.AccessToken = token
	s.ExpiresAt = expiresAt
	if err := m.store.SaveSession(ctx, s); err != nil {
		m.logger.Warn("refresh: save session failed", "user_broker_id", ub.ID, "error", err)
		return
	}
	m.cacheSession(s)
	m.logger.Info("session refreshed", "user_broker_id", ub.ID, "expires_at", expiresAt)
	m.notify(ub.ID, token)
}
