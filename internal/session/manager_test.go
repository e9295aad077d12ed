package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-engine/internal/broker"
	"mtf-engine/internal/config"
	"mtf-engine/internal/events"
	"mtf-engine/internal/store"
	"mtf-engine/pkg/types"
)

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		RefreshWindow: 5 * time.Minute,
		RetryInterval: 30 * time.Second,
		StateTTL:      15 * time.Minute,
		CleanupEvery:  10 * time.Minute,
		ExpirySkew:    60 * time.Second,
	}
}

func newTestManager(t *testing.T) (*Manager, *store.Memory, *events.Bus) {
	t.Helper()
	mem := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(logger)
	m := NewManager(mem, bus, testConfig(), logger)
	m.SetRegistry(broker.NewRegistry(5, m.TokenSource, logger))
	return m, mem, bus
}

func seedPairing(t *testing.T, mem *store.Memory, id string, state types.UserBrokerState) {
	t.Helper()
	mem.AddUserBroker(&types.UserBroker{
		Meta:       types.Meta{ID: id},
		UserID:     "u1",
		BrokerCode: types.BrokerMock,
		Role:       types.RoleExec,
		State:      state,
	})
}

func TestGetTokenFromActiveSession(t *testing.T) {
	t.Parallel()
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	seedPairing(t, mem, "ub1", types.UserBrokerConnected)

	require.NoError(t, mem.SaveSession(ctx, &types.Session{
		Meta: types.Meta{ID: "s1"}, UserBrokerID: "ub1",
		AccessToken: "tok-1", ExpiresAt: time.Now().Add(4 * time.Hour),
	}))

	tok, err := m.GetToken(ctx, "ub1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}

func TestGetTokenExpirySkew(t *testing.T) {
	t.Parallel()
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	seedPairing(t, mem, "ub1", types.UserBrokerConnected)

	// Expires in 30s, inside the 60s skew: treated as already expired.
	require.NoError(t, mem.SaveSession(ctx, &types.Session{
		Meta: types.Meta{ID: "s1"}, UserBrokerID: "ub1",
		AccessToken: "tok-1", ExpiresAt: time.Now().Add(30 * time.Second),
	}))

	_, err := m.GetToken(ctx, "ub1")
	require.Error(t, err)
	assert.True(t, broker.IsKind(err, broker.KindTokenExpired))

	ub, err := mem.GetUserBroker(ctx, "ub1")
	require.NoError(t, err)
	assert.Equal(t, types.UserBrokerLoginRequired, ub.State)
}

func TestExpiredSessionAnnouncesLoginRequired(t *testing.T) {
	t.Parallel()
	m, mem, bus := newTestManager(t)
	ctx := context.Background()
	seedPairing(t, mem, "ub1", types.UserBrokerConnected)
	sub := bus.Subscribe(4)

	require.NoError(t, mem.SaveSession(ctx, &types.Session{
		Meta: types.Meta{ID: "s1"}, UserBrokerID: "ub1",
		AccessToken: "tok-1", ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, err := m.GetToken(ctx, "ub1")
	require.Error(t, err)

	select {
	case evt := <-sub:
		assert.Equal(t, events.SessionLoginRequired, evt.Kind)
		assert.Equal(t, "ub1", evt.Payload["user_broker_id"])
		assert.Equal(t, "u1", evt.Payload["user_id"])
	default:
		t.Fatal("expected SESSION_LOGIN_REQUIRED event")
	}
}

func TestGetTokenNoSession(t *testing.T) {
	t.Parallel()
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	seedPairing(t, mem, "ub1", types.UserBrokerConnected)

	_, err := m.GetToken(ctx, "ub1")
	require.Error(t, err)
	assert.True(t, broker.IsKind(err, broker.KindTokenExpired))
}

func TestLoginFlow(t *testing.T) {
	t.Parallel()
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	seedPairing(t, mem, "ub1", types.UserBrokerLoginRequired)

	state, err := m.BeginLogin(ctx, "ub1")
	require.NoError(t, err)
	require.NotEmpty(t, state)

	var fanned []string
	m.Subscribe(func(ubID, token string) { fanned = append(fanned, ubID) })

	s, err := m.CompleteLogin(ctx, state, "auth-code")
	require.NoError(t, err)
	assert.NotEmpty(t, s.AccessToken)
	assert.True(t, s.ExpiresAt.After(time.Now()))
	assert.Equal(t, []string{"ub1"}, fanned)

	ub, err := mem.GetUserBroker(ctx, "ub1")
	require.NoError(t, err)
	assert.Equal(t, types.UserBrokerConnected, ub.State)

	// The token is immediately usable.
	tok, err := m.GetToken(ctx, "ub1")
	require.NoError(t, err)
	assert.Equal(t, s.AccessToken, tok)

	// Replaying the state fails without a broker call.
	_, err = m.CompleteLogin(ctx, state, "auth-code")
	assert.Error(t, err)
}

func TestCompleteLoginExpiredState(t *testing.T) {
	t.Parallel()
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	seedPairing(t, mem, "ub1", types.UserBrokerLoginRequired)

	require.NoError(t, mem.CreateOAuthState(ctx, &types.OAuthState{
		Meta: types.Meta{ID: "o1"}, State: "stale", UserBrokerID: "ub1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, err := m.CompleteLogin(ctx, "stale", "auth-code")
	assert.Error(t, err)
}

func TestRefreshInsideWindow(t *testing.T) {
	t.Parallel()
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	seedPairing(t, mem, "ub1", types.UserBrokerConnected)

	require.NoError(t, mem.SaveSession(ctx, &types.Session{
		Meta: types.Meta{ID: "s1"}, UserBrokerID: "ub1",
		AccessToken: "old-token", RefreshToken: "refresh-1",
		ExpiresAt: time.Now().Add(2 * time.Minute), // inside the 5m window
	}))

	var fanned []string
	m.Subscribe(func(ubID, token string) { fanned = append(fanned, token) })

	m.refreshPass(ctx)

	s, err := mem.GetActiveSession(ctx, "ub1")
	require.NoError(t, err)
	assert.NotEqual(t, "old-token", s.AccessToken)
	assert.True(t, s.ExpiresAt.After(time.Now().Add(time.Hour)))
	require.Len(t, fanned, 1)
	assert.Equal(t, s.AccessToken, fanned[0])
}

func TestRefreshOutsideWindowIsNoop(t *testing.T) {
	t.Parallel()
	m, mem, _ := newTestManager(t)
	ctx := context.Background()
	seedPairing(t, mem, "ub1", types.UserBrokerConnected)

	require.NoError(t, mem.SaveSession(ctx, &types.Session{
		Meta: types.Meta{ID: "s1"}, UserBrokerID: "ub1",
		AccessToken: "fresh", RefreshToken: "refresh-1",
		ExpiresAt: time.Now().Add(3 * time.Hour),
	}))

	m.refreshPass(ctx)

	s, err := mem.GetActiveSession(ctx, "ub1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", s.AccessToken)
}

func TestNextSessionExpiry(t *testing.T) {
	t.Parallel()

	// Login at 10:00 -> expires 06:00 next day.
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC), nextSessionExpiry(at))

	// Login at 05:00 -> expires 06:00 same day.
	early := time.Date(2026, 8, 24, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC), nextSessionExpiry(early))
}
