package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"mtf-engine/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// User-broker pairings
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) ListUserBrokers(ctx context.Context) ([]*types.UserBroker, error) {
	return scanMany[types.UserBroker](ctx, p.pool,
		`SELECT data FROM user_brokers WHERE deleted_at IS NULL ORDER BY created_at`)
}

func (p *Postgres) GetUserBroker(ctx context.Context, id string) (*types.UserBroker, error) {
	return scanOne[types.UserBroker](ctx, p.pool,
		`SELECT data FROM user_brokers WHERE id = $1 AND deleted_at IS NULL`, id)
}

func (p *Postgres) UpdateUserBroker(ctx context.Context, ub *types.UserBroker) error {
	return p.updateVersioned(ctx, "user_brokers", ub.ID, &ub.Meta, ub, func(data []byte, now time.Time) (string, []any) {
		return `UPDATE user_brokers SET data = $3, version = $4, updated_at = $5
			WHERE id = $1 AND version = $2 AND deleted_at IS NULL`,
			[]any{ub.ID, ub.Version - 1, data, ub.Version, now}
	})
}

// ————————————————————————————————————————————————————————————————————————
// Sessions
// ————————————————————————————————————————————————————————————————————————

// GetActiveSession returns the most recent unexpired session for a pairing.
func (p *Postgres) GetActiveSession(ctx context.Context, userBrokerID string) (*types.Session, error) {
	return scanOne[types.Session](ctx, p.pool, `
		SELECT data FROM user_broker_sessions
		WHERE user_broker_id = $1 AND expires_at > now() AND deleted_at IS NULL
		ORDER BY expires_at DESC LIMIT 1`, userBrokerID)
}

// SaveSession inserts or replaces the session row for its id.
func (p *Postgres) SaveSession(ctx context.Context, s *types.Session) error {
	now := time.Now()
	touch(&s.Meta, now)
	data, err := marshal(s)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO user_broker_sessions (id, user_broker_id, expires_at, data, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			expires_at = EXCLUDED.expires_at,
			data = EXCLUDED.data,
			version = user_broker_sessions.version + 1,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.UserBrokerID, s.ExpiresAt, data, s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

// ————————————————————————————————————————————————————————————————————————
// OAuth states
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) CreateOAuthState(ctx context.Context, s *types.OAuthState) error {
	touch(&s.Meta, time.Now())
	data, err := marshal(s)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO oauth_states (id, state, user_broker_id, expires_at, data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		s.ID, s.State, s.UserBrokerID, s.ExpiresAt, data, s.CreatedAt)
	return err
}

// ConsumeOAuthState atomically marks an unused, unexpired state used and
// returns it. A replayed or expired state gets ErrStateUsed.
func (p *Postgres) ConsumeOAuthState(ctx context.Context, state string, now time.Time) (*types.OAuthState, error) {
	out, err := scanOne[types.OAuthState](ctx, p.pool, `
		UPDATE oauth_states SET used_at = $2,
			data = jsonb_set(data, '{UsedAt}', to_jsonb($2::timestamptz))
		WHERE state = $1 AND used_at IS NULL AND expires_at > $2 AND deleted_at IS NULL
		RETURNING data`, state, now)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrStateUsed
	}
	return out, err
}

// SweepOAuthStates soft-deletes expired states and returns how many.
func (p *Postgres) SweepOAuthStates(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE oauth_states SET deleted_at = $1
		WHERE expires_at <= $1 AND deleted_at IS NULL`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ————————————————————————————————————————————————————————————————————————
// Watchlists
// ————————————————————————————————————————————————————————————————————————

// ListWatchlistSymbols returns the deduplicated union of every user's
// watchlist, the symbol universe the feed subscribes to.
func (p *Postgres) ListWatchlistSymbols(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT symbol FROM watchlists ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Instruments
// ————————————————————————————————————————————————————————————————————————

// UpsertInstruments merges a broker's instrument dump into the master,
// preserving tokens contributed by other brokers.
func (p *Postgres) UpsertInstruments(ctx context.Context, ins []types.Instrument) (int, error) {
	n := 0
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for i := range ins {
			data, err := marshal(&ins[i])
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO instruments (exchange, trading_symbol, data, updated_at)
				VALUES ($1,$2,$3,$4)
				ON CONFLICT (exchange, trading_symbol) DO UPDATE SET
					data = instruments.data || jsonb_build_object('BrokerTokens',
						COALESCE(instruments.data->'BrokerTokens', '{}'::jsonb) || COALESCE(EXCLUDED.data->'BrokerTokens', '{}'::jsonb))
						|| (EXCLUDED.data - 'BrokerTokens'),
					updated_at = EXCLUDED.updated_at`,
				ins[i].Exchange, ins[i].TradingSymbol, data, ins[i].UpdatedAt)
			if err != nil {
				return err
			}
			n += int(tag.RowsAffected())
		}
		return nil
	})
	return n, err
}

func (p *Postgres) ListInstruments(ctx context.Context) ([]types.Instrument, error) {
	ptrs, err := scanMany[types.Instrument](ctx, p.pool,
		`SELECT data FROM instruments ORDER BY exchange, trading_symbol`)
	if err != nil {
		return nil, err
	}
	out := make([]types.Instrument, len(ptrs))
	for i, in := range ptrs {
		out[i] = *in
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// SaveCandle inserts a finalized candle; a re-finalized bar overwrites.
func (p *Postgres) SaveCandle(ctx context.Context, c *types.Candle) error {
	data, err := marshal(c)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO candles (symbol, timeframe, open_time, data)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (symbol, timeframe, open_time) DO UPDATE SET data = EXCLUDED.data`,
		c.Symbol, c.Timeframe, c.OpenTime, data)
	return err
}

func (p *Postgres) ListCandles(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Candle, error) {
	ptrs, err := scanMany[types.Candle](ctx, p.pool, `
		SELECT data FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND open_time >= $3 AND open_time < $4
		ORDER BY open_time`, symbol, tf, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]types.Candle, len(ptrs))
	for i, c := range ptrs {
		out[i] = *c
	}
	return out, nil
}

// SaveTickEvent appends one raw tick for offline analysis (FEED_COLLECTOR).
func (p *Postgres) SaveTickEvent(ctx context.Context, t types.Tick) error {
	data, err := marshal(&t)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO tick_events (symbol, received_at, data) VALUES ($1,$2,$3)`,
		t.Symbol, t.ReceivedAt, data)
	return err
}
