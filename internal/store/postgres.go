package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mtf-engine/pkg/types"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects, verifies the connection, and applies the schema.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger = logger.With("component", "store")
	logger.Info("postgres store ready")
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// isUniqueViolation reports whether err is a Postgres unique constraint
// failure, optionally on a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return b, nil
}

func unmarshal[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return &v, nil
}

// touch stamps create/update metadata before a write.
func touch(m *types.Meta, now time.Time) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Version == 0 {
		m.Version = 1
	}
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) CreateSignal(ctx context.Context, s *types.Signal) error {
	touch(&s.Meta, time.Now())
	data, err := marshal(s)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO signals (id, symbol, signal_day, signal_type, direction, status, data, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.ID, s.Symbol, s.SignalDay, s.SignalType, s.Direction, s.Status, data, s.Version, s.CreatedAt, s.UpdatedAt)
	if isUniqueViolation(err, "signals_dedupe") {
		return ErrDuplicateSignal
	}
	return err
}

func (p *Postgres) GetSignal(ctx context.Context, id string) (*types.Signal, error) {
	return scanOne[types.Signal](ctx, p.pool,
		`SELECT data FROM signals WHERE id = $1 AND deleted_at IS NULL`, id)
}

func (p *Postgres) ListActiveSignals(ctx context.Context) ([]*types.Signal, error) {
	return scanMany[types.Signal](ctx, p.pool,
		`SELECT data FROM signals WHERE status = 'ACTIVE' AND deleted_at IS NULL ORDER BY created_at`)
}

func (p *Postgres) UpdateSignal(ctx context.Context, s *types.Signal) error {
	return p.updateVersioned(ctx, "signals", s.ID, &s.Meta, s, func(data []byte, now time.Time) (string, []any) {
		return `UPDATE signals SET status = $3, data = $4, version = $5, updated_at = $6
			WHERE id = $1 AND version = $2 AND deleted_at IS NULL`,
			[]any{s.ID, s.Version - 1, s.Status, data, s.Version, now}
	})
}

func (p *Postgres) SupersedeSignal(ctx context.Context, oldID string, replacement *types.Signal) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		now := time.Now()
		tag, err := tx.Exec(ctx, `
			UPDATE signals SET status = 'SUPERSEDED',
				data = jsonb_set(data, '{Status}', '"SUPERSEDED"'),
				version = version + 1, updated_at = $2
			WHERE id = $1 AND status = 'ACTIVE' AND deleted_at IS NULL`, oldID, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		// Unconsumed deliveries of the old signal expire with it.
		if _, err := tx.Exec(ctx, `
			UPDATE signal_deliveries SET status = 'EXPIRED',
				data = jsonb_set(data, '{Status}', '"EXPIRED"'),
				version = version + 1, updated_at = $2
			WHERE signal_id = $1 AND status IN ('CREATED','DELIVERED') AND deleted_at IS NULL`, oldID, now); err != nil {
			return err
		}

		touch(&replacement.Meta, now)
		data, err := marshal(replacement)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO signals (id, symbol, signal_day, signal_type, direction, status, data, version, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			replacement.ID, replacement.Symbol, replacement.SignalDay, replacement.SignalType,
			replacement.Direction, replacement.Status, data, replacement.Version,
			replacement.CreatedAt, replacement.UpdatedAt)
		if isUniqueViolation(err, "signals_dedupe") {
			return ErrDuplicateSignal
		}
		return err
	})
}

// ————————————————————————————————————————————————————————————————————————
// Deliveries
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) CreateDeliveries(ctx context.Context, ds []*types.SignalDelivery) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		now := time.Now()
		for _, d := range ds {
			touch(&d.Meta, now)
			data, err := marshal(d)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO signal_deliveries (id, signal_id, user_broker_id, status, data, version, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				d.ID, d.SignalID, d.UserBrokerID, d.Status, data, d.Version, d.CreatedAt, d.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) GetDelivery(ctx context.Context, id string) (*types.SignalDelivery, error) {
	return scanOne[types.SignalDelivery](ctx, p.pool,
		`SELECT data FROM signal_deliveries WHERE id = $1 AND deleted_at IS NULL`, id)
}

func (p *Postgres) ListDeliveriesForSignal(ctx context.Context, signalID string) ([]*types.SignalDelivery, error) {
	return scanMany[types.SignalDelivery](ctx, p.pool,
		`SELECT data FROM signal_deliveries WHERE signal_id = $1 AND deleted_at IS NULL ORDER BY created_at`, signalID)
}

func (p *Postgres) ListDeliveriesByStatus(ctx context.Context, statuses ...types.DeliveryStatus) ([]*types.SignalDelivery, error) {
	return scanMany[types.SignalDelivery](ctx, p.pool,
		`SELECT data FROM signal_deliveries WHERE status = ANY($1) AND deleted_at IS NULL ORDER BY created_at`,
		deliveryStatusStrings(statuses))
}

func deliveryStatusStrings(ss []types.DeliveryStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func (p *Postgres) UpdateDelivery(ctx context.Context, d *types.SignalDelivery) error {
	return p.updateVersioned(ctx, "signal_deliveries", d.ID, &d.Meta, d, func(data []byte, now time.Time) (string, []any) {
		return `UPDATE signal_deliveries SET status = $3, data = $4, version = $5, updated_at = $6
			WHERE id = $1 AND version = $2 AND deleted_at IS NULL`,
			[]any{d.ID, d.Version - 1, d.Status, data, d.Version, now}
	})
}

// ConsumeDelivery flips the delivery to CONSUMED and inserts the intent in
// one transaction. Losing racers get ErrDeliveryConsumed and must not
// place an order.
func (p *Postgres) ConsumeDelivery(ctx context.Context, deliveryID string, intent *types.TradeIntent) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		now := time.Now()
		touch(&intent.Meta, now)

		tag, err := tx.Exec(ctx, `
			UPDATE signal_deliveries SET status = 'CONSUMED',
				data = data || jsonb_build_object('Status', 'CONSUMED', 'IntentID', $2::text),
				version = version + 1, updated_at = $3
			WHERE id = $1 AND status IN ('CREATED','DELIVERED') AND deleted_at IS NULL`,
			deliveryID, intent.ID, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrDeliveryConsumed
		}

		data, err := marshal(intent)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO trade_intents (id, signal_id, user_broker_id, status, data, version, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			intent.ID, intent.SignalID, intent.UserBrokerID, intent.Status, data,
			intent.Version, intent.CreatedAt, intent.UpdatedAt)
		return err
	})
}

// ————————————————————————————————————————————————————————————————————————
// Intents
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) GetIntent(ctx context.Context, id string) (*types.TradeIntent, error) {
	return scanOne[types.TradeIntent](ctx, p.pool,
		`SELECT data FROM trade_intents WHERE id = $1 AND deleted_at IS NULL`, id)
}

func (p *Postgres) UpdateIntent(ctx context.Context, in *types.TradeIntent) error {
	return p.updateVersioned(ctx, "trade_intents", in.ID, &in.Meta, in, func(data []byte, now time.Time) (string, []any) {
		return `UPDATE trade_intents SET status = $3, data = $4, version = $5, updated_at = $6
			WHERE id = $1 AND version = $2 AND deleted_at IS NULL`,
			[]any{in.ID, in.Version - 1, in.Status, data, in.Version, now}
	})
}

func (p *Postgres) ListIntentsByStatus(ctx context.Context, statuses ...types.IntentStatus) ([]*types.TradeIntent, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	return scanMany[types.TradeIntent](ctx, p.pool,
		`SELECT data FROM trade_intents WHERE status = ANY($1) AND deleted_at IS NULL ORDER BY created_at`, ss)
}

// ————————————————————————————————————————————————————————————————————————
// Shared query helpers
// ————————————————————————————————————————————————————————————————————————

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanOne[T any](ctx context.Context, q querier, sql string, args ...any) (*T, error) {
	var data []byte
	err := q.QueryRow(ctx, sql, args...).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshal[T](data)
}

func scanMany[T any](ctx context.Context, q querier, sql string, args ...any) ([]*T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		v, err := unmarshal[T](data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// updateVersioned bumps the entity's version and runs a conditional UPDATE
// that must match the prior version. No matched row means a concurrent
// writer won.
func (p *Postgres) updateVersioned(ctx context.Context, table, id string, m *types.Meta, entity any, build func(data []byte, now time.Time) (string, []any)) error {
	now := time.Now()
	m.Version++
	m.UpdatedAt = now
	data, err := marshal(entity)
	if err != nil {
		m.Version--
		return err
	}
	sql, args := build(data, now)
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		m.Version--
		return err
	}
	if tag.RowsAffected() == 0 {
		m.Version--
		exists, err := p.rowExists(ctx, table, id)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (p *Postgres) rowExists(ctx context.Context, table, id string) (bool, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1 AND deleted_at IS NULL`, table), id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

var _ Store = (*Postgres)(nil)
