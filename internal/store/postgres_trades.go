package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"mtf-engine/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) CreateTrade(ctx context.Context, t *types.Trade) error {
	touch(&t.Meta, time.Now())
	data, err := marshal(t)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO trades (id, intent_id, user_id, user_broker_id, symbol, status, data, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.IntentID, t.UserID, t.UserBrokerID, t.Symbol, t.Status, data, t.Version, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err, "trades_intent_id_key") {
		return ErrDuplicateIntent
	}
	return err
}

func (p *Postgres) GetTrade(ctx context.Context, id string) (*types.Trade, error) {
	return scanOne[types.Trade](ctx, p.pool,
		`SELECT data FROM trades WHERE id = $1 AND deleted_at IS NULL`, id)
}

func (p *Postgres) GetTradeByIntent(ctx context.Context, intentID string) (*types.Trade, error) {
	return scanOne[types.Trade](ctx, p.pool,
		`SELECT data FROM trades WHERE intent_id = $1 AND deleted_at IS NULL`, intentID)
}

func (p *Postgres) UpdateTrade(ctx context.Context, t *types.Trade) error {
	return p.updateVersioned(ctx, "trades", t.ID, &t.Meta, t, func(data []byte, now time.Time) (string, []any) {
		return `UPDATE trades SET status = $3, data = $4, version = $5, updated_at = $6
			WHERE id = $1 AND version = $2 AND deleted_at IS NULL`,
			[]any{t.ID, t.Version - 1, t.Status, data, t.Version, now}
	})
}

func (p *Postgres) ListTradesByStatus(ctx context.Context, statuses ...types.TradeStatus) ([]*types.Trade, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	return scanMany[types.Trade](ctx, p.pool,
		`SELECT data FROM trades WHERE status = ANY($1) AND deleted_at IS NULL ORDER BY created_at`, ss)
}

// ————————————————————————————————————————————————————————————————————————
// Exit intents
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) CreateExitIntent(ctx context.Context, e *types.ExitIntent) error {
	touch(&e.Meta, time.Now())
	data, err := marshal(e)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO exit_intents (id, trade_id, status, data, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.TradeID, e.Status, data, e.Version, e.CreatedAt, e.UpdatedAt)
	return err
}

func (p *Postgres) GetExitIntent(ctx context.Context, id string) (*types.ExitIntent, error) {
	return scanOne[types.ExitIntent](ctx, p.pool,
		`SELECT data FROM exit_intents WHERE id = $1 AND deleted_at IS NULL`, id)
}

func (p *Postgres) UpdateExitIntent(ctx context.Context, e *types.ExitIntent) error {
	return p.updateVersioned(ctx, "exit_intents", e.ID, &e.Meta, e, func(data []byte, now time.Time) (string, []any) {
		return `UPDATE exit_intents SET status = $3, data = $4, version = $5, updated_at = $6
			WHERE id = $1 AND version = $2 AND deleted_at IS NULL`,
			[]any{e.ID, e.Version - 1, e.Status, data, e.Version, now}
	})
}

func (p *Postgres) ListExitIntentsByStatus(ctx context.Context, statuses ...types.ExitIntentStatus) ([]*types.ExitIntent, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	return scanMany[types.ExitIntent](ctx, p.pool,
		`SELECT data FROM exit_intents WHERE status = ANY($1) AND deleted_at IS NULL ORDER BY created_at`, ss)
}

// MarkExitIntentPlaced flips APPROVED -> PLACED only if the intent is still
// APPROVED. Exactly one caller wins; everyone else sees false.
func (p *Postgres) MarkExitIntentPlaced(ctx context.Context, id, brokerOrderID string, placedAt time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE exit_intents SET status = 'PLACED',
			data = data || jsonb_build_object(
				'Status', 'PLACED',
				'BrokerOrderID', $2::text,
				'PlacedAt', to_jsonb($3::timestamptz)),
			version = version + 1, updated_at = $4
		WHERE id = $1 AND status = 'APPROVED' AND deleted_at IS NULL`,
		id, brokerOrderID, placedAt, time.Now())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ————————————————————————————————————————————————————————————————————————
// Portfolios
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) GetPortfolio(ctx context.Context, userID string) (*types.Portfolio, error) {
	return scanOne[types.Portfolio](ctx, p.pool,
		`SELECT data FROM portfolios WHERE user_id = $1 AND deleted_at IS NULL`, userID)
}

// GetPortfolioContext loads the point-in-time portfolio state validation
// reads: exposure over live trades and realized losses over the day and
// trailing week.
func (p *Postgres) GetPortfolioContext(ctx context.Context, userID string) (*types.PortfolioContext, error) {
	pf, err := p.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	pc := &types.PortfolioContext{
		PortfolioID:      pf.ID,
		TotalCapital:     pf.TotalCapital,
		AvailableCapital: pf.AvailableCapital,
	}

	var exposure, logExposure string
	var count int
	err = p.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM((data->>'EntryValue')::numeric), 0)::text,
		       COALESCE(SUM((data->>'MaxLogLoss')::numeric), 0)::text,
		       COUNT(*)
		FROM trades
		WHERE user_id = $1 AND status IN ('PENDING','OPEN','EXITING') AND deleted_at IS NULL`,
		userID).Scan(&exposure, &logExposure, &count)
	if err != nil {
		return nil, err
	}
	if pc.CurrentExposure, err = decimal.NewFromString(exposure); err != nil {
		return nil, err
	}
	if pc.CurrentLogExposure, err = decimal.NewFromString(logExposure); err != nil {
		return nil, err
	}
	pc.OpenTradeCount = count

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := now.AddDate(0, 0, -7)

	var dailyLoss, weeklyLoss string
	err = p.pool.QueryRow(ctx, `
		SELECT COALESCE(-SUM(LEAST((data->>'RealizedPnL')::numeric, 0)) FILTER (WHERE updated_at >= $2), 0)::text,
		       COALESCE(-SUM(LEAST((data->>'RealizedPnL')::numeric, 0)) FILTER (WHERE updated_at >= $3), 0)::text
		FROM trades
		WHERE user_id = $1 AND status = 'CLOSED' AND deleted_at IS NULL`,
		userID, dayStart, weekStart).Scan(&dailyLoss, &weeklyLoss)
	if err != nil {
		return nil, err
	}
	if pc.DailyLoss, err = decimal.NewFromString(dailyLoss); err != nil {
		return nil, err
	}
	if pc.WeeklyLoss, err = decimal.NewFromString(weeklyLoss); err != nil {
		return nil, err
	}
	return pc, nil
}
