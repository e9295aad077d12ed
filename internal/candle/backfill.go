package candle

import (
	"context"
	"log/slog"
	"time"

	"mtf-engine/internal/broker"
	"mtf-engine/internal/store"
	"mtf-engine/pkg/types"
)

// Backfiller fills the candle store from broker history so multi-timeframe
// analysis has its lookback on startup and after downtime.
type Backfiller struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewBackfiller(st store.Store, logger *slog.Logger) *Backfiller {
	return &Backfiller{
		store:  st,
		logger: logger.With("component", "candle_backfiller"),
		now:    time.Now,
	}
}

// Backfill loads up to lookback bars per (symbol, timeframe), resuming
// from the last stored bar when one exists. Symbols that fail are logged
// and skipped; one bad symbol must not starve the rest.
func (bf *Backfiller) Backfill(ctx context.Context, dataBroker broker.Port, symbols []string, tfs []types.Timeframe, lookback int) error {
	now := bf.now()
	for _, symbol := range symbols {
		for _, tf := range tfs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := bf.backfillOne(ctx, dataBroker, symbol, tf, lookback, now); err != nil {
				bf.logger.Warn("backfill failed",
					"symbol", symbol, "timeframe", tf, "error", err)
			}
		}
	}
	return nil
}

func (bf *Backfiller) backfillOne(ctx context.Context, dataBroker broker.Port, symbol string, tf types.Timeframe, lookback int, now time.Time) error {
	from := now.Add(-time.Duration(lookback) * tf.Duration())
	if stored, err := bf.store.ListCandles(ctx, symbol, tf, from, now); err == nil && len(stored) > 0 {
		last := stored[len(stored)-1]
		if resume := last.CloseTime; resume.After(from) {
			from = resume
		}
	}
	if !from.Before(now.Add(-tf.Duration())) {
		return nil // already current
	}

	candles, err := dataBroker.GetHistoricalCandles(ctx, symbol, tf, from, now)
	if err != nil {
		// Brokers that don't serve this timeframe natively get 1m bars
		// aggregated up.
		if broker.IsKind(err, broker.KindInvalidOrder) && tf != types.TF1m {
			base, berr := dataBroker.GetHistoricalCandles(ctx, symbol, types.TF1m, from, now)
			if berr != nil {
				return berr
			}
			candles = Aggregate(base, tf)
		} else {
			return err
		}
	}

	saved := 0
	for i := range candles {
		// The bar containing now is still forming; never persist it as final.
		if candles[i].CloseTime.After(now) {
			continue
		}
		if err := bf.store.SaveCandle(ctx, &candles[i]); err != nil {
			return err
		}
		saved++
	}
	if saved > 0 {
		bf.logger.Debug("backfilled candles", "symbol", symbol, "timeframe", tf, "count", saved)
	}
	return nil
}

// Aggregate rolls base bars (any uniform finer timeframe) up into tf bars.
// Input must be sorted by open time.
func Aggregate(base []types.Candle, tf types.Timeframe) []types.Candle {
	var out []types.Candle
	var cur *types.Candle

	for _, c := range base {
		open := tf.Truncate(c.OpenTime)
		if cur != nil && !open.Equal(cur.OpenTime) {
			out = append(out, *cur)
			cur = nil
		}
		if cur == nil {
			cur = &types.Candle{
				Symbol:    c.Symbol,
				Timeframe: tf,
				OpenTime:  open,
				CloseTime: open.Add(tf.Duration()),
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
				Final:     true,
			}
			continue
		}
		if c.High.GreaterThan(cur.High) {
			cur.High = c.High
		}
		if c.Low.LessThan(cur.Low) {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume = c.Volume
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}
