// Package candle aggregates accepted ticks into OHLCV bars across every
// configured timeframe. A bar finalizes when a tick lands past its close
// boundary or when the periodic sweep notices the boundary passed on a
// quiet symbol. Finalized bars are persisted and announced on the bus;
// in-progress bars stay in memory only.
package candle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mtf-engine/internal/events"
	"mtf-engine/internal/feed"
	"mtf-engine/internal/store"
	"mtf-engine/pkg/types"
)

type barKey struct {
	symbol string
	tf     types.Timeframe
}

// Builder owns the in-progress bar per (symbol, timeframe).
type Builder struct {
	store      store.Store
	bus        *events.Bus
	timeframes []types.Timeframe
	logger     *slog.Logger

	mu   sync.Mutex
	bars map[barKey]*types.Candle

	now func() time.Time
}

func NewBuilder(st store.Store, bus *events.Bus, timeframes []types.Timeframe, logger *slog.Logger) *Builder {
	return &Builder{
		store:      st,
		bus:        bus,
		timeframes: timeframes,
		logger:     logger.With("component", "candle_builder"),
		bars:       make(map[barKey]*types.Candle),
		now:        time.Now,
	}
}

// Run consumes the intake listener until ctx is cancelled. The finalize
// sweep is driven by the scheduler calling Sweep.
func (b *Builder) Run(ctx context.Context, l *feed.Listener) error {
	b.logger.Info("candle builder started", "timeframes", len(b.timeframes))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-l.C:
			b.Apply(ctx, tick)
		}
	}
}

// Apply folds one tick into every timeframe's bar, finalizing bars the
// tick has moved past.
func (b *Builder) Apply(ctx context.Context, tick types.Tick) {
	at := tick.BrokerTime
	if at.IsZero() {
		at = tick.ReceivedAt
	}

	var finalized []types.Candle
	b.mu.Lock()
	for _, tf := range b.timeframes {
		key := barKey{symbol: tick.Symbol, tf: tf}
		open := tf.Truncate(at)

		bar := b.bars[key]
		if bar != nil && open.Before(bar.OpenTime) {
			continue // late tick for an already-closed bar
		}
		if bar != nil && open.After(bar.OpenTime) {
			done := *bar
			done.Final = true
			finalized = append(finalized, done)
			bar = nil
		}
		if bar == nil {
			b.bars[key] = &types.Candle{
				Symbol:    tick.Symbol,
				Timeframe: tf,
				OpenTime:  open,
				CloseTime: open.Add(tf.Duration()),
				Open:      tick.LastPrice,
				High:      tick.LastPrice,
				Low:       tick.LastPrice,
				Close:     tick.LastPrice,
				Volume:    tick.Volume,
			}
			continue
		}
		if tick.LastPrice.GreaterThan(bar.High) {
			bar.High = tick.LastPrice
		}
		if tick.LastPrice.LessThan(bar.Low) {
			bar.Low = tick.LastPrice
		}
		bar.Close = tick.LastPrice
		// Broker volume is cumulative for the day; keep the latest rather
		// than summing.
		bar.Volume = tick.Volume
	}
	b.mu.Unlock()

	for i := range finalized {
		b.finalize(ctx, &finalized[i])
	}
}

// Sweep finalizes bars whose close boundary passed with no new tick, so a
// symbol that went quiet still closes its bar.
func (b *Builder) Sweep(ctx context.Context, now time.Time) {
	var finalized []types.Candle
	b.mu.Lock()
	for key, bar := range b.bars {
		if now.Before(bar.CloseTime) {
			continue
		}
		done := *bar
		done.Final = true
		finalized = append(finalized, done)
		delete(b.bars, key)
	}
	b.mu.Unlock()

	for i := range finalized {
		b.finalize(ctx, &finalized[i])
	}
}

func (b *Builder) finalize(ctx context.Context, c *types.Candle) {
	if err := b.store.SaveCandle(ctx, c); err != nil {
		b.logger.Error("persist candle failed",
			"symbol", c.Symbol, "timeframe", c.Timeframe, "open_time", c.OpenTime, "error", err)
		return
	}
	b.bus.Publish(events.CandleFinalized, map[string]any{
		"symbol":    c.Symbol,
		"timeframe": string(c.Timeframe),
		"open_time": c.OpenTime,
		"close":     c.Close.String(),
	})
}

// InProgress returns a copy of the current bar, if any. Used by analytics
// that want the live bar alongside history.
func (b *Builder) InProgress(symbol string, tf types.Timeframe) (types.Candle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bar, ok := b.bars[barKey{symbol: symbol, tf: tf}]
	if !ok {
		return types.Candle{}, false
	}
	return *bar, true
}
