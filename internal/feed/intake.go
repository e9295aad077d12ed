// Package feed implements tick intake: the single entry point for market
// data from the data broker's stream. It deduplicates replayed and
// semantically duplicate ticks, keeps the in-memory LTP cache everything
// else quotes from, fans accepted ticks out to bounded listener channels,
// and optionally persists raw ticks through an async writer.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"mtf-engine/internal/broker"
	"mtf-engine/internal/config"
	"mtf-engine/internal/metrics"
	"mtf-engine/internal/store"
	"mtf-engine/pkg/types"
)

// Listener is one registered tick consumer. Ticks are delivered on a
// bounded channel; when the consumer falls behind, the oldest undelivered
// tick is dropped so fresh prices keep flowing.
type Listener struct {
	Name string
	C    <-chan types.Tick

	ch      chan types.Tick
	dropped atomic.Int64
}

// Dropped reports how many ticks this listener lost to backpressure.
func (l *Listener) Dropped() int64 { return l.dropped.Load() }

// exactKey identifies a broker-level replay: same symbol, same broker
// timestamp.
type exactKey struct {
	symbol     string
	brokerTime int64 // unix nanos
}

// semanticKey identifies a same-content duplicate arriving on a different
// timestamp: same symbol, price, and cumulative volume.
type semanticKey struct {
	symbol string
	price  string
	volume int64
}

// Intake is the tick pipeline head. Accept is safe for concurrent use and
// never blocks on slow consumers.
type Intake struct {
	cfg    config.FeedConfig
	store  store.Store
	logger *slog.Logger

	mu        sync.Mutex
	exactSeen map[exactKey]time.Time
	semSeen   map[semanticKey]time.Time
	lastPrune time.Time

	ltpMu sync.RWMutex
	ltp   map[string]types.Tick

	listenersMu sync.RWMutex
	listeners   []*Listener

	accepted atomic.Int64
	rejected atomic.Int64

	persistCh chan types.Tick

	now func() time.Time
}

func NewIntake(cfg config.FeedConfig, st store.Store, logger *slog.Logger) *Intake {
	in := &Intake{
		cfg:       cfg,
		store:     st,
		logger:    logger.With("component", "tick_intake"),
		exactSeen: make(map[exactKey]time.Time),
		semSeen:   make(map[semanticKey]time.Time),
		ltp:       make(map[string]types.Tick),
		now:       time.Now,
	}
	if cfg.PersistTickEvents && cfg.AsyncEventWriterEnabled {
		in.persistCh = make(chan types.Tick, 4096)
	}
	return in
}

// Register adds a named listener with the configured buffer depth.
func (in *Intake) Register(name string) *Listener {
	l := &Listener{Name: name, ch: make(chan types.Tick, in.cfg.ListenerBuffer)}
	l.C = l.ch
	in.listenersMu.Lock()
	in.listeners = append(in.listeners, l)
	in.listenersMu.Unlock()
	return l
}

// Accept runs one tick through dedup and, if it survives, updates the LTP
// cache and fans it out. This is the broker stream's TickListener.
func (in *Intake) Accept(tick types.Tick) {
	if tick.ReceivedAt.IsZero() {
		tick.ReceivedAt = in.now()
	}
	if window := in.admit(tick); window != "" {
		in.rejected.Add(1)
		metrics.IncTickDeduped(window)
		return
	}
	in.accepted.Add(1)
	metrics.IncTickAccepted(tick.Symbol)

	in.ltpMu.Lock()
	in.ltp[tick.Symbol] = tick
	in.ltpMu.Unlock()

	in.fanOut(tick)

	if in.persistCh != nil {
		select {
		case in.persistCh <- tick:
		default:
			// writer saturated; live flow wins over history
		}
	}
}

// admit applies both dedupe windows and records the tick. It returns the
// name of the window that rejected the tick, or "" if the tick survives.
func (in *Intake) admit(tick types.Tick) string {
	now := tick.ReceivedAt

	in.mu.Lock()
	defer in.mu.Unlock()

	in.maybePrune(now)

	ek := exactKey{symbol: tick.Symbol, brokerTime: tick.BrokerTime.UnixNano()}
	if at, ok := in.exactSeen[ek]; ok && now.Sub(at) < in.cfg.ShortDedupeWindow {
		return "short"
	}
	sk := semanticKey{symbol: tick.Symbol, price: tick.LastPrice.String(), volume: tick.Volume}
	if at, ok := in.semSeen[sk]; ok && now.Sub(at) < in.cfg.LongDedupeWindow {
		return "long"
	}

	in.exactSeen[ek] = now
	in.semSeen[sk] = now
	return ""
}

// maybePrune evicts expired dedupe entries. Runs at most once per short
// window so a hot stream doesn't pay a sweep per tick.
func (in *Intake) maybePrune(now time.Time) {
	if now.Sub(in.lastPrune) < in.cfg.ShortDedupeWindow {
		return
	}
	in.lastPrune = now
	for k, at := range in.exactSeen {
		if now.Sub(at) >= in.cfg.ShortDedupeWindow {
			delete(in.exactSeen, k)
		}
	}
	for k, at := range in.semSeen {
		if now.Sub(at) >= in.cfg.LongDedupeWindow {
			delete(in.semSeen, k)
		}
	}
}

func (in *Intake) fanOut(tick types.Tick) {
	in.listenersMu.RLock()
	listeners := in.listeners
	in.listenersMu.RUnlock()

	for _, l := range listeners {
		select {
		case l.ch <- tick:
		default:
			// Full: drop the oldest queued tick, then deliver the new one.
			select {
			case <-l.ch:
				l.dropped.Add(1)
				metrics.IncListenerDrop()
			default:
			}
			select {
			case l.ch <- tick:
			default:
				l.dropped.Add(1)
				metrics.IncListenerDrop()
			}
		}
	}
}

// LTP returns the latest accepted price for a symbol.
func (in *Intake) LTP(symbol string) (decimal.Decimal, bool) {
	in.ltpMu.RLock()
	defer in.ltpMu.RUnlock()
	t, ok := in.ltp[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return t.LastPrice, true
}

// LastTick returns the latest accepted tick for a symbol.
func (in *Intake) LastTick(symbol string) (types.Tick, bool) {
	in.ltpMu.RLock()
	defer in.ltpMu.RUnlock()
	t, ok := in.ltp[symbol]
	return t, ok
}

// Stats reports accepted/rejected counters.
func (in *Intake) Stats() (accepted, rejected int64) {
	return in.accepted.Load(), in.rejected.Load()
}

// Subscribe points the data broker's stream at this intake for the union
// of every user's watchlist.
func (in *Intake) Subscribe(ctx context.Context, dataBroker broker.Port) error {
	symbols, err := in.store.ListWatchlistSymbols(ctx)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		in.logger.Warn("no watchlist symbols; nothing to subscribe")
		return nil
	}
	in.logger.Info("subscribing to tick stream", "symbols", len(symbols))
	return dataBroker.SubscribeTicks(ctx, symbols, in.Accept)
}

// RunWriter drains the persistence channel until ctx is cancelled. Only
// started when tick persistence is enabled.
func (in *Intake) RunWriter(ctx context.Context) error {
	if in.persistCh == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-in.persistCh:
			if err := in.store.SaveTickEvent(ctx, tick); err != nil {
				in.logger.Warn("tick persist failed", "symbol", tick.Symbol, "error", err)
			}
		}
	}
}
