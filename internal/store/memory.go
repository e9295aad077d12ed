package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"mtf-engine/pkg/types"
)

// Memory implements Store in process. It honors the same transactional
// semantics as Postgres (dedupe key, single-winner delivery consumption,
// conditional exit placement, version checks) under one mutex, which is
// enough at test and FEED_COLLECTOR scale.
type Memory struct {
	mu             sync.Mutex
	signals        map[string]*types.Signal
	deliveries     map[string]*types.SignalDelivery
	intents        map[string]*types.TradeIntent
	trades         map[string]*types.Trade
	exitIntents    map[string]*types.ExitIntent
	userBrokers    map[string]*types.UserBroker
	sessions       map[string]*types.Session
	oauthStates    map[string]*types.OAuthState // keyed by state token
	portfolios     map[string]*types.Portfolio  // keyed by user id
	watchlist      map[string]map[string]bool   // user id -> symbols
	instruments    map[string]types.Instrument  // keyed by Instrument.Key()
	candles        map[string][]types.Candle    // keyed by symbol+"|"+tf
	tickEvents     []types.Tick
	tradesByIntent map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		signals:        make(map[string]*types.Signal),
		deliveries:     make(map[string]*types.SignalDelivery),
		intents:        make(map[string]*types.TradeIntent),
		trades:         make(map[string]*types.Trade),
		exitIntents:    make(map[string]*types.ExitIntent),
		userBrokers:    make(map[string]*types.UserBroker),
		sessions:       make(map[string]*types.Session),
		oauthStates:    make(map[string]*types.OAuthState),
		portfolios:     make(map[string]*types.Portfolio),
		watchlist:      make(map[string]map[string]bool),
		instruments:    make(map[string]types.Instrument),
		candles:        make(map[string][]types.Candle),
		tradesByIntent: make(map[string]string),
	}
}

func (m *Memory) Close() {}

func copyOf[T any](v *T) *T {
	cp := *v
	return &cp
}

func checkVersion(stored, incoming *types.Meta) error {
	if stored.Version != incoming.Version {
		return ErrVersionConflict
	}
	incoming.Version++
	incoming.UpdatedAt = time.Now()
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) CreateSignal(ctx context.Context, s *types.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createSignalLocked(s)
}

func (m *Memory) createSignalLocked(s *types.Signal) error {
	if s.Status == types.SignalActive {
		key := s.Dedupe()
		for _, other := range m.signals {
			if other.Status == types.SignalActive && !other.Deleted() && other.Dedupe() == key {
				return ErrDuplicateSignal
			}
		}
	}
	touch(&s.Meta, time.Now())
	m.signals[s.ID] = copyOf(s)
	return nil
}

func (m *Memory) GetSignal(ctx context.Context, id string) (*types.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok || s.Deleted() {
		return nil, ErrNotFound
	}
	return copyOf(s), nil
}

func (m *Memory) ListActiveSignals(ctx context.Context) ([]*types.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Signal
	for _, s := range m.signals {
		if s.Status == types.SignalActive && !s.Deleted() {
			out = append(out, copyOf(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateSignal(ctx context.Context, s *types.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.signals[s.ID]
	if !ok || stored.Deleted() {
		return ErrNotFound
	}
	if err := checkVersion(&stored.Meta, &s.Meta); err != nil {
		return err
	}
	m.signals[s.ID] = copyOf(s)
	return nil
}

func (m *Memory) SupersedeSignal(ctx context.Context, oldID string, replacement *types.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.signals[oldID]
	if !ok || old.Deleted() || old.Status != types.SignalActive {
		return ErrNotFound
	}
	old.Status = types.SignalSuperseded
	old.Version++
	old.UpdatedAt = time.Now()

	for _, d := range m.deliveries {
		if d.SignalID == oldID && !d.Deleted() &&
			(d.Status == types.DeliveryCreated || d.Status == types.DeliveryDelivered) {
			d.Status = types.DeliveryExpired
			d.Version++
			d.UpdatedAt = time.Now()
		}
	}
	return m.createSignalLocked(replacement)
}

// ————————————————————————————————————————————————————————————————————————
// Deliveries
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) CreateDeliveries(ctx context.Context, ds []*types.SignalDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range ds {
		touch(&d.Meta, time.Now())
		m.deliveries[d.ID] = copyOf(d)
	}
	return nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (*types.SignalDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Deleted() {
		return nil, ErrNotFound
	}
	return copyOf(d), nil
}

func (m *Memory) ListDeliveriesForSignal(ctx context.Context, signalID string) ([]*types.SignalDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.SignalDelivery
	for _, d := range m.deliveries {
		if d.SignalID == signalID && !d.Deleted() {
			out = append(out, copyOf(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListDeliveriesByStatus(ctx context.Context, statuses ...types.DeliveryStatus) ([]*types.SignalDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.SignalDelivery
	for _, d := range m.deliveries {
		if d.Deleted() {
			continue
		}
		for _, s := range statuses {
			if d.Status == s {
				out = append(out, copyOf(d))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateDelivery(ctx context.Context, d *types.SignalDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.deliveries[d.ID]
	if !ok || stored.Deleted() {
		return ErrNotFound
	}
	if err := checkVersion(&stored.Meta, &d.Meta); err != nil {
		return err
	}
	m.deliveries[d.ID] = copyOf(d)
	return nil
}

func (m *Memory) ConsumeDelivery(ctx context.Context, deliveryID string, intent *types.TradeIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[deliveryID]
	if !ok || d.Deleted() {
		return ErrNotFound
	}
	if d.Status != types.DeliveryCreated && d.Status != types.DeliveryDelivered {
		return ErrDeliveryConsumed
	}
	d.Status = types.DeliveryConsumed
	d.IntentID = intent.ID
	d.Version++
	d.UpdatedAt = time.Now()

	touch(&intent.Meta, time.Now())
	m.intents[intent.ID] = copyOf(intent)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Intents
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) GetIntent(ctx context.Context, id string) (*types.TradeIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok || in.Deleted() {
		return nil, ErrNotFound
	}
	return copyOf(in), nil
}

func (m *Memory) UpdateIntent(ctx context.Context, in *types.TradeIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.intents[in.ID]
	if !ok || stored.Deleted() {
		return ErrNotFound
	}
	if err := checkVersion(&stored.Meta, &in.Meta); err != nil {
		return err
	}
	m.intents[in.ID] = copyOf(in)
	return nil
}

func (m *Memory) ListIntentsByStatus(ctx context.Context, statuses ...types.IntentStatus) ([]*types.TradeIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.TradeIntent
	for _, in := range m.intents {
		if in.Deleted() {
			continue
		}
		for _, s := range statuses {
			if in.Status == s {
				out = append(out, copyOf(in))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) CreateTrade(ctx context.Context, t *types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tradesByIntent[t.IntentID]; exists {
		return ErrDuplicateIntent
	}
	touch(&t.Meta, time.Now())
	m.trades[t.ID] = copyOf(t)
	m.tradesByIntent[t.IntentID] = t.ID
	return nil
}

func (m *Memory) GetTrade(ctx context.Context, id string) (*types.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok || t.Deleted() {
		return nil, ErrNotFound
	}
	return copyOf(t), nil
}

func (m *Memory) GetTradeByIntent(ctx context.Context, intentID string) (*types.Trade, error) {
	m.mu.Lock()
	id, ok := m.tradesByIntent[intentID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetTrade(ctx, id)
}

func (m *Memory) UpdateTrade(ctx context.Context, t *types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.trades[t.ID]
	if !ok || stored.Deleted() {
		return ErrNotFound
	}
	if err := checkVersion(&stored.Meta, &t.Meta); err != nil {
		return err
	}
	m.trades[t.ID] = copyOf(t)
	return nil
}

func (m *Memory) ListTradesByStatus(ctx context.Context, statuses ...types.TradeStatus) ([]*types.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[types.TradeStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*types.Trade
	for _, t := range m.trades {
		if want[t.Status] && !t.Deleted() {
			out = append(out, copyOf(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Exit intents
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) CreateExitIntent(ctx context.Context, e *types.ExitIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	touch(&e.Meta, time.Now())
	m.exitIntents[e.ID] = copyOf(e)
	return nil
}

func (m *Memory) GetExitIntent(ctx context.Context, id string) (*types.ExitIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exitIntents[id]
	if !ok || e.Deleted() {
		return nil, ErrNotFound
	}
	return copyOf(e), nil
}

func (m *Memory) UpdateExitIntent(ctx context.Context, e *types.ExitIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.exitIntents[e.ID]
	if !ok || stored.Deleted() {
		return ErrNotFound
	}
	if err := checkVersion(&stored.Meta, &e.Meta); err != nil {
		return err
	}
	m.exitIntents[e.ID] = copyOf(e)
	return nil
}

func (m *Memory) ListExitIntentsByStatus(ctx context.Context, statuses ...types.ExitIntentStatus) ([]*types.ExitIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[types.ExitIntentStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*types.ExitIntent
	for _, e := range m.exitIntents {
		if want[e.Status] && !e.Deleted() {
			out = append(out, copyOf(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkExitIntentPlaced(ctx context.Context, id, brokerOrderID string, placedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exitIntents[id]
	if !ok || e.Deleted() {
		return false, ErrNotFound
	}
	if e.Status != types.ExitIntentApproved {
		return false, nil
	}
	e.Status = types.ExitIntentPlaced
	e.BrokerOrderID = brokerOrderID
	e.PlacedAt = &placedAt
	e.Version++
	e.UpdatedAt = time.Now()
	return true, nil
}

// ————————————————————————————————————————————————————————————————————————
// User brokers, sessions, OAuth
// ————————————————————————————————————————————————————————————————————————

// AddUserBroker seeds a pairing. Test helper.
func (m *Memory) AddUserBroker(ub *types.UserBroker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	touch(&ub.Meta, time.Now())
	m.userBrokers[ub.ID] = copyOf(ub)
}

func (m *Memory) ListUserBrokers(ctx context.Context) ([]*types.UserBroker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.UserBroker
	for _, ub := range m.userBrokers {
		if !ub.Deleted() {
			out = append(out, copyOf(ub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetUserBroker(ctx context.Context, id string) (*types.UserBroker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ub, ok := m.userBrokers[id]
	if !ok || ub.Deleted() {
		return nil, ErrNotFound
	}
	return copyOf(ub), nil
}

func (m *Memory) UpdateUserBroker(ctx context.Context, ub *types.UserBroker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.userBrokers[ub.ID]
	if !ok || stored.Deleted() {
		return ErrNotFound
	}
	if err := checkVersion(&stored.Meta, &ub.Meta); err != nil {
		return err
	}
	m.userBrokers[ub.ID] = copyOf(ub)
	return nil
}

func (m *Memory) GetActiveSession(ctx context.Context, userBrokerID string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *types.Session
	now := time.Now()
	for _, s := range m.sessions {
		if s.UserBrokerID != userBrokerID || s.Deleted() || !s.ExpiresAt.After(now) {
			continue
		}
		if best == nil || s.ExpiresAt.After(best.ExpiresAt) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copyOf(best), nil
}

func (m *Memory) SaveSession(ctx context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	touch(&s.Meta, time.Now())
	m.sessions[s.ID] = copyOf(s)
	return nil
}

func (m *Memory) CreateOAuthState(ctx context.Context, s *types.OAuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	touch(&s.Meta, time.Now())
	m.oauthStates[s.State] = copyOf(s)
	return nil
}

func (m *Memory) ConsumeOAuthState(ctx context.Context, state string, now time.Time) (*types.OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.oauthStates[state]
	if !ok || !s.Usable(now) {
		return nil, ErrStateUsed
	}
	used := now
	s.UsedAt = &used
	return copyOf(s), nil
}

func (m *Memory) SweepOAuthStates(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.oauthStates {
		if !s.Deleted() && !s.ExpiresAt.After(now) {
			del := now
			s.DeletedAt = &del
			n++
		}
	}
	return n, nil
}

// ————————————————————————————————————————————————————————————————————————
// Portfolios, watchlists, instruments, market data
// ————————————————————————————————————————————————————————————————————————

// AddPortfolio seeds a portfolio. Test helper.
func (m *Memory) AddPortfolio(p *types.Portfolio) {
	m.mu.Lock()
	defer m.mu.Unlock()
	touch(&p.Meta, time.Now())
	m.portfolios[p.UserID] = copyOf(p)
}

func (m *Memory) GetPortfolio(ctx context.Context, userID string) (*types.Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.portfolios[userID]
	if !ok || p.Deleted() {
		return nil, ErrNotFound
	}
	return copyOf(p), nil
}

func (m *Memory) GetPortfolioContext(ctx context.Context, userID string) (*types.PortfolioContext, error) {
	p, err := m.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	pc := &types.PortfolioContext{
		PortfolioID:      p.ID,
		TotalCapital:     p.TotalCapital,
		AvailableCapital: p.AvailableCapital,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := now.AddDate(0, 0, -7)

	for _, t := range m.trades {
		if t.UserID != userID || t.Deleted() {
			continue
		}
		switch t.Status {
		case types.TradePending, types.TradeOpen, types.TradeExiting:
			pc.CurrentExposure = pc.CurrentExposure.Add(t.EntryValue)
			pc.CurrentLogExposure = pc.CurrentLogExposure.Add(t.MaxLogLoss)
			pc.OpenTradeCount++
		case types.TradeClosed:
			if t.RealizedPnL.IsNegative() {
				loss := t.RealizedPnL.Neg()
				if !t.UpdatedAt.Before(dayStart) {
					pc.DailyLoss = pc.DailyLoss.Add(loss)
				}
				if !t.UpdatedAt.Before(weekStart) {
					pc.WeeklyLoss = pc.WeeklyLoss.Add(loss)
				}
			}
		}
	}
	return pc, nil
}

// AddWatchlistSymbol seeds a watchlist entry. Test helper.
func (m *Memory) AddWatchlistSymbol(userID, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watchlist[userID] == nil {
		m.watchlist[userID] = make(map[string]bool)
	}
	m.watchlist[userID][symbol] = true
}

func (m *Memory) ListWatchlistSymbols(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool)
	for _, syms := range m.watchlist {
		for s := range syms {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) UpsertInstruments(ctx context.Context, ins []types.Instrument) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range ins {
		if existing, ok := m.instruments[in.Key()]; ok {
			merged := in
			if merged.BrokerTokens == nil {
				merged.BrokerTokens = make(map[types.BrokerCode]string)
			}
			for code, tok := range existing.BrokerTokens {
				if _, present := merged.BrokerTokens[code]; !present {
					merged.BrokerTokens[code] = tok
				}
			}
			m.instruments[in.Key()] = merged
		} else {
			m.instruments[in.Key()] = in
		}
	}
	return len(ins), nil
}

func (m *Memory) ListInstruments(ctx context.Context) ([]types.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Instrument, 0, len(m.instruments))
	for _, in := range m.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (m *Memory) SaveCandle(ctx context.Context, c *types.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := c.Symbol + "|" + string(c.Timeframe)
	for i := range m.candles[key] {
		if m.candles[key][i].OpenTime.Equal(c.OpenTime) {
			m.candles[key][i] = *c
			return nil
		}
	}
	m.candles[key] = append(m.candles[key], *c)
	sort.Slice(m.candles[key], func(i, j int) bool {
		return m.candles[key][i].OpenTime.Before(m.candles[key][j].OpenTime)
	})
	return nil
}

func (m *Memory) ListCandles(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Candle
	for _, c := range m.candles[symbol+"|"+string(tf)] {
		if !c.OpenTime.Before(from) && c.OpenTime.Before(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) SaveTickEvent(ctx context.Context, t types.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickEvents = append(m.tickEvents, t)
	return nil
}

// TickEventCount reports persisted tick events. Test helper.
func (m *Memory) TickEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickEvents)
}

var _ Store = (*Memory)(nil)
