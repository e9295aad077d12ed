// mock.go implements an in-process Port used in non-production runs and
// tests. Orders fill, reject, or hang according to a script the caller
// queues; ticks are injected directly.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mtf-engine/pkg/types"
)

// MockOutcome scripts what happens to the next placed order.
type MockOutcome struct {
	// Reject, when set, makes placement fail with BROKER_REJECTED and
	// this broker reason code (e.g. "RMS:MARGIN_SHORTFALL").
	Reject string
	// Hang leaves the order in OPEN state until FillOrder is called.
	// Reconcilers see a working order that never completes.
	Hang bool
	// FillPrice overrides the fill price; zero fills at the last LTP.
	FillPrice decimal.Decimal
}

// Mock is a scriptable broker adapter. The zero value is not usable; use
// NewMock.
type Mock struct {
	mu         sync.Mutex
	orders     map[string]*OrderStatus
	tags       map[string]string // order id -> tag (intent id)
	outcomes   []MockOutcome
	ltp        map[string]decimal.Decimal
	positions  []Position
	holdings   []Holding
	funds      Funds
	placeCalls int
	canPlace   bool

	listenerMu sync.RWMutex
	listener   TickListener
	subscribed map[string]bool
}

func NewMock() *Mock {
	return &Mock{
		orders:     make(map[string]*OrderStatus),
		tags:       make(map[string]string),
		ltp:        make(map[string]decimal.Decimal),
		subscribed: make(map[string]bool),
		funds: Funds{
			AvailableCash: decimal.NewFromInt(1_000_000),
			TotalBalance:  decimal.NewFromInt(1_000_000),
		},
		canPlace: true,
	}
}

func (m *Mock) Code() types.BrokerCode { return types.BrokerMock }

// Script queues outcomes consumed in order by subsequent PlaceOrder calls.
// When the queue is empty, orders fill immediately at the symbol's LTP.
func (m *Mock) Script(outcomes ...MockOutcome) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, outcomes...)
	m.mu.Unlock()
}

// SetLTP sets the last traded price used for quotes and default fills.
func (m *Mock) SetLTP(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	m.ltp[symbol] = price
	m.mu.Unlock()
}

// SetFunds overrides the margin snapshot.
func (m *Mock) SetFunds(f Funds) {
	m.mu.Lock()
	m.funds = f
	m.mu.Unlock()
}

// SetCanPlaceOrders flips the placement gate, simulating a stale feed or
// a tripped transport.
func (m *Mock) SetCanPlaceOrders(ok bool) {
	m.mu.Lock()
	m.canPlace = ok
	m.mu.Unlock()
}

// PlaceCalls reports how many PlaceOrder calls were made.
func (m *Mock) PlaceCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeCalls
}

// OrderTag returns the tag an order was placed with.
func (m *Mock) OrderTag(orderID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tags[orderID]
}

// FillOrder completes a hanging order at the given price.
func (m *Mock) FillOrder(orderID string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: no order %s", orderID)
	}
	st.State = StateFilled
	st.RawStatus = "COMPLETE"
	st.FilledQty += st.PendingQty
	st.PendingQty = 0
	st.AveragePrice = price
	st.UpdatedAt = time.Now()
	return nil
}

// RejectOrder flips a hanging order to rejected with the given reason.
func (m *Mock) RejectOrder(orderID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: no order %s", orderID)
	}
	st.State = StateRejected
	st.RawStatus = "REJECTED"
	st.StatusMessage = reason
	st.UpdatedAt = time.Now()
	return nil
}

// Connect succeeds with a synthetic token.
func (m *Mock) Connect(ctx context.Context, creds Credentials) (string, error) {
	return "mock-token-" + uuid.NewString(), nil
}

// RefreshSession issues a new synthetic token valid for a day.
func (m *Mock) RefreshSession(ctx context.Context, refreshToken string) (string, time.Time, error) {
	return "mock-token-" + uuid.NewString(), time.Now().Add(24 * time.Hour), nil
}

func (m *Mock) PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.placeCalls++
	if !m.canPlace {
		return nil, E(KindConnection, "mock adapter in read-only mode")
	}

	var outcome MockOutcome
	if len(m.outcomes) > 0 {
		outcome = m.outcomes[0]
		m.outcomes = m.outcomes[1:]
	}
	if outcome.Reject != "" {
		return nil, Rejected(outcome.Reject, "order rejected by mock script")
	}

	orderID := uuid.NewString()
	st := &OrderStatus{
		OrderID:   orderID,
		UpdatedAt: time.Now(),
	}
	m.tags[orderID] = req.Tag

	if outcome.Hang {
		st.State = StatePending
		st.RawStatus = "OPEN"
		st.PendingQty = req.Quantity
	} else {
		price := outcome.FillPrice
		if price.IsZero() {
			price = m.ltp[req.Symbol]
		}
		if price.IsZero() {
			price = req.Price
		}
		st.State = StateFilled
		st.RawStatus = "COMPLETE"
		st.FilledQty = req.Quantity
		st.AveragePrice = price
	}
	m.orders[orderID] = st
	return &PlacedOrder{OrderID: orderID}, nil
}

func (m *Mock) ModifyOrder(ctx context.Context, orderID string, change OrderChange) (*PlacedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.orders[orderID]
	if !ok {
		return nil, E(KindBrokerRejected, "mock: no order %s", orderID)
	}
	if st.State != StatePending && st.State != StatePlaced {
		return nil, E(KindInvalidOrder, "mock: order %s not modifiable in state %s", orderID, st.State)
	}
	if change.Quantity > 0 {
		st.PendingQty = change.Quantity
	}
	st.UpdatedAt = time.Now()
	return &PlacedOrder{OrderID: orderID}, nil
}

func (m *Mock) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.orders[orderID]
	if !ok {
		return E(KindBrokerRejected, "mock: no order %s", orderID)
	}
	if st.State == StateFilled {
		return E(KindInvalidOrder, "mock: order %s already filled", orderID)
	}
	st.State = StateCancelled
	st.RawStatus = "CANCELLED"
	st.UpdatedAt = time.Now()
	return nil
}

func (m *Mock) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.orders[orderID]
	if !ok {
		return nil, E(KindBrokerRejected, "mock: no order %s", orderID)
	}
	cp := *st
	return &cp, nil
}

func (m *Mock) ListOpenOrders(ctx context.Context) ([]OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OrderStatus
	for _, st := range m.orders {
		if st.State == StatePending || st.State == StatePlaced {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (m *Mock) ListPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Position(nil), m.positions...), nil
}

func (m *Mock) ListHoldings(ctx context.Context) ([]Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Holding(nil), m.holdings...), nil
}

func (m *Mock) GetFunds(ctx context.Context) (*Funds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.funds
	return &f, nil
}

func (m *Mock) GetLTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ltp[symbol]
	if !ok {
		return decimal.Zero, E(KindBrokerRejected, "mock: no quote for %s", symbol)
	}
	return p, nil
}

func (m *Mock) SubscribeTicks(ctx context.Context, symbols []string, listener TickListener) error {
	m.listenerMu.Lock()
	m.listener = listener
	for _, s := range symbols {
		m.subscribed[s] = true
	}
	m.listenerMu.Unlock()
	return nil
}

func (m *Mock) UnsubscribeTicks(ctx context.Context, symbols []string) error {
	m.listenerMu.Lock()
	for _, s := range symbols {
		delete(m.subscribed, s)
	}
	m.listenerMu.Unlock()
	return nil
}

// InjectTick delivers a tick to the subscribed listener as if it arrived
// on a stream, and records the price as the symbol's LTP.
func (m *Mock) InjectTick(tick types.Tick) {
	m.SetLTP(tick.Symbol, tick.LastPrice)

	m.listenerMu.RLock()
	l := m.listener
	subscribed := m.subscribed[tick.Symbol]
	m.listenerMu.RUnlock()
	if l != nil && subscribed {
		l(tick)
	}
}

func (m *Mock) GetHistoricalCandles(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Candle, error) {
	return nil, nil
}

func (m *Mock) GetInstruments(ctx context.Context) ([]types.Instrument, error) {
	return []types.Instrument{
		{Exchange: "NSE", TradingSymbol: "RELIANCE", Name: "Reliance Industries", Segment: "EQ", LotSize: 1, TickSize: decimal.NewFromFloat(0.05), UpdatedAt: time.Now()},
		{Exchange: "NSE", TradingSymbol: "TCS", Name: "Tata Consultancy Services", Segment: "EQ", LotSize: 1, TickSize: decimal.NewFromFloat(0.05), UpdatedAt: time.Now()},
		{Exchange: "NSE", TradingSymbol: "INFY", Name: "Infosys", Segment: "EQ", LotSize: 1, TickSize: decimal.NewFromFloat(0.05), UpdatedAt: time.Now()},
	}, nil
}

func (m *Mock) CanPlaceOrders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canPlace
}

var _ Port = (*Mock)(nil)
