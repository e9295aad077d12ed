// Package broker implements the uniform outbound surface to external
// brokers: order placement and tracking over REST, tick streaming over
// WebSocket, and the session/rate-limit machinery both share.
//
// Each concrete broker (Zerodha, Fyers, Upstox, Dhan, plus the in-process
// mock) is one adapter implementing Port. Adapters own their token source,
// their per-second/minute/day rate limits, a bounded concurrent-call
// semaphore, and reconnect/backoff for their streaming connection. Failures
// surface as *Error with a categorical Kind; the broker's own message rides
// along as payload.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"mtf-engine/pkg/types"
)

// OrderRequest is the broker-neutral order the executors build. Tag carries
// the intent id, the broker's idempotency handle for the order.
type OrderRequest struct {
	Symbol       string
	Exchange     string
	Transaction  types.Direction
	OrderType    types.OrderType
	ProductType  types.ProductType
	Quantity     int64
	Price        decimal.Decimal // LIMIT orders
	TriggerPrice decimal.Decimal // STOP_LOSS orders
	Validity     types.Validity
	Tag          string
}

// OrderChange is a partial modification of a working order.
type OrderChange struct {
	Quantity     int64
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	OrderType    types.OrderType
}

// PlacedOrder is the broker's acknowledgement of a placement or modify.
type PlacedOrder struct {
	OrderID string
}

// OrderState is the engine-internal classification of a broker order status.
type OrderState string

const (
	StateFilled    OrderState = "FILLED"
	StatePending   OrderState = "PENDING"
	StatePlaced    OrderState = "PLACED"
	StateRejected  OrderState = "REJECTED"
	StateCancelled OrderState = "CANCELLED"
)

// OrderStatus is the broker's current view of one order.
type OrderStatus struct {
	OrderID       string
	State         OrderState
	RawStatus     string // broker's own status string, preserved verbatim
	FilledQty     int64
	PendingQty    int64
	AveragePrice  decimal.Decimal
	StatusMessage string
	UpdatedAt     time.Time
}

// Position is one open position at the broker.
type Position struct {
	Symbol       string
	Exchange     string
	Quantity     int64
	AveragePrice decimal.Decimal
	LastPrice    decimal.Decimal
	PnL          decimal.Decimal
	ProductType  types.ProductType
}

// Holding is one demat holding at the broker.
type Holding struct {
	Symbol       string
	Exchange     string
	Quantity     int64
	AveragePrice decimal.Decimal
	LastPrice    decimal.Decimal
}

// Funds is the account's margin snapshot.
type Funds struct {
	AvailableCash decimal.Decimal
	UsedMargin    decimal.Decimal
	TotalBalance  decimal.Decimal
}

// Credentials is what Connect exchanges for a session token.
type Credentials struct {
	APIKey    string
	APISecret string
	AuthCode  string // OAuth authorization code from the callback
}

// TickListener receives accepted ticks from a streaming subscription.
type TickListener func(types.Tick)

// Port is the uniform capability set every broker adapter implements.
// All methods honor ctx deadlines; blocking calls never outlive them.
type Port interface {
	Code() types.BrokerCode

	// Connect exchanges credentials for a session token.
	Connect(ctx context.Context, creds Credentials) (string, error)

	// Order management. Tag on the request is the idempotency handle.
	PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error)
	ModifyOrder(ctx context.Context, orderID string, change OrderChange) (*PlacedOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	ListOpenOrders(ctx context.Context) ([]OrderStatus, error)

	// Account state.
	ListPositions(ctx context.Context) ([]Position, error)
	ListHoldings(ctx context.Context) ([]Holding, error)
	GetFunds(ctx context.Context) (*Funds, error)

	// Market data.
	GetLTP(ctx context.Context, symbol string) (decimal.Decimal, error)
	SubscribeTicks(ctx context.Context, symbols []string, listener TickListener) error
	UnsubscribeTicks(ctx context.Context, symbols []string) error
	GetHistoricalCandles(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Candle, error)
	GetInstruments(ctx context.Context) ([]types.Instrument, error)

	// CanPlaceOrders reports false when the feed is stale or the transport
	// is known broken; executors then refuse new orders (READ-ONLY mode)
	// while reconcilers keep running.
	CanPlaceOrders() bool
}

// SessionRefresher is implemented by adapters whose broker issues refresh
// tokens. Adapters without it force a fresh OAuth login at expiry.
type SessionRefresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (accessToken string, expiresAt time.Time, err error)
}

// MapBrokerStatus classifies a broker status string into an OrderState.
// The raw string is kept alongside on OrderStatus for diagnostics.
func MapBrokerStatus(raw string) OrderState {
	switch raw {
	case "COMPLETE", "FILLED", "TRADED":
		return StateFilled
	case "REJECTED":
		return StateRejected
	case "CANCELLED", "CANCELED":
		return StateCancelled
	case "PUT ORDER REQ RECEIVED", "VALIDATION PENDING", "OPEN PENDING", "TRIGGER PENDING":
		return StatePlaced
	case "OPEN", "PENDING":
		return StatePending
	default:
		return StatePending
	}
}
