package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Meta carries the bookkeeping columns every persistent entity shares.
// Version increments on every write and backs optimistic concurrency in
// the store layer. DeletedAt implements soft delete.
type Meta struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
	Version   int64
}

// Deleted reports whether the entity has been soft-deleted.
func (m Meta) Deleted() bool { return m.DeletedAt != nil }

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// SignalStatus is the lifecycle state of a Signal.
type SignalStatus string

const (
	SignalActive     SignalStatus = "ACTIVE"
	SignalExpired    SignalStatus = "EXPIRED"
	SignalCancelled  SignalStatus = "CANCELLED"
	SignalSuperseded SignalStatus = "SUPERSEDED"
)

// ZoneSnapshot captures the MTF zone bounds at detection time.
type ZoneSnapshot struct {
	HTFLow    decimal.Decimal
	HTFHigh   decimal.Decimal
	ITFLow    decimal.Decimal
	ITFHigh   decimal.Decimal
	LTFLow    decimal.Decimal
	LTFHigh   decimal.Decimal
	ZoneIndex int
}

// Signal is one detected opportunity on one symbol. Created and transitioned
// only by the signal coordinator.
type Signal struct {
	Meta
	Symbol          string
	Direction       Direction
	SignalType      SignalType
	SignalDay       string // exchange-timezone date, YYYY-MM-DD
	Zone            ZoneSnapshot
	Confluence      ConfluenceType
	ConfluenceScore decimal.Decimal
	PWin            decimal.Decimal
	PFill           decimal.Decimal
	Kelly           decimal.Decimal
	RefPrice        decimal.Decimal
	Bid             decimal.Decimal
	Ask             decimal.Decimal
	EntryLow        decimal.Decimal
	EntryHigh       decimal.Decimal
	EffectiveFloor  decimal.Decimal
	EffectiveCeil   decimal.Decimal
	Reason          string
	ExpiresAt       time.Time
	Status          SignalStatus
}

// DedupeKey is the uniqueness key for live signals: at most one ACTIVE signal
// may exist per (symbol, signal day, signal type, direction).
type DedupeKey struct {
	Symbol     string
	SignalDay  string
	SignalType SignalType
	Direction  Direction
}

// Dedupe returns the signal's dedupe key.
func (s *Signal) Dedupe() DedupeKey {
	return DedupeKey{Symbol: s.Symbol, SignalDay: s.SignalDay, SignalType: s.SignalType, Direction: s.Direction}
}

// SignalCandidate is what the MTF analytics collaborator returns for a
// (symbol, timeframe) sweep. The coordinator turns it into a Signal.
type SignalCandidate struct {
	Symbol          string
	Direction       Direction
	SignalType      SignalType
	Zone            ZoneSnapshot
	Confluence      ConfluenceType
	ConfluenceScore decimal.Decimal
	PWin            decimal.Decimal
	PFill           decimal.Decimal
	Kelly           decimal.Decimal
	RefPrice        decimal.Decimal
	Bid             decimal.Decimal
	Ask             decimal.Decimal
	EntryLow        decimal.Decimal
	EntryHigh       decimal.Decimal
	EffectiveFloor  decimal.Decimal
	EffectiveCeil   decimal.Decimal
	Reason          string
	TTL             time.Duration
}

// ————————————————————————————————————————————————————————————————————————
// Signal deliveries
// ————————————————————————————————————————————————————————————————————————

// DeliveryStatus is the lifecycle state of a SignalDelivery.
type DeliveryStatus string

const (
	DeliveryCreated   DeliveryStatus = "CREATED"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryConsumed  DeliveryStatus = "CONSUMED"
	DeliveryExpired   DeliveryStatus = "EXPIRED"
	DeliveryRejected  DeliveryStatus = "REJECTED"
)

// UserAction is an optional operator action on a delivery.
type UserAction string

const (
	ActionSnoozed   UserAction = "SNOOZED"
	ActionDismissed UserAction = "DISMISSED"
)

// SignalDelivery is one (signal, user-broker) fan-out row. The store enforces
// that the CREATED→CONSUMED transition happens atomically with the insert of
// the consuming TradeIntent.
type SignalDelivery struct {
	Meta
	SignalID     string
	UserBrokerID string
	UserID       string
	Status       DeliveryStatus
	IntentID     string // set only when Status == CONSUMED
	UserAction   UserAction
}

// ————————————————————————————————————————————————————————————————————————
// Trade intents
// ————————————————————————————————————————————————————————————————————————

// IntentStatus is the lifecycle state of a TradeIntent.
type IntentStatus string

const (
	IntentPending  IntentStatus = "PENDING"
	IntentApproved IntentStatus = "APPROVED"
	IntentRejected IntentStatus = "REJECTED"
	IntentExecuted IntentStatus = "EXECUTED"
	IntentFailed   IntentStatus = "FAILED"
)

// ValidationError is one typed failure from the validation pipeline.
// Collected, never thrown.
type ValidationError struct {
	Code    string
	Message string
}

func (e ValidationError) Error() string { return e.Code + ": " + e.Message }

// TradeIntent is the validated execution candidate. Its ID doubles as the
// idempotency tag passed to the broker on placement.
type TradeIntent struct {
	Meta
	SignalID         string
	UserID           string
	BrokerID         string
	UserBrokerID     string
	ValidationPassed bool
	Errors           []ValidationError
	CalculatedQty    int64
	CalculatedValue  decimal.Decimal
	OrderType        OrderType
	LimitPrice       decimal.Decimal
	ProductType      ProductType
	LogImpact        decimal.Decimal
	ExposureAfter    decimal.Decimal
	Status           IntentStatus
}

// PositionSizeResult is what the constitutional position sizer (an external
// collaborator) returns: the quantity and which constraint bound it.
type PositionSizeResult struct {
	Quantity           int64
	Value              decimal.Decimal
	LimitingConstraint string
	LogImpact          decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	TradeCreated   TradeStatus = "CREATED"
	TradePending   TradeStatus = "PENDING"
	TradeOpen      TradeStatus = "OPEN"
	TradeExiting   TradeStatus = "EXITING"
	TradeClosed    TradeStatus = "CLOSED"
	TradeRejected  TradeStatus = "REJECTED"
	TradeTimeout   TradeStatus = "TIMEOUT"
	TradeCancelled TradeStatus = "CANCELLED"
)

// Terminal reports whether the status is an end state.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeClosed, TradeRejected, TradeTimeout, TradeCancelled:
		return true
	}
	return false
}

// tradeTransitions defines the legal Trade status machine.
// CREATED → PENDING → OPEN → EXITING → CLOSED, with terminal side branches.
var tradeTransitions = map[TradeStatus][]TradeStatus{
	TradeCreated: {TradePending, TradeRejected},
	TradePending: {TradeOpen, TradeRejected, TradeTimeout, TradeCancelled},
	TradeOpen:    {TradeExiting, TradeClosed, TradeCancelled},
	TradeExiting: {TradeClosed, TradeOpen}, // back to OPEN when an exit order fails
}

// CanTransition reports whether from→to is a legal Trade status change.
func CanTransition(from, to TradeStatus) bool {
	for _, next := range tradeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExitReason says why a trade is being closed.
type ExitReason string

const (
	ExitTargetHit    ExitReason = "TARGET_HIT"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitTimeBased    ExitReason = "TIME_BASED"
	ExitManual       ExitReason = "MANUAL"
	ExitRiskBreach   ExitReason = "RISK_BREACH"
)

// Trade is the position. Mutated exclusively through the trade coordinator;
// every status transition also updates LastBrokerUpdateAt.
type Trade struct {
	Meta
	PortfolioID  string
	UserID       string
	BrokerID     string
	UserBrokerID string
	SignalID     string
	IntentID     string // unique across all trades, idempotency key
	Symbol       string
	Direction    Direction
	Status       TradeStatus

	// Entry snapshot
	EntryPrice     decimal.Decimal
	EntryQty       int64
	EntryValue     decimal.Decimal
	EntryTime      time.Time
	Zone           ZoneSnapshot
	LogLossFloor   decimal.Decimal // price at which max allowed log loss is hit
	MaxLogLoss     decimal.Decimal
	ProductType    ProductType
	OrderType      OrderType
	LimitPrice     decimal.Decimal

	// Derived exit targets
	MinProfitTarget decimal.Decimal
	Target          decimal.Decimal
	StretchTarget   decimal.Decimal
	PrimaryTarget   decimal.Decimal

	// Live fields (not persisted on every tick)
	CurrentPrice     decimal.Decimal
	CurrentLogReturn decimal.Decimal
	UnrealizedPnL    decimal.Decimal

	// Trailing stop
	TrailingActive  bool
	TrailingHighest decimal.Decimal
	TrailingStop    decimal.Decimal

	// Exit
	ExitPrice         decimal.Decimal
	ExitTime          time.Time
	ExitTrigger       ExitReason
	ExitOrderID       string
	RealizedPnL       decimal.Decimal
	RealizedLogReturn decimal.Decimal
	HoldingDays       int

	// Broker tracking
	BrokerOrderID      string
	ClientOrderID      string // equals IntentID
	LastBrokerUpdateAt time.Time
	ErrorCode          string // set on REJECTED / TIMEOUT
	ErrorMessage       string
}

// ————————————————————————————————————————————————————————————————————————
// Exit intents
// ————————————————————————————————————————————————————————————————————————

// ExitIntentStatus is the lifecycle state of an ExitIntent.
type ExitIntentStatus string

const (
	ExitIntentPending   ExitIntentStatus = "PENDING"
	ExitIntentApproved  ExitIntentStatus = "APPROVED"
	ExitIntentRejected  ExitIntentStatus = "REJECTED"
	ExitIntentPlaced    ExitIntentStatus = "PLACED"
	ExitIntentFilled    ExitIntentStatus = "FILLED"
	ExitIntentFailed    ExitIntentStatus = "FAILED"
	ExitIntentCancelled ExitIntentStatus = "CANCELLED"
)

// ExitIntent is the exit-side analogue of TradeIntent. It references the
// trade by id only; the trade coordinator dereferences the edge.
type ExitIntent struct {
	Meta
	TradeID       string
	UserBrokerID  string
	Reason        ExitReason
	CalculatedQty int64
	OrderType     OrderType
	LimitPrice    decimal.Decimal
	ProductType   ProductType
	Status        ExitIntentStatus
	BrokerOrderID string
	PlacedAt      *time.Time
	FilledAt      *time.Time
	ErrorCode     string
	ErrorMessage  string
}

// ————————————————————————————————————————————————————————————————————————
// Accounts, sessions, portfolios
// ————————————————————————————————————————————————————————————————————————

// UserBrokerState tracks the connectivity of a user-broker pairing.
type UserBrokerState string

const (
	UserBrokerConnected     UserBrokerState = "CONNECTED"
	UserBrokerLoginRequired UserBrokerState = "LOGIN_REQUIRED"
	UserBrokerDisconnected  UserBrokerState = "DISCONNECTED"
)

// UserBroker pairs one user with one brokerage account.
type UserBroker struct {
	Meta
	UserID         string
	BrokerID       string
	BrokerCode     BrokerCode
	Role           UserBrokerRole
	State          UserBrokerState
	Paused         bool
	AllowedSymbols []string
	APIBaseURL     string
	APIKey         string
	APISecret      string
}

// SymbolAllowed reports whether a symbol is in the pairing's allowed list.
// An empty list allows nothing.
func (ub *UserBroker) SymbolAllowed(symbol string) bool {
	for _, s := range ub.AllowedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Session is a broker OAuth session for one user-broker pairing.
type Session struct {
	Meta
	UserBrokerID string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// OAuthState is a DB-persisted single-use OAuth callback state token.
type OAuthState struct {
	Meta
	State        string
	UserBrokerID string
	BrokerID     string
	ExpiresAt    time.Time
	UsedAt       *time.Time
}

// Usable reports whether the state can still be consumed: not used,
// not deleted, not expired.
func (s *OAuthState) Usable(now time.Time) bool {
	return s.UsedAt == nil && !s.Deleted() && now.Before(s.ExpiresAt)
}

// Portfolio aggregates one user's capital and risk budget.
type Portfolio struct {
	Meta
	UserID           string
	TotalCapital     decimal.Decimal
	AvailableCapital decimal.Decimal
}

// PortfolioContext is the point-in-time portfolio state loaded for
// validation of a single delivery.
type PortfolioContext struct {
	PortfolioID        string
	TotalCapital       decimal.Decimal
	AvailableCapital   decimal.Decimal
	CurrentExposure    decimal.Decimal
	CurrentLogExposure decimal.Decimal
	OpenTradeCount     int
	DailyLoss          decimal.Decimal
	WeeklyLoss         decimal.Decimal
	InCooldown         bool
	Paused             bool
}
