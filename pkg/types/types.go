// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: broker and order
// enums, market data, and the persistent entities whose lifecycles the
// coordinators own. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction represents the side of a signal or trade: BUY or SELL.
type Direction string

const (
	BUY  Direction = "BUY"
	SELL Direction = "SELL"
)

// Opposite returns the opposing direction, used when building exit orders.
func (d Direction) Opposite() Direction {
	if d == BUY {
		return SELL
	}
	return BUY
}

// SignalType classifies what a signal asks the execution side to do.
type SignalType string

const (
	SignalEntry    SignalType = "ENTRY"
	SignalExit     SignalType = "EXIT"
	SignalScaleIn  SignalType = "SCALE_IN"
	SignalScaleOut SignalType = "SCALE_OUT"
)

// ConfluenceType records how many MTF timeframes agree on the zone.
type ConfluenceType string

const (
	ConfluenceNone   ConfluenceType = "NONE"
	ConfluenceSingle ConfluenceType = "SINGLE"
	ConfluenceDouble ConfluenceType = "DOUBLE"
	ConfluenceTriple ConfluenceType = "TRIPLE"
)

// OrderType enumerates supported broker order types.
type OrderType string

const (
	OrderMarket   OrderType = "MARKET"
	OrderLimit    OrderType = "LIMIT"
	OrderStopLoss OrderType = "STOP_LOSS"
)

// ProductType is the margin/settlement product an order is booked under.
// Brokers use their own codes; adapters translate (e.g. CNC↔"D", MIS↔"I").
type ProductType string

const (
	ProductCNC  ProductType = "CNC"  // cash and carry (delivery)
	ProductMIS  ProductType = "MIS"  // intraday
	ProductNRML ProductType = "NRML" // overnight margin
	ProductMTF  ProductType = "MTF"  // margin trading facility
	ProductBO   ProductType = "BO"   // bracket order
	ProductCO   ProductType = "CO"   // cover order
)

// Validity is how long a broker order stays working.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
	ValidityGTC Validity = "GTC"
)

// BrokerCode identifies a concrete broker adapter.
type BrokerCode string

const (
	BrokerZerodha BrokerCode = "ZERODHA"
	BrokerFyers   BrokerCode = "FYERS"
	BrokerUpstox  BrokerCode = "UPSTOX"
	BrokerDhan    BrokerCode = "DHAN"
	BrokerMock    BrokerCode = "MOCK"
)

// UserBrokerRole says what a user-broker pairing is used for. A single
// pairing may play both roles.
type UserBrokerRole string

const (
	RoleData UserBrokerRole = "DATA"
	RoleExec UserBrokerRole = "EXEC"
)

// ————————————————————————————————————————————————————————————————————————
// Timeframes
// ————————————————————————————————————————————————————————————————————————

// Timeframe is a candle aggregation interval.
type Timeframe string

const (
	TF1m    Timeframe = "1m"
	TF5m    Timeframe = "5m"
	TF15m   Timeframe = "15m"
	TF25m   Timeframe = "25m"
	TF30m   Timeframe = "30m"
	TF60m   Timeframe = "60m"
	TF125m  Timeframe = "125m"
	TFDaily Timeframe = "DAILY"
)

// AllTimeframes lists every supported timeframe, shortest first.
var AllTimeframes = []Timeframe{TF1m, TF5m, TF15m, TF25m, TF30m, TF60m, TF125m, TFDaily}

// Duration returns the wall-clock span of one candle of this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF25m:
		return 25 * time.Minute
	case TF30m:
		return 30 * time.Minute
	case TF60m:
		return 60 * time.Minute
	case TF125m:
		return 125 * time.Minute
	case TFDaily:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Truncate maps a timestamp to the open time of the candle containing it.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	if tf == TFDaily {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	}
	return t.Truncate(tf.Duration())
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Tick is one inbound quote from the data broker's stream.
type Tick struct {
	Symbol     string
	LastPrice  decimal.Decimal
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     int64
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	BrokerTime time.Time // timestamp assigned by the broker
	ReceivedAt time.Time // timestamp assigned at intake
}

// Candle is one OHLCV bar. Immutable once finalized.
type Candle struct {
	Symbol    string
	Timeframe Timeframe
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
	OpenTime  time.Time
	CloseTime time.Time
	Final     bool
}

// Instrument is the normalized master record per (exchange, trading symbol).
// BrokerTokens carries each broker's own identifier for the instrument.
type Instrument struct {
	Exchange      string
	TradingSymbol string
	Name          string
	Segment       string
	LotSize       int64
	TickSize      decimal.Decimal
	BrokerTokens  map[BrokerCode]string
	UpdatedAt     time.Time
}

// Key returns the unique instrument key.
func (i Instrument) Key() string {
	return fmt.Sprintf("%s:%s", i.Exchange, i.TradingSymbol)
}
