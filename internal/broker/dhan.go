// dhan.go implements the Port adapter for the Dhan API v2.
//
// Dhan addresses instruments by numeric security id, takes the access
// token in an "access-token" header, and names intraday "INTRADAY". MTF is
// a first-class product. Responses are bare JSON objects, not enveloped.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mtf-engine/pkg/types"
)

var dhanProducts = map[types.ProductType]string{
	types.ProductCNC:  "CNC",
	types.ProductMIS:  "INTRADAY",
	types.ProductNRML: "MARGIN",
	types.ProductMTF:  "MTF",
	types.ProductBO:   "BO",
	types.ProductCO:   "CO",
}

var dhanOrderTypes = map[types.OrderType]string{
	types.OrderMarket:   "MARKET",
	types.OrderLimit:    "LIMIT",
	types.OrderStopLoss: "STOP_LOSS_MARKET",
}

// Dhan is the Dhan API v2 adapter.
type Dhan struct {
	*restAdapter
	clientID string
	stream   *tickStream
	logger   *slog.Logger

	// Dhan's order and feed APIs speak security ids, not symbols. The
	// instrument refresh keeps this map current.
	symMu       sync.RWMutex
	securityIDs map[string]string // trading symbol -> security id
	symbols     map[string]string // security id -> trading symbol
}

// NewDhan creates a Dhan adapter. Dhan caps order calls at 25/s.
func NewDhan(baseURL, wsURL, clientID string, permits int64, tokens TokenSource, logger *slog.Logger) *Dhan {
	logger = logger.With("component", "broker", "broker", "dhan")
	d := &Dhan{
		restAdapter: newRESTAdapter("dhan", baseURL, NewLimits(25, 250, 100000), permits, tokens, logger),
		clientID:    clientID,
		logger:      logger,
		securityIDs: make(map[string]string),
		symbols:     make(map[string]string),
	}
	d.stream = newTickStream(wsURL, streamHooks{
		subscribeMsg: func(op string, symbols []string) any {
			list := make([]map[string]string, 0, len(symbols))
			for _, s := range symbols {
				if id, ok := d.securityID(s); ok {
					list = append(list, map[string]string{
						"exchangeSegment": "NSE_EQ",
						"securityId":      id,
					})
				}
			}
			code := 15 // subscribe full packet
			if op == "unsubscribe" {
				code = 16
			}
			return map[string]any{"RequestCode": code, "InstrumentCount": len(list), "InstrumentList": list}
		},
		parse:  d.parseTicks,
		header: d.streamHeader,
	}, func() { d.SetFeedStale(true) }, logger)
	return d
}

func (d *Dhan) Code() types.BrokerCode { return types.BrokerDhan }

func (d *Dhan) securityID(symbol string) (string, bool) {
	d.symMu.RLock()
	defer d.symMu.RUnlock()
	id, ok := d.securityIDs[symbol]
	return id, ok
}

func (d *Dhan) rememberInstrument(symbol, securityID string) {
	d.symMu.Lock()
	d.securityIDs[symbol] = securityID
	d.symbols[securityID] = symbol
	d.symMu.Unlock()
}

func (d *Dhan) streamHeader(ctx context.Context) (http.Header, error) {
	token, err := d.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("access-token", token)
	h.Set("client-id", d.clientID)
	return h, nil
}

// dhanError is Dhan's failure body.
type dhanError struct {
	ErrorType    string `json:"errorType"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (d *Dhan) do(ctx context.Context, method, path string, body any, out any) error {
	return d.call(ctx, func(ctx context.Context, token string) error {
		var derr dhanError
		req := d.http.R().
			SetContext(ctx).
			SetHeader("access-token", token).
			SetHeader("client-id", d.clientID).
			SetResult(out).
			SetError(&derr)
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return err
		}
		if resp.StatusCode() >= 400 {
			return statusToError(resp, derr.ErrorCode, derr.ErrorMessage)
		}
		return nil
	})
}

// Connect validates the long-lived access token Dhan issues from its
// console; there is no OAuth exchange. The token itself is the session.
func (d *Dhan) Connect(ctx context.Context, creds Credentials) (string, error) {
	var out struct {
		DhanClientID string `json:"dhanClientId"`
		TokenValidity string `json:"tokenValidity"`
	}
	var derr dhanError
	resp, err := d.http.R().
		SetContext(ctx).
		SetHeader("access-token", creds.APISecret).
		SetHeader("client-id", creds.APIKey).
		SetResult(&out).
		SetError(&derr).
		Get("/profile")
	if err != nil {
		return "", classify(err)
	}
	if resp.StatusCode() >= 400 {
		return "", statusToError(resp, derr.ErrorCode, derr.ErrorMessage)
	}
	return creds.APISecret, nil
}

func (d *Dhan) PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error) {
	securityID, ok := d.securityID(req.Symbol)
	if !ok {
		return nil, E(KindInvalidOrder, "no security id for %s, instrument master not loaded", req.Symbol)
	}
	price, _ := req.Price.Round(2).Float64()
	trigger, _ := req.TriggerPrice.Round(2).Float64()
	body := map[string]any{
		"dhanClientId":    d.clientID,
		"correlationId":   req.Tag,
		"transactionType": string(req.Transaction),
		"exchangeSegment": "NSE_EQ",
		"productType":     dhanProducts[req.ProductType],
		"orderType":       dhanOrderTypes[req.OrderType],
		"validity":        string(req.Validity),
		"securityId":      securityID,
		"quantity":        req.Quantity,
		"price":           price,
		"triggerPrice":    trigger,
	}

	var out struct {
		OrderID string `json:"orderId"`
	}
	if err := d.do(ctx, http.MethodPost, "/orders", body, &out); err != nil {
		return nil, err
	}
	return &PlacedOrder{OrderID: out.OrderID}, nil
}

func (d *Dhan) ModifyOrder(ctx context.Context, orderID string, change OrderChange) (*PlacedOrder, error) {
	body := map[string]any{
		"dhanClientId": d.clientID,
		"orderId":      orderID,
		"validity":     "DAY",
	}
	if change.Quantity > 0 {
		body["quantity"] = change.Quantity
	}
	if !change.Price.IsZero() {
		body["price"], _ = change.Price.Round(2).Float64()
	}
	if !change.TriggerPrice.IsZero() {
		body["triggerPrice"], _ = change.TriggerPrice.Round(2).Float64()
	}
	if change.OrderType != "" {
		body["orderType"] = dhanOrderTypes[change.OrderType]
	}

	var out struct {
		OrderID string `json:"orderId"`
	}
	if err := d.do(ctx, http.MethodPut, "/orders/"+orderID, body, &out); err != nil {
		return nil, err
	}
	return &PlacedOrder{OrderID: out.OrderID}, nil
}

func (d *Dhan) CancelOrder(ctx context.Context, orderID string) error {
	return d.do(ctx, http.MethodDelete, "/orders/"+orderID, nil, nil)
}

type dhanOrder struct {
	OrderID       string  `json:"orderId"`
	OrderStatus   string  `json:"orderStatus"`
	OMSErrorDesc  string  `json:"omsErrorDescription"`
	FilledQty     int64   `json:"filledQty"`
	RemainingQty  int64   `json:"remainingQuantity"`
	AvgTradePrice float64 `json:"averageTradedPrice"`
	UpdateTime    string  `json:"updateTime"`
}

func (o dhanOrder) toStatus() OrderStatus {
	ts, _ := time.Parse("2006-01-02 15:04:05", o.UpdateTime)
	return OrderStatus{
		OrderID:       o.OrderID,
		State:         MapBrokerStatus(o.OrderStatus),
		RawStatus:     o.OrderStatus,
		FilledQty:     o.FilledQty,
		PendingQty:    o.RemainingQty,
		AveragePrice:  decimal.NewFromFloat(o.AvgTradePrice).Round(2),
		StatusMessage: o.OMSErrorDesc,
		UpdatedAt:     ts,
	}
}

func (d *Dhan) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var row dhanOrder
	if err := d.do(ctx, http.MethodGet, "/orders/"+orderID, nil, &row); err != nil {
		return nil, err
	}
	st := row.toStatus()
	return &st, nil
}

func (d *Dhan) ListOpenOrders(ctx context.Context) ([]OrderStatus, error) {
	var rows []dhanOrder
	if err := d.do(ctx, http.MethodGet, "/orders", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]OrderStatus, 0, len(rows))
	for _, row := range rows {
		st := row.toStatus()
		if st.State == StatePending || st.State == StatePlaced {
			out = append(out, st)
		}
	}
	return out, nil
}

func (d *Dhan) ListPositions(ctx context.Context) ([]Position, error) {
	var rows []struct {
		TradingSymbol string  `json:"tradingSymbol"`
		NetQty        int64   `json:"netQty"`
		BuyAvg        float64 `json:"buyAvg"`
		LastPrice     float64 `json:"lastTradedPrice"`
		UnrealizedPnL float64 `json:"unrealizedProfit"`
		ProductType   string  `json:"productType"`
	}
	if err := d.do(ctx, http.MethodGet, "/positions", nil, &rows); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(rows))
	for _, p := range rows {
		positions = append(positions, Position{
			Symbol:       p.TradingSymbol,
			Exchange:     "NSE",
			Quantity:     p.NetQty,
			AveragePrice: decimal.NewFromFloat(p.BuyAvg).Round(2),
			LastPrice:    decimal.NewFromFloat(p.LastPrice).Round(2),
			PnL:          decimal.NewFromFloat(p.UnrealizedPnL).Round(2),
			ProductType:  reverseProduct(dhanProducts, p.ProductType),
		})
	}
	return positions, nil
}

func (d *Dhan) ListHoldings(ctx context.Context) ([]Holding, error) {
	var rows []struct {
		TradingSymbol string  `json:"tradingSymbol"`
		TotalQty      int64   `json:"totalQty"`
		AvgCostPrice  float64 `json:"avgCostPrice"`
		LastPrice     float64 `json:"lastTradedPrice"`
	}
	if err := d.do(ctx, http.MethodGet, "/holdings", nil, &rows); err != nil {
		return nil, err
	}
	holdings := make([]Holding, 0, len(rows))
	for _, h := range rows {
		holdings = append(holdings, Holding{
			Symbol:       h.TradingSymbol,
			Exchange:     "NSE",
			Quantity:     h.TotalQty,
			AveragePrice: decimal.NewFromFloat(h.AvgCostPrice).Round(2),
			LastPrice:    decimal.NewFromFloat(h.LastPrice).Round(2),
		})
	}
	return holdings, nil
}

func (d *Dhan) GetFunds(ctx context.Context) (*Funds, error) {
	var out struct {
		AvailableBalance float64 `json:"availabelBalance"` // typo is Dhan's
		UtilizedAmount   float64 `json:"utilizedAmount"`
		SODLimit         float64 `json:"sodLimit"`
	}
	if err := d.do(ctx, http.MethodGet, "/fundlimit", nil, &out); err != nil {
		return nil, err
	}
	return &Funds{
		AvailableCash: decimal.NewFromFloat(out.AvailableBalance).Round(2),
		UsedMargin:    decimal.NewFromFloat(out.UtilizedAmount).Round(2),
		TotalBalance:  decimal.NewFromFloat(out.SODLimit).Round(2),
	}, nil
}

func (d *Dhan) GetLTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	securityID, ok := d.securityID(symbol)
	if !ok {
		return decimal.Zero, E(KindInvalidOrder, "no security id for %s", symbol)
	}
	id, err := strconv.Atoi(securityID)
	if err != nil {
		return decimal.Zero, E(KindInvalidOrder, "bad security id %q for %s", securityID, symbol)
	}

	var out struct {
		Data map[string]map[string]struct {
			LastPrice float64 `json:"last_price"`
		} `json:"data"`
	}
	body := map[string][]int{"NSE_EQ": {id}}
	if err := d.do(ctx, http.MethodPost, "/marketfeed/ltp", body, &out); err != nil {
		return decimal.Zero, err
	}
	if q, ok := out.Data["NSE_EQ"][securityID]; ok {
		return decimal.NewFromFloat(q.LastPrice).Round(2), nil
	}
	return decimal.Zero, E(KindBrokerRejected, "no quote for %s", symbol)
}

func (d *Dhan) SubscribeTicks(ctx context.Context, symbols []string, listener TickListener) error {
	d.stream.SetListener(listener)
	return d.stream.Subscribe(ctx, symbols)
}

func (d *Dhan) UnsubscribeTicks(ctx context.Context, symbols []string) error {
	return d.stream.Unsubscribe(ctx, symbols)
}

// RunStream runs the WebSocket connection loop until ctx is cancelled.
func (d *Dhan) RunStream(ctx context.Context) error {
	d.SetFeedStale(false)
	return d.stream.Run(ctx)
}

var dhanIntervals = map[types.Timeframe]string{
	types.TF1m:  "1",
	types.TF5m:  "5",
	types.TF15m: "15",
	types.TF25m: "25",
	types.TF60m: "60",
}

func (d *Dhan) GetHistoricalCandles(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Candle, error) {
	securityID, ok := d.securityID(symbol)
	if !ok {
		return nil, E(KindInvalidOrder, "no security id for %s", symbol)
	}

	path := "/charts/intraday"
	body := map[string]any{
		"securityId":      securityID,
		"exchangeSegment": "NSE_EQ",
		"instrument":      "EQUITY",
		"fromDate":        from.Format("2006-01-02"),
		"toDate":          to.Format("2006-01-02"),
	}
	if tf == types.TFDaily {
		path = "/charts/historical"
	} else {
		interval, ok := dhanIntervals[tf]
		if !ok {
			return nil, E(KindInvalidOrder, "unsupported timeframe %s", tf)
		}
		body["interval"] = interval
	}

	// Dhan returns parallel arrays rather than rows.
	var out struct {
		Open      []float64 `json:"open"`
		High      []float64 `json:"high"`
		Low       []float64 `json:"low"`
		Close     []float64 `json:"close"`
		Volume    []float64 `json:"volume"`
		Timestamp []int64   `json:"timestamp"`
	}
	if err := d.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}

	n := len(out.Timestamp)
	candles := make([]types.Candle, 0, n)
	for i := 0; i < n; i++ {
		if i >= len(out.Open) || i >= len(out.High) || i >= len(out.Low) || i >= len(out.Close) || i >= len(out.Volume) {
			break
		}
		ts := time.Unix(out.Timestamp[i], 0)
		candles = append(candles, types.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  ts,
			CloseTime: ts.Add(tf.Duration()),
			Open:      decimal.NewFromFloat(out.Open[i]).Round(2),
			High:      decimal.NewFromFloat(out.High[i]).Round(2),
			Low:       decimal.NewFromFloat(out.Low[i]).Round(2),
			Close:     decimal.NewFromFloat(out.Close[i]).Round(2),
			Volume:    int64(out.Volume[i]),
			Final:     true,
		})
	}
	return candles, nil
}

func (d *Dhan) GetInstruments(ctx context.Context) ([]types.Instrument, error) {
	var rows []struct {
		SecurityID    string  `json:"securityId"`
		TradingSymbol string  `json:"tradingSymbol"`
		Name          string  `json:"name"`
		LotSize       int64   `json:"lotSize"`
		TickSize      float64 `json:"tickSize"`
	}
	if err := d.do(ctx, http.MethodGet, "/instrument/NSE_EQ", nil, &rows); err != nil {
		return nil, err
	}
	instruments := make([]types.Instrument, 0, len(rows))
	for _, r := range rows {
		d.rememberInstrument(r.TradingSymbol, r.SecurityID)
		instruments = append(instruments, types.Instrument{
			Exchange:      "NSE",
			TradingSymbol: r.TradingSymbol,
			Name:          r.Name,
			Segment:       "EQ",
			LotSize:       r.LotSize,
			TickSize:      decimal.NewFromFloat(r.TickSize),
			BrokerTokens:  map[types.BrokerCode]string{types.BrokerDhan: r.SecurityID},
			UpdatedAt:     time.Now(),
		})
	}
	return instruments, nil
}

// parseTicks decodes one Dhan feed frame, resolving security ids back to
// trading symbols through the instrument map.
func (d *Dhan) parseTicks(data []byte) ([]types.Tick, error) {
	var frame struct {
		Type       string  `json:"type"`
		SecurityID string  `json:"securityId"`
		LTP        float64 `json:"ltp"`
		Open       float64 `json:"open"`
		High       float64 `json:"high"`
		Low        float64 `json:"low"`
		Close      float64 `json:"close"`
		Volume     int64   `json:"volume"`
		LTT        int64   `json:"ltt"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if frame.SecurityID == "" {
		return nil, nil
	}

	d.symMu.RLock()
	symbol, ok := d.symbols[frame.SecurityID]
	d.symMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tick for unknown security id %s", frame.SecurityID)
	}

	return []types.Tick{{
		Symbol:     symbol,
		LastPrice:  decimal.NewFromFloat(frame.LTP).Round(2),
		Open:       decimal.NewFromFloat(frame.Open).Round(2),
		High:       decimal.NewFromFloat(frame.High).Round(2),
		Low:        decimal.NewFromFloat(frame.Low).Round(2),
		Close:      decimal.NewFromFloat(frame.Close).Round(2),
		Volume:     frame.Volume,
		BrokerTime: time.Unix(frame.LTT, 0),
		ReceivedAt: time.Now(),
	}}, nil
}

var _ Port = (*Dhan)(nil)
