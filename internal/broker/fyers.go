// fyers.go implements the Port adapter for the Fyers API v3.
//
// Fyers addresses instruments as "NSE:SYMBOL-EQ", encodes order side and
// type as integers, and wraps every response in {s, code, message}. Auth is
// "app_id:access_token" in the Authorization header.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mtf-engine/pkg/types"
)

// fyersProducts translates engine product types. Fyers carries MTF as a
// first-class product.
var fyersProducts = map[types.ProductType]string{
	types.ProductCNC:  "CNC",
	types.ProductMIS:  "INTRADAY",
	types.ProductNRML: "MARGIN",
	types.ProductMTF:  "MTF",
	types.ProductBO:   "BO",
	types.ProductCO:   "CO",
}

var fyersOrderTypes = map[types.OrderType]int{
	types.OrderLimit:    1,
	types.OrderMarket:   2,
	types.OrderStopLoss: 3, // SL-M
}

var fyersSides = map[types.Direction]int{
	types.BUY:  1,
	types.SELL: -1,
}

// Fyers is the Fyers API v3 adapter.
type Fyers struct {
	*restAdapter
	appID  string
	stream *tickStream
	logger *slog.Logger
}

// NewFyers creates a Fyers adapter. Fyers caps at 10/s, 200/min, 10000/day.
func NewFyers(baseURL, wsURL, appID string, permits int64, tokens TokenSource, logger *slog.Logger) *Fyers {
	logger = logger.With("component", "broker", "broker", "fyers")
	f := &Fyers{
		restAdapter: newRESTAdapter("fyers", baseURL, NewLimits(10, 200, 10000), permits, tokens, logger),
		appID:       appID,
		logger:      logger,
	}
	f.stream = newTickStream(wsURL, streamHooks{
		subscribeMsg: func(op string, symbols []string) any {
			wire := make([]string, len(symbols))
			for i, s := range symbols {
				wire[i] = fyersSymbol(s)
			}
			verb := "SUB"
			if op == "unsubscribe" {
				verb = "UNSUB"
			}
			return map[string]any{"T": verb, "L2LIST": wire, "SUB_T": 1}
		},
		parse:  parseFyersTicks,
		header: f.streamHeader,
	}, func() { f.SetFeedStale(true) }, logger)
	return f
}

func (f *Fyers) Code() types.BrokerCode { return types.BrokerFyers }

// fyersSymbol converts a bare trading symbol to Fyers wire form.
func fyersSymbol(symbol string) string {
	return "NSE:" + symbol + "-EQ"
}

// bareSymbol strips the Fyers exchange prefix and segment suffix.
func bareSymbol(wire string) string {
	s := strings.TrimPrefix(wire, "NSE:")
	return strings.TrimSuffix(s, "-EQ")
}

func (f *Fyers) streamHeader(ctx context.Context) (http.Header, error) {
	token, err := f.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", f.appID+":"+token)
	return h, nil
}

// fyersEnvelope is the uniform {s, code, message} wrapper.
type fyersEnvelope struct {
	S       string `json:"s"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f *Fyers) do(ctx context.Context, method, path string, body any, out any) error {
	return f.call(ctx, func(ctx context.Context, token string) error {
		req := f.http.R().
			SetContext(ctx).
			SetHeader("Authorization", f.appID+":"+token).
			SetResult(out).
			SetError(out)
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return err
		}
		var env fyersEnvelope
		_ = json.Unmarshal(resp.Body(), &env)
		if resp.StatusCode() != http.StatusOK || env.S == "error" {
			return statusToError(resp, fmt.Sprintf("%d", env.Code), env.Message)
		}
		return nil
	})
}

// Connect exchanges the OAuth auth code for an access token.
func (f *Fyers) Connect(ctx context.Context, creds Credentials) (string, error) {
	var out struct {
		fyersEnvelope
		AccessToken string `json:"access_token"`
	}
	resp, err := f.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "authorization_code",
			"appIdHash":  sessionChecksum(creds.APIKey, "", creds.APISecret),
			"code":       creds.AuthCode,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/validate-authcode")
	if err != nil {
		return "", classify(err)
	}
	if resp.StatusCode() != http.StatusOK || out.S == "error" {
		return "", statusToError(resp, fmt.Sprintf("%d", out.Code), out.Message)
	}
	return out.AccessToken, nil
}

// RefreshSession exchanges the refresh token for a fresh access token.
// Fyers tokens run out at the end of the trading day.
func (f *Fyers) RefreshSession(ctx context.Context, refreshToken string) (string, time.Time, error) {
	var out struct {
		fyersEnvelope
		AccessToken string `json:"access_token"`
	}
	resp, err := f.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type":    "refresh_token",
			"appIdHash":     f.appID,
			"refresh_token": refreshToken,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/validate-refresh-token")
	if err != nil {
		return "", time.Time{}, classify(err)
	}
	if resp.StatusCode() != http.StatusOK || out.S == "error" {
		return "", time.Time{}, statusToError(resp, fmt.Sprintf("%d", out.Code), out.Message)
	}
	return out.AccessToken, time.Now().Add(24 * time.Hour), nil
}

func (f *Fyers) PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error) {
	body := map[string]any{
		"symbol":       fyersSymbol(req.Symbol),
		"qty":          req.Quantity,
		"type":         fyersOrderTypes[req.OrderType],
		"side":         fyersSides[req.Transaction],
		"productType":  fyersProducts[req.ProductType],
		"validity":     string(req.Validity),
		"orderTag":     req.Tag,
		"limitPrice":   0,
		"stopPrice":    0,
		"disclosedQty": 0,
		"offlineOrder": false,
	}
	if req.OrderType == types.OrderLimit {
		body["limitPrice"], _ = req.Price.Round(2).Float64()
	}
	if req.OrderType == types.OrderStopLoss {
		body["stopPrice"], _ = req.TriggerPrice.Round(2).Float64()
	}

	var out struct {
		fyersEnvelope
		ID string `json:"id"`
	}
	if err := f.do(ctx, http.MethodPost, "/orders/sync", body, &out); err != nil {
		return nil, err
	}
	return &PlacedOrder{OrderID: out.ID}, nil
}

func (f *Fyers) ModifyOrder(ctx context.Context, orderID string, change OrderChange) (*PlacedOrder, error) {
	body := map[string]any{"id": orderID}
	if change.Quantity > 0 {
		body["qty"] = change.Quantity
	}
	if !change.Price.IsZero() {
		body["limitPrice"], _ = change.Price.Round(2).Float64()
	}
	if !change.TriggerPrice.IsZero() {
		body["stopPrice"], _ = change.TriggerPrice.Round(2).Float64()
	}
	if change.OrderType != "" {
		body["type"] = fyersOrderTypes[change.OrderType]
	}

	var out struct {
		fyersEnvelope
		ID string `json:"id"`
	}
	if err := f.do(ctx, http.MethodPatch, "/orders/sync", body, &out); err != nil {
		return nil, err
	}
	return &PlacedOrder{OrderID: out.ID}, nil
}

func (f *Fyers) CancelOrder(ctx context.Context, orderID string) error {
	var out fyersEnvelope
	return f.do(ctx, http.MethodDelete, "/orders/sync", map[string]string{"id": orderID}, &out)
}

// fyersOrder is one row from GET /orders.
type fyersOrder struct {
	ID            string  `json:"id"`
	Status        int     `json:"status"`
	Message       string  `json:"message"`
	FilledQty     int64   `json:"filledQty"`
	RemainingQty  int64   `json:"remainingQuantity"`
	TradedPrice   float64 `json:"tradedPrice"`
	OrderDateTime string  `json:"orderDateTime"`
}

// fyersStatusNames maps Fyers numeric order statuses onto the common
// status vocabulary before classification.
var fyersStatusNames = map[int]string{
	1: "CANCELLED",
	2: "COMPLETE",
	4: "OPEN",     // transit
	5: "REJECTED",
	6: "PENDING",
}

func (o fyersOrder) toStatus() OrderStatus {
	ts, _ := time.Parse("02-Jan-2006 15:04:05", o.OrderDateTime)
	raw, ok := fyersStatusNames[o.Status]
	if !ok {
		raw = fmt.Sprintf("STATUS_%d", o.Status)
	}
	return OrderStatus{
		OrderID:       o.ID,
		State:         MapBrokerStatus(raw),
		RawStatus:     raw,
		FilledQty:     o.FilledQty,
		PendingQty:    o.RemainingQty,
		AveragePrice:  decimal.NewFromFloat(o.TradedPrice).Round(2),
		StatusMessage: o.Message,
		UpdatedAt:     ts,
	}
}

func (f *Fyers) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var out struct {
		fyersEnvelope
		OrderBook []fyersOrder `json:"orderBook"`
	}
	if err := f.do(ctx, http.MethodGet, "/orders?id="+orderID, nil, &out); err != nil {
		return nil, err
	}
	if len(out.OrderBook) == 0 {
		return nil, E(KindBrokerRejected, "order %s not found", orderID)
	}
	st := out.OrderBook[0].toStatus()
	return &st, nil
}

func (f *Fyers) ListOpenOrders(ctx context.Context) ([]OrderStatus, error) {
	var out struct {
		fyersEnvelope
		OrderBook []fyersOrder `json:"orderBook"`
	}
	if err := f.do(ctx, http.MethodGet, "/orders", nil, &out); err != nil {
		return nil, err
	}
	statuses := make([]OrderStatus, 0, len(out.OrderBook))
	for _, row := range out.OrderBook {
		st := row.toStatus()
		if st.State == StatePending || st.State == StatePlaced {
			statuses = append(statuses, st)
		}
	}
	return statuses, nil
}

func (f *Fyers) ListPositions(ctx context.Context) ([]Position, error) {
	var out struct {
		fyersEnvelope
		NetPositions []struct {
			Symbol      string  `json:"symbol"`
			NetQty      int64   `json:"netQty"`
			NetAvg      float64 `json:"netAvg"`
			LTP         float64 `json:"ltp"`
			PnL         float64 `json:"pl"`
			ProductType string  `json:"productType"`
		} `json:"netPositions"`
	}
	if err := f.do(ctx, http.MethodGet, "/positions", nil, &out); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(out.NetPositions))
	for _, p := range out.NetPositions {
		positions = append(positions, Position{
			Symbol:       bareSymbol(p.Symbol),
			Exchange:     "NSE",
			Quantity:     p.NetQty,
			AveragePrice: decimal.NewFromFloat(p.NetAvg).Round(2),
			LastPrice:    decimal.NewFromFloat(p.LTP).Round(2),
			PnL:          decimal.NewFromFloat(p.PnL).Round(2),
			ProductType:  reverseProduct(fyersProducts, p.ProductType),
		})
	}
	return positions, nil
}

func (f *Fyers) ListHoldings(ctx context.Context) ([]Holding, error) {
	var out struct {
		fyersEnvelope
		Holdings []struct {
			Symbol    string  `json:"symbol"`
			Quantity  int64   `json:"quantity"`
			CostPrice float64 `json:"costPrice"`
			LTP       float64 `json:"ltp"`
		} `json:"holdings"`
	}
	if err := f.do(ctx, http.MethodGet, "/holdings", nil, &out); err != nil {
		return nil, err
	}
	holdings := make([]Holding, 0, len(out.Holdings))
	for _, h := range out.Holdings {
		holdings = append(holdings, Holding{
			Symbol:       bareSymbol(h.Symbol),
			Exchange:     "NSE",
			Quantity:     h.Quantity,
			AveragePrice: decimal.NewFromFloat(h.CostPrice).Round(2),
			LastPrice:    decimal.NewFromFloat(h.LTP).Round(2),
		})
	}
	return holdings, nil
}

func (f *Fyers) GetFunds(ctx context.Context) (*Funds, error) {
	var out struct {
		fyersEnvelope
		FundLimit []struct {
			ID           int     `json:"id"`
			EquityAmount float64 `json:"equityAmount"`
		} `json:"fund_limit"`
	}
	if err := f.do(ctx, http.MethodGet, "/funds", nil, &out); err != nil {
		return nil, err
	}
	funds := &Funds{}
	for _, row := range out.FundLimit {
		amt := decimal.NewFromFloat(row.EquityAmount).Round(2)
		switch row.ID {
		case 1: // total balance
			funds.TotalBalance = amt
		case 2: // utilised
			funds.UsedMargin = amt
		case 10: // available
			funds.AvailableCash = amt
		}
	}
	return funds, nil
}

func (f *Fyers) GetLTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out struct {
		fyersEnvelope
		D []struct {
			V struct {
				LP float64 `json:"lp"`
			} `json:"v"`
		} `json:"d"`
	}
	if err := f.do(ctx, http.MethodGet, "/data/quotes?symbols="+fyersSymbol(symbol), nil, &out); err != nil {
		return decimal.Zero, err
	}
	if len(out.D) == 0 {
		return decimal.Zero, E(KindBrokerRejected, "no quote for %s", symbol)
	}
	return decimal.NewFromFloat(out.D[0].V.LP).Round(2), nil
}

func (f *Fyers) SubscribeTicks(ctx context.Context, symbols []string, listener TickListener) error {
	f.stream.SetListener(listener)
	return f.stream.Subscribe(ctx, symbols)
}

func (f *Fyers) UnsubscribeTicks(ctx context.Context, symbols []string) error {
	return f.stream.Unsubscribe(ctx, symbols)
}

// RunStream runs the WebSocket connection loop until ctx is cancelled.
func (f *Fyers) RunStream(ctx context.Context) error {
	f.SetFeedStale(false)
	return f.stream.Run(ctx)
}

var fyersResolutions = map[types.Timeframe]string{
	types.TF1m:    "1",
	types.TF5m:    "5",
	types.TF15m:   "15",
	types.TF25m:   "25",
	types.TF30m:   "30",
	types.TF60m:   "60",
	types.TF125m:  "125",
	types.TFDaily: "D",
}

func (f *Fyers) GetHistoricalCandles(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Candle, error) {
	resolution, ok := fyersResolutions[tf]
	if !ok {
		return nil, E(KindInvalidOrder, "unsupported timeframe %s", tf)
	}
	path := fmt.Sprintf("/data/history?symbol=%s&resolution=%s&date_format=0&range_from=%d&range_to=%d",
		fyersSymbol(symbol), resolution, from.Unix(), to.Unix())

	var out struct {
		fyersEnvelope
		Candles [][]any `json:"candles"`
	}
	if err := f.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	candles := make([]types.Candle, 0, len(out.Candles))
	for _, row := range out.Candles {
		c, err := parseCandleRow(symbol, tf, row)
		if err != nil {
			f.logger.Debug("skipping malformed candle row", "error", err)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func (f *Fyers) GetInstruments(ctx context.Context) ([]types.Instrument, error) {
	var rows []struct {
		Symbol   string  `json:"symTicker"`
		Name     string  `json:"exSymName"`
		FyToken  string  `json:"fyToken"`
		LotSize  int64   `json:"minLotSize"`
		TickSize float64 `json:"tickSize"`
	}
	if err := f.do(ctx, http.MethodGet, "/data/symbolmaster/NSE_CM", nil, &rows); err != nil {
		return nil, err
	}
	instruments := make([]types.Instrument, 0, len(rows))
	for _, r := range rows {
		instruments = append(instruments, types.Instrument{
			Exchange:      "NSE",
			TradingSymbol: bareSymbol(r.Symbol),
			Name:          r.Name,
			Segment:       "EQ",
			LotSize:       r.LotSize,
			TickSize:      decimal.NewFromFloat(r.TickSize),
			BrokerTokens:  map[types.BrokerCode]string{types.BrokerFyers: r.FyToken},
			UpdatedAt:     time.Now(),
		})
	}
	return instruments, nil
}

// parseFyersTicks decodes one Fyers data frame.
func parseFyersTicks(data []byte) ([]types.Tick, error) {
	var frame struct {
		Type   string  `json:"type"`
		Symbol string  `json:"symbol"`
		LTP    float64 `json:"ltp"`
		Open   float64 `json:"open_price"`
		High   float64 `json:"high_price"`
		Low    float64 `json:"low_price"`
		Close  float64 `json:"prev_close_price"`
		Volume int64   `json:"vol_traded_today"`
		Bid    float64 `json:"bid_price"`
		Ask    float64 `json:"ask_price"`
		ExchTS int64   `json:"exch_feed_time"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if frame.Type != "sf" || frame.Symbol == "" {
		return nil, nil
	}
	return []types.Tick{{
		Symbol:     bareSymbol(frame.Symbol),
		LastPrice:  decimal.NewFromFloat(frame.LTP).Round(2),
		Open:       decimal.NewFromFloat(frame.Open).Round(2),
		High:       decimal.NewFromFloat(frame.High).Round(2),
		Low:        decimal.NewFromFloat(frame.Low).Round(2),
		Close:      decimal.NewFromFloat(frame.Close).Round(2),
		Volume:     frame.Volume,
		Bid:        decimal.NewFromFloat(frame.Bid).Round(2),
		Ask:        decimal.NewFromFloat(frame.Ask).Round(2),
		BrokerTime: time.Unix(frame.ExchTS, 0),
		ReceivedAt: time.Now(),
	}}, nil
}

var _ Port = (*Fyers)(nil)
