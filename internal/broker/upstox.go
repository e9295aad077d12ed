// upstox.go implements the Port adapter for the Upstox API v2.
//
// Upstox addresses instruments by instrument key ("NSE_EQ|SYMBOL"), uses
// single-letter product codes, and returns {status, data} envelopes with an
// errors array on failure. Auth is a plain Bearer token.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mtf-engine/pkg/types"
)

// upstoxProducts translates engine product types. Upstox books MTF under
// its own code; bracket and cover orders are not offered on v2, so they
// fall back to intraday.
var upstoxProducts = map[types.ProductType]string{
	types.ProductCNC:  "D",
	types.ProductMIS:  "I",
	types.ProductNRML: "M",
	types.ProductMTF:  "MTF",
	types.ProductBO:   "I",
	types.ProductCO:   "I",
}

var upstoxOrderTypes = map[types.OrderType]string{
	types.OrderMarket:   "MARKET",
	types.OrderLimit:    "LIMIT",
	types.OrderStopLoss: "SL-M",
}

// Upstox is the Upstox API v2 adapter.
type Upstox struct {
	*restAdapter
	stream *tickStream
	logger *slog.Logger
}

// NewUpstox creates an Upstox adapter. Upstox caps at 25/s, 250/min.
func NewUpstox(baseURL, wsURL string, permits int64, tokens TokenSource, logger *slog.Logger) *Upstox {
	logger = logger.With("component", "broker", "broker", "upstox")
	u := &Upstox{
		restAdapter: newRESTAdapter("upstox", baseURL, NewLimits(25, 250, 25000), permits, tokens, logger),
		logger:      logger,
	}
	u.stream = newTickStream(wsURL, streamHooks{
		subscribeMsg: func(op string, symbols []string) any {
			keys := make([]string, len(symbols))
			for i, s := range symbols {
				keys[i] = upstoxKey(s)
			}
			method := "sub"
			if op == "unsubscribe" {
				method = "unsub"
			}
			return map[string]any{
				"guid":   "mtf-engine",
				"method": method,
				"data":   map[string]any{"mode": "full", "instrumentKeys": keys},
			}
		},
		parse:  parseUpstoxTicks,
		header: u.streamHeader,
	}, func() { u.SetFeedStale(true) }, logger)
	return u
}

func (u *Upstox) Code() types.BrokerCode { return types.BrokerUpstox }

func upstoxKey(symbol string) string { return "NSE_EQ|" + symbol }

func upstoxBare(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[i+1:]
	}
	return key
}

func (u *Upstox) streamHeader(ctx context.Context) (http.Header, error) {
	token, err := u.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// upstoxEnvelope is the {status, data, errors} wrapper.
type upstoxEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errors"`
}

func (e upstoxEnvelope) firstError() (code, message string) {
	if len(e.Errors) > 0 {
		return e.Errors[0].ErrorCode, e.Errors[0].Message
	}
	return "", "upstox request failed"
}

func (u *Upstox) do(ctx context.Context, method, path string, body any, out any) error {
	return u.call(ctx, func(ctx context.Context, token string) error {
		var env upstoxEnvelope
		req := u.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+token).
			SetHeader("Accept", "application/json").
			SetResult(&env).
			SetError(&env)
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return err
		}
		if resp.StatusCode() >= 400 || env.Status == "error" {
			code, message := env.firstError()
			return statusToError(resp, code, message)
		}
		if out != nil {
			return json.Unmarshal(env.Data, out)
		}
		return nil
	})
}

// Connect exchanges the OAuth auth code for an access token.
func (u *Upstox) Connect(ctx context.Context, creds Credentials) (string, error) {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	var env upstoxEnvelope
	resp, err := u.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(map[string]string{
			"code":          creds.AuthCode,
			"client_id":     creds.APIKey,
			"client_secret": creds.APISecret,
			"grant_type":    "authorization_code",
		}).
		SetResult(&out).
		SetError(&env).
		Post("/login/authorization/token")
	if err != nil {
		return "", classify(err)
	}
	if resp.StatusCode() >= 400 {
		code, message := env.firstError()
		return "", statusToError(resp, code, message)
	}
	return out.AccessToken, nil
}

func (u *Upstox) PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error) {
	price, _ := req.Price.Round(2).Float64()
	trigger, _ := req.TriggerPrice.Round(2).Float64()
	body := map[string]any{
		"instrument_token": upstoxKey(req.Symbol),
		"transaction_type": string(req.Transaction),
		"order_type":       upstoxOrderTypes[req.OrderType],
		"product":          upstoxProducts[req.ProductType],
		"quantity":         req.Quantity,
		"validity":         string(req.Validity),
		"price":            price,
		"trigger_price":    trigger,
		"tag":              req.Tag,
		"is_amo":           false,
		"disclosed_quantity": 0,
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := u.do(ctx, http.MethodPost, "/order/place", body, &out); err != nil {
		return nil, err
	}
	return &PlacedOrder{OrderID: out.OrderID}, nil
}

func (u *Upstox) ModifyOrder(ctx context.Context, orderID string, change OrderChange) (*PlacedOrder, error) {
	body := map[string]any{"order_id": orderID, "validity": "DAY"}
	if change.Quantity > 0 {
		body["quantity"] = change.Quantity
	}
	if !change.Price.IsZero() {
		body["price"], _ = change.Price.Round(2).Float64()
	}
	if !change.TriggerPrice.IsZero() {
		body["trigger_price"], _ = change.TriggerPrice.Round(2).Float64()
	}
	if change.OrderType != "" {
		body["order_type"] = upstoxOrderTypes[change.OrderType]
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := u.do(ctx, http.MethodPut, "/order/modify", body, &out); err != nil {
		return nil, err
	}
	return &PlacedOrder{OrderID: out.OrderID}, nil
}

func (u *Upstox) CancelOrder(ctx context.Context, orderID string) error {
	return u.do(ctx, http.MethodDelete, "/order/cancel?order_id="+url.QueryEscape(orderID), nil, nil)
}

type upstoxOrder struct {
	OrderID       string  `json:"order_id"`
	Status        string  `json:"status"`
	StatusMessage string  `json:"status_message"`
	FilledQty     int64   `json:"filled_quantity"`
	PendingQty    int64   `json:"pending_quantity"`
	AveragePrice  float64 `json:"average_price"`
	OrderTS       string  `json:"order_timestamp"`
}

func (o upstoxOrder) toStatus() OrderStatus {
	ts, _ := time.Parse("2006-01-02 15:04:05", o.OrderTS)
	raw := strings.ToUpper(o.Status)
	return OrderStatus{
		OrderID:       o.OrderID,
		State:         MapBrokerStatus(raw),
		RawStatus:     raw,
		FilledQty:     o.FilledQty,
		PendingQty:    o.PendingQty,
		AveragePrice:  decimal.NewFromFloat(o.AveragePrice).Round(2),
		StatusMessage: o.StatusMessage,
		UpdatedAt:     ts,
	}
}

func (u *Upstox) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var row upstoxOrder
	if err := u.do(ctx, http.MethodGet, "/order/details?order_id="+url.QueryEscape(orderID), nil, &row); err != nil {
		return nil, err
	}
	st := row.toStatus()
	return &st, nil
}

func (u *Upstox) ListOpenOrders(ctx context.Context) ([]OrderStatus, error) {
	var rows []upstoxOrder
	if err := u.do(ctx, http.MethodGet, "/order/retrieve-all", nil, &rows); err != nil {
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

func (u *Upstox) ListPositions(ctx context.Context) ([]Position, error) {
	var rows []struct {
		TradingSymbol string  `json:"trading_symbol"`
		Exchange      string  `json:"exchange"`
		Quantity      int64   `json:"quantity"`
		AveragePrice  float64 `json:"average_price"`
		LastPrice     float64 `json:"last_price"`
		PnL           float64 `json:"pnl"`
		Product       string  `json:"product"`
	}
	if err := u.do(ctx, http.MethodGet, "/portfolio/short-term-positions", nil, &rows); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(rows))
	for _, p := range rows {
		positions = append(positions, Position{
			Symbol:       p.TradingSymbol,
			Exchange:     p.Exchange,
			Quantity:     p.Quantity,
			AveragePrice: decimal.NewFromFloat(p.AveragePrice).Round(2),
			LastPrice:    decimal.NewFromFloat(p.LastPrice).Round(2),
			PnL:          decimal.NewFromFloat(p.PnL).Round(2),
			ProductType:  reverseProduct(upstoxProducts, p.Product),
		})
	}
	return positions, nil
}

func (u *Upstox) ListHoldings(ctx context.Context) ([]Holding, error) {
	var rows []struct {
		TradingSymbol string  `json:"trading_symbol"`
		Exchange      string  `json:"exchange"`
		Quantity      int64   `json:"quantity"`
		AveragePrice  float64 `json:"average_price"`
		LastPrice     float64 `json:"last_price"`
	}
	if err := u.do(ctx, http.MethodGet, "/portfolio/long-term-holdings", nil, &rows); err != nil {
		return nil, err
	}
	holdings := make([]Holding, 0, len(rows))
	for _, h := range rows {
		holdings = append(holdings, Holding{
			Symbol:       h.TradingSymbol,
			Exchange:     h.Exchange,
			Quantity:     h.Quantity,
			AveragePrice: decimal.NewFromFloat(h.AveragePrice).Round(2),
			LastPrice:    decimal.NewFromFloat(h.LastPrice).Round(2),
		})
	}
	return holdings, nil
}

func (u *Upstox) GetFunds(ctx context.Context) (*Funds, error) {
	var out struct {
		Equity struct {
			AvailableMargin float64 `json:"available_margin"`
			UsedMargin      float64 `json:"used_margin"`
		} `json:"equity"`
	}
	if err := u.do(ctx, http.MethodGet, "/user/get-funds-and-margin", nil, &out); err != nil {
		return nil, err
	}
	available := decimal.NewFromFloat(out.Equity.AvailableMargin).Round(2)
	used := decimal.NewFromFloat(out.Equity.UsedMargin).Round(2)
	return &Funds{
		AvailableCash: available,
		UsedMargin:    used,
		TotalBalance:  available.Add(used),
	}, nil
}

func (u *Upstox) GetLTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	key := upstoxKey(symbol)
	out := map[string]struct {
		LastPrice float64 `json:"last_price"`
	}{}
	if err := u.do(ctx, http.MethodGet, "/market-quote/ltp?instrument_key="+url.QueryEscape(key), nil, &out); err != nil {
		return decimal.Zero, err
	}
	// Upstox keys the response map with ":" instead of "|".
	for _, q := range out {
		return decimal.NewFromFloat(q.LastPrice).Round(2), nil
	}
	return decimal.Zero, E(KindBrokerRejected, "no quote for %s", symbol)
}

func (u *Upstox) SubscribeTicks(ctx context.Context, symbols []string, listener TickListener) error {
	u.stream.SetListener(listener)
	return u.stream.Subscribe(ctx, symbols)
}

func (u *Upstox) UnsubscribeTicks(ctx context.Context, symbols []string) error {
	return u.stream.Unsubscribe(ctx, symbols)
}

// RunStream runs the WebSocket connection loop until ctx is cancelled.
func (u *Upstox) RunStream(ctx context.Context) error {
	u.SetFeedStale(false)
	return u.stream.Run(ctx)
}

var upstoxIntervals = map[types.Timeframe]string{
	types.TF1m:    "1minute",
	types.TF30m:   "30minute",
	types.TFDaily: "day",
}

func (u *Upstox) GetHistoricalCandles(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Candle, error) {
	// Upstox v2 serves only 1minute/30minute/day natively; other
	// timeframes are aggregated upstream by the candle builder.
	interval, ok := upstoxIntervals[tf]
	if !ok {
		return nil, E(KindInvalidOrder, "unsupported timeframe %s", tf)
	}
	path := fmt.Sprintf("/historical-candle/%s/%s/%s/%s",
		url.PathEscape(upstoxKey(symbol)), interval,
		to.Format("2006-01-02"), from.Format("2006-01-02"))

	var out struct {
		Candles [][]any `json:"candles"`
	}
	if err := u.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	candles := make([]types.Candle, 0, len(out.Candles))
	for _, row := range out.Candles {
		c, err := parseCandleRow(symbol, tf, row)
		if err != nil {
			u.logger.Debug("skipping malformed candle row", "error", err)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func (u *Upstox) GetInstruments(ctx context.Context) ([]types.Instrument, error) {
	var rows []struct {
		InstrumentKey string  `json:"instrument_key"`
		TradingSymbol string  `json:"trading_symbol"`
		Name          string  `json:"name"`
		Exchange      string  `json:"exchange"`
		Segment       string  `json:"segment"`
		LotSize       int64   `json:"lot_size"`
		TickSize      float64 `json:"tick_size"`
	}
	if err := u.do(ctx, http.MethodGet, "/market/instruments/NSE", nil, &rows); err != nil {
		return nil, err
	}
	instruments := make([]types.Instrument, 0, len(rows))
	for _, r := range rows {
		instruments = append(instruments, types.Instrument{
			Exchange:      r.Exchange,
			TradingSymbol: r.TradingSymbol,
			Name:          r.Name,
			Segment:       r.Segment,
			LotSize:       r.LotSize,
			TickSize:      decimal.NewFromFloat(r.TickSize),
			BrokerTokens:  map[types.BrokerCode]string{types.BrokerUpstox: r.InstrumentKey},
			UpdatedAt:     time.Now(),
		})
	}
	return instruments, nil
}

// parseUpstoxTicks decodes one Upstox feed frame.
func parseUpstoxTicks(data []byte) ([]types.Tick, error) {
	var frame struct {
		Feeds map[string]struct {
			FF struct {
				MarketFF struct {
					LTPC struct {
						LTP float64 `json:"ltp"`
						LTT string  `json:"ltt"`
					} `json:"ltpc"`
				} `json:"marketFF"`
			} `json:"ff"`
		} `json:"feeds"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if len(frame.Feeds) == 0 {
		return nil, nil
	}

	now := time.Now()
	out := make([]types.Tick, 0, len(frame.Feeds))
	for key, feed := range frame.Feeds {
		ltpc := feed.FF.MarketFF.LTPC
		tick := types.Tick{
			Symbol:     upstoxBare(key),
			LastPrice:  decimal.NewFromFloat(ltpc.LTP).Round(2),
			BrokerTime: now,
			ReceivedAt: now,
		}
		if ms, err := strconv.ParseInt(ltpc.LTT, 10, 64); err == nil && ms > 0 {
			tick.BrokerTime = time.UnixMilli(ms)
		}
		out = append(out, tick)
	}
	return out, nil
}

var _ Port = (*Upstox)(nil)
