// zerodha.go implements the Port adapter for the Zerodha Kite Connect API.
//
// REST surface: https://api.kite.trade (orders, funds, positions, holdings,
// quotes, historical candles, instrument master). Auth is "token
// api_key:access_token" in the Authorization header. Ticks arrive over
// wss://ws.kite.trade; this adapter uses the JSON ("full" mode) frames.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"mtf-engine/pkg/types"
)

// zerodhaProducts translates engine product types to Kite product codes.
// Kite has no MTF product; MTF books under NRML margin.
var zerodhaProducts = map[types.ProductType]string{
	types.ProductCNC:  "CNC",
	types.ProductMIS:  "MIS",
	types.ProductNRML: "NRML",
	types.ProductMTF:  "NRML",
	types.ProductBO:   "BO",
	types.ProductCO:   "CO",
}

var zerodhaOrderTypes = map[types.OrderType]string{
	types.OrderMarket:   "MARKET",
	types.OrderLimit:    "LIMIT",
	types.OrderStopLoss: "SL",
}

// Zerodha is the Kite Connect adapter.
type Zerodha struct {
	*restAdapter
	apiKey string
	stream *tickStream
	logger *slog.Logger
}

// NewZerodha creates a Zerodha adapter. Order endpoints are limited to
// 10/s, 200/min, 3000/day per Kite's published caps.
func NewZerodha(baseURL, wsURL, apiKey string, permits int64, tokens TokenSource, logger *slog.Logger) *Zerodha {
	logger = logger.With("component", "broker", "broker", "zerodha")
	z := &Zerodha{
		restAdapter: newRESTAdapter("zerodha", baseURL, NewLimits(10, 200, 3000), permits, tokens, logger),
		apiKey:      apiKey,
		logger:      logger,
	}
	z.stream = newTickStream(wsURL, streamHooks{
		subscribeMsg: func(op string, symbols []string) any {
			// Kite subscribes by instrument token; the engine addresses
			// everything by trading symbol and lets the server resolve.
			return map[string]any{"a": op, "v": symbols, "mode": "full"}
		},
		parse:  parseZerodhaTicks,
		header: z.streamHeader,
	}, func() { z.SetFeedStale(true) }, logger)
	return z
}

func (z *Zerodha) Code() types.BrokerCode { return types.BrokerZerodha }

func (z *Zerodha) streamHeader(ctx context.Context) (http.Header, error) {
	token, err := z.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("X-Kite-Version", "3")
	h.Set("Authorization", fmt.Sprintf("token %s:%s", z.apiKey, token))
	return h, nil
}

// zerodhaEnvelope is Kite's uniform response wrapper.
type zerodhaEnvelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

func (z *Zerodha) get(ctx context.Context, path string, query map[string]string, out any) error {
	return z.call(ctx, func(ctx context.Context, token string) error {
		var env zerodhaEnvelope
		resp, err := z.http.R().
			SetContext(ctx).
			SetHeader("X-Kite-Version", "3").
			SetHeader("Authorization", fmt.Sprintf("token %s:%s", z.apiKey, token)).
			SetQueryParams(query).
			SetResult(&env).
			SetError(&env).
			Get(path)
		if err != nil {
			return err
		}
		if resp.StatusCode() != http.StatusOK || env.Status == "error" {
			return statusToError(resp, env.ErrorType, env.Message)
		}
		if out != nil {
			return json.Unmarshal(env.Data, out)
		}
		return nil
	})
}

func (z *Zerodha) submit(ctx context.Context, method, path string, form map[string]string, out any) error {
	return z.call(ctx, func(ctx context.Context, token string) error {
		var env zerodhaEnvelope
		req := z.http.R().
			SetContext(ctx).
			SetHeader("X-Kite-Version", "3").
			SetHeader("Authorization", fmt.Sprintf("token %s:%s", z.apiKey, token)).
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetFormData(form).
			SetResult(&env).
			SetError(&env)

		resp, err := req.Execute(method, path)
		if err != nil {
			return err
		}
		if resp.StatusCode() != http.StatusOK || env.Status == "error" {
			return statusToError(resp, env.ErrorType, env.Message)
		}
		if out != nil {
			return json.Unmarshal(env.Data, out)
		}
		return nil
	})
}

// Connect exchanges the OAuth request token for an access token.
func (z *Zerodha) Connect(ctx context.Context, creds Credentials) (string, error) {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	var env zerodhaEnvelope
	resp, err := z.http.R().
		SetContext(ctx).
		SetHeader("X-Kite-Version", "3").
		SetFormData(map[string]string{
			"api_key":       creds.APIKey,
			"request_token": creds.AuthCode,
			"checksum":      sessionChecksum(creds.APIKey, creds.AuthCode, creds.APISecret),
		}).
		SetResult(&env).
		SetError(&env).
		Post("/session/token")
	if err != nil {
		return "", classify(err)
	}
	if resp.StatusCode() != http.StatusOK || env.Status == "error" {
		return "", statusToError(resp, env.ErrorType, env.Message)
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	return out.AccessToken, nil
}

// PlaceOrder places a regular order. Tag rides through as the broker-side
// idempotency handle.
func (z *Zerodha) PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error) {
	form := map[string]string{
		"tradingsymbol":    req.Symbol,
		"exchange":         req.Exchange,
		"transaction_type": string(req.Transaction),
		"order_type":       zerodhaOrderTypes[req.OrderType],
		"product":          zerodhaProducts[req.ProductType],
		"quantity":         fmt.Sprintf("%d", req.Quantity),
		"validity":         string(req.Validity),
		"tag":              req.Tag,
	}
	if req.OrderType == types.OrderLimit {
		form["price"] = req.Price.StringFixed(2)
	}
	if req.OrderType == types.OrderStopLoss {
		form["trigger_price"] = req.TriggerPrice.StringFixed(2)
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := z.submit(ctx, http.MethodPost, "/orders/regular", form, &out); err != nil {
		return nil, err
	}
	return &PlacedOrder{OrderID: out.OrderID}, nil
}

// ModifyOrder modifies a working order in place.
func (z *Zerodha) ModifyOrder(ctx context.Context, orderID string, change OrderChange) (*PlacedOrder, error) {
	form := map[string]string{}
	if change.Quantity > 0 {
		form["quantity"] = fmt.Sprintf("%d", change.Quantity)
	}
	if !change.Price.IsZero() {
		form["price"] = change.Price.StringFixed(2)
	}
	if !change.TriggerPrice.IsZero() {
		form["trigger_price"] = change.TriggerPrice.StringFixed(2)
	}
	if change.OrderType != "" {
		form["order_type"] = zerodhaOrderTypes[change.OrderType]
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := z.submit(ctx, http.MethodPut, "/orders/regular/"+url.PathEscape(orderID), form, &out); err != nil {
		return nil, err
	}
	return &PlacedOrder{OrderID: out.OrderID}, nil
}

// CancelOrder cancels a working order.
func (z *Zerodha) CancelOrder(ctx context.Context, orderID string) error {
	return z.submit(ctx, http.MethodDelete, "/orders/regular/"+url.PathEscape(orderID), nil, nil)
}

// zerodhaOrder is one row from GET /orders.
type zerodhaOrder struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	FilledQuantity  int64   `json:"filled_quantity"`
	PendingQuantity int64   `json:"pending_quantity"`
	AveragePrice    float64 `json:"average_price"`
	OrderTimestamp  string  `json:"order_timestamp"`
}

func (o zerodhaOrder) toStatus() OrderStatus {
	ts, _ := time.Parse("2006-01-02 15:04:05", o.OrderTimestamp)
	return OrderStatus{
		OrderID:       o.OrderID,
		State:         MapBrokerStatus(o.Status),
		RawStatus:     o.Status,
		FilledQty:     o.FilledQuantity,
		PendingQty:    o.PendingQuantity,
		AveragePrice:  decimal.NewFromFloat(o.AveragePrice).Round(2),
		StatusMessage: o.StatusMessage,
		UpdatedAt:     ts,
	}
}

// GetOrderStatus returns the latest state of one order. Kite returns the
// order's full history; the last entry is current.
func (z *Zerodha) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var history []zerodhaOrder
	if err := z.get(ctx, "/orders/"+url.PathEscape(orderID), nil, &history); err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, E(KindBrokerRejected, "order %s not found", orderID)
	}
	st := history[len(history)-1].toStatus()
	return &st, nil
}

// ListOpenOrders returns every working order for the day.
func (z *Zerodha) ListOpenOrders(ctx context.Context) ([]OrderStatus, error) {
	var rows []zerodhaOrder
	if err := z.get(ctx, "/orders", nil, &rows); err != nil {
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

// ListPositions returns net positions.
func (z *Zerodha) ListPositions(ctx context.Context) ([]Position, error) {
	var out struct {
		Net []struct {
			TradingSymbol string  `json:"tradingsymbol"`
			Exchange      string  `json:"exchange"`
			Quantity      int64   `json:"quantity"`
			AveragePrice  float64 `json:"average_price"`
			LastPrice     float64 `json:"last_price"`
			PnL           float64 `json:"pnl"`
			Product       string  `json:"product"`
		} `json:"net"`
	}
	if err := z.get(ctx, "/portfolio/positions", nil, &out); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(out.Net))
	for _, p := range out.Net {
		positions = append(positions, Position{
			Symbol:       p.TradingSymbol,
			Exchange:     p.Exchange,
			Quantity:     p.Quantity,
			AveragePrice: decimal.NewFromFloat(p.AveragePrice).Round(2),
			LastPrice:    decimal.NewFromFloat(p.LastPrice).Round(2),
			PnL:          decimal.NewFromFloat(p.PnL).Round(2),
			ProductType:  reverseProduct(zerodhaProducts, p.Product),
		})
	}
	return positions, nil
}

// ListHoldings returns demat holdings.
func (z *Zerodha) ListHoldings(ctx context.Context) ([]Holding, error) {
	var rows []struct {
		TradingSymbol string  `json:"tradingsymbol"`
		Exchange      string  `json:"exchange"`
		Quantity      int64   `json:"quantity"`
		AveragePrice  float64 `json:"average_price"`
		LastPrice     float64 `json:"last_price"`
	}
	if err := z.get(ctx, "/portfolio/holdings", nil, &rows); err != nil {
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

// GetFunds returns the equity segment margin snapshot.
func (z *Zerodha) GetFunds(ctx context.Context) (*Funds, error) {
	var out struct {
		Equity struct {
			Available struct {
				Cash float64 `json:"cash"`
			} `json:"available"`
			Utilised struct {
				Debits float64 `json:"debits"`
			} `json:"utilised"`
			Net float64 `json:"net"`
		} `json:"equity"`
	}
	if err := z.get(ctx, "/user/margins", nil, &out); err != nil {
		return nil, err
	}
	return &Funds{
		AvailableCash: decimal.NewFromFloat(out.Equity.Available.Cash).Round(2),
		UsedMargin:    decimal.NewFromFloat(out.Equity.Utilised.Debits).Round(2),
		TotalBalance:  decimal.NewFromFloat(out.Equity.Net).Round(2),
	}, nil
}

// GetLTP returns the last traded price for one symbol.
func (z *Zerodha) GetLTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	key := "NSE:" + symbol
	out := map[string]struct {
		LastPrice float64 `json:"last_price"`
	}{}
	if err := z.get(ctx, "/quote/ltp", map[string]string{"i": key}, &out); err != nil {
		return decimal.Zero, err
	}
	q, ok := out[key]
	if !ok {
		return decimal.Zero, E(KindBrokerRejected, "no quote for %s", symbol)
	}
	return decimal.NewFromFloat(q.LastPrice).Round(2), nil
}

// SubscribeTicks starts (or extends) the tick stream for symbols.
func (z *Zerodha) SubscribeTicks(ctx context.Context, symbols []string, listener TickListener) error {
	z.stream.SetListener(listener)
	return z.stream.Subscribe(ctx, symbols)
}

// UnsubscribeTicks removes symbols from the stream.
func (z *Zerodha) UnsubscribeTicks(ctx context.Context, symbols []string) error {
	return z.stream.Unsubscribe(ctx, symbols)
}

// RunStream runs the WebSocket connection loop until ctx is cancelled.
func (z *Zerodha) RunStream(ctx context.Context) error {
	z.SetFeedStale(false)
	return z.stream.Run(ctx)
}

var zerodhaIntervals = map[types.Timeframe]string{
	types.TF1m:    "minute",
	types.TF5m:    "5minute",
	types.TF15m:   "15minute",
	types.TF25m:   "25minute",
	types.TF30m:   "30minute",
	types.TF60m:   "60minute",
	types.TF125m:  "125minute",
	types.TFDaily: "day",
}

// GetHistoricalCandles fetches candles for the window [from, to].
func (z *Zerodha) GetHistoricalCandles(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Candle, error) {
	interval, ok := zerodhaIntervals[tf]
	if !ok {
		return nil, E(KindInvalidOrder, "unsupported timeframe %s", tf)
	}
	var out struct {
		Candles [][]any `json:"candles"`
	}
	query := map[string]string{
		"from": from.Format("2006-01-02 15:04:05"),
		"to":   to.Format("2006-01-02 15:04:05"),
	}
	path := fmt.Sprintf("/instruments/historical/%s/%s", url.PathEscape(symbol), interval)
	if err := z.get(ctx, path, query, &out); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(out.Candles))
	for _, row := range out.Candles {
		c, err := parseCandleRow(symbol, tf, row)
		if err != nil {
			z.logger.Debug("skipping malformed candle row", "error", err)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// GetInstruments fetches and normalizes the instrument master.
func (z *Zerodha) GetInstruments(ctx context.Context) ([]types.Instrument, error) {
	var rows []struct {
		InstrumentToken int64   `json:"instrument_token"`
		TradingSymbol   string  `json:"tradingsymbol"`
		Name            string  `json:"name"`
		Exchange        string  `json:"exchange"`
		Segment         string  `json:"segment"`
		LotSize         int64   `json:"lot_size"`
		TickSize        float64 `json:"tick_size"`
	}
	if err := z.get(ctx, "/instruments/NSE", nil, &rows); err != nil {
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
			BrokerTokens:  map[types.BrokerCode]string{types.BrokerZerodha: fmt.Sprintf("%d", r.InstrumentToken)},
			UpdatedAt:     time.Now(),
		})
	}
	return instruments, nil
}

// parseZerodhaTicks decodes a full-mode JSON tick frame.
func parseZerodhaTicks(data []byte) ([]types.Tick, error) {
	var frame struct {
		Type  string `json:"type"`
		Ticks []struct {
			TradingSymbol string  `json:"tradingsymbol"`
			LastPrice     float64 `json:"last_price"`
			Volume        int64   `json:"volume_traded"`
			OHLC          struct {
				Open  float64 `json:"open"`
				High  float64 `json:"high"`
				Low   float64 `json:"low"`
				Close float64 `json:"close"`
			} `json:"ohlc"`
			Depth struct {
				Buy []struct {
					Price float64 `json:"price"`
				} `json:"buy"`
				Sell []struct {
					Price float64 `json:"price"`
				} `json:"sell"`
			} `json:"depth"`
			ExchangeTimestamp int64 `json:"exchange_timestamp"`
		} `json:"ticks"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if frame.Type != "" && frame.Type != "ticks" {
		return nil, nil
	}

	now := time.Now()
	out := make([]types.Tick, 0, len(frame.Ticks))
	for _, t := range frame.Ticks {
		tick := types.Tick{
			Symbol:     t.TradingSymbol,
			LastPrice:  decimal.NewFromFloat(t.LastPrice).Round(2),
			Open:       decimal.NewFromFloat(t.OHLC.Open).Round(2),
			High:       decimal.NewFromFloat(t.OHLC.High).Round(2),
			Low:        decimal.NewFromFloat(t.OHLC.Low).Round(2),
			Close:      decimal.NewFromFloat(t.OHLC.Close).Round(2),
			Volume:     t.Volume,
			BrokerTime: time.Unix(t.ExchangeTimestamp, 0),
			ReceivedAt: now,
		}
		if len(t.Depth.Buy) > 0 {
			tick.Bid = decimal.NewFromFloat(t.Depth.Buy[0].Price).Round(2)
		}
		if len(t.Depth.Sell) > 0 {
			tick.Ask = decimal.NewFromFloat(t.Depth.Sell[0].Price).Round(2)
		}
		out = append(out, tick)
	}
	return out, nil
}

var _ Port = (*Zerodha)(nil)
