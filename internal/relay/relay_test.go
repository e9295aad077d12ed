package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-engine/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func httptestHandler(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ticks", s.handleWS)
	return mux
}

func TestToWireOmitsEmptyQuotes(t *testing.T) {
	t.Parallel()
	w := toWire(types.Tick{
		Symbol:    "SBIN",
		LastPrice: decimal.NewFromFloat(502.50),
		Volume:    1200,
	})
	data, err := json.Marshal(w)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "bid")
	assert.NotContains(t, string(data), "ask")
	assert.Contains(t, string(data), `"last_price":"502.5"`)
}

func TestBroadcastRoundtrip(t *testing.T) {
	t.Parallel()
	s := NewServer(0, 50*time.Millisecond, discard())

	srv := httptest.NewServer(httptestHandler(s))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ticks"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Wait for registration, then queue two ticks and flush once.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.clients) == 1
	}, time.Second, 10*time.Millisecond)

	s.mu.Lock()
	s.batch = append(s.batch,
		toWire(types.Tick{Symbol: "SBIN", LastPrice: decimal.NewFromFloat(502.50)}),
		toWire(types.Tick{Symbol: "TCS", LastPrice: decimal.NewFromFloat(3510.00)}),
	)
	s.mu.Unlock()
	s.flushBatch()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var f frame
	require.NoError(t, json.Unmarshal(msg, &f))
	assert.Equal(t, "ticks", f.Type)
	require.Len(t, f.Ticks, 2)
	assert.Equal(t, "SBIN", f.Ticks[0].Symbol)
	assert.Equal(t, "TCS", f.Ticks[1].Symbol)
}

func TestFlushWithNoClientsDropsBatch(t *testing.T) {
	t.Parallel()
	s := NewServer(0, 50*time.Millisecond, discard())
	s.mu.Lock()
	s.batch = append(s.batch, toWire(types.Tick{Symbol: "SBIN"}))
	s.mu.Unlock()

	s.flushBatch()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.batch)
}
