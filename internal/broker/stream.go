// stream.go implements the shared WebSocket tick stream used by every
// broker adapter.
//
// Each broker speaks its own subscription dialect and tick encoding, so an
// adapter supplies three hooks: a subscribe-message builder, a frame
// parser, and an auth-header builder. The stream owns everything else:
// connection lifecycle, exponential reconnect backoff (1s → 30s max),
// re-subscription of all tracked symbols after a reconnect, and a read
// deadline so a silent server is detected rather than trusted.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mtf-engine/pkg/types"
)

const (
	streamPingInterval  = 25 * time.Second
	streamReadTimeout   = 60 * time.Second // ~2 missed pings triggers reconnect
	streamWriteTimeout  = 10 * time.Second
	maxReconnectBackoff = 30 * time.Second
	maxReconnectTries   = 10
)

// streamHooks is what a concrete adapter plugs into the shared stream.
type streamHooks struct {
	// subscribeMsg builds the broker's subscribe/unsubscribe payload.
	subscribeMsg func(op string, symbols []string) any
	// parse decodes one WS frame into zero or more ticks.
	parse func(data []byte) ([]types.Tick, error)
	// header builds the connection headers (auth token etc.).
	header func(ctx context.Context) (http.Header, error)
}

// tickStream maintains one broker WebSocket connection and delivers parsed
// ticks to a single listener. Fan-out to multiple consumers is the tick
// intake's job, not the stream's.
type tickStream struct {
	url   string
	hooks streamHooks

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	listenerMu sync.RWMutex
	listener   TickListener

	// onDown is invoked when reconnect attempts are exhausted, so the
	// owning adapter can flip into READ-ONLY / LOGIN_REQUIRED handling.
	onDown func()

	logger *slog.Logger
}

func newTickStream(url string, hooks streamHooks, onDown func(), logger *slog.Logger) *tickStream {
	return &tickStream{
		url:        url,
		hooks:      hooks,
		subscribed: make(map[string]bool),
		onDown:     onDown,
		logger:     logger.With("component", "tick_stream"),
	}
}

// SetListener installs the tick consumer. Must be set before Run.
func (s *tickStream) SetListener(l TickListener) {
	s.listenerMu.Lock()
	s.listener = l
	s.listenerMu.Unlock()
}

// Run connects and maintains the WebSocket with auto-reconnect. Blocks
// until ctx is cancelled or reconnect attempts are exhausted.
func (s *tickStream) Run(ctx context.Context) error {
	backoff := time.Second
	attempts := 0

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts >= maxReconnectTries {
			s.logger.Error("tick stream giving up after max reconnect attempts",
				"attempts", attempts, "error", err)
			if s.onDown != nil {
				s.onDown()
			}
			return fmt.Errorf("tick stream down after %d attempts: %w", attempts, err)
		}

		s.logger.Warn("tick stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
			"attempt", attempts,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// Subscribe adds symbols to the stream.
func (s *tickStream) Subscribe(ctx context.Context, symbols []string) error {
	s.subscribedMu.Lock()
	for _, sym := range symbols {
		s.subscribed[sym] = true
	}
	s.subscribedMu.Unlock()

	return s.writeJSON(s.hooks.subscribeMsg("subscribe", symbols))
}

// Unsubscribe removes symbols from the stream.
func (s *tickStream) Unsubscribe(ctx context.Context, symbols []string) error {
	s.subscribedMu.Lock()
	for _, sym := range symbols {
		delete(s.subscribed, sym)
	}
	s.subscribedMu.Unlock()

	return s.writeJSON(s.hooks.subscribeMsg("unsubscribe", symbols))
}

// Close gracefully closes the connection.
func (s *tickStream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *tickStream) connectAndRead(ctx context.Context) error {
	var hdr http.Header
	if s.hooks.header != nil {
		var err error
		hdr, err = s.hooks.header(ctx)
		if err != nil {
			return fmt.Errorf("stream auth: %w", err)
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, hdr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	// Re-subscribe everything we were tracking before the reconnect.
	if err := s.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	s.logger.Info("tick stream connected", "url", s.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		ticks, err := s.hooks.parse(msg)
		if err != nil {
			s.logger.Debug("unparseable stream frame", "error", err)
			continue
		}
		s.deliver(ticks)
	}
}

func (s *tickStream) deliver(ticks []types.Tick) {
	s.listenerMu.RLock()
	l := s.listener
	s.listenerMu.RUnlock()
	if l == nil {
		return
	}
	for _, t := range ticks {
		l(t)
	}
}

func (s *tickStream) resubscribe() error {
	s.subscribedMu.RLock()
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	s.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return s.writeJSON(s.hooks.subscribeMsg("subscribe", symbols))
}

func (s *tickStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					s.logger.Warn("ping failed", "error", err)
					s.connMu.Unlock()
					return
				}
			}
			s.connMu.Unlock()
		}
	}
}

func (s *tickStream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("tick stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}
