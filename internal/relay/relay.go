// Package relay is the FEED_COLLECTOR surface: a WebSocket broadcaster
// that pushes accepted ticks to downstream consumers (a separate trading
// process, dashboards). Ticks are batched on a flush interval so a busy
// symbol does not turn into one frame per tick.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mtf-engine/internal/feed"
	"mtf-engine/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The relay serves other processes on the same deployment, not
	// browsers; origin checks are the gateway's concern.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wireTick is the JSON shape pushed to relay clients.
type wireTick struct {
	Symbol     string    `json:"symbol"`
	LastPrice  string    `json:"last_price"`
	Volume     int64     `json:"volume"`
	Bid        string    `json:"bid,omitempty"`
	Ask        string    `json:"ask,omitempty"`
	BrokerTime time.Time `json:"broker_time"`
}

type frame struct {
	Type  string     `json:"type"`
	Ticks []wireTick `json:"ticks"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server broadcasts batched ticks to every connected client.
type Server struct {
	port    int
	flush   time.Duration
	logger  *slog.Logger
	httpSrv *http.Server

	mu      sync.Mutex
	clients map[*client]bool
	batch   []wireTick
}

func NewServer(port int, flush time.Duration, logger *slog.Logger) *Server {
	if flush <= 0 {
		flush = 250 * time.Millisecond
	}
	return &Server{
		port:    port,
		flush:   flush,
		logger:  logger.With("component", "relay"),
		clients: make(map[*client]bool),
	}
}

// Run serves the relay endpoint and flushes tick batches from the feed
// listener until ctx is cancelled.
func (s *Server) Run(ctx context.Context, l *feed.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ticks", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "port", s.port)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(s.flush)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("relay server: %w", err)
		case tick := <-l.C:
			s.mu.Lock()
			s.batch = append(s.batch, toWire(tick))
			s.mu.Unlock()
		case <-ticker.C:
			s.flushBatch()
		}
	}
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("relay shutdown failed", "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256)}
	s.mu.Lock()
	s.clients[c] = true
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("relay client connected", "clients", n)

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) flushBatch() {
	s.mu.Lock()
	if len(s.batch) == 0 || len(s.clients) == 0 {
		s.batch = s.batch[:0]
		s.mu.Unlock()
		return
	}
	data, err := json.Marshal(frame{Type: "ticks", Ticks: s.batch})
	s.batch = s.batch[:0]
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("marshal tick batch failed", "error", err)
		return
	}
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, drop it.
			delete(s.clients, c)
			close(c.send)
		}
	}
	s.mu.Unlock()
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// The relay is push-only; client messages are drained and ignored.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func toWire(t types.Tick) wireTick {
	w := wireTick{
		Symbol:     t.Symbol,
		LastPrice:  t.LastPrice.String(),
		Volume:     t.Volume,
		BrokerTime: t.BrokerTime,
	}
	if !t.Bid.IsZero() {
		w.Bid = t.Bid.String()
	}
	if !t.Ask.IsZero() {
		w.Ask = t.Ask.String()
	}
	return w
}
