// Package wsserver upgrades inbound HTTP requests to WebSocket connections,
// binds each to a connstate.State, and supervises its read loop and ping
// loop under one errgroup so either one exiting tears down the other.
package wsserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/rtmbroker/rtmbroker/internal/apps"
	"github.com/rtmbroker/rtmbroker/internal/connstate"
	"github.com/rtmbroker/rtmbroker/internal/domain"
	"github.com/rtmbroker/rtmbroker/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB, well above any realistic PDU
)

// Config parameterizes the server.
type Config struct {
	Apps          *apps.Store
	Dispatcher    *protocol.Dispatcher
	Registry      *connstate.Registry
	Metrics       domain.Metrics
	Logger        *slog.Logger
	IdleTimeout   time.Duration // closes a connection silent this long
	HandshakeWait time.Duration // time budget for the HTTP->WS upgrade
}

// Server upgrades the HTTP requests routed to it to WebSocket connections.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
}

// New builds a Server from cfg, defaulting unset timeouts.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.HandshakeWait <= 0 {
		cfg.HandshakeWait = 10 * time.Second
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: cfg.HandshakeWait,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection, registers it, and blocks its calling
// goroutine in the read pump until the socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	appkey, ok := protocol.ParseAppKey(r.URL.String())
	if !ok {
		http.Error(w, "missing or invalid appkey query parameter", http.StatusBadRequest)
		return
	}
	if !s.cfg.Apps.Current().HasApp(appkey) {
		http.Error(w, "unknown appkey", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn("wsserver: upgrade failed", "error", err)
		return
	}

	id := uuid.New().String()
	sender := &wsSender{conn: conn}
	state := connstate.New(id, appkey, sender)

	s.cfg.Registry.Add(state)
	s.cfg.Metrics.ConnectionOpened()

	defer func() {
		s.cfg.Registry.Remove(id)
		s.cfg.Metrics.ConnectionClosed()
		_ = state.Close()
	}()

	// The read loop and the ping loop are supervised as one unit: whichever
	// exits first (socket error, fatal protocol violation, or the HTTP
	// request context closing) tears the other down too.
	connCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g, gctx := errgroup.WithContext(connCtx)
	g.Go(func() error {
		defer cancel()
		s.readLoop(gctx, conn, state)
		return nil
	})
	g.Go(func() error {
		// Closing the socket unblocks the read loop's pending ReadMessage.
		defer conn.Close()
		s.pingLoop(gctx, conn, state)
		return nil
	})
	_ = g.Wait()
}

// wsSender adapts *websocket.Conn to connstate.Sender, serializing with
// goccy/go-json on the hot send path.
type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) WriteJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSender) Close() error {
	return s.conn.Close()
}

var _ connstate.Sender = (*wsSender)(nil)

// readLoop reads text frames off conn and dispatches each through the
// protocol engine, resetting the idle deadline on every frame (data or
// pong). It returns once the socket errors or the dispatcher reports a
// fatal protocol violation.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, state *connstate.State) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.cfg.Logger.Warn("wsserver: unexpected close", "connection_id", state.ID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		resp, fatal := s.cfg.Dispatcher.Handle(ctx, state, raw)
		if err := state.Send(resp); err != nil {
			return
		}
		if fatal {
			state.Fail()
			return
		}
	}
}

// pingLoop sends periodic keepalive pings until the connection is no
// longer ok or ctx is cancelled.
func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn, state *connstate.State) {
	period := s.cfg.IdleTimeout / 2
	if period <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !state.OK() {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
