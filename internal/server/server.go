package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/igefined/orderbook-relay/internal/config"
	"github.com/igefined/orderbook-relay/internal/relay"
)

const (
	maxMessageSize = 4096
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
)

// Server accepts WebSocket clients and turns their frames into relay events.
type Server struct {
	cfg     config.ServerConfig
	handler *relay.Handler
	logger  *zap.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	addr       net.Addr

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

type Params struct {
	fx.In

	Config   *config.Config
	Handler  *relay.Handler
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

func New(params Params) *Server {
	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     params.Config.Server,
		handler: params.Handler,
		logger:  params.Logger.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*Conn]struct{}),
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(s.logger.Named("http"), time.RFC3339, true),
		ginzap.RecoveryWithZap(s.logger, true),
	)
	engine.GET("/", s.serveWS)
	engine.GET("/ws", s.serveWS)
	engine.GET("/healthz", s.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(params.Registry, promhttp.HandlerOpts{})))

	s.engine = engine
	s.httpServer = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr is the bound listen address once Start has returned.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Start binds the listen address; a bind failure is returned so the
// application does not start.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.addr = ln.Addr()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("WebSocket server listening", zap.Stringer("addr", s.addr))
	return nil
}

// Stop closes the listener, then every open WebSocket, and waits for their
// read loops to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server")

	err := s.httpServer.Shutdown(ctx)
	s.cancel()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.handler.Connections(),
	})
}

func (s *Server) serveWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(ws, s.cfg.WriteTimeout)
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	s.readPump(conn)
}

func (s *Server) track(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// readPump emits Open, one Message per text frame, and exactly one Close.
// The socket is closed before the Close event so nothing can be written to
// it once the registry has forgotten it.
func (s *Server) readPump(conn *Conn) {
	logger := s.logger.With(zap.Stringer("conn", conn.ID()))

	if err := s.handler.Handle(s.ctx, relay.Event{Kind: relay.EventOpen, ConnID: conn.ID(), Conn: conn}); err != nil {
		logger.Error("Failed to register connection", zap.Error(err))
		_ = conn.Close()
		return
	}
	defer func() {
		_ = conn.Close()
		_ = s.handler.Handle(s.ctx, relay.Event{Kind: relay.EventClose, ConnID: conn.ID()})
	}()

	ws := conn.ws
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.keepAlive(conn)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Connection read failed", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := s.handler.Handle(s.ctx, relay.Event{Kind: relay.EventMessage, ConnID: conn.ID(), Payload: data}); err != nil {
			logger.Warn("Failed to handle message", zap.Error(err))
		}
	}
}

func (s *Server) keepAlive(conn *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				s.logger.Debug("Ping failed", zap.Stringer("conn", conn.ID()), zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}
