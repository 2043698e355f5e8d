// Package mockbridge is a local stand-in for the OKXUS bridge. It speaks the
// bridge side of the protocol (auth handshake, heartbeats, status, message
// ack + response) and hands chat text to a pluggable Responder instead of the
// assistant.
package mockbridge

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	okxus "github.com/okxus/okxus/sdk/golang"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from a client.
	maxMessageSize = 64 * 1024

	DefaultAuthTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// Responder produces the assistant reply for one chat message.
type Responder func(ctx context.Context, content string) (string, error)

// Echo replies with the received text.
func Echo(ctx context.Context, content string) (string, error) {
	return "echo: " + content, nil
}

// Config configures a Server. Zero values select defaults.
type Config struct {
	Token string
	// AuthTimeout bounds the wait for the first frame.
	AuthTimeout time.Duration
	// HeartbeatInterval is the server heartbeat period; negative disables.
	HeartbeatInterval time.Duration
	Responder         Responder
	// KiroRunning feeds status replies. Defaults to always running.
	KiroRunning func() bool
	Logger      *zerolog.Logger
}

func (c *Config) defaults() {
	if c.AuthTimeout == 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Responder == nil {
		c.Responder = Echo
	}
	if c.KiroRunning == nil {
		c.KiroRunning = func() bool { return true }
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the mock bridge.
type Server struct {
	cfg     Config
	logger  zerolog.Logger
	started time.Time
	engine  *gin.Engine

	mu    sync.RWMutex
	conns map[string]*conn
}

type conn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
	authed  bool // guarded by Server.mu
}

// New creates a server. Mount Handler on an http.Server or httptest.Server.
func New(cfg Config) *Server {
	cfg.defaults()
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "mockbridge").Logger(),
		started: time.Now(),
		conns:   make(map[string]*conn),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/", s.handleWebSocket)
	r.GET("/ws", s.handleWebSocket)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":            "ok",
			"connected_clients": s.Clients(),
			"uptime":            time.Since(s.started).Seconds(),
		})
	})
	s.engine = r
	return s
}

// Handler returns the HTTP handler serving the WebSocket and health routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.logger.Info().Str("addr", addr).Msg("mock bridge listening")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.DropAll()
		return srv.Shutdown(shutdownCtx)
	}
}

// Clients returns the number of authenticated connections.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.conns {
		if c.authed {
			n++
		}
	}
	return n
}

// Connections returns the number of open connections, authenticated or not.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Broadcast sends msg to every authenticated client and returns how many
// writes succeeded.
func (s *Server) Broadcast(msg okxus.ServerMessage) int {
	sent := 0
	for _, c := range s.authedConns() {
		if err := c.send(msg); err == nil {
			sent++
		}
	}
	return sent
}

// DropAll closes every connection without a close handshake and returns how
// many were dropped.
func (s *Server) DropAll() int {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
	return len(conns)
}

func (s *Server) authedConns() []*conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.authed {
			out = append(out, c)
		}
	}
	return out
}

// --- Connection handling ---

func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	ws.SetReadLimit(maxMessageSize)

	cn := &conn{id: uuid.NewString(), ws: ws}
	logger := s.logger.With().Str("conn", cn.id).Str("remote", c.Request.RemoteAddr).Logger()

	s.mu.Lock()
	s.conns[cn.id] = cn
	s.mu.Unlock()
	logger.Info().Int("connections", s.Connections()).Msg("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.conns, cn.id)
		s.mu.Unlock()
		_ = ws.Close()
		logger.Info().Int("connections", s.Connections()).Msg("client disconnected")
	}()

	if !s.authenticate(cn, logger) {
		return
	}
	s.mu.Lock()
	cn.authed = true
	s.mu.Unlock()
	logger.Info().Msg("client authenticated")

	if s.cfg.HeartbeatInterval > 0 {
		go s.heartbeatLoop(ctx, cn)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		s.route(ctx, cn, data, logger)
	}
}

// authenticate requires the first frame to be a valid auth within
// AuthTimeout. On failure the reason is sent and the connection closed.
func (s *Server) authenticate(cn *conn, logger zerolog.Logger) bool {
	_ = cn.ws.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	_, data, err := cn.ws.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			logger.Warn().Msg("authentication timeout")
			_ = cn.send(errorFrame("authentication timeout"))
			cn.close("authentication timeout")
		}
		return false
	}
	_ = cn.ws.SetReadDeadline(time.Time{})

	msg, err := okxus.ParseClientMessage(data)
	if err != nil || msg.Type != okxus.TypeAuth {
		_ = cn.send(errorFrame("first message must be auth"))
		cn.close("first message must be auth")
		return false
	}

	if subtle.ConstantTimeCompare([]byte(msg.Payload.Token), []byte(s.cfg.Token)) != 1 {
		logger.Warn().Msg("invalid token")
		_ = cn.send(okxus.NewAuthResult(false, "Invalid token"))
		cn.close("invalid token")
		return false
	}
	return cn.send(okxus.NewAuthResult(true, "")) == nil
}

func (s *Server) route(ctx context.Context, cn *conn, data []byte, logger zerolog.Logger) {
	msg, err := okxus.ParseClientMessage(data)
	if err != nil {
		_ = cn.send(errorFrame("invalid JSON"))
		return
	}

	switch msg.Type {
	case okxus.TypeHeartbeat:
		_ = cn.send(okxus.NewServerMessage(okxus.TypeServerHeartbeat, okxus.ServerPayload{}))

	case okxus.TypeStatusRequest:
		_ = cn.send(okxus.NewServerMessage(okxus.TypeStatus, okxus.ServerPayload{
			Status: &okxus.BridgeStatus{
				KiroRunning:      s.cfg.KiroRunning(),
				ConnectedClients: s.Clients(),
				Uptime:           time.Since(s.started).Seconds(),
			},
		}))

	case okxus.TypeMessage:
		if msg.Payload.Content == "" {
			_ = cn.send(errorFrame("message content is empty"))
			return
		}
		ok := true
		_ = cn.send(okxus.NewServerMessage(okxus.TypeMessageAck, okxus.ServerPayload{Success: &ok}))
		go s.respond(ctx, cn, msg.Payload.Content, logger)

	default:
		_ = cn.send(errorFrame("unknown message type: " + string(msg.Type)))
	}
}

func (s *Server) respond(ctx context.Context, cn *conn, content string, logger zerolog.Logger) {
	reply, err := s.cfg.Responder(ctx, content)
	if err != nil {
		logger.Warn().Err(err).Msg("responder failed")
		_ = cn.send(errorFrame(err.Error()))
		return
	}
	_ = cn.send(okxus.NewServerMessage(okxus.TypeKiroResponse, okxus.ServerPayload{Content: reply}))
}

func (s *Server) heartbeatLoop(ctx context.Context, cn *conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cn.send(okxus.NewServerMessage(okxus.TypeServerHeartbeat, okxus.ServerPayload{})); err != nil {
				return
			}
		}
	}
}

func errorFrame(reason string) okxus.ServerMessage {
	return okxus.NewServerMessage(okxus.TypeError, okxus.ServerPayload{Error: reason})
}

func (c *conn) send(msg okxus.ServerMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func (c *conn) close(reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
}
