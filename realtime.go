package okxus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectDelay       = 2 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
)

// RealtimeConfig configures a Client. Zero values select the defaults above.
type RealtimeConfig struct {
	// MaxReconnectAttempts bounds automatic retries after an unexpected
	// disconnect. Negative disables automatic reconnection.
	MaxReconnectAttempts int
	// ReconnectDelay is the fixed wait before each retry.
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds opening the transport, not the auth reply.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Dialer           Dialer
	Logger           *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer{WriteTimeout: c.WriteTimeout}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ConnectionState represents the channel state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// ============================================================================
// Connection cycle
// ============================================================================

// cycle is one open + authenticate attempt. A cycle is live while it is the
// client's current cycle; anything it does after being replaced is dropped.
type cycle struct {
	url    string
	token  string
	ctx    context.Context
	cancel context.CancelFunc
	authed bool // guarded by Client.mu

	writeMu   sync.Mutex
	transport Transport
	closed    bool

	waiter  chan error
	resolve func(error)
}

func newCycle(url, token string, wait bool) *cycle {
	ctx, cancel := context.WithCancel(context.Background())
	cyc := &cycle{url: url, token: token, ctx: ctx, cancel: cancel}
	var once sync.Once
	if wait {
		cyc.waiter = make(chan error, 1)
	}
	cyc.resolve = func(err error) {
		once.Do(func() {
			if cyc.waiter != nil {
				cyc.waiter <- err
			}
		})
	}
	return cyc
}

// attach installs the opened transport. It reports false when the cycle was
// shut down while dialing; the caller then owns t.
func (cyc *cycle) attach(t Transport) bool {
	cyc.writeMu.Lock()
	defer cyc.writeMu.Unlock()
	if cyc.closed {
		return false
	}
	cyc.transport = t
	return true
}

func (cyc *cycle) write(ctx context.Context, data []byte) error {
	cyc.writeMu.Lock()
	defer cyc.writeMu.Unlock()
	if cyc.closed || cyc.transport == nil {
		return ErrSuperseded
	}
	return cyc.transport.Write(ctx, data)
}

// shutdown cancels the cycle and closes its transport. No frame is written
// through the cycle once shutdown returns.
func (cyc *cycle) shutdown(reason string) {
	cyc.cancel()
	cyc.writeMu.Lock()
	if cyc.closed {
		cyc.writeMu.Unlock()
		return
	}
	cyc.closed = true
	t := cyc.transport
	cyc.writeMu.Unlock()
	if t != nil {
		go t.Close(reason)
	}
}

// ============================================================================
// Client
// ============================================================================

type event struct {
	state *ConnectionState
	msg   *ServerMessage
}

// Client owns the single channel to the bridge: it authenticates, keeps the
// connection alive with heartbeats, retries a bounded number of times after
// unexpected disconnects and fans inbound frames out to observers.
//
// All methods are safe for concurrent use, including from observer callbacks.
type Client struct {
	config RealtimeConfig
	logger zerolog.Logger
	hub    *Hub

	mu             sync.Mutex
	state          ConnectionState
	url            string
	token          string
	attempts       int
	epoch          uint64
	cycle          *cycle
	heartbeatStop  chan struct{}
	reconnectTimer *time.Timer

	// Observer notifications, delivered in transition order by one drainer.
	pending  []event
	draining bool
}

// NewClient creates a disconnected client.
func NewClient(config RealtimeConfig) *Client {
	config.defaults()
	logger := config.Logger.With().Str("component", "okxus-realtime").Logger()
	return &Client{
		config: config,
		logger: logger,
		hub:    NewHub(logger),
		state:  StateDisconnected,
	}
}

// OnStatusChange registers an observer for state transitions.
func (c *Client) OnStatusChange(fn func(ConnectionState)) func() {
	return c.hub.OnStatusChange(fn)
}

// OnMessage registers an observer for inbound frames other than auth_result
// and heartbeat.
func (c *Client) OnMessage(fn func(ServerMessage)) func() {
	return c.hub.OnMessage(fn)
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the number of automatic retries used in the
// current connect cycle.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// URL returns the bridge URL of the last Connect call.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// HeartbeatActive reports whether the keep-alive scheduler is running.
func (c *Client) HeartbeatActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeatStop != nil
}

// Connect opens the channel and authenticates with token. It replaces any
// connection or pending retry and resets the retry budget.
//
// Connect returns nil once the bridge accepts the token, an *AuthError when
// it rejects it, and an error wrapping ErrDial or ErrClosedBeforeAuth when the
// transport fails first; in those last two cases automatic reconnection has
// already been scheduled. If ctx ends first, Connect returns ctx.Err() and the
// attempt carries on in the background.
func (c *Client) Connect(ctx context.Context, url, token string) error {
	c.mu.Lock()
	c.epoch++
	c.teardownLocked("reconnect")
	c.url = url
	c.token = token
	c.attempts = 0
	cyc := newCycle(url, token, true)
	c.cycle = cyc
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.drain()

	c.logger.Info().Str("url", url).Msg("connecting to bridge")
	go c.open(cyc)

	select {
	case err := <-cyc.waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the channel, cancels heartbeats and pending retries, and
// leaves the client disconnected. It is a no-op on an idle client apart from
// the state check.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.teardownLocked("client disconnect")
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	c.drain()
}

// SendMessage sends user text to the assistant. It is silently dropped unless
// the client is connected; the error reports write failures only.
func (c *Client) SendMessage(ctx context.Context, content string) error {
	return c.send(ctx, NewChatMessage(content))
}

// RequestStatus asks the bridge for a status frame. Same guard as SendMessage.
func (c *Client) RequestStatus(ctx context.Context) error {
	return c.send(ctx, NewStatusRequest())
}

func (c *Client) send(ctx context.Context, msg ClientMessage) error {
	c.mu.Lock()
	if c.state != StateConnected || c.cycle == nil {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug().Str("type", string(msg.Type)).Str("state", string(state)).Msg("dropping frame, not connected")
		return nil
	}
	cyc := c.cycle
	c.mu.Unlock()
	return c.writeFrame(ctx, cyc, msg)
}

func (c *Client) writeFrame(ctx context.Context, cyc *cycle, msg ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if err := cyc.write(ctx, data); err != nil {
		if err == ErrSuperseded {
			return nil
		}
		c.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("write failed, closing transport")
		cyc.shutdown("write failed")
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// ============================================================================
// Cycle lifecycle
// ============================================================================

func (c *Client) open(cyc *cycle) {
	dialCtx, cancel := context.WithTimeout(cyc.ctx, c.config.HandshakeTimeout)
	t, err := c.config.Dialer.Dial(dialCtx, cyc.url)
	cancel()

	if err == nil && !cyc.attach(t) {
		go t.Close("superseded")
		return
	}

	c.mu.Lock()
	if c.cycle != cyc {
		c.mu.Unlock()
		if err == nil {
			cyc.shutdown("superseded")
		}
		return
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("url", cyc.url).Msg("failed to open transport")
		c.cycle = nil
		cyc.shutdown("dial failed")
		c.handleDisconnectLocked()
		c.mu.Unlock()
		c.drain()
		cyc.resolve(fmt.Errorf("%w: %w", ErrDial, err))
		return
	}
	c.mu.Unlock()

	if err := c.writeFrame(cyc.ctx, cyc, NewAuthMessage(cyc.token)); err != nil {
		c.handleClose(cyc, err)
		return
	}
	c.readLoop(cyc)
}

func (c *Client) readLoop(cyc *cycle) {
	for {
		data, err := cyc.transport.Read(cyc.ctx)
		if err != nil {
			c.handleClose(cyc, err)
			return
		}
		msg, err := ParseServerMessage(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("discarding frame")
			continue
		}
		c.handleFrame(cyc, msg)
	}
}

func (c *Client) handleFrame(cyc *cycle, msg ServerMessage) {
	c.mu.Lock()
	if c.cycle != cyc {
		c.mu.Unlock()
		return
	}

	if !cyc.authed {
		if msg.Type != TypeAuthResult {
			c.mu.Unlock()
			c.logger.Debug().Str("type", string(msg.Type)).Msg("discarding frame received before auth_result")
			return
		}
		cyc.authed = true
		if msg.Succeeded() {
			c.attempts = 0
			c.setStateLocked(StateConnected)
			c.startHeartbeatLocked(cyc)
			c.mu.Unlock()
			c.drain()
			c.logger.Info().Str("url", cyc.url).Msg("authenticated")
			cyc.resolve(nil)
			return
		}
		authErr := &AuthError{Reason: msg.Payload.Error}
		c.cycle = nil
		cyc.shutdown("authentication failed")
		c.setStateLocked(StateError)
		c.mu.Unlock()
		c.drain()
		c.logger.Warn().Str("reason", authErr.Error()).Msg("bridge rejected token")
		cyc.resolve(authErr)
		return
	}

	if msg.Type == TypeAuthResult || msg.Type == TypeServerHeartbeat {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, event{msg: &msg})
	c.mu.Unlock()
	c.drain()
}

// handleClose funnels transport errors and closes into one path; duplicates
// and closes of replaced cycles are ignored.
func (c *Client) handleClose(cyc *cycle, cause error) {
	c.mu.Lock()
	if c.cycle != cyc {
		c.mu.Unlock()
		return
	}
	c.cycle = nil
	cyc.shutdown("transport closed")
	if c.state != StateConnected && c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	authed := cyc.authed
	c.logger.Warn().Err(cause).Str("state", string(c.state)).Msg("transport closed")
	c.handleDisconnectLocked()
	c.mu.Unlock()
	c.drain()
	if !authed {
		cyc.resolve(fmt.Errorf("%w: %v", ErrClosedBeforeAuth, cause))
	}
}

// handleDisconnectLocked runs the bounded reconnection algorithm.
func (c *Client) handleDisconnectLocked() {
	c.stopHeartbeatLocked()
	if c.attempts < c.config.MaxReconnectAttempts {
		c.attempts++
		c.setStateLocked(StateReconnecting)
		epoch := c.epoch
		c.logger.Info().Int("attempt", c.attempts).Dur("delay", c.config.ReconnectDelay).Msg("scheduling reconnect")
		c.reconnectTimer = time.AfterFunc(c.config.ReconnectDelay, func() { c.retry(epoch) })
		return
	}
	c.logger.Warn().Int("attempts", c.attempts).Msg("reconnect attempts exhausted")
	c.setStateLocked(StateError)
}

func (c *Client) retry(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	cyc := newCycle(c.url, c.token, false)
	c.cycle = cyc
	c.setStateLocked(StateConnecting)
	attempt := c.attempts
	c.mu.Unlock()
	c.drain()

	c.logger.Info().Int("attempt", attempt).Str("url", cyc.url).Msg("reconnecting")
	c.open(cyc)
}

// teardownLocked stops every timer and abandons the current cycle.
func (c *Client) teardownLocked(reason string) {
	c.stopHeartbeatLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.cycle != nil {
		cyc := c.cycle
		c.cycle = nil
		cyc.shutdown(reason)
		if !cyc.authed {
			cyc.resolve(ErrSuperseded)
		}
	}
}

// ============================================================================
// Heartbeat
// ============================================================================

func (c *Client) startHeartbeatLocked(cyc *cycle) {
	c.stopHeartbeatLocked()
	stop := make(chan struct{})
	c.heartbeatStop = stop
	go c.heartbeatLoop(cyc, stop)
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

func (c *Client) heartbeatLoop(cyc *cycle, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-cyc.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			live := c.cycle == cyc && c.state == StateConnected
			c.mu.Unlock()
			if !live {
				return
			}
			if err := c.writeFrame(cyc.ctx, cyc, NewHeartbeat()); err != nil {
				return
			}
		}
	}
}

// ============================================================================
// Notification
// ============================================================================

func (c *Client) setStateLocked(s ConnectionState) {
	if c.state == s {
		return
	}
	c.state = s
	c.pending = append(c.pending, event{state: &s})
}

// drain delivers queued notifications. If another goroutine (or an outer
// frame of this one, via a callback) is already delivering, it picks the new
// events up in order and drain returns immediately.
func (c *Client) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		ev := c.pending[0]
		c.pending[0] = event{}
		c.pending = c.pending[1:]
		c.mu.Unlock()

		if ev.state != nil {
			c.hub.EmitStatus(*ev.state)
		} else if ev.msg != nil {
			c.hub.EmitMessage(*ev.msg)
		}

		c.mu.Lock()
	}
	c.pending = nil
	c.draining = false
	c.mu.Unlock()
}
