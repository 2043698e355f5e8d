package okxus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var errFakeClosed = errors.New("fake transport closed")

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeTransport is an in-memory transport. The test plays the bridge by
// pushing frames and inspecting writes.
type fakeTransport struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	onWrite   func(*fakeTransport, ClientMessage)

	mu     sync.Mutex
	writes []ClientMessage
}

func newFakeTransport(onWrite func(*fakeTransport, ClientMessage)) *fakeTransport {
	return &fakeTransport{
		in:      make(chan []byte, 64),
		closed:  make(chan struct{}),
		onWrite: onWrite,
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	select {
	case <-t.closed:
		return errFakeClosed
	default:
	}
	msg, err := ParseClientMessage(data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.writes = append(t.writes, msg)
	t.mu.Unlock()
	if t.onWrite != nil {
		t.onWrite(t, msg)
	}
	return nil
}

func (t *fakeTransport) Close(reason string) error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) push(msg ServerMessage) {
	data, _ := json.Marshal(msg)
	t.in <- data
}

func (t *fakeTransport) pushRaw(raw string) {
	t.in <- []byte(raw)
}

func (t *fakeTransport) written(typ ClientMessageType) []ClientMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ClientMessage
	for _, m := range t.writes {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (t *fakeTransport) firstWrite() (ClientMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.writes) == 0 {
		return ClientMessage{}, false
	}
	return t.writes[0], true
}

// fakeDialer opens fake transports. authReply, when set, is pushed in answer
// to every auth frame.
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	failDial   bool
	authReply  *ServerMessage
	transports []*fakeTransport
}

func newFakeDialer(reply *ServerMessage) *fakeDialer {
	return &fakeDialer{authReply: reply}
}

func acceptAll() *ServerMessage {
	m := NewAuthResult(true, "")
	return &m
}

func rejectWith(reason string) *ServerMessage {
	m := NewAuthResult(false, reason)
	return &m
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failDial {
		return nil, errors.New("connection refused")
	}
	reply := d.authReply
	t := newFakeTransport(func(t *fakeTransport, msg ClientMessage) {
		if msg.Type == TypeAuth && reply != nil {
			t.push(*reply)
		}
	})
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.failDial = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// stateRecorder collects state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(s ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) get() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionState, len(r.states))
	copy(out, r.states)
	return out
}

// messageRecorder collects delivered frames.
type messageRecorder struct {
	mu   sync.Mutex
	msgs []ServerMessage
}

func (r *messageRecorder) record(m ServerMessage) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *messageRecorder) types() []ServerMessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServerMessageType, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

func newTestClient(t *testing.T, d *fakeDialer) (*Client, *stateRecorder, *messageRecorder) {
	t.Helper()
	c := NewClient(RealtimeConfig{
		ReconnectDelay:    20 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		Dialer:            d,
	})
	states := &stateRecorder{}
	msgs := &messageRecorder{}
	c.OnStatusChange(states.record)
	c.OnMessage(msgs.record)
	t.Cleanup(c.Disconnect)
	return c, states, msgs
}

func connectOK(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Connect(ctx, "ws://bridge.test", "secret"))
}

// ============================================================================
// Tests
// ============================================================================

func TestRealtimeConfig_Defaults(t *testing.T) {
	var cfg RealtimeConfig
	cfg.defaults()
	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.IsType(t, WebSocketDialer{}, cfg.Dialer)
	assert.NotNil(t, cfg.Logger)

	disabled := RealtimeConfig{MaxReconnectAttempts: -1}
	disabled.defaults()
	assert.Equal(t, 0, disabled.MaxReconnectAttempts)
}

func TestClient_InitialState(t *testing.T) {
	c := NewClient(RealtimeConfig{Dialer: newFakeDialer(nil)})
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, c.ReconnectAttempts())
	assert.False(t, c.HeartbeatActive())
}

func TestClient_ConnectSuccess(t *testing.T) {
	d := newFakeDialer(acceptAll())
	c, states, _ := newTestClient(t, d)

	connectOK(t, c)

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, states.get())
	assert.Equal(t, 0, c.ReconnectAttempts())
	assert.True(t, c.HeartbeatActive())
	assert.Equal(t, "ws://bridge.test", c.URL())

	first, ok := d.last().firstWrite()
	require.True(t, ok)
	assert.Equal(t, TypeAuth, first.Type)
	assert.Equal(t, "secret", first.Payload.Token)
}

func TestClient_AuthRejected(t *testing.T) {
	d := newFakeDialer(rejectWith("bad token"))
	c, states, _ := newTestClient(t, d)

	err := c.Connect(context.Background(), "ws://bridge.test", "wrong")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Equal(t, "bad token", err.Error())

	assert.Equal(t, StateError, c.State())
	assert.Eventually(t, d.last().isClosed, waitFor, tick)

	// No retry after an explicit rejection.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, []ConnectionState{StateConnecting, StateError}, states.get())
}

func TestClient_AuthRejectedWithoutReason(t *testing.T) {
	d := newFakeDialer(rejectWith(""))
	c, _, _ := newTestClient(t, d)

	err := c.Connect(context.Background(), "ws://bridge.test", "wrong")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "authentication failed", err.Error())
}

func TestClient_DialFailureExhaustsRetries(t *testing.T) {
	d := newFakeDialer(acceptAll())
	d.setFail(true)
	c, states, _ := newTestClient(t, d)

	err := c.Connect(context.Background(), "ws://bridge.test", "secret")
	require.ErrorIs(t, err, ErrDial)

	require.Eventually(t, func() bool { return c.State() == StateError }, waitFor, tick)
	assert.Equal(t, 4, d.dialCount())
	assert.Equal(t, 3, c.ReconnectAttempts())
	assert.Equal(t, []ConnectionState{
		StateConnecting,
		StateReconnecting, StateConnecting,
		StateReconnecting, StateConnecting,
		StateReconnecting, StateConnecting,
		StateError,
	}, states.get())
}

func TestClient_ReconnectAfterDropExhausts(t *testing.T) {
	d := newFakeDialer(acceptAll())
	c, states, _ := newTestClient(t, d)
	connectOK(t, c)

	d.setFail(true)
	d.last().Close("network lost")

	require.Eventually(t, func() bool { return c.State() == StateError }, waitFor, tick)
	assert.False(t, c.HeartbeatActive())
	assert.Equal(t, []ConnectionState{
		StateConnecting, StateConnected,
		StateReconnecting, StateConnecting,
		StateReconnecting, StateConnecting,
		StateReconnecting, StateConnecting,
		StateError,
	}, states.get())
}

func TestClient_ReconnectRecovers(t *testing.T) {
	d := newFakeDialer(acceptAll())
	c, states, _ := newTestClient(t, d)
	connectOK(t, c)
	first := d.last()

	first.Close("network lost")

	require.Eventually(t, func() bool {
		return c.State() == StateConnected && d.dialCount() == 2
	}, waitFor, tick)
	assert.Equal(t, 0, c.ReconnectAttempts())
	assert.True(t, c.HeartbeatActive())
	assert.Equal(t, []ConnectionState{
		StateConnecting, StateConnected,
		StateReconnecting, StateConnecting, StateConnected,
	}, states.get())

	auth := d.last().written(TypeAuth)
	require.Len(t, auth, 1)
	assert.Equal(t, "secret", auth[0].Payload.Token)
}

func TestClient_DisconnectCancelsPendingRetry(t *testing.T) {
	d := newFakeDialer(acceptAll())
	d.setFail(true)
	c := NewClient(RealtimeConfig{ReconnectDelay: 50 * time.Millisecond, Dialer: d})
	states := &stateRecorder{}
	c.OnStatusChange(states.record)

	err := c.Connect(context.Background(), "ws://bridge.test", "secret")
	require.ErrorIs(t, err, ErrDial)
	require.Equal(t, StateReconnecting, c.State())

	c.Disconnect()
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, []ConnectionState{StateConnecting, StateReconnecting, StateDisconnected}, states.get())
}

func TestClient_DisconnectWhileConnected(t *testing.T) {
	d := newFakeDialer(acceptAll())
	c, states, _ := newTestClient(t, d)
	connectOK(t, c)
	tr := d.last()

	c.Disconnect()

	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.HeartbeatActive())
	assert.Eventually(t, tr.isClosed, waitFor, tick)

	// The close caused by Disconnect must not trigger a retry.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateDisconnected}, states.get())
}

func TestClient_DisconnectWhenIdleIsQuiet(t *testing.T) {
	c, states, _ := newTestClient(t, newFakeDialer(acceptAll()))
	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, states.get())
}

func TestClient_SendWhileDisconnectedIsDropped(t *testing.T) {
	d := newFakeDialer(acceptAll())
	c, _, _ := newTestClient(t, d)

	assert.NoError(t, c.SendMessage(context.Background(), "hello"))
	assert.NoError(t, c.RequestStatus(context.Background()))
	assert.Equal(t, 0, d.dialCount())
}

func TestClient_SendMessageAndStatusRequest(t *testing.T) {
	d := newFakeDialer(acceptAll())
	c, _, _ := newTestClient(t, d)
	connectOK(t, c)

	require.NoError(t, c.SendMessage(context.Background(), "hi"))
	require.NoError(t, c.RequestStatus(context.Background()))

	msgs := d.last().written(TypeMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Payload.Content)
	assert.Len(t, d.last().written(TypeStatusRequest), 1)
}

func TestClient_FiltersInboundFrames(t *testing.T) {
	d := newFakeDialer(acceptAll())
	c, _, msgs := newTestClient(t, d)
	connectOK(t, c)
	tr := d.last()

	tr.pushRaw(`{not json`)
	tr.pushRaw(`{"type":"reboot","payload":{}}`)
	tr.pushRaw(`{"payload":{}}`)
	tr.push(NewServerMessage(TypeServerHeartbeat, ServerPayload{}))
	tr.push(NewAuthResult(false, "late"))
	tr.push(NewServerMessage(TypeMessageAck, ServerPayload{}))
	tr.push(NewServerMessage(TypeKiroResponse, ServerPayload{Content: "done"}))

	require.Eventually(t, func() bool { return len(msgs.types()) == 2 }, waitFor, tick)
	assert.Equal(t, []ServerMessageType{TypeMessageAck, TypeKiroResponse}, msgs.types())
	assert.Equal(t, StateConnected, c.State())
}

func TestClient_DiscardsFramesBeforeAuth(t *testing.T) {
	d := newFakeDialer(nil)
	c, _, msgs := newTestClient(t, d)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), "ws://bridge.test", "secret") }()

	require.Eventually(t, func() bool {
		tr := d.last()
		if tr == nil {
			return false
		}
		_, ok := tr.firstWrite()
		return ok
	}, waitFor, tick)
	tr := d.last()
	tr.push(NewServerMessage(TypeKiroResponse, ServerPayload{Content: "early"}))
	tr.push(NewAuthResult(true, ""))

	require.NoError(t, <-done)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, msgs.types())
}

func TestClient_CloseBeforeAuth(t *testing.T) {
	d := newFakeDialer(nil)
	c, _, _ := newTestClient(t, d)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), "ws://bridge.test", "secret") }()

	require.Eventually(t, func() bool { return d.last() != nil }, waitFor, tick)
	d.last().Close("bridge went away")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosedBeforeAuth)
	case <-time.After(waitFor):
		t.Fatal("Connect did not return")
	}
	assert.Equal(t, 1, c.ReconnectAttempts())
}

func TestClient_ConnectContextCancelled(t *testing.T) {
	d := newFakeDialer(nil)
	c, _, _ := newTestClient(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Connect(ctx, "ws://bridge.test", "secret")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateConnecting, c.State())

	// The attempt carries on in the background.
	require.Eventually(t, func() bool { return d.last() != nil }, waitFor, tick)
	d.last().push(NewAuthResult(true, ""))
	assert.Eventually(t, func() bool { return c.State() == StateConnected }, waitFor, tick)
}

func TestClient_ConnectSupersedesPreviousCycle(t *testing.T) {
	d := newFakeDialer(acceptAll())
	c, _, msgs := newTestClient(t, d)
	connectOK(t, c)
	old := d.last()

	connectOK(t, c)
	current := d.last()
	require.NotSame(t, old, current)
	assert.Eventually(t, old.isClosed, waitFor, tick)

	current.push(NewServerMessage(TypeKiroResponse, ServerPayload{Content: "new"}))
	require.Eventually(t, func() bool { return len(msgs.types()) == 1 }, waitFor, tick)

	// Closing the replaced transport changes nothing.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, d.dialCount())
}

func TestClient_ConnectResetsRetryBudget(t *testing.T) {
	d := newFakeDialer(acceptAll())
	d.setFail(true)
	c, _, _ := newTestClient(t, d)

	require.ErrorIs(t, c.Connect(context.Background(), "ws://bridge.test", "secret"), ErrDial)
	require.Eventually(t, func() bool { return c.State() == StateError }, waitFor, tick)
	require.Equal(t, 3, c.ReconnectAttempts())

	d.setFail(false)
	connectOK(t, c)
	assert.Equal(t, 0, c.ReconnectAttempts())
}

func TestClient_HeartbeatStopsOnDisconnect(t *testing.T) {
	d := newFakeDialer(acceptAll())
	c := NewClient(RealtimeConfig{HeartbeatInterval: 15 * time.Millisecond, Dialer: d})
	connectOK(t, c)
	tr := d.last()

	require.Eventually(t, func() bool { return len(tr.written(TypeHeartbeat)) >= 2 }, waitFor, tick)

	c.Disconnect()
	sent := len(tr.written(TypeHeartbeat))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, sent, len(tr.written(TypeHeartbeat)))
	assert.False(t, c.HeartbeatActive())
}

func TestClient_ObserverMayCallBack(t *testing.T) {
	d := newFakeDialer(acceptAll())
	c, states, _ := newTestClient(t, d)

	c.OnStatusChange(func(s ConnectionState) {
		if s == StateConnected {
			_ = c.SendMessage(context.Background(), "from callback")
			c.Disconnect()
		}
	})

	connectOK(t, c)

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateDisconnected}, states.get())
	assert.Len(t, d.last().written(TypeMessage), 1)
}

func TestClient_ObserverUnsubscribesItself(t *testing.T) {
	d := newFakeDialer(acceptAll())
	c, _, _ := newTestClient(t, d)

	calls := 0
	var unsub func()
	unsub = c.OnStatusChange(func(ConnectionState) {
		calls++
		unsub()
	})

	connectOK(t, c)
	assert.Equal(t, 1, calls)
}

func TestClient_NoReconnectWhenDisabled(t *testing.T) {
	d := newFakeDialer(acceptAll())
	c := NewClient(RealtimeConfig{MaxReconnectAttempts: -1, ReconnectDelay: 10 * time.Millisecond, Dialer: d})
	connectOK(t, c)

	d.last().Close("gone")
	require.Eventually(t, func() bool { return c.State() == StateError }, waitFor, tick)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

// legalTransitions lists every state change the client may report.
var legalTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateError, StateDisconnected},
	StateConnected:    {StateReconnecting, StateDisconnected, StateConnecting},
	StateReconnecting: {StateConnecting, StateDisconnected},
	StateError:        {StateConnecting, StateDisconnected},
}

func isLegal(from, to ConnectionState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func TestClient_TransitionsAreLegal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	// 0 connect, 1 connect with failing dial, 2 drop, 3 disconnect, 4 reject
	properties.Property("every reported transition is a legal edge", prop.ForAll(
		func(ops []int) bool {
			d := newFakeDialer(acceptAll())
			c := NewClient(RealtimeConfig{ReconnectDelay: 2 * time.Millisecond, HeartbeatInterval: time.Hour, Dialer: d})
			states := &stateRecorder{}
			c.OnStatusChange(states.record)

			for _, op := range ops {
				ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
				switch op {
				case 0:
					d.setFail(false)
					d.mu.Lock()
					d.authReply = acceptAll()
					d.mu.Unlock()
					_ = c.Connect(ctx, "ws://bridge.test", "secret")
				case 1:
					d.setFail(true)
					_ = c.Connect(ctx, "ws://bridge.test", "secret")
				case 2:
					if tr := d.last(); tr != nil {
						tr.Close("drop")
					}
					time.Sleep(5 * time.Millisecond)
				case 3:
					c.Disconnect()
				case 4:
					d.setFail(false)
					d.mu.Lock()
					d.authReply = rejectWith("no")
					d.mu.Unlock()
					_ = c.Connect(ctx, "ws://bridge.test", "secret")
				}
				cancel()
			}
			c.Disconnect()

			prev := StateDisconnected
			for _, s := range states.get() {
				if !isLegal(prev, s) {
					t.Logf("illegal transition %s -> %s", prev, s)
					return false
				}
				prev = s
			}
			return c.State() == StateDisconnected
		},
		gen.SliceOfN(6, gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}
