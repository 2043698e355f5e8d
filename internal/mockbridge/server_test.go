package mockbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	okxus "github.com/okxus/okxus/sdk/golang"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "secret"
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg okxus.ClientMessage) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

func recv(t *testing.T, ws *websocket.Conn) okxus.ServerMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := okxus.ParseServerMessage(data)
	require.NoError(t, err)
	return msg
}

func authenticate(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	send(t, ws, okxus.NewAuthMessage("secret"))
	res := recv(t, ws)
	require.Equal(t, okxus.TypeAuthResult, res.Type)
	require.True(t, res.Succeeded())
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["connected_clients"])
}

func TestServer_AuthSuccess(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	ws := dial(t, ts)
	authenticate(t, ws)

	assert.Eventually(t, func() bool { return srv.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_InvalidToken(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	ws := dial(t, ts)

	send(t, ws, okxus.NewAuthMessage("nope"))
	res := recv(t, ws)
	assert.Equal(t, okxus.TypeAuthResult, res.Type)
	assert.False(t, res.Succeeded())
	assert.Equal(t, "Invalid token", res.Payload.Error)

	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestServer_FirstFrameMustBeAuth(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	ws := dial(t, ts)

	send(t, ws, okxus.NewChatMessage("hello"))
	res := recv(t, ws)
	assert.Equal(t, okxus.TypeError, res.Type)
	assert.NotEmpty(t, res.Payload.Error)
}

func TestServer_AuthTimeout(t *testing.T) {
	_, ts := newTestServer(t, Config{AuthTimeout: 50 * time.Millisecond})
	ws := dial(t, ts)

	res := recv(t, ws)
	assert.Equal(t, okxus.TypeError, res.Type)
	assert.Equal(t, "authentication timeout", res.Payload.Error)
}

func TestServer_MessageAckThenResponse(t *testing.T) {
	_, ts := newTestServer(t, Config{
		Responder: func(ctx context.Context, content string) (string, error) {
			return strings.ToUpper(content), nil
		},
	})
	ws := dial(t, ts)
	authenticate(t, ws)

	send(t, ws, okxus.NewChatMessage("hello"))
	ack := recv(t, ws)
	assert.Equal(t, okxus.TypeMessageAck, ack.Type)
	assert.True(t, ack.Succeeded())

	resp := recv(t, ws)
	assert.Equal(t, okxus.TypeKiroResponse, resp.Type)
	assert.Equal(t, "HELLO", resp.Payload.Content)
}

func TestServer_ResponderError(t *testing.T) {
	_, ts := newTestServer(t, Config{
		Responder: func(ctx context.Context, content string) (string, error) {
			return "", errors.New("Kiro IDE is not running")
		},
	})
	ws := dial(t, ts)
	authenticate(t, ws)

	send(t, ws, okxus.NewChatMessage("hello"))
	assert.Equal(t, okxus.TypeMessageAck, recv(t, ws).Type)
	res := recv(t, ws)
	assert.Equal(t, okxus.TypeError, res.Type)
	assert.Equal(t, "Kiro IDE is not running", res.Payload.Error)
}

func TestServer_RoutingErrors(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	ws := dial(t, ts)
	authenticate(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{oops")))
	assert.Equal(t, "invalid JSON", recv(t, ws).Payload.Error)

	send(t, ws, okxus.ClientMessage{Type: okxus.TypeMessage})
	assert.Equal(t, "message content is empty", recv(t, ws).Payload.Error)

	send(t, ws, okxus.ClientMessage{Type: "dance"})
	assert.Equal(t, "unknown message type: dance", recv(t, ws).Payload.Error)
}

func TestServer_HeartbeatAndStatus(t *testing.T) {
	_, ts := newTestServer(t, Config{KiroRunning: func() bool { return false }})
	ws := dial(t, ts)
	authenticate(t, ws)

	send(t, ws, okxus.NewHeartbeat())
	assert.Equal(t, okxus.TypeServerHeartbeat, recv(t, ws).Type)

	send(t, ws, okxus.NewStatusRequest())
	st := recv(t, ws)
	require.Equal(t, okxus.TypeStatus, st.Type)
	require.NotNil(t, st.Payload.Status)
	assert.False(t, st.Payload.Status.KiroRunning)
	assert.Equal(t, 1, st.Payload.Status.ConnectedClients)
	assert.GreaterOrEqual(t, st.Payload.Status.Uptime, 0.0)
}

func TestServer_PeriodicHeartbeat(t *testing.T) {
	_, ts := newTestServer(t, Config{HeartbeatInterval: 20 * time.Millisecond})
	ws := dial(t, ts)
	authenticate(t, ws)

	assert.Equal(t, okxus.TypeServerHeartbeat, recv(t, ws).Type)
	assert.Equal(t, okxus.TypeServerHeartbeat, recv(t, ws).Type)
}

func TestServer_BroadcastAndDropAll(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	a := dial(t, ts)
	b := dial(t, ts)
	authenticate(t, a)
	authenticate(t, b)
	require.Eventually(t, func() bool { return srv.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	n := srv.Broadcast(okxus.NewServerMessage(okxus.TypeKiroResponse, okxus.ServerPayload{Content: "all"}))
	assert.Equal(t, 2, n)
	assert.Equal(t, "all", recv(t, a).Payload.Content)
	assert.Equal(t, "all", recv(t, b).Payload.Content)

	assert.Equal(t, 2, srv.DropAll())
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return srv.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}
