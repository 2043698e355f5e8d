package okxus

import (
	"context"
	"fmt"
	"time"

	"nhooyr.io/websocket"
)

// Transport is one message-oriented duplex channel to the bridge.
// Read is called from a single goroutine; Write and Close may be called
// concurrently with it.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, url string) (Transport, error)

func (f DialFunc) Dial(ctx context.Context, url string) (Transport, error) {
	return f(ctx, url)
}

// maxFrameSize bounds inbound frames; assistant responses can be long.
const maxFrameSize = 1 << 20

// WebSocketDialer dials the bridge over WebSocket.
type WebSocketDialer struct {
	WriteTimeout time.Duration
}

// Dial opens a WebSocket connection to url.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsTransport{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	if t.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.writeTimeout)
		defer cancel()
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
