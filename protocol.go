// Package okxus is the Go client for the OKXUS bridge: a single authenticated
// WebSocket channel that relays chat text to the Kiro assistant and streams
// its responses back.
//
// Example:
//
//	client := okxus.NewClient(okxus.RealtimeConfig{})
//	client.OnStatusChange(func(s okxus.ConnectionState) { fmt.Println("state:", s) })
//	client.OnMessage(func(m okxus.ServerMessage) {
//		if m.Type == okxus.TypeKiroResponse {
//			fmt.Println(m.Payload.Content)
//		}
//	})
//	if err := client.Connect(ctx, "ws://192.168.0.10:8765", "secret"); err != nil {
//		log.Fatal(err)
//	}
//	defer client.Disconnect()
//	client.SendMessage(ctx, "hello")
package okxus

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ============================================================================
// Message types
// ============================================================================

// ClientMessageType identifies a client → bridge frame.
type ClientMessageType string

const (
	TypeAuth          ClientMessageType = "auth"
	TypeMessage       ClientMessageType = "message"
	TypeStatusRequest ClientMessageType = "status_request"
	TypeHeartbeat     ClientMessageType = "heartbeat"
)

// ServerMessageType identifies a bridge → client frame.
type ServerMessageType string

const (
	TypeAuthResult      ServerMessageType = "auth_result"
	TypeMessageAck      ServerMessageType = "message_ack"
	TypeKiroResponse    ServerMessageType = "kiro_response"
	TypeStatus          ServerMessageType = "status"
	TypeError           ServerMessageType = "error"
	TypeServerHeartbeat ServerMessageType = "heartbeat"
)

var validServerTypes = map[ServerMessageType]bool{
	TypeAuthResult:      true,
	TypeMessageAck:      true,
	TypeKiroResponse:    true,
	TypeStatus:          true,
	TypeError:           true,
	TypeServerHeartbeat: true,
}

// ============================================================================
// Envelopes
// ============================================================================

// Timestamp is epoch milliseconds. It decodes from any JSON number so that
// peers emitting fractional timestamps are not rejected as malformed.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// Time converts the timestamp to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.New("timestamp: not a finite number")
	}
	*t = Timestamp(int64(f))
	return nil
}

// ClientPayload carries the optional fields of a client frame.
type ClientPayload struct {
	Token   string `json:"token,omitempty"`
	Content string `json:"content,omitempty"`
}

// ClientMessage is the client → bridge envelope.
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	Payload   ClientPayload     `json:"payload"`
	Timestamp Timestamp         `json:"timestamp"`
}

// BridgeStatus is the bridge's self-report carried by status frames.
type BridgeStatus struct {
	KiroRunning      bool    `json:"kiro_running"`
	ConnectedClients int     `json:"connected_clients"`
	Uptime           float64 `json:"uptime"` // seconds
}

// ServerPayload carries the optional fields of a bridge frame.
type ServerPayload struct {
	Success *bool         `json:"success,omitempty"`
	Content string        `json:"content,omitempty"`
	Status  *BridgeStatus `json:"status,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// ServerMessage is the bridge → client envelope.
type ServerMessage struct {
	Type      ServerMessageType `json:"type"`
	Payload   ServerPayload     `json:"payload"`
	Timestamp Timestamp         `json:"timestamp"`
}

// Succeeded reports whether an auth_result (or ack) frame signalled success.
func (m ServerMessage) Succeeded() bool {
	return m.Payload.Success != nil && *m.Payload.Success
}

// ============================================================================
// Constructors
// ============================================================================

func newClientMessage(t ClientMessageType, payload ClientPayload) ClientMessage {
	return ClientMessage{Type: t, Payload: payload, Timestamp: Now()}
}

// NewAuthMessage builds the handshake frame.
func NewAuthMessage(token string) ClientMessage {
	return newClientMessage(TypeAuth, ClientPayload{Token: token})
}

// NewChatMessage builds a user text frame.
func NewChatMessage(content string) ClientMessage {
	return newClientMessage(TypeMessage, ClientPayload{Content: content})
}

// NewStatusRequest builds a status_request frame with an empty payload.
func NewStatusRequest() ClientMessage {
	return newClientMessage(TypeStatusRequest, ClientPayload{})
}

// NewHeartbeat builds a keep-alive frame.
func NewHeartbeat() ClientMessage {
	return newClientMessage(TypeHeartbeat, ClientPayload{})
}

// NewServerMessage builds a bridge frame stamped with the current time.
func NewServerMessage(t ServerMessageType, payload ServerPayload) ServerMessage {
	return ServerMessage{Type: t, Payload: payload, Timestamp: Now()}
}

// NewAuthResult builds an auth_result frame. reason is ignored on success.
func NewAuthResult(success bool, reason string) ServerMessage {
	p := ServerPayload{Success: &success}
	if !success {
		p.Error = reason
	}
	return NewServerMessage(TypeAuthResult, p)
}

// ============================================================================
// Parsing
// ============================================================================

// ErrMalformedFrame is returned by the parsers for frames that do not form a
// valid envelope.
var ErrMalformedFrame = errors.New("okxus: malformed frame")

// ParseServerMessage decodes and validates a bridge frame. Invalid JSON, a
// missing type and unknown types are all reported as ErrMalformedFrame.
func ParseServerMessage(raw []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Type == "" {
		return ServerMessage{}, fmt.Errorf("%w: missing 'type' field", ErrMalformedFrame)
	}
	if !validServerTypes[msg.Type] {
		return ServerMessage{}, fmt.Errorf("%w: unknown message type: %s", ErrMalformedFrame, msg.Type)
	}
	return msg, nil
}

// ParseClientMessage decodes a client frame. Used by bridge implementations.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("%w: missing 'type' field", ErrMalformedFrame)
	}
	return msg, nil
}
