package okxus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// ApprovalText is sent by ChatSession.Approve.
const ApprovalText = "승인"

// approvalKeywords mark an assistant response that waits for confirmation.
var approvalKeywords = []string{"승인", "approve", "confirm"}

func needsApproval(content string) bool {
	text := strings.ToLower(content)
	for _, kw := range approvalKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// Channel is the connection a ChatSession drives. *Client implements it.
type Channel interface {
	Connect(ctx context.Context, url, token string) error
	Disconnect()
	SendMessage(ctx context.Context, content string) error
	RequestStatus(ctx context.Context) error
	State() ConnectionState
	OnStatusChange(fn func(ConnectionState)) func()
	OnMessage(fn func(ServerMessage)) func()
}

// ChatSnapshot is a consistent copy of the session state.
type ChatSnapshot struct {
	Messages        []Message
	State           ConnectionState
	Responding      bool
	PendingApproval bool
	BridgeStatus    *BridgeStatus
}

// SessionOption configures a ChatSession.
type SessionOption func(*ChatSession)

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *ChatSession) { s.logger = logger }
}

// WithIDGenerator replaces the ULID message ID generator.
func WithIDGenerator(gen func() string) SessionOption {
	return func(s *ChatSession) { s.newID = gen }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) SessionOption {
	return func(s *ChatSession) { s.now = now }
}

// WithPersistTimeout bounds storage writes triggered by inbound frames.
func WithPersistTimeout(d time.Duration) SessionOption {
	return func(s *ChatSession) { s.persistTimeout = d }
}

// ChatSession keeps the ordered conversation with the assistant on top of a
// Channel, persisting history through a Storage.
type ChatSession struct {
	channel        Channel
	storage        Storage
	logger         zerolog.Logger
	newID          func() string
	now            func() time.Time
	persistTimeout time.Duration

	mu              sync.Mutex
	messages        []Message
	state           ConnectionState
	responding      bool
	pendingApproval bool
	bridgeStatus    *BridgeStatus

	observers registry[ChatSnapshot]
	unsubs    []func()
	closeOnce sync.Once
}

// NewChatSession subscribes to channel and returns an empty session. Call
// Start to load history and connect.
func NewChatSession(channel Channel, storage Storage, opts ...SessionOption) *ChatSession {
	s := &ChatSession{
		channel:        channel,
		storage:        storage,
		logger:         zerolog.Nop(),
		newID:          func() string { return ulid.Make().String() },
		now:            time.Now,
		persistTimeout: 5 * time.Second,
		state:          channel.State(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "okxus-session").Logger()
	s.unsubs = append(s.unsubs,
		channel.OnStatusChange(s.handleStatus),
		channel.OnMessage(s.handleMessage),
	)
	return s
}

// Start loads the stored conversation and, when a bridge URL and token are
// stored, connects. A connect failure is logged and returned; the session
// stays usable for Reconfigure.
func (s *ChatSession) Start(ctx context.Context) error {
	saved, err := s.storage.LoadMessages(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	s.mu.Lock()
	s.messages = append(saved, s.messages...)
	s.mu.Unlock()
	s.notify()

	url, err := s.storage.LoadURL(ctx)
	if err != nil {
		return fmt.Errorf("load bridge url: %w", err)
	}
	token, err := s.storage.LoadToken(ctx)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	if url == "" || token == "" {
		s.logger.Info().Msg("no stored bridge settings, waiting for configuration")
		return nil
	}
	if err := s.channel.Connect(ctx, url, token); err != nil {
		s.logger.Warn().Err(err).Str("url", url).Msg("auto-connect failed")
		return err
	}
	return nil
}

// Send appends text as a user message and forwards it to the bridge.
func (s *ChatSession) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if s.channel.State() != StateConnected {
		return ErrNotConnected
	}

	msg := Message{
		ID:        s.newID(),
		Content:   text,
		Sender:    SenderUser,
		Timestamp: s.now(),
		Status:    StatusSending,
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.pendingApproval = false
	s.persistLocked(ctx)
	s.mu.Unlock()
	s.notify()

	if err := s.channel.SendMessage(ctx, text); err != nil {
		s.mu.Lock()
		for i := range s.messages {
			if s.messages[i].ID == msg.ID {
				s.messages[i].Status = StatusFailed
			}
		}
		s.persistLocked(ctx)
		s.mu.Unlock()
		s.notify()
		return err
	}
	return nil
}

// Approve answers a pending approval request.
func (s *ChatSession) Approve(ctx context.Context) error {
	return s.Send(ctx, ApprovalText)
}

// RequestStatus asks the bridge for a status frame; the reply is available
// from BridgeStatus once it arrives.
func (s *ChatSession) RequestStatus(ctx context.Context) error {
	return s.channel.RequestStatus(ctx)
}

// Reconfigure stores new bridge settings and reconnects with them.
func (s *ChatSession) Reconfigure(ctx context.Context, url, token string) error {
	url = strings.TrimSpace(url)
	token = strings.TrimSpace(token)
	if url == "" || token == "" {
		return ErrMissingSettings
	}
	if err := s.storage.SaveURL(ctx, url); err != nil {
		return err
	}
	if err := s.storage.SaveToken(ctx, token); err != nil {
		return err
	}
	s.channel.Disconnect()
	return s.channel.Connect(ctx, url, token)
}

// OnChange registers fn for every session change. The returned function
// unsubscribes.
func (s *ChatSession) OnChange(fn func(ChatSnapshot)) func() {
	return s.observers.add(fn)
}

// Snapshot returns a copy of the whole session state.
func (s *ChatSession) Snapshot() ChatSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *ChatSession) Messages() []Message         { return s.Snapshot().Messages }
func (s *ChatSession) State() ConnectionState      { return s.Snapshot().State }
func (s *ChatSession) Responding() bool            { return s.Snapshot().Responding }
func (s *ChatSession) PendingApproval() bool       { return s.Snapshot().PendingApproval }
func (s *ChatSession) BridgeStatus() *BridgeStatus { return s.Snapshot().BridgeStatus }

// Close unsubscribes from the channel. It does not disconnect it.
func (s *ChatSession) Close() {
	s.closeOnce.Do(func() {
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.observers.clear()
	})
}

// --- Channel events ---

func (s *ChatSession) handleStatus(state ConnectionState) {
	s.mu.Lock()
	s.state = state
	if state != StateConnected {
		s.responding = false
	}
	s.mu.Unlock()
	s.notify()
}

func (s *ChatSession) handleMessage(msg ServerMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()

	s.mu.Lock()
	switch msg.Type {
	case TypeMessageAck:
		for i := range s.messages {
			if s.messages[i].Status == StatusSending {
				s.messages[i].Status = StatusSent
			}
		}
		s.responding = true
		s.persistLocked(ctx)

	case TypeKiroResponse:
		if msg.Payload.Content == "" {
			s.mu.Unlock()
			return
		}
		s.messages = append(s.messages, Message{
			ID:        s.newID(),
			Content:   msg.Payload.Content,
			Sender:    SenderKiro,
			Timestamp: s.now(),
			Status:    StatusDelivered,
		})
		s.responding = false
		if needsApproval(msg.Payload.Content) {
			s.pendingApproval = true
		}
		s.persistLocked(ctx)

	case TypeError:
		s.responding = false
		s.logger.Warn().Str("error", msg.Payload.Error).Msg("bridge reported error")

	case TypeStatus:
		if msg.Payload.Status == nil {
			s.mu.Unlock()
			return
		}
		st := *msg.Payload.Status
		s.bridgeStatus = &st

	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.notify()
}

// persistLocked writes the conversation. Failures are logged; the in-memory
// conversation stays authoritative.
func (s *ChatSession) persistLocked(ctx context.Context) {
	if err := s.storage.SaveMessages(ctx, s.messages); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist conversation")
	}
}

func (s *ChatSession) snapshotLocked() ChatSnapshot {
	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	snap := ChatSnapshot{
		Messages:        msgs,
		State:           s.state,
		Responding:      s.responding,
		PendingApproval: s.pendingApproval,
	}
	if s.bridgeStatus != nil {
		st := *s.bridgeStatus
		snap.BridgeStatus = &st
	}
	return snap
}

func (s *ChatSession) notify() {
	if s.observers.len() == 0 {
		return
	}
	s.observers.emit(s.logger, "session", s.Snapshot())
}
