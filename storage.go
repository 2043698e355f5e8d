package okxus

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// ============================================================================
// Data Types
// ============================================================================

// Sender identifies who wrote a conversation message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderKiro Sender = "kiro"
)

// MessageStatus is the delivery state of a conversation message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "error"
)

// Message is one entry of the locally kept conversation.
type Message struct {
	ID        string        `json:"id"`
	Content   string        `json:"content"`
	Sender    Sender        `json:"sender"`
	Timestamp time.Time     `json:"timestamp"`
	Status    MessageStatus `json:"status"`
}

// AppConfig holds the persisted application settings.
type AppConfig struct {
	BridgeURL         string
	AuthToken         string
	ReconnectAttempts int
	HeartbeatInterval time.Duration
}

// DefaultAppConfig returns the settings used when nothing is stored.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		ReconnectAttempts: DefaultMaxReconnectAttempts,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

// RealtimeConfig maps the stored settings onto a client configuration.
func (c AppConfig) RealtimeConfig() RealtimeConfig {
	cfg := RealtimeConfig{HeartbeatInterval: c.HeartbeatInterval}
	if c.ReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = -1
	} else {
		cfg.MaxReconnectAttempts = c.ReconnectAttempts
	}
	return cfg
}

// appConfigJSON is the stored form; the interval is kept in milliseconds.
type appConfigJSON struct {
	BridgeURL         string `json:"bridgeUrl"`
	AuthToken         string `json:"authToken"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	HeartbeatInterval int64  `json:"heartbeatInterval"`
}

func (c AppConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(appConfigJSON{
		BridgeURL:         c.BridgeURL,
		AuthToken:         c.AuthToken,
		ReconnectAttempts: c.ReconnectAttempts,
		HeartbeatInterval: c.HeartbeatInterval.Milliseconds(),
	})
}

// UnmarshalJSON overlays the stored fields onto the receiver; fields missing
// from data keep their current values.
func (c *AppConfig) UnmarshalJSON(data []byte) error {
	wire := appConfigJSON{
		BridgeURL:         c.BridgeURL,
		AuthToken:         c.AuthToken,
		ReconnectAttempts: c.ReconnectAttempts,
		HeartbeatInterval: c.HeartbeatInterval.Milliseconds(),
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c.BridgeURL = wire.BridgeURL
	c.AuthToken = wire.AuthToken
	c.ReconnectAttempts = wire.ReconnectAttempts
	c.HeartbeatInterval = time.Duration(wire.HeartbeatInterval) * time.Millisecond
	return nil
}

// decodeConfig overlays raw onto the defaults. Empty or unreadable input
// yields the defaults.
func decodeConfig(raw string) AppConfig {
	cfg := DefaultAppConfig()
	if raw == "" {
		return cfg
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return DefaultAppConfig()
	}
	return cfg
}

// ============================================================================
// Storage contract
// ============================================================================

// Storage persists credentials, settings and conversation history. Load
// methods return zero values (or the default config) when nothing is stored;
// unreadable stored data is treated the same way.
type Storage interface {
	LoadToken(ctx context.Context) (string, error)
	SaveToken(ctx context.Context, token string) error
	LoadURL(ctx context.Context) (string, error)
	SaveURL(ctx context.Context, url string) error
	LoadMessages(ctx context.Context) ([]Message, error)
	SaveMessages(ctx context.Context, messages []Message) error
	LoadConfig(ctx context.Context) (AppConfig, error)
	SaveConfig(ctx context.Context, cfg AppConfig) error
	Clear(ctx context.Context) error
}

// Storage keys, shared by every backend.
const (
	keyAuthToken = "auth_token"
	keyBridgeURL = "bridge_url"
	keySettings  = "settings"
)

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory storage backend.
type MemoryStorage struct {
	mu       sync.RWMutex
	values   map[string]string
	messages []Message
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (s *MemoryStorage) get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

func (s *MemoryStorage) set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

func (s *MemoryStorage) LoadToken(ctx context.Context) (string, error) {
	return s.get(keyAuthToken), nil
}

func (s *MemoryStorage) SaveToken(ctx context.Context, token string) error {
	s.set(keyAuthToken, token)
	return nil
}

func (s *MemoryStorage) LoadURL(ctx context.Context) (string, error) {
	return s.get(keyBridgeURL), nil
}

func (s *MemoryStorage) SaveURL(ctx context.Context, url string) error {
	s.set(keyBridgeURL, url)
	return nil
}

func (s *MemoryStorage) LoadMessages(ctx context.Context) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (s *MemoryStorage) SaveMessages(ctx context.Context, messages []Message) error {
	cp := make([]Message, len(messages))
	copy(cp, messages)
	s.mu.Lock()
	s.messages = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) LoadConfig(ctx context.Context) (AppConfig, error) {
	return decodeConfig(s.get(keySettings)), nil
}

func (s *MemoryStorage) SaveConfig(ctx context.Context, cfg AppConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	s.set(keySettings, string(data))
	return nil
}

func (s *MemoryStorage) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.values = make(map[string]string)
	s.messages = nil
	s.mu.Unlock()
	return nil
}
