package okxus

import (
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Observer registry
// ============================================================================

// registry is a copy-on-write list of callbacks. Registration and removal
// replace the slice, so a dispatch iterating a snapshot is never disturbed by
// callbacks that unsubscribe themselves or others.
type registry[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []registryEntry[T]
}

type registryEntry[T any] struct {
	id uint64
	fn func(T)
}

func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	next := make([]registryEntry[T], 0, len(r.entries)+1)
	next = append(next, r.entries...)
	r.entries = append(next, registryEntry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]registryEntry[T], 0, len(r.entries))
	for _, e := range r.entries {
		if e.id != id {
			next = append(next, e)
		}
	}
	r.entries = next
}

func (r *registry[T]) snapshot() []registryEntry[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *registry[T]) clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// emit calls every callback registered at the time of the call. A panicking
// callback is logged and does not prevent delivery to the rest.
func (r *registry[T]) emit(logger zerolog.Logger, event string, v T) {
	for _, e := range r.snapshot() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger.Error().Interface("panic", p).Str("event", event).Msg("observer panicked")
				}
			}()
			e.fn(v)
		}()
	}
}

// ============================================================================
// Dispatch hub
// ============================================================================

// Hub fans connection-state transitions and inbound bridge frames out to
// independently registered observers.
type Hub struct {
	logger   zerolog.Logger
	status   registry[ConnectionState]
	messages registry[ServerMessage]
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{logger: logger}
}

// OnStatusChange registers fn for every state transition. The returned
// function unsubscribes; it is safe to call more than once and from inside fn.
func (h *Hub) OnStatusChange(fn func(ConnectionState)) func() {
	return h.status.add(fn)
}

// OnMessage registers fn for inbound frames other than auth_result and
// heartbeat. The returned function unsubscribes.
func (h *Hub) OnMessage(fn func(ServerMessage)) func() {
	return h.messages.add(fn)
}

// EmitStatus delivers s to every status observer.
func (h *Hub) EmitStatus(s ConnectionState) {
	h.status.emit(h.logger, "status", s)
}

// EmitMessage delivers m to every message observer. Handshake and keep-alive
// frames are consumed here and never reach observers.
func (h *Hub) EmitMessage(m ServerMessage) {
	if m.Type == TypeAuthResult || m.Type == TypeServerHeartbeat {
		return
	}
	h.messages.emit(h.logger, string(m.Type), m)
}

// StatusObservers returns the number of registered status observers.
func (h *Hub) StatusObservers() int { return h.status.len() }

// MessageObservers returns the number of registered message observers.
func (h *Hub) MessageObservers() int { return h.messages.len() }

// Reset drops every observer.
func (h *Hub) Reset() {
	h.status.clear()
	h.messages.clear()
}
