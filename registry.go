package chatsync

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Handler receives one event and its raw payload.
type Handler func(event string, payload json.RawMessage)

// Subscription identifies one registered handler. Cancel is idempotent.
type Subscription struct {
	event string
	id    uint64
	reg   *Registry
}

// Cancel removes the handler from its registry.
func (s Subscription) Cancel() {
	if s.reg != nil {
		s.reg.unsubscribe(s.event, s.id)
	}
}

type registeredHandler struct {
	id uint64
	h  Handler
}

// Registry maps event names to handlers. Dispatch runs handlers synchronously in
// registration order, so events are observed in arrival order.
type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]registeredHandler
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string][]registeredHandler),
		logger:   logger,
	}
}

// Subscribe registers h for event.
func (r *Registry) Subscribe(event string, h Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.handlers[event] = append(r.handlers[event], registeredHandler{id: r.nextID, h: h})
	return Subscription{event: event, id: r.nextID, reg: r}
}

func (r *Registry) unsubscribe(event string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[event]
	for i, rh := range list {
		if rh.id == id {
			r.handlers[event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.handlers[event]) == 0 {
		delete(r.handlers, event)
	}
}

// Count returns the number of handlers registered for event.
func (r *Registry) Count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Dispatch delivers payload to every handler of event. A panicking handler is
// logged and skipped.
func (r *Registry) Dispatch(event string, payload json.RawMessage) {
	r.mu.RLock()
	list := append([]registeredHandler(nil), r.handlers[event]...)
	r.mu.RUnlock()

	for _, rh := range list {
		r.call(rh.h, event, payload)
	}
}

func (r *Registry) call(h Handler, event string, payload json.RawMessage) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event handler panicked", "event", event, "panic", p)
		}
	}()
	h(event, payload)
}

// ============================================================================
// Scope
// ============================================================================

// Scope groups subscriptions for one screen lifetime. Close cancels all of them.
type Scope struct {
	mu      sync.Mutex
	cancels []func()
	closed  bool
}

// Add attaches cancel to the scope. If the scope is already closed, cancel runs
// immediately.
func (s *Scope) Add(cancel func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
}

// Track attaches a registry subscription to the scope.
func (s *Scope) Track(sub Subscription) Subscription {
	s.Add(sub.Cancel)
	return sub
}

// Close cancels everything attached to the scope, newest first.
func (s *Scope) Close() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.closed = true
	s.mu.Unlock()

	for i := len(cancels) - 1; i >= 0; i-- {
		cancels[i]()
	}
}
