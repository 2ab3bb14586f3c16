package chatsync

import (
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Notices
// ============================================================================

// NoticeKind classifies a user-facing notice.
type NoticeKind string

const (
	NoticeActionFailed NoticeKind = "action.failed"
	NoticeOffline      NoticeKind = "network.offline"
	NoticeOnline       NoticeKind = "network.online"
	NoticeResyncFailed NoticeKind = "sync.error"
)

// Notice is surfaced to the UI when something the user did or relies on went
// wrong, or recovered.
type Notice struct {
	Kind    NoticeKind
	Action  ActionKind
	Target  string
	Code    string
	Message string
	At      time.Time
}

func actionFailedNotice(a *Action, now time.Time) Notice {
	n := Notice{Kind: NoticeActionFailed, Action: a.Kind, Target: a.Target, At: now, Code: ErrorCode(a.Err)}
	if a.Err != nil {
		n.Message = a.Err.Error()
	}
	return n
}

// ============================================================================
// Observers
// ============================================================================

// Observer topics and the payload each one carries.
const (
	TopicConversations = "conversations" // []ConversationSummary
	TopicMessages      = "messages"      // conversation ID
	TopicRelationships = "relationships" // counterpart ID, "" after a snapshot
	TopicGroups        = "groups"        // group ID
	TopicTyping        = "typing"        // conversation ID
	TopicConnection    = "connection"    // ChannelState
	TopicNotice        = "notice"        // Notice
	TopicAction        = "action"        // *Action, after it settles
)

// Observer is notified of store changes. Observers run on the engine loop:
// they must not block, and must call Engine methods from another goroutine.
type Observer func(topic string, payload interface{})

type observerEntry struct {
	id uint64
	fn Observer
}

type observerHub struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string][]observerEntry
	logger    *slog.Logger
}

func newObserverHub(logger *slog.Logger) *observerHub {
	return &observerHub{listeners: make(map[string][]observerEntry), logger: logger}
}

func (h *observerHub) on(topic string, fn Observer) (cancel func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[topic] = append(h.listeners[topic], observerEntry{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			list := h.listeners[topic]
			for i, e := range list {
				if e.id == id {
					h.listeners[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (h *observerHub) emit(topic string, payload interface{}) {
	h.mu.RLock()
	list := append([]observerEntry(nil), h.listeners[topic]...)
	h.mu.RUnlock()
	for _, e := range list {
		func() {
			defer func() {
				if p := recover(); p != nil {
					h.logger.Error("observer panicked", "topic", topic, "panic", p)
				}
			}()
			e.fn(topic, payload)
		}()
	}
}

func (h *observerHub) count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[topic])
}

func (h *observerHub) removeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = make(map[string][]observerEntry)
}
