package chatsync

import (
	"sort"
	"time"
)

const (
	DefaultTypingQuietPeriod   = 1 * time.Second
	DefaultRemoteTypingTimeout = 5 * time.Second
)

// Scheduler runs fn once after d. The returned func cancels it and reports
// whether it stopped the call.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(d time.Duration, fn func()) func() bool

func (f SchedulerFunc) AfterFunc(d time.Duration, fn func()) func() bool { return f(d, fn) }

// RealScheduler runs timers on the runtime clock.
var RealScheduler Scheduler = SchedulerFunc(func(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
})

// TypingSignal is an outbound typing or stopTyping notification.
type TypingSignal struct {
	Event          string
	ConversationID string
	Counterpart    string
}

type typingKey struct {
	conversation string
	who          string
}

type typingTimer struct {
	gen  uint64
	stop func() bool
}

// TypingConfig configures a TypingCoordinator.
type TypingConfig struct {
	QuietPeriod   time.Duration
	RemoteTimeout time.Duration
	Scheduler     Scheduler
	// Signal emits local typing transitions.
	Signal func(TypingSignal)
	// OnChange is called when the remote typers of a conversation change.
	OnChange func(conversationID string)
}

// TypingCoordinator debounces the local typing signal and expires remote ones.
// Timer callbacks must run on the same goroutine as the other methods; stale
// callbacks are recognised by generation and ignored.
type TypingCoordinator struct {
	quiet         time.Duration
	remoteTimeout time.Duration
	sched         Scheduler
	signal        func(TypingSignal)
	onChange      func(string)

	gen    uint64
	local  map[typingKey]*typingTimer
	remote map[typingKey]*typingTimer
}

func NewTypingCoordinator(config *TypingConfig) *TypingCoordinator {
	var cfg TypingConfig
	if config != nil {
		cfg = *config
	}
	if cfg.QuietPeriod == 0 {
		cfg.QuietPeriod = DefaultTypingQuietPeriod
	}
	if cfg.RemoteTimeout == 0 {
		cfg.RemoteTimeout = DefaultRemoteTypingTimeout
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = RealScheduler
	}
	if cfg.Signal == nil {
		cfg.Signal = func(TypingSignal) {}
	}
	if cfg.OnChange == nil {
		cfg.OnChange = func(string) {}
	}
	return &TypingCoordinator{
		quiet:         cfg.QuietPeriod,
		remoteTimeout: cfg.RemoteTimeout,
		sched:         cfg.Scheduler,
		signal:        cfg.Signal,
		onChange:      cfg.OnChange,
		local:         make(map[typingKey]*typingTimer),
		remote:        make(map[typingKey]*typingTimer),
	}
}

func (t *TypingCoordinator) arm(timers map[typingKey]*typingTimer, key typingKey, d time.Duration, expire func()) {
	if old, ok := timers[key]; ok {
		old.stop()
	}
	t.gen++
	gen := t.gen
	timer := &typingTimer{gen: gen}
	timer.stop = t.sched.AfterFunc(d, func() {
		if cur, ok := timers[key]; ok && cur.gen == gen {
			delete(timers, key)
			expire()
		}
	})
	timers[key] = timer
}

// StartTyping records a local keystroke. The first one emits typing; each one
// re-arms the quiet timer whose expiry emits stopTyping.
func (t *TypingCoordinator) StartTyping(conversationID, counterpart string) {
	key := typingKey{conversationID, counterpart}
	if _, active := t.local[key]; !active {
		t.signal(TypingSignal{Event: EventTyping, ConversationID: conversationID, Counterpart: counterpart})
	}
	t.arm(t.local, key, t.quiet, func() {
		t.signal(TypingSignal{Event: EventStopTyping, ConversationID: conversationID, Counterpart: counterpart})
	})
}

// StopTyping cancels the quiet timer and emits stopTyping once.
func (t *TypingCoordinator) StopTyping(conversationID, counterpart string) {
	key := typingKey{conversationID, counterpart}
	timer, active := t.local[key]
	if !active {
		return
	}
	timer.stop()
	delete(t.local, key)
	t.signal(TypingSignal{Event: EventStopTyping, ConversationID: conversationID, Counterpart: counterpart})
}

// ObserveRemoteTypingStart marks who as typing in the conversation until a stop
// arrives or the safety timeout fires.
func (t *TypingCoordinator) ObserveRemoteTypingStart(conversationID, who string) {
	key := typingKey{conversationID, who}
	_, already := t.remote[key]
	t.arm(t.remote, key, t.remoteTimeout, func() { t.onChange(conversationID) })
	if !already {
		t.onChange(conversationID)
	}
}

// ObserveRemoteTypingStop clears the flag.
func (t *TypingCoordinator) ObserveRemoteTypingStop(conversationID, who string) {
	key := typingKey{conversationID, who}
	timer, ok := t.remote[key]
	if !ok {
		return
	}
	timer.stop()
	delete(t.remote, key)
	t.onChange(conversationID)
}

// IsTyping reports whether who is typing in the conversation.
func (t *TypingCoordinator) IsTyping(conversationID, who string) bool {
	_, ok := t.remote[typingKey{conversationID, who}]
	return ok
}

// Typers returns who is typing in the conversation, sorted.
func (t *TypingCoordinator) Typers(conversationID string) []string {
	var out []string
	for k := range t.remote {
		if k.conversation == conversationID {
			out = append(out, k.who)
		}
	}
	sort.Strings(out)
	return out
}

// Reset cancels every timer without emitting anything.
func (t *TypingCoordinator) Reset() {
	for k, timer := range t.local {
		timer.stop()
		delete(t.local, k)
	}
	for k, timer := range t.remote {
		timer.stop()
		delete(t.remote, k)
	}
}
