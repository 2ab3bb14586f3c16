package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ============================================================================
// Configuration
// ============================================================================

// Transport is the socket side of the Engine. *Channel implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(event string, h Handler) Subscription
	Emit(ctx context.Context, event string, payload interface{}) error
	State() ChannelState
}

// Config configures an Engine.
type Config struct {
	// Token is the bearer credential; the session identity is decoded from it.
	Token string
	// Identity overrides the identity decoded from Token.
	Identity *Identity

	EchoWindow          time.Duration
	PendingTimeout      time.Duration
	PendingSweep        time.Duration
	TypingQuietPeriod   time.Duration
	RemoteTypingTimeout time.Duration
	CallTimeout         time.Duration
	EmitTimeout         time.Duration
	MaxRetries          int
	RetryBaseDelay      time.Duration
	HistoryPageSize     int
	HistoryConcurrency  int
	// ResyncInterval is the minimum spacing of resyncs. Requests inside it wait.
	ResyncInterval time.Duration

	Scheduler Scheduler
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *Metrics
}

func (c *Config) defaults() {
	if c.EchoWindow == 0 {
		c.EchoWindow = DefaultEchoWindow
	}
	if c.PendingTimeout == 0 {
		c.PendingTimeout = DefaultPendingTimeout
	}
	if c.PendingSweep == 0 {
		c.PendingSweep = 10 * time.Second
	}
	if c.TypingQuietPeriod == 0 {
		c.TypingQuietPeriod = DefaultTypingQuietPeriod
	}
	if c.RemoteTypingTimeout == 0 {
		c.RemoteTypingTimeout = DefaultRemoteTypingTimeout
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.EmitTimeout == 0 {
		c.EmitTimeout = 5 * time.Second
	}
	if c.HistoryPageSize == 0 {
		c.HistoryPageSize = 50
	}
	if c.HistoryConcurrency == 0 {
		c.HistoryConcurrency = 4
	}
	if c.ResyncInterval == 0 {
		c.ResyncInterval = 2 * time.Second
	}
	if c.Scheduler == nil {
		c.Scheduler = RealScheduler
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns one session's stores and runs every mutation on a single loop
// goroutine (Run). Public methods post closures to the loop and wait for them.
type Engine struct {
	config    Config
	self      Identity
	backend   Backend
	transport Transport
	logger    *slog.Logger
	metrics   *Metrics

	ops       chan func()
	quit      chan struct{}
	stopped   chan struct{}
	quitOnce  sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	opened    atomic.Bool

	observers *observerHub
	actions   *ActionQueue
	limiter   *rate.Limiter
	resyncReq chan struct{}

	subsMu sync.Mutex
	subs   []Subscription

	// Owned by the loop.
	messages   *MessageStore
	relations  *Relationships
	aggregator *Aggregator
	typing     *TypingCoordinator
	groups     map[string]Group
	connState  ChannelState
}

// NewEngine creates an Engine for the user the token belongs to. Start Run
// before calling Open.
func NewEngine(backend Backend, transport Transport, config *Config) (*Engine, error) {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	var self Identity
	if cfg.Identity != nil {
		self = *cfg.Identity
	} else {
		ident, err := ParseIdentity(cfg.Token)
		if err != nil {
			return nil, err
		}
		self = *ident
	}

	logger := cfg.Logger.With("component", "engine", "user", self.ID)
	e := &Engine{
		config:    cfg,
		self:      self,
		backend:   backend,
		transport: transport,
		logger:    logger,
		metrics:   cfg.Metrics,
		ops:       make(chan func(), 1024),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		observers: newObserverHub(logger),
		limiter:   rate.NewLimiter(rate.Every(cfg.ResyncInterval), 1),
		resyncReq: make(chan struct{}, 1),
		groups:    make(map[string]Group),
		connState: StateDisconnected,
	}

	e.messages = NewMessageStore(&MessageStoreConfig{
		Self:           self.ID,
		EchoWindow:     cfg.EchoWindow,
		PendingTimeout: cfg.PendingTimeout,
		Now:            cfg.Now,
	})
	e.relations = NewRelationships(cfg.Now)
	e.aggregator = NewAggregator(self.ID)
	e.aggregator.Rebuild(nil, nil, e.messages.Logs())
	e.typing = NewTypingCoordinator(&TypingConfig{
		QuietPeriod:   cfg.TypingQuietPeriod,
		RemoteTimeout: cfg.RemoteTypingTimeout,
		Scheduler:     SchedulerFunc(e.afterFunc),
		Signal:        e.emitTyping,
		OnChange: func(conversationID string) {
			e.observers.emit(TopicTyping, conversationID)
		},
	})
	e.actions = NewActionQueue(&ActionQueueConfig{
		CallTimeout:    cfg.CallTimeout,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		Post:           e.post,
		OnSettled:      e.actionSettled,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
	})
	return e, nil
}

// Identity returns the session user.
func (e *Engine) Identity() Identity { return e.self }

// afterFunc schedules fn on the loop through the configured scheduler.
func (e *Engine) afterFunc(d time.Duration, fn func()) func() bool {
	return e.config.Scheduler.AfterFunc(d, func() { e.post(fn) })
}

// post queues fn for the loop. It returns false once the engine stopped.
func (e *Engine) post(fn func()) bool {
	select {
	case <-e.quit:
		return false
	default:
	}
	select {
	case e.ops <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !e.post(func() { defer close(done); fn() }) {
		return ErrEngineClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineClosed
	}
}

func query[T any](ctx context.Context, e *Engine, fn func() T) (T, error) {
	var out T
	err := e.do(ctx, func() { out = fn() })
	return out, err
}

func (e *Engine) stop() {
	e.quitOnce.Do(func() { close(e.quit) })
}

// Run is the engine loop. It returns nil after Close and ctx.Err() if ctx ends
// first.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer close(e.stopped)

	select {
	case <-e.quit:
		return ErrEngineClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.actions.Run(ctx)
	go e.resyncLoop(ctx)

	sweep := time.NewTicker(e.config.PendingSweep)
	defer sweep.Stop()

	for {
		select {
		case fn := <-e.ops:
			fn()
		case <-sweep.C:
			e.expirePending()
		case <-e.quit:
			e.reset()
			return nil
		case <-ctx.Done():
			e.stop()
			e.reset()
			return ctx.Err()
		}
	}
}

// Open subscribes to the socket, connects, and loads the initial snapshot.
func (e *Engine) Open(ctx context.Context) error {
	if !e.opened.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case <-e.quit:
		return ErrEngineClosed
	default:
	}

	e.subscribe()
	if err := e.transport.Connect(ctx); err != nil {
		e.opened.Store(false)
		e.unsubscribe()
		return fmt.Errorf("connect: %w", err)
	}
	return e.Resync(ctx)
}

// Close disconnects, clears every store and stops the loop. It is idempotent.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.unsubscribe()
		if e.opened.Load() {
			err = e.transport.Disconnect()
		}
		e.stop()
		if e.started.Load() {
			<-e.stopped
		}
		e.observers.removeAll()
	})
	return err
}

// reset drops all session state. Runs on the loop as it exits.
func (e *Engine) reset() {
	e.typing.Reset()
	e.messages.Clear()
	e.relations.Clear()
	e.groups = make(map[string]Group)
	e.aggregator = NewAggregator(e.self.ID)
	e.aggregator.Rebuild(nil, nil, e.messages.Logs())
}

func (e *Engine) subscribe() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for event := range reducers {
		e.subs = append(e.subs, e.transport.Subscribe(event, e.inbound))
	}
	for _, event := range []string{EventConnect, EventDisconnect, EventReconnecting, EventReconnect, EventOffline} {
		e.subs = append(e.subs, e.transport.Subscribe(event, e.meta))
	}
}

func (e *Engine) unsubscribe() {
	e.subsMu.Lock()
	subs := e.subs
	e.subs = nil
	e.subsMu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

// inbound hands a socket event to the loop. Posting from the transport's read
// goroutine keeps arrival order.
func (e *Engine) inbound(event string, payload json.RawMessage) {
	e.post(func() { e.reduce(event, payload) })
}

func (e *Engine) meta(event string, payload json.RawMessage) {
	e.post(func() { e.applyMeta(event, payload) })
}

func (e *Engine) applyMeta(event string, payload json.RawMessage) {
	prev := e.connState
	switch event {
	case EventConnect, EventReconnect:
		e.connState = StateConnected
	case EventDisconnect:
		e.connState = StateDisconnected
		e.typing.Reset()
	case EventReconnecting:
		e.connState = StateReconnecting
	case EventOffline:
		e.connState = StateOffline
	}
	if prev != e.connState {
		e.observers.emit(TopicConnection, e.connState)
	}

	switch event {
	case EventReconnect:
		e.notice(Notice{Kind: NoticeOnline, At: e.config.Now()})
		e.requestResync()
	case EventOffline:
		e.notice(Notice{Kind: NoticeOffline, Message: "connection lost", At: e.config.Now()})
	}
}

// ConnectionState returns the last connection state the loop observed.
func (e *Engine) ConnectionState(ctx context.Context) (ChannelState, error) {
	return query(ctx, e, func() ChannelState { return e.connState })
}

func (e *Engine) notice(n Notice) {
	e.observers.emit(TopicNotice, n)
}

func (e *Engine) expirePending() {
	expired := e.messages.ExpirePending(e.config.Now())
	if len(expired) == 0 {
		return
	}
	e.logger.Warn("dropping unacknowledged messages", "count", len(expired))
	// The conversation of an expired entry is gone with it; refresh all previews.
	for _, conv := range e.messages.Conversations() {
		e.aggregator.OnLogChanged(conv)
	}
	e.observers.emit(TopicConversations, e.aggregator.Summaries())
}

// ============================================================================
// Observers
// ============================================================================

// Observe registers fn for topic and returns its cancel func.
func (e *Engine) Observe(topic string, fn Observer) (cancel func()) {
	return e.observers.on(topic, fn)
}

// ScreenScope groups the observers and raw socket subscriptions of one screen.
type ScreenScope struct {
	Scope
	e *Engine
}

// Scope starts a screen scope. Close it when the screen goes away.
func (e *Engine) Scope() *ScreenScope {
	return &ScreenScope{e: e}
}

// Observe registers an observer for the lifetime of the scope.
func (s *ScreenScope) Observe(topic string, fn Observer) {
	s.Add(s.e.Observe(topic, fn))
}

// Subscribe registers a raw socket event handler for the lifetime of the scope.
func (s *ScreenScope) Subscribe(event string, h Handler) {
	s.Track(s.e.transport.Subscribe(event, h))
}

// ============================================================================
// Resync
// ============================================================================

func (e *Engine) requestResync() {
	select {
	case e.resyncReq <- struct{}{}:
	default:
		// One is already pending; it will observe everything up to now.
	}
}

// resyncLoop runs requested resyncs. A transient failure is retried with the
// action backoff until a resync succeeds; only the first failure of a streak
// raises a notice.
func (e *Engine) resyncLoop(ctx context.Context) {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.resyncReq:
		}
		err := e.Resync(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if failures > 0 {
				e.logger.Info("resync recovered", "attempts", failures+1)
			}
			failures = 0
			continue
		}

		failures++
		if failures == 1 {
			e.logger.Warn("resync failed", "error", err)
			e.post(func() {
				e.notice(Notice{Kind: NoticeResyncFailed, Code: ErrorCode(err), Message: err.Error(), At: e.config.Now()})
			})
		} else {
			e.logger.Debug("resync retry failed", "attempt", failures, "error", err)
		}
		if !IsTransient(err) {
			failures = 0
			continue
		}

		delay := e.actions.backoff(failures)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			e.requestResync()
		}
	}
}

// Resync refetches relationships and groups, then the latest history page of
// every known conversation. Calls are spaced by ResyncInterval; a call inside
// the interval waits rather than being dropped.
func (e *Engine) Resync(ctx context.Context) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	var (
		friends  []UserPayload
		sent     []FriendRequestPayload
		received []FriendRequestPayload
		groups   []GroupPayload
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { friends, err = e.backend.Friends(gctx); return })
	g.Go(func() (err error) { sent, err = e.backend.SentRequests(gctx); return })
	g.Go(func() (err error) { received, err = e.backend.ReceivedRequests(gctx); return })
	g.Go(func() (err error) { groups, err = e.backend.Groups(gctx); return })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("resync snapshot: %w", err)
	}

	convs, err := query(ctx, e, func() []string {
		return e.applySnapshot(friends, sent, received, groups)
	})
	if err != nil {
		return err
	}

	h, hctx := errgroup.WithContext(ctx)
	h.SetLimit(e.config.HistoryConcurrency)
	for _, conv := range convs {
		conv := conv
		h.Go(func() error {
			page, err := e.fetchHistory(hctx, conv, &PaginationOptions{Limit: e.config.HistoryPageSize})
			if err != nil {
				if hctx.Err() != nil {
					return hctx.Err()
				}
				// One conversation failing does not fail the resync.
				e.logger.Warn("history fetch failed", "conversation", conv, "error", err)
				return nil
			}
			e.post(func() { e.mergeHistory(conv, page) })
			return nil
		})
	}
	if err := h.Wait(); err != nil {
		return fmt.Errorf("resync history: %w", err)
	}

	// Wait for the merges posted above.
	if err := e.do(ctx, func() {}); err != nil {
		return err
	}
	e.metrics.resynced()
	e.logger.Debug("resync complete", "conversations", len(convs))
	return nil
}

// applySnapshot loads server truth and returns every conversation worth a
// history refresh.
func (e *Engine) applySnapshot(friends []UserPayload, sent, received []FriendRequestPayload, groups []GroupPayload) []string {
	fs := make([]Friend, 0, len(friends))
	for _, u := range friends {
		if u.ID == "" {
			e.metrics.decodeFailed("friends")
			continue
		}
		fs = append(fs, Friend{Profile: u.profile(), Online: u.Online})
	}
	e.relations.LoadSnapshot(fs, requestsFrom(sent, DirectionSent), requestsFrom(received, DirectionReceived))

	e.groups = make(map[string]Group, len(groups))
	gs := make([]Group, 0, len(groups))
	for _, gp := range groups {
		if gp.ID == "" {
			e.metrics.decodeFailed("groups")
			continue
		}
		g := gp.group()
		e.groups[g.ID] = g
		gs = append(gs, g)
	}

	e.aggregator.Rebuild(e.relations.Friends(), gs, e.messages.Logs())
	e.observers.emit(TopicRelationships, "")
	e.observers.emit(TopicGroups, "")
	e.observers.emit(TopicConversations, e.aggregator.Summaries())

	seen := make(map[string]bool)
	var convs []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			convs = append(convs, id)
		}
	}
	for _, f := range e.relations.Friends() {
		add(f.ID)
	}
	for _, g := range gs {
		add(g.ID)
	}
	for _, id := range e.messages.Conversations() {
		add(id)
	}
	return convs
}

func requestsFrom(list []FriendRequestPayload, dir RequestDirection) []FriendRequest {
	out := make([]FriendRequest, 0, len(list))
	for _, p := range list {
		if p.User.ID == "" {
			continue
		}
		req := FriendRequest{Direction: dir, Counterpart: p.User.profile()}
		if p.CreatedAt != 0 {
			req.CreatedAt = time.UnixMilli(p.CreatedAt)
		}
		out = append(out, req)
	}
	return out
}

func (e *Engine) fetchHistory(ctx context.Context, conversationID string, opts *PaginationOptions) ([]Message, error) {
	payloads, err := e.backend.History(ctx, conversationID, opts)
	if err != nil {
		return nil, err
	}
	page := make([]Message, 0, len(payloads))
	for i := range payloads {
		m, err := payloads[i].Message(conversationID)
		if err != nil {
			e.metrics.decodeFailed("history")
			e.logger.Warn("discarding history entry", "conversation", conversationID, "error", err)
			continue
		}
		page = append(page, m)
	}
	return page, nil
}

func (e *Engine) mergeHistory(conversationID string, page []Message) int {
	n := e.messages.MergeHistory(conversationID, page)
	if n > 0 {
		e.aggregator.OnNewMessage(conversationID)
		e.observers.emit(TopicMessages, conversationID)
		e.observers.emit(TopicConversations, e.aggregator.Summaries())
	}
	return n
}

// LoadHistory fetches the page of messages before the oldest loaded one and
// merges it. It returns how many entries changed.
func (e *Engine) LoadHistory(ctx context.Context, conversationID string) (int, error) {
	before, err := query(ctx, e, func() time.Time {
		log := e.messages.Log(conversationID)
		if len(log) == 0 {
			return time.Time{}
		}
		return log[0].CreatedAt
	})
	if err != nil {
		return 0, err
	}
	page, err := e.fetchHistory(ctx, conversationID, &PaginationOptions{Limit: e.config.HistoryPageSize, Before: before})
	if err != nil {
		return 0, fmt.Errorf("load history %s: %w", conversationID, err)
	}
	return query(ctx, e, func() int { return e.mergeHistory(conversationID, page) })
}

// ============================================================================
// Queries
// ============================================================================

// Conversations returns the conversation list.
func (e *Engine) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	return query(ctx, e, func() []ConversationSummary { return e.aggregator.Summaries() })
}

// Messages returns a conversation's log, oldest first.
func (e *Engine) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	return query(ctx, e, func() []Message { return e.messages.Log(conversationID) })
}

// Friends returns all friendships.
func (e *Engine) Friends(ctx context.Context) ([]Friend, error) {
	return query(ctx, e, func() []Friend { return e.relations.Friends() })
}

// SentRequests returns sent-pending friend requests.
func (e *Engine) SentRequests(ctx context.Context) ([]FriendRequest, error) {
	return query(ctx, e, func() []FriendRequest { return e.relations.SentRequests() })
}

// ReceivedRequests returns received-pending friend requests.
func (e *Engine) ReceivedRequests(ctx context.Context) ([]FriendRequest, error) {
	return query(ctx, e, func() []FriendRequest { return e.relations.ReceivedRequests() })
}

// Relation returns everything known about counterpart.
func (e *Engine) Relation(ctx context.Context, counterpart string) (RelationState, error) {
	return query(ctx, e, func() RelationState { return e.relations.State(counterpart) })
}

// Groups returns the groups the user belongs to.
func (e *Engine) Groups(ctx context.Context) ([]Group, error) {
	return query(ctx, e, func() []Group {
		out := make([]Group, 0, len(e.groups))
		for _, s := range e.aggregator.Summaries() {
			if g, ok := e.groups[s.ID]; ok {
				out = append(out, g)
			}
		}
		return out
	})
}

// Typers returns who is typing in the conversation.
func (e *Engine) Typers(ctx context.Context, conversationID string) ([]string, error) {
	return query(ctx, e, func() []string { return e.typing.Typers(conversationID) })
}

// PendingActions returns the number of unsettled actions.
func (e *Engine) PendingActions() int {
	return e.actions.Pending()
}
