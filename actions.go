package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActionKind names a kind of optimistic action.
type ActionKind string

const (
	ActionSend          ActionKind = "send"
	ActionForward       ActionKind = "forward"
	ActionRecall        ActionKind = "recall"
	ActionDelete        ActionKind = "delete"
	ActionReact         ActionKind = "react"
	ActionMarkRead      ActionKind = "mark-read"
	ActionFriendRequest ActionKind = "friend-request"
	ActionWithdraw      ActionKind = "withdraw"
	ActionRespond       ActionKind = "respond"
	ActionUnfriend      ActionKind = "unfriend"
)

// ActionState is the lifecycle state of an action.
type ActionState string

const (
	ActionPending   ActionState = "pending"
	ActionConfirmed ActionState = "confirmed"
	ActionFailed    ActionState = "failed"
)

// Action is one optimistic mutation paired with the remote call that makes it
// durable. Apply, Commit and Rollback run on the owner's loop; Remote runs on
// the queue worker.
type Action struct {
	ID     string
	Kind   ActionKind
	Target string

	State    ActionState
	Attempts int
	Err      error

	// Apply performs the optimistic mutation. An error refuses the action and
	// nothing is queued.
	Apply func() error
	// Remote performs the backend call.
	Remote func(ctx context.Context) (interface{}, error)
	// Commit merges the backend result.
	Commit func(result interface{})
	// Rollback reverts exactly what Apply did.
	Rollback func(err error)
}

// ActionQueueConfig configures an ActionQueue.
type ActionQueueConfig struct {
	CallTimeout    time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// Post runs fn on the owner's loop. It returns false if the loop is gone.
	Post func(fn func()) bool
	// OnSettled is called on the loop after Commit or Rollback.
	OnSettled func(a *Action)
	Logger    *slog.Logger
	Metrics   *Metrics
}

func (c *ActionQueueConfig) defaults() {
	if c.CallTimeout == 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.Post == nil {
		c.Post = func(fn func()) bool { fn(); return true }
	}
	if c.OnSettled == nil {
		c.OnSettled = func(*Action) {}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ActionQueue applies actions optimistically and executes their remote calls
// FIFO on a single worker, retrying transient failures.
type ActionQueue struct {
	config ActionQueueConfig
	logger *slog.Logger

	mu      sync.Mutex
	queue   []*Action
	pending int
	wake    chan struct{}
}

func NewActionQueue(config *ActionQueueConfig) *ActionQueue {
	var cfg ActionQueueConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &ActionQueue{
		config: cfg,
		logger: cfg.Logger.With("component", "actions"),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue applies the action optimistically and queues its remote call. Call it
// on the owner's loop.
func (q *ActionQueue) Enqueue(a *Action) error {
	if a.Remote == nil {
		return fmt.Errorf("action %s: no remote call", a.Kind)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Apply != nil {
		if err := a.Apply(); err != nil {
			return err
		}
	}
	a.State = ActionPending

	q.mu.Lock()
	q.queue = append(q.queue, a)
	q.pending++
	q.mu.Unlock()
	q.config.Metrics.actionStarted()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued or running actions.
func (q *ActionQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *ActionQueue) pop() *Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	a := q.queue[0]
	q.queue[0] = nil
	q.queue = q.queue[1:]
	return a
}

// Run executes queued remote calls until ctx is done.
func (q *ActionQueue) Run(ctx context.Context) {
	for {
		a := q.pop()
		if a == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		q.execute(ctx, a)
		if ctx.Err() != nil {
			return
		}
	}
}

func (q *ActionQueue) execute(ctx context.Context, a *Action) {
	var (
		result interface{}
		err    error
	)
	for {
		a.Attempts++
		callCtx, cancel := context.WithTimeout(ctx, q.config.CallTimeout)
		result, err = a.Remote(callCtx)
		cancel()
		if err == nil || ctx.Err() != nil || !IsTransient(err) || a.Attempts > q.config.MaxRetries {
			break
		}

		delay := q.backoff(a.Attempts)
		q.config.Metrics.actionRetried()
		q.logger.Warn("retrying action", "kind", a.Kind, "id", a.ID, "attempt", a.Attempts, "delay", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	if ctx.Err() != nil {
		return
	}

	q.settle(a, result, err)
}

func (q *ActionQueue) settle(a *Action, result interface{}, err error) {
	q.config.Post(func() {
		if err != nil {
			a.State = ActionFailed
			a.Err = err
			q.logger.Warn("action failed", "kind", a.Kind, "id", a.ID, "target", a.Target, "error", err)
			if a.Rollback != nil {
				a.Rollback(err)
			}
		} else {
			a.State = ActionConfirmed
			if a.Commit != nil {
				a.Commit(result)
			}
		}

		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
		q.config.Metrics.actionFinished(a.Kind, a.State)
		q.config.OnSettled(a)
	})
}

func (q *ActionQueue) backoff(attempt int) time.Duration {
	delay := q.config.RetryBaseDelay << (attempt - 1)
	if delay <= 0 || delay > q.config.RetryMaxDelay {
		delay = q.config.RetryMaxDelay
	}
	return delay
}
