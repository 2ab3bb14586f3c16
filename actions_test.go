package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// loopPoster runs posted closures on a single goroutine, like the engine loop.
type loopPoster struct {
	ops  chan func()
	done chan struct{}
}

func newLoopPoster(t *testing.T) *loopPoster {
	p := &loopPoster{ops: make(chan func(), 64), done: make(chan struct{})}
	go func() {
		for {
			select {
			case fn := <-p.ops:
				fn()
			case <-p.done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(p.done) })
	return p
}

func (p *loopPoster) post(fn func()) bool {
	p.ops <- fn
	return true
}

// sync runs fn on the loop and waits.
func (p *loopPoster) sync(fn func()) {
	done := make(chan struct{})
	p.post(func() { fn(); close(done) })
	<-done
}

func newTestQueue(t *testing.T, loop *loopPoster, settled chan<- *Action, metrics *Metrics) *ActionQueue {
	q := NewActionQueue(&ActionQueueConfig{
		CallTimeout:    time.Second,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		Post:           loop.post,
		OnSettled:      func(a *Action) { settled <- a },
		Logger:         slogt.New(t),
		Metrics:        metrics,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx)
	return q
}

func waitSettled(t *testing.T, settled <-chan *Action) *Action {
	t.Helper()
	select {
	case a := <-settled:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for action to settle")
		return nil
	}
}

func TestActionQueueCommit(t *testing.T) {
	loop := newLoopPoster(t)
	settled := make(chan *Action, 4)
	metrics := NewMetrics(prometheus.NewRegistry())
	q := newTestQueue(t, loop, settled, metrics)

	var applied, committed bool
	a := &Action{
		Kind:   ActionSend,
		Apply:  func() error { applied = true; return nil },
		Remote: func(ctx context.Context) (interface{}, error) { return "srv-1", nil },
		Commit: func(result interface{}) {
			committed = result.(string) == "srv-1"
		},
		Rollback: func(error) { t.Error("unexpected rollback") },
	}
	var err error
	loop.sync(func() { err = q.Enqueue(a) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatal("expected apply to run synchronously")
	}

	got := waitSettled(t, settled)
	if got.State != ActionConfirmed || !committed || got.Attempts != 1 || got.ID == "" {
		t.Fatalf("unexpected action: %+v", got)
	}
	if q.Pending() != 0 {
		t.Fatalf("expected no pending actions, got %d", q.Pending())
	}
	if n := testutil.ToFloat64(metrics.Actions.WithLabelValues(string(ActionSend), string(ActionConfirmed))); n != 1 {
		t.Fatalf("expected 1 confirmed send, got %v", n)
	}
}

func TestActionQueueRetry(t *testing.T) {
	t.Run("transient then success", func(t *testing.T) {
		loop := newLoopPoster(t)
		settled := make(chan *Action, 4)
		metrics := NewMetrics(prometheus.NewRegistry())
		q := newTestQueue(t, loop, settled, metrics)

		calls := 0
		a := &Action{
			Kind: ActionReact,
			Remote: func(ctx context.Context) (interface{}, error) {
				calls++
				if calls < 3 {
					return nil, &APIError{Code: "NETWORK_ERROR", Message: "flaky"}
				}
				return nil, nil
			},
		}
		loop.sync(func() { _ = q.Enqueue(a) })

		got := waitSettled(t, settled)
		if got.State != ActionConfirmed || got.Attempts != 3 {
			t.Fatalf("expected confirmation on attempt 3, got %+v", got)
		}
		if n := testutil.ToFloat64(metrics.ActionRetries); n != 2 {
			t.Fatalf("expected 2 retries, got %v", n)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		loop := newLoopPoster(t)
		settled := make(chan *Action, 4)
		q := newTestQueue(t, loop, settled, nil)

		var rolledBack error
		a := &Action{
			Kind: ActionRecall,
			Remote: func(ctx context.Context) (interface{}, error) {
				return nil, context.DeadlineExceeded
			},
			Rollback: func(err error) { rolledBack = err },
		}
		loop.sync(func() { _ = q.Enqueue(a) })

		got := waitSettled(t, settled)
		if got.State != ActionFailed || got.Attempts != 3 {
			t.Fatalf("expected failure after 3 attempts, got %+v", got)
		}
		if !errors.Is(rolledBack, context.DeadlineExceeded) {
			t.Fatalf("expected rollback with the last error, got %v", rolledBack)
		}
	})

	t.Run("permanent error not retried", func(t *testing.T) {
		loop := newLoopPoster(t)
		settled := make(chan *Action, 4)
		q := newTestQueue(t, loop, settled, nil)

		a := &Action{
			Kind: ActionDelete,
			Remote: func(ctx context.Context) (interface{}, error) {
				return nil, &APIError{Code: "FORBIDDEN", Message: "no"}
			},
		}
		loop.sync(func() { _ = q.Enqueue(a) })

		got := waitSettled(t, settled)
		if got.State != ActionFailed || got.Attempts != 1 || ErrorCode(got.Err) != "FORBIDDEN" {
			t.Fatalf("unexpected action: %+v", got)
		}
	})
}

func TestActionQueueRefused(t *testing.T) {
	loop := newLoopPoster(t)
	settled := make(chan *Action, 4)
	q := newTestQueue(t, loop, settled, nil)

	refusal := errors.New("nope")
	var err error
	loop.sync(func() {
		err = q.Enqueue(&Action{
			Kind:   ActionUnfriend,
			Apply:  func() error { return refusal },
			Remote: func(ctx context.Context) (interface{}, error) { t.Error("unexpected remote call"); return nil, nil },
		})
	})
	if !errors.Is(err, refusal) {
		t.Fatalf("expected refusal, got %v", err)
	}
	if q.Pending() != 0 {
		t.Fatal("expected nothing queued")
	}
}

func TestActionQueueFIFO(t *testing.T) {
	loop := newLoopPoster(t)
	settled := make(chan *Action, 8)
	q := newTestQueue(t, loop, settled, nil)

	var (
		mu    sync.Mutex
		order []int
	)
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		i := i
		a := &Action{
			Kind: ActionSend,
			Remote: func(ctx context.Context) (interface{}, error) {
				if i == 0 {
					<-release
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			},
		}
		loop.sync(func() { _ = q.Enqueue(a) })
	}
	if q.Pending() != 3 {
		t.Fatalf("expected 3 pending, got %d", q.Pending())
	}
	close(release)
	for i := 0; i < 3; i++ {
		waitSettled(t, settled)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO execution, got %v", order)
		}
	}
}
