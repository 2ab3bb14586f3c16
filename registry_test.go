package chatsync

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"
)

func TestRegistry(t *testing.T) {
	t.Run("dispatch in subscription order", func(t *testing.T) {
		r := NewRegistry(slogt.New(t))
		var got []string
		r.Subscribe(EventNewMessage, func(event string, payload json.RawMessage) { got = append(got, "a:"+string(payload)) })
		r.Subscribe(EventNewMessage, func(event string, payload json.RawMessage) { got = append(got, "b:"+string(payload)) })
		r.Subscribe(EventTyping, func(string, json.RawMessage) { t.Error("unexpected typing dispatch") })

		r.Dispatch(EventNewMessage, json.RawMessage(`1`))
		if diff := cmp.Diff([]string{"a:1", "b:1"}, got); diff != "" {
			t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		r := NewRegistry(slogt.New(t))
		calls := 0
		sub := r.Subscribe(EventTyping, func(string, json.RawMessage) { calls++ })
		sub.Cancel()
		sub.Cancel()
		r.Dispatch(EventTyping, nil)
		if calls != 0 || r.Count(EventTyping) != 0 {
			t.Fatalf("expected no handlers, calls=%d count=%d", calls, r.Count(EventTyping))
		}
	})

	t.Run("panicking handler is isolated", func(t *testing.T) {
		r := NewRegistry(slogt.New(t))
		reached := false
		r.Subscribe(EventTyping, func(string, json.RawMessage) { panic("boom") })
		r.Subscribe(EventTyping, func(string, json.RawMessage) { reached = true })
		r.Dispatch(EventTyping, nil)
		if !reached {
			t.Fatal("expected second handler to run")
		}
	})
}

func TestScope(t *testing.T) {
	r := NewRegistry(slogt.New(t))
	var s Scope
	var order []int
	s.Track(r.Subscribe(EventTyping, func(string, json.RawMessage) {}))
	s.Add(func() { order = append(order, 1) })
	s.Add(func() { order = append(order, 2) })

	s.Close()
	if r.Count(EventTyping) != 0 {
		t.Fatal("expected tracked subscription cancelled")
	}
	if diff := cmp.Diff([]int{2, 1}, order); diff != "" {
		t.Fatalf("cancel order mismatch (-want +got):\n%s", diff)
	}

	late := false
	s.Add(func() { late = true })
	if !late {
		t.Fatal("expected cancel added after close to run immediately")
	}
	s.Close()
}
