package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/neilotoole/slogt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helpers
// ============================================================================

type socketServer struct {
	*httptest.Server
	conns    atomic.Int32
	received chan Envelope
	tokens   chan string
	// handle runs after authentication. The connection closes when it returns.
	handle func(n int32, conn *gws.Conn)
	// refuse rejects the upgrade of connection n.
	refuse func(n int32) bool
}

func newSocketServer(t *testing.T) *socketServer {
	s := &socketServer{received: make(chan Envelope, 16), tokens: make(chan string, 16)}
	upgrader := gws.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.conns.Add(1)
		if s.refuse != nil && s.refuse(n) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		select {
		case s.tokens <- r.URL.Query().Get("token") + "|" + r.Header.Get("Authorization"):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		writeFrame(t, conn, EventAuthenticated, AuthenticatedPayload{UserID: testSelf})
		if s.handle != nil {
			s.handle(n, conn)
			return
		}
		s.readUntilClosed(conn)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *socketServer) readUntilClosed(conn *gws.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if json.Unmarshal(data, &env) == nil {
			s.received <- env
		}
	}
}

func writeFrame(t *testing.T, conn *gws.Conn, event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Errorf("marshal payload: %v", err)
		return
	}
	data, _ := json.Marshal(Envelope{Type: event, Payload: raw})
	if err := conn.WriteMessage(gws.TextMessage, data); err != nil {
		t.Logf("write frame: %v", err)
	}
}

func testChannel(t *testing.T, url string, mutate func(*ChannelConfig)) *Channel {
	cfg := &ChannelConfig{
		Token:              "tok en",
		AutoReconnect:      true,
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
		HandshakeTimeout:   2 * time.Second,
		Logger:             slogt.New(t),
	}
	if mutate != nil {
		mutate(cfg)
	}
	ch := NewChannel(url, cfg)
	t.Cleanup(func() { _ = ch.Disconnect() })
	return ch
}

// recordEvents collects the names of the given events in dispatch order.
func recordEvents(ch *Channel, events ...string) chan string {
	out := make(chan string, 64)
	for _, ev := range events {
		ch.Subscribe(ev, func(event string, _ json.RawMessage) { out <- event })
	}
	return out
}

func expectEvent(t *testing.T, events <-chan string, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-events:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// ============================================================================
// Channel
// ============================================================================

func TestChannelConnect(t *testing.T) {
	srv := newSocketServer(t)
	push := make(chan struct{})
	srv.handle = func(n int32, conn *gws.Conn) {
		<-push
		writeFrame(t, conn, "garbage-frame-follows", nil)
		_ = conn.WriteMessage(gws.TextMessage, []byte("{not json"))
		writeFrame(t, conn, EventNewMessage, MessagePayload{ID: "m1", SenderID: testPeer, Content: "hi", CreatedAt: 1})
		srv.readUntilClosed(conn)
	}

	metrics := NewMetrics(prometheus.NewRegistry())
	ch := testChannel(t, srv.URL, func(c *ChannelConfig) { c.Metrics = metrics })
	events := recordEvents(ch, EventAuthenticated, EventConnect, EventDisconnect)
	messages := make(chan MessagePayload, 1)
	ch.Subscribe(EventNewMessage, func(event string, payload json.RawMessage) {
		var p MessagePayload
		if err := json.Unmarshal(payload, &p); err == nil {
			messages <- p
		}
	})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if ch.State() != StateConnected {
		t.Fatalf("expected connected, got %s", ch.State())
	}
	expectEvent(t, events, EventAuthenticated)
	expectEvent(t, events, EventConnect)

	if got := <-srv.tokens; got != "tok en|Bearer tok en" {
		t.Fatalf("unexpected credentials %q", got)
	}

	close(push)
	select {
	case p := <-messages:
		if p.ID != "m1" || p.Content != "hi" {
			t.Fatalf("unexpected message: %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pushed message")
	}
	if n := testutil.ToFloat64(metrics.DecodeFailures.WithLabelValues("envelope")); n != 1 {
		t.Fatalf("expected 1 malformed frame, got %v", n)
	}

	if err := ch.Emit(context.Background(), EventTyping, TypingEvent{From: testSelf, To: testPeer}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case env := <-srv.received:
		var ev TypingEvent
		if env.Type != EventTyping || json.Unmarshal(env.Payload, &ev) != nil || ev.To != testPeer {
			t.Fatalf("unexpected frame: %+v", env)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for emitted frame")
	}

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	expectEvent(t, events, EventDisconnect)
	if ch.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", ch.State())
	}
	if err := ch.Emit(context.Background(), EventTyping, nil); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestChannelRejectsUnauthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&gws.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		writeFrame(t, conn, "error", map[string]string{"message": "bad token"})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ch := testChannel(t, srv.URL, nil)
	if err := ch.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail")
	}
	if ch.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", ch.State())
	}
}

func TestChannelReconnect(t *testing.T) {
	srv := newSocketServer(t)
	srv.handle = func(n int32, conn *gws.Conn) {
		if n == 1 {
			// Drop the first connection abruptly.
			return
		}
		srv.readUntilClosed(conn)
	}

	metrics := NewMetrics(prometheus.NewRegistry())
	ch := testChannel(t, srv.URL, func(c *ChannelConfig) { c.Metrics = metrics })
	events := recordEvents(ch, EventDisconnect, EventReconnecting, EventReconnect)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	expectEvent(t, events, EventDisconnect)
	expectEvent(t, events, EventReconnecting)
	expectEvent(t, events, EventReconnect)

	if ch.State() != StateConnected {
		t.Fatalf("expected connected, got %s", ch.State())
	}
	if n := testutil.ToFloat64(metrics.Reconnects); n != 1 {
		t.Fatalf("expected 1 reconnect, got %v", n)
	}
	if err := ch.Emit(context.Background(), EventStopTyping, TypingEvent{From: testSelf}); err != nil {
		t.Fatalf("emit after reconnect: %v", err)
	}
}

func TestChannelGoesOffline(t *testing.T) {
	srv := newSocketServer(t)
	srv.refuse = func(n int32) bool { return n > 1 }
	srv.handle = func(n int32, conn *gws.Conn) {}

	ch := testChannel(t, srv.URL, func(c *ChannelConfig) { c.MaxReconnectAttempts = 2 })
	events := recordEvents(ch, EventOffline)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	expectEvent(t, events, EventOffline)
	if ch.State() != StateOffline {
		t.Fatalf("expected offline, got %s", ch.State())
	}
	if got := srv.conns.Load(); got != 3 {
		t.Fatalf("expected 1 connection and 2 reconnect attempts, got %d", got)
	}
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&ChannelConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: 3})
	var last time.Duration
	for i := 0; i < 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("expected attempt %d to be allowed", i+1)
		}
		d := r.nextDelay()
		if d < last || d > time.Second {
			t.Fatalf("unexpected delay %v after %v", d, last)
		}
		last = d
	}
	if r.shouldReconnect() {
		t.Fatal("expected attempts exhausted")
	}
}
