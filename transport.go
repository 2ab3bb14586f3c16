package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the socket transport.
type ChannelConfig struct {
	Token         string
	AutoReconnect bool
	// MaxReconnectAttempts bounds consecutive failed reconnects before the channel
	// goes offline. Negative retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	HandshakeTimeout     time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
	Logger               *slog.Logger
	Metrics              *Metrics
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
	StateOffline      ChannelState = "offline"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// markDisconnected forgets earlier failures once a connection stayed up long enough.
func (r *reconnector) markDisconnected() {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the single persistent socket of a session: it authenticates,
// dispatches inbound events to its registry in arrival order, emits outbound
// events, and reconnects with backoff.
type Channel struct {
	baseURL  string
	config   *ChannelConfig
	registry *Registry
	logger   *slog.Logger
	recon    *reconnector

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ChannelState
	cancelFn context.CancelFunc
	done     chan struct{}
}

// NewChannel creates a disconnected channel for the backend at baseURL.
func NewChannel(baseURL string, config *ChannelConfig) *Channel {
	if config == nil {
		config = &ChannelConfig{AutoReconnect: true}
	}
	cfg := *config
	cfg.defaults()
	logger := cfg.Logger.With("component", "channel")
	return &Channel{
		baseURL:  strings.TrimRight(baseURL, "/"),
		config:   &cfg,
		registry: NewRegistry(logger),
		logger:   logger,
		recon:    newReconnector(&cfg),
		state:    StateDisconnected,
	}
}

// Subscribe registers h for an inbound or meta event.
func (ch *Channel) Subscribe(event string, h Handler) Subscription {
	return ch.registry.Subscribe(event, h)
}

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) setState(s ChannelState) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

// Connect dials and authenticates. ctx bounds the handshake only; the connection
// lives until Disconnect.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == StateConnected || ch.state == StateConnecting || ch.state == StateReconnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.state = StateConnecting
	ch.mu.Unlock()

	conn, err := ch.dial(ctx)
	if err != nil {
		ch.setState(StateDisconnected)
		return err
	}

	lifetime, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ch.mu.Lock()
	if ch.cancelFn != nil {
		ch.cancelFn()
	}
	ch.conn = conn
	ch.state = StateConnected
	ch.cancelFn = cancel
	ch.done = done
	ch.mu.Unlock()
	ch.recon.markConnected()

	ch.emitMeta(EventConnect, nil)
	go ch.serve(lifetime, conn, done)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (ch *Channel) Disconnect() error {
	ch.mu.Lock()
	cancel := ch.cancelFn
	conn := ch.conn
	done := ch.done
	ch.cancelFn = nil
	ch.conn = nil
	ch.done = nil
	ch.state = StateDisconnected
	ch.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		// The cancelled read may already have torn the connection down.
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	<-done
	ch.emitMeta(EventDisconnect, DisconnectPayload{Reason: "client disconnect"})
	return nil
}

// Emit sends an outbound event.
func (ch *Channel) Emit(ctx context.Context, event string, payload interface{}) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Type: event, Payload: raw})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (ch *Channel) socketURL() string {
	wsURL := strings.Replace(ch.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws?token=" + url.QueryEscape(ch.config.Token)
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, ch.config.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if ch.config.Token != "" {
		header.Set("Authorization", "Bearer "+ch.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, ch.socketURL(), &websocket.DialOptions{
		HTTPClient: ch.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(ch.config.ReadLimit)

	// The first frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, fmt.Errorf("expected '%s', got '%s'", EventAuthenticated, env.Type)
	}
	ch.registry.Dispatch(env.Type, env.Payload)
	return conn, nil
}

// serve owns the connection until ctx is cancelled, reconnecting whenever the
// read side fails.
func (ch *Channel) serve(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := ch.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		ch.mu.Lock()
		ch.conn = nil
		ch.state = StateDisconnected
		ch.mu.Unlock()
		ch.recon.markDisconnected()
		ch.logger.Warn("socket lost", "error", err)
		ch.emitMeta(EventDisconnect, DisconnectPayload{Reason: err.Error()})

		if !ch.config.AutoReconnect {
			return
		}
		conn = ch.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (ch *Channel) reconnect(ctx context.Context) *websocket.Conn {
	for ch.recon.shouldReconnect() {
		delay := ch.recon.nextDelay()
		ch.setState(StateReconnecting)
		ch.emitMeta(EventReconnecting, ReconnectingPayload{Attempt: ch.recon.attempt, DelayMs: delay.Milliseconds()})

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		conn, err := ch.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ch.logger.Warn("reconnect failed", "attempt", ch.recon.attempt, "error", err)
			continue
		}

		ch.mu.Lock()
		if ctx.Err() != nil {
			ch.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
		ch.conn = conn
		ch.state = StateConnected
		ch.mu.Unlock()
		ch.recon.markConnected()
		ch.config.Metrics.reconnected()
		ch.logger.Info("socket reconnected", "attempt", ch.recon.attempt)
		ch.emitMeta(EventReconnect, nil)
		return conn
	}

	ch.setState(StateOffline)
	ch.logger.Error("giving up reconnecting", "attempts", ch.recon.attempt)
	ch.emitMeta(EventOffline, nil)
	return nil
}

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go ch.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			ch.config.Metrics.decodeFailed("envelope")
			ch.logger.Warn("discarding malformed frame", "size", len(data))
			continue
		}
		ch.config.Metrics.eventReceived(env.Type)
		ch.registry.Dispatch(env.Type, env.Payload)
	}
}

func (ch *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, ch.config.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				// Heartbeat failed, force the read loop to notice.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ch *Channel) emitMeta(event string, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	ch.registry.Dispatch(event, raw)
}
