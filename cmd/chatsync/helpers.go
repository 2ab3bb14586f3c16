package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/prometheus/client_golang/prometheus"
)

func clientOptions(cfg *Config) []chatsync.ClientOption {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return opts
}

// getClient creates a client authenticated with the stored token.
func getClient() (*chatsync.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("no token; run 'chatsync login' first")
	}
	return chatsync.NewClient(cfg.Auth.Token, clientOptions(cfg)...), cfg, nil
}

type session struct {
	engine *chatsync.Engine
	logger *slog.Logger
	done   chan error
}

// openSession starts an Engine over the stored credentials and loads the
// initial snapshot. reg may be nil.
func openSession(ctx context.Context, reg prometheus.Registerer) (*session, error) {
	client, cfg, err := getClient()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	var metrics *chatsync.Metrics
	if reg != nil {
		metrics = chatsync.NewMetrics(reg)
	}
	ch := client.Channel(&chatsync.ChannelConfig{AutoReconnect: true, Logger: logger, Metrics: metrics})
	e, err := chatsync.NewEngine(client.Backend(), ch, &chatsync.Config{
		Token:   cfg.Auth.Token,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}

	s := &session{engine: e, logger: logger, done: make(chan error, 1)}
	go func() { s.done <- e.Run(ctx) }()

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := e.Open(openCtx); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}
	return s, nil
}

func (s *session) Close() {
	if err := s.engine.Close(); err != nil {
		s.logger.Debug("close session", "error", err)
	}
}

// waitAction blocks until the action with the given kind and target settles.
func waitAction(ctx context.Context, e *chatsync.Engine, kind chatsync.ActionKind, target string, submit func() error) (*chatsync.Action, error) {
	settled := make(chan *chatsync.Action, 1)
	cancel := e.Observe(chatsync.TopicAction, func(_ string, p interface{}) {
		if a, ok := p.(*chatsync.Action); ok && a.Kind == kind && (target == "" || a.Target == target) {
			select {
			case settled <- a:
			default:
			}
		}
	})
	defer cancel()

	if err := submit(); err != nil {
		return nil, err
	}
	select {
	case a := <-settled:
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(tok string) string {
	if len(tok) <= 16 {
		return "****"
	}
	return tok[:8] + "..." + tok[len(tok)-4:]
}
