package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/Prismer-AI/chatsync"
)

// session bundles everything a command needs to talk to the engine.
type session struct {
	cfg     *Config
	store   chatsync.Store
	backend *chatsync.HTTPBackend
	engine  *chatsync.Engine
}

// close stops the engine before the store so its final snapshot is written.
func (s *session) close() {
	if err := s.engine.Close(); err != nil {
		log.Warn().Err(err).Msg("final snapshot failed")
	}
	if err := s.store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing store")
	}
}

// openSession loads config, opens the store and starts an engine.
func openSession(ctx context.Context, opts ...chatsync.Option) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" || cfg.Default.APIKey == "" {
		return nil, fmt.Errorf("no project configured. Run 'chatsync init <base-url> <api-key>' first")
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	backend := newBackend(cfg)
	engineCfg, err := engineConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	all := []chatsync.Option{
		chatsync.WithStore(store),
		chatsync.WithLogger(log.Logger),
		chatsync.WithConfig(engineCfg),
	}
	engine := chatsync.New(backend, append(all, opts...)...)
	if err := engine.Start(ctx); err != nil {
		engine.Close()
		store.Close()
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	if offline {
		engine.SetOnline(false)
	}
	return &session{cfg: cfg, store: store, backend: backend, engine: engine}, nil
}

// openStore opens the configured durable store. Pebble under ~/.chatsync is
// the default.
func openStore(ctx context.Context, cfg ConfigStore) (chatsync.Store, error) {
	path := cfg.Path
	switch cfg.Driver {
	case "", "pebble":
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "data")
		}
		return chatsync.OpenPebbleStore(path)
	case "sqlite":
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "chatsync.db")
		}
		return chatsync.OpenSQLiteStore(ctx, path)
	case "redis":
		addr := valueOrDefault(cfg.RedisAddr, "localhost:6379")
		return chatsync.OpenRedisStore(ctx, addr, cfg.RedisPassword, cfg.RedisDB, valueOrDefault(cfg.RedisPrefix, "chatsync:"))
	case "memory":
		return chatsync.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newBackend(cfg *Config) *chatsync.HTTPBackend {
	opts := []chatsync.BackendOption{chatsync.WithBackendLogger(log.Logger)}
	if cfg.Auth.AccessToken != "" {
		opts = append(opts, chatsync.WithAccessToken(cfg.Auth.AccessToken))
	}
	return chatsync.NewHTTPBackend(cfg.Default.BaseURL, cfg.Default.APIKey, opts...)
}

func engineConfig(cfg *Config) (chatsync.Config, error) {
	out := chatsync.Config{OwnerID: cfg.Auth.OwnerID}
	var err error
	if out.MutationTimeout, err = parseDuration("sync.mutation_timeout", cfg.Sync.MutationTimeout); err != nil {
		return out, err
	}
	if out.EvictionHorizon, err = parseDuration("sync.eviction_horizon", cfg.Sync.EvictionHorizon); err != nil {
		return out, err
	}
	return out, nil
}

func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func newFeed(cfg *Config) chatsync.Feed {
	rc := chatsync.RealtimeConfig{
		Token:         cfg.Auth.AccessToken,
		APIKey:        cfg.Default.APIKey,
		AutoReconnect: cfg.Realtime.AutoReconnect,
		Logger:        log.Logger,
	}
	if cfg.Realtime.Transport == "sse" {
		return chatsync.NewSSEFeed(cfg.Default.BaseURL, rc)
	}
	return chatsync.NewWSFeed(cfg.Default.BaseURL, rc)
}

// commandContext returns a context bounded by d.
func commandContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// printJSON pretty-prints v to stdout.
func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to format output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

// maskKey shows the first 8 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// valueOrDefault returns v if non-empty, otherwise def.
func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// age renders t relative to now, e.g. "3 minutes ago".
func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// watchQueued reports whether any write in this session was queued.
func watchQueued(s *session) *atomic.Bool {
	var queued atomic.Bool
	s.engine.On(chatsync.EventMutationQueued, func(string, chatsync.Notice) { queued.Store(true) })
	return &queued
}

func pendingMark(pending bool) string {
	if pending {
		return " (pending)"
	}
	return ""
}
