package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ============================================================================
// Persistence port
// ============================================================================

// Store is the key-value persistence port behind the offline queue and the
// cache snapshot. Get returns ErrNotFound for absent keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// SchemaVersion is the version stamped on every value written through Save.
const SchemaVersion = 1

// ErrSchemaMismatch is returned by Load for values written by a newer schema.
var ErrSchemaMismatch = errors.New("chatsync: stored value has unsupported schema version")

type envelope struct {
	Version int             `json:"v"`
	Data    json.RawMessage `json:"data"`
}

// Load reads and decodes the value stored under key. The boolean is false
// when the key is absent. Values written before versioning existed (bare
// JSON without an envelope) are decoded as-is.
func Load[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var v T
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("load %s: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Version > 0 {
		if env.Version > SchemaVersion {
			return v, false, fmt.Errorf("load %s: version %d: %w", key, env.Version, ErrSchemaMismatch)
		}
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return v, false, fmt.Errorf("decode %s: %w", key, err)
		}
		return v, true, nil
	}

	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode legacy %s: %w", key, err)
	}
	return v, true, nil
}

// Save encodes v inside a versioned envelope and stores it under key.
func Save[T any](ctx context.Context, s Store, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	raw, err := json.Marshal(envelope{Version: SchemaVersion, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store. Nothing survives a
// restart; use it for tests and ephemeral sessions.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, v...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte{}, value...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }
