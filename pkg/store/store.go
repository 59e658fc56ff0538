// Package store provides durable key-value backends for cache persistence
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/locfix/locfix/pkg"
)

// Backend names accepted in configuration
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config selects and configures a KV backend
type Config struct {
	Backend    string `json:"backend"`
	SQLitePath string `json:"sqlite_path"`
	RedisAddr  string `json:"redis_addr"`
	RedisDB    int    `json:"redis_db"`
}

// Open creates the KV backend named in cfg
func Open(ctx context.Context, cfg Config) (pkg.KV, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendSQLite:
		return OpenSQLite(cfg.SQLitePath)
	case BackendRedis:
		return OpenRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Memory is an in-process KV store, used in tests and as a safe default
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get returns the value for key and whether it exists
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set stores value under key
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Remove deletes key
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Close is a no-op for the memory backend
func (m *Memory) Close() error { return nil }
