package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowpbx/callnotify/internal/database/models"
)

// Well-known system_config keys.
const (
	// KeyPushToken holds the most recently delivered push token. It is a
	// cache only; the push channel can always hand out a fresh one.
	KeyPushToken = "push_token"
)

// systemConfigRepo implements SystemConfigRepository with a read-through
// in-memory cache loaded at startup.
type systemConfigRepo struct {
	db    *DB
	mu    sync.RWMutex
	cache map[string]string
}

// NewSystemConfigRepository creates a SystemConfigRepository backed by db
// and loads every entry into memory.
func NewSystemConfigRepository(ctx context.Context, db *DB) (SystemConfigRepository, error) {
	repo := &systemConfigRepo{
		db:    db,
		cache: make(map[string]string),
	}
	if err := repo.loadAll(ctx); err != nil {
		return nil, fmt.Errorf("loading system config: %w", err)
	}
	return repo, nil
}

// Get returns the cached value for key, or "" if unset.
func (r *systemConfigRepo) Get(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[key], nil
}

// Set upserts key and updates the cache once the write succeeds.
func (r *systemConfigRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value, updated_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("setting config %q: %w", key, err)
	}

	r.mu.Lock()
	r.cache[key] = value
	r.mu.Unlock()
	return nil
}

// GetAll returns every entry ordered by key, read from the database.
func (r *systemConfigRepo) GetAll(ctx context.Context) ([]models.SystemConfig, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, key, value, updated_at FROM system_config ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("querying system config: %w", err)
	}
	defer rows.Close()

	var configs []models.SystemConfig
	for rows.Next() {
		var c models.SystemConfig
		if err := rows.Scan(&c.ID, &c.Key, &c.Value, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning system config row: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (r *systemConfigRepo) loadAll(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value FROM system_config")
	if err != nil {
		return fmt.Errorf("querying system config: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scanning config row: %w", err)
		}
		r.cache[key] = value
	}
	return rows.Err()
}

// TokenCache persists the last known push token in system_config.
type TokenCache struct {
	repo SystemConfigRepository
}

// NewTokenCache creates a TokenCache over repo.
func NewTokenCache(repo SystemConfigRepository) *TokenCache {
	return &TokenCache{repo: repo}
}

// Token returns the cached push token, or "" if none has been seen.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	tok, err := c.repo.Get(ctx, KeyPushToken)
	if err != nil {
		return "", fmt.Errorf("reading push token: %w", err)
	}
	return tok, nil
}

// StoreToken replaces the cached push token.
func (c *TokenCache) StoreToken(ctx context.Context, token string) error {
	if err := c.repo.Set(ctx, KeyPushToken, token); err != nil {
		return fmt.Errorf("storing push token: %w", err)
	}
	return nil
}
