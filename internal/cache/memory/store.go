// Package memory is the in-process storage adapter. Entries live as long as
// the process, bounded by size and TTL.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultMaxEntries = 1024
	DefaultTTL        = 24 * time.Hour
)

type Config struct {
	MaxEntries int
	TTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxEntries: DefaultMaxEntries,
		TTL:        DefaultTTL,
	}
}

// Store is a threadsafe LRU store with per-entry TTL. Expired entries are
// dropped when read or pushed out by newer ones; nothing runs in the
// background, so a dropped Store is simply garbage collected.
type Store struct {
	lru *lru.Cache[string, entry]
	ttl time.Duration
	now func() time.Time
}

type entry struct {
	value     string
	expiresAt time.Time
}

func New(cfg Config) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	// lru.New only fails on a non-positive size.
	c, _ := lru.New[string, entry](cfg.MaxEntries)
	return &Store{lru: c, ttl: cfg.TTL, now: time.Now}
}

func (s *Store) GetItem(_ context.Context, key string) (string, bool, error) {
	if s == nil || s.lru == nil {
		return "", false, fmt.Errorf("store is nil")
	}
	e, ok := s.lru.Get(key)
	if !ok {
		return "", false, nil
	}
	if !s.now().Before(e.expiresAt) {
		s.lru.Remove(key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *Store) SetItem(_ context.Context, key, value string) error {
	if s == nil || s.lru == nil {
		return fmt.Errorf("store is nil")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	s.lru.Add(key, entry{value: value, expiresAt: s.now().Add(s.ttl)})
	return nil
}

func (s *Store) RemoveItem(_ context.Context, key string) error {
	if s == nil || s.lru == nil {
		return nil
	}
	s.lru.Remove(key)
	return nil
}

func (s *Store) Clear(_ context.Context) error {
	if s == nil || s.lru == nil {
		return nil
	}
	s.lru.Purge()
	return nil
}

// Len counts entries still held, including expired ones not yet read.
func (s *Store) Len() int {
	if s == nil || s.lru == nil {
		return 0
	}
	return s.lru.Len()
}
