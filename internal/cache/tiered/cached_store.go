// Package tiered puts a short-lived in-memory front in front of a remote
// storage adapter so repeat resolutions do not pay a network round trip.
package tiered

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"scriptresolver/internal/cache"
	"scriptresolver/internal/cache/memory"
)

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

// DefaultCacheConfig keeps the TTL short; another process sharing the origin
// may overwrite an entry and the front only notices once it expires.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:        30 * time.Second,
		MaxEntries: 1024,
	}
}

type MetricsSnapshot struct {
	FrontHits      uint64
	FrontMisses    uint64
	OriginReads    uint64
	OriginWrites   uint64
	OriginReadErr  uint64
	OriginWriteErr uint64
}

type Metrics struct {
	frontHits      atomic.Uint64
	frontMisses    atomic.Uint64
	originReads    atomic.Uint64
	originWrites   atomic.Uint64
	originReadErr  atomic.Uint64
	originWriteErr atomic.Uint64
}

func (m *Metrics) snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		FrontHits:      m.frontHits.Load(),
		FrontMisses:    m.frontMisses.Load(),
		OriginReads:    m.originReads.Load(),
		OriginWrites:   m.originWrites.Load(),
		OriginReadErr:  m.originReadErr.Load(),
		OriginWriteErr: m.originWriteErr.Load(),
	}
}

// CachedStore implements cache.Storage. Writes go to the origin first and
// only reach the front once the origin accepted them.
type CachedStore struct {
	origin  cache.Storage
	front   *memory.Store
	metrics Metrics
}

func NewCachedStore(origin cache.Storage, cfg CacheConfig) *CachedStore {
	def := DefaultCacheConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	return &CachedStore{
		origin: origin,
		front:  memory.New(memory.Config{MaxEntries: cfg.MaxEntries, TTL: cfg.TTL}),
	}
}

func (s *CachedStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.origin == nil {
		return "", false, fmt.Errorf("store is nil")
	}
	if v, ok, _ := s.front.GetItem(ctx, key); ok {
		s.metrics.frontHits.Add(1)
		return v, true, nil
	}
	s.metrics.frontMisses.Add(1)
	s.metrics.originReads.Add(1)

	v, ok, err := s.origin.GetItem(ctx, key)
	if err != nil {
		s.metrics.originReadErr.Add(1)
		return "", false, err
	}
	if ok {
		_ = s.front.SetItem(ctx, key, v)
	}
	return v, ok, nil
}

func (s *CachedStore) SetItem(ctx context.Context, key, value string) error {
	if s == nil || s.origin == nil {
		return fmt.Errorf("store is nil")
	}
	s.metrics.originWrites.Add(1)
	if err := s.origin.SetItem(ctx, key, value); err != nil {
		s.metrics.originWriteErr.Add(1)
		_ = s.front.RemoveItem(ctx, key)
		return err
	}
	_ = s.front.SetItem(ctx, key, value)
	return nil
}

func (s *CachedStore) RemoveItem(ctx context.Context, key string) error {
	if s == nil || s.origin == nil {
		return fmt.Errorf("store is nil")
	}
	_ = s.front.RemoveItem(ctx, key)
	s.metrics.originWrites.Add(1)
	if err := s.origin.RemoveItem(ctx, key); err != nil {
		s.metrics.originWriteErr.Add(1)
		return err
	}
	return nil
}

func (s *CachedStore) Metrics() MetricsSnapshot {
	if s == nil {
		return MetricsSnapshot{}
	}
	return s.metrics.snapshot()
}
