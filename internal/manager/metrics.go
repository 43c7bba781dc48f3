package manager

import "sync/atomic"

type MetricsSnapshot struct {
	Resolutions uint64
	CacheHits   uint64
	CacheMisses uint64
	Uncacheable uint64
	Shared      uint64
	Errors      uint64
}

type metrics struct {
	resolutions atomic.Uint64
	hits        atomic.Uint64
	misses      atomic.Uint64
	uncacheable atomic.Uint64
	shared      atomic.Uint64
	errors      atomic.Uint64
}

func (m *metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Resolutions: m.resolutions.Load(),
		CacheHits:   m.hits.Load(),
		CacheMisses: m.misses.Load(),
		Uncacheable: m.uncacheable.Load(),
		Shared:      m.shared.Load(),
		Errors:      m.errors.Load(),
	}
}

func (m *Manager) Metrics() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return m.metrics.snapshot()
}
