// Package manager coordinates script resolution: it owns the resolver chain,
// holds the storage adapter used by the resolution cache and drives a
// resolution from the chain through normalization to the cache decision.
//
// A Manager is constructed explicitly and handed to whoever resolves
// scripts; one instance per application is the expected setup.
package manager

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"scriptresolver/internal/cache"
	"scriptresolver/internal/cache/memory"
	"scriptresolver/internal/locator"
	"scriptresolver/internal/resolver"
)

// ErrNoLoader is returned by LoadScript and PrefetchScript when no loader
// was installed.
var ErrNoLoader = errors.New("no loader installed")

// Loader turns a resolved locator into loaded code. Fetching and executing
// happen outside of this package.
type Loader interface {
	Load(ctx context.Context, scriptID string, loc locator.Locator) error
	Prefetch(ctx context.Context, scriptID string, loc locator.Locator) error
}

type Option func(*Manager)

// WithStorage installs the storage adapter used right after construction.
func WithStorage(s cache.Storage) Option {
	return func(m *Manager) {
		m.storage = s
	}
}

// WithDefaultStorage sets the factory for the storage installed on
// construction (unless WithStorage is given) and on every Reset.
func WithDefaultStorage(factory func() cache.Storage) Option {
	return func(m *Manager) {
		m.newStorage = factory
	}
}

func WithLoader(l Loader) Option {
	return func(m *Manager) {
		m.loader = l
	}
}

// WithCoalescing makes concurrent resolutions of the same script for the same
// caller share one in-flight resolution.
func WithCoalescing() Option {
	return func(m *Manager) {
		m.coalesce = true
	}
}

type Manager struct {
	mu         sync.RWMutex
	chain      resolver.Chain
	storage    cache.Storage
	newStorage func() cache.Storage
	loader     Loader
	// written tracks the callers per script this manager wrote entries for
	// in the installed storage.
	written map[string]map[string]struct{}

	listenerMu   sync.RWMutex
	listeners    []listener
	nextListener int

	coalesce bool
	group    singleflight.Group
	metrics  metrics
}

func New(opts ...Option) *Manager {
	m := &Manager{
		newStorage: func() cache.Storage { return memory.New(memory.DefaultConfig()) },
		written:    map[string]map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.storage == nil {
		m.storage = m.newStorage()
	}
	return m
}

// AddResolver appends fn to the resolver chain.
func (m *Manager) AddResolver(fn resolver.Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain.Add(fn)
}

func (m *Manager) RemoveAllResolvers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain.RemoveAll()
}

func (m *Manager) ResolverCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chain.Len()
}

// SetStorage replaces the storage adapter. Nothing is migrated: whatever the
// new adapter already holds is used from now on.
func (m *Manager) SetStorage(s cache.Storage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storage = s
	m.written = map[string]map[string]struct{}{}
}

func (m *Manager) SetLoader(l Loader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loader = l
}

// Reset empties the resolver chain, installs a fresh default storage and
// drops listeners, so state from one scenario cannot leak into the next.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.chain.RemoveAll()
	m.storage = m.newStorage()
	m.written = map[string]map[string]struct{}{}
	m.mu.Unlock()

	m.listenerMu.Lock()
	m.listeners = nil
	m.listenerMu.Unlock()
}

// ResolveScript resolves scriptID for callerID. Errors from the chain, the
// resolvers and the storage adapter are returned as they are.
func (m *Manager) ResolveScript(ctx context.Context, scriptID, callerID string) (locator.Locator, error) {
	if !m.coalesce {
		return m.resolve(ctx, scriptID, callerID)
	}
	// The shared resolution outlives whichever caller started it; each
	// caller only stops waiting when its own context ends.
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(cache.Key(scriptID, callerID), func() (any, error) {
		return m.resolve(detached, scriptID, callerID)
	})
	select {
	case <-ctx.Done():
		return locator.Locator{}, ctx.Err()
	case r := <-ch:
		if r.Shared {
			m.metrics.shared.Add(1)
		}
		if r.Err != nil {
			return locator.Locator{}, r.Err
		}
		return cloneLocator(r.Val.(locator.Locator)), nil
	}
}

func (m *Manager) resolve(ctx context.Context, scriptID, callerID string) (locator.Locator, error) {
	m.mu.RLock()
	chain := m.chain.Clone()
	storage := m.storage
	m.mu.RUnlock()

	m.metrics.resolutions.Add(1)
	m.emit(Event{Kind: EventResolving, ScriptID: scriptID, CallerID: callerID})

	raw, err := chain.Resolve(ctx, scriptID, callerID)
	if err != nil {
		return locator.Locator{}, m.fail(scriptID, callerID, err)
	}
	candidate, cacheable := locator.Normalize(raw)
	loc, outcome, err := cache.Decide(ctx, storage, cache.Key(scriptID, callerID), candidate, cacheable)
	if err != nil {
		return locator.Locator{}, m.fail(scriptID, callerID, err)
	}

	switch outcome {
	case cache.Hit:
		m.metrics.hits.Add(1)
	case cache.Miss:
		m.metrics.misses.Add(1)
		m.remember(storage, scriptID, callerID)
	default:
		m.metrics.uncacheable.Add(1)
	}

	resolved := loc
	m.emit(Event{Kind: EventResolved, ScriptID: scriptID, CallerID: callerID, Locator: &resolved})
	return loc, nil
}

// LoadScript resolves the script and hands the locator to the loader.
func (m *Manager) LoadScript(ctx context.Context, scriptID, callerID string) (locator.Locator, error) {
	loader := m.currentLoader()
	if loader == nil {
		return locator.Locator{}, ErrNoLoader
	}
	loc, err := m.ResolveScript(ctx, scriptID, callerID)
	if err != nil {
		return locator.Locator{}, err
	}
	m.emit(Event{Kind: EventLoading, ScriptID: scriptID, CallerID: callerID, Locator: &loc})
	if err := loader.Load(ctx, scriptID, loc); err != nil {
		return locator.Locator{}, m.fail(scriptID, callerID, err)
	}
	m.emit(Event{Kind: EventLoaded, ScriptID: scriptID, CallerID: callerID, Locator: &loc})
	return loc, nil
}

// PrefetchScript resolves the script and asks the loader to download it
// without executing it.
func (m *Manager) PrefetchScript(ctx context.Context, scriptID, callerID string) (locator.Locator, error) {
	loader := m.currentLoader()
	if loader == nil {
		return locator.Locator{}, ErrNoLoader
	}
	loc, err := m.ResolveScript(ctx, scriptID, callerID)
	if err != nil {
		return locator.Locator{}, err
	}
	m.emit(Event{Kind: EventPrefetching, ScriptID: scriptID, CallerID: callerID, Locator: &loc})
	if err := loader.Prefetch(ctx, scriptID, loc); err != nil {
		return locator.Locator{}, m.fail(scriptID, callerID, err)
	}
	return loc, nil
}

// RemoveItem drops the cache entry of one script for one caller.
func (m *Manager) RemoveItem(ctx context.Context, scriptID, callerID string) error {
	m.mu.RLock()
	storage := m.storage
	m.mu.RUnlock()
	if storage == nil {
		return nil
	}
	if err := storage.RemoveItem(ctx, cache.Key(scriptID, callerID)); err != nil {
		return err
	}
	m.forget(storage, scriptID, callerID)
	return nil
}

// InvalidateScripts drops the entries this manager wrote for the given
// scripts, for every caller. Without ids every known entry is dropped. It
// returns the ids that had entries.
func (m *Manager) InvalidateScripts(ctx context.Context, scriptIDs ...string) ([]string, error) {
	m.mu.RLock()
	storage := m.storage
	targets := map[string][]string{}
	if len(scriptIDs) == 0 {
		for id, callers := range m.written {
			targets[id] = callerList(callers)
		}
	} else {
		for _, id := range scriptIDs {
			if callers, ok := m.written[id]; ok {
				targets[id] = callerList(callers)
			}
		}
	}
	m.mu.RUnlock()

	invalidated := make([]string, 0, len(targets))
	for id, callers := range targets {
		for _, callerID := range callers {
			if err := storage.RemoveItem(ctx, cache.Key(id, callerID)); err != nil {
				return nil, err
			}
			m.forget(storage, id, callerID)
		}
		invalidated = append(invalidated, id)
	}
	sort.Strings(invalidated)
	if len(invalidated) > 0 {
		m.emit(Event{Kind: EventInvalidated, ScriptIDs: invalidated})
	}
	return invalidated, nil
}

func (m *Manager) currentLoader() Loader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loader
}

func (m *Manager) fail(scriptID, callerID string, err error) error {
	m.metrics.errors.Add(1)
	m.emit(Event{Kind: EventError, ScriptID: scriptID, CallerID: callerID, Err: err})
	return err
}

func (m *Manager) remember(storage cache.Storage, scriptID, callerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage != storage {
		return
	}
	callers, ok := m.written[scriptID]
	if !ok {
		callers = map[string]struct{}{}
		m.written[scriptID] = callers
	}
	callers[callerID] = struct{}{}
}

func (m *Manager) forget(storage cache.Storage, scriptID, callerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage != storage {
		return
	}
	callers, ok := m.written[scriptID]
	if !ok {
		return
	}
	delete(callers, callerID)
	if len(callers) == 0 {
		delete(m.written, scriptID)
	}
}

func callerList(callers map[string]struct{}) []string {
	out := make([]string, 0, len(callers))
	for c := range callers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func cloneLocator(loc locator.Locator) locator.Locator {
	if loc.Headers != nil {
		headers := make(map[string]string, len(loc.Headers))
		for k, v := range loc.Headers {
			headers[k] = v
		}
		loc.Headers = headers
	}
	return loc
}
