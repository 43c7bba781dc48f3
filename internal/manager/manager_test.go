package manager

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptresolver/internal/cache"
	"scriptresolver/internal/cache/memory"
	"scriptresolver/internal/locator"
	"scriptresolver/internal/resolver"
)

var builder = locator.NewBuilder("http://domain.ext/", nil)

type countingStorage struct {
	*memory.Store
	mu      sync.Mutex
	gets    int
	sets    int
	removes int
	failGet error
}

func newCountingStorage() *countingStorage {
	return &countingStorage{Store: memory.New(memory.DefaultConfig())}
}

func (s *countingStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	s.gets++
	failGet := s.failGet
	s.mu.Unlock()
	if failGet != nil {
		return "", false, failGet
	}
	return s.Store.GetItem(ctx, key)
}

func (s *countingStorage) SetItem(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.sets++
	s.mu.Unlock()
	return s.Store.SetItem(ctx, key, value)
}

func (s *countingStorage) RemoveItem(ctx context.Context, key string) error {
	s.mu.Lock()
	s.removes++
	s.mu.Unlock()
	return s.Store.RemoveItem(ctx, key)
}

func static(raw locator.Raw) resolver.Resolver {
	return func(context.Context, string, string) (locator.Raw, bool, error) {
		return raw, true, nil
	}
}

func decline(context.Context, string, string) (locator.Raw, bool, error) {
	return locator.Raw{}, false, nil
}

func TestResolveWithoutResolvers(t *testing.T) {
	m := New()
	for _, id := range []string{"src_App_js", "vendor", ""} {
		_, err := m.ResolveScript(t.Context(), id, "main")
		var cfgErr *resolver.ConfigurationError
		require.ErrorAs(t, err, &cfgErr, id)
		assert.Contains(t, err.Error(), "no resolvers")
	}
}

func TestResolveAllDeclined(t *testing.T) {
	m := New()
	m.AddResolver(decline)
	m.AddResolver(decline)

	_, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	var resErr *resolver.ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "no resolver resolved src_App_js", err.Error())
}

func TestRemoveAllResolvers(t *testing.T) {
	m := New()
	m.AddResolver(static(locator.Raw{URL: builder.Remote("src_App_js")}))
	m.RemoveAllResolvers()

	_, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	var cfgErr *resolver.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, 0, m.ResolverCount())
}

func TestResolverPrecedence(t *testing.T) {
	var order []string
	m := New()
	m.AddResolver(func(context.Context, string, string) (locator.Raw, bool, error) {
		order = append(order, "A")
		return locator.Raw{}, false, nil
	})
	m.AddResolver(func(context.Context, string, string) (locator.Raw, bool, error) {
		order = append(order, "B")
		return locator.Raw{URL: "http://b/src_App_js.chunk.bundle"}, true, nil
	})

	loc, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.Equal(t, "http://b/src_App_js.chunk.bundle", loc.URL)
	assert.Equal(t, []string{"A", "B"}, order)
}

func TestResolversRunSequentially(t *testing.T) {
	var mu sync.Mutex
	var trace []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		trace = append(trace, s)
	}
	m := New()
	m.AddResolver(func(context.Context, string, string) (locator.Raw, bool, error) {
		record("A start")
		time.Sleep(10 * time.Millisecond)
		record("A end")
		return locator.Raw{}, false, nil
	})
	m.AddResolver(func(context.Context, string, string) (locator.Raw, bool, error) {
		record("B start")
		return locator.Raw{URL: "u"}, true, nil
	})

	_, err := m.ResolveScript(t.Context(), "s", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"A start", "A end", "B start"}, trace)
}

func TestResolveDefaults(t *testing.T) {
	m := New()
	m.AddResolver(static(locator.Raw{URL: builder.Remote("src_App_js")}))

	loc, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.Equal(t, locator.Locator{
		URL:     "http://domain.ext/src_App_js.chunk.bundle",
		Fetch:   true,
		Method:  "GET",
		Timeout: locator.DefaultTimeout,
	}, loc)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.AssertJson(t, "resolve_remote_chunk", loc)
}

func TestResolveCachesByURL(t *testing.T) {
	m := New()
	m.AddResolver(static(locator.Raw{URL: builder.Remote("src_App_js")}))

	first, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	second, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)

	assert.True(t, first.Fetch)
	assert.False(t, second.Fetch)
	assert.Equal(t, first.URL, second.URL)
}

func TestResolveURLChangeInvalidates(t *testing.T) {
	m := New()
	m.AddResolver(static(locator.Raw{URL: builder.Remote("src_App_js")}))
	_, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)

	m.RemoveAllResolvers()
	m.AddResolver(static(locator.Raw{URL: "http://other.ext/src_App_js.chunk.bundle"}))
	loc, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.True(t, loc.Fetch)
	assert.Equal(t, "http://other.ext/src_App_js.chunk.bundle", loc.URL)

	loc, err = m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.False(t, loc.Fetch)
}

func TestResolveCallersTrackedIndependently(t *testing.T) {
	m := New()
	m.AddResolver(static(locator.Raw{URL: builder.Remote("src_App_js")}))

	a, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	b, err := m.ResolveScript(t.Context(), "src_App_js", "other")
	require.NoError(t, err)
	assert.True(t, a.Fetch)
	assert.True(t, b.Fetch)
}

func TestResolveQuery(t *testing.T) {
	m := New()
	m.AddResolver(func(_ context.Context, scriptID, _ string) (locator.Raw, bool, error) {
		if scriptID == "params" {
			return locator.Raw{
				URL:   builder.Remote(scriptID),
				Query: locator.QueryParams("accessCode", "1234", "accessUid", "asdf"),
			}, true, nil
		}
		return locator.Raw{
			URL:   builder.Remote(scriptID),
			Query: locator.QueryString("token=some_token"),
		}, true, nil
	})

	loc, err := m.ResolveScript(t.Context(), "params", "main")
	require.NoError(t, err)
	assert.Equal(t, "accessCode=1234&accessUid=asdf", loc.Query)

	loc, err = m.ResolveScript(t.Context(), "raw", "main")
	require.NoError(t, err)
	assert.Equal(t, "token=some_token", loc.Query)
}

func TestResolveHeadersReplacedAcrossResolutions(t *testing.T) {
	m := New()
	m.AddResolver(func(_ context.Context, scriptID, _ string) (locator.Raw, bool, error) {
		headers := map[string]string{"x-hello": "world"}
		if scriptID == "third" {
			headers["x-third"] = "yes"
		}
		return locator.Raw{URL: builder.Remote(scriptID), Headers: headers}, true, nil
	})

	loc, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x-hello": "world"}, loc.Headers)
	_, err = m.ResolveScript(t.Context(), "third", "main")
	require.NoError(t, err)

	m.RemoveAllResolvers()
	m.AddResolver(static(locator.Raw{
		URL:     builder.Remote("src_App_js"),
		Headers: map[string]string{"x-hello": "world", "x-changed": "true"},
	}))
	loc, err = m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x-hello": "world", "x-changed": "true"}, loc.Headers)
}

func TestResolveFileSystemLocator(t *testing.T) {
	m := New()
	m.AddResolver(static(locator.Raw{
		URL:      builder.FileSystem("absolute/directory/src_App_js"),
		Absolute: true,
	}))

	loc, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.Equal(t, "file:///absolute/directory/src_App_js.chunk.bundle", loc.URL)
	assert.True(t, loc.Absolute)
	assert.True(t, loc.Fetch)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.AssertJson(t, "resolve_filesystem_chunk", loc)

	loc, err = m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.False(t, loc.Fetch, "absolute locators are cached like remote ones")
}

func TestResolveNoCache(t *testing.T) {
	storage := newCountingStorage()
	m := New(WithStorage(storage))
	m.AddResolver(static(locator.Raw{URL: builder.Remote("src_App_js"), NoCache: true}))

	for i := 0; i < 2; i++ {
		loc, err := m.ResolveScript(t.Context(), "src_App_js", "main")
		require.NoError(t, err)
		assert.True(t, loc.Fetch)
	}
	assert.Zero(t, storage.gets)
	assert.Zero(t, storage.sets)
	assert.Equal(t, uint64(2), m.Metrics().Uncacheable)
}

func TestResolverErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	m := New()
	m.AddResolver(func(context.Context, string, string) (locator.Raw, bool, error) {
		return locator.Raw{}, false, boom
	})
	m.AddResolver(static(locator.Raw{URL: "never"}))

	_, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	assert.Equal(t, boom, err)
}

func TestStorageErrorPropagates(t *testing.T) {
	readErr := errors.New("read failed")
	storage := newCountingStorage()
	storage.failGet = readErr
	m := New(WithStorage(storage))
	m.AddResolver(static(locator.Raw{URL: builder.Remote("src_App_js")}))

	_, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	assert.Equal(t, readErr, err)
	assert.Zero(t, storage.sets)
	assert.Equal(t, uint64(1), m.Metrics().Errors)
}

func TestSetStorageUsesExistingState(t *testing.T) {
	url := builder.Remote("src_App_js")
	m := New()
	m.AddResolver(static(locator.Raw{URL: url}))
	_, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)

	warm := memory.New(memory.DefaultConfig())
	require.NoError(t, warm.SetItem(t.Context(), cache.Key("src_App_js", "main"), `{"url":"`+url+`"}`))
	m.SetStorage(warm)

	loc, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.False(t, loc.Fetch)

	m.SetStorage(memory.New(memory.DefaultConfig()))
	loc, err = m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.True(t, loc.Fetch)
}

func TestReset(t *testing.T) {
	storage := newCountingStorage()
	m := New(WithStorage(storage))
	m.AddResolver(static(locator.Raw{URL: builder.Remote("src_App_js")}))
	var events int
	m.Subscribe(func(Event) { events++ })
	_, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)

	m.Reset()
	_, err = m.ResolveScript(t.Context(), "src_App_js", "main")
	var cfgErr *resolver.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	eventsBefore := events
	m.AddResolver(static(locator.Raw{URL: builder.Remote("src_App_js")}))
	loc, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.True(t, loc.Fetch, "reset drops the previous storage")
	assert.Equal(t, 1, storage.sets)
	assert.Equal(t, eventsBefore, events, "reset drops listeners")
}

func TestRemoveItem(t *testing.T) {
	m := New()
	m.AddResolver(static(locator.Raw{URL: builder.Remote("src_App_js")}))
	_, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)

	require.NoError(t, m.RemoveItem(t.Context(), "src_App_js", "main"))
	loc, err := m.ResolveScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.True(t, loc.Fetch)
}

func TestInvalidateScripts(t *testing.T) {
	m := New()
	m.AddResolver(func(_ context.Context, scriptID, _ string) (locator.Raw, bool, error) {
		return locator.Raw{URL: builder.Remote(scriptID)}, true, nil
	})
	var invalidated [][]string
	m.Subscribe(func(evt Event) {
		if evt.Kind == EventInvalidated {
			invalidated = append(invalidated, evt.ScriptIDs)
		}
	})

	for _, pair := range [][2]string{{"a", "main"}, {"a", "other"}, {"b", "main"}, {"c", "main"}} {
		_, err := m.ResolveScript(t.Context(), pair[0], pair[1])
		require.NoError(t, err)
	}

	ids, err := m.InvalidateScripts(t.Context(), "a", "unknown")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	for _, caller := range []string{"main", "other"} {
		loc, err := m.ResolveScript(t.Context(), "a", caller)
		require.NoError(t, err)
		assert.True(t, loc.Fetch, caller)
	}
	loc, err := m.ResolveScript(t.Context(), "b", "main")
	require.NoError(t, err)
	assert.False(t, loc.Fetch)

	ids, err = m.InvalidateScripts(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, [][]string{{"a"}, {"a", "b", "c"}}, invalidated)
}

type fakeLoader struct {
	loaded     []string
	prefetched []string
	err        error
}

func (l *fakeLoader) Load(_ context.Context, scriptID string, loc locator.Locator) error {
	l.loaded = append(l.loaded, scriptID+"@"+loc.URL)
	return l.err
}

func (l *fakeLoader) Prefetch(_ context.Context, scriptID string, loc locator.Locator) error {
	l.prefetched = append(l.prefetched, scriptID+"@"+loc.URL)
	return l.err
}

func TestLoadAndPrefetch(t *testing.T) {
	m := New()
	m.AddResolver(static(locator.Raw{URL: builder.Remote("src_App_js")}))

	_, err := m.LoadScript(t.Context(), "src_App_js", "main")
	assert.ErrorIs(t, err, ErrNoLoader)
	_, err = m.PrefetchScript(t.Context(), "src_App_js", "main")
	assert.ErrorIs(t, err, ErrNoLoader)

	loader := &fakeLoader{}
	m.SetLoader(loader)
	var kinds []EventKind
	m.Subscribe(func(evt Event) { kinds = append(kinds, evt.Kind) })

	loc, err := m.PrefetchScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.True(t, loc.Fetch)
	loc, err = m.LoadScript(t.Context(), "src_App_js", "main")
	require.NoError(t, err)
	assert.False(t, loc.Fetch)

	url := "http://domain.ext/src_App_js.chunk.bundle"
	assert.Equal(t, []string{"src_App_js@" + url}, loader.prefetched)
	assert.Equal(t, []string{"src_App_js@" + url}, loader.loaded)
	assert.Equal(t, []EventKind{
		EventResolving, EventResolved, EventPrefetching,
		EventResolving, EventResolved, EventLoading, EventLoaded,
	}, kinds)
}

func TestLoadErrorPropagates(t *testing.T) {
	loadErr := errors.New("load failed")
	m := New(WithLoader(&fakeLoader{err: loadErr}))
	m.AddResolver(static(locator.Raw{URL: builder.Remote("src_App_js")}))
	var failures []error
	m.Subscribe(func(evt Event) {
		if evt.Kind == EventError {
			failures = append(failures, evt.Err)
		}
	})

	_, err := m.LoadScript(t.Context(), "src_App_js", "main")
	assert.Equal(t, loadErr, err)
	assert.Equal(t, []error{loadErr}, failures)
}

func TestUnsubscribe(t *testing.T) {
	m := New()
	m.AddResolver(static(locator.Raw{URL: "u"}))
	var a, b int
	unsubA := m.Subscribe(func(Event) { a++ })
	m.Subscribe(func(Event) { b++ })

	_, err := m.ResolveScript(t.Context(), "s", "c")
	require.NoError(t, err)
	unsubA()
	_, err = m.ResolveScript(t.Context(), "s", "c")
	require.NoError(t, err)

	assert.Equal(t, 2, a)
	assert.Equal(t, 4, b)
}

func TestConcurrentResolutionsAreIndependentByDefault(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	m := New()
	m.AddResolver(func(context.Context, string, string) (locator.Raw, bool, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return locator.Raw{URL: "u"}, true, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ResolveScript(context.Background(), "s", "c")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, calls)
	assert.Equal(t, uint64(8), m.Metrics().Resolutions)
}

func TestCoalescing(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	m := New(WithCoalescing())
	m.AddResolver(func(context.Context, string, string) (locator.Raw, bool, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return locator.Raw{URL: "u", Headers: map[string]string{"a": "b"}}, true, nil
	})

	const n = 6
	results := make([]locator.Locator, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			loc, err := m.ResolveScript(context.Background(), "s", "c")
			assert.NoError(t, err)
			results[i] = loc
		}(i)
	}
	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(n), m.Metrics().Shared)
	for _, loc := range results {
		assert.Equal(t, "u", loc.URL)
		assert.True(t, loc.Fetch)
	}
	results[0].Headers["a"] = "mutated"
	assert.Equal(t, "b", results[1].Headers["a"])
}

func TestCoalescingSurvivesLeaderCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	resolverErr := make(chan error, 1)
	m := New(WithCoalescing())
	m.AddResolver(func(ctx context.Context, _, _ string) (locator.Raw, bool, error) {
		close(started)
		<-release
		resolverErr <- ctx.Err()
		return locator.Raw{URL: "u"}, true, nil
	})

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := m.ResolveScript(leaderCtx, "s", "c")
		leaderDone <- err
	}()
	<-started

	followerDone := make(chan locator.Locator, 1)
	go func() {
		loc, err := m.ResolveScript(context.Background(), "s", "c")
		assert.NoError(t, err)
		followerDone <- loc
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-leaderDone, context.Canceled)

	close(release)
	loc := <-followerDone
	assert.Equal(t, "u", loc.URL)
	assert.True(t, loc.Fetch)
	assert.NoError(t, <-resolverErr, "shared resolution must not see the leader's cancel")
}

func TestCoalescingWaiterHonoursOwnContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	m := New(WithCoalescing())
	m.AddResolver(func(context.Context, string, string) (locator.Raw, bool, error) {
		<-release
		return locator.Raw{URL: "u"}, true, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.ResolveScript(ctx, "s", "c")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResetDoesNotLeakGoroutines(t *testing.T) {
	before := runtime.NumGoroutine()
	m := New()
	for i := 0; i < 200; i++ {
		m.AddResolver(static(locator.Raw{URL: "u"}))
		_, err := m.ResolveScript(t.Context(), "s", "c")
		require.NoError(t, err)
		m.Reset()
	}
	runtime.GC()
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+5)
}

func TestResolveKeepsIDsVerbatim(t *testing.T) {
	storage := newCountingStorage()
	m := New(WithStorage(storage))
	m.AddResolver(static(locator.Raw{URL: "u"}))

	first, err := m.ResolveScript(t.Context(), "s", "main")
	require.NoError(t, err)
	padded, err := m.ResolveScript(t.Context(), "s", " main")
	require.NoError(t, err)

	assert.True(t, first.Fetch)
	assert.True(t, padded.Fetch, "a padded caller id is a different caller")
	assert.Equal(t, 2, storage.Len())
}

func TestMetrics(t *testing.T) {
	m := New()
	m.AddResolver(static(locator.Raw{URL: "u"}))
	for i := 0; i < 3; i++ {
		_, err := m.ResolveScript(t.Context(), "s", "c")
		require.NoError(t, err)
	}
	m.RemoveAllResolvers()
	_, err := m.ResolveScript(t.Context(), "s", "c")
	require.Error(t, err)

	assert.Equal(t, MetricsSnapshot{
		Resolutions: 4,
		CacheHits:   2,
		CacheMisses: 1,
		Errors:      1,
	}, m.Metrics())
}
