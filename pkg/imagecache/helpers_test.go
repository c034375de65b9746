package imagecache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-imagecache/pkg/cache"
	"github.com/illmade-knight/go-imagecache/pkg/imagecache"
	"github.com/illmade-knight/go-imagecache/pkg/imagefetch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2025, 6, 13, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

// fakeFetcher serves a payload derived from the URL and counts calls. Tests
// can make it fail or hold it until released.
type fakeFetcher struct {
	calls   atomic.Int32
	started chan string

	mu      sync.Mutex
	failErr error
	gate    chan struct{}
	onFetch func()
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{started: make(chan string, 64)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*imagefetch.Image, error) {
	f.calls.Add(1)
	select {
	case f.started <- url:
	default:
	}

	f.mu.Lock()
	gate, failErr, onFetch := f.gate, f.failErr, f.onFetch
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errors.Join(imagefetch.ErrFetch, ctx.Err())
		}
	}
	if onFetch != nil {
		onFetch()
	}
	if failErr != nil {
		return nil, failErr
	}
	return &imagefetch.Image{URL: url, Payload: []byte("img:" + url), ContentType: "image/png"}, nil
}

func (f *fakeFetcher) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

// hold makes subsequent fetches block until the returned function is called.
func (f *fakeFetcher) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *fakeFetcher) awaitStart(t *testing.T) string {
	t.Helper()
	select {
	case url := <-f.started:
		return url
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not start")
		return ""
	}
}

// failingStore wraps a store and fails every Put.
type failingStore struct {
	cache.Store
	putErr error
}

func (s *failingStore) Put(context.Context, string, *cache.Entry) error {
	return s.putErr
}

type harness struct {
	manager *imagecache.Manager
	store   cache.Store
	fetcher *fakeFetcher
	clock   *fakeClock
}

// newHarness builds a warmed manager over an in-memory store.
func newHarness(t *testing.T, cfg imagecache.Config, store cache.Store) *harness {
	t.Helper()
	if store == nil {
		store = cache.NewInMemoryStore(0)
	}
	h := &harness{store: store, fetcher: newFakeFetcher(), clock: newFakeClock()}
	initializer := imagecache.NewInitializer(func(context.Context) (cache.Store, error) { return store, nil }, zerolog.Nop())
	m, err := imagecache.NewManager(cfg, initializer, h.fetcher, zerolog.Nop(), imagecache.WithClock(h.clock.Now))
	require.NoError(t, err)
	require.NoError(t, m.Warm(context.Background()))
	t.Cleanup(func() { _ = initializer.Close() })
	h.manager = m
	return h
}

func (h *harness) resolve(t *testing.T, url string) *imagecache.Resource {
	t.Helper()
	res, err := h.manager.Resolve(context.Background(), url)
	require.NoError(t, err)
	return res
}

func (h *harness) stored(t *testing.T, url string) bool {
	t.Helper()
	key, err := imagecache.KeyFor(url)
	require.NoError(t, err)
	_, err = h.store.Get(context.Background(), key)
	if errors.Is(err, cache.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}
