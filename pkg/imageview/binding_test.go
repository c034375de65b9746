package imageview_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-imagecache/pkg/cache"
	"github.com/illmade-knight/go-imagecache/pkg/imagecache"
	"github.com/illmade-knight/go-imagecache/pkg/imagefetch"
	"github.com/illmade-knight/go-imagecache/pkg/imageview"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	urlA = "https://images.example.com/a.jpg"
	urlB = "https://images.example.com/b.jpg"
)

// fakeResolver resolves every URL to a resource whose ImageURL is
// "local:"+url, unless the URL is marked failing or held.
type fakeResolver struct {
	mu       sync.Mutex
	failing  map[string]bool
	gates    map[string]chan struct{}
	returned chan string
	calls    []string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		failing:  make(map[string]bool),
		gates:    make(map[string]chan struct{}),
		returned: make(chan string, 16),
	}
}

func (r *fakeResolver) Resolve(_ context.Context, url string) (*imagecache.Resource, error) {
	r.mu.Lock()
	r.calls = append(r.calls, url)
	gate, failing := r.gates[url], r.failing[url]
	r.mu.Unlock()

	// A held fetch ignores the caller's context, like a shared network fetch.
	if gate != nil {
		<-gate
	}
	defer func() { r.returned <- url }()
	if failing {
		return nil, imagefetch.ErrFetch
	}
	return &imagecache.Resource{URL: url, ContentType: "image/png", Payload: []byte(url)}, nil
}

func (r *fakeResolver) fail(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[url] = true
}

func (r *fakeResolver) hold(url string) func() {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gates[url] = gate
	r.mu.Unlock()
	return func() { close(gate) }
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func localURL(res *imagecache.Resource) string { return "local:" + res.URL }

func newTestBinding(t *testing.T, resolver imageview.Resolver) *imageview.Binding {
	t.Helper()
	b := imageview.NewBinding(resolver, zerolog.Nop(), imageview.WithURLFunc(localURL))
	t.Cleanup(b.Close)
	return b
}

func awaitSettled(t *testing.T, b *imageview.Binding) imageview.State {
	t.Helper()
	require.Eventually(t, func() bool { return !b.State().IsLoading }, 2*time.Second, 5*time.Millisecond)
	return b.State()
}

func TestBinding(t *testing.T) {
	t.Run("Starts in the loading state", func(t *testing.T) {
		b := newTestBinding(t, newFakeResolver())

		state := b.State()

		assert.True(t, state.IsLoading)
		assert.Empty(t, state.ImageURL)
		assert.NoError(t, state.Err)
	})

	t.Run("Primary success becomes ready", func(t *testing.T) {
		// Arrange
		b := newTestBinding(t, newFakeResolver())

		// Act
		b.SetSource(urlA, urlB)
		state := awaitSettled(t, b)

		// Assert
		assert.True(t, state.Ready())
		assert.Equal(t, "local:"+urlA, state.ImageURL)
	})

	t.Run("Primary failure falls back", func(t *testing.T) {
		// Arrange
		resolver := newFakeResolver()
		resolver.fail(urlA)
		b := newTestBinding(t, resolver)

		// Act
		b.SetSource(urlA, urlB)
		state := awaitSettled(t, b)

		// Assert
		assert.Equal(t, "local:"+urlB, state.ImageURL)
		assert.Equal(t, 2, resolver.callCount())
	})

	t.Run("Error only after the fallback also fails", func(t *testing.T) {
		// Arrange
		resolver := newFakeResolver()
		resolver.fail(urlA)
		resolver.fail(urlB)
		b := newTestBinding(t, resolver)

		// Act
		b.SetSource(urlA, urlB)
		state := awaitSettled(t, b)

		// Assert
		assert.ErrorIs(t, state.Err, imagefetch.ErrFetch)
		assert.Empty(t, state.ImageURL)
		assert.Equal(t, 2, resolver.callCount())
	})

	t.Run("Empty source is an error", func(t *testing.T) {
		b := newTestBinding(t, newFakeResolver())

		b.SetSource("", "")
		state := awaitSettled(t, b)

		assert.ErrorIs(t, state.Err, imageview.ErrNoSource)
	})

	t.Run("Late result for a superseded source is discarded", func(t *testing.T) {
		// Arrange
		resolver := newFakeResolver()
		releaseA := resolver.hold(urlA)
		b := newTestBinding(t, resolver)
		b.SetSource(urlA, "")

		// Act
		b.SetSource(urlB, "")
		stateB := awaitSettled(t, b)
		releaseA()
		require.Eventually(t, func() bool {
			select {
			case url := <-resolver.returned:
				return url == urlA
			default:
				return false
			}
		}, 2*time.Second, 5*time.Millisecond)

		// Assert
		assert.Equal(t, "local:"+urlB, stateB.ImageURL)
		assert.Never(t, func() bool { return b.State().ImageURL != "local:"+urlB }, 100*time.Millisecond, 5*time.Millisecond,
			"A's late result must not overwrite B")
	})

	t.Run("Setting the same source again does not re-resolve", func(t *testing.T) {
		resolver := newFakeResolver()
		b := newTestBinding(t, resolver)

		b.SetSource(urlA, "")
		awaitSettled(t, b)
		b.SetSource(urlA, "")

		assert.Equal(t, 1, resolver.callCount())
		assert.True(t, b.State().Ready())
	})

	t.Run("Updates signal state changes and close with the binding", func(t *testing.T) {
		// Arrange
		b := imageview.NewBinding(newFakeResolver(), zerolog.Nop())

		// Act
		b.SetSource(urlA, "")
		awaitSettled(t, b)
		b.Close()

		// Assert
		got := 0
		for range b.Updates() {
			got++
		}
		assert.GreaterOrEqual(t, got, 1)
		b.SetSource(urlB, "")
		assert.Contains(t, b.State().ImageURL, "data:image/png;base64,", "closed bindings ignore new sources")
	})
}

func TestBinding_WithManager(t *testing.T) {
	// Arrange
	store := cache.NewInMemoryStore(0)
	initializer := imagecache.NewInitializer(func(context.Context) (cache.Store, error) { return store, nil }, zerolog.Nop())
	fetcher := imagefetch.FetcherFunc(func(_ context.Context, url string) (*imagefetch.Image, error) {
		if url == urlA {
			return nil, errors.Join(imagefetch.ErrFetch, errors.New("status 404"))
		}
		return &imagefetch.Image{URL: url, Payload: []byte("GIF89a"), ContentType: "image/gif"}, nil
	})
	manager, err := imagecache.NewManager(imagecache.DefaultConfig(), initializer, fetcher, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, manager.Warm(context.Background()))
	b := newTestBinding(t, manager)
	b.SetSource(urlA, urlB)

	// Act
	state := awaitSettled(t, b)

	// Assert
	require.NoError(t, state.Err)
	assert.Equal(t, "local:"+urlB, state.ImageURL)
}
