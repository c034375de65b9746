package imageview

import (
	"context"
	"errors"
	"sync"

	"github.com/illmade-knight/go-imagecache/pkg/imagecache"
	"github.com/rs/zerolog"
)

// ErrNoSource is the error state of a binding whose sources are all empty.
var ErrNoSource = errors.New("no image source")

// Resolver turns an image URL into a local resource. *imagecache.Manager
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, url string) (*imagecache.Resource, error)
}

// State is what the presentation layer renders. ImageURL is a local
// reference, set only once the image is ready.
type State struct {
	ImageURL  string `json:"imageUrl,omitempty"`
	IsLoading bool   `json:"isLoading"`
	Err       error  `json:"-"`
}

// Ready reports whether the state holds a usable image.
func (s State) Ready() bool {
	return !s.IsLoading && s.Err == nil && s.ImageURL != ""
}

// Option customises a Binding.
type Option func(*Binding)

// WithURLFunc sets how a resolved resource becomes State.ImageURL. The
// default is Resource.DataURI.
func WithURLFunc(f func(*imagecache.Resource) string) Option {
	return func(b *Binding) { b.urlFunc = f }
}

// Binding connects one image slot to a Resolver. Each SetSource starts a new
// resolution and supersedes the previous one; results for a superseded
// source are discarded when they arrive.
type Binding struct {
	resolver Resolver
	logger   zerolog.Logger
	urlFunc  func(*imagecache.Resource) string
	updates  chan struct{}

	mu         sync.Mutex
	state      State
	generation uint64
	primary    string
	fallback   string
	cancel     context.CancelFunc
	closed     bool

	wg sync.WaitGroup
}

// NewBinding creates a Binding in the loading state with no source yet.
func NewBinding(resolver Resolver, logger zerolog.Logger, opts ...Option) *Binding {
	b := &Binding{
		resolver: resolver,
		logger:   logger.With().Str("component", "ImageBinding").Logger(),
		urlFunc:  (*imagecache.Resource).DataURI,
		updates:  make(chan struct{}, 1),
		state:    State{IsLoading: true},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetSource resolves primary, then fallback if primary fails. Setting the
// sources already in effect does nothing.
func (b *Binding) SetSource(primary, fallback string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.generation > 0 && primary == b.primary && fallback == b.fallback {
		return
	}

	if b.cancel != nil {
		b.cancel()
	}
	b.generation++
	b.primary, b.fallback = primary, fallback
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.state = State{IsLoading: true}
	b.notify()

	b.wg.Add(1)
	go b.run(ctx, b.generation, primary, fallback)
}

func (b *Binding) run(ctx context.Context, generation uint64, primary, fallback string) {
	defer b.wg.Done()

	res, err := b.resolveOne(ctx, primary)
	if err != nil && fallback != "" && fallback != primary && ctx.Err() == nil {
		b.logger.Debug().Err(err).Str("url", primary).Msg("Primary image failed, trying fallback.")
		res, err = b.resolveOne(ctx, fallback)
	}
	b.settle(generation, res, err)
}

func (b *Binding) resolveOne(ctx context.Context, url string) (*imagecache.Resource, error) {
	if url == "" {
		return nil, ErrNoSource
	}
	return b.resolver.Resolve(ctx, url)
}

func (b *Binding) settle(generation uint64, res *imagecache.Resource, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || generation != b.generation {
		b.logger.Debug().Uint64("generation", generation).Msg("Discarding result for superseded source.")
		return
	}
	if err != nil {
		b.state = State{Err: err}
	} else {
		b.state = State{ImageURL: b.urlFunc(res)}
	}
	b.notify()
}

// notify must be called with mu held.
func (b *Binding) notify() {
	select {
	case b.updates <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Updates signals after each state change. Signals coalesce: a receiver
// should read State after each one. The channel is closed by Close.
func (b *Binding) Updates() <-chan struct{} {
	return b.updates
}

// Close abandons any pending resolution and waits for it to return. Shared
// fetches other callers are waiting on are not cancelled.
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	b.wg.Wait()
	close(b.updates)
}
