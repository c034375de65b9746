package imagecache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-imagecache/pkg/cache"
	"github.com/rs/zerolog"
)

// Opener opens or creates the persistent store.
type Opener func(ctx context.Context) (cache.Store, error)

// Hook runs against a freshly opened store before it is published as ready,
// for example a startup eviction pass.
type Hook func(ctx context.Context, store cache.Store) error

// Initializer performs the one-time bring-up of the persistent store and
// exposes its readiness. Until it is ready, or if bring-up failed, Store
// reports the store as unavailable and callers fetch without caching.
type Initializer struct {
	open   Opener
	logger zerolog.Logger

	done chan struct{}
	err  error // set before done is closed

	mu      sync.RWMutex
	started bool
	store   cache.Store
	closed  bool
}

// NewInitializer creates an Initializer that will open the store with open.
func NewInitializer(open Opener, logger zerolog.Logger) *Initializer {
	return &Initializer{
		open:   open,
		logger: logger.With().Str("component", "CacheInitializer").Logger(),
		done:   make(chan struct{}),
	}
}

// Initialize opens the store and runs hooks on the first call. Every call,
// including concurrent ones, returns the outcome of that first attempt.
func (i *Initializer) Initialize(ctx context.Context, hooks ...Hook) error {
	if i.claim() {
		i.run(ctx, hooks)
	}
	<-i.done
	return i.err
}

// claim reports whether the caller owns the single initialization attempt.
func (i *Initializer) claim() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return false
	}
	i.started = true
	return true
}

// Start runs Initialize in the background.
func (i *Initializer) Start(ctx context.Context, hooks ...Hook) {
	go func() { _ = i.Initialize(ctx, hooks...) }()
}

func (i *Initializer) run(ctx context.Context, hooks []Hook) {
	defer close(i.done)
	if i.open == nil {
		i.fail(errors.New("no store opener configured"))
		return
	}

	store, err := i.open(ctx)
	if err != nil {
		i.fail(fmt.Errorf("open store: %w", err))
		return
	}
	for _, hook := range hooks {
		if err := hook(ctx, store); err != nil {
			_ = store.Close()
			i.fail(fmt.Errorf("startup hook: %w", err))
			return
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		_ = store.Close()
		i.err = fmt.Errorf("%w: initializer closed during startup", ErrInit)
		return
	}
	i.store = store
	i.logger.Info().Msg("Image cache is ready.")
}

func (i *Initializer) fail(err error) {
	i.err = fmt.Errorf("%w: %w", ErrInit, err)
	i.logger.Error().Err(err).Msg("Image cache unavailable, continuing without caching.")
}

// AwaitReady blocks until initialization has settled or ctx is done.
func (i *Initializer) AwaitReady(ctx context.Context) error {
	select {
	case <-i.done:
		return i.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the store is open and usable.
func (i *Initializer) Ready() bool {
	_, ok := i.Store()
	return ok
}

// Store returns the open store without blocking. ok is false while
// initialization is pending, after it failed, or after Close.
func (i *Initializer) Store() (cache.Store, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.store == nil || i.closed {
		return nil, false
	}
	return i.store, true
}

// Close closes the store if it was opened. It does not wait for an
// initialization in progress; a store that finishes opening after Close is
// closed straight away. Initialization that has not begun will no longer run.
func (i *Initializer) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	if !i.started {
		i.started = true
		i.err = fmt.Errorf("%w: initializer closed", ErrInit)
		close(i.done)
	}
	if i.store == nil {
		return nil
	}
	if err := i.store.Close(); err != nil {
		return fmt.Errorf("failed to close image cache store: %w", err)
	}
	return nil
}
