package imagecache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/illmade-knight/go-imagecache/pkg/cache"
	"github.com/illmade-knight/go-imagecache/pkg/imagefetch"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// writeRecord is what the manager remembers about its last write to a key.
type writeRecord struct {
	fetchedAt time.Time // FetchedAt stored by that write
	at        time.Time // when the write completed
}

// Manager is the single entry point for turning an image URL into a local
// resource. It serves fresh entries from the store, shares one network fetch
// between concurrent callers of the same key, writes results back on a best
// effort basis and falls back to stale entries when the network fails.
type Manager struct {
	cfg     Config
	init    *Initializer
	fetcher imagefetch.Fetcher
	logger  zerolog.Logger
	now     func() time.Time

	group   singleflight.Group
	recency *recencyTracker
	stats   counters

	keyLocks sync.Map // key -> *sync.Mutex, serialises writes and removals

	mu      sync.Mutex
	pending map[string]int
	writes  map[string]writeRecord
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager that stores through initializer and fetches with fetcher.
func NewManager(cfg Config, initializer *Initializer, fetcher imagefetch.Fetcher, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if initializer == nil {
		return nil, errors.New("initializer cannot be nil")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	cfg.SetDefaults()

	m := &Manager{
		cfg:     cfg,
		init:    initializer,
		fetcher: fetcher,
		logger:  logger.With().Str("component", "ImageCacheManager").Logger(),
		now:     time.Now,
		recency: newRecencyTracker(cfg.recencyLimit()),
		pending: make(map[string]int),
		writes:  make(map[string]writeRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Resolve returns a local resource for rawURL. A fresh stored entry is
// returned without network I/O. Otherwise one fetch is shared between all
// concurrent callers of the same key; if it fails, a stale entry is served
// when one exists. Storage problems are logged and never returned.
//
// If ctx ends first Resolve returns ctx.Err(), but the shared fetch keeps
// running for the remaining callers and still writes its result back.
func (m *Manager) Resolve(ctx context.Context, rawURL string) (*Resource, error) {
	key, err := KeyFor(rawURL)
	if err != nil {
		return nil, err
	}
	log := m.logger.With().Str("key", key).Logger()

	var stale *cache.Entry
	store, ready := m.init.Store()
	if ready {
		entry, err := store.Get(ctx, key)
		switch {
		case err == nil && !m.isStale(entry):
			m.stats.hits.Add(1)
			m.recency.touch(key)
			return resourceFromEntry(entry, OriginCache), nil
		case err == nil:
			stale = entry
			log.Debug().Time("fetched_at", entry.FetchedAt).Msg("Cached image is stale, refetching.")
		case errors.Is(err, cache.ErrNotFound):
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			m.stats.storageErrors.Add(1)
			log.Warn().Err(err).Msg("Cache lookup failed, fetching from network.")
		}
		m.stats.misses.Add(1)
	} else {
		m.stats.uncached.Add(1)
	}

	var floor time.Time
	if stale != nil {
		floor = stale.FetchedAt
	}
	leader := false
	ch := m.group.DoChan(key, func() (any, error) {
		leader = true
		return m.fetchAndStore(key, rawURL, floor)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-ch:
		if !leader {
			m.stats.coalescedWaits.Add(1)
		}
		if result.Err != nil {
			if stale != nil {
				m.stats.staleServed.Add(1)
				log.Warn().Err(result.Err).Msg("Fetch failed, serving stale image.")
				return resourceFromEntry(stale, OriginStale), nil
			}
			return nil, result.Err
		}
		res := *result.Val.(*Resource)
		return &res, nil
	}
}

// fetchAndStore runs once per in-flight key. It is detached from any single
// caller's context so that a caller going away does not fail the others.
func (m *Manager) fetchAndStore(key, rawURL string, floor time.Time) (*Resource, error) {
	m.addPending(key, 1)
	defer m.addPending(key, -1)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FetchTimeout)
	defer cancel()

	m.stats.fetches.Add(1)
	img, err := m.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		m.stats.fetchErrors.Add(1)
		m.logger.Debug().Err(err).Str("url", rawURL).Msg("Image fetch failed.")
		return nil, err
	}

	res := &Resource{
		Key:         key,
		URL:         rawURL,
		ContentType: img.ContentType,
		Payload:     img.Payload,
		FetchedAt:   m.now(),
		Origin:      OriginDirect,
	}
	if store, ok := m.init.Store(); ok {
		res.Origin = OriginNetwork
		m.writeBack(store, res, floor)
	}
	return res, nil
}

// writeBack stores res, clamping FetchedAt so it never goes backwards for a
// key. Failures are absorbed: the caller still gets the fetched image and the
// key simply stays uncached.
func (m *Manager) writeBack(store cache.Store, res *Resource, floor time.Time) {
	lock := m.keyLock(res.Key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if prev, ok := m.writes[res.Key]; ok && prev.fetchedAt.After(floor) {
		floor = prev.fetchedAt
	}
	m.mu.Unlock()
	if res.FetchedAt.Before(floor) {
		res.FetchedAt = floor
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	err := store.Put(ctx, res.Key, &cache.Entry{
		Key:         res.Key,
		URL:         res.URL,
		Payload:     res.Payload,
		ContentType: res.ContentType,
		FetchedAt:   res.FetchedAt,
		SizeBytes:   int64(len(res.Payload)),
	})
	if err != nil {
		m.stats.storageErrors.Add(1)
		event := m.logger.Warn()
		if errors.Is(err, cache.ErrStorageFull) {
			event = m.logger.Error()
		}
		event.Err(err).Str("key", res.Key).Msg("Failed to write image to cache, serving uncached.")
		return
	}

	m.mu.Lock()
	m.writes[res.Key] = writeRecord{fetchedAt: res.FetchedAt, at: m.now()}
	m.mu.Unlock()
	m.recency.touch(res.Key)
}

// Invalidate removes the cached entry for rawURL, if any.
func (m *Manager) Invalidate(ctx context.Context, rawURL string) error {
	key, err := KeyFor(rawURL)
	if err != nil {
		return err
	}
	store, ok := m.init.Store()
	if !ok {
		return nil
	}

	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	if err := store.Remove(ctx, key); err != nil {
		m.stats.storageErrors.Add(1)
		return fmt.Errorf("failed to invalidate %s: %w", rawURL, err)
	}
	m.forget(key)
	m.logger.Info().Str("key", key).Str("url", rawURL).Msg("Invalidated cached image.")
	return nil
}

// Clear removes every cached entry.
func (m *Manager) Clear(ctx context.Context) error {
	store, ok := m.init.Store()
	if !ok {
		return nil
	}
	if err := store.Clear(ctx); err != nil {
		m.stats.storageErrors.Add(1)
		return fmt.Errorf("failed to clear image cache: %w", err)
	}
	m.recency.reset()
	m.mu.Lock()
	clear(m.writes)
	m.mu.Unlock()
	m.logger.Info().Msg("Cleared image cache.")
	return nil
}

// Warm initializes the store, running an eviction pass before it is marked
// ready. A failed startup pass is logged and does not block readiness.
func (m *Manager) Warm(ctx context.Context, hooks ...Hook) error {
	return m.init.Initialize(ctx, append(slices.Clone(hooks), m.startupMaintenance)...)
}

// StartWarm is Warm in the background.
func (m *Manager) StartWarm(ctx context.Context, hooks ...Hook) {
	m.init.Start(ctx, append(slices.Clone(hooks), m.startupMaintenance)...)
}

func (m *Manager) startupMaintenance(ctx context.Context, store cache.Store) error {
	if _, err := m.maintain(ctx, store); err != nil {
		m.logger.Warn().Err(err).Msg("Startup maintenance failed.")
	}
	return nil
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	return m.stats.snapshot()
}

// Ready reports whether resolves are currently backed by the store.
func (m *Manager) Ready() bool {
	return m.init.Ready()
}

func (m *Manager) isStale(e *cache.Entry) bool {
	return m.cfg.StaleAfter > 0 && m.now().Sub(e.FetchedAt) > m.cfg.StaleAfter
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	lock, _ := m.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (m *Manager) addPending(key string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[key] += delta
	if m.pending[key] <= 0 {
		delete(m.pending, key)
	}
}

func (m *Manager) forget(key string) {
	m.recency.forget(key)
	m.mu.Lock()
	delete(m.writes, key)
	m.mu.Unlock()
}
