package cache

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
)

// InMemoryStore is a thread-safe, process-local Store.
// It is primarily intended for local development and testing, and as the
// backend of last resort when no durable medium is configured.
type InMemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*Entry
	used     int64
	maxBytes int64
}

// NewInMemoryStore creates an empty in-memory store. A positive maxBytes makes
// Put fail with ErrStorageFull once the stored payloads would exceed it.
func NewInMemoryStore(maxBytes int64) *InMemoryStore {
	return &InMemoryStore{
		data:     make(map[string]*Entry),
		maxBytes: maxBytes,
	}
}

// Get returns a copy of the entry stored under key.
func (s *InMemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("key '%s': %w", key, ErrNotFound)
	}
	return cloneEntry(entry), nil
}

// Put stores a copy of entry under key.
func (s *InMemoryStore) Put(_ context.Context, key string, entry *Entry) error {
	if err := validatePut(key, entry); err != nil {
		return err
	}
	stored := cloneEntry(normalizeEntry(key, entry))

	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.used + stored.SizeBytes
	if prev, ok := s.data[key]; ok {
		used -= prev.SizeBytes
	}
	if s.maxBytes > 0 && used > s.maxBytes {
		return fmt.Errorf("%w: %w: %d of %d bytes in use", ErrStorage, ErrStorageFull, s.used, s.maxBytes)
	}
	s.data[key] = stored
	s.used = used
	return nil
}

// Remove deletes key.
func (s *InMemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.data[key]; ok {
		s.used -= prev.SizeBytes
		delete(s.data, key)
	}
	return nil
}

// List yields a snapshot of the stored metadata ordered by key.
func (s *InMemoryStore) List(ctx context.Context) iter.Seq2[EntryInfo, error] {
	return func(yield func(EntryInfo, error) bool) {
		s.mu.RLock()
		infos := make([]EntryInfo, 0, len(s.data))
		for _, entry := range s.data {
			infos = append(infos, entry.Info())
		}
		s.mu.RUnlock()

		sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
		for _, info := range infos {
			if err := ctx.Err(); err != nil {
				yield(EntryInfo{}, err)
				return
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

// Clear removes every entry.
func (s *InMemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*Entry)
	s.used = 0
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	return &cp
}
