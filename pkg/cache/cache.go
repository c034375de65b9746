// Package cache provides the durable key-value stores that hold cached images.
//
// Every backend implements Store. The image cache manager is the only writer;
// readers may observe the previous or the new version of an entry during a
// concurrent Put, but never a partially written one.
package cache

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"
)

var (
	// ErrNotFound is returned by Get when no entry exists for a key.
	ErrNotFound = errors.New("cache entry not found")
	// ErrStorage wraps every failure of the underlying storage medium.
	ErrStorage = errors.New("cache storage error")
	// ErrStorageFull is returned when the medium has no room for an entry.
	ErrStorageFull = errors.New("cache storage is full")
	// ErrCorrupted is returned when a stored entry fails its integrity check.
	ErrCorrupted = errors.New("cache entry is corrupted")
)

// Entry is a single cached image.
type Entry struct {
	// Key is derived deterministically from the source URL.
	Key string
	// URL is the remote location the payload was fetched from.
	URL string
	// Payload is the raw image content.
	Payload []byte
	// ContentType is the MIME type needed to display the payload.
	ContentType string
	// FetchedAt is when the payload was fetched from the network.
	FetchedAt time.Time
	// SizeBytes is len(Payload), kept for capacity accounting.
	SizeBytes int64
}

// Info returns the metadata half of the entry.
func (e *Entry) Info() EntryInfo {
	return EntryInfo{
		Key:         e.Key,
		URL:         e.URL,
		ContentType: e.ContentType,
		FetchedAt:   e.FetchedAt,
		SizeBytes:   e.SizeBytes,
	}
}

// EntryInfo is everything about an entry except its payload.
type EntryInfo struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	FetchedAt   time.Time `json:"fetched_at"`
	SizeBytes   int64     `json:"size_bytes"`
}

// Store is the persistence contract for cached images.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key, or ErrNotFound. It never performs network
	// I/O against the image origin.
	Get(ctx context.Context, key string) (*Entry, error)
	// Put writes or overwrites the entry for key atomically.
	Put(ctx context.Context, key string, entry *Entry) error
	// Remove deletes the entry for key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// List lazily yields the metadata of every stored entry without loading payloads.
	List(ctx context.Context) iter.Seq2[EntryInfo, error]
	// Clear removes every entry.
	Clear(ctx context.Context) error
	io.Closer
}

// validatePut checks the arguments shared by every Put implementation.
func validatePut(key string, entry *Entry) error {
	if key == "" {
		return errors.New("cache key cannot be empty")
	}
	if entry == nil {
		return errors.New("cache entry cannot be nil")
	}
	if entry.Key != "" && entry.Key != key {
		return errors.New("cache entry key does not match the put key")
	}
	return nil
}

// normalizeEntry returns a copy of entry with Key and SizeBytes filled in.
func normalizeEntry(key string, entry *Entry) *Entry {
	cp := *entry
	cp.Key = key
	cp.SizeBytes = int64(len(entry.Payload))
	return &cp
}
