package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/illmade-knight/go-imagecache/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEntry builds an entry whose payload is recognisable per key.
func newTestEntry(key string, fetchedAt time.Time) *cache.Entry {
	payload := []byte("\x89PNG\r\n\x1a\n" + key + "\npayload\x00\x01")
	return &cache.Entry{
		Key:         key,
		URL:         "https://images.example.com/" + key + ".png",
		Payload:     payload,
		ContentType: "image/png",
		FetchedAt:   fetchedAt,
		SizeBytes:   int64(len(payload)),
	}
}

func collectInfos(t *testing.T, s cache.Store) map[string]cache.EntryInfo {
	t.Helper()
	infos := make(map[string]cache.EntryInfo)
	for info, err := range s.List(context.Background()) {
		require.NoError(t, err)
		infos[info.Key] = info
	}
	return infos
}

// runStoreConformance exercises the behaviour every Store backend must share.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) cache.Store) {
	ctx := context.Background()
	base := time.Date(2025, 6, 13, 10, 0, 0, 0, time.UTC)

	t.Run("Round trip preserves payload and content type", func(t *testing.T) {
		// Arrange
		s := newStore(t)
		entry := newTestEntry("aa01", base)

		// Act
		require.NoError(t, s.Put(ctx, entry.Key, entry))
		got, err := s.Get(ctx, entry.Key)

		// Assert
		require.NoError(t, err)
		if diff := cmp.Diff(entry, got); diff != "" {
			t.Errorf("entry mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Get of an absent key is ErrNotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Get(ctx, "ff00")

		require.Error(t, err)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("Put overwrites the previous entry", func(t *testing.T) {
		// Arrange
		s := newStore(t)
		first := newTestEntry("bb02", base)
		second := newTestEntry("bb02", base.Add(time.Hour))
		second.Payload = []byte("GIF89a-newer")
		second.ContentType = "image/gif"
		second.SizeBytes = int64(len(second.Payload))

		// Act
		require.NoError(t, s.Put(ctx, first.Key, first))
		require.NoError(t, s.Put(ctx, second.Key, second))

		// Assert
		got, err := s.Get(ctx, "bb02")
		require.NoError(t, err)
		assert.Equal(t, second.Payload, got.Payload)
		assert.Equal(t, "image/gif", got.ContentType)
		assert.True(t, second.FetchedAt.Equal(got.FetchedAt))
		assert.Len(t, collectInfos(t, s), 1, "exactly one entry per key")
	})

	t.Run("Put fills in size and key", func(t *testing.T) {
		s := newStore(t)
		entry := &cache.Entry{Payload: []byte("abc"), ContentType: "image/png", FetchedAt: base}

		require.NoError(t, s.Put(ctx, "cc03", entry))

		infos := collectInfos(t, s)
		require.Contains(t, infos, "cc03")
		assert.Equal(t, int64(3), infos["cc03"].SizeBytes)
	})

	t.Run("Put rejects mismatched keys", func(t *testing.T) {
		s := newStore(t)

		err := s.Put(ctx, "dd04", newTestEntry("other", base))

		require.Error(t, err)
	})

	t.Run("Remove is idempotent", func(t *testing.T) {
		// Arrange
		s := newStore(t)
		entry := newTestEntry("ee05", base)
		require.NoError(t, s.Put(ctx, entry.Key, entry))

		// Act
		require.NoError(t, s.Remove(ctx, entry.Key))
		require.NoError(t, s.Remove(ctx, entry.Key))
		require.NoError(t, s.Remove(ctx, "never-stored"))

		// Assert
		_, err := s.Get(ctx, entry.Key)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("List yields metadata for every entry", func(t *testing.T) {
		// Arrange
		s := newStore(t)
		keys := []string{"a1b2", "c3d4", "e5f6"}
		for i, k := range keys {
			require.NoError(t, s.Put(ctx, k, newTestEntry(k, base.Add(time.Duration(i)*time.Minute))))
		}

		// Act
		infos := collectInfos(t, s)

		// Assert
		require.Len(t, infos, len(keys))
		for i, k := range keys {
			want := newTestEntry(k, base.Add(time.Duration(i)*time.Minute)).Info()
			if diff := cmp.Diff(want, infos[k]); diff != "" {
				t.Errorf("info for %s mismatch (-want +got):\n%s", k, diff)
			}
		}
	})

	t.Run("List stops when the consumer stops", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"0a0a", "1b1b", "2c2c"} {
			require.NoError(t, s.Put(ctx, k, newTestEntry(k, base)))
		}

		seen := 0
		for _, err := range s.List(ctx) {
			require.NoError(t, err)
			seen++
			break
		}

		assert.Equal(t, 1, seen)
	})

	t.Run("Clear removes every entry", func(t *testing.T) {
		// Arrange
		s := newStore(t)
		keys := []string{"f0f0", "f1f1"}
		for _, k := range keys {
			require.NoError(t, s.Put(ctx, k, newTestEntry(k, base)))
		}

		// Act
		require.NoError(t, s.Clear(ctx))

		// Assert
		for _, k := range keys {
			_, err := s.Get(ctx, k)
			assert.True(t, errors.Is(err, cache.ErrNotFound), "key %s should be absent after Clear", k)
		}
		assert.Empty(t, collectInfos(t, s))
	})
}
