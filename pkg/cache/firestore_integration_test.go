//go:build integration

package cache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-imagecache/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreStore_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	const projectID = "test-project"
	t.Setenv("FIRESTORE_EMULATOR_HOST", setupFirestoreEmulator(t, ctx, projectID))

	client, err := firestore.NewClient(ctx, projectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	collections := 0
	runStoreConformance(t, func(t *testing.T) cache.Store {
		collections++
		s, err := cache.NewFirestoreStore(&cache.FirestoreConfig{
			ProjectID:      projectID,
			CollectionName: fmt.Sprintf("images-%d", collections),
		}, client, zerolog.Nop())
		require.NoError(t, err)
		return s
	})

	t.Run("Clear waits for every delete before reporting success", func(t *testing.T) {
		// Arrange
		s, err := cache.NewFirestoreStore(&cache.FirestoreConfig{
			ProjectID:      projectID,
			CollectionName: "bulk-clear",
		}, client, zerolog.Nop())
		require.NoError(t, err)
		for i := range 40 {
			key := fmt.Sprintf("%04x", i)
			require.NoError(t, s.Put(ctx, key, newTestEntry(key, time.Now())))
		}

		// Act
		err = s.Clear(ctx)

		// Assert
		require.NoError(t, err)
		docs, err := client.Collection("bulk-clear").Documents(ctx).GetAll()
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("Oversized payload is rejected as storage full", func(t *testing.T) {
		s, err := cache.NewFirestoreStore(&cache.FirestoreConfig{
			ProjectID:      projectID,
			CollectionName: "oversized",
		}, client, zerolog.Nop())
		require.NoError(t, err)

		err = s.Put(ctx, "big", &cache.Entry{Payload: make([]byte, 2<<20), FetchedAt: time.Now()})

		require.Error(t, err)
		assert.ErrorIs(t, err, cache.ErrStorageFull)
	})
}
