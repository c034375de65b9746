package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// firestoreMaxPayload keeps a document comfortably below Firestore's 1 MiB limit.
const firestoreMaxPayload = 1000 * 1000

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

type firestoreEntry struct {
	URL         string    `firestore:"url"`
	ContentType string    `firestore:"content_type"`
	FetchedAt   time.Time `firestore:"fetched_at"`
	SizeBytes   int64     `firestore:"size_bytes"`
	Payload     []byte    `firestore:"payload,omitempty"`
}

// FirestoreStore keeps each entry as one document in a collection, keyed by the
// cache key. Document writes are atomic.
// Payloads above roughly 1 MB are rejected with ErrStorageFull.
type FirestoreStore struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreStore creates a new FirestoreStore.
func NewFirestoreStore(
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// Get retrieves a single document by its key.
func (s *FirestoreStore) Get(ctx context.Context, key string) (*Entry, error) {
	docSnap, err := s.client.Collection(s.collectionName).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("key '%s': %w", key, ErrNotFound)
		}
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to get document from Firestore.")
		return nil, firestoreError("get "+key, err)
	}

	var doc firestoreEntry
	if err := docSnap.DataTo(&doc); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to map Firestore document data.")
		return nil, fmt.Errorf("%w: firestore DataTo for %s: %w", ErrStorage, key, ErrCorrupted)
	}
	return &Entry{
		Key:         key,
		URL:         doc.URL,
		Payload:     doc.Payload,
		ContentType: doc.ContentType,
		FetchedAt:   doc.FetchedAt,
		SizeBytes:   int64(len(doc.Payload)),
	}, nil
}

// Put writes the document for key.
func (s *FirestoreStore) Put(ctx context.Context, key string, entry *Entry) error {
	if err := validatePut(key, entry); err != nil {
		return err
	}
	entry = normalizeEntry(key, entry)
	if entry.SizeBytes > firestoreMaxPayload {
		return fmt.Errorf("%w: %w: payload of %d bytes exceeds the document limit", ErrStorage, ErrStorageFull, entry.SizeBytes)
	}
	doc := firestoreEntry{
		URL:         entry.URL,
		ContentType: entry.ContentType,
		FetchedAt:   entry.FetchedAt,
		SizeBytes:   entry.SizeBytes,
		Payload:     entry.Payload,
	}
	if _, err := s.client.Collection(s.collectionName).Doc(key).Set(ctx, doc); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to write document to Firestore.")
		return firestoreError("set "+key, err)
	}
	s.logger.Debug().Str("key", key).Msg("Successfully wrote entry to Firestore.")
	return nil
}

// Remove deletes the document for key. Firestore treats deleting a missing
// document as success.
func (s *FirestoreStore) Remove(ctx context.Context, key string) error {
	if _, err := s.client.Collection(s.collectionName).Doc(key).Delete(ctx); err != nil {
		return firestoreError("delete "+key, err)
	}
	return nil
}

// List streams the metadata fields of every document using a projection query,
// so payloads are never transferred.
func (s *FirestoreStore) List(ctx context.Context) iter.Seq2[EntryInfo, error] {
	return func(yield func(EntryInfo, error) bool) {
		docs := s.client.Collection(s.collectionName).
			Select("url", "content_type", "fetched_at", "size_bytes").
			Documents(ctx)
		defer docs.Stop()

		for {
			snap, err := docs.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(EntryInfo{}, firestoreError("list", err))
				return
			}
			var doc firestoreEntry
			if err := snap.DataTo(&doc); err != nil {
				if !yield(EntryInfo{}, fmt.Errorf("%w: %s: %w", ErrStorage, snap.Ref.ID, ErrCorrupted)) {
					return
				}
				continue
			}
			info := EntryInfo{
				Key:         snap.Ref.ID,
				URL:         doc.URL,
				ContentType: doc.ContentType,
				FetchedAt:   doc.FetchedAt,
				SizeBytes:   doc.SizeBytes,
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

// Clear deletes every document in the collection with a BulkWriter.
func (s *FirestoreStore) Clear(ctx context.Context) error {
	refs := s.client.Collection(s.collectionName).Select().Documents(ctx)
	defer refs.Stop()

	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		snap, err := refs.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return firestoreError("clear", err)
		}
		job, err := bw.Delete(snap.Ref)
		if err != nil {
			bw.End()
			return firestoreError("clear", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.logger.Error().Int("failed", len(errs)).Int("requested", len(jobs)).Msg("Firestore clear left documents behind.")
		return firestoreError("clear", errors.Join(errs...))
	}
	s.logger.Info().Int("deleted", len(jobs)).Msg("Cleared Firestore collection.")
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStore) Close() error {
	s.logger.Info().Msg("FirestoreStore does not close the injected Firestore client.")
	return nil
}

func firestoreError(op string, err error) error {
	if status.Code(err) == codes.ResourceExhausted {
		return fmt.Errorf("%w: %w: firestore %s: %w", ErrStorage, ErrStorageFull, op, err)
	}
	return fmt.Errorf("%w: firestore %s: %w", ErrStorage, op, err)
}
