package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
)

const (
	gcsMetaKey       = "cache-key"
	gcsMetaURL       = "source-url"
	gcsMetaFetchedAt = "fetched-at"
	gcsMetaChecksum  = "sha256"

	gcsClearParallelism = 8
)

// GCSStoreConfig holds configuration specific to the GCS store.
type GCSStoreConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSStore keeps each entry as one object. Entry metadata lives in the
// object's attributes so listing never downloads payloads.
type GCSStore struct {
	client GCSClient
	config GCSStoreConfig
	logger zerolog.Logger
}

// NewGCSStore creates a new store backed by Google Cloud Storage.
func NewGCSStore(gcsClient GCSClient, config GCSStoreConfig, logger zerolog.Logger) (*GCSStore, error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSStore{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "GCSStore").Logger(),
	}, nil
}

func (s *GCSStore) objectName(key string) string {
	return path.Join(s.config.ObjectPrefix, key)
}

func (s *GCSStore) bucket() GCSBucketHandle {
	return s.client.Bucket(s.config.BucketName)
}

// Get reads the object for key, pinned to the generation whose attributes were read.
func (s *GCSStore) Get(ctx context.Context, key string) (*Entry, error) {
	obj := s.bucket().Object(s.objectName(key))
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("key '%s': %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: gcs attrs %s: %w", ErrStorage, key, err)
	}
	info, checksum, err := gcsInfo(key, attrs)
	if err != nil {
		return nil, err
	}

	r, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("key '%s': %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: gcs read %s: %w", ErrStorage, key, err)
	}
	defer func() { _ = r.Close() }()

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: gcs read %s: %w", ErrStorage, key, err)
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != checksum {
		s.logger.Warn().Str("key", key).Msg("Checksum mismatch on GCS object.")
		return nil, fmt.Errorf("%w: key '%s': %w", ErrStorage, key, ErrCorrupted)
	}
	return &Entry{
		Key:         key,
		URL:         info.URL,
		Payload:     payload,
		ContentType: info.ContentType,
		FetchedAt:   info.FetchedAt,
		SizeBytes:   int64(len(payload)),
	}, nil
}

// Put uploads the payload; GCS publishes the new generation atomically on Close.
func (s *GCSStore) Put(ctx context.Context, key string, entry *Entry) error {
	if err := validatePut(key, entry); err != nil {
		return err
	}
	entry = normalizeEntry(key, entry)
	name := s.objectName(key)
	sum := sha256.Sum256(entry.Payload)

	w := s.bucket().Object(name).NewWriter(ctx)
	w.SetAttrs(entry.ContentType, map[string]string{
		gcsMetaKey:       key,
		gcsMetaURL:       entry.URL,
		gcsMetaFetchedAt: strconv.FormatInt(entry.FetchedAt.UnixNano(), 10),
		gcsMetaChecksum:  hex.EncodeToString(sum[:]),
	})
	_, writeErr := w.Write(entry.Payload)
	closeErr := w.Close()
	if writeErr != nil {
		return fmt.Errorf("%w: gcs write %s: %w", ErrStorage, name, writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: gcs finalize %s: %w", ErrStorage, name, closeErr)
	}
	s.logger.Debug().Str("object_name", name).Int64("bytes_written", entry.SizeBytes).Msg("Uploaded entry to GCS.")
	return nil
}

// Remove deletes the object for key.
func (s *GCSStore) Remove(ctx context.Context, key string) error {
	err := s.bucket().Object(s.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: gcs delete %s: %w", ErrStorage, key, err)
	}
	return nil
}

// List iterates object attributes under the configured prefix.
func (s *GCSStore) List(ctx context.Context) iter.Seq2[EntryInfo, error] {
	return func(yield func(EntryInfo, error) bool) {
		it := s.bucket().Objects(ctx, s.query())
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(EntryInfo{}, fmt.Errorf("%w: gcs list: %w", ErrStorage, err))
				return
			}
			key := attrs.Metadata[gcsMetaKey]
			if key == "" {
				continue // not written by this store
			}
			info, _, err := gcsInfo(key, attrs)
			if !yield(info, err) {
				return
			}
		}
	}
}

// Clear deletes every cache object under the prefix, several at a time.
// Objects this store did not write are left alone.
func (s *GCSStore) Clear(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(gcsClearParallelism)

	it := s.bucket().Objects(gctx, s.query())
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			_ = g.Wait()
			return fmt.Errorf("%w: gcs list: %w", ErrStorage, err)
		}
		if attrs.Metadata[gcsMetaKey] == "" {
			continue
		}
		name := attrs.Name
		g.Go(func() error {
			err := s.bucket().Object(name).Delete(gctx)
			if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
				return fmt.Errorf("%w: gcs delete %s: %w", ErrStorage, name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close is a no-op; the storage client is owned by the caller.
func (s *GCSStore) Close() error {
	return nil
}

func (s *GCSStore) query() *storage.Query {
	prefix := s.config.ObjectPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &storage.Query{Prefix: prefix}
}

func gcsInfo(key string, attrs *storage.ObjectAttrs) (EntryInfo, string, error) {
	nanos, err := strconv.ParseInt(attrs.Metadata[gcsMetaFetchedAt], 10, 64)
	if err != nil {
		return EntryInfo{}, "", fmt.Errorf("%w: key '%s': bad fetched-at: %w", ErrStorage, key, ErrCorrupted)
	}
	return EntryInfo{
		Key:         key,
		URL:         attrs.Metadata[gcsMetaURL],
		ContentType: attrs.ContentType,
		FetchedAt:   time.Unix(0, nanos).UTC(),
		SizeBytes:   attrs.Size,
	}, attrs.Metadata[gcsMetaChecksum], nil
}
