package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisFieldURL         = "url"
	redisFieldContentType = "content_type"
	redisFieldFetchedAt   = "fetched_at"
	redisFieldSize        = "size_bytes"
	redisFieldPayload     = "payload"

	redisScanCount = 256
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces the hashes written by this store.
	KeyPrefix string
	// CacheTTL, when positive, lets Redis expire entries on its own in
	// addition to the manager's eviction policy.
	CacheTTL time.Duration
}

// RedisStore keeps each entry in its own Redis hash.
type RedisStore struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	prefix      string
	ttl         time.Duration
}

// NewRedisStore creates and connects a new RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "imagecache"
	}
	return &RedisStore{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
		prefix:      prefix,
		ttl:         cfg.CacheTTL,
	}, nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + ":" + key
}

// Get reads the hash for key.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	fields, err := s.redisClient.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return nil, redisError("hgetall "+key, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("key '%s': %w", key, ErrNotFound)
	}
	info, err := parseRedisInfo(key, fields[redisFieldURL], fields[redisFieldContentType], fields[redisFieldFetchedAt], fields[redisFieldSize])
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Corrupted entry hash.")
		return nil, err
	}
	payload := []byte(fields[redisFieldPayload])
	if int64(len(payload)) != info.SizeBytes {
		return nil, fmt.Errorf("%w: key '%s': payload size mismatch: %w", ErrStorage, key, ErrCorrupted)
	}
	return &Entry{
		Key:         key,
		URL:         info.URL,
		Payload:     payload,
		ContentType: info.ContentType,
		FetchedAt:   info.FetchedAt,
		SizeBytes:   info.SizeBytes,
	}, nil
}

// Put replaces the hash for key in a single MULTI/EXEC transaction.
func (s *RedisStore) Put(ctx context.Context, key string, entry *Entry) error {
	if err := validatePut(key, entry); err != nil {
		return err
	}
	entry = normalizeEntry(key, entry)
	rk := s.redisKey(key)

	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rk)
		pipe.HSet(ctx, rk,
			redisFieldURL, entry.URL,
			redisFieldContentType, entry.ContentType,
			redisFieldFetchedAt, entry.FetchedAt.UTC().Format(time.RFC3339Nano),
			redisFieldSize, strconv.FormatInt(entry.SizeBytes, 10),
			redisFieldPayload, entry.Payload,
		)
		if s.ttl > 0 {
			pipe.Expire(ctx, rk, s.ttl)
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to set entry in Redis.")
		return redisError("put "+key, err)
	}
	s.logger.Debug().Str("key", key).Msg("Successfully stored entry in Redis.")
	return nil
}

// Remove deletes the hash for key.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.redisClient.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return redisError("del "+key, err)
	}
	return nil
}

// List scans the store's namespace and fetches only the metadata fields.
func (s *RedisStore) List(ctx context.Context) iter.Seq2[EntryInfo, error] {
	return func(yield func(EntryInfo, error) bool) {
		it := s.redisClient.Scan(ctx, 0, s.prefix+":*", redisScanCount).Iterator()
		for it.Next(ctx) {
			rk := it.Val()
			key := strings.TrimPrefix(rk, s.prefix+":")
			vals, err := s.redisClient.HMGet(ctx, rk,
				redisFieldURL, redisFieldContentType, redisFieldFetchedAt, redisFieldSize).Result()
			if err != nil {
				if !yield(EntryInfo{}, redisError("hmget "+key, err)) {
					return
				}
				continue
			}
			if vals[0] == nil {
				continue // expired or removed since the scan
			}
			info, err := parseRedisInfo(key, asString(vals[0]), asString(vals[1]), asString(vals[2]), asString(vals[3]))
			if !yield(info, err) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(EntryInfo{}, redisError("scan", err))
		}
	}
}

// Clear deletes every hash in the store's namespace.
func (s *RedisStore) Clear(ctx context.Context) error {
	it := s.redisClient.Scan(ctx, 0, s.prefix+":*", redisScanCount).Iterator()
	batch := make([]string, 0, redisScanCount)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.redisClient.Del(ctx, batch...).Err()
		batch = batch[:0]
		return err
	}
	for it.Next(ctx) {
		batch = append(batch, it.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return redisError("clear", err)
			}
		}
	}
	if err := it.Err(); err != nil {
		return redisError("clear scan", err)
	}
	if err := flush(); err != nil {
		return redisError("clear", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}

func parseRedisInfo(key, url, contentType, fetchedAt, size string) (EntryInfo, error) {
	ts, err := time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil {
		return EntryInfo{}, fmt.Errorf("%w: key '%s': bad fetched_at: %w", ErrStorage, key, ErrCorrupted)
	}
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return EntryInfo{}, fmt.Errorf("%w: key '%s': bad size_bytes: %w", ErrStorage, key, ErrCorrupted)
	}
	return EntryInfo{Key: key, URL: url, ContentType: contentType, FetchedAt: ts, SizeBytes: n}, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func redisError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if strings.HasPrefix(err.Error(), "OOM") {
		return fmt.Errorf("%w: %w: redis %s: %w", ErrStorage, ErrStorageFull, op, err)
	}
	return fmt.Errorf("%w: redis %s: %w", ErrStorage, op, err)
}
