package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteDriver = "sqlite"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS image_cache (
	key          TEXT PRIMARY KEY,
	url          TEXT NOT NULL,
	content_type TEXT NOT NULL,
	fetched_at   INTEGER NOT NULL,
	size_bytes   INTEGER NOT NULL,
	payload      BLOB NOT NULL
)`

// SQLiteConfig holds the configuration for the embedded SQLite store.
type SQLiteConfig struct {
	// Path is the database file. It is created if missing.
	Path string
	// BusyTimeout bounds how long a statement waits on a locked database.
	BusyTimeout time.Duration
}

// SQLiteStore keeps entries in a single table of an embedded SQLite database.
// Each Put is a single upsert statement, which SQLite applies atomically.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at cfg.Path and ensures the schema.
func NewSQLiteStore(ctx context.Context, cfg *SQLiteConfig, logger zerolog.Logger) (*SQLiteStore, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, busy.Milliseconds())

	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create image_cache table: %w", err)
	}

	logger.Info().Str("path", cfg.Path).Msg("SQLiteStore initialized.")
	return &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "SQLiteStore").Logger(),
	}, nil
}

// Get loads the row for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		entry     Entry
		fetchedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, url, content_type, fetched_at, size_bytes, payload FROM image_cache WHERE key = ?`, key,
	).Scan(&entry.Key, &entry.URL, &entry.ContentType, &fetchedAt, &entry.SizeBytes, &entry.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("key '%s': %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, sqliteError("get "+key, err)
	}
	entry.FetchedAt = time.Unix(0, fetchedAt).UTC()
	return &entry, nil
}

// Put upserts the row for key.
func (s *SQLiteStore) Put(ctx context.Context, key string, entry *Entry) error {
	if err := validatePut(key, entry); err != nil {
		return err
	}
	entry = normalizeEntry(key, entry)
	payload := entry.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO image_cache (key, url, content_type, fetched_at, size_bytes, payload)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	url = excluded.url,
	content_type = excluded.content_type,
	fetched_at = excluded.fetched_at,
	size_bytes = excluded.size_bytes,
	payload = excluded.payload`,
		key, entry.URL, entry.ContentType, entry.FetchedAt.UnixNano(), entry.SizeBytes, payload)
	if err != nil {
		return sqliteError("put "+key, err)
	}
	s.logger.Debug().Str("key", key).Int64("size_bytes", entry.SizeBytes).Msg("Stored entry.")
	return nil
}

// Remove deletes the row for key.
func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM image_cache WHERE key = ?`, key); err != nil {
		return sqliteError("remove "+key, err)
	}
	return nil
}

// List streams the metadata columns; the payload column is never selected.
func (s *SQLiteStore) List(ctx context.Context) iter.Seq2[EntryInfo, error] {
	return func(yield func(EntryInfo, error) bool) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT key, url, content_type, fetched_at, size_bytes FROM image_cache ORDER BY key`)
		if err != nil {
			yield(EntryInfo{}, sqliteError("list", err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				info      EntryInfo
				fetchedAt int64
			)
			if err := rows.Scan(&info.Key, &info.URL, &info.ContentType, &fetchedAt, &info.SizeBytes); err != nil {
				yield(EntryInfo{}, sqliteError("scan", err))
				return
			}
			info.FetchedAt = time.Unix(0, fetchedAt).UTC()
			if !yield(info, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(EntryInfo{}, sqliteError("list", err))
		}
	}
}

// Clear deletes every row.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM image_cache`); err != nil {
		return sqliteError("clear", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	s.logger.Info().Msg("Closing SQLite database...")
	return s.db.Close()
}

func sqliteError(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_FULL {
		return fmt.Errorf("%w: %w: sqlite %s: %w", ErrStorage, ErrStorageFull, op, err)
	}
	return fmt.Errorf("%w: sqlite %s: %w", ErrStorage, op, err)
}
