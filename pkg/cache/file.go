package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"path"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/jmgilman/go/fs/core"
	"github.com/rs/zerolog"
)

const (
	fileDirPerm   = 0o750
	fileExtension = ".img"
	tempDirName   = ".temp"
)

// fileHeader is the first line of every entry file. The payload follows it.
type fileHeader struct {
	EntryInfo
	Checksum string `json:"sha256"`
}

// FileStore persists entries as files on a core.FS. Each entry is a single file
// holding a JSON header line followed by the raw payload. Writes go to a
// temporary file that is renamed into place, so readers never see a partial
// entry.
type FileStore struct {
	fs      core.FS
	root    string
	tempDir string
	logger  zerolog.Logger

	// mu serialises structural changes; filesystem providers are not required
	// to be safe for concurrent mutation.
	mu sync.RWMutex
}

// NewFileStore creates a FileStore rooted at root on the given filesystem,
// creating the directory layout if needed.
func NewFileStore(fsys core.FS, root string, logger zerolog.Logger) (*FileStore, error) {
	if fsys == nil {
		return nil, errors.New("filesystem cannot be nil")
	}
	if root == "" {
		return nil, errors.New("root path cannot be empty")
	}
	s := &FileStore{
		fs:      fsys,
		root:    path.Clean(root),
		tempDir: path.Join(path.Clean(root), tempDirName),
		logger:  logger.With().Str("component", "FileStore").Logger(),
	}
	if err := s.ensureLayout(); err != nil {
		return nil, err
	}
	s.logger.Info().Str("root", s.root).Str("fs_type", fsys.Type().String()).Msg("FileStore initialized.")
	return s, nil
}

func (s *FileStore) ensureLayout() error {
	if err := s.fs.MkdirAll(s.root, fileDirPerm); err != nil {
		return storageError("create root directory", err)
	}
	if err := s.fs.MkdirAll(s.tempDir, fileDirPerm); err != nil {
		return storageError("create temp directory", err)
	}
	return nil
}

// keyPath fans entries out over two-character subdirectories.
func (s *FileStore) keyPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\.`) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	if len(key) < 2 {
		return path.Join(s.root, key+fileExtension), nil
	}
	return path.Join(s.root, key[:2], key+fileExtension), nil
}

// Get reads and verifies the entry stored under key.
func (s *FileStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, err := s.fs.ReadFile(p)
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("key '%s': %w", key, ErrNotFound)
		}
		return nil, storageError("read entry "+key, err)
	}

	header, payload, err := decodeEntryFile(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Corrupted entry file.")
		return nil, fmt.Errorf("%w: key '%s': %w", ErrStorage, key, err)
	}
	return &Entry{
		Key:         key,
		URL:         header.URL,
		Payload:     payload,
		ContentType: header.ContentType,
		FetchedAt:   header.FetchedAt,
		SizeBytes:   int64(len(payload)),
	}, nil
}

// Put writes entry to a temporary file and renames it over the key's path.
func (s *FileStore) Put(ctx context.Context, key string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePut(key, entry); err != nil {
		return err
	}
	finalPath, err := s.keyPath(key)
	if err != nil {
		return err
	}
	entry = normalizeEntry(key, entry)

	sum := sha256.Sum256(entry.Payload)
	headerBytes, err := json.Marshal(fileHeader{EntryInfo: entry.Info(), Checksum: hex.EncodeToString(sum[:])})
	if err != nil {
		return fmt.Errorf("failed to marshal entry header: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(path.Dir(finalPath), fileDirPerm); err != nil {
		return storageError("create entry directory", err)
	}
	tempPath := path.Join(s.tempDir, uuid.New().String()+".tmp")
	if err := s.writeFile(tempPath, headerBytes, entry.Payload); err != nil {
		_ = s.fs.Remove(tempPath)
		return storageError("write temp file", err)
	}
	if err := s.fs.Rename(tempPath, finalPath); err != nil {
		_ = s.fs.Remove(tempPath)
		return storageError("rename temp file", err)
	}
	return nil
}

func (s *FileStore) writeFile(p string, header, payload []byte) error {
	f, err := s.fs.Create(p)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	_, _ = w.Write(header)
	_ = w.WriteByte('\n')
	_, _ = w.Write(payload)
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if syncer, ok := f.(core.Syncer); ok {
		if err := syncer.Sync(); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

// Remove deletes the file for key.
func (s *FileStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.keyPath(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageError("remove entry "+key, err)
	}
	return nil
}

// List walks the entry files and yields their headers. Only the header line of
// each file is read.
func (s *FileStore) List(ctx context.Context) iter.Seq2[EntryInfo, error] {
	return func(yield func(EntryInfo, error) bool) {
		var paths []string
		s.mu.RLock()
		err := s.fs.Walk(s.root, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				if p == s.tempDir {
					return fs.SkipDir
				}
				return nil
			}
			if strings.HasSuffix(p, fileExtension) {
				paths = append(paths, p)
			}
			return nil
		})
		s.mu.RUnlock()
		if err != nil {
			yield(EntryInfo{}, storageError("walk entries", err))
			return
		}

		for _, p := range paths {
			if err := ctx.Err(); err != nil {
				yield(EntryInfo{}, err)
				return
			}
			header, err := s.readHeader(p)
			if errors.Is(err, fs.ErrNotExist) {
				continue // removed since the walk
			}
			if err != nil {
				if !yield(EntryInfo{}, err) {
					return
				}
				continue
			}
			if !yield(header.EntryInfo, nil) {
				return
			}
		}
	}
}

func (s *FileStore) readHeader(p string) (*fileHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.fs.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, storageError("open entry", err)
	}
	defer func() { _ = f.Close() }()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStorage, p, ErrCorrupted)
	}
	var header fileHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStorage, p, ErrCorrupted)
	}
	return &header, nil
}

// Clear removes the whole directory tree and recreates an empty layout.
func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.RemoveAll(s.root); err != nil {
		return storageError("clear root", err)
	}
	return s.ensureLayout()
}

// CleanupTemp removes temporary files left behind by interrupted writes.
func (s *FileStore) CleanupTemp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.RemoveAll(s.tempDir); err != nil {
		return storageError("clean temp directory", err)
	}
	return s.ensureLayout()
}

// Close is a no-op; the filesystem lifecycle belongs to the caller.
func (s *FileStore) Close() error {
	return nil
}

func decodeEntryFile(data []byte) (*fileHeader, []byte, error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, nil, ErrCorrupted
	}
	var header fileHeader
	if err := json.Unmarshal(data[:idx], &header); err != nil {
		return nil, nil, ErrCorrupted
	}
	payload := data[idx+1:]
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != header.Checksum {
		return nil, nil, ErrCorrupted
	}
	return &header, payload, nil
}

// storageError wraps err as ErrStorage, and as ErrStorageFull when the medium
// reports that it is out of space.
func storageError(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %w: %s: %w", ErrStorage, ErrStorageFull, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
