// Command imagecached runs the image cache as a local HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-imagecache/pkg/cache"
	"github.com/illmade-knight/go-imagecache/pkg/imagecache"
	"github.com/illmade-knight/go-imagecache/pkg/imagefetch"
	"github.com/illmade-knight/go-imagecache/pkg/invalidation"
	"github.com/illmade-knight/go-imagecache/pkg/microservice"
	"github.com/jmgilman/go/fs/billy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("IMAGECACHE_CONFIG"), "path to a YAML or TOML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath, os.Getenv)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("imagecached exited with error")
	}
}

// newLogger builds the process logger. LogFormat "console" writes human
// readable lines; anything else writes JSON.
func newLogger(cfg *Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("service", cfg.ServiceName).Logger()
}

func run(ctx context.Context, cfg *Config, logger zerolog.Logger) error {
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	fetchCfg, err := cfg.FetcherConfig()
	if err != nil {
		return err
	}
	interval, err := cfg.Interval()
	if err != nil {
		return err
	}

	clients := &clientSet{}
	defer clients.Close(logger)

	open, hooks := newOpener(cfg, clients, logger)
	initializer := imagecache.NewInitializer(open, logger)
	fetcher := imagefetch.NewHTTPFetcher(fetchCfg, &http.Client{}, logger)
	manager, err := imagecache.NewManager(policy, initializer, fetcher, logger)
	if err != nil {
		return err
	}
	// The store comes up in the background; until then images are fetched
	// directly and not cached.
	manager.StartWarm(ctx, hooks...)

	service, err := microservice.NewImageService(manager, cfg.HTTPPort, logger)
	if err != nil {
		return err
	}
	if err := service.Start(ctx); err != nil {
		return err
	}

	var listener *invalidation.Listener
	if cfg.Invalidation.SubscriptionID != "" {
		listener, err = startListener(ctx, cfg, manager, clients, logger)
		if err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	if interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runMaintenance(ctx, manager, interval, logger)
		}()
	}

	logger.Info().
		Str("backend", cfg.Store.Backend).
		Str("address", service.GetHTTPPort()).
		Dur("maintenance_interval", interval).
		Msg("imagecached started.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if listener != nil {
		errs = append(errs, listener.Stop(shutdownCtx))
	}
	errs = append(errs, service.Shutdown(shutdownCtx))
	wg.Wait()
	errs = append(errs, initializer.Close())
	return errors.Join(errs...)
}

// runMaintenance runs an eviction pass every interval until ctx ends.
func runMaintenance(ctx context.Context, manager *imagecache.Manager, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := manager.Maintain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("Periodic maintenance failed.")
			}
		}
	}
}

func startListener(ctx context.Context, cfg *Config, manager *imagecache.Manager, clients *clientSet, logger zerolog.Logger) (*invalidation.Listener, error) {
	client, err := pubsub.NewClient(ctx, cfg.Invalidation.ProjectID, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	clients.add(client.Close)

	listener, err := invalidation.NewListener(&cfg.Invalidation, client, manager, logger)
	if err != nil {
		return nil, err
	}
	if err := listener.Start(ctx); err != nil {
		return nil, err
	}
	return listener, nil
}

// newOpener returns the store opener for the configured backend, plus any
// hooks the backend needs before the store is marked ready.
func newOpener(cfg *Config, clients *clientSet, logger zerolog.Logger) (imagecache.Opener, []imagecache.Hook) {
	switch cfg.Store.Backend {
	case BackendMemory:
		return func(context.Context) (cache.Store, error) {
			quota, err := parseBytes("store.memory_max_bytes", cfg.Store.MemoryMaxBytes, 0)
			if err != nil {
				return nil, err
			}
			return cache.NewInMemoryStore(quota), nil
		}, nil

	case BackendFile:
		var fileStore *cache.FileStore
		open := func(context.Context) (cache.Store, error) {
			s, err := cache.NewFileStore(billy.NewLocal(), cfg.Store.Path, logger)
			if err != nil {
				return nil, err
			}
			fileStore = s
			return s, nil
		}
		cleanup := func(ctx context.Context, _ cache.Store) error {
			if err := fileStore.CleanupTemp(ctx); err != nil {
				logger.Warn().Err(err).Msg("Failed to remove leftover temporary files.")
			}
			return nil
		}
		return open, []imagecache.Hook{cleanup}

	case BackendSQLite:
		return func(ctx context.Context) (cache.Store, error) {
			return cache.NewSQLiteStore(ctx, &cache.SQLiteConfig{Path: cfg.Store.Path}, logger)
		}, nil

	case BackendRedis:
		return func(ctx context.Context) (cache.Store, error) {
			return cache.NewRedisStore(ctx, cfg.RedisConfig(), logger)
		}, nil

	case BackendFirestore:
		return func(ctx context.Context) (cache.Store, error) {
			client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOptions(cfg)...)
			if err != nil {
				return nil, fmt.Errorf("failed to create firestore client: %w", err)
			}
			clients.add(client.Close)
			return cache.NewFirestoreStore(&cache.FirestoreConfig{
				ProjectID:      cfg.ProjectID,
				CollectionName: cfg.Store.FirestoreCollection,
			}, client, logger)
		}, nil

	case BackendGCS:
		return func(ctx context.Context) (cache.Store, error) {
			client, err := storage.NewClient(ctx, clientOptions(cfg)...)
			if err != nil {
				return nil, fmt.Errorf("failed to create storage client: %w", err)
			}
			clients.add(client.Close)
			return cache.NewGCSStore(cache.NewGCSClientAdapter(client), cache.GCSStoreConfig{
				BucketName:   cfg.Store.GCSBucket,
				ObjectPrefix: cfg.Store.GCSPrefix,
			}, logger)
		}, nil
	}
	// Validate rejects unknown backends before we get here.
	return func(context.Context) (cache.Store, error) {
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}, nil
}

func clientOptions(cfg *Config) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

// clientSet closes the cloud clients opened by the process.
type clientSet struct {
	mu     sync.Mutex
	closes []func() error
}

func (c *clientSet) add(closeFn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, closeFn)
}

func (c *clientSet) Close(logger zerolog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, closeFn := range c.closes {
		if err := closeFn(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close client.")
		}
	}
	c.closes = nil
}
