package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/illmade-knight/go-imagecache/pkg/cache"
	"github.com/illmade-knight/go-imagecache/pkg/imagecache"
	"github.com/illmade-knight/go-imagecache/pkg/imagefetch"
	"github.com/illmade-knight/go-imagecache/pkg/invalidation"
	"github.com/illmade-knight/go-imagecache/pkg/microservice"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory    = "memory"
	BackendFile      = "file"
	BackendSQLite    = "sqlite"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendGCS       = "gcs"
)

// Environment variables that override the config file.
const (
	EnvLogLevel                 = "IMAGECACHE_LOG_LEVEL"
	EnvLogFormat                = "IMAGECACHE_LOG_FORMAT"
	EnvHTTPPort                 = "IMAGECACHE_HTTP_PORT"
	EnvProjectID                = "IMAGECACHE_PROJECT_ID"
	EnvCredentialsFile          = "GOOGLE_APPLICATION_CREDENTIALS"
	EnvStoreBackend             = "IMAGECACHE_STORE_BACKEND"
	EnvStorePath                = "IMAGECACHE_STORE_PATH"
	EnvRedisAddr                = "IMAGECACHE_REDIS_ADDR"
	EnvRedisPassword            = "IMAGECACHE_REDIS_PASSWORD"
	EnvFirestoreCollection      = "IMAGECACHE_FIRESTORE_COLLECTION"
	EnvGCSBucket                = "IMAGECACHE_GCS_BUCKET"
	EnvMaxBytes                 = "IMAGECACHE_MAX_BYTES"
	EnvMaxEntries               = "IMAGECACHE_MAX_ENTRIES"
	EnvInvalidationSubscription = "IMAGECACHE_INVALIDATION_SUBSCRIPTION"
)

const (
	defaultHTTPPort            = "127.0.0.1:8089"
	defaultStorePath           = "imagecache"
	defaultCollection          = "image-cache"
	defaultRedisPrefix         = "imagecache"
	defaultMaintenanceInterval = time.Hour
	defaultUserAgent           = "imagecached"
)

// Config is the imagecached configuration. Durations use Go syntax and byte
// sizes accept human strings such as "256MiB". An empty value selects the
// default; "0" disables a bound.
type Config struct {
	microservice.BaseConfig `yaml:",inline"`

	Cache        CacheConfig         `yaml:"cache" toml:"cache"`
	Store        StoreConfig         `yaml:"store" toml:"store"`
	Fetch        FetchConfig         `yaml:"fetch" toml:"fetch"`
	Invalidation invalidation.Config `yaml:"invalidation" toml:"invalidation"`

	// MaintenanceInterval is how often eviction runs. "0" runs it only at startup.
	MaintenanceInterval string `yaml:"maintenance_interval" toml:"maintenance_interval"`
}

// CacheConfig is the eviction policy.
type CacheConfig struct {
	StaleAfter          string `yaml:"stale_after" toml:"stale_after"`
	MaxAge              string `yaml:"max_age" toml:"max_age"`
	MaxEntries          *int   `yaml:"max_entries" toml:"max_entries"`
	MaxBytes            string `yaml:"max_bytes" toml:"max_bytes"`
	FetchTimeout        string `yaml:"fetch_timeout" toml:"fetch_timeout"`
	WriteTimeout        string `yaml:"write_timeout" toml:"write_timeout"`
	EvictionParallelism int    `yaml:"eviction_parallelism" toml:"eviction_parallelism"`
}

// StoreConfig selects and configures the persistent store.
type StoreConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	// Path is the cache directory for "file" and the database file for "sqlite".
	Path string `yaml:"path" toml:"path"`
	// MemoryMaxBytes is the quota of the "memory" backend.
	MemoryMaxBytes string `yaml:"memory_max_bytes" toml:"memory_max_bytes"`

	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" toml:"redis_prefix"`
	RedisTTL      string `yaml:"redis_ttl" toml:"redis_ttl"`

	FirestoreCollection string `yaml:"firestore_collection" toml:"firestore_collection"`

	GCSBucket string `yaml:"gcs_bucket" toml:"gcs_bucket"`
	GCSPrefix string `yaml:"gcs_prefix" toml:"gcs_prefix"`
}

// FetchConfig configures the network fetcher.
type FetchConfig struct {
	Timeout   string `yaml:"timeout" toml:"timeout"`
	MaxBytes  string `yaml:"max_bytes" toml:"max_bytes"`
	UserAgent string `yaml:"user_agent" toml:"user_agent"`
}

// LoadConfig reads path, when given, then applies environment overrides and
// defaults. The file format follows the extension: .yaml, .yml or .toml.
func LoadConfig(path string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		case ".toml":
			err = toml.Unmarshal(data, cfg)
		default:
			return nil, fmt.Errorf("%s: unsupported config format %q", path, ext)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.LogLevel, EnvLogLevel)
	set(&c.LogFormat, EnvLogFormat)
	set(&c.HTTPPort, EnvHTTPPort)
	set(&c.ProjectID, EnvProjectID)
	set(&c.CredentialsFile, EnvCredentialsFile)
	set(&c.Store.Backend, EnvStoreBackend)
	set(&c.Store.Path, EnvStorePath)
	set(&c.Store.RedisAddr, EnvRedisAddr)
	set(&c.Store.RedisPassword, EnvRedisPassword)
	set(&c.Store.FirestoreCollection, EnvFirestoreCollection)
	set(&c.Store.GCSBucket, EnvGCSBucket)
	set(&c.Cache.MaxBytes, EnvMaxBytes)
	set(&c.Invalidation.SubscriptionID, EnvInvalidationSubscription)
	if v := getenv(EnvMaxEntries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxEntries, err)
		}
		c.Cache.MaxEntries = &n
	}
	return nil
}

// SetDefaults fills in every unset field that has a default.
func (c *Config) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "imagecached"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPPort == "" {
		c.HTTPPort = defaultHTTPPort
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendFile
	}
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
		if c.Store.Backend == BackendSQLite {
			c.Store.Path = defaultStorePath + ".db"
		}
	}
	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = defaultRedisPrefix
	}
	if c.Store.FirestoreCollection == "" {
		c.Store.FirestoreCollection = defaultCollection
	}
	if c.Invalidation.ProjectID == "" {
		c.Invalidation.ProjectID = c.ProjectID
	}
	if c.Invalidation.MaxOutstandingMessages == 0 {
		c.Invalidation.MaxOutstandingMessages = invalidation.NewConfigDefaults("").MaxOutstandingMessages
	}
	if c.Invalidation.NumGoroutines == 0 {
		c.Invalidation.NumGoroutines = invalidation.NewConfigDefaults("").NumGoroutines
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = defaultUserAgent
	}
}

// Validate checks the backend requirements and that every value parses.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendFile, BackendSQLite:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis backend")
		}
	case BackendFirestore:
		if c.ProjectID == "" {
			return errors.New("project_id is required for the firestore backend")
		}
	case BackendGCS:
		if c.Store.GCSBucket == "" {
			return errors.New("store.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Invalidation.SubscriptionID != "" && c.Invalidation.ProjectID == "" {
		return errors.New("project_id is required for the invalidation listener")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := c.FetcherConfig(); err != nil {
		return err
	}
	if _, err := c.Interval(); err != nil {
		return err
	}
	if _, err := parseBytes("store.memory_max_bytes", c.Store.MemoryMaxBytes, 0); err != nil {
		return err
	}
	if _, err := parseDuration("store.redis_ttl", c.Store.RedisTTL, 0); err != nil {
		return err
	}
	return nil
}

// Policy converts the cache section into a manager Config.
func (c *Config) Policy() (imagecache.Config, error) {
	def := imagecache.DefaultConfig()
	var policy imagecache.Config
	var err error
	if policy.StaleAfter, err = parseDuration("cache.stale_after", c.Cache.StaleAfter, def.StaleAfter); err != nil {
		return policy, err
	}
	if policy.MaxAge, err = parseDuration("cache.max_age", c.Cache.MaxAge, def.MaxAge); err != nil {
		return policy, err
	}
	if policy.FetchTimeout, err = parseDuration("cache.fetch_timeout", c.Cache.FetchTimeout, def.FetchTimeout); err != nil {
		return policy, err
	}
	if policy.WriteTimeout, err = parseDuration("cache.write_timeout", c.Cache.WriteTimeout, def.WriteTimeout); err != nil {
		return policy, err
	}
	if policy.MaxBytes, err = parseBytes("cache.max_bytes", c.Cache.MaxBytes, def.MaxBytes); err != nil {
		return policy, err
	}
	policy.MaxEntries = def.MaxEntries
	if c.Cache.MaxEntries != nil {
		policy.MaxEntries = *c.Cache.MaxEntries
	}
	policy.EvictionParallelism = c.Cache.EvictionParallelism
	policy.SetDefaults()
	if err := policy.Validate(); err != nil {
		return policy, fmt.Errorf("cache: %w", err)
	}
	return policy, nil
}

// FetcherConfig converts the fetch section into an HTTP fetcher config.
func (c *Config) FetcherConfig() (imagefetch.HTTPConfig, error) {
	timeout, err := parseDuration("fetch.timeout", c.Fetch.Timeout, 0)
	if err != nil {
		return imagefetch.HTTPConfig{}, err
	}
	maxBytes, err := parseBytes("fetch.max_bytes", c.Fetch.MaxBytes, 0)
	if err != nil {
		return imagefetch.HTTPConfig{}, err
	}
	return imagefetch.HTTPConfig{Timeout: timeout, MaxBytes: maxBytes, UserAgent: c.Fetch.UserAgent}, nil
}

// Interval returns the periodic maintenance interval. Zero disables it.
func (c *Config) Interval() (time.Duration, error) {
	return parseDuration("maintenance_interval", c.MaintenanceInterval, defaultMaintenanceInterval)
}

// RedisConfig converts the store section into a Redis store config.
func (c *Config) RedisConfig() *cache.RedisConfig {
	ttl, _ := parseDuration("store.redis_ttl", c.Store.RedisTTL, 0)
	return &cache.RedisConfig{
		Addr:      c.Store.RedisAddr,
		Password:  c.Store.RedisPassword,
		DB:        c.Store.RedisDB,
		KeyPrefix: c.Store.RedisPrefix,
		CacheTTL:  ttl,
	}
}

func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

func parseBytes(field, s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return int64(n), nil
}
