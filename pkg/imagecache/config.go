package imagecache

import (
	"fmt"
	"time"
)

const (
	DefaultStaleAfter   = 7 * 24 * time.Hour
	DefaultMaxAge       = 30 * 24 * time.Hour
	DefaultMaxEntries   = 500
	DefaultMaxBytes     = 256 << 20
	DefaultFetchTimeout = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	defaultEvictionParallelism = 4
	// recency is remembered for this many keys per allowed entry; older keys
	// fall back to ordering by FetchedAt.
	recencyHeadroom  = 4
	unboundedRecency = 10000
)

// Config is the eviction and timing policy of a Manager. A zero bound
// disables that bound.
type Config struct {
	// StaleAfter is the age after which a hit is refetched. A stale entry is
	// still served if the refetch fails.
	StaleAfter time.Duration
	// MaxAge is the age after which maintenance removes an entry.
	MaxAge time.Duration
	// MaxEntries caps the number of stored entries after maintenance.
	MaxEntries int
	// MaxBytes caps the total stored payload size after maintenance.
	MaxBytes int64

	// FetchTimeout bounds one shared network fetch.
	FetchTimeout time.Duration
	// WriteTimeout bounds the write-back of a fetched image.
	WriteTimeout time.Duration
	// EvictionParallelism is the number of concurrent removals in maintenance.
	EvictionParallelism int
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		StaleAfter:          DefaultStaleAfter,
		MaxAge:              DefaultMaxAge,
		MaxEntries:          DefaultMaxEntries,
		MaxBytes:            DefaultMaxBytes,
		FetchTimeout:        DefaultFetchTimeout,
		WriteTimeout:        DefaultWriteTimeout,
		EvictionParallelism: defaultEvictionParallelism,
	}
}

// Validate checks that no bound is negative.
func (c *Config) Validate() error {
	if c.StaleAfter < 0 {
		return fmt.Errorf("stale after must not be negative")
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("max age must not be negative")
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("max entries must not be negative")
	}
	if c.MaxBytes < 0 {
		return fmt.Errorf("max bytes must not be negative")
	}
	if c.FetchTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// SetDefaults fills in the operational settings. Eviction bounds are left
// alone because zero is meaningful for them.
func (c *Config) SetDefaults() {
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.EvictionParallelism <= 0 {
		c.EvictionParallelism = defaultEvictionParallelism
	}
}

func (c *Config) recencyLimit() int {
	if c.MaxEntries > 0 {
		return c.MaxEntries * recencyHeadroom
	}
	return unboundedRecency
}
