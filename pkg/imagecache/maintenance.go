package imagecache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/illmade-knight/go-imagecache/pkg/cache"
	"golang.org/x/sync/errgroup"
)

// Report summarises one maintenance pass.
type Report struct {
	Scanned     int           `json:"scanned"`
	BytesBefore int64         `json:"bytes_before"`
	Expired     int           `json:"expired"`
	Evicted     int           `json:"evicted"`
	Skipped     int           `json:"skipped"`
	Unreadable  int           `json:"unreadable"`
	BytesAfter  int64         `json:"bytes_after"`
	Duration    time.Duration `json:"duration"`
}

type victim struct {
	info    cache.EntryInfo
	expired bool
}

// Maintain runs one eviction pass over the store: entries older than MaxAge
// are removed, then least recently used entries until MaxEntries and MaxBytes
// hold. A key with a fetch in flight, or written after the pass started, is
// skipped.
func (m *Manager) Maintain(ctx context.Context) (Report, error) {
	store, ok := m.init.Store()
	if !ok {
		return Report{}, fmt.Errorf("%w: store is not ready", ErrInit)
	}
	return m.maintain(ctx, store)
}

func (m *Manager) maintain(ctx context.Context, store cache.Store) (Report, error) {
	cycleStart := m.now()
	var report Report

	var live []cache.EntryInfo
	for info, err := range store.List(ctx) {
		if err != nil {
			if errors.Is(err, cache.ErrCorrupted) {
				report.Unreadable++
				continue
			}
			return report, fmt.Errorf("failed to list cache entries: %w", err)
		}
		report.Scanned++
		report.BytesBefore += info.SizeBytes
		live = append(live, info)
	}

	var victims []victim
	remaining := live[:0]
	for _, info := range live {
		if m.cfg.MaxAge > 0 && cycleStart.Sub(info.FetchedAt) > m.cfg.MaxAge {
			victims = append(victims, victim{info: info, expired: true})
			continue
		}
		remaining = append(remaining, info)
	}

	m.recency.leastRecentFirst(remaining)
	count, size := len(remaining), int64(0)
	for _, info := range remaining {
		size += info.SizeBytes
	}
	for _, info := range remaining {
		if !m.overCapacity(count, size) {
			break
		}
		victims = append(victims, victim{info: info})
		count--
		size -= info.SizeBytes
	}

	var expired, evicted, skipped atomic.Int64
	var freed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.EvictionParallelism)
	for _, v := range victims {
		g.Go(func() error {
			removed, err := m.removeIfIdle(gctx, store, v.info.Key, cycleStart)
			if err != nil {
				return err
			}
			switch {
			case !removed:
				skipped.Add(1)
			case v.expired:
				expired.Add(1)
				freed.Add(v.info.SizeBytes)
			default:
				evicted.Add(1)
				freed.Add(v.info.SizeBytes)
			}
			return nil
		})
	}
	err := g.Wait()

	report.Expired = int(expired.Load())
	report.Evicted = int(evicted.Load())
	report.Skipped = int(skipped.Load())
	report.BytesAfter = report.BytesBefore - freed.Load()
	report.Duration = m.now().Sub(cycleStart)
	m.stats.evictions.Add(expired.Load() + evicted.Load())

	if err != nil {
		m.stats.storageErrors.Add(1)
		return report, fmt.Errorf("maintenance pass failed: %w", err)
	}
	m.logger.Info().
		Int("scanned", report.Scanned).
		Int("expired", report.Expired).
		Int("evicted", report.Evicted).
		Int("skipped", report.Skipped).
		Str("size_before", humanize.IBytes(uint64(report.BytesBefore))).
		Str("size_after", humanize.IBytes(uint64(report.BytesAfter))).
		Msg("Cache maintenance complete.")
	return report, nil
}

func (m *Manager) overCapacity(count int, size int64) bool {
	return (m.cfg.MaxEntries > 0 && count > m.cfg.MaxEntries) ||
		(m.cfg.MaxBytes > 0 && size > m.cfg.MaxBytes)
}

// removeIfIdle removes key unless a writer owns it: a fetch is pending, or the
// key was written after the maintenance pass started.
func (m *Manager) removeIfIdle(ctx context.Context, store cache.Store, key string, cycleStart time.Time) (bool, error) {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	busy := m.pending[key] > 0 || m.writes[key].at.After(cycleStart)
	m.mu.Unlock()
	if busy {
		m.logger.Debug().Str("key", key).Msg("Skipping eviction of key with an active writer.")
		return false, nil
	}

	if err := store.Remove(ctx, key); err != nil {
		return false, fmt.Errorf("failed to evict %s: %w", key, err)
	}
	m.forget(key)
	return true, nil
}
