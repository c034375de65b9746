package imagecache

import "sync/atomic"

// Stats is a snapshot of a Manager's counters since it was created.
type Stats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	StaleServed    int64 `json:"stale_served"`
	Fetches        int64 `json:"fetches"`
	CoalescedWaits int64 `json:"coalesced_waits"`
	FetchErrors    int64 `json:"fetch_errors"`
	StorageErrors  int64 `json:"storage_errors"`
	Evictions      int64 `json:"evictions"`
	Uncached       int64 `json:"uncached"`
}

type counters struct {
	hits           atomic.Int64
	misses         atomic.Int64
	staleServed    atomic.Int64
	fetches        atomic.Int64
	coalescedWaits atomic.Int64
	fetchErrors    atomic.Int64
	storageErrors  atomic.Int64
	evictions      atomic.Int64
	uncached       atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		StaleServed:    c.staleServed.Load(),
		Fetches:        c.fetches.Load(),
		CoalescedWaits: c.coalescedWaits.Load(),
		FetchErrors:    c.fetchErrors.Load(),
		StorageErrors:  c.storageErrors.Load(),
		Evictions:      c.evictions.Load(),
		Uncached:       c.uncached.Load(),
	}
}
