package imagecache

import (
	"container/list"
	"slices"
	"strings"
	"sync"

	"github.com/illmade-knight/go-imagecache/pkg/cache"
)

// recencyTracker remembers the order in which keys were last used by this
// process. It holds keys only, never payloads, and forgets the least recently
// used key once it is over its limit.
type recencyTracker struct {
	limit int

	mu    sync.Mutex
	ll    *list.List               // front is most recent
	index map[string]*list.Element // key -> element holding that key
}

func newRecencyTracker(limit int) *recencyTracker {
	return &recencyTracker{
		limit: limit,
		ll:    list.New(),
		index: make(map[string]*list.Element),
	}
}

// touch marks key as the most recently used.
func (r *recencyTracker) touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if elem, ok := r.index[key]; ok {
		r.ll.MoveToFront(elem)
		return
	}
	r.index[key] = r.ll.PushFront(key)
	if r.limit > 0 && r.ll.Len() > r.limit {
		oldest := r.ll.Back()
		r.ll.Remove(oldest)
		delete(r.index, oldest.Value.(string))
	}
}

func (r *recencyTracker) forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if elem, ok := r.index[key]; ok {
		r.ll.Remove(elem)
		delete(r.index, key)
	}
}

func (r *recencyTracker) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ll.Init()
	clear(r.index)
}

// leastRecentFirst sorts infos into eviction order. Keys this process has not
// used come first, oldest FetchedAt first; the rest follow from least to most
// recently used.
func (r *recencyTracker) leastRecentFirst(infos []cache.EntryInfo) {
	r.mu.Lock()
	rank := make(map[string]int, r.ll.Len())
	i := 0
	for elem := r.ll.Back(); elem != nil; elem = elem.Prev() {
		rank[elem.Value.(string)] = i
		i++
	}
	r.mu.Unlock()

	slices.SortStableFunc(infos, func(a, b cache.EntryInfo) int {
		ra, seenA := rank[a.Key]
		rb, seenB := rank[b.Key]
		switch {
		case seenA && seenB:
			return ra - rb
		case seenA:
			return 1
		case seenB:
			return -1
		}
		if c := a.FetchedAt.Compare(b.FetchedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}
