package imagecache

import (
	"encoding/base64"
	"time"

	"github.com/illmade-knight/go-imagecache/pkg/cache"
)

// Origin records where a resolved resource came from.
type Origin string

const (
	// OriginCache is a fresh hit in the persistent store.
	OriginCache Origin = "hit"
	// OriginNetwork is a fetch made because of a miss or a stale entry.
	OriginNetwork Origin = "miss"
	// OriginStale is an expired entry served because the refetch failed.
	OriginStale Origin = "stale"
	// OriginDirect is a fetch made while the store was unavailable.
	OriginDirect Origin = "direct"
)

// Resource is a locally usable image. Payload is shared between callers that
// resolved the same fetch and must be treated as read-only.
type Resource struct {
	Key         string
	URL         string
	ContentType string
	Payload     []byte
	FetchedAt   time.Time
	Origin      Origin
}

// DataURI renders the resource as a data: URI that a presentation layer can
// use in place of the remote URL.
func (r *Resource) DataURI() string {
	return "data:" + r.ContentType + ";base64," + base64.StdEncoding.EncodeToString(r.Payload)
}

func resourceFromEntry(e *cache.Entry, origin Origin) *Resource {
	return &Resource{
		Key:         e.Key,
		URL:         e.URL,
		ContentType: e.ContentType,
		Payload:     e.Payload,
		FetchedAt:   e.FetchedAt,
		Origin:      origin,
	}
}
