package imagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// KeyFor derives the cache key for an image URL: the SHA-256 of the
// normalised URL, hex encoded. Scheme and host are case-folded and the
// fragment is dropped, since neither changes the resource fetched.
func KeyFor(rawURL string) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeURL returns the canonical form of rawURL used for key derivation.
func NormalizeURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty image url", ErrFetch)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: invalid image url %q: %w", ErrFetch, rawURL, err)
	}
	if u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
		return "", fmt.Errorf("%w: image url %q is not absolute", ErrFetch, rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}
