package imagefetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF header decoder
	_ "image/jpeg" // register JPEG header decoder
	_ "image/png"  // register PNG header decoder
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrFetch covers transport failures, timeouts, non-2xx responses and
	// oversized bodies.
	ErrFetch = errors.New("image fetch failed")
	// ErrDecode means the response body is not a displayable image.
	ErrDecode = errors.New("image payload is not decodable")
)

// Image is the raw result of a successful fetch.
type Image struct {
	URL         string
	Payload     []byte
	ContentType string
}

// Fetcher retrieves image bytes for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Image, error)
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) (*Image, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, url string) (*Image, error) {
	return f(ctx, url)
}

// HTTPConfig holds the settings for an HTTPFetcher.
type HTTPConfig struct {
	// Timeout bounds a single request, including reading the body.
	Timeout time.Duration
	// MaxBytes rejects bodies larger than this. Zero means 10 MiB.
	MaxBytes int64
	// UserAgent is sent with every request when set.
	UserAgent string
}

const defaultMaxBytes = 10 << 20

// HTTPFetcher fetches images over HTTP(S).
type HTTPFetcher struct {
	client *http.Client
	cfg    HTTPConfig
	logger zerolog.Logger
}

// NewHTTPFetcher creates an HTTPFetcher. A nil client uses a new http.Client.
func NewHTTPFetcher(cfg HTTPConfig, client *http.Client, logger zerolog.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &HTTPFetcher{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "HTTPFetcher").Logger(),
	}
}

// Fetch issues a GET for url and validates that the body is an image.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Image, error) {
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request for %s: %w", ErrFetch, url, err)
	}
	req.Header.Set("Accept", "image/*")
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s: unexpected status %d", ErrFetch, url, resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body of %s: %w", ErrFetch, url, err)
	}
	if int64(len(payload)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %s: body exceeds %d bytes", ErrFetch, url, f.cfg.MaxBytes)
	}

	contentType, err := DetectImageType(payload, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	f.logger.Debug().Str("url", url).Str("content_type", contentType).Int("bytes", len(payload)).Msg("Fetched image.")
	return &Image{URL: url, Payload: payload, ContentType: contentType}, nil
}

// DetectImageType returns the MIME type of payload, or ErrDecode when payload
// is not an image. The sniffed type wins; declared is only consulted when
// sniffing is inconclusive (for example SVG, which sniffs as XML or text).
// JPEG, PNG and GIF payloads must also have a decodable header.
func DetectImageType(payload []byte, declared string) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: empty body", ErrDecode)
	}

	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(payload))
	contentType := sniffed
	if !strings.HasPrefix(sniffed, "image/") {
		mediaType, _, err := mime.ParseMediaType(declared)
		if err != nil || !strings.HasPrefix(mediaType, "image/") || !inconclusive(sniffed) {
			return "", fmt.Errorf("%w: content type %q", ErrDecode, sniffed)
		}
		contentType = mediaType
	}

	switch contentType {
	case "image/jpeg", "image/png", "image/gif":
		if _, _, err := image.DecodeConfig(bytes.NewReader(payload)); err != nil {
			return "", fmt.Errorf("%w: %s header: %w", ErrDecode, contentType, err)
		}
	}
	return contentType, nil
}

func inconclusive(sniffed string) bool {
	switch sniffed {
	case "application/octet-stream", "text/plain", "text/xml":
		return true
	}
	return false
}
