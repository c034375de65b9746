package imagefetch_test

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/illmade-knight/go-imagecache/pkg/imagefetch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

func serve(t *testing.T, status int, contentType string, body []byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/food.png"
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	ctx := context.Background()
	fetcher := imagefetch.NewHTTPFetcher(imagefetch.HTTPConfig{Timeout: 5 * time.Second, MaxBytes: 1024}, nil, zerolog.Nop())

	t.Run("Valid PNG is returned with its sniffed type", func(t *testing.T) {
		// Arrange
		body := pngBytes(t)
		url := serve(t, http.StatusOK, "application/octet-stream", body)

		// Act
		img, err := fetcher.Fetch(ctx, url)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "image/png", img.ContentType)
		assert.Equal(t, body, img.Payload)
		assert.Equal(t, url, img.URL)
	})

	t.Run("Non-2xx status is a fetch error", func(t *testing.T) {
		url := serve(t, http.StatusNotFound, "text/plain", []byte("missing"))

		_, err := fetcher.Fetch(ctx, url)

		require.Error(t, err)
		assert.ErrorIs(t, err, imagefetch.ErrFetch)
	})

	t.Run("HTML body is a decode error", func(t *testing.T) {
		url := serve(t, http.StatusOK, "image/png", []byte("<html><body>nope</body></html>"))

		_, err := fetcher.Fetch(ctx, url)

		require.Error(t, err)
		assert.ErrorIs(t, err, imagefetch.ErrDecode)
	})

	t.Run("Empty body is a decode error", func(t *testing.T) {
		url := serve(t, http.StatusOK, "image/png", nil)

		_, err := fetcher.Fetch(ctx, url)

		assert.ErrorIs(t, err, imagefetch.ErrDecode)
	})

	t.Run("Oversized body is a fetch error", func(t *testing.T) {
		url := serve(t, http.StatusOK, "image/png", bytes.Repeat([]byte{0xff}, 2048))

		_, err := fetcher.Fetch(ctx, url)

		assert.ErrorIs(t, err, imagefetch.ErrFetch)
	})

	t.Run("Unreachable host is a fetch error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := fetcher.Fetch(ctx, url)

		assert.ErrorIs(t, err, imagefetch.ErrFetch)
	})

	t.Run("Slow server times out as a fetch error", func(t *testing.T) {
		// Arrange
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(srv.Close)
		t.Cleanup(func() { close(release) })
		quick := imagefetch.NewHTTPFetcher(imagefetch.HTTPConfig{Timeout: 50 * time.Millisecond}, nil, zerolog.Nop())

		// Act
		_, err := quick.Fetch(ctx, srv.URL)

		// Assert
		assert.ErrorIs(t, err, imagefetch.ErrFetch)
	})
}

func TestDetectImageType(t *testing.T) {
	testCases := []struct {
		name     string
		payload  []byte
		declared string
		want     string
		wantErr  error
	}{
		{
			name:     "SVG falls back to the declared type",
			payload:  []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="1" height="1"></svg>`),
			declared: "image/svg+xml; charset=utf-8",
			want:     "image/svg+xml",
		},
		{
			name:     "Declared image type cannot rescue HTML",
			payload:  []byte("<!DOCTYPE html><html></html>"),
			declared: "image/jpeg",
			wantErr:  imagefetch.ErrDecode,
		},
		{
			name:    "PNG signature without a header is rejected",
			payload: []byte("\x89PNG\r\n\x1a\n"),
			wantErr: imagefetch.ErrDecode,
		},
		{
			name:    "Plain text without a declared type is rejected",
			payload: []byte("just some text"),
			wantErr: imagefetch.ErrDecode,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := imagefetch.DetectImageType(tc.payload, tc.declared)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("Real PNG is accepted", func(t *testing.T) {
		got, err := imagefetch.DetectImageType(pngBytes(t), "")
		require.NoError(t, err)
		assert.Equal(t, "image/png", got)
	})
}

func TestFetcherFunc(t *testing.T) {
	var f imagefetch.Fetcher = imagefetch.FetcherFunc(func(_ context.Context, url string) (*imagefetch.Image, error) {
		return &imagefetch.Image{URL: url, ContentType: "image/gif"}, nil
	})

	img, err := f.Fetch(context.Background(), "https://x.test/a.gif")

	require.NoError(t, err)
	assert.Equal(t, "https://x.test/a.gif", img.URL)
}
