package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-imagecache/pkg/imagecache"
	"github.com/illmade-knight/go-imagecache/pkg/imageview"
	"github.com/rs/zerolog"
)

// ImageCache is the part of *imagecache.Manager the HTTP surface needs.
type ImageCache interface {
	Resolve(ctx context.Context, url string) (*imagecache.Resource, error)
	Invalidate(ctx context.Context, url string) error
	Clear(ctx context.Context) error
	Maintain(ctx context.Context) (imagecache.Report, error)
	Stats() imagecache.Stats
	Ready() bool
}

const (
	headerCache     = "X-Cache"
	headerRequestID = "X-Request-Id"
	originFallback  = "placeholder"
)

// ImageService exposes an ImageCache over HTTP on the local loopback, so a
// presentation layer can point image elements at it.
type ImageService struct {
	*BaseServer
	cache  ImageCache
	logger zerolog.Logger
}

// NewImageService creates the service and registers its routes.
func NewImageService(cache ImageCache, httpPort string, logger zerolog.Logger) (*ImageService, error) {
	if cache == nil {
		return nil, errors.New("image cache cannot be nil")
	}
	logger = logger.With().Str("component", "ImageService").Logger()
	s := &ImageService{
		BaseServer: NewBaseServer(logger, httpPort, cache.Ready),
		cache:      cache,
		logger:     logger,
	}

	mux := s.Mux()
	mux.HandleFunc("GET /v1/images", s.handleGetImage)
	mux.HandleFunc("DELETE /v1/images", s.handleInvalidate)
	mux.HandleFunc("DELETE /v1/cache", s.handleClear)
	mux.HandleFunc("POST /v1/cache/maintenance", s.handleMaintain)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	return s, nil
}

// Start starts the HTTP server.
func (s *ImageService) Start(_ context.Context) error {
	return s.BaseServer.Start()
}

// handleGetImage resolves ?url=, then ?fallback= if that fails. When both fail
// and ?subject= is given, the subject's placeholder is served instead.
func (s *ImageService) handleGetImage(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(w)
	q := r.URL.Query()
	url := q.Get("url")
	if url == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	res, err := s.cache.Resolve(r.Context(), url)
	if err != nil && q.Get("fallback") != "" {
		log.Debug().Err(err).Str("url", url).Msg("Primary image failed, trying fallback.")
		res, err = s.cache.Resolve(r.Context(), q.Get("fallback"))
	}
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		if subject, ok := q["subject"]; ok {
			s.writePlaceholder(w, imageview.NewPlaceholder(subject[0]))
			return
		}
		log.Info().Err(err).Str("url", url).Msg("Image could not be resolved.")
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Payload)))
	w.Header().Set("Last-Modified", res.FetchedAt.UTC().Format(http.TimeFormat))
	w.Header().Set(headerCache, string(res.Origin))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Payload)
}

func (s *ImageService) writePlaceholder(w http.ResponseWriter, p imageview.Placeholder) {
	svg := p.SVG()
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Content-Length", strconv.Itoa(len(svg)))
	w.Header().Set(headerCache, originFallback)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(svg))
}

func (s *ImageService) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	if err := s.cache.Invalidate(r.Context(), url); err != nil {
		if errors.Is(err, imagecache.ErrFetch) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log := s.requestLogger(w)
		log.Error().Err(err).Str("url", url).Msg("Invalidate failed.")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ImageService) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(r.Context()); err != nil {
		log := s.requestLogger(w)
		log.Error().Err(err).Msg("Clear failed.")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ImageService) handleMaintain(w http.ResponseWriter, r *http.Request) {
	report, err := s.cache.Maintain(r.Context())
	if err != nil {
		log := s.requestLogger(w)
		log.Error().Err(err).Msg("Maintenance failed.")
		status := http.StatusInternalServerError
		if errors.Is(err, imagecache.ErrInit) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *ImageService) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

// requestLogger tags the response and the returned logger with a request id.
func (s *ImageService) requestLogger(w http.ResponseWriter) zerolog.Logger {
	id := uuid.NewString()
	w.Header().Set(headerRequestID, id)
	return s.logger.With().Str("request_id", id).Logger()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, imagecache.ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, imagecache.ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
