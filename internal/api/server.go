package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/imagevault/imagevault/internal/domain"
	"github.com/imagevault/imagevault/internal/variant"
)

const maxUploadBytes = 64 << 20

type AssetService interface {
	Store(ctx context.Context, req variant.StoreRequest) (domain.Asset, error)
	FetchOrGenerate(ctx context.Context, path string, requested domain.Transformation) (domain.Variant, error)
	Open(ctx context.Context, v domain.Variant) ([]byte, error)
	Delete(ctx context.Context, path string) error
	DeleteVariant(ctx context.Context, path string, requested domain.Transformation) error
}

type Server struct {
	logger                zerolog.Logger
	service               AssetService
	metrics               *metrics
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type Options struct {
	Logger  zerolog.Logger
	Service AssetService

	// Registry backs /metrics; a private registry is created when nil.
	Registry *prometheus.Registry

	RateLimiter     RateLimiter
	RateLimitHeader string
}

func NewServer(opts Options) *Server {
	header := opts.RateLimitHeader
	if header == "" {
		header = "X-User-ID"
	}

	s := &Server{
		logger:                opts.Logger,
		service:               opts.Service,
		metrics:               newMetrics(opts.Registry),
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: header,
		tracer:                otel.Tracer("imagevault/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.withRateLimit(h)
	h = s.withTracing(h)
	h = s.metrics.withHTTPMetrics(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/assets/", s.handleStore)
	s.mux.HandleFunc("GET /v1/assets/", s.handleFetch)
	s.mux.HandleFunc("DELETE /v1/assets/", s.handleDelete)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	path, err := assetPath(r.URL.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read upload body"})
		return
	}
	if len(data) > maxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload exceeds size limit"})
		return
	}

	query := r.URL.Query()
	asset, err := s.service.Store(r.Context(), variant.StoreRequest{
		Path:        path,
		Data:        data,
		ContentType: r.Header.Get("Content-Type"),
		AltText:     query.Get("alt_text"),
		Labels:      splitList(query.Get("labels")),
		Tags:        splitList(query.Get("tags")),
	})
	if err != nil {
		s.writeError(w, r, err, "store asset")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"asset_id": asset.ID,
		"path":     asset.Path,
		"sequence": asset.Sequence,
		"state":    asset.State,
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	path, err := assetPath(r.URL.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	requested, err := parseTransformation(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	v, err := s.service.FetchOrGenerate(r.Context(), path, requested)
	if err != nil {
		s.writeError(w, r, err, "fetch variant")
		return
	}

	if r.URL.Query().Get("metadata") == "true" {
		writeJSON(w, http.StatusOK, variantSummary(v))
		return
	}

	blob, err := s.service.Open(r.Context(), v)
	if err != nil {
		s.writeError(w, r, err, "open blob")
		return
	}

	w.Header().Set("Content-Type", domain.ContentType(v.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
	if hash, ok := v.LQIP["blurhash"]; ok {
		w.Header().Set("X-Imagevault-Blurhash", hash)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	path, err := assetPath(r.URL.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if transformationRequested(r.URL.Query()) {
		requested, err := parseTransformation(r.URL.Query())
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := s.service.DeleteVariant(r.Context(), path, requested); err != nil {
			s.writeError(w, r, err, "delete variant")
			return
		}
	} else if err := s.service.Delete(r.Context(), path); err != nil {
		s.writeError(w, r, err, "delete asset")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case domain.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "asset or variant not found"})
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg(op + " failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func variantSummary(v domain.Variant) map[string]any {
	return map[string]any{
		"variant_id":         v.ID,
		"asset_id":           v.AssetID,
		"transformation_key": v.TransformationKey,
		"width":              v.Width,
		"height":             v.Height,
		"format":             v.Format,
		"pages":              v.Pages,
		"lqip":               v.LQIP,
		"uploaded_at":        v.UploadedAt,
		"is_original":        v.IsOriginal,
	}
}

func assetPath(urlPath string) (string, error) {
	path := strings.Trim(strings.TrimPrefix(urlPath, "/v1/assets/"), "/")
	if path == "" {
		return "", errors.New("expected path format /v1/assets/{path}")
	}
	return path, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
