// Package api exposes the engine and the record store over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"geocluster-map/pkg/engine"
	"geocluster-map/pkg/geo"
	"geocluster-map/pkg/loader"
	"geocluster-map/pkg/locate"
	"geocluster-map/pkg/metrics"
)

const (
	defaultPageLimit = 1000
	maxPageLimit     = 5000
	maxBodyBytes     = 1 << 20
)

// RecordSource serves the record endpoints. database.RecordSource and
// remote.Client both satisfy it, so a node can also proxy another node.
type RecordSource interface {
	FetchPage(ctx context.Context, b geo.ViewportBounds, offset, limit int) (loader.Page, error)
	LookupRecord(ctx context.Context, id string) (geo.SpatialRecord, error)
	RecordVariant(ctx context.Context, id string) (string, error)
}

// InitialView is the fallback viewport for first-time visitors.
type InitialView struct {
	Lat         float64
	Lon         float64
	Zoom        float64
	HalfSpanDeg float64
}

// Handler wires the HTTP routes to the engine and the record source.
type Handler struct {
	Engine  *engine.Engine
	Records RecordSource
	Locator locate.Locator // optional
	View    InitialView
	Cache   *ResponseCache // optional
	Limiter *RateLimiter   // optional
	Logf    func(string, ...any)

	// NotFound reports whether err from Records means "no such record".
	NotFound func(error) bool
}

// NewHandler fills defaults.
func NewHandler(eng *engine.Engine, records RecordSource, view InitialView, logf func(string, ...any)) *Handler {
	if logf == nil {
		logf = log.Printf
	}
	if view.HalfSpanDeg <= 0 {
		view.HalfSpanDeg = 0.25
	}
	return &Handler{Engine: eng, Records: records, View: view, Logf: logf}
}

// Routes builds the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/records", h.handleRecords)
		r.Get("/records/{id}", h.handleRecord)
		r.Get("/records/{id}/variant", h.handleVariant)

		r.Post("/viewport", h.handleViewport)
		r.Post("/restyle", h.handleRestyle)
		r.Post("/animation/start", h.handleAnimation(true))
		r.Post("/animation/end", h.handleAnimation(false))

		r.Get("/features", h.handleFeatures)
		r.Get("/features/stream", h.handleFeatureStream)
		r.Get("/state", h.handleState)
		r.Get("/telemetry", h.handleTelemetry)
		r.Delete("/telemetry", h.handleTelemetryReset)
		r.Post("/caches/clear", h.handleClearCaches)
		r.Put("/clustering", h.handleClustering)
		r.Get("/initial-view", h.handleInitialView)
	})
	r.Get("/qrpng", h.handleQR)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func (h *Handler) isNotFound(err error) bool {
	return h.NotFound != nil && h.NotFound(err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// engineStatus maps engine lifecycle errors onto HTTP codes.
func engineStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, geo.ErrInvalidBounds):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNoLookup):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// requestTimeout bounds handlers that reach the database or a remote node.
const requestTimeout = 15 * time.Second
