package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"geocluster-map/pkg/cluster"
	"geocluster-map/pkg/engine"
	"geocluster-map/pkg/geo"
	"geocluster-map/pkg/locate"
	"geocluster-map/pkg/metacache"
	"geocluster-map/pkg/scheduler"
)

type viewportRequest struct {
	Bounds geo.ViewportBounds `json:"bounds"`
	Zoom   float64            `json:"zoom"`
}

type restyleRequest struct {
	Zoom float64 `json:"zoom"`
}

type clusteringRequest struct {
	Enabled *bool `json:"enabled"`
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Render            scheduler.RenderState `json:"render"`
	Loading           engine.LoadingState   `json:"loading"`
	ClusteringEnabled bool                  `json:"clusteringEnabled"`
	MapState          *engine.MapState      `json:"mapState,omitempty"`
	Clusters          int                   `json:"clusters"`
	Points            int                   `json:"points"`
	Origin            string                `json:"origin"`
}

// InitialViewResponse is the body of GET /api/initial-view.
type InitialViewResponse struct {
	Source string             `json:"source"` // saved, geoip or default
	Bounds geo.ViewportBounds `json:"bounds"`
	Zoom   float64            `json:"zoom"`
}

func (h *Handler) handleViewport(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Engine.RequestViewport(req.Bounds, req.Zoom); err != nil {
		writeError(w, engineStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleRestyle(w http.ResponseWriter, r *http.Request) {
	var req restyleRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Engine.RequestRestyle(req.Zoom); err != nil {
		writeError(w, engineStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleAnimation(started bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if started {
			h.Engine.AnimationStarted()
		} else {
			h.Engine.AnimationEnded()
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleFeatures(w http.ResponseWriter, r *http.Request) {
	fc := cluster.ToGeoJSON(h.Engine.CurrentFeatures())
	body, err := fc.MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(body)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	features := h.Engine.CurrentFeatures()
	clusters, points := cluster.Counts(features)
	resp := StateResponse{
		Render:            h.Engine.State(),
		Loading:           h.Engine.Loading(),
		ClusteringEnabled: h.Engine.ClusteringEnabled(),
		Clusters:          clusters,
		Points:            points,
		Origin:            h.Engine.Origin(),
	}
	if ms, ok := h.Engine.LastMapState(); ok {
		resp.MapState = &ms
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.CacheTelemetry())
}

func (h *Handler) handleTelemetryReset(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.ResetCacheTelemetry(); err != nil {
		writeError(w, engineStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, metacache.Counters{})
}

func (h *Handler) handleClearCaches(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.ClearCaches(r.Context()); err != nil {
		writeError(w, engineStatus(err), err)
		return
	}
	h.Cache.Purge(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleClustering(w http.ResponseWriter, r *http.Request) {
	var req clusteringRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("missing enabled"))
		return
	}
	if err := h.Engine.SetClusteringEnabled(r.Context(), *req.Enabled); err != nil {
		writeError(w, engineStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

// handleInitialView picks the first viewport: the persisted map state,
// else a view centred on the client's GeoIP position, else the default.
func (h *Handler) handleInitialView(w http.ResponseWriter, r *http.Request) {
	if ms, ok := h.Engine.LastMapState(); ok {
		writeJSON(w, http.StatusOK, InitialViewResponse{Source: "saved", Bounds: ms.Bounds, Zoom: ms.Zoom})
		return
	}
	span := h.View.HalfSpanDeg
	if h.Locator != nil {
		if lat, lon, ok := h.Locator.Locate(locate.ClientIP(r)); ok {
			writeJSON(w, http.StatusOK, InitialViewResponse{
				Source: "geoip",
				Bounds: geo.Around(lat, lon, span, span),
				Zoom:   h.View.Zoom,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, InitialViewResponse{
		Source: "default",
		Bounds: geo.Around(h.View.Lat, h.View.Lon, span, span),
		Zoom:   h.View.Zoom,
	})
}

// noticeEvent is one SSE payload.
type noticeEvent struct {
	Pass     uint64          `json:"pass"`
	Features json.RawMessage `json:"features,omitempty"`
	Error    string          `json:"error,omitempty"`
}
