package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"geocluster-map/pkg/geo"
	"geocluster-map/pkg/locate"
	"geocluster-map/pkg/metrics"
	"geocluster-map/pkg/remote"
)

// parseBounds reads north/south/east/west from q.
func parseBounds(q url.Values) (geo.ViewportBounds, error) {
	var (
		b    geo.ViewportBounds
		errs []error
	)
	read := func(name string, dst *float64) {
		raw := q.Get(name)
		if raw == "" {
			errs = append(errs, fmt.Errorf("missing %s", name))
			return
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("bad %s: %w", name, err))
			return
		}
		*dst = v
	}
	read("north", &b.North)
	read("south", &b.South)
	read("east", &b.East)
	read("west", &b.West)
	if err := errors.Join(errs...); err != nil {
		return b, err
	}
	return b, b.Validate()
}

func parsePage(q url.Values) (offset, limit int, err error) {
	limit = defaultPageLimit
	if raw := q.Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("bad offset %q", raw)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("bad limit %q", raw)
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return offset, limit, nil
}

// handleRecords returns one page of records inside the requested bounds
// together with the total count, as consumed by remote.Client.
func (h *Handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	b, err := parseBounds(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offset, limit, err := parsePage(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	permit, err := h.Limiter.Acquire(r.Context(), locate.ClientIP(r).String())
	if err != nil {
		writeError(w, http.StatusTooManyRequests, err)
		return
	}
	defer permit.Release()
	if permit.WaitDuration > 0 {
		w.Header().Set("X-Queue-Wait", permit.WaitDuration.String())
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	load := func(ctx context.Context) ([]byte, error) {
		page, err := h.Records.FetchPage(ctx, b, offset, limit)
		if err != nil {
			return nil, err
		}
		metrics.RecordsServed.Add(float64(len(page.Records)))
		if page.Records == nil {
			page.Records = []geo.SpatialRecord{}
		}
		return json.Marshal(remote.RecordsResponse{Records: page.Records, Total: page.Total})
	}

	key := fmt.Sprintf("records|%g|%g|%g|%g|%d|%d", b.North, b.South, b.East, b.West, offset, limit)
	body, err := h.Cache.Get(ctx, key, load)
	if errors.Is(err, errCacheDisabled) || errors.Is(err, errCacheStopped) {
		body, err = load(ctx)
	}
	if err != nil {
		h.Logf("[api] records %s: %v", b, err)
		writeError(w, engineStatus(err), err)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

// handleRecord returns one record through the engine's detail cache.
func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rec, err := h.Engine.RecordDetails(ctx, id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleVariant returns a record's visual variant through the engine's
// classification cache.
func (h *Handler) handleVariant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	v, err := h.Engine.ClassifyRecord(ctx, id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.VariantResponse{ID: id, Variant: v})
}

func (h *Handler) writeLookupError(w http.ResponseWriter, id string, err error) {
	if h.isNotFound(err) {
		writeError(w, http.StatusNotFound, fmt.Errorf("record %q not found", id))
		return
	}
	h.Logf("[api] lookup %s: %v", id, err)
	writeError(w, engineStatus(err), err)
}
