package main

import (
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"

	"geocluster-map/pkg/config"
)

func TestDemoRecordsStayNearView(t *testing.T) {
	t.Parallel()

	view := config.View{Lat: 44, Lon: 43, Zoom: 11, HalfSpanDeg: 0.25}
	recs := demoRecords(rand.New(rand.NewPCG(1, 2)), 200, view)
	if len(recs) != 200 {
		t.Fatalf("want 200 records, got %d", len(recs))
	}
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		if r.ID == "" || seen[r.ID] {
			t.Fatalf("duplicate or empty id %q", r.ID)
		}
		seen[r.ID] = true
		// Blob centres sit within the span; five sigma of the widest blob
		// stays under another span.
		if r.Lat < 43 || r.Lat > 45 || r.Lon < 42 || r.Lon > 44 {
			t.Fatalf("record %s too far from view: %f,%f", r.ID, r.Lat, r.Lon)
		}
		if r.Category == "" {
			t.Fatalf("record %s has no category", r.ID)
		}
	}
}

func TestWithServerHeader(t *testing.T) {
	t.Parallel()

	called := false
	h := withServerHeader(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/", nil))
	if rec.Code != http.StatusOK || called {
		t.Fatalf("HEAD / should short-circuit, got %d called=%v", rec.Code, called)
	}
	if got := rec.Header().Get("Server"); got != "geocluster-map/"+CompileVersion {
		t.Fatalf("Server header = %q", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if rec.Code != http.StatusTeapot || !called {
		t.Fatalf("GET should reach the wrapped handler, got %d", rec.Code)
	}
}
