package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"geocluster-map/pkg/geo"
)

func fakeNode(t *testing.T, total int) *httptest.Server {
	t.Helper()
	recs := make([]geo.SpatialRecord, total)
	for i := range recs {
		recs[i] = geo.SpatialRecord{ID: fmt.Sprintf("n%03d", i), Lat: 1, Lon: 2, Category: "c"}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/records", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("north") == "" || q.Get("west") == "" {
			http.Error(w, "missing bounds", http.StatusBadRequest)
			return
		}
		off, _ := strconv.Atoi(q.Get("offset"))
		lim, _ := strconv.Atoi(q.Get("limit"))
		end := off + lim
		if end > total {
			end = total
		}
		if off > total {
			off = total
		}
		_ = json.NewEncoder(w).Encode(RecordsResponse{Records: recs[off:end], Total: total})
	})
	mux.HandleFunc("/api/records/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/records/")
		id, variant := strings.CutSuffix(rest, "/variant")
		if id != "n000" {
			http.NotFound(w, r)
			return
		}
		if variant {
			_ = json.NewEncoder(w).Encode(VariantResponse{ID: id, Variant: "c"})
			return
		}
		_ = json.NewEncoder(w).Encode(recs[0])
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientPaging(t *testing.T) {
	t.Parallel()
	srv := fakeNode(t, 23)
	c, err := New(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.pageSize = 10

	b := geo.ViewportBounds{North: 5, South: 0, East: 5, West: 0}
	page, err := c.FetchPage(context.Background(), b, 20, 10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Records) != 3 || page.Total != 23 {
		t.Fatalf("unexpected page %d/%d", len(page.Records), page.Total)
	}

	all, err := c.FetchInBounds(context.Background(), b)
	if err != nil || len(all) != 23 {
		t.Fatalf("FetchInBounds = %d, %v", len(all), err)
	}
}

func TestClientLookups(t *testing.T) {
	t.Parallel()
	srv := fakeNode(t, 1)
	c, err := New(srv.URL+"/", srv.Client())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	v, err := c.RecordVariant(ctx, "n000")
	if err != nil || v != "c" {
		t.Fatalf("variant = %q, %v", v, err)
	}
	rec, err := c.LookupRecord(ctx, "n000")
	if err != nil || rec.ID != "n000" {
		t.Fatalf("record = %+v, %v", rec, err)
	}
	if _, err := c.LookupRecord(ctx, "zzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestNewRejectsBadScheme(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"ftp://x", "", "localhost:8080"} {
		if _, err := New(raw, nil); err == nil {
			t.Fatalf("New(%q) accepted", raw)
		}
	}
}
