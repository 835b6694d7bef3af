package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"geocluster-map/pkg/engine"
	"geocluster-map/pkg/geo"
	"geocluster-map/pkg/loader"
	"geocluster-map/pkg/remote"
	"geocluster-map/pkg/scheduler"
)

var errMissing = errors.New("missing")

type fakeSource struct {
	records []geo.SpatialRecord
	pages   int32
}

func (s *fakeSource) inBounds(b geo.ViewportBounds) []geo.SpatialRecord {
	var out []geo.SpatialRecord
	for _, r := range s.records {
		if b.ContainsPoint(r.Lat, r.Lon) {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeSource) FetchInBounds(_ context.Context, b geo.ViewportBounds) ([]geo.SpatialRecord, error) {
	return s.inBounds(b), nil
}

func (s *fakeSource) FetchPage(_ context.Context, b geo.ViewportBounds, offset, limit int) (loader.Page, error) {
	atomic.AddInt32(&s.pages, 1)
	all := s.inBounds(b)
	offset = min(offset, len(all))
	end := min(offset+limit, len(all))
	return loader.Page{Records: all[offset:end], Total: len(all)}, nil
}

func (s *fakeSource) LookupRecord(_ context.Context, id string) (geo.SpatialRecord, error) {
	for _, r := range s.records {
		if r.ID == id {
			return r, nil
		}
	}
	return geo.SpatialRecord{}, fmt.Errorf("record %s: %w", id, errMissing)
}

func (s *fakeSource) RecordVariant(ctx context.Context, id string) (string, error) {
	r, err := s.LookupRecord(ctx, id)
	return r.Category, err
}

func newTestServer(t *testing.T, withCache bool) (*httptest.Server, *fakeSource, *engine.Engine) {
	t.Helper()
	src := &fakeSource{}
	for i := 0; i < 30; i++ {
		src.records = append(src.records, geo.SpatialRecord{
			ID:       fmt.Sprintf("p%02d", i),
			Lat:      10 + float64(i)*0.01,
			Lon:      20 + float64(i)*0.01,
			Category: "kiosk",
		})
	}
	eng, err := engine.New(engine.Options{
		Fetcher:   src,
		Lookup:    src,
		Scheduler: scheduler.Options{DataDebounce: 5 * time.Millisecond, StyleDebounce: time.Millisecond},
		Logf:      t.Logf,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	h := NewHandler(eng, src, InitialView{Lat: 1, Lon: 2, Zoom: 5, HalfSpanDeg: 0.5}, t.Logf)
	h.NotFound = func(err error) bool { return errors.Is(err, errMissing) }
	if withCache {
		h.Cache = NewResponseCache(time.Minute, 16)
		t.Cleanup(h.Cache.Close)
	}
	h.Limiter = NewRateLimiter(0)
	t.Cleanup(h.Limiter.Close)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, src, eng
}

func getJSON(t *testing.T, url string, dst any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if dst != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func send(t *testing.T, method, url, body string) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestRecordsEndpoint(t *testing.T) {
	t.Parallel()
	srv, src, _ := newTestServer(t, true)

	var page remote.RecordsResponse
	url := srv.URL + "/api/records?north=11&south=9&east=21&west=19&offset=5&limit=10"
	if code := getJSON(t, url, &page); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if page.Total != 30 || len(page.Records) != 10 || page.Records[0].ID != "p05" {
		t.Fatalf("unexpected page total=%d len=%d", page.Total, len(page.Records))
	}

	// Identical request is answered from the response cache.
	before := atomic.LoadInt32(&src.pages)
	getJSON(t, url, &page)
	if after := atomic.LoadInt32(&src.pages); after != before {
		t.Fatalf("cached request hit the source (%d -> %d)", before, after)
	}

	bad := []string{
		"/api/records?north=11&south=9&east=21",
		"/api/records?north=9&south=11&east=21&west=19",
		"/api/records?north=11&south=9&east=21&west=19&limit=-1",
	}
	for _, path := range bad {
		if code := getJSON(t, srv.URL+path, nil); code != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400", path, code)
		}
	}
}

func TestRemoteClientAgainstAPI(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, false)
	c, err := remote.New(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	recs, err := c.FetchInBounds(ctx, geo.ViewportBounds{North: 11, South: 9, East: 21, West: 19})
	if err != nil || len(recs) != 30 {
		t.Fatalf("FetchInBounds = %d, %v", len(recs), err)
	}
	v, err := c.RecordVariant(ctx, "p03")
	if err != nil || v != "kiosk" {
		t.Fatalf("variant = %q, %v", v, err)
	}
	rec, err := c.LookupRecord(ctx, "p03")
	if err != nil || rec.ID != "p03" {
		t.Fatalf("record = %+v, %v", rec, err)
	}
	if _, err := c.LookupRecord(ctx, "nope"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("missing record err = %v", err)
	}
}

func TestViewportProducesFeatures(t *testing.T) {
	t.Parallel()
	srv, _, eng := newTestServer(t, false)

	var iv InitialViewResponse
	getJSON(t, srv.URL+"/api/initial-view", &iv)
	if iv.Source != "default" || iv.Bounds.North != 1.5 {
		t.Fatalf("initial view = %+v", iv)
	}

	body := `{"bounds":{"north":11,"south":9,"east":21,"west":19},"zoom":20}`
	if code := send(t, http.MethodPost, srv.URL+"/api/viewport", body); code != http.StatusAccepted {
		t.Fatalf("viewport status %d", code)
	}
	bad := `{"bounds":{"north":1,"south":2,"east":21,"west":19},"zoom":3}`
	if code := send(t, http.MethodPost, srv.URL+"/api/viewport", bad); code != http.StatusBadRequest {
		t.Fatalf("invalid viewport status %d", code)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(eng.CurrentFeatures()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no features after viewport request")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	getJSON(t, srv.URL+"/api/features", &fc)
	if fc.Type != "FeatureCollection" || len(fc.Features) != 30 {
		t.Fatalf("features = %s with %d entries", fc.Type, len(fc.Features))
	}

	var st StateResponse
	getJSON(t, srv.URL+"/api/state", &st)
	if st.Points != 30 || st.MapState == nil {
		t.Fatalf("state = %+v", st)
	}
	getJSON(t, srv.URL+"/api/initial-view", &iv)
	if iv.Source != "saved" || iv.Zoom != 20 {
		t.Fatalf("initial view after pass = %+v", iv)
	}
}

func TestRecordLookupsUseMetadataCaches(t *testing.T) {
	t.Parallel()
	srv, _, eng := newTestServer(t, false)

	var v remote.VariantResponse
	for i := 0; i < 2; i++ {
		if code := getJSON(t, srv.URL+"/api/records/p01/variant", &v); code != http.StatusOK {
			t.Fatalf("variant status %d", code)
		}
	}
	if v.Variant != "kiosk" {
		t.Fatalf("variant = %+v", v)
	}
	if code := getJSON(t, srv.URL+"/api/records/zz", nil); code != http.StatusNotFound {
		t.Fatalf("missing record status %d", code)
	}

	c := eng.CacheTelemetry()
	if c.MissA != 1 || c.HitA != 1 {
		t.Fatalf("telemetry = %+v", c)
	}
	if code := send(t, http.MethodDelete, srv.URL+"/api/telemetry", ""); code != http.StatusOK {
		t.Fatalf("reset status %d", code)
	}
	if c := eng.CacheTelemetry(); c.HitA != 0 || c.MissA != 0 {
		t.Fatalf("telemetry after reset = %+v", c)
	}
	if code := send(t, http.MethodPost, srv.URL+"/api/caches/clear", ""); code != http.StatusNoContent {
		t.Fatalf("clear status %d", code)
	}
}

func TestClusteringToggle(t *testing.T) {
	t.Parallel()
	srv, _, eng := newTestServer(t, false)
	if code := send(t, http.MethodPut, srv.URL+"/api/clustering", `{}`); code != http.StatusBadRequest {
		t.Fatalf("missing field status %d", code)
	}
	if code := send(t, http.MethodPut, srv.URL+"/api/clustering", `{"enabled":false}`); code != http.StatusOK {
		t.Fatalf("toggle status %d", code)
	}
	if eng.ClusteringEnabled() {
		t.Fatal("clustering still enabled")
	}
}

func TestQRPNG(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, false)
	resp, err := http.Get(srv.URL + "/qrpng?u=https://example.org/view")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.Header.Get("Content-Type") != "image/png" || !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Fatalf("not a png: %s", resp.Header.Get("Content-Type"))
	}
}

func TestResponseCache(t *testing.T) {
	t.Parallel()
	c := NewResponseCache(time.Minute, 2)
	defer c.Close()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	var calls int
	load := func(v string) func(context.Context) ([]byte, error) {
		return func(context.Context) ([]byte, error) { calls++; return []byte(v), nil }
	}
	got, _ := c.Get(ctx, "a", load("A"))
	got2, _ := c.Get(ctx, "a", load("other"))
	if string(got) != "A" || string(got2) != "A" || calls != 1 {
		t.Fatalf("hit path: %q %q calls=%d", got, got2, calls)
	}
	if _, err := c.Get(ctx, "b", func(context.Context) ([]byte, error) { return nil, errors.New("boom") }); err == nil {
		t.Fatal("loader error not returned")
	}

	c.Purge(ctx)
	if got, _ := c.Get(ctx, "a", load("B")); string(got) != "B" {
		t.Fatalf("after purge = %q", got)
	}

	var nilCache *ResponseCache
	if _, err := nilCache.Get(ctx, "a", load("x")); !errors.Is(err, errCacheDisabled) {
		t.Fatalf("nil cache err = %v", err)
	}
}

func TestRateLimiterSerialisesPerIP(t *testing.T) {
	t.Parallel()
	l := NewRateLimiter(0)
	defer l.Close()
	ctx := context.Background()

	first, err := l.Acquire(ctx, "1.1.1.1")
	if err != nil {
		t.Fatal(err)
	}
	// Another IP is not blocked.
	other, err := l.Acquire(ctx, "2.2.2.2")
	if err != nil {
		t.Fatal(err)
	}
	other.Release()

	granted := make(chan *Permit, 1)
	go func() {
		p, err := l.Acquire(ctx, "1.1.1.1")
		if err == nil {
			granted <- p
		}
	}()
	select {
	case <-granted:
		t.Fatal("second request granted while first holds the slot")
	case <-time.After(50 * time.Millisecond):
	}
	first.Release()
	first.Release()
	select {
	case p := <-granted:
		p.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("second request never granted")
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	hold, _ := l.Acquire(ctx, "3.3.3.3")
	if _, err := l.Acquire(short, "3.3.3.3"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	hold.Release()
	if p, err := l.Acquire(ctx, "3.3.3.3"); err != nil {
		t.Fatalf("slot lost after cancelled waiter: %v", err)
	} else {
		p.Release()
	}
}
