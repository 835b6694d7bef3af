// Package engine owns one instance of the viewport pipeline: bounds cache,
// loader, clusterer, render scheduler and the two metadata caches. Hosts
// construct it with New, start it with Init and stop it with Shutdown;
// nothing in the pipeline is a package-level singleton.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"geocluster-map/pkg/boundscache"
	"geocluster-map/pkg/broadcast"
	"geocluster-map/pkg/cluster"
	"geocluster-map/pkg/geo"
	"geocluster-map/pkg/loader"
	"geocluster-map/pkg/logger"
	"geocluster-map/pkg/metacache"
	"geocluster-map/pkg/scheduler"
	"geocluster-map/pkg/store"
)

// Persisted keys.
const (
	MapStateKey          = "map_state"
	ClusteringEnabledKey = "clustering_enabled"
)

// DefaultPaddingRatio grows every fetched viewport by 15% per side.
const DefaultPaddingRatio = 0.15

const storeTimeout = 5 * time.Second

var (
	ErrNotStarted     = errors.New("engine not started")
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNoLookup       = errors.New("no record lookup configured")
)

// RecordLookup resolves per-record metadata behind the metadata caches.
type RecordLookup interface {
	RecordVariant(ctx context.Context, id string) (string, error)
	LookupRecord(ctx context.Context, id string) (geo.SpatialRecord, error)
}

// MapState is the last viewport a data pass ran for.
type MapState struct {
	Bounds geo.ViewportBounds `json:"bounds"`
	Zoom   float64            `json:"zoom"`
}

// LoadingState reports what the engine is fetching right now.
type LoadingState struct {
	Viewport     bool             `json:"viewport"`
	Progressive  bool             `json:"progressive"`
	LastProgress *loader.Progress `json:"lastProgress,omitempty"`
}

// Options configures an Engine. Fetcher is required.
type Options struct {
	Fetcher          loader.Fetcher
	Lookup           RecordLookup
	Store            store.Store   // nil keeps everything in memory
	Bus              broadcast.Bus // nil means single-context operation
	PaddingRatio     float64
	Progressive      bool
	InitialBatchSize int // default 500
	MetadataTTL      time.Duration
	TelemetryFlush   time.Duration
	Cluster          cluster.Options
	Scheduler        scheduler.Options
	Loader           loader.Options
	Logf             func(string, ...any)
}

// Engine is the explicit context every component hangs off.
type Engine struct {
	opts   Options
	origin string

	started atomic.Bool
	stopped atomic.Bool

	loadLog   *logger.Buffer
	loader    *loader.Loader
	clusterer atomic.Pointer[cluster.Clusterer]
	sched     *scheduler.Scheduler
	telemetry *metacache.Telemetry
	variants  *metacache.Cache[string]
	details   *metacache.Cache[geo.SpatialRecord]

	// Owned by the pass goroutine; passes never overlap.
	bounds  *boundscache.Cache
	records []geo.SpatialRecord

	loaded       atomic.Pointer[[]geo.SpatialRecord]
	mapState     atomic.Pointer[MapState]
	loadingView  atomic.Bool
	loadingProg  atomic.Bool
	lastProgress atomic.Pointer[loader.Progress]
}

// New validates options. No goroutines run until Init.
func New(opts Options) (*Engine, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("engine: fetcher is required")
	}
	if opts.PaddingRatio <= 0 {
		opts.PaddingRatio = DefaultPaddingRatio
	}
	if opts.InitialBatchSize <= 0 {
		opts.InitialBatchSize = 500
	}
	if opts.MetadataTTL <= 0 {
		opts.MetadataTTL = 10 * time.Minute
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Cluster.Logf == nil {
		opts.Cluster.Logf = opts.Logf
	}
	if opts.Scheduler.Logf == nil {
		opts.Scheduler.Logf = opts.Logf
	}
	if opts.Loader.Logf == nil {
		opts.Loader.Logf = opts.Logf
	}
	return &Engine{
		opts:   opts,
		origin: uuid.NewString(),
		bounds: boundscache.New(),
	}, nil
}

// Origin identifies this engine on the broadcast bus.
func (e *Engine) Origin() string { return e.origin }

// Init restores persisted state, starts every component and, when a map
// state was saved, requests that viewport.
func (e *Engine) Init(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c := cluster.New(e.opts.Cluster)
	if enabled, ok := e.restoreClustering(ctx); ok {
		c = c.WithEnabled(enabled)
	}
	e.clusterer.Store(c)

	e.loadLog = logger.New(e.opts.Logf)
	lopts := e.opts.Loader
	lopts.Log = e.loadLog
	e.loader = loader.New(e.opts.Fetcher, lopts)

	e.telemetry = metacache.NewTelemetry(metacache.TelemetryOptions{
		Store:      e.opts.Store,
		Bus:        e.opts.Bus,
		Origin:     e.origin,
		FlushDelay: e.opts.TelemetryFlush,
		Logf:       e.opts.Logf,
	})
	cacheOpts := metacache.Options{
		TTL:       e.opts.MetadataTTL,
		Store:     e.opts.Store,
		Bus:       e.opts.Bus,
		Telemetry: e.telemetry,
		Origin:    e.origin,
		Logf:      e.opts.Logf,
	}
	e.variants = metacache.New("variants", metacache.SlotA, e.lookupVariant, cacheOpts)
	e.details = metacache.New("details", metacache.SlotB, e.lookupDetails, cacheOpts)

	e.sched = scheduler.New(e.pass, e.opts.Scheduler)

	if st, ok := e.restoreMapState(ctx); ok {
		e.mapState.Store(&st)
		e.sched.RequestViewport(st.Bounds, st.Zoom)
	}
	e.opts.Logf("[engine] %s started", e.origin[:8])
	return nil
}

// Shutdown stops the scheduler, flushes telemetry and closes the caches.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan struct{})
	go func() {
		e.sched.Close()
		e.variants.Close()
		e.details.Close()
		e.telemetry.Close()
		e.loadLog.Close()
		close(done)
	}()
	select {
	case <-done:
		e.opts.Logf("[engine] %s stopped", e.origin[:8])
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

func (e *Engine) ready() bool { return e.started.Load() && !e.stopped.Load() }

// RequestViewport schedules a data pass for b at zoom.
func (e *Engine) RequestViewport(b geo.ViewportBounds, zoom float64) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if !e.ready() {
		return ErrNotStarted
	}
	e.sched.RequestViewport(b, zoom)
	return nil
}

// RequestRestyle reclusters the loaded records at zoom.
func (e *Engine) RequestRestyle(zoom float64) error {
	if !e.ready() {
		return ErrNotStarted
	}
	e.sched.RequestRestyle(zoom)
	return nil
}

// AnimationStarted forwards the host's transition start signal.
func (e *Engine) AnimationStarted() {
	if e.ready() {
		e.sched.AnimationStarted()
	}
}

// AnimationEnded forwards the host's transition end signal.
func (e *Engine) AnimationEnded() {
	if e.ready() {
		e.sched.AnimationEnded()
	}
}

// CurrentFeatures returns a copy of the applied features.
func (e *Engine) CurrentFeatures() []cluster.Feature {
	if !e.ready() {
		return nil
	}
	return e.sched.CurrentFeatures()
}

// State returns a copy of the render state.
func (e *Engine) State() scheduler.RenderState {
	if !e.ready() {
		return scheduler.RenderState{PhaseName: scheduler.Idle.String()}
	}
	return e.sched.State()
}

// OnFeaturesChanged registers cb for every applied pass.
func (e *Engine) OnFeaturesChanged(cb func([]cluster.Feature)) (unsubscribe func()) {
	if !e.ready() {
		return func() {}
	}
	return e.sched.Subscribe(func(n scheduler.Notice) {
		if n.Err == nil {
			cb(n.Features)
		}
	})
}

// OnError registers cb for every failed pass.
func (e *Engine) OnError(cb func(error)) (unsubscribe func()) {
	if !e.ready() {
		return func() {}
	}
	return e.sched.Subscribe(func(n scheduler.Notice) {
		if n.Err != nil {
			cb(n.Err)
		}
	})
}

// Subscribe delivers every notice, applied or failed, in pass order.
func (e *Engine) Subscribe(cb func(scheduler.Notice)) (unsubscribe func()) {
	if !e.ready() {
		return func() {}
	}
	return e.sched.Subscribe(cb)
}

// Loading reports the in-flight fetch flags.
func (e *Engine) Loading() LoadingState {
	return LoadingState{
		Viewport:     e.loadingView.Load(),
		Progressive:  e.loadingProg.Load(),
		LastProgress: e.lastProgress.Load(),
	}
}

// LoadedRecords returns a copy of the record set of the last load.
func (e *Engine) LoadedRecords() []geo.SpatialRecord {
	p := e.loaded.Load()
	if p == nil {
		return nil
	}
	return append([]geo.SpatialRecord(nil), (*p)...)
}

// LastMapState returns the last viewport a data pass ran for, or the
// persisted one restored at Init.
func (e *Engine) LastMapState() (MapState, bool) {
	p := e.mapState.Load()
	if p == nil {
		return MapState{}, false
	}
	return *p, true
}

// ClusteringEnabled reports the current preference.
func (e *Engine) ClusteringEnabled() bool {
	c := e.clusterer.Load()
	return c == nil || !c.Options().Disabled
}

// SetClusteringEnabled switches clustering, persists the preference and
// restyles at the last zoom.
func (e *Engine) SetClusteringEnabled(ctx context.Context, enabled bool) error {
	if !e.ready() {
		return ErrNotStarted
	}
	e.clusterer.Store(e.clusterer.Load().WithEnabled(enabled))
	raw, _ := json.Marshal(enabled)
	if err := e.opts.Store.Set(ctx, ClusteringEnabledKey, raw); err != nil {
		e.opts.Logf("[engine] persist clustering preference: %v", err)
	}
	e.sched.RequestRestyle(e.State().LastZoom)
	return nil
}

// CacheTelemetry returns a copy of the metadata cache counters.
func (e *Engine) CacheTelemetry() metacache.Counters {
	if !e.started.Load() {
		return metacache.Counters{}
	}
	return e.telemetry.Snapshot()
}

// ResetCacheTelemetry zeroes and persists the counters.
func (e *Engine) ResetCacheTelemetry() error {
	if !e.ready() {
		return ErrNotStarted
	}
	return e.telemetry.Reset()
}

// ClearCaches empties both metadata caches (in every context listening on
// the bus) and forces the next data pass to refetch.
func (e *Engine) ClearCaches(ctx context.Context) error {
	if !e.ready() {
		return ErrNotStarted
	}
	var errs []error
	if err := e.variants.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("variants: %w", err))
	}
	if err := e.details.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("details: %w", err))
	}
	e.sched.Refresh()
	return errors.Join(errs...)
}

// ClassifyRecord returns the visual variant of a record (cached, slot A).
func (e *Engine) ClassifyRecord(ctx context.Context, id string) (string, error) {
	if !e.ready() {
		return "", ErrNotStarted
	}
	return e.variants.Get(ctx, id)
}

// RecordDetails returns the full record (cached, slot B).
func (e *Engine) RecordDetails(ctx context.Context, id string) (geo.SpatialRecord, error) {
	if !e.ready() {
		return geo.SpatialRecord{}, ErrNotStarted
	}
	return e.details.Get(ctx, id)
}

func (e *Engine) lookupVariant(ctx context.Context, id string) (string, error) {
	if e.opts.Lookup == nil {
		return "", ErrNoLookup
	}
	return e.opts.Lookup.RecordVariant(ctx, id)
}

func (e *Engine) lookupDetails(ctx context.Context, id string) (geo.SpatialRecord, error) {
	if e.opts.Lookup == nil {
		return geo.SpatialRecord{}, ErrNoLookup
	}
	return e.opts.Lookup.LookupRecord(ctx, id)
}
