package engine

import (
	"context"
	"encoding/json"

	"geocluster-map/pkg/cluster"
	"geocluster-map/pkg/geo"
	"geocluster-map/pkg/loader"
	"geocluster-map/pkg/metrics"
	"geocluster-map/pkg/scheduler"
)

// pass is the scheduler's PassFunc. It runs on the scheduler's pass
// goroutine and is the only code touching e.bounds and e.records.
func (e *Engine) pass(ctx context.Context, t scheduler.Trigger) ([]cluster.Feature, error) {
	if t.Force {
		e.bounds.Reset()
	}
	if !t.HasBounds {
		// Nothing has been requested yet; keep whatever is shown.
		return e.sched.CurrentFeatures(), nil
	}

	if t.Kind == scheduler.KindData {
		if e.bounds.IsCovered(t.Bounds) {
			metrics.BoundsCacheHits.Inc()
		} else {
			padded := t.Bounds.Pad(e.opts.PaddingRatio)
			records, err := e.load(ctx, padded)
			if err != nil {
				return nil, err
			}
			e.records = records
			e.bounds.RecordLoaded(padded)
			e.loaded.Store(&records)
		}
		e.saveMapState(MapState{Bounds: t.Bounds, Zoom: t.Zoom})
	}

	return e.clusterer.Load().Cluster(e.records, t.Bounds, t.Zoom)
}

func (e *Engine) load(ctx context.Context, b geo.ViewportBounds) ([]geo.SpatialRecord, error) {
	e.loadingView.Store(true)
	defer e.loadingView.Store(false)

	if !e.opts.Progressive {
		return e.loader.FetchAll(ctx, b)
	}
	e.loadingProg.Store(true)
	defer e.loadingProg.Store(false)
	return e.loader.FetchBatched(ctx, b, e.opts.InitialBatchSize, func(p loader.Progress) {
		e.lastProgress.Store(&p)
	})
}

func (e *Engine) saveMapState(st MapState) {
	e.mapState.Store(&st)
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := e.opts.Store.Set(ctx, MapStateKey, raw); err != nil {
		e.opts.Logf("[engine] persist map state: %v", err)
	}
}

func (e *Engine) restoreMapState(ctx context.Context) (MapState, bool) {
	raw, ok := e.readKey(ctx, MapStateKey)
	if !ok {
		return MapState{}, false
	}
	var st MapState
	if err := json.Unmarshal(raw, &st); err != nil || st.Bounds.Validate() != nil {
		e.opts.Logf("[engine] ignore stored map state: %s", raw)
		return MapState{}, false
	}
	return st, true
}

func (e *Engine) restoreClustering(ctx context.Context) (bool, bool) {
	raw, ok := e.readKey(ctx, ClusteringEnabledKey)
	if !ok {
		return false, false
	}
	var enabled bool
	if err := json.Unmarshal(raw, &enabled); err != nil {
		e.opts.Logf("[engine] ignore stored clustering preference: %s", raw)
		return false, false
	}
	return enabled, true
}

func (e *Engine) readKey(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	raw, ok, err := e.opts.Store.Get(ctx, key)
	if err != nil {
		e.opts.Logf("[engine] read %s: %v", key, err)
		return nil, false
	}
	return raw, ok
}
