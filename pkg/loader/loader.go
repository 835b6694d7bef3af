// Package loader fetches the records of a viewport, either in one call or in
// adaptive batches with progress reporting. Every call runs under a per-batch
// timeout and is retried with exponential backoff; a cancelled context
// supersedes the load between batches.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"geocluster-map/pkg/geo"
	"geocluster-map/pkg/logger"
	"geocluster-map/pkg/metrics"
)

// ErrSuperseded is returned when the caller's context ends before the load
// completes. The returned error also wraps the context error.
var ErrSuperseded = errors.New("load superseded")

// Page is one slice of the records inside some bounds.
type Page struct {
	Records []geo.SpatialRecord
	Total   int // records matching the bounds; -1 when unknown
}

// Fetcher is the data source. FetchPage must return records in a stable
// order so consecutive offsets do not skip or repeat rows.
type Fetcher interface {
	FetchInBounds(ctx context.Context, b geo.ViewportBounds) ([]geo.SpatialRecord, error)
	FetchPage(ctx context.Context, b geo.ViewportBounds, offset, limit int) (Page, error)
}

// Progress is reported after each completed batch.
type Progress struct {
	Loaded             int     `json:"loaded"`
	TotalEstimate      int     `json:"totalEstimate"`
	BatchSize          int     `json:"batchSize"`
	AverageBatchTimeMs float64 `json:"averageBatchTimeMs"`
}

// FetchError is a fetch that kept failing after every retry.
type FetchError struct {
	Offset   int
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch at offset %d failed after %d attempts: %v", e.Offset, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Options tunes retries and batch adaptation. Zero values use defaults;
// a negative MaxRetries disables retries.
type Options struct {
	MaxRetries   int           // default 3
	BackoffBase  time.Duration // default 250ms, doubled per retry
	BatchTimeout time.Duration // default 10s
	MinBatchSize int           // default 100
	MaxBatchSize int           // default 5000
	FastBatch    time.Duration // grow while the average stays below, default 300ms
	SlowBatch    time.Duration // shrink after a batch above, default 2s
	Log          *logger.Buffer
	Logf         func(string, ...any)
	Now          func() time.Time
}

// Loader drives a Fetcher.
type Loader struct {
	fetcher Fetcher
	opts    Options
}

// New fills option defaults.
func New(f Fetcher, opts Options) *Loader {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	} else if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 250 * time.Millisecond
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 10 * time.Second
	}
	if opts.MinBatchSize <= 0 {
		opts.MinBatchSize = 100
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 5000
	}
	if opts.MaxBatchSize < opts.MinBatchSize {
		opts.MaxBatchSize = opts.MinBatchSize
	}
	if opts.FastBatch <= 0 {
		opts.FastBatch = 300 * time.Millisecond
	}
	if opts.SlowBatch <= 0 {
		opts.SlowBatch = 2 * time.Second
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loader{fetcher: f, opts: opts}
}

// FetchAll loads every record in b with one call and drops duplicate IDs.
func (l *Loader) FetchAll(ctx context.Context, b geo.ViewportBounds) ([]geo.SpatialRecord, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	loadID := l.begin("all", b)
	var records []geo.SpatialRecord
	err := l.withRetry(ctx, loadID, 0, func(ctx context.Context) error {
		start := l.opts.Now()
		rs, err := l.fetcher.FetchInBounds(ctx, b)
		if err != nil {
			return err
		}
		l.observeBatch(l.opts.Now().Sub(start))
		records = rs
		return nil
	})
	if err != nil {
		return nil, l.fail(loadID, err)
	}
	records = geo.DedupeRecords(records)
	l.succeed(loadID, fmt.Sprintf("%d records in %s", len(records), b))
	return records, nil
}

// FetchBatched loads b page by page. onProgress runs on the caller's
// goroutine after every batch; Loaded never decreases and the last report
// has Loaded == TotalEstimate. After cancellation no further reports are
// made and the error wraps ErrSuperseded.
func (l *Loader) FetchBatched(ctx context.Context, b geo.ViewportBounds, initialBatchSize int, onProgress func(Progress)) ([]geo.SpatialRecord, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	loadID := l.begin("batched", b)

	batch := l.clamp(initialBatchSize)
	seen := make(map[string]struct{})
	var records []geo.SpatialRecord
	var elapsed time.Duration
	offset, batches := 0, 0

	for {
		if err := superseded(ctx); err != nil {
			return nil, l.fail(loadID, err)
		}

		var page Page
		var took time.Duration
		err := l.withRetry(ctx, loadID, offset, func(ctx context.Context) error {
			start := l.opts.Now()
			p, err := l.fetcher.FetchPage(ctx, b, offset, batch)
			if err != nil {
				return err
			}
			took = l.opts.Now().Sub(start)
			page = p
			return nil
		})
		if err != nil {
			return nil, l.fail(loadID, err)
		}
		l.observeBatch(took)

		batches++
		elapsed += took
		offset += len(page.Records)
		for _, r := range page.Records {
			if r.ID != "" {
				if _, dup := seen[r.ID]; dup {
					continue
				}
				seen[r.ID] = struct{}{}
			}
			records = append(records, r)
		}

		// A known total decides; sources may cap pages below the batch size.
		// Without one, a short page is the end.
		done := len(page.Records) == 0
		if !done && page.Total >= 0 {
			done = offset >= page.Total
		} else if !done {
			done = len(page.Records) < batch
		}
		estimate := page.Total
		if done || estimate < len(records) {
			// Duplicates or a shrinking source make the estimate drift; the
			// final report is pinned to what was actually loaded.
			estimate = len(records)
		}
		avg := float64(elapsed.Microseconds()) / 1000 / float64(batches)
		l.appendLog(loadID, "batch offset=%d size=%d got=%d took=%s total=%d", offset-len(page.Records), batch, len(page.Records), took, page.Total)

		if err := superseded(ctx); err != nil {
			return nil, l.fail(loadID, err)
		}
		onProgress(Progress{
			Loaded:             len(records),
			TotalEstimate:      estimate,
			BatchSize:          batch,
			AverageBatchTimeMs: avg,
		})
		if done {
			break
		}
		batch = l.adapt(batch, took, elapsed/time.Duration(batches))
	}

	l.succeed(loadID, fmt.Sprintf("%d records in %d batches for %s", len(records), batches, b))
	return records, nil
}

func (l *Loader) adapt(batch int, last, avg time.Duration) int {
	switch {
	case last > l.opts.SlowBatch:
		return l.clamp(batch / 2)
	case avg < l.opts.FastBatch:
		return l.clamp(batch * 2)
	}
	return batch
}

func (l *Loader) clamp(n int) int {
	if n < l.opts.MinBatchSize {
		return l.opts.MinBatchSize
	}
	if n > l.opts.MaxBatchSize {
		return l.opts.MaxBatchSize
	}
	return n
}

// withRetry runs call under the batch timeout, retrying with exponential
// backoff. A parent context that ends turns into ErrSuperseded.
func (l *Loader) withRetry(ctx context.Context, loadID string, offset int, call func(context.Context) error) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= l.opts.MaxRetries; attempt++ {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, l.opts.BatchTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if err := superseded(ctx); err != nil {
			return err
		}
		l.appendLog(loadID, "attempt %d at offset %d failed: %v", attempts, offset, err)

		if attempt < l.opts.MaxRetries {
			metrics.FetchRetries.Inc()
			wait := l.opts.BackoffBase * (1 << uint(attempt))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return superseded(ctx)
			case <-t.C:
			}
		}
	}
	metrics.FetchFailures.Inc()
	return &FetchError{Offset: offset, Attempts: attempts, Err: lastErr}
}

func superseded(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSuperseded, err)
	}
	return nil
}

func (l *Loader) observeBatch(d time.Duration) {
	metrics.FetchBatches.Inc()
	metrics.BatchDurationMs.Observe(float64(d.Microseconds()) / 1000)
}

func (l *Loader) begin(kind string, b geo.ViewportBounds) string {
	id := uuid.NewString()
	if l.opts.Log != nil {
		l.opts.Log.Begin(id)
		l.opts.Log.Append(id, "[loader] %s load of %s", kind, b)
	}
	return id
}

func (l *Loader) appendLog(loadID, format string, args ...any) {
	if l.opts.Log != nil {
		l.opts.Log.Append(loadID, "[loader] "+format, args...)
	}
}

func (l *Loader) succeed(loadID, summary string) {
	if l.opts.Log != nil {
		l.opts.Log.Success(loadID, summary)
	}
}

// fail closes the load log. Superseded loads are dropped quietly since
// nobody is waiting for their details.
func (l *Loader) fail(loadID string, err error) error {
	if l.opts.Log != nil {
		if errors.Is(err, ErrSuperseded) {
			l.opts.Log.Success(loadID, "superseded")
		} else {
			l.opts.Log.FlushError(loadID, err)
		}
	} else if !errors.Is(err, ErrSuperseded) {
		l.opts.Logf("[loader] %v", err)
	}
	return err
}
