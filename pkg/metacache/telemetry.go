package metacache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"geocluster-map/pkg/broadcast"
	"geocluster-map/pkg/metrics"
	"geocluster-map/pkg/store"
)

// Slot selects which pair of counters a cache reports into.
type Slot int

const (
	// SlotA counts record variant classifications.
	SlotA Slot = iota
	// SlotB counts record detail lookups.
	SlotB
)

// TelemetryKey is where counters are persisted and the bus topic they sync on.
const TelemetryKey = "metacache:telemetry"

var errTelemetryStopped = errors.New("telemetry stopped")

// Counters are monotonically increasing hit/miss totals for both slots.
type Counters struct {
	HitA  uint64 `json:"hitA"`
	MissA uint64 `json:"missA"`
	HitB  uint64 `json:"hitB"`
	MissB uint64 `json:"missB"`
}

type telemetryOp int

const (
	opHit telemetryOp = iota
	opMiss
	opSnapshot
	opReset
	opFlush
)

type telemetryRequest struct {
	op    telemetryOp
	slot  Slot
	reply chan telemetryResponse
}

type telemetryResponse struct {
	counters Counters
	err      error
}

// TelemetryOptions configures persistence and cross-context sync.
type TelemetryOptions struct {
	Store      store.Store   // nil keeps counters in memory only
	Bus        broadcast.Bus // nil disables cross-context adoption
	Origin     string        // identifies this context on the bus
	FlushDelay time.Duration // coalescing window for durable writes, default 1s
	IOTimeout  time.Duration // bound for one store/bus call, default 5s
	Logf       func(string, ...any)
}

// Telemetry owns the hit/miss counters of every metadata cache. Writes to
// durable storage are coalesced into at most one per FlushDelay; Reset and
// Close flush synchronously.
type Telemetry struct {
	opts     TelemetryOptions
	requests chan telemetryRequest
	quit     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
}

// NewTelemetry restores persisted counters (a corrupt record starts from
// zero) and starts the owning goroutine.
func NewTelemetry(opts TelemetryOptions) *Telemetry {
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = time.Second
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = 5 * time.Second
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	t := &Telemetry{
		opts:     opts,
		requests: make(chan telemetryRequest),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	initial := t.restore()

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	var incoming <-chan []byte
	if opts.Bus != nil {
		incoming = opts.Bus.Subscribe(ctx, TelemetryKey)
	}
	go t.loop(initial, incoming)
	return t
}

func (t *Telemetry) restore() Counters {
	if t.opts.Store == nil {
		return Counters{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.IOTimeout)
	defer cancel()
	raw, ok, err := t.opts.Store.Get(ctx, TelemetryKey)
	if err != nil {
		t.opts.Logf("[metacache] telemetry restore failed: %v", err)
		return Counters{}
	}
	if !ok {
		return Counters{}
	}
	var c Counters
	if err := json.Unmarshal(raw, &c); err != nil {
		t.opts.Logf("[metacache] %v", &CacheCorruptionError{Key: TelemetryKey, Err: err})
		if err := t.opts.Store.Remove(ctx, TelemetryKey); err != nil {
			t.opts.Logf("[metacache] drop corrupt telemetry: %v", err)
		}
		return Counters{}
	}
	return c
}

// Hit records a fresh-entry read for slot.
func (t *Telemetry) Hit(slot Slot) { t.send(telemetryRequest{op: opHit, slot: slot}) }

// Miss records a lookup for slot.
func (t *Telemetry) Miss(slot Slot) { t.send(telemetryRequest{op: opMiss, slot: slot}) }

func (t *Telemetry) send(req telemetryRequest) {
	if t == nil {
		return
	}
	select {
	case t.requests <- req:
	case <-t.quit:
	}
}

func (t *Telemetry) call(req telemetryRequest) (Counters, error) {
	if t == nil {
		return Counters{}, errTelemetryStopped
	}
	req.reply = make(chan telemetryResponse, 1)
	select {
	case t.requests <- req:
	case <-t.quit:
		return Counters{}, errTelemetryStopped
	}
	select {
	case resp := <-req.reply:
		return resp.counters, resp.err
	case <-t.done:
		return Counters{}, errTelemetryStopped
	}
}

// Snapshot returns a copy of the current counters.
func (t *Telemetry) Snapshot() Counters {
	c, _ := t.call(telemetryRequest{op: opSnapshot})
	return c
}

// Reset zeroes every counter and flushes immediately.
func (t *Telemetry) Reset() error {
	_, err := t.call(telemetryRequest{op: opReset})
	return err
}

// Flush forces a durable write of the current counters.
func (t *Telemetry) Flush() error {
	_, err := t.call(telemetryRequest{op: opFlush})
	return err
}

// Close flushes pending counters and stops the goroutine. Safe to call twice.
func (t *Telemetry) Close() {
	if t == nil {
		return
	}
	select {
	case <-t.quit:
		return
	default:
	}
	close(t.quit)
	<-t.done
	t.cancel()
}

func (t *Telemetry) loop(c Counters, incoming <-chan []byte) {
	defer close(t.done)

	dirty := false
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() error {
		dirty = false
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		return t.persist(c)
	}

	for {
		select {
		case <-t.quit:
			if dirty {
				if err := flush(); err != nil {
					t.opts.Logf("[metacache] final telemetry flush: %v", err)
				}
			}
			return
		case req := <-t.requests:
			switch req.op {
			case opHit, opMiss:
				c = bump(c, req.op, req.slot)
				dirty = true
				if timer == nil {
					timer = time.NewTimer(t.opts.FlushDelay)
					timerC = timer.C
				}
			case opSnapshot:
				req.reply <- telemetryResponse{counters: c}
			case opReset:
				c = Counters{}
				req.reply <- telemetryResponse{counters: c, err: flush()}
			case opFlush:
				req.reply <- telemetryResponse{counters: c, err: flush()}
			}
		case <-timerC:
			timer, timerC = nil, nil
			if err := flush(); err != nil {
				t.opts.Logf("[metacache] telemetry flush: %v", err)
			}
		case raw, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			env, err := decodeEnvelope(raw)
			if err != nil || env.Origin == t.opts.Origin || env.Kind != kindAdopt {
				continue
			}
			var in Counters
			if err := json.Unmarshal(env.Data, &in); err != nil {
				t.opts.Logf("[metacache] ignore telemetry message: %v", err)
				continue
			}
			// Adopt the incoming snapshot as-is; counts are not merged.
			c = in
			dirty = false
		}
	}
}

func bump(c Counters, op telemetryOp, slot Slot) Counters {
	switch {
	case op == opHit && slot == SlotA:
		c.HitA++
	case op == opMiss && slot == SlotA:
		c.MissA++
	case op == opHit && slot == SlotB:
		c.HitB++
	case op == opMiss && slot == SlotB:
		c.MissB++
	}
	return c
}

func (t *Telemetry) persist(c Counters) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.IOTimeout)
	defer cancel()
	if t.opts.Store != nil {
		if err := t.opts.Store.Set(ctx, TelemetryKey, raw); err != nil {
			return err
		}
		metrics.SnapshotWrites.WithLabelValues("telemetry").Inc()
	}
	if t.opts.Bus != nil {
		if err := publish(ctx, t.opts.Bus, TelemetryKey, envelope{Origin: t.opts.Origin, Kind: kindAdopt, Data: raw}); err != nil {
			t.opts.Logf("[metacache] publish telemetry: %v", err)
		}
	}
	return nil
}
