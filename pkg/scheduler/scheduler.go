// Package scheduler decides when recompute passes run and when their results
// may be applied. Results are never applied while the map is animating; any
// work requested during an animation collapses into one pass after it ends.
//
// The scheduler is a single goroutine owning all of its state, the subscriber
// table included. Passes run on their own goroutine, at most one at a time.
// Subscribers are called from a separate dispatcher goroutine that never
// talks back to the loop, so callbacks may call back into the scheduler,
// subscribe, or unsubscribe themselves.
package scheduler

import (
	"context"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"geocluster-map/pkg/cluster"
	"geocluster-map/pkg/geo"
	"geocluster-map/pkg/metrics"
)

// Phase is the animation-related state of the scheduler.
type Phase int

const (
	Idle Phase = iota
	Animating
	PendingDuringAnimation
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Animating:
		return "animating"
	case PendingDuringAnimation:
		return "pending"
	}
	return "unknown"
}

// Kind distinguishes passes that need fresh data from restyles that only
// recluster what is already loaded.
type Kind int

const (
	KindStyle Kind = iota
	KindData
)

func (k Kind) String() string {
	if k == KindData {
		return "data"
	}
	return "style"
}

// Trigger describes the pass to run. Bounds are meaningful when HasBounds is
// set; Force asks the pass to ignore cached coverage.
type Trigger struct {
	Kind      Kind
	Bounds    geo.ViewportBounds
	HasBounds bool
	Zoom      float64
	Force     bool
}

// merge folds next into t. A data trigger supersedes a style trigger; the
// latest zoom always wins.
func (t Trigger) merge(next Trigger) Trigger {
	out := next
	if t.Kind == KindData && next.Kind == KindStyle {
		out = t
		out.Zoom = next.Zoom
	}
	out.Force = t.Force || next.Force
	return out
}

// PassFunc computes the features for a trigger. It should return promptly
// once ctx is cancelled.
type PassFunc func(ctx context.Context, t Trigger) ([]cluster.Feature, error)

// Notice is delivered to subscribers after every applied or failed pass.
type Notice struct {
	Features []cluster.Feature
	Err      error
	Pass     uint64
}

// RenderState is a snapshot of the scheduler.
type RenderState struct {
	Phase             Phase               `json:"-"`
	PhaseName         string              `json:"phase"`
	IsAnimating       bool                `json:"isAnimating"`
	PendingRecompute  bool                `json:"pendingRecompute"`
	LastAppliedBounds *geo.ViewportBounds `json:"lastAppliedBounds,omitempty"`
	LastZoom          float64             `json:"lastZoom"`
	Running           bool                `json:"running"`
}

// Options holds the debounce windows.
type Options struct {
	DataDebounce  time.Duration // default 250ms
	StyleDebounce time.Duration // default 50ms
	Logf          func(string, ...any)
}

type eventKind int

const (
	evRequest eventKind = iota
	evRefresh
	evAnimStart
	evAnimEnd
)

type event struct {
	kind    eventKind
	trigger Trigger
}

type passResult struct {
	id       uint64
	trigger  Trigger
	features []cluster.Feature
	err      error
}

// Scheduler is the render state machine.
type Scheduler struct {
	pass PassFunc
	opts Options

	events    chan event
	results   chan passResult
	features  chan chan []cluster.Feature
	states    chan chan RenderState
	notices   chan delivery
	subscribe chan subscriber
	unsub     chan int
	quit      chan struct{}
	done      chan struct{}
}

type subscriber struct {
	entry *subEntry
	reply chan int
}

// subEntry is shared with the dispatcher; removed is checked at delivery so
// an unsubscribe takes effect even for notices already queued.
type subEntry struct {
	id      int
	fn      func(Notice)
	removed atomic.Bool
}

// delivery is a notice plus the subscribers registered when it was queued.
type delivery struct {
	notice Notice
	subs   []*subEntry
}

// New starts the scheduler and its dispatcher.
func New(pass PassFunc, opts Options) *Scheduler {
	if opts.DataDebounce <= 0 {
		opts.DataDebounce = 250 * time.Millisecond
	}
	if opts.StyleDebounce <= 0 {
		opts.StyleDebounce = 50 * time.Millisecond
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	s := &Scheduler{
		pass:      pass,
		opts:      opts,
		events:    make(chan event),
		results:   make(chan passResult),
		features:  make(chan chan []cluster.Feature),
		states:    make(chan chan RenderState),
		notices:   make(chan delivery),
		subscribe: make(chan subscriber),
		unsub:     make(chan int, 16),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.loop()
	go s.dispatch()
	return s
}

// RequestViewport asks for a data pass over bounds at zoom.
func (s *Scheduler) RequestViewport(b geo.ViewportBounds, zoom float64) {
	s.send(event{kind: evRequest, trigger: Trigger{Kind: KindData, Bounds: b, HasBounds: true, Zoom: zoom}})
}

// RequestRestyle asks for a recluster of the loaded records at zoom.
func (s *Scheduler) RequestRestyle(zoom float64) {
	s.send(event{kind: evRequest, trigger: Trigger{Kind: KindStyle, Zoom: zoom}})
}

// Refresh queues a forced data pass for the last requested viewport,
// skipping the debounce window.
func (s *Scheduler) Refresh() {
	s.send(event{kind: evRefresh, trigger: Trigger{Kind: KindData, Force: true}})
}

// AnimationStarted marks the start of a zoom or pan transition.
func (s *Scheduler) AnimationStarted() { s.send(event{kind: evAnimStart}) }

// AnimationEnded marks its end and releases any collapsed work.
func (s *Scheduler) AnimationEnded() { s.send(event{kind: evAnimEnd}) }

func (s *Scheduler) send(ev event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

// CurrentFeatures returns a copy of the applied feature set.
func (s *Scheduler) CurrentFeatures() []cluster.Feature {
	reply := make(chan []cluster.Feature, 1)
	select {
	case s.features <- reply:
	case <-s.quit:
		return nil
	}
	select {
	case f := <-reply:
		return f
	case <-s.done:
		return nil
	}
}

// State returns a snapshot of the state machine.
func (s *Scheduler) State() RenderState {
	reply := make(chan RenderState, 1)
	select {
	case s.states <- reply:
	case <-s.quit:
		return RenderState{}
	}
	select {
	case st := <-reply:
		return st
	case <-s.done:
		return RenderState{}
	}
}

// Subscribe registers fn for every Notice. The returned function removes it.
func (s *Scheduler) Subscribe(fn func(Notice)) (unsubscribe func()) {
	entry := &subEntry{fn: fn}
	sub := subscriber{entry: entry, reply: make(chan int, 1)}
	select {
	case s.subscribe <- sub:
	case <-s.quit:
		return func() {}
	}
	var id int
	select {
	case id = <-sub.reply:
	case <-s.quit:
		return func() {}
	}
	return func() {
		if entry.removed.Swap(true) {
			return
		}
		select {
		case s.unsub <- id:
		case <-s.quit:
		}
	}
}

// Close cancels any running pass and stops both goroutines.
func (s *Scheduler) Close() {
	select {
	case <-s.quit:
		return
	default:
	}
	close(s.quit)
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)

	var (
		phase    = Idle
		pending  bool     // work collapsed during an animation
		next     *Trigger // coalesced work not yet started
		ready    bool     // next has passed its debounce window
		lastReq  Trigger  // last data trigger, used to fill restyles and refreshes
		haveReq  bool
		features []cluster.Feature
		applied  *geo.ViewportBounds
		lastZoom float64

		running   bool
		runID     uint64
		runTrig   Trigger
		runCancel context.CancelFunc
		runDone   chan struct{}
		cancelled bool

		timer  *time.Timer
		timerC <-chan time.Time
		outbox []delivery
		subs   = make(map[int]*subEntry)
		subID  int
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	armTimer := func(d time.Duration) {
		stopTimer()
		timer = time.NewTimer(d)
		timerC = timer.C
	}
	notify := func(n Notice) {
		list := make([]*subEntry, 0, len(subs))
		for _, e := range subs {
			list = append(list, e)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
		outbox = append(outbox, delivery{notice: n, subs: list})
	}
	queue := func(t Trigger) {
		if next == nil {
			next = &t
			return
		}
		merged := next.merge(t)
		next = &merged
	}
	// supersede cancels the running pass when t needs data elsewhere.
	supersede := func(t Trigger) {
		if !running || cancelled || t.Kind != KindData {
			return
		}
		if runTrig.Kind == KindData && runTrig.Bounds == t.Bounds && !t.Force {
			return
		}
		cancelled = true
		runCancel()
	}
	start := func() {
		if running || next == nil || !ready || phase != Idle {
			return
		}
		t := *next
		next, ready = nil, false
		ctx, cancel := context.WithCancel(context.Background())
		runID++
		running, runTrig, runCancel, cancelled = true, t, cancel, false
		runDone = make(chan struct{})
		go func(id uint64, done chan struct{}) {
			defer close(done)
			f, err := s.pass(ctx, t)
			select {
			case s.results <- passResult{id: id, trigger: t, features: f, err: err}:
			case <-s.quit:
			}
		}(runID, runDone)
	}

	for {
		var out chan delivery
		var head delivery
		if len(outbox) > 0 {
			out, head = s.notices, outbox[0]
		}

		select {
		case <-s.quit:
			stopTimer()
			if running {
				// Wait so the pass never outlives the components it uses.
				runCancel()
				<-runDone
			}
			return

		case ev := <-s.events:
			switch ev.kind {
			case evRequest, evRefresh:
				t := ev.trigger
				switch {
				case t.HasBounds:
					lastReq, haveReq = t, true
				case haveReq:
					t.Bounds, t.HasBounds = lastReq.Bounds, true
				}
				queue(t)
				supersede(*next)
				if phase != Idle {
					pending = true
					phase = PendingDuringAnimation
					continue
				}
				if ev.kind == evRefresh {
					stopTimer()
					ready = true
					start()
					continue
				}
				ready = false
				if next.Kind == KindData {
					armTimer(s.opts.DataDebounce)
				} else {
					armTimer(s.opts.StyleDebounce)
				}

			case evAnimStart:
				if timer != nil {
					// Debounced work waiting to start is held for the animation.
					stopTimer()
					pending = true
				}
				phase = Animating

			case evAnimEnd:
				if phase == Idle {
					continue
				}
				phase = Idle
				if pending {
					pending = false
					ready = next != nil
					start()
				}
			}

		case <-timerC:
			timer, timerC = nil, nil
			ready = true
			start()

		case res := <-s.results:
			if res.id != runID {
				continue
			}
			running = false
			runCancel()
			kind := res.trigger.Kind.String()
			switch {
			case cancelled:
				metrics.RecomputePasses.WithLabelValues(kind, "superseded").Inc()
			case phase != Idle:
				// No mutation during an animation; redo the work afterwards.
				metrics.RecomputePasses.WithLabelValues(kind, "deferred").Inc()
				redo := res.trigger
				if next != nil {
					redo = redo.merge(*next)
				}
				next = &redo
				pending = true
				phase = PendingDuringAnimation
			case res.err != nil:
				metrics.RecomputePasses.WithLabelValues(kind, "failed").Inc()
				s.opts.Logf("[scheduler] pass %d failed: %v", res.id, res.err)
				notify(Notice{Err: res.err, Pass: res.id})
			default:
				metrics.RecomputePasses.WithLabelValues(kind, "applied").Inc()
				features = res.features
				metrics.RenderedFeatures.Set(float64(len(features)))
				if res.trigger.HasBounds {
					b := res.trigger.Bounds
					applied = &b
				}
				lastZoom = res.trigger.Zoom
				notify(Notice{Features: copyFeatures(features), Pass: res.id})
			}
			start()

		case reply := <-s.features:
			reply <- copyFeatures(features)

		case reply := <-s.states:
			st := RenderState{
				Phase:            phase,
				PhaseName:        phase.String(),
				IsAnimating:      phase != Idle,
				PendingRecompute: pending,
				LastZoom:         lastZoom,
				Running:          running,
			}
			if applied != nil {
				b := *applied
				st.LastAppliedBounds = &b
			}
			reply <- st

		case sub := <-s.subscribe:
			subID++
			sub.entry.id = subID
			subs[subID] = sub.entry
			sub.reply <- subID

		case id := <-s.unsub:
			delete(subs, id)

		case out <- head:
			outbox = outbox[1:]
		}
	}
}

// dispatch delivers notices in order. It only receives from the loop, so a
// callback blocking on the scheduler cannot stall it.
func (s *Scheduler) dispatch() {
	for {
		select {
		case <-s.quit:
			return
		case d := <-s.notices:
			for _, e := range d.subs {
				if !e.removed.Load() {
					e.fn(d.notice)
				}
			}
		}
	}
}

func copyFeatures(in []cluster.Feature) []cluster.Feature {
	if in == nil {
		return nil
	}
	out := make([]cluster.Feature, len(in))
	copy(out, in)
	return out
}
