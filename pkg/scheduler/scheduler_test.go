package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"geocluster-map/pkg/cluster"
	"geocluster-map/pkg/geo"
)

func quiet(string, ...any) {}

func bounds(n float64) geo.ViewportBounds {
	return geo.ViewportBounds{North: n + 1, South: n, East: 1, West: 0}
}

// recorder is a PassFunc that remembers every trigger it ran.
type recorder struct {
	mu       sync.Mutex
	triggers []Trigger
	started  chan Trigger
	gate     chan struct{} // when non-nil, passes wait for a value or ctx
	fail     error
}

func newRecorder() *recorder {
	return &recorder{started: make(chan Trigger, 64)}
}

func (r *recorder) pass(ctx context.Context, t Trigger) ([]cluster.Feature, error) {
	r.mu.Lock()
	r.triggers = append(r.triggers, t)
	gate, fail := r.gate, r.fail
	r.mu.Unlock()
	r.started <- t
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	return []cluster.Feature{cluster.Point{ID: t.Kind.String(), Lat: t.Bounds.South, Lon: t.Zoom}}, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

func newScheduler(t *testing.T, r *recorder) (*Scheduler, chan Notice) {
	t.Helper()
	s := New(r.pass, Options{DataDebounce: 20 * time.Millisecond, StyleDebounce: 5 * time.Millisecond, Logf: quiet})
	t.Cleanup(s.Close)
	notices := make(chan Notice, 64)
	s.Subscribe(func(n Notice) { notices <- n })
	return s, notices
}

func waitNotice(t *testing.T, ch <-chan Notice) Notice {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("no notice delivered")
	}
	return Notice{}
}

func waitStarted(t *testing.T, r *recorder) Trigger {
	t.Helper()
	select {
	case tr := <-r.started:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatalf("pass did not start")
	}
	return Trigger{}
}

func expectQuiet(t *testing.T, ch <-chan Notice, d time.Duration) {
	t.Helper()
	select {
	case n := <-ch:
		t.Fatalf("unexpected notice %+v", n)
	case <-time.After(d):
	}
}

func TestRequestsDuringAnimationCollapseIntoOnePass(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	s, notices := newScheduler(t, r)

	s.AnimationStarted()
	for i := 0; i < 5; i++ {
		s.RequestViewport(bounds(float64(i)), 10)
	}
	expectQuiet(t, notices, 80*time.Millisecond)
	if n := r.count(); n != 0 {
		t.Fatalf("%d passes ran during the animation", n)
	}
	st := s.State()
	if st.Phase != PendingDuringAnimation || !st.PendingRecompute || !st.IsAnimating {
		t.Fatalf("state during animation = %+v", st)
	}

	s.AnimationEnded()
	n := waitNotice(t, notices)
	if n.Err != nil {
		t.Fatalf("notice error: %v", n.Err)
	}
	expectQuiet(t, notices, 80*time.Millisecond)
	if got := r.count(); got != 1 {
		t.Fatalf("passes after animation end = %d, want 1", got)
	}
	if r.triggers[0].Bounds != bounds(4) {
		t.Fatalf("pass ran for %v, want the latest bounds", r.triggers[0].Bounds)
	}
	if st := s.State(); st.Phase != Idle || st.PendingRecompute {
		t.Fatalf("state after pass = %+v", st)
	}
}

func TestAnimationWithoutRequestsRunsNothing(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	s, notices := newScheduler(t, r)
	s.AnimationStarted()
	s.AnimationEnded()
	expectQuiet(t, notices, 50*time.Millisecond)
	if r.count() != 0 {
		t.Fatalf("pass ran without a request")
	}
}

func TestIdleRequestsAreDebounced(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	s, notices := newScheduler(t, r)
	for i := 0; i < 5; i++ {
		s.RequestViewport(bounds(float64(i)), 11)
	}
	waitNotice(t, notices)
	expectQuiet(t, notices, 60*time.Millisecond)
	if got := r.count(); got != 1 {
		t.Fatalf("passes = %d, want 1", got)
	}
	st := s.State()
	if st.LastAppliedBounds == nil || *st.LastAppliedBounds != bounds(4) || st.LastZoom != 11 {
		t.Fatalf("state = %+v", st)
	}
}

func TestDataTriggerSupersedesPendingRestyle(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	s, notices := newScheduler(t, r)
	s.RequestRestyle(9)
	s.RequestViewport(bounds(2), 12)
	waitNotice(t, notices)
	expectQuiet(t, notices, 60*time.Millisecond)

	if got := r.count(); got != 1 {
		t.Fatalf("passes = %d, want 1", got)
	}
	if tr := r.triggers[0]; tr.Kind != KindData || tr.Zoom != 12 {
		t.Fatalf("trigger = %+v", tr)
	}
}

func TestRestyleUsesLastRequestedBounds(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	s, notices := newScheduler(t, r)
	s.RequestViewport(bounds(3), 10)
	waitNotice(t, notices)
	s.RequestRestyle(13)
	waitNotice(t, notices)

	tr := r.triggers[1]
	if tr.Kind != KindStyle || !tr.HasBounds || tr.Bounds != bounds(3) || tr.Zoom != 13 {
		t.Fatalf("restyle trigger = %+v", tr)
	}
}

func TestTriggersDuringPassScheduleOneFollowUp(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	r.gate = make(chan struct{})
	s, notices := newScheduler(t, r)

	s.RequestViewport(bounds(1), 10)
	waitStarted(t, r)
	s.RequestRestyle(11)
	s.RequestRestyle(12)
	time.Sleep(30 * time.Millisecond) // let the debounce elapse while running
	r.gate <- struct{}{}
	waitNotice(t, notices)

	tr := waitStarted(t, r)
	if tr.Kind != KindStyle || tr.Zoom != 12 {
		t.Fatalf("follow-up trigger = %+v", tr)
	}
	r.gate <- struct{}{}
	waitNotice(t, notices)
	expectQuiet(t, notices, 60*time.Millisecond)
	if got := r.count(); got != 2 {
		t.Fatalf("passes = %d, want 2", got)
	}
}

func TestNewerBoundsCancelRunningPass(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	r.gate = make(chan struct{})
	s, notices := newScheduler(t, r)

	s.RequestViewport(bounds(1), 10)
	waitStarted(t, r)
	s.RequestViewport(bounds(5), 10)

	second := waitStarted(t, r)
	if second.Bounds != bounds(5) {
		t.Fatalf("second pass bounds = %v", second.Bounds)
	}
	r.gate <- struct{}{}
	n := waitNotice(t, notices)
	if n.Err != nil {
		t.Fatalf("superseded pass reported an error: %v", n.Err)
	}
	if p := n.Features[0].(cluster.Point); p.Lat != bounds(5).South {
		t.Fatalf("applied features from %v", p)
	}
	expectQuiet(t, notices, 60*time.Millisecond)
}

func TestFailureKeepsPreviousFeatures(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	s, notices := newScheduler(t, r)

	s.RequestViewport(bounds(1), 10)
	first := waitNotice(t, notices)
	if len(first.Features) != 1 {
		t.Fatalf("first notice = %+v", first)
	}

	boom := errors.New("backend down")
	r.mu.Lock()
	r.fail = boom
	r.mu.Unlock()
	s.RequestViewport(bounds(2), 10)
	n := waitNotice(t, notices)
	if !errors.Is(n.Err, boom) {
		t.Fatalf("notice err = %v", n.Err)
	}
	expectQuiet(t, notices, 60*time.Millisecond)

	got := s.CurrentFeatures()
	if len(got) != 1 || got[0].(cluster.Point).Lat != bounds(1).South {
		t.Fatalf("features after failure = %+v", got)
	}
	if st := s.State(); st.Phase != Idle || st.Running {
		t.Fatalf("state after failure = %+v", st)
	}
}

func TestResultDuringAnimationIsDeferred(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	r.gate = make(chan struct{})
	s, notices := newScheduler(t, r)

	s.RequestViewport(bounds(1), 10)
	waitStarted(t, r)
	s.AnimationStarted()
	r.gate <- struct{}{}
	expectQuiet(t, notices, 60*time.Millisecond)

	if f := s.CurrentFeatures(); len(f) != 0 {
		t.Fatalf("features mutated during animation: %+v", f)
	}
	if st := s.State(); !st.PendingRecompute {
		t.Fatalf("discarded result did not set pending: %+v", st)
	}

	s.AnimationEnded()
	tr := waitStarted(t, r)
	if tr.Bounds != bounds(1) {
		t.Fatalf("re-run bounds = %v", tr.Bounds)
	}
	r.gate <- struct{}{}
	waitNotice(t, notices)
	if got := r.count(); got != 2 {
		t.Fatalf("passes = %d, want 2", got)
	}
}

func TestRefreshSkipsDebounceAndForces(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	s, notices := newScheduler(t, r)
	s.RequestViewport(bounds(1), 10)
	waitNotice(t, notices)

	s.Refresh()
	tr := waitStarted(t, r) // first started value belongs to the first pass
	if tr.Force {
		t.Fatalf("initial pass forced")
	}
	tr = waitStarted(t, r)
	if !tr.Force || tr.Kind != KindData || tr.Bounds != bounds(1) {
		t.Fatalf("refresh trigger = %+v", tr)
	}
	waitNotice(t, notices)
}

func TestSubscribersMayCallBack(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	s := New(r.pass, Options{DataDebounce: 5 * time.Millisecond, Logf: quiet})
	defer s.Close()

	got := make(chan RenderState, 1)
	unsubscribe := s.Subscribe(func(Notice) { got <- s.State() })
	s.RequestViewport(bounds(1), 10)

	select {
	case st := <-got:
		if st.LastAppliedBounds == nil {
			t.Fatalf("state from callback = %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback deadlocked")
	}
	unsubscribe()
}

func TestCallbackMayUnsubscribeAndResubscribe(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	s, notices := newScheduler(t, r)

	once := make(chan uint64, 4)
	late := make(chan uint64, 4)
	var unsubscribe func()
	unsubscribe = s.Subscribe(func(n Notice) {
		unsubscribe()
		s.Subscribe(func(n Notice) { late <- n.Pass })
		once <- n.Pass
	})

	s.RequestViewport(bounds(1), 10)
	first := waitNotice(t, notices)
	select {
	case p := <-once:
		if p != first.Pass {
			t.Fatalf("one-shot saw pass %d, want %d", p, first.Pass)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("one-shot callback never returned")
	}

	s.RequestViewport(bounds(5), 10)
	second := waitNotice(t, notices)
	select {
	case p := <-late:
		if p != second.Pass {
			t.Fatalf("resubscribed callback saw pass %d, want %d", p, second.Pass)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber added from a callback never received a notice")
	}
	select {
	case p := <-once:
		t.Fatalf("unsubscribed callback fired again for pass %d", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCurrentFeaturesReturnsCopy(t *testing.T) {
	t.Parallel()

	r := newRecorder()
	s, notices := newScheduler(t, r)
	s.RequestViewport(bounds(1), 10)
	waitNotice(t, notices)

	a := s.CurrentFeatures()
	a[0] = cluster.Point{ID: "mutated"}
	if b := s.CurrentFeatures(); b[0].(cluster.Point).ID == "mutated" {
		t.Fatalf("CurrentFeatures exposed internal state")
	}
}
