package index

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/originos/memod/internal/memlog"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// slowEmbedder delays every call and records that it started.
type slowEmbedder struct {
	inner   Embedder
	delay   time.Duration
	started atomic.Bool
}

func (s *slowEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.started.Store(true)
	time.Sleep(s.delay)
	return s.inner.Embed(ctx, text)
}
func (s *slowEmbedder) Model() string   { return s.inner.Model() }
func (s *slowEmbedder) Dimensions() int { return s.inner.Dimensions() }

// trackingEmbedder records the high-water mark of concurrent Embed calls.
// One build embeds records sequentially, so a watermark above 1 means two
// builds ran at the same time.
type trackingEmbedder struct {
	inner   Embedder
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (e *trackingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		m := e.maxSeen.Load()
		if n <= m || e.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return e.inner.Embed(ctx, text)
}
func (e *trackingEmbedder) Model() string   { return e.inner.Model() }
func (e *trackingEmbedder) Dimensions() int { return e.inner.Dimensions() }

// flakyEmbedder fails once fail is set.
type flakyEmbedder struct {
	inner Embedder
	fail  atomic.Bool
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail.Load() {
		return nil, errors.New("backend down")
	}
	return f.inner.Embed(ctx, text)
}
func (f *flakyEmbedder) Model() string   { return f.inner.Model() }
func (f *flakyEmbedder) Dimensions() int { return f.inner.Dimensions() }

func TestDebounceCoalescesNotifications(t *testing.T) {
	l := testLog(t)
	mustAppend(t, l, memlog.Record{Type: memlog.TypeObservation, Content: "burst write"})

	ix := New(l, nil, NewHashEmbedder(64))
	sched := NewScheduler(ix, 50*time.Millisecond)
	defer sched.Close()

	// A burst of writes within the debounce window.
	for i := 0; i < 10; i++ {
		sched.Notify()
	}

	waitFor(t, 2*time.Second, func() bool { return ix.Active() != nil })

	// Give a straggler build a chance to happen, then assert exactly one.
	time.Sleep(150 * time.Millisecond)
	if got := sched.Builds(); got != 1 {
		t.Errorf("builds = %d, want 1", got)
	}
}

func TestNotifyDuringBuildSchedulesAnother(t *testing.T) {
	l := testLog(t)
	mustAppend(t, l, memlog.Record{Type: memlog.TypeObservation, Content: "x"})

	slow := &slowEmbedder{inner: NewHashEmbedder(64), delay: 100 * time.Millisecond}
	ix := New(l, nil, slow)
	sched := NewScheduler(ix, 10*time.Millisecond)
	defer sched.Close()

	sched.Notify()
	// Wait until the first build is underway, then notify again.
	waitFor(t, time.Second, func() bool { return slow.started.Load() })
	sched.Notify()

	waitFor(t, 3*time.Second, func() bool { return sched.Builds() == 2 })
}

func TestSingleBuildInFlight(t *testing.T) {
	l := testLog(t)
	mustAppend(t, l, memlog.Record{Type: memlog.TypeObservation, Content: "x"})

	emb := &trackingEmbedder{inner: NewHashEmbedder(16)}
	ix := New(l, nil, emb)
	sched := NewScheduler(ix, time.Millisecond)
	defer sched.Close()

	// Hammer Notify so some calls land in the instant the debounce timer
	// fires. A fire racing a re-arm must not start a second build.
	stop := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(stop) {
		sched.Notify()
		time.Sleep(200 * time.Microsecond)
	}

	waitFor(t, 5*time.Second, func() bool { return sched.Builds() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if got := emb.maxSeen.Load(); got != 1 {
		t.Errorf("observed %d concurrent builds, want 1", got)
	}
}

func TestFailedBuildKeepsPriorSnapshot(t *testing.T) {
	l := testLog(t)
	mustAppend(t, l, memlog.Record{Type: memlog.TypeObservation, Content: "x"})

	flaky := &flakyEmbedder{inner: NewHashEmbedder(64)}
	ix := New(l, nil, flaky)

	// First build succeeds and is published.
	snap, err := ix.ForceRebuild(context.Background())
	if err != nil {
		t.Fatalf("ForceRebuild: %v", err)
	}

	// Subsequent scheduled build fails; the active snapshot must survive.
	flaky.fail.Store(true)
	mustAppend(t, l, memlog.Record{Type: memlog.TypeObservation, Content: "y"})

	sched := NewScheduler(ix, 10*time.Millisecond)
	defer sched.Close()
	sched.Notify()

	waitFor(t, 2*time.Second, func() bool { return sched.Builds() >= 1 })
	if ix.Active() != snap {
		t.Error("failed rebuild replaced the active snapshot")
	}
}
