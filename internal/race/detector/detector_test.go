package detector

import (
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/racecore/internal/race/epoch"
	"github.com/kolkov/racecore/internal/race/goroutine"
	"github.com/kolkov/racecore/internal/race/invariant"
	"github.com/kolkov/racecore/internal/race/shadowmem"
	"github.com/kolkov/racecore/internal/race/slots"
)

const (
	addrX = uintptr(0x1000)
	addrY = uintptr(0x2000)
	lockL = uintptr(0x9000)
)

// newTestDetector creates a detector collecting its reports. mutate adjusts the options.
func newTestDetector(t testing.TB, mutate ...func(*Options)) (*Detector, *CollectingReporter) {
	t.Helper()
	rep := &CollectingReporter{}
	opts := DefaultOptions()
	opts.Reporter = rep
	opts.Logger = zaptest.NewLogger(t)
	for _, m := range mutate {
		m(&opts)
	}
	d, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return d, rep
}

// spawn creates and starts a thread. Tests drive several contexts from one goroutine,
// which the detector allows as long as each context is used by one goroutine at a time.
func spawn(d *Detector, parent *goroutine.RaceContext, id int64) *goroutine.RaceContext {
	thr := d.NewThread(parent, id)
	d.StartThread(thr)
	return thr
}

//go:noinline
func callerPC() uintptr {
	pc, _, _, _ := runtime.Caller(1)
	return pc
}

func write(d *Detector, thr *goroutine.RaceContext, addr uintptr) bool {
	return d.MemoryAccess(thr, callerPC(), addr, 8, shadowmem.AccessWrite)
}

func read(d *Detector, thr *goroutine.RaceContext, addr uintptr) bool {
	return d.MemoryAccess(thr, callerPC(), addr, 8, shadowmem.AccessRead)
}

// TestCallerPCIsCallSite verifies that the helper reports the test function, so report
// stacks built from it symbolize to the test.
func TestCallerPCIsCallSite(t *testing.T) {
	frames := runtime.CallersFrames([]uintptr{callerPC()})
	if f, _ := frames.Next(); !strings.Contains(f.Function, "TestCallerPCIsCallSite") {
		t.Errorf("callerPC() symbolizes to %q", f.Function)
	}
}

// TestNew_InvalidOptions verifies that Validate reports every bad setting.
func TestNew_InvalidOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		errs   int
	}{
		{"defaults", func(*Options) {}, 0},
		{"max epoch too small", func(o *Options) { o.MaxEpoch = epoch.EpochFirst }, 1},
		{"max epoch too large", func(o *Options) { o.MaxEpoch = epoch.EpochLast + 1 }, 1},
		{"sample rate", func(o *Options) { o.SampleRate = maxSampleRate + 1 }, 1},
		{"reporter without reports", func(o *Options) {
			o.ReportBugs = false
			o.Reporter = &CollectingReporter{}
		}, 1},
		{"all at once", func(o *Options) {
			o.MaxEpoch = 0
			o.SampleRate = maxSampleRate * 2
			o.ReportBugs = false
			o.Reporter = &CollectingReporter{}
		}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			_, err := New(opts)
			if got := len(multierr.Errors(err)); got != tt.errs {
				t.Errorf("New() errors = %v (%d), want %d", err, got, tt.errs)
			}
		})
	}
}

// TestFirstAccessNoRace verifies that a lone thread never races with itself.
func TestFirstAccessNoRace(t *testing.T) {
	d, rep := newTestDetector(t)
	main := spawn(d, nil, 1)

	if write(d, main, addrX) || read(d, main, addrX) || write(d, main, addrX) {
		t.Error("single thread reported a race")
	}
	if rep.Len() != 0 {
		t.Errorf("reports = %d, want 0", rep.Len())
	}
	if h := d.History(addrX); h.Write.Sid() != main.Sid() {
		t.Errorf("History().Write = %v, want a write by %v", h.Write, main.Sid())
	}
}

// TestUnsynchronizedWritesRace verifies that two unordered writers race.
func TestUnsynchronizedWritesRace(t *testing.T) {
	d, rep := newTestDetector(t)
	main := spawn(d, nil, 1)
	a, b := spawn(d, main, 2), spawn(d, main, 3)

	write(d, a, addrX)
	if !write(d, b, addrX) {
		t.Fatal("unsynchronized writes did not race")
	}

	reports := rep.Reports()
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	r := reports[0]
	if r.Kind != RaceTypeWriteWrite || r.Addr != addrX {
		t.Errorf("report = %s at 0x%x, want %s at 0x%x", r.Kind, r.Addr, RaceTypeWriteWrite, addrX)
	}
	if r.Current.ThreadID != 3 || r.Previous.ThreadID != 2 {
		t.Errorf("threads = %d vs %d, want 3 vs 2", r.Current.ThreadID, r.Previous.ThreadID)
	}
	if r.Previous.Sid != a.Sid() || r.Previous.Epoch != epoch.EpochFirst {
		t.Errorf("previous = %v@%d, want %v@1", r.Previous.Sid, r.Previous.Epoch, a.Sid())
	}
	if d.RacesDetected() != 1 {
		t.Errorf("RacesDetected() = %d, want 1", d.RacesDetected())
	}
}

// TestLockOrderedWritesDoNotRace verifies that a mutex orders the critical sections.
func TestLockOrderedWritesDoNotRace(t *testing.T) {
	d, rep := newTestDetector(t)
	main := spawn(d, nil, 1)
	a, b := spawn(d, main, 2), spawn(d, main, 3)

	d.MutexLock(a, lockL)
	write(d, a, addrX)
	d.MutexUnlock(a, lockL)

	d.MutexLock(b, lockL)
	write(d, b, addrX)
	d.MutexUnlock(b, lockL)

	if rep.Len() != 0 {
		t.Errorf("lock-ordered writes reported %d races", rep.Len())
	}
}

// TestReadWriteSymmetry verifies both orders of a read and a write.
func TestReadWriteSymmetry(t *testing.T) {
	tests := []struct {
		name        string
		first, then shadowmem.AccessType
		synced      bool
		race        bool
		kind        string
	}{
		{"write then read", shadowmem.AccessWrite, shadowmem.AccessRead, false, true, RaceTypeWriteRead},
		{"read then write", shadowmem.AccessRead, shadowmem.AccessWrite, false, true, RaceTypeReadWrite},
		{"read then read", shadowmem.AccessRead, shadowmem.AccessRead, false, false, ""},
		{"write then read, locked", shadowmem.AccessWrite, shadowmem.AccessRead, true, false, ""},
		{"read then write, locked", shadowmem.AccessRead, shadowmem.AccessWrite, true, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, rep := newTestDetector(t)
			main := spawn(d, nil, 1)
			t1, t2 := spawn(d, main, 2), spawn(d, main, 3)

			d.MemoryAccess(t1, 0, addrX, 8, tt.first)
			if tt.synced {
				d.MutexUnlock(t1, lockL)
				d.MutexLock(t2, lockL)
			}
			if got := d.MemoryAccess(t2, 0, addrX, 8, tt.then); got != tt.race {
				t.Fatalf("race = %v, want %v", got, tt.race)
			}
			if tt.race && rep.Reports()[0].Kind != tt.kind {
				t.Errorf("kind = %s, want %s", rep.Reports()[0].Kind, tt.kind)
			}
		})
	}
}

// TestReadSharing verifies that concurrent readers are all remembered and a later write
// is checked against each of them.
func TestReadSharing(t *testing.T) {
	d, rep := newTestDetector(t)
	main := spawn(d, nil, 1)
	write(d, main, addrX)
	r1, r2, w := spawn(d, main, 2), spawn(d, main, 3), spawn(d, main, 4)

	if read(d, r1, addrX) || read(d, r2, addrX) {
		t.Fatal("readers ordered after the write raced")
	}
	if got := len(d.History(addrX).Reads); got != 2 {
		t.Fatalf("readers remembered = %d, want 2", got)
	}

	// w learns r1 only: the race must be found against r2.
	d.ReleaseStore(r1, lockL)
	d.Acquire(w, lockL)
	if !write(d, w, addrX) {
		t.Fatal("write after unsynchronized readers did not race")
	}
	r := rep.Reports()[0]
	if r.Kind != RaceTypeReadWrite || r.Previous.ThreadID != 3 {
		t.Errorf("report = %s against goroutine %d, want %s against 3", r.Kind, r.Previous.ThreadID, RaceTypeReadWrite)
	}
}

// TestEndToEndScenario: A writes X and releases L; B acquires L and writes Y; C never
// touches L and writes X.
func TestEndToEndScenario(t *testing.T) {
	d, rep := newTestDetector(t)
	main := spawn(d, nil, 1)
	a, b, c := spawn(d, main, 2), spawn(d, main, 3), spawn(d, main, 4)

	if write(d, a, addrX) {
		t.Fatal("A's write raced")
	}
	d.Release(a, lockL)

	d.Acquire(b, lockL)
	if write(d, b, addrY) {
		t.Fatal("B's write to Y raced")
	}

	if !write(d, c, addrX) {
		t.Fatal("C's write to X did not race with A's")
	}
	r := rep.Reports()[0]
	if r.Previous.ThreadID != 2 || r.Current.ThreadID != 4 {
		t.Errorf("race between %d and %d, want 2 and 4", r.Previous.ThreadID, r.Current.ThreadID)
	}
	if rep.Len() != 1 {
		t.Errorf("reports = %d, want 1", rep.Len())
	}
}

// TestThreadLifecycle verifies creation and join edges.
func TestThreadLifecycle(t *testing.T) {
	d, rep := newTestDetector(t)
	main := spawn(d, nil, 1)

	write(d, main, addrX)
	child := spawn(d, main, 2)
	if read(d, child, addrX) {
		t.Error("child raced with the parent's write before the spawn")
	}
	write(d, child, addrY)
	d.FinishThread(child)

	if d.Threads() != 2 {
		t.Errorf("Threads() = %d, want 2 (main and the unjoined child)", d.Threads())
	}
	d.JoinThread(main, child)
	d.JoinThread(main, child) // second join is a no-op
	if d.Threads() != 1 {
		t.Errorf("Threads() after join = %d, want 1", d.Threads())
	}
	if write(d, main, addrY) {
		t.Error("parent raced with the joined child's write")
	}
	if rep.Len() != 0 {
		t.Errorf("reports = %d, want 0", rep.Len())
	}
}

// TestDetachThread verifies that detached threads release their bookkeeping without
// ordering anything after them.
func TestDetachThread(t *testing.T) {
	d, rep := newTestDetector(t)
	main := spawn(d, nil, 1)

	early := spawn(d, main, 2)
	d.DetachThread(early)
	write(d, early, addrX)
	d.FinishThread(early)

	late := spawn(d, main, 3)
	write(d, late, addrY)
	d.FinishThread(late)
	d.DetachThread(late)
	d.DetachThread(late) // unknown contexts are ignored

	if d.Threads() != 1 {
		t.Errorf("Threads() = %d, want 1", d.Threads())
	}
	write(d, main, addrX)
	write(d, main, addrY)
	if rep.Len() != 2 {
		t.Errorf("reports = %d, want 2 (detached threads are never joined)", rep.Len())
	}
}

// TestLifecycleMisuseIsFatal verifies that finishing or starting twice and joining a
// running thread are invariant violations.
func TestLifecycleMisuseIsFatal(t *testing.T) {
	d, _ := newTestDetector(t)
	main := spawn(d, nil, 1)

	fatal := func(name string, fn func()) {
		t.Helper()
		err := func() (err error) {
			defer invariant.Recover(&err)
			fn()
			return nil
		}()
		var v *invariant.Violation
		if !errors.As(err, &v) {
			t.Errorf("%s: err = %v, want *invariant.Violation", name, err)
		}
	}

	running := spawn(d, main, 2)
	fatal("start twice", func() { d.StartThread(running) })
	fatal("join running", func() { d.JoinThread(main, running) })

	d.FinishThread(running)
	fatal("finish twice", func() { d.FinishThread(running) })
	d.JoinThread(main, running)
}

// TestSlotReuseAfterJoin verifies that a joined thread's slot is reused soundly: the new
// owner is ordered after the old one and starts past its epochs.
func TestSlotReuseAfterJoin(t *testing.T) {
	d, rep := newTestDetector(t)
	main := spawn(d, nil, 0)

	first := spawn(d, main, 1)
	write(d, first, addrX)
	reused := first.Sid()
	d.FinishThread(first)
	d.JoinThread(main, first)

	// Use up the never-used slots.
	for i := 2; i < epoch.ThreadSlotCount; i++ {
		thr := spawn(d, main, int64(i))
		d.FinishThread(thr)
		d.JoinThread(main, thr)
	}

	next := spawn(d, main, 1000)
	if next.Sid() != reused {
		t.Fatalf("new thread got %v, want the oldest sound slot %v", next.Sid(), reused)
	}
	if next.GetEpoch() <= epoch.EpochFirst {
		t.Errorf("reused slot starts at %d, want past the old owner's epochs", next.GetEpoch())
	}
	if write(d, next, addrX) {
		t.Error("new owner raced with the joined old owner")
	}
	st := d.Stats().Slots
	if st.SoundReuses != 1 || st.GraceReuses != 0 {
		t.Errorf("slot stats = %+v, want one sound reuse", st)
	}
	if rep.Len() != 0 {
		t.Errorf("reports = %d, want 0", rep.Len())
	}
}

// TestGraceSlotReuse verifies the warning when every slot is held by an unjoined thread.
func TestGraceSlotReuse(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d, _ := newTestDetector(t, func(o *Options) { o.Logger = zap.New(core) })
	main := spawn(d, nil, 0)

	for i := 1; i < epoch.ThreadSlotCount; i++ {
		d.FinishThread(spawn(d, main, int64(i)))
	}
	extra := spawn(d, main, 1000)

	if got := d.Stats().Slots.GraceReuses; got != 1 {
		t.Errorf("GraceReuses = %d, want 1", got)
	}
	if logs.FilterMessageSnippet("reusing thread slot").Len() != 1 {
		t.Errorf("grace reuse not logged: %v", logs.All())
	}
	if d.slots.State(extra.Sid()) != slots.Live {
		t.Errorf("slot %v state = %v, want live", extra.Sid(), d.slots.State(extra.Sid()))
	}
}

// TestEpochOverflowReattach verifies that a thread reaching MaxEpoch moves to a fresh slot
// and keeps both its knowledge and the visibility of its earlier accesses.
func TestEpochOverflowReattach(t *testing.T) {
	const maxEpoch = 10
	d, rep := newTestDetector(t, func(o *Options) { o.MaxEpoch = maxEpoch })
	main := spawn(d, nil, 1)
	a, b, c := spawn(d, main, 2), spawn(d, main, 3), spawn(d, main, 4)

	oldSid := a.Sid()
	write(d, a, addrX)
	for i := 0; i < 3*maxEpoch; i++ {
		d.ReleaseStore(a, lockL)
		if a.GetEpoch() >= maxEpoch {
			t.Fatalf("epoch %d reached the overflow threshold", a.GetEpoch())
		}
	}
	if a.Sid() == oldSid {
		t.Fatal("thread was not reattached")
	}
	if got := d.Stats().Slots.Reattached; got < 3 {
		t.Errorf("Reattached = %d, want at least 3", got)
	}
	if d.slots.State(oldSid) != slots.Retired {
		t.Errorf("old slot state = %v, want retired", d.slots.State(oldSid))
	}

	// a still owns its write under the old slot.
	if write(d, a, addrX) {
		t.Error("reattached thread raced with its own earlier write")
	}
	d.ReleaseStore(a, lockL)

	d.Acquire(b, lockL)
	if write(d, b, addrX) {
		t.Error("synchronized thread raced after the writer's reattach")
	}
	if !write(d, c, addrX) {
		t.Error("unsynchronized thread did not race")
	}
	if rep.Len() != 1 {
		t.Errorf("reports = %d, want 1", rep.Len())
	}
}

// TestIgnoreRegions verifies that ignored accesses are neither checked nor recorded.
func TestIgnoreRegions(t *testing.T) {
	d, rep := newTestDetector(t)
	main := spawn(d, nil, 1)
	a, b := spawn(d, main, 2), spawn(d, main, 3)

	a.IgnoreBegin()
	a.IgnoreBegin()
	write(d, a, addrX)
	a.IgnoreEnd()
	write(d, a, addrX)
	if !a.IgnoreEnd() || a.IgnoreEnd() {
		t.Error("IgnoreEnd nesting")
	}

	if write(d, b, addrX) {
		t.Error("access raced with an ignored write")
	}
	if rep.Len() != 0 {
		t.Errorf("reports = %d, want 0", rep.Len())
	}
}

// TestUseAfterFree verifies that accesses racing with a free are reported as such.
func TestUseAfterFree(t *testing.T) {
	d, rep := newTestDetector(t)
	main := spawn(d, nil, 1)
	a, b, c := spawn(d, main, 2), spawn(d, main, 3), spawn(d, main, 4)

	write(d, a, addrX)
	if d.MemoryRangeFreed(a, callerPC(), addrX, 16) {
		t.Fatal("free by the last writer raced")
	}
	if !read(d, b, addrX+8) {
		t.Fatal("read of freed memory did not race")
	}
	if r := rep.Reports()[0]; r.Kind != RaceTypeUseAfterFree || !r.Previous.Type.IsFree() {
		t.Errorf("report = %s, previous %v, want %s", r.Kind, r.Previous.Type, RaceTypeUseAfterFree)
	}

	// Memory handed out again has no history.
	d.MemoryRangeReset(addrX, 16)
	if write(d, c, addrX) {
		t.Error("access to reset memory raced")
	}
}

// TestFreeDropsSyncObjects verifies that freeing memory forgets mutexes inside it.
func TestFreeDropsSyncObjects(t *testing.T) {
	d, _ := newTestDetector(t)
	main := spawn(d, nil, 1)

	d.MutexUnlock(main, lockL)
	if d.Stats().SyncVars != 1 {
		t.Fatalf("SyncVars = %d, want 1", d.Stats().SyncVars)
	}
	d.MemoryRangeFreed(main, 0, lockL, 8)
	if d.Stats().SyncVars != 0 {
		t.Errorf("SyncVars after free = %d, want 0", d.Stats().SyncVars)
	}
}

// TestMemoryAccessRange verifies range accesses and the reported extent.
func TestMemoryAccessRange(t *testing.T) {
	const buf = uintptr(0x10000)
	d, rep := newTestDetector(t)
	main := spawn(d, nil, 1)
	a, b := spawn(d, main, 2), spawn(d, main, 3)

	if d.MemoryAccessRange(a, 0, buf, 64, true) {
		t.Fatal("first range write raced")
	}
	if d.MemoryAccessRange(a, 0, buf, 0, true) {
		t.Fatal("empty range raced")
	}
	if !read(d, b, buf+40) {
		t.Fatal("read inside the written range did not race")
	}

	r := rep.Reports()[0]
	want := AccessInfo{Addr: buf + 40, Size: 8, Type: shadowmem.AccessWrite, ThreadID: 2, Sid: a.Sid(), Epoch: epoch.EpochFirst}
	got := AccessInfo{Addr: r.Previous.Addr, Size: r.Previous.Size, Type: r.Previous.Type, ThreadID: r.Previous.ThreadID, Sid: r.Previous.Sid, Epoch: r.Previous.Epoch}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("previous access mismatch (-want +got):\n%s", diff)
	}
}

// TestSuppressEqualAddresses verifies deduplication of repeated races.
func TestSuppressEqualAddresses(t *testing.T) {
	for _, suppress := range []bool{true, false} {
		d, rep := newTestDetector(t, func(o *Options) { o.SuppressEqualAddresses = suppress })
		main := spawn(d, nil, 1)
		a, b := spawn(d, main, 2), spawn(d, main, 3)

		write(d, a, addrX)
		write(d, b, addrX)
		write(d, b, addrX) // The history is kept on a race, so this races again.

		want := 2
		if suppress {
			want = 1
		}
		if rep.Len() != want || d.RacesDetected() != want {
			t.Errorf("suppress=%v: reports = %d, RacesDetected = %d, want %d", suppress, rep.Len(), d.RacesDetected(), want)
		}
		if suppress && d.Stats().Suppressed != 1 {
			t.Errorf("Suppressed = %d, want 1", d.Stats().Suppressed)
		}
	}
}

// TestReportBugsDisabled verifies that disabling reports skips checks but keeps sync.
func TestReportBugsDisabled(t *testing.T) {
	d, _ := newTestDetector(t, func(o *Options) {
		o.ReportBugs = false
		o.Reporter = nil
	})
	main := spawn(d, nil, 1)
	a, b := spawn(d, main, 2), spawn(d, main, 3)

	write(d, a, addrX)
	if write(d, b, addrX) {
		t.Error("race reported with ReportBugs disabled")
	}
	d.ReleaseStore(a, lockL)
	d.Acquire(b, lockL)
	if b.Get(a.Sid()) == 0 {
		t.Error("synchronization not tracked with ReportBugs disabled")
	}
	if !d.History(addrX).Write.IsZero() {
		t.Error("access recorded with ReportBugs disabled")
	}
}

// TestDetectDeadlocksAccepted verifies that the flag is accepted and logged.
func TestDetectDeadlocksAccepted(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	newTestDetector(t, func(o *Options) {
		o.DetectDeadlocks = true
		o.Logger = zap.New(core)
	})
	if logs.FilterMessageSnippet("deadlock detection").Len() != 1 {
		t.Errorf("deadlock notice not logged: %v", logs.All())
	}
}

// TestConcurrentLockedCounter runs real goroutines incrementing a locked counter.
func TestConcurrentLockedCounter(t *testing.T) {
	d, rep := newTestDetector(t)
	main := spawn(d, nil, 0)

	const workers, iterations = 8, 200
	var mu sync.Mutex
	threads := make([]*goroutine.RaceContext, workers)
	for i := range threads {
		threads[i] = d.NewThread(main, int64(i+1))
	}

	var g errgroup.Group
	for _, thr := range threads {
		g.Go(func() error {
			d.StartThread(thr)
			for j := 0; j < iterations; j++ {
				mu.Lock()
				d.MutexLock(thr, lockL)
				read(d, thr, addrX)
				write(d, thr, addrX)
				d.MutexUnlock(thr, lockL)
				mu.Unlock()
			}
			d.FinishThread(thr)
			return nil
		})
	}
	_ = g.Wait()

	for _, thr := range threads {
		d.JoinThread(main, thr)
	}
	if read(d, main, addrX) {
		t.Error("parent raced after joining every worker")
	}
	if rep.Len() != 0 {
		t.Errorf("reports = %d, want 0: %v", rep.Len(), rep.Reports()[0])
	}
}

// TestConcurrentUnsynchronized runs real goroutines writing without synchronization.
// The detector must report races and survive contention on one cell.
func TestConcurrentUnsynchronized(t *testing.T) {
	d, _ := newTestDetector(t, func(o *Options) { o.SuppressEqualAddresses = false })
	main := spawn(d, nil, 0)

	const workers = 8
	threads := make([]*goroutine.RaceContext, workers)
	for i := range threads {
		threads[i] = d.NewThread(main, int64(i+1))
	}

	var g errgroup.Group
	for _, thr := range threads {
		g.Go(func() error {
			d.StartThread(thr)
			for j := 0; j < 100; j++ {
				write(d, thr, addrX)
			}
			d.FinishThread(thr)
			return nil
		})
	}
	_ = g.Wait()

	if d.RacesDetected() == 0 {
		t.Error("no race among unsynchronized writers")
	}
}
