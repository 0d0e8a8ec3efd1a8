package syncshadow

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/kolkov/racecore/internal/race/epoch"
	"github.com/kolkov/racecore/internal/race/sharedclock"
)

type env struct {
	alloc *sharedclock.Allocator
	cache *sharedclock.Cache
}

func newEnv(t testing.TB) *env {
	t.Helper()
	a := sharedclock.NewAllocator()
	t.Cleanup(func() { _ = a.Close() })
	return &env{alloc: a, cache: a.NewCache()}
}

// thread creates a thread clock with its own cache, closed at cleanup.
func (e *env) thread(t testing.TB, sid epoch.Sid) *sharedclock.ThreadClock {
	t.Helper()
	c := e.alloc.NewCache()
	thr := sharedclock.NewThreadClock(sid, epoch.EpochFirst, sharedclock.VersionGap, c, nil)
	t.Cleanup(func() {
		thr.Close()
		c.Flush()
	})
	return thr
}

// TestGetOrCreate verifies lookup and creation.
func TestGetOrCreate(t *testing.T) {
	shadow := NewSyncShadow()

	if shadow.Get(0x1234) != nil {
		t.Fatal("Get() before creation returned a SyncVar")
	}
	sv1 := shadow.GetOrCreate(0x1234)
	if sv1 == nil || shadow.GetOrCreate(0x1234) != sv1 || shadow.Get(0x1234) != sv1 {
		t.Fatal("GetOrCreate returned different SyncVar instances for same address")
	}
	if shadow.GetOrCreate(0x5678) == sv1 {
		t.Error("GetOrCreate returned same SyncVar for different addresses")
	}
	if sv1.ReleaseClock() != nil {
		t.Error("fresh SyncVar has a release clock")
	}
	if shadow.Len() != 2 {
		t.Errorf("Len() = %d, want 2", shadow.Len())
	}
}

// TestGetOrCreate_Concurrent verifies thread-safe concurrent creation.
func TestGetOrCreate_Concurrent(t *testing.T) {
	shadow := NewSyncShadow()

	const numGoroutines = 64
	got := make([]*SyncVar, numGoroutines)
	var g errgroup.Group
	for i := 0; i < numGoroutines; i++ {
		g.Go(func() error {
			got[i] = shadow.GetOrCreate(0xABCD)
			return nil
		})
	}
	_ = g.Wait()
	for i := range got {
		if got[i] != got[0] {
			t.Fatalf("goroutine %d got a different SyncVar", i)
		}
	}
}

// TestMutexHandoff verifies Unlock → Lock ordering.
func TestMutexHandoff(t *testing.T) {
	e := newEnv(t)
	t1, t2 := e.thread(t, 1), e.thread(t, 2)
	sv := NewSyncShadow().GetOrCreate(0x1000)

	sv.Acquire(t1) // Lock on a never-unlocked mutex learns nothing.
	sv.ReleaseStore(t1)
	sv.Acquire(t2)
	if t2.Get(1) != epoch.EpochFirst {
		t.Errorf("t2 knows t1@%d, want %d", t2.Get(1), epoch.EpochFirst)
	}
	if rc := sv.ReleaseClock(); rc == nil || rc.Get(1) != epoch.EpochFirst {
		t.Errorf("release clock = %v", rc)
	}
	sv.Reset(e.cache)
}

// TestReadUnlockMerges verifies that read unlocks of several readers all reach the writer.
func TestReadUnlockMerges(t *testing.T) {
	e := newEnv(t)
	r1, r2, w := e.thread(t, 1), e.thread(t, 2), e.thread(t, 3)
	sv := NewSyncShadow().GetOrCreate(0x1000)

	sv.Release(r1)
	sv.Release(r2)
	sv.Acquire(w)
	if w.Get(1) != epoch.EpochFirst || w.Get(2) != epoch.EpochFirst {
		snap := w.Snapshot()
		t.Errorf("writer = %v, want both readers", snap.String())
	}
	sv.Reset(e.cache)
}

// TestChannel verifies send → receive and close → receive.
func TestChannel(t *testing.T) {
	e := newEnv(t)
	sender, closer, recv := e.thread(t, 1), e.thread(t, 2), e.thread(t, 3)
	sv := NewSyncShadow().GetOrCreate(0xC000)

	sv.ChannelSend(sender)
	sv.ChannelRecv(recv)
	if recv.Get(1) != epoch.EpochFirst {
		t.Errorf("receiver knows sender@%d", recv.Get(1))
	}
	if recv.Get(2) != 0 {
		t.Error("receiver learned the closer before the close")
	}

	sv.ChannelClose(closer)
	sv.ChannelClose(closer) // second close is ignored
	if !sv.IsChannelClosed() {
		t.Fatal("channel not closed")
	}
	sv.ChannelRecv(recv)
	if recv.Get(2) != epoch.EpochFirst {
		t.Errorf("receiver knows closer@%d, want %d", recv.Get(2), epoch.EpochFirst)
	}
	sv.Reset(e.cache)
}

// TestWaitGroup verifies Done → Wait for every worker.
func TestWaitGroup(t *testing.T) {
	e := newEnv(t)
	waiter := e.thread(t, 0)
	sv := NewSyncShadow().GetOrCreate(0xA000)

	if got := sv.WaitGroupAdd(3); got != 3 {
		t.Fatalf("WaitGroupAdd(3) = %d", got)
	}
	for sid := epoch.Sid(1); sid <= 3; sid++ {
		sv.WaitGroupDone(e.thread(t, sid))
	}
	if sv.WaitGroupCounter() != 0 {
		t.Errorf("counter = %d, want 0", sv.WaitGroupCounter())
	}
	sv.WaitGroupWait(waiter)
	for sid := epoch.Sid(1); sid <= 3; sid++ {
		if waiter.Get(sid) != epoch.EpochFirst {
			t.Errorf("waiter knows sid%d@%d", sid, waiter.Get(sid))
		}
	}
	sv.Reset(e.cache)
}

// TestDeleteRange verifies removal of objects inside freed memory.
func TestDeleteRange(t *testing.T) {
	e := newEnv(t)
	thr := e.thread(t, 1)
	shadow := NewSyncShadow()

	for _, addr := range []uintptr{0x1000, 0x1008, 0x1010, 0x2000} {
		shadow.GetOrCreate(addr).ReleaseStore(thr)
	}
	if n := shadow.DeleteRange(0x1000, 0x10, e.cache); n != 2 {
		t.Errorf("DeleteRange() = %d, want 2", n)
	}
	if shadow.Get(0x1008) != nil || shadow.Get(0x1010) == nil {
		t.Error("DeleteRange() removed the wrong objects")
	}

	shadow.Reset(e.cache)
	if shadow.Len() != 0 {
		t.Errorf("Len() after Reset = %d", shadow.Len())
	}
}

// TestDeleteRange_PageIndex verifies that a free visits only the indexed pages it
// covers, both for a small range and for one spanning far more pages than are indexed.
func TestDeleteRange_PageIndex(t *testing.T) {
	e := newEnv(t)
	shadow := NewSyncShadow()

	const pages = 64
	for i := uintptr(0); i < pages; i++ {
		base := 0x100000 + i<<pageShift
		shadow.GetOrCreate(base)
		shadow.GetOrCreate(base + 0x800)
	}
	if got := len(shadow.pages); got != pages {
		t.Fatalf("indexed pages = %d, want %d", got, pages)
	}

	// The second half of page 3 and the first half of page 4.
	if n := shadow.DeleteRange(0x100000+3<<pageShift+0x800, 1<<pageShift, e.cache); n != 2 {
		t.Errorf("DeleteRange() = %d, want 2", n)
	}
	if shadow.Get(0x100000+3<<pageShift) == nil || shadow.Get(0x100000+4<<pageShift+0x800) == nil {
		t.Error("DeleteRange() removed objects outside the range")
	}
	if got := len(shadow.pages); got != pages {
		t.Errorf("indexed pages = %d, want %d", got, pages)
	}

	// A range far wider than the index walks the index instead of the range.
	if n := shadow.DeleteRange(0x100000+8<<pageShift, 1<<30, e.cache); n != 2*(pages-8) {
		t.Errorf("DeleteRange(wide) = %d, want %d", n, 2*(pages-8))
	}
	if got := len(shadow.pages); got != 8 {
		t.Errorf("indexed pages = %d, want 8", got)
	}
	if shadow.Len() != 14 {
		t.Errorf("Len() = %d, want 14", shadow.Len())
	}

	if n := shadow.DeleteRange(0x100000, 0, e.cache); n != 0 {
		t.Errorf("DeleteRange(empty) = %d, want 0", n)
	}
	shadow.Reset(e.cache)
	if len(shadow.pages) != 0 {
		t.Errorf("indexed pages after Reset = %d", len(shadow.pages))
	}
}

// TestConcurrentLocking verifies the per-object mutex under contention: every thread that
// locks after another's unlock learns it.
func TestConcurrentLocking(t *testing.T) {
	e := newEnv(t)
	sv := NewSyncShadow().GetOrCreate(0x1000)

	const numGoroutines, iterations = 8, 200
	threads := make([]*sharedclock.ThreadClock, numGoroutines)
	for i := range threads {
		threads[i] = e.thread(t, epoch.Sid(i))
	}

	var g errgroup.Group
	for i := 0; i < numGoroutines; i++ {
		g.Go(func() error {
			for j := 0; j < iterations; j++ {
				sv.Acquire(threads[i])
				sv.ReleaseStore(threads[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	final := e.thread(t, 100)
	sv.Acquire(final)
	known := 0
	for i := range threads {
		if final.Get(epoch.Sid(i)) > 0 {
			known++
		}
	}
	if known == 0 {
		t.Error("final acquirer learned nothing")
	}
	sv.Reset(e.cache)
}
