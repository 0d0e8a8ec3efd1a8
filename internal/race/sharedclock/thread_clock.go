package sharedclock

import (
	"github.com/kolkov/racecore/internal/race/epoch"
	"github.com/kolkov/racecore/internal/race/vectorclock"
)

// VersionGap is added to a slot's version high-water mark when a new clock is attached to
// the slot. Any acquirer holding a version of an older owner's clock then sees a
// difference of at least ThreadSlotCount and falls back to a full scan.
const VersionGap = epoch.ThreadSlotCount

// ThreadClock is the clock of one running thread.
//
// The thread's own entry is kept in local instead of the shared clock so that advancing
// the epoch after each release never forces a copy of a clock still referenced by sync
// objects. uclk[r] is the version of slot r's clock this thread has already incorporated.
//
// A ThreadClock is owned by its thread: only that thread calls its methods.
type ThreadClock struct {
	sid   epoch.Sid
	local epoch.Epoch
	clock *SharedClock
	uclk  [slots]uint32

	cache *Cache
	stats *Stats
}

// NewThreadClock creates the clock of a thread attached to sid, running at start and
// versioning its clock from version. cache must be private to the thread.
func NewThreadClock(sid epoch.Sid, start epoch.Epoch, version uint32, cache *Cache, stats *Stats) *ThreadClock {
	if stats == nil {
		stats = &Stats{}
	}
	return &ThreadClock{
		sid:   sid,
		local: start,
		clock: newClock(cache, version),
		cache: cache,
		stats: stats,
	}
}

// Sid returns the slot the thread is attached to.
func (t *ThreadClock) Sid() epoch.Sid {
	return t.sid
}

// Local returns the thread's current epoch.
//
//go:nosplit
func (t *ThreadClock) Local() epoch.Epoch {
	return t.local
}

// Version returns the version of the thread's clock.
func (t *ThreadClock) Version() uint32 {
	return t.clock.u
}

// Get returns what the thread knows about sid.
//
//go:nosplit
func (t *ThreadClock) Get(sid epoch.Sid) epoch.Epoch {
	if sid == t.sid {
		return t.local
	}
	return t.clock.clk[sid]
}

// Snapshot returns the thread's knowledge as a plain vector clock.
func (t *ThreadClock) Snapshot() vectorclock.VectorClock {
	vc := t.clock.VectorClock()
	vc[t.sid] = t.local
	return vc
}

// Tick advances the local epoch.
func (t *ThreadClock) Tick() {
	t.local++
}

// mutable makes the thread clock private before an in-place update.
func (t *ThreadClock) mutable() {
	if t.clock.refs.Load() > 1 {
		t.clock = t.clock.Unshare(t.cache)
		t.stats.Clones.Add(1)
	}
}

// learn raises the entry for sid to e. The thread's own entry is never taken from others.
func (t *ThreadClock) learn(sid epoch.Sid, e epoch.Epoch) {
	if sid == t.sid || e <= t.clock.clk[sid] {
		return
	}
	t.mutable()
	t.clock.Set(sid, e)
}

// Acquire incorporates everything src knows: t = t ⊔ src. An empty src is a no-op.
//
// Algorithm:
//  1. Store-released src whose version the thread already incorporated: only the
//     releaser's local epoch can be new (skip path, O(1)).
//  2. Store-released src with diff = src.u - uclk[releaser] < slots: walk the first diff
//     entries of src's recency list, which contain every slot changed since.
//  3. Otherwise (merged src or large diff): scan every slot.
func (t *ThreadClock) Acquire(src *SyncClock) {
	if src.clock == nil {
		return
	}
	t.stats.Acquires.Add(1)

	r := src.releaser
	if !src.store {
		t.stats.FullScans.Add(1)
		t.scan(src.clock)
		t.learn(r, src.releaserEpoch)
		return
	}

	if src.u <= t.uclk[r] {
		t.stats.AcquireSkips.Add(1)
		t.learn(r, src.releaserEpoch)
		return
	}

	if diff := src.u - t.uclk[r]; diff < slots {
		t.stats.PartialWalks.Add(1)
		src.clock.Walk(int(diff), func(sid epoch.Sid, e epoch.Epoch) bool {
			t.learn(sid, e)
			return true
		})
	} else {
		t.stats.FullScans.Add(1)
		t.scan(src.clock)
	}
	t.learn(r, src.releaserEpoch)
	t.uclk[r] = src.u
}

func (t *ThreadClock) scan(src *SharedClock) {
	for i := 0; i < slots; i++ {
		t.learn(epoch.Sid(i), src.clk[i])
	}
}

// ReleaseStore replaces dst with the thread's knowledge. The clock is shared by reference;
// the thread copies it on its next update.
func (t *ThreadClock) ReleaseStore(dst *SyncClock) {
	t.stats.Releases.Add(1)
	t.stats.StoreShares.Add(1)

	t.clock.HoldRef()
	if dst.clock != nil {
		dst.clock.DropRef(t.cache)
	}
	dst.set(t.clock, t.sid, t.local, true)
	t.uclk[t.sid] = t.clock.u
	t.Tick()
}

// Release merges the thread's knowledge into dst.
//
// An empty dst, or one the thread already dominates, degenerates into ReleaseStore. A
// shared target is joined into a new clock; a private one is updated in place.
func (t *ThreadClock) Release(dst *SyncClock) {
	if dst.clock == nil || t.dominates(dst) {
		t.ReleaseStore(dst)
		return
	}
	t.stats.Releases.Add(1)

	var target *SharedClock
	if dst.clock.refs.Load() > 1 {
		t.stats.Joins.Add(1)
		target = Join(t.cache, dst.clock, t.clock)
		dst.clock.DropRef(t.cache)
	} else {
		target = dst.clock
		target.joinFrom(t.clock)
	}
	if dst.store {
		target.setMax(dst.releaser, dst.releaserEpoch)
	}
	target.setMax(t.sid, t.local)

	dst.set(target, t.sid, t.local, false)
	t.Tick()
}

// dominates reports whether the thread already knows everything dst knows.
func (t *ThreadClock) dominates(dst *SyncClock) bool {
	if t.Get(dst.releaser) < dst.releaserEpoch {
		return false
	}
	for i := 0; i < slots; i++ {
		if t.Get(epoch.Sid(i)) < dst.clock.clk[i] {
			return false
		}
	}
	return true
}

// ReleaseAcquire is the acq_rel RMW protocol: Acquire(dst) then ReleaseStore(dst).
func (t *ThreadClock) ReleaseAcquire(dst *SyncClock) {
	t.Acquire(dst)
	t.ReleaseStore(dst)
}

// ReleaseStoreAcquire exchanges knowledge with dst: the thread learns dst, and dst
// receives the thread's knowledge from before the exchange.
func (t *ThreadClock) ReleaseStoreAcquire(dst *SyncClock) {
	t.stats.Releases.Add(1)

	prev, prevLocal := t.clock, t.local
	prev.HoldRef()
	t.Acquire(dst)

	if dst.clock != nil {
		dst.clock.DropRef(t.cache)
	}
	dst.set(prev, t.sid, prevLocal, true)
	if prev.u > t.uclk[t.sid] {
		t.uclk[t.sid] = prev.u
	}
	t.Tick()
}

// Reattach moves the thread to slot sid, starting at epoch start with its clock versioned
// from at least version. The thread keeps all its knowledge, including its own history
// under the previous slot.
func (t *ThreadClock) Reattach(sid epoch.Sid, start epoch.Epoch, version uint32) {
	old := t.sid
	t.mutable()
	t.sid = sid
	t.clock.setMax(old, t.local)
	if t.clock.u < version {
		t.clock.u = version
	}
	t.local = start
	t.uclk[sid] = 0
}

// Close drops the thread's clock reference. The thread must not be used afterwards.
func (t *ThreadClock) Close() {
	if t.clock != nil {
		t.clock.DropRef(t.cache)
		t.clock = nil
	}
}
