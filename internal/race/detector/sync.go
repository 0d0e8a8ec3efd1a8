package detector

import (
	"github.com/kolkov/racecore/internal/race/goroutine"
)

// Acquire makes every release into the object at addr happen before the rest of thr.
// Acquiring an object nobody released to is a no-op.
//
// Example:
//
//	mu.Lock()  // Compiler inserts: raceacquire(&mu)
//	x = 42     // Now happens-after previous critical section
func (d *Detector) Acquire(thr *goroutine.RaceContext, addr uintptr) {
	if sv := d.syncShadow.Get(addr); sv != nil {
		sv.Acquire(thr.Clock)
	}
}

// Release merges thr's knowledge into the object at addr, keeping what earlier
// releasers published.
func (d *Detector) Release(thr *goroutine.RaceContext, addr uintptr) {
	d.syncShadow.GetOrCreate(addr).Release(thr.Clock)
	d.afterRelease(thr)
}

// ReleaseStore replaces the object's knowledge with thr's.
func (d *Detector) ReleaseStore(thr *goroutine.RaceContext, addr uintptr) {
	d.syncShadow.GetOrCreate(addr).ReleaseStore(thr.Clock)
	d.afterRelease(thr)
}

// ReleaseAcquire acquires the object and then publishes thr's knowledge into it, as a
// read-modify-write with acquire-release order does.
func (d *Detector) ReleaseAcquire(thr *goroutine.RaceContext, addr uintptr) {
	d.syncShadow.GetOrCreate(addr).ReleaseAcquire(thr.Clock)
	d.afterRelease(thr)
}

// ReleaseStoreAcquire exchanges knowledge between thr and the object.
func (d *Detector) ReleaseStoreAcquire(thr *goroutine.RaceContext, addr uintptr) {
	d.syncShadow.GetOrCreate(addr).ReleaseStoreAcquire(thr.Clock)
	d.afterRelease(thr)
}

// === Mutexes ===

// MutexLock is called after thr locks the mutex at addr.
func (d *Detector) MutexLock(thr *goroutine.RaceContext, addr uintptr) {
	d.Acquire(thr, addr)
}

// MutexUnlock is called before thr unlocks the mutex at addr. The holder knows
// everything earlier holders published, so the release replaces the mutex clock.
func (d *Detector) MutexUnlock(thr *goroutine.RaceContext, addr uintptr) {
	d.ReleaseStore(thr, addr)
}

// MutexReadLock is called after thr read-locks the RWMutex at addr.
func (d *Detector) MutexReadLock(thr *goroutine.RaceContext, addr uintptr) {
	d.Acquire(thr, addr)
}

// MutexReadUnlock is called before thr read-unlocks the RWMutex at addr. Readers hold
// the lock together, so each one merges into the clock the next writer acquires.
//
// Example (RWMutex scenario):
//
//	// Reader 1
//	mu.RLock()   // Acquire
//	y = x        // Read
//	mu.RUnlock() // Release (merges Reader 1's clock)
//
//	// Reader 2
//	mu.RLock()   // Acquire
//	z = x        // Read
//	mu.RUnlock() // Release (merges Reader 2's clock)
//
//	// Writer
//	mu.Lock()    // Acquire (sees union of Reader 1 and Reader 2 clocks)
//	x = 42       // Write happens-after both readers
func (d *Detector) MutexReadUnlock(thr *goroutine.RaceContext, addr uintptr) {
	d.Release(thr, addr)
}

// === Channels ===

// ChannelSend is called after thr sends on the channel at ch. Send happens before the
// matching receive, for unbuffered and buffered channels.
func (d *Detector) ChannelSend(thr *goroutine.RaceContext, ch uintptr) {
	d.syncShadow.GetOrCreate(ch).ChannelSend(thr.Clock)
	d.afterRelease(thr)
}

// ChannelRecv is called after thr receives from the channel at ch.
func (d *Detector) ChannelRecv(thr *goroutine.RaceContext, ch uintptr) {
	if sv := d.syncShadow.Get(ch); sv != nil {
		sv.ChannelRecv(thr.Clock)
	}
}

// ChannelClose is called when thr closes the channel at ch. close(ch) happens before
// every receive that observes the closure.
func (d *Detector) ChannelClose(thr *goroutine.RaceContext, ch uintptr) {
	d.syncShadow.GetOrCreate(ch).ChannelClose(thr.Clock)
	d.afterRelease(thr)
}

// === WaitGroups ===

// WaitGroupAdd is called on WaitGroup.Add(delta). Add is not a synchronization point;
// the counter is tracked for diagnostics.
func (d *Detector) WaitGroupAdd(wg uintptr, delta int) {
	if n := d.syncShadow.GetOrCreate(wg).WaitGroupAdd(delta); n < 0 {
		d.log.Debug("negative WaitGroup counter")
	}
}

// WaitGroupDone is called when thr calls WaitGroup.Done(). All Done calls merge into a
// single clock the waiter acquires.
func (d *Detector) WaitGroupDone(thr *goroutine.RaceContext, wg uintptr) {
	d.syncShadow.GetOrCreate(wg).WaitGroupDone(thr.Clock)
	d.afterRelease(thr)
}

// WaitGroupWait is called after WaitGroup.Wait() returns in thr.
func (d *Detector) WaitGroupWait(thr *goroutine.RaceContext, wg uintptr) {
	if sv := d.syncShadow.Get(wg); sv != nil {
		sv.WaitGroupWait(thr.Clock)
	}
}
