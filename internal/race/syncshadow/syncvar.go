package syncshadow

import (
	"sync"

	"github.com/kolkov/racecore/internal/race/sharedclock"
	"github.com/kolkov/racecore/internal/race/vectorclock"
)

// WaitGroupState tracks a WaitGroup: Done merges into doneClock, Wait acquires it.
type WaitGroupState struct {
	doneClock sharedclock.SyncClock
	counter   int32
}

// ChannelState tracks channel close. Sends and receives use the SyncVar clock itself.
type ChannelState struct {
	closeClock sharedclock.SyncClock
	isClosed   bool
}

// SyncVar is the shadow of one synchronization object.
//
// Methods take the clock of the calling thread, which must be owned by the caller.
// Thread Safety: all methods are safe for concurrent use.
type SyncVar struct {
	mu sync.Mutex

	// clock is the release clock: mutex unlocks, atomic releases, annotations and
	// channel sends publish into it.
	clock sharedclock.SyncClock

	channel   *ChannelState
	waitGroup *WaitGroupState
}

// Acquire merges the object's clock into thr.
func (sv *SyncVar) Acquire(thr *sharedclock.ThreadClock) {
	sv.mu.Lock()
	thr.Acquire(&sv.clock)
	sv.mu.Unlock()
}

// Release merges thr into the object's clock.
func (sv *SyncVar) Release(thr *sharedclock.ThreadClock) {
	sv.mu.Lock()
	thr.Release(&sv.clock)
	sv.mu.Unlock()
}

// ReleaseStore replaces the object's clock with thr.
func (sv *SyncVar) ReleaseStore(thr *sharedclock.ThreadClock) {
	sv.mu.Lock()
	thr.ReleaseStore(&sv.clock)
	sv.mu.Unlock()
}

// ReleaseAcquire acquires the object's clock and then replaces it with thr.
func (sv *SyncVar) ReleaseAcquire(thr *sharedclock.ThreadClock) {
	sv.mu.Lock()
	thr.ReleaseAcquire(&sv.clock)
	sv.mu.Unlock()
}

// ReleaseStoreAcquire exchanges knowledge between thr and the object.
func (sv *SyncVar) ReleaseStoreAcquire(thr *sharedclock.ThreadClock) {
	sv.mu.Lock()
	thr.ReleaseStoreAcquire(&sv.clock)
	sv.mu.Unlock()
}

// ChannelSend publishes the sender's knowledge to receivers. Buffered channels may
// hold values of several senders, so sends merge.
func (sv *SyncVar) ChannelSend(thr *sharedclock.ThreadClock) {
	sv.Release(thr)
}

// ChannelRecv acquires what senders published and, once the channel is closed, what the
// closer knew.
func (sv *SyncVar) ChannelRecv(thr *sharedclock.ThreadClock) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	thr.Acquire(&sv.clock)
	if sv.channel != nil && sv.channel.isClosed {
		thr.Acquire(&sv.channel.closeClock)
	}
}

// ChannelClose records the closer's knowledge. Only the first close counts.
func (sv *SyncVar) ChannelClose(thr *sharedclock.ThreadClock) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.channel == nil {
		sv.channel = &ChannelState{}
	}
	if sv.channel.isClosed {
		return
	}
	thr.ReleaseStore(&sv.channel.closeClock)
	sv.channel.isClosed = true
}

// IsChannelClosed reports whether ChannelClose was called.
func (sv *SyncVar) IsChannelClosed() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.channel != nil && sv.channel.isClosed
}

// WaitGroupAdd adjusts the counter and returns the new value.
func (sv *SyncVar) WaitGroupAdd(delta int) int32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.waitGroup == nil {
		sv.waitGroup = &WaitGroupState{}
	}
	sv.waitGroup.counter += int32(delta) //nolint:gosec // G115: WaitGroup delta is typically small (<1000), overflow unlikely
	return sv.waitGroup.counter
}

// WaitGroupDone merges the finishing thread's knowledge and decrements the counter.
func (sv *SyncVar) WaitGroupDone(thr *sharedclock.ThreadClock) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.waitGroup == nil {
		sv.waitGroup = &WaitGroupState{}
	}
	thr.Release(&sv.waitGroup.doneClock)
	sv.waitGroup.counter--
}

// WaitGroupWait acquires the knowledge of every Done so far.
func (sv *SyncVar) WaitGroupWait(thr *sharedclock.ThreadClock) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.waitGroup != nil {
		thr.Acquire(&sv.waitGroup.doneClock)
	}
}

// WaitGroupCounter returns the WaitGroup counter.
func (sv *SyncVar) WaitGroupCounter() int32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.waitGroup == nil {
		return 0
	}
	return sv.waitGroup.counter
}

// ReleaseClock returns the release clock as a plain vector clock, nil if the object was
// never released.
func (sv *SyncVar) ReleaseClock() *vectorclock.VectorClock {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.clock.VectorClock()
}

// Reset drops every clock the object holds, returning storage through c.
func (sv *SyncVar) Reset(c *sharedclock.Cache) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	sv.clock.Reset(c)
	if sv.channel != nil {
		sv.channel.closeClock.Reset(c)
		sv.channel = nil
	}
	if sv.waitGroup != nil {
		sv.waitGroup.doneClock.Reset(c)
		sv.waitGroup = nil
	}
}
