package sharedclock

import (
	"github.com/kolkov/racecore/internal/race/epoch"
	"github.com/kolkov/racecore/internal/race/vectorclock"
)

// SyncClock is the clock state of one synchronization object.
//
// The zero value is a sync object that was never released to. Releases into and acquires
// from the same SyncClock must be serialized by the owner (the sync object's mutex).
type SyncClock struct {
	clock *SharedClock

	// u is the version of clock at the last release.
	u uint32

	// releaser is the slot of the last releasing thread and releaserEpoch its local epoch
	// at that release. The thread keeps its local epoch out of its shared clock, so the
	// clock entry for releaser may be stale and releaserEpoch is authoritative.
	releaser      epoch.Sid
	releaserEpoch epoch.Epoch

	// store is set when the last release replaced the clock, so clock is exactly the
	// releaser's clock at version u. Merged clocks have no such owner.
	store bool
}

// Empty reports whether the sync object was never released to.
func (s *SyncClock) Empty() bool {
	return s.clock == nil
}

// Get returns the effective epoch for sid, including the last releaser's local epoch.
func (s *SyncClock) Get(sid epoch.Sid) epoch.Epoch {
	if s.clock == nil {
		return epoch.EpochZero
	}
	e := s.clock.Get(sid)
	if sid == s.releaser && s.releaserEpoch > e {
		e = s.releaserEpoch
	}
	return e
}

// VectorClock returns the effective clock as a plain vector clock. The result of an
// empty SyncClock is nil.
func (s *SyncClock) VectorClock() *vectorclock.VectorClock {
	if s.clock == nil {
		return nil
	}
	vc := s.clock.VectorClock()
	if s.releaserEpoch > vc[s.releaser] {
		vc[s.releaser] = s.releaserEpoch
	}
	return &vc
}

// Releaser returns the slot and epoch of the last release and whether it was a store.
func (s *SyncClock) Releaser() (sid epoch.Sid, e epoch.Epoch, store bool) {
	return s.releaser, s.releaserEpoch, s.store
}

// Version returns the clock version recorded at the last release.
func (s *SyncClock) Version() uint32 {
	return s.u
}

// SharesWith reports whether both sync objects reference the same clock storage.
func (s *SyncClock) SharesWith(o *SyncClock) bool {
	return s.clock != nil && s.clock == o.clock
}

// Reset forgets all release history, dropping the clock reference through c.
func (s *SyncClock) Reset(c *Cache) {
	if s.clock != nil {
		s.clock.DropRef(c)
	}
	*s = SyncClock{}
}

func (s *SyncClock) set(clock *SharedClock, releaser epoch.Sid, e epoch.Epoch, store bool) {
	s.clock = clock
	s.u = clock.u
	s.releaser = releaser
	s.releaserEpoch = e
	s.store = store
}
