package sharedclock

import "sync/atomic"

// Stats counts engine events. A single Stats is shared by all threads of a detector.
type Stats struct {
	Acquires     atomic.Uint64 // Acquire calls with a non-empty source.
	AcquireSkips atomic.Uint64 // Acquires resolved by the version check alone.
	PartialWalks atomic.Uint64 // Acquires that walked a prefix of the recency list.
	FullScans    atomic.Uint64 // Acquires that scanned every slot.
	Releases     atomic.Uint64 // Release, ReleaseStore and ReleaseStoreAcquire calls.
	StoreShares  atomic.Uint64 // Releases that shared the thread clock by reference.
	Clones       atomic.Uint64 // Copy-on-write copies of the thread clock.
	Joins        atomic.Uint64 // Merges into a new clock because the target was shared.
}

// StatsSnapshot is a plain copy of Stats.
type StatsSnapshot struct {
	Acquires     uint64
	AcquireSkips uint64
	PartialWalks uint64
	FullScans    uint64
	Releases     uint64
	StoreShares  uint64
	Clones       uint64
	Joins        uint64
}

// Snapshot reads all counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Acquires:     s.Acquires.Load(),
		AcquireSkips: s.AcquireSkips.Load(),
		PartialWalks: s.PartialWalks.Load(),
		FullScans:    s.FullScans.Load(),
		Releases:     s.Releases.Load(),
		StoreShares:  s.StoreShares.Load(),
		Clones:       s.Clones.Load(),
		Joins:        s.Joins.Load(),
	}
}
