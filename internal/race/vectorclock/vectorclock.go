// Package vectorclock implements the plain vector clock and its release/acquire protocol.
//
// A VectorClock holds one epoch per thread slot and summarizes, for every slot, the most
// recent event of that slot the owner causally knows about. Thread clocks and sync object
// clocks share the same representation; a sync object that was never released to has a nil
// clock.
//
// Key operations:
//   - Acquire: pointwise maximum (lock acquire, load-acquire)
//   - Release: merge into the sync clock (read unlock, release RMW)
//   - ReleaseStore: replace the sync clock (unlock, store-release)
//   - ReleaseAcquire: Acquire followed by ReleaseStore (acq_rel RMW)
//
// This is the reference strategy. The sharedclock package implements the same protocol with
// shared, version-counted clocks and must stay observationally equivalent to it.
package vectorclock

import (
	"strings"

	"github.com/kolkov/racecore/internal/race/epoch"
	"github.com/kolkov/racecore/internal/race/invariant"
)

// MaxThreads is the number of entries in a vector clock.
const MaxThreads = epoch.ThreadSlotCount

// VectorClock represents logical time across all thread slots.
//
// Layout: [Slot0, Slot1, ..., Slot255]
// Size: 256 × 4 bytes = 1KB, a fixed array so clocks never allocate on update.
type VectorClock [MaxThreads]epoch.Epoch

// New creates a zero-initialized vector clock.
func New() *VectorClock {
	return &VectorClock{}
}

// Clone creates a deep copy of the vector clock.
func (vc *VectorClock) Clone() *VectorClock {
	clone := &VectorClock{}
	*clone = *vc
	return clone
}

// Get returns the epoch stored for sid.
//
//go:nosplit
func (vc *VectorClock) Get(sid epoch.Sid) epoch.Epoch {
	return vc[sid]
}

// Set stores v for sid. The entry must not decrease.
func (vc *VectorClock) Set(sid epoch.Sid, v epoch.Epoch) {
	if v < vc[sid] {
		invariant.Failf(vc.String(), "vector clock decreased at %v: %d -> %d", sid, vc[sid], v)
	}
	vc[sid] = v
}

// Reset zeroes every entry. Used when a slot-owning thread is torn down and its clock
// object is recycled.
func (vc *VectorClock) Reset() {
	*vc = VectorClock{}
}

// Acquire performs vc = vc ⊔ src. A nil src (never released to) is a no-op.
//
// Algorithm: For each slot i, vc[i] = max(vc[i], src[i]).
//
//go:nosplit
func (vc *VectorClock) Acquire(src *VectorClock) {
	if src == nil {
		return
	}
	for i := 0; i < MaxThreads; i++ {
		if src[i] > vc[i] {
			vc[i] = src[i]
		}
	}
}

// Release merges vc into *dst, allocating *dst as a copy of vc when it does not exist yet.
func (vc *VectorClock) Release(dst **VectorClock) {
	if *dst == nil {
		*dst = vc.Clone()
		return
	}
	(*dst).Acquire(vc)
}

// ReleaseStore replaces *dst with a copy of vc.
func (vc *VectorClock) ReleaseStore(dst **VectorClock) {
	if *dst == nil {
		*dst = vc.Clone()
		return
	}
	**dst = *vc
}

// ReleaseAcquire acquires *dst and then stores the result back into it.
func (vc *VectorClock) ReleaseAcquire(dst **VectorClock) {
	vc.Acquire(*dst)
	vc.ReleaseStore(dst)
}

// ReleaseStoreAcquire exchanges knowledge with *dst: vc learns *dst and *dst receives vc's
// previous value. Only embedded language runtimes with bidirectional handoff need it.
func (vc *VectorClock) ReleaseStoreAcquire(dst **VectorClock) {
	old := *vc
	vc.Acquire(*dst)
	if *dst == nil {
		*dst = &VectorClock{}
	}
	**dst = old
}

// LessOrEqual checks partial order: vc ⊑ other.
//
//go:nosplit
func (vc *VectorClock) LessOrEqual(other *VectorClock) bool {
	for i := 0; i < MaxThreads; i++ {
		if vc[i] > other[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both clocks hold the same epochs.
func (vc *VectorClock) Equal(other *VectorClock) bool {
	return *vc == *other
}

// String returns "{sid:epoch, ...}" listing only non-zero entries.
func (vc *VectorClock) String() string {
	var parts []string
	for i := 0; i < MaxThreads; i++ {
		if vc[i] != 0 {
			parts = append(parts, epoch.Sid(i).String()+":"+vc[i].String())
		}
	}
	if len(parts) == 0 {
		return "{}"
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
