package detector

import (
	"github.com/kolkov/racecore/internal/race/goroutine"
	"github.com/kolkov/racecore/internal/race/shadowmem"
)

// MemoryOrder is the C11 memory order of an atomic operation.
type MemoryOrder uint8

// Memory orders, in the numbering of the C11 memory_order enum.
const (
	OrderRelaxed MemoryOrder = iota
	OrderConsume
	OrderAcquire
	OrderRelease
	OrderAcqRel
	OrderSeqCst
)

func (mo MemoryOrder) String() string {
	switch mo {
	case OrderRelaxed:
		return "relaxed"
	case OrderConsume:
		return "consume"
	case OrderAcquire:
		return "acquire"
	case OrderRelease:
		return "release"
	case OrderAcqRel:
		return "acq_rel"
	case OrderSeqCst:
		return "seq_cst"
	default:
		return "invalid"
	}
}

// Acquires reports whether an operation with order mo acquires. Consume is treated as
// acquire.
func (mo MemoryOrder) Acquires() bool {
	return mo == OrderConsume || mo == OrderAcquire || mo == OrderAcqRel || mo == OrderSeqCst
}

// Releases reports whether an operation with order mo releases.
func (mo MemoryOrder) Releases() bool {
	return mo == OrderRelease || mo == OrderAcqRel || mo == OrderSeqCst
}

// The atomic hooks record the access and update clocks only; the caller performs the
// operation itself. The access is recorded first, at the epoch the release publishes.

// AtomicLoad is called for an atomic load of size bytes at addr.
func (d *Detector) AtomicLoad(thr *goroutine.RaceContext, pc, addr, size uintptr, mo MemoryOrder) {
	d.MemoryAccess(thr, pc, addr, size, shadowmem.AccessRead|shadowmem.AccessAtomic)
	if mo.Acquires() {
		d.Acquire(thr, addr)
	}
}

// AtomicStore is called for an atomic store.
func (d *Detector) AtomicStore(thr *goroutine.RaceContext, pc, addr, size uintptr, mo MemoryOrder) {
	d.MemoryAccess(thr, pc, addr, size, shadowmem.AccessAtomic)
	if mo.Releases() {
		d.ReleaseStore(thr, addr)
	}
}

// AtomicRMW is called for an atomic read-modify-write (add, and, or, xor, swap).
// A release RMW merges so that release sequences headed by other threads survive.
func (d *Detector) AtomicRMW(thr *goroutine.RaceContext, pc, addr, size uintptr, mo MemoryOrder) {
	d.MemoryAccess(thr, pc, addr, size, shadowmem.AccessAtomic)
	d.rmwSync(thr, addr, mo)
}

// AtomicCAS is called for a compare-and-swap. A failed CAS is a load with order fmo.
func (d *Detector) AtomicCAS(thr *goroutine.RaceContext, pc, addr, size uintptr, mo, fmo MemoryOrder, swapped bool) {
	if !swapped {
		d.AtomicLoad(thr, pc, addr, size, fmo)
		return
	}
	d.MemoryAccess(thr, pc, addr, size, shadowmem.AccessAtomic)
	d.rmwSync(thr, addr, mo)
}

func (d *Detector) rmwSync(thr *goroutine.RaceContext, addr uintptr, mo MemoryOrder) {
	switch {
	case mo == OrderAcqRel || mo == OrderSeqCst:
		d.ReleaseAcquire(thr, addr)
	case mo.Releases():
		d.Release(thr, addr)
	case mo.Acquires():
		d.Acquire(thr, addr)
	}
}
