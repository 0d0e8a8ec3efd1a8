package shadowmem

import (
	"math/bits"
	"sync/atomic"

	"github.com/kolkov/racecore/internal/race/epoch"
)

// AccessType classifies a memory access. The bits match the flag bits of a Record.
type AccessType uint8

const (
	// AccessWrite is a plain store.
	AccessWrite AccessType = 0
	// AccessRead is a load.
	AccessRead AccessType = 1 << 0
	// AccessAtomic marks an atomic load or store.
	AccessAtomic AccessType = 1 << 1
	// AccessFree marks the deallocation of memory. A free behaves as a plain write.
	AccessFree AccessType = 1 << 2
)

// IsRead reports whether t is a load.
func (t AccessType) IsRead() bool { return t&AccessRead != 0 }

// IsAtomic reports whether t is atomic.
func (t AccessType) IsAtomic() bool { return t&AccessAtomic != 0 }

// IsFree reports whether t is a deallocation.
func (t AccessType) IsFree() bool { return t&AccessFree != 0 }

// String returns the wording used in race reports.
func (t AccessType) String() string {
	switch {
	case t.IsFree():
		return "free"
	case t.IsAtomic() && t.IsRead():
		return "atomic read"
	case t.IsAtomic():
		return "atomic write"
	case t.IsRead():
		return "read"
	default:
		return "write"
	}
}

// Record is one recorded access packed into a 64-bit word:
//
//	bits  0-7   byte mask of the access within its cell
//	bits  8-15  sid
//	bits 16-39  epoch
//	bit  40     read
//	bit  41     atomic
//	bit  42     free
//
// The zero Record means "no access recorded". Every real record carries an epoch of at
// least EpochFirst, so it is never zero.
type Record uint64

const (
	recSidShift   = 8
	recEpochShift = 16
	recTypeShift  = recEpochShift + epoch.EpochBits
	recTypeMask   = uint64(AccessRead | AccessAtomic | AccessFree)
)

// NewRecord packs an access.
//
//go:nosplit
func NewRecord(sid epoch.Sid, e epoch.Epoch, mask uint8, typ AccessType) Record {
	return Record(uint64(mask) |
		uint64(sid)<<recSidShift |
		(uint64(e)&epoch.EpochMask)<<recEpochShift |
		(uint64(typ)&recTypeMask)<<recTypeShift)
}

// IsZero reports whether no access is recorded.
func (r Record) IsZero() bool { return r == 0 }

// Mask returns the byte mask of the access within its cell.
func (r Record) Mask() uint8 { return uint8(r) }

// Sid returns the slot of the accessing thread.
func (r Record) Sid() epoch.Sid { return epoch.Sid(r >> recSidShift) }

// Epoch returns the epoch of the accessing thread at the access.
func (r Record) Epoch() epoch.Epoch {
	return epoch.Epoch(uint64(r) >> recEpochShift & epoch.EpochMask)
}

// Type returns the access type.
func (r Record) Type() AccessType {
	return AccessType(uint64(r) >> recTypeShift & recTypeMask)
}

// IsRead reports whether the recorded access was a load.
func (r Record) IsRead() bool { return r.Type().IsRead() }

// IsAtomic reports whether the recorded access was atomic.
func (r Record) IsAtomic() bool { return r.Type().IsAtomic() }

// IsFreed reports whether the record is a deallocation.
func (r Record) IsFreed() bool { return r.Type().IsFree() }

// Offset returns the offset of the first accessed byte within the cell.
func (r Record) Offset() uintptr {
	return uintptr(bits.TrailingZeros8(r.Mask()))
}

// Size returns the number of accessed bytes within the cell.
func (r Record) Size() uintptr {
	return uintptr(bits.OnesCount8(r.Mask()))
}

// String returns "<type> sid<n>@<epoch>".
func (r Record) String() string {
	if r == 0 {
		return "<none>"
	}
	return r.Type().String() + " " + r.Sid().String() + "@" + r.Epoch().String()
}

// rank orders records of the same thread by how much they can reveal later: a plain
// access races with both plain and atomic accesses, an atomic one only with plain ones.
func (r Record) rank() int {
	if r.IsAtomic() {
		return 0
	}
	return 1
}

// supersedes reports whether r may replace old, a record of the same thread.
func (r Record) supersedes(old Record) bool {
	return r.rank() >= old.rank()
}

// LoadRecord atomically loads *p.
//
//go:nosplit
func LoadRecord(p *Record) Record {
	return Record(atomic.LoadUint64((*uint64)(p)))
}

// StoreRecord atomically stores r into *p.
//
//go:nosplit
func StoreRecord(p *Record, r Record) {
	atomic.StoreUint64((*uint64)(p), uint64(r))
}

// byteMask returns the mask of size bytes starting at offset within a cell.
func byteMask(offset, size uintptr) uint8 {
	return uint8((uint16(1)<<size - 1) << offset)
}
