package shadowmem

import (
	"runtime"
	"sync/atomic"

	"github.com/kolkov/racecore/internal/race/arena"
)

// CellSize is the number of application bytes covered by one shadow cell.
const CellSize = 8

// VarState is the access history of one byte of application memory.
//
// W is the last write that was not proven to race. OldW is an earlier write W does not
// cover: the plain write of a thread that later stored atomically, or an atomic write
// unordered with W. Reads live in R while a single reader (or a chain of ordered
// readers) is enough to describe them, and move into a read set, with R cleared, once
// two reads coexist that neither covers.
//
// Memory layout: 40 bytes, pointer-free.
type VarState struct {
	W    Record
	OldW Record
	R    Record

	readSet  arena.Handle
	wStack   uint32
	oldStack uint32
	rStack   uint32
}

// Promoted reports whether the reads of the byte are held in a read set.
func (vs *VarState) Promoted() bool {
	return vs.readSetHandle() != 0
}

func (vs *VarState) readSetHandle() arena.Handle {
	return arena.Handle(atomic.LoadUint32((*uint32)(&vs.readSet)))
}

func (vs *VarState) setReadSet(h arena.Handle) {
	atomic.StoreUint32((*uint32)(&vs.readSet), uint32(h))
}

func (vs *VarState) setWrite(r Record, stack uint32) {
	StoreRecord(&vs.W, r)
	vs.wStack = stack
}

func (vs *VarState) setOldWrite(r Record, stack uint32) {
	StoreRecord(&vs.OldW, r)
	vs.oldStack = stack
}

func (vs *VarState) setRead(r Record, stack uint32) {
	StoreRecord(&vs.R, r)
	vs.rStack = stack
}

// String returns a debug representation: "W:<record> R:<record>", with the older write
// after W when there is one.
func (vs *VarState) String() string {
	s := "W:" + LoadRecord(&vs.W).String()
	if old := LoadRecord(&vs.OldW); !old.IsZero() {
		s += " OldW:" + old.String()
	}
	s += " R:" + LoadRecord(&vs.R).String()
	if vs.Promoted() {
		s += " [PROMOTED]"
	}
	return s
}

// Cell is the shadow of CellSize consecutive, aligned application bytes. Its history is
// guarded by a spin lock that is only held for a bounded amount of work.
type Cell struct {
	lock  uint32
	_     uint32
	bytes [CellSize]VarState
}

// spinsBeforeYield is the number of failed lock attempts before the goroutine yields.
const spinsBeforeYield = 16

// Lock acquires the cell lock.
func (c *Cell) Lock() {
	for spins := 0; !atomic.CompareAndSwapUint32(&c.lock, 0, 1); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// Unlock releases the cell lock.
func (c *Cell) Unlock() {
	atomic.StoreUint32(&c.lock, 0)
}

// Byte returns the history of byte i of the cell.
func (c *Cell) Byte(i int) *VarState {
	return &c.bytes[i]
}
