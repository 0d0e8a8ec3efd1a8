package shadowmem

import (
	"github.com/kolkov/racecore/internal/race/arena"
	"github.com/kolkov/racecore/internal/race/epoch"
)

// Access describes one memory access of a thread.
type Access struct {
	Sid   epoch.Sid
	Epoch epoch.Epoch
	Addr  uintptr
	Size  uintptr
	Type  AccessType
	Stack uint32 // Stack depot id of the access, 0 if unknown.
}

// Result is the outcome of a race check.
type Result struct {
	// Race is set when the access is not ordered with a prior conflicting access.
	Race bool

	// Prev is the prior access the current one races with, PrevStack its stack id and
	// PrevAddr/PrevSize the bytes it touched.
	Prev      Record
	PrevStack uint32
	PrevAddr  uintptr
	PrevSize  uintptr

	// Addr is the first byte of the current access the race was found on.
	Addr uintptr
}

// Access checks cur against the history of the bytes it touches and records it.
//
// Algorithm (per byte, cur by a thread with clock thr, for each recorded write):
//  1. No write recorded: nothing to race with.
//  2. Write by the same sid: never a race.
//  3. Both atomic: no race.
//  4. thr already knows the writer's epoch: ordered, no race.
//  5. Otherwise race. Writes additionally check the recorded readers the same way.
//
// A recorded access is only dropped once cur covers it, so an atomic access does not
// hide an earlier plain access of the same thread.
//
// When a cell holds a race, its history is left untouched and the prior access is
// returned. Cells without a race are updated. The first race found is returned.
//
// cache may be nil, in which case read sets come from the global allocator.
func (s *Shadow) Access(thr Clock, cache *ReadSetCache, cur Access) Result {
	var first Result
	addr, end := cur.Addr, cur.Addr+cur.Size
	for addr < end {
		base := addr &^ (CellSize - 1)
		n := min(base+CellSize, end) - addr
		res := s.accessCell(thr, cache, cur, base, addr-base, n)
		if res.Race && !first.Race {
			first = res
		}
		addr += n
	}
	return first
}

// MarkFreed records the deallocation of [addr, addr+size) by a thread with clock thr.
// Later accesses not ordered after the free race with it.
func (s *Shadow) MarkFreed(thr Clock, cache *ReadSetCache, sid epoch.Sid, e epoch.Epoch, addr, size uintptr, stack uint32) Result {
	return s.Access(thr, cache, Access{
		Sid:   sid,
		Epoch: e,
		Addr:  addr,
		Size:  size,
		Type:  AccessFree,
		Stack: stack,
	})
}

func (s *Shadow) accessCell(thr Clock, cache *ReadSetCache, a Access, base, off, n uintptr) Result {
	c, _ := s.Cell(base, true)
	mask := byteMask(off, n)
	cur := NewRecord(a.Sid, a.Epoch, mask, a.Type)
	lo, hi := int(off), int(off+n)

	if sameAccess(c, cur, lo, hi) {
		s.stats.FastPath.Add(1)
		return Result{}
	}
	s.stats.SlowPath.Add(1)

	c.Lock()
	defer c.Unlock()

	for i := lo; i < hi; i++ {
		if res, race := s.checkByte(thr, &c.bytes[i], cur); race {
			s.stats.Races.Add(1)
			res.Addr = base + uintptr(i)
			res.PrevAddr = base + res.Prev.Offset()
			res.PrevSize = res.Prev.Size()
			return res
		}
	}
	for i := lo; i < hi; i++ {
		if cur.IsRead() {
			s.recordRead(thr, cache, &c.bytes[i], cur, a.Stack)
		} else {
			s.recordWrite(thr, cache, &c.bytes[i], cur, a.Stack)
		}
	}
	return Result{}
}

// sameAccess reports, without taking the lock, whether every byte in [lo, hi) already
// holds exactly cur, so recording cur again would change nothing.
func sameAccess(c *Cell, cur Record, lo, hi int) bool {
	for i := lo; i < hi; i++ {
		vs := &c.bytes[i]
		if cur.IsRead() {
			if LoadRecord(&vs.R) != cur {
				return false
			}
			continue
		}
		if LoadRecord(&vs.W) != cur || LoadRecord(&vs.OldW) != 0 ||
			LoadRecord(&vs.R) != 0 || vs.readSetHandle() != 0 {
			return false
		}
	}
	return true
}

func (s *Shadow) checkByte(thr Clock, vs *VarState, cur Record) (Result, bool) {
	if conflicts(thr, vs.W, cur) {
		return Result{Race: true, Prev: vs.W, PrevStack: vs.wStack}, true
	}
	if conflicts(thr, vs.OldW, cur) {
		return Result{Race: true, Prev: vs.OldW, PrevStack: vs.oldStack}, true
	}
	if cur.IsRead() {
		return Result{}, false
	}
	if h := vs.readSet; h != 0 {
		if e, race := s.readSets.Get(h).firstRace(thr, cur); race {
			return Result{Race: true, Prev: e.rec, PrevStack: e.stack}, true
		}
		return Result{}, false
	}
	if conflicts(thr, vs.R, cur) {
		return Result{Race: true, Prev: vs.R, PrevStack: vs.rStack}, true
	}
	return Result{}, false
}

func (s *Shadow) recordWrite(thr Clock, cache *ReadSetCache, vs *VarState, cur Record, stack uint32) {
	s.keepWrites(thr, vs, cur, stack)

	if h := vs.readSet; h != 0 {
		rs := s.readSets.Get(h)
		rs.retain(thr, cur)
		if rs.Len() == 0 {
			vs.setReadSet(0)
			s.freeReadSet(cache, h)
		}
		return
	}
	if r := vs.R; !r.IsZero() && covers(thr, cur, r) {
		vs.setRead(0, 0)
	}
}

func (s *Shadow) recordRead(thr Clock, cache *ReadSetCache, vs *VarState, cur Record, stack uint32) {
	if h := vs.readSet; h != 0 {
		if s.readSets.Get(h).Add(thr, cur, stack) {
			s.stats.Evictions.Add(1)
		}
		return
	}

	r := vs.R
	switch {
	case r.IsZero(), covers(thr, cur, r):
		vs.setRead(cur, stack)
	default:
		h, rs := s.allocReadSet(cache)
		rs.Add(thr, r, vs.rStack)
		rs.Add(thr, cur, stack)
		vs.setReadSet(h)
		vs.setRead(0, 0)
		s.stats.Widenings.Add(1)
	}
}

// keepWrites makes cur the latest write of vs and keeps in OldW the one earlier write cur
// does not cover. When both earlier writes survive, one of them is atomic and that one
// is dropped (the older one if both are).
func (s *Shadow) keepWrites(thr Clock, vs *VarState, cur Record, stack uint32) {
	w, wStack := vs.W, vs.wStack
	if !w.IsZero() && covers(thr, cur, w) {
		w, wStack = 0, 0
	}
	old, oldStack := vs.OldW, vs.oldStack
	if !old.IsZero() && covers(thr, cur, old) {
		old, oldStack = 0, 0
	}

	if !w.IsZero() {
		if !old.IsZero() {
			s.stats.Evictions.Add(1)
		}
		// A plain old stays in favor of the later atomic w.
		if old.IsZero() || old.IsAtomic() {
			old, oldStack = w, wStack
		}
	}
	vs.setOldWrite(old, oldStack)
	vs.setWrite(cur, stack)
}

func (s *Shadow) allocReadSet(cache *ReadSetCache) (arena.Handle, *ReadSet) {
	if cache != nil {
		return cache.Alloc()
	}
	return s.readSets.Alloc()
}

func (s *Shadow) freeReadSet(cache *ReadSetCache, h arena.Handle) {
	if cache != nil {
		cache.Free(h)
		return
	}
	s.readSets.Free(h)
}

// Reset forgets the history of [addr, addr+size), as for memory handed out again by an
// allocator. Pages that were never touched are left alone.
func (s *Shadow) Reset(addr, size uintptr) {
	end := addr + size
	for addr < end {
		base := addr &^ (CellSize - 1)
		n := min(base+CellSize, end) - addr
		if c, _ := s.Cell(base, false); c != nil {
			c.Lock()
			for i := int(addr - base); i < int(addr-base+n); i++ {
				vs := &c.bytes[i]
				if h := vs.readSet; h != 0 {
					vs.setReadSet(0)
					s.readSets.Free(h)
				}
				vs.setWrite(0, 0)
				vs.setOldWrite(0, 0)
				vs.setRead(0, 0)
			}
			c.Unlock()
		}
		addr += n
	}
}

// History is a snapshot of the access history of one byte.
type History struct {
	Write    Record
	OldWrite Record // Earlier write Write does not cover, zero if none.
	Reads    []Record
}

// History returns the recorded history of the byte at addr.
func (s *Shadow) History(addr uintptr) History {
	c, base := s.Cell(addr, false)
	if c == nil {
		return History{}
	}
	c.Lock()
	defer c.Unlock()

	vs := &c.bytes[addr-base]
	h := History{Write: vs.W, OldWrite: vs.OldW}
	if hs := vs.readSet; hs != 0 {
		rs := s.readSets.Get(hs)
		for i := 0; i < rs.Len(); i++ {
			r, _ := rs.At(i)
			h.Reads = append(h.Reads, r)
		}
	} else if !vs.R.IsZero() {
		h.Reads = append(h.Reads, vs.R)
	}
	return h
}
