package sharedclock

import (
	"sync/atomic"

	"github.com/kolkov/racecore/internal/race/arena"
	"github.com/kolkov/racecore/internal/race/epoch"
	"github.com/kolkov/racecore/internal/race/invariant"
	"github.com/kolkov/racecore/internal/race/vectorclock"
)

// noSlot terminates the most-recently-set list.
const noSlot = 0xFFFF

const slots = epoch.ThreadSlotCount

// SharedClock is reference-counted, copy-on-write clock storage.
//
// Besides the epochs it keeps a doubly linked list over slots ordered by recency of Set
// (head = most recently set) and a version counter u that grows by one on every Set. Two
// versions u1 < u2 of the same clock differ in at most u2-u1 slots, and those slots are the
// first u2-u1 entries of the list, which is what lets Acquire walk a prefix of the list
// instead of all slots.
//
// SharedClock values live in arena memory and must stay pointer-free.
type SharedClock struct {
	clk  [slots]epoch.Epoch
	next [slots]uint16
	prev [slots]uint16
	head uint16

	u      uint32
	refs   atomic.Int32
	handle arena.Handle
}

// Allocator allocates shared clocks.
type Allocator = arena.Allocator[SharedClock]

// Cache is a per-thread shared clock cache.
type Cache = arena.Cache[SharedClock]

// NewAllocator creates the process-wide shared clock allocator.
func NewAllocator() *Allocator {
	return arena.New[SharedClock]("sharedclock")
}

// newClock allocates an empty clock with refcount 1 and version u.
func newClock(c *Cache, u uint32) *SharedClock {
	h, sc := c.Alloc()
	sc.handle = h
	sc.u = u
	sc.refs.Store(1)
	for i := 0; i < slots; i++ {
		sc.next[i] = uint16(i + 1)
		sc.prev[i] = uint16(i - 1)
	}
	sc.next[slots-1] = noSlot
	sc.prev[0] = noSlot
	sc.head = 0
	return sc
}

// Get returns the epoch stored for sid.
//
//go:nosplit
func (sc *SharedClock) Get(sid epoch.Sid) epoch.Epoch {
	return sc.clk[sid]
}

// Version returns the version counter.
func (sc *SharedClock) Version() uint32 {
	return sc.u
}

// Refs returns the current reference count.
func (sc *SharedClock) Refs() int32 {
	return sc.refs.Load()
}

// Set stores v for sid, moves sid to the head of the list and bumps the version.
// The clock must be private (refcount 1) and the entry must not decrease.
func (sc *SharedClock) Set(sid epoch.Sid, v epoch.Epoch) {
	if refs := sc.refs.Load(); refs != 1 {
		invariant.Failf(sc.debugState(), "set on shared clock (refs=%d) at %v", refs, sid)
	}
	if v < sc.clk[sid] {
		invariant.Failf(sc.debugState(), "shared clock decreased at %v: %d -> %d", sid, sc.clk[sid], v)
	}
	sc.clk[sid] = v
	sc.u++

	s := uint16(sid)
	if sc.head == s {
		return
	}
	// Detach.
	p, n := sc.prev[s], sc.next[s]
	sc.next[p] = n
	if n != noSlot {
		sc.prev[n] = p
	}
	// Reinsert at head.
	sc.next[s] = sc.head
	sc.prev[sc.head] = s
	sc.prev[s] = noSlot
	sc.head = s

	if debug && sc.prev[sc.head] != noSlot {
		invariant.Failf(sc.debugState(), "head %d has a prev link", sc.head)
	}
}

// setMax raises sid to v when v is larger.
func (sc *SharedClock) setMax(sid epoch.Sid, v epoch.Epoch) {
	if v > sc.clk[sid] {
		sc.Set(sid, v)
	}
}

// Walk visits the n most recently set slots, most recent first, stopping early when fn
// returns false.
func (sc *SharedClock) Walk(n int, fn func(sid epoch.Sid, e epoch.Epoch) bool) {
	for s := sc.head; s != noSlot && n > 0; s = sc.next[s] {
		if !fn(epoch.Sid(s), sc.clk[s]) {
			return
		}
		n--
	}
}

// HoldRef takes an additional reference.
func (sc *SharedClock) HoldRef() {
	sc.refs.Add(1)
}

// DropRef releases a reference and recycles the clock through c when it was the last one.
func (sc *SharedClock) DropRef(c *Cache) {
	switch refs := sc.refs.Add(-1); {
	case refs == 0:
		c.Free(sc.handle)
	case refs < 0:
		invariant.Failf(sc.debugState(), "shared clock refcount dropped below zero")
	}
}

// clone returns a private deep copy with refcount 1, preserving version and list order.
func (sc *SharedClock) clone(c *Cache) *SharedClock {
	h, dst := c.Alloc()
	dst.handle = h
	dst.clk = sc.clk
	dst.next = sc.next
	dst.prev = sc.prev
	dst.head = sc.head
	dst.u = sc.u
	dst.refs.Store(1)
	return dst
}

// Unshare returns sc itself when it is private, or a private copy after dropping the
// caller's reference to sc.
func (sc *SharedClock) Unshare(c *Cache) *SharedClock {
	if sc.refs.Load() == 1 {
		return sc
	}
	dst := sc.clone(c)
	sc.DropRef(c)
	return dst
}

// Join returns a new private clock holding the pointwise maximum of l and t. The list
// order and version start from l.
func Join(c *Cache, l, t *SharedClock) *SharedClock {
	dst := l.clone(c)
	dst.joinFrom(t)
	return dst
}

// joinFrom raises every entry of sc to at least t's. sc must be private.
func (sc *SharedClock) joinFrom(t *SharedClock) {
	for i := 0; i < slots; i++ {
		if t.clk[i] > sc.clk[i] {
			sc.Set(epoch.Sid(i), t.clk[i])
		}
	}
}

// VectorClock copies the epochs into a plain vector clock.
func (sc *SharedClock) VectorClock() vectorclock.VectorClock {
	return vectorclock.VectorClock(sc.clk)
}

type clockState struct {
	Handle arena.Handle
	Refs   int32
	U      uint32
	Head   uint16
	Clock  string
}

func (sc *SharedClock) debugState() clockState {
	vc := sc.VectorClock()
	return clockState{
		Handle: sc.handle,
		Refs:   sc.refs.Load(),
		U:      sc.u,
		Head:   sc.head,
		Clock:  vc.String(),
	}
}
