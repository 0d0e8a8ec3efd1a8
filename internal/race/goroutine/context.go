package goroutine

import (
	"slices"

	"github.com/kolkov/racecore/internal/race/epoch"
	"github.com/kolkov/racecore/internal/race/sharedclock"
	"github.com/kolkov/racecore/internal/race/shadowmem"
	"github.com/kolkov/racecore/internal/race/stackdepot"
)

// MaxShadowStack bounds the recorded call depth. Deeper frames are counted but not kept.
const MaxShadowStack = 256

// RaceContext represents the race detection state for a single thread.
//
// Lifecycle: the creating thread builds the context, the new thread runs on it, and the
// detector retires it when the thread finishes.
type RaceContext struct {
	// ID is the runtime identity of the thread (the goroutine id for the Go API).
	ID int64

	// Clock is the thread's happens-before clock.
	Clock *sharedclock.ThreadClock

	// Clocks and ReadSets are the thread's local allocator caches.
	Clocks   *sharedclock.Cache
	ReadSets *shadowmem.ReadSetCache

	// Start receives the creator's knowledge; Exit publishes the thread's final knowledge
	// to joiners. Both are guarded by the detector.
	Start sharedclock.SyncClock
	Exit  sharedclock.SyncClock

	stack    []uintptr // Outermost frame first.
	overflow int       // Frames entered beyond MaxShadowStack.

	// Stack id cache: the id of (lastPC + stack) while the stack is unchanged.
	lastPC    uintptr
	lastID    uint32
	stackGen  uint64
	cachedGen uint64

	ignore int32
}

// Alloc creates the context of a thread attached to sid at epoch start, with its clock
// versioned from version.
func Alloc(id int64, sid epoch.Sid, start epoch.Epoch, version uint32,
	clocks *sharedclock.Allocator, readSets *shadowmem.ReadSetAllocator, stats *sharedclock.Stats) *RaceContext {
	ctx := &RaceContext{
		ID:        id,
		Clocks:    clocks.NewCache(),
		ReadSets:  readSets.NewCache(),
		cachedGen: ^uint64(0),
	}
	ctx.Clock = sharedclock.NewThreadClock(sid, start, version, ctx.Clocks, stats)
	return ctx
}

// Sid returns the slot the thread is attached to.
//
//go:nosplit
func (rc *RaceContext) Sid() epoch.Sid {
	return rc.Clock.Sid()
}

// GetEpoch returns the thread's current epoch.
//
//go:nosplit
func (rc *RaceContext) GetEpoch() epoch.Epoch {
	return rc.Clock.Local()
}

// Get returns what the thread knows about sid. It makes the context a shadowmem.Clock.
//
//go:nosplit
func (rc *RaceContext) Get(sid epoch.Sid) epoch.Epoch {
	return rc.Clock.Get(sid)
}

// FuncEntry pushes a frame. pc is the return address into the caller.
func (rc *RaceContext) FuncEntry(pc uintptr) {
	if len(rc.stack) >= MaxShadowStack {
		rc.overflow++
		return
	}
	rc.stack = append(rc.stack, pc)
	rc.stackGen++
}

// FuncExit pops the innermost frame.
func (rc *RaceContext) FuncExit() {
	if rc.overflow > 0 {
		rc.overflow--
		return
	}
	if len(rc.stack) == 0 {
		return
	}
	rc.stack = rc.stack[:len(rc.stack)-1]
	rc.stackGen++
}

// Depth returns the current shadow stack depth.
func (rc *RaceContext) Depth() int {
	return len(rc.stack) + rc.overflow
}

// Stack returns the shadow stack with pc on top, innermost frame first.
func (rc *RaceContext) Stack(pc uintptr) []uintptr {
	out := make([]uintptr, 0, len(rc.stack)+1)
	if pc != 0 {
		out = append(out, pc)
	}
	for i := len(rc.stack) - 1; i >= 0; i-- {
		out = append(out, rc.stack[i])
	}
	return out
}

// StackID interns the current stack with pc on top and returns its depot id. The id is
// cached while neither pc nor the shadow stack changes.
func (rc *RaceContext) StackID(d *stackdepot.Depot, pc uintptr) uint32 {
	if rc.cachedGen == rc.stackGen && rc.lastPC == pc {
		return rc.lastID
	}
	pcs := rc.Stack(pc)
	if len(pcs) > stackdepot.MaxFrames {
		pcs = slices.Clip(pcs[:stackdepot.MaxFrames])
	}
	rc.lastID = d.Put(pcs)
	rc.lastPC = pc
	rc.cachedGen = rc.stackGen
	return rc.lastID
}

// IgnoreBegin starts a region whose memory accesses are not checked. Regions nest.
func (rc *RaceContext) IgnoreBegin() {
	rc.ignore++
}

// IgnoreEnd ends the innermost ignore region. It reports false if no region was open.
func (rc *RaceContext) IgnoreEnd() bool {
	if rc.ignore == 0 {
		return false
	}
	rc.ignore--
	return true
}

// Ignoring reports whether accesses are currently ignored.
//
//go:nosplit
func (rc *RaceContext) Ignoring() bool {
	return rc.ignore > 0
}

// Close releases the thread clock and returns the cached objects to their allocators.
// Start and Exit are not touched.
func (rc *RaceContext) Close() {
	rc.Clock.Close()
	rc.Clocks.Flush()
	rc.ReadSets.Flush()
}
