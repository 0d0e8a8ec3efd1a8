// Package api implements the instrumentation entry points of the race detector.
//
// Instrumented code reports every memory access, synchronization operation and
// goroutine lifecycle event through the functions of this package. Each call looks up
// the thread context of the calling goroutine and forwards the event to the detector.
//
// Goroutines started with Go are created, started, finished and joined explicitly:
// everything the creator did happens before the new goroutine, and Wait orders the
// goroutine before the rest of the waiter. A goroutine first seen without such a start
// gets a root context that is ordered after nothing. Root contexts of exited goroutines
// are retired every cleanupInterval attachments.
//
// Read*/Write* are the hot paths: they run on every instrumented access.
//
// Init, Reset and Fini must not run concurrently with instrumented code.
package api

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kolkov/racecore/internal/race/detector"
	"github.com/kolkov/racecore/internal/race/goroutine"
	"github.com/kolkov/racecore/internal/race/invariant"
	"github.com/kolkov/racecore/internal/race/shadowmem"
)

// cleanupInterval is the number of root contexts between scans for exited goroutines.
const cleanupInterval = 1000

// Global detector state.
var (
	// enabled gates every entry point.
	enabled atomic.Bool

	// det is the active detector, nil before Init and after Fini.
	det atomic.Pointer[detector.Detector]

	// contexts maps goroutine ids to their *threadEntry.
	contexts sync.Map

	// attachSeq numbers root contexts. A scan only retires contexts attached before it
	// listed the live goroutines.
	attachSeq atomic.Uint64

	cleanupRunning atomic.Bool
	cleanups       sync.WaitGroup

	// finalRaces is the race count of the last detector shut down by Fini.
	finalRaces atomic.Int64

	// lifecycle serializes Init, Reset and Fini and guards cfg.
	lifecycle sync.Mutex
	cfg       *config
)

// threadEntry is the context of one goroutine.
type threadEntry struct {
	ctx *goroutine.RaceContext
	seq uint64 // Attach sequence of a root context, 0 for goroutines started with Go.
}

// === Lifecycle ===

// Init starts a fresh detector; the calling goroutine becomes its first thread.
// A detector left over from an earlier Init is shut down without a summary.
//
// Example:
//
//	func main() {
//	    if err := api.Init(); err != nil {
//	        log.Fatal(err)
//	    }
//	    defer api.Fini()
//	    ...
//	}
func Init(options ...Option) error {
	c := newConfig(options)
	d, err := detector.New(c.opts)
	if err != nil {
		return err
	}

	lifecycle.Lock()
	defer lifecycle.Unlock()

	var closeErr error
	if old := stop(); old != nil {
		closeErr = old.Close()
	}
	invariant.SetLogger(c.opts.Logger.Named("invariant"))
	cfg = c
	install(d)
	return closeErr
}

// Reset replaces the detector with a fresh one built from the last Init options, for
// tests. All history is dropped.
func Reset() {
	lifecycle.Lock()
	defer lifecycle.Unlock()

	if cfg == nil {
		cfg = newConfig(nil)
	}
	d, err := detector.New(cfg.opts)
	if err != nil {
		// The options were validated by Init.
		invariant.Failf(cfg.opts, "rebuilding detector: %v", err)
	}
	if old := stop(); old != nil {
		if err := old.Close(); err != nil {
			cfg.opts.Logger.Warn("closing replaced detector", zap.Error(err))
		}
	}
	install(d)
}

// Fini shuts the detector down and writes a summary to the output. It returns the
// error of releasing the detector's memory. Calling Fini without an active detector is
// a no-op.
func Fini() error {
	lifecycle.Lock()
	defer lifecycle.Unlock()

	d := stop()
	if d == nil {
		return nil
	}
	races := d.RacesDetected()
	finalRaces.Store(int64(races))
	printSummary(cfg.output, races)
	return d.Close()
}

func install(d *detector.Detector) {
	contexts.Clear()
	attachSeq.Store(0)
	det.Store(d)
	attach(d, getGoroutineID())
	enabled.Store(true)
}

// stop disables detection and detaches the active detector, which the caller closes.
func stop() *detector.Detector {
	enabled.Store(false)
	d := det.Swap(nil)
	cleanups.Wait()
	contexts.Clear()
	return d
}

//nolint:errcheck // Summary output is best effort.
func printSummary(w io.Writer, races int) {
	fmt.Fprintf(w, "\n==================\n")
	fmt.Fprintf(w, "Race Detector Report\n")
	fmt.Fprintf(w, "==================\n")
	if races == 0 {
		fmt.Fprintf(w, "No data races detected.\n")
	} else {
		fmt.Fprintf(w, "WARNING: %d data race(s) detected!\n", races)
		fmt.Fprintf(w, "\nSee above for details.\n")
	}
	fmt.Fprintf(w, "==================\n\n")
}

// Enable turns race detection back on after Disable.
func Enable() {
	if det.Load() != nil {
		enabled.Store(true)
	}
}

// Disable turns every entry point into a no-op until Enable.
func Disable() {
	enabled.Store(false)
}

// Enabled reports whether events are being checked.
func Enabled() bool {
	return enabled.Load()
}

// RacesDetected returns the number of races reported by the active detector, or by
// the last one if Fini already ran.
func RacesDetected() int {
	if d := det.Load(); d != nil {
		return d.RacesDetected()
	}
	return int(finalRaces.Load())
}

// Stats returns the counters of the active detector.
func Stats() detector.Stats {
	if d := det.Load(); d != nil {
		return d.Stats()
	}
	return detector.Stats{}
}

// === Thread contexts ===

// active returns the detector events go to, or nil while detection is off.
func active() *detector.Detector {
	if !enabled.Load() {
		return nil
	}
	return det.Load()
}

// current returns the context of the calling goroutine, attaching a root context on
// first use.
func current(d *detector.Detector) *goroutine.RaceContext {
	gid := getGoroutineID()
	if v, ok := contexts.Load(gid); ok {
		return v.(*threadEntry).ctx
	}
	return attach(d, gid)
}

func attach(d *detector.Detector, gid int64) *goroutine.RaceContext {
	ctx := d.NewThread(nil, gid)
	d.StartThread(ctx)
	seq := attachSeq.Add(1)
	contexts.Store(gid, &threadEntry{ctx: ctx, seq: seq})
	if seq%cleanupInterval == 0 {
		startCleanup(d)
	}
	return ctx
}

func startCleanup(d *detector.Detector) {
	if !cleanupRunning.CompareAndSwap(false, true) {
		return
	}
	cleanups.Add(1)
	go func() {
		defer cleanups.Done()
		defer cleanupRunning.Store(false)
		retireExited(d)
	}()
}

// retireExited finishes the root contexts whose goroutine has exited and returns how
// many it retired. Nothing joins them, so they order nothing after themselves.
func retireExited(d *detector.Detector) int {
	before := attachSeq.Load()
	live := liveGoroutineIDs()

	retired := 0
	contexts.Range(func(key, value any) bool {
		gid, e := key.(int64), value.(*threadEntry)
		if _, ok := live[gid]; ok || e.seq == 0 || e.seq > before {
			return true
		}
		if !contexts.CompareAndDelete(gid, e) {
			return true
		}
		d.DetachThread(e.ctx)
		d.FinishThread(e.ctx)
		retired++
		return true
	})
	if retired > 0 {
		d.Logger().Debug("retired contexts of exited goroutines", zap.Int("count", retired))
	}
	return retired
}

// Goroutine is a goroutine started with Go.
type Goroutine struct {
	det  *detector.Detector
	ctx  *goroutine.RaceContext
	done chan struct{}
}

// Go runs fn on a new goroutine whose context is ordered after everything the caller
// did so far.
func Go(fn func()) *Goroutine {
	g := &Goroutine{done: make(chan struct{})}
	d := active()
	if d == nil {
		go func() {
			defer close(g.done)
			fn()
		}()
		return g
	}
	g.det = d
	g.ctx = d.NewThread(current(d), 0)
	go g.run(fn)
	return g
}

func (g *Goroutine) run(fn func()) {
	defer close(g.done)

	gid := getGoroutineID()
	g.ctx.ID = gid
	contexts.Store(gid, &threadEntry{ctx: g.ctx})
	g.det.StartThread(g.ctx)
	defer func() {
		// A detector shut down meanwhile has already released the context.
		if det.Load() == g.det {
			g.det.FinishThread(g.ctx)
			contexts.Delete(gid)
		}
	}()
	fn()
}

// Done is closed when the goroutine has returned.
func (g *Goroutine) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the goroutine returns and orders everything it did before the rest
// of the caller.
func (g *Goroutine) Wait() {
	<-g.done
	if g.det == nil || det.Load() != g.det {
		return
	}
	g.det.JoinThread(current(g.det), g.ctx)
}

// === Memory accesses ===

// getcallerpc returns the program counter of the instrumented access.
//
// Call Stack:
//
//	0: getcallerpc()
//	1: entry point (Read8, Write4, ...)
//	2: instrumented code
//
//go:noinline
func getcallerpc() uintptr {
	pc, _, _, ok := runtime.Caller(2)
	if !ok {
		return 0
	}
	return pc
}

func access(pc, addr, size uintptr, typ shadowmem.AccessType) {
	d := active()
	if d == nil {
		return
	}
	d.MemoryAccess(current(d), pc, addr, size, typ)
}

// Read1 records a 1-byte load at addr.
func Read1(addr uintptr) { access(getcallerpc(), addr, 1, shadowmem.AccessRead) }

// Read2 records a 2-byte load at addr.
func Read2(addr uintptr) { access(getcallerpc(), addr, 2, shadowmem.AccessRead) }

// Read4 records a 4-byte load at addr.
func Read4(addr uintptr) { access(getcallerpc(), addr, 4, shadowmem.AccessRead) }

// Read8 records an 8-byte load at addr.
func Read8(addr uintptr) { access(getcallerpc(), addr, 8, shadowmem.AccessRead) }

// Read16 records a 16-byte load at addr.
func Read16(addr uintptr) { access(getcallerpc(), addr, 16, shadowmem.AccessRead) }

// Write1 records a 1-byte store at addr.
func Write1(addr uintptr) { access(getcallerpc(), addr, 1, shadowmem.AccessWrite) }

// Write2 records a 2-byte store at addr.
func Write2(addr uintptr) { access(getcallerpc(), addr, 2, shadowmem.AccessWrite) }

// Write4 records a 4-byte store at addr.
func Write4(addr uintptr) { access(getcallerpc(), addr, 4, shadowmem.AccessWrite) }

// Write8 records an 8-byte store at addr.
func Write8(addr uintptr) { access(getcallerpc(), addr, 8, shadowmem.AccessWrite) }

// Write16 records a 16-byte store at addr.
func Write16(addr uintptr) { access(getcallerpc(), addr, 16, shadowmem.AccessWrite) }

// The unaligned variants accept accesses that straddle shadow cells. Every access is
// split at cell boundaries, so they share the aligned path.

// UnalignedRead2 records a 2-byte load at a possibly unaligned addr.
func UnalignedRead2(addr uintptr) { access(getcallerpc(), addr, 2, shadowmem.AccessRead) }

// UnalignedRead4 records a 4-byte load at a possibly unaligned addr.
func UnalignedRead4(addr uintptr) { access(getcallerpc(), addr, 4, shadowmem.AccessRead) }

// UnalignedRead8 records an 8-byte load at a possibly unaligned addr.
func UnalignedRead8(addr uintptr) { access(getcallerpc(), addr, 8, shadowmem.AccessRead) }

// UnalignedRead16 records a 16-byte load at a possibly unaligned addr.
func UnalignedRead16(addr uintptr) { access(getcallerpc(), addr, 16, shadowmem.AccessRead) }

// UnalignedWrite2 records a 2-byte store at a possibly unaligned addr.
func UnalignedWrite2(addr uintptr) { access(getcallerpc(), addr, 2, shadowmem.AccessWrite) }

// UnalignedWrite4 records a 4-byte store at a possibly unaligned addr.
func UnalignedWrite4(addr uintptr) { access(getcallerpc(), addr, 4, shadowmem.AccessWrite) }

// UnalignedWrite8 records an 8-byte store at a possibly unaligned addr.
func UnalignedWrite8(addr uintptr) { access(getcallerpc(), addr, 8, shadowmem.AccessWrite) }

// UnalignedWrite16 records a 16-byte store at a possibly unaligned addr.
func UnalignedWrite16(addr uintptr) { access(getcallerpc(), addr, 16, shadowmem.AccessWrite) }

// The volatile variants are called for loads and stores the compiler must not elide.
// Go has no volatile accesses distinct from plain ones, so they are checked as plain.

// VolatileRead1 records a 1-byte volatile load at addr.
func VolatileRead1(addr uintptr) { access(getcallerpc(), addr, 1, shadowmem.AccessRead) }

// VolatileRead2 records a 2-byte volatile load at addr.
func VolatileRead2(addr uintptr) { access(getcallerpc(), addr, 2, shadowmem.AccessRead) }

// VolatileRead4 records a 4-byte volatile load at addr.
func VolatileRead4(addr uintptr) { access(getcallerpc(), addr, 4, shadowmem.AccessRead) }

// VolatileRead8 records an 8-byte volatile load at addr.
func VolatileRead8(addr uintptr) { access(getcallerpc(), addr, 8, shadowmem.AccessRead) }

// VolatileRead16 records a 16-byte volatile load at addr.
func VolatileRead16(addr uintptr) { access(getcallerpc(), addr, 16, shadowmem.AccessRead) }

// VolatileWrite1 records a 1-byte volatile store at addr.
func VolatileWrite1(addr uintptr) { access(getcallerpc(), addr, 1, shadowmem.AccessWrite) }

// VolatileWrite2 records a 2-byte volatile store at addr.
func VolatileWrite2(addr uintptr) { access(getcallerpc(), addr, 2, shadowmem.AccessWrite) }

// VolatileWrite4 records a 4-byte volatile store at addr.
func VolatileWrite4(addr uintptr) { access(getcallerpc(), addr, 4, shadowmem.AccessWrite) }

// VolatileWrite8 records an 8-byte volatile store at addr.
func VolatileWrite8(addr uintptr) { access(getcallerpc(), addr, 8, shadowmem.AccessWrite) }

// VolatileWrite16 records a 16-byte volatile store at addr.
func VolatileWrite16(addr uintptr) { access(getcallerpc(), addr, 16, shadowmem.AccessWrite) }

// ReadPC records a load of size bytes at addr made at pc, for wrappers that find the
// instrumented call site themselves.
func ReadPC(addr, size, pc uintptr) { access(pc, addr, size, shadowmem.AccessRead) }

// WritePC records a store of size bytes at addr made at pc.
func WritePC(addr, size, pc uintptr) { access(pc, addr, size, shadowmem.AccessWrite) }

// ReadRange records a load of [addr, addr+size), such as a copy source.
func ReadRange(addr, size uintptr) {
	pc := getcallerpc()
	if d := active(); d != nil {
		d.MemoryAccessRange(current(d), pc, addr, size, false)
	}
}

// WriteRange records a store to [addr, addr+size).
func WriteRange(addr, size uintptr) {
	pc := getcallerpc()
	if d := active(); d != nil {
		d.MemoryAccessRange(current(d), pc, addr, size, true)
	}
}

// Free records the deallocation of [addr, addr+size). Accesses not ordered after the
// free race with it.
func Free(addr, size uintptr) {
	pc := getcallerpc()
	if d := active(); d != nil {
		d.MemoryRangeFreed(current(d), pc, addr, size)
	}
}

// ResetRange forgets the history of [addr, addr+size), for memory handed out again.
func ResetRange(addr, size uintptr) {
	if d := active(); d != nil {
		d.MemoryRangeReset(addr, size)
	}
}

// FuncEntry pushes pc, the call site of the entered function, on the caller's shadow
// stack.
func FuncEntry(pc uintptr) {
	if d := active(); d != nil {
		current(d).FuncEntry(pc)
	}
}

// FuncExit pops the innermost shadow stack frame.
func FuncExit() {
	if d := active(); d != nil {
		current(d).FuncExit()
	}
}

// IgnoreBegin starts a region of the calling goroutine whose accesses are not checked.
// Regions nest.
func IgnoreBegin() {
	if d := active(); d != nil {
		current(d).IgnoreBegin()
	}
}

// IgnoreEnd ends the innermost ignore region. Ending a region that was never begun is
// fatal.
func IgnoreEnd() {
	if d := active(); d != nil {
		if ctx := current(d); !ctx.IgnoreEnd() {
			invariant.Failf(ctx.ID, "IgnoreEnd without IgnoreBegin on goroutine %d", ctx.ID)
		}
	}
}

// === Synchronization ===

// Acquire orders the caller after the last Release of addr and all ReleaseMerges
// since.
func Acquire(addr uintptr) {
	if d := active(); d != nil {
		d.Acquire(current(d), addr)
	}
}

// Release publishes everything the caller did so far through addr, replacing what
// earlier releases published.
func Release(addr uintptr) {
	if d := active(); d != nil {
		d.ReleaseStore(current(d), addr)
	}
}

// ReleaseMerge publishes the caller's knowledge through addr, keeping what earlier
// releases published.
func ReleaseMerge(addr uintptr) {
	if d := active(); d != nil {
		d.Release(current(d), addr)
	}
}

// MutexLock is called after a mutex at addr is locked.
func MutexLock(addr uintptr) {
	if d := active(); d != nil {
		d.MutexLock(current(d), addr)
	}
}

// MutexUnlock is called before a mutex at addr is unlocked.
func MutexUnlock(addr uintptr) {
	if d := active(); d != nil {
		d.MutexUnlock(current(d), addr)
	}
}

// MutexReadLock is called after a reader lock of the RWMutex at addr is taken.
func MutexReadLock(addr uintptr) {
	if d := active(); d != nil {
		d.MutexReadLock(current(d), addr)
	}
}

// MutexReadUnlock is called before a reader lock of the RWMutex at addr is released.
func MutexReadUnlock(addr uintptr) {
	if d := active(); d != nil {
		d.MutexReadUnlock(current(d), addr)
	}
}

// ChanSend is called before a value is sent on the channel at ch.
func ChanSend(ch uintptr) {
	if d := active(); d != nil {
		d.ChannelSend(current(d), ch)
	}
}

// ChanRecv is called after a value was received from the channel at ch.
func ChanRecv(ch uintptr) {
	if d := active(); d != nil {
		d.ChannelRecv(current(d), ch)
	}
}

// ChanClose is called before the channel at ch is closed.
func ChanClose(ch uintptr) {
	if d := active(); d != nil {
		d.ChannelClose(current(d), ch)
	}
}

// WaitGroupAdd is called on WaitGroup.Add(delta) for the WaitGroup at wg.
func WaitGroupAdd(wg uintptr, delta int) {
	if d := active(); d != nil {
		d.WaitGroupAdd(wg, delta)
	}
}

// WaitGroupDone is called before WaitGroup.Done for the WaitGroup at wg.
func WaitGroupDone(wg uintptr) {
	if d := active(); d != nil {
		d.WaitGroupDone(current(d), wg)
	}
}

// WaitGroupWait is called after WaitGroup.Wait returned for the WaitGroup at wg.
func WaitGroupWait(wg uintptr) {
	if d := active(); d != nil {
		d.WaitGroupWait(current(d), wg)
	}
}
