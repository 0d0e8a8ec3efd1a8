package detector

import (
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kolkov/racecore/internal/race/epoch"
	"github.com/kolkov/racecore/internal/race/goroutine"
	"github.com/kolkov/racecore/internal/race/invariant"
	"github.com/kolkov/racecore/internal/race/shadowmem"
	"github.com/kolkov/racecore/internal/race/sharedclock"
	"github.com/kolkov/racecore/internal/race/slots"
	"github.com/kolkov/racecore/internal/race/stackdepot"
	"github.com/kolkov/racecore/internal/race/syncshadow"
)

// Detector implements happens-before race detection over shadow memory.
//
// It owns all global state: shadow memory (access history for every instrumented
// byte), sync shadow (release clocks of synchronization objects), the slot registry and
// the clock allocator. Per-thread state lives in goroutine.RaceContext values the
// detector hands out.
//
// A RaceContext is used by one thread at a time. Every other method is safe for
// concurrent use.
type Detector struct {
	opts     Options
	log      *zap.Logger
	reporter Reporter
	sampler  *Sampler

	shadow     *shadowmem.Shadow
	syncShadow *syncshadow.SyncShadow
	slots      *slots.Registry
	clocks     *sharedclock.Allocator
	clockStats sharedclock.Stats
	stacks     stackdepot.Depot

	// owners maps a slot to the id of the last thread attached to it, for reports.
	owners [epoch.ThreadSlotCount]atomic.Int64

	// mu guards threads, the Start/Exit clocks of contexts and cache.
	mu      sync.Mutex
	threads map[*goroutine.RaceContext]*threadState
	cache   *sharedclock.Cache
	closed  bool

	// reportedRaces tracks which races have already been reported.
	reportedRaces sync.Map
	racesDetected atomic.Int64
	suppressed    atomic.Int64
	reportMu      sync.Mutex
}

// threadState tracks a context between creation and join.
type threadState struct {
	started  bool
	finished bool
	detached bool
}

// New creates a detector.
//
// Example:
//
//	d, err := detector.New(detector.DefaultOptions())
//	main := d.NewThread(nil, 1)
//	d.StartThread(main)
//	d.MemoryAccess(main, pc, addr, 8, shadowmem.AccessWrite)
func New(opts Options) (*Detector, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("detector")
	reporter := opts.Reporter
	if reporter == nil {
		reporter = NewZapReporter(log)
	}

	clocks := sharedclock.NewAllocator()
	d := &Detector{
		opts:       opts,
		log:        log,
		reporter:   reporter,
		sampler:    NewSampler(opts.SampleRate),
		shadow:     shadowmem.New(),
		syncShadow: syncshadow.NewSyncShadow(),
		slots:      slots.New(opts.MaxEpoch, log.Named("slots")),
		clocks:     clocks,
		threads:    make(map[*goroutine.RaceContext]*threadState),
		cache:      clocks.NewCache(),
	}
	if opts.DetectDeadlocks {
		log.Info("deadlock detection is not supported, option ignored")
	}
	if d.sampler.Enabled() {
		log.Info("sampling memory accesses", zap.Uint64("rate", d.sampler.Rate()))
	}
	return d, nil
}

// Options returns the options the detector was created with.
func (d *Detector) Options() Options {
	return d.opts
}

// Logger returns the detector's logger.
func (d *Detector) Logger() *zap.Logger {
	return d.log
}

// === Thread lifecycle ===

// NewThread creates the context of a thread spawned by parent (nil for a root thread).
// Everything parent did so far happens before everything the new thread does once it
// is started with StartThread. id is the runtime identity used in reports and may be
// set on the context before StartThread.
func (d *Detector) NewThread(parent *goroutine.RaceContext, id int64) *goroutine.RaceContext {
	var view slots.Clock
	if parent != nil {
		view = parent.Clock
	}
	a := d.slots.Attach(view)
	thr := goroutine.Alloc(id, a.Sid, a.Start, a.Version, d.clocks, d.shadow.ReadSets(), &d.clockStats)
	d.owners[a.Sid].Store(id)

	d.mu.Lock()
	d.threads[thr] = &threadState{}
	if parent != nil {
		parent.Clock.ReleaseStore(&thr.Start)
	}
	d.mu.Unlock()

	if parent != nil {
		d.afterRelease(parent)
	}
	return thr
}

// StartThread is called by the new thread before it runs any code.
func (d *Detector) StartThread(thr *goroutine.RaceContext) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.threads[thr]
	if st == nil || st.started {
		invariant.Failf(thr.ID, "starting thread %d twice", thr.ID)
	}
	st.started = true
	thr.Clock.Acquire(&thr.Start)
	thr.Start.Reset(thr.Clocks)
	d.owners[thr.Sid()].Store(thr.ID)
}

// FinishThread is called by a thread as its last action. The thread's knowledge is kept
// for JoinThread and its slot is quarantined; thr must not be used for anything but
// JoinThread afterwards.
func (d *Detector) FinishThread(thr *goroutine.RaceContext) {
	d.mu.Lock()
	st := d.threads[thr]
	if st == nil || st.finished {
		d.mu.Unlock()
		invariant.Failf(thr.ID, "finishing thread %d twice", thr.ID)
		return
	}
	st.finished = true
	last := thr.Clock.Local()
	if st.detached {
		delete(d.threads, thr)
	} else {
		thr.Clock.ReleaseStore(&thr.Exit)
	}
	d.mu.Unlock()

	d.slots.Finish(thr.Sid(), last, thr.Clock.Version())
	thr.Close()
}

// JoinThread makes everything the finished thread thr did happen before the rest of
// joiner. Joining a thread a second time is a no-op.
func (d *Detector) JoinThread(joiner, thr *goroutine.RaceContext) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.threads[thr]
	if st == nil {
		return
	}
	if !st.finished {
		invariant.Failf(thr.ID, "joining running thread %d", thr.ID)
	}
	joiner.Clock.Acquire(&thr.Exit)
	thr.Exit.Reset(joiner.Clocks)
	delete(d.threads, thr)
}

// DetachThread declares that thr will never be joined. Its bookkeeping is dropped when
// it finishes, or right away if it already has.
func (d *Detector) DetachThread(thr *goroutine.RaceContext) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.threads[thr]
	if st == nil {
		return
	}
	if !st.finished {
		st.detached = true
		return
	}
	thr.Exit.Reset(d.cache)
	delete(d.threads, thr)
}

// Threads returns the number of contexts not yet joined.
func (d *Detector) Threads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.threads)
}

// afterRelease moves thr to a fresh slot once its epoch reaches the overflow threshold.
// Releases are the only operations that advance an epoch.
func (d *Detector) afterRelease(thr *goroutine.RaceContext) {
	if thr.Clock.Local() < d.slots.MaxEpoch() {
		return
	}
	a := d.slots.Reattach(thr.Sid(), thr.Clock.Local(), thr.Clock.Version(), thr.Clock)
	thr.Clock.Reattach(a.Sid, a.Start, a.Version)
	d.owners[a.Sid].Store(thr.ID)
}

// === Memory accesses ===

// MemoryAccess checks an access of size bytes at addr by thr and records it. pc is the
// program counter of the access. It reports whether a race was found.
//
// Thread Safety: Safe for concurrent calls from multiple threads.
func (d *Detector) MemoryAccess(thr *goroutine.RaceContext, pc, addr, size uintptr, typ shadowmem.AccessType) bool {
	if !d.opts.ReportBugs || size == 0 || thr.Ignoring() {
		return false
	}
	if !d.sampler.ShouldSample() {
		return false
	}
	return d.access(thr, pc, addr, size, typ)
}

// MemoryAccessRange checks an access to [addr, addr+size) of any length, such as a
// copy or a slice operation. Only the first race is reported.
func (d *Detector) MemoryAccessRange(thr *goroutine.RaceContext, pc, addr, size uintptr, write bool) bool {
	typ := shadowmem.AccessRead
	if write {
		typ = shadowmem.AccessWrite
	}
	if !d.opts.ReportBugs || size == 0 || thr.Ignoring() {
		return false
	}
	return d.access(thr, pc, addr, size, typ)
}

func (d *Detector) access(thr *goroutine.RaceContext, pc, addr, size uintptr, typ shadowmem.AccessType) bool {
	cur := shadowmem.Access{
		Sid:   thr.Sid(),
		Epoch: thr.GetEpoch(),
		Addr:  addr,
		Size:  size,
		Type:  typ,
		Stack: thr.StackID(&d.stacks, pc),
	}
	res := d.shadow.Access(thr, thr.ReadSets, cur)
	if !res.Race {
		return false
	}
	d.reportRace(thr, pc, cur, res)
	return true
}

// MemoryRangeFreed records that thr freed [addr, addr+size). Later accesses not ordered
// after the free race with it. Synchronization objects inside the range are dropped.
func (d *Detector) MemoryRangeFreed(thr *goroutine.RaceContext, pc, addr, size uintptr) bool {
	if size == 0 {
		return false
	}
	d.syncShadow.DeleteRange(addr, size, thr.Clocks)
	if !d.opts.ReportBugs || thr.Ignoring() {
		d.shadow.Reset(addr, size)
		return false
	}
	cur := shadowmem.Access{
		Sid:   thr.Sid(),
		Epoch: thr.GetEpoch(),
		Addr:  addr,
		Size:  size,
		Type:  shadowmem.AccessFree,
		Stack: thr.StackID(&d.stacks, pc),
	}
	res := d.shadow.MarkFreed(thr, thr.ReadSets, cur.Sid, cur.Epoch, addr, size, cur.Stack)
	if !res.Race {
		return false
	}
	d.reportRace(thr, pc, cur, res)
	return true
}

// MemoryRangeReset forgets the history of [addr, addr+size), for memory that is handed
// out again.
func (d *Detector) MemoryRangeReset(addr, size uintptr) {
	d.shadow.Reset(addr, size)
}

// History returns the recorded accesses of the byte at addr.
func (d *Detector) History(addr uintptr) shadowmem.History {
	return d.shadow.History(addr)
}

// === Reporting ===

func (d *Detector) reportRace(thr *goroutine.RaceContext, pc uintptr, cur shadowmem.Access, res shadowmem.Result) {
	var prevStack []uintptr
	if st := d.stacks.Get(res.PrevStack); st != nil {
		prevStack = st.PC
	}
	var prevPC uintptr
	if len(prevStack) > 0 {
		prevPC = prevStack[0]
	}

	report := newRaceReport(res.Addr,
		AccessInfo{
			ThreadID: thr.ID,
			Sid:      cur.Sid,
			Epoch:    cur.Epoch,
			PC:       pc,
			Addr:     cur.Addr,
			Size:     cur.Size,
			Type:     cur.Type,
			Stack:    thr.Stack(pc),
		},
		AccessInfo{
			ThreadID: d.owners[res.Prev.Sid()].Load(),
			Sid:      res.Prev.Sid(),
			Epoch:    res.Prev.Epoch(),
			PC:       prevPC,
			Addr:     res.PrevAddr,
			Size:     res.PrevSize,
			Type:     res.Prev.Type(),
			Stack:    prevStack,
		})

	if d.opts.SuppressEqualAddresses {
		if _, dup := d.reportedRaces.LoadOrStore(report.DeduplicationKey, struct{}{}); dup {
			d.suppressed.Add(1)
			return
		}
	}
	d.racesDetected.Add(1)

	d.reportMu.Lock()
	defer d.reportMu.Unlock()
	d.reporter.Report(report)
}

// RacesDetected returns the number of races reported.
func (d *Detector) RacesDetected() int {
	return int(d.racesDetected.Load())
}

// Stats is a snapshot of detector counters.
type Stats struct {
	Races      int64 // Races reported.
	Suppressed int64 // Duplicate races not reported.

	FastPath  uint64 // Accesses that left their cells unchanged without locking.
	SlowPath  uint64 // Accesses checked under the cell lock.
	Widenings uint64 // Reads that turned a single reader into a read set.
	Evictions uint64 // Readers or writes dropped from a full history.
	Pages     int64  // Shadow pages mapped.

	Clock    sharedclock.StatsSnapshot
	Slots    slots.Stats
	Sampler  SamplerStats
	Threads  int // Contexts not yet joined.
	SyncVars int // Tracked synchronization objects.
	Stacks   int // Unique stacks interned.
}

// Stats returns a snapshot of the detector counters.
func (d *Detector) Stats() Stats {
	ss := d.shadow.Stats()
	stacks, _ := d.stacks.Stats()
	return Stats{
		Races:      d.racesDetected.Load(),
		Suppressed: d.suppressed.Load(),
		FastPath:   ss.FastPath.Load(),
		SlowPath:   ss.SlowPath.Load(),
		Widenings:  ss.Widenings.Load(),
		Evictions:  ss.Evictions.Load(),
		Pages:      ss.Pages.Load(),
		Clock:      d.clockStats.Snapshot(),
		Slots:      d.slots.Stats(),
		Sampler:    d.sampler.Stats(),
		Threads:    d.Threads(),
		SyncVars:   d.syncShadow.Len(),
		Stacks:     stacks,
	}
}

// Close releases all detector memory. Contexts still running are closed as well; no
// detector method may be called afterwards.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	for thr, st := range d.threads {
		if !st.finished {
			thr.Close()
		}
		thr.Start.Reset(d.cache)
		thr.Exit.Reset(d.cache)
	}
	clear(d.threads)
	d.syncShadow.Reset(d.cache)
	d.cache.Flush()

	if live := d.clocks.Stats().Live; live != 0 {
		d.log.Debug("clocks still referenced at close", zap.Int64("live", live))
	}
	err := multierr.Combine(d.shadow.Close(), d.clocks.Close())
	d.log.Debug("detector closed",
		zap.Int64("races", d.racesDetected.Load()),
		zap.Int64("suppressed", d.suppressed.Load()),
	)
	return err
}
