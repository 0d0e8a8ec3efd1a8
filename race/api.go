// Package race provides the public API for the race detector runtime.
//
// See doc.go for detailed documentation and examples.
package race

import (
	"runtime"

	internal "github.com/kolkov/racecore/internal/race/api"
	"github.com/kolkov/racecore/internal/race/detector"
)

// Option configures Init.
type Option = internal.Option

// Report describes one detected race.
type Report = detector.RaceReport

// Reporter receives race reports.
type Reporter = detector.Reporter

// Collector is a Reporter that keeps every report in memory.
type Collector = detector.CollectingReporter

// Goroutine is a goroutine started with Go.
type Goroutine = internal.Goroutine

// Configuration options, see the internal api package for details.
var (
	WithLogger                 = internal.WithLogger
	WithReporter               = internal.WithReporter
	WithOutput                 = internal.WithOutput
	WithReportBugs             = internal.WithReportBugs
	WithSuppressEqualAddresses = internal.WithSuppressEqualAddresses
	WithDetectDeadlocks        = internal.WithDetectDeadlocks
	WithMaxEpoch               = internal.WithMaxEpoch
	WithSampleRate             = internal.WithSampleRate
)

// Init initializes the race detector runtime.
//
// This function must be called before any other race detector operations. Calling it
// again starts over with a fresh detector.
//
//	func main() {
//		if err := race.Init(); err != nil {
//			log.Fatal(err)
//		}
//		defer race.Fini()
//		// ... rest of program
//	}
func Init(opts ...Option) error {
	return internal.Init(opts...)
}

// Fini finalizes the race detector and prints a summary report.
//
// This function should be called at program exit, typically with defer right after
// Init. Races have already been reported as they were found; the summary gives their
// count.
func Fini() error {
	return internal.Fini()
}

// Errors returns the number of races reported so far.
func Errors() int {
	return internal.RacesDetected()
}

// Enable resumes race detection after Disable.
func Enable() {
	internal.Enable()
}

// Disable suspends race detection for all goroutines.
func Disable() {
	internal.Disable()
}

// Go runs fn on a new goroutine that observes everything the caller did before. Call
// Wait on the result to observe everything fn did.
//
//	g := race.Go(func() { x = compute() })
//	g.Wait()
//	use(x) // ordered after the goroutine
func Go(fn func()) *Goroutine {
	return internal.Go(fn)
}

// callerPC returns the program counter of the code calling into this package.
//
//go:noinline
func callerPC() uintptr {
	pc, _, _, _ := runtime.Caller(2)
	return pc
}

// RaceRead records a memory read of the byte at addr.
//
// Example:
//
//	// Original code:
//	y := x
//
//	// Instrumented code:
//	race.RaceRead(uintptr(unsafe.Pointer(&x)))
//	y := x
//
//nolint:revive // RaceRead naming matches Go's official race detector API
func RaceRead(addr uintptr) {
	internal.ReadPC(addr, 1, callerPC())
}

// RaceWrite records a memory write of the byte at addr.
//
//nolint:revive // RaceWrite naming matches Go's official race detector API
func RaceWrite(addr uintptr) {
	internal.WritePC(addr, 1, callerPC())
}

// RaceReadRange records a read of [addr, addr+size).
//
//nolint:revive
func RaceReadRange(addr, size uintptr) {
	internal.ReadPC(addr, size, callerPC())
}

// RaceWriteRange records a write of [addr, addr+size).
//
//nolint:revive
func RaceWriteRange(addr, size uintptr) {
	internal.WritePC(addr, size, callerPC())
}

// RaceAcquire records the acquisition of a synchronization object: everything before
// the last RaceRelease of addr, and any RaceReleaseMerge since, happens before what
// follows.
//
// Typically used for:
//   - sync.Mutex.Lock()
//   - Receiving from a channel
//
//nolint:revive // RaceAcquire naming matches Go's official race detector API
func RaceAcquire(addr uintptr) {
	internal.Acquire(addr)
}

// RaceRelease records the release of a synchronization object, replacing what earlier
// releases of addr published.
//
//nolint:revive // RaceRelease naming matches Go's official race detector API
func RaceRelease(addr uintptr) {
	internal.Release(addr)
}

// RaceReleaseMerge records a release of addr that keeps what earlier releases
// published, as in RWMutex.RUnlock.
//
//nolint:revive
func RaceReleaseMerge(addr uintptr) {
	internal.ReleaseMerge(addr)
}

// RaceChannelSend records a send on the channel at addr.
//
//nolint:revive
func RaceChannelSend(addr uintptr) {
	internal.ChanSend(addr)
}

// RaceChannelRecv records a receive from the channel at addr.
//
//nolint:revive
func RaceChannelRecv(addr uintptr) {
	internal.ChanRecv(addr)
}

// RaceChannelClose records the closing of the channel at addr.
//
//nolint:revive
func RaceChannelClose(addr uintptr) {
	internal.ChanClose(addr)
}

// RaceWaitGroupAdd records WaitGroup.Add(delta) on the WaitGroup at addr.
//
//nolint:revive
func RaceWaitGroupAdd(addr uintptr, delta int) {
	internal.WaitGroupAdd(addr, delta)
}

// RaceWaitGroupDone records WaitGroup.Done on the WaitGroup at addr.
//
//nolint:revive
func RaceWaitGroupDone(addr uintptr) {
	internal.WaitGroupDone(addr)
}

// RaceWaitGroupWait records the return of WaitGroup.Wait on the WaitGroup at addr.
//
//nolint:revive
func RaceWaitGroupWait(addr uintptr) {
	internal.WaitGroupWait(addr)
}

// RaceFree records that [addr, addr+size) was freed.
//
//nolint:revive
func RaceFree(addr, size uintptr) {
	internal.Free(addr, size)
}

// IgnoreBegin starts a region of the calling goroutine whose accesses are not checked.
func IgnoreBegin() {
	internal.IgnoreBegin()
}

// IgnoreEnd ends the region started by the matching IgnoreBegin.
func IgnoreEnd() {
	internal.IgnoreEnd()
}
