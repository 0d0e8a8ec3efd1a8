// Package race provides the public API of a pure-Go happens-before race detector
// runtime.
//
// Instrumented code calls into this package on memory accesses and synchronization
// operations. The runtime tracks happens-before with vector clocks shared
// copy-on-write between threads and synchronization objects, and keeps a
// byte-precise access history in shadow memory mapped outside the Go heap. Two
// accesses to the same byte race when at least one is a plain write and neither
// happens before the other.
//
// # Quick Start
//
//	package main
//
//	import (
//		"unsafe"
//
//		"github.com/kolkov/racecore/race"
//	)
//
//	var counter int
//
//	func main() {
//		race.Init()
//		defer race.Fini()
//
//		race.Go(func() {
//			race.RaceWrite(uintptr(unsafe.Pointer(&counter)))
//			counter++
//		}).Wait()
//
//		race.RaceRead(uintptr(unsafe.Pointer(&counter)))
//		_ = counter
//	}
//
// # API Overview
//
// The package provides functions for:
//   - Initialization and finalization: [Init], [Fini], [Errors]
//   - Goroutines with creation and join edges: [Go]
//   - Memory access tracking: [RaceRead], [RaceWrite], [RaceReadRange], [RaceWriteRange], [RaceFree]
//   - Synchronization: [RaceAcquire], [RaceRelease], [RaceReleaseMerge] and the
//     channel and WaitGroup hooks
//   - Atomic operations with memory orders: [AtomicLoad32], [AtomicStore64],
//     [AtomicCompareExchange32] and friends
//   - Scoping: [IgnoreBegin], [IgnoreEnd], [Disable], [Enable]
//   - Version information: [GetInfo], [Version], [CheckABI]
//
// # Reports
//
// By default each race is printed to stderr in the layout of Go's race detector:
//
//	==================
//	WARNING: DATA RACE
//	Write at 0x00c0000180a0 by goroutine 7:
//	  main.main.func1()
//	      /path/to/main.go:18 +0x48
//	  [epoch: sid2@3]
//
//	Previous write at 0x00c0000180a0 by goroutine 1:
//	  main.main()
//	      /path/to/main.go:12 +0x5c
//	  [epoch: sid1@4]
//	==================
//
// [WithReporter] routes reports elsewhere, for example a [Collector] in tests.
//
// # Goroutines
//
// Only goroutines started with [Go] are ordered after their creator. A goroutine
// started with the go statement runs on a fresh context that observes nothing, so
// accesses it makes to data its creator prepared are reported unless other
// synchronization is annotated.
//
// The racedetector command checks the runtime version a module pins and runs a set
// of demonstration programs through this package.
package race
