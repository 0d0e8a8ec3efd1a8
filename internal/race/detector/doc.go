// Package detector implements happens-before race detection.
//
// The detector ties the engine together: every instrumented memory access is checked
// against shadow memory with the accessing thread's vector clock, and every
// synchronization operation moves knowledge between thread clocks and the clocks of
// synchronization objects.
//
// # Architecture
//
//  1. Thread contexts (goroutine.RaceContext): a slot (Sid), a thread clock, a shadow
//     call stack and allocator caches. Slots come from the slots registry and are
//     reused once their previous owner has been joined.
//  2. Shadow memory (shadowmem): per-byte access history and the race check.
//  3. Sync shadow (syncshadow): release clocks of mutexes, atomics, channels and
//     WaitGroups.
//  4. Reporting: a Reporter receives one RaceReport per race with both stacks.
//
// # Happens-before Rules
//
//   - NewThread / StartThread: the parent's past happens before the child.
//   - FinishThread / JoinThread: the child's past happens before the joiner's future.
//   - Release* into an object happens before a later Acquire of it.
//   - Mutex unlock is a store release, read unlock a merging release.
//   - Atomics acquire and release according to their MemoryOrder.
//
// Every release ends the releasing thread's epoch. A thread whose epoch reaches
// Options.MaxEpoch is moved to a fresh slot, keeping its knowledge.
//
// # Thread Safety
//
// A RaceContext belongs to one thread. All Detector methods are safe for concurrent
// use with distinct contexts.
//
// # Example Usage
//
//	d, _ := detector.New(detector.DefaultOptions())
//	defer d.Close()
//
//	main := d.NewThread(nil, 1)
//	d.StartThread(main)
//	child := d.NewThread(main, 2)
//	// in the child thread:
//	d.StartThread(child)
//	d.MemoryAccess(child, pc, addr, 8, shadowmem.AccessWrite)
//	d.FinishThread(child)
//	// back in main:
//	d.JoinThread(main, child)
//	d.MemoryAccess(main, pc, addr, 8, shadowmem.AccessRead) // ordered, no race
package detector
