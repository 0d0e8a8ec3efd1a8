// Package shadowmem implements shadow memory and the per-access race check.
//
// Shadow memory is the foundation of dynamic race detection. It tracks the access
// history for every instrumented byte of application memory, enabling the detector to
// identify conflicting accesses that constitute data races.
//
// # Overview
//
// Application memory is shadowed in cells of CellSize bytes. Every byte of a cell has a
// VarState that records:
//   - W: the last write (a Record: sid, epoch, byte mask, read/atomic/free bits)
//   - OldW: an earlier write W does not cover, such as a plain write followed by an
//     atomic store of the same thread
//   - R: the last read, or a read set once two reads coexist that neither covers
//
// Because the history is kept per byte, accesses to disjoint bytes of one cell never
// race. The byte mask stored in each Record remembers the full extent of the access
// within its cell for reporting.
//
// # Components
//
// Record: one access packed into 64 bits, loaded and stored atomically.
//
// ReadSet: bounded set of readers (ReadSetCapacity entries, at most a plain read and a
// later atomic read per sid, oldest evicted), allocated from an arena.
//
// Cell: CellSize VarStates behind a spin lock.
//
// Shadow: page directory from addresses to cells. Pages are mapped outside the Go heap
// on first touch.
//
// # Usage
//
//	sm := shadowmem.New()
//	defer sm.Close()
//
//	res := sm.Access(thr, cache, shadowmem.Access{
//	    Sid: sid, Epoch: thr.Local(), Addr: addr, Size: 8, Type: shadowmem.AccessWrite,
//	})
//	if res.Race {
//	    // res.Prev is the earlier access.
//	}
//
// # Thread Safety
//
// Access, MarkFreed, Reset and History are safe for concurrent use. Application threads
// race on cells by definition, so each cell is locked for the bounded work of one access.
// An access that would leave the cell unchanged is recognised without the lock.
package shadowmem
