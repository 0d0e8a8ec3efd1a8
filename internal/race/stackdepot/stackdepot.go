// Package stackdepot implements stack trace storage and deduplication for race reports.
//
// Stack Depot interns call stacks: each unique stack is stored once and referred to by a
// 32-bit id. Ids are small enough to live next to access records in shadow memory, so the
// previous access of a race can be reported with its full stack.
//
// Design (ThreadSanitizer v2 approach):
//   - Stacks come from the per-thread shadow stack (function entry/exit hooks) or, for
//     uninstrumented callers, from runtime.Callers
//   - Hash-based deduplication (FNV-1a over program counters), collisions resolved by
//     probing the next hash
//   - Id 0 means "no stack"
//
// Usage:
//
//	id := stackdepot.Put(pcs)
//	...
//	fmt.Print(stackdepot.Get(id).FormatStack())
package stackdepot

import (
	"fmt"
	"hash/fnv"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// MaxFrames is the maximum number of stack frames stored per stack.
	// Deeper stacks keep their innermost MaxFrames frames.
	MaxFrames = 32
)

// StackTrace is an interned call stack, innermost frame first.
type StackTrace struct {
	PC []uintptr
}

// Depot is a deduplicating stack store. The zero value is ready to use.
type Depot struct {
	byHash sync.Map // uint64 (hash) → uint32 (id)
	byID   sync.Map // uint32 (id) → *StackTrace
	next   atomic.Uint32
	bytes  atomic.Int64
}

// Put interns pcs and returns its id. An empty stack has id 0.
//
// Thread Safety: Safe for concurrent calls from multiple goroutines.
func (d *Depot) Put(pcs []uintptr) uint32 {
	if len(pcs) == 0 {
		return 0
	}
	if len(pcs) > MaxFrames {
		pcs = pcs[:MaxFrames]
	}

	for h := hashStack(pcs); ; h++ {
		if v, ok := d.byHash.Load(h); ok {
			id := v.(uint32)
			if slices.Equal(d.Get(id).PC, pcs) {
				return id
			}
			continue // Collision with a different stack, try the next hash.
		}

		// Publish the trace before the hash so Get never misses a returned id.
		id := d.next.Add(1)
		trace := &StackTrace{PC: slices.Clone(pcs)}
		d.byID.Store(id, trace)
		if v, loaded := d.byHash.LoadOrStore(h, id); loaded {
			d.byID.Delete(id)
			other := v.(uint32)
			if slices.Equal(d.Get(other).PC, pcs) {
				return other
			}
			continue
		}
		d.bytes.Add(int64(len(pcs)) * int64(unsafe.Sizeof(uintptr(0))))
		return id
	}
}

// Get retrieves a stack trace by id, or nil when id is 0 or unknown.
func (d *Depot) Get(id uint32) *StackTrace {
	if id == 0 {
		return nil
	}
	val, ok := d.byID.Load(id)
	if !ok {
		return nil
	}
	return val.(*StackTrace)
}

// Stats returns the number of unique stacks and the approximate memory they use.
func (d *Depot) Stats() (uniqueStacks int, totalMemory int64) {
	d.byHash.Range(func(_, _ any) bool {
		uniqueStacks++
		return true
	})

	// Plus overhead: ~64 bytes for the two sync.Map entries and the slice header.
	const perStackOverhead = 64
	return uniqueStacks, d.bytes.Load() + int64(uniqueStacks)*perStackOverhead
}

// Reset clears the depot (for testing).
//
// Thread Safety: NOT safe for concurrent calls.
func (d *Depot) Reset() {
	d.byHash = sync.Map{}
	d.byID = sync.Map{}
	d.next.Store(0)
	d.bytes.Store(0)
}

// hashStack computes FNV-1a hash of program counters.
func hashStack(pcs []uintptr) uint64 {
	h := fnv.New64a()

	for _, pc := range pcs {
		//nolint:gosec // G103: Safe use of unsafe to convert uintptr to bytes for hashing
		pcBytes := (*[unsafe.Sizeof(uintptr(0))]byte)(unsafe.Pointer(&pc))[:]
		_, _ = h.Write(pcBytes) // Write never returns error for hash.Hash.
	}

	return h.Sum64()
}

// Callers captures the current goroutine's stack, skipping skip frames above the caller
// of Callers.
func Callers(skip int) []uintptr {
	var pcs [MaxFrames]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	return slices.Clone(pcs[:n])
}

// FormatStack formats a stack trace as a string for race reports.
//
// The output format matches Go's official race detector:
//
//	main.worker()
//	    /path/to/file.go:45 +0x3b
//	main.main()
//	    /path/to/file.go:30 +0x5c
//
// Runtime and detector frames are filtered out.
func (st *StackTrace) FormatStack() string {
	if st == nil || len(st.PC) == 0 {
		return "  <unknown>\n"
	}

	frames := runtime.CallersFrames(st.PC)

	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if frame.PC == 0 {
			break
		}

		if strings.HasPrefix(frame.Function, "runtime.") || isDetectorFrame(frame) {
			if !more {
				break
			}
			continue
		}

		fmt.Fprintf(&buf, "  %s()\n", frame.Function)
		fmt.Fprintf(&buf, "      %s:%d +0x%x\n", frame.File, frame.Line, frame.PC-frame.Entry)

		if !more {
			break
		}
	}

	result := buf.String()
	if result == "" {
		return "  <runtime internal>\n"
	}

	return result
}

// isDetectorFrame reports whether frame belongs to the detector runtime itself.
func isDetectorFrame(frame runtime.Frame) bool {
	return strings.Contains(frame.Function, "racecore/internal/race/") &&
		!strings.HasSuffix(frame.File, "_test.go")
}

// Default is the process-wide depot used by the package-level helpers.
var Default = &Depot{}

// Put interns pcs in the default depot.
func Put(pcs []uintptr) uint32 {
	return Default.Put(pcs)
}

// Get looks up id in the default depot.
func Get(id uint32) *StackTrace {
	return Default.Get(id)
}

// Reset clears the default depot (for testing).
func Reset() {
	Default.Reset()
}

// Stats reports on the default depot.
func Stats() (uniqueStacks int, totalMemory int64) {
	return Default.Stats()
}
