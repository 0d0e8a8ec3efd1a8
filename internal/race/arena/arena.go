// Package arena implements the recycling allocator for detector metadata.
//
// Clock storage and read sets churn far faster than the Go collector would like, so they
// are carved from fixed-size slabs of mapped memory and recycled through a free list
// instead of being garbage collected.
//
// Design (sanitizer allocator approach):
//   - Allocator[T]: process-wide slabs plus a global free list guarded by a mutex
//   - Cache[T]: per-worker local cache, refilled from and drained to the global list in
//     batches so the mutex is taken once per batch, not once per object
//   - Handle: 32-bit reference (0 = nil) so mapped shadow memory can point at objects
//     without holding Go pointers
//
// T must not contain Go pointers: slabs live outside the Go heap and are never scanned.
package arena

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"

	"github.com/kolkov/racecore/internal/race/invariant"
)

// Handle refers to one object of an Allocator. The zero Handle is nil.
type Handle uint32

const (
	// slabShift is log2 of the number of objects per slab.
	slabShift   = 8
	slabObjects = 1 << slabShift
	slabMask    = slabObjects - 1

	// maxSlabs bounds the handle space to 2^24 objects per allocator.
	maxSlabs = 1 << 16

	// cacheSize is the capacity of a local cache; refills and drains move half of it.
	cacheSize  = 64
	cacheBatch = cacheSize / 2
)

type slab[T any] struct {
	mem  []byte
	objs *[slabObjects]T
}

// Stats describes allocator occupancy.
type Stats struct {
	Slabs    int   // Mapped slabs.
	Capacity int   // Objects the mapped slabs can hold.
	Live     int64 // Objects currently handed out.
	Free     int   // Objects on the global free list.
}

// Allocator is a slab allocator of pointer-free objects of type T.
type Allocator[T any] struct {
	name string

	// slabs is indexed by handle>>slabShift; published entries are never replaced.
	slabs [maxSlabs]atomic.Pointer[slab[T]]

	mu     sync.Mutex
	free   []Handle
	nslabs int
	closed bool

	live atomic.Int64
}

// New creates an empty allocator. name identifies it in diagnostics.
func New[T any](name string) *Allocator[T] {
	return &Allocator[T]{name: name}
}

// Get resolves a handle. Get(0) returns nil.
//
//go:nosplit
func (a *Allocator[T]) Get(h Handle) *T {
	if h == 0 {
		return nil
	}
	i := uint32(h) - 1
	s := a.slabs[i>>slabShift].Load()
	return &s.objs[i&slabMask]
}

// Alloc returns a zeroed object and its handle, taking the global lock.
func (a *Allocator[T]) Alloc() (Handle, *T) {
	var one [1]Handle
	h := a.refill(one[:0], 1)[0]
	p := a.Get(h)
	var zero T
	*p = zero
	a.live.Add(1)
	return h, p
}

// Free returns an object to the global free list.
func (a *Allocator[T]) Free(h Handle) {
	if h == 0 {
		return
	}
	a.live.Add(-1)
	a.mu.Lock()
	a.free = append(a.free, h)
	a.mu.Unlock()
}

// refill appends n handles to dst, mapping a new slab when the free list runs dry.
func (a *Allocator[T]) refill(dst []Handle, n int) []Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		invariant.Failf(nil, "arena %s: allocation after Close", a.name)
	}
	for len(a.free) < n {
		a.grow()
	}
	k := len(a.free) - n
	dst = append(dst, a.free[k:]...)
	a.free = a.free[:k]
	return dst
}

// grow maps one more slab. Must be called with a.mu held.
func (a *Allocator[T]) grow() {
	if a.nslabs == maxSlabs {
		invariant.Failf(a.statsLocked(), "arena %s: handle space exhausted", a.name)
	}
	var zero T
	size := int(unsafe.Sizeof(zero)) * slabObjects
	mem, err := Map(size)
	if err != nil {
		invariant.Failf(a.statsLocked(), "arena %s: mapping %d bytes: %v", a.name, size, err)
	}
	s := &slab[T]{
		mem:  mem,
		objs: (*[slabObjects]T)(unsafe.Pointer(unsafe.SliceData(mem))),
	}
	base := a.nslabs << slabShift
	a.slabs[a.nslabs].Store(s)
	a.nslabs++

	// Push in reverse so the lowest handles are handed out first.
	for i := slabObjects - 1; i >= 0; i-- {
		a.free = append(a.free, Handle(base+i+1))
	}
}

// Stats returns a snapshot of allocator occupancy.
func (a *Allocator[T]) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statsLocked()
}

func (a *Allocator[T]) statsLocked() Stats {
	return Stats{
		Slabs:    a.nslabs,
		Capacity: a.nslabs * slabObjects,
		Live:     a.live.Load(),
		Free:     len(a.free),
	}
}

// Close unmaps every slab. Objects must no longer be referenced.
func (a *Allocator[T]) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var err error
	for i := 0; i < a.nslabs; i++ {
		s := a.slabs[i].Swap(nil)
		if uerr := Unmap(s.mem); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("arena %s: unmapping slab %d: %w", a.name, i, uerr))
		}
	}
	a.free = nil
	a.nslabs = 0
	return err
}

// Cache is a per-worker front end to an Allocator. A Cache must only be used by one
// goroutine at a time.
type Cache[T any] struct {
	a   *Allocator[T]
	buf []Handle
}

// NewCache creates an empty local cache bound to a.
func (a *Allocator[T]) NewCache() *Cache[T] {
	return &Cache[T]{a: a, buf: make([]Handle, 0, cacheSize)}
}

// Allocator returns the allocator backing the cache.
func (c *Cache[T]) Allocator() *Allocator[T] {
	return c.a
}

// Alloc returns a zeroed object, refilling a batch from the global list when empty.
func (c *Cache[T]) Alloc() (Handle, *T) {
	if len(c.buf) == 0 {
		c.buf = c.a.refill(c.buf, cacheBatch)
	}
	h := c.buf[len(c.buf)-1]
	c.buf = c.buf[:len(c.buf)-1]

	p := c.a.Get(h)
	var zero T
	*p = zero
	c.a.live.Add(1)
	return h, p
}

// Free returns an object to the cache, draining half of it when full.
func (c *Cache[T]) Free(h Handle) {
	if h == 0 {
		return
	}
	c.a.live.Add(-1)
	if len(c.buf) == cacheSize {
		c.drain(cacheBatch)
	}
	c.buf = append(c.buf, h)
}

// Flush returns every cached object to the global list. Called when a worker exits.
func (c *Cache[T]) Flush() {
	c.drain(len(c.buf))
}

func (c *Cache[T]) drain(n int) {
	if n == 0 {
		return
	}
	k := len(c.buf) - n
	c.a.mu.Lock()
	c.a.free = append(c.a.free, c.buf[k:]...)
	c.a.mu.Unlock()
	c.buf = c.buf[:k]
}

// Len returns the number of cached objects.
func (c *Cache[T]) Len() int {
	return len(c.buf)
}
