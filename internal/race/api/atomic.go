package api

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/kolkov/racecore/internal/race/detector"
	"github.com/kolkov/racecore/internal/race/goroutine"
)

// MemoryOrder is the memory order of an atomic operation.
type MemoryOrder = detector.MemoryOrder

// Memory orders, from weakest to strongest.
const (
	OrderRelaxed = detector.OrderRelaxed
	OrderConsume = detector.OrderConsume
	OrderAcquire = detector.OrderAcquire
	OrderRelease = detector.OrderRelease
	OrderAcqRel  = detector.OrderAcqRel
	OrderSeqCst  = detector.OrderSeqCst
)

// atomicLockCount stripes the locks that make an atomic operation and its clock
// update indivisible. Operations on one address always take the same lock.
const atomicLockCount = 64

var atomicLocks [atomicLockCount]struct {
	sync.Mutex
	_ [56]byte
}

// atomicBegin returns the detector and context an atomic operation on addr reports to,
// with the address lock held. d is nil while detection is off and no lock is taken.
func atomicBegin(addr uintptr) (d *detector.Detector, thr *goroutine.RaceContext, mu *sync.Mutex) {
	if d = active(); d == nil {
		return nil, nil, nil
	}
	thr = current(d)
	mu = &atomicLocks[(addr>>3)%atomicLockCount].Mutex
	mu.Lock()
	return d, thr, mu
}

// AtomicLoad32 atomically loads *addr.
func AtomicLoad32(addr *int32, mo MemoryOrder) int32 {
	pc, a := getcallerpc(), uintptr(unsafe.Pointer(addr))
	d, thr, mu := atomicBegin(a)
	v := atomic.LoadInt32(addr)
	if d != nil {
		d.AtomicLoad(thr, pc, a, 4, mo)
		mu.Unlock()
	}
	return v
}

// AtomicLoad64 atomically loads *addr.
func AtomicLoad64(addr *int64, mo MemoryOrder) int64 {
	pc, a := getcallerpc(), uintptr(unsafe.Pointer(addr))
	d, thr, mu := atomicBegin(a)
	v := atomic.LoadInt64(addr)
	if d != nil {
		d.AtomicLoad(thr, pc, a, 8, mo)
		mu.Unlock()
	}
	return v
}

// AtomicStore32 atomically stores v into *addr.
func AtomicStore32(addr *int32, v int32, mo MemoryOrder) {
	pc, a := getcallerpc(), uintptr(unsafe.Pointer(addr))
	d, thr, mu := atomicBegin(a)
	if d != nil {
		d.AtomicStore(thr, pc, a, 4, mo)
		defer mu.Unlock()
	}
	atomic.StoreInt32(addr, v)
}

// AtomicStore64 atomically stores v into *addr.
func AtomicStore64(addr *int64, v int64, mo MemoryOrder) {
	pc, a := getcallerpc(), uintptr(unsafe.Pointer(addr))
	d, thr, mu := atomicBegin(a)
	if d != nil {
		d.AtomicStore(thr, pc, a, 8, mo)
		defer mu.Unlock()
	}
	atomic.StoreInt64(addr, v)
}

// rmw32 applies op to *addr under the address lock and reports it as a
// read-modify-write.
func rmw32(pc uintptr, addr *int32, mo MemoryOrder, op func(*int32) int32) int32 {
	a := uintptr(unsafe.Pointer(addr))
	d, thr, mu := atomicBegin(a)
	v := op(addr)
	if d != nil {
		d.AtomicRMW(thr, pc, a, 4, mo)
		mu.Unlock()
	}
	return v
}

func rmw64(pc uintptr, addr *int64, mo MemoryOrder, op func(*int64) int64) int64 {
	a := uintptr(unsafe.Pointer(addr))
	d, thr, mu := atomicBegin(a)
	v := op(addr)
	if d != nil {
		d.AtomicRMW(thr, pc, a, 8, mo)
		mu.Unlock()
	}
	return v
}

// AtomicAdd32 atomically adds delta to *addr and returns the new value.
func AtomicAdd32(addr *int32, delta int32, mo MemoryOrder) int32 {
	return rmw32(getcallerpc(), addr, mo, func(p *int32) int32 { return atomic.AddInt32(p, delta) })
}

// AtomicAdd64 atomically adds delta to *addr and returns the new value.
func AtomicAdd64(addr *int64, delta int64, mo MemoryOrder) int64 {
	return rmw64(getcallerpc(), addr, mo, func(p *int64) int64 { return atomic.AddInt64(p, delta) })
}

// AtomicAnd32 atomically ands *addr with mask and returns the old value.
func AtomicAnd32(addr *int32, mask int32, mo MemoryOrder) int32 {
	return rmw32(getcallerpc(), addr, mo, func(p *int32) int32 { return atomic.AndInt32(p, mask) })
}

// AtomicAnd64 atomically ands *addr with mask and returns the old value.
func AtomicAnd64(addr *int64, mask int64, mo MemoryOrder) int64 {
	return rmw64(getcallerpc(), addr, mo, func(p *int64) int64 { return atomic.AndInt64(p, mask) })
}

// AtomicOr32 atomically ors mask into *addr and returns the old value.
func AtomicOr32(addr *int32, mask int32, mo MemoryOrder) int32 {
	return rmw32(getcallerpc(), addr, mo, func(p *int32) int32 { return atomic.OrInt32(p, mask) })
}

// AtomicOr64 atomically ors mask into *addr and returns the old value.
func AtomicOr64(addr *int64, mask int64, mo MemoryOrder) int64 {
	return rmw64(getcallerpc(), addr, mo, func(p *int64) int64 { return atomic.OrInt64(p, mask) })
}

// AtomicXor32 atomically xors mask into *addr and returns the old value.
func AtomicXor32(addr *int32, mask int32, mo MemoryOrder) int32 {
	return rmw32(getcallerpc(), addr, mo, func(p *int32) int32 {
		for {
			old := atomic.LoadInt32(p)
			if atomic.CompareAndSwapInt32(p, old, old^mask) {
				return old
			}
		}
	})
}

// AtomicXor64 atomically xors mask into *addr and returns the old value.
func AtomicXor64(addr *int64, mask int64, mo MemoryOrder) int64 {
	return rmw64(getcallerpc(), addr, mo, func(p *int64) int64 {
		for {
			old := atomic.LoadInt64(p)
			if atomic.CompareAndSwapInt64(p, old, old^mask) {
				return old
			}
		}
	})
}

// AtomicSwap32 atomically stores v into *addr and returns the old value.
func AtomicSwap32(addr *int32, v int32, mo MemoryOrder) int32 {
	return rmw32(getcallerpc(), addr, mo, func(p *int32) int32 { return atomic.SwapInt32(p, v) })
}

// AtomicSwap64 atomically stores v into *addr and returns the old value.
func AtomicSwap64(addr *int64, v int64, mo MemoryOrder) int64 {
	return rmw64(getcallerpc(), addr, mo, func(p *int64) int64 { return atomic.SwapInt64(p, v) })
}

// AtomicCompareExchange32 atomically replaces *addr with new if it holds old. mo
// applies when the exchange happens, fmo when it fails.
func AtomicCompareExchange32(addr *int32, old, new int32, mo, fmo MemoryOrder) bool {
	pc, a := getcallerpc(), uintptr(unsafe.Pointer(addr))
	d, thr, mu := atomicBegin(a)
	swapped := atomic.CompareAndSwapInt32(addr, old, new)
	if d != nil {
		d.AtomicCAS(thr, pc, a, 4, mo, fmo, swapped)
		mu.Unlock()
	}
	return swapped
}

// AtomicCompareExchange64 atomically replaces *addr with new if it holds old. mo
// applies when the exchange happens, fmo when it fails.
func AtomicCompareExchange64(addr *int64, old, new int64, mo, fmo MemoryOrder) bool {
	pc, a := getcallerpc(), uintptr(unsafe.Pointer(addr))
	d, thr, mu := atomicBegin(a)
	swapped := atomic.CompareAndSwapInt64(addr, old, new)
	if d != nil {
		d.AtomicCAS(thr, pc, a, 8, mo, fmo, swapped)
		mu.Unlock()
	}
	return swapped
}
