package syncshadow

import (
	"sync"

	"github.com/kolkov/racecore/internal/race/sharedclock"
)

// pageShift groups object addresses into 4KB pages for range deletion.
const pageShift = 12

// SyncShadow manages shadow memory for synchronization primitives.
//
// This maps each sync primitive address (uintptr) to its SyncVar.
//
// Implementation:
//   - Uses sync.Map for lock-free concurrent lookups
//   - SyncVar allocated on first access to an address
//   - Addresses are also indexed by page, so freeing memory visits only the pages it
//     covers
//   - Removed when the memory holding the object is freed, or on Reset
//
// Thread Safety: All methods are safe for concurrent calls.
//
// Example:
//
//	shadow := NewSyncShadow()
//	sv := shadow.GetOrCreate(uintptr(unsafe.Pointer(&mu)))
//	sv.ReleaseStore(ctx.Clock) // On Unlock
//	sv.Acquire(ctx.Clock)      // On Lock
type SyncShadow struct {
	vars sync.Map // uintptr → *SyncVar

	// mu guards pages and serializes creation with deletion.
	mu    sync.Mutex
	pages map[uintptr]map[uintptr]struct{} // addr>>pageShift → addresses with a SyncVar
}

// NewSyncShadow creates an empty SyncShadow.
func NewSyncShadow() *SyncShadow {
	return &SyncShadow{pages: make(map[uintptr]map[uintptr]struct{})}
}

// GetOrCreate returns the SyncVar for the given address, creating it if needed.
//
// Thread Safety: Safe for concurrent calls. Lookups of existing objects do not lock;
// creation takes the index lock, so only one SyncVar is ever used per address.
func (s *SyncShadow) GetOrCreate(addr uintptr) *SyncVar {
	if val, ok := s.vars.Load(addr); ok {
		return val.(*SyncVar)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	val, loaded := s.vars.LoadOrStore(addr, &SyncVar{})
	if !loaded {
		page := s.pages[addr>>pageShift]
		if page == nil {
			page = make(map[uintptr]struct{})
			s.pages[addr>>pageShift] = page
		}
		page[addr] = struct{}{}
	}
	return val.(*SyncVar)
}

// Get returns the SyncVar for addr, or nil if none exists.
func (s *SyncShadow) Get(addr uintptr) *SyncVar {
	if val, ok := s.vars.Load(addr); ok {
		return val.(*SyncVar)
	}
	return nil
}

// DeleteRange removes the SyncVars of all objects in [addr, addr+size), as when the
// memory holding them is freed. Their clocks are returned through c. It returns the number
// of objects removed.
//
// The work is bounded by the smaller of the number of pages in the range and the number
// of pages holding objects.
func (s *SyncShadow) DeleteRange(addr, size uintptr, c *sharedclock.Cache) int {
	if size == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	first, last := addr>>pageShift, (addr+size-1)>>pageShift
	n := 0
	if last-first >= uintptr(len(s.pages)) {
		for key, page := range s.pages {
			if key >= first && key <= last {
				n += s.deleteInPage(key, page, addr, size, c)
			}
		}
		return n
	}
	for key := first; key <= last; key++ {
		if page := s.pages[key]; page != nil {
			n += s.deleteInPage(key, page, addr, size, c)
		}
	}
	return n
}

// deleteInPage removes the objects of one indexed page that lie in [addr, addr+size).
// The caller holds s.mu.
func (s *SyncShadow) deleteInPage(key uintptr, page map[uintptr]struct{}, addr, size uintptr, c *sharedclock.Cache) int {
	n := 0
	for a := range page {
		if a < addr || a-addr >= size {
			continue
		}
		delete(page, a)
		if val, loaded := s.vars.LoadAndDelete(a); loaded {
			val.(*SyncVar).Reset(c)
			n++
		}
	}
	if len(page) == 0 {
		delete(s.pages, key)
	}
	return n
}

// Len returns the number of tracked objects.
func (s *SyncShadow) Len() int {
	n := 0
	s.vars.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Reset drops every SyncVar and its clocks.
//
// Thread Safety: NOT safe for concurrent access. The caller must ensure
// no other goroutines are using the shadow memory.
func (s *SyncShadow) Reset(c *sharedclock.Cache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars.Range(func(key, val any) bool {
		val.(*SyncVar).Reset(c)
		s.vars.Delete(key)
		return true
	})
	clear(s.pages)
}
