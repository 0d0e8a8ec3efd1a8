package shadowmem

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"

	"github.com/kolkov/racecore/internal/race/arena"
	"github.com/kolkov/racecore/internal/race/invariant"
)

const (
	cellShift = 3 // log2(CellSize)

	// pageCellsShift is log2 of the number of cells per page; a page covers 16KB of
	// application memory.
	pageCellsShift = 11
	pageCells      = 1 << pageCellsShift
	pageShift      = cellShift + pageCellsShift

	// dirBits is log2 of the number of page directory slots.
	dirBits = 16
	dirSize = 1 << dirBits
)

// page is the shadow of 1<<pageShift bytes of application memory. Pages are mapped
// outside the Go heap and never move.
type page struct {
	key   uintptr // Application address >> pageShift.
	cells [pageCells]Cell
}

// Shadow maps application addresses to shadow cells.
//
// Architecture:
//   - Page directory: fixed array of atomic page pointers, open addressing with linear
//     probing over page numbers, hashed by a multiplicative (golden ratio) hash
//   - Pages are mapped on first touch and installed with CompareAndSwap; a loser of the
//     install race unmaps its page and uses the winner's
//   - Pages are never removed while the Shadow is open, so a cell pointer stays valid
//
// Thread Safety: All methods except Close are safe for concurrent use.
type Shadow struct {
	dir [dirSize]atomic.Pointer[page]

	mu       sync.Mutex
	mappings [][]byte

	readSets *ReadSetAllocator
	stats    Stats
}

// Stats counts shadow memory activity.
type Stats struct {
	Pages     atomic.Int64
	FastPath  atomic.Uint64 // Accesses that found their record already in place.
	SlowPath  atomic.Uint64 // Accesses that took the cell lock.
	Widenings atomic.Uint64 // Single reader promoted to a read set.
	Evictions atomic.Uint64 // Readers or writes dropped from a full history.
	Races     atomic.Uint64
}

// New creates an empty shadow memory.
func New() *Shadow {
	return &Shadow{readSets: NewReadSetAllocator()}
}

// ReadSets returns the allocator read sets are taken from. Threads create their local
// caches from it.
func (s *Shadow) ReadSets() *ReadSetAllocator {
	return s.readSets
}

// Stats returns the activity counters.
func (s *Shadow) Stats() *Stats {
	return &s.stats
}

// dirHash spreads page numbers over the directory.
//
//go:nosplit
func dirHash(key uintptr) uint64 {
	const goldenRatio = 0x9E3779B97F4A7C15
	return (uint64(key) * goldenRatio) >> (64 - dirBits)
}

// lookup returns the page covering addr. With create unset a page that was never
// touched yields nil.
func (s *Shadow) lookup(addr uintptr, create bool) *page {
	key := addr >> pageShift
	var fresh *page
	var mem []byte

	h := dirHash(key)
	for i := uint64(0); i < dirSize; i++ {
		slot := &s.dir[(h+i)&(dirSize-1)]
		p := slot.Load()
		if p == nil {
			if !create {
				return nil
			}
			if fresh == nil {
				fresh, mem = s.mapPage(key)
			}
			if slot.CompareAndSwap(nil, fresh) {
				s.mu.Lock()
				s.mappings = append(s.mappings, mem)
				s.mu.Unlock()
				s.stats.Pages.Add(1)
				return fresh
			}
			p = slot.Load()
		}
		if p.key == key {
			if fresh != nil {
				s.unmapLoser(mem)
			}
			return p
		}
	}

	invariant.Failf(nil, "shadow page directory exhausted (%d pages)", dirSize)
	return nil
}

func (s *Shadow) mapPage(key uintptr) (*page, []byte) {
	mem, err := arena.Map(int(unsafe.Sizeof(page{})))
	if err != nil {
		invariant.Failf(nil, "mapping shadow page: %v", err)
	}
	p := (*page)(unsafe.Pointer(&mem[0]))
	p.key = key
	return p, mem
}

func (s *Shadow) unmapLoser(mem []byte) {
	if err := arena.Unmap(mem); err != nil {
		invariant.Failf(nil, "unmapping shadow page: %v", err)
	}
}

// Cell returns the cell covering addr and its base address. With create unset a cell
// of a page that was never touched yields nil.
func (s *Shadow) Cell(addr uintptr, create bool) (*Cell, uintptr) {
	p := s.lookup(addr, create)
	if p == nil {
		return nil, 0
	}
	base := addr &^ (CellSize - 1)
	return &p.cells[(addr>>cellShift)&(pageCells-1)], base
}

// Close unmaps all shadow pages and read sets. The Shadow must not be used afterwards.
func (s *Shadow) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for _, mem := range s.mappings {
		err = multierr.Append(err, arena.Unmap(mem))
	}
	s.mappings = nil
	for i := range s.dir {
		s.dir[i].Store(nil)
	}
	return multierr.Append(err, s.readSets.Close())
}
