package shadowmem

import (
	"github.com/kolkov/racecore/internal/race/arena"
	"github.com/kolkov/racecore/internal/race/epoch"
)

// ReadSetCapacity is the number of concurrent readers a read set remembers.
const ReadSetCapacity = 16

// Clock is the happens-before view of the accessing thread.
type Clock interface {
	// Get returns the latest epoch of sid the thread is ordered after.
	Get(sid epoch.Sid) epoch.Epoch
}

// ordered reports whether rec happens before every access of a thread with clock thr.
func ordered(thr Clock, rec Record) bool {
	return thr.Get(rec.Sid()) >= rec.Epoch()
}

// covers reports whether cur, made by a thread with clock thr, can stand in for old: any
// later access that would race with old then races with cur as well, or is ordered
// after both.
func covers(thr Clock, cur, old Record) bool {
	if old.Sid() != cur.Sid() && !ordered(thr, old) {
		return false
	}
	return cur.supersedes(old)
}

// conflicts reports whether cur, made by a thread with clock thr, races with prev.
func conflicts(thr Clock, prev, cur Record) bool {
	switch {
	case prev.IsZero(), prev.Sid() == cur.Sid():
		return false
	case prev.IsAtomic() && cur.IsAtomic():
		return false
	case prev.IsRead() && cur.IsRead():
		return false
	}
	return !ordered(thr, prev)
}

// readEntry is one remembered reader.
type readEntry struct {
	rec   Record
	stack uint32
	_     uint32
}

// ReadSet holds the reads of a byte that no later read covers.
//
// Entries are kept oldest first. A sid has at most two: a plain read and a later atomic
// read. Adding a reader drops the entries it covers; when the set is full the oldest
// entry is evicted.
type ReadSet struct {
	entries [ReadSetCapacity]readEntry
	n       uint8
}

// ReadSetAllocator allocates read sets outside the Go heap.
type ReadSetAllocator = arena.Allocator[ReadSet]

// ReadSetCache is a per-thread front end of a ReadSetAllocator.
type ReadSetCache = arena.Cache[ReadSet]

// NewReadSetAllocator creates an empty read set allocator.
func NewReadSetAllocator() *ReadSetAllocator {
	return arena.New[ReadSet]("readset")
}

// Len returns the number of remembered readers.
func (s *ReadSet) Len() int {
	return int(s.n)
}

// At returns the i-th reader, oldest first.
func (s *ReadSet) At(i int) (Record, uint32) {
	e := &s.entries[i]
	return e.rec, e.stack
}

// Add remembers the read rec made by a thread with clock thr. Entries rec covers are
// dropped. Add reports whether an entry had to be evicted.
func (s *ReadSet) Add(thr Clock, rec Record, stack uint32) (evicted bool) {
	s.retain(thr, rec)
	if int(s.n) == ReadSetCapacity {
		copy(s.entries[:], s.entries[1:])
		s.n--
		evicted = true
	}
	s.entries[s.n] = readEntry{rec: rec, stack: stack}
	s.n++
	return evicted
}

// firstRace returns the first entry that races with cur, a write by a thread with clock
// thr.
func (s *ReadSet) firstRace(thr Clock, cur Record) (readEntry, bool) {
	for i := 0; i < int(s.n); i++ {
		if e := s.entries[i]; conflicts(thr, e.rec, cur) {
			return e, true
		}
	}
	return readEntry{}, false
}

// retain keeps the entries cur, an access by a thread with clock thr, does not cover. A
// plain write covers every reader it is ordered with; an atomic access leaves plain
// readers in place.
func (s *ReadSet) retain(thr Clock, cur Record) {
	k := 0
	for i := 0; i < int(s.n); i++ {
		e := s.entries[i]
		if covers(thr, cur, e.rec) {
			continue
		}
		s.entries[k] = e
		k++
	}
	s.n = uint8(k)
}
