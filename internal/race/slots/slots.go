// Package slots hands out thread slots (Sids) and decides when a slot may be reused.
//
// Records in shadow memory and entries of sync clocks name threads by slot. A slot can
// only go to a new thread once every old record of it is harmless:
//   - the new thread starts at the slot's epoch high-water mark, so old epochs are never
//     confused with new ones
//   - the new clock version is the slot's version high-water plus sharedclock.VersionGap,
//     so acquirers fall back to a full scan instead of trusting stale versions
//   - the creating thread must already know the previous owner's final epoch (it joined
//     it, directly or transitively), otherwise the new owner's accesses would be taken for
//     the old owner's and races between them missed
//
// Slots of finished threads wait in quarantine until that last condition holds. When no
// slot qualifies, the oldest quarantined slot is reused anyway with a warning, and only
// when all slots are live is slot exhaustion fatal.
package slots

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kolkov/racecore/internal/race/epoch"
	"github.com/kolkov/racecore/internal/race/invariant"
	"github.com/kolkov/racecore/internal/race/sharedclock"
)

// State is the lifecycle state of a slot.
type State uint8

const (
	// Free slots were never used.
	Free State = iota
	// Live slots are attached to a running thread.
	Live
	// Quarantined slots belonged to a finished thread.
	Quarantined
	// Retired slots exhausted their epochs and are never reused.
	Retired
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Live:
		return "live"
	case Quarantined:
		return "quarantined"
	case Retired:
		return "retired"
	default:
		return "invalid"
	}
}

// Clock is the knowledge of the thread asking for a slot.
type Clock interface {
	Get(sid epoch.Sid) epoch.Epoch
}

// Assignment is a slot handed to a thread.
type Assignment struct {
	Sid     epoch.Sid
	Start   epoch.Epoch // First epoch the thread runs at.
	Version uint32      // Version the thread clock starts from.
}

// Stats counts slot registry activity.
type Stats struct {
	Attached    uint64
	SoundReuses uint64
	GraceReuses uint64
	Reattached  uint64
	Retired     uint64
}

type slot struct {
	state   State
	final   epoch.Epoch // Last epoch of the previous owner.
	version uint32      // Highest clock version the slot's owners reached.
}

// Registry tracks the state of every slot.
type Registry struct {
	mu         sync.Mutex
	slots      [epoch.ThreadSlotCount]slot
	next       int         // Lowest slot that may still be Free.
	quarantine []epoch.Sid // Finish order, oldest first.
	maxEpoch   epoch.Epoch
	live       int
	stats      Stats
	log        *zap.Logger
}

// New creates a registry. Threads whose epoch reaches maxEpoch must be reattached.
func New(maxEpoch epoch.Epoch, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{maxEpoch: maxEpoch, log: log}
}

// MaxEpoch returns the overflow threshold.
func (r *Registry) MaxEpoch() epoch.Epoch {
	return r.maxEpoch
}

// Attach assigns a slot to a new thread created by a thread with clock parent (nil for
// a root thread).
func (r *Registry) Attach(parent Clock) Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.pickLocked(parent)
	r.stats.Attached++
	return a
}

// Finish quarantines the slot of a thread that ran until epoch last with a clock of the
// given version.
func (r *Registry) Finish(sid epoch.Sid, last epoch.Epoch, version uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.slots[sid]
	if s.state != Live {
		invariant.Failf(r.stateLocked(), "finishing %v in state %v", sid, s.state)
	}
	r.live--
	s.final = last
	s.version = max(s.version, version)
	if last.Next() >= r.maxEpoch {
		s.state = Retired
		r.stats.Retired++
		return
	}
	s.state = Quarantined
	r.quarantine = append(r.quarantine, sid)
}

// Reattach moves a thread whose epoch overflowed off slot old. The old slot is retired;
// the thread's own clock thr, which knows its entire history, decides reuse of the new
// one.
func (r *Registry) Reattach(old epoch.Sid, last epoch.Epoch, version uint32, thr Clock) Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.slots[old]
	if s.state != Live {
		invariant.Failf(r.stateLocked(), "reattaching %v in state %v", old, s.state)
	}
	s.state = Retired
	s.final = last
	s.version = max(s.version, version)
	r.live--
	r.stats.Retired++

	a := r.pickLocked(thr)
	r.stats.Reattached++
	r.log.Debug("thread reattached after epoch overflow",
		zap.Stringer("old", old),
		zap.Stringer("new", a.Sid),
		zap.Uint32("start", uint32(a.Start)),
	)
	return a
}

// pickLocked selects and claims a slot: a free one, else a quarantined one the thread is
// ordered after, else the oldest quarantined one.
func (r *Registry) pickLocked(thr Clock) Assignment {
	for ; r.next < epoch.ThreadSlotCount; r.next++ {
		if r.slots[r.next].state == Free {
			sid := epoch.Sid(r.next)
			r.next++
			return r.claimLocked(sid)
		}
	}

	for i, sid := range r.quarantine {
		if thr != nil && thr.Get(sid) >= r.slots[sid].final {
			r.quarantine = append(r.quarantine[:i], r.quarantine[i+1:]...)
			r.stats.SoundReuses++
			return r.claimLocked(sid)
		}
	}

	if len(r.quarantine) > 0 {
		sid := r.quarantine[0]
		r.quarantine = r.quarantine[1:]
		r.stats.GraceReuses++
		r.log.Warn("reusing thread slot before its previous owner was joined; races with that owner may be missed",
			zap.Stringer("sid", sid),
			zap.Uint32("final_epoch", uint32(r.slots[sid].final)),
			zap.Int("live", r.live),
		)
		return r.claimLocked(sid)
	}

	invariant.Failf(r.stateLocked(), "all %d thread slots are in use (%d live)", epoch.ThreadSlotCount, r.live)
	return Assignment{}
}

func (r *Registry) claimLocked(sid epoch.Sid) Assignment {
	s := &r.slots[sid]
	if s.state != Free && s.state != Quarantined {
		invariant.Failf(r.stateLocked(), "%v assigned twice (state %v)", sid, s.state)
	}

	a := Assignment{Sid: sid, Start: epoch.EpochFirst, Version: s.version + sharedclock.VersionGap}
	if s.state == Quarantined {
		a.Start = s.final.Next()
	}
	s.state = Live
	r.live++
	return a
}

// State returns the state of sid.
func (r *Registry) State(sid epoch.Sid) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[sid].state
}

// Live returns the number of live slots.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Stats returns a copy of the counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// registryState is the diagnostic dump attached to invariant failures.
type registryState struct {
	Live       int
	Quarantine []epoch.Sid
	States     map[string]int
}

func (r *Registry) stateLocked() registryState {
	st := registryState{
		Live:       r.live,
		Quarantine: append([]epoch.Sid(nil), r.quarantine...),
		States:     make(map[string]int),
	}
	for i := range r.slots {
		st.States[r.slots[i].state.String()]++
	}
	return st
}
