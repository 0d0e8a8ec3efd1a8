package vectorclock

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kolkov/racecore/internal/race/epoch"
	"github.com/kolkov/racecore/internal/race/invariant"
)

func clockOf(entries map[epoch.Sid]epoch.Epoch) *VectorClock {
	vc := New()
	for sid, e := range entries {
		vc.Set(sid, e)
	}
	return vc
}

// TestVectorClockClone tests deep copy independence.
func TestVectorClockClone(t *testing.T) {
	original := clockOf(map[epoch.Sid]epoch.Epoch{0: 10, 5: 20, 255: 30})
	clone := original.Clone()

	if diff := cmp.Diff(original, clone); diff != "" {
		t.Errorf("Clone() mismatch (-want +got):\n%s", diff)
	}

	clone.Set(0, 999)
	if original.Get(0) != 10 {
		t.Errorf("original modified after clone change: Get(0) = %d, want 10", original.Get(0))
	}
}

// TestVectorClockSetMonotonic tests that Set rejects a decreasing value.
func TestVectorClockSetMonotonic(t *testing.T) {
	vc := clockOf(map[epoch.Sid]epoch.Epoch{3: 10})
	vc.Set(3, 10)
	vc.Set(3, 11)

	err := func() (err error) {
		defer invariant.Recover(&err)
		vc.Set(3, 7)
		return nil
	}()
	if err == nil {
		t.Fatal("Set(3, 7) after 11 did not fail")
	}
	if vc.Get(3) != 11 {
		t.Errorf("Get(3) = %d after rejected Set, want 11", vc.Get(3))
	}
}

// TestVectorClockAcquire tests pointwise maximum and the nil source.
func TestVectorClockAcquire(t *testing.T) {
	tests := []struct {
		name string
		dst  map[epoch.Sid]epoch.Epoch
		src  map[epoch.Sid]epoch.Epoch
		want map[epoch.Sid]epoch.Epoch
	}{
		{
			name: "disjoint",
			dst:  map[epoch.Sid]epoch.Epoch{0: 1},
			src:  map[epoch.Sid]epoch.Epoch{1: 2},
			want: map[epoch.Sid]epoch.Epoch{0: 1, 1: 2},
		},
		{
			name: "mixed max",
			dst:  map[epoch.Sid]epoch.Epoch{0: 10, 1: 30, 2: 20},
			src:  map[epoch.Sid]epoch.Epoch{0: 5, 1: 40, 2: 15},
			want: map[epoch.Sid]epoch.Epoch{0: 10, 1: 40, 2: 20},
		},
		{
			name: "src dominated",
			dst:  map[epoch.Sid]epoch.Epoch{7: 9},
			src:  map[epoch.Sid]epoch.Epoch{7: 3},
			want: map[epoch.Sid]epoch.Epoch{7: 9},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := clockOf(tt.dst)
			dst.Acquire(clockOf(tt.src))
			if diff := cmp.Diff(clockOf(tt.want), dst); diff != "" {
				t.Errorf("Acquire() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("nil source", func(t *testing.T) {
		dst := clockOf(map[epoch.Sid]epoch.Epoch{1: 1})
		dst.Acquire(nil)
		if !dst.Equal(clockOf(map[epoch.Sid]epoch.Epoch{1: 1})) {
			t.Errorf("Acquire(nil) changed clock to %v", dst)
		}
	})
}

// TestVectorClockRelease tests merge semantics and lazy allocation.
func TestVectorClockRelease(t *testing.T) {
	thr := clockOf(map[epoch.Sid]epoch.Epoch{0: 4, 1: 1})

	var sync *VectorClock
	thr.Release(&sync)
	if sync == nil || !sync.Equal(thr) {
		t.Fatalf("Release into nil = %v, want copy of %v", sync, thr)
	}

	other := clockOf(map[epoch.Sid]epoch.Epoch{1: 6, 2: 2})
	other.Release(&sync)
	want := clockOf(map[epoch.Sid]epoch.Epoch{0: 4, 1: 6, 2: 2})
	if !sync.Equal(want) {
		t.Errorf("Release merge = %v, want %v", sync, want)
	}

	thr.Set(0, 5)
	if sync.Get(0) != 4 {
		t.Errorf("sync clock aliases thread clock: Get(0) = %d", sync.Get(0))
	}
}

// TestVectorClockReleaseStore tests replacement semantics.
func TestVectorClockReleaseStore(t *testing.T) {
	sync := clockOf(map[epoch.Sid]epoch.Epoch{1: 6, 2: 2})
	thr := clockOf(map[epoch.Sid]epoch.Epoch{0: 4})
	thr.ReleaseStore(&sync)
	if !sync.Equal(thr) {
		t.Errorf("ReleaseStore = %v, want %v", sync, thr)
	}
}

// TestVectorClockReleaseAcquire tests the RMW protocol.
func TestVectorClockReleaseAcquire(t *testing.T) {
	sync := clockOf(map[epoch.Sid]epoch.Epoch{1: 6})
	thr := clockOf(map[epoch.Sid]epoch.Epoch{0: 4})
	thr.ReleaseAcquire(&sync)

	want := clockOf(map[epoch.Sid]epoch.Epoch{0: 4, 1: 6})
	if !thr.Equal(want) || !sync.Equal(want) {
		t.Errorf("ReleaseAcquire thr=%v sync=%v, want both %v", thr, sync, want)
	}
}

// TestVectorClockReleaseStoreAcquire tests the swap protocol.
func TestVectorClockReleaseStoreAcquire(t *testing.T) {
	sync := clockOf(map[epoch.Sid]epoch.Epoch{1: 6})
	thr := clockOf(map[epoch.Sid]epoch.Epoch{0: 4})
	thr.ReleaseStoreAcquire(&sync)

	if want := clockOf(map[epoch.Sid]epoch.Epoch{0: 4, 1: 6}); !thr.Equal(want) {
		t.Errorf("thread = %v, want %v", thr, want)
	}
	if want := clockOf(map[epoch.Sid]epoch.Epoch{0: 4}); !sync.Equal(want) {
		t.Errorf("sync = %v, want %v", sync, want)
	}
}

// TestVectorClockLessOrEqual tests the partial order.
func TestVectorClockLessOrEqual(t *testing.T) {
	a := clockOf(map[epoch.Sid]epoch.Epoch{0: 1, 1: 2})
	b := clockOf(map[epoch.Sid]epoch.Epoch{0: 1, 1: 3})
	c := clockOf(map[epoch.Sid]epoch.Epoch{0: 2})

	if !a.LessOrEqual(b) {
		t.Error("a ⊑ b = false, want true")
	}
	if b.LessOrEqual(a) {
		t.Error("b ⊑ a = true, want false")
	}
	if a.LessOrEqual(c) || c.LessOrEqual(a) {
		t.Error("a and c should be concurrent")
	}
}

// TestVectorClockString tests debug formatting.
func TestVectorClockString(t *testing.T) {
	if got := New().String(); got != "{}" {
		t.Errorf("String() = %q, want {}", got)
	}
	vc := clockOf(map[epoch.Sid]epoch.Epoch{0: 50, 5: 42})
	if got, want := vc.String(), "{sid0:50, sid5:42}"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

// BenchmarkVectorClockAcquire measures a full pointwise join.
func BenchmarkVectorClockAcquire(b *testing.B) {
	dst, src := New(), New()
	for i := 0; i < MaxThreads; i++ {
		src[i] = epoch.Epoch(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst.Acquire(src)
	}
}
