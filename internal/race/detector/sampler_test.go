package detector

import (
	"math"
	"testing"

	"golang.org/x/sync/errgroup"
)

// TestSampler_Disabled verifies that rates 0 and 1 check every access.
func TestSampler_Disabled(t *testing.T) {
	for _, rate := range []uint64{0, 1} {
		s := NewSampler(rate)
		if s.Enabled() || s.Rate() != 1 {
			t.Errorf("NewSampler(%d): Enabled=%v Rate=%d", rate, s.Enabled(), s.Rate())
		}
		for i := 0; i < 100; i++ {
			if !s.ShouldSample() {
				t.Fatalf("NewSampler(%d) skipped an access", rate)
			}
		}
		if st := s.Stats(); st != (SamplerStats{}) {
			t.Errorf("disabled sampler counted %+v", st)
		}
	}
}

// TestSampler_Rate verifies exact selection on one goroutine.
func TestSampler_Rate(t *testing.T) {
	tests := []struct {
		rate    uint64
		calls   int
		sampled uint64
	}{
		{2, 100, 50},
		{10, 1000, 100},
		{100, 1000, 10},
	}
	for _, tt := range tests {
		s := NewSampler(tt.rate)
		got := uint64(0)
		for i := 0; i < tt.calls; i++ {
			if s.ShouldSample() {
				got++
			}
		}
		st := s.Stats()
		if got != tt.sampled || st.Sampled != tt.sampled || st.Skipped != uint64(tt.calls)-tt.sampled {
			t.Errorf("rate %d: sampled %d, stats %+v, want %d", tt.rate, got, st, tt.sampled)
		}
	}
}

// TestSampler_Concurrent verifies the counters under contention.
func TestSampler_Concurrent(t *testing.T) {
	s := NewSampler(10)
	const goroutines, calls = 8, 1000

	var g errgroup.Group
	for i := 0; i < goroutines; i++ {
		g.Go(func() error {
			for j := 0; j < calls; j++ {
				s.ShouldSample()
			}
			return nil
		})
	}
	_ = g.Wait()

	st := s.Stats()
	if st.Sampled+st.Skipped != goroutines*calls || st.Sampled != goroutines*calls/10 {
		t.Errorf("stats = %+v", st)
	}
}

// TestSampler_ExpectedDetectionRate checks 1 - (1 - 1/rate)^n.
func TestSampler_ExpectedDetectionRate(t *testing.T) {
	tests := []struct {
		rate uint64
		n    int
		want float64
	}{
		{1, 10, 1},
		{10, 0, 1},
		{10, 1, 0.1},
		{10, 10, 1 - math.Pow(0.9, 10)},
		{100, 100, 1 - math.Pow(0.99, 100)},
	}
	for _, tt := range tests {
		got := NewSampler(tt.rate).ExpectedDetectionRate(tt.n)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("rate %d n %d: %f, want %f", tt.rate, tt.n, got, tt.want)
		}
	}
}

// TestDetectorSampling verifies that a sampling detector checks a fraction of accesses.
func TestDetectorSampling(t *testing.T) {
	d, _ := newTestDetector(t, func(o *Options) { o.SampleRate = 4 })
	main := spawn(d, nil, 1)

	for i := 0; i < 400; i++ {
		write(d, main, addrX+uintptr(i%16)*8)
	}
	st := d.Stats()
	if st.Sampler.Sampled != 100 || st.Sampler.Skipped != 300 {
		t.Errorf("sampler stats = %+v, want 100 sampled", st.Sampler)
	}
	if got := st.FastPath + st.SlowPath; got != 100 {
		t.Errorf("checked accesses = %d, want 100", got)
	}
}

func BenchmarkSampler_ShouldSample_Disabled(b *testing.B) {
	s := NewSampler(1)
	for i := 0; i < b.N; i++ {
		s.ShouldSample()
	}
}

func BenchmarkSampler_ShouldSample_Enabled(b *testing.B) {
	s := NewSampler(10)
	for i := 0; i < b.N; i++ {
		s.ShouldSample()
	}
}
