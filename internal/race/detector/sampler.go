package detector

import (
	"math"
	"sync/atomic"
)

// maxSampleRate bounds Options.SampleRate.
const maxSampleRate = 1 << 20

// Sampler selects the memory accesses that are checked.
//
// Uses TSAN's trace_pos approach: a shared counter incremented on every access, with
// modulo-based selection. Skipping an access only loses races it takes part in; every
// reported race is still between two real accesses.
//
// Thread Safety: All methods are safe for concurrent calls.
type Sampler struct {
	rate     uint64
	tracePos atomic.Uint64
	sampled  atomic.Uint64
	skipped  atomic.Uint64
}

// SamplerStats counts sampling decisions. Only taken when sampling is enabled.
type SamplerStats struct {
	Sampled uint64
	Skipped uint64
}

// NewSampler creates a sampler checking one in rate accesses. 0 and 1 check every access.
func NewSampler(rate uint64) *Sampler {
	return &Sampler{rate: max(rate, 1)}
}

// Enabled reports whether accesses are being skipped.
func (s *Sampler) Enabled() bool {
	return s.rate > 1
}

// Rate returns the effective sampling rate.
func (s *Sampler) Rate() uint64 {
	return s.rate
}

// ShouldSample reports whether the current access is checked.
//
//go:nosplit
func (s *Sampler) ShouldSample() bool {
	if s.rate <= 1 {
		return true
	}
	if s.tracePos.Add(1)%s.rate == 0 {
		s.sampled.Add(1)
		return true
	}
	s.skipped.Add(1)
	return false
}

// Stats returns the sampling counters.
func (s *Sampler) Stats() SamplerStats {
	return SamplerStats{Sampled: s.sampled.Load(), Skipped: s.skipped.Load()}
}

// ExpectedDetectionRate returns the probability that a race occurring on n accesses is
// sampled at least once: 1 - (1 - 1/rate)^n.
func (s *Sampler) ExpectedDetectionRate(n int) float64 {
	if !s.Enabled() || n <= 0 {
		return 1
	}
	miss := math.Pow(1-1/float64(s.rate), float64(n))
	return 1 - min(max(miss, 0), 1)
}
