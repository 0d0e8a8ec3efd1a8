package detector

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kolkov/racecore/internal/race/epoch"
)

// Options configures a Detector.
type Options struct {
	// ReportBugs enables the race check. When false, memory accesses are not checked
	// while synchronization is still tracked.
	ReportBugs bool

	// SuppressEqualAddresses reports a race between the same two goroutines on the same
	// address only once.
	SuppressEqualAddresses bool

	// DetectDeadlocks is accepted for compatibility with the runtime flag set. Lock-order
	// analysis is not implemented; enabling it only logs a notice.
	DetectDeadlocks bool

	// MaxEpoch is the epoch at which a thread is moved to a fresh slot.
	// Default: epoch.EpochLast.
	MaxEpoch epoch.Epoch

	// SampleRate checks one in SampleRate memory accesses. 0 and 1 check every access.
	SampleRate uint64

	// Logger receives diagnostics. Default: zap.NewNop().
	Logger *zap.Logger

	// Reporter receives race reports. Default: a ZapReporter on Logger.
	Reporter Reporter
}

// DefaultOptions returns the options the runtime starts with.
func DefaultOptions() Options {
	return Options{
		ReportBugs:             true,
		SuppressEqualAddresses: true,
		MaxEpoch:               epoch.EpochLast,
		SampleRate:             1,
	}
}

// minMaxEpoch leaves a thread room for at least one release before it is reattached.
const minMaxEpoch = epoch.EpochFirst + 2

// Validate reports every invalid setting.
func (o Options) Validate() error {
	var err error
	if o.MaxEpoch < minMaxEpoch {
		err = multierr.Append(err, fmt.Errorf("max epoch %d is below %d", o.MaxEpoch, minMaxEpoch))
	}
	if o.MaxEpoch > epoch.EpochLast {
		err = multierr.Append(err, fmt.Errorf("max epoch %d exceeds %d", o.MaxEpoch, epoch.EpochLast))
	}
	if o.SampleRate > maxSampleRate {
		err = multierr.Append(err, fmt.Errorf("sample rate %d exceeds %d", o.SampleRate, maxSampleRate))
	}
	if !o.ReportBugs && o.Reporter != nil {
		err = multierr.Append(err, errors.New("reporter set while race reports are disabled"))
	}
	return err
}
