package race

import (
	"errors"
	"fmt"

	"golang.org/x/mod/semver"

	internal "github.com/kolkov/racecore/internal/race/api"
)

// Version information for the race detector runtime.
const (
	// Version is the current version of the race detector runtime.
	Version = "0.2.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 2

	// VersionPatch is the patch version number.
	VersionPatch = 0

	// ABIVersion is the version of the instrumentation interface the runtime implements.
	// Instrumented code built against an older minor version of the same major version
	// keeps working.
	ABIVersion = "v1.1.0"
)

// ErrABIMismatch is returned by CheckABI for instrumentation the runtime cannot serve.
var ErrABIMismatch = errors.New("incompatible instrumentation ABI")

// CheckABI reports whether code instrumented for ABI version v can run against this
// runtime: v must be a semantic version with the same major version as ABIVersion and
// must not be newer.
//
// Example:
//
//	if err := race.CheckABI("v1.0.0"); err != nil {
//	    log.Fatal(err)
//	}
func CheckABI(v string) error {
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid ABI version %q", v)
	}
	if semver.Major(v) != semver.Major(ABIVersion) {
		return fmt.Errorf("%w: %s has major version %s, runtime implements %s",
			ErrABIMismatch, v, semver.Major(v), ABIVersion)
	}
	if semver.Compare(v, ABIVersion) > 0 {
		return fmt.Errorf("%w: %s is newer than runtime ABI %s", ErrABIMismatch, v, ABIVersion)
	}
	return nil
}

// Info provides runtime information about the race detector.
type Info struct {
	// Version is the runtime version string.
	Version string

	// ABIVersion is the implemented instrumentation interface.
	ABIVersion string

	// Algorithm is the race detection algorithm used.
	Algorithm string

	// Enabled indicates whether race detection is active.
	Enabled bool

	// Races is the number of races reported so far.
	Races int
}

// GetInfo returns information about the race detector runtime.
//
// Example:
//
//	info := race.GetInfo()
//	fmt.Printf("Race Detector %s (%s)\n", info.Version, info.Algorithm)
func GetInfo() Info {
	return Info{
		Version:    Version,
		ABIVersion: ABIVersion,
		Algorithm:  "happens-before vector clocks over byte-precise shadow memory",
		Enabled:    internal.Enabled(),
		Races:      internal.RacesDetected(),
	}
}
