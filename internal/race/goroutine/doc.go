// Package goroutine implements per-thread race detection state.
//
// Each instrumented thread of execution (a goroutine for the Go API) owns one
// RaceContext, which stores:
//   - the thread clock (slot, local epoch, shared clock) from sharedclock
//   - local allocator caches for clocks and read sets
//   - the shadow call stack fed by function entry/exit hooks
//   - the ignore depth scoping accesses out of race checks
//
// A RaceContext is single-owner: only its thread touches it, so no method locks. Other
// threads only meet its knowledge through sync objects (Release/Acquire).
package goroutine
