//go:build racecore_debug

package sharedclock

// debug enables the list consistency checks on every Set.
const debug = true
