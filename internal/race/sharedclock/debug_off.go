//go:build !racecore_debug

package sharedclock

const debug = false
