// Package syncshadow implements shadow memory for synchronization primitives.
//
// This package tracks happens-before relationships created by synchronization
// operations: mutex Lock/Unlock, atomic release/acquire, channel send/receive/close,
// WaitGroup Done/Wait and explicit annotations.
//
// Key Concepts:
//
// Shadow Memory for Sync Primitives:
//   - Each sync primitive has a SyncVar in shadow memory, keyed by address
//   - SyncVar holds a sharedclock.SyncClock, the knowledge published by releases
//   - On Acquire, the thread merges that knowledge into its own clock
//   - This establishes the happens-before: Unlock(m) → Lock(m)
//
// Sync Algorithm:
//
//	Acquire(m):       Ct := Ct ⊔ Lm
//	Release(m):       Lm := Lm ⊔ Ct;  Ct[t]++
//	ReleaseStore(m):  Lm := Ct;       Ct[t]++
//
// Where:
//   - Ct is the clock of thread t
//   - Lm is the sync clock of object m
//   - ⊔ is the join operation (element-wise maximum)
//
// Every SyncVar has its own mutex. It serializes releases into the sync clock and
// acquires from it, which is the only locking the clock protocol needs.
package syncshadow
