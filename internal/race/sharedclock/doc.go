// Package sharedclock implements the version-counted, copy-on-write clock engine.
//
// A naive vector clock per mutex costs a full O(slots) copy on every release and a full
// O(slots) scan on every acquire. This package avoids both:
//
//   - ReleaseStore shares the releasing thread's clock by reference instead of copying
//     it. The thread copies its clock only when it next mutates it while a sync object
//     still holds a reference (copy-on-write).
//   - Every clock counts its updates (the version u) and orders its slots by recency.
//     An acquiring thread remembers, per releasing slot, the version it already
//     incorporated; when nothing changed the acquire is O(1), otherwise it walks only the
//     changed prefix of the recency list.
//
// Types:
//   - SharedClock: arena-allocated epochs + recency list + version + refcount
//   - SyncClock: what a sync object stores (clock reference plus release metadata)
//   - ThreadClock: a thread's own clock, its local epoch and per-releaser versions
//
// The engine is observationally equivalent to vectorclock.VectorClock; the property tests
// in this package check that against the plain clock.
package sharedclock
