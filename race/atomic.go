package race

import internal "github.com/kolkov/racecore/internal/race/api"

// MemoryOrder is the memory order of an atomic operation.
type MemoryOrder = internal.MemoryOrder

// Memory orders, from weakest to strongest. Relaxed operations are atomic but order
// nothing; acquire loads synchronize with release stores to the same address.
const (
	OrderRelaxed = internal.OrderRelaxed
	OrderConsume = internal.OrderConsume
	OrderAcquire = internal.OrderAcquire
	OrderRelease = internal.OrderRelease
	OrderAcqRel  = internal.OrderAcqRel
	OrderSeqCst  = internal.OrderSeqCst
)

// Atomic operations. Each performs the operation and records it with the given memory
// order, so atomics never race with each other but do race with plain accesses they are
// not ordered with.
//
//	var ready int32
//	race.AtomicStore32(&ready, 1, race.OrderRelease)
//	if race.AtomicLoad32(&ready, race.OrderAcquire) == 1 { ... }
var (
	AtomicLoad32            = internal.AtomicLoad32
	AtomicLoad64            = internal.AtomicLoad64
	AtomicStore32           = internal.AtomicStore32
	AtomicStore64           = internal.AtomicStore64
	AtomicAdd32             = internal.AtomicAdd32
	AtomicAdd64             = internal.AtomicAdd64
	AtomicAnd32             = internal.AtomicAnd32
	AtomicAnd64             = internal.AtomicAnd64
	AtomicOr32              = internal.AtomicOr32
	AtomicOr64              = internal.AtomicOr64
	AtomicXor32             = internal.AtomicXor32
	AtomicXor64             = internal.AtomicXor64
	AtomicSwap32            = internal.AtomicSwap32
	AtomicSwap64            = internal.AtomicSwap64
	AtomicCompareExchange32 = internal.AtomicCompareExchange32
	AtomicCompareExchange64 = internal.AtomicCompareExchange64
)
