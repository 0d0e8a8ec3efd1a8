// Package epoch defines the logical identifiers shared by every part of the detector.
//
// A Sid names one of ThreadSlotCount thread slots. Slots are reused across thread
// lifetimes, so a Sid identifies a slot, never a thread. An Epoch is a per-slot logical
// timestamp: it only grows while a thread owns the slot and keeps growing from the slot's
// high-water mark when the slot is handed to the next thread.
//
// Epochs are limited to EpochBits bits so that an access record packs a sid, an epoch and
// the access flags into one 64-bit word. A thread that reaches EpochLast must be moved to
// a fresh slot instead of wrapping around.
package epoch

// Sid is a thread slot identifier in [0, ThreadSlotCount).
type Sid uint8

// Epoch is a per-slot logical timestamp.
type Epoch uint32

const (
	// ThreadSlotCount is the number of thread slots (and vector clock entries).
	ThreadSlotCount = 256

	// EpochBits is the number of significant epoch bits.
	EpochBits = 24

	// EpochZero is the epoch of a slot nobody has learned anything about.
	EpochZero Epoch = 0

	// EpochFirst is the epoch a brand new slot starts running at.
	EpochFirst Epoch = 1

	// EpochLast is the overflow sentinel. A thread whose local epoch reaches it is
	// reattached to another slot.
	EpochLast Epoch = 1<<EpochBits - 1

	// EpochMask extracts the significant epoch bits.
	EpochMask = uint64(EpochLast)
)

// Next returns the epoch that follows e.
//
//go:nosplit
func (e Epoch) Next() Epoch {
	return e + 1
}

// Overflowed reports whether e reached the overflow sentinel.
//
//go:nosplit
func (e Epoch) Overflowed() bool {
	return e >= EpochLast
}

// String returns the decimal form of the epoch.
func (e Epoch) String() string {
	return itoa(uint32(e))
}

// String returns "sid<n>".
func (s Sid) String() string {
	return "sid" + itoa(uint32(s))
}

// itoa converts an integer to string without fmt import.
func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}

	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	return string(buf[i:])
}
