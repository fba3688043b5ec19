package bfile

import (
	"fmt"
	"math"
)

// Pointer is the logical address of a stored value: the page number in the
// upper bits and the tuple id inside that page in the lower 16 bits.
type Pointer uint64

// UnknownAddress is returned together with an error when no address exists.
const UnknownAddress Pointer = math.MaxUint64

func CreatePointer(page uint32, tid int16) Pointer {
	return Pointer(uint64(page)<<16 | uint64(uint16(tid)))
}

func PageFromPointer(p Pointer) uint32 { return uint32(p >> 16) }

func TidFromPointer(p Pointer) int16 { return int16(uint16(p & 0xFFFF)) }

func (p Pointer) String() string {
	if p == UnknownAddress {
		return "unknown"
	}
	return fmt.Sprintf("%d:%d", PageFromPointer(p), TidFromPointer(p))
}
