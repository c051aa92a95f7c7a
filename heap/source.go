package heap

import (
	"github.com/cockroachdb/errors"
)

// DefaultReserveSize is the address-space reservation NewBrkSource falls back
// to when no size is given.
const DefaultReserveSize = 64 * 1024 * 1024

// Region is one span of raw memory obtained from a MemorySource.
type Region struct {
	// ID identifies the contiguous address range this span belongs to. A source
	// that extends a single range returns the same ID on every Grow; a source
	// that maps independent ranges returns a fresh ID each time. A source must
	// do one or the other, never both.
	ID int
	// Offset is where the freshly grown bytes begin within Mem.
	Offset int
	// Mem is the full extent of the region after the growth that produced this
	// value. The new bytes are Mem[Offset:].
	Mem []byte
}

// MemorySource is the "request K more bytes of raw memory" primitive the
// allocator draws from.
type MemorySource interface {
	// Grow makes at least minSize additional bytes available and returns the
	// region they belong to. Sources may round the request up to their growth
	// unit. A source that cannot grow returns an error marked ErrOutOfMemory.
	Grow(minSize int) (Region, error)
	// Release hands an entire region back to the operating system. Only sources
	// whose regions are independent mappings support this; for others it is a
	// no-op.
	Release(r Region) error
	// GrowthUnit is the size quantum Grow rounds requests up to, 1 for
	// byte-granular sources.
	GrowthUnit() int
	// Independent reports whether each region is its own mapping that can be
	// released on its own.
	Independent() bool
}

// BrkSource emulates a program-break heap: a single reservation and a break
// pointer that only moves forward. Growth commits bytes from the reservation,
// so every grown span is physically contiguous with the previous one and
// blocks from separate growth events coalesce across them. Exhausting the
// reservation is this source's out-of-memory condition.
type BrkSource struct {
	buf []byte
}

var _ MemorySource = &BrkSource{}

// NewBrkSource reserves reserve bytes of backing memory up front. A
// non-positive reserve selects DefaultReserveSize. The reservation cannot be
// extended later; pointers into it must stay valid for the life of the heap.
func NewBrkSource(reserve int) *BrkSource {
	if reserve <= 0 {
		reserve = DefaultReserveSize
	}
	return &BrkSource{
		buf: make([]byte, 0, reserve),
	}
}

func (s *BrkSource) Grow(minSize int) (Region, error) {
	if minSize < 1 {
		return Region{}, errors.Newf("invalid grow request of %d bytes", minSize)
	}

	brk := len(s.buf)
	if brk+minSize > cap(s.buf) {
		return Region{}, errors.Wrapf(ErrOutOfMemory, "the break is at %d of %d reserved bytes and cannot advance by %d", brk, cap(s.buf), minSize)
	}

	s.buf = s.buf[:brk+minSize]
	return Region{ID: 0, Offset: brk, Mem: s.buf}, nil
}

// Release is a no-op: the break never moves backward.
func (s *BrkSource) Release(Region) error { return nil }

func (s *BrkSource) GrowthUnit() int { return 1 }

func (s *BrkSource) Independent() bool { return false }
