package heap

import "github.com/cockroachdb/errors"

// Allocation failures are reported through these sentinels so callers can
// classify them with errors.Is. Every failure is local to the call that
// produced it; the allocator's bookkeeping is never left partially mutated.
var (
	// ErrOutOfMemory is returned when the memory source cannot extend the heap
	// far enough to serve a request.
	ErrOutOfMemory = errors.New("the memory source cannot extend the heap")
	// ErrSizeOverflow is returned when a requested size does not fit in the
	// address-width integer type, before any memory is touched.
	ErrSizeOverflow = errors.New("allocation size overflows the address space")
	// ErrInvalidPointer is returned by Free when the slice was not produced by
	// this allocator, or its block no longer exists because it was merged away.
	ErrInvalidPointer = errors.New("pointer does not belong to this allocator")
	// ErrDoubleFree is returned by Free when the block behind the slice is
	// already free.
	ErrDoubleFree = errors.New("allocation was already freed")
)
