package heap

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/heapwise/heapalloc/heap/internal/utils"
	"github.com/heapwise/heapalloc/metadata"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be
	// synchronized internally. The consumer must guarantee the entry points are used
	// from only one thread at a time or are synchronized by some other mechanism, but
	// performance may improve because internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	AllocatorCreateExternallySynchronized: "AllocatorCreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return ""
	}

	var sb strings.Builder
	for flag, name := range createFlagsMapping {
		if f&flag != 0 {
			if sb.Len() > 0 {
				sb.WriteRune('|')
			}
			sb.WriteString(name)
		}
	}
	return sb.String()
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// SplitThreshold is the smallest payload remainder worth carving into its
	// own free block when an oversized free block serves an allocation. Too
	// small a threshold thrashes on header overhead; too large wastes space to
	// internal fragmentation. Zero selects metadata.MinBlockSize.
	SplitThreshold int

	// DedicatedThreshold is the rounded payload size at and above which an
	// allocation gets a region of its own rather than a slot in the free list,
	// so that one-shot big buffers can be unmapped on Free instead of bloating
	// the list forever. Only sources with independent regions use it. Zero
	// selects the source's growth unit.
	DedicatedThreshold int
}

// New creates an Allocator that carves allocations out of the provided source.
//
// logger - Debug and error output. A nil logger falls back to slog.Default().
//
// source - The memory source the heap grows from. A nil source gets a
// BrkSource with the default reservation.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, source MemorySource, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if source == nil {
		source = NewBrkSource(DefaultReserveSize)
	}
	if options.SplitThreshold < 0 || options.DedicatedThreshold < 0 {
		return nil, errors.Newf("thresholds cannot be negative: split %d, dedicated %d", options.SplitThreshold, options.DedicatedThreshold)
	}

	dedicatedThreshold := options.DedicatedThreshold
	if dedicatedThreshold == 0 {
		dedicatedThreshold = source.GrowthUnit()
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	a := &Allocator{
		mutex:       utils.OptionalMutex{UseMutex: useMutex},
		logger:      logger,
		source:      source,
		createFlags: options.Flags,

		dedicatedThreshold: dedicatedThreshold,
		regions:            map[int]*regionInfo{},
		liveBlocks:         swiss.NewMap[uintptr, *metadata.Block](64),
		dedicatedByAddr:    swiss.NewMap[uintptr, *dedicatedAllocation](8),
	}
	a.dedicated.Init(useMutex)
	a.list = metadata.NewFirstFitList(options.SplitThreshold, a)

	return a, nil
}
