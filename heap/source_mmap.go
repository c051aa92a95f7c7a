//go:build unix

package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/heapwise/heapalloc/memutil"
	"golang.org/x/sys/unix"
)

// DefaultGrowthUnit is the mapping quantum MmapSource falls back to when no
// growth unit is given.
const DefaultGrowthUnit = 64 * 1024

// MmapSource draws independent anonymous read/write mappings from the OS.
// Every mapping is zero-initialized and page-granular, and can be handed back
// with Release once the allocator no longer needs it.
type MmapSource struct {
	growthUnit int
	nextID     int
}

var _ MemorySource = &MmapSource{}

// NewMmapSource creates a source that maps regions in multiples of growthUnit
// bytes. growthUnit must be zero (selecting DefaultGrowthUnit) or a power of
// two; units smaller than the system page size are raised to it.
func NewMmapSource(growthUnit int) (*MmapSource, error) {
	if growthUnit == 0 {
		growthUnit = DefaultGrowthUnit
	}
	if err := memutil.CheckPow2(growthUnit, "growth unit"); err != nil {
		return nil, err
	}
	if pageSize := unix.Getpagesize(); growthUnit < pageSize {
		growthUnit = pageSize
	}

	return &MmapSource{growthUnit: growthUnit}, nil
}

func (s *MmapSource) Grow(minSize int) (Region, error) {
	if minSize < 1 {
		return Region{}, errors.Newf("invalid grow request of %d bytes", minSize)
	}

	size := memutil.AlignUp(minSize, uint(s.growthUnit))
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return Region{}, errors.Wrapf(ErrOutOfMemory, "anonymous mapping of %d bytes failed: %v", size, err)
	}

	s.nextID++
	return Region{ID: s.nextID, Offset: 0, Mem: mem}, nil
}

func (s *MmapSource) Release(r Region) error {
	if err := unix.Munmap(r.Mem); err != nil {
		return errors.Wrapf(err, "failed to unmap region %d", r.ID)
	}
	return nil
}

func (s *MmapSource) GrowthUnit() int { return s.growthUnit }

func (s *MmapSource) Independent() bool { return true }
