package heap_test

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"unsafe"

	"github.com/heapwise/heapalloc/heap"
	"github.com/heapwise/heapalloc/memutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

var errSourceBroken = errors.New("source broken")

// failingSource fails every growth request, for exercising failure paths
// without exhausting a real reservation.
type failingSource struct {
	grows int
}

func (s *failingSource) Grow(minSize int) (heap.Region, error) {
	s.grows++
	return heap.Region{}, errSourceBroken
}

func (s *failingSource) Release(heap.Region) error { return nil }
func (s *failingSource) GrowthUnit() int           { return 1 }
func (s *failingSource) Independent() bool         { return false }

var errReleaseBroken = errors.New("release broken")

// stickySource hands out independent regions but can be made to refuse
// taking them back, for exercising release-failure paths.
type stickySource struct {
	nextID      int
	failRelease bool
	releases    int
}

func (s *stickySource) Grow(minSize int) (heap.Region, error) {
	s.nextID++
	return heap.Region{ID: s.nextID, Offset: 0, Mem: make([]byte, minSize)}, nil
}

func (s *stickySource) Release(heap.Region) error {
	if s.failRelease {
		return errReleaseBroken
	}
	s.releases++
	return nil
}

func (s *stickySource) GrowthUnit() int   { return 4096 }
func (s *stickySource) Independent() bool { return true }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAllocator(t *testing.T, reserve int) *heap.Allocator {
	allocator, err := heap.New(testLogger(), heap.NewBrkSource(reserve), heap.CreateOptions{})
	require.NoError(t, err)
	return allocator
}

func bufBase(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

func TestMallocFreeRoundTrip(t *testing.T) {
	allocator := newTestAllocator(t, 1<<20)

	buf, err := allocator.Malloc(100)
	require.NoError(t, err)
	require.Len(t, buf, 100)
	require.GreaterOrEqual(t, cap(buf), 100)
	require.True(t, memutil.IsAligned(int(bufBase(buf)), 8))

	for i := range buf {
		buf[i] = byte(i)
	}

	require.NoError(t, allocator.Free(buf))
	require.NoError(t, allocator.Validate())

	stats := allocator.Stats()
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 0, stats.AllocationBytes)

	require.NoError(t, allocator.Destroy())
}

func TestMallocZeroAndFreeNil(t *testing.T) {
	allocator := newTestAllocator(t, 1<<16)
	defer allocator.Destroy()

	buf, err := allocator.Malloc(0)
	require.NoError(t, err)
	require.Nil(t, buf)

	require.NoError(t, allocator.Free(nil))
}

func TestMallocNegativeSize(t *testing.T) {
	allocator := newTestAllocator(t, 1<<16)
	defer allocator.Destroy()

	_, err := allocator.Malloc(-1)
	require.ErrorIs(t, err, heap.ErrSizeOverflow)
}

func TestMallocHugeSize(t *testing.T) {
	allocator := newTestAllocator(t, 1<<16)
	defer allocator.Destroy()

	// Leave a free block in the list; an unguarded giant request would
	// wrap during rounding and match it.
	warm, err := allocator.Malloc(100)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(warm))

	for _, size := range []int{math.MaxInt, math.MaxInt - 6, math.MaxInt - 16} {
		_, err = allocator.Malloc(size)
		require.ErrorIs(t, err, heap.ErrSizeOverflow)
	}

	// The rejection left the ledger untouched and the heap usable.
	require.NoError(t, allocator.Validate())
	buf, err := allocator.Malloc(100)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(buf))
}

func TestMallocOutOfMemory(t *testing.T) {
	allocator := newTestAllocator(t, 128)
	defer allocator.Destroy()

	_, err := allocator.Malloc(1024)
	require.ErrorIs(t, err, heap.ErrOutOfMemory)

	// The failed request leaves the heap fully usable.
	buf, err := allocator.Malloc(64)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(buf))
	require.NoError(t, allocator.Validate())
}

func TestMallocReusesFreedBlock(t *testing.T) {
	allocator := newTestAllocator(t, 1<<20)
	defer allocator.Destroy()

	first, err := allocator.Malloc(100)
	require.NoError(t, err)
	second, err := allocator.Malloc(100)
	require.NoError(t, err)

	firstBase := bufBase(first)
	require.NoError(t, allocator.Free(first))

	// First-fit lands the smaller request in the freed block's slot.
	reused, err := allocator.Malloc(50)
	require.NoError(t, err)
	require.Equal(t, firstBase, bufBase(reused))

	require.NoError(t, allocator.Free(reused))
	require.NoError(t, allocator.Free(second))
	require.NoError(t, allocator.Validate())
}

func TestCallocZeroesReusedMemory(t *testing.T) {
	allocator := newTestAllocator(t, 1<<20)
	defer allocator.Destroy()

	dirty, err := allocator.Malloc(64)
	require.NoError(t, err)
	for i := range dirty {
		dirty[i] = 0xFF
	}
	dirtyBase := bufBase(dirty)
	require.NoError(t, allocator.Free(dirty))

	buf, err := allocator.Calloc(8, 8)
	require.NoError(t, err)
	require.Len(t, buf, 64)
	require.Equal(t, dirtyBase, bufBase(buf))
	for i := range buf {
		require.Zero(t, buf[i])
	}

	require.NoError(t, allocator.Free(buf))
}

func TestCallocOverflow(t *testing.T) {
	allocator := newTestAllocator(t, 1<<16)
	defer allocator.Destroy()

	_, err := allocator.Calloc(math.MaxInt, 2)
	require.ErrorIs(t, err, heap.ErrSizeOverflow)

	_, err = allocator.Calloc(math.MaxInt/2, 3)
	require.ErrorIs(t, err, heap.ErrSizeOverflow)

	_, err = allocator.Calloc(-1, 8)
	require.ErrorIs(t, err, heap.ErrSizeOverflow)

	buf, err := allocator.Calloc(0, 8)
	require.NoError(t, err)
	require.Nil(t, buf)
}

func TestFreeForeignPointer(t *testing.T) {
	allocator := newTestAllocator(t, 1<<16)
	defer allocator.Destroy()

	foreign := make([]byte, 32)
	err := allocator.Free(foreign)
	require.ErrorIs(t, err, heap.ErrInvalidPointer)
}

func TestFreeDouble(t *testing.T) {
	allocator := newTestAllocator(t, 1<<16)
	defer allocator.Destroy()

	buf, err := allocator.Malloc(40)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(buf))

	err = allocator.Free(buf)
	require.ErrorIs(t, err, heap.ErrDoubleFree)
	require.NoError(t, allocator.Validate())
}

func TestFreeAfterMerge(t *testing.T) {
	allocator := newTestAllocator(t, 1<<16)
	defer allocator.Destroy()

	first, err := allocator.Malloc(40)
	require.NoError(t, err)
	second, err := allocator.Malloc(40)
	require.NoError(t, err)

	require.NoError(t, allocator.Free(first))
	require.NoError(t, allocator.Free(second))

	// second's block was absorbed into first's; its address is no longer a block.
	err = allocator.Free(second)
	require.ErrorIs(t, err, heap.ErrInvalidPointer)

	// first's block survived the merge and is simply free already.
	err = allocator.Free(first)
	require.ErrorIs(t, err, heap.ErrDoubleFree)
}

func TestCoalescingAcrossGrows(t *testing.T) {
	allocator := newTestAllocator(t, 1<<16)
	defer allocator.Destroy()

	// Each allocation forces its own grow; the break source keeps them
	// physically contiguous, so freeing all three leaves one free span.
	bufs := make([][]byte, 3)
	for i := range bufs {
		var err error
		bufs[i], err = allocator.Malloc(40)
		require.NoError(t, err)
	}
	for _, buf := range bufs {
		require.NoError(t, allocator.Free(buf))
	}
	require.NoError(t, allocator.Validate())

	// One grow-free request is served entirely out of the coalesced span.
	big, err := allocator.Malloc(120)
	require.NoError(t, err)
	require.Equal(t, bufBase(bufs[0]), bufBase(big))
	require.NoError(t, allocator.Free(big))
}

func TestMallocPropagatesSourceFailure(t *testing.T) {
	source := &failingSource{}
	allocator, err := heap.New(testLogger(), source, heap.CreateOptions{})
	require.NoError(t, err)

	_, err = allocator.Malloc(8)
	require.ErrorIs(t, err, errSourceBroken)
	require.Equal(t, 1, source.grows)
}

func TestCallocOverflowNeverTouchesSource(t *testing.T) {
	source := &failingSource{}
	allocator, err := heap.New(testLogger(), source, heap.CreateOptions{})
	require.NoError(t, err)

	_, err = allocator.Calloc(math.MaxInt, 2)
	require.ErrorIs(t, err, heap.ErrSizeOverflow)
	require.Zero(t, source.grows)
}

func TestEndToEndReuseAndCoalescing(t *testing.T) {
	allocator := newTestAllocator(t, 1<<16)
	defer allocator.Destroy()

	a, err := allocator.Malloc(10)
	require.NoError(t, err)
	b, err := allocator.Malloc(20)
	require.NoError(t, err)
	require.NotEqual(t, bufBase(a), bufBase(b))

	// Live regions never overlap.
	require.LessOrEqual(t, uint64(bufBase(a))+uint64(cap(a)), uint64(bufBase(b)))

	aBase := bufBase(a)
	require.NoError(t, allocator.Free(a))

	a2, err := allocator.Malloc(10)
	require.NoError(t, err)
	require.Equal(t, aBase, bufBase(a2))

	require.NoError(t, allocator.Free(a2))
	require.NoError(t, allocator.Free(b))

	// The merged span of a and b (plus the recovered header) serves a
	// request neither could have served alone.
	big, err := allocator.Malloc(35)
	require.NoError(t, err)
	require.Equal(t, aBase, bufBase(big))
	require.NoError(t, allocator.Free(big))
	require.NoError(t, allocator.Validate())
}

func TestDedicatedFreeKeepsTrackingOnReleaseFailure(t *testing.T) {
	source := &stickySource{}
	allocator, err := heap.New(testLogger(), source, heap.CreateOptions{})
	require.NoError(t, err)

	big, err := allocator.Malloc(8192)
	require.NoError(t, err)

	// A region the source refuses to take back stays tracked.
	source.failRelease = true
	err = allocator.Free(big)
	require.ErrorIs(t, err, errReleaseBroken)

	stats := allocator.Stats()
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 1, stats.AllocationCount)
	require.NoError(t, allocator.Validate())

	// Once the source recovers the same free goes through.
	source.failRelease = false
	require.NoError(t, allocator.Free(big))
	require.Equal(t, 1, source.releases)

	stats = allocator.Stats()
	require.Equal(t, 0, stats.BlockCount)
	require.Equal(t, 0, stats.AllocationCount)
	require.NoError(t, allocator.Destroy())
}

func TestStats(t *testing.T) {
	allocator := newTestAllocator(t, 1<<20)
	defer allocator.Destroy()

	buf, err := allocator.Malloc(100)
	require.NoError(t, err)

	require.Equal(t, memutil.Statistics{
		BlockCount:      1,
		BlockBytes:      120,
		AllocationCount: 1,
		AllocationBytes: 104,
	}, allocator.Stats())

	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      120,
			AllocationCount: 1,
			AllocationBytes: 104,
		},
		UnusedRangeCount:   0,
		AllocationSizeMin:  104,
		AllocationSizeMax:  104,
		UnusedRangeSizeMin: math.MaxInt,
		UnusedRangeSizeMax: 0,
	}, allocator.DetailedStats())

	require.NoError(t, allocator.Free(buf))
}

func TestBuildStatsString(t *testing.T) {
	allocator := newTestAllocator(t, 1<<20)
	defer allocator.Destroy()

	buf, err := allocator.Malloc(100)
	require.NoError(t, err)

	summary := allocator.BuildStatsString(false)
	require.True(t, json.Valid([]byte(summary)))
	require.Contains(t, summary, `"CreateFlags"`)
	require.Contains(t, summary, `"Total"`)
	require.NotContains(t, summary, `"FreeList"`)

	detailed := allocator.BuildStatsString(true)
	require.True(t, json.Valid([]byte(detailed)))
	require.Contains(t, detailed, `"FreeList"`)
	require.Contains(t, detailed, `"Blocks"`)
	require.Contains(t, detailed, `"DedicatedAllocations"`)

	require.NoError(t, allocator.Free(buf))
}

func TestCheckCorruption(t *testing.T) {
	allocator := newTestAllocator(t, 1<<20)
	defer allocator.Destroy()

	buf, err := allocator.Malloc(100)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = 0xAB
	}

	require.NoError(t, allocator.CheckCorruption())
	require.NoError(t, allocator.Free(buf))
	require.NoError(t, allocator.CheckCorruption())
}

func TestDestroyReportsLeaks(t *testing.T) {
	allocator := newTestAllocator(t, 1<<16)

	_, err := allocator.Malloc(40)
	require.NoError(t, err)
	_, err = allocator.Malloc(40)
	require.NoError(t, err)

	err = allocator.Destroy()
	require.Error(t, err)
	require.Contains(t, err.Error(), "2 allocations")
}

func TestExternallySynchronized(t *testing.T) {
	allocator, err := heap.New(testLogger(), heap.NewBrkSource(1<<16), heap.CreateOptions{
		Flags: heap.AllocatorCreateExternallySynchronized,
	})
	require.NoError(t, err)

	buf, err := allocator.Malloc(100)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(buf))
	require.NoError(t, allocator.Destroy())
}

func TestCreateRejectsNegativeThresholds(t *testing.T) {
	_, err := heap.New(testLogger(), nil, heap.CreateOptions{SplitThreshold: -1})
	require.Error(t, err)

	_, err = heap.New(testLogger(), nil, heap.CreateOptions{DedicatedThreshold: -1})
	require.Error(t, err)
}

func TestConcurrentChurn(t *testing.T) {
	allocator := newTestAllocator(t, 8<<20)

	const workers = 8
	const rounds = 200
	sizes := []int{8, 24, 100, 512, 1000}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				size := sizes[(w+i)%len(sizes)]
				buf, err := allocator.Malloc(size)
				require.NoError(t, err)
				require.Len(t, buf, size)

				for j := range buf {
					buf[j] = byte(w)
				}
				for j := range buf {
					require.Equal(t, byte(w), buf[j])
				}

				require.NoError(t, allocator.Free(buf))
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, allocator.Validate())
	stats := allocator.Stats()
	require.Equal(t, 0, stats.AllocationCount)
	require.NoError(t, allocator.Destroy())
}
