// Package heap implements a first-fit free-list memory allocator: a drop-in
// allocation triad (Malloc, Calloc, Free) serving arbitrarily sized requests
// out of regions obtained from a pluggable MemorySource. One coarse lock
// serializes every mutation of the shared block list, including the grow call
// into the source; narrowing that critical section is a deliberate non-goal
// of this design.
package heap

import (
	"context"
	"math"
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/heapwise/heapalloc/heap/internal/utils"
	"github.com/heapwise/heapalloc/memutil"
	"github.com/heapwise/heapalloc/metadata"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

type regionInfo struct {
	region Region
	base   uintptr
}

// Allocator owns one heap: the block ledger, the regions backing it, and the
// mutex serializing access to both. Multiple independent allocators can
// coexist; each is tied to the MemorySource it was created with.
//
// An Allocator must not be used after Destroy.
type Allocator struct {
	mutex  utils.OptionalMutex
	logger *slog.Logger

	source      MemorySource
	createFlags CreateFlags

	dedicatedThreshold int

	list       *metadata.FirstFitList
	regions    map[int]*regionInfo
	liveBlocks *swiss.Map[uintptr, *metadata.Block]

	dedicated       dedicatedAllocationList
	dedicatedByAddr *swiss.Map[uintptr, *dedicatedAllocation]
}

var _ metadata.BlockObserver = &Allocator{}

func sliceBase(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

// BlockAbsorbed implements metadata.BlockObserver. Once a block is merged
// away its payload address can no longer be freed, so the handle is dropped.
func (a *Allocator) BlockAbsorbed(regionID, payloadOffset int) {
	info := a.regions[regionID]
	if info == nil {
		return
	}
	a.liveBlocks.Delete(info.base + uintptr(payloadOffset))
}

// Malloc returns a slice of at least size usable bytes with an 8-byte aligned
// base, or an error marked ErrOutOfMemory when the source cannot extend the
// heap. The returned slice has len size; its cap is the block's full payload.
//
// A size of zero returns (nil, nil), matching the convention that freeing a
// nil slice is a no-op.
func (a *Allocator) Malloc(size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	// The rounded size plus a header must still fit in an int; past this
	// point the arithmetic would wrap and corrupt the ledger.
	if size < 0 || size > math.MaxInt-metadata.HeaderSize-metadata.Alignment {
		return nil, errors.Wrapf(ErrSizeOverflow, "requested %d bytes", size)
	}

	rounded := memutil.AlignUp(size, metadata.Alignment)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.source.Independent() && rounded >= a.dedicatedThreshold {
		return a.allocateDedicated(size, rounded)
	}

	if b := a.list.FindFree(rounded); b != nil {
		info := a.regions[b.RegionID()]
		remainder := a.list.Allocate(b, rounded)
		if remainder != nil {
			memutil.WriteCanary(info.region.Mem, remainder.Offset())
		}
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "reused free block",
			slog.Int("size", b.Size()),
			slog.Int("region", b.RegionID()),
			slog.Int("offset", b.Offset()))
		return a.payload(info, b, size), nil
	}

	r, err := a.source.Grow(metadata.HeaderSize + rounded)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "heap growth failed",
			slog.Int("requested", metadata.HeaderSize+rounded),
			slog.Any("error", err))
		return nil, err
	}

	info := a.registerRegion(r)
	span := len(r.Mem) - r.Offset
	b := a.list.Extend(r.ID, r.Offset, span)
	memutil.WriteCanary(info.region.Mem, b.Offset())
	remainder := a.list.Allocate(b, rounded)
	if remainder != nil {
		memutil.WriteCanary(info.region.Mem, remainder.Offset())
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocated new block",
		slog.Int("size", rounded),
		slog.Int("region", r.ID),
		slog.Int("grown", span))
	return a.payload(info, b, size), nil
}

// Calloc allocates count*elemSize bytes and zeroes every one of them. The
// size product is checked for overflow before any memory is touched; an
// overflowing product is rejected with ErrSizeOverflow and the source is
// never consulted.
func (a *Allocator) Calloc(count, elemSize int) ([]byte, error) {
	if count < 0 || elemSize < 0 {
		return nil, errors.Wrapf(ErrSizeOverflow, "negative calloc arguments: count %d, element size %d", count, elemSize)
	}

	hi, total := bits.Mul64(uint64(count), uint64(elemSize))
	if hi != 0 || total > uint64(math.MaxInt) {
		return nil, errors.Wrapf(ErrSizeOverflow, "%d elements of %d bytes", count, elemSize)
	}

	buf, err := a.Malloc(int(total))
	if err != nil || buf == nil {
		return nil, err
	}

	// Blocks are reused, so the bytes may be dirty even on a fresh mapping.
	for i := range buf {
		buf[i] = 0
	}
	return buf, nil
}

// Free returns an allocation to the heap and merges it with any physically
// adjacent free neighbor. buf must be the exact slice returned by Malloc or
// Calloc; a nil slice is a no-op. A slice the allocator does not own is
// rejected with ErrInvalidPointer and a repeated free with ErrDoubleFree;
// both are logged and leave the block list untouched.
func (a *Allocator) Free(buf []byte) error {
	if buf == nil {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	addr := sliceBase(buf)

	if alloc, ok := a.dedicatedByAddr.Get(addr); ok {
		return a.freeDedicated(addr, alloc)
	}

	b, ok := a.liveBlocks.Get(addr)
	if !ok {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "free of an unknown pointer",
			slog.Uint64("addr", uint64(addr)))
		return errors.Wrapf(ErrInvalidPointer, "no block found for address 0x%x", addr)
	}
	if b.IsFree() {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "double free",
			slog.Int("region", b.RegionID()),
			slog.Int("offset", b.Offset()))
		return errors.Wrapf(ErrDoubleFree, "block at region %d offset %d", b.RegionID(), b.Offset())
	}

	freedSize := b.Size()
	merged, err := a.list.Release(b)
	if err != nil {
		// The handle map disagreed with the list walk; nothing was mutated.
		a.logger.LogAttrs(context.Background(), slog.LevelError, "free rejected",
			slog.Any("error", err))
		return errors.Mark(err, ErrInvalidPointer)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "freed block",
		slog.Int("size", freedSize))

	a.reclaimRegion(merged)
	return nil
}

func (a *Allocator) payload(info *regionInfo, b *metadata.Block, size int) []byte {
	start := b.PayloadOffset()
	a.liveBlocks.Put(info.base+uintptr(start), b)
	return info.region.Mem[start : start+size : start+b.Size()]
}

func (a *Allocator) registerRegion(r Region) *regionInfo {
	info, ok := a.regions[r.ID]
	if ok {
		// An extended range: refresh the full extent. The base cannot move.
		info.region = r
		return info
	}

	info = &regionInfo{region: r, base: sliceBase(r.Mem)}
	a.regions[r.ID] = info
	return info
}

func (a *Allocator) allocateDedicated(size, rounded int) ([]byte, error) {
	r, err := a.source.Grow(metadata.HeaderSize + rounded)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "dedicated region growth failed",
			slog.Int("requested", metadata.HeaderSize+rounded),
			slog.Any("error", err))
		return nil, err
	}

	alloc := &dedicatedAllocation{
		region: r,
		size:   rounded,
		base:   sliceBase(r.Mem),
	}
	memutil.WriteCanary(r.Mem, 0)
	a.dedicated.Register(alloc)
	a.dedicatedByAddr.Put(alloc.base+uintptr(metadata.HeaderSize), alloc)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "created dedicated region",
		slog.Int("size", rounded),
		slog.Int("region", r.ID))
	return r.Mem[metadata.HeaderSize : metadata.HeaderSize+size : metadata.HeaderSize+rounded], nil
}

func (a *Allocator) freeDedicated(addr uintptr, alloc *dedicatedAllocation) error {
	// Release before dropping the handle: a region the source refuses to take
	// back must stay tracked so Destroy and the statistics still see it.
	if err := a.source.Release(alloc.region); err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release dedicated region",
			slog.Int("region", alloc.region.ID),
			slog.Any("error", err))
		return err
	}

	a.dedicated.Unregister(alloc)
	a.dedicatedByAddr.Delete(addr)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "released dedicated region",
		slog.Int("size", alloc.size),
		slog.Int("region", alloc.region.ID))
	return nil
}

// reclaimRegion hands a mapping back to the source when a free has left it
// entirely empty. The last region is kept to serve upcoming allocations.
func (a *Allocator) reclaimRegion(b *metadata.Block) {
	if !a.source.Independent() || a.list.RegionCount() <= 1 {
		return
	}

	regionID := b.RegionID()
	info := a.regions[regionID]
	if info == nil || b.Offset() != 0 || b.Span() != len(info.region.Mem) {
		return
	}

	if err := a.list.DetachRegion(b); err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to detach empty region",
			slog.Int("region", regionID),
			slog.Any("error", err))
		return
	}
	delete(a.regions, regionID)

	if err := a.source.Release(info.region); err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release empty region",
			slog.Int("region", regionID),
			slog.Any("error", err))
		return
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "released empty region",
		slog.Int("region", regionID),
		slog.Int("bytes", len(info.region.Mem)))
}

// Destroy tears the allocator down. Live allocations are logged one by one
// and reported as an error, and every region is handed back to the source.
// The allocator must not be used afterward.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var leaked int
	_ = a.list.VisitAllBlocks(func(regionID, offset, size int, free bool) error {
		if !free {
			leaked++
			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.Int("region", regionID),
				slog.Int("offset", offset),
				slog.Int("size", size))
		}
		return nil
	})
	_ = a.dedicated.visitAll(func(d *dedicatedAllocation) error {
		leaked++
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed dedicated allocation",
			slog.Int("region", d.region.ID),
			slog.Int("size", d.size))
		return nil
	})

	if a.source.Independent() {
		for _, info := range a.regions {
			if err := a.source.Release(info.region); err != nil {
				a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release region during destroy",
					slog.Int("region", info.region.ID),
					slog.Any("error", err))
			}
		}
		_ = a.dedicated.visitAll(func(d *dedicatedAllocation) error {
			if err := a.source.Release(d.region); err != nil {
				a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release dedicated region during destroy",
					slog.Int("region", d.region.ID),
					slog.Any("error", err))
			}
			return nil
		})
	}

	a.list = nil
	a.regions = nil
	a.liveBlocks = nil
	a.dedicatedByAddr = nil

	if leaked > 0 {
		return errors.Newf("%d allocations were not freed before the allocator was destroyed", leaked)
	}
	return nil
}

// Validate performs full consistency checks over the block ledger and the
// dedicated allocation list. It walks every block and is intended for tests
// and debugging. When the allocator is functioning correctly it should not be
// possible for this method to return an error.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.list.Validate(); err != nil {
		return err
	}
	return a.dedicated.Validate()
}

// CheckCorruption verifies the canary bytes in every block's reserved header
// span. Canaries are only written when heapalloc is built with the
// debug_heap_utils build tag; without it this method reports nothing.
func (a *Allocator) CheckCorruption() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if memutil.CanarySize == 0 {
		return nil
	}

	err := a.list.VisitAllBlocks(func(regionID, offset, size int, free bool) error {
		info := a.regions[regionID]
		if info == nil {
			return errors.Newf("no region registered for id %d", regionID)
		}
		if !memutil.ValidateCanary(info.region.Mem, offset) {
			return errors.Newf("memory corruption detected in the header at region %d offset %d", regionID, offset)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return a.dedicated.visitAll(func(d *dedicatedAllocation) error {
		if !memutil.ValidateCanary(d.region.Mem, 0) {
			return errors.Newf("memory corruption detected in the header of dedicated region %d", d.region.ID)
		}
		return nil
	})
}

// Stats returns coarse totals for the whole allocator.
func (a *Allocator) Stats() memutil.Statistics {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutil.Statistics
	a.list.AddStatistics(&stats)
	a.dedicated.AddStatistics(&stats)
	return stats
}

// DetailedStats walks every block and returns totals plus per-allocation
// extremes. It is meant for diagnostics rather than hot paths.
func (a *Allocator) DetailedStats() memutil.DetailedStatistics {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutil.DetailedStatistics
	stats.Clear()
	a.list.AddDetailedStatistics(&stats)
	a.dedicated.AddDetailedStatistics(&stats)
	return stats
}

// BuildStatsString renders the allocator's state as a JSON document. When
// detailed is true the output includes a block-by-block map of the heap and
// every dedicated allocation.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutil.DetailedStatistics
	stats.Clear()
	a.list.AddDetailedStatistics(&stats)
	a.dedicated.AddDetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	obj.Name("CreateFlags").String(a.createFlags.String())

	totals := obj.Name("Total").Object()
	totals.Name("BlockCount").Int(stats.BlockCount)
	totals.Name("BlockBytes").Int(stats.BlockBytes)
	totals.Name("AllocationCount").Int(stats.AllocationCount)
	totals.Name("AllocationBytes").Int(stats.AllocationBytes)
	totals.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	totals.End()

	if detailed {
		freeList := obj.Name("FreeList").Object()
		a.list.BlockJsonData(freeList)
		freeList.End()

		dedicatedArr := obj.Name("DedicatedAllocations").Array()
		a.dedicated.BuildStatsString(&dedicatedArr)
		dedicatedArr.End()
	}

	obj.End()
	return string(writer.Bytes())
}
