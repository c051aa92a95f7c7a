// Package metadata tracks the blocks of a free-list heap. Blocks are
// bookkeeping records indexed by (region, offset) coordinates rather than
// in-band headers, so adjacency is computed from offsets instead of pointer
// arithmetic, but the algorithm is the classic one: first-fit search,
// splitting of oversized free blocks, and coalescing of physically adjacent
// free neighbors.
package metadata

import (
	"fmt"

	"github.com/heapwise/heapalloc/memutil"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

// BlockObserver is notified when a block identity dies: when a free block is
// absorbed by a physically preceding neighbor, or when a whole region is
// detached from the list. Consumers that key external state by payload offset
// use this to drop stale handles.
type BlockObserver interface {
	BlockAbsorbed(regionID, payloadOffset int)
}

// FirstFitList is the block ledger for a heap: a single doubly-linked list
// holding every block, allocated and free alike, in physical order within
// each region. Allocation scans the list front to back and takes the first
// free block large enough; the scan cost is the deliberate price of keeping
// one flat structure instead of size-segregated lists.
//
// FirstFitList is not synchronized. The owning allocator serializes access.
type FirstFitList struct {
	head *Block
	tail *Block

	observer       BlockObserver
	splitThreshold int

	allocCount  int
	allocBytes  int
	freeCount   int
	freeBytes   int
	regionSizes map[int]int
}

var _ memutil.Validatable = &FirstFitList{}

// NewFirstFitList creates an empty ledger. splitThreshold is the smallest
// payload remainder worth carving into its own free block when an oversized
// block is allocated; zero or negative selects MinBlockSize.
func NewFirstFitList(splitThreshold int, observer BlockObserver) *FirstFitList {
	if splitThreshold <= 0 {
		splitThreshold = MinBlockSize
	}
	return &FirstFitList{
		observer:       observer,
		splitThreshold: splitThreshold,
		regionSizes:    map[int]int{},
	}
}

// FindFree returns the first free block with capacity for a payload of size
// bytes, or nil when no tracked block can hold it.
func (l *FirstFitList) FindFree(size int) *Block {
	for b := l.head; b != nil; b = b.next {
		if b.free && b.size >= size {
			return b
		}
	}
	return nil
}

// Extend appends a freshly grown span as the new tail of the list. The span
// must start exactly where the region currently ends (offset equals the bytes
// already registered for regionID, or zero for a new region). The block starts
// free; callers carve an allocation from it with Allocate.
func (l *FirstFitList) Extend(regionID, offset, span int) *Block {
	registered := l.regionSizes[regionID]
	if offset != registered {
		panic(fmt.Sprintf("region %d has %d registered bytes but the new span begins at offset %d", regionID, registered, offset))
	}
	if span < HeaderSize+Alignment {
		panic(fmt.Sprintf("a span of %d bytes cannot hold a header and a payload", span))
	}

	b := newBlock(regionID, offset, span-HeaderSize, true)
	l.regionSizes[regionID] = registered + span

	if l.tail == nil {
		l.head = b
		l.tail = b
	} else {
		b.prev = l.tail
		l.tail.next = b
		l.tail = b
	}

	l.freeCount++
	l.freeBytes += b.size
	return b
}

// Allocate marks b taken for a payload of size bytes. When the surplus beyond
// size is large enough to be useful on its own, the block is split: b shrinks
// to exactly size and a new free block takes the remainder, spliced in
// immediately after b. Smaller surpluses stay inside b as accepted internal
// fragmentation. Allocate returns the remainder block, if one was created.
func (l *FirstFitList) Allocate(b *Block, size int) *Block {
	if !b.free {
		panic(fmt.Sprintf("block at region %d offset %d is already taken", b.regionID, b.offset))
	}
	if b.size < size {
		panic(fmt.Sprintf("block at region %d offset %d holds %d bytes, cannot serve %d", b.regionID, b.offset, b.size, size))
	}

	b.free = false
	l.allocCount++
	l.allocBytes += size
	l.freeCount--
	l.freeBytes -= b.size

	if b.size-size < l.splitThreshold+HeaderSize {
		// The whole block is taken; account the slack as allocated.
		l.allocBytes += b.size - size
		memutil.DebugValidate(l)
		return nil
	}

	remainder := newBlock(b.regionID, b.offset+HeaderSize+size, b.size-size-HeaderSize, true)
	b.size = size

	remainder.prev = b
	remainder.next = b.next
	if b.next != nil {
		b.next.prev = remainder
	} else {
		l.tail = remainder
	}
	b.next = remainder

	l.freeCount++
	l.freeBytes += remainder.size
	memutil.DebugValidate(l)
	return remainder
}

// Release marks b free and coalesces it with any physically adjacent free
// neighbor, forward first and then backward, so no run of adjacent free
// blocks can survive the call. The surviving merged block is returned.
//
// Before anything is mutated the list is walked to confirm b is actually
// linked here; a stale or foreign block is rejected with an error and the
// list is left untouched.
func (l *FirstFitList) Release(b *Block) (*Block, error) {
	if !l.contains(b) {
		return nil, errors.New("block is not linked into this list")
	}
	if b.free {
		return nil, errors.Errorf("block at region %d offset %d is already free", b.regionID, b.offset)
	}

	b.free = true
	l.allocCount--
	l.allocBytes -= b.size
	l.freeCount++
	l.freeBytes += b.size

	if next := b.next; next != nil && next.free && b.adjacentTo(next) {
		l.merge(b, next)
	}
	if prev := b.prev; prev != nil && prev.free && prev.adjacentTo(b) {
		l.merge(prev, b)
		b = prev
	}

	memutil.DebugValidate(l)
	return b, nil
}

// merge absorbs victim, the block physically following into, folding its
// header span and payload into into's payload.
func (l *FirstFitList) merge(into, victim *Block) {
	if into.next != victim || !into.adjacentTo(victim) {
		panic(fmt.Sprintf("blocks at region %d offsets %d and %d are not physically adjacent", into.regionID, into.offset, victim.offset))
	}

	into.size += HeaderSize + victim.size
	into.next = victim.next
	if victim.next != nil {
		victim.next.prev = into
	} else {
		l.tail = into
	}

	// Only the absorbed header changes category: both payloads were already free.
	l.freeCount--
	l.freeBytes += HeaderSize

	if l.observer != nil {
		l.observer.BlockAbsorbed(victim.regionID, victim.offset+HeaderSize)
	}
	recycleBlock(victim)
}

// DetachRegion removes a region's sole block from the list so the region's
// memory can be handed back to the operating system. b must be free and must
// span the entire region.
func (l *FirstFitList) DetachRegion(b *Block) error {
	if !b.free {
		return errors.Errorf("block at region %d offset %d is still allocated", b.regionID, b.offset)
	}
	span, ok := l.regionSizes[b.regionID]
	if !ok || b.offset != 0 || b.Span() != span {
		return errors.Errorf("block at offset %d spanning %d bytes does not cover the whole of region %d (%d bytes)", b.offset, b.Span(), b.regionID, span)
	}

	if b.prev != nil {
		b.prev.next = b.next
	} else {
		l.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else {
		l.tail = b.prev
	}

	l.freeCount--
	l.freeBytes -= b.size
	delete(l.regionSizes, b.regionID)

	if l.observer != nil {
		l.observer.BlockAbsorbed(b.regionID, b.offset+HeaderSize)
	}
	recycleBlock(b)

	memutil.DebugValidate(l)
	return nil
}

// contains walks the list from the head and reports whether target is linked
// into it. This is the ownership check that guards Release against foreign
// and stale blocks; it is O(n) by design, matching the flat-list structure.
func (l *FirstFitList) contains(target *Block) bool {
	for b := l.head; b != nil; b = b.next {
		if b == target {
			return true
		}
	}
	return false
}

// AllocationCount returns the number of live allocations in the ledger.
func (l *FirstFitList) AllocationCount() int { return l.allocCount }

// FreeRegionsCount returns the number of distinct free blocks. Because
// coalescing is transitively complete, this is also the number of maximal
// free spans.
func (l *FirstFitList) FreeRegionsCount() int { return l.freeCount }

// SumFreeSize returns the number of payload bytes available for reuse.
func (l *FirstFitList) SumFreeSize() int { return l.freeBytes }

// IsEmpty reports whether the ledger holds no live allocations.
func (l *FirstFitList) IsEmpty() bool { return l.allocCount == 0 }

// RegionCount returns the number of regions with bytes under management.
func (l *FirstFitList) RegionCount() int { return len(l.regionSizes) }

// VisitAllBlocks calls visit once per block in list order. It is meant for
// diagnostics: statistics, leak reports and corruption sweeps.
func (l *FirstFitList) VisitAllBlocks(visit func(regionID, offset, size int, free bool) error) error {
	for b := l.head; b != nil; b = b.next {
		if err := visit(b.regionID, b.offset, b.size, b.free); err != nil {
			return err
		}
	}
	return nil
}

// AddStatistics sums this ledger's totals into stats.
func (l *FirstFitList) AddStatistics(stats *memutil.Statistics) {
	for _, span := range l.regionSizes {
		stats.BlockCount++
		stats.BlockBytes += span
	}
	stats.AllocationCount += l.allocCount
	stats.AllocationBytes += l.allocBytes
}

// AddDetailedStatistics sums this ledger's totals and per-block extremes into stats.
func (l *FirstFitList) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	for _, span := range l.regionSizes {
		stats.BlockCount++
		stats.BlockBytes += span
	}

	_ = l.VisitAllBlocks(func(regionID, offset, size int, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// BlockJsonData populates a json object with the ledger's totals and a
// block-by-block map of the heap.
func (l *FirstFitList) BlockJsonData(json jwriter.ObjectState) {
	var totalBytes int
	for _, span := range l.regionSizes {
		totalBytes += span
	}

	json.Name("TotalBytes").Int(totalBytes)
	json.Name("UnusedBytes").Int(l.freeBytes)
	json.Name("Allocations").Int(l.allocCount)
	json.Name("UnusedRanges").Int(l.freeCount)

	blocks := json.Name("Blocks").Array()
	defer blocks.End()

	_ = l.VisitAllBlocks(func(regionID, offset, size int, free bool) error {
		obj := blocks.Object()
		obj.Name("Region").Int(regionID)
		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		blockType := "ALLOCATED"
		if free {
			blockType = "FREE"
		}
		obj.Name("Type").String(blockType)
		obj.End()
		return nil
	})
}

// Validate performs internal consistency checks on the ledger. These checks
// walk every block and should only run in tests and debug builds. When the
// implementation is functioning correctly it should not be possible for this
// method to return an error.
func (l *FirstFitList) Validate() error {
	var allocCount, allocBytes, freeCount, freeBytes int
	finished := map[int]bool{}

	var prev *Block
	for b := l.head; b != nil; b = b.next {
		if b.prev != prev {
			return errors.Errorf("block at region %d offset %d has a broken back reference", b.regionID, b.offset)
		}
		if b.offset < 0 || b.size < 0 {
			return errors.Errorf("block at region %d offset %d has negative geometry (size %d)", b.regionID, b.offset, b.size)
		}
		if !memutil.IsAligned(b.PayloadOffset(), Alignment) {
			return errors.Errorf("block payload at region %d offset %d is not %d-byte aligned", b.regionID, b.PayloadOffset(), Alignment)
		}

		if prev != nil && prev.regionID == b.regionID {
			if prev.offset+prev.Span() != b.offset {
				return errors.Errorf("block at region %d offset %d does not begin where its predecessor ends (%d)", b.regionID, b.offset, prev.offset+prev.Span())
			}
			if prev.free && b.free {
				return errors.Errorf("adjacent free blocks at offsets %d and %d in region %d survived coalescing", prev.offset, b.offset, b.regionID)
			}
		} else {
			if prev != nil {
				if err := l.validateRegionEnd(prev); err != nil {
					return err
				}
				finished[prev.regionID] = true
			}
			if finished[b.regionID] {
				return errors.Errorf("region %d appears in more than one segment of the list", b.regionID)
			}
			if b.offset != 0 {
				return errors.Errorf("region %d begins at offset %d, expected 0", b.regionID, b.offset)
			}
		}

		if b.free {
			freeCount++
			freeBytes += b.size
		} else {
			allocCount++
			allocBytes += b.size
		}
		prev = b
	}

	if prev != nil {
		if err := l.validateRegionEnd(prev); err != nil {
			return err
		}
		finished[prev.regionID] = true
	}
	if l.tail != prev {
		return errors.New("the list tail reference does not point at the last block")
	}
	if len(finished) != len(l.regionSizes) {
		return errors.Errorf("the list covers %d regions but %d are registered", len(finished), len(l.regionSizes))
	}

	if allocCount != l.allocCount {
		return errors.Errorf("the ledger counts %d allocations but %d blocks are taken", l.allocCount, allocCount)
	}
	if allocBytes != l.allocBytes {
		return errors.Errorf("the ledger counts %d allocated bytes but taken blocks add up to %d", l.allocBytes, allocBytes)
	}
	if freeCount != l.freeCount {
		return errors.Errorf("the ledger counts %d free blocks but %d blocks are free", l.freeCount, freeCount)
	}
	if freeBytes != l.freeBytes {
		return errors.Errorf("the ledger counts %d free bytes but free blocks add up to %d", l.freeBytes, freeBytes)
	}

	return nil
}

func (l *FirstFitList) validateRegionEnd(last *Block) error {
	span := l.regionSizes[last.regionID]
	if last.offset+last.Span() != span {
		return errors.Errorf("region %d ends at offset %d but was registered with %d bytes", last.regionID, last.offset+last.Span(), span)
	}
	return nil
}
