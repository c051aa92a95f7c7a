package heap

import (
	"github.com/heapwise/heapalloc/heap/internal/utils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"

	"github.com/heapwise/heapalloc/memutil"
)

// dedicatedAllocation is a single allocation that owns its whole region. It
// never enters the free list and is handed back to the source on free.
type dedicatedAllocation struct {
	region Region
	size   int
	base   uintptr

	prev, next *dedicatedAllocation
}

type dedicatedAllocationList struct {
	mutex utils.OptionalRWMutex

	count int
	head  *dedicatedAllocation
	tail  *dedicatedAllocation
}

var _ memutil.Validatable = &dedicatedAllocationList{}

func (l *dedicatedAllocationList) Init(useMutex bool) {
	l.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
}

func (l *dedicatedAllocationList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	declaredCount := l.count
	var actualCount int

	for alloc := l.head; alloc != nil; alloc = alloc.next {
		actualCount++
	}

	if declaredCount != actualCount {
		return errors.Errorf("the dedicated allocation list's count is %d, but %d allocations were found in the list", declaredCount, actualCount)
	}

	return nil
}

func (l *dedicatedAllocationList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count == 0
}

func (l *dedicatedAllocationList) Register(alloc *dedicatedAllocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	alloc.prev = l.tail
	alloc.next = nil
	if l.tail != nil {
		l.tail.next = alloc
	} else {
		l.head = alloc
	}
	l.tail = alloc
	l.count++
}

func (l *dedicatedAllocationList) Unregister(alloc *dedicatedAllocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if alloc.prev != nil {
		alloc.prev.next = alloc.next
	} else {
		l.head = alloc.next
	}
	if alloc.next != nil {
		alloc.next.prev = alloc.prev
	} else {
		l.tail = alloc.prev
	}
	alloc.prev = nil
	alloc.next = nil
	l.count--
}

func (l *dedicatedAllocationList) visitAll(visit func(d *dedicatedAllocation) error) error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for alloc := l.head; alloc != nil; alloc = alloc.next {
		if err := visit(alloc); err != nil {
			return err
		}
	}
	return nil
}

func (l *dedicatedAllocationList) AddStatistics(stats *memutil.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for alloc := l.head; alloc != nil; alloc = alloc.next {
		stats.BlockCount++
		stats.BlockBytes += len(alloc.region.Mem)
		stats.AllocationCount++
		stats.AllocationBytes += alloc.size
	}
}

func (l *dedicatedAllocationList) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for alloc := l.head; alloc != nil; alloc = alloc.next {
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += len(alloc.region.Mem)
		stats.AddAllocation(alloc.size)
	}
}

func (l *dedicatedAllocationList) BuildStatsString(arr *jwriter.ArrayState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for alloc := l.head; alloc != nil; alloc = alloc.next {
		obj := arr.Object()
		obj.Name("Region").Int(alloc.region.ID)
		obj.Name("Size").Int(alloc.size)
		obj.End()
	}
}
