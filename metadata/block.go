package metadata

import "sync"

const (
	// HeaderSize is the number of region bytes reserved in front of every payload.
	// The span keeps the arithmetic of a header-prefixed heap intact (splits,
	// merges and grow requests all account for it) and doubles as the canary
	// location in debug builds.
	HeaderSize = 16
	// Alignment is the minimum alignment of every payload offset.
	Alignment = 8
	// MinBlockSize is the smallest payload worth carving into a block of its own
	// when splitting an oversized free block.
	MinBlockSize = 24
)

var blockPool = sync.Pool{
	New: func() any {
		return &Block{}
	},
}

// Block is the bookkeeping record for one header-plus-payload span of region
// memory. Blocks are linked in physical order: within a region, each block
// begins exactly where its predecessor ends.
type Block struct {
	regionID int
	offset   int
	size     int
	free     bool

	prev *Block
	next *Block
}

func newBlock(regionID, offset, size int, free bool) *Block {
	b := blockPool.Get().(*Block)
	b.regionID = regionID
	b.offset = offset
	b.size = size
	b.free = free
	b.prev = nil
	b.next = nil
	return b
}

func recycleBlock(b *Block) {
	*b = Block{}
	blockPool.Put(b)
}

// RegionID identifies the contiguous address range this block was carved from.
func (b *Block) RegionID() int { return b.regionID }

// Offset is the region offset of the block's header span.
func (b *Block) Offset() int { return b.offset }

// PayloadOffset is the region offset of the block's usable bytes.
func (b *Block) PayloadOffset() int { return b.offset + HeaderSize }

// Size is the number of usable payload bytes, excluding the header span.
func (b *Block) Size() int { return b.size }

// IsFree reports whether the block is available for reuse.
func (b *Block) IsFree() bool { return b.free }

// Span is the total number of region bytes the block covers, header included.
func (b *Block) Span() int { return HeaderSize + b.size }

// adjacentTo reports whether other begins exactly where b ends. Blocks from
// different regions are never adjacent, no matter what their offsets say.
func (b *Block) adjacentTo(other *Block) bool {
	return b.regionID == other.regionID && b.offset+b.Span() == other.offset
}
