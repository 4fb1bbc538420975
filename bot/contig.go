package bot

import "github.com/tinygo-org/gengc/mem"

// BlockSizer reports the size in words of the block starting at an address.
// It is implemented by the space the table belongs to.
type BlockSizer interface {
	BlockSize(addr mem.Address) uintptr
}

// ContigSpaceArray is the view of a SharedArray used by one contiguous space
// that is only ever allocated into at its top. It tracks the next card
// boundary (the threshold) that an allocation has to cross before the table
// needs an update.
type ContigSpaceArray struct {
	array  *SharedArray
	sp     BlockSizer
	bottom mem.Address
	end    mem.Address

	nextOffsetThreshold mem.Address
	nextOffsetIndex     uintptr
}

// NewContigSpaceArray returns a table view for the space covering mr.
func NewContigSpaceArray(array *SharedArray, mr mem.Region) *ContigSpaceArray {
	b := &ContigSpaceArray{
		array:  array,
		bottom: mr.Start,
		end:    mr.End,
	}
	if !mr.Start.IsAligned(CardSize) {
		fatalf("space bottom %v is not card aligned", mr.Start)
	}
	return b
}

// SetSpace connects the table to its space and resets it.
func (b *ContigSpaceArray) SetSpace(sp BlockSizer) {
	b.sp = sp
	b.ZeroBottomEntry()
	b.InitializeThreshold()
}

// SetBottom moves the bottom of the covered space.
func (b *ContigSpaceArray) SetBottom(bottom mem.Address) {
	b.bottom = bottom
	b.ZeroBottomEntry()
	b.InitializeThreshold()
}

// Resize sets the covered space to newWords words from the bottom. Entries
// for newly covered cards are written by the allocations that reach them.
func (b *ContigSpaceArray) Resize(newWords uintptr) {
	b.end = b.bottom.AddWords(newWords)
}

// ZeroBottomEntry makes the first card point at the bottom of the space.
func (b *ContigSpaceArray) ZeroBottomEntry() {
	b.array.SetOffset(b.array.IndexFor(b.bottom), 0)
}

// InitializeThreshold resets the threshold to the first card boundary above
// the bottom, as for an empty space, and returns it.
func (b *ContigSpaceArray) InitializeThreshold() mem.Address {
	b.nextOffsetIndex = b.array.IndexFor(b.bottom) + 1
	b.nextOffsetThreshold = b.array.reserved.Start.AddWords(b.nextOffsetIndex << LogNWords)
	return b.nextOffsetThreshold
}

// Threshold returns the next card boundary that requires an update.
func (b *ContigSpaceArray) Threshold() mem.Address {
	return b.nextOffsetThreshold
}

// AllocBlock records the block [start, end). It must be called for every
// block carved out at the top of the space, in address order.
func (b *ContigSpaceArray) AllocBlock(start, end mem.Address) {
	if start >= end {
		fatalf("empty block [%v, %v)", start, end)
	}
	if end > b.nextOffsetThreshold {
		b.allocBlockWork(start, end)
	}
}

func (b *ContigSpaceArray) allocBlockWork(start, end mem.Address) {
	if start > b.nextOffsetThreshold || end <= b.nextOffsetThreshold {
		fatalf("block [%v, %v) does not cross threshold %v", start, end, b.nextOffsetThreshold)
	}
	// The card at the threshold gets the direct offset back to the start.
	b.array.SetOffsetTo(b.nextOffsetIndex, b.nextOffsetThreshold, start)

	// Every further card the block spans gets a back-skip entry.
	endIndex := b.array.IndexFor(end.SubWords(1))
	if b.nextOffsetIndex+1 <= endIndex {
		b.setRemainderToPointToStart(b.nextOffsetIndex+1, endIndex)
	}

	// Computed from endIndex rather than end: the block may end exactly at
	// the end of the reservation.
	b.nextOffsetIndex = endIndex + 1
	b.nextOffsetThreshold = b.array.AddressFor(endIndex).AddWords(NWords)
}

// setRemainderToPointToStart writes back-skip entries for cards
// startCard..endCard inclusive, all belonging to a block that starts before
// startCard. Power i covers the cards from which a skip of Base^i cards
// still lands at or after the card holding the direct offset.
func (b *ContigSpaceArray) setRemainderToPointToStart(startCard, endCard uintptr) {
	if startCard > endCard {
		return
	}
	regionStart := startCard
	for i := uint(0); i < NPowers; i++ {
		// -1 so that the card with the direct offset is counted, and
		// another -1 so that the reach ends in this run and not at the
		// start of the next.
		reach := startCard - 1 + (PowerToCardsBack(i+1) - 1)
		offset := byte(NWords + i)
		if reach >= endCard {
			b.array.SetOffsetRange(regionStart, endCard, offset)
			return
		}
		b.array.SetOffsetRange(regionStart, reach, offset)
		regionStart = reach + 1
	}
	fatalf("block spanning cards %d..%d too large for %d powers", startCard, endCard, NPowers)
}

// BlockStart returns the start of the block containing addr, which must lie
// in [bottom, end) and below the space's top.
func (b *ContigSpaceArray) BlockStart(addr mem.Address) mem.Address {
	if addr < b.bottom || addr >= b.end {
		fatalf("block start query %v outside [%v, %v)", addr, b.bottom, b.end)
	}
	index := b.array.IndexFor(addr)
	q := b.array.AddressFor(index)
	offset := b.array.Offset(index)
	for offset > NWords {
		n := EntryToCardsBack(offset)
		q = q.SubWords(NWords * n)
		if n > index {
			fatalf("back-skip from %v runs off the table", addr)
		}
		index -= n
		offset = b.array.Offset(index)
	}
	for offset == NWords {
		q = q.SubWords(NWords)
		index--
		offset = b.array.Offset(index)
	}
	q = q.SubWords(uintptr(offset))
	if gcAsserts && q < b.bottom {
		fatalf("block start %v for %v below bottom %v", q, addr, b.bottom)
	}

	// Walk forward from the block found to the one covering addr.
	n := q
	for n <= addr {
		q = n
		size := b.sp.BlockSize(n)
		if size == 0 {
			fatalf("zero sized block at %v", n)
		}
		n = n.AddWords(size)
	}
	if gcAsserts && (q > addr || n <= addr) {
		fatalf("losing track of block for %v: [%v, %v)", addr, q, n)
	}
	return q
}
