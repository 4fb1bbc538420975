// Package bot implements the block-offset table: a byte per card that lets
// the collector find the start of the block (object or filler) covering any
// address of a contiguous space without scanning the space from its bottom.
//
// Every entry describes the card it belongs to. An entry below NWords is a
// direct offset: the block covering the first word of the card starts that
// many words before the card. An entry of NWords+k means "the block starts
// at least Base^k cards further back; look there". Long blocks therefore
// get a logarithmic chain of back-skips instead of a long run of direct
// offsets, so resolution costs O(log distance):
//
//	card:   0    1    2    3    4   ...   17   18  ...
//	entry:  0   12   64   64   64   ...   65   65  ...
//	        ^ block A starts at the space bottom
//	             ^ block B starts 12 words before card 1 and spans
//	               cards 1..n: the next 15 cards skip back one card at a
//	               time, the following 240 skip back 16 cards and so on.
//
// Only allocations that cross a card boundary (the "threshold") update the
// table, so small blocks allocated within one card cost a single compare.
package bot

import (
	"github.com/cockroachdb/errors"
	"github.com/tinygo-org/gengc/mem"
)

const (
	// CardShift is log2 of the card size in bytes.
	CardShift = 9

	// CardSize is the size of a card in bytes.
	CardSize = 1 << CardShift

	// LogNWords is log2 of the number of words in a card.
	LogNWords = CardShift - mem.LogWordSize

	// NWords is the number of words in a card. Entries below it are direct
	// offsets.
	NWords = 1 << LogNWords

	// LogBase is log2 of the back-skip base.
	LogBase = 4

	// Base is the factor between successive back-skip powers.
	Base = 1 << LogBase

	// NPowers is the number of back-skip powers that can be encoded.
	NPowers = 14
)

// gcAsserts enables the more expensive consistency checks.
const gcAsserts = true

func fatalf(format string, args ...interface{}) {
	panic(errors.AssertionFailedf("bot: "+format, args...))
}

// PowerToCardsBack returns the number of cards skipped by power i.
func PowerToCardsBack(i uint) uintptr {
	return 1 << (LogBase * i)
}

// EntryToCardsBack returns the number of cards a back-skip entry skips.
func EntryToCardsBack(entry byte) uintptr {
	if entry < NWords {
		fatalf("entry %d is a direct offset", entry)
	}
	return PowerToCardsBack(uint(entry) - NWords)
}

// SharedArray is the table memory shared by the spaces of one generation. It
// covers the generation's whole reservation; only the part backing the
// committed generation is committed.
type SharedArray struct {
	reserved mem.Region
	end      mem.Address
	vs       mem.VirtualSpace
	offsets  mem.Address
}

// computeSize returns the table size in bytes needed to cover words heap
// words.
func computeSize(words uintptr) uintptr {
	slots := words/NWords + 1
	return mem.AlignUp(slots, mem.PageSize())
}

// NewSharedArray reserves a table covering reserved and commits enough of
// it for the first initWords words.
func NewSharedArray(reserved mem.Region, initWords uintptr) (*SharedArray, error) {
	if !reserved.Start.IsAligned(CardSize) {
		return nil, errors.Newf("bot: region %v is not card aligned", reserved)
	}
	rs, err := mem.Reserve(computeSize(reserved.WordSize()), 0)
	if err != nil {
		return nil, errors.Wrap(err, "bot: reserve offset table")
	}
	a := &SharedArray{reserved: reserved}
	if err := a.vs.Initialize(rs, 0); err != nil {
		rs.Release()
		return nil, errors.Wrap(err, "bot: initialize offset table")
	}
	a.offsets = a.vs.Low()
	if !a.Resize(initWords) {
		rs.Release()
		return nil, errors.Wrap(mem.ErrCommitFailed, "bot: commit initial offset table")
	}
	return a, nil
}

// Release gives the table memory back.
func (a *SharedArray) Release() error {
	return a.vs.Reservation().Release()
}

// Resize commits or uncommits table memory so that exactly the first
// newWords words of the reserved region are covered. It returns false if
// the table could not be grown, in which case nothing changed.
func (a *SharedArray) Resize(newWords uintptr) bool {
	if newWords > a.reserved.WordSize() {
		fatalf("resize to %d words beyond reserved %v", newWords, a.reserved)
	}
	newSize := computeSize(newWords)
	oldSize := a.vs.CommittedSize()
	switch {
	case newSize > oldSize:
		if !a.vs.ExpandBy(newSize - oldSize) {
			return false
		}
	case newSize < oldSize:
		a.vs.ShrinkBy(oldSize - newSize)
	}
	a.end = a.reserved.Start.AddWords(newWords)
	return true
}

// Reserved returns the covered heap range.
func (a *SharedArray) Reserved() mem.Region { return a.reserved }

// End returns the end of the currently covered heap range.
func (a *SharedArray) End() mem.Address { return a.end }

// CommittedBytes returns the amount of committed table memory.
func (a *SharedArray) CommittedBytes() uintptr { return a.vs.CommittedSize() }

// IndexFor returns the index of the card containing p.
func (a *SharedArray) IndexFor(p mem.Address) uintptr {
	if p < a.reserved.Start || p >= a.reserved.End {
		fatalf("index for %v outside %v", p, a.reserved)
	}
	i := uintptr(p-a.reserved.Start) >> CardShift
	if i >= a.vs.CommittedSize() {
		fatalf("index %d for %v beyond committed table", i, p)
	}
	return i
}

// AddressFor returns the first address of card i.
func (a *SharedArray) AddressFor(i uintptr) mem.Address {
	p := a.reserved.Start.AddWords(i << LogNWords)
	if p < a.reserved.Start || p >= a.reserved.End {
		fatalf("address for index %d outside %v", i, a.reserved)
	}
	return p
}

// Offset returns entry i.
func (a *SharedArray) Offset(i uintptr) byte {
	if i >= a.vs.CommittedSize() {
		fatalf("read of entry %d beyond committed table", i)
	}
	return mem.LoadByte(a.offsets + mem.Address(i))
}

// SetOffset writes entry i.
func (a *SharedArray) SetOffset(i uintptr, v byte) {
	if i >= a.vs.CommittedSize() {
		fatalf("write of entry %d beyond committed table", i)
	}
	mem.StoreByte(a.offsets+mem.Address(i), v)
}

// SetOffsetTo writes entry i as the direct offset from low up to high.
func (a *SharedArray) SetOffsetTo(i uintptr, high, low mem.Address) {
	offset := mem.Delta(high, low)
	if offset > NWords {
		fatalf("direct offset %d too large", offset)
	}
	a.SetOffset(i, byte(offset))
}

// SetOffsetRange writes v to the entries left..right inclusive.
func (a *SharedArray) SetOffsetRange(left, right uintptr, v byte) {
	if right >= a.vs.CommittedSize() || left > right {
		fatalf("bad entry range %d..%d", left, right)
	}
	mem.SetBytes(a.offsets+mem.Address(left), right-left+1, v)
}
