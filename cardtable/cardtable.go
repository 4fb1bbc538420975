// Package cardtable implements the card table and the remembered set built
// on it. The card table is a byte map with one entry per 512 byte card of the
// reserved heap. The write barrier dirties the card of every reference field
// stored into the old generation, so that a young collection only has to
// look at the dirty cards of the old generation to find the old to young
// pointers.
//
// The byte map is reserved for the whole heap but committed only for the
// parts of the heap that are committed: each generation registers its
// committed range as a covered region and resizes it in step with its own
// commit. One guard card past the end of the map is always committed.
package cardtable

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/tinygo-org/gengc/bot"
	"github.com/tinygo-org/gengc/mem"
)

// CardValue is the state of one card.
type CardValue = byte

const (
	Clean CardValue = 0xff
	Dirty CardValue = 0
	// Last is written into the guard card.
	Last CardValue = 8
)

const (
	// CardShift is log2 of the card size; cards line up with the entries of
	// the block-offset table.
	CardShift = bot.CardShift

	// CardSize is the size of a card in bytes.
	CardSize = 1 << CardShift

	// CardSizeInWords is the number of heap words in a card.
	CardSizeInWords = CardSize >> mem.LogWordSize

	maxCoveredRegions = 2
)

func fatalf(format string, args ...interface{}) {
	panic(errors.AssertionFailedf("cardtable: "+format, args...))
}

// CardTable is the byte map. All fields are owned by the collector; only
// Dirty is called concurrently by mutators.
type CardTable struct {
	whole          mem.Region
	guardIndex     uintptr
	lastValidIndex uintptr
	pageSize       uintptr
	byteMapSize    uintptr

	rs          *mem.Reservation
	byteMap     mem.Address
	byteMapBase mem.Address

	// covered holds the heap ranges, committed the matching ranges of the
	// byte map, both sorted by address. Committed ranges are page aligned
	// and may overlap where two covered regions share a page of cards.
	covered     [maxCoveredRegions]mem.Region
	committed   [maxCoveredRegions]mem.Region
	curCovered  int
	guardRegion mem.Region
}

// CardsRequired returns the number of cards needed to cover words heap
// words, plus one for the guard card.
func CardsRequired(words uintptr) uintptr {
	return mem.AlignUp(words, CardSizeInWords)/CardSizeInWords + 1
}

// New returns a card table for the whole heap. Initialize must be called
// before it is used.
func New(whole mem.Region) *CardTable {
	if !whole.Start.IsAligned(CardSize) || !whole.End.IsAligned(CardSize) {
		fatalf("heap %v is not card aligned", whole)
	}
	ct := &CardTable{
		whole:    whole,
		pageSize: mem.PageSize(),
	}
	ct.guardIndex = CardsRequired(whole.WordSize()) - 1
	ct.lastValidIndex = ct.guardIndex - 1
	ct.byteMapSize = mem.AlignUp(ct.guardIndex+1, ct.pageSize)
	return ct
}

// Initialize reserves the byte map and commits the guard card.
func (ct *CardTable) Initialize() error {
	rs, err := mem.Reserve(ct.byteMapSize, ct.pageSize)
	if err != nil {
		return errors.Wrap(err, "cardtable: reserve byte map")
	}
	ct.rs = rs
	ct.byteMap = rs.Start()
	// Wraps around for heaps above the byte map; only differences matter.
	ct.byteMapBase = ct.byteMap - ct.whole.Start>>CardShift

	guardCard := ct.byteMap + mem.Address(ct.guardIndex)
	guardPage := guardCard.AlignDown(ct.pageSize)
	ct.guardRegion = mem.Region{Start: guardPage, End: guardPage + mem.Address(ct.pageSize)}
	if err := rs.Commit(guardPage, ct.pageSize); err != nil {
		rs.Release()
		return errors.Wrap(err, "cardtable: commit guard page")
	}
	mem.StoreByte(guardCard, Last)
	return nil
}

// Release gives the byte map back.
func (ct *CardTable) Release() error {
	if ct.rs == nil {
		return nil
	}
	return ct.rs.Release()
}

// Whole returns the heap range the table covers.
func (ct *CardTable) Whole() mem.Region { return ct.whole }

// ByteMap returns the reserved range of the byte map.
func (ct *CardTable) ByteMap() mem.Region { return ct.rs.Region() }

// GuardRegion returns the always committed page holding the guard card.
func (ct *CardTable) GuardRegion() mem.Region { return ct.guardRegion }

// GuardCard returns the address of the guard card.
func (ct *CardTable) GuardCard() mem.Address {
	return ct.byteMap + mem.Address(ct.guardIndex)
}

// CoveredRegions returns the number of registered covered regions.
func (ct *CardTable) CoveredRegions() int { return ct.curCovered }

// Covered returns covered region i.
func (ct *CardTable) Covered(i int) mem.Region { return ct.covered[i] }

// Committed returns the committed byte map range of covered region i.
func (ct *CardTable) Committed(i int) mem.Region { return ct.committed[i] }

// ByteFor returns the address of the card holding heap address p.
func (ct *CardTable) ByteFor(p mem.Address) mem.Address {
	if p < ct.whole.Start || p >= ct.whole.End {
		fatalf("card for %v outside heap %v", p, ct.whole)
	}
	return ct.byteMapBase + p>>CardShift
}

// byteAfter returns the card after the one holding p.
func (ct *CardTable) byteAfter(p mem.Address) mem.Address {
	return ct.ByteFor(p) + 1
}

// AddrFor returns the first heap address of card c.
func (ct *CardTable) AddrFor(c mem.Address) mem.Address {
	if c < ct.byteMap || c > ct.byteMap+mem.Address(ct.lastValidIndex) {
		fatalf("card %v outside byte map", c)
	}
	return (c - ct.byteMapBase) << CardShift
}

// IndexFor returns the card index of heap address p.
func (ct *CardTable) IndexFor(p mem.Address) uintptr {
	return uintptr(ct.ByteFor(p) - ct.byteMap)
}

// Dirty is the write barrier: it marks the card of field as dirty. It is a
// single byte store without a branch and may run concurrently with other
// mutators.
func (ct *CardTable) Dirty(field mem.Address) {
	mem.StoreByte(ct.byteMapBase+field>>CardShift, Dirty)
}

// Value returns the state of the card holding p.
func (ct *CardTable) Value(p mem.Address) CardValue {
	return mem.LoadByte(ct.ByteFor(p))
}

// IsDirty reports whether the card holding p is dirty.
func (ct *CardTable) IsDirty(p mem.Address) bool {
	return ct.Value(p) == Dirty
}

// findCoveringRegionByBase returns the index of the covered region starting
// at base, registering a new empty one if there is none.
func (ct *CardTable) findCoveringRegionByBase(base mem.Address) int {
	i := 0
	for ; i < ct.curCovered; i++ {
		if ct.covered[i].Start == base {
			return i
		}
		if ct.covered[i].Start > base {
			break
		}
	}
	if ct.curCovered == maxCoveredRegions {
		fatalf("too many covered regions, cannot add one at %v", base)
	}
	for j := ct.curCovered; j > i; j-- {
		ct.covered[j] = ct.covered[j-1]
		ct.committed[j] = ct.committed[j-1]
	}
	ct.curCovered++
	ct.covered[i] = mem.Region{Start: base, End: base}
	start := ct.ByteFor(base).AlignDown(ct.pageSize)
	ct.committed[i] = mem.Region{Start: start, End: start}
	return i
}

// largestPrevCommittedEnd returns the highest committed end of the regions
// below ind.
func (ct *CardTable) largestPrevCommittedEnd(ind int) mem.Address {
	var end mem.Address
	for j := 0; j < ind; j++ {
		end = mem.Max(end, ct.committed[j].End)
	}
	return end
}

// committedUniqueToSelf returns the part of mr committed for region self
// only: not shared with another covered region and not the guard page.
func (ct *CardTable) committedUniqueToSelf(self int, mr mem.Region) mem.Region {
	res := mr
	for r := 0; r < ct.curCovered; r++ {
		if r != self {
			res = res.Minus(ct.committed[r])
		}
	}
	return res.Minus(ct.guardRegion)
}

// ResizeCoveredRegion registers or resizes the covered region starting at
// newRegion.Start. Card pages are committed or uncommitted to match; pages
// shared with another covered region and the guard page are never
// uncommitted. Newly covered cards are clean. If the byte map cannot be
// committed the table is left unchanged and an error is returned.
func (ct *CardTable) ResizeCoveredRegion(newRegion mem.Region) error {
	if !ct.whole.ContainsRegion(newRegion) || newRegion.Start < ct.whole.Start {
		fatalf("covered region %v outside heap %v", newRegion, ct.whole)
	}
	ind := ct.findCoveringRegionByBase(newRegion.Start)
	oldRegion := ct.covered[ind]
	if newRegion.WordSize() == oldRegion.WordSize() {
		return nil
	}

	curCommitted := ct.committed[ind]
	// Extend the committed range over the end of any lower committed range.
	// This forms overlapping ranges, never interior ones.
	if prevEnd := ct.largestPrevCommittedEnd(ind); prevEnd > curCommitted.End {
		curCommitted.End = prevEnd
	}

	var newEnd mem.Address
	if newRegion.IsEmpty() {
		newEnd = ct.ByteFor(newRegion.Start)
	} else {
		newEnd = ct.byteAfter(newRegion.Last())
	}
	newEndAligned := newEnd.AlignUp(ct.pageSize)

	// Do not intrude into the committed range of a higher region.
	collided := false
	for ri := ind + 1; ri < ct.curCovered; ri++ {
		if newEndAligned > ct.committed[ri].Start {
			if newEndAligned > ct.committed[ri].End {
				fatalf("an earlier committed region cannot cover a later one")
			}
			newEndAligned = ct.committed[ri].Start
			collided = true
			break
		}
	}

	// The guard page is always committed.
	newEndForCommit := newEndAligned
	guarded := false
	if newEndForCommit > ct.guardRegion.Start {
		newEndForCommit = ct.guardRegion.Start
		guarded = true
	}

	if newEndForCommit > curCommitted.End {
		if err := ct.rs.Commit(curCommitted.End, mem.ByteDelta(newEndForCommit, curCommitted.End)); err != nil {
			if oldRegion.IsEmpty() && ct.committed[ind].IsEmpty() {
				ct.removeCoveredRegion(ind)
			}
			return errors.Wrapf(err, "cardtable: resize covered region to %v", newRegion)
		}
	} else if newEndAligned < curCommitted.End {
		uncommit := ct.committedUniqueToSelf(ind, mem.Region{Start: newEndAligned, End: curCommitted.End})
		if !uncommit.IsEmpty() {
			// A failed uncommit leaves the cards committed, which is harmless.
			_ = ct.rs.Uncommit(uncommit.Start, uncommit.ByteSize())
		}
	}
	ct.committed[ind].End = newEndAligned

	// Newly committed cards are not clean yet.
	var entry mem.Address
	if oldRegion.IsEmpty() {
		entry = ct.ByteFor(oldRegion.Start)
	} else {
		entry = ct.byteAfter(oldRegion.Last())
	}
	if !newRegion.IsEmpty() && ct.IndexFor(newRegion.Last()) >= ct.guardIndex {
		fatalf("the guard card would be overwritten")
	}
	end := newEndForCommit
	if guarded && !newRegion.IsEmpty() {
		// The last cards share the page of the guard card.
		end = mem.Max(end, ct.byteAfter(newRegion.Last()))
	}
	if !newRegion.IsEmpty() && end < ct.byteAfter(newRegion.Last()) && !collided {
		fatalf("cleared cards end at %v before the new region %v", end, newRegion)
	}
	if entry < end {
		mem.SetBytes(entry, mem.ByteDelta(end, entry), Clean)
	}
	ct.covered[ind].End = newRegion.End
	return nil
}

func (ct *CardTable) removeCoveredRegion(ind int) {
	for j := ind; j < ct.curCovered-1; j++ {
		ct.covered[j] = ct.covered[j+1]
		ct.committed[j] = ct.committed[j+1]
	}
	ct.curCovered--
	ct.covered[ct.curCovered] = mem.Region{}
	ct.committed[ct.curCovered] = mem.Region{}
}

// coveredParts calls fn with the parts of mr inside a covered region.
func (ct *CardTable) coveredParts(mr mem.Region, fn func(mem.Region)) {
	for i := 0; i < ct.curCovered; i++ {
		if mri := mr.Intersection(ct.covered[i]); !mri.IsEmpty() {
			fn(mri)
		}
	}
}

// DirtyRegion marks every card overlapping mr as dirty.
func (ct *CardTable) DirtyRegion(mr mem.Region) {
	if mr.IsEmpty() {
		return
	}
	first := ct.ByteFor(mr.Start)
	last := ct.byteAfter(mr.Last())
	mem.SetBytes(first, mem.ByteDelta(last, first), Dirty)
}

// Invalidate dirties the covered parts of mr.
func (ct *CardTable) Invalidate(mr mem.Region) {
	ct.coveredParts(mr, ct.DirtyRegion)
}

// clearRegion cleans the cards overlapping mr, except a card only partly
// covered at the start of mr.
func (ct *CardTable) clearRegion(mr mem.Region) {
	var cur mem.Address
	if mr.Start.IsAligned(CardSize) {
		cur = ct.ByteFor(mr.Start)
	} else {
		cur = ct.byteAfter(mr.Start)
	}
	last := ct.byteAfter(mr.Last())
	if cur < last {
		mem.SetBytes(cur, mem.ByteDelta(last, cur), Clean)
	}
}

// Clear cleans the covered cards overlapping mr. A card holding words below
// mr.Start keeps its state.
func (ct *CardTable) Clear(mr mem.Region) {
	ct.coveredParts(mr, ct.clearRegion)
}

// DirtyCardIterate calls fn with every maximal run of dirty cards in the
// covered parts of mr, clipped to mr, in address order. fn may change the
// cards of the run it is given.
func (ct *CardTable) DirtyCardIterate(mr mem.Region, fn func(run mem.Region)) {
	ct.coveredParts(mr, func(mri mem.Region) {
		cur := ct.ByteFor(mri.Start)
		limit := ct.ByteFor(mri.Last())
		for cur <= limit {
			if mem.LoadByte(cur) != Dirty {
				cur++
				continue
			}
			next := cur + 1
			for next <= limit && mem.LoadByte(next) == Dirty {
				next++
			}
			run := mem.Region{
				Start: ct.AddrFor(cur),
				End:   ct.AddrFor(cur).AddWords(uintptr(next-cur) * CardSizeInWords),
			}
			fn(run.Intersection(mri))
			cur = next
		}
	})
}

// IsClean reports whether all cards overlapping mr are clean.
func (ct *CardTable) IsClean(mr mem.Region) bool {
	if mr.IsEmpty() {
		return true
	}
	for c := ct.ByteFor(mr.Start); c <= ct.ByteFor(mr.Last()); c++ {
		if mem.LoadByte(c) != Clean {
			return false
		}
	}
	return true
}

// VerifyGuard checks that the guard card was not overwritten.
func (ct *CardTable) VerifyGuard() error {
	if v := mem.LoadByte(ct.GuardCard()); v != Last {
		return errors.Newf("cardtable: guard card holds %#x", v)
	}
	return nil
}

func (ct *CardTable) String() string {
	return fmt.Sprintf("card table for %v: %d covered regions, byte map %v",
		ct.whole, ct.curCovered, ct.ByteMap())
}
