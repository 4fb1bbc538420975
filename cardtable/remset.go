package cardtable

import (
	"github.com/cockroachdb/errors"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
)

// BlockSpace is the view of an old generation space needed to scan the
// objects on its dirty cards.
type BlockSpace interface {
	Bottom() mem.Address
	BlockStart(addr mem.Address) mem.Address
}

// RemSet is the remembered set of the old generation: an approximation,
// through dirty cards, of the old generation locations that may point into
// the young generation.
type RemSet struct {
	ct *CardTable
}

// NewRemSet creates the card table for the whole heap.
func NewRemSet(whole mem.Region) (*RemSet, error) {
	ct := New(whole)
	if err := ct.Initialize(); err != nil {
		return nil, errors.Wrap(err, "cardtable: new remembered set")
	}
	return &RemSet{ct: ct}, nil
}

// CardTable returns the underlying card table.
func (rs *RemSet) CardTable() *CardTable { return rs.ct }

// Release gives the card table memory back.
func (rs *RemSet) Release() error { return rs.ct.Release() }

// ResizeCoveredRegion forwards to the card table.
func (rs *RemSet) ResizeCoveredRegion(mr mem.Region) error {
	return rs.ct.ResizeCoveredRegion(mr)
}

// WriteRefField is the write barrier for a reference store into field.
func (rs *RemSet) WriteRefField(field mem.Address) {
	rs.ct.Dirty(field)
}

// ClearIntoYounger clears all cards of the old generation's previously used
// region. It is used after a full collection that left the young generation
// empty: no old to young pointer can remain.
func (rs *RemSet) ClearIntoYounger(prevUsed mem.Region) {
	rs.ct.Clear(prevUsed)
}

// InvalidateOrClear is used after a full collection that left objects in
// the young generation. Objects in the used part of the old generation may
// have moved, so its cards are all dirtied; the part that was in use before
// the collection but is no longer is cleared.
func (rs *RemSet) InvalidateOrClear(prevUsed, used mem.Region) {
	if cleared := prevUsed.Minus(used); !cleared.IsEmpty() {
		rs.ct.Clear(cleared)
	}
	rs.ct.Invalidate(used)
}

// YoungerRefsIterate calls cl with every reference field of sp that lies on
// a dirty card below savedMark. Each run of dirty cards is cleaned before
// its objects are scanned, so cl must dirty the card again (through
// WriteRefField) if the field still refers to a younger generation after
// cl returns.
func (rs *RemSet) YoungerRefsIterate(sp BlockSpace, savedMark mem.Address, cl func(field mem.Address)) {
	mr := mem.Region{Start: sp.Bottom(), End: savedMark}
	if mr.IsEmpty() {
		return
	}
	rs.ct.DirtyCardIterate(mr, func(run mem.Region) {
		rs.ct.Clear(run)
		o := oop.Obj(sp.BlockStart(run.Start))
		for o.Addr() < run.End {
			if !o.IsFiller() {
				o.IterateRefsIn(run, cl)
			}
			o = oop.Obj(o.End())
		}
	})
}
