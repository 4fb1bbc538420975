package gc

import (
	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
)

// isYoung reports whether the non-null reference p points into the young
// generation, which sits below the old generation in the reservation.
func (g *DefNewGeneration) isYoung(p mem.Address) bool {
	return p < g.reserved.End
}

// scanField evacuates the referent of a field that lives in the young
// generation or in a root.
func (g *DefNewGeneration) scanField(field mem.Address) {
	p := mem.LoadAddress(field)
	if p == mem.Null || !g.isYoung(p) {
		return
	}
	mem.StoreAddress(field, g.evacuate(oop.Obj(p)).Addr())
}

// scanFieldWithBarrier evacuates the referent of an old generation field
// and dirties its card if the field still points into the young
// generation.
func (g *DefNewGeneration) scanFieldWithBarrier(field mem.Address) {
	p := mem.LoadAddress(field)
	if p == mem.Null || !g.isYoung(p) {
		return
	}
	n := g.evacuate(oop.Obj(p)).Addr()
	mem.StoreAddress(field, n)
	if g.isYoung(n) {
		g.h.remSet.WriteRefField(field)
	}
}

func (g *DefNewGeneration) scanRoot(slot *mem.Address) {
	if p := *slot; p != mem.Null && g.isYoung(p) {
		*slot = g.evacuate(oop.Obj(p)).Addr()
	}
}

// evacuate returns the new location of the young object o, copying it
// first if this collection has not done so yet.
func (g *DefNewGeneration) evacuate(o oop.Obj) oop.Obj {
	if g.to.Contains(o.Addr()) {
		return o
	}
	if o.IsForwarded() {
		return o.Forwardee()
	}
	return g.copyToSurvivorSpace(o)
}

// copyToSurvivorSpace copies o into the to space if it is younger than the
// tenuring threshold and the to space has room, and promotes it otherwise.
// If the promotion fails too, o is forwarded to itself and stays put.
func (g *DefNewGeneration) copyToSurvivorSpace(o oop.Obj) oop.Obj {
	size := o.Size()
	m := o.Mark()

	var dest mem.Address
	if m.Age() < g.tenuringThreshold {
		dest = g.to.Allocate(size)
	}
	if dest == mem.Null {
		promoted := g.old.promote(o, size)
		if promoted.IsNull() {
			g.handlePromotionFailure(o)
			return o
		}
		g.promotedBytes += uint64(size * mem.WordSize)
		o.ForwardTo(promoted)
		return promoted
	}

	c := o.CopyTo(dest, size)
	m = m.IncrAge()
	c.SetMark(m)
	g.ageTable.Add(m.Age(), size)
	o.ForwardTo(c)
	return c
}

// handlePromotionFailure leaves o where it is, forwarded to itself, and
// scans its fields so that its referents are evacuated like those of any
// other survivor. Fields of objects found while draining are pushed rather
// than scanned recursively.
func (g *DefNewGeneration) handlePromotionFailure(o oop.Obj) {
	g.preserved.PushIfNecessary(o, o.Mark())
	o.ForwardTo(o)
	if !g.promotionFailed {
		g.h.log.Debug("promotion failed", "obj", o.Addr(), "words", o.Size())
	}
	g.promotionFailed = true
	g.promotionFailedWords += o.Size()

	g.promoFailureScanStack = append(g.promoFailureScanStack, o)
	if g.promoFailureDrainInProgress {
		return
	}
	g.promoFailureDrainInProgress = true
	for len(g.promoFailureScanStack) > 0 {
		n := len(g.promoFailureScanStack) - 1
		obj := g.promoFailureScanStack[n]
		g.promoFailureScanStack = g.promoFailureScanStack[:n]
		obj.IterateRefs(g.scanField)
	}
	g.promoFailureDrainInProgress = false
}

// evacuateFollowers scans the objects copied into the to space and the old
// generation since the marks were saved, until no more are copied.
func (g *DefNewGeneration) evacuateFollowers() {
	old := g.old.space
	for {
		g.to.OopSinceSaveMarksIterate(g.scanField)
		old.OopSinceSaveMarksIterate(g.scanFieldWithBarrier)
		if g.to.NoAllocsSinceSaveMarks() && old.NoAllocsSinceSaveMarks() {
			return
		}
	}
}

// collect runs a young collection with the world stopped. It returns false
// if the collection was not attempted or if some object could not be
// promoted; the young generation is then left for a full collection to
// clean up.
func (g *DefNewGeneration) collect(full, clearAll bool, words uintptr, isTLAB bool) bool {
	if !g.CollectionAttemptIsSafe() {
		g.h.log.Debug("young collection not attempted",
			"to_empty", g.to.IsEmpty(),
			"young_used", config.Size(g.Used()))
		g.h.incrementalCollectionFailed = true
		return false
	}

	g.promotionFailed = false
	g.promotionFailedWords = 0
	g.promotedBytes = 0
	g.ageTable.Clear()
	g.to.Clear()

	g.h.roots.Iterate(g.scanRoot)
	old := g.old.space
	g.h.remSet.YoungerRefsIterate(old, old.SavedMark(), g.scanFieldWithBarrier)
	g.evacuateFollowers()

	if !g.promotionFailed {
		g.eden.Clear()
		g.from.Clear()
		g.swapSpaces()
		g.survivedBytes = uint64(g.from.Used())
		g.adjustDesiredTenuringThreshold()
		return true
	}

	g.h.log.Info("promotion failed",
		"failed", config.Size(g.promotionFailedWords*mem.WordSize),
		"promoted", config.Size(g.promotedBytes))
	g.promotionFailures++
	g.removeForwardingPointers()
	g.swapSpaces()
	// The to space holds survivors until a full collection compacts them.
	g.from.SetNextCompactionSpace(g.to)
	g.h.incrementalCollectionFailed = true
	return false
}

func (g *DefNewGeneration) adjustDesiredTenuringThreshold() {
	cfg := &g.h.cfg
	desired := g.to.Capacity() / mem.WordSize * uintptr(cfg.TargetSurvivorRatio) / 100
	g.tenuringThreshold = g.ageTable.ComputeTenuringThreshold(desired, cfg)
	g.ageTable.Log(g.h.log, g.tenuringThreshold, desired, cfg)
}

// removeForwardingPointers undoes the forwarding of eden and the from space
// after a failed promotion: copied originals are dead and get a plain
// header, self-forwarded objects get their saved header back.
func (g *DefNewGeneration) removeForwardingPointers() {
	reset := func(o oop.Obj) {
		if o.IsForwarded() {
			o.InitMark()
		}
	}
	g.eden.ObjectIterate(reset)
	g.from.ObjectIterate(reset)
	g.preserved.Restore()
	g.promoFailureScanStack = g.promoFailureScanStack[:0]
}
