package gc

import (
	"github.com/tinygo-org/gengc/bot"
	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/space"
)

// cardGeneration is a generation of one space whose blocks are recorded in
// a block-offset table and whose references into the young generation are
// remembered by the card table. It grows and shrinks at its high end.
type cardGeneration struct {
	generation

	bts   *bot.SharedArray
	space *space.ContiguousSpace

	initialSize       uintptr
	minHeapDeltaBytes uintptr
	shrinkFactor      uintptr

	capacityAtPrologue uintptr
	usedAtPrologue     uintptr

	expansions int
	shrinks    int
}

func (g *cardGeneration) initialize(h *Heap, name string, rs *mem.Reservation, initialSize uintptr) error {
	g.h = h
	g.name = name
	g.reserved = rs.Region()
	g.initialSize = initialSize
	g.minHeapDeltaBytes = h.cfg.MinHeapDeltaBytes.Bytes()
	if err := g.vs.Initialize(rs, initialSize); err != nil {
		return err
	}
	committed := g.vs.Committed()
	bts, err := bot.NewSharedArray(g.reserved, committed.WordSize())
	if err != nil {
		return err
	}
	g.bts = bts
	if err := h.remSet.ResizeCoveredRegion(committed); err != nil {
		bts.Release()
		return err
	}
	g.space = space.NewTenured("the space", bts, committed, uintptr(h.cfg.MarkSweepDeadRatio))
	return nil
}

// Space returns the only space of the generation.
func (g *cardGeneration) Space() *space.ContiguousSpace { return g.space }

func (g *cardGeneration) Capacity() uintptr { return g.space.Capacity() }
func (g *cardGeneration) Used() uintptr     { return g.space.Used() }
func (g *cardGeneration) Free() uintptr     { return g.space.Free() }

// maxContiguousAvailable is the free space plus what may still be
// committed.
func (g *cardGeneration) maxContiguousAvailable() uintptr {
	return g.vs.UncommittedSize() + g.space.Free()
}

func (g *cardGeneration) IsIn(p mem.Address) bool { return g.space.IsIn(p) }

func (g *cardGeneration) Spaces() []*space.ContiguousSpace {
	return []*space.ContiguousSpace{g.space}
}

func (g *cardGeneration) BlockStart(p mem.Address) mem.Address { return g.space.BlockStart(p) }
func (g *cardGeneration) BlockSize(p mem.Address) uintptr      { return g.space.BlockSize(p) }
func (g *cardGeneration) BlockIsObj(p mem.Address) bool        { return g.space.BlockIsObj(p) }

func (g *cardGeneration) SaveMarks()                   { g.space.SaveMarks() }
func (g *cardGeneration) NoAllocsSinceSaveMarks() bool { return g.space.NoAllocsSinceSaveMarks() }

// growBy commits bytes more and extends, in this order, the card table
// coverage, the block-offset table and the space. A step that fails undoes
// the ones before it.
func (g *cardGeneration) growBy(bytes uintptr) bool {
	before := g.vs.CommittedSize()
	if !g.vs.ExpandBy(bytes) {
		return false
	}
	newWords := g.vs.CommittedSize() / mem.WordSize
	mr := mem.NewRegion(g.space.Bottom(), newWords)
	if err := g.h.remSet.ResizeCoveredRegion(mr); err != nil {
		g.h.log.Debug("card table did not grow", "gen", g.name, "err", err)
		g.vs.ShrinkBy(bytes)
		return false
	}
	if !g.bts.Resize(newWords) {
		g.h.log.Debug("block offset table did not grow", "gen", g.name)
		if err := g.h.remSet.ResizeCoveredRegion(mem.NewRegion(g.space.Bottom(), before/mem.WordSize)); err != nil {
			fatalf("%s: undoing card table growth: %v", g.name, err)
		}
		g.vs.ShrinkBy(bytes)
		return false
	}
	g.space.SetEnd(g.vs.High())
	g.expansions++
	g.h.log.Debug("expanding",
		"gen", g.name,
		"from", config.Size(before),
		"by", config.Size(bytes),
		"to", config.Size(g.vs.CommittedSize()))
	return true
}

func (g *cardGeneration) growToReserved() bool {
	if remaining := g.vs.UncommittedSize(); remaining > 0 {
		return g.growBy(remaining)
	}
	return true
}

// expand grows the generation by expandBytes if that is more than bytes,
// otherwise or failing that by bytes, and failing that by whatever is left
// of the reservation.
func (g *cardGeneration) expand(bytes, expandBytes uintptr) bool {
	if bytes == 0 {
		return true
	}
	page := mem.PageSize()
	alignedBytes := mem.AlignUp(bytes, page)
	if alignedBytes == 0 {
		alignedBytes = mem.AlignDown(bytes, page)
	}
	alignedExpandBytes := mem.AlignUp(expandBytes, page)

	ok := false
	if alignedExpandBytes > alignedBytes {
		ok = g.growBy(alignedExpandBytes)
	}
	if !ok {
		ok = g.growBy(alignedBytes)
	}
	if !ok {
		ok = g.growToReserved()
	}
	if ok && g.h.locker.isActiveAndNeedsGC() {
		g.h.log.Debug("collection locked out, expanded instead", "gen", g.name)
	}
	return ok
}

// shrink gives back bytes, rounded down to pages, at the high end: the
// space first, then the block-offset table and the card table, and finally
// the memory itself.
func (g *cardGeneration) shrink(bytes uintptr) {
	size := mem.AlignDown(bytes, mem.PageSize())
	if size == 0 {
		return
	}
	before := g.vs.CommittedSize()
	newWords := (before - size) / mem.WordSize
	newEnd := g.space.Bottom().AddWords(newWords)
	if newEnd < g.space.Top() {
		fatalf("%s: shrinking to %v below top %v", g.name, newEnd, g.space.Top())
	}
	g.space.SetEnd(newEnd)
	g.bts.Resize(newWords)
	if err := g.h.remSet.ResizeCoveredRegion(mem.NewRegion(g.space.Bottom(), newWords)); err != nil {
		fatalf("%s: shrinking card table: %v", g.name, err)
	}
	g.vs.ShrinkBy(size)
	g.shrinks++
	g.h.log.Debug("shrinking",
		"gen", g.name,
		"from", config.Size(before),
		"by", config.Size(size),
		"to", config.Size(g.vs.CommittedSize()))
}

// ComputeNewSize resizes the generation after a collection so that the
// free part is between MinHeapFreeRatio and MaxHeapFreeRatio percent of
// the capacity. With ShrinkHeapInSteps, consecutive shrinks give back 0,
// 10, 40 and then 100 percent of the excess.
func (g *cardGeneration) ComputeNewSize() {
	cfg := &g.h.cfg
	currentShrinkFactor := g.shrinkFactor
	g.shrinkFactor = 0

	usedAfterGC := g.Used()
	capacityAfterGC := g.Capacity()

	maximumUsedPercentage := 1 - float64(cfg.MinHeapFreeRatio)/100
	minimumDesiredCapacity := max(desiredCapacity(usedAfterGC, maximumUsedPercentage), g.initialSize)

	if capacityAfterGC < minimumDesiredCapacity {
		expandBytes := minimumDesiredCapacity - capacityAfterGC
		if expandBytes >= g.minHeapDeltaBytes {
			g.expand(expandBytes, 0)
		}
		return
	}

	shrinkBytes := uintptr(0)
	maxShrinkBytes := capacityAfterGC - minimumDesiredCapacity

	if cfg.MaxHeapFreeRatio < 100 {
		minimumUsedPercentage := 1 - float64(cfg.MaxHeapFreeRatio)/100
		maximumDesiredCapacity := max(desiredCapacity(usedAfterGC, minimumUsedPercentage), g.initialSize)
		if capacityAfterGC > maximumDesiredCapacity {
			shrinkBytes = capacityAfterGC - maximumDesiredCapacity
			if cfg.ShrinkHeapInSteps {
				shrinkBytes = shrinkBytes / 100 * currentShrinkFactor
				if currentShrinkFactor == 0 {
					g.shrinkFactor = 10
				} else {
					g.shrinkFactor = min(currentShrinkFactor*4, 100)
				}
			}
		}
	}

	if capacityAfterGC > g.capacityAtPrologue {
		// Give back what was expanded for promotions if there is room now.
		expansionForPromotion := min(capacityAfterGC-g.capacityAtPrologue, maxShrinkBytes)
		shrinkBytes = max(shrinkBytes, expansionForPromotion)
	}
	if shrinkBytes > maxShrinkBytes {
		fatalf("%s: shrink of %d bytes exceeds %d", g.name, shrinkBytes, maxShrinkBytes)
	}
	if shrinkBytes >= g.minHeapDeltaBytes {
		g.shrink(shrinkBytes)
	}
}

// desiredCapacity returns the capacity at which used is usedFraction of it.
func desiredCapacity(used uintptr, usedFraction float64) uintptr {
	if usedFraction <= 0 {
		return ^uintptr(0)
	}
	c := float64(used) / usedFraction
	if c >= float64(^uintptr(0)) {
		return ^uintptr(0)
	}
	return uintptr(c)
}

func (g *cardGeneration) GCPrologue(full bool) {
	g.capacityAtPrologue = g.Capacity()
	g.usedAtPrologue = g.Used()
}

func (g *cardGeneration) GCEpilogue(full bool) {}

func (g *cardGeneration) Stats() GenerationStats {
	return GenerationStats{
		Name:        g.name,
		Capacity:    g.Capacity(),
		Used:        g.Used(),
		MaxCapacity: g.MaxCapacity(),
		Collections: g.stat.invocations,
		Time:        g.stat.accumulated,
	}
}
