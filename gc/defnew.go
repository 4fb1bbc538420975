package gc

import (
	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
	"github.com/tinygo-org/gengc/space"
)

// DefNewGeneration is the young generation: an eden that mutators allocate
// into and two survivor spaces. A young collection copies the live objects
// of eden and the from space into the to space, or promotes them into the
// old generation once they are old enough, and then swaps the survivor
// spaces.
type DefNewGeneration struct {
	generation

	eden *space.ContiguousSpace
	from *space.ContiguousSpace
	to   *space.ContiguousSpace

	old            *TenuredGeneration
	spaceAlignment uintptr
	initialSize    uintptr
	maxEdenSize    uintptr

	pretenureWords    uintptr
	tenuringThreshold uint
	ageTable          AgeTable

	// Set after a full collection that left eden in use: mutators may then
	// allocate into the from space.
	shouldAllocateFromSpace bool

	promotionFailed             bool
	promotionFailedWords        uintptr
	preserved                   PreservedMarks
	promoFailureScanStack       []oop.Obj
	promoFailureDrainInProgress bool

	promotedBytes     uint64
	survivedBytes     uint64
	promotionFailures int
}

func newDefNew(h *Heap, rs *mem.Reservation, initialSize uintptr) (*DefNewGeneration, error) {
	g := &DefNewGeneration{
		generation: generation{
			h:        h,
			name:     "def new generation",
			reserved: rs.Region(),
		},
		spaceAlignment:    mem.PageSize(),
		initialSize:       initialSize,
		tenuringThreshold: h.cfg.InitialTenuringThreshold,
	}
	if h.cfg.PretenureSizeThreshold != 0 {
		g.pretenureWords = h.cfg.PretenureSizeThreshold.Bytes() / mem.WordSize
	}
	if h.cfg.AlwaysTenure || h.cfg.NeverTenure {
		g.tenuringThreshold = g.ageTable.ComputeTenuringThreshold(0, &h.cfg)
	}
	if err := g.vs.Initialize(rs, initialSize); err != nil {
		return nil, err
	}
	if err := h.remSet.ResizeCoveredRegion(g.vs.Committed()); err != nil {
		return nil, err
	}

	maxSurvivor := g.computeSurvivorSize(g.reserved.ByteSize())
	g.maxEdenSize = g.reserved.ByteSize() - 2*maxSurvivor

	empty := mem.Region{Start: g.vs.Low(), End: g.vs.Low()}
	g.eden = space.New("eden", empty)
	g.from = space.New("from", empty)
	g.to = space.New("to", empty)
	g.computeSpaceBoundaries(0, true)
	return g, nil
}

func (g *DefNewGeneration) Kind() Kind { return Young }

// Eden returns the allocation space.
func (g *DefNewGeneration) Eden() *space.ContiguousSpace { return g.eden }

// From returns the survivor space holding the survivors of the last young
// collection.
func (g *DefNewGeneration) From() *space.ContiguousSpace { return g.from }

// To returns the empty survivor space.
func (g *DefNewGeneration) To() *space.ContiguousSpace { return g.to }

// TenuringThreshold returns the age at which survivors are promoted.
func (g *DefNewGeneration) TenuringThreshold() uint { return g.tenuringThreshold }

// PromotionFailed reports whether the last young collection failed to
// promote an object.
func (g *DefNewGeneration) PromotionFailed() bool { return g.promotionFailed }

func (g *DefNewGeneration) computeSurvivorSize(genSize uintptr) uintptr {
	n := genSize / (uintptr(g.h.cfg.SurvivorRatio) + 2)
	if n > g.spaceAlignment {
		return mem.AlignDown(n, g.spaceAlignment)
	}
	return g.spaceAlignment
}

// computeSpaceBoundaries lays eden, from and to out over the committed
// memory, in that order. minEdenSize is the part of eden in use, which the
// new eden must keep.
func (g *DefNewGeneration) computeSpaceBoundaries(minEdenSize uintptr, clear bool) {
	if !clear && (!g.to.IsEmpty() || !g.from.IsEmpty()) {
		fatalf("survivor spaces must be empty to be laid out again")
	}
	size := g.vs.CommittedSize()
	survivorSize := g.computeSurvivorSize(size)
	edenSize := size - 2*survivorSize
	if edenSize > g.maxEdenSize {
		delta := mem.AlignUp(edenSize-g.maxEdenSize, 2*g.spaceAlignment)
		edenSize -= delta
		survivorSize += delta / 2
	}
	if edenSize < minEdenSize {
		minEdenSize = mem.AlignUp(minEdenSize, g.spaceAlignment)
		survivorSize = max(mem.AlignDown((size-minEdenSize)/2, g.spaceAlignment), g.spaceAlignment)
		edenSize = size - 2*survivorSize
	}
	if edenSize == 0 || survivorSize > edenSize {
		fatalf("bad young layout: eden %d survivor %d of %d", edenSize, survivorSize, size)
	}

	edenStart := g.vs.Low()
	fromStart := edenStart + mem.Address(edenSize)
	toStart := fromStart + mem.Address(survivorSize)
	toEnd := toStart + mem.Address(survivorSize)

	liveInEden := minEdenSize > 0
	g.eden.Initialize(mem.Region{Start: edenStart, End: fromStart}, clear && !liveInEden)
	g.from.Initialize(mem.Region{Start: fromStart, End: toStart}, clear)
	g.to.Initialize(mem.Region{Start: toStart, End: toEnd}, clear)
	g.eden.SetNextCompactionSpace(g.from)
	g.from.SetNextCompactionSpace(nil)
}

func (g *DefNewGeneration) swapSpaces() {
	g.from, g.to = g.to, g.from
	g.eden.SetNextCompactionSpace(g.from)
	g.from.SetNextCompactionSpace(nil)
}

func (g *DefNewGeneration) Capacity() uintptr {
	return g.eden.Capacity() + g.from.Capacity()
}

func (g *DefNewGeneration) Used() uintptr {
	return g.eden.Used() + g.from.Used()
}

func (g *DefNewGeneration) Free() uintptr {
	return g.eden.Free() + g.from.Free()
}

// CapacityBeforeGC is the eden capacity: what mutators can allocate
// between two collections.
func (g *DefNewGeneration) CapacityBeforeGC() uintptr { return g.eden.Capacity() }

// unsafeMaxAllocNoGC is the largest allocation eden can satisfy right now.
func (g *DefNewGeneration) unsafeMaxAllocNoGC() uintptr { return g.eden.Free() }

func (g *DefNewGeneration) IsIn(p mem.Address) bool {
	return g.eden.IsIn(p) || g.from.IsIn(p) || g.to.IsIn(p)
}

// ShouldAllocate refuses empty requests and, unless they are buffers,
// requests at or above the pretenuring threshold.
func (g *DefNewGeneration) ShouldAllocate(words uintptr, isTLAB bool) bool {
	sizeOK := isTLAB || g.pretenureWords == 0 || words < g.pretenureWords
	return words > 0 && words < overflowLimit && sizeOK
}

// ParAllocate bumps eden lock-free.
func (g *DefNewGeneration) ParAllocate(words uintptr, isTLAB bool) mem.Address {
	return g.eden.ParAllocate(words)
}

// Allocate is the locked slow path: eden, then the from space if the last
// full collection could not empty eden. The heap lock or a safepoint is
// held.
func (g *DefNewGeneration) Allocate(words uintptr, isTLAB bool) mem.Address {
	if p := g.eden.ParAllocate(words); p != mem.Null {
		return p
	}
	return g.allocateFromSpace(words)
}

func (g *DefNewGeneration) allocateFromSpace(words uintptr) mem.Address {
	if !g.shouldAllocateFromSpace && !g.h.locker.isActiveAndNeedsGC() {
		return mem.Null
	}
	p := g.from.Allocate(words)
	if p != mem.Null {
		g.h.log.Debug("allocated from survivor space", "words", words, "at", p)
	}
	return p
}

// ExpandAndAllocate does not expand: the young generation only changes size
// after a collection.
func (g *DefNewGeneration) ExpandAndAllocate(words uintptr, isTLAB bool) mem.Address {
	return g.Allocate(words, isTLAB)
}

// ShouldCollect is true for full requests and for every allocation the
// young generation would serve.
func (g *DefNewGeneration) ShouldCollect(full bool, words uintptr, isTLAB bool) bool {
	return full || g.ShouldAllocate(words, isTLAB)
}

func (g *DefNewGeneration) Spaces() []*space.ContiguousSpace {
	return []*space.ContiguousSpace{g.eden, g.from, g.to}
}

// ObjectIterate visits the objects of eden and the from space.
func (g *DefNewGeneration) ObjectIterate(fn func(o oop.Obj)) {
	g.eden.ObjectIterate(fn)
	g.from.ObjectIterate(fn)
}

func (g *DefNewGeneration) BlockStart(p mem.Address) mem.Address { return blockStartIn(g, p) }
func (g *DefNewGeneration) BlockSize(p mem.Address) uintptr      { return blockSizeIn(g, p) }
func (g *DefNewGeneration) BlockIsObj(p mem.Address) bool        { return blockIsObjIn(g, p) }

func (g *DefNewGeneration) SaveMarks() {
	g.eden.SaveMarks()
	g.to.SaveMarks()
	g.from.SaveMarks()
}

func (g *DefNewGeneration) NoAllocsSinceSaveMarks() bool {
	return g.eden.NoAllocsSinceSaveMarks() && g.to.NoAllocsSinceSaveMarks() && g.from.NoAllocsSinceSaveMarks()
}

func (g *DefNewGeneration) GCPrologue(full bool) {}

// GCEpilogue notes after a full collection whether eden could be emptied.
// If it could not, the heap is close to full: young collections are assumed
// to fail and the from space is opened to allocation.
func (g *DefNewGeneration) GCEpilogue(full bool) {
	if !full {
		return
	}
	if !g.CollectionAttemptIsSafe() && !g.eden.IsEmpty() {
		g.h.log.Debug("young generation not empty after full collection", "eden", config.Size(g.eden.Used()))
		g.h.incrementalCollectionFailed = true
		g.shouldAllocateFromSpace = true
	} else {
		g.h.incrementalCollectionFailed = false
		g.shouldAllocateFromSpace = false
	}
	g.eden.SetNextCompactionSpace(g.from)
	g.from.SetNextCompactionSpace(nil)
}

// CollectionAttemptIsSafe reports whether a young collection can run: the
// to space must be empty and the old generation should have room for
// everything that may be promoted.
func (g *DefNewGeneration) CollectionAttemptIsSafe() bool {
	if !g.to.IsEmpty() {
		return false
	}
	return g.old.PromotionAttemptIsSafe(g.Used())
}

// ComputeNewSize resizes the young generation after a full collection, in
// proportion to the old generation, plus a fixed increase per mutator. Only
// an empty young generation is resized, and it only shrinks if eden is
// empty.
func (g *DefNewGeneration) ComputeNewSize() {
	if !g.from.IsEmpty() || !g.to.IsEmpty() {
		return
	}
	cfg := &g.h.cfg
	align := g.h.genAlignment
	oldSize := g.old.Capacity()
	before := g.vs.CommittedSize()

	threadIncrease := uintptr(g.h.mutatorCount()) * cfg.NewSizeThreadIncrease.Bytes()
	desired := before
	if cfg.NewSizeThreadIncrease > 0 && threadIncrease > 0 {
		desired = mem.AlignUp(oldSize/uintptr(cfg.NewRatio)+threadIncrease, align)
	}
	desired = min(max(desired, g.initialSize), g.reserved.ByteSize())

	changed := false
	if desired > before {
		if g.vs.ExpandBy(desired - before) {
			changed = true
		}
	}
	if desired < before && g.eden.IsEmpty() {
		g.vs.ShrinkBy(before - desired)
		changed = true
	}
	if !changed {
		return
	}
	if err := g.h.remSet.ResizeCoveredRegion(g.vs.Committed()); err != nil {
		g.h.log.Warn("young generation resize undone", "err", err)
		if after := g.vs.CommittedSize(); after > before {
			g.vs.ShrinkBy(after - before)
		} else {
			g.vs.ExpandBy(before - after)
		}
		return
	}
	g.computeSpaceBoundaries(g.eden.Used(), true)
	g.h.log.Debug("new generation size",
		"before", config.Size(before),
		"after", config.Size(g.vs.CommittedSize()),
		"eden", config.Size(g.eden.Capacity()),
		"survivor", config.Size(g.from.Capacity()))
}

func (g *DefNewGeneration) Stats() GenerationStats {
	return GenerationStats{
		Name:        g.name,
		Capacity:    g.Capacity(),
		Used:        g.Used(),
		MaxCapacity: g.MaxCapacity(),
		Collections: g.stat.invocations,
		Time:        g.stat.accumulated,
	}
}
