package gc

import (
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
)

// Weight and padding of the promotion average, in percent and deviations.
const (
	promotedWeight  = 10
	promotedPadding = 3
)

// TenuredGeneration is the old generation. Objects get here by promotion
// from the young generation or by direct allocation of large objects, and
// only a full collection reclaims them.
type TenuredGeneration struct {
	cardGeneration

	avgPromoted paddedAverage
}

func newTenured(h *Heap, rs *mem.Reservation, initialSize uintptr) (*TenuredGeneration, error) {
	g := &TenuredGeneration{avgPromoted: newPaddedAverage(promotedWeight, promotedPadding)}
	if err := g.initialize(h, "tenured generation", rs, initialSize); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *TenuredGeneration) Kind() Kind { return Old }

// ShouldAllocate refuses buffer requests and empty ones.
func (g *TenuredGeneration) ShouldAllocate(words uintptr, isTLAB bool) bool {
	return !isTLAB && words > 0 && words < overflowLimit
}

func (g *TenuredGeneration) Allocate(words uintptr, isTLAB bool) mem.Address {
	return g.space.Allocate(words)
}

func (g *TenuredGeneration) ParAllocate(words uintptr, isTLAB bool) mem.Address {
	return g.space.ParAllocate(words)
}

// ExpandAndAllocate grows the generation by at least MinHeapDeltaBytes and
// allocates.
func (g *TenuredGeneration) ExpandAndAllocate(words uintptr, isTLAB bool) mem.Address {
	if isTLAB {
		fatalf("buffer allocation requested from %s", g.name)
	}
	g.expand(words*mem.WordSize, g.minHeapDeltaBytes)
	return g.space.Allocate(words)
}

// promote copies o, of size words, into the generation, growing it if
// needed. It returns the null object if there is no room.
func (g *TenuredGeneration) promote(o oop.Obj, words uintptr) oop.Obj {
	p := g.Allocate(words, false)
	if p == mem.Null {
		p = g.ExpandAndAllocate(words, false)
		if p == mem.Null {
			return 0
		}
	}
	return o.CopyTo(p, words)
}

// PromotionAttemptIsSafe reports whether a young collection may expect to
// promote its survivors: either the average promotion volume or the whole
// maxPromotionBytes fits in what is free or can still be committed.
func (g *TenuredGeneration) PromotionAttemptIsSafe(maxPromotionBytes uintptr) bool {
	available := g.maxContiguousAvailable()
	avgPromoted := uintptr(g.avgPromoted.Padded())
	ok := available >= avgPromoted || available >= maxPromotionBytes
	g.h.log.Debug("promotion attempt",
		"available", available,
		"avg_promoted", avgPromoted,
		"max_promotion", maxPromotionBytes,
		"safe", ok)
	return ok
}

// ShouldCollect decides whether a collection reaching the old generation
// must collect it: on request, for allocations it would serve, when it is
// nearly full, or when it grew to take promotions.
func (g *TenuredGeneration) ShouldCollect(full bool, words uintptr, isTLAB bool) bool {
	switch {
	case full:
		g.h.log.Debug("old generation should collect", "because", "full")
	case g.ShouldAllocate(words, isTLAB):
		g.h.log.Debug("old generation should collect", "because", "should allocate", "words", words)
	case g.Free() < 10000:
		g.h.log.Debug("old generation should collect", "because", "free", "bytes", g.Free())
	case g.capacityAtPrologue < g.Capacity():
		g.h.log.Debug("old generation should collect", "because", "expanded", "capacity", g.Capacity())
	default:
		return false
	}
	return true
}

// updateGCStats samples the bytes promoted by a young collection.
func (g *TenuredGeneration) updateGCStats(current Kind, full bool) {
	if full || current != Young {
		return
	}
	used := g.Used()
	promoted := uintptr(0)
	if used > g.usedAtPrologue {
		promoted = used - g.usedAtPrologue
	}
	g.avgPromoted.sample(float64(promoted))
}

// ObjectIterate visits the objects of the only space.
func (g *TenuredGeneration) ObjectIterate(fn func(o oop.Obj)) {
	g.space.ObjectIterate(fn)
}

// collect runs a full collection of the whole heap.
func (g *TenuredGeneration) collect(full, clearAll bool, words uintptr, isTLAB bool) bool {
	g.h.markSweep.invoke(clearAll)
	return true
}
