package gc

import (
	"github.com/cockroachdb/errors"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
)

// Allocation attempts between two warnings about a looping allocation.
const queuedAllocationWarningCount = 1000

// Allocate returns a block of words words, filled so the heap stays
// parsable. The block may move at the next collection unless it is
// referenced from a root.
func (h *Heap) Allocate(words uintptr, isTLAB bool) (mem.Address, error) {
	var p mem.Address
	h.world.RLock()
	defer h.world.RUnlock()
	err := h.memAllocate(nil, words, isTLAB, func(q mem.Address) {
		oop.Fill(q, words)
		p = q
	})
	return p, err
}

// AllocateObject returns a new object of layout l with null references and
// a zero payload. The object may move at the next collection unless it is
// referenced from a root.
func (h *Heap) AllocateObject(l oop.Layout) (oop.Obj, error) {
	if !l.IsValid() || l.IsFiller() {
		return 0, errors.Newf("gc: bad object layout %v", l)
	}
	var o oop.Obj
	h.world.RLock()
	defer h.world.RUnlock()
	err := h.memAllocate(nil, l.Size(), false, func(q mem.Address) {
		o = oop.Obj(q)
		o.Initialize(l)
	})
	return o, err
}

// memAllocate finds words words and passes their address to install, while
// the address is still valid. The caller holds the world lock shared; it is
// released and taken again around a collection. m is the allocating
// mutator, if any.
func (h *Heap) memAllocate(m *Mutator, words uintptr, isTLAB bool, install func(mem.Address)) error {
	stalls := uint(0)
	for try := 1; ; try++ {
		if h.young.ShouldAllocate(words, isTLAB) {
			if p := h.young.ParAllocate(words, isTLAB); p != mem.Null {
				install(p)
				return nil
			}
		}

		h.heapLock.Lock()
		firstOnly := !h.shouldTryOlderGenerationAllocation(words)
		if p := h.attemptAllocation(words, isTLAB, firstOnly); p != mem.Null {
			h.heapLock.Unlock()
			install(p)
			return nil
		}

		if h.locker.isActiveAndNeedsGC() {
			if isTLAB {
				// The caller allocates the object on its own instead.
				h.heapLock.Unlock()
				return errLockedOut
			}
			if !h.IsMaximalNoGC() {
				if p := h.expandHeapAndAllocate(words, isTLAB); p != mem.Null {
					h.heapLock.Unlock()
					install(p)
					return nil
				}
			}
			h.heapLock.Unlock()
			if stalls > h.cfg.GCLockerRetryAllocationCount {
				return errors.Wrapf(ErrOutOfMemory, "allocating %d words with collections locked out", words)
			}
			if m != nil && m.critical > 0 {
				return errors.Wrapf(ErrInCriticalSection, "allocating %d words", words)
			}
			// The last mutator leaving its critical section collects; the
			// allocation is retried from the start afterwards.
			h.world.RUnlock()
			h.locker.stallUntilClear()
			h.world.RLock()
			stalls++
			continue
		}

		gcCountBefore := h.totalCollections.Load()
		h.heapLock.Unlock()

		h.world.RUnlock()
		res := h.collectForAllocation(words, isTLAB, gcCountBefore, install)
		h.world.RLock()

		switch res {
		case allocSucceeded:
			return nil
		case allocFailed:
			return errors.Wrapf(ErrOutOfMemory, "allocating %d words", words)
		}
		if try%queuedAllocationWarningCount == 0 {
			h.log.Warn("allocation retried many times", "tries", try, "words", words)
		}
	}
}

type allocResult int

const (
	allocSucceeded allocResult = iota
	allocFailed
	// The collection was skipped because another one ran first.
	allocSkipped
	// The collection was locked out by a critical section.
	allocLocked
)

// collectForAllocation stops the world and makes room for the allocation.
func (h *Heap) collectForAllocation(words uintptr, isTLAB bool, gcCountBefore uint64, install func(mem.Address)) allocResult {
	h.world.Lock()
	defer h.world.Unlock()
	if h.skipOperation(gcCountBefore, 0, false) {
		return allocSkipped
	}
	h.lastCause = CauseAllocationFailure
	p := h.satisfyFailedAllocation(words, isTLAB)
	if p == mem.Null {
		if h.locker.isActiveAndNeedsGC() {
			return allocLocked
		}
		return allocFailed
	}
	install(p)
	return allocSucceeded
}

// shouldTryOlderGenerationAllocation reports whether the old generation
// should be tried before collecting: for requests larger than eden, when
// collections are locked out, and when young collections are failing.
func (h *Heap) shouldTryOlderGenerationAllocation(words uintptr) bool {
	return words > h.young.CapacityBeforeGC()/mem.WordSize ||
		h.locker.isActiveAndNeedsGC() ||
		h.incrementalCollectionFailed
}

// attemptAllocation tries the young generation and then, unless firstOnly
// is set, the old one.
func (h *Heap) attemptAllocation(words uintptr, isTLAB, firstOnly bool) mem.Address {
	if h.young.ShouldAllocate(words, isTLAB) {
		p := h.young.Allocate(words, isTLAB)
		if p != mem.Null || firstOnly {
			return p
		}
	}
	if h.old.ShouldAllocate(words, isTLAB) {
		return h.old.Allocate(words, isTLAB)
	}
	return mem.Null
}

func (h *Heap) expandHeapAndAllocate(words uintptr, isTLAB bool) mem.Address {
	p := mem.Null
	if h.old.ShouldAllocate(words, isTLAB) {
		p = h.old.ExpandAndAllocate(words, isTLAB)
	}
	if p == mem.Null && h.young.ShouldAllocate(words, isTLAB) {
		p = h.young.ExpandAndAllocate(words, isTLAB)
	}
	return p
}

// satisfyFailedAllocation collects, with the world stopped, until the
// request fits: a young collection (or a full one if young collections are
// failing), then an expansion, then a maximally compacting full collection.
func (h *Heap) satisfyFailedAllocation(words uintptr, isTLAB bool) mem.Address {
	if h.locker.isActiveAndNeedsGC() {
		// No collection can run; expand if possible.
		if !h.IsMaximalNoGC() {
			return h.expandHeapAndAllocate(words, isTLAB)
		}
		return mem.Null
	}
	if !h.incrementalCollectionFailed {
		h.doCollection(false, false, words, isTLAB, Old)
	} else {
		h.log.Debug("trying a full collection because a young one may fail")
		h.doCollection(true, false, words, isTLAB, Old)
	}

	if p := h.attemptAllocation(words, isTLAB, false); p != mem.Null {
		return p
	}
	if p := h.expandHeapAndAllocate(words, isTLAB); p != mem.Null {
		return p
	}

	// Out of memory unless a maximal compaction frees enough.
	h.lastCause = CauseLastDitch
	h.doCollection(true, true, words, isTLAB, Old)
	h.lastCause = CauseAllocationFailure
	return h.attemptAllocation(words, isTLAB, false)
}
