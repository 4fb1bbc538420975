package gc

import (
	"time"

	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
	"github.com/tinygo-org/gengc/space"
)

// markSweep is the full collector: it marks everything reachable from the
// roots and slides the live objects of the old generation, then eden, then
// the survivor spaces, towards the bottom of the old generation.
type markSweep struct {
	h           *Heap
	invocations uint

	markStack []oop.Obj
	preserved PreservedMarks

	// Spaces that went through PrepareForCompaction this cycle.
	prepared []*space.ContiguousSpace
}

func (ms *markSweep) phase(name string, fn func()) {
	start := time.Now()
	fn()
	ms.h.log.Debug(name, "elapsed", time.Since(start))
}

// invoke collects the whole heap. The world is stopped and the marks of all
// generations were saved.
func (ms *markSweep) invoke(clearAll bool) {
	h := ms.h
	ms.invocations++
	prevUsed := h.old.space.UsedRegion()

	ms.phase("Phase 1: Mark live objects", ms.markFromRoots)
	ms.phase("Phase 2: Compute new object addresses", func() { ms.computeNewAddresses(clearAll) })
	ms.phase("Phase 3: Adjust pointers", ms.adjustPointers)
	ms.phase("Phase 4: Move objects", ms.compact)

	ms.preserved.Restore()
	ms.prepared = ms.prepared[:0]
	clear(ms.markStack[:cap(ms.markStack)])
	ms.markStack = ms.markStack[:0]
	h.saveMarks()

	// With the young generation empty no old object can point into it.
	// Otherwise the surviving old objects moved and their cards are stale.
	if h.young.Used() == 0 {
		h.remSet.ClearIntoYounger(prevUsed)
	} else {
		h.remSet.InvalidateOrClear(prevUsed, h.old.space.UsedRegion())
	}
}

func (ms *markSweep) markAndPush(p mem.Address) {
	o := oop.Obj(p)
	m := o.Mark()
	if m.IsMarked() {
		return
	}
	ms.preserved.PushIfNecessary(o, m)
	o.SetMark(oop.MarkedPrototype())
	ms.markStack = append(ms.markStack, o)
}

func (ms *markSweep) markField(field mem.Address) {
	if p := mem.LoadAddress(field); p != mem.Null {
		ms.markAndPush(p)
	}
}

func (ms *markSweep) markFromRoots() {
	ms.h.roots.Iterate(func(slot *mem.Address) {
		ms.markAndPush(*slot)
	})
	for len(ms.markStack) > 0 {
		n := len(ms.markStack) - 1
		o := ms.markStack[n]
		ms.markStack = ms.markStack[:n]
		o.IterateRefs(ms.markField)
	}
}

// alwaysCompact reports whether this cycle must leave no dead wood.
func (ms *markSweep) alwaysCompact(clearAll bool) bool {
	count := ms.h.cfg.MarkSweepAlwaysCompactCount
	return clearAll || count <= 1 || ms.invocations%count == 0
}

func (ms *markSweep) computeNewAddresses(clearAll bool) {
	maximal := ms.alwaysCompact(clearAll)
	young, old := ms.h.young, ms.h.old

	// The old generation is compacted into first. Once it is full the
	// compaction carries on in eden.
	cp := space.CompactPoint{Younger: young.eden}
	ms.prepare(old.space, &cp, maximal)
	for s := young.eden; s != nil; s = s.NextCompactionSpace() {
		ms.prepare(s, &cp, maximal)
	}
}

func (ms *markSweep) prepare(s *space.ContiguousSpace, cp *space.CompactPoint, maximal bool) {
	s.PrepareForCompaction(cp, maximal)
	ms.prepared = append(ms.prepared, s)
}

func adjustField(field mem.Address) {
	p := mem.LoadAddress(field)
	if p == mem.Null {
		return
	}
	if o := oop.Obj(p); o.IsForwarded() {
		mem.StoreAddress(field, o.Forwardee().Addr())
	}
}

func (ms *markSweep) adjustPointers() {
	ms.h.roots.Iterate(func(slot *mem.Address) {
		if o := oop.Obj(*slot); o.IsForwarded() {
			*slot = o.Forwardee().Addr()
		}
	})
	ms.preserved.AdjustDuringFullGC()
	for _, s := range ms.prepared {
		s.AdjustPointers(func(o oop.Obj) {
			o.IterateRefs(adjustField)
		})
	}
}

// compact moves the objects. Destinations lie below their sources or in an
// already compacted space, so the spaces go in preparation order.
func (ms *markSweep) compact() {
	for _, s := range ms.prepared {
		s.Compact()
	}
}
