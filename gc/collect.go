package gc

import (
	"time"

	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/mem"
)

// Collect runs a collection for cause, young only if maxGen is Young. It
// must not be called from inside a mutator operation. A collection that is
// made redundant by another one finishing first is skipped, except that
// explicit full requests are retried until a full collection ran.
func (h *Heap) Collect(cause Cause, maxGen Kind) {
	gcCountBefore := h.totalCollections.Load()
	fullCountBefore := h.totalFullCollections.Load()
	if h.locker.shouldDiscard(cause, gcCountBefore) {
		h.log.Debug("collection discarded", "cause", cause)
		return
	}
	for {
		h.collectFull(cause, maxGen, gcCountBefore, fullCountBefore)
		if !cause.IsExplicitFullGC() {
			return
		}
		if fullCountBefore != h.totalFullCollections.Load() {
			return
		}
		if h.locker.isActiveAndNeedsGC() {
			h.locker.stallUntilClear()
		}
	}
}

func (h *Heap) collectFull(cause Cause, maxGen Kind, gcCountBefore, fullCountBefore uint64) {
	h.world.Lock()
	defer h.world.Unlock()
	if h.skipOperation(gcCountBefore, fullCountBefore, true) {
		h.log.Debug("collection skipped", "cause", cause)
		return
	}
	h.lastCause = cause
	clearAll := cause == CauseWhiteBoxFullGC || cause == CauseHeapDump
	h.doCollection(true, clearAll, 0, false, maxGen)
	// A young collection may not have run or may have failed because the
	// old generation is too full; the old generation is collected too.
	if cause == CauseGCLocker && h.incrementalCollectionFailed {
		h.log.Debug("collection locker: trying a full collection because the young one failed")
		h.doCollection(true, clearAll, 0, false, Old)
	}
}

// skipOperation reports whether a collection requested when the counts were
// gcCountBefore and fullCountBefore is no longer needed.
func (h *Heap) skipOperation(gcCountBefore, fullCountBefore uint64, full bool) bool {
	skip := gcCountBefore != h.totalCollections.Load()
	if full && skip {
		skip = fullCountBefore != h.totalFullCollections.Load()
	}
	if !skip && h.locker.isActiveAndNeedsGC() {
		// The collection cannot run; only an expansion could help.
		skip = h.IsMaximalNoGC()
	}
	return skip
}

func (h *Heap) incrementTotalCollections(full bool) {
	h.totalCollections.Add(1)
	if full {
		h.totalFullCollections.Add(1)
	}
}

func (h *Heap) gcPrologue(full bool) {
	h.ensureParsability()
	h.young.GCPrologue(full)
	h.old.GCPrologue(full)
}

func (h *Heap) gcEpilogue(full bool) {
	if gcAsserts && h.locker.isActive() {
		fatalf("collection epilogue with a critical section active")
	}
	h.young.GCEpilogue(full)
	h.old.GCEpilogue(full)
}

// doCollection is the collection policy. With the world stopped it runs a
// young collection unless a full collection will collect the young
// generation anyway, then a full collection if maxGen allows one and the
// old generation needs it or the young collection failed.
func (h *Heap) doCollection(full, clearAll bool, words uintptr, isTLAB bool, maxGen Kind) {
	if h.locker.checkActiveBeforeGC() {
		h.log.Debug("collection locked out", "cause", h.lastCause)
		return
	}

	complete := full && maxGen == Old
	oldCollectsYoung := complete && !h.cfg.ScavengeBeforeFullGC
	doYoung := !oldCollectsYoung && h.young.ShouldCollect(full, words, isTLAB)
	doFull := false

	if doYoung {
		p := h.beginPause()
		h.gcPrologue(complete)
		h.incrementTotalCollections(complete)
		ok := h.collectGeneration(h.young, full, words, isTLAB, clearAll)
		if words > 0 && words*mem.WordSize <= h.young.unsafeMaxAllocNoGC() {
			// The young collection made room for the request.
			words = 0
		}
		doFull = maxGen == Old && (h.old.ShouldCollect(full, words, isTLAB) || !ok)
		if !doFull {
			h.young.ComputeNewSize()
			h.gcEpilogue(complete)
		}
		h.endPause(p, "Pause Young")
	} else {
		doFull = maxGen == Old && h.old.ShouldCollect(full, words, isTLAB)
	}

	if !doFull {
		return
	}
	p := h.beginPause()
	if !doYoung {
		h.gcPrologue(complete)
		h.incrementTotalCollections(complete)
	}
	if !complete {
		h.totalFullCollections.Add(1)
	}
	h.collectGeneration(h.old, full, words, isTLAB, clearAll)
	h.old.ComputeNewSize()
	h.young.ComputeNewSize()
	h.gcEpilogue(true)
	h.endPause(p, "Pause Full")
}

func (h *Heap) collectGeneration(g Generation, full bool, words uintptr, isTLAB, clearAll bool) bool {
	var stat *statRecord
	switch g := g.(type) {
	case *DefNewGeneration:
		stat = &g.stat
	case *TenuredGeneration:
		stat = &g.stat
	}
	stat.invocations++
	h.log.Debug("collect generation", "gen", g.Kind(), "invocation", stat.invocations, "bytes", words*mem.WordSize)
	if h.cfg.VerifyBeforeGC {
		h.verify("before collection")
	}

	start := time.Now()
	h.saveMarks()
	var ok bool
	switch g := g.(type) {
	case *DefNewGeneration:
		ok = g.collect(full, clearAll, words, isTLAB)
	case *TenuredGeneration:
		ok = g.collect(full, clearAll, words, isTLAB)
	}
	stat.accumulated += time.Since(start)

	h.old.updateGCStats(g.Kind(), full)
	if h.cfg.VerifyAfterGC {
		h.verify("after collection")
	}
	return ok
}

type pause struct {
	id     uint64
	start  time.Time
	before uintptr
}

func (h *Heap) beginPause() pause {
	h.gcID++
	return pause{id: h.gcID, start: time.Now(), before: h.Used()}
}

func (h *Heap) endPause(p pause, title string) {
	h.log.Info(title,
		"gc", p.id,
		"cause", h.lastCause.String(),
		"before", config.Size(p.before),
		"after", config.Size(h.Used()),
		"capacity", config.Size(h.Capacity()),
		"elapsed", time.Since(p.start))
}
