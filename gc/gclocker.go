package gc

import (
	"sync"
)

// gcLocker keeps collections out while mutators are in critical sections,
// in which they may hold raw addresses of objects. A collection requested
// meanwhile is recorded and run by the last mutator to leave.
type gcLocker struct {
	h    *Heap
	mu   sync.Mutex
	cond *sync.Cond

	lockCount int
	needsGC   bool
	doingGC   bool

	// Collection count when the deferred collection was requested.
	totalCollections uint64
}

func (l *gcLocker) init(h *Heap) {
	l.h = h
	l.cond = sync.NewCond(&l.mu)
}

// isActive reports whether some mutator is in a critical section.
func (l *gcLocker) isActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockCount > 0
}

func (l *gcLocker) isActiveAndNeedsGC() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.needsGC && l.lockCount > 0
}

// checkActiveBeforeGC is called by every collection with the world
// stopped. If a critical section is active the collection does not run and
// is recorded as needed instead.
func (l *gcLocker) checkActiveBeforeGC() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockCount > 0 && !l.needsGC {
		l.needsGC = true
		l.h.log.Debug("collection deferred by critical sections", "count", l.lockCount)
	}
	return l.lockCount > 0
}

// shouldDiscard reports whether a deferred collection is redundant because
// another one ran since it was requested.
func (l *gcLocker) shouldDiscard(cause Cause, totalCollections uint64) bool {
	if cause != CauseGCLocker {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalCollections != totalCollections
}

// stallUntilClear waits until the deferred collection ran. The caller holds
// no world lock.
func (l *gcLocker) stallUntilClear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.needsGC {
		l.h.log.Debug("allocation stalled by critical sections")
	}
	for l.needsGC {
		l.cond.Wait()
	}
}

// lock enters a critical section for m. Entering waits while a collection
// is pending or running.
func (l *gcLocker) lock(m *Mutator) {
	if m.critical > 0 {
		m.critical++
		return
	}
	for {
		// A collection in progress holds the world lock; entering must not
		// overlap it.
		l.h.world.RLock()
		l.mu.Lock()
		if !(l.needsGC && l.lockCount > 0) && !l.doingGC {
			l.lockCount++
			m.critical = 1
			l.mu.Unlock()
			l.h.world.RUnlock()
			return
		}
		l.h.world.RUnlock()
		for (l.needsGC && l.lockCount > 0) || l.doingGC {
			l.cond.Wait()
		}
		l.mu.Unlock()
	}
}

// unlock leaves a critical section. The last mutator out runs the deferred
// collection.
func (l *gcLocker) unlock(m *Mutator) {
	if m.critical == 0 {
		fatalf("mutator %s leaves a critical section it is not in", m.Name())
	}
	m.critical--
	if m.critical > 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lockCount--
	if !l.needsGC || l.lockCount > 0 {
		return
	}
	l.totalCollections = l.h.totalCollections.Load()
	l.doingGC = true
	l.mu.Unlock()
	l.h.log.Debug("performing collection after leaving critical section")
	l.h.Collect(CauseGCLocker, Young)
	l.mu.Lock()
	l.doingGC = false
	l.needsGC = false
	l.cond.Broadcast()
}
