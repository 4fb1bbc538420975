package gc

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tinygo-org/gengc/cardtable"
	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
	"github.com/tinygo-org/gengc/roots"
	"github.com/tinygo-org/gengc/space"
	"golang.org/x/exp/slog"
)

var (
	// ErrOutOfMemory is returned when an allocation cannot be satisfied even
	// after a maximally compacting full collection.
	ErrOutOfMemory = errors.New("gc: out of memory")

	// ErrInCriticalSection is returned to a mutator that needs a collection
	// while it holds a critical section itself.
	ErrInCriticalSection = errors.New("gc: allocation needs a collection inside a critical section")

	errLockedOut = errors.New("gc: collection locked out")
)

// Generations are sized in multiples of this, or of the page size if that
// is larger.
const genGrain = 64 << 10

// Heap is a two-generation heap in one reserved address range: the young
// generation at the low end, the old generation above it.
type Heap struct {
	cfg          config.Config
	log          *slog.Logger
	rs           *mem.Reservation
	genAlignment uintptr

	remSet    *cardtable.RemSet
	young     *DefNewGeneration
	old       *TenuredGeneration
	markSweep markSweep
	roots     *roots.Set
	locker    gcLocker

	// world is the safepoint: mutators hold it shared for every heap
	// operation, collections hold it exclusively.
	world sync.RWMutex
	// heapLock serializes the allocation slow path of mutators.
	heapLock sync.Mutex

	mutatorsMu sync.Mutex
	mutators   map[*Mutator]struct{}

	// Written with the world stopped.
	incrementalCollectionFailed bool
	lastCause                   Cause
	gcID                        uint64
	verifier                    func(*Heap) error
	closed                      bool

	totalCollections     atomic.Uint64
	totalFullCollections atomic.Uint64
}

// New reserves and commits the heap described by cfg. Missing sizes are
// derived from the others. A nil logger discards the log.
func New(cfg config.Config, log *slog.Logger) (*Heap, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Heap{
		cfg:          cfg,
		log:          log,
		genAlignment: max(genGrain, mem.PageSize()),
		roots:        roots.NewSet(),
		mutators:     make(map[*Mutator]struct{}),
	}
	h.markSweep.h = h
	h.locker.init(h)
	if err := h.cfg.Resolve(h.genAlignment); err != nil {
		return nil, errors.Wrap(err, "gc: configuration")
	}

	rs, err := mem.Reserve(h.cfg.MaxHeapSize.Bytes(), h.genAlignment)
	if err != nil {
		return nil, errors.Wrap(err, "gc: reserve heap")
	}
	rs.SetCommitLimit(h.cfg.CommitLimit.Bytes())
	h.rs = rs
	youngRS, oldRS := rs.Split(h.cfg.MaxNewSize.Bytes())

	if h.remSet, err = cardtable.NewRemSet(rs.Region()); err != nil {
		rs.Release()
		return nil, err
	}
	if h.young, err = newDefNew(h, youngRS, h.cfg.NewSize.Bytes()); err != nil {
		h.remSet.Release()
		rs.Release()
		return nil, errors.Wrap(err, "gc: young generation")
	}
	if h.old, err = newTenured(h, oldRS, h.cfg.OldSize().Bytes()); err != nil {
		h.remSet.Release()
		rs.Release()
		return nil, errors.Wrap(err, "gc: old generation")
	}
	h.young.old = h.old

	h.log.Info("heap initialized",
		"reserved", h.Reserved(),
		"initial", h.cfg.InitialHeapSize,
		"max", h.cfg.MaxHeapSize,
		"young", h.cfg.NewSize,
		"max_young", h.cfg.MaxNewSize,
		"eden", config.Size(h.young.eden.Capacity()),
		"survivor", config.Size(h.young.from.Capacity()))
	return h, nil
}

// Close releases the memory of the heap. Nothing may use it afterwards.
func (h *Heap) Close() error {
	h.world.Lock()
	defer h.world.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	var errs error
	if err := h.old.bts.Release(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if err := h.remSet.Release(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if err := h.rs.Release(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}

// Config returns the resolved configuration.
func (h *Heap) Config() config.Config { return h.cfg }

// Logger returns the logger of the heap.
func (h *Heap) Logger() *slog.Logger { return h.log }

// Roots returns the root set. Collections find every live object from it.
func (h *Heap) Roots() *roots.Set { return h.roots }

// RemSet returns the remembered set of the old generation.
func (h *Heap) RemSet() *cardtable.RemSet { return h.remSet }

func (h *Heap) Young() *DefNewGeneration { return h.young }
func (h *Heap) Old() *TenuredGeneration  { return h.old }

// Generations returns the young and the old generation.
func (h *Heap) Generations() []Generation {
	return []Generation{h.young, h.old}
}

// Reserved returns the whole address range of the heap.
func (h *Heap) Reserved() mem.Region { return h.rs.Region() }

// IsInReserved reports whether p lies in the reserved range.
func (h *Heap) IsInReserved(p mem.Address) bool { return h.Reserved().Contains(p) }

// IsIn reports whether p lies in the allocated part of some space.
func (h *Heap) IsIn(p mem.Address) bool { return h.young.IsIn(p) || h.old.IsIn(p) }

// IsInYoung reports whether p lies in the young generation's reservation.
func (h *Heap) IsInYoung(p mem.Address) bool { return h.young.Reserved().Contains(p) }

// IsInOld reports whether p lies in the old generation's reservation.
func (h *Heap) IsInOld(p mem.Address) bool { return h.old.Reserved().Contains(p) }

func (h *Heap) Capacity() uintptr    { return h.young.Capacity() + h.old.Capacity() }
func (h *Heap) Used() uintptr        { return h.young.Used() + h.old.Used() }
func (h *Heap) MaxCapacity() uintptr { return h.young.MaxCapacity() + h.old.MaxCapacity() }

// IsMaximalNoGC reports whether neither generation can grow.
func (h *Heap) IsMaximalNoGC() bool {
	return h.young.IsMaximalNoGC() && h.old.IsMaximalNoGC()
}

// TotalCollections counts the collections started, young and full.
func (h *Heap) TotalCollections() uint64 { return h.totalCollections.Load() }

// TotalFullCollections counts the full collections started.
func (h *Heap) TotalFullCollections() uint64 { return h.totalFullCollections.Load() }

// IncrementalCollectionFailed reports whether the last young collection
// could not be completed or is expected to fail.
func (h *Heap) IncrementalCollectionFailed() bool { return h.incrementalCollectionFailed }

// SetVerifier installs a check run before and after collections when
// VerifyBeforeGC or VerifyAfterGC is set. A failing check is fatal.
func (h *Heap) SetVerifier(fn func(*Heap) error) { h.verifier = fn }

func (h *Heap) verify(when string) {
	if h.verifier == nil {
		return
	}
	start := time.Now()
	if err := h.verifier(h); err != nil {
		fatalf("heap verification %s failed: %+v", when, err)
	}
	h.log.Debug("verified", "when", when, "elapsed", time.Since(start))
}

// generationOf returns the generation whose reservation holds p.
func (h *Heap) generationOf(p mem.Address) Generation {
	if h.IsInYoung(p) {
		return h.young
	}
	if h.IsInOld(p) {
		return h.old
	}
	fatalf("address %v outside the heap %v", p, h.Reserved())
	return nil
}

// BlockStart returns the start of the block holding p. The heap must be
// parsable, see AtSafepoint.
func (h *Heap) BlockStart(p mem.Address) mem.Address { return h.generationOf(p).BlockStart(p) }

// BlockSize returns the size in words of the block starting at p.
func (h *Heap) BlockSize(p mem.Address) uintptr { return h.generationOf(p).BlockSize(p) }

// BlockIsObj reports whether the block at p holds an object.
func (h *Heap) BlockIsObj(p mem.Address) bool { return h.generationOf(p).BlockIsObj(p) }

// SpaceIterate calls fn for every space, young generation first.
func (h *Heap) SpaceIterate(fn func(g Generation, s *space.ContiguousSpace)) {
	for _, g := range h.Generations() {
		for _, s := range g.Spaces() {
			fn(g, s)
		}
	}
}

// ObjectIterate calls fn for every object, young generation first. The heap
// must be parsable, see AtSafepoint.
func (h *Heap) ObjectIterate(fn func(o oop.Obj)) {
	h.young.ObjectIterate(fn)
	h.old.ObjectIterate(fn)
}

// AtSafepoint runs fn with the world stopped and every allocation buffer
// retired, so that the heap can be walked.
func (h *Heap) AtSafepoint(fn func()) {
	h.world.Lock()
	defer h.world.Unlock()
	h.ensureParsability()
	fn()
}

// ensureParsability fills the unused part of every allocation buffer.
func (h *Heap) ensureParsability() {
	h.mutatorsMu.Lock()
	defer h.mutatorsMu.Unlock()
	for m := range h.mutators {
		m.tlab.retire()
	}
}

func (h *Heap) mutatorCount() int {
	h.mutatorsMu.Lock()
	defer h.mutatorsMu.Unlock()
	return len(h.mutators)
}

func (h *Heap) saveMarks() {
	h.young.SaveMarks()
	h.old.SaveMarks()
}

// Stats returns a snapshot of the counters.
func (h *Heap) Stats() Stats {
	h.world.RLock()
	defer h.world.RUnlock()
	return Stats{
		TotalCollections:     uint(h.totalCollections.Load()),
		TotalFullCollections: uint(h.totalFullCollections.Load()),
		LastCause:            h.lastCause,
		Young:                h.young.Stats(),
		Old:                  h.old.Stats(),
		PromotionFailures:    h.young.promotionFailures,
		PromotedBytes:        h.young.promotedBytes,
		SurvivedBytes:        h.young.survivedBytes,
		TenuringThreshold:    h.young.tenuringThreshold,
		AvgPromoted:          h.old.avgPromoted.Padded(),
		Expansions:           h.old.expansions,
		Shrinks:              h.old.shrinks,
	}
}

// WriteBarrier records a reference store into field.
func (h *Heap) WriteBarrier(field mem.Address) {
	h.remSet.WriteRefField(field)
}

// StoreRef sets reference field i of obj to val. Only stores into old
// objects can create references the young collector must find, so only
// they go through the barrier.
func (h *Heap) StoreRef(obj oop.Obj, i uintptr, val oop.Obj) {
	obj.SetRef(i, val)
	if h.IsInOld(obj.Addr()) {
		h.WriteBarrier(obj.RefAddr(i))
	}
}

// LoadRef returns reference field i of obj.
func (h *Heap) LoadRef(obj oop.Obj, i uintptr) oop.Obj {
	return obj.Ref(i)
}
