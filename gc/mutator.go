package gc

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
	"github.com/tinygo-org/gengc/roots"
)

// tlab is a thread-local allocation buffer carved out of eden. The last
// MinObjectWords words past end are kept back so that the unused rest can
// always be filled when the buffer is retired.
type tlab struct {
	start mem.Address
	top   mem.Address
	end   mem.Address
}

func (t *tlab) set(p mem.Address, words uintptr) {
	t.start = p
	t.top = p
	t.end = p.AddWords(words - oop.MinObjectWords)
}

func (t *tlab) allocate(words uintptr) mem.Address {
	if t.start == mem.Null || words > mem.Delta(t.end, t.top) {
		return mem.Null
	}
	p := t.top
	t.top = p.AddWords(words)
	return p
}

// retire fills the unused part of the buffer and forgets it.
func (t *tlab) retire() {
	if t.start == mem.Null {
		return
	}
	hardEnd := t.end.AddWords(oop.MinObjectWords)
	oop.Fill(t.top, mem.Delta(hardEnd, t.top))
	*t = tlab{}
}

// Mutator is a goroutine using the heap. It reaches objects through
// handles on its own handle stack, which are roots, and allocates from its
// own buffer. A Mutator must only be used by one goroutine at a time, and
// every method is a safepoint: collections run between calls, never during
// one, except while the mutator waits for an allocation.
type Mutator struct {
	h         *Heap
	thread    *roots.Thread
	tlab      tlab
	tlabWords uintptr
	critical  int
	allocated uint64
	refills   int
}

// NewMutator registers a mutator called name.
func (h *Heap) NewMutator(name string) *Mutator {
	m := &Mutator{
		h:      h,
		thread: h.roots.NewThread(name),
	}
	if h.cfg.UseTLAB {
		m.tlabWords = max(h.cfg.TLABSize.Bytes()/mem.WordSize, 2*oop.MinObjectWords)
	}
	h.world.RLock()
	h.mutatorsMu.Lock()
	h.mutators[m] = struct{}{}
	h.mutatorsMu.Unlock()
	h.world.RUnlock()
	return m
}

// Release retires the buffer of the mutator and drops its handles.
func (m *Mutator) Release() {
	if m.critical > 0 {
		fatalf("mutator %s released inside a critical section", m.Name())
	}
	h := m.h
	h.world.RLock()
	h.mutatorsMu.Lock()
	delete(h.mutators, m)
	h.mutatorsMu.Unlock()
	m.tlab.retire()
	m.thread.Release()
	h.world.RUnlock()
}

// Name returns the mutator name.
func (m *Mutator) Name() string { return m.thread.Name() }

// AllocatedBytes returns the bytes this mutator allocated.
func (m *Mutator) AllocatedBytes() uint64 { return m.allocated }

func (m *Mutator) String() string {
	return fmt.Sprintf("mutator %s (%d handles, %d buffer refills)", m.Name(), m.thread.Depth(), m.refills)
}

// Allocate creates an object of layout l and returns a handle to it.
func (m *Mutator) Allocate(l oop.Layout) (roots.Handle, error) {
	if !l.IsValid() || l.IsFiller() {
		return 0, errors.Newf("gc: bad object layout %v", l)
	}
	m.h.world.RLock()
	defer m.h.world.RUnlock()
	return m.allocate(l)
}

// New creates an object with refs reference fields and payload words of
// data.
func (m *Mutator) New(refs, payload uintptr) (roots.Handle, error) {
	return m.Allocate(oop.MakeLayout(oop.HeaderWords+refs+payload, refs))
}

func (m *Mutator) install(p mem.Address, l oop.Layout) roots.Handle {
	o := oop.Obj(p)
	o.Initialize(l)
	m.allocated += uint64(l.Size() * mem.WordSize)
	return m.thread.Push(p)
}

// allocate runs with the world lock held shared.
func (m *Mutator) allocate(l oop.Layout) (roots.Handle, error) {
	words := l.Size()
	for m.tlabWords > 0 && words < m.tlabWords/2 {
		if p := m.tlab.allocate(words); p != mem.Null {
			return m.install(p, l), nil
		}
		m.tlab.retire()
		err := m.h.memAllocate(m, m.tlabWords, true, func(p mem.Address) {
			m.tlab.set(p, m.tlabWords)
		})
		if err != nil {
			if errors.Is(err, ErrInCriticalSection) {
				return 0, err
			}
			// Fall back to allocating the object alone.
			break
		}
		m.refills++
	}

	var h roots.Handle
	err := m.h.memAllocate(m, words, false, func(p mem.Address) {
		h = m.install(p, l)
	})
	return h, err
}

// Obj returns the current address of the object of h. Another mutator may
// collect at any time, so the address only stays valid inside a critical
// section.
func (m *Mutator) Obj(h roots.Handle) oop.Obj {
	return oop.Obj(m.thread.Get(h))
}

// Store sets reference field i of the object of obj to the object of val.
func (m *Mutator) Store(obj roots.Handle, i uintptr, val roots.Handle) {
	m.h.world.RLock()
	defer m.h.world.RUnlock()
	m.h.StoreRef(m.Obj(obj), i, m.Obj(val))
}

// StoreNull clears reference field i of the object of obj.
func (m *Mutator) StoreNull(obj roots.Handle, i uintptr) {
	m.h.world.RLock()
	defer m.h.world.RUnlock()
	m.h.StoreRef(m.Obj(obj), i, 0)
}

// Load returns a new handle to reference field i of the object of obj. The
// second result is false if the field is null; no handle is pushed then.
func (m *Mutator) Load(obj roots.Handle, i uintptr) (roots.Handle, bool) {
	m.h.world.RLock()
	defer m.h.world.RUnlock()
	v := m.h.LoadRef(m.Obj(obj), i)
	if v.IsNull() {
		return 0, false
	}
	return m.thread.Push(v.Addr()), true
}

// SetWord sets payload word i of the object of obj.
func (m *Mutator) SetWord(obj roots.Handle, i uintptr, v uintptr) {
	m.h.world.RLock()
	defer m.h.world.RUnlock()
	o := m.Obj(obj)
	m.checkPayload(o, i)
	mem.StoreWord(o.PayloadAddr().AddWords(i), v)
}

// Word returns payload word i of the object of obj.
func (m *Mutator) Word(obj roots.Handle, i uintptr) uintptr {
	m.h.world.RLock()
	defer m.h.world.RUnlock()
	o := m.Obj(obj)
	m.checkPayload(o, i)
	return mem.LoadWord(o.PayloadAddr().AddWords(i))
}

func (m *Mutator) checkPayload(o oop.Obj, i uintptr) {
	if i >= o.PayloadWords() {
		fatalf("payload word %d of %v out of range (%d words)", i, o.Addr(), o.PayloadWords())
	}
}

// IdentityHash returns the identity hash of the object of obj. It does not
// change when the object moves.
func (m *Mutator) IdentityHash(obj roots.Handle) uint32 {
	m.h.world.RLock()
	defer m.h.world.RUnlock()
	return m.Obj(obj).IdentityHash()
}

// Push adds a handle to the object of h, for instance to keep it while
// popping the handles above it.
func (m *Mutator) Push(h roots.Handle) roots.Handle {
	m.h.world.RLock()
	defer m.h.world.RUnlock()
	return m.thread.Push(m.thread.Get(h))
}

// Assign makes dst refer to the object of src.
func (m *Mutator) Assign(dst, src roots.Handle) {
	m.h.world.RLock()
	defer m.h.world.RUnlock()
	m.thread.Set(dst, m.thread.Get(src))
}

// Depth returns the number of handles of the mutator.
func (m *Mutator) Depth() int { return m.thread.Depth() }

// PopTo drops the handles pushed since the stack had depth handles.
func (m *Mutator) PopTo(depth int) {
	m.h.world.RLock()
	defer m.h.world.RUnlock()
	m.thread.PopTo(depth)
}

// StoreGlobal makes the object of h reachable from the global root name.
func (m *Mutator) StoreGlobal(name string, h roots.Handle) {
	m.h.world.RLock()
	defer m.h.world.RUnlock()
	m.h.roots.Global(name).Set(m.thread.Get(h))
}

// ClearGlobal nulls the global root name.
func (m *Mutator) ClearGlobal(name string) {
	m.h.world.RLock()
	defer m.h.world.RUnlock()
	m.h.roots.Global(name).Set(mem.Null)
}

// LoadGlobal pushes a handle to the object of the global root name.
func (m *Mutator) LoadGlobal(name string) (roots.Handle, bool) {
	m.h.world.RLock()
	defer m.h.world.RUnlock()
	p := m.h.roots.Global(name).Get()
	if p == mem.Null {
		return 0, false
	}
	return m.thread.Push(p), true
}

// EnterCritical starts a critical section: until ExitCritical no
// collection runs, so the addresses returned by Obj stay valid. Critical
// sections nest.
func (m *Mutator) EnterCritical() { m.h.locker.lock(m) }

// ExitCritical ends a critical section. Leaving the last one runs the
// collection it held back, if any.
func (m *Mutator) ExitCritical() { m.h.locker.unlock(m) }

// InCritical reports whether the mutator is in a critical section.
func (m *Mutator) InCritical() bool { return m.critical > 0 }
