// Package roots provides the root set of a heap: named global slots and one
// stack of handles per mutator thread. The collector finds every live object
// from these slots and rewrites them in place when objects move, so a
// mutator never keeps a raw object address across an allocation; it keeps a
// Handle and loads the address again.
package roots

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/tinygo-org/gengc/mem"
)

// Set is the root set of one heap.
type Set struct {
	mu      sync.Mutex
	globals map[string]*Global
	threads map[*Thread]struct{}
	seq     int
}

// NewSet returns an empty root set.
func NewSet() *Set {
	return &Set{
		globals: make(map[string]*Global),
		threads: make(map[*Thread]struct{}),
	}
}

// Global is a named root slot.
type Global struct {
	set  *Set
	name string
	slot mem.Address
}

// Global returns the global slot called name, creating a null one on first
// use.
func (s *Set) Global(name string) *Global {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.globals[name]
	if !ok {
		g = &Global{set: s, name: name}
		s.globals[name] = g
	}
	return g
}

// Name returns the name of the slot.
func (g *Global) Name() string { return g.name }

// Get loads the slot.
func (g *Global) Get() mem.Address {
	g.set.mu.Lock()
	defer g.set.mu.Unlock()
	return g.slot
}

// Set stores into the slot.
func (g *Global) Set(a mem.Address) {
	g.set.mu.Lock()
	g.slot = a
	g.set.mu.Unlock()
}

// Thread is the handle stack of one mutator. It is owned by a single
// goroutine.
type Thread struct {
	set     *Set
	name    string
	seq     int
	handles []mem.Address
}

// Handle names a slot of a thread's handle stack.
type Handle int

// NewThread registers a new, empty handle stack.
func (s *Set) NewThread(name string) *Thread {
	t := &Thread{set: s, name: name}
	s.mu.Lock()
	s.seq++
	t.seq = s.seq
	s.threads[t] = struct{}{}
	s.mu.Unlock()
	return t
}

// Release unregisters the thread. Its handles stop being roots.
func (t *Thread) Release() {
	t.set.mu.Lock()
	delete(t.set.threads, t)
	t.set.mu.Unlock()
	t.handles = nil
}

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// Push adds a slot holding a and returns its handle.
func (t *Thread) Push(a mem.Address) Handle {
	t.handles = append(t.handles, a)
	return Handle(len(t.handles) - 1)
}

// Get loads the slot of h.
func (t *Thread) Get(h Handle) mem.Address {
	t.check(h)
	return t.handles[h]
}

// Set stores a into the slot of h.
func (t *Thread) Set(h Handle, a mem.Address) {
	t.check(h)
	t.handles[h] = a
}

// Depth returns the number of live handles, for use with PopTo.
func (t *Thread) Depth() int { return len(t.handles) }

// PopTo drops every handle pushed after the stack had the given depth.
func (t *Thread) PopTo(depth int) {
	if depth < 0 || depth > len(t.handles) {
		panic(errors.AssertionFailedf("roots: pop to depth %d of %d", depth, len(t.handles)))
	}
	clear(t.handles[depth:])
	t.handles = t.handles[:depth]
}

func (t *Thread) check(h Handle) {
	if h < 0 || int(h) >= len(t.handles) {
		panic(errors.AssertionFailedf("roots: handle %d out of range in thread %s (%d handles)", h, t.name, len(t.handles)))
	}
}

// Iterate calls fn with every non-null root slot. The collector calls it
// with the world stopped and may store through the pointer. Globals come
// first, in name order, then the threads in registration order.
func (s *Set) Iterate(fn func(slot *mem.Address)) {
	s.mu.Lock()
	globals := make([]*Global, 0, len(s.globals))
	for _, g := range s.globals {
		globals = append(globals, g)
	}
	threads := make([]*Thread, 0, len(s.threads))
	for t := range s.threads {
		threads = append(threads, t)
	}
	s.mu.Unlock()

	sort.Slice(globals, func(i, j int) bool { return globals[i].name < globals[j].name })
	sort.Slice(threads, func(i, j int) bool { return threads[i].seq < threads[j].seq })
	for _, g := range globals {
		if g.slot != mem.Null {
			fn(&g.slot)
		}
	}
	for _, t := range threads {
		for i := range t.handles {
			if t.handles[i] != mem.Null {
				fn(&t.handles[i])
			}
		}
	}
}

// Count returns the number of non-null root slots.
func (s *Set) Count() int {
	n := 0
	s.Iterate(func(*mem.Address) { n++ })
	return n
}
