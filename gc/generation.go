// Package gc implements a stop-the-world generational collector over one
// reserved address range: a young generation made of an eden and two
// survivor spaces, collected by copying, and an old generation made of one
// contiguous space, collected by mark-sweep-compact together with the young
// generation. Old to young references are found through a card table kept
// up to date by a write barrier.
//
// The Heap routes allocations, decides which collection to run and falls
// back to a full collection when a young collection cannot promote its
// survivors.
package gc

import (
	"github.com/cockroachdb/errors"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
	"github.com/tinygo-org/gengc/space"
)

// Expensive consistency checks.
const gcAsserts = true

func fatalf(format string, args ...interface{}) {
	panic(errors.AssertionFailedf("gc: "+format, args...))
}

// Kind selects one of the two generations.
type Kind int

const (
	Young Kind = iota
	Old
)

func (k Kind) String() string {
	if k == Young {
		return "young"
	}
	return "old"
}

// Generation is the part of a generation's contract shared by the young and
// the old generation.
type Generation interface {
	Kind() Kind
	Name() string

	// Reserved is the address range the generation may grow into.
	Reserved() mem.Region
	Capacity() uintptr
	Used() uintptr
	Free() uintptr
	MaxCapacity() uintptr
	IsMaximalNoGC() bool

	// IsIn reports whether p lies in the used part of a space.
	IsIn(p mem.Address) bool

	ShouldAllocate(words uintptr, isTLAB bool) bool
	Allocate(words uintptr, isTLAB bool) mem.Address
	ParAllocate(words uintptr, isTLAB bool) mem.Address
	ExpandAndAllocate(words uintptr, isTLAB bool) mem.Address
	ShouldCollect(full bool, words uintptr, isTLAB bool) bool

	GCPrologue(full bool)
	GCEpilogue(full bool)
	ComputeNewSize()

	SaveMarks()
	NoAllocsSinceSaveMarks() bool

	// Spaces returns the spaces of the generation in compaction order.
	Spaces() []*space.ContiguousSpace
	ObjectIterate(fn func(o oop.Obj))
	BlockStart(p mem.Address) mem.Address
	BlockSize(p mem.Address) uintptr
	BlockIsObj(p mem.Address) bool

	Stats() GenerationStats
}

// generation holds the state common to both generations.
type generation struct {
	h        *Heap
	name     string
	reserved mem.Region
	vs       mem.VirtualSpace
	stat     statRecord
}

func (g *generation) Name() string         { return g.name }
func (g *generation) Reserved() mem.Region { return g.reserved }

// MaxCapacity is the reserved size.
func (g *generation) MaxCapacity() uintptr { return g.reserved.ByteSize() }

// IsMaximalNoGC reports whether the generation cannot grow any more.
func (g *generation) IsMaximalNoGC() bool { return g.vs.UncommittedSize() == 0 }

// overflowLimit bounds word counts so that converting them to bytes cannot
// wrap.
const overflowLimit = uintptr(1) << (mem.BitsPerWord - mem.LogWordSize)

func spaceContaining(spaces []*space.ContiguousSpace, p mem.Address) *space.ContiguousSpace {
	for _, s := range spaces {
		if s.Contains(p) {
			return s
		}
	}
	return nil
}

func blockStartIn(g Generation, p mem.Address) mem.Address {
	s := spaceContaining(g.Spaces(), p)
	if s == nil {
		fatalf("%s: block start query %v outside every space", g.Name(), p)
	}
	return s.BlockStart(p)
}

func blockSizeIn(g Generation, p mem.Address) uintptr {
	s := spaceContaining(g.Spaces(), p)
	if s == nil {
		fatalf("%s: block size query %v outside every space", g.Name(), p)
	}
	return s.BlockSize(p)
}

func blockIsObjIn(g Generation, p mem.Address) bool {
	s := spaceContaining(g.Spaces(), p)
	if s == nil {
		fatalf("%s: block query %v outside every space", g.Name(), p)
	}
	return s.BlockIsObj(p)
}
