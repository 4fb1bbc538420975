// Package space implements contiguous heap spaces: the eden and survivor
// spaces of the young generation and the single space of the old generation.
// A space is a region [bottom, end) allocated into by bumping top. Every
// word in [bottom, top) belongs to an object or a filler block, so a space
// can be walked linearly.
//
// Old generation spaces carry a block-offset table, which is told about
// every block allocated and lets BlockStart find object starts quickly.
package space

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/tinygo-org/gengc/bot"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
)

func fatalf(format string, args ...interface{}) {
	panic(errors.AssertionFailedf("space: "+format, args...))
}

// ContiguousSpace is a bump-pointer space.
type ContiguousSpace struct {
	name   string
	bottom mem.Address
	end    mem.Address
	top    atomic.Uintptr

	savedMark mem.Address

	// Set for old generation spaces only.
	offsets    *bot.ContigSpaceArray
	parAllocMu sync.Mutex

	// Compaction state, see compact.go.
	allowedDeadRatio    uintptr
	compactionTop       mem.Address
	nextCompactionSpace *ContiguousSpace
	firstDead           mem.Address
	endOfLive           mem.Address
}

// New returns a young generation space covering mr, empty.
func New(name string, mr mem.Region) *ContiguousSpace {
	s := &ContiguousSpace{name: name}
	s.Initialize(mr, true)
	return s
}

// NewTenured returns an old generation space covering mr whose blocks are
// recorded in a block-offset table backed by array. allowedDeadRatio is the
// percentage of the capacity that a full collection may leave as dead wood
// instead of compacting it away.
func NewTenured(name string, array *bot.SharedArray, mr mem.Region, allowedDeadRatio uintptr) *ContiguousSpace {
	s := &ContiguousSpace{
		name:             name,
		offsets:          bot.NewContigSpaceArray(array, mr),
		allowedDeadRatio: allowedDeadRatio,
	}
	s.bottom = mr.Start
	s.end = mr.End
	s.offsets.SetSpace(s)
	s.Initialize(mr, true)
	return s
}

// Initialize sets the bounds of the space. If clear is set the space is
// emptied.
func (s *ContiguousSpace) Initialize(mr mem.Region, clear bool) {
	if mr.IsEmpty() && mr.Start != mr.End {
		fatalf("bad space region %v", mr)
	}
	s.bottom = mr.Start
	s.SetEnd(mr.End)
	if clear {
		s.Clear()
	}
	s.compactionTop = s.bottom
	s.nextCompactionSpace = nil
}

// Name returns the name used in logs.
func (s *ContiguousSpace) Name() string { return s.name }

// IsTenured reports whether the space has a block-offset table.
func (s *ContiguousSpace) IsTenured() bool { return s.offsets != nil }

// Offsets returns the block-offset table of an old generation space.
func (s *ContiguousSpace) Offsets() *bot.ContigSpaceArray { return s.offsets }

// Bottom returns the lowest address of the space.
func (s *ContiguousSpace) Bottom() mem.Address { return s.bottom }

// End returns the address just past the space.
func (s *ContiguousSpace) End() mem.Address { return s.end }

// Top returns the allocation pointer.
func (s *ContiguousSpace) Top() mem.Address { return mem.Address(s.top.Load()) }

// SetTop moves the allocation pointer. Only the collector does this.
func (s *ContiguousSpace) SetTop(top mem.Address) {
	if top < s.bottom || top > s.end {
		fatalf("top %v outside %v", top, s.Region())
	}
	s.top.Store(uintptr(top))
}

// SetEnd moves the end of the space, resizing the block-offset table first
// for old generation spaces.
func (s *ContiguousSpace) SetEnd(end mem.Address) {
	if s.offsets != nil {
		s.offsets.Resize(mem.Delta(end, s.bottom))
	}
	s.end = end
}

// Region returns [bottom, end).
func (s *ContiguousSpace) Region() mem.Region {
	return mem.Region{Start: s.bottom, End: s.end}
}

// UsedRegion returns [bottom, top).
func (s *ContiguousSpace) UsedRegion() mem.Region {
	return mem.Region{Start: s.bottom, End: s.Top()}
}

// Capacity returns the size of the space in bytes.
func (s *ContiguousSpace) Capacity() uintptr { return mem.ByteDelta(s.end, s.bottom) }

// Used returns the number of allocated bytes.
func (s *ContiguousSpace) Used() uintptr { return mem.ByteDelta(s.Top(), s.bottom) }

// Free returns the number of bytes left for allocation.
func (s *ContiguousSpace) Free() uintptr { return mem.ByteDelta(s.end, s.Top()) }

// IsEmpty reports whether nothing is allocated in the space.
func (s *ContiguousSpace) IsEmpty() bool { return s.Top() == s.bottom }

// Contains reports whether p lies in [bottom, end).
func (s *ContiguousSpace) Contains(p mem.Address) bool {
	return p >= s.bottom && p < s.end
}

// IsIn reports whether p lies in the used part of the space.
func (s *ContiguousSpace) IsIn(p mem.Address) bool {
	return p >= s.bottom && p < s.Top()
}

// Clear empties the space.
func (s *ContiguousSpace) Clear() {
	s.top.Store(uintptr(s.bottom))
	s.savedMark = s.bottom
	s.compactionTop = s.bottom
	if s.offsets != nil {
		s.offsets.InitializeThreshold()
	}
}

// Allocate carves words out of the top of the space and returns their
// address, or Null if the space is too full. Callers either hold the heap
// lock or run at a safepoint.
func (s *ContiguousSpace) Allocate(words uintptr) mem.Address {
	p := s.bumpAllocate(words)
	if p != mem.Null && s.offsets != nil {
		s.offsets.AllocBlock(p, p.AddWords(words))
	}
	return p
}

// ParAllocate is Allocate for callers racing with other allocators.
func (s *ContiguousSpace) ParAllocate(words uintptr) mem.Address {
	if s.offsets != nil {
		// The table must see blocks in address order.
		s.parAllocMu.Lock()
		defer s.parAllocMu.Unlock()
		return s.Allocate(words)
	}
	return s.bumpAllocate(words)
}

func (s *ContiguousSpace) bumpAllocate(words uintptr) mem.Address {
	size := words * mem.WordSize
	for {
		top := s.top.Load()
		if uintptr(s.end)-top < size {
			return mem.Null
		}
		if s.top.CompareAndSwap(top, top+size) {
			return mem.Address(top)
		}
	}
}

// BlockStart returns the start of the block containing p, or top if p is
// at or above top.
func (s *ContiguousSpace) BlockStart(p mem.Address) mem.Address {
	top := s.Top()
	if p >= top {
		return top
	}
	if p < s.bottom {
		fatalf("block start query %v below %v", p, s.Region())
	}
	if s.offsets != nil {
		return s.offsets.BlockStart(p)
	}
	last := s.bottom
	for cur := s.bottom; cur <= p; cur = oop.Obj(cur).End() {
		last = cur
	}
	return last
}

// BlockSize returns the size in words of the block at p, which must be a
// block start. The free part above top counts as one block.
func (s *ContiguousSpace) BlockSize(p mem.Address) uintptr {
	top := s.Top()
	if p < top {
		return oop.Obj(p).Size()
	}
	if p != top {
		fatalf("block size query %v above top %v", p, top)
	}
	return mem.Delta(s.end, p)
}

// BlockIsObj reports whether the block at p is an object (or filler) rather
// than free space.
func (s *ContiguousSpace) BlockIsObj(p mem.Address) bool {
	return p < s.Top()
}

// BlockIterate calls fn for every block in [bottom, top), fillers included.
func (s *ContiguousSpace) BlockIterate(fn func(o oop.Obj)) {
	top := s.Top()
	for p := s.bottom; p < top; {
		o := oop.Obj(p)
		p = o.End()
		fn(o)
	}
}

// ObjectIterate calls fn for every object in the space. Filler blocks are
// skipped.
func (s *ContiguousSpace) ObjectIterate(fn func(o oop.Obj)) {
	s.BlockIterate(func(o oop.Obj) {
		if !o.IsFiller() {
			fn(o)
		}
	})
}

// SaveMarks remembers the current top.
func (s *ContiguousSpace) SaveMarks() { s.savedMark = s.Top() }

// SavedMark returns the top remembered by SaveMarks.
func (s *ContiguousSpace) SavedMark() mem.Address { return s.savedMark }

// UsedRegionAtSaveMarks returns [bottom, savedMark).
func (s *ContiguousSpace) UsedRegionAtSaveMarks() mem.Region {
	return mem.Region{Start: s.bottom, End: s.savedMark}
}

// NoAllocsSinceSaveMarks reports whether top has not moved since the last
// SaveMarks.
func (s *ContiguousSpace) NoAllocsSinceSaveMarks() bool {
	return s.savedMark == s.Top()
}

// OopSinceSaveMarksIterate calls cl with every reference field of the
// objects allocated since the last SaveMarks, including the objects cl
// itself allocates here, then saves the marks.
func (s *ContiguousSpace) OopSinceSaveMarksIterate(cl func(field mem.Address)) {
	p := s.savedMark
	for {
		t := s.Top()
		for p < t {
			p = p.AddWords(oop.Obj(p).IterateRefsSize(cl))
		}
		if t == s.Top() {
			break
		}
	}
	s.savedMark = p
}

func (s *ContiguousSpace) String() string {
	return fmt.Sprintf("%s [%v, %v, %v) used %d of %d bytes",
		s.name, s.bottom, s.Top(), s.end, s.Used(), s.Capacity())
}
