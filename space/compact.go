package space

import (
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
)

// Sliding compaction of the spaces of the heap in four steps, all run with
// the world stopped on objects marked by the full collection:
//
//  1. PrepareForCompaction walks each space bottom to top and forwards every
//     marked object to the next free address of the current compaction
//     space. Objects that stay where they are get a fresh header instead.
//     The first word of each run of dead objects is overwritten with the
//     address of the next live object so the later steps can skip the run.
//  2. The collector rewrites every reference to its referent's forwardee,
//     visiting the live objects through AdjustPointers.
//  3. Compact slides the objects to their new homes in address order.
//  4. The space top is set to where compaction ended.

// CompactPoint is the cursor of a compaction: the space objects are moved
// into and the next block-offset table threshold in it.
type CompactPoint struct {
	Space     *ContiguousSpace
	Threshold mem.Address

	// Younger is the first compaction space of the next generation, used
	// once the chain of spaces of the current generation is exhausted.
	Younger *ContiguousSpace
}

// SetNextCompactionSpace links the space objects overflow into.
func (s *ContiguousSpace) SetNextCompactionSpace(next *ContiguousSpace) {
	s.nextCompactionSpace = next
}

// NextCompactionSpace returns the space objects overflow into.
func (s *ContiguousSpace) NextCompactionSpace() *ContiguousSpace {
	return s.nextCompactionSpace
}

// CompactionTop returns the end of the objects forwarded into the space.
func (s *ContiguousSpace) CompactionTop() mem.Address { return s.compactionTop }

// FirstDead returns the first dead block found by the last
// PrepareForCompaction, or EndOfLive if nothing was dead.
func (s *ContiguousSpace) FirstDead() mem.Address { return s.firstDead }

// EndOfLive returns the end of the last live object found by the last
// PrepareForCompaction.
func (s *ContiguousSpace) EndOfLive() mem.Address { return s.endOfLive }

// AllowedDeadRatio returns the dead wood allowance in percent.
func (s *ContiguousSpace) AllowedDeadRatio() uintptr { return s.allowedDeadRatio }

// initializeThreshold resets the table of a compaction destination.
func (s *ContiguousSpace) initializeThreshold() mem.Address {
	if s.offsets == nil {
		return s.end
	}
	return s.offsets.InitializeThreshold()
}

// crossThreshold records a block that will land at [start, end).
func (s *ContiguousSpace) crossThreshold(start, end mem.Address) mem.Address {
	if s.offsets == nil {
		return s.end
	}
	s.offsets.AllocBlock(start, end)
	return s.offsets.Threshold()
}

// forward picks the destination of the live object o of the given size,
// switching cp to the next compaction space if the current one is full, and
// returns the new compaction top.
func (cp *CompactPoint) forward(o oop.Obj, size uintptr, compactTop mem.Address) mem.Address {
	for size > mem.Delta(cp.Space.end, compactTop) {
		cp.Space.compactionTop = compactTop
		next := cp.Space.nextCompactionSpace
		if next == nil {
			next = cp.Younger
			cp.Younger = nil
		}
		if next == nil {
			fatalf("compaction ran out of space forwarding %v (%d words)", o.Addr(), size)
		}
		cp.Space = next
		compactTop = next.bottom
		next.compactionTop = compactTop
		cp.Threshold = next.initializeThreshold()
	}

	if o.Addr() != compactTop {
		o.ForwardTo(oop.Obj(compactTop))
	} else {
		// Left in place; Compact recognises it by its unmarked header.
		o.InitMark()
	}
	compactTop = compactTop.AddWords(size)
	if compactTop > cp.Threshold {
		cp.Threshold = cp.Space.crossThreshold(compactTop.SubWords(size), compactTop)
	}
	return compactTop
}

// deadSpacer hands out the dead wood allowance of one space.
type deadSpacer struct {
	active  bool
	allowed uintptr
}

func newDeadSpacer(s *ContiguousSpace, maximal bool) deadSpacer {
	if s.allowedDeadRatio == 0 || maximal {
		return deadSpacer{}
	}
	return deadSpacer{
		active:  true,
		allowed: s.Capacity() * s.allowedDeadRatio / 100 / mem.WordSize,
	}
}

// insert turns the dead run [start, end) into a marked filler block if the
// allowance still covers it. The first refusal ends the allowance.
func (d *deadSpacer) insert(start, end mem.Address) bool {
	if !d.active {
		return false
	}
	words := mem.Delta(end, start)
	if d.allowed < words {
		d.active = false
		return false
	}
	d.allowed -= words
	oop.Fill(start, words)
	oop.Obj(start).SetMark(oop.MarkedPrototype())
	return true
}

// isLive reports whether the header at p was marked by the full collection.
// Forwarded objects are marked too.
func isLive(p mem.Address) bool {
	return oop.Obj(p).Mark().IsMarked()
}

// PrepareForCompaction computes the new address of every marked object of
// the space, moving cp along. If maximal is set no dead wood is left.
func (s *ContiguousSpace) PrepareForCompaction(cp *CompactPoint, maximal bool) {
	s.compactionTop = s.bottom
	if cp.Space == nil {
		cp.Space = s
		cp.Threshold = s.initializeThreshold()
	}
	compactTop := cp.Space.compactionTop

	dead := newDeadSpacer(s, maximal)
	endOfLive := s.bottom
	firstDead := mem.Null
	scanLimit := s.Top()

	cur := s.bottom
	for cur < scanLimit {
		if isLive(cur) {
			size := oop.Obj(cur).Size()
			compactTop = cp.forward(oop.Obj(cur), size, compactTop)
			cur = cur.AddWords(size)
			endOfLive = cur
			continue
		}

		// Run over all the contiguous dead blocks.
		end := cur
		for {
			end = oop.Obj(end).End()
			if end >= scanLimit || isLive(end) {
				break
			}
		}

		if cur == compactTop && dead.insert(cur, end) {
			compactTop = cp.forward(oop.Obj(cur), oop.Obj(cur).Size(), compactTop)
			endOfLive = end
		} else {
			// The dead run's first word now points at the next live object.
			mem.StoreAddress(cur, end)
			if firstDead == mem.Null {
				firstDead = cur
			}
		}
		cur = end
	}
	if cur != scanLimit {
		fatalf("%s: compaction scan overran top: %v > %v", s.name, cur, scanLimit)
	}

	s.endOfLive = endOfLive
	if firstDead != mem.Null {
		s.firstDead = firstDead
	} else {
		s.firstDead = endOfLive
	}
	cp.Space.compactionTop = compactTop
}

// AdjustPointers calls adjust for every live object of the space, in place,
// after PrepareForCompaction. The dead runs are skipped.
func (s *ContiguousSpace) AdjustPointers(adjust func(o oop.Obj)) {
	cur := s.bottom
	for cur < s.endOfLive {
		if cur < s.firstDead || isLive(cur) {
			o := oop.Obj(cur)
			adjust(o)
			cur = o.End()
		} else {
			cur = mem.LoadAddress(cur)
		}
	}
}

// Compact moves every forwarded object of the space to its destination and
// resets its header. Objects are visited in address order; destinations
// never lie above the source within a space, so overlapping copies are
// safe.
func (s *ContiguousSpace) Compact() {
	endOfLive := s.endOfLive
	if s.firstDead == endOfLive && (s.bottom == endOfLive || !isLive(s.bottom)) {
		// Empty, or all live objects stay in place.
		s.clearEmptyRegion()
		return
	}

	cur := s.bottom
	if s.firstDead > cur && !isLive(cur) {
		// Everything below the first dead run stays in place.
		cur = mem.LoadAddress(s.firstDead)
	}
	for cur < endOfLive {
		o := oop.Obj(cur)
		if !isLive(cur) {
			next := mem.LoadAddress(cur)
			if next <= cur {
				fatalf("%s: dead run at %v points back to %v", s.name, cur, next)
			}
			cur = next
			continue
		}
		size := o.Size()
		dest := o.Forwardee()
		if dest.Addr() == cur {
			fatalf("%s: object %v forwarded to itself during compaction", s.name, cur)
		}
		o.CopyTo(dest.Addr(), size).InitMark()
		cur = cur.AddWords(size)
	}
	s.clearEmptyRegion()
}

// clearEmptyRegion sets top to where compaction ended and resets the space
// if it ended up empty.
func (s *ContiguousSpace) clearEmptyRegion() {
	wasEmpty := s.IsEmpty()
	s.SetTop(s.compactionTop)
	if s.IsEmpty() && !wasEmpty {
		s.Clear()
	}
}
