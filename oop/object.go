package oop

import (
	"sync/atomic"

	"github.com/tinygo-org/gengc/mem"
)

// Obj is the address of an object header.
type Obj mem.Address

// Addr returns the object address.
func (o Obj) Addr() mem.Address { return mem.Address(o) }

// IsNull reports whether o is the null reference.
func (o Obj) IsNull() bool { return o == 0 }

// Mark returns the mark word.
func (o Obj) Mark() MarkWord {
	return MarkWord(mem.LoadWord(o.Addr()))
}

// SetMark replaces the mark word.
func (o Obj) SetMark(m MarkWord) {
	mem.StoreWord(o.Addr(), uintptr(m))
}

// CASMark replaces the mark word if it still equals old.
func (o Obj) CASMark(old, new MarkWord) bool {
	return mem.CASWord(o.Addr(), uintptr(old), uintptr(new))
}

// InitMark resets the mark word to the prototype.
func (o Obj) InitMark() {
	o.SetMark(Prototype())
}

// Layout returns the layout word.
func (o Obj) Layout() Layout {
	return Layout(mem.LoadWord(o.Addr().AddWords(1)))
}

// Size returns the object size in words.
func (o Obj) Size() uintptr {
	l := o.Layout()
	if !l.IsValid() {
		fatalf("object %v has a corrupt layout %#x", o.Addr(), uintptr(l))
	}
	return l.Size()
}

// End returns the address just past the object.
func (o Obj) End() mem.Address {
	return o.Addr().AddWords(o.Size())
}

// RefCount returns the number of reference fields.
func (o Obj) RefCount() uintptr {
	return o.Layout().Refs()
}

// RefAddr returns the address of reference field i.
func (o Obj) RefAddr(i uintptr) mem.Address {
	if i >= o.RefCount() {
		fatalf("reference index %d out of range for %v", i, o.Layout())
	}
	return o.Addr().AddWords(HeaderWords + i)
}

// Ref loads reference field i.
func (o Obj) Ref(i uintptr) Obj {
	return Obj(mem.LoadWord(o.RefAddr(i)))
}

// SetRef stores into reference field i without any barrier. Mutators go
// through the heap, which applies the write barrier.
func (o Obj) SetRef(i uintptr, v Obj) {
	mem.StoreWord(o.RefAddr(i), uintptr(v))
}

// PayloadAddr returns the address of the first non-reference word.
func (o Obj) PayloadAddr() mem.Address {
	return o.Addr().AddWords(HeaderWords + o.RefCount())
}

// PayloadWords returns the number of non-reference words.
func (o Obj) PayloadWords() uintptr {
	l := o.Layout()
	return l.Size() - HeaderWords - l.Refs()
}

// IsFiller reports whether the block is dead filler space.
func (o Obj) IsFiller() bool {
	return o.Layout().IsFiller()
}

// IsForwarded reports whether the object has been copied or moved.
func (o Obj) IsForwarded() bool {
	return o.Mark().IsForwarded()
}

// Forwardee returns the forwarding destination.
func (o Obj) Forwardee() Obj {
	m := o.Mark()
	if !m.IsForwarded() {
		fatalf("object %v is not forwarded (%v)", o.Addr(), m)
	}
	return Obj(m.Forwardee())
}

// ForwardTo installs a forwarding pointer to dest.
func (o Obj) ForwardTo(dest Obj) {
	o.SetMark(Forwarding(dest.Addr()))
}

// IsSelfForwarded reports whether the object is forwarded to itself, the
// state left by a failed promotion.
func (o Obj) IsSelfForwarded() bool {
	m := o.Mark()
	return m.IsForwarded() && m.Forwardee() == o.Addr()
}

// Initialize writes a fresh header for layout l at o and clears the fields.
func (o Obj) Initialize(l Layout) {
	mem.StoreWord(o.Addr().AddWords(1), uintptr(l))
	mem.FillWords(o.Addr().AddWords(HeaderWords), l.Size()-HeaderWords, 0)
	o.SetMark(Prototype())
}

// IterateRefs calls fn with the address of every reference field.
func (o Obj) IterateRefs(fn func(field mem.Address)) {
	n := o.RefCount()
	field := o.Addr().AddWords(HeaderWords)
	for i := uintptr(0); i < n; i++ {
		fn(field)
		field = field.AddWords(1)
	}
}

// IterateRefsIn calls fn for the reference fields of o that lie inside mr.
// It is used to scan only the part of an object covered by a dirty card.
func (o Obj) IterateRefsIn(mr mem.Region, fn func(field mem.Address)) {
	n := o.RefCount()
	first := o.Addr().AddWords(HeaderWords)
	end := first.AddWords(n)
	if mr.Start > first {
		first = mr.Start
	}
	if mr.End < end {
		end = mr.End
	}
	for field := first; field < end; field = field.AddWords(1) {
		fn(field)
	}
}

// IterateRefsSize iterates the references and returns the object size, the
// shape used by linear scans over a space.
func (o Obj) IterateRefsSize(fn func(field mem.Address)) uintptr {
	o.IterateRefs(fn)
	return o.Size()
}

// Fill turns [start, start+words) into a filler block so that the range is
// parsable by heap walkers. words must be at least MinObjectWords.
func Fill(start mem.Address, words uintptr) {
	if words == 0 {
		return
	}
	mem.StoreWord(start.AddWords(1), uintptr(FillerLayout(words)))
	mem.StoreWord(start, uintptr(Prototype()))
}

// CopyTo copies the whole object to dest (which may overlap it) and returns
// the copy.
func (o Obj) CopyTo(dest mem.Address, words uintptr) Obj {
	mem.CopyWords(dest, o.Addr(), words)
	return Obj(dest)
}

var hashSeed atomic.Uint32

func nextHash() uint32 {
	// Marsaglia xor-shift on a shared seed; only uniqueness-ish matters.
	for {
		old := hashSeed.Load()
		x := old
		if x == 0 {
			x = 0x9e3779b9
		}
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		if hashSeed.CompareAndSwap(old, x) {
			if h := uint32(uintptr(x) & hashMask); h != 0 {
				return h
			}
		}
	}
}

// IdentityHash returns the identity hash of o, installing one on first use.
// The hash is stable across collections: it lives in the mark word, which
// the collector preserves while the object is forwarded.
func (o Obj) IdentityHash() uint32 {
	for {
		m := o.Mark()
		if !m.IsUnlocked() {
			fatalf("identity hash requested on %v with header %v", o.Addr(), m)
		}
		if m.HasHash() {
			return m.Hash()
		}
		if o.CASMark(m, m.WithHash(nextHash())) {
			return o.Mark().Hash()
		}
	}
}
