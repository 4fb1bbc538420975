package oop

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/tinygo-org/gengc/mem"
)

// MarkWord is the first header word of every object. It is a tagged union
// over one word, selected by the two low bits:
//
//	hhhh...h_0000_aaaa_0_01   normal: identity hash h, age a
//	pppp...p_pppp_pppp_p_11   forwarded to p (the collector only)
//	0000...0_0000_0000_0_11   marked, not (yet) forwarded (full GC only)
//
// Mutators only ever see the normal variant: forwarding and marking are
// installed and removed while the world is stopped.
type MarkWord uintptr

const (
	lockMask      MarkWord = 3
	unlockedValue MarkWord = 1
	markedValue   MarkWord = 3

	ageShift = 3
	ageBits  = 4
	ageMask  = 1<<ageBits - 1

	hashShift = 8
	hashBits  = min(31, mem.BitsPerWord-hashShift)
	hashMask  = 1<<hashBits - 1
)

// MaxAge is the highest age a mark word can record.
const MaxAge = ageMask

func fatalf(format string, args ...interface{}) {
	panic(errors.AssertionFailedf("oop: "+format, args...))
}

// Prototype returns the header of a freshly allocated object.
func Prototype() MarkWord { return unlockedValue }

// MarkedPrototype returns the header installed on objects found live by the
// full collection's marking phase.
func MarkedPrototype() MarkWord { return markedValue }

// Forwarding returns a mark word forwarding to dest.
func Forwarding(dest mem.Address) MarkWord {
	if dest == mem.Null || uintptr(dest)&uintptr(lockMask) != 0 {
		fatalf("cannot forward to %v", dest)
	}
	return MarkWord(dest) | markedValue
}

// IsMarked reports whether the marked tag is set. Forwarded objects are
// always marked.
func (m MarkWord) IsMarked() bool { return m&lockMask == markedValue }

// IsUnlocked reports whether this is a normal header.
func (m MarkWord) IsUnlocked() bool { return m&lockMask == unlockedValue }

// IsForwarded reports whether the word holds a forwarding pointer.
func (m MarkWord) IsForwarded() bool { return m.IsMarked() && m&^lockMask != 0 }

// Forwardee returns the forwarding destination. Only valid if IsForwarded.
func (m MarkWord) Forwardee() mem.Address {
	return mem.Address(m &^ lockMask)
}

// Age returns the number of young collections the object survived.
func (m MarkWord) Age() uint {
	return uint(m>>ageShift) & ageMask
}

// WithAge returns the mark word with its age replaced.
func (m MarkWord) WithAge(age uint) MarkWord {
	if age > MaxAge {
		age = MaxAge
	}
	return m&^(ageMask<<ageShift) | MarkWord(age)<<ageShift
}

// IncrAge returns the mark word with its age incremented, saturating at
// MaxAge.
func (m MarkWord) IncrAge() MarkWord {
	if age := m.Age(); age < MaxAge {
		return m.WithAge(age + 1)
	}
	return m
}

// Hash returns the identity hash, or zero if none was assigned yet.
func (m MarkWord) Hash() uint32 {
	return uint32(uintptr(m>>hashShift) & hashMask)
}

// HasHash reports whether an identity hash is installed.
func (m MarkWord) HasHash() bool { return m.Hash() != 0 }

// WithHash returns the mark word with the given identity hash.
func (m MarkWord) WithHash(h uint32) MarkWord {
	return m&^(MarkWord(hashMask)<<hashShift) | MarkWord(uintptr(h)&hashMask)<<hashShift
}

// MustBePreserved reports whether a header carries state that is lost when
// it is overwritten by a forwarding pointer, so it must be saved while the
// object is forwarded and restored afterwards.
func (m MarkWord) MustBePreserved() bool {
	return m != Prototype()
}

func (m MarkWord) String() string {
	switch {
	case m.IsForwarded():
		return fmt.Sprintf("forwarded(%v)", m.Forwardee())
	case m.IsMarked():
		return "marked"
	case m.IsUnlocked():
		return fmt.Sprintf("normal(age=%d hash=%#x)", m.Age(), m.Hash())
	default:
		return fmt.Sprintf("!err(%#x)", uintptr(m))
	}
}
