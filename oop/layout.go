// Package oop is the object model the collector works with. Every heap
// object starts with a two word header:
//
//	| word | contents                                   |
//	|------|--------------------------------------------|
//	| 0    | mark word (identity, age, forwarding)      |
//	| 1    | layout (size in words, reference count)    |
//	| 2..  | reference fields, then non-reference data  |
//
// The layout word has its lowest bit set, like the inline layouts of the
// precise block collector, so it can never be confused with an aligned heap
// pointer. The layout is of the form rrrr...r_ssss...s_f1 where the r bits
// (the upper half of the word) hold the number of reference fields, the s
// bits hold the object size in words and f marks a filler block: dead space
// made parsable so heap walkers can step over it.
package oop

import (
	"fmt"

	"github.com/tinygo-org/gengc/mem"
)

// HeaderWords is the number of header words in every object.
const HeaderWords = 2

// MinObjectWords is the smallest block that can be allocated or filled.
const MinObjectWords = HeaderWords

// Layout describes the shape of an object.
type Layout uintptr

const (
	layoutTag   Layout = 1
	fillerBit   Layout = 1 << 1
	sizeShift          = 2
	refsShift          = mem.BitsPerWord / 2
	sizeMask           = 1<<(refsShift-sizeShift) - 1
	refsMask           = 1<<(mem.BitsPerWord-refsShift) - 1
	maxSizeWord        = sizeMask
)

// MaxObjectWords is the largest object size the layout word can describe.
const MaxObjectWords = maxSizeWord

// MakeLayout returns the layout of an object of sizeWords words (header
// included) whose first refs fields after the header are references.
func MakeLayout(sizeWords, refs uintptr) Layout {
	if sizeWords < MinObjectWords || sizeWords > MaxObjectWords {
		fatalf("object size %d out of range", sizeWords)
	}
	if refs > sizeWords-HeaderWords {
		fatalf("object of %d words cannot hold %d references", sizeWords, refs)
	}
	return layoutTag | Layout(sizeWords)<<sizeShift | Layout(refs)<<refsShift
}

// FillerLayout returns the layout of a filler block of sizeWords words.
func FillerLayout(sizeWords uintptr) Layout {
	if sizeWords < MinObjectWords || sizeWords > MaxObjectWords {
		fatalf("filler size %d out of range", sizeWords)
	}
	return layoutTag | fillerBit | Layout(sizeWords)<<sizeShift
}

// Size returns the object size in words, header included.
func (l Layout) Size() uintptr {
	return uintptr(l>>sizeShift) & sizeMask
}

// Refs returns the number of reference fields.
func (l Layout) Refs() uintptr {
	return uintptr(l>>refsShift) & refsMask
}

// IsFiller reports whether the layout describes dead filler space.
func (l Layout) IsFiller() bool {
	return l&fillerBit != 0
}

// IsValid reports whether the word looks like a layout at all.
func (l Layout) IsValid() bool {
	return l&layoutTag != 0 && l.Size() >= MinObjectWords
}

func (l Layout) String() string {
	if !l.IsValid() {
		return fmt.Sprintf("layout(!err %#x)", uintptr(l))
	}
	if l.IsFiller() {
		return fmt.Sprintf("filler(%d)", l.Size())
	}
	return fmt.Sprintf("layout(size=%d refs=%d)", l.Size(), l.Refs())
}
