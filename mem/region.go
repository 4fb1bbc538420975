package mem

import "fmt"

// Region is a half-open address range [Start, End).
type Region struct {
	Start Address
	End   Address
}

// NewRegion returns the region of the given number of words starting at
// start.
func NewRegion(start Address, words uintptr) Region {
	return Region{Start: start, End: start.AddWords(words)}
}

// WordSize returns the size of the region in words.
func (r Region) WordSize() uintptr {
	return Delta(r.End, r.Start)
}

// ByteSize returns the size of the region in bytes.
func (r Region) ByteSize() uintptr {
	return ByteDelta(r.End, r.Start)
}

// IsEmpty reports whether the region holds no words.
func (r Region) IsEmpty() bool {
	return r.Start >= r.End
}

// Last returns the address of the last word in the region.
func (r Region) Last() Address {
	return r.End.SubWords(1)
}

// Contains reports whether a lies in the region.
func (r Region) Contains(a Address) bool {
	return a >= r.Start && a < r.End
}

// ContainsRegion reports whether o lies entirely inside r. The empty region
// is contained everywhere.
func (r Region) ContainsRegion(o Region) bool {
	if o.IsEmpty() {
		return true
	}
	return o.Start >= r.Start && o.End <= r.End
}

// Intersection returns the overlap of r and o, which may be empty.
func (r Region) Intersection(o Region) Region {
	res := Region{Start: Max(r.Start, o.Start), End: Min(r.End, o.End)}
	if res.End < res.Start {
		res.End = res.Start
	}
	return res
}

// Union returns the smallest region covering r and o. The two regions must
// overlap or touch.
func (r Region) Union(o Region) Region {
	if r.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return r
	}
	if r.End < o.Start || o.End < r.Start {
		fatalf("union of disjoint regions %v and %v", r, o)
	}
	return Region{Start: Min(r.Start, o.Start), End: Max(r.End, o.End)}
}

// Minus returns the part of r not covered by o. The result must be a single
// region: o may not split r in two.
func (r Region) Minus(o Region) Region {
	// Cases, with r as "...." and o as "oooo":
	//   oooo....    r unchanged (o entirely before)
	//   ....oooo    r unchanged (o entirely after)
	//   oo..        [o.End, r.End)
	//   ..oo        [r.Start, o.Start)
	//   oooooooo    empty
	if o.IsEmpty() || o.End <= r.Start || o.Start >= r.End {
		return r
	}
	if o.Start <= r.Start && o.End >= r.End {
		return Region{Start: r.Start, End: r.Start}
	}
	if o.Start <= r.Start {
		return Region{Start: o.End, End: r.End}
	}
	if o.End >= r.End {
		return Region{Start: r.Start, End: o.Start}
	}
	fatalf("region %v minus %v is not a single region", r, o)
	return Region{}
}

func (r Region) String() string {
	return fmt.Sprintf("[%v, %v)", r.Start, r.End)
}
