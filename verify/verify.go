// Package verify checks the structural invariants of a heap: that every
// space parses into blocks, that the block-offset table finds them, that
// references point at objects and that the card table remembers every
// reference from the old generation into the young one.
package verify

import (
	"github.com/tinygo-org/gengc/diagnostics"
	"github.com/tinygo-org/gengc/gc"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
	"github.com/tinygo-org/gengc/space"
)

// Stop after this many failures; one broken block usually breaks the rest
// of its space.
const maxErrors = 100

type verifier struct {
	h      *gc.Heap
	starts map[mem.Address]bool
	errs   diagnostics.List
}

func (v *verifier) errorf(sp string, addr mem.Address, format string, args ...interface{}) {
	if len(v.errs) < maxErrors {
		v.errs = append(v.errs, diagnostics.Errorf(sp, addr, format, args...))
	}
}

// Heap verifies h. The world must be stopped and the heap parsable: call it
// from gc.Heap.AtSafepoint or install it with Install. The result is nil or
// a diagnostics.List.
func Heap(h *gc.Heap) error {
	v := &verifier{h: h, starts: make(map[mem.Address]bool)}
	h.SpaceIterate(func(g gc.Generation, sp *space.ContiguousSpace) {
		v.parseSpace(g, sp)
	})
	if len(v.errs) > 0 {
		// The references cannot be checked without object boundaries.
		return v.errs
	}
	h.SpaceIterate(func(g gc.Generation, sp *space.ContiguousSpace) {
		v.checkRefs(g, sp)
	})
	v.checkRoots()
	if err := h.RemSet().CardTable().VerifyGuard(); err != nil {
		v.errorf("card table", mem.Null, "%v", err)
	}
	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}

// Install makes h verify itself around collections, as enabled by
// VerifyBeforeGC and VerifyAfterGC.
func Install(h *gc.Heap) {
	h.SetVerifier(Heap)
}

// parseSpace walks the blocks of sp and records the object starts.
func (v *verifier) parseSpace(g gc.Generation, sp *space.ContiguousSpace) {
	name := g.Name() + " " + sp.Name()
	if sp.Top() < sp.Bottom() || sp.Top() > sp.End() {
		v.errorf(name, sp.Top(), "top outside [%v, %v)", sp.Bottom(), sp.End())
		return
	}
	_, bot := g.(*gc.TenuredGeneration)
	p := sp.Bottom()
	for p < sp.Top() {
		o := oop.Obj(p)
		if !o.Layout().IsValid() {
			v.errorf(name, p, "block header %#x is not a layout", uintptr(o.Layout()))
			return
		}
		size := o.Size()
		if size < oop.MinObjectWords || o.End() > sp.Top() {
			v.errorf(name, p, "block of %d words runs past top %v", size, sp.Top())
			return
		}
		if !o.IsFiller() {
			v.starts[p] = true
			if o.IsForwarded() {
				v.errorf(name, p, "object is forwarded outside a collection")
			}
		}
		if bot {
			for _, q := range []mem.Address{p, p.AddWords(size / 2), o.End().SubWords(1)} {
				if start := v.h.BlockStart(q); start != p {
					v.errorf(name, q, "block start is %v, want %v", start, p)
				}
			}
		}
		p = o.End()
	}
}

// checkRefs checks every reference field of the objects of sp.
func (v *verifier) checkRefs(g gc.Generation, sp *space.ContiguousSpace) {
	name := g.Name() + " " + sp.Name()
	_, old := g.(*gc.TenuredGeneration)
	ct := v.h.RemSet().CardTable()
	sp.ObjectIterate(func(o oop.Obj) {
		o.IterateRefs(func(field mem.Address) {
			ref := mem.LoadAddress(field)
			if ref == mem.Null {
				return
			}
			if !v.starts[ref] {
				v.errorf(name, field, "field of %v refers to %v, which is not an object", o.Addr(), ref)
				return
			}
			if old && v.h.IsInYoung(ref) && !ct.IsDirty(field) {
				v.errorf(name, field, "field of %v refers to young object %v but its card is clean", o.Addr(), ref)
			}
		})
	})
}

func (v *verifier) checkRoots() {
	v.h.Roots().Iterate(func(slot *mem.Address) {
		if !v.starts[*slot] {
			v.errorf("roots", *slot, "root does not refer to an object")
		}
	})
}
