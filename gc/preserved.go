package gc

import (
	"github.com/tinygo-org/gengc/oop"
)

type preservedMark struct {
	obj  oop.Obj
	mark oop.MarkWord
}

// PreservedMarks saves headers that are overwritten by a collection but
// carry state the mutator can observe: identity hashes and ages.
type PreservedMarks struct {
	stack []preservedMark
}

// PushIfNecessary saves m as the header of o if it must survive o being
// forwarded or marked.
func (p *PreservedMarks) PushIfNecessary(o oop.Obj, m oop.MarkWord) {
	if m.MustBePreserved() {
		p.stack = append(p.stack, preservedMark{obj: o, mark: m})
	}
}

// Len returns the number of saved headers.
func (p *PreservedMarks) Len() int { return len(p.stack) }

// AdjustDuringFullGC moves every entry to the new location of its object.
func (p *PreservedMarks) AdjustDuringFullGC() {
	for i := range p.stack {
		if o := p.stack[i].obj; o.IsForwarded() {
			p.stack[i].obj = o.Forwardee()
		}
	}
}

// Restore writes the saved headers back and empties the stack.
func (p *PreservedMarks) Restore() {
	for _, e := range p.stack {
		e.obj.SetMark(e.mark)
	}
	clear(p.stack)
	p.stack = p.stack[:0]
}
