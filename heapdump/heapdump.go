// Package heapdump writes the contents of a heap as JSON: every object with
// its size and outgoing references, and the roots. The format is the one
// heap analysis tools read as
//
//	{"objects": [{"id": 1, "type": "...", "size": 16, "ptrs": [2]}], "roots": [1]}
//
// extended with a "heap" section describing the generations and spaces.
// Object ids are addresses.
package heapdump

import (
	"io"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/tinygo-org/gengc/gc"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
	"github.com/tinygo-org/gengc/space"
)

const bufferSize = 32 << 10

// Options selects what a dump contains.
type Options struct {
	// Collect runs a full collection first, so that only reachable objects
	// are dumped.
	Collect bool
	// Fillers includes dead filler blocks as objects of type "filler".
	Fillers bool
}

// Write dumps h to w. It stops the world for the duration of the dump.
func Write(w io.Writer, h *gc.Heap, opts Options) error {
	if opts.Collect {
		h.Collect(gc.CauseHeapDump, gc.Old)
	}
	jw := jwriter.NewStreamingWriter(w, bufferSize)
	h.AtSafepoint(func() {
		obj := jw.Object()
		writeHeap(obj.Name("heap"), h)
		writeObjects(obj.Name("objects"), h, opts)
		writeRoots(obj.Name("roots"), h)
		obj.End()
	})
	if err := jw.Error(); err != nil {
		return err
	}
	return jw.Flush()
}

func writeHeap(jw *jwriter.Writer, h *gc.Heap) {
	obj := jw.Object()
	defer obj.End()
	writeRegion(&obj, h.Reserved())
	obj.Name("capacity").Int(int(h.Capacity()))
	obj.Name("used").Int(int(h.Used()))
	obj.Name("max_capacity").Int(int(h.MaxCapacity()))
	obj.Name("collections").Int(int(h.TotalCollections()))
	obj.Name("full_collections").Int(int(h.TotalFullCollections()))

	spaces := obj.Name("spaces").Array()
	h.SpaceIterate(func(g gc.Generation, sp *space.ContiguousSpace) {
		s := spaces.Object()
		s.Name("generation").String(g.Name())
		s.Name("name").String(sp.Name())
		s.Name("bottom").Int(int(sp.Bottom()))
		s.Name("top").Int(int(sp.Top()))
		s.Name("end").Int(int(sp.End()))
		s.Name("used").Int(int(sp.Used()))
		s.Name("capacity").Int(int(sp.Capacity()))
		s.End()
	})
	spaces.End()
}

func writeRegion(obj *jwriter.ObjectState, mr mem.Region) {
	obj.Name("start").Int(int(mr.Start))
	obj.Name("end").Int(int(mr.End))
}

func writeObjects(jw *jwriter.Writer, h *gc.Heap, opts Options) {
	arr := jw.Array()
	defer arr.End()
	h.SpaceIterate(func(_ gc.Generation, sp *space.ContiguousSpace) {
		sp.BlockIterate(func(o oop.Obj) {
			if o.IsFiller() && !opts.Fillers {
				return
			}
			writeObject(&arr, sp, o)
		})
	})
}

func writeObject(arr *jwriter.ArrayState, sp *space.ContiguousSpace, o oop.Obj) {
	obj := arr.Object()
	defer obj.End()
	obj.Name("id").Int(int(o.Addr()))
	if o.IsFiller() {
		obj.Name("type").String("filler")
	} else {
		obj.Name("type").String(o.Layout().String())
	}
	obj.Name("space").String(sp.Name())
	obj.Name("size").Int(int(o.Size() * mem.WordSize))
	if !o.IsFiller() {
		obj.Name("age").Int(int(o.Mark().Age()))
	}
	ptrs := obj.Name("ptrs").Array()
	if !o.IsFiller() {
		o.IterateRefs(func(field mem.Address) {
			if ref := mem.LoadAddress(field); ref != mem.Null {
				ptrs.Int(int(ref))
			}
		})
	}
	ptrs.End()
}

func writeRoots(jw *jwriter.Writer, h *gc.Heap) {
	arr := jw.Array()
	defer arr.End()
	h.Roots().Iterate(func(slot *mem.Address) {
		arr.Int(int(*slot))
	})
}

// WriteStats writes the counters of h as one JSON object.
func WriteStats(w io.Writer, h *gc.Heap) error {
	s := h.Stats()
	jw := jwriter.NewStreamingWriter(w, bufferSize)
	obj := jw.Object()
	obj.Name("collections").Int(int(s.TotalCollections))
	obj.Name("full_collections").Int(int(s.TotalFullCollections))
	obj.Name("last_cause").String(s.LastCause.String())
	obj.Name("promotion_failures").Int(s.PromotionFailures)
	obj.Name("promoted_bytes").Int(int(s.PromotedBytes))
	obj.Name("survived_bytes").Int(int(s.SurvivedBytes))
	obj.Name("tenuring_threshold").Int(int(s.TenuringThreshold))
	obj.Name("avg_promoted").Float64(s.AvgPromoted)
	obj.Name("expansions").Int(s.Expansions)
	obj.Name("shrinks").Int(s.Shrinks)
	gens := obj.Name("generations").Array()
	for _, g := range []gc.GenerationStats{s.Young, s.Old} {
		gobj := gens.Object()
		gobj.Name("name").String(g.Name)
		gobj.Name("capacity").Int(int(g.Capacity))
		gobj.Name("used").Int(int(g.Used))
		gobj.Name("max_capacity").Int(int(g.MaxCapacity))
		gobj.Name("collections").Int(g.Collections)
		gobj.Name("time_ms").Float64(float64(g.Time.Microseconds()) / 1000)
		gobj.End()
	}
	gens.End()
	obj.End()
	if err := jw.Error(); err != nil {
		return err
	}
	return jw.Flush()
}
