package space

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tinygo-org/gengc/bot"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
)

func reserve(t *testing.T, bytes uintptr) mem.Region {
	t.Helper()
	rs, err := mem.Reserve(bytes, bot.CardSize)
	require.NoError(t, err)
	t.Cleanup(func() { rs.Release() })
	require.NoError(t, rs.Commit(rs.Start(), rs.Size()))
	return rs.Region()
}

func newTenured(t *testing.T, bytes, deadRatio uintptr) *ContiguousSpace {
	t.Helper()
	mr := reserve(t, bytes)
	array, err := bot.NewSharedArray(mr, mr.WordSize())
	require.NoError(t, err)
	t.Cleanup(func() { array.Release() })
	return NewTenured("old", array, mr, deadRatio)
}

func allocObj(t *testing.T, s *ContiguousSpace, words, refs uintptr) oop.Obj {
	t.Helper()
	p := s.Allocate(words)
	require.NotEqual(t, mem.Null, p)
	o := oop.Obj(p)
	o.Initialize(oop.MakeLayout(words, refs))
	return o
}

func TestAllocateAndBlockStart(t *testing.T) {
	for _, tenured := range []bool{false, true} {
		var s *ContiguousSpace
		if tenured {
			s = newTenured(t, 128*1024, 0)
		} else {
			s = New("eden", reserve(t, 128*1024))
		}
		var objs []oop.Obj
		for i := uintptr(0); i < 50; i++ {
			objs = append(objs, allocObj(t, s, 2+i*7, 0))
		}
		for _, o := range objs {
			require.Equal(t, o.Addr(), s.BlockStart(o.End().SubWords(1)))
			require.Equal(t, o.Size(), s.BlockSize(o.Addr()))
			require.True(t, s.BlockIsObj(o.Addr()))
		}
		require.Equal(t, s.Top(), s.BlockStart(s.Top()))
		require.False(t, s.BlockIsObj(s.Top()))
		require.Equal(t, mem.Delta(s.End(), s.Top()), s.BlockSize(s.Top()))
		require.Equal(t, s.Capacity(), s.Used()+s.Free())

		require.Equal(t, mem.Null, s.Allocate(s.Free()/mem.WordSize+1))
	}
}

func TestParAllocateDisjoint(t *testing.T) {
	s := New("eden", reserve(t, 1<<20))
	const workers, per = 8, 500
	results := make([][]mem.Address, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				p := s.ParAllocate(4)
				if p == mem.Null {
					return
				}
				oop.Fill(p, 4)
				results[w] = append(results[w], p)
			}
		}(w)
	}
	wg.Wait()

	seen := map[mem.Address]bool{}
	for _, r := range results {
		for _, p := range r {
			require.False(t, seen[p], "block %v handed out twice", p)
			seen[p] = true
		}
	}
	require.Len(t, seen, workers*per)
	require.Equal(t, uintptr(workers*per*4)*mem.WordSize, s.Used())
}

func TestOopSinceSaveMarksIterate(t *testing.T) {
	s := New("to", reserve(t, 64*1024))
	allocObj(t, s, 4, 2)
	s.SaveMarks()
	require.True(t, s.NoAllocsSinceSaveMarks())

	allocObj(t, s, 3, 1)
	visited := 0
	s.OopSinceSaveMarksIterate(func(field mem.Address) {
		visited++
		if visited < 5 {
			// Work found while scanning is scanned too.
			allocObj(t, s, 3, 1)
		}
	})
	require.Equal(t, 5, visited)
	require.True(t, s.NoAllocsSinceSaveMarks())
}

// markLive marks objects as found live by a full collection.
func markLive(objs ...oop.Obj) {
	for _, o := range objs {
		o.SetMark(oop.MarkedPrototype())
	}
}

// adjustRefs rewrites the references of o to their forwardees.
func adjustRefs(o oop.Obj) {
	o.IterateRefs(func(field mem.Address) {
		ref := oop.Obj(mem.LoadAddress(field))
		if !ref.IsNull() && ref.IsForwarded() {
			mem.StoreAddress(field, ref.Forwardee().Addr())
		}
	})
}

func compact(spaces []*ContiguousSpace, maximal bool) {
	var cp CompactPoint
	for _, s := range spaces {
		s.PrepareForCompaction(&cp, maximal)
	}
	for _, s := range spaces {
		s.AdjustPointers(adjustRefs)
	}
	for _, s := range spaces {
		s.Compact()
	}
}

func TestCompactSlidesLiveObjects(t *testing.T) {
	s := newTenured(t, 256*1024, 0)
	a := allocObj(t, s, 4, 1)
	allocObj(t, s, 10, 0) // dead
	b := allocObj(t, s, 200, 1)
	allocObj(t, s, 5, 0) // dead
	c := allocObj(t, s, 3, 0)
	mem.StoreWord(c.PayloadAddr(), 0xc0ffee)
	a.SetRef(0, b)
	b.SetRef(0, c)
	markLive(a, b, c)

	compact([]*ContiguousSpace{s}, false)

	require.Equal(t, s.Bottom().AddWords(4+200+3), s.Top())
	na := oop.Obj(s.Bottom())
	nb := na.Ref(0)
	nc := nb.Ref(0)
	require.Equal(t, a, na)
	require.Equal(t, s.Bottom().AddWords(4), nb.Addr())
	require.Equal(t, s.Bottom().AddWords(204), nc.Addr())
	require.Equal(t, uintptr(0xc0ffee), mem.LoadWord(nc.PayloadAddr()))
	for _, o := range []oop.Obj{na, nb, nc} {
		require.Equal(t, oop.Prototype(), o.Mark())
		for p := o.Addr(); p < o.End(); p = p.AddWords(1) {
			require.Equal(t, o.Addr(), s.BlockStart(p))
		}
	}
}

func TestDeadWoodStaysInPlace(t *testing.T) {
	s := newTenured(t, 64*1024, 50)
	allocObj(t, s, 8, 0) // dead, at the bottom
	a := allocObj(t, s, 6, 0)
	allocObj(t, s, 8, 0) // dead
	b := allocObj(t, s, 6, 0)
	markLive(a, b)

	var cp CompactPoint
	s.PrepareForCompaction(&cp, false)
	require.True(t, oop.Obj(s.Bottom()).IsFiller(), "the dead run became dead wood")
	require.False(t, a.IsForwarded(), "nothing moves below the dead wood")
	require.Equal(t, s.Top(), s.FirstDead())
	s.AdjustPointers(adjustRefs)
	s.Compact()
	require.Equal(t, b.End(), s.Top())

	// A maximal compaction leaves no dead wood.
	markLive(a, b)
	compact([]*ContiguousSpace{s}, true)
	require.Equal(t, s.Bottom().AddWords(12), s.Top())
}

func TestCompactIntoOlderSpace(t *testing.T) {
	old := newTenured(t, 64*1024, 0)
	eden := New("eden", reserve(t, 64*1024))
	from := New("from", reserve(t, 64*1024))
	eden.SetNextCompactionSpace(from)

	o1 := allocObj(t, old, 4, 1)
	e1 := allocObj(t, eden, 4, 1)
	allocObj(t, eden, 4, 0) // dead
	f1 := allocObj(t, from, 4, 1)
	o1.SetRef(0, e1)
	e1.SetRef(0, f1)
	f1.SetRef(0, o1)
	markLive(o1, e1, f1)

	compact([]*ContiguousSpace{old, eden, from}, false)

	require.Equal(t, old.Bottom().AddWords(12), old.Top())
	require.True(t, eden.IsEmpty())
	require.True(t, from.IsEmpty())
	n1 := oop.Obj(old.Bottom())
	require.Equal(t, n1, n1.Ref(0).Ref(0).Ref(0), "the cycle survives the move")
	require.Equal(t, n1.Ref(0).Addr(), old.BlockStart(n1.Ref(0).Addr().AddWords(3)))
}

func TestCompactOverflowsIntoYounger(t *testing.T) {
	old := newTenured(t, 16*1024, 0)
	eden := New("eden", reserve(t, 64*1024))

	for old.Free() > 0 {
		words := mem.Delta(old.End(), old.Top())
		if words > 64 {
			words = 64
		}
		markLive(allocObj(t, old, words, 0))
	}
	e := allocObj(t, eden, 100, 0)
	markLive(e)

	cp := CompactPoint{Younger: eden}
	old.PrepareForCompaction(&cp, false)
	eden.PrepareForCompaction(&cp, false)
	require.Same(t, eden, cp.Space)
	require.False(t, e.IsForwarded(), "stays at the bottom of eden")
}
