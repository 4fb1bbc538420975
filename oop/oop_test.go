package oop

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tinygo-org/gengc/mem"
)

func newArena(t *testing.T) mem.Address {
	t.Helper()
	rs, err := mem.Reserve(mem.PageSize(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { rs.Release() })
	require.NoError(t, rs.Commit(rs.Start(), mem.PageSize()))
	return rs.Start()
}

func TestLayout(t *testing.T) {
	l := MakeLayout(7, 3)
	require.True(t, l.IsValid())
	require.False(t, l.IsFiller())
	require.Equal(t, uintptr(7), l.Size())
	require.Equal(t, uintptr(3), l.Refs())

	f := FillerLayout(12)
	require.True(t, f.IsFiller())
	require.Equal(t, uintptr(12), f.Size())
	require.Equal(t, uintptr(0), f.Refs())

	require.Panics(t, func() { MakeLayout(1, 0) })
	require.Panics(t, func() { MakeLayout(4, 3) })
}

func TestMarkWordVariants(t *testing.T) {
	m := Prototype()
	require.True(t, m.IsUnlocked())
	require.False(t, m.IsMarked())
	require.False(t, m.IsForwarded())
	require.False(t, m.MustBePreserved())

	m = m.IncrAge().IncrAge()
	require.Equal(t, uint(2), m.Age())
	require.True(t, m.MustBePreserved())

	m = m.WithHash(0x1234)
	require.Equal(t, uint32(0x1234), m.Hash())
	require.Equal(t, uint(2), m.Age())

	for i := 0; i < 40; i++ {
		m = m.IncrAge()
	}
	require.Equal(t, uint(MaxAge), m.Age())

	marked := MarkedPrototype()
	require.True(t, marked.IsMarked())
	require.False(t, marked.IsForwarded())

	fwd := Forwarding(0x1000)
	require.True(t, fwd.IsForwarded())
	require.Equal(t, mem.Address(0x1000), fwd.Forwardee())
	require.Panics(t, func() { Forwarding(0x1001) })
}

func TestObjectFields(t *testing.T) {
	base := newArena(t)
	a := Obj(base)
	a.Initialize(MakeLayout(6, 2))
	b := Obj(base.AddWords(6))
	b.Initialize(MakeLayout(3, 1))

	a.SetRef(1, b)
	require.Equal(t, b, a.Ref(1))
	require.True(t, a.Ref(0).IsNull())
	require.Equal(t, uintptr(2), a.PayloadWords())
	require.Equal(t, base.AddWords(6), a.End())

	var fields []mem.Address
	a.IterateRefs(func(f mem.Address) { fields = append(fields, f) })
	require.Equal(t, []mem.Address{base.AddWords(2), base.AddWords(3)}, fields)

	fields = nil
	a.IterateRefsIn(mem.Region{Start: base.AddWords(3), End: base.AddWords(100)}, func(f mem.Address) {
		fields = append(fields, f)
	})
	require.Equal(t, []mem.Address{base.AddWords(3)}, fields)

	require.Panics(t, func() { a.RefAddr(2) })
}

func TestForwardingAndHash(t *testing.T) {
	base := newArena(t)
	a := Obj(base)
	a.Initialize(MakeLayout(4, 0))
	h := a.IdentityHash()
	require.NotZero(t, h)
	require.Equal(t, h, a.IdentityHash())

	saved := a.Mark()
	dest := Obj(base.AddWords(8))
	a.ForwardTo(dest)
	require.True(t, a.IsForwarded())
	require.Equal(t, dest, a.Forwardee())
	require.Equal(t, uintptr(4), a.Size(), "layout survives forwarding")

	a.ForwardTo(a)
	require.True(t, a.IsSelfForwarded())

	a.SetMark(saved)
	require.Equal(t, h, a.IdentityHash())
}

func TestFill(t *testing.T) {
	base := newArena(t)
	Fill(base, 5)
	o := Obj(base)
	require.True(t, o.IsFiller())
	require.Equal(t, uintptr(5), o.Size())
	require.Equal(t, uintptr(0), o.RefCount())
	require.Panics(t, func() { Fill(base, 1) })
}
