package roots

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tinygo-org/gengc/mem"
)

func TestIterateOrderAndUpdate(t *testing.T) {
	s := NewSet()
	s.Global("b").Set(0x20)
	s.Global("a").Set(0x10)
	s.Global("null")
	t1 := s.NewThread("main")
	h := t1.Push(0x30)
	t1.Push(mem.Null)
	t2 := s.NewThread("worker")
	t2.Push(0x40)

	var seen []mem.Address
	s.Iterate(func(slot *mem.Address) {
		seen = append(seen, *slot)
		*slot += 8
	})
	require.Equal(t, []mem.Address{0x10, 0x20, 0x30, 0x40}, seen)
	require.Equal(t, mem.Address(0x18), s.Global("a").Get())
	require.Equal(t, mem.Address(0x38), t1.Get(h))
	require.Equal(t, 4, s.Count())

	t2.Release()
	require.Equal(t, 3, s.Count())
}

func TestHandleStack(t *testing.T) {
	s := NewSet()
	th := s.NewThread("main")
	base := th.Depth()
	a := th.Push(0x100)
	b := th.Push(0x200)
	th.Set(a, 0x300)
	require.Equal(t, mem.Address(0x300), th.Get(a))
	require.Equal(t, mem.Address(0x200), th.Get(b))

	th.PopTo(base + 1)
	require.Panics(t, func() { th.Get(b) })
	require.Equal(t, 1, s.Count())
	th.PopTo(base)
	require.Equal(t, 0, s.Count())
	require.Panics(t, func() { th.PopTo(5) })
}
