package gc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
	"github.com/tinygo-org/gengc/space"
)

func TestCriticalSectionDefersCollection(t *testing.T) {
	h := newTestHeap(t, testConfig())
	m := h.NewMutator("main")
	defer m.Release()

	x, err := m.New(0, 1)
	require.NoError(t, err)

	m.EnterCritical()
	m.EnterCritical()
	require.True(t, m.InCritical())
	addr := m.Obj(x).Addr()

	h.Collect(CauseWhiteBoxYoungGC, Young)
	require.Zero(t, h.TotalCollections())
	require.True(t, h.locker.isActiveAndNeedsGC())
	require.Equal(t, addr, m.Obj(x).Addr())

	m.ExitCritical()
	require.Zero(t, h.TotalCollections(), "still inside the outer section")

	m.ExitCritical()
	require.False(t, m.InCritical())
	require.Equal(t, uint64(1), h.TotalCollections())
	require.Equal(t, CauseGCLocker, h.Stats().LastCause)
	require.False(t, h.locker.isActive())
	require.NotEqual(t, addr, m.Obj(x).Addr())
}

func TestAllocationStallsUntilCriticalSectionEnds(t *testing.T) {
	cfg := testConfig()
	cfg.InitialHeapSize = 1 << 20
	cfg.MaxHeapSize = 1 << 20
	h := newTestHeap(t, cfg)
	holder := h.NewMutator("holder")
	defer holder.Release()
	m := h.NewMutator("allocator")
	defer m.Release()

	holder.EnterCritical()
	h.Collect(CauseWhiteBoxYoungGC, Young)
	require.True(t, h.locker.isActiveAndNeedsGC())

	// Fill every space so that only a collection can satisfy the request.
	h.AtSafepoint(func() {
		for _, sp := range []*space.ContiguousSpace{h.young.Eden(), h.young.From(), h.old.Space()} {
			words := sp.Free() / mem.WordSize
			p := sp.Allocate(words)
			require.NotEqual(t, mem.Null, p)
			oop.Fill(p, words)
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := m.New(0, 1)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("allocation finished inside a critical section: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	holder.ExitCritical()
	require.NoError(t, <-done)
	require.NotZero(t, h.TotalCollections())
}

func TestAllocationInsideCriticalSectionFails(t *testing.T) {
	cfg := testConfig()
	cfg.InitialHeapSize = 1 << 20
	cfg.MaxHeapSize = 1 << 20
	h := newTestHeap(t, cfg)
	m := h.NewMutator("main")
	defer m.Release()

	m.EnterCritical()
	defer m.ExitCritical()
	var err error
	for i := 0; i < 10000 && err == nil; i++ {
		_, err = m.New(0, 126)
	}
	require.ErrorIs(t, err, ErrInCriticalSection)
	require.Zero(t, h.TotalCollections())
}
