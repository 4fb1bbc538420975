package gc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tinygo-org/gengc/cardtable"
	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
)

func growableConfig() config.Config {
	cfg := testConfig()
	cfg.InitialHeapSize = 1 << 20
	cfg.MaxHeapSize = 4 << 20
	return cfg
}

func coveredFrom(t *testing.T, ct *cardtable.CardTable, base mem.Address) mem.Region {
	t.Helper()
	for i := 0; i < ct.CoveredRegions(); i++ {
		if ct.Covered(i).Start == base {
			return ct.Covered(i)
		}
	}
	t.Fatalf("no covered region starts at %v", base)
	return mem.Region{}
}

// requireConsistent checks that the space, the block-offset table and the
// card table all end where the committed memory ends.
func requireConsistent(t *testing.T, h *Heap) {
	t.Helper()
	old := h.Old()
	sp := old.Space()
	require.Equal(t, old.vs.High(), sp.End())
	require.Equal(t, old.vs.CommittedSize(), old.Capacity())
	require.Equal(t, sp.End(), old.bts.End())
	require.Equal(t, sp.End(), coveredFrom(t, h.RemSet().CardTable(), sp.Bottom()).End)
}

func TestOldGenerationExpandAndShrink(t *testing.T) {
	h := newTestHeap(t, growableConfig())
	old := h.Old()
	initial := old.Capacity()
	requireConsistent(t, h)
	require.False(t, old.IsMaximalNoGC())

	h.AtSafepoint(func() {
		require.True(t, old.expand(256<<10, 0))
	})
	require.Equal(t, initial+256<<10, old.Capacity())
	require.Equal(t, 1, h.Stats().Expansions)
	requireConsistent(t, h)

	// The new memory is usable right away.
	h.AtSafepoint(func() {
		words := old.Free() / mem.WordSize
		p := old.Allocate(words, false)
		require.NotEqual(t, mem.Null, p)
		oop.Fill(p, words)
		require.Equal(t, p, old.BlockStart(old.Space().Top().SubWords(1)))
	})

	h.Collect(CauseWhiteBoxFullGC, Old)
	require.Zero(t, old.Used())

	h.AtSafepoint(func() {
		old.shrink(128 << 10)
	})
	require.Equal(t, initial+128<<10, old.Capacity())
	require.Equal(t, 1, h.Stats().Shrinks)
	requireConsistent(t, h)

	h.AtSafepoint(func() {
		require.True(t, old.growToReserved())
	})
	require.True(t, old.IsMaximalNoGC())
	require.Equal(t, old.Reserved().ByteSize(), old.Capacity())
	requireConsistent(t, h)
}

func TestOldGenerationCommitFailure(t *testing.T) {
	cfg := growableConfig()
	cfg.CommitLimit = cfg.InitialHeapSize
	h := newTestHeap(t, cfg)
	old := h.Old()
	before := old.Capacity()

	h.AtSafepoint(func() {
		require.False(t, old.expand(256<<10, 0))
	})
	require.Equal(t, before, old.Capacity())
	require.Zero(t, h.Stats().Expansions)
	requireConsistent(t, h)
}

func TestOldGenerationShrinksInSteps(t *testing.T) {
	h := newTestHeap(t, growableConfig())
	old := h.Old()
	initial := old.Capacity()

	h.AtSafepoint(func() {
		require.True(t, old.expand(2<<20, 0))
	})
	var capacities []uintptr
	for i := 0; i < 5; i++ {
		h.AtSafepoint(func() {
			old.GCPrologue(true)
			old.ComputeNewSize()
		})
		capacities = append(capacities, old.Capacity())
		requireConsistent(t, h)
	}
	grown := initial + 2<<20
	require.Equal(t, grown, capacities[0], "the first step gives nothing back")
	require.Less(t, capacities[1], capacities[0])
	require.Less(t, capacities[2], capacities[1])
	require.Equal(t, initial, capacities[3], "the fourth step gives back all of the excess")
	require.Equal(t, initial, capacities[4])
}

func TestOldGenerationGrowsForLiveData(t *testing.T) {
	cfg := growableConfig()
	cfg.PretenureSizeThreshold = 1 << 10
	h := newTestHeap(t, cfg)
	m := h.NewMutator("main")
	defer m.Release()
	old := h.Old()
	initial := old.Capacity()

	for old.Capacity() < initial+512<<10 {
		_, err := m.New(0, 254)
		require.NoError(t, err)
	}
	require.NotZero(t, h.Stats().Expansions)
	require.NotZero(t, h.TotalFullCollections())
	requireConsistent(t, h)
}
