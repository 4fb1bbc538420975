package verify_test

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/diagnostics"
	"github.com/tinygo-org/gengc/gc"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/roots"
	"github.com/tinygo-org/gengc/verify"
)

func newHeap(t *testing.T, edit func(*config.Config)) *gc.Heap {
	t.Helper()
	cfg := config.Default()
	cfg.InitialHeapSize = 2 << 20
	cfg.MaxHeapSize = 4 << 20
	cfg.UseTLAB = false
	if edit != nil {
		edit(&cfg)
	}
	h, err := gc.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Close()) })
	return h
}

func check(t *testing.T, h *gc.Heap) {
	t.Helper()
	var err error
	h.AtSafepoint(func() { err = verify.Heap(h) })
	if err != nil {
		var buf strings.Builder
		diagnostics.CreateDiagnostics(err).WriteTo(&buf)
		t.Fatalf("heap verification failed:\n%s", buf.String())
	}
}

func fingerprint(h *gc.Heap) verify.Print {
	var p verify.Print
	h.AtSafepoint(func() { p = verify.Fingerprint(h) })
	return p
}

// churn allocates a random graph of n objects, keeps about a tenth of them
// reachable from globals and leaves no handles.
func churn(t *testing.T, m *gc.Mutator, rng *rand.Rand, n int) {
	t.Helper()
	depth := m.Depth()
	defer m.PopTo(depth)
	hs := make([]roots.Handle, n)
	for i := range hs {
		x, err := m.New(uintptr(rng.Intn(4)), 1+uintptr(rng.Intn(6)))
		require.NoError(t, err)
		m.SetWord(x, 0, uintptr(rng.Int63()))
		hs[i] = x
	}
	for _, x := range hs {
		for f := uintptr(0); f < m.Obj(x).RefCount(); f++ {
			if rng.Intn(2) == 0 {
				m.Store(x, f, hs[rng.Intn(n)])
			}
		}
	}
	for i := 0; i < n/10; i++ {
		m.StoreGlobal(fmt.Sprintf("g%d", rng.Intn(n/5+1)), hs[rng.Intn(n)])
	}
}

func TestHeapStaysValid(t *testing.T) {
	h := newHeap(t, func(cfg *config.Config) {
		cfg.VerifyBeforeGC = true
		cfg.VerifyAfterGC = true
		cfg.MaxTenuringThreshold = 2
		cfg.InitialTenuringThreshold = 2
	})
	verify.Install(h)
	m := h.NewMutator("main")
	defer m.Release()
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 20; round++ {
		churn(t, m, rng, 500)
		check(t, h)
	}
	require.NotZero(t, h.TotalCollections())
	h.Collect(gc.CauseSystemGC, gc.Old)
	check(t, h)
}

func TestFingerprintIgnoresMoves(t *testing.T) {
	h := newHeap(t, nil)
	m := h.NewMutator("main")
	defer m.Release()
	rng := rand.New(rand.NewSource(7))
	churn(t, m, rng, 800)

	want := fingerprint(h)
	require.NotZero(t, want.Objects)

	h.Collect(gc.CauseWhiteBoxYoungGC, gc.Young)
	require.Equal(t, want, fingerprint(h))
	h.Collect(gc.CauseWhiteBoxYoungGC, gc.Young)
	require.Equal(t, want, fingerprint(h))
	h.Collect(gc.CauseSystemGC, gc.Old)
	require.Equal(t, want, fingerprint(h))

	var x roots.Handle
	found := false
	for i := 0; !found && i < 200; i++ {
		x, found = m.LoadGlobal(fmt.Sprintf("g%d", i))
	}
	require.True(t, found)
	m.SetWord(x, 0, m.Word(x, 0)+1)
	got := fingerprint(h)
	require.Equal(t, want.Objects, got.Objects)
	require.NotEqual(t, want.Sum, got.Sum)
}

func TestReportsCleanCard(t *testing.T) {
	h := newHeap(t, func(cfg *config.Config) { cfg.AlwaysTenure = true })
	m := h.NewMutator("main")
	defer m.Release()

	a, err := m.New(1, 0)
	require.NoError(t, err)
	h.Collect(gc.CauseWhiteBoxYoungGC, gc.Young)
	b, err := m.New(0, 1)
	require.NoError(t, err)
	m.Store(a, 0, b)
	check(t, h)

	field := m.Obj(a).RefAddr(0)
	h.RemSet().CardTable().Clear(mem.Region{Start: field, End: field.AddWords(1)})

	h.AtSafepoint(func() { err = verify.Heap(h) })
	require.Error(t, err)
	diags := diagnostics.CreateDiagnostics(err)
	require.Equal(t, 1, diags.Count())
	require.Equal(t, "tenured generation the space", diags[0].Space)
	require.Equal(t, field, diags[0].Diagnostics[0].Addr)
	require.Contains(t, diags[0].Diagnostics[0].Msg, "card is clean")
}

func TestReportsInteriorReference(t *testing.T) {
	h := newHeap(t, nil)
	m := h.NewMutator("main")
	defer m.Release()

	a, err := m.New(1, 2)
	require.NoError(t, err)
	o := m.Obj(a)
	mem.StoreAddress(o.RefAddr(0), o.PayloadAddr())

	h.AtSafepoint(func() { err = verify.Heap(h) })
	require.Error(t, err)
	diags := diagnostics.CreateDiagnostics(err)
	require.Equal(t, 1, diags.Count())
	require.Equal(t, "def new generation eden", diags[0].Space)
	require.Contains(t, diags[0].Diagnostics[0].Msg, "not an object")

	mem.StoreAddress(o.RefAddr(0), mem.Null)
	check(t, h)
}
