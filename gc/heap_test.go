package gc

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
	"github.com/tinygo-org/gengc/roots"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.InitialHeapSize = 2 << 20
	cfg.MaxHeapSize = 2 << 20
	cfg.UseTLAB = false
	return cfg
}

func newTestHeap(t *testing.T, cfg config.Config) *Heap {
	t.Helper()
	h, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Close()) })
	return h
}

func TestNewHeapLayout(t *testing.T) {
	h := newTestHeap(t, testConfig())
	young, old := h.Young(), h.Old()

	require.Equal(t, h.Reserved().Start, young.Reserved().Start)
	require.Equal(t, young.Reserved().End, old.Reserved().Start)
	require.Equal(t, h.Reserved().End, old.Reserved().End)

	require.Equal(t, young.Eden().End(), young.From().Bottom())
	require.Equal(t, young.From().End(), young.To().Bottom())
	require.Equal(t, young.From().Capacity(), young.To().Capacity())
	require.Greater(t, young.Eden().Capacity(), young.From().Capacity())

	cfg := h.Config()
	require.Equal(t, cfg.NewSize.Bytes(), young.Capacity()+young.To().Capacity())
	require.Equal(t, cfg.OldSize().Bytes(), old.Capacity())
	require.Zero(t, h.Used())
	require.True(t, h.IsMaximalNoGC())
}

func TestYoungCollectionCopiesToSurvivor(t *testing.T) {
	cfg := testConfig()
	cfg.InitialTenuringThreshold = 1
	h := newTestHeap(t, cfg)
	m := h.NewMutator("main")
	defer m.Release()

	var hs []roots.Handle
	for i := 0; i < 10; i++ {
		x, err := m.New(0, 0)
		require.NoError(t, err)
		hs = append(hs, x)
	}
	young := h.Young()
	require.Equal(t, 10*2*mem.WordSize, young.Eden().Used())

	h.Collect(CauseWhiteBoxYoungGC, Young)

	require.True(t, young.Eden().IsEmpty())
	require.True(t, young.To().IsEmpty())
	require.Equal(t, 10*2*mem.WordSize, young.From().Used())
	for _, x := range hs {
		o := m.Obj(x)
		require.True(t, young.From().IsIn(o.Addr()))
		require.False(t, o.IsForwarded())
		require.Equal(t, uint(1), o.Mark().Age())
	}
	require.Equal(t, uint64(1), h.TotalCollections())
	require.Zero(t, h.TotalFullCollections())
	require.Zero(t, h.Old().Used())
	require.False(t, young.PromotionFailed())
}

func TestPromotionAtTenuringThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.InitialTenuringThreshold = 1
	cfg.MaxTenuringThreshold = 1
	h := newTestHeap(t, cfg)
	m := h.NewMutator("main")
	defer m.Release()

	x, err := m.New(1, 1)
	require.NoError(t, err)
	m.SetWord(x, 0, 7)

	h.Collect(CauseWhiteBoxYoungGC, Young)
	require.True(t, h.Young().From().IsIn(m.Obj(x).Addr()))

	h.Collect(CauseWhiteBoxYoungGC, Young)
	o := m.Obj(x)
	require.True(t, h.Old().IsIn(o.Addr()))
	require.Equal(t, o.Addr(), h.Old().Space().Bottom())
	require.Equal(t, 4*mem.WordSize, h.Old().Used())
	require.Zero(t, h.Young().Used())
	require.Equal(t, uintptr(7), m.Word(x, 0))
	require.Equal(t, uint64(4*mem.WordSize), h.Stats().PromotedBytes)
}

func TestOldToYoungReferenceIsScanned(t *testing.T) {
	cfg := testConfig()
	cfg.AlwaysTenure = true
	h := newTestHeap(t, cfg)
	m := h.NewMutator("main")
	defer m.Release()

	a, err := m.New(1, 0)
	require.NoError(t, err)
	h.Collect(CauseWhiteBoxYoungGC, Young)
	require.True(t, h.IsInOld(m.Obj(a).Addr()))

	b, err := m.New(0, 1)
	require.NoError(t, err)
	m.SetWord(b, 0, 99)
	m.Store(a, 0, b)
	field := m.Obj(a).RefAddr(0)
	ct := h.RemSet().CardTable()
	require.True(t, ct.IsDirty(field))

	// Only the old object keeps b alive.
	m.PopTo(1)
	h.Collect(CauseWhiteBoxYoungGC, Young)

	// With AlwaysTenure the referent was promoted as well, so the card is
	// clean again.
	ref := m.Obj(a).Ref(0)
	require.True(t, h.IsInOld(ref.Addr()))
	require.Equal(t, uintptr(99), mem.LoadWord(ref.PayloadAddr()))
	require.False(t, ct.IsDirty(field))
}

func TestDirtyCardKeptForYoungReferent(t *testing.T) {
	cfg := testConfig()
	cfg.InitialTenuringThreshold = 1
	cfg.MaxTenuringThreshold = 1
	h := newTestHeap(t, cfg)
	m := h.NewMutator("main")
	defer m.Release()

	a, err := m.New(1, 0)
	require.NoError(t, err)
	h.Collect(CauseWhiteBoxYoungGC, Young)
	h.Collect(CauseWhiteBoxYoungGC, Young)
	require.True(t, h.IsInOld(m.Obj(a).Addr()))

	b, err := m.New(0, 1)
	require.NoError(t, err)
	m.SetWord(b, 0, 5)
	m.Store(a, 0, b)
	m.PopTo(1)

	h.Collect(CauseWhiteBoxYoungGC, Young)
	ref := m.Obj(a).Ref(0)
	require.True(t, h.Young().From().IsIn(ref.Addr()))
	require.Equal(t, uintptr(5), mem.LoadWord(ref.PayloadAddr()))
	require.True(t, h.RemSet().CardTable().IsDirty(m.Obj(a).RefAddr(0)))
}

func TestPromotionFailureFallsBackToFullCollection(t *testing.T) {
	cfg := testConfig()
	cfg.InitialHeapSize = 1 << 20
	cfg.MaxHeapSize = 1 << 20
	cfg.NewSize = 512 << 10
	cfg.MaxNewSize = 512 << 10
	cfg.InitialTenuringThreshold = 1
	cfg.MaxTenuringThreshold = 1
	h := newTestHeap(t, cfg)
	m := h.NewMutator("main")
	defer m.Release()
	young, old := h.Young(), h.Old()

	x, err := m.New(1, 1)
	require.NoError(t, err)
	m.SetWord(x, 0, 42)
	h.Collect(CauseWhiteBoxYoungGC, Young)
	require.True(t, young.From().IsIn(m.Obj(x).Addr()))
	require.Equal(t, uint(1), young.TenuringThreshold())

	// Fill the old generation with garbage; it cannot grow.
	h.AtSafepoint(func() {
		words := old.Free() / mem.WordSize
		p := old.Allocate(words, false)
		require.NotEqual(t, mem.Null, p)
		oop.Fill(p, words)
	})
	require.Zero(t, old.Free())
	require.True(t, old.IsMaximalNoGC())

	before := m.Obj(x).Addr()
	h.Collect(CauseWhiteBoxYoungGC, Young)

	require.True(t, young.PromotionFailed())
	require.True(t, h.IncrementalCollectionFailed())
	o := m.Obj(x)
	require.Equal(t, before, o.Addr())
	require.False(t, o.IsForwarded())
	require.Equal(t, uint(1), o.Mark().Age())
	require.Equal(t, uintptr(42), m.Word(x, 0))
	require.True(t, young.To().IsIn(o.Addr()), "survivor spaces are swapped")
	require.Equal(t, young.To(), young.From().NextCompactionSpace())
	require.False(t, young.CollectionAttemptIsSafe())
	require.Equal(t, 1, h.Stats().PromotionFailures)

	h.Collect(CauseSystemGC, Old)

	o = m.Obj(x)
	require.Equal(t, old.Space().Bottom(), o.Addr())
	require.Equal(t, uintptr(42), m.Word(x, 0))
	require.Equal(t, uint(1), o.Mark().Age())
	require.Equal(t, 4*mem.WordSize, old.Used())
	require.Zero(t, young.Used())
	require.True(t, young.To().IsEmpty())
	require.False(t, h.IncrementalCollectionFailed())
	require.Nil(t, young.From().NextCompactionSpace())
	require.Equal(t, uint64(1), h.TotalFullCollections())
}

// snapshot walks the graph reachable from the globals in names breadth
// first and describes every object by its id, stored in its first payload
// word, and the ids of its referents. It fails if two objects carry the
// same id.
func snapshot(t *testing.T, m *Mutator, names []string) []string {
	t.Helper()
	depth := m.Depth()
	defer m.PopTo(depth)

	addrOf := make(map[uintptr]mem.Address)
	var queue []oop.Obj
	for _, name := range names {
		r, ok := m.LoadGlobal(name)
		require.True(t, ok, name)
		queue = append(queue, m.Obj(r))
	}
	var out []string
	for len(queue) > 0 {
		o := queue[0]
		queue = queue[1:]
		require.False(t, o.IsForwarded())
		id := mem.LoadWord(o.PayloadAddr())
		if a, ok := addrOf[id]; ok {
			require.Equal(t, a, o.Addr(), "object %d has two copies", id)
			continue
		}
		addrOf[id] = o.Addr()
		line := fmt.Sprint(id)
		for i := uintptr(0); i < o.RefCount(); i++ {
			r := o.Ref(i)
			if r.IsNull() {
				line += " -"
				continue
			}
			line += fmt.Sprintf(" %d", mem.LoadWord(r.PayloadAddr()))
			queue = append(queue, r)
		}
		out = append(out, line)
	}
	return out
}

// buildGraph allocates n objects with refs reference fields each, links
// them at random and publishes some of them as globals. No handle is left.
func buildGraph(t *testing.T, m *Mutator, rng *rand.Rand, n int, refs uintptr) []string {
	t.Helper()
	depth := m.Depth()
	hs := make([]roots.Handle, n)
	for i := range hs {
		x, err := m.New(refs, 1+uintptr(rng.Intn(4)))
		require.NoError(t, err)
		m.SetWord(x, 0, uintptr(i))
		hs[i] = x
	}
	for i := range hs {
		for r := uintptr(0); r < refs; r++ {
			if rng.Intn(3) > 0 {
				m.Store(hs[i], r, hs[rng.Intn(n)])
			}
		}
	}
	var names []string
	for i := 0; i < n/20; i++ {
		name := fmt.Sprintf("root%d", i)
		m.StoreGlobal(name, hs[rng.Intn(n)])
		names = append(names, name)
	}
	m.PopTo(depth)
	return names
}

func TestCollectionsPreserveReachableGraph(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprint(seed), func(t *testing.T) {
			cfg := testConfig()
			cfg.InitialTenuringThreshold = 2
			cfg.MaxTenuringThreshold = 2
			h := newTestHeap(t, cfg)
			m := h.NewMutator("main")
			defer m.Release()
			rng := rand.New(rand.NewSource(seed))

			names := buildGraph(t, m, rng, 600, 3)
			want := snapshot(t, m, names)

			h.Collect(CauseWhiteBoxYoungGC, Young)
			require.Equal(t, want, snapshot(t, m, names))

			// Garbage between the survivors.
			for i := 0; i < 200; i++ {
				_, err := m.New(0, 3)
				require.NoError(t, err)
			}
			m.PopTo(0)
			h.Collect(CauseWhiteBoxYoungGC, Young)
			require.Equal(t, want, snapshot(t, m, names))

			h.Collect(CauseWhiteBoxYoungGC, Young)
			require.Equal(t, want, snapshot(t, m, names))
			require.NotZero(t, h.Old().Used())

			usedBefore := h.Used()
			h.Collect(CauseSystemGC, Old)
			require.Equal(t, want, snapshot(t, m, names))
			require.LessOrEqual(t, h.Used(), usedBefore)
			require.Zero(t, h.Young().Used())

			h.Collect(CauseWhiteBoxFullGC, Old)
			require.Equal(t, want, snapshot(t, m, names))
			require.Equal(t, uint64(2), h.TotalFullCollections())
		})
	}
}

func TestFullCollectionCompactsAwayGarbage(t *testing.T) {
	cfg := testConfig()
	cfg.AlwaysTenure = true
	h := newTestHeap(t, cfg)
	m := h.NewMutator("main")
	defer m.Release()

	keep := make([]roots.Handle, 0, 50)
	for i := 0; i < 100; i++ {
		x, err := m.New(0, 6)
		require.NoError(t, err)
		m.SetWord(x, 0, uintptr(i))
		if i%2 == 0 {
			keep = append(keep, m.Push(x))
		}
	}
	h.Collect(CauseWhiteBoxYoungGC, Young)
	require.Equal(t, 100*8*mem.WordSize, h.Old().Used())

	// Drop the odd objects: keep the even handles by rebuilding the stack.
	for i, k := range keep {
		m.Assign(roots.Handle(i), k)
	}
	m.PopTo(len(keep))

	h.Collect(CauseWhiteBoxFullGC, Old)
	require.Equal(t, 50*8*mem.WordSize, h.Old().Used())
	for i := range keep {
		require.Equal(t, uintptr(2*i), m.Word(roots.Handle(i), 0))
	}
	// Survivors are packed in address order.
	for i := 1; i < len(keep); i++ {
		prev := m.Obj(roots.Handle(i - 1))
		require.Equal(t, prev.End(), m.Obj(roots.Handle(i)).Addr())
	}
}

func TestIdentityHashSurvivesCollections(t *testing.T) {
	h := newTestHeap(t, testConfig())
	m := h.NewMutator("main")
	defer m.Release()

	x, err := m.New(0, 1)
	require.NoError(t, err)
	hash := m.IdentityHash(x)
	require.NotZero(t, hash)

	h.Collect(CauseWhiteBoxYoungGC, Young)
	require.Equal(t, hash, m.IdentityHash(x))
	h.Collect(CauseSystemGC, Old)
	require.Equal(t, hash, m.IdentityHash(x))
	h.Collect(CauseWhiteBoxYoungGC, Young)
	require.Equal(t, hash, m.IdentityHash(x))
}

func TestOutOfMemory(t *testing.T) {
	h := newTestHeap(t, testConfig())
	m := h.NewMutator("main")
	defer m.Release()

	var err error
	for i := 0; i < 100000 && err == nil; i++ {
		_, err = m.New(0, 126)
	}
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.NotZero(t, h.TotalFullCollections())

	// Once the objects are unreachable their memory is reused.
	m.PopTo(0)
	_, err = m.New(0, 126)
	require.NoError(t, err)
}

func TestLargeObjectsArePretenured(t *testing.T) {
	cfg := testConfig()
	cfg.PretenureSizeThreshold = 1 << 10
	h := newTestHeap(t, cfg)
	m := h.NewMutator("main")
	defer m.Release()

	small, err := m.New(0, 1)
	require.NoError(t, err)
	large, err := m.New(0, 200)
	require.NoError(t, err)
	require.True(t, h.IsInYoung(m.Obj(small).Addr()))
	require.True(t, h.IsInOld(m.Obj(large).Addr()))
	require.Equal(t, m.Obj(large).Addr(), h.BlockStart(m.Obj(large).PayloadAddr().AddWords(150)))
	require.Equal(t, uintptr(202), h.BlockSize(m.Obj(large).Addr()))
	require.True(t, h.BlockIsObj(m.Obj(large).Addr()))
}

func TestTLABsAreRetiredForWalks(t *testing.T) {
	cfg := testConfig()
	cfg.UseTLAB = true
	cfg.TLABSize = 4 << 10
	h := newTestHeap(t, cfg)
	m := h.NewMutator("main")
	defer m.Release()

	for i := 0; i < 10; i++ {
		_, err := m.New(1, 1)
		require.NoError(t, err)
	}
	// The whole buffer is taken out of eden.
	require.Equal(t, uintptr(4<<10), h.Young().Eden().Used())

	h.AtSafepoint(func() {
		objects, blocks := 0, uintptr(0)
		h.Young().Eden().BlockIterate(func(o oop.Obj) {
			blocks += o.Size()
			if !o.IsFiller() {
				objects++
			}
		})
		require.Equal(t, 10, objects)
		require.Equal(t, h.Young().Eden().Used(), blocks*mem.WordSize)
	})

	// The buffer was retired, the next allocation takes a new one.
	_, err := m.New(1, 1)
	require.NoError(t, err)
	require.Equal(t, uintptr(8<<10), h.Young().Eden().Used())
}

func TestConcurrentMutators(t *testing.T) {
	cfg := testConfig()
	cfg.UseTLAB = true
	cfg.TLABSize = 2 << 10
	h := newTestHeap(t, cfg)

	const workers, length, rounds = 4, 200, 100
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			m := h.NewMutator(fmt.Sprintf("worker-%d", w))
			defer m.Release()
			for r := 0; r < rounds; r++ {
				if err := buildAndCheckList(m, length); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NotZero(t, h.TotalCollections())
}

// buildAndCheckList builds a linked list of length nodes numbered from 0
// and walks it back.
func buildAndCheckList(m *Mutator, length int) error {
	base := m.Depth()
	defer m.PopTo(base)

	head, err := m.New(1, 1)
	if err != nil {
		return err
	}
	for i := 1; i < length; i++ {
		n, err := m.New(1, 1)
		if err != nil {
			return err
		}
		m.SetWord(n, 0, uintptr(i))
		m.Store(n, 0, head)
		m.Assign(head, n)
		m.PopTo(m.Depth() - 1)
	}

	cur := m.Push(head)
	for i := length - 1; i >= 0; i-- {
		if got := m.Word(cur, 0); got != uintptr(i) {
			return fmt.Errorf("%v: node %d holds %d", m, i, got)
		}
		next, ok := m.Load(cur, 0)
		if i == 0 {
			if ok {
				return fmt.Errorf("%v: list does not end after node 0", m)
			}
			break
		}
		if !ok {
			return fmt.Errorf("%v: list ends at node %d", m, i)
		}
		m.Assign(cur, next)
		m.PopTo(m.Depth() - 1)
	}
	return nil
}
