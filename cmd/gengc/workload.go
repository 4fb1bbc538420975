package main

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/tinygo-org/gengc/gc"
	"github.com/tinygo-org/gengc/roots"
)

// A workload drives one mutator for o.iterations iterations.
type workload func(m *gc.Mutator, rng *rand.Rand, o options) error

var workloads = map[string]workload{
	"churn": churn,
	"tree":  tree,
	"list":  list,
}

func workloadNames() []string {
	var names []string
	for name := range workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// churn allocates random object graphs and keeps a bounded random subset of
// them alive in global roots, so that some objects live long enough to be
// promoted and the old generation sees both garbage and survivors.
func churn(m *gc.Mutator, rng *rand.Rand, o options) error {
	const objects, globals = 1000, 64
	for it := 0; it < o.iterations; it++ {
		depth := m.Depth()
		hs := make([]roots.Handle, objects)
		refs := make([]uintptr, objects)
		for i := range hs {
			refs[i] = uintptr(rng.Intn(4))
			x, err := m.New(refs[i], uintptr(rng.Intn(16)))
			if err != nil {
				return err
			}
			hs[i] = x
		}
		for i, x := range hs {
			for f := uintptr(0); f < refs[i]; f++ {
				if rng.Intn(3) == 0 {
					m.Store(x, f, hs[rng.Intn(objects)])
				}
			}
		}
		for i := 0; i < objects/50; i++ {
			m.StoreGlobal(fmt.Sprintf("%s/churn%d", m.Name(), rng.Intn(globals)), hs[rng.Intn(objects)])
		}
		m.PopTo(depth)
	}
	return nil
}

// tree builds a long-lived binary tree of depth o.depth and then many
// short-lived ones of varying depth, checking every tree after it is built.
func tree(m *gc.Mutator, rng *rand.Rand, o options) error {
	const maxDepth = 10
	longLivedDepth := o.depth
	base := m.Depth()
	defer m.PopTo(base)

	long, err := makeTree(m, longLivedDepth)
	if err != nil {
		return err
	}
	for it := 0; it < o.iterations; it++ {
		depth := 2 + rng.Intn(maxDepth-1)
		t, err := makeTree(m, depth)
		if err != nil {
			return err
		}
		if n := countTree(m, t); n != 1<<(depth+1)-1 {
			return fmt.Errorf("tree of depth %d has %d nodes", depth, n)
		}
		m.PopTo(base + 1)
	}
	if n := countTree(m, long); n != 1<<(longLivedDepth+1)-1 {
		return fmt.Errorf("long-lived tree has %d nodes", n)
	}
	return nil
}

// makeTree returns a handle to a complete tree of the given depth. Nodes
// have two reference fields and two payload words.
func makeTree(m *gc.Mutator, depth int) (roots.Handle, error) {
	node, err := m.New(2, 2)
	if err != nil {
		return 0, err
	}
	m.SetWord(node, 0, uintptr(depth))
	if depth == 0 {
		return node, nil
	}
	for i := uintptr(0); i < 2; i++ {
		child, err := makeTree(m, depth-1)
		if err != nil {
			return 0, err
		}
		m.Store(node, i, child)
		m.PopTo(m.Depth() - 1)
	}
	return node, nil
}

func countTree(m *gc.Mutator, node roots.Handle) int {
	depth := m.Depth()
	defer m.PopTo(depth)
	n := 1
	for i := uintptr(0); i < 2; i++ {
		if child, ok := m.Load(node, i); ok {
			n += countTree(m, child)
		}
	}
	return n
}

// list grows a linked list and periodically drops a random prefix of it, so
// that long chains cross the generation boundary in both directions.
func list(m *gc.Mutator, rng *rand.Rand, o options) error {
	const perIteration = 500
	base := m.Depth()
	defer m.PopTo(base)

	head, err := m.New(1, 1)
	if err != nil {
		return err
	}
	length := 1
	for it := 0; it < o.iterations; it++ {
		for i := 0; i < perIteration; i++ {
			n, err := m.New(1, 1+uintptr(rng.Intn(8)))
			if err != nil {
				return err
			}
			m.SetWord(n, 0, uintptr(length))
			m.Store(n, 0, head)
			m.Assign(head, n)
			m.PopTo(m.Depth() - 1)
			length++
		}
		// Cut the list after a random node.
		keep := 1 + rng.Intn(length)
		cur := m.Push(head)
		for i := 1; i < keep; i++ {
			next, ok := m.Load(cur, 0)
			if !ok {
				return fmt.Errorf("list ends after %d of %d nodes", i, length)
			}
			m.Assign(cur, next)
			m.PopTo(m.Depth() - 1)
		}
		m.StoreNull(cur, 0)
		m.PopTo(m.Depth() - 1)
		length = keep
	}
	return nil
}
