package heapdump

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/gc"
	"github.com/tinygo-org/gengc/mem"
)

type dump struct {
	Heap struct {
		Start       uint64 `json:"start"`
		End         uint64 `json:"end"`
		Used        uint64 `json:"used"`
		Collections uint64 `json:"collections"`
		Spaces      []struct {
			Generation string `json:"generation"`
			Name       string `json:"name"`
			Used       uint64 `json:"used"`
		} `json:"spaces"`
	} `json:"heap"`
	Objects []struct {
		ID    uint64   `json:"id"`
		Type  string   `json:"type"`
		Space string   `json:"space"`
		Size  uint64   `json:"size"`
		Ptrs  []uint64 `json:"ptrs"`
	} `json:"objects"`
	Roots []uint64 `json:"roots"`
}

func newHeap(t *testing.T) *gc.Heap {
	t.Helper()
	cfg := config.Default()
	cfg.InitialHeapSize = 1 << 20
	cfg.MaxHeapSize = 1 << 20
	cfg.UseTLAB = false
	h, err := gc.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Close()) })
	return h
}

func decode(t *testing.T, buf *bytes.Buffer) dump {
	t.Helper()
	var d dump
	require.NoError(t, json.Unmarshal(buf.Bytes(), &d), buf.String())
	return d
}

func TestWrite(t *testing.T) {
	h := newHeap(t)
	m := h.NewMutator("main")
	defer m.Release()

	a, err := m.New(2, 1)
	require.NoError(t, err)
	b, err := m.New(0, 3)
	require.NoError(t, err)
	m.Store(a, 1, b)
	m.PopTo(1)
	_, err = m.New(0, 1) // garbage still in eden, rooted by a handle
	require.NoError(t, err)

	buf := new(bytes.Buffer)
	require.NoError(t, Write(buf, h, Options{}))
	d := decode(t, buf)

	require.Equal(t, uint64(h.Reserved().Start), d.Heap.Start)
	require.Equal(t, uint64(h.Used()), d.Heap.Used)
	require.Len(t, d.Heap.Spaces, 4)
	require.Equal(t, "eden", d.Heap.Spaces[0].Name)
	require.Equal(t, "tenured generation", d.Heap.Spaces[3].Generation)

	require.Len(t, d.Objects, 3)
	require.Equal(t, uint64(m.Obj(a).Addr()), d.Objects[0].ID)
	require.Equal(t, uint64(5*mem.WordSize), d.Objects[0].Size)
	require.Equal(t, []uint64{uint64(m.Obj(b).Addr())}, d.Objects[0].Ptrs)
	require.Equal(t, "eden", d.Objects[0].Space)
	require.Equal(t, "layout(size=5 refs=2)", d.Objects[0].Type)
	require.Empty(t, d.Objects[1].Ptrs)
	require.Equal(t, []uint64{uint64(m.Obj(a).Addr()), d.Objects[2].ID}, d.Roots)
}

func TestWriteAfterCollection(t *testing.T) {
	h := newHeap(t)
	m := h.NewMutator("main")
	defer m.Release()

	a, err := m.New(1, 0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := m.New(0, 4)
		require.NoError(t, err)
	}
	m.PopTo(1)

	buf := new(bytes.Buffer)
	require.NoError(t, Write(buf, h, Options{Collect: true, Fillers: true}))
	d := decode(t, buf)

	require.Equal(t, uint64(1), d.Heap.Collections)
	require.Len(t, d.Objects, 1)
	require.Equal(t, uint64(m.Obj(a).Addr()), d.Objects[0].ID)
	require.Equal(t, "the space", d.Objects[0].Space)
	require.Equal(t, gc.CauseHeapDump, h.Stats().LastCause)
}

func TestWriteStats(t *testing.T) {
	h := newHeap(t)
	h.Collect(gc.CauseWhiteBoxYoungGC, gc.Young)

	buf := new(bytes.Buffer)
	require.NoError(t, WriteStats(buf, h))
	var s struct {
		Collections int    `json:"collections"`
		LastCause   string `json:"last_cause"`
		Generations []struct {
			Name        string `json:"name"`
			Collections int    `json:"collections"`
		} `json:"generations"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &s), buf.String())
	require.Equal(t, 1, s.Collections)
	require.Equal(t, gc.CauseWhiteBoxYoungGC.String(), s.LastCause)
	require.Len(t, s.Generations, 2)
	require.Equal(t, "def new generation", s.Generations[0].Name)
	require.Equal(t, 1, s.Generations[0].Collections)
	require.Zero(t, s.Generations[1].Collections)
}
