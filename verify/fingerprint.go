package verify

import (
	"encoding/binary"

	"github.com/sigurn/crc16"
	"github.com/tinygo-org/gengc/gc"
	"github.com/tinygo-org/gengc/mem"
	"github.com/tinygo-org/gengc/oop"
)

var table = crc16.MakeTable(crc16.CRC16_XMODEM)

// Print summarizes the object graph reachable from the roots of a heap
// independently of where the objects are: two heaps whose graphs have the
// same shape and contents have the same print.
type Print struct {
	Sum     uint16
	Objects int
	Words   uintptr
}

// Fingerprint walks the graph reachable from the roots of h breadth first,
// in root order, and hashes every object's layout, payload and references.
// References are hashed as the visit number of their referent, so moving
// objects does not change the print. Mark words are left out. The world
// must be stopped.
func Fingerprint(h *gc.Heap) Print {
	var p Print
	number := make(map[mem.Address]uint64)
	var queue []oop.Obj
	visit := func(a mem.Address) uint64 {
		if a == mem.Null {
			return 0
		}
		n, ok := number[a]
		if !ok {
			n = uint64(len(number) + 1)
			number[a] = n
			queue = append(queue, oop.Obj(a))
		}
		return n
	}

	crc := crc16.Init(table)
	var buf [8]byte
	word := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		crc = crc16.Update(crc, buf[:], table)
	}
	h.Roots().Iterate(func(slot *mem.Address) {
		word(visit(*slot))
	})
	for len(queue) > 0 {
		o := queue[0]
		queue = queue[1:]
		p.Objects++
		p.Words += o.Size()
		word(uint64(o.Layout()))
		for i := uintptr(0); i < o.RefCount(); i++ {
			word(visit(o.Ref(i).Addr()))
		}
		for i := uintptr(0); i < o.PayloadWords(); i++ {
			word(uint64(mem.LoadWord(o.PayloadAddr().AddWords(i))))
		}
	}
	p.Sum = crc16.Complete(crc, table)
	return p
}
