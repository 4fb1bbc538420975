package mem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// Address space handed out by this package is always in one of three states:
//  1. Reserved: owned by the heap, but accessing it faults. It does not
//     count against the process footprint.
//  2. Committed: backed by zeroed memory and safe to access.
//  3. Released: returned to the operating system.
//
// Commit and Uncommit move page-aligned ranges of a reservation between the
// first two states. A reservation can be split so that several generations
// or side tables share one contiguous reserved range.

// ErrCommitFailed is returned when the operating system refuses to back a
// range with memory or when the commit limit of a reservation is exceeded.
var ErrCommitFailed = errors.New("commit failed")

// Access is the protection applied to a committed range.
type Access int

const (
	AccessNone Access = iota
	AccessRead
	AccessReadWrite
)

// mapping is one operating-system mapping shared by all the reservations
// split from it.
type mapping struct {
	lock      sync.Mutex
	backing   []byte // the full mapping, including alignment slack
	base      Address
	size      uintptr
	committed uintptr
	limit     uintptr // 0 means unlimited
	released  bool
}

// Reservation is a reserved, page-aligned range of address space.
type Reservation struct {
	m     *mapping
	start Address
	size  uintptr
}

var (
	pageSizeOnce sync.Once
	pageSize     uintptr
)

// PageSize returns the granularity of commit and uncommit operations.
func PageSize() uintptr {
	pageSizeOnce.Do(func() {
		pageSize = uintptr(sysPageSize())
	})
	return pageSize
}

// Reserve reserves size bytes of address space whose start is aligned to
// alignment. Both are rounded up to the page size.
func Reserve(size, alignment uintptr) (*Reservation, error) {
	page := PageSize()
	if alignment < page {
		alignment = page
	}
	if !IsPowerOfTwo(alignment) {
		return nil, errors.Newf("mem: alignment %d is not a power of two", alignment)
	}
	size = AlignUp(size, page)
	if size == 0 {
		return nil, errors.New("mem: cannot reserve an empty range")
	}
	// Over-reserve so that an aligned start can always be found.
	backing, err := sysReserve(size + alignment)
	if err != nil {
		return nil, errors.Wrapf(err, "mem: reserve %d bytes", size)
	}
	base := Address(sliceBase(backing))
	start := base.AlignUp(alignment)
	m := &mapping{
		backing: backing,
		base:    base,
		size:    uintptr(len(backing)),
	}
	return &Reservation{m: m, start: start, size: size}, nil
}

// Start returns the lowest reserved address.
func (rs *Reservation) Start() Address { return rs.start }

// End returns the address just past the reservation.
func (rs *Reservation) End() Address { return rs.start + Address(rs.size) }

// Size returns the reserved size in bytes.
func (rs *Reservation) Size() uintptr { return rs.size }

// Region returns the reserved range.
func (rs *Reservation) Region() Region {
	return Region{Start: rs.Start(), End: rs.End()}
}

// Split divides the reservation at offset bytes into two adjacent
// reservations sharing the same mapping. offset must be page aligned.
func (rs *Reservation) Split(offset uintptr) (low, high *Reservation) {
	if offset > rs.size || offset%PageSize() != 0 {
		fatalf("bad split offset %d of reservation %v", offset, rs.Region())
	}
	low = &Reservation{m: rs.m, start: rs.start, size: offset}
	high = &Reservation{m: rs.m, start: rs.start + Address(offset), size: rs.size - offset}
	return low, high
}

// SetCommitLimit bounds the total number of bytes that may be committed in
// the mapping this reservation belongs to. Commits beyond the limit fail with
// ErrCommitFailed. A limit of zero removes the bound.
func (rs *Reservation) SetCommitLimit(limit uintptr) {
	rs.m.lock.Lock()
	rs.m.limit = limit
	rs.m.lock.Unlock()
}

// Committed returns the number of bytes committed in the whole mapping.
func (rs *Reservation) Committed() uintptr {
	rs.m.lock.Lock()
	defer rs.m.lock.Unlock()
	return rs.m.committed
}

func (rs *Reservation) slice(a Address, size uintptr) []byte {
	if a < rs.start || a+Address(size) > rs.End() {
		fatalf("range %v+%d outside reservation %v", a, size, rs.Region())
	}
	if !a.IsAligned(PageSize()) || size%PageSize() != 0 {
		fatalf("range %v+%d is not page aligned", a, size)
	}
	off := uintptr(a - rs.m.base)
	return rs.m.backing[off : off+size : off+size]
}

// Commit makes [a, a+size) accessible. The range must be page aligned and
// lie inside the reservation.
func (rs *Reservation) Commit(a Address, size uintptr) error {
	if size == 0 {
		return nil
	}
	b := rs.slice(a, size)
	rs.m.lock.Lock()
	defer rs.m.lock.Unlock()
	if rs.m.released {
		fatalf("commit into released reservation")
	}
	if rs.m.limit != 0 && rs.m.committed+size > rs.m.limit {
		return errors.Wrapf(ErrCommitFailed, "commit %d bytes at %v: limit %d reached", size, a, rs.m.limit)
	}
	if err := sysCommit(b); err != nil {
		return errors.Wrapf(ErrCommitFailed, "commit %d bytes at %v: %v", size, a, err)
	}
	rs.m.committed += size
	return nil
}

// Uncommit returns the memory backing [a, a+size) to the operating system.
// The range stays reserved; reading it again after a commit yields zeroes.
func (rs *Reservation) Uncommit(a Address, size uintptr) error {
	if size == 0 {
		return nil
	}
	b := rs.slice(a, size)
	rs.m.lock.Lock()
	defer rs.m.lock.Unlock()
	if err := sysUncommit(b); err != nil {
		return errors.Wrapf(err, "mem: uncommit %d bytes at %v", size, a)
	}
	if size > rs.m.committed {
		fatalf("uncommitting more than was committed")
	}
	rs.m.committed -= size
	return nil
}

// Protect changes the access rights of a committed range.
func (rs *Reservation) Protect(a Address, size uintptr, access Access) error {
	if size == 0 {
		return nil
	}
	if err := sysProtect(rs.slice(a, size), access); err != nil {
		return errors.Wrapf(err, "mem: protect %d bytes at %v", size, a)
	}
	return nil
}

// Release unmaps the whole mapping, including every reservation split from
// it. No address in it may be used afterwards.
func (rs *Reservation) Release() error {
	rs.m.lock.Lock()
	defer rs.m.lock.Unlock()
	if rs.m.released {
		return nil
	}
	rs.m.released = true
	if err := sysRelease(rs.m.backing); err != nil {
		return errors.Wrap(err, "mem: release")
	}
	rs.m.backing = nil
	return nil
}

func (rs *Reservation) String() string {
	return fmt.Sprintf("reservation %v (%d bytes)", rs.Region(), rs.size)
}

func sliceBase(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
