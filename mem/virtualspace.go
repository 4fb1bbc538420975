package mem

import "github.com/cockroachdb/errors"

// VirtualSpace tracks the committed prefix of a reservation. The committed
// part is always [Low, High) and grows or shrinks at the high end in page
// sized steps. High itself need not be page aligned; the pages covering it
// are committed.
type VirtualSpace struct {
	rs            *Reservation
	low           Address
	high          Address
	committedHigh Address // page aligned, >= high
}

// Initialize sets up the virtual space over rs and commits the first
// committedSize bytes.
func (vs *VirtualSpace) Initialize(rs *Reservation, committedSize uintptr) error {
	if rs == nil {
		return errors.New("mem: virtual space over nil reservation")
	}
	vs.rs = rs
	vs.low = rs.Start()
	vs.high = rs.Start()
	vs.committedHigh = rs.Start()
	if committedSize > 0 && !vs.ExpandBy(committedSize) {
		return errors.Wrapf(ErrCommitFailed, "initial commit of %d bytes", committedSize)
	}
	return nil
}

// Reservation returns the underlying reservation.
func (vs *VirtualSpace) Reservation() *Reservation { return vs.rs }

// Low returns the start of the committed range.
func (vs *VirtualSpace) Low() Address { return vs.low }

// High returns the end of the committed range.
func (vs *VirtualSpace) High() Address { return vs.high }

// LowBoundary returns the start of the reservation.
func (vs *VirtualSpace) LowBoundary() Address { return vs.rs.Start() }

// HighBoundary returns the end of the reservation.
func (vs *VirtualSpace) HighBoundary() Address { return vs.rs.End() }

// CommittedSize returns High - Low in bytes.
func (vs *VirtualSpace) CommittedSize() uintptr { return ByteDelta(vs.high, vs.low) }

// ReservedSize returns the size of the reservation in bytes.
func (vs *VirtualSpace) ReservedSize() uintptr { return vs.rs.Size() }

// UncommittedSize returns how many more bytes can be committed.
func (vs *VirtualSpace) UncommittedSize() uintptr {
	return vs.ReservedSize() - vs.CommittedSize()
}

// Committed returns the committed range.
func (vs *VirtualSpace) Committed() Region {
	return Region{Start: vs.low, End: vs.high}
}

// ExpandBy grows the committed range by bytes. It returns false, leaving the
// space unchanged, if the reservation is too small or the operating system
// refuses to commit the memory.
func (vs *VirtualSpace) ExpandBy(bytes uintptr) bool {
	if bytes == 0 {
		return true
	}
	if bytes > vs.UncommittedSize() {
		return false
	}
	newHigh := vs.high + Address(bytes)
	alignedHigh := newHigh.AlignUp(PageSize())
	if alignedHigh > vs.rs.End() {
		alignedHigh = vs.rs.End()
	}
	if alignedHigh > vs.committedHigh {
		if err := vs.rs.Commit(vs.committedHigh, ByteDelta(alignedHigh, vs.committedHigh)); err != nil {
			return false
		}
		vs.committedHigh = alignedHigh
	}
	vs.high = newHigh
	return true
}

// ShrinkBy gives back bytes at the high end of the committed range.
func (vs *VirtualSpace) ShrinkBy(bytes uintptr) {
	if bytes > vs.CommittedSize() {
		fatalf("cannot shrink virtual space by %d bytes, only %d committed", bytes, vs.CommittedSize())
	}
	newHigh := vs.high - Address(bytes)
	alignedHigh := newHigh.AlignUp(PageSize())
	if alignedHigh < vs.committedHigh {
		// Failing to uncommit only leaves memory committed; the range stays
		// unused and is reused by the next expansion.
		if err := vs.rs.Uncommit(alignedHigh, ByteDelta(vs.committedHigh, alignedHigh)); err == nil {
			vs.committedHigh = alignedHigh
		}
	}
	vs.high = newHigh
}
