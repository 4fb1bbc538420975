//go:build !unix

package mem

// Without an mmap-style interface the reservation is backed by a Go byte
// slice. It is never moved by the Go garbage collector and stays reachable
// through the mapping, so addresses into it remain valid. Commit and uncommit
// only zero memory; access protection is not enforced.

const otherPageSize = 4096

func sysPageSize() int {
	return otherPageSize
}

func sysReserve(size uintptr) ([]byte, error) {
	return make([]byte, size), nil
}

func sysCommit(b []byte) error {
	clear(b)
	return nil
}

func sysUncommit(b []byte) error {
	clear(b)
	return nil
}

func sysProtect(b []byte, access Access) error {
	return nil
}

func sysRelease(b []byte) error {
	return nil
}
