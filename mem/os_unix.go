//go:build unix

package mem

import "golang.org/x/sys/unix"

func sysPageSize() int {
	return unix.Getpagesize()
}

// sysReserve maps an inaccessible anonymous range. Nothing is backed by
// memory until a range is made accessible by sysCommit.
func sysReserve(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func sysCommit(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

// sysUncommit drops the pages (a later commit sees zeroes) and makes the
// range inaccessible again so stray accesses fault.
func sysUncommit(b []byte) error {
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func sysProtect(b []byte, access Access) error {
	prot := unix.PROT_NONE
	switch access {
	case AccessRead:
		prot = unix.PROT_READ
	case AccessReadWrite:
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.Mprotect(b, prot)
}

func sysRelease(b []byte) error {
	return unix.Munmap(b)
}
