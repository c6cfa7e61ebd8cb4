// Package hostio provides the raw POSIX I/O helpers the device backends
// build on: retrying pread/pwrite loops and file-backed allocation, kept
// deliberately free of virtio or VFIO knowledge (spec §1's "Raw POSIX I/O
// helpers" external collaborator).
//
// Grounded on the teacher's thin syscall-wrapper idiom seen in
// internal/hv/kvm/kvm_bindings.go (ioctl/ioctlWithRetry), generalized here
// to pread64/pwrite64/fallocate.
package hostio

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// PReadFull reads len(buf) bytes from fd starting at offset, retrying on
// short reads and EINTR, the way a single read(2) call cannot guarantee
// for block devices and regular files alike.
func PReadFull(fd int, buf []byte, offset int64) error {
	for len(buf) > 0 {
		n, err := unix.Pread(fd, buf, offset)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("hostio: pread at %d: %w", offset, err)
		}
		if n == 0 {
			return fmt.Errorf("hostio: pread at %d: %w", offset, io.ErrUnexpectedEOF)
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}

// PWriteFull writes all of buf to fd starting at offset, retrying on
// short writes and EINTR.
func PWriteFull(fd int, buf []byte, offset int64) error {
	for len(buf) > 0 {
		n, err := unix.Pwrite(fd, buf, offset)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("hostio: pwrite at %d: %w", offset, err)
		}
		if n == 0 {
			return fmt.Errorf("hostio: pwrite at %d: short write", offset)
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}

// Fallocate extends or reserves length bytes at offset in fd, retrying on
// EINTR.
func Fallocate(fd int, mode uint32, offset int64, length int64) error {
	for {
		err := unix.Fallocate(fd, mode, offset, length)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("hostio: fallocate at %d len %d: %w", offset, length, err)
		}
		return nil
	}
}

// Fdatasync flushes fd's data (and enough metadata to retrieve it) to
// stable storage, retrying on EINTR.
func Fdatasync(fd int) error {
	for {
		err := unix.Fdatasync(fd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("hostio: fdatasync: %w", err)
		}
		return nil
	}
}

// FileSize returns the size in bytes of the file backing fd.
func FileSize(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("hostio: fstat: %w", err)
	}
	return st.Size, nil
}
