package vfio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sizeofRawRegionInfo = 32
	sizeofRawIrqInfo     = 16
)

func ioctlNoArg(fd int, request uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlArg(fd int, request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlBuf(fd int, request uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return ioctlArg(fd, request, unsafe.Pointer(&buf[0]))
}

func newNonblockingEventFD() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}
