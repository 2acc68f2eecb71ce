package main

import (
	"os"
	"unsafe"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// progressEnabled reports whether stderr is an interactive terminal, used
// to decide whether printing transient progress lines is worthwhile.
func progressEnabled() bool {
	return isatty.IsTerminal(os.Stderr.Fd())
}

// blockDeviceSize returns path's size in bytes via BLKGETSIZE64 if it is a
// block device node, or its regular size otherwise.
func blockDeviceSize(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if st.Mode()&os.ModeDevice == 0 {
		return uint64(st.Size()), nil
	}
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, xerrors.Errorf("BLKGETSIZE64 on %s: %w", path, errno)
	}
	return size, nil
}
