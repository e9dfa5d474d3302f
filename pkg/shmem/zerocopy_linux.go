package shmem

import (
	"golang.org/x/sys/unix"
)

// readRemote copies len(dst) bytes living at addr in process pid.
func readRemote(pid int, addr uintptr, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &dst[0]}}
	local[0].SetLen(len(dst))
	remote := []unix.RemoteIovec{{Base: addr, Len: len(dst)}}
	return unix.ProcessVMReadv(pid, local, remote, 0)
}
