//go:build !linux

package shmem

import "errors"

var errNoCrossProcessRead = errors.New("shmem: cross-process reads are not supported on this platform")

func readRemote(pid int, addr uintptr, dst []byte) (int, error) {
	return 0, errNoCrossProcessRead
}
