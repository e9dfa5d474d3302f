//go:build !linux

package shmem

import (
	"sync/atomic"
	"time"
)

const pollInterval = 50 * time.Microsecond

// Without futexes, waiters poll the word.
func futexWait(addr *atomic.Uint32, val uint32, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for addr.Load() == val && time.Now().Before(deadline) {
		time.Sleep(pollInterval)
	}
}

func futexWake(addr *atomic.Uint32, n int) {}
