// Package shmem is the same-host transport: every ordered pair of ranks
// shares a memory mapped queue region the sender inserts into and the
// receiver drains, with a zero-copy path for large payloads that lets the
// receiver read straight out of the sender's memory.
package shmem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/raskyld/ranklink/pkg/msg"
	"golang.org/x/sys/unix"
)

var (
	ErrRegionSize     = errors.New("shmem: invalid region size")
	ErrRegionMismatch = errors.New("shmem: region was created with a different layout")
	ErrRegionInit     = errors.New("shmem: region never finished initialising")
	ErrTooLarge       = errors.New("shmem: entry does not fit the region")
	ErrCorrupt        = errors.New("shmem: corrupt queue entry")
	ErrTruncated      = errors.New("shmem: buffer too small for entry")
	ErrPeerGone       = errors.New("shmem: peer process exited")
	ErrClosed         = errors.New("shmem: region closed")
)

// WaitMode selects how a blocked insert or remove waits for its signal.
type WaitMode uint8

const (
	// WaitEvent sleeps on a futex until the peer signals.
	WaitEvent WaitMode = iota
	// WaitSpin yields the processor in a loop, watching the signal word.
	WaitSpin
)

func (m WaitMode) String() string {
	switch m {
	case WaitEvent:
		return "event"
	case WaitSpin:
		return "spin"
	default:
		return "unknown"
	}
}

const (
	regionMagic = 0x726b6c71

	headerSize      = 64
	entryHeaderSize = 32
	align           = 8

	// MinRegionSize leaves room for a few entries past the header.
	MinRegionSize = 4096

	// waitTick bounds every sleep so closure and peer death are noticed.
	waitTick = 100 * time.Millisecond
	initWait = time.Second
)

// Region header layout.
const (
	offInit      = 0  // 0 fresh, 1 initialising, 2 ready
	offLock      = 4  // futex mutex: 0 free, 1 held, 2 held with waiters
	offDataSeq   = 8  // bumped when an entry becomes available
	offSpaceSeq  = 12 // bumped when space is reclaimed
	offHead      = 16
	offTail      = 24
	offCapacity  = 32
	offWriterPID = 40
	offReaderPID = 44
	offZcPosted  = 48
	offZcAck     = 52
	offZcStatus  = 56
	offMagic     = 60
)

// Entry header layout, relative to the entry offset.
const (
	entState  = 0
	entFlags  = 4
	entTag    = 8
	entSource = 12
	entLength = 16
	entTotal  = 20
	entNext   = 24
)

type entryState uint32

const (
	stateFree entryState = iota
	stateWriting
	stateAvailable
	stateReading
	stateRead
)

const (
	flagFirst uint32 = 1 << iota
	flagLast
	flagZeroCopy
)

const (
	initFresh uint32 = iota
	initBusy
	initReady
)

// Entry describes a removed queue entry.
type Entry struct {
	Tag    msg.Tag
	Source msg.Rank
	Length int
}

type entryHeader struct {
	state  entryState
	flags  uint32
	tag    msg.Tag
	source msg.Rank
	length int
	total  int
	next   uint64
}

// Region is one memory mapped queue. Offsets stored in the mapping are
// relative to the ring, the part of the mapping that follows the header,
// and are bounds checked before every use.
type Region struct {
	path   string
	mem    []byte
	ring   []byte
	mode   WaitMode
	closed atomic.Bool
}

// OpenRegion maps the queue at path, creating and initialising it if
// needed. With fresh set, any file left at path is removed first.
func OpenRegion(path string, size int, mode WaitMode, fresh bool) (*Region, error) {
	if size < MinRegionSize || size%align != 0 {
		return nil, fmt.Errorf("%w: %d", ErrRegionSize, size)
	}
	if fresh {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, err
		}
	} else if fi.Size() != int64(size) {
		return nil, fmt.Errorf("%w: %d bytes on disk, want %d", ErrRegionMismatch, fi.Size(), size)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}
	r := &Region{
		path: path,
		mem:  mem,
		ring: mem[headerSize:],
		mode: mode,
	}
	if err := r.init(); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return r, nil
}

func (r *Region) init() error {
	st := r.u32(offInit)
	if st.CompareAndSwap(initFresh, initBusy) {
		r.u64(offCapacity).Store(uint64(len(r.ring)))
		r.u32(offMagic).Store(regionMagic)
		st.Store(initReady)
		return nil
	}

	deadline := time.Now().Add(initWait)
	for st.Load() != initReady {
		if time.Now().After(deadline) {
			return ErrRegionInit
		}
		time.Sleep(time.Millisecond)
	}
	if r.u32(offMagic).Load() != regionMagic || r.u64(offCapacity).Load() != uint64(len(r.ring)) {
		return ErrRegionMismatch
	}
	return nil
}

func (r *Region) Path() string {
	return r.path
}

// Capacity is the number of ring bytes entries share.
func (r *Region) Capacity() int {
	return len(r.ring)
}

// MaxPayload is the largest payload a single entry may carry while leaving
// room for others in flight.
func (r *Region) MaxPayload() int {
	return (len(r.ring)/4)&^(align-1) - entryHeaderSize
}

func (r *Region) u32(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *Region) u64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r.mem[off]))
}

func (r *Region) ringU32(off uint64, field int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.ring[off+uint64(field)]))
}

func (r *Region) ringU64(off uint64, field int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r.ring[off+uint64(field)]))
}

// attach records the pid of the local process in the writer or reader slot.
func (r *Region) attach(reader bool) {
	off := offWriterPID
	if reader {
		off = offReaderPID
	}
	r.u32(off).Store(uint32(os.Getpid()))
}

// peerAlive reports whether the process recorded at off is still running.
func (r *Region) peerAlive(off int) error {
	pid := int(r.u32(off).Load())
	if pid == 0 || pid == os.Getpid() {
		return nil
	}
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("%w: pid %d", ErrPeerGone, pid)
	}
	return nil
}

func (r *Region) lock() {
	w := r.u32(offLock)
	if w.CompareAndSwap(0, 1) {
		return
	}
	for w.Swap(2) != 0 {
		futexWait(w, 2, waitTick)
	}
}

func (r *Region) unlock() {
	w := r.u32(offLock)
	if w.Swap(0) == 2 {
		futexWake(w, 1)
	}
}

// signal bumps a sequence word and wakes everyone sleeping on it.
// must hold lock
func (r *Region) signal(off int) {
	r.u32(off).Add(1)
}

func (r *Region) wake(off int) {
	if r.mode == WaitEvent {
		futexWake(r.u32(off), -1)
	}
}

// await blocks until the sequence word at off moves past seen, ctx is done
// or one tick elapsed.
func (r *Region) await(ctx context.Context, off int, seen uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed.Load() {
		return ErrClosed
	}
	seq := r.u32(off)
	switch r.mode {
	case WaitSpin:
		deadline := time.Now().Add(waitTick)
		for seq.Load() == seen && time.Now().Before(deadline) {
			runtime.Gosched()
		}
	default:
		futexWait(seq, seen, waitTick)
	}
	return ctx.Err()
}

func entrySize(payload int) uint64 {
	return uint64(entryHeaderSize+payload+align-1) &^ (align - 1)
}

// must hold lock
func (r *Region) offsets() (head, tail uint64) {
	return r.u64(offHead).Load(), r.u64(offTail).Load()
}

// must hold lock
func (r *Region) header(off uint64) (entryHeader, error) {
	_, tail := r.offsets()
	if off%align != 0 || off+entryHeaderSize > tail || tail > uint64(len(r.ring)) {
		return entryHeader{}, fmt.Errorf("%w: entry at %d, tail %d", ErrCorrupt, off, tail)
	}
	h := entryHeader{
		state:  entryState(r.ringU32(off, entState).Load()),
		flags:  r.ringU32(off, entFlags).Load(),
		tag:    msg.Tag(int32(r.ringU32(off, entTag).Load())),
		source: msg.Rank(int32(r.ringU32(off, entSource).Load())),
		length: int(r.ringU32(off, entLength).Load()),
		total:  int(r.ringU32(off, entTotal).Load()),
		next:   r.ringU64(off, entNext).Load(),
	}
	if h.next != off+entrySize(h.length) || h.next > tail {
		return entryHeader{}, fmt.Errorf("%w: entry at %d claims next %d", ErrCorrupt, off, h.next)
	}
	return h, nil
}

func (r *Region) setState(off uint64, s entryState) {
	r.ringU32(off, entState).Store(uint32(s))
}

// insert reserves room for one entry, copies payload outside the lock and
// then publishes it. When the tail cannot fit the entry before the end of
// the ring, it waits for the queue to drain.
func (r *Region) insert(ctx context.Context, h entryHeader, payload []byte, onWait func()) error {
	need := entrySize(len(payload))
	if need > uint64(len(r.ring)) {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}

	for {
		if r.closed.Load() {
			return ErrClosed
		}
		r.lock()
		head, tail := r.offsets()
		if tail+need > uint64(len(r.ring)) && head == tail {
			head, tail = 0, 0
			r.u64(offHead).Store(0)
			r.u64(offTail).Store(0)
		}
		if tail+need <= uint64(len(r.ring)) {
			off := tail
			r.setState(off, stateWriting)
			r.ringU32(off, entFlags).Store(h.flags)
			r.ringU32(off, entTag).Store(uint32(int32(h.tag)))
			r.ringU32(off, entSource).Store(uint32(int32(h.source)))
			r.ringU32(off, entLength).Store(uint32(len(payload)))
			r.ringU32(off, entTotal).Store(uint32(h.total))
			r.ringU64(off, entNext).Store(off + need)
			r.u64(offTail).Store(off + need)
			r.unlock()

			copy(r.ring[off+entryHeaderSize:off+entryHeaderSize+uint64(len(payload))], payload)

			r.lock()
			r.setState(off, stateAvailable)
			r.signal(offDataSeq)
			r.unlock()
			r.wake(offDataSeq)
			return nil
		}

		seen := r.u32(offSpaceSeq).Load()
		r.unlock()
		if onWait != nil {
			onWait()
		}
		if err := r.await(ctx, offSpaceSeq, seen); err != nil {
			return err
		}
		if err := r.peerAlive(offReaderPID); err != nil {
			return err
		}
	}
}

// must hold lock
func (r *Region) scan() (uint64, entryHeader, bool, error) {
	head, tail := r.offsets()
	for off := head; off < tail; {
		h, err := r.header(off)
		if err != nil {
			return 0, entryHeader{}, false, err
		}
		if h.state == stateAvailable {
			return off, h, true, nil
		}
		off = h.next
	}
	return 0, entryHeader{}, false, nil
}

// reclaim advances the head over the contiguous run of read entries. An
// emptied queue restarts at the beginning of the ring.
// must hold lock
func (r *Region) reclaim() (bool, error) {
	head, tail := r.offsets()
	start := head
	for head < tail {
		h, err := r.header(head)
		if err != nil {
			return false, err
		}
		if h.state != stateRead {
			break
		}
		r.setState(head, stateFree)
		head = h.next
	}
	if head == start {
		return false, nil
	}
	if head == tail {
		head = 0
		r.u64(offTail).Store(0)
	}
	r.u64(offHead).Store(head)
	r.signal(offSpaceSeq)
	return true, nil
}

// removeNext takes the first available entry and hands its payload to fn,
// which must not retain it. Without wait, it returns false when nothing is
// available.
func (r *Region) removeNext(ctx context.Context, wait bool, fn func(h entryHeader, payload []byte) error) (bool, error) {
	for {
		if r.closed.Load() {
			return false, ErrClosed
		}
		r.lock()
		off, h, found, err := r.scan()
		if err != nil {
			r.unlock()
			return false, err
		}
		if found {
			r.setState(off, stateReading)
			r.unlock()

			start := off + entryHeaderSize
			ferr := fn(h, r.ring[start:start+uint64(h.length)])

			r.lock()
			r.setState(off, stateRead)
			reclaimed, err := r.reclaim()
			r.unlock()
			if reclaimed {
				r.wake(offSpaceSeq)
			}
			if err != nil {
				return true, err
			}
			return true, ferr
		}

		seen := r.u32(offDataSeq).Load()
		r.unlock()
		if !wait {
			return false, nil
		}
		if err := r.await(ctx, offDataSeq, seen); err != nil {
			return false, err
		}
	}
}

// Insert copies payload into the queue as a single entry, blocking while
// the queue lacks room.
func (r *Region) Insert(ctx context.Context, tag msg.Tag, source msg.Rank, payload []byte) error {
	h := entryHeader{flags: flagFirst | flagLast, tag: tag, source: source, total: len(payload)}
	return r.insert(ctx, h, payload, nil)
}

// RemoveNext copies the next available entry into buf, blocking until one
// is available.
func (r *Region) RemoveNext(ctx context.Context, buf []byte) (Entry, error) {
	var e Entry
	_, err := r.removeNext(ctx, true, func(h entryHeader, payload []byte) error {
		e = Entry{Tag: h.tag, Source: h.source, Length: h.length}
		if len(payload) > len(buf) {
			return fmt.Errorf("%w: %d byte entry, %d byte buffer", ErrTruncated, len(payload), len(buf))
		}
		copy(buf, payload)
		return nil
	})
	return e, err
}

// Empty reports whether every inserted entry was removed.
func (r *Region) Empty() bool {
	r.lock()
	defer r.unlock()
	head, tail := r.offsets()
	return head == tail
}

// Close unmaps the region and, with unlink set, removes its file.
func (r *Region) Close(unlink bool) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := unix.Munmap(r.mem)
	if unlink {
		if rerr := os.Remove(r.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
			err = rerr
		}
	}
	return err
}
