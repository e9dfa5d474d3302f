// Package directory holds the process directory: one record per rank,
// populated lazily as peers are discovered, plus the per-peer connection
// slot transports use to agree on a single live connection.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/raskyld/ranklink/pkg/msg"
)

var (
	ErrRankOutOfRange = errors.New("directory: rank out of range")
	ErrEntryConflict  = errors.New("directory: rank already registered with a different record")
	ErrClosed         = errors.New("directory: closed")
)

// ProcessEntry is everything a peer needs to reach a rank.
type ProcessEntry struct {
	Rank        msg.Rank
	Host        string
	ListenPort  int
	ControlPort int
	PID         int
	Exe         string

	// NICs lists addresses usable by the VIA transport, if any.
	NICs []string
}

func (e ProcessEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("rank", int(e.Rank)),
		slog.String("host", e.Host),
		slog.Int("listen_port", e.ListenPort),
		slog.Int("control_port", e.ControlPort),
		slog.Int("pid", e.PID),
	)
}

// ConnectInfo is the part of an entry a peer needs to open a data
// connection.
type ConnectInfo struct {
	Host       string
	ListenPort int
	NICs       []string
}

func (e ProcessEntry) ConnectInfo() ConnectInfo {
	return ConnectInfo{
		Host:       e.Host,
		ListenPort: e.ListenPort,
		NICs:       slices.Clone(e.NICs),
	}
}

func (e ProcessEntry) equal(o ProcessEntry) bool {
	return e.Rank == o.Rank &&
		e.Host == o.Host &&
		e.ListenPort == o.ListenPort &&
		e.ControlPort == o.ControlPort &&
		e.PID == o.PID &&
		e.Exe == o.Exe &&
		slices.Equal(e.NICs, o.NICs)
}

type cell struct {
	lk    sync.Mutex
	set   bool
	entry ProcessEntry
	valid chan struct{}
	slot  Slot
}

// Directory is an arena of records indexed by rank.
//
// A record is written once; the write happens before its validity channel
// is closed, so readers that observed the channel closed need no lock.
type Directory struct {
	cells     []cell
	populated atomic.Int32

	allCh   chan struct{}
	closeCh chan struct{}
	closed  sync.Once
}

func New(size int) *Directory {
	d := &Directory{
		cells:   make([]cell, size),
		allCh:   make(chan struct{}),
		closeCh: make(chan struct{}),
	}
	for i := range d.cells {
		d.cells[i].valid = make(chan struct{})
		d.cells[i].slot.init()
	}
	if size == 0 {
		close(d.allCh)
	}
	return d
}

func (d *Directory) Size() int {
	return len(d.cells)
}

func (d *Directory) cell(rank msg.Rank) (*cell, error) {
	if rank < 0 || int(rank) >= len(d.cells) {
		return nil, fmt.Errorf("%w: %d", ErrRankOutOfRange, rank)
	}
	return &d.cells[rank], nil
}

// Publish records entry. It reports whether this call populated the record;
// publishing an identical record twice is a no-op.
func (d *Directory) Publish(entry ProcessEntry) (bool, error) {
	c, err := d.cell(entry.Rank)
	if err != nil {
		return false, err
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	if c.set {
		if !c.entry.equal(entry) {
			return false, fmt.Errorf("%w: %d", ErrEntryConflict, entry.Rank)
		}
		return false, nil
	}

	entry.NICs = slices.Clone(entry.NICs)
	c.entry = entry
	c.set = true
	close(c.valid)

	if int(d.populated.Add(1)) == len(d.cells) {
		close(d.allCh)
	}
	return true, nil
}

// Get returns the record for rank if it is already valid.
func (d *Directory) Get(rank msg.Rank) (ProcessEntry, bool) {
	c, err := d.cell(rank)
	if err != nil {
		return ProcessEntry{}, false
	}
	select {
	case <-c.valid:
		return c.entry, true
	default:
		return ProcessEntry{}, false
	}
}

// Wait blocks until rank's record is valid.
func (d *Directory) Wait(ctx context.Context, rank msg.Rank) (ProcessEntry, error) {
	c, err := d.cell(rank)
	if err != nil {
		return ProcessEntry{}, err
	}
	select {
	case <-c.valid:
		return c.entry, nil
	case <-ctx.Done():
		return ProcessEntry{}, ctx.Err()
	case <-d.closeCh:
		return ProcessEntry{}, ErrClosed
	}
}

// Valid returns a channel closed once rank's record is populated.
func (d *Directory) Valid(rank msg.Rank) <-chan struct{} {
	c, err := d.cell(rank)
	if err != nil {
		return nil
	}
	return c.valid
}

// Populated is how many ranks have a valid record.
func (d *Directory) Populated() int {
	return int(d.populated.Load())
}

// AllPopulated is closed once every rank has a valid record.
func (d *Directory) AllPopulated() <-chan struct{} {
	return d.allCh
}

// Entries returns every valid record, ordered by rank.
func (d *Directory) Entries() []ProcessEntry {
	var out []ProcessEntry
	for i := range d.cells {
		if e, ok := d.Get(msg.Rank(i)); ok {
			out = append(out, e)
		}
	}
	return out
}

// Slot returns the connection slot for rank. It panics on an out of range
// rank since transports only hold ranks they validated.
func (d *Directory) Slot(rank msg.Rank) *Slot {
	c, err := d.cell(rank)
	if err != nil {
		panic(err)
	}
	return &c.slot
}

// Close wakes every waiter and closes every slot.
func (d *Directory) Close() {
	d.closed.Do(func() {
		close(d.closeCh)
		for i := range d.cells {
			d.cells[i].slot.Close()
		}
	})
}

// Resolver finds where to open a data connection to a rank.
type Resolver interface {
	ConnectInfo(ctx context.Context, rank msg.Rank) (ConnectInfo, error)
}
