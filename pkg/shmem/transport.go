package shmem

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/telemetry"
)

const Kind = "shm"

var (
	ErrShutdown = errors.New("shmem: shutting down")
	ErrNoSink   = errors.New("shmem: a sink is required")
)

const (
	zcOK uint32 = iota
	zcRefused
)

const (
	descriptorSize = 32
	pullChunk      = 64 << 10
)

// Config of a shared memory [Transport].
type Config struct {
	Rank msg.Rank

	// JobID keeps the regions of concurrent jobs apart.
	JobID string

	// Dir holds the region files, /dev/shm when available.
	Dir string

	// QueueSize is the size of every region, header included.
	QueueSize int

	WaitMode WaitMode

	// ZeroCopyThreshold is the payload size from which the receiver reads
	// directly from the sender's memory. Zero disables the path.
	ZeroCopyThreshold int

	// Peers are the same-host ranks allowed to send to this rank.
	Peers []msg.Rank

	Sink msg.Sink

	// Cooperative disables consumer goroutines: regions are only drained
	// by Poll.
	Cooperative bool

	OnFatal func(peer msg.Rank, op string, err error)

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	LogHandler   slog.Handler
}

// RegionPath is where the region carrying messages from one rank to
// another lives.
func RegionPath(dir, job string, from, to msg.Rank) string {
	job = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, job)
	return filepath.Join(dir, fmt.Sprintf("ranklink-%s-%d-%d.q", job, from, to))
}

// Transport is the shared memory backend.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink

	inLk    sync.RWMutex
	inbound []*receiver

	outLk    sync.Mutex
	outbound map[msg.Rank]*sender

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	wg      sync.WaitGroup
}

var _ msg.Transport = (*Transport)(nil)
var _ msg.Poller = (*Transport)(nil)

// New creates the inbound region of every peer and, unless cooperative,
// starts one consumer per region. It must run before any peer sends.
func New(cfg Config) (*Transport, error) {
	if cfg.Sink == nil {
		return nil, ErrNoSink
	}
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
		if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
			cfg.Dir = "/dev/shm"
		}
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1 << 20
	}

	t := &Transport{
		cfg:      cfg,
		logger:   telemetry.Logger(cfg.LogHandler).With(telemetry.LabelTransport.L(Kind), telemetry.LabelRank.L(cfg.Rank)),
		msink:    telemetry.Sink(cfg.MetricSink),
		outbound: make(map[msg.Rank]*sender),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	for _, peer := range cfg.Peers {
		if peer == cfg.Rank {
			continue
		}
		path := RegionPath(cfg.Dir, cfg.JobID, peer, cfg.Rank)
		region, err := OpenRegion(path, cfg.QueueSize, cfg.WaitMode, true)
		if err != nil {
			t.cancel()
			for _, rc := range t.inbound {
				rc.region.Close(true)
			}
			return nil, fmt.Errorf("shmem: failed to create queue from rank %d: %w", peer, err)
		}
		region.attach(true)
		rc := &receiver{
			t:      t,
			peer:   peer,
			region: region,
			buf:    make([]byte, pullChunk),
			done:   make(chan struct{}),
		}
		rc.ctx, rc.cancel = context.WithCancel(t.ctx)
		t.inbound = append(t.inbound, rc)
	}

	for _, rc := range t.inbound {
		if cfg.Cooperative {
			close(rc.done)
			continue
		}
		t.wg.Add(1)
		go rc.run()
	}
	t.logger.Debug("shared memory queues ready", "peers", len(t.inbound), "dir", cfg.Dir)
	return t, nil
}

func (t *Transport) Kind() string {
	return Kind
}

func (t *Transport) labels(peer msg.Rank) []metrics.Label {
	return telemetry.With(t.cfg.MetricLabels,
		telemetry.LabelTransport.M(Kind),
		telemetry.LabelPeer.M(strconv.Itoa(int(peer))),
	)
}

func (t *Transport) fatal(peer msg.Rank, op string, err error) {
	if t.closing.Load() {
		return
	}
	t.msink.IncrCounterWithLabels(telemetry.MetricConnErrorCount, 1.0, t.labels(peer))
	t.logger.Error("shared memory queue failed", telemetry.LabelPeer.L(peer), telemetry.LabelOp.L(op), telemetry.LabelError.L(err))
	if t.cfg.OnFatal != nil {
		t.cfg.OnFatal(peer, op, err)
	}
}

// bind derives a context that is also cancelled when the transport closes.
func (t *Transport) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (t *Transport) outboundTo(dest msg.Rank) (*sender, error) {
	t.outLk.Lock()
	defer t.outLk.Unlock()
	if s, ok := t.outbound[dest]; ok {
		return s, nil
	}
	path := RegionPath(t.cfg.Dir, t.cfg.JobID, t.cfg.Rank, dest)
	region, err := OpenRegion(path, t.cfg.QueueSize, t.cfg.WaitMode, false)
	if err != nil {
		return nil, err
	}
	region.attach(false)
	s := &sender{
		t:        t,
		dest:     dest,
		region:   region,
		zeroCopy: t.cfg.ZeroCopyThreshold > 0,
	}
	t.outbound[dest] = s
	t.msink.IncrCounterWithLabels(telemetry.MetricConnEstCount, 1.0, t.labels(dest))
	return s, nil
}

// Send implements [msg.Transport].
func (t *Transport) Send(ctx context.Context, dest msg.Rank, tag msg.Tag, payload []byte) error {
	if t.closing.Load() {
		return ErrShutdown
	}
	s, err := t.outboundTo(dest)
	if err != nil {
		t.fatal(dest, "shm open", err)
		return err
	}

	ctx, stop := t.bind(ctx)
	defer stop()
	if err := s.send(ctx, tag, payload); err != nil {
		if t.closing.Load() {
			return ErrShutdown
		}
		t.fatal(dest, "shm insert", err)
		return err
	}
	labels := t.labels(dest)
	t.msink.IncrCounterWithLabels(telemetry.MetricMsgOutCount, 1.0, labels)
	t.msink.IncrCounterWithLabels(telemetry.MetricMsgOutBytes, float32(len(payload)), labels)
	return nil
}

// Release stops receiving from peers and removes their regions. The job
// calls it once it knows they are routed over another transport.
func (t *Transport) Release(peers ...msg.Rank) error {
	t.inLk.Lock()
	var released []*receiver
	t.inbound = slices.DeleteFunc(t.inbound, func(rc *receiver) bool {
		if slices.Contains(peers, rc.peer) {
			released = append(released, rc)
			return true
		}
		return false
	})
	t.inLk.Unlock()

	var merr *multierror.Error
	for _, rc := range released {
		rc.cancel()
		<-rc.done
		rc.readLk.Lock()
		rc.gone = true
		if err := rc.region.Close(true); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("queue from %d: %w", rc.peer, err))
		}
		rc.readLk.Unlock()
	}
	if len(released) > 0 {
		t.logger.Debug("released shared memory queues", "peers", len(released))
	}
	return merr.ErrorOrNil()
}

func (t *Transport) receivers() []*receiver {
	t.inLk.RLock()
	defer t.inLk.RUnlock()
	return slices.Clone(t.inbound)
}

// Poll implements [msg.Poller] for cooperative mode.
func (t *Transport) Poll(ctx context.Context) (bool, error) {
	progressed := false
	for _, rc := range t.receivers() {
		if !rc.readLk.TryLock() {
			continue
		}
		if rc.gone {
			rc.readLk.Unlock()
			continue
		}
		for {
			got, err := rc.region.removeNext(ctx, false, rc.handle)
			if err != nil {
				rc.readLk.Unlock()
				if t.closing.Load() {
					return progressed, ErrShutdown
				}
				t.fatal(rc.peer, "shm receive", err)
				return progressed, err
			}
			if !got {
				break
			}
			progressed = true
		}
		rc.readLk.Unlock()
	}
	return progressed, nil
}

// Quiesce is a no-op: a shared memory peer leaving is never observed by
// the reader.
func (t *Transport) Quiesce() {}

// Close stops the consumers, unmaps every region and removes the inbound
// ones, which this rank owns.
func (t *Transport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()
	t.wg.Wait()

	var merr *multierror.Error
	t.outLk.Lock()
	for dest, s := range t.outbound {
		s.lk.Lock()
		if err := s.region.Close(false); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("queue to %d: %w", dest, err))
		}
		s.lk.Unlock()
	}
	t.outbound = make(map[msg.Rank]*sender)
	t.outLk.Unlock()

	for _, rc := range t.receivers() {
		rc.readLk.Lock()
		rc.gone = true
		if rc.in != nil {
			t.logger.Warn("closing with a partially received message", telemetry.LabelPeer.L(rc.peer), "envelope", rc.env)
		}
		if err := rc.region.Close(true); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("queue from %d: %w", rc.peer, err))
		}
		rc.readLk.Unlock()
	}
	return merr.ErrorOrNil()
}

// sender owns the local end of the region towards one peer. lk keeps
// every message's entries contiguous, hence per-source ordering.
type sender struct {
	t      *Transport
	dest   msg.Rank
	region *Region

	lk       sync.Mutex
	zeroCopy bool
}

func (s *sender) countWait() {
	s.t.msink.IncrCounterWithLabels(telemetry.MetricShmWaitCount, 1.0, s.t.labels(s.dest))
}

func (s *sender) send(ctx context.Context, tag msg.Tag, payload []byte) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	if s.zeroCopy && len(payload) > 0 && len(payload) >= s.t.cfg.ZeroCopyThreshold {
		done, err := s.sendZeroCopy(ctx, tag, payload)
		if err != nil || done {
			return err
		}
		s.zeroCopy = false
		s.t.logger.Warn("peer cannot read our memory, falling back to copies", telemetry.LabelPeer.L(s.dest))
	}
	return s.sendCopy(ctx, tag, payload)
}

// sendCopy streams payload through the ring as a run of fragments.
func (s *sender) sendCopy(ctx context.Context, tag msg.Tag, payload []byte) error {
	maxFrag := s.region.MaxPayload()
	h := entryHeader{flags: flagFirst, tag: tag, source: s.t.cfg.Rank, total: len(payload)}
	for off := 0; ; {
		n := min(len(payload)-off, maxFrag)
		if off+n == len(payload) {
			h.flags |= flagLast
		}
		if err := s.region.insert(ctx, h, payload[off:off+n], s.countWait); err != nil {
			return err
		}
		off += n
		if off == len(payload) {
			return nil
		}
		h.flags = 0
	}
}

type descriptor struct {
	pid    int
	addr   uintptr
	length int
	ticket uint32
}

func (d descriptor) encode() []byte {
	b := make([]byte, 0, descriptorSize)
	b = binary.NativeEndian.AppendUint64(b, uint64(d.pid))
	b = binary.NativeEndian.AppendUint64(b, uint64(d.addr))
	b = binary.NativeEndian.AppendUint64(b, uint64(d.length))
	return binary.NativeEndian.AppendUint64(b, uint64(d.ticket))
}

func decodeDescriptor(b []byte) (descriptor, error) {
	if len(b) != descriptorSize {
		return descriptor{}, fmt.Errorf("%w: %d byte descriptor", ErrCorrupt, len(b))
	}
	return descriptor{
		pid:    int(binary.NativeEndian.Uint64(b[0:])),
		addr:   uintptr(binary.NativeEndian.Uint64(b[8:])),
		length: int(binary.NativeEndian.Uint64(b[16:])),
		ticket: uint32(binary.NativeEndian.Uint64(b[24:])),
	}, nil
}

// sendZeroCopy posts a descriptor of payload and waits until the receiver
// copied it out of our memory. It reports false when the receiver could
// not read it and nothing was delivered.
func (s *sender) sendZeroCopy(ctx context.Context, tag msg.Tag, payload []byte) (bool, error) {
	var pin runtime.Pinner
	pin.Pin(&payload[0])
	defer pin.Unpin()

	r := s.region
	d := descriptor{
		pid:    os.Getpid(),
		addr:   uintptr(unsafe.Pointer(&payload[0])),
		length: len(payload),
		ticket: r.u32(offZcPosted).Add(1),
	}
	h := entryHeader{flags: flagFirst | flagLast | flagZeroCopy, tag: tag, source: s.t.cfg.Rank, total: len(payload)}
	if err := r.insert(ctx, h, d.encode(), s.countWait); err != nil {
		return false, err
	}

	// The payload must stay put until the receiver is done with it: only
	// the peer exiting or this transport closing end this wait. The caller's
	// deadline does not, a late read would land in reused memory.
	ack := r.u32(offZcAck)
	for {
		seen := ack.Load()
		if seen == d.ticket {
			break
		}
		if err := r.await(s.t.ctx, offZcAck, seen); err != nil {
			return false, err
		}
		if err := r.peerAlive(offReaderPID); err != nil {
			return false, err
		}
	}
	return r.u32(offZcStatus).Load() == zcOK, nil
}

// receiver drains the region one peer writes into.
type receiver struct {
	t      *Transport
	peer   msg.Rank
	region *Region
	buf    []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// readLk serialises the consumer goroutine and Poll, and guards the
	// message being reassembled.
	readLk    sync.Mutex
	gone      bool
	in        msg.Inbound
	env       msg.Envelope
	remaining int
}

func (rc *receiver) run() {
	defer rc.t.wg.Done()
	defer close(rc.done)
	for {
		rc.readLk.Lock()
		_, err := rc.region.removeNext(rc.ctx, true, rc.handle)
		rc.readLk.Unlock()
		if err != nil {
			if rc.t.closing.Load() || rc.ctx.Err() != nil {
				return
			}
			rc.t.fatal(rc.peer, "shm receive", err)
			return
		}
	}
}

// must hold readLk
func (rc *receiver) handle(h entryHeader, payload []byte) error {
	if h.source != rc.peer {
		return fmt.Errorf("%w: entry from rank %d in the queue of rank %d", ErrCorrupt, h.source, rc.peer)
	}
	if h.flags&flagZeroCopy != 0 {
		return rc.pull(h, payload)
	}

	if h.flags&flagFirst != 0 {
		if rc.in != nil {
			return fmt.Errorf("%w: new message while %d bytes are missing", ErrCorrupt, rc.remaining)
		}
		rc.env = msg.Envelope{Tag: h.tag, Source: rc.peer, Length: h.total}
		in, err := rc.t.cfg.Sink.Begin(rc.env)
		if err != nil {
			return err
		}
		rc.in = in
		rc.remaining = h.total
	} else if rc.in == nil {
		return fmt.Errorf("%w: continuation without a message", ErrCorrupt)
	}

	if len(payload) > 0 {
		if _, err := rc.in.Write(payload); err != nil {
			return err
		}
		rc.remaining -= len(payload)
	}
	if h.flags&flagLast == 0 {
		return nil
	}
	return rc.complete()
}

// must hold readLk
func (rc *receiver) complete() error {
	in := rc.in
	rc.in = nil
	if err := in.Complete(); err != nil {
		return err
	}
	labels := rc.t.labels(rc.peer)
	rc.t.msink.IncrCounterWithLabels(telemetry.MetricMsgInCount, 1.0, labels)
	rc.t.msink.IncrCounterWithLabels(telemetry.MetricMsgInBytes, float32(rc.env.Length), labels)
	rc.t.logger.Debug("message received", "envelope", rc.env)
	return nil
}

// pull copies a zero-copy payload out of the sender's memory, then acks
// the descriptor. A refused first read is reported to the sender, which
// falls back to copies.
func (rc *receiver) pull(h entryHeader, raw []byte) error {
	d, err := decodeDescriptor(raw)
	if err != nil {
		return err
	}
	if rc.in != nil || d.length != h.total {
		return fmt.Errorf("%w: unexpected zero-copy descriptor", ErrCorrupt)
	}

	status, err := rc.copyRemote(h, d)
	r := rc.region
	r.u32(offZcStatus).Store(status)
	r.u32(offZcAck).Store(d.ticket)
	r.wake(offZcAck)
	return err
}

func (rc *receiver) copyRemote(h entryHeader, d descriptor) (uint32, error) {
	first := min(d.length, len(rc.buf))
	n, err := readRemote(d.pid, d.addr, rc.buf[:first])
	if err != nil || n != first {
		rc.t.logger.Debug("zero-copy read refused", telemetry.LabelPeer.L(rc.peer), telemetry.LabelError.L(err))
		return zcRefused, nil
	}

	rc.env = msg.Envelope{Tag: h.tag, Source: rc.peer, Length: d.length}
	in, err := rc.t.cfg.Sink.Begin(rc.env)
	if err != nil {
		return zcOK, err
	}
	rc.in = in
	rc.remaining = d.length
	for off := 0; ; {
		if _, err := rc.in.Write(rc.buf[:n]); err != nil {
			return zcOK, err
		}
		off += n
		rc.remaining -= n
		if off == d.length {
			break
		}
		want := min(d.length-off, len(rc.buf))
		n, err = readRemote(d.pid, d.addr+uintptr(off), rc.buf[:want])
		if err == nil && n != want {
			err = fmt.Errorf("short read of %d bytes, want %d", n, want)
		}
		if err != nil {
			return zcOK, fmt.Errorf("shmem: zero-copy read from pid %d: %w", d.pid, err)
		}
	}
	return zcOK, rc.complete()
}
