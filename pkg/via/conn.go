package via

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/telemetry"
)

type linkState uint32

const (
	// stateAwaitHello: we accepted the VI and wait for the dialer's control packet.
	stateAwaitHello linkState = iota
	// stateAwaitReply: we dialed and wait for the acceptor's verdict.
	stateAwaitReply
	stateEstablished
	stateClosed
)

var errRejected = errors.New("via: connection rejected by peer")

// link is the state of one VI. Handshake and receive side fields are only
// touched by whoever drains the completion queue.
type link struct {
	t    *Transport
	vi   *VI
	peer msg.Rank

	state    atomic.Uint32
	replied  bool
	accepted bool
	settled  chan struct{}
	settle   sync.Once

	// Receive side.
	in         msg.Inbound
	env        msg.Envelope
	recvSeq    atomic.Uint32
	advertised atomic.Uint32

	// Send side. sendLk keeps the packets of a message contiguous.
	sendLk sync.Mutex
	sbuf   []byte

	creditLk       sync.Mutex
	window         int
	sentSeq        uint32
	peerRecv       uint32
	maxOutstanding int
	creditCh       chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newLink(t *Transport, vi *VI, peer msg.Rank, state linkState) *link {
	l := &link{
		t:        t,
		vi:       vi,
		peer:     peer,
		settled:  make(chan struct{}),
		creditCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	l.state.Store(uint32(state))
	return l
}

func (l *link) getState() linkState {
	return linkState(l.state.Load())
}

// seqAfter reports whether a is ahead of b in the wrapping sequence space.
func seqAfter(a, b uint32) bool {
	d := (a - b) & seqMask
	return d != 0 && d < 1<<(kindShift-1)
}

// handle processes one completion of this link.
func (l *link) handle(c Completion) error {
	if c.Err != nil {
		return l.broken(c.Err)
	}

	kind, seq := splitImmediate(c.Imm)
	var err error
	consumed := false
	switch l.getState() {
	case stateAwaitHello:
		err = l.onHello(kind, c.Data)
	case stateAwaitReply:
		err = l.onReply(kind, c.Data)
	case stateEstablished:
		l.credit(seq)
		switch kind {
		case kindAck:
			l.t.msink.IncrCounterWithLabels(telemetry.MetricViaAckCount, 1.0, l.t.labels(l.peer, telemetry.LabelOp.M("in")))
		case kindFirst, kindCont:
			err = l.deliver(kind, c.Data)
			consumed = true
		default:
			err = fmt.Errorf("%w: control packet on an established VI", ErrProtocolViolation)
		}
	default:
		return nil
	}

	if err == nil && l.getState() != stateClosed {
		err = l.vi.PostRecv(c.Data[:cap(c.Data)])
		if err == nil && consumed {
			err = l.consumed()
		}
	}
	if err != nil {
		return l.fail(err)
	}
	return nil
}

func (l *link) onHello(kind uint32, data []byte) error {
	if kind != kindControl {
		return fmt.Errorf("%w: expected a control packet", ErrProtocolViolation)
	}
	hello, err := decodeControl(data)
	if err != nil {
		return err
	}
	t := l.t
	if hello.Rank < 0 || int(hello.Rank) >= t.cfg.Directory.Size() || hello.Rank == t.cfg.Rank {
		return fmt.Errorf("%w: hello from invalid rank %d", ErrProtocolViolation, hello.Rank)
	}
	l.peer = hello.Rank
	l.creditLk.Lock()
	l.window = hello.Window
	l.creditLk.Unlock()

	logger := t.logger.With(telemetry.LabelPeer.L(l.peer))
	slot := t.cfg.Directory.Slot(l.peer)
	l.accepted = slot.Offer(t.cfg.Rank, l.peer, Kind, l)
	reply := control{Rank: t.cfg.Rank, Window: t.cfg.RingSize, Accepted: l.accepted}
	if err := l.vi.PostSend(immediate(kindControl, 0), reply.encode()); err != nil {
		return err
	}
	if !l.accepted {
		logger.Debug("rejecting inbound VI, keeping ours")
		l.shutdown(errRejected)
		return nil
	}
	l.state.Store(uint32(stateEstablished))
	l.settle.Do(func() { close(l.settled) })
	t.msink.IncrCounterWithLabels(telemetry.MetricConnEstCount, 1.0, t.labels(l.peer))
	logger.Info("accepted virtual interface", "window", hello.Window)
	return nil
}

func (l *link) onReply(kind uint32, data []byte) error {
	if kind != kindControl {
		return fmt.Errorf("%w: expected a control packet", ErrProtocolViolation)
	}
	reply, err := decodeControl(data)
	if err != nil {
		return err
	}
	if reply.Rank != l.peer {
		return fmt.Errorf("%w: dialed rank %d, rank %d answered", ErrProtocolViolation, l.peer, reply.Rank)
	}
	l.creditLk.Lock()
	l.window = reply.Window
	l.creditLk.Unlock()

	l.replied = true
	l.accepted = reply.Accepted
	if reply.Accepted {
		l.state.Store(uint32(stateEstablished))
	} else {
		l.state.Store(uint32(stateClosed))
	}
	l.settle.Do(func() { close(l.settled) })
	return nil
}

// credit records how many of our packets the peer has consumed.
func (l *link) credit(peerRecv uint32) {
	l.creditLk.Lock()
	if !seqAfter(peerRecv, l.peerRecv) {
		l.creditLk.Unlock()
		return
	}
	l.peerRecv = peerRecv
	l.creditLk.Unlock()
	select {
	case l.creditCh <- struct{}{}:
	default:
	}
}

// consumed counts a data packet whose descriptor was posted again, and
// acknowledges once half of the ring went unadvertised.
func (l *link) consumed() error {
	seq := (l.recvSeq.Load() + 1) & seqMask
	l.recvSeq.Store(seq)
	if int((seq-l.advertised.Load())&seqMask) < l.t.ackEvery {
		return nil
	}
	if err := l.vi.PostSend(immediate(kindAck, seq), nil); err != nil {
		return err
	}
	l.advertise(seq)
	l.t.msink.IncrCounterWithLabels(telemetry.MetricViaAckCount, 1.0, l.t.labels(l.peer, telemetry.LabelOp.M("out")))
	return nil
}

func (l *link) advertise(seq uint32) {
	for {
		old := l.advertised.Load()
		if !seqAfter(seq, old) || l.advertised.CompareAndSwap(old, seq) {
			return
		}
	}
}

func (l *link) deliver(kind uint32, data []byte) error {
	if kind == kindFirst {
		if l.in != nil {
			return fmt.Errorf("%w: new message while %d bytes are missing", ErrProtocolViolation, l.in.Remaining())
		}
		tag, length, err := readDataHeader(data)
		if err != nil {
			return err
		}
		data = data[dataHeaderSize:]
		if len(data) > length {
			return fmt.Errorf("%w: %d bytes for a %d byte message", ErrProtocolViolation, len(data), length)
		}
		env := msg.Envelope{Tag: tag, Source: l.peer, Length: length}
		in, err := l.t.cfg.Sink.Begin(env)
		if err != nil {
			return err
		}
		l.in, l.env = in, env
	} else if l.in == nil {
		return fmt.Errorf("%w: continuation outside of a message", ErrProtocolViolation)
	}

	if len(data) > l.in.Remaining() {
		return fmt.Errorf("%w: %d bytes past the message end", ErrProtocolViolation, len(data)-l.in.Remaining())
	}
	if len(data) > 0 {
		if _, err := l.in.Write(data); err != nil {
			return err
		}
	}
	if l.in.Remaining() > 0 {
		return nil
	}
	err := l.in.Complete()
	l.in = nil
	l.t.countIn(l.peer, l.env)
	return err
}

// broken handles the VI failing underneath us.
func (l *link) broken(err error) error {
	t := l.t
	state := l.getState()
	atBoundary := l.in == nil
	l.shutdown(err)

	switch {
	case state == stateClosed || t.closing.Load():
		return nil
	case state == stateAwaitHello:
		t.logger.Debug("inbound VI left before its hello", telemetry.LabelError.L(err))
		return nil
	case state == stateAwaitReply:
		// The dialer reports it.
		return nil
	}

	if t.quiesced.Load() && atBoundary && (errors.Is(err, io.EOF) || errors.Is(err, ErrDisconnected)) {
		t.logger.Debug("peer closed its virtual interface", telemetry.LabelPeer.L(l.peer))
		return nil
	}
	t.fatal(l.peer, "via read", err)
	return err
}

// fail tears the link down after a local error.
func (l *link) fail(err error) error {
	state := l.getState()
	l.shutdown(err)
	if state != stateEstablished || l.t.closing.Load() {
		l.t.logger.Warn("virtual interface setup failed", telemetry.LabelPeer.L(l.peer), telemetry.LabelError.L(err))
		return nil
	}
	l.t.fatal(l.peer, "via deliver", err)
	return err
}

func (l *link) shutdown(err error) {
	l.closeOnce.Do(func() {
		l.err = err
		l.state.Store(uint32(stateClosed))
		close(l.done)
		l.settle.Do(func() { close(l.settled) })
		l.t.forget(l)
		l.vi.Close()
	})
}

func (l *link) doneErr() error {
	if errors.Is(l.err, ErrShutdown) {
		return ErrShutdown
	}
	return fmt.Errorf("%w: %w", ErrDisconnected, l.err)
}

// send posts one message: a first packet with the header, then the rest
// streamed in chunks.
func (l *link) send(ctx context.Context, tag msg.Tag, payload []byte) error {
	l.sendLk.Lock()
	defer l.sendLk.Unlock()

	mtu := l.t.mtu
	first := l.t.cfg.Chunking.FirstUnit(len(payload), mtu)
	l.sbuf = appendDataHeader(l.sbuf[:0], tag, len(payload))
	l.sbuf = append(l.sbuf, payload[:first]...)
	if err := l.post(ctx, kindFirst, l.sbuf); err != nil {
		return err
	}

	rest := payload[first:]
	chunk := l.t.cfg.Chunking.Size(len(payload), mtu)
	for len(rest) > 0 {
		n := min(chunk, len(rest))
		if err := l.post(ctx, kindCont, rest[:n]); err != nil {
			return err
		}
		rest = rest[n:]
	}
	return nil
}

func (l *link) post(ctx context.Context, kind uint32, packet []byte) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	seq := l.recvSeq.Load()
	if err := l.vi.PostSend(immediate(kind, seq), packet); err != nil {
		return err
	}
	l.advertise(seq)
	return nil
}

// acquire takes one credit, waiting for the peer to consume packets when
// its whole window is outstanding.
func (l *link) acquire(ctx context.Context) error {
	stalled := false
	for {
		select {
		case <-l.done:
			return l.doneErr()
		default:
		}

		l.creditLk.Lock()
		outstanding := int((l.sentSeq - l.peerRecv) & seqMask)
		if outstanding < l.window {
			l.sentSeq = (l.sentSeq + 1) & seqMask
			l.maxOutstanding = max(l.maxOutstanding, outstanding+1)
			l.creditLk.Unlock()
			return nil
		}
		l.creditLk.Unlock()

		if !stalled {
			stalled = true
			l.t.msink.IncrCounterWithLabels(telemetry.MetricViaCreditStall, 1.0, l.t.labels(l.peer))
		}
		if err := l.waitCredit(ctx); err != nil {
			return err
		}
	}
}

func (l *link) waitCredit(ctx context.Context) error {
	if !l.t.cfg.Cooperative {
		select {
		case <-l.creditCh:
			return nil
		case <-l.done:
			return l.doneErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	did, err := l.t.Poll(ctx)
	if err != nil {
		return err
	}
	if !did {
		runtime.Gosched()
	}
	return nil
}

// outstanding returns the current and the highest observed number of
// unconsumed packets.
func (l *link) outstanding() (int, int) {
	l.creditLk.Lock()
	defer l.creditLk.Unlock()
	return int((l.sentSeq - l.peerRecv) & seqMask), l.maxOutstanding
}
