package via

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
)

const (
	// DefaultLoopbackMTU is the packet size of a [LoopbackNetwork] created
	// with a zero MTU.
	DefaultLoopbackMTU = 32 << 10

	loopbackDepth = 4096
)

// LoopbackNetwork connects providers living in the same process. It stands
// in for a switched fabric in tests and single-host jobs.
type LoopbackNetwork struct {
	mtu int

	lk        sync.Mutex
	next      int
	listeners map[string]*loopListener
}

func NewLoopbackNetwork(mtu int) *LoopbackNetwork {
	if mtu <= 0 {
		mtu = DefaultLoopbackMTU
	}
	return &LoopbackNetwork{
		mtu:       mtu,
		listeners: make(map[string]*loopListener),
	}
}

// Provider returns a device attached to the network.
func (n *LoopbackNetwork) Provider() Provider {
	return &loopProvider{n: n}
}

type loopProvider struct {
	n *LoopbackNetwork
}

func (p *loopProvider) Name() string {
	return "loopback"
}

func (p *loopProvider) MTU() int {
	return p.n.mtu
}

func (p *loopProvider) Listen() (Listener, error) {
	p.n.lk.Lock()
	defer p.n.lk.Unlock()
	p.n.next++
	ln := &loopListener{
		n:       p.n,
		addr:    fmt.Sprintf("loop-%d", p.n.next),
		backlog: make(chan Wire),
		closeCh: make(chan struct{}),
	}
	p.n.listeners[ln.addr] = ln
	return ln, nil
}

func (p *loopProvider) Dial(ctx context.Context, addr string) (Wire, error) {
	p.n.lk.Lock()
	ln, ok := p.n.listeners[addr]
	p.n.lk.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddr, addr)
	}

	local, remote := newLoopPair()
	select {
	case ln.backlog <- remote:
		return local, nil
	case <-ln.closeCh:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddr, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *loopProvider) Close() error {
	return nil
}

type loopListener struct {
	n       *LoopbackNetwork
	addr    string
	backlog chan Wire
	closeCh chan struct{}
	once    sync.Once
}

func (ln *loopListener) Accept(ctx context.Context) (Wire, error) {
	select {
	case w := <-ln.backlog:
		return w, nil
	case <-ln.closeCh:
		return nil, ErrVIClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ln *loopListener) Addr() string {
	return ln.addr
}

func (ln *loopListener) Close() error {
	ln.once.Do(func() {
		ln.n.lk.Lock()
		delete(ln.n.listeners, ln.addr)
		ln.n.lk.Unlock()
		close(ln.closeCh)
	})
	return nil
}

type loopPacket struct {
	imm  uint32
	data []byte
}

type closer struct {
	ch   chan struct{}
	once sync.Once
}

func (c *closer) close() {
	c.once.Do(func() { close(c.ch) })
}

// loopWire is one end of an in-memory pipe.
type loopWire struct {
	in     chan loopPacket
	out    chan loopPacket
	local  *closer
	remote *closer
}

func newLoopPair() (*loopWire, *loopWire) {
	ab := make(chan loopPacket, loopbackDepth)
	ba := make(chan loopPacket, loopbackDepth)
	a := &closer{ch: make(chan struct{})}
	b := &closer{ch: make(chan struct{})}
	return &loopWire{in: ba, out: ab, local: a, remote: b},
		&loopWire{in: ab, out: ba, local: b, remote: a}
}

func (w *loopWire) WritePacket(imm uint32, payload []byte) error {
	p := loopPacket{imm: imm, data: slices.Clone(payload)}
	select {
	case <-w.local.ch:
		return ErrVIClosed
	case <-w.remote.ch:
		return ErrDisconnected
	default:
	}
	select {
	case w.out <- p:
		return nil
	case <-w.local.ch:
		return ErrVIClosed
	case <-w.remote.ch:
		return ErrDisconnected
	}
}

func (w *loopWire) ReadPacket(buf []byte) (uint32, int, error) {
	select {
	case p := <-w.in:
		return w.deliver(p, buf)
	case <-w.local.ch:
		return 0, 0, ErrVIClosed
	case <-w.remote.ch:
		// Whatever the peer wrote before leaving is still delivered.
		select {
		case p := <-w.in:
			return w.deliver(p, buf)
		default:
			return 0, 0, io.EOF
		}
	}
}

func (w *loopWire) deliver(p loopPacket, buf []byte) (uint32, int, error) {
	if len(p.data) > len(buf) {
		return 0, 0, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(p.data), len(buf))
	}
	return p.imm, copy(buf, p.data), nil
}

func (w *loopWire) Close() error {
	w.local.close()
	return nil
}
