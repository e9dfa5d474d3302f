// Package via is the RDMA-style transport, modelled on the Virtual
// Interface Architecture: a virtual interface (VI) per peer with receive
// descriptors posted ahead of time, one completion queue shared by every
// VI and drained by a single worker, and credit based flow control so a
// sender never overruns the receives its peer posted.
//
// The device layer is a [Provider]. Without verbs hardware the transport
// runs over the QUIC provider between hosts or the loopback provider in a
// single process; [Disabled] is selected when neither is wanted.
package via

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrDisabled          = errors.New("via: provider disabled")
	ErrVIClosed          = errors.New("via: virtual interface closed")
	ErrDisconnected      = errors.New("via: peer disconnected")
	ErrNoReceivePosted   = errors.New("via: packet arrived with no receive posted")
	ErrPacketTooLarge    = errors.New("via: packet larger than the descriptor")
	ErrUnknownAddr       = errors.New("via: no listener at address")
	ErrProtocolViolation = errors.New("via: protocol violation")
	ErrShutdown          = errors.New("via: transport shut down")
	ErrHandshake         = errors.New("via: handshake failed")
)

// Wire is what a provider supplies: a reliable, ordered packet pipe to
// one peer. Every packet carries 32 bits of immediate data.
type Wire interface {
	WritePacket(imm uint32, payload []byte) error
	ReadPacket(buf []byte) (imm uint32, n int, err error)
	Close() error
}

// Listener accepts wires dialed by peers.
type Listener interface {
	Accept(ctx context.Context) (Wire, error)

	// Addr is what peers dial to reach this listener.
	Addr() string
	Close() error
}

// Provider is the device layer.
type Provider interface {
	Name() string

	// MTU is the largest payload of a single packet.
	MTU() int
	Listen() (Listener, error)
	Dial(ctx context.Context, addr string) (Wire, error)
	Close() error
}

// Available reports whether p can carry traffic.
func Available(p Provider) bool {
	if p == nil {
		return false
	}
	_, disabled := p.(Disabled)
	return !disabled
}

// Completion reports a receive descriptor filled by the peer, or the VI
// breaking. After a completion with Err set, the VI reports nothing else.
type Completion struct {
	VI  *VI
	Imm uint32

	// Data is the posted buffer, trimmed to the received length.
	Data []byte
	Err  error
}

// CompletionQueue collects the completions of many VIs.
type CompletionQueue struct {
	ch chan Completion
}

func NewCompletionQueue(depth int) *CompletionQueue {
	return &CompletionQueue{ch: make(chan Completion, depth)}
}

// Wait blocks until a completion is available.
func (cq *CompletionQueue) Wait(ctx context.Context) (Completion, error) {
	select {
	case c := <-cq.ch:
		return c, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// Poll returns a completion if one is ready.
func (cq *CompletionQueue) Poll() (Completion, bool) {
	select {
	case c := <-cq.ch:
		return c, true
	default:
		return Completion{}, false
	}
}

// VI is one virtual interface. A packet arriving while no receive
// descriptor is posted breaks the VI, as it would on real hardware.
type VI struct {
	w   Wire
	mtu int
	cq  *CompletionQueue

	lk     sync.Mutex
	posted [][]byte

	sendLk sync.Mutex

	closed  atomic.Bool
	closeCh chan struct{}
	done    chan struct{}
	started atomic.Bool
}

// NewVI wraps w. Receives must be posted before [VI.Start].
func NewVI(w Wire, mtu int, cq *CompletionQueue) *VI {
	return &VI{
		w:       w,
		mtu:     mtu,
		cq:      cq,
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins reporting received packets to the completion queue.
func (v *VI) Start() {
	if v.started.CompareAndSwap(false, true) {
		go v.pump()
	}
}

// PostRecv hands buf to the VI for the next packet.
func (v *VI) PostRecv(buf []byte) error {
	v.lk.Lock()
	defer v.lk.Unlock()
	if v.closed.Load() {
		return ErrVIClosed
	}
	v.posted = append(v.posted, buf)
	return nil
}

// Posted is the number of receive descriptors waiting for a packet.
func (v *VI) Posted() int {
	v.lk.Lock()
	defer v.lk.Unlock()
	return len(v.posted)
}

// PostSend transmits one packet. payload may be reused once it returns.
func (v *VI) PostSend(imm uint32, payload []byte) error {
	if len(payload) > v.mtu {
		return fmt.Errorf("%w: %d > mtu %d", ErrPacketTooLarge, len(payload), v.mtu)
	}
	if v.closed.Load() {
		return ErrVIClosed
	}
	v.sendLk.Lock()
	defer v.sendLk.Unlock()
	return v.w.WritePacket(imm, payload)
}

func (v *VI) pump() {
	defer close(v.done)
	scratch := make([]byte, v.mtu)
	for {
		imm, n, err := v.w.ReadPacket(scratch)
		if err != nil {
			if !v.closed.Load() {
				v.push(Completion{VI: v, Err: err})
			}
			return
		}

		v.lk.Lock()
		if len(v.posted) == 0 {
			v.lk.Unlock()
			v.push(Completion{VI: v, Err: ErrNoReceivePosted})
			return
		}
		buf := v.posted[0]
		v.posted[0] = nil
		v.posted = v.posted[1:]
		v.lk.Unlock()

		if n > len(buf) {
			v.push(Completion{VI: v, Err: fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, n, len(buf))})
			return
		}
		copy(buf, scratch[:n])
		if !v.push(Completion{VI: v, Imm: imm, Data: buf[:n]}) {
			return
		}
	}
}

func (v *VI) push(c Completion) bool {
	select {
	case v.cq.ch <- c:
		return true
	case <-v.closeCh:
		return false
	}
}

// Close tears the VI down and waits for its receive pump.
func (v *VI) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(v.closeCh)
	err := v.w.Close()
	if v.started.Load() {
		<-v.done
	}
	return err
}
