package directory

import (
	"context"
	"errors"
	"sync"

	"github.com/raskyld/ranklink/pkg/msg"
)

var (
	ErrAlreadyEstablished = errors.New("directory: connection already established")
	ErrSlotClosed         = errors.New("directory: connection slot closed")
)

// ConnState is the lifecycle of the connection to one peer.
type ConnState uint8

const (
	Unestablished ConnState = iota
	Establishing
	Established
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Unestablished:
		return "unestablished"
	case Establishing:
		return "establishing"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Slot arbitrates the single live connection to a peer.
//
// The initiator calls Begin, dials, then either Complete (the peer accepted)
// or Wait (the peer rejected because it keeps the connection it accepted).
// The acceptor calls Offer for every inbound connection.
//
// When both sides dial at the same time, the higher rank keeps the
// connection it accepted.
type Slot struct {
	lk    sync.Mutex
	state ConnState
	kind  string
	conn  any
	ready chan struct{}
}

func (s *Slot) init() {
	s.ready = make(chan struct{})
}

// State returns the current state and transport kind.
func (s *Slot) State() (ConnState, string) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.state, s.kind
}

// Conn returns the established connection, if any.
func (s *Slot) Conn() (any, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.state != Established {
		return nil, false
	}
	return s.conn, true
}

// Begin claims the right to dial. When the slot is already established it
// returns the connection and dial is false. When another goroutine is
// already dialing, both are nil/false and the caller should Wait.
func (s *Slot) Begin() (conn any, dial bool, err error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	switch s.state {
	case Established:
		return s.conn, false, nil
	case Unestablished:
		s.state = Establishing
		return nil, true, nil
	case Establishing:
		return nil, false, nil
	default:
		return nil, false, ErrSlotClosed
	}
}

// Offer decides whether an inbound connection from remote is kept.
func (s *Slot) Offer(local, remote msg.Rank, kind string, conn any) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	switch s.state {
	case Unestablished:
	case Establishing:
		// We are dialing them too: only the higher rank keeps what it accepted.
		if local < remote {
			return false
		}
	default:
		return false
	}
	s.establish(kind, conn)
	return true
}

// Complete records the connection the initiator dialed and the peer
// accepted.
func (s *Slot) Complete(kind string, conn any) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	switch s.state {
	case Established:
		return ErrAlreadyEstablished
	case Closed:
		return ErrSlotClosed
	}
	s.establish(kind, conn)
	return nil
}

// Abandon releases a dial claim after a failed attempt.
func (s *Slot) Abandon() {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.state == Establishing {
		s.state = Unestablished
	}
}

// must hold lk
func (s *Slot) establish(kind string, conn any) {
	s.state = Established
	s.kind = kind
	s.conn = conn
	close(s.ready)
}

// Wait blocks until the slot is established.
func (s *Slot) Wait(ctx context.Context) (any, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.state != Established {
		return nil, ErrSlotClosed
	}
	return s.conn, nil
}

// Close marks the slot closed. The connection itself is owned and closed by
// its transport.
func (s *Slot) Close() {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.state == Closed {
		return
	}
	if s.state != Established {
		close(s.ready)
	}
	s.state = Closed
	s.conn = nil
}
