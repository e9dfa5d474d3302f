// Package queue is the transport-agnostic message queue: consumers post
// buffers for a tag, transports stream arriving messages in, and each
// arriving message is matched with exactly one posted receive.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/raskyld/ranklink/pkg/msg"
)

var (
	ErrTruncated      = errors.New("queue: message larger than the posted buffer")
	ErrClosed         = errors.New("queue: closed")
	ErrOverflow       = errors.New("queue: write past the announced message length")
	ErrShortMessage   = errors.New("queue: message completed before its announced length")
	ErrNegativeLength = errors.New("queue: negative message length")
)

// Status describes a completed receive.
type Status struct {
	Source msg.Rank
	Tag    msg.Tag
	Length int
}

// Request is the handle returned by [Queue.PostReceive].
type Request struct {
	tag   msg.Tag
	buf   []byte
	owned bool

	// guarded by the queue lock
	state msg.State
	env   msg.Envelope
	err   error

	done chan struct{}
}

// Tag returns the tag this request matches.
func (r *Request) Tag() msg.Tag {
	return r.tag
}

// Bytes returns the received payload. It is only meaningful once the
// request completed without error.
func (r *Request) Bytes() []byte {
	select {
	case <-r.done:
		if r.err != nil {
			return nil
		}
		return r.buf[:r.env.Length]
	default:
		return nil
	}
}

// Done is closed once the request completed or failed.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

type pending struct {
	env      msg.Envelope
	buf      []byte
	complete bool
	claimer  *Request
}

// Queue matches arriving messages with posted receives, per tag, in
// arrival order.
type Queue struct {
	lk         sync.Mutex
	posted     map[msg.Tag][]*Request
	unexpected map[msg.Tag][]*pending
	closeErr   error

	// inflight holds matched requests whose message is still arriving.
	inflight map[*Request]struct{}

	// driver, when set, is invoked by Wait instead of parking the goroutine.
	driver *Scheduler
}

func New() *Queue {
	return &Queue{
		posted:     make(map[msg.Tag][]*Request),
		unexpected: make(map[msg.Tag][]*pending),
		inflight:   make(map[*Request]struct{}),
	}
}

// SetDriver makes Wait pump sched instead of blocking.
func (q *Queue) SetDriver(sched *Scheduler) {
	q.lk.Lock()
	defer q.lk.Unlock()
	q.driver = sched
}

// PostReceive posts buf to be filled by the next message with tag. A nil
// buf lets the queue allocate one of the right size. It never blocks.
func (q *Queue) PostReceive(tag msg.Tag, buf []byte) (*Request, error) {
	req := &Request{
		tag:  tag,
		buf:  buf,
		done: make(chan struct{}),
	}
	if buf == nil {
		req.owned = true
	}

	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closeErr != nil {
		return nil, q.closeErr
	}

	if p := q.popUnexpected(tag); p != nil {
		if !req.owned && p.env.Length > len(req.buf) {
			// The message is consumed by this match, whatever happens.
			if p.complete {
				q.fail(req, fmt.Errorf("%w: %d > %d", ErrTruncated, p.env.Length, len(req.buf)))
			} else {
				p.claimer = req
				q.inflight[req] = struct{}{}
			}
			return req, nil
		}
		if p.complete {
			q.fill(req, p)
		} else {
			p.claimer = req
			req.state = msg.StatePartial
			req.env = p.env
			q.inflight[req] = struct{}{}
		}
		return req, nil
	}

	q.posted[tag] = append(q.posted[tag], req)
	return req, nil
}

// Probe reports whether a message with tag arrived and is waiting for a
// receive to be posted.
func (q *Queue) Probe(tag msg.Tag) bool {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.unexpected[tag]) > 0
}

// Begin implements [msg.Sink].
func (q *Queue) Begin(env msg.Envelope) (msg.Inbound, error) {
	if env.Length < 0 {
		return nil, ErrNegativeLength
	}

	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closeErr != nil {
		return nil, q.closeErr
	}

	if req := q.popPosted(env.Tag); req != nil {
		if req.owned {
			req.buf = make([]byte, env.Length)
		} else if env.Length > len(req.buf) {
			q.fail(req, fmt.Errorf("%w: %d > %d", ErrTruncated, env.Length, len(req.buf)))
			return &inbound{q: q, remaining: env.Length, discard: true}, nil
		}
		req.env = env
		req.state = msg.StatePartial
		q.inflight[req] = struct{}{}
		return &inbound{q: q, req: req, dst: req.buf[:env.Length], remaining: env.Length}, nil
	}

	p := &pending{env: env, buf: make([]byte, env.Length)}
	q.unexpected[env.Tag] = append(q.unexpected[env.Tag], p)
	return &inbound{q: q, p: p, dst: p.buf, remaining: env.Length}, nil
}

// must hold lk
func (q *Queue) popPosted(tag msg.Tag) *Request {
	reqs := q.posted[tag]
	if len(reqs) == 0 {
		return nil
	}
	req := reqs[0]
	if len(reqs) == 1 {
		delete(q.posted, tag)
	} else {
		reqs[0] = nil
		q.posted[tag] = reqs[1:]
	}
	return req
}

// must hold lk
func (q *Queue) popUnexpected(tag msg.Tag) *pending {
	ps := q.unexpected[tag]
	if len(ps) == 0 {
		return nil
	}
	p := ps[0]
	if len(ps) == 1 {
		delete(q.unexpected, tag)
	} else {
		ps[0] = nil
		q.unexpected[tag] = ps[1:]
	}
	return p
}

// must hold lk
func (q *Queue) fill(req *Request, p *pending) {
	if req.owned {
		req.buf = p.buf
	} else {
		copy(req.buf, p.buf)
	}
	req.env = p.env
	req.state = msg.StateComplete
	delete(q.inflight, req)
	close(req.done)
}

// must hold lk
func (q *Queue) fail(req *Request, err error) {
	if req.err != nil || req.state == msg.StateComplete {
		return
	}
	req.err = err
	req.state = msg.StateComplete
	delete(q.inflight, req)
	close(req.done)
}

// Test polls req without blocking.
func (q *Queue) Test(req *Request) (bool, Status, error) {
	select {
	case <-req.done:
	default:
		return false, Status{}, nil
	}
	q.lk.Lock()
	defer q.lk.Unlock()
	return true, Status{Source: req.env.Source, Tag: req.env.Tag, Length: req.env.Length}, req.err
}

// Wait blocks until req completes, ctx expires or the queue is closed.
func (q *Queue) Wait(ctx context.Context, req *Request) (Status, error) {
	q.lk.Lock()
	driver := q.driver
	q.lk.Unlock()

	if driver == nil {
		select {
		case <-req.done:
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
	} else {
		idle := 0
	pump:
		for {
			select {
			case <-req.done:
				break pump
			case <-ctx.Done():
				return Status{}, ctx.Err()
			default:
			}
			progressed, err := driver.Progress(ctx)
			if err != nil {
				return Status{}, err
			}
			if progressed {
				idle = 0
			} else {
				idle++
				backoff(idle)
			}
		}
	}

	_, status, err := q.Test(req)
	return status, err
}

func backoff(idle int) {
	if idle < 64 {
		runtime.Gosched()
		return
	}
	time.Sleep(50 * time.Microsecond)
}

// State reports the delivery state of req.
func (q *Queue) State(req *Request) msg.State {
	q.lk.Lock()
	defer q.lk.Unlock()
	return req.state
}

// Close fails every posted receive with cause and rejects further use.
func (q *Queue) Close(cause error) {
	if cause == nil {
		cause = ErrClosed
	}
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closeErr != nil {
		return
	}
	q.closeErr = cause
	for tag, reqs := range q.posted {
		for _, req := range reqs {
			q.fail(req, cause)
		}
		delete(q.posted, tag)
	}
	for req := range q.inflight {
		q.fail(req, cause)
	}
	q.unexpected = make(map[msg.Tag][]*pending)
}

type inbound struct {
	q         *Queue
	req       *Request
	p         *pending
	dst       []byte
	off       int
	remaining int
	discard   bool
}

var _ msg.Inbound = (*inbound)(nil)

func (in *inbound) Write(b []byte) (int, error) {
	if len(b) > in.remaining {
		return 0, fmt.Errorf("%w: %d bytes left, got %d", ErrOverflow, in.remaining, len(b))
	}
	if !in.discard {
		copy(in.dst[in.off:], b)
	}
	in.off += len(b)
	in.remaining -= len(b)
	return len(b), nil
}

func (in *inbound) Remaining() int {
	return in.remaining
}

func (in *inbound) Complete() error {
	if in.remaining != 0 {
		return fmt.Errorf("%w: %d bytes missing", ErrShortMessage, in.remaining)
	}

	q := in.q
	q.lk.Lock()
	defer q.lk.Unlock()
	switch {
	case in.discard:
	case in.req != nil:
		if in.req.err == nil {
			in.req.state = msg.StateComplete
			delete(q.inflight, in.req)
			close(in.req.done)
		}
	case in.p != nil:
		in.p.complete = true
		if req := in.p.claimer; req != nil {
			if !req.owned && in.p.env.Length > len(req.buf) {
				q.fail(req, fmt.Errorf("%w: %d > %d", ErrTruncated, in.p.env.Length, len(req.buf)))
			} else if req.err == nil {
				q.fill(req, in.p)
			}
		}
	}
	return nil
}
