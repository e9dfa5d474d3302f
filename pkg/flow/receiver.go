package flow

import (
	"context"
	"sync"
)

// Decoder turns message payloads back into values.
type Decoder[T any] interface {
	Decode([]byte) (T, error)
}

// Receiver is a thread-safe and typed flow reader of one tag.
//
// A goroutine keeps a receive posted for the tag, so closing a Receiver
// forfeits the next message of that tag.
type Receiver[T any] struct {
	m   Messenger
	tag int32
	dec Decoder[T]

	readCh     chan Item[T]
	closeCh    chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	err error
	lk  sync.Mutex
}

func NewReceiver[T any](m Messenger, tag int32, dec Decoder[T], bufferSize uint) *Receiver[T] {
	r := &Receiver[T]{
		m:   m,
		tag: tag,
		dec: dec,

		readCh:  make(chan Item[T], bufferSize),
		closeCh: make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.mainLoopWg.Add(1)
	go r.run()

	return r
}

// Recv returns the next value, in the order the messages were matched.
func (r *Receiver[T]) Recv(ctx context.Context) (result Item[T], err error) {
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case elem, ok := <-r.readCh:
		if !ok {
			r.lk.Lock()
			defer r.lk.Unlock()
			return result, r.err
		}
		return elem, nil
	}
}

func (r *Receiver[T]) Close() error {
	r.closeWith(ErrFlowClosed)
	r.mainLoopWg.Wait()
	return nil
}

func (r *Receiver[T]) closeWith(cause error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.err != nil {
		return
	}
	r.err = cause
	close(r.closeCh)
	r.cancel()
}

func (r *Receiver[T]) run() {
	defer r.mainLoopWg.Done()
	defer close(r.readCh)
	for {
		buf, status, err := r.m.Recv(r.ctx, r.tag, nil)
		if err != nil {
			r.closeWith(err)
			return
		}

		msg, err := r.dec.Decode(buf)
		if err != nil {
			r.closeWith(err)
			return
		}

		select {
		case <-r.closeCh:
			return
		case r.readCh <- Item[T]{From: int(status.Source), Value: msg}:
		}
	}
}
