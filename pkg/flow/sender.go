package flow

import (
	"context"
	"sync"
)

// Encoder turns values into message payloads.
type Encoder[T any] interface {
	Encode(T) ([]byte, error)
}

// Sender is a thread-safe and typed flow writer to one rank.
//
// Values are encoded and sent in order by a single goroutine, so Send only
// blocks while the buffer is full.
type Sender[T any] struct {
	m    Messenger
	dest int
	tag  int32
	enc  Encoder[T]

	writeCh    chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	writer sync.WaitGroup
	err    error
	lk     sync.Mutex
}

func NewSender[T any](m Messenger, dest int, tag int32, enc Encoder[T], bufferSize uint) *Sender[T] {
	w := &Sender[T]{
		m:    m,
		dest: dest,
		tag:  tag,
		enc:  enc,

		writeCh: make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}

	w.mainLoopWg.Add(1)
	go w.run()

	return w
}

func (w *Sender[T]) Send(ctx context.Context, msg T) error {
	w.lk.Lock()
	if w.err != nil {
		w.lk.Unlock()
		return w.err
	}
	w.writer.Add(1)
	defer w.writer.Done()
	w.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closeCh:
		return w.err
	case w.writeCh <- msg:
	}

	return nil
}

// Close sends what is still buffered, then stops the flow. It returns the
// error which broke the flow, if any.
func (w *Sender[T]) Close() error {
	w.closeWith(ErrFlowClosed)
	w.mainLoopWg.Wait()

	w.lk.Lock()
	defer w.lk.Unlock()
	if w.err == ErrFlowClosed {
		return nil
	}
	return w.err
}

func (w *Sender[T]) closeWith(cause error) {
	w.lk.Lock()
	defer w.lk.Unlock()
	if w.err != nil {
		return
	}
	w.err = cause
	close(w.closeCh)
	w.writer.Wait()
	close(w.writeCh)
}

func (w *Sender[T]) run() {
	defer w.mainLoopWg.Done()
	for msg := range w.writeCh {
		buf, err := w.enc.Encode(msg)
		if err == nil {
			err = w.m.Send(context.Background(), w.dest, w.tag, buf)
		}
		if err != nil {
			w.lk.Lock()
			closing := w.err != nil
			if closing {
				w.err = err
			}
			w.lk.Unlock()
			if !closing {
				w.closeWith(err)
			}
			for range w.writeCh {
			}
			return
		}
	}
}
