// Package msg holds the types shared by the message queue and the
// transports: ranks, tags, envelopes and the delivery contract transports
// use to stream bytes into the queue.
package msg

import (
	"context"
	"log/slog"
)

// Rank is a process identity within the job, in [0, size).
type Rank int32

// Tag classifies a message so it can be matched with a posted receive.
type Tag int32

// State of an envelope as seen by the queue.
type State uint8

const (
	StatePending State = iota
	StatePartial
	StateComplete
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePartial:
		return "partially-filled"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Envelope describes one message.
type Envelope struct {
	Tag    Tag
	Source Rank
	Length int
}

func (env Envelope) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("tag", int(env.Tag)),
		slog.Int("source", int(env.Source)),
		slog.Int("length", env.Length),
	)
}

// Inbound is the write side of a message being delivered. A transport
// obtains one from a [Sink] as soon as it knows the envelope, writes the body
// in as many pieces as it receives, then calls Complete.
//
// Exactly one goroutine may use an Inbound.
type Inbound interface {
	// Write appends body bytes. Writing past the announced length is a
	// protocol violation and returns an error.
	Write(p []byte) (int, error)

	// Remaining is how many body bytes are still expected.
	Remaining() int

	// Complete marks the message as fully received.
	Complete() error
}

// Sink accepts messages from transports.
type Sink interface {
	Begin(env Envelope) (Inbound, error)
}

// Deliver pushes a fully received payload through sink.
func Deliver(sink Sink, tag Tag, source Rank, payload []byte) error {
	in, err := sink.Begin(Envelope{Tag: tag, Source: source, Length: len(payload)})
	if err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := in.Write(payload); err != nil {
			return err
		}
	}
	return in.Complete()
}

// Poller is implemented by everything that can make progress when driven
// from the caller's goroutine instead of its own.
//
// Poll MUST NOT block. It reports whether any work was done.
type Poller interface {
	Poll(ctx context.Context) (bool, error)
}

// PollerFunc adapts a function to [Poller].
type PollerFunc func(ctx context.Context) (bool, error)

func (f PollerFunc) Poll(ctx context.Context) (bool, error) {
	return f(ctx)
}

// Transport is a point-to-point backend.
type Transport interface {
	// Kind names the backend for logs and metrics.
	Kind() string

	// Send delivers payload to dest under tag. It returns once the payload
	// buffer may be reused.
	Send(ctx context.Context, dest Rank, tag Tag, payload []byte) error

	// Quiesce is called once the local rank stops communicating: from then
	// on a peer closing its connection is expected and no longer fatal.
	Quiesce()

	// Close tears down every connection owned by the transport.
	Close() error
}
