package socket

import (
	"encoding/binary"
	"fmt"

	"github.com/raskyld/ranklink/pkg/msg"
)

// HeaderSize is the size of the {tag, length} frame header.
const HeaderSize = 8

var order = binary.NativeEndian

type cursorState uint8

const (
	awaitingTag cursorState = iota
	awaitingLength
	awaitingBody
)

func (s cursorState) String() string {
	switch s {
	case awaitingTag:
		return "awaiting-tag"
	case awaitingLength:
		return "awaiting-length"
	case awaitingBody:
		return "awaiting-body"
	default:
		return "unknown"
	}
}

// cursor reassembles frames from an arbitrary split of the byte stream.
type cursor struct {
	source msg.Rank
	sink   msg.Sink

	state     cursorState
	field     [4]byte
	have      int
	tag       msg.Tag
	length    int
	remaining int
	in        msg.Inbound
}

func newCursor(source msg.Rank, sink msg.Sink) *cursor {
	return &cursor{source: source, sink: sink}
}

// atBoundary reports whether no frame is partially read.
func (c *cursor) atBoundary() bool {
	return c.state == awaitingTag && c.have == 0
}

// feed consumes b entirely and returns the envelopes it completed.
func (c *cursor) feed(b []byte) ([]msg.Envelope, error) {
	var done []msg.Envelope
	for len(b) > 0 {
		switch c.state {
		case awaitingTag, awaitingLength:
			n := copy(c.field[c.have:], b)
			c.have += n
			b = b[n:]
			if c.have < len(c.field) {
				continue
			}
			c.have = 0
			v := int32(order.Uint32(c.field[:]))
			if c.state == awaitingTag {
				c.tag = msg.Tag(v)
				c.state = awaitingLength
				continue
			}
			if v < 0 {
				return done, fmt.Errorf("%w: negative frame length %d", ErrProtocolViolation, v)
			}
			env, err := c.begin(int(v))
			if err != nil {
				return done, err
			}
			if env != nil {
				done = append(done, *env)
			}
		case awaitingBody:
			n := min(len(b), c.remaining)
			if _, err := c.in.Write(b[:n]); err != nil {
				return done, err
			}
			c.remaining -= n
			b = b[n:]
			if c.remaining == 0 {
				env, err := c.complete()
				if err != nil {
					return done, err
				}
				done = append(done, env)
			}
		}
	}
	return done, nil
}

func (c *cursor) begin(length int) (*msg.Envelope, error) {
	in, err := c.sink.Begin(msg.Envelope{Tag: c.tag, Source: c.source, Length: length})
	if err != nil {
		return nil, err
	}
	c.in = in
	c.length = length
	c.remaining = length
	if length > 0 {
		c.state = awaitingBody
		return nil, nil
	}
	env, err := c.complete()
	return &env, err
}

func (c *cursor) complete() (msg.Envelope, error) {
	env := msg.Envelope{Tag: c.tag, Source: c.source, Length: c.length}
	err := c.in.Complete()
	c.in = nil
	c.state = awaitingTag
	return env, err
}

// appendHeader encodes a frame header.
func appendHeader(b []byte, tag msg.Tag, length int) []byte {
	b = order.AppendUint32(b, uint32(int32(tag)))
	return order.AppendUint32(b, uint32(int32(length)))
}
