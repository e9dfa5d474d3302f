package via

import (
	"encoding/binary"
	"fmt"

	"github.com/raskyld/ranklink/pkg/msg"
	"google.golang.org/protobuf/encoding/protowire"
)

// Packet kinds travel in the two high bits of the immediate data, the
// sender's receive sequence in the rest.
const (
	kindFirst uint32 = iota
	kindCont
	kindAck
	kindControl

	kindShift = 30
	seqMask   = 1<<kindShift - 1
)

func immediate(kind, seq uint32) uint32 {
	return kind<<kindShift | seq&seqMask
}

func splitImmediate(imm uint32) (kind, seq uint32) {
	return imm >> kindShift, imm & seqMask
}

// dataHeaderSize is the {tag, length} header of a message's first packet.
const dataHeaderSize = 8

func appendDataHeader(b []byte, tag msg.Tag, length int) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(int32(tag)))
	return binary.LittleEndian.AppendUint32(b, uint32(int32(length)))
}

func readDataHeader(b []byte) (msg.Tag, int, error) {
	if len(b) < dataHeaderSize {
		return 0, 0, fmt.Errorf("%w: %d byte first packet", ErrProtocolViolation, len(b))
	}
	tag := msg.Tag(int32(binary.LittleEndian.Uint32(b)))
	length := int(int32(binary.LittleEndian.Uint32(b[4:])))
	if length < 0 {
		return 0, 0, fmt.Errorf("%w: negative length %d", ErrProtocolViolation, length)
	}
	return tag, length, nil
}

// control is exchanged once in each direction when a VI is set up.
type control struct {
	Rank     msg.Rank
	Window   int
	Accepted bool
}

const (
	ctlRank protowire.Number = iota + 1
	ctlWindow
	ctlAccepted
)

func (c control) encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, ctlRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Rank))
	b = protowire.AppendTag(b, ctlWindow, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Window))
	b = protowire.AppendTag(b, ctlAccepted, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(c.Accepted))
	return b
}

func decodeControl(b []byte) (control, error) {
	var c control
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return control{}, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return control{}, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return control{}, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case ctlRank:
			c.Rank = msg.Rank(v)
		case ctlWindow:
			c.Window = int(v)
		case ctlAccepted:
			c.Accepted = protowire.DecodeBool(v)
		}
	}
	if c.Window <= 0 {
		return control{}, fmt.Errorf("%w: window %d", ErrProtocolViolation, c.Window)
	}
	return c, nil
}
