package flow

// BytesCodec sends []byte as they are.
type BytesCodec struct {
	copyBuffers bool
}

// NewBytesCodec returns a codec which, when copy is set, never hands out
// the caller's buffer: the sender may then reuse it as soon as Send
// returns, even though the message is still queued.
func NewBytesCodec(copy bool) BytesCodec {
	return BytesCodec{
		copyBuffers: copy,
	}
}

func (enc BytesCodec) Encode(msg []byte) ([]byte, error) {
	if !enc.copyBuffers {
		return msg, nil
	}
	return append([]byte(nil), msg...), nil
}

func (enc BytesCodec) Decode(buf []byte) ([]byte, error) {
	return buf, nil
}
