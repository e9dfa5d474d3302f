package flow

import (
	"google.golang.org/protobuf/proto"
)

// ProtoCodec encodes protobuf messages.
type ProtoCodec[Msg proto.Message] struct{}

func NewProtoCodec[Msg proto.Message]() ProtoCodec[Msg] {
	return ProtoCodec[Msg]{}
}

func (ProtoCodec[Msg]) Encode(msg Msg) ([]byte, error) {
	return proto.Marshal(msg)
}

func (ProtoCodec[Msg]) Decode(buf []byte) (Msg, error) {
	var allocated Msg
	allocated = allocated.ProtoReflect().New().Interface().(Msg)
	err := proto.Unmarshal(buf, allocated)
	return allocated, err
}
