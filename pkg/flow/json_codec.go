package flow

import (
	"encoding/json"
)

// JSONCodec encodes values with encoding/json.
type JSONCodec[T any] struct{}

func NewJSONCodec[T any]() JSONCodec[T] {
	return JSONCodec[T]{}
}

func (JSONCodec[T]) Encode(msg T) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec[T]) Decode(buf []byte) (T, error) {
	var result T
	err := json.Unmarshal(buf, &result)
	return result, err
}
