// Package flow layers typed, buffered message flows on top of a job:
// a [Sender] encodes values and sends them to one rank under one tag, a
// [Receiver] decodes whatever arrives under a tag.
package flow

import (
	"context"
	"errors"

	"github.com/raskyld/ranklink/pkg/queue"
)

var (
	ErrFlowClosed = errors.New("flow closed")
)

// Messenger is what flows are built on. It is implemented by
// *ranklink.Job.
type Messenger interface {
	Send(ctx context.Context, dest int, tag int32, payload []byte) error
	Recv(ctx context.Context, tag int32, buf []byte) ([]byte, queue.Status, error)
}

// Item is a decoded message and the rank it came from.
type Item[T any] struct {
	From  int
	Value T
}
