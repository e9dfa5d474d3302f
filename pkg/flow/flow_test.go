package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/queue"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// loopMessenger delivers every message to its own queue, as a job sending
// to itself does.
type loopMessenger struct {
	q       *queue.Queue
	failing error
}

func newLoopMessenger() *loopMessenger {
	return &loopMessenger{q: queue.New()}
}

func (m *loopMessenger) Send(_ context.Context, dest int, tag int32, payload []byte) error {
	if m.failing != nil {
		return m.failing
	}
	return msg.Deliver(m.q, msg.Tag(tag), msg.Rank(dest), payload)
}

func (m *loopMessenger) Recv(ctx context.Context, tag int32, buf []byte) ([]byte, queue.Status, error) {
	req, err := m.q.PostReceive(msg.Tag(tag), buf)
	if err != nil {
		return nil, queue.Status{}, err
	}
	status, err := m.q.Wait(ctx, req)
	if err != nil {
		return nil, status, err
	}
	return req.Bytes(), status, nil
}

type point struct {
	X, Y int
}

func TestFlow_JSON(t *testing.T) {
	m := newLoopMessenger()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snd := NewSender[point](m, 2, 10, NewJSONCodec[point](), 8)
	rcv := NewReceiver[point](m, 10, NewJSONCodec[point](), 8)
	defer rcv.Close()

	for i := range 20 {
		require.NoError(t, snd.Send(ctx, point{X: i, Y: -i}))
	}
	require.NoError(t, snd.Close())
	require.ErrorIs(t, snd.Send(ctx, point{}), ErrFlowClosed)

	for i := range 20 {
		item, err := rcv.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, item.From)
		require.Equal(t, point{X: i, Y: -i}, item.Value)
	}
}

func TestFlow_Proto(t *testing.T) {
	m := newLoopMessenger()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snd := NewSender[*wrapperspb.StringValue](m, 0, 11, NewProtoCodec[*wrapperspb.StringValue](), 1)
	rcv := NewReceiver[*wrapperspb.StringValue](m, 11, NewProtoCodec[*wrapperspb.StringValue](), 1)
	defer rcv.Close()

	require.NoError(t, snd.Send(ctx, wrapperspb.String("hello, world!")))
	item, err := rcv.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello, world!", item.Value.GetValue())
	require.NoError(t, snd.Close())
}

func TestFlow_BytesCopy(t *testing.T) {
	buf := []byte("abc")
	out, err := NewBytesCodec(true).Encode(buf)
	require.NoError(t, err)
	buf[0] = 'z'
	require.Equal(t, []byte("abc"), out)

	out, err = NewBytesCodec(false).Encode(buf)
	require.NoError(t, err)
	require.Equal(t, &buf[0], &out[0])
}

func TestFlow_SendFailureClosesSender(t *testing.T) {
	m := newLoopMessenger()
	broken := errors.New("peer lost")
	m.failing = broken
	ctx := context.Background()

	snd := NewSender[[]byte](m, 1, 12, NewBytesCodec(false), 4)
	require.NoError(t, snd.Send(ctx, []byte("lost")))
	require.Eventually(t, func() bool {
		return errors.Is(snd.Send(ctx, []byte("x")), broken)
	}, 5*time.Second, time.Millisecond)
	require.ErrorIs(t, snd.Close(), broken)
}

func TestFlow_ReceiverStopsWithQueue(t *testing.T) {
	m := newLoopMessenger()
	rcv := NewReceiver[[]byte](m, 13, NewBytesCodec(false), 4)

	cause := errors.New("job aborted")
	m.q.Close(cause)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := rcv.Recv(ctx)
	require.ErrorIs(t, err, cause)
	require.NoError(t, rcv.Close())
}
