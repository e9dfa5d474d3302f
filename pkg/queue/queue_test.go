package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPoller struct {
	m mock.Mock
}

func (p *MockPoller) Poll(ctx context.Context) (bool, error) {
	args := p.m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestQueue_PostThenDeliver(t *testing.T) {
	q := New()
	req, err := q.PostReceive(7, make([]byte, 16))
	require.NoError(t, err)
	require.Equal(t, msg.StatePending, q.State(req))

	done, _, err := q.Test(req)
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, msg.Deliver(q, 7, 3, []byte("hello")))

	status, err := q.Wait(waitCtx(t), req)
	require.NoError(t, err)
	require.Equal(t, Status{Source: 3, Tag: 7, Length: 5}, status)
	require.Equal(t, []byte("hello"), req.Bytes())
	require.Equal(t, msg.StateComplete, q.State(req))
}

func TestQueue_UnexpectedThenPost(t *testing.T) {
	q := New()
	require.NoError(t, msg.Deliver(q, 1, 2, []byte("early")))
	require.True(t, q.Probe(1))
	require.False(t, q.Probe(2))

	req, err := q.PostReceive(1, nil)
	require.NoError(t, err)
	require.False(t, q.Probe(1), "message consumed by the match")

	status, err := q.Wait(waitCtx(t), req)
	require.NoError(t, err)
	require.Equal(t, 5, status.Length)
	require.Equal(t, []byte("early"), req.Bytes())
}

func TestQueue_ExactlyOneMatchInArrivalOrder(t *testing.T) {
	q := New()
	first, err := q.PostReceive(9, nil)
	require.NoError(t, err)
	second, err := q.PostReceive(9, nil)
	require.NoError(t, err)
	other, err := q.PostReceive(10, nil)
	require.NoError(t, err)

	require.NoError(t, msg.Deliver(q, 9, 0, []byte("m1")))
	require.NoError(t, msg.Deliver(q, 9, 0, []byte("m2")))
	require.NoError(t, msg.Deliver(q, 9, 0, []byte("m3")))

	ctx := waitCtx(t)
	_, err = q.Wait(ctx, first)
	require.NoError(t, err)
	_, err = q.Wait(ctx, second)
	require.NoError(t, err)
	require.Equal(t, []byte("m1"), first.Bytes())
	require.Equal(t, []byte("m2"), second.Bytes())

	done, _, _ := q.Test(other)
	require.False(t, done, "tag 10 must not match tag 9 traffic")

	third, err := q.PostReceive(9, nil)
	require.NoError(t, err)
	_, err = q.Wait(ctx, third)
	require.NoError(t, err)
	require.Equal(t, []byte("m3"), third.Bytes())
}

func TestQueue_TruncationIsAnError(t *testing.T) {
	q := New()
	req, err := q.PostReceive(4, make([]byte, 2))
	require.NoError(t, err)

	require.NoError(t, msg.Deliver(q, 4, 1, []byte("too long")))
	_, err = q.Wait(waitCtx(t), req)
	require.ErrorIs(t, err, ErrTruncated)
	require.Nil(t, req.Bytes())

	// Same outcome when the message was already waiting.
	require.NoError(t, msg.Deliver(q, 4, 1, []byte("too long")))
	req, err = q.PostReceive(4, make([]byte, 2))
	require.NoError(t, err)
	_, err = q.Wait(waitCtx(t), req)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestQueue_StreamingClaimOfPartialMessage(t *testing.T) {
	q := New()
	in, err := q.Begin(msg.Envelope{Tag: 5, Source: 2, Length: 6})
	require.NoError(t, err)
	_, err = in.Write([]byte("abc"))
	require.NoError(t, err)

	req, err := q.PostReceive(5, make([]byte, 8))
	require.NoError(t, err)
	require.Equal(t, msg.StatePartial, q.State(req))

	_, err = in.Write([]byte("defg"))
	require.ErrorIs(t, err, ErrOverflow)
	_, err = in.Write([]byte("def"))
	require.NoError(t, err)
	require.Zero(t, in.Remaining())
	require.NoError(t, in.Complete())

	status, err := q.Wait(waitCtx(t), req)
	require.NoError(t, err)
	require.Equal(t, 6, status.Length)
	require.Equal(t, []byte("abcdef"), req.Bytes())
}

func TestQueue_ShortMessageRejected(t *testing.T) {
	q := New()
	in, err := q.Begin(msg.Envelope{Tag: 1, Source: 0, Length: 4})
	require.NoError(t, err)
	_, err = in.Write([]byte("ab"))
	require.NoError(t, err)
	require.ErrorIs(t, in.Complete(), ErrShortMessage)

	_, err = q.Begin(msg.Envelope{Tag: 1, Length: -1})
	require.ErrorIs(t, err, ErrNegativeLength)
}

func TestQueue_CloseFailsPendingAndInflight(t *testing.T) {
	q := New()
	posted, err := q.PostReceive(1, nil)
	require.NoError(t, err)
	inflight, err := q.PostReceive(2, nil)
	require.NoError(t, err)
	_, err = q.Begin(msg.Envelope{Tag: 2, Source: 1, Length: 10})
	require.NoError(t, err)

	cause := errors.New("job aborted")
	q.Close(cause)

	ctx := waitCtx(t)
	_, err = q.Wait(ctx, posted)
	require.ErrorIs(t, err, cause)
	_, err = q.Wait(ctx, inflight)
	require.ErrorIs(t, err, cause)

	_, err = q.PostReceive(1, nil)
	require.ErrorIs(t, err, cause)
	_, err = q.Begin(msg.Envelope{Tag: 1})
	require.ErrorIs(t, err, cause)
}

func TestQueue_WaitHonorsContext(t *testing.T) {
	q := New()
	req, err := q.PostReceive(1, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Wait(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CooperativeWaitPumpsScheduler(t *testing.T) {
	q := New()
	sched := NewScheduler()
	q.SetDriver(sched)

	req, err := q.PostReceive(3, nil)
	require.NoError(t, err)

	calls := 0
	sched.Register(msg.PollerFunc(func(ctx context.Context) (bool, error) {
		calls++
		if calls == 3 {
			return true, msg.Deliver(q, 3, 1, []byte("pumped"))
		}
		return false, nil
	}))

	_, err = q.Wait(waitCtx(t), req)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []byte("pumped"), req.Bytes())
}

func TestScheduler_ProgressIsNotReentrant(t *testing.T) {
	sched := NewScheduler()
	ctx := context.Background()

	inner := &MockPoller{}
	inner.m.On("Poll", ctx).Return(true, nil).Once()

	var nested bool
	sched.Register(msg.PollerFunc(func(ctx context.Context) (bool, error) {
		did, err := sched.Progress(ctx)
		nested = did
		return false, err
	}))
	sched.Register(inner)
	require.Equal(t, 2, sched.Len())

	did, err := sched.Progress(ctx)
	require.NoError(t, err)
	require.True(t, did)
	require.False(t, nested, "nested progress must be a no-op")
	inner.m.AssertExpectations(t)
}

func TestScheduler_StopsOnPollerError(t *testing.T) {
	sched := NewScheduler()
	ctx := context.Background()
	boom := errors.New("boom")

	failing := &MockPoller{}
	failing.m.On("Poll", ctx).Return(false, boom)
	never := &MockPoller{}

	sched.Register(failing)
	sched.Register(never)

	_, err := sched.Progress(ctx)
	require.ErrorIs(t, err, boom)
	never.m.AssertNotCalled(t, "Poll", ctx)
}
