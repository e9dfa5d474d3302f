package socket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/ranklink/pkg/directory"
	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/queue"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type staticResolver struct {
	lk    sync.Mutex
	ports map[msg.Rank]int
}

func (r *staticResolver) ConnectInfo(ctx context.Context, rank msg.Rank) (directory.ConnectInfo, error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	port, ok := r.ports[rank]
	if !ok {
		return directory.ConnectInfo{}, fmt.Errorf("unknown rank %d", rank)
	}
	return directory.ConnectInfo{Host: "127.0.0.1", ListenPort: port}, nil
}

type MockSink struct {
	m mock.Mock
}

func (s *MockSink) Begin(env msg.Envelope) (msg.Inbound, error) {
	args := s.m.Called(env)
	in, _ := args.Get(0).(msg.Inbound)
	return in, args.Error(1)
}

type peer struct {
	t      *Transport
	q      *queue.Queue
	fatals chan error
}

func startPeers(t *testing.T, n int, tweak func(*Config)) []*peer {
	t.Helper()
	res := &staticResolver{ports: make(map[msg.Rank]int)}
	peers := make([]*peer, n)
	for r := range n {
		p := &peer{q: queue.New(), fatals: make(chan error, 16)}
		cfg := Config{
			Rank:      msg.Rank(r),
			BindAddr:  "127.0.0.1",
			Directory: directory.New(n),
			Resolver:  res,
			Sink:      p.q,
			OnFatal: func(_ msg.Rank, _ string, err error) {
				p.fatals <- err
			},
			MetricSink: &metrics.BlackholeSink{},
			LogHandler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			}).WithAttrs([]slog.Attr{
				{Key: "emitter", Value: slog.StringValue(fmt.Sprintf("rank%d", r))},
			}),
		}
		if tweak != nil {
			tweak(&cfg)
		}
		tr, err := New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { tr.Close() })
		p.t = tr
		res.lk.Lock()
		res.ports[msg.Rank(r)] = tr.Port()
		res.lk.Unlock()
		peers[r] = p
	}
	return peers
}

func recv(t *testing.T, q *queue.Queue, tag msg.Tag) ([]byte, queue.Status) {
	t.Helper()
	req, err := q.PostReceive(tag, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := q.Wait(ctx, req)
	require.NoError(t, err)
	return req.Bytes(), status
}

func TestSocket_RoundTrip(t *testing.T) {
	peers := startPeers(t, 2, nil)
	ctx := context.Background()

	require.NoError(t, peers[0].t.Send(ctx, 1, 42, []byte("ping")))
	got, status := recv(t, peers[1].q, 42)
	require.Equal(t, []byte("ping"), got)
	require.Equal(t, msg.Rank(0), status.Source)

	// The reply reuses the connection rank 0 opened.
	require.NoError(t, peers[1].t.Send(ctx, 0, 43, []byte("pong")))
	got, status = recv(t, peers[0].q, 43)
	require.Equal(t, []byte("pong"), got)
	require.Equal(t, msg.Rank(1), status.Source)

	require.NoError(t, peers[0].t.Send(ctx, 1, 7, nil))
	got, status = recv(t, peers[1].q, 7)
	require.Empty(t, got)
	require.Zero(t, status.Length)
}

func TestSocket_LargePayloadReassembled(t *testing.T) {
	peers := startPeers(t, 2, func(cfg *Config) {
		cfg.ChunkSize = 128
		cfg.ReadBufferSize = 100
	})

	payload := make([]byte, 1<<20+13)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	require.NoError(t, peers[0].t.Send(context.Background(), 1, 1, payload))

	got, status := recv(t, peers[1].q, 1)
	require.Equal(t, len(payload), status.Length)
	require.True(t, bytes.Equal(payload, got))
}

func TestSocket_WritesShrinkWhenKernelOutOfBuffers(t *testing.T) {
	peers := startPeers(t, 2, func(cfg *Config) {
		cfg.ChunkSize = 4096
	})
	ctx := context.Background()
	require.NoError(t, peers[0].t.Connect(ctx, 1))

	peers[0].t.connsLk.RLock()
	c := peers[0].t.conns[1]
	peers[0].t.connsLk.RUnlock()
	require.NotNil(t, c)

	var refused, largest int
	c.writeLk.Lock()
	c.write = func(fd int, p []byte) (int, error) {
		largest = max(largest, len(p))
		if len(p) > 1024 {
			refused++
			return 0, unix.ENOBUFS
		}
		return unix.Write(fd, p)
	}
	c.writeLk.Unlock()

	payload := make([]byte, 10<<10)
	for i := range payload {
		payload[i] = byte(i * 13)
	}
	require.NoError(t, peers[0].t.Send(ctx, 1, 8, payload))
	got, _ := recv(t, peers[1].q, 8)
	require.True(t, bytes.Equal(payload, got))
	require.Equal(t, 2, refused)

	// The next frame starts at the size the kernel accepted.
	largest = 0
	require.NoError(t, peers[0].t.Send(ctx, 1, 9, payload))
	got, _ = recv(t, peers[1].q, 9)
	require.True(t, bytes.Equal(payload, got))
	require.Equal(t, 2, refused)
	require.Equal(t, 1024, largest)

	c.writeLk.Lock()
	require.Equal(t, 1024, c.chunk)
	c.writeLk.Unlock()
}

func TestSocket_PerSourceOrdering(t *testing.T) {
	peers := startPeers(t, 2, nil)
	const n = 200
	for i := range n {
		require.NoError(t, peers[0].t.Send(context.Background(), 1, 5, []byte(fmt.Sprintf("m%03d", i))))
	}
	for i := range n {
		got, _ := recv(t, peers[1].q, 5)
		require.Equal(t, fmt.Sprintf("m%03d", i), string(got))
	}
}

func TestSocket_SimultaneousDialConverges(t *testing.T) {
	for round := range 10 {
		t.Run(fmt.Sprintf("round-%d", round), func(t *testing.T) {
			peers := startPeers(t, 2, nil)
			ctx := context.Background()

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for r := range 2 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs[r] = peers[r].t.Send(ctx, msg.Rank(1-r), 9, []byte(fmt.Sprintf("from %d", r)))
				}()
			}
			wg.Wait()
			require.NoError(t, errs[0])
			require.NoError(t, errs[1])

			got, _ := recv(t, peers[1].q, 9)
			require.Equal(t, "from 0", string(got))
			got, _ = recv(t, peers[0].q, 9)
			require.Equal(t, "from 1", string(got))

			peers[0].t.connsLk.RLock()
			low := peers[0].t.conns[1]
			peers[0].t.connsLk.RUnlock()
			peers[1].t.connsLk.RLock()
			high := peers[1].t.conns[0]
			peers[1].t.connsLk.RUnlock()

			// Both sides hold the two ends of the same socket.
			require.Equal(t, low.nc.LocalAddr().String(), high.nc.RemoteAddr().String())
			require.Equal(t, low.nc.RemoteAddr().String(), high.nc.LocalAddr().String())
		})
	}
}

func TestSocket_CooperativePoll(t *testing.T) {
	peers := startPeers(t, 2, func(cfg *Config) {
		cfg.Cooperative = true
	})
	sched := queue.NewScheduler()
	sched.Register(peers[1].t)
	peers[1].q.SetDriver(sched)

	require.NoError(t, peers[0].t.Send(context.Background(), 1, 3, []byte("polled")))
	got, _ := recv(t, peers[1].q, 3)
	require.Equal(t, []byte("polled"), got)
}

func TestSocket_PeerLossIsFatalUntilQuiesced(t *testing.T) {
	peers := startPeers(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, peers[0].t.Send(ctx, 1, 1, []byte("x")))
	recv(t, peers[1].q, 1)
	require.NoError(t, peers[1].t.Close())
	select {
	case err := <-peers[0].fatals:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("peer loss not reported")
	}

	require.NoError(t, peers[0].t.Send(ctx, 2, 1, []byte("y")))
	recv(t, peers[2].q, 1)
	peers[0].t.Quiesce()
	require.NoError(t, peers[2].t.Close())
	select {
	case err := <-peers[0].fatals:
		t.Fatalf("clean close after quiesce reported as fatal: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCursor_ByteAtATime(t *testing.T) {
	q := queue.New()
	c := newCursor(4, q)

	var stream []byte
	stream = appendHeader(stream, 11, 5)
	stream = append(stream, "hello"...)
	stream = appendHeader(stream, 12, 0)
	stream = appendHeader(stream, 13, 3)
	stream = append(stream, "bye"...)

	var envs []msg.Envelope
	for i := range stream {
		got, err := c.feed(stream[i : i+1])
		require.NoError(t, err)
		envs = append(envs, got...)
		if i == 3 {
			require.Equal(t, awaitingLength, c.state)
		}
	}
	require.True(t, c.atBoundary())
	require.Equal(t, []msg.Envelope{
		{Tag: 11, Source: 4, Length: 5},
		{Tag: 12, Source: 4, Length: 0},
		{Tag: 13, Source: 4, Length: 3},
	}, envs)

	for tag, want := range map[msg.Tag]string{11: "hello", 12: "", 13: "bye"} {
		req, err := q.PostReceive(tag, nil)
		require.NoError(t, err)
		done, _, err := q.Test(req)
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, want, string(req.Bytes()))
	}
}

func TestCursor_Violations(t *testing.T) {
	c := newCursor(0, queue.New())
	_, err := c.feed(appendHeader(nil, 1, -4))
	require.ErrorIs(t, err, ErrProtocolViolation)

	boom := errors.New("queue closed")
	sink := &MockSink{}
	sink.m.On("Begin", msg.Envelope{Tag: 2, Source: 1, Length: 1}).Return(nil, boom)
	c = newCursor(1, sink)
	_, err = c.feed(append(appendHeader(nil, 2, 1), 'x'))
	require.ErrorIs(t, err, boom)
	sink.m.AssertExpectations(t)
}
