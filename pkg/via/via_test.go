package via

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/ranklink/pkg/directory"
	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/queue"
	"github.com/stretchr/testify/require"
)

type addrResolver struct {
	lk    sync.Mutex
	addrs map[msg.Rank]string
}

func (r *addrResolver) ConnectInfo(ctx context.Context, rank msg.Rank) (directory.ConnectInfo, error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	addr, ok := r.addrs[rank]
	if !ok {
		return directory.ConnectInfo{}, fmt.Errorf("unknown rank %d", rank)
	}
	return directory.ConnectInfo{NICs: []string{addr}}, nil
}

type peer struct {
	t      *Transport
	q      *queue.Queue
	fatals chan error
}

func testHandler(r int) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(fmt.Sprintf("rank%d", r))},
	})
}

func startPeers(t *testing.T, n int, provider func(r int) Provider, tweak func(*Config)) []*peer {
	t.Helper()
	if provider == nil {
		network := NewLoopbackNetwork(0)
		provider = func(int) Provider { return network.Provider() }
	}
	res := &addrResolver{addrs: make(map[msg.Rank]string)}
	peers := make([]*peer, n)
	for r := range n {
		p := &peer{q: queue.New(), fatals: make(chan error, 16)}
		cfg := Config{
			Rank:      msg.Rank(r),
			Provider:  provider(r),
			Directory: directory.New(n),
			Resolver:  res,
			Sink:      p.q,
			OnFatal: func(_ msg.Rank, _ string, err error) {
				p.fatals <- err
			},
			MetricSink: &metrics.BlackholeSink{},
			LogHandler: testHandler(r),
		}
		if tweak != nil {
			tweak(&cfg)
		}
		tr, err := New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { tr.Close() })
		p.t = tr
		res.lk.Lock()
		res.addrs[msg.Rank(r)] = tr.Addr()
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

func linkTo(t *testing.T, p *peer, rank msg.Rank) *link {
	t.Helper()
	conn, ok := p.t.cfg.Directory.Slot(rank).Conn()
	require.True(t, ok)
	return conn.(*link)
}

func TestVIA_RoundTrip(t *testing.T) {
	peers := startPeers(t, 2, nil, nil)
	ctx := context.Background()

	require.NoError(t, peers[0].t.Send(ctx, 1, 42, []byte("ping")))
	got, status := recv(t, peers[1].q, 42)
	require.Equal(t, []byte("ping"), got)
	require.Equal(t, msg.Rank(0), status.Source)

	require.NoError(t, peers[1].t.Send(ctx, 0, 43, []byte("pong")))
	got, status = recv(t, peers[0].q, 43)
	require.Equal(t, []byte("pong"), got)
	require.Equal(t, msg.Rank(1), status.Source)

	require.NoError(t, peers[0].t.Send(ctx, 1, 7, nil))
	got, status = recv(t, peers[1].q, 7)
	require.Empty(t, got)
	require.Zero(t, status.Length)
}

func TestVIA_LargePayloadReassembled(t *testing.T) {
	network := NewLoopbackNetwork(1024)
	peers := startPeers(t, 2, func(int) Provider { return network.Provider() }, func(cfg *Config) {
		cfg.Chunking = Chunking{MinUnit: 256, BulkMin: 1 << 10, BulkMax: 1 << 18}
	})

	for _, size := range []int{1016, 1017, 5000, 1<<18 + 3} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 31)
		}
		require.NoError(t, peers[0].t.Send(context.Background(), 1, 1, payload))

		got, status := recv(t, peers[1].q, 1)
		require.Equal(t, len(payload), status.Length)
		require.True(t, bytes.Equal(payload, got), "size %d", size)
	}
}

func TestVIA_PerSourceOrdering(t *testing.T) {
	peers := startPeers(t, 3, nil, nil)

	const n = 200
	var wg sync.WaitGroup
	for src := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range n {
				peers[src].t.Send(context.Background(), 2, msg.Tag(src), []byte(fmt.Sprintf("m%03d", i)))
			}
		}()
	}
	for src := range 2 {
		for i := range n {
			got, _ := recv(t, peers[2].q, msg.Tag(src))
			require.Equal(t, fmt.Sprintf("m%03d", i), string(got))
		}
	}
	wg.Wait()
}

func TestVIA_OutstandingNeverExceedsWindow(t *testing.T) {
	network := NewLoopbackNetwork(256)
	peers := startPeers(t, 2, func(int) Provider { return network.Provider() }, func(cfg *Config) {
		cfg.RingSize = 4
	})

	payload := bytes.Repeat([]byte{0xAB}, 64<<10)
	for range 4 {
		require.NoError(t, peers[0].t.Send(context.Background(), 1, 3, payload))
		got, _ := recv(t, peers[1].q, 3)
		require.True(t, bytes.Equal(payload, got))
	}

	_, most := linkTo(t, peers[0], 1).outstanding()
	require.LessOrEqual(t, most, 4)
	require.Positive(t, most)
}

func TestVIA_BothSidesSendExhausted(t *testing.T) {
	network := NewLoopbackNetwork(128)
	peers := startPeers(t, 2, func(int) Provider { return network.Provider() }, func(cfg *Config) {
		cfg.RingSize = 2
	})
	require.NoError(t, peers[0].t.Connect(context.Background(), 1))

	payload := bytes.Repeat([]byte("both ways"), 10000)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	errc := make(chan error, 2)
	for r := range 2 {
		go func() {
			errc <- peers[r].t.Send(ctx, msg.Rank(1-r), 8, payload)
		}()
	}
	require.NoError(t, <-errc)
	require.NoError(t, <-errc)

	for r := range 2 {
		got, _ := recv(t, peers[r].q, 8)
		require.True(t, bytes.Equal(payload, got))
	}
}

func TestVIA_SimultaneousDialConverges(t *testing.T) {
	for round := range 10 {
		t.Run(fmt.Sprintf("round%d", round), func(t *testing.T) {
			peers := startPeers(t, 2, nil, nil)
			ctx := context.Background()

			var wg sync.WaitGroup
			for r := range 2 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					require.NoError(t, peers[r].t.Connect(ctx, msg.Rank(1-r)))
				}()
			}
			wg.Wait()

			// The losing VIs are torn down, one link each survives.
			require.Eventually(t, func() bool {
				for _, p := range peers {
					p.t.linksLk.Lock()
					n := len(p.t.links)
					p.t.linksLk.Unlock()
					if n != 1 {
						return false
					}
				}
				return true
			}, 5*time.Second, 10*time.Millisecond)

			require.NoError(t, peers[0].t.Send(ctx, 1, 1, []byte("after race")))
			require.NoError(t, peers[1].t.Send(ctx, 0, 1, []byte("after race")))
			got, _ := recv(t, peers[1].q, 1)
			require.Equal(t, "after race", string(got))
			got, _ = recv(t, peers[0].q, 1)
			require.Equal(t, "after race", string(got))
		})
	}
}

func TestVIA_CooperativePoll(t *testing.T) {
	peers := startPeers(t, 2, nil, func(cfg *Config) {
		cfg.Cooperative = true
		cfg.RingSize = 2
	})
	sched := queue.NewScheduler()
	sched.Register(peers[1].t)
	peers[1].q.SetDriver(sched)

	payload := bytes.Repeat([]byte("polled"), 20000)
	errc := make(chan error, 1)
	go func() {
		errc <- peers[0].t.Send(context.Background(), 1, 4, payload)
	}()
	got, _ := recv(t, peers[1].q, 4)
	require.NoError(t, <-errc)
	require.True(t, bytes.Equal(payload, got))
}

func TestVIA_PeerLossIsFatalUntilQuiesced(t *testing.T) {
	peers := startPeers(t, 3, nil, nil)
	ctx := context.Background()
	require.NoError(t, peers[0].t.Send(ctx, 1, 1, []byte("hi")))
	require.NoError(t, peers[0].t.Send(ctx, 2, 1, []byte("hi")))
	recv(t, peers[1].q, 1)
	recv(t, peers[2].q, 1)

	require.NoError(t, peers[1].t.Close())
	select {
	case err := <-peers[0].fatals:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("peer loss went unnoticed")
	}

	peers[0].t.Quiesce()
	require.NoError(t, peers[2].t.Close())
	require.Never(t, func() bool {
		return len(peers[0].fatals) > 0
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestVIA_NoReceivePostedBreaksVI(t *testing.T) {
	a, b := newLoopPair()
	cq := NewCompletionQueue(4)
	vi := NewVI(b, 64, cq)
	require.NoError(t, vi.PostRecv(make([]byte, 64)))
	vi.Start()
	defer vi.Close()

	require.NoError(t, a.WritePacket(1, []byte("one")))
	require.NoError(t, a.WritePacket(2, []byte("two")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := cq.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), c.Imm)
	require.Equal(t, "one", string(c.Data))

	c, err = cq.Wait(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, c.Err, ErrNoReceivePosted)
}

func TestVIA_DisabledProvider(t *testing.T) {
	require.False(t, Available(nil))
	require.False(t, Available(Disabled{}))
	require.True(t, Available(NewLoopbackNetwork(0).Provider()))

	_, err := New(Config{Provider: Disabled{}})
	require.ErrorIs(t, err, ErrDisabled)
	_, err = Disabled{}.Dial(context.Background(), "anywhere")
	require.ErrorIs(t, err, ErrDisabled)
}

func TestChunking_Size(t *testing.T) {
	ch := Chunking{Bandwidth: 1e9, Latency: 25 * time.Microsecond}.withDefaults()
	require.Equal(t, 25000, ch.BDP())

	// Outside the bulk range, MTU sized chunks.
	require.Equal(t, 32768, ch.Size(1000, 32768))
	require.Equal(t, 32768, ch.Size(32<<20, 32768))

	// 100000 bytes in ceil(100000/25000) = 4 chunks of 25000.
	require.Equal(t, 25000, ch.Size(100000, 32768))
	// Bounded by the MTU.
	require.Equal(t, 8192, ch.Size(65536, 8192))

	small := Chunking{BulkMin: 1, Bandwidth: 1e9, Latency: 25 * time.Microsecond}.withDefaults()
	require.Equal(t, 5000, small.Size(5000, 32768))
	// Never below the minimum unit.
	require.Equal(t, 4096, small.Size(2000, 32768))

	require.Equal(t, 100, ch.FirstUnit(100, 32768))
	require.Equal(t, 32760, ch.FirstUnit(32760, 32768))
	require.Equal(t, 4096-dataHeaderSize, ch.FirstUnit(32761, 32768))
}

func TestControl_Decode(t *testing.T) {
	c, err := decodeControl(control{Rank: 5, Window: 32, Accepted: true}.encode())
	require.NoError(t, err)
	require.Equal(t, control{Rank: 5, Window: 32, Accepted: true}, c)

	_, err = decodeControl(control{Rank: 5}.encode())
	require.ErrorIs(t, err, ErrProtocolViolation)
	_, err = decodeControl([]byte{0xff})
	require.ErrorIs(t, err, ErrProtocolViolation)

	kind, seq := splitImmediate(immediate(kindAck, seqMask+5))
	require.Equal(t, kindAck, kind)
	require.Equal(t, uint32(4), seq)
	require.True(t, seqAfter(2, seqMask))
	require.False(t, seqAfter(seqMask, 2))
}

func TestVIA_QUICProvider(t *testing.T) {
	peers := startPeers(t, 2, func(r int) Provider {
		p, err := NewQUICProvider(QUICConfig{
			BindAddr:   "127.0.0.1",
			MTU:        8 << 10,
			MetricSink: &metrics.BlackholeSink{},
			LogHandler: testHandler(r),
		})
		require.NoError(t, err)
		return p
	}, nil)

	payload := make([]byte, 300<<10)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, peers[0].t.Send(context.Background(), 1, 9, payload))
	got, status := recv(t, peers[1].q, 9)
	require.Equal(t, len(payload), status.Length)
	require.True(t, bytes.Equal(payload, got))

	require.NoError(t, peers[1].t.Send(context.Background(), 0, 9, []byte("over quic")))
	got, _ = recv(t, peers[0].q, 9)
	require.Equal(t, "over quic", string(got))
}
