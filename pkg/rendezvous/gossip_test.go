package rendezvous

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/ranklink/pkg/directory"
	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/stretchr/testify/require"
)

func TestGossip_MetaEncoding(t *testing.T) {
	entry := directory.ProcessEntry{
		Rank:        3,
		Host:        "node3",
		ListenPort:  7003,
		ControlPort: 8003,
		PID:         1234,
		Exe:         "solver",
		NICs:        []string{"ib0", "ib1"},
	}

	got, done, err := decodeMeta(encodeMeta(entry, true))
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, entry, got)

	_, _, err = decodeMeta([]byte{0xff})
	require.ErrorIs(t, err, ErrInvalidMeta)

	from, reason, err := decodeAbort(encodeAbort(2, "out of memory"))
	require.NoError(t, err)
	require.Equal(t, msg.Rank(2), from)
	require.Equal(t, "out of memory", reason)
}

func TestGossip_BarriersConverge(t *testing.T) {
	const size = 3
	regs := make([]*GossipRegistrar, size)
	aborts := make(chan string, 1)

	for r := range size {
		cfg := GossipConfig{
			Rank:          msg.Rank(r),
			Size:          size,
			BindAddr:      "127.0.0.1",
			LookupTimeout: 5 * time.Second,
			MetricSink:    &metrics.BlackholeSink{},
			MetricLabels:  []metrics.Label{{Name: "job", Value: "test"}},
			LogHandler:    rankHandler(msg.Rank(r)),
		}
		if r > 0 {
			cfg.Seeds = []string{regs[0].Addr()}
		}
		if r == 2 {
			cfg.OnAbort = func(from msg.Rank, reason string) {
				aborts <- reason
			}
		}
		g, err := NewGossipRegistrar(cfg)
		require.NoError(t, err)
		regs[r] = g
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, size)
	for r, g := range regs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[r] = g.Register(ctx, directory.ProcessEntry{
				Rank:        msg.Rank(r),
				Host:        "127.0.0.1",
				ListenPort:  7000 + r,
				ControlPort: 8000 + r,
				PID:         100 + r,
				Exe:         "solver",
			})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	for _, g := range regs {
		require.Len(t, g.dir.Entries(), size)
	}
	e, err := regs[0].Lookup(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 7002, e.ListenPort)

	require.NoError(t, regs[0].Abort(ctx, 2, "stop"))
	select {
	case reason := <-aborts:
		require.Equal(t, "stop", reason)
	case <-ctx.Done():
		t.Fatal("abort message never delivered")
	}

	for r, g := range regs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[r] = g.Finish(ctx)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	for _, g := range regs {
		require.NoError(t, g.Close())
	}
}

func TestGossip_LostRankDoesNotReleaseShutdownBarrier(t *testing.T) {
	aborts := make(chan msg.Rank, 2)
	g, err := NewGossipRegistrar(GossipConfig{
		Rank:       0,
		Size:       2,
		BindAddr:   "127.0.0.1",
		MetricSink: &metrics.BlackholeSink{},
		LogHandler: rankHandler(0),
		OnAbort: func(from msg.Rank, _ string) {
			aborts <- from
		},
	})
	require.NoError(t, err)
	defer g.ml.Shutdown()

	g.lk.Lock()
	g.registered = true
	g.lk.Unlock()
	g.markDone(0)

	peer := directory.ProcessEntry{Rank: 1, Host: "127.0.0.1", ListenPort: 7001, ControlPort: 8001, PID: 101, Exe: "solver"}
	for _, state := range []memberlist.NodeStateType{memberlist.StateDead, memberlist.StateLeft} {
		g.NotifyLeave(&memberlist.Node{Name: "rank-1", Meta: encodeMeta(peer, false), State: state})
		select {
		case from := <-aborts:
			require.Equal(t, msg.Rank(1), from)
		case <-time.After(5 * time.Second):
			t.Fatalf("no abort after rank 1 left in state %d", state)
		}
		select {
		case <-g.allDone:
			t.Fatalf("shutdown barrier released by rank 1 leaving in state %d", state)
		default:
		}
	}

	g.NotifyLeave(&memberlist.Node{Name: "rank-1", Meta: encodeMeta(peer, true), State: memberlist.StateLeft})
	select {
	case <-g.allDone:
	case <-time.After(5 * time.Second):
		t.Fatal("finished rank leaving did not complete the barrier")
	}

	// Once counted, a later failure of that rank is not a job failure.
	g.NotifyLeave(&memberlist.Node{Name: "rank-1", Meta: encodeMeta(peer, false), State: memberlist.StateDead})
	require.Never(t, func() bool { return len(aborts) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}
