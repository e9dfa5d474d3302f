package rendezvous

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/ranklink/pkg/directory"
	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/stretchr/testify/require"
)

func rankHandler(rank msg.Rank) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(fmt.Sprintf("rank%d", rank))},
	})
}

type testRank struct {
	svc    *Service
	client *Client
	entry  directory.ProcessEntry

	abortLk sync.Mutex
	aborts  []string
	fatals  []error
}

func startRank(t *testing.T, rank msg.Rank, size int, rootAddr string) *testRank {
	t.Helper()
	tr := &testRank{}
	svc, err := NewService(ServiceConfig{
		Rank:          rank,
		Size:          size,
		BindAddr:      "127.0.0.1",
		LookupTimeout: 2 * time.Second,
		DialTimeout:   5 * time.Second,
		OnAbort: func(from msg.Rank, reason string) {
			tr.abortLk.Lock()
			tr.aborts = append(tr.aborts, fmt.Sprintf("%d:%s", from, reason))
			tr.abortLk.Unlock()
		},
		OnFatal: func(op string, err error) {
			tr.abortLk.Lock()
			tr.fatals = append(tr.fatals, err)
			tr.abortLk.Unlock()
		},
		MetricSink: &metrics.BlackholeSink{},
		LogHandler: rankHandler(rank),
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	if rank == 0 {
		rootAddr = svc.Addr()
	}
	client, err := NewClient(ClientConfig{
		RootAddr:   rootAddr,
		Service:    svc,
		MetricSink: &metrics.BlackholeSink{},
		LogHandler: rankHandler(rank),
	})
	require.NoError(t, err)

	tr.svc = svc
	tr.client = client
	tr.entry = directory.ProcessEntry{
		Rank:        rank,
		Host:        "127.0.0.1",
		ListenPort:  9000 + int(rank),
		ControlPort: svc.Port(),
		PID:         4000 + int(rank),
		Exe:         "/usr/bin/solver",
		NICs:        []string{"10.0.0.1", "10.0.1.1"},
	}
	return tr
}

func startJob(t *testing.T, size int) []*testRank {
	t.Helper()
	ranks := make([]*testRank, size)
	ranks[0] = startRank(t, 0, size, "")
	for r := 1; r < size; r++ {
		ranks[r] = startRank(t, msg.Rank(r), size, ranks[0].svc.Addr())
	}
	return ranks
}

func registerAll(t *testing.T, ranks []*testRank) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	errs := make([]error, len(ranks))
	for i, r := range ranks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.client.Register(ctx, r.entry)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestRendezvous_StartupBarrierReverseOrder(t *testing.T) {
	ranks := startJob(t, 4)
	root := ranks[0].svc

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acked := make([]chan error, 4)
	register := func(r int) {
		acked[r] = make(chan error, 1)
		go func() {
			acked[r] <- ranks[r].client.Register(ctx, ranks[r].entry)
		}()
	}

	register(0)
	for i, r := range []int{3, 2} {
		register(r)
		want := i + 2
		require.Eventually(t, func() bool {
			return root.dir.Populated() == want
		}, 5*time.Second, 5*time.Millisecond)
	}

	// Nobody may leave the barrier while rank 1 is missing.
	time.Sleep(100 * time.Millisecond)
	for _, r := range []int{0, 2, 3} {
		select {
		case err := <-acked[r]:
			t.Fatalf("rank acked before the barrier: %v", err)
		default:
		}
	}

	register(1)
	for r := range 4 {
		select {
		case err := <-acked[r]:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatalf("rank %d never acked", r)
		}
	}
	require.Len(t, root.dir.Entries(), 4)
}

func TestRendezvous_LookupIsCached(t *testing.T) {
	ranks := startJob(t, 3)
	registerAll(t, ranks)

	ctx := context.Background()
	e, err := ranks[1].client.Lookup(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, ranks[2].entry, e)

	// The root no longer needs to answer.
	require.NoError(t, ranks[0].svc.Close())
	e, err = ranks[1].client.Lookup(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, ranks[2].entry, e)

	ci, err := ranks[1].client.ConnectInfo(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, directory.ConnectInfo{Host: "127.0.0.1", ListenPort: 9002, NICs: ranks[2].entry.NICs}, ci)
}

func TestRendezvous_ConnectInfoFromRoot(t *testing.T) {
	ranks := startJob(t, 3)
	registerAll(t, ranks)

	ci, err := ranks[2].client.ConnectInfo(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, ranks[1].entry.ConnectInfo(), ci)
}

func TestRendezvous_LookupTimeout(t *testing.T) {
	ranks := startJob(t, 2)
	ranks[0].svc.cfg.LookupTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := ranks[1].client.ConnectInfo(context.Background(), 1)
	require.ErrorIs(t, err, ErrLookupTimeout)
	require.Less(t, time.Since(start), 2*time.Second)

	ranks[0].client.cfg.LookupTimeout = 50 * time.Millisecond
	_, err = ranks[0].client.Lookup(context.Background(), 1)
	require.ErrorIs(t, err, ErrLookupTimeout)
}

func TestRendezvous_ShutdownBarrier(t *testing.T) {
	ranks := startJob(t, 3)
	registerAll(t, ranks)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	finished := make([]chan error, 3)
	for _, r := range []int{2, 1} {
		finished[r] = make(chan error, 1)
		go func() {
			finished[r] <- ranks[r].client.Finish(ctx)
		}()
	}

	require.Eventually(t, func() bool {
		ranks[0].svc.doneLk.Lock()
		defer ranks[0].svc.doneLk.Unlock()
		return ranks[0].svc.doneCount == 2
	}, 5*time.Second, 5*time.Millisecond)

	for _, r := range ranks {
		select {
		case <-r.svc.AllDone():
			t.Fatalf("rank %d released before rank 0 was done", r.entry.Rank)
		default:
		}
	}

	require.NoError(t, ranks[0].client.Finish(ctx))
	for _, r := range []int{1, 2} {
		require.NoError(t, <-finished[r])
	}
	for _, r := range ranks {
		require.NoError(t, r.client.Close())
	}
}

func TestRendezvous_AbortCommand(t *testing.T) {
	ranks := startJob(t, 3)
	registerAll(t, ranks)

	require.NoError(t, ranks[1].client.Abort(context.Background(), 2, "solver diverged"))
	require.Eventually(t, func() bool {
		ranks[2].abortLk.Lock()
		defer ranks[2].abortLk.Unlock()
		return len(ranks[2].aborts) == 1 && ranks[2].aborts[0] == "1:solver diverged"
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRendezvous_MalformedCommandIsFatal(t *testing.T) {
	ranks := startJob(t, 2)

	conn, err := net.Dial("tcp", ranks[0].svc.Addr())
	require.NoError(t, err)
	_, err = conn.Write([]byte{42})
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool {
		ranks[0].abortLk.Lock()
		defer ranks[0].abortLk.Unlock()
		return len(ranks[0].fatals) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, ranks[0].fatals[0], ErrUnknownCommand)
}

func TestRendezvous_RegistrationConflictRefused(t *testing.T) {
	ranks := startJob(t, 2)
	_, err := ranks[0].svc.dir.Publish(ranks[1].entry)
	require.NoError(t, err)

	other := ranks[1].entry
	other.ListenPort = 1
	err = ranks[1].client.Register(context.Background(), other)
	require.ErrorIs(t, err, ErrRefused)
}

func TestCodec_EntryFixedWidth(t *testing.T) {
	entry := directory.ProcessEntry{
		Rank:        7,
		Host:        "node-12.cluster",
		ListenPort:  40000,
		ControlPort: 40001,
		PID:         31337,
		Exe:         "/opt/app/solver",
		NICs:        []string{"192.168.1.7"},
	}
	w, err := encodeEntry(entry)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeRequest(&buf, CmdInitDataToRoot, &w))
	require.Equal(t, 1+4*4+HostFieldLen+ExeFieldLen+NICsFieldLen, buf.Len())

	cmd, err := readCommand(&buf)
	require.NoError(t, err)
	require.Equal(t, CmdInitDataToRoot, cmd)
	var got wireEntry
	require.NoError(t, readBody(&buf, &got))
	require.Equal(t, entry, got.decode())

	entry.Host = string(make([]byte, HostFieldLen+1))
	_, err = encodeEntry(entry)
	require.ErrorIs(t, err, ErrFieldTooLong)

	_, err = readCommand(bytes.NewReader([]byte{byte(CmdAbort) + 1}))
	require.ErrorIs(t, err, ErrUnknownCommand)

	err = readBody(bytes.NewReader([]byte{1, 2}), &got)
	require.ErrorIs(t, err, ErrShortRead)
}
