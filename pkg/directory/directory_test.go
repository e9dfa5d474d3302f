package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/stretchr/testify/require"
)

func entry(rank msg.Rank) ProcessEntry {
	return ProcessEntry{
		Rank:        rank,
		Host:        "node1",
		ListenPort:  7000 + int(rank),
		ControlPort: 8000 + int(rank),
		PID:         100 + int(rank),
		Exe:         "solver",
	}
}

func TestDirectory_PublishIsWriteOnce(t *testing.T) {
	dir := New(2)

	first, err := dir.Publish(entry(1))
	require.NoError(t, err)
	require.True(t, first)

	first, err = dir.Publish(entry(1))
	require.NoError(t, err)
	require.False(t, first, "identical record must be a no-op")

	other := entry(1)
	other.ListenPort = 1
	_, err = dir.Publish(other)
	require.ErrorIs(t, err, ErrEntryConflict)

	got, ok := dir.Get(1)
	require.True(t, ok)
	require.Equal(t, entry(1), got)

	_, err = dir.Publish(entry(2))
	require.ErrorIs(t, err, ErrRankOutOfRange)
}

func TestDirectory_AllPopulatedFiresOnLastRecord(t *testing.T) {
	dir := New(3)
	for _, r := range []msg.Rank{2, 0} {
		_, err := dir.Publish(entry(r))
		require.NoError(t, err)
		select {
		case <-dir.AllPopulated():
			t.Fatalf("barrier fired with %d records", dir.Populated())
		default:
		}
	}

	_, err := dir.Publish(entry(1))
	require.NoError(t, err)
	select {
	case <-dir.AllPopulated():
	default:
		t.Fatal("barrier did not fire")
	}
	require.Len(t, dir.Entries(), 3)
}

func TestDirectory_WaitUnblocksOnPublish(t *testing.T) {
	dir := New(4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan ProcessEntry, 1)
	go func() {
		e, err := dir.Wait(ctx, 3)
		if err == nil {
			done <- e
		}
	}()

	_, err := dir.Publish(entry(3))
	require.NoError(t, err)
	select {
	case e := <-done:
		require.Equal(t, msg.Rank(3), e.Rank)
	case <-ctx.Done():
		t.Fatal("waiter never woke up")
	}

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = dir.Wait(short, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSlot_SimultaneousDialKeepsHigherRankAccept(t *testing.T) {
	// Rank 1 and rank 3 dial each other at the same time.
	low := New(4).Slot(3)
	high := New(4).Slot(1)

	_, dialLow, err := low.Begin()
	require.NoError(t, err)
	require.True(t, dialLow)
	_, dialHigh, err := high.Begin()
	require.NoError(t, err)
	require.True(t, dialHigh)

	// Rank 1 receives rank 3's connection: it is the lower rank, rejects.
	require.False(t, low.Offer(1, 3, "socket", "from-3"))
	// Rank 3 receives rank 1's connection: it is the higher rank, keeps it.
	require.True(t, high.Offer(3, 1, "socket", "from-1"))

	// Rank 3's own dial was rejected; it finds the accepted one.
	conn, err := high.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "from-1", conn)

	// Rank 1's dial was accepted by rank 3.
	require.NoError(t, low.Complete("socket", "to-3"))
	conn, ok := low.Conn()
	require.True(t, ok)
	require.Equal(t, "to-3", conn)

	state, kind := low.State()
	require.Equal(t, Established, state)
	require.Equal(t, "socket", kind)
}

func TestSlot_RejectsOnceEstablished(t *testing.T) {
	s := New(2).Slot(1)
	require.True(t, s.Offer(0, 1, "socket", "first"))
	require.False(t, s.Offer(0, 1, "socket", "second"))
	require.ErrorIs(t, s.Complete("socket", "third"), ErrAlreadyEstablished)

	conn, dial, err := s.Begin()
	require.NoError(t, err)
	require.False(t, dial)
	require.Equal(t, "first", conn)
}

func TestSlot_ConcurrentBeginSingleDialer(t *testing.T) {
	s := New(2).Slot(1)
	var wg sync.WaitGroup
	var mu sync.Mutex
	dialers := 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dial, err := s.Begin()
			if err == nil && dial {
				mu.Lock()
				dialers++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, dialers)
}

func TestSlot_CloseWakesWaiters(t *testing.T) {
	dir := New(2)
	s := dir.Slot(1)
	_, _, err := s.Begin()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Wait(context.Background())
		errCh <- err
	}()
	dir.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrSlotClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released")
	}
}
