// Package socket is the TCP transport: one connection per peer pair, a
// reactor built on the runtime network poller feeding a bounded pool of
// workers, and framed sends streamed in chunks.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/ranklink/pkg/directory"
	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/telemetry"
	"golang.org/x/sync/semaphore"
)

const Kind = "socket"

var (
	ErrShutdown          = errors.New("socket: shutting down")
	ErrProtocolViolation = errors.New("socket: protocol violation")
	ErrWrite             = errors.New("socket: write failed")
	ErrHandshake         = errors.New("socket: handshake failed")
	ErrRaceTimeout       = errors.New("socket: peer never completed the connection it accepted")
)

const (
	ackReject byte = 0
	ackAccept byte = 1
)

// Config of a socket [Transport].
type Config struct {
	Rank msg.Rank

	// BindAddr and BindPort are where peers connect. A zero port picks an
	// ephemeral one.
	BindAddr string
	BindPort int

	Directory *directory.Directory
	Resolver  directory.Resolver
	Sink      msg.Sink

	// Workers bounds how many connections are parsed concurrently.
	Workers int

	// ChunkSize is the largest single write.
	ChunkSize int

	// ReadBufferSize is the per-connection read buffer.
	ReadBufferSize int

	DialTimeout time.Duration

	// RaceTimeout bounds how long the loser of a simultaneous dial waits
	// for the winner's connection.
	RaceTimeout time.Duration

	// Cooperative disables reader goroutines: data is only read by Poll.
	Cooperative bool

	// OnFatal is invoked on any unrecoverable connection error.
	OnFatal func(peer msg.Rank, op string, err error)

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	LogHandler   slog.Handler
}

// Transport is the socket backend.
type Transport struct {
	cfg     Config
	logger  *slog.Logger
	msink   metrics.MetricSink
	ln      *net.TCPListener
	workers *semaphore.Weighted

	connsLk sync.RWMutex
	conns   map[msg.Rank]*conn

	// pending holds accepted sockets still in handshake.
	pendingLk sync.Mutex
	pending   map[net.Conn]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	quiesced atomic.Bool
	closing  atomic.Bool
	wg       sync.WaitGroup
}

var _ msg.Transport = (*Transport)(nil)
var _ msg.Poller = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	if cfg.Directory == nil || cfg.Sink == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("socket: directory, resolver and sink are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ChunkSize < 64 {
		cfg.ChunkSize = 64 << 10
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 64 << 10
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.RaceTimeout == 0 {
		cfg.RaceTimeout = 10 * time.Second
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.BindPort)))
	if err != nil {
		return nil, fmt.Errorf("socket: failed to allocate listener: %w", err)
	}

	t := &Transport{
		cfg:     cfg,
		logger:  telemetry.Logger(cfg.LogHandler).With(telemetry.LabelTransport.L(Kind), telemetry.LabelRank.L(cfg.Rank)),
		msink:   telemetry.Sink(cfg.MetricSink),
		ln:      ln.(*net.TCPListener),
		workers: semaphore.NewWeighted(int64(cfg.Workers)),
		conns:   make(map[msg.Rank]*conn),
		pending: make(map[net.Conn]struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.acceptConns()
	return t, nil
}

func (t *Transport) Kind() string {
	return Kind
}

// Port is the bound listen port.
func (t *Transport) Port() int {
	return t.ln.Addr().(*net.TCPAddr).Port
}

func (t *Transport) labels(peer msg.Rank, extra ...metrics.Label) []metrics.Label {
	labels := telemetry.With(t.cfg.MetricLabels,
		telemetry.LabelTransport.M(Kind),
		telemetry.LabelPeer.M(strconv.Itoa(int(peer))),
	)
	return append(labels, extra...)
}

func (t *Transport) countIn(peer msg.Rank, env msg.Envelope) {
	labels := t.labels(peer)
	t.msink.IncrCounterWithLabels(telemetry.MetricMsgInCount, 1.0, labels)
	t.msink.IncrCounterWithLabels(telemetry.MetricMsgInBytes, float32(env.Length), labels)
	t.logger.Debug("message received", "envelope", env)
}

func (t *Transport) countBackoff(peer msg.Rank) {
	t.msink.IncrCounterWithLabels(telemetry.MetricSendBackoffCount, 1.0, t.labels(peer))
}

func (t *Transport) fatal(peer msg.Rank, op string, err error) {
	if t.closing.Load() {
		return
	}
	t.msink.IncrCounterWithLabels(telemetry.MetricConnErrorCount, 1.0, t.labels(peer, telemetry.LabelOp.M(op)))
	t.logger.Error("connection failed", telemetry.LabelPeer.L(peer), telemetry.LabelOp.L(op), telemetry.LabelError.L(err))
	if t.cfg.OnFatal != nil {
		t.cfg.OnFatal(peer, op, err)
	}
}

func (t *Transport) acceptConns() {
	defer t.wg.Done()
	for {
		nc, err := t.ln.AcceptTCP()
		if err != nil {
			if !t.closing.Load() {
				t.logger.Warn("unexpected listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		t.pendingLk.Lock()
		if t.closing.Load() {
			t.pendingLk.Unlock()
			nc.Close()
			return
		}
		t.pending[nc] = struct{}{}
		t.wg.Add(1)
		t.pendingLk.Unlock()

		go func() {
			defer t.wg.Done()
			t.handleInbound(nc)
			t.pendingLk.Lock()
			delete(t.pending, nc)
			t.pendingLk.Unlock()
		}()
	}
}

// handleInbound runs the acceptor side of the handshake.
func (t *Transport) handleInbound(nc *net.TCPConn) {
	nc.SetDeadline(time.Now().Add(t.cfg.DialTimeout))

	var hdr [4]byte
	if _, err := io.ReadFull(nc, hdr[:]); err != nil {
		t.logger.Warn("inbound handshake failed", telemetry.LabelError.L(err))
		nc.Close()
		return
	}
	peer := msg.Rank(int32(order.Uint32(hdr[:])))
	if peer < 0 || int(peer) >= t.cfg.Directory.Size() || peer == t.cfg.Rank {
		t.logger.Warn("inbound handshake from an invalid rank", telemetry.LabelPeer.L(peer))
		nc.Write([]byte{ackReject})
		nc.Close()
		return
	}
	logger := t.logger.With(telemetry.LabelPeer.L(peer))

	c, err := newConn(t, peer, nc)
	if err != nil {
		nc.Close()
		t.fatal(peer, "socket accept", err)
		return
	}

	slot := t.cfg.Directory.Slot(peer)
	if !slot.Offer(t.cfg.Rank, peer, Kind, c) {
		logger.Debug("rejecting inbound connection, keeping ours")
		nc.Write([]byte{ackReject})
		nc.Close()
		return
	}

	if _, err := nc.Write([]byte{ackAccept}); err != nil {
		t.fatal(peer, "socket accept", err)
		return
	}
	nc.SetDeadline(time.Time{})
	t.register(c)
	logger.Info("accepted connection")
}

// register makes c the live connection to its peer.
func (t *Transport) register(c *conn) {
	c.nc.SetNoDelay(true)

	t.connsLk.Lock()
	if t.closing.Load() {
		t.connsLk.Unlock()
		c.close()
		return
	}
	t.conns[c.peer] = c
	if !t.cfg.Cooperative {
		t.wg.Add(1)
	}
	t.connsLk.Unlock()

	t.msink.IncrCounterWithLabels(telemetry.MetricConnEstCount, 1.0, t.labels(c.peer))
	if !t.cfg.Cooperative {
		go c.readLoop()
	}
}

// connect returns the live connection to peer, establishing it if needed.
func (t *Transport) connect(ctx context.Context, peer msg.Rank) (*conn, error) {
	slot := t.cfg.Directory.Slot(peer)
	for {
		existing, dial, err := slot.Begin()
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing.(*conn), nil
		}
		if dial {
			return t.dial(ctx, peer, slot)
		}
		// Someone else is establishing it.
		existing, err = t.awaitSlot(ctx, slot)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing.(*conn), nil
		}
	}
}

func (t *Transport) awaitSlot(ctx context.Context, slot *directory.Slot) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RaceTimeout)
	defer cancel()
	existing, err := slot.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrRaceTimeout
	}
	return existing, err
}

func (t *Transport) dial(ctx context.Context, peer msg.Rank, slot *directory.Slot) (*conn, error) {
	logger := t.logger.With(telemetry.LabelPeer.L(peer))
	ci, err := t.cfg.Resolver.ConnectInfo(ctx, peer)
	if err != nil {
		slot.Abandon()
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	var d net.Dialer
	raw, err := d.DialContext(dctx, "tcp", net.JoinHostPort(ci.Host, strconv.Itoa(ci.ListenPort)))
	if err != nil {
		slot.Abandon()
		t.msink.IncrCounterWithLabels(telemetry.MetricConnErrorCount, 1.0, t.labels(peer, telemetry.LabelOp.M("dial")))
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	nc := raw.(*net.TCPConn)

	var hello [4]byte
	order.PutUint32(hello[:], uint32(int32(t.cfg.Rank)))
	var ack [1]byte
	nc.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
	_, err = nc.Write(hello[:])
	if err == nil {
		_, err = io.ReadFull(nc, ack[:])
	}
	if err != nil {
		nc.Close()
		slot.Abandon()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	nc.SetDeadline(time.Time{})

	if ack[0] != ackAccept {
		// The peer kept the connection it accepted from us.
		nc.Close()
		t.msink.IncrCounterWithLabels(telemetry.MetricConnRaceLostCount, 1.0, t.labels(peer))
		logger.Debug("lost connection race, waiting for the winner's connection")
		existing, err := t.awaitSlot(ctx, slot)
		if err != nil {
			return nil, err
		}
		return existing.(*conn), nil
	}

	c, err := newConn(t, peer, nc)
	if err != nil {
		nc.Close()
		slot.Abandon()
		return nil, err
	}
	if err := slot.Complete(Kind, c); err != nil {
		nc.Close()
		if errors.Is(err, directory.ErrAlreadyEstablished) {
			existing, _ := slot.Conn()
			return existing.(*conn), nil
		}
		return nil, err
	}
	t.register(c)
	logger.Info("established connection")
	return c, nil
}

// Send implements [msg.Transport].
func (t *Transport) Send(ctx context.Context, dest msg.Rank, tag msg.Tag, payload []byte) error {
	if t.closing.Load() {
		return ErrShutdown
	}
	c, err := t.connect(ctx, dest)
	if err != nil {
		t.fatal(dest, "socket connect", err)
		return err
	}
	if err := c.send(tag, payload); err != nil {
		t.fatal(dest, "socket write", err)
		return err
	}
	labels := t.labels(dest)
	t.msink.IncrCounterWithLabels(telemetry.MetricMsgOutCount, 1.0, labels)
	t.msink.IncrCounterWithLabels(telemetry.MetricMsgOutBytes, float32(len(payload)), labels)
	return nil
}

// Connect establishes the connection to peer ahead of the first send.
func (t *Transport) Connect(ctx context.Context, peer msg.Rank) error {
	_, err := t.connect(ctx, peer)
	return err
}

// Poll implements [msg.Poller] for cooperative mode.
func (t *Transport) Poll(ctx context.Context) (bool, error) {
	t.connsLk.RLock()
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.connsLk.RUnlock()

	progressed := false
	for _, c := range conns {
		did, err := c.poll()
		progressed = progressed || did
		if err != nil {
			if t.closing.Load() {
				return progressed, ErrShutdown
			}
			if errors.Is(err, io.EOF) && t.quiesced.Load() && c.cur.atBoundary() {
				t.connsLk.Lock()
				delete(t.conns, c.peer)
				t.connsLk.Unlock()
				c.close()
				continue
			}
			t.fatal(c.peer, "socket read", err)
			return progressed, err
		}
	}
	return progressed, nil
}

func (t *Transport) Quiesce() {
	t.quiesced.Store(true)
}

// Close shuts the listener and every connection down, then waits for the
// reader goroutines.
func (t *Transport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()

	var merr *multierror.Error
	if err := t.ln.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}

	t.pendingLk.Lock()
	for nc := range t.pending {
		nc.Close()
	}
	t.pendingLk.Unlock()

	t.connsLk.Lock()
	for peer, c := range t.conns {
		if err := c.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			merr = multierror.Append(merr, fmt.Errorf("peer %d: %w", peer, err))
		}
	}
	t.conns = make(map[msg.Rank]*conn)
	t.connsLk.Unlock()

	t.wg.Wait()
	return merr.ErrorOrNil()
}
