package via

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/ranklink/pkg/directory"
	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/telemetry"
)

const Kind = "via"

var ErrRaceTimeout = errors.New("via: peer never completed the VI it accepted")

const maxRingSize = 1 << 16

// Config of a VIA [Transport].
type Config struct {
	Rank msg.Rank

	// Provider is the device. It is closed along with the transport.
	Provider Provider

	// AdvertiseHost replaces an unspecified listen host in [Transport.Addr].
	AdvertiseHost string

	Directory *directory.Directory
	Resolver  directory.Resolver
	Sink      msg.Sink

	// RingSize is the number of receive descriptors granted to the peer
	// as send credit.
	RingSize int

	// AckReserve descriptors are posted on top of the ring for the peer's
	// acks, so an ack never waits for credit.
	AckReserve int

	Chunking Chunking

	DialTimeout time.Duration

	// RaceTimeout bounds how long the loser of a simultaneous dial waits
	// for the winner's VI.
	RaceTimeout time.Duration

	// Cooperative disables the completion worker: completions are only
	// processed by Poll.
	Cooperative bool

	OnFatal func(peer msg.Rank, op string, err error)

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	LogHandler   slog.Handler
}

// Transport is the VIA backend.
type Transport struct {
	cfg      Config
	logger   *slog.Logger
	msink    metrics.MetricSink
	mtu      int
	ackEvery int
	ln       Listener
	addr     string
	cq       *CompletionQueue

	linksLk sync.Mutex
	links   map[*VI]*link

	// pollLk is held by whoever drains the completion queue.
	pollLk sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	quiesced atomic.Bool
	closing  atomic.Bool
	wg       sync.WaitGroup
}

var _ msg.Transport = (*Transport)(nil)
var _ msg.Poller = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	if !Available(cfg.Provider) {
		return nil, ErrDisabled
	}
	if cfg.Directory == nil || cfg.Sink == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("via: directory, resolver and sink are required")
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 32
	}
	if cfg.RingSize > maxRingSize {
		return nil, fmt.Errorf("via: ring of %d descriptors exceeds %d", cfg.RingSize, maxRingSize)
	}
	if cfg.AckReserve <= 0 {
		cfg.AckReserve = 4
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.RaceTimeout == 0 {
		cfg.RaceTimeout = 10 * time.Second
	}
	cfg.Chunking = cfg.Chunking.withDefaults()

	mtu := cfg.Provider.MTU()
	if mtu <= dataHeaderSize {
		return nil, fmt.Errorf("via: provider %s has a %d byte mtu", cfg.Provider.Name(), mtu)
	}

	ln, err := cfg.Provider.Listen()
	if err != nil {
		return nil, err
	}

	// Every descriptor of every VI can complete at once, plus one error
	// each, so pumps never wait on the worker.
	depth := 2 * cfg.Directory.Size() * (cfg.RingSize + cfg.AckReserve + 1)

	t := &Transport{
		cfg:      cfg,
		logger:   telemetry.Logger(cfg.LogHandler).With(telemetry.LabelTransport.L(Kind), telemetry.LabelRank.L(cfg.Rank)),
		msink:    telemetry.Sink(cfg.MetricSink),
		mtu:      mtu,
		ackEvery: max(1, cfg.RingSize/2),
		ln:       ln,
		addr:     advertised(ln.Addr(), cfg.AdvertiseHost),
		cq:       NewCompletionQueue(depth),
		links:    make(map[*VI]*link),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.acceptVIs()
	if !cfg.Cooperative {
		t.wg.Add(1)
		go t.work()
	}
	t.logger.Info("virtual interfaces ready", "provider", cfg.Provider.Name(), "addr", t.addr, "mtu", mtu)
	return t, nil
}

func advertised(addr, host string) string {
	if host == "" {
		return addr
	}
	h, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(h); h == "" || (ip != nil && ip.IsUnspecified()) {
		return net.JoinHostPort(host, port)
	}
	return addr
}

func (t *Transport) Kind() string {
	return Kind
}

// Addr is what peers dial, published in the process entry.
func (t *Transport) Addr() string {
	return t.addr
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

func (t *Transport) fatal(peer msg.Rank, op string, err error) {
	if t.closing.Load() {
		return
	}
	t.msink.IncrCounterWithLabels(telemetry.MetricConnErrorCount, 1.0, t.labels(peer, telemetry.LabelOp.M(op)))
	t.logger.Error("virtual interface failed", telemetry.LabelPeer.L(peer), telemetry.LabelOp.L(op), telemetry.LabelError.L(err))
	if t.cfg.OnFatal != nil {
		t.cfg.OnFatal(peer, op, err)
	}
}

// adopt wraps a fresh wire in a VI with its receives posted.
func (t *Transport) adopt(w Wire, peer msg.Rank, state linkState) *link {
	vi := NewVI(w, t.mtu, t.cq)
	for range t.cfg.RingSize + t.cfg.AckReserve {
		vi.PostRecv(make([]byte, t.mtu))
	}
	l := newLink(t, vi, peer, state)

	t.linksLk.Lock()
	if t.closing.Load() {
		t.linksLk.Unlock()
		vi.Close()
		return nil
	}
	t.links[vi] = l
	t.linksLk.Unlock()

	vi.Start()
	return l
}

func (t *Transport) forget(l *link) {
	t.linksLk.Lock()
	delete(t.links, l.vi)
	t.linksLk.Unlock()
}

func (t *Transport) acceptVIs() {
	defer t.wg.Done()
	for {
		w, err := t.ln.Accept(t.ctx)
		if err != nil {
			if !t.closing.Load() {
				t.logger.Warn("unexpected listener closure", telemetry.LabelError.L(err))
			}
			return
		}
		t.adopt(w, -1, stateAwaitHello)
	}
}

func (t *Transport) work() {
	defer t.wg.Done()
	for {
		c, err := t.cq.Wait(t.ctx)
		if err != nil {
			return
		}
		t.pollLk.Lock()
		t.handle(c)
		t.pollLk.Unlock()
	}
}

// must hold pollLk
func (t *Transport) handle(c Completion) error {
	t.linksLk.Lock()
	l := t.links[c.VI]
	t.linksLk.Unlock()
	if l == nil {
		return nil
	}
	return l.handle(c)
}

// Poll implements [msg.Poller] for cooperative mode.
func (t *Transport) Poll(ctx context.Context) (bool, error) {
	if t.closing.Load() {
		return false, ErrShutdown
	}
	if !t.pollLk.TryLock() {
		return false, nil
	}
	defer t.pollLk.Unlock()

	progressed := false
	for {
		c, ok := t.cq.Poll()
		if !ok {
			return progressed, nil
		}
		progressed = true
		if err := t.handle(c); err != nil {
			return progressed, err
		}
	}
}

// await blocks until ch closes, draining completions itself in
// cooperative mode.
func (t *Transport) await(ctx context.Context, ch <-chan struct{}) error {
	if !t.cfg.Cooperative {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		did, err := t.Poll(ctx)
		if err != nil {
			return err
		}
		if !did {
			runtime.Gosched()
		}
	}
}

// connect returns the live link to peer, establishing it if needed.
func (t *Transport) connect(ctx context.Context, peer msg.Rank) (*link, error) {
	slot := t.cfg.Directory.Slot(peer)
	for {
		existing, dial, err := slot.Begin()
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing.(*link), nil
		}
		if dial {
			return t.dial(ctx, peer, slot)
		}
		existing, err = t.awaitSlot(ctx, slot)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing.(*link), nil
		}
	}
}

func (t *Transport) awaitSlot(ctx context.Context, slot *directory.Slot) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RaceTimeout)
	defer cancel()

	if t.cfg.Cooperative {
		// The winner's hello only shows up if someone drains the queue.
		wctx, stop := context.WithCancel(ctx)
		defer stop()
		ready := make(chan struct{})
		var existing any
		var err error
		go func() {
			existing, err = slot.Wait(wctx)
			close(ready)
		}()
		if werr := t.await(ctx, ready); werr != nil {
			stop()
			<-ready
			if errors.Is(werr, context.DeadlineExceeded) {
				return nil, ErrRaceTimeout
			}
			return nil, werr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrRaceTimeout
		}
		return existing, err
	}

	existing, err := slot.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrRaceTimeout
	}
	return existing, err
}

func (t *Transport) dial(ctx context.Context, peer msg.Rank, slot *directory.Slot) (*link, error) {
	logger := t.logger.With(telemetry.LabelPeer.L(peer))
	ci, err := t.cfg.Resolver.ConnectInfo(ctx, peer)
	if err != nil {
		slot.Abandon()
		return nil, err
	}
	if len(ci.NICs) == 0 {
		slot.Abandon()
		return nil, fmt.Errorf("%w: rank %d published no VI address", ErrHandshake, peer)
	}

	dctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	w, err := t.cfg.Provider.Dial(dctx, ci.NICs[0])
	if err != nil {
		slot.Abandon()
		t.msink.IncrCounterWithLabels(telemetry.MetricConnErrorCount, 1.0, t.labels(peer, telemetry.LabelOp.M("dial")))
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	l := t.adopt(w, peer, stateAwaitReply)
	if l == nil {
		slot.Abandon()
		return nil, ErrShutdown
	}

	hello := control{Rank: t.cfg.Rank, Window: t.cfg.RingSize}
	err = l.vi.PostSend(immediate(kindControl, 0), hello.encode())
	if err == nil {
		err = t.await(dctx, l.settled)
	}
	if err == nil && !l.replied {
		err = l.err
	}
	if err != nil {
		l.shutdown(err)
		slot.Abandon()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	if !l.accepted {
		// The peer kept the VI it accepted from us.
		l.shutdown(errRejected)
		t.msink.IncrCounterWithLabels(telemetry.MetricConnRaceLostCount, 1.0, t.labels(peer))
		logger.Debug("lost connection race, waiting for the winner's VI")
		existing, err := t.awaitSlot(ctx, slot)
		if err != nil {
			return nil, err
		}
		return existing.(*link), nil
	}

	if err := slot.Complete(Kind, l); err != nil {
		l.shutdown(err)
		if errors.Is(err, directory.ErrAlreadyEstablished) {
			existing, _ := slot.Conn()
			return existing.(*link), nil
		}
		return nil, err
	}
	t.msink.IncrCounterWithLabels(telemetry.MetricConnEstCount, 1.0, t.labels(peer))
	logger.Info("established virtual interface")
	return l, nil
}

// Send implements [msg.Transport].
func (t *Transport) Send(ctx context.Context, dest msg.Rank, tag msg.Tag, payload []byte) error {
	if t.closing.Load() {
		return ErrShutdown
	}
	l, err := t.connect(ctx, dest)
	if err != nil {
		t.fatal(dest, "via connect", err)
		return err
	}
	if err := l.send(ctx, tag, payload); err != nil {
		if !errors.Is(err, ErrShutdown) {
			t.fatal(dest, "via write", err)
		}
		return err
	}
	labels := t.labels(dest)
	t.msink.IncrCounterWithLabels(telemetry.MetricMsgOutCount, 1.0, labels)
	t.msink.IncrCounterWithLabels(telemetry.MetricMsgOutBytes, float32(len(payload)), labels)
	return nil
}

// Connect establishes the VI to peer ahead of the first send.
func (t *Transport) Connect(ctx context.Context, peer msg.Rank) error {
	_, err := t.connect(ctx, peer)
	return err
}

func (t *Transport) Quiesce() {
	t.quiesced.Store(true)
}

// Close tears every VI down, then the listener and the provider.
func (t *Transport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()

	var merr *multierror.Error
	if err := t.ln.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}

	t.linksLk.Lock()
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.linksLk.Unlock()
	for _, l := range links {
		l.shutdown(ErrShutdown)
	}

	t.wg.Wait()
	if err := t.cfg.Provider.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}
