package ranklink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/ranklink/pkg/directory"
	"github.com/raskyld/ranklink/pkg/flow"
	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/queue"
	"github.com/raskyld/ranklink/pkg/rendezvous"
	"github.com/raskyld/ranklink/pkg/shmem"
	"github.com/raskyld/ranklink/pkg/socket"
	"github.com/raskyld/ranklink/pkg/telemetry"
	"github.com/raskyld/ranklink/pkg/via"
)

// loopback is the fabric shared by every job of this process selecting the
// "loopback" VIA backend.
var loopback = sync.OnceValue(func() *via.LoopbackNetwork {
	return via.NewLoopbackNetwork(0)
})

// Job is one rank of a fixed-size job. Messages to any rank, itself
// included, go through [Job.Send] and are matched on the receiving side by
// tag, see [Job.PostReceive].
type Job struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink
	stats  *statsSink
	host   string

	dir   *directory.Directory
	queue *queue.Queue
	sched *queue.Scheduler
	reg   rendezvous.Registrar
	sel   *selector

	sock *socket.Transport
	shm  *shmem.Transport
	via  *via.Transport

	routesLk sync.Mutex
	routes   map[msg.Rank]msg.Transport

	// 2-phase close:
	// phase 1: record the cause, new operations fail with it.
	// phase 2: transports and the control plane are torn down.
	lk         sync.Mutex
	shutdown   bool
	cause      error
	shutdownCh chan struct{}
}

var _ flow.Messenger = (*Job)(nil)

// Init joins the job: it starts every transport this rank may need,
// publishes where they listen and returns once every rank did the same.
func Init(ctx context.Context, opts ...Option) (_ *Job, err error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	host := cfg.hostname
	if host == "" {
		host, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("%w: no hostname: %w", ErrInvalidCfg, err)
		}
	}
	if cfg.jobID == "" {
		cfg.jobID = "port" + strconv.Itoa(cfg.rootPort)
	}

	stats := newStatsSink()
	j := &Job{
		cfg:        cfg,
		logger:     telemetry.Logger(cfg.logHandler).With(telemetry.LabelRank.L(cfg.rank)),
		msink:      metrics.FanoutSink{telemetry.Sink(cfg.msink), stats},
		stats:      stats,
		host:       host,
		dir:        directory.New(cfg.size),
		queue:      queue.New(),
		routes:     make(map[msg.Rank]msg.Transport),
		shutdownCh: make(chan struct{}),
	}
	if cfg.cooperative {
		j.sched = queue.NewScheduler()
		j.queue.SetDriver(j.sched)
	}

	defer func() {
		if err != nil {
			j.teardown(err)
		}
	}()

	controlPort, err := j.startRegistrar()
	if err != nil {
		return nil, err
	}

	j.sel = &selector{
		rank:   cfg.rank,
		size:   cfg.size,
		host:   host,
		shm:    cfg.shmCliques,
		hasShm: !cfg.noShm,
		via:    cfg.viaCliques,
	}
	if err := j.startTransports(); err != nil {
		return nil, err
	}

	exe, xerr := os.Executable()
	if xerr != nil {
		exe = os.Args[0]
	}
	entry := directory.ProcessEntry{
		Rank:        cfg.rank,
		Host:        host,
		ListenPort:  j.sock.Port(),
		ControlPort: controlPort,
		PID:         os.Getpid(),
		Exe:         exe,
	}
	if j.via != nil {
		entry.NICs = []string{j.via.Addr()}
	}
	if err := j.reg.Register(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to register: %w", err)
	}

	if err := j.settleShm(ctx); err != nil {
		return nil, err
	}
	j.logger.Info("job joined", "entry", entry, "size", cfg.size)
	return j, nil
}

func (j *Job) startRegistrar() (int, error) {
	cfg := &j.cfg
	onAbort := func(from msg.Rank, reason string) {
		go j.Abort("abort", fmt.Errorf("requested by rank %d: %s", from, reason))
	}

	switch {
	case cfg.registrar != nil:
		j.reg = cfg.registrar
		return 0, nil

	case cfg.gossip != nil:
		g, err := rendezvous.NewGossipRegistrar(rendezvous.GossipConfig{
			Rank:          cfg.rank,
			Size:          cfg.size,
			BindAddr:      cfg.gossip.bindAddr,
			BindPort:      cfg.gossip.bindPort,
			Seeds:         cfg.gossip.seeds,
			Directory:     j.dir,
			LookupTimeout: cfg.lookupTimeout,
			OnAbort:       onAbort,
			MetricSink:    j.msink,
			MetricLabels:  cfg.metricLabels,
			LogHandler:    cfg.logHandler,
		})
		if err != nil {
			return 0, err
		}
		j.reg = g
		_, port, _ := net.SplitHostPort(g.Addr())
		p, _ := strconv.Atoi(port)
		return p, nil
	}

	bindPort := 0
	if cfg.rank == 0 {
		bindPort = cfg.rootPort
	}
	svc, err := rendezvous.NewService(rendezvous.ServiceConfig{
		Rank:          cfg.rank,
		Size:          cfg.size,
		BindAddr:      cfg.listenAddr,
		BindPort:      bindPort,
		Directory:     j.dir,
		LookupTimeout: cfg.lookupTimeout,
		DialTimeout:   cfg.dialTimeout,
		OnAbort:       onAbort,
		OnFatal: func(op string, err error) {
			go j.Abort(op, err)
		},
		MetricSink:   j.msink,
		MetricLabels: cfg.metricLabels,
		LogHandler:   cfg.logHandler,
	})
	if err != nil {
		return 0, err
	}
	client, err := rendezvous.NewClient(rendezvous.ClientConfig{
		RootAddr:      net.JoinHostPort(cfg.rootHost, strconv.Itoa(cfg.rootPort)),
		Service:       svc,
		LookupTimeout: cfg.lookupTimeout,
		MetricSink:    j.msink,
		MetricLabels:  cfg.metricLabels,
		LogHandler:    cfg.logHandler,
	})
	if err != nil {
		svc.Close()
		return 0, err
	}
	j.reg = client
	return svc.Port(), nil
}

func (j *Job) onFatal(peer msg.Rank, op string, err error) {
	go j.Abort(op, fmt.Errorf("peer %d: %w", peer, err))
}

// startTransports starts every backend before registering: a peer may
// send as soon as it learns where we are.
func (j *Job) startTransports() error {
	cfg := &j.cfg

	sock, err := socket.New(socket.Config{
		Rank:         cfg.rank,
		BindAddr:     cfg.listenAddr,
		Directory:    j.dir,
		Resolver:     j.reg,
		Sink:         j.queue,
		Workers:      cfg.sockWorkers,
		ChunkSize:    cfg.sockChunk,
		DialTimeout:  cfg.dialTimeout,
		Cooperative:  cfg.cooperative,
		OnFatal:      j.onFatal,
		MetricSink:   j.msink,
		MetricLabels: cfg.metricLabels,
		LogHandler:   cfg.logHandler,
	})
	if err != nil {
		return err
	}
	j.sock = sock
	j.poll(sock)

	if candidates := j.sel.shmCandidates(); len(candidates) > 0 {
		shm, err := shmem.New(shmem.Config{
			Rank:              cfg.rank,
			JobID:             cfg.jobID,
			Dir:               cfg.shmDir,
			QueueSize:         cfg.shmSize,
			WaitMode:          cfg.shmWait,
			ZeroCopyThreshold: cfg.zeroCopy,
			Peers:             candidates,
			Sink:              j.queue,
			Cooperative:       cfg.cooperative,
			OnFatal:           j.onFatal,
			MetricSink:        j.msink,
			MetricLabels:      cfg.metricLabels,
			LogHandler:        cfg.logHandler,
		})
		if err != nil {
			return err
		}
		j.shm = shm
		j.poll(shm)
	}
	j.sel.hasShm = j.shm != nil

	provider, err := j.viaProvider()
	if err != nil {
		return err
	}
	if via.Available(provider) {
		tr, err := via.New(via.Config{
			Rank:          cfg.rank,
			Provider:      provider,
			AdvertiseHost: j.host,
			Directory:     j.dir,
			Resolver:      j.reg,
			Sink:          j.queue,
			DialTimeout:   cfg.dialTimeout,
			Cooperative:   cfg.cooperative,
			OnFatal:       j.onFatal,
			MetricSink:    j.msink,
			MetricLabels:  cfg.metricLabels,
			LogHandler:    cfg.logHandler,
		})
		if err != nil {
			provider.Close()
			return err
		}
		j.via = tr
		j.poll(tr)
	}
	j.sel.hasVia = j.via != nil
	return nil
}

func (j *Job) viaProvider() (via.Provider, error) {
	switch j.cfg.viaBackend {
	case "loopback":
		return loopback().Provider(), nil
	case "quic":
		return via.NewQUICProvider(via.QUICConfig{
			BindAddr:     j.cfg.listenAddr,
			MetricSink:   j.msink,
			MetricLabels: j.cfg.metricLabels,
			LogHandler:   j.cfg.logHandler,
		})
	default:
		return j.cfg.viaProvider, nil
	}
}

func (j *Job) poll(p msg.Poller) {
	if j.sched != nil {
		j.sched.Register(p)
	}
}

// settleShm routes every shared memory candidate and drops the regions of
// those that ended up elsewhere.
func (j *Job) settleShm(ctx context.Context) error {
	if j.shm == nil {
		return nil
	}
	var unused []msg.Rank
	for _, peer := range j.sel.shmCandidates() {
		tr, err := j.route(ctx, peer)
		if err != nil {
			return err
		}
		if tr != msg.Transport(j.shm) {
			unused = append(unused, peer)
		}
	}
	if len(unused) > 0 {
		j.logger.Debug("releasing unused shared memory queues", "peers", unused)
		return j.shm.Release(unused...)
	}
	return nil
}

// route returns the transport carrying traffic to peer. The choice is made
// once and kept for the job's lifetime.
func (j *Job) route(ctx context.Context, peer msg.Rank) (msg.Transport, error) {
	j.routesLk.Lock()
	tr, ok := j.routes[peer]
	j.routesLk.Unlock()
	if ok {
		return tr, nil
	}

	// Concurrent callers may both look the peer up: they agree anyway.
	kind, err := j.sel.choose(ctx, peer, j.reg.ConnectInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: rank %d: %w", ErrNoRoute, peer, err)
	}
	switch kind {
	case shmem.Kind:
		tr = j.shm
	case via.Kind:
		tr = j.via
	default:
		tr = j.sock
	}
	j.routesLk.Lock()
	j.routes[peer] = tr
	j.routesLk.Unlock()
	j.logger.Debug("route chosen", telemetry.LabelPeer.L(peer), telemetry.LabelTransport.L(kind))
	return tr, nil
}

// Rank of this process.
func (j *Job) Rank() int {
	return int(j.cfg.rank)
}

// Size of the job.
func (j *Job) Size() int {
	return j.cfg.size
}

// Host this rank published.
func (j *Job) Host() string {
	return j.host
}

// Transport names the backend carrying traffic to rank, choosing it if
// nothing was sent there yet.
func (j *Job) Transport(ctx context.Context, rank int) (string, error) {
	if err := j.checkRank(rank); err != nil {
		return "", err
	}
	if msg.Rank(rank) == j.cfg.rank {
		return "self", nil
	}
	tr, err := j.route(ctx, msg.Rank(rank))
	if err != nil {
		return "", err
	}
	return tr.Kind(), nil
}

func (j *Job) checkRank(rank int) error {
	if rank < 0 || rank >= j.cfg.size {
		return fmt.Errorf("%w: %d of %d", ErrInvalidRank, rank, j.cfg.size)
	}
	return nil
}

func (j *Job) err() error {
	j.lk.Lock()
	defer j.lk.Unlock()
	if j.shutdown {
		return j.cause
	}
	return nil
}

// Send delivers payload to dest under tag. It returns once payload may be
// reused, which does not mean dest received it.
func (j *Job) Send(ctx context.Context, dest int, tag int32, payload []byte) error {
	if err := j.err(); err != nil {
		return err
	}
	if err := j.checkRank(dest); err != nil {
		return err
	}

	if msg.Rank(dest) == j.cfg.rank {
		labels := telemetry.With(j.cfg.metricLabels, telemetry.LabelTransport.M("self"))
		j.msink.IncrCounterWithLabels(telemetry.MetricMsgOutCount, 1.0, labels)
		j.msink.IncrCounterWithLabels(telemetry.MetricMsgOutBytes, float32(len(payload)), labels)
		if err := msg.Deliver(j.queue, msg.Tag(tag), j.cfg.rank, payload); err != nil {
			return err
		}
		j.msink.IncrCounterWithLabels(telemetry.MetricMsgInCount, 1.0, labels)
		j.msink.IncrCounterWithLabels(telemetry.MetricMsgInBytes, float32(len(payload)), labels)
		return nil
	}

	tr, err := j.route(ctx, msg.Rank(dest))
	if err != nil {
		return err
	}
	if err := tr.Send(ctx, msg.Rank(dest), msg.Tag(tag), payload); err != nil {
		if cause := j.err(); cause != nil {
			return cause
		}
		return fmt.Errorf("send to rank %d over %s: %w", dest, tr.Kind(), err)
	}
	return nil
}

// PostReceive asks for the next message of tag to be written in buf. A
// nil buf lets the queue allocate one of the right size.
func (j *Job) PostReceive(tag int32, buf []byte) (*queue.Request, error) {
	if err := j.err(); err != nil {
		return nil, err
	}
	return j.queue.PostReceive(msg.Tag(tag), buf)
}

// Wait blocks until req completes. In cooperative mode the caller's
// goroutine drives every transport meanwhile.
func (j *Job) Wait(ctx context.Context, req *queue.Request) (queue.Status, error) {
	return j.queue.Wait(ctx, req)
}

// Test reports whether req completed, without blocking.
func (j *Job) Test(req *queue.Request) (bool, queue.Status, error) {
	if j.sched != nil {
		if _, err := j.sched.Progress(context.Background()); err != nil {
			return false, queue.Status{}, err
		}
	}
	return j.queue.Test(req)
}

// Probe reports whether a message of tag arrived with no receive posted
// for it yet.
func (j *Job) Probe(tag int32) bool {
	if j.sched != nil {
		j.sched.Progress(context.Background())
	}
	return j.queue.Probe(msg.Tag(tag))
}

// Recv posts a receive for tag and waits for it. The returned slice is buf
// when it was large enough.
func (j *Job) Recv(ctx context.Context, tag int32, buf []byte) ([]byte, queue.Status, error) {
	req, err := j.PostReceive(tag, buf)
	if err != nil {
		return nil, queue.Status{}, err
	}
	status, err := j.Wait(ctx, req)
	if err != nil {
		return nil, status, err
	}
	return req.Bytes(), status, nil
}

// Finalize waits for every rank to finalize, then releases everything the
// job holds. Messages still in flight to this rank are lost.
func (j *Job) Finalize(ctx context.Context) error {
	if err := j.err(); err != nil {
		return err
	}

	j.logger.Info("finalizing")
	for _, tr := range j.transports() {
		tr.Quiesce()
	}
	if err := j.reg.Finish(ctx); err != nil {
		if cause := j.err(); cause != nil {
			return cause
		}
		j.teardown(fmt.Errorf("%w: %w", ErrFinalized, err))
		return err
	}
	if err := j.teardown(ErrFinalized); err != nil {
		j.logger.Warn("teardown failed", telemetry.LabelError.L(err))
		return err
	}
	j.logger.Info("finalized")
	return nil
}

// Abort tears the job down after an unrecoverable error during op, then
// exits with a non-zero status. Only the first call has any effect.
func (j *Job) Abort(op string, err error) {
	abortErr := &AbortError{Rank: j.cfg.rank, Host: j.host, Op: op, Err: err}

	j.lk.Lock()
	if j.shutdown {
		j.lk.Unlock()
		return
	}
	j.lk.Unlock()

	j.msink.IncrCounterWithLabels(telemetry.MetricFatalCount, 1.0,
		telemetry.With(j.cfg.metricLabels, telemetry.LabelOp.M(op)))
	j.logger.Error("job aborted",
		telemetry.LabelHost.L(j.host),
		telemetry.LabelOp.L(op),
		telemetry.LabelError.L(err),
	)
	if !j.begin(abortErr) {
		return
	}
	if terr := j.drop(); terr != nil {
		j.logger.Warn("teardown failed", telemetry.LabelError.L(terr))
	}
	j.cfg.exitFunc(1)
}

// AbortRank asks rank to abort the whole job.
func (j *Job) AbortRank(ctx context.Context, rank int, reason string) error {
	if err := j.checkRank(rank); err != nil {
		return err
	}
	return j.reg.Abort(ctx, msg.Rank(rank), reason)
}

// Done is closed once the job finalized or aborted.
func (j *Job) Done() <-chan struct{} {
	return j.shutdownCh
}

// Err is why the job stopped, nil while it runs.
func (j *Job) Err() error {
	return j.err()
}

// Stats returns the message counters of every transport used so far,
// keyed by transport kind. Messages a rank sent itself are under "self".
func (j *Job) Stats() map[string]TransportStats {
	return j.stats.snapshot()
}

func (j *Job) transports() []msg.Transport {
	var trs []msg.Transport
	if j.via != nil {
		trs = append(trs, j.via)
	}
	if j.shm != nil {
		trs = append(trs, j.shm)
	}
	if j.sock != nil {
		trs = append(trs, j.sock)
	}
	return trs
}

// begin is phase 1 of the teardown. It reports whether the caller won the
// right to run phase 2.
func (j *Job) begin(cause error) bool {
	j.lk.Lock()
	defer j.lk.Unlock()
	if j.shutdown {
		return false
	}
	j.shutdown = true
	j.cause = cause
	close(j.shutdownCh)
	return true
}

func (j *Job) teardown(cause error) error {
	if !j.begin(cause) {
		return nil
	}
	return j.drop()
}

func (j *Job) drop() error {
	j.queue.Close(j.cause)

	var errs *multierror.Error
	for _, tr := range j.transports() {
		if err := tr.Close(); err != nil && !errors.Is(err, j.cause) {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", tr.Kind(), err))
		}
	}
	if j.reg != nil {
		if err := j.reg.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("control plane: %w", err))
		}
	}
	j.dir.Close()
	return errs.ErrorOrNil()
}
