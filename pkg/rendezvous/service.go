// Package rendezvous implements the control plane of a job: every rank runs
// a [Service] on its control port, rank 0's service collects the process
// directory and drives the startup and shutdown barriers, and a [Client]
// talks to it. [GossipRegistrar] is a drop-in alternative that needs no
// root.
package rendezvous

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
	"github.com/raskyld/ranklink/pkg/directory"
	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotRoot       = errors.New("rendezvous: command only served by rank 0")
	ErrLookupTimeout = errors.New("rendezvous: rank did not register in time")
	ErrShutdown      = errors.New("rendezvous: shutting down")
	ErrInvalidRank   = errors.New("rendezvous: invalid rank")
)

// ServiceConfig configures the control service of one rank.
type ServiceConfig struct {
	Rank msg.Rank
	Size int

	// BindAddr and BindPort are where the control listener binds.
	// A zero port picks an ephemeral one.
	BindAddr string
	BindPort int

	// Directory is the process directory of this rank. On rank 0 it is
	// populated by INIT_DATA_TO_ROOT.
	Directory *directory.Directory

	// LookupTimeout bounds how long rank 0 waits for an unregistered rank
	// before refusing a PROCESS_INFO query.
	LookupTimeout time.Duration

	// DialTimeout bounds the ALL_IN_DONE broadcast dials.
	DialTimeout time.Duration

	// OnAbort is invoked when an ABORT command is received.
	OnAbort func(from msg.Rank, reason string)

	// OnFatal is invoked when the control plane hits an unrecoverable error.
	OnFatal func(op string, err error)

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	LogHandler   slog.Handler
}

// Service is the control listener of one rank.
type Service struct {
	cfg    ServiceConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	ln     net.Listener
	dir    *directory.Directory

	doneLk    sync.Mutex
	doneRanks []bool
	doneCount int

	allDone     chan struct{}
	allDoneOnce sync.Once

	// 2-phase close: stop accepting, then wait for handlers.
	shutdown   atomic.Bool
	shutdownCh chan struct{}
	connsLk    sync.Mutex
	conns      map[net.Conn]struct{}
	wg         sync.WaitGroup
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Size < 1 || cfg.Rank < 0 || int(cfg.Rank) >= cfg.Size {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrInvalidRank, cfg.Rank, cfg.Size)
	}
	if cfg.Directory == nil {
		cfg.Directory = directory.New(cfg.Size)
	}
	if cfg.LookupTimeout == 0 {
		cfg.LookupTimeout = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	s := &Service{
		cfg:        cfg,
		logger:     telemetry.Logger(cfg.LogHandler).With(telemetry.LabelRank.L(cfg.Rank)),
		msink:      telemetry.Sink(cfg.MetricSink),
		dir:        cfg.Directory,
		doneRanks:  make([]bool, cfg.Size),
		allDone:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.BindPort)))
	if err != nil {
		return nil, fmt.Errorf("rendezvous: failed to allocate control listener: %w", err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptConns()
	return s, nil
}

// IsRoot reports whether this service is rank 0's.
func (s *Service) IsRoot() bool {
	return s.cfg.Rank == 0
}

// Port is the bound control port.
func (s *Service) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Addr is the bound control address.
func (s *Service) Addr() string {
	return s.ln.Addr().String()
}

// AllDone is closed once this rank observed ALL_IN_DONE, either by
// receiving it or, on rank 0, by broadcasting it.
func (s *Service) AllDone() <-chan struct{} {
	return s.allDone
}

func (s *Service) acceptConns() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !s.shutdown.Load() {
				s.logger.Warn("unexpected control listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		s.connsLk.Lock()
		if s.shutdown.Load() {
			s.connsLk.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.connsLk.Unlock()

		go func() {
			defer s.wg.Done()
			defer func() {
				s.connsLk.Lock()
				delete(s.conns, conn)
				s.connsLk.Unlock()
				conn.Close()
			}()
			s.handleConn(conn)
		}()
	}
}

func (s *Service) count(cmd Command) {
	s.msink.IncrCounterWithLabels(
		telemetry.MetricRendezvousCount,
		1.0,
		telemetry.With(s.cfg.MetricLabels, telemetry.LabelCommand.M(cmd.String())),
	)
}

func (s *Service) fail(cmd Command, err error) {
	if s.shutdown.Load() {
		return
	}
	s.msink.IncrCounterWithLabels(
		telemetry.MetricRendezvousErrCount,
		1.0,
		telemetry.With(s.cfg.MetricLabels, telemetry.LabelCommand.M(cmd.String())),
	)
	s.logger.Error("control command failed", telemetry.LabelCommand.L(cmd.String()), telemetry.LabelError.L(err))
	if s.cfg.OnFatal != nil {
		s.cfg.OnFatal("control "+cmd.String(), err)
	}
}

// One request per connection: the connection is closed once answered.
func (s *Service) handleConn(conn net.Conn) {
	cmd, err := readCommand(conn)
	if errors.Is(err, io.EOF) {
		s.logger.Debug("control connection closed before any command")
		return
	}
	if err != nil {
		s.fail(cmd, err)
		return
	}
	s.count(cmd)
	logger := s.logger.With(telemetry.LabelCommand.L(cmd.String()))

	switch cmd {
	case CmdInitDataToRoot:
		var w wireEntry
		if err := readBody(conn, &w); err != nil {
			s.fail(cmd, err)
			return
		}
		entry := w.decode()
		if !s.IsRoot() {
			writeResponse(conn, false, nil)
			s.fail(cmd, ErrNotRoot)
			return
		}
		if _, err := s.dir.Publish(entry); err != nil {
			logger.Error("refused registration", "entry", entry, telemetry.LabelError.L(err))
			writeResponse(conn, false, nil)
			return
		}
		logger.Debug("rank registered", "entry", entry, "populated", s.dir.Populated())

		// Startup barrier: the ack is only released once every rank is in.
		select {
		case <-s.dir.AllPopulated():
		case <-s.shutdownCh:
			return
		}
		if err := writeResponse(conn, true, nil); err != nil {
			s.fail(cmd, err)
		}

	case CmdProcessConnectInfo, CmdProcessInfo:
		var rank int32
		if err := readBody(conn, &rank); err != nil {
			s.fail(cmd, err)
			return
		}
		if !s.IsRoot() {
			writeResponse(conn, false, nil)
			s.fail(cmd, ErrNotRoot)
			return
		}
		entry, err := s.lookup(msg.Rank(rank))
		if err != nil {
			logger.Warn("lookup failed", telemetry.LabelPeer.L(rank), telemetry.LabelError.L(err))
			writeResponse(conn, false, nil)
			return
		}
		if cmd == CmdProcessInfo {
			w, err := encodeEntry(entry)
			if err == nil {
				err = writeResponse(conn, true, &w)
			}
			if err != nil {
				s.fail(cmd, err)
			}
			return
		}
		w, err := encodeConnectInfo(entry.ConnectInfo())
		if err == nil {
			err = writeResponse(conn, true, &w)
		}
		if err != nil {
			s.fail(cmd, err)
		}

	case CmdPostInDone:
		var rank int32
		if err := readBody(conn, &rank); err != nil {
			s.fail(cmd, err)
			return
		}
		if !s.IsRoot() {
			writeResponse(conn, false, nil)
			s.fail(cmd, ErrNotRoot)
			return
		}
		if err := s.markDone(msg.Rank(rank)); err != nil {
			writeResponse(conn, false, nil)
			s.fail(cmd, err)
			return
		}
		if err := writeResponse(conn, true, nil); err != nil {
			s.fail(cmd, err)
		}

	case CmdAllInDone:
		s.closeAllDone()
		logger.Info("job finished on every rank")
		if err := writeResponse(conn, true, nil); err != nil {
			s.fail(cmd, err)
		}

	case CmdAbort:
		var w wireAbort
		if err := readBody(conn, &w); err != nil {
			s.fail(cmd, err)
			return
		}
		writeResponse(conn, true, nil)
		from, reason := msg.Rank(w.Rank), getString(w.Reason[:])
		logger.Error("abort requested by peer", telemetry.LabelPeer.L(from), "reason", reason)
		if s.cfg.OnAbort != nil {
			s.cfg.OnAbort(from, reason)
		}
	}
}

func (s *Service) lookup(rank msg.Rank) (directory.ProcessEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LookupTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	entry, err := s.dir.Wait(ctx, rank)
	if errors.Is(err, context.DeadlineExceeded) {
		return entry, fmt.Errorf("%w: %d", ErrLookupTimeout, rank)
	}
	return entry, err
}

// markDone records rank's POST_IN_DONE. The N-th one triggers the
// ALL_IN_DONE broadcast.
func (s *Service) markDone(rank msg.Rank) error {
	if rank < 0 || int(rank) >= s.cfg.Size {
		return fmt.Errorf("%w: %d", ErrInvalidRank, rank)
	}

	s.doneLk.Lock()
	if s.doneRanks[rank] {
		s.doneLk.Unlock()
		return nil
	}
	s.doneRanks[rank] = true
	s.doneCount++
	last := s.doneCount == s.cfg.Size
	s.doneLk.Unlock()

	s.logger.Debug("rank done", telemetry.LabelPeer.L(rank))
	if last {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.broadcastAllDone(); err != nil {
				s.fail(CmdAllInDone, err)
				return
			}
			s.closeAllDone()
		}()
	}
	return nil
}

func (s *Service) broadcastAllDone() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for r := 1; r < s.cfg.Size; r++ {
		entry, ok := s.dir.Get(msg.Rank(r))
		if !ok {
			return fmt.Errorf("%w: %d has no record", ErrInvalidRank, r)
		}
		g.Go(func() error {
			addr := net.JoinHostPort(entry.Host, strconv.Itoa(entry.ControlPort))
			if err := call(ctx, addr, CmdAllInDone, nil, nil); err != nil {
				return fmt.Errorf("rank %d: %w", entry.Rank, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) closeAllDone() {
	s.allDoneOnce.Do(func() {
		close(s.allDone)
	})
}

// Close stops the listener, interrupts pending handlers and waits for them.
func (s *Service) Close() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	close(s.shutdownCh)
	err := s.ln.Close()

	s.connsLk.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsLk.Unlock()

	s.wg.Wait()
	return err
}

// call runs one request/response exchange on a fresh connection.
func call(ctx context.Context, addr string, cmd Command, req, resp any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := writeRequest(conn, cmd, req); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	if err := readResponse(conn, resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}
