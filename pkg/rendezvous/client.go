package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/ranklink/pkg/directory"
	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/telemetry"
)

var ErrNoRoot = errors.New("rendezvous: root address is required")

// ClientConfig configures the rank 0 backed [Registrar].
type ClientConfig struct {
	// RootAddr is rank 0's control address, as host:port.
	RootAddr string

	// Service is this rank's own control service. It answers ALL_IN_DONE
	// and ABORT, and on rank 0 it is the root itself.
	Service *Service

	// LookupTimeout bounds PROCESS_INFO queries.
	LookupTimeout time.Duration

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	LogHandler   slog.Handler
}

// Client implements [Registrar] against rank 0's control service.
//
// Records fetched from the root are cached in the service's directory, so a
// rank is looked up remotely at most once.
type Client struct {
	cfg    ClientConfig
	svc    *Service
	dir    *directory.Directory
	logger *slog.Logger
	msink  metrics.MetricSink
}

var _ Registrar = (*Client)(nil)

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("rendezvous: a control service is required")
	}
	if !cfg.Service.IsRoot() && cfg.RootAddr == "" {
		return nil, ErrNoRoot
	}
	if cfg.LookupTimeout == 0 {
		cfg.LookupTimeout = cfg.Service.cfg.LookupTimeout
	}
	return &Client{
		cfg:    cfg,
		svc:    cfg.Service,
		dir:    cfg.Service.dir,
		logger: telemetry.Logger(cfg.LogHandler).With(telemetry.LabelRank.L(cfg.Service.cfg.Rank)),
		msink:  telemetry.Sink(cfg.MetricSink),
	}, nil
}

func (c *Client) rank() msg.Rank {
	return c.svc.cfg.Rank
}

func (c *Client) Register(ctx context.Context, entry directory.ProcessEntry) error {
	if entry.Rank != c.rank() {
		return fmt.Errorf("%w: registering %d from rank %d", ErrInvalidRank, entry.Rank, c.rank())
	}

	if c.svc.IsRoot() {
		if _, err := c.dir.Publish(entry); err != nil {
			return err
		}
		select {
		case <-c.dir.AllPopulated():
		case <-ctx.Done():
			return ctx.Err()
		}
		c.logger.Info("every rank registered")
		return nil
	}

	w, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := c.register(ctx, &w); err != nil {
		return fmt.Errorf("rendezvous: registration failed: %w", err)
	}
	// Our own record is known without asking.
	if _, err := c.dir.Publish(entry); err != nil {
		return err
	}
	c.logger.Info("every rank registered")
	return nil
}

// register retries while rank 0 is not listening yet: ranks start in no
// particular order.
func (c *Client) register(ctx context.Context, w *wireEntry) error {
	delay := 10 * time.Millisecond
	for {
		err := call(ctx, c.cfg.RootAddr, CmdInitDataToRoot, w, nil)
		var opErr *net.OpError
		if err == nil || !errors.As(err, &opErr) || opErr.Op != "dial" {
			return err
		}
		c.logger.Debug("root not listening yet", telemetry.LabelError.L(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
		delay = min(2*delay, time.Second)
	}
}

func (c *Client) countLookup(cached bool) {
	c.msink.IncrCounterWithLabels(
		telemetry.MetricLookupCount,
		1.0,
		telemetry.With(c.cfg.MetricLabels, metrics.Label{Name: "cached", Value: strconv.FormatBool(cached)}),
	)
}

func (c *Client) Lookup(ctx context.Context, rank msg.Rank) (directory.ProcessEntry, error) {
	if rank < 0 || int(rank) >= c.dir.Size() {
		return directory.ProcessEntry{}, fmt.Errorf("%w: %d", ErrInvalidRank, rank)
	}
	if e, ok := c.dir.Get(rank); ok {
		c.countLookup(true)
		return e, nil
	}
	c.countLookup(false)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	if c.svc.IsRoot() {
		e, err := c.dir.Wait(ctx, rank)
		if errors.Is(err, context.DeadlineExceeded) {
			return e, fmt.Errorf("%w: %d", ErrLookupTimeout, rank)
		}
		return e, err
	}

	var w wireEntry
	id := int32(rank)
	if err := call(ctx, c.cfg.RootAddr, CmdProcessInfo, &id, &w); err != nil {
		if errors.Is(err, ErrRefused) {
			return directory.ProcessEntry{}, fmt.Errorf("%w: %d", ErrLookupTimeout, rank)
		}
		return directory.ProcessEntry{}, err
	}
	e := w.decode()
	if _, err := c.dir.Publish(e); err != nil {
		return e, err
	}
	return e, nil
}

func (c *Client) ConnectInfo(ctx context.Context, rank msg.Rank) (directory.ConnectInfo, error) {
	if e, ok := c.dir.Get(rank); ok {
		c.countLookup(true)
		return e.ConnectInfo(), nil
	}
	if c.svc.IsRoot() {
		e, err := c.Lookup(ctx, rank)
		return e.ConnectInfo(), err
	}
	if rank < 0 || int(rank) >= c.dir.Size() {
		return directory.ConnectInfo{}, fmt.Errorf("%w: %d", ErrInvalidRank, rank)
	}
	c.countLookup(false)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	var w wireConnectInfo
	id := int32(rank)
	if err := call(ctx, c.cfg.RootAddr, CmdProcessConnectInfo, &id, &w); err != nil {
		if errors.Is(err, ErrRefused) {
			return directory.ConnectInfo{}, fmt.Errorf("%w: %d", ErrLookupTimeout, rank)
		}
		return directory.ConnectInfo{}, err
	}
	return w.decode(), nil
}

// Finish sends POST_IN_DONE and waits for ALL_IN_DONE.
func (c *Client) Finish(ctx context.Context) error {
	if c.svc.IsRoot() {
		if err := c.svc.markDone(0); err != nil {
			return err
		}
	} else {
		id := int32(c.rank())
		if err := call(ctx, c.cfg.RootAddr, CmdPostInDone, &id, nil); err != nil {
			return fmt.Errorf("rendezvous: shutdown barrier failed: %w", err)
		}
	}

	select {
	case <-c.svc.AllDone():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort sends ABORT to rank's control service.
func (c *Client) Abort(ctx context.Context, rank msg.Rank, reason string) error {
	e, err := c.Lookup(ctx, rank)
	if err != nil {
		return err
	}
	w := wireAbort{Rank: int32(c.rank())}
	if len(reason) > ReasonFieldLen {
		reason = reason[:ReasonFieldLen]
	}
	if err := putString(w.Reason[:], reason); err != nil {
		return err
	}
	return call(ctx, net.JoinHostPort(e.Host, strconv.Itoa(e.ControlPort)), CmdAbort, &w, nil)
}

// Close stops this rank's control service.
func (c *Client) Close() error {
	return c.svc.Close()
}
