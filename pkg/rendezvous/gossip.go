package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/ranklink/pkg/directory"
	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/telemetry"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrJoinCluster  = errors.New("rendezvous: could not join gossip cluster")
	ErrInvalidMeta  = errors.New("rendezvous: invalid gossip node metadata")
	ErrMetaTooLarge = errors.New("rendezvous: record does not fit gossip node metadata")
)

// GossipConfig configures a [GossipRegistrar].
type GossipConfig struct {
	Rank msg.Rank
	Size int

	// BindAddr and BindPort are where memberlist binds. A zero port picks
	// an ephemeral one.
	BindAddr string
	BindPort int

	// Seeds are gossip addresses of ranks already started, usually rank 0.
	Seeds []string

	Directory     *directory.Directory
	LookupTimeout time.Duration

	// OnAbort is invoked when a peer sends us an abort message.
	OnAbort func(from msg.Rank, reason string)

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	LogHandler   slog.Handler
}

// GossipRegistrar is a [Registrar] with no root: every rank publishes its
// record as memberlist node metadata, and the barriers complete once every
// rank's metadata is observed.
type GossipRegistrar struct {
	cfg    GossipConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	dir    *directory.Directory
	ml     *memberlist.Memberlist

	lk         sync.Mutex
	local      *directory.ProcessEntry
	finished   bool
	doneSeen   []bool
	doneCount  int
	allDone    chan struct{}
	registered bool
}

var _ Registrar = (*GossipRegistrar)(nil)

func NewGossipRegistrar(cfg GossipConfig) (*GossipRegistrar, error) {
	if cfg.Size < 1 || cfg.Rank < 0 || int(cfg.Rank) >= cfg.Size {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrInvalidRank, cfg.Rank, cfg.Size)
	}
	if cfg.Directory == nil {
		cfg.Directory = directory.New(cfg.Size)
	}
	if cfg.LookupTimeout == 0 {
		cfg.LookupTimeout = 30 * time.Second
	}

	g := &GossipRegistrar{
		cfg:      cfg,
		logger:   telemetry.Logger(cfg.LogHandler).With(telemetry.LabelRank.L(cfg.Rank)),
		msink:    telemetry.Sink(cfg.MetricSink),
		dir:      cfg.Directory,
		doneSeen: make([]bool, cfg.Size),
		allDone:  make(chan struct{}),
	}

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = "rank-" + strconv.Itoa(int(cfg.Rank))
	mlCfg.BindAddr = cfg.BindAddr
	if mlCfg.BindAddr == "" {
		mlCfg.BindAddr = "0.0.0.0"
	}
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	mlCfg.Delegate = g
	mlCfg.Events = g
	mlCfg.Logger = slog.NewLogLogger(g.logger.Handler(), slog.LevelDebug)

	// TODO(ranklink): drop the translation once memberlist emits through
	// hashicorp/go-metrics.
	mlCfg.MetricLabels = make([]leg_metrics.Label, len(cfg.MetricLabels))
	for i, label := range cfg.MetricLabels {
		mlCfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	g.ml = ml
	return g, nil
}

// Addr is the gossip address other ranks use as seed.
func (g *GossipRegistrar) Addr() string {
	n := g.ml.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

func (g *GossipRegistrar) Register(ctx context.Context, entry directory.ProcessEntry) error {
	if entry.Rank != g.cfg.Rank {
		return fmt.Errorf("%w: registering %d from rank %d", ErrInvalidRank, entry.Rank, g.cfg.Rank)
	}
	if meta := encodeMeta(entry, false); len(meta) > memberlist.MetaMaxSize {
		return fmt.Errorf("%w: %d bytes", ErrMetaTooLarge, len(meta))
	}

	g.lk.Lock()
	g.local = &entry
	g.lk.Unlock()
	if _, err := g.dir.Publish(entry); err != nil {
		return err
	}

	if err := g.ml.UpdateNode(10 * time.Second); err != nil {
		g.logger.Warn("node metadata update not acknowledged yet", telemetry.LabelError.L(err))
	}

	if len(g.cfg.Seeds) > 0 {
		joined, err := g.ml.Join(g.cfg.Seeds)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
		if joined != len(g.cfg.Seeds) {
			g.logger.Warn(
				"not all seeds are reachable",
				"joined", joined,
				"expected", len(g.cfg.Seeds),
			)
		}
	}

	select {
	case <-g.dir.AllPopulated():
	case <-ctx.Done():
		return fmt.Errorf("rendezvous: %d of %d ranks registered: %w", g.dir.Populated(), g.cfg.Size, ctx.Err())
	}

	g.lk.Lock()
	g.registered = true
	g.lk.Unlock()
	g.logger.Info("every rank registered", "members", g.ml.NumMembers())
	return nil
}

func (g *GossipRegistrar) Lookup(ctx context.Context, rank msg.Rank) (directory.ProcessEntry, error) {
	if e, ok := g.dir.Get(rank); ok {
		return e, nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()
	e, err := g.dir.Wait(ctx, rank)
	if errors.Is(err, context.DeadlineExceeded) {
		return e, fmt.Errorf("%w: %d", ErrLookupTimeout, rank)
	}
	return e, err
}

func (g *GossipRegistrar) ConnectInfo(ctx context.Context, rank msg.Rank) (directory.ConnectInfo, error) {
	e, err := g.Lookup(ctx, rank)
	return e.ConnectInfo(), err
}

// Finish flags this rank as done in its metadata and waits until every
// rank's flag is observed.
func (g *GossipRegistrar) Finish(ctx context.Context) error {
	g.lk.Lock()
	g.finished = true
	g.lk.Unlock()
	g.markDone(g.cfg.Rank)

	if err := g.ml.UpdateNode(10 * time.Second); err != nil {
		g.logger.Warn("done flag not acknowledged yet", telemetry.LabelError.L(err))
	}

	select {
	case <-g.allDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *GossipRegistrar) Abort(ctx context.Context, rank msg.Rank, reason string) error {
	name := "rank-" + strconv.Itoa(int(rank))
	for _, node := range g.ml.Members() {
		if node.Name == name {
			return g.ml.SendReliable(node, encodeAbort(g.cfg.Rank, reason))
		}
	}
	return fmt.Errorf("%w: %d is not a member", ErrInvalidRank, rank)
}

func (g *GossipRegistrar) Close() error {
	if err := g.ml.Leave(5 * time.Second); err != nil {
		g.logger.Warn("could not leave gossip cluster gracefully", telemetry.LabelError.L(err))
	}
	return g.ml.Shutdown()
}

func (g *GossipRegistrar) isDone(rank msg.Rank) bool {
	g.lk.Lock()
	defer g.lk.Unlock()
	return rank >= 0 && int(rank) < len(g.doneSeen) && g.doneSeen[rank]
}

func (g *GossipRegistrar) markDone(rank msg.Rank) {
	g.lk.Lock()
	defer g.lk.Unlock()
	if rank < 0 || int(rank) >= len(g.doneSeen) || g.doneSeen[rank] {
		return
	}
	g.doneSeen[rank] = true
	g.doneCount++
	if g.doneCount == g.cfg.Size {
		close(g.allDone)
	}
}

func (g *GossipRegistrar) observe(node *memberlist.Node) {
	if len(node.Meta) == 0 {
		return
	}
	entry, done, err := decodeMeta(node.Meta)
	if err != nil {
		g.logger.Error("ignoring peer metadata", "node", node.Name, telemetry.LabelError.L(err))
		return
	}
	first, err := g.dir.Publish(entry)
	if err != nil {
		g.logger.Error("peer record conflicts with a known one", "entry", entry, telemetry.LabelError.L(err))
		return
	}
	if first {
		g.msink.IncrCounterWithLabels(
			telemetry.MetricRendezvousCount,
			1.0,
			telemetry.With(g.cfg.MetricLabels, telemetry.LabelCommand.M(CmdInitDataToRoot.String())),
		)
		g.logger.Debug("rank registered", "entry", entry, "populated", g.dir.Populated())
	}
	if done {
		g.markDone(entry.Rank)
	}
}

func (g *GossipRegistrar) NotifyJoin(node *memberlist.Node) {
	g.observe(node)
}

func (g *GossipRegistrar) NotifyUpdate(node *memberlist.Node) {
	g.observe(node)
}

// NotifyLeave counts a rank that left gracefully with its done flag set.
// A rank that is declared dead, or leaves before it finished, takes the
// job down with it.
func (g *GossipRegistrar) NotifyLeave(node *memberlist.Node) {
	g.lk.Lock()
	registered := g.registered
	g.lk.Unlock()
	if !registered || len(node.Meta) == 0 {
		return
	}
	entry, done, err := decodeMeta(node.Meta)
	if err != nil {
		return
	}
	if node.State == memberlist.StateLeft && done {
		g.logger.Info("peer left gossip cluster", telemetry.LabelPeer.L(entry.Rank))
		g.markDone(entry.Rank)
		return
	}
	if g.isDone(entry.Rank) {
		return
	}

	reason := "left the job before finishing"
	if node.State == memberlist.StateDead {
		reason = "declared dead by the gossip cluster"
	}
	g.logger.Error("peer lost", telemetry.LabelPeer.L(entry.Rank), "reason", reason)
	if g.cfg.OnAbort != nil {
		go g.cfg.OnAbort(entry.Rank, reason)
	}
}

func (g *GossipRegistrar) NodeMeta(limit int) []byte {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.local == nil {
		return nil
	}
	meta := encodeMeta(*g.local, g.finished)
	if len(meta) > limit {
		g.logger.Error("node metadata too large", "bytes", len(meta), "limit", limit)
		return nil
	}
	return meta
}

func (g *GossipRegistrar) NotifyMsg(b []byte) {
	from, reason, err := decodeAbort(b)
	if err != nil {
		g.logger.Warn("ignoring malformed gossip message", telemetry.LabelError.L(err))
		return
	}
	g.logger.Error("abort requested by peer", telemetry.LabelPeer.L(from), "reason", reason)
	if g.cfg.OnAbort != nil {
		go g.cfg.OnAbort(from, reason)
	}
}

func (g *GossipRegistrar) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

func (g *GossipRegistrar) LocalState(join bool) []byte {
	return nil
}

func (g *GossipRegistrar) MergeRemoteState(buf []byte, join bool) {}

const (
	metaRank        protowire.Number = 1
	metaHost        protowire.Number = 2
	metaListenPort  protowire.Number = 3
	metaControlPort protowire.Number = 4
	metaPID         protowire.Number = 5
	metaExe         protowire.Number = 6
	metaNIC         protowire.Number = 7
	metaDone        protowire.Number = 8

	abortRank   protowire.Number = 1
	abortReason protowire.Number = 2
)

func encodeMeta(e directory.ProcessEntry, done bool) []byte {
	var b []byte
	b = protowire.AppendTag(b, metaRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Rank))
	b = protowire.AppendTag(b, metaHost, protowire.BytesType)
	b = protowire.AppendString(b, e.Host)
	b = protowire.AppendTag(b, metaListenPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.ListenPort))
	b = protowire.AppendTag(b, metaControlPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.ControlPort))
	b = protowire.AppendTag(b, metaPID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.PID))
	b = protowire.AppendTag(b, metaExe, protowire.BytesType)
	b = protowire.AppendString(b, e.Exe)
	for _, nic := range e.NICs {
		b = protowire.AppendTag(b, metaNIC, protowire.BytesType)
		b = protowire.AppendString(b, nic)
	}
	b = protowire.AppendTag(b, metaDone, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(done))
	return b
}

func decodeMeta(b []byte) (e directory.ProcessEntry, done bool, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, false, fmt.Errorf("%w: %w", ErrInvalidMeta, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, false, fmt.Errorf("%w: %w", ErrInvalidMeta, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case metaRank:
				e.Rank = msg.Rank(v)
			case metaListenPort:
				e.ListenPort = int(v)
			case metaControlPort:
				e.ControlPort = int(v)
			case metaPID:
				e.PID = int(v)
			case metaDone:
				done = protowire.DecodeBool(v)
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, false, fmt.Errorf("%w: %w", ErrInvalidMeta, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case metaHost:
				e.Host = v
			case metaExe:
				e.Exe = v
			case metaNIC:
				e.NICs = append(e.NICs, v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, false, fmt.Errorf("%w: %w", ErrInvalidMeta, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, done, nil
}

func encodeAbort(from msg.Rank, reason string) []byte {
	var b []byte
	b = protowire.AppendTag(b, abortRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(from))
	b = protowire.AppendTag(b, abortReason, protowire.BytesType)
	return protowire.AppendString(b, reason)
}

func decodeAbort(b []byte) (from msg.Rank, reason string, err error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 || num != abortRank || typ != protowire.VarintType {
		return 0, "", ErrInvalidMeta
	}
	b = b[n:]
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, "", ErrInvalidMeta
	}
	b = b[n:]
	num, typ, n = protowire.ConsumeTag(b)
	if n < 0 || num != abortReason || typ != protowire.BytesType {
		return 0, "", ErrInvalidMeta
	}
	reason, n = protowire.ConsumeString(b[n:])
	if n < 0 {
		return 0, "", ErrInvalidMeta
	}
	return msg.Rank(v), reason, nil
}
