package ranklink

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/rendezvous"
	"github.com/raskyld/ranklink/pkg/shmem"
	"github.com/raskyld/ranklink/pkg/via"
)

// Environment read by [FromEnv], set by the launcher.
const (
	EnvRank        = "RANKLINK_RANK"
	EnvSize        = "RANKLINK_SIZE"
	EnvRootHost    = "RANKLINK_ROOT_HOST"
	EnvRootPort    = "RANKLINK_ROOT_PORT"
	EnvShmCliques  = "RANKLINK_SHM_CLIQUES"
	EnvViaCliques  = "RANKLINK_VIA_CLIQUES"
	EnvViaProvider = "RANKLINK_VIA_PROVIDER"
	EnvJobID       = "RANKLINK_JOB_ID"
)

type gossipConfig struct {
	bindAddr string
	bindPort int
	seeds    []string
}

type config struct {
	rank     msg.Rank
	size     int
	rootHost string
	rootPort int

	listenAddr string
	hostname   string
	jobID      string

	shmCliques  Cliques
	noShm       bool
	shmDir      string
	shmSize     int
	shmWait     shmem.WaitMode
	zeroCopy    int
	viaCliques  Cliques
	viaProvider via.Provider
	viaBackend  string

	sockChunk   int
	sockWorkers int
	cooperative bool

	lookupTimeout time.Duration
	dialTimeout   time.Duration

	registrar rendezvous.Registrar
	gossip    *gossipConfig

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	exitFunc     func(int)
}

func defaultConfig() config {
	return config{
		rank:          -1,
		viaProvider:   via.Disabled{},
		lookupTimeout: 30 * time.Second,
		dialTimeout:   30 * time.Second,
		exitFunc:      os.Exit,
	}
}

// Option to pass to [Init].
type Option func(*config) error

// WithRank sets the rank of this process.
func WithRank(rank int) Option {
	return func(c *config) error {
		c.rank = msg.Rank(rank)
		return nil
	}
}

// WithSize sets how many ranks the job has.
func WithSize(size int) Option {
	return func(c *config) error {
		c.size = size
		return nil
	}
}

// WithRoot sets where rank 0 serves the control plane. Rank 0 binds its
// control listener on port.
func WithRoot(host string, port int) Option {
	return func(c *config) error {
		c.rootHost = host
		c.rootPort = port
		return nil
	}
}

// WithListenOn specifies which interface data and control listeners bind.
func WithListenOn(addr string) Option {
	return func(c *config) error {
		c.listenAddr = addr
		return nil
	}
}

// WithHostname specifies the host published to peers. Peers dial it, and
// ranks publishing the same host share memory unless told otherwise.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		c.hostname = hostname
		return nil
	}
}

// WithJobID keeps the shared memory files of concurrent jobs apart.
func WithJobID(id string) Option {
	return func(c *config) error {
		c.jobID = id
		return nil
	}
}

// WithShmCliques restricts which ranks share memory, see [Cliques]. Ranks
// of different hosts never do.
func WithShmCliques(spec string) Option {
	return func(c *config) error {
		cliques, err := ParseCliques(spec)
		if err != nil {
			return err
		}
		c.shmCliques = cliques
		return nil
	}
}

// WithoutShm routes no pair over shared memory.
func WithoutShm() Option {
	return func(c *config) error {
		c.noShm = true
		return nil
	}
}

// WithViaCliques restricts which ranks use the VIA transport, see [Cliques].
func WithViaCliques(spec string) Option {
	return func(c *config) error {
		cliques, err := ParseCliques(spec)
		if err != nil {
			return err
		}
		c.viaCliques = cliques
		return nil
	}
}

// WithViaProvider sets the VIA device. The job closes it.
func WithViaProvider(p via.Provider) Option {
	return func(c *config) error {
		if p == nil {
			p = via.Disabled{}
		}
		c.viaProvider = p
		c.viaBackend = ""
		return nil
	}
}

// WithViaBackend names the VIA device to create during Init: "none",
// "loopback" (ranks of this process only) or "quic".
func WithViaBackend(name string) Option {
	return func(c *config) error {
		switch name {
		case "", "none":
			c.viaProvider = via.Disabled{}
			c.viaBackend = ""
		case "loopback", "quic":
			c.viaBackend = name
		default:
			return fmt.Errorf("%w: %q", ErrUnknownBackend, name)
		}
		return nil
	}
}

// WithShmDir sets where shared memory regions are created.
func WithShmDir(dir string) Option {
	return func(c *config) error {
		c.shmDir = dir
		return nil
	}
}

// WithShmQueueSize sets the size of every shared memory region.
func WithShmQueueSize(bytes int) Option {
	return func(c *config) error {
		if bytes == 0 {
			bytes = 1 << 20
		}
		c.shmSize = bytes
		return nil
	}
}

// WithShmWaitMode chooses how a blocked shared memory reader or writer
// waits.
func WithShmWaitMode(mode shmem.WaitMode) Option {
	return func(c *config) error {
		c.shmWait = mode
		return nil
	}
}

// WithZeroCopyThreshold enables single-copy shared memory transfers from
// n bytes. Zero disables them.
func WithZeroCopyThreshold(n int) Option {
	return func(c *config) error {
		c.zeroCopy = n
		return nil
	}
}

// WithSocketChunkSize bounds a single socket write.
func WithSocketChunkSize(n int) Option {
	return func(c *config) error {
		if n == 0 {
			n = 64 << 10
		}
		c.sockChunk = n
		return nil
	}
}

// WithSocketWorkers bounds how many socket connections are read
// concurrently.
func WithSocketWorkers(n int) Option {
	return func(c *config) error {
		if n == 0 {
			n = 4
		}
		c.sockWorkers = n
		return nil
	}
}

// WithCooperativeProgress makes transports own no goroutine on their data
// path: incoming data only moves while the caller waits on a request.
func WithCooperativeProgress() Option {
	return func(c *config) error {
		c.cooperative = true
		return nil
	}
}

// WithLookupTimeout controls how long we wait for a peer to register.
func WithLookupTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.lookupTimeout = timeout
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// peer to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithRegistrar replaces the rank 0 control plane with r. The job closes it.
func WithRegistrar(r rendezvous.Registrar) Option {
	return func(c *config) error {
		c.registrar = r
		return nil
	}
}

// WithGossip replaces the rank 0 control plane with a gossip registrar
// bound on addr and port, joining seeds.
func WithGossip(addr string, port int, seeds ...string) Option {
	return func(c *config) error {
		c.gossip = &gossipConfig{bindAddr: addr, bindPort: port, seeds: seeds}
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the job.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the job.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithExitFunc replaces os.Exit on abort.
func WithExitFunc(exit func(int)) Option {
	return func(c *config) error {
		if exit == nil {
			exit = os.Exit
		}
		c.exitFunc = exit
		return nil
	}
}

// FromEnv reads the launcher contract. Unset variables leave the
// configuration untouched, so later options still apply.
func FromEnv() Option {
	return func(c *config) error {
		if v, ok := os.LookupEnv(EnvRank); ok {
			rank, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", EnvRank, err)
			}
			c.rank = msg.Rank(rank)
		}
		if v, ok := os.LookupEnv(EnvSize); ok {
			size, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", EnvSize, err)
			}
			c.size = size
		}
		if v, ok := os.LookupEnv(EnvRootHost); ok {
			c.rootHost = v
		}
		if v, ok := os.LookupEnv(EnvRootPort); ok {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", EnvRootPort, err)
			}
			c.rootPort = port
		}
		if v, ok := os.LookupEnv(EnvJobID); ok {
			c.jobID = v
		}
		opts := []struct {
			env string
			opt func(string) Option
		}{
			{EnvShmCliques, WithShmCliques},
			{EnvViaCliques, WithViaCliques},
			{EnvViaProvider, WithViaBackend},
		}
		for _, o := range opts {
			if v, ok := os.LookupEnv(o.env); ok {
				if err := o.opt(v)(c); err != nil {
					return fmt.Errorf("%s: %w", o.env, err)
				}
			}
		}
		return nil
	}
}

func (c *config) validate() error {
	if c.size < 1 {
		return fmt.Errorf("job size %d", c.size)
	}
	if c.rank < 0 || int(c.rank) >= c.size {
		return fmt.Errorf("%w: %d of %d", ErrInvalidRank, c.rank, c.size)
	}
	if c.registrar == nil && c.gossip == nil && c.rootPort == 0 {
		return fmt.Errorf("the root address is required")
	}
	if c.registrar == nil && c.gossip == nil && c.rank != 0 && c.rootHost == "" {
		return fmt.Errorf("the root host is required")
	}
	if err := c.shmCliques.Check(c.size); err != nil {
		return fmt.Errorf("shared memory cliques: %w", err)
	}
	if err := c.viaCliques.Check(c.size); err != nil {
		return fmt.Errorf("VIA cliques: %w", err)
	}
	return nil
}
