package socket

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/raskyld/ranklink/pkg/msg"
	"github.com/raskyld/ranklink/pkg/telemetry"
	"golang.org/x/sys/unix"
)

// conn is one established peer connection.
type conn struct {
	t    *Transport
	peer msg.Rank
	nc   *net.TCPConn
	raw  syscall.RawConn

	// readLk serialises readers: the reader goroutine, or Poll.
	readLk sync.Mutex
	rbuf   []byte
	cur    *cursor

	// writeLk keeps every frame contiguous on the wire. chunk only shrinks:
	// once the kernel refused a size, later frames stay below it.
	writeLk sync.Mutex
	wbuf    []byte
	chunk   int
	write   func(fd int, p []byte) (int, error)
}

func newConn(t *Transport, peer msg.Rank, nc *net.TCPConn) (*conn, error) {
	raw, err := nc.SyscallConn()
	if err != nil {
		return nil, err
	}
	return &conn{
		t:    t,
		peer: peer,
		nc:   nc,
		raw:  raw,
		rbuf:  make([]byte, t.cfg.ReadBufferSize),
		cur:   newCursor(peer, t.cfg.Sink),
		chunk: t.cfg.ChunkSize,
		write: unix.Write,
	}, nil
}

// readOnce performs one non-blocking read. When wait is set and nothing is
// available, it parks on the runtime poller until the socket is readable.
func (c *conn) readOnce(wait bool) (int, error) {
	var n int
	var rerr error
	err := c.raw.Read(func(fd uintptr) bool {
		for {
			n, rerr = unix.Read(int(fd), c.rbuf)
			if rerr != unix.EINTR {
				break
			}
		}
		return !wait || rerr != unix.EAGAIN
	})
	if err != nil {
		return 0, err
	}
	if rerr == unix.EAGAIN {
		return 0, nil
	}
	if rerr != nil {
		return 0, rerr
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// deliver parses n freshly read bytes.
func (c *conn) deliver(n int) error {
	envs, err := c.cur.feed(c.rbuf[:n])
	for _, env := range envs {
		c.t.countIn(c.peer, env)
	}
	return err
}

// readLoop is the preemptive reader: readiness is awaited on the runtime
// poller, parsing and delivery hold one slot of the worker pool.
func (c *conn) readLoop() {
	defer c.t.wg.Done()
	for {
		n, err := c.readOnce(true)
		if err != nil {
			c.readFailed(err)
			return
		}
		if n == 0 {
			continue
		}

		if err := c.t.workers.Acquire(c.t.ctx, 1); err != nil {
			return
		}
		c.readLk.Lock()
		err = c.deliver(n)
		c.readLk.Unlock()
		c.t.workers.Release(1)
		if err != nil {
			c.t.fatal(c.peer, "socket deliver", err)
			return
		}
	}
}

// poll drains whatever is readable without blocking.
func (c *conn) poll() (bool, error) {
	if !c.readLk.TryLock() {
		return false, nil
	}
	defer c.readLk.Unlock()

	progressed := false
	for {
		n, err := c.readOnce(false)
		if err != nil {
			return progressed, err
		}
		if n == 0 {
			return progressed, nil
		}
		progressed = true
		if err := c.deliver(n); err != nil {
			return progressed, err
		}
	}
}

func (c *conn) readFailed(err error) {
	if c.t.closing.Load() {
		return
	}
	if errors.Is(err, io.EOF) && c.t.quiesced.Load() && c.cur.atBoundary() {
		c.t.logger.Debug("peer closed its connection", telemetry.LabelPeer.L(c.peer))
		return
	}
	c.t.fatal(c.peer, "socket read", err)
}

// send writes one frame: the header and a payload prefix in a single write,
// then continuation chunks.
func (c *conn) send(tag msg.Tag, payload []byte) error {
	c.writeLk.Lock()
	defer c.writeLk.Unlock()

	prefix := min(len(payload), max(c.chunk-HeaderSize, 0))
	c.wbuf = appendHeader(c.wbuf[:0], tag, len(payload))
	c.wbuf = append(c.wbuf, payload[:prefix]...)
	if err := c.writeAll(c.wbuf); err != nil {
		return err
	}
	return c.writeAll(payload[prefix:])
}

// writeAll writes b in pieces of at most c.chunk bytes. A write refused for
// lack of kernel buffer space is retried with half the size.
//
// must hold writeLk
func (c *conn) writeAll(b []byte) error {
	for len(b) > 0 {
		n := min(len(b), c.chunk)
		var wrote int
		var werr error
		err := c.raw.Write(func(fd uintptr) bool {
			for {
				wrote, werr = c.write(int(fd), b[:n])
				if werr != unix.EINTR {
					break
				}
			}
			return werr != unix.EAGAIN
		})
		if err != nil {
			return err
		}

		switch {
		case werr == unix.ENOBUFS:
			c.t.countBackoff(c.peer)
			if n > 1 {
				c.chunk = max(n>>1, 1)
				c.t.logger.Debug("kernel out of buffers, shrinking writes", telemetry.LabelPeer.L(c.peer), "chunk", c.chunk)
			} else {
				time.Sleep(time.Millisecond)
			}
			continue
		case werr != nil:
			return fmt.Errorf("%w: %w", ErrWrite, werr)
		}
		b = b[wrote:]
	}
	return nil
}

func (c *conn) close() error {
	return c.nc.Close()
}
