package via

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/ranklink/pkg/telemetry"
)

const (
	defaultUDPBufferSize = 1 << 21
	defaultQUICMTU       = 32 << 10
	quicALPN             = "ranklink-via"
	quicFrameHeader      = 8
	quicLinger           = 2 * time.Second
)

var (
	ErrBufferSize = errors.New("via: could not allocate udp buffer")

	MetricUDPBufferSizeBytes = []string{"ranklink", "via", "udp", "buffer", "size", "bytes"}
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamClosed            = quic.StreamErrorCode(0x1)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// QUICConfig configures a [QUICProvider].
type QUICConfig struct {
	// BindAddr and BindPort are where the provider listens. A zero port
	// picks an ephemeral one.
	BindAddr string
	BindPort int

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails when the kernel doesn't allocate what we
	// asked. Otherwise, we halve the request until it fits.
	EnforceBufferSize bool

	// TLSConfig is used for both ends. When nil, a self-signed certificate
	// is generated and peers are not verified.
	TLSConfig *tls.Config

	// MTU is the largest packet payload.
	MTU int

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// QUICProvider emulates a reliable VI fabric between hosts: every VI is
// one QUIC stream carrying length prefixed packets.
type QUICProvider struct {
	cfg     QUICConfig
	logger  *slog.Logger
	msink   metrics.MetricSink
	srvTLS  *tls.Config
	cliTLS  *tls.Config
	udpLn   *net.UDPConn
	tr      *quic.Transport
	quicCfg *quic.Config

	closeOnce sync.Once
}

var _ Provider = (*QUICProvider)(nil)

func NewQUICProvider(cfg QUICConfig) (p *QUICProvider, err error) {
	if cfg.MTU <= 0 {
		cfg.MTU = defaultQUICMTU
	}
	p = &QUICProvider{
		cfg:    cfg,
		logger: telemetry.Logger(cfg.LogHandler).With(telemetry.LabelTransport.L("via-quic")),
		msink:  telemetry.Sink(cfg.MetricSink),
		quicCfg: &quic.Config{
			Versions:        []quic.Version{quic.Version2, quic.Version1},
			Allow0RTT:       false,
			MaxIdleTimeout:  1 * time.Minute,
			KeepAlivePeriod: 15 * time.Second,
		},
	}

	if cfg.TLSConfig != nil {
		p.srvTLS = cfg.TLSConfig.Clone()
		p.cliTLS = cfg.TLSConfig.Clone()
	} else {
		cert, err := selfSigned()
		if err != nil {
			return nil, err
		}
		p.srvTLS = &tls.Config{Certificates: []tls.Certificate{cert}}
		p.cliTLS = &tls.Config{InsecureSkipVerify: true}
	}
	p.srvTLS.NextProtos = []string{quicALPN}
	p.cliTLS.NextProtos = []string{quicALPN}

	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}
	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("via: failed to allocate UDP listener: %w", err)
	}
	p.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := p.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	p.tr = &quic.Transport{
		Conn: udpLn,
	}
	return p, nil
}

func (p *QUICProvider) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := p.udpLn.SetReadBuffer(size); err != nil {
			if p.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			p.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		p.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			p.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (p *QUICProvider) Name() string {
	return "quic"
}

func (p *QUICProvider) MTU() int {
	return p.cfg.MTU
}

func (p *QUICProvider) Listen() (Listener, error) {
	ln, err := p.tr.Listen(p.srvTLS, p.quicCfg)
	if err != nil {
		return nil, fmt.Errorf("via: failed to allocate QUIC listener: %w", err)
	}
	return &quicListener{p: p, ln: ln}, nil
}

func (p *QUICProvider) Dial(ctx context.Context, target string) (Wire, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("via: invalid address %q: %w", target, err)
	}
	conn, err := p.tr.Dial(ctx, addr, p.cliTLS, p.quicCfg)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(conn, "could not open stream")
		return nil, err
	}
	return newQUICWire(conn, stream, p.cfg.MTU), nil
}

// Close releases the UDP socket. Wires still open are torn down with it.
func (p *QUICProvider) Close() error {
	p.closeOnce.Do(func() {
		if p.tr != nil {
			p.tr.Close()
		}
		if p.udpLn != nil {
			p.udpLn.Close()
		}
	})
	return nil
}

type quicListener struct {
	p  *QUICProvider
	ln *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (Wire, error) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			return nil, err
		}

		// The dialer writes its first packet right away, which is what
		// announces the stream.
		sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		stream, err := conn.AcceptStream(sctx)
		cancel()
		if err != nil {
			l.p.logger.Warn("peer never opened its stream", "remote", conn.RemoteAddr(), telemetry.LabelError.L(err))
			QErrInternal.Close(conn, "no stream opened")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return newQUICWire(conn, stream, l.p.cfg.MTU), nil
	}
}

func (l *quicListener) Addr() string {
	return l.p.udpLn.LocalAddr().String()
}

func (l *quicListener) Close() error {
	return l.ln.Close()
}

// quicWire frames packets as {length, immediate, payload}.
type quicWire struct {
	conn   quic.Connection
	stream quic.Stream
	mtu    int

	writeLk sync.Mutex
	wbuf    []byte
	rhdr    [quicFrameHeader]byte
	once    sync.Once
}

func newQUICWire(conn quic.Connection, stream quic.Stream, mtu int) *quicWire {
	return &quicWire{
		conn:   conn,
		stream: stream,
		mtu:    mtu,
		wbuf:   make([]byte, 0, quicFrameHeader+mtu),
	}
}

func (w *quicWire) WritePacket(imm uint32, payload []byte) error {
	w.writeLk.Lock()
	defer w.writeLk.Unlock()
	w.wbuf = binary.LittleEndian.AppendUint32(w.wbuf[:0], uint32(len(payload)))
	w.wbuf = binary.LittleEndian.AppendUint32(w.wbuf, imm)
	w.wbuf = append(w.wbuf, payload...)
	if _, err := w.stream.Write(w.wbuf); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

func (w *quicWire) ReadPacket(buf []byte) (uint32, int, error) {
	if _, err := io.ReadFull(w.stream, w.rhdr[:]); err != nil {
		return 0, 0, err
	}
	n := int(binary.LittleEndian.Uint32(w.rhdr[0:]))
	imm := binary.LittleEndian.Uint32(w.rhdr[4:])
	if n > len(buf) || n > w.mtu {
		w.stream.CancelRead(QErrStreamProtocolViolation)
		return 0, 0, fmt.Errorf("%w: %d byte packet", ErrPacketTooLarge, n)
	}
	if _, err := io.ReadFull(w.stream, buf[:n]); err != nil {
		return 0, 0, err
	}
	return imm, n, nil
}

// Close finishes the stream and lets the peer drain it before the
// connection goes away.
func (w *quicWire) Close() error {
	w.once.Do(func() {
		w.stream.CancelRead(QErrStreamClosed)
		w.stream.Close()
		go func() {
			select {
			case <-w.conn.Context().Done():
			case <-time.After(quicLinger):
			}
			QErrShutdown.Close(w.conn, "virtual interface closed")
		}()
	})
	return nil
}

func selfSigned() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "ranklink",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
