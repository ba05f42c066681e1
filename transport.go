package mysqlcore

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// transport owns the raw network connection plus the packet-framing and
// (optionally) compression layers stacked on top of it. It is the single
// point where I/O errors get wrapped as fatal, so Conn never forgets to
// mark itself disconnected on a broken socket.
type transport struct {
	conn net.Conn
	pkt  *packetStream

	tlsUpgraded  bool
	compressedRW *compressedReadWriter
}

type dialOptions struct {
	Host         string
	Port         int
	Socket       string
	DialTimeout  time.Duration
	KeepAlive    time.Duration
	NoDelay      bool
}

func dial(ctx context.Context, opt dialOptions) (*transport, error) {
	var (
		conn net.Conn
		err  error
	)
	d := net.Dialer{Timeout: opt.DialTimeout, KeepAlive: opt.KeepAlive}

	if opt.Socket != "" {
		conn, err = d.DialContext(ctx, "unix", opt.Socket)
	} else {
		addr := net.JoinHostPort(opt.Host, fmt.Sprintf("%d", opt.Port))
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, newFatalError("dial", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(opt.NoDelay)
	}
	return &transport{conn: conn, pkt: newPacketStream(conn)}, nil
}

// upgradeTLS wraps the connection in a TLS client handshake. It is a
// one-shot operation: calling it twice is a protocol violation.
func (t *transport) upgradeTLS(ctx context.Context, cfg *tls.Config) error {
	if t.tlsUpgraded {
		return newProtocolError("upgradeTLS", "TLS already negotiated on this connection")
	}
	tconn := tls.Client(t.conn, cfg)
	if err := tconn.HandshakeContext(ctx); err != nil {
		return newFatalError("upgradeTLS", err)
	}
	t.conn = tconn
	t.pkt.rw = tconn
	t.tlsUpgraded = true
	return nil
}

// enableCompression switches the packet stream to read/write through the
// MySQL compressed-packet codec. The plaintext sequence counter's current
// value is carried over so the compressed layer's counter picks up exactly
// where the plaintext layer left off.
func (t *transport) enableCompression() {
	if t.compressedRW != nil {
		return
	}
	crw := newCompressedReadWriter(t.conn)
	crw.syncSequence(t.pkt.seq)
	t.compressedRW = crw
	t.pkt.rw = crw
	t.pkt.resetSequence()
}

func (t *transport) setMaxAllowedPacket(n uint32) { t.pkt.setMaxAllowedPacket(n) }

func (t *transport) readPacket(ctx context.Context) ([]byte, error) {
	return t.pkt.readPacket(ctx)
}

func (t *transport) writePacket(ctx context.Context, payload []byte) error {
	return t.pkt.writePacket(ctx, payload)
}

func (t *transport) resetSequence() { t.pkt.resetSequence() }

func (t *transport) close() error {
	return t.conn.Close()
}
