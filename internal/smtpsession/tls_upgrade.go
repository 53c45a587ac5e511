package smtpsession

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync/atomic"
	"time"
)

var (
	ErrPipelinedCommands = errors.New("smtpsession: STARTTLS refused, pipelined commands present")
	ErrGateOverflow      = errors.New("smtpsession: STARTTLS gate buffer overflow")
	ErrUpgradeInProgress = errors.New("smtpsession: STARTTLS already in progress")
)

const (
	DefaultGateCap          = 512 * 1024
	DefaultHandshakeTimeout = 30 * time.Second
)

// gateConn replays any bytes the plaintext framer had already pulled off the
// wire before the TLS terminator took over, so no handshake byte is lost to
// a reader that raced ahead of the upgrade.
type gateConn struct {
	net.Conn
	buf []byte
}

func (g *gateConn) Read(p []byte) (int, error) {
	if len(g.buf) > 0 {
		n := copy(p, g.buf)
		g.buf = g.buf[n:]
		return n, nil
	}
	return g.Conn.Read(p)
}

// TLSUpgrader coordinates a single STARTTLS upgrade for one session.
type TLSUpgrader struct {
	upgrading int32

	HandshakeTimeout time.Duration
	GateCap          int
}

func NewTLSUpgrader() *TLSUpgrader {
	return &TLSUpgrader{
		HandshakeTimeout: DefaultHandshakeTimeout,
		GateCap:          DefaultGateCap,
	}
}

// Begin CAS-sets the upgrading flag. hasPipelinedInput must reflect whether
// the framer already holds buffered bytes ahead of the STARTTLS command;
// RFC 3207 requires refusing the upgrade in that case.
func (u *TLSUpgrader) Begin(hasPipelinedInput bool) error {
	if hasPipelinedInput {
		return ErrPipelinedCommands
	}
	if !atomic.CompareAndSwapInt32(&u.upgrading, 0, 1) {
		return ErrUpgradeInProgress
	}
	return nil
}

// Abort releases the upgrading flag without performing a handshake, used
// when Begin succeeded but the session failed to flush the 220 reply.
func (u *TLSUpgrader) Abort() {
	atomic.StoreInt32(&u.upgrading, 0)
}

// Upgrade performs the handshake over conn. pending is any bytes already
// buffered by the plaintext framer that must be replayed through the TLS
// record layer before fresh socket reads resume. On success it returns the
// new *tls.Conn; the caller must rebind its bufio.Reader/Writer to it and
// reset SessionData per RFC 3207.
func (u *TLSUpgrader) Upgrade(ctx context.Context, conn net.Conn, pending []byte, cfg *tls.Config) (*tls.Conn, error) {
	defer atomic.StoreInt32(&u.upgrading, 0)

	if len(pending) > u.GateCap {
		return nil, ErrGateOverflow
	}

	gated := &gateConn{Conn: conn, buf: pending}
	tlsConn := tls.Server(gated, cfg)

	hctx, cancel := context.WithTimeout(ctx, u.HandshakeTimeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
