// Package transport implements the servent's transport primitives: dial
// with retry, listen, accept with a deadline, poll a socket for
// readability, and extract local/remote endpoint information. Everything
// is built on net.Conn/net.TCPListener deadlines; bufio.Reader.Peek
// provides the non-consuming readability check PollReadable needs.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ripplenet/servent/internal/retry"
)

// ErrTimeout is returned by AcceptDeadline and PollReadable when no
// activity is observed within the requested window.
var ErrTimeout = errors.New("transport: timeout")

// ErrHangup is returned by PollReadable when the peer has closed its end.
var ErrHangup = errors.New("transport: hangup")

// ErrUnreachable is returned by ConnectWithRetry once every attempt has
// failed.
var ErrUnreachable = errors.New("transport: unreachable")

// Conn wraps a net.Conn with a buffered reader so PollReadable can check
// for pending data without consuming it; every read of the connection's
// payload (by internal/protocol's codec) must go through Conn, not the
// embedded net.Conn directly, so the buffered bytes aren't bypassed.
type Conn struct {
	net.Conn
	br *bufio.Reader
}

// NewConn wraps c for use with PollReadable.
func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c, br: bufio.NewReader(c)}
}

// Read implements io.Reader by reading through the buffered reader so
// bytes peeked by PollReadable are not lost.
func (c *Conn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// Peek returns the next n bytes without consuming them. Callers should
// have observed readability via PollReadable first; otherwise Peek blocks
// subject to the connection's read deadline.
func (c *Conn) Peek(n int) ([]byte, error) {
	return c.br.Peek(n)
}

// ConnectWithRetry dials (ip, port) up to attempts times in total, waiting
// delay between failures.
func ConnectWithRetry(ctx context.Context, ip, port string, attempts int, delay, dialTimeout time.Duration) (*Conn, error) {
	addr := net.JoinHostPort(ip, port)

	var conn net.Conn
	err := retry.Do(ctx, func(ctx context.Context) error {
		d := net.Dialer{Timeout: dialTimeout}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, retry.WithLinearBackoff(attempts, delay)...)

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	return NewConn(conn), nil
}

// CreateListening binds a TCP listener on port. The stdlib net package
// does not expose OS-level backlog tuning, so backlog is accepted but
// unused; callers needing it should reach for net.ListenConfig.Control
// instead.
func CreateListening(port string, backlog int) (*net.TCPListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("", port))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve: %w", err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	return ln, nil
}

// AcceptDeadline polls ln for a pending connection up to timeout and, if
// one arrives, accepts it. It returns ErrTimeout if nothing arrived within
// the window.
func AcceptDeadline(ln *net.TCPListener, timeout time.Duration) (*Conn, error) {
	if err := ln.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	conn, err := ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return NewConn(conn), nil
}

// PollReadable reports whether conn has data available to read within
// timeout, without consuming it. It distinguishes a clean peer hangup
// (ErrHangup) from a plain timeout (ErrTimeout).
func PollReadable(conn *Conn, timeout time.Duration) error {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	if _, err := conn.br.Peek(1); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ErrTimeout
		}
		return ErrHangup
	}
	return nil
}

// PeerEndpoint returns the remote address and ephemeral port of conn.
func PeerEndpoint(conn net.Conn) (ip, port string, err error) {
	return splitAddr(conn.RemoteAddr())
}

// LocalEndpoint returns the local address and bound port of conn.
func LocalEndpoint(conn net.Conn) (ip, port string, err error) {
	return splitAddr(conn.LocalAddr())
}

func splitAddr(addr net.Addr) (string, string, error) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", "", err
	}
	return host, port, nil
}

// IsLoopback reports whether addr's host is a loopback address, used to
// recognise the front-end's local-channel connection.
func IsLoopback(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
