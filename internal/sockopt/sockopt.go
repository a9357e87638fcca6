// Package sockopt tunes TCP socket options for tunnel and ingress
// connections. This is the one component built on pure stdlib: socket
// tuning is OS/syscall territory net already owns, and no third-party
// library in the example pack wraps it for anything this repo needs.
package sockopt

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// minSocketBuffer is the floor applied to read/write buffer tuning; the
// kernel may still cap it lower, which SetReadBuffer/SetWriteBuffer treat
// as best-effort rather than an error.
const minSocketBuffer = 1 << 20 // 1 MiB

// KeepAliveIdle and KeepAliveInterval match spec's TCP keepalive cadence.
const (
	KeepAliveIdle     = 30 * time.Second
	KeepAliveInterval = 10 * time.Second
)

// Tune applies FerroTunnel's socket options to conn if it is a
// *net.TCPConn: TCP_NODELAY, generous read/write buffers, and a
// keepalive cadence suited to a long-lived tunnel connection. It is a
// no-op for any other net.Conn (e.g. a *tls.Conn, whose underlying raw
// conn should be tuned before the handshake instead).
//
// Every option is attempted even when an earlier one fails; the return
// value joins the failures so callers can log which options did not
// apply. Tuning failures are non-fatal and never abort connection setup.
func Tune(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	var errs []error
	if err := tc.SetNoDelay(true); err != nil {
		errs = append(errs, fmt.Errorf("nodelay: %w", err))
	}
	if err := tc.SetReadBuffer(minSocketBuffer); err != nil {
		errs = append(errs, fmt.Errorf("read buffer: %w", err))
	}
	if err := tc.SetWriteBuffer(minSocketBuffer); err != nil {
		errs = append(errs, fmt.Errorf("write buffer: %w", err))
	}
	if err := tc.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     KeepAliveIdle,
		Interval: KeepAliveInterval,
	}); err != nil {
		errs = append(errs, fmt.Errorf("keepalive: %w", err))
	}
	return errors.Join(errs...)
}
