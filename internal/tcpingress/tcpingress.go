// Package tcpingress accepts raw TCP connections on a public port and
// relays each one to whatever session currently advertises the "tcp"
// capability, over a freshly opened multiplexed stream.
package tcpingress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/ferrotunnel/ferrotunnel/internal/mux"
	"github.com/ferrotunnel/ferrotunnel/internal/protocol"
	"github.com/ferrotunnel/ferrotunnel/internal/ratelimit"
	"github.com/ferrotunnel/ferrotunnel/internal/session"
	"github.com/ferrotunnel/ferrotunnel/internal/sockopt"
)

// tcpCapability is the session capability TCP ingress routes by; sessions
// not advertising it are never selected.
const tcpCapability = "tcp"

// DefaultConnectionLimit bounds concurrent TCP ingress connections.
const DefaultConnectionLimit = 1000

// DefaultStreamOpenTimeout bounds how long open_stream may take before the
// client connection is dropped.
const DefaultStreamOpenTimeout = 10 * time.Second

// DefaultIdleTimeout ends a relay that has carried no bytes either way for
// this long.
const DefaultIdleTimeout = 5 * time.Minute

// copyBufferSize is the per-direction buffer used while relaying; it must
// stay well under the codec's max frame payload so a single Write never
// needs to be split across multiple Data frames to preserve throughput.
const copyBufferSize = 64 * 1024

// Options configures an Ingress.
type Options struct {
	Sessions          *session.Store
	Log               *slog.Logger
	ConnLimiter       *ratelimit.ConnectionLimiter
	StreamOpenTimeout time.Duration
	IdleTimeout       time.Duration
}

// Ingress accepts TCP connections and relays them into tunnel sessions.
type Ingress struct {
	opts Options
	log  *slog.Logger
}

// New returns an Ingress. Unset optional fields take spec-mandated
// defaults.
func New(opts Options) *Ingress {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.ConnLimiter == nil {
		opts.ConnLimiter = ratelimit.NewConnectionLimiter(DefaultConnectionLimit)
	}
	if opts.StreamOpenTimeout == 0 {
		opts.StreamOpenTimeout = DefaultStreamOpenTimeout
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Ingress{opts: opts, log: opts.Log}
}

// Run accepts connections from ln until ctx is canceled.
func (g *Ingress) Run(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				consecutiveErrors++
				g.log.Error("accepting tcp ingress connection", "error", err, "consecutive_errors", consecutiveErrors)
				delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
				if delay > 5*time.Second {
					delay = 5 * time.Second
				}
				time.Sleep(delay)
				continue
			}
		}
		consecutiveErrors = 0
		go g.handleConn(conn)
	}
}

func (g *Ingress) handleConn(conn net.Conn) {
	defer conn.Close()
	if err := sockopt.Tune(conn); err != nil {
		g.log.Debug("socket tuning incomplete", "error", err)
	}

	if !g.opts.ConnLimiter.TryAcquire() {
		g.log.Warn("tcp ingress connection limit reached, rejecting")
		return
	}
	defer g.opts.ConnLimiter.Release()

	record, ok := g.opts.Sessions.SelectByCapability(tcpCapability)
	if !ok {
		g.log.Warn("no session advertises tcp capability, dropping connection")
		return
	}

	st, err := openStreamWithTimeout(record.Mux, protocol.ProtocolTCP, g.opts.StreamOpenTimeout)
	if err != nil {
		g.log.Warn("opening tcp stream failed", "error", err)
		return
	}
	defer st.Close()

	g.relay(conn, st)
}

func openStreamWithTimeout(m *mux.Multiplexer, proto protocol.StreamProtocol, timeout time.Duration) (*mux.Stream, error) {
	type result struct {
		st  *mux.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		st, err := m.OpenStream(proto)
		ch <- result{st, err}
	}()
	select {
	case r := <-ch:
		return r.st, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("tcpingress: open_stream timed out after %s", timeout)
	}
}

// relay copies bytes bidirectionally between conn and st until either
// side closes or IdleTimeout passes with no bytes carried in either
// direction.
func (g *Ingress) relay(conn net.Conn, st *mux.Stream) {
	var lastActive atomic.Int64
	lastActive.Store(time.Now().UnixNano())

	stop := make(chan struct{})
	defer close(stop)
	go g.watchIdle(conn, st, &lastActive, stop)

	done := make(chan struct{}, 2)
	go func() {
		copyTracked(st, conn, make([]byte, copyBufferSize), &lastActive)
		done <- struct{}{}
	}()
	go func() {
		copyTracked(conn, st, make([]byte, copyBufferSize), &lastActive)
		done <- struct{}{}
	}()
	<-done
}

func (g *Ingress) watchIdle(conn net.Conn, st *mux.Stream, lastActive *atomic.Int64, stop <-chan struct{}) {
	interval := g.opts.IdleTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, lastActive.Load())) > g.opts.IdleTimeout {
				g.log.Info("tcp ingress relay idle, closing")
				conn.Close()
				st.Close()
				return
			}
		}
	}
}

// copyTracked is io.Copy with a shared buffer and an activity timestamp
// bumped on every non-empty read, so an idle watchdog can observe
// progress across both directions of a relay.
func copyTracked(dst io.Writer, src io.Reader, buf []byte, lastActive *atomic.Int64) {
	for {
		n, err := src.Read(buf)
		if n > 0 {
			lastActive.Store(time.Now().UnixNano())
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
