package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/ferrotunnel/ferrotunnel/internal/config"
	"github.com/ferrotunnel/ferrotunnel/internal/logging"
	"github.com/ferrotunnel/ferrotunnel/internal/tlsutil"
	"github.com/ferrotunnel/ferrotunnel/internal/tunnelclient"
)

// exitAuthFailed is returned when the server rejects the handshake, distinct
// from the generic startup/runtime failure code so scripts can tell an
// invalid token apart from a transient connectivity problem.
const exitAuthFailed = 2

// promptToken reads the shared token from the terminal without echo, the
// last-resort source after --token and $FERROTUNNEL_TOKEN. Returns "" when
// stdin is not a terminal (e.g. running under systemd).
func promptToken() string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return ""
	}
	fmt.Fprint(os.Stderr, "Token: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func main() {
	cfg, err := config.ParseClientFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if cfg.Token == "" {
		cfg.Token = promptToken()
	}
	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "Error: a token is required (--token, $FERROTUNNEL_TOKEN, or interactive prompt)")
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "")
	defer logCloser.Close()

	if cfg.Observability || cfg.Metrics {
		logger.Warn("--observability/--metrics were requested but this build has no observability surface or metrics exporter")
	}

	var tlsCfg *tls.Config
	if cfg.TLS {
		tlsCfg, err = tlsutil.NewClientConfig(tlsutil.ClientOptions{
			CAPath:     cfg.TLSCAPath,
			ServerName: cfg.TLSServerName,
			SkipVerify: cfg.TLSSkipVerify,
			CertPath:   cfg.TLSCertPath,
			KeyPath:    cfg.TLSKeyPath,
		})
		if err != nil {
			logger.Error("loading TLS configuration", "error", err)
			os.Exit(1)
		}
	}

	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", cfg.Server)
		if err != nil {
			return nil, err
		}
		if tlsCfg != nil {
			tlsConn := tls.Client(conn, tlsCfg)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tlsConn, nil
		}
		return conn, nil
	}

	client := tunnelclient.New(tunnelclient.Options{
		Dial:         dial,
		Token:        cfg.Token,
		TunnelID:     cfg.TunnelID,
		Capabilities: []string{"http", "websocket", "tcp"},
		LocalAddr:    cfg.LocalAddr,
		Log:          logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("connecting to tunnel server", "server", cfg.Server, "tunnel_id", cfg.TunnelID, "tls", cfg.TLS)

	err = client.Run(ctx)
	switch {
	case err == nil || ctx.Err() != nil:
		os.Exit(0)
	case errors.Is(err, tunnelclient.ErrAuthFailed):
		logger.Error("handshake rejected by server", "error", err)
		os.Exit(exitAuthFailed)
	default:
		logger.Error("tunnel client stopped", "error", err)
		os.Exit(1)
	}
}
