package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ferrotunnel/ferrotunnel/internal/config"
	"github.com/ferrotunnel/ferrotunnel/internal/httpingress"
	"github.com/ferrotunnel/ferrotunnel/internal/logging"
	"github.com/ferrotunnel/ferrotunnel/internal/ratelimit"
	"github.com/ferrotunnel/ferrotunnel/internal/session"
	"github.com/ferrotunnel/ferrotunnel/internal/tcpingress"
	"github.com/ferrotunnel/ferrotunnel/internal/tlsutil"
	"github.com/ferrotunnel/ferrotunnel/internal/tunnelserver"
)

func main() {
	cfg, err := config.ParseServerFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "")
	defer logCloser.Close()

	if cfg.Observability || cfg.Metrics {
		logger.Warn("--observability/--metrics were requested but this build has no observability surface or metrics exporter")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	ln, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		logger.Error("binding control channel", "addr", cfg.Bind, "error", err)
		os.Exit(1)
	}

	if cfg.TLSCertPath != "" {
		tlsCfg, err := tlsutil.NewServerConfig(tlsutil.ServerOptions{
			CertPath:          cfg.TLSCertPath,
			KeyPath:           cfg.TLSKeyPath,
			CAPath:            cfg.TLSCAPath,
			RequireClientAuth: cfg.TLSClientAuth,
		})
		if err != nil {
			logger.Error("loading TLS configuration", "error", err)
			os.Exit(1)
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	sessions := session.NewStore(cfg.SessionTimeout, cfg.SweepInterval)
	go sessions.RunSweeper()
	defer sessions.Stop()

	const maxControlConnections = 10000

	srv := tunnelserver.New(tunnelserver.Options{
		Token:            cfg.Token,
		Log:              logger.With("component", "tunnelserver"),
		Sessions:         sessions,
		HandshakeLimiter: ratelimit.NewHandshakeLimiter(5, 10),
		ConnLimiter:      ratelimit.NewConnectionLimiter(maxControlConnections),
	})

	tunnelErrCh := make(chan error, 1)
	go func() { tunnelErrCh <- srv.Run(ctx, ln) }()

	httpIngress := httpingress.New(httpingress.Options{
		Sessions:    sessions,
		Log:         logger.With("component", "httpingress"),
		ConnLimiter: ratelimit.NewConnectionLimiter(httpingress.DefaultConnectionLimit),
	})
	httpSrv := httpIngress.Server(cfg.HTTPBind)
	go func() {
		logger.Info("http ingress listening", "addr", cfg.HTTPBind)
		if err := httpSrv.ListenAndServe(); err != nil && ctx.Err() == nil {
			logger.Error("http ingress stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	if cfg.TCPBind != "" {
		tcpLn, err := net.Listen("tcp", cfg.TCPBind)
		if err != nil {
			logger.Error("binding tcp ingress", "addr", cfg.TCPBind, "error", err)
			os.Exit(1)
		}
		tcpIngress := tcpingress.New(tcpingress.Options{
			Sessions: sessions,
			Log:      logger.With("component", "tcpingress"),
		})
		go func() {
			logger.Info("tcp ingress listening", "addr", cfg.TCPBind)
			tcpIngress.Run(ctx, tcpLn)
		}()
	}

	logger.Info("tunnel server listening", "addr", cfg.Bind, "tls", cfg.TLSCertPath != "")

	if err := <-tunnelErrCh; err != nil {
		logger.Error("tunnel server stopped", "error", err)
		os.Exit(1)
	}
}
