// Package tlsutil builds tls.Config values for the tunnel server and
// client. TLS is optional per spec's CLI surface (`--tls-cert`/`--tls`)
// and, when enabled, mutual-TLS client authentication is opt-in via
// `--tls-client-auth` rather than mandatory.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ServerOptions configures NewServerConfig.
type ServerOptions struct {
	CertPath string
	KeyPath  string
	// CAPath is used to verify client certificates when RequireClientAuth
	// is set; it is not read otherwise.
	CAPath string
	// RequireClientAuth enables mutual TLS; CAPath must be set.
	RequireClientAuth bool
}

// NewServerConfig builds a minimum-TLS-1.2 server config. Client
// certificate verification is only enabled when opts.RequireClientAuth is
// set, matching the CLI's `--tls-client-auth` flag being opt-in.
func NewServerConfig(opts ServerOptions) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: loading server certificate: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	if opts.RequireClientAuth {
		if opts.CAPath == "" {
			return nil, fmt.Errorf("tlsutil: --tls-client-auth requires --tls-ca")
		}
		pool, err := loadCACertPool(opts.CAPath)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// ClientOptions configures NewClientConfig.
type ClientOptions struct {
	// CAPath, when set, verifies the server against this CA instead of the
	// system trust store.
	CAPath string
	// ServerName overrides SNI/verification hostname.
	ServerName string
	// SkipVerify disables server certificate verification entirely. Only
	// meant for local development; the CLI surfaces it as `--tls-skip-verify`.
	SkipVerify bool
	// CertPath/KeyPath present a client certificate when the server
	// requires mutual TLS.
	CertPath string
	KeyPath  string
}

// NewClientConfig builds a minimum-TLS-1.2 client config.
func NewClientConfig(opts ClientOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.SkipVerify,
	}

	if opts.CAPath != "" {
		pool, err := loadCACertPool(opts.CAPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if opts.CertPath != "" || opts.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("tlsutil: loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("tlsutil: failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
