// Package config parses the `server` and `client` CLI subcommands and an
// optional YAML file of defaults layered underneath the flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the `ferrotunnel server` subcommand's settings.
type ServerConfig struct {
	Bind          string `yaml:"bind"`
	HTTPBind      string `yaml:"http_bind"`
	TCPBind       string `yaml:"tcp_bind"`
	MetricsBind   string `yaml:"metrics_bind"`
	Token         string `yaml:"token"`
	TLSCertPath   string `yaml:"tls_cert"`
	TLSKeyPath    string `yaml:"tls_key"`
	TLSCAPath     string `yaml:"tls_ca"`
	TLSClientAuth bool   `yaml:"tls_client_auth"`
	Observability bool   `yaml:"observability"`
	Metrics       bool   `yaml:"metrics"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	SessionTimeout time.Duration `yaml:"session_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// ClientConfig holds the `ferrotunnel client` subcommand's settings.
type ClientConfig struct {
	Server    string `yaml:"server"`
	Token     string `yaml:"token"`
	LocalAddr string `yaml:"local_addr"`
	TunnelID  string `yaml:"tunnel_id"`

	TLS           bool   `yaml:"tls"`
	TLSCAPath     string `yaml:"tls_ca"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`
	TLSServerName string `yaml:"tls_server_name"`
	TLSCertPath   string `yaml:"tls_cert"`
	TLSKeyPath    string `yaml:"tls_key"`

	Observability bool `yaml:"observability"`
	Metrics       bool `yaml:"metrics"`
	NoDashboard   bool `yaml:"no_dashboard"`
	DashboardPort int  `yaml:"dashboard_port"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ParseServerFlags parses the `server` subcommand's flags, first loading
// --config as a YAML defaults layer if given (flags explicitly set on the
// command line still win, since Go's flag package applies them after
// ParseServerFlags' pre-filled defaults).
func ParseServerFlags(args []string) (*ServerConfig, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)

	var configPath string
	fs.StringVar(&configPath, "config", "", "optional YAML file of defaults")

	cfg := &ServerConfig{
		LogLevel:       "info",
		LogFormat:      "json",
		SessionTimeout: 90 * time.Second,
		SweepInterval:  30 * time.Second,
	}

	// A first pass just to discover --config before the real flag set
	// binds defaults on top of it.
	if path := peekFlag(args, "config"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	fs.StringVar(&cfg.Bind, "bind", cfg.Bind, "control-channel listen address")
	fs.StringVar(&cfg.HTTPBind, "http-bind", cfg.HTTPBind, "HTTP ingress listen address")
	fs.StringVar(&cfg.TCPBind, "tcp-bind", cfg.TCPBind, "TCP ingress listen address")
	fs.StringVar(&cfg.MetricsBind, "metrics-bind", cfg.MetricsBind, "metrics listen address")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "shared handshake token")
	fs.StringVar(&cfg.TLSCertPath, "tls-cert", cfg.TLSCertPath, "TLS certificate path")
	fs.StringVar(&cfg.TLSKeyPath, "tls-key", cfg.TLSKeyPath, "TLS key path")
	fs.StringVar(&cfg.TLSCAPath, "tls-ca", cfg.TLSCAPath, "TLS client CA path")
	fs.BoolVar(&cfg.TLSClientAuth, "tls-client-auth", cfg.TLSClientAuth, "require client certificates")
	fs.BoolVar(&cfg.Observability, "observability", cfg.Observability, "enable the observability surface")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "enable metrics export")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json|text")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Bind == "" {
		return fmt.Errorf("--bind is required")
	}
	if c.HTTPBind == "" {
		return fmt.Errorf("--http-bind is required")
	}
	if c.Token == "" {
		return fmt.Errorf("--token is required")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return fmt.Errorf("--tls-cert and --tls-key must be given together")
	}
	if c.TLSClientAuth && c.TLSCAPath == "" {
		return fmt.Errorf("--tls-client-auth requires --tls-ca")
	}
	return nil
}

// ParseClientFlags parses the `client` subcommand's flags. Token may come
// from --token, $FERROTUNNEL_TOKEN, or (if a terminal is attached) an
// interactive prompt performed by the caller — ParseClientFlags only
// resolves the environment-variable fallback, leaving prompting to the
// command's main().
func ParseClientFlags(args []string) (*ClientConfig, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)

	var configPath string
	fs.StringVar(&configPath, "config", "", "optional YAML file of defaults")

	cfg := &ClientConfig{
		LogLevel:      "info",
		LogFormat:     "json",
		DashboardPort: 4040,
	}

	if path := peekFlag(args, "config"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	fs.StringVar(&cfg.Server, "server", cfg.Server, "tunnel server HOST:PORT")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "shared handshake token")
	fs.StringVar(&cfg.LocalAddr, "local-addr", cfg.LocalAddr, "local service HOST:PORT to expose")
	fs.StringVar(&cfg.TunnelID, "tunnel-id", cfg.TunnelID, "requested tunnel id")
	fs.BoolVar(&cfg.TLS, "tls", cfg.TLS, "connect to the server over TLS")
	fs.StringVar(&cfg.TLSCAPath, "tls-ca", cfg.TLSCAPath, "TLS CA to verify the server against")
	fs.BoolVar(&cfg.TLSSkipVerify, "tls-skip-verify", cfg.TLSSkipVerify, "skip server certificate verification")
	fs.StringVar(&cfg.TLSServerName, "tls-server-name", cfg.TLSServerName, "override SNI/verification hostname")
	fs.StringVar(&cfg.TLSCertPath, "tls-cert", cfg.TLSCertPath, "client certificate path (mTLS)")
	fs.StringVar(&cfg.TLSKeyPath, "tls-key", cfg.TLSKeyPath, "client key path (mTLS)")
	fs.BoolVar(&cfg.Observability, "observability", cfg.Observability, "enable the observability surface")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "enable metrics export")
	fs.BoolVar(&cfg.NoDashboard, "no-dashboard", cfg.NoDashboard, "disable the local dashboard")
	fs.IntVar(&cfg.DashboardPort, "dashboard-port", cfg.DashboardPort, "local dashboard port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json|text")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Token == "" {
		cfg.Token = os.Getenv("FERROTUNNEL_TOKEN")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.Server == "" {
		return fmt.Errorf("--server is required")
	}
	if c.LocalAddr == "" {
		return fmt.Errorf("--local-addr is required")
	}
	if c.TLSSkipVerify && c.TLSCAPath != "" {
		return fmt.Errorf("--tls-ca and --tls-skip-verify are mutually exclusive")
	}
	return nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// peekFlag scans args for "-name value", "-name=value", "--name value", or
// "--name=value" without going through flag.FlagSet, so --config can be
// resolved before the rest of the flags are declared against it.
func peekFlag(args []string, name string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		for _, prefix := range []string{"--" + name + "=", "-" + name + "="} {
			if len(a) > len(prefix) && a[:len(prefix)] == prefix {
				return a[len(prefix):]
			}
		}
		if a == "--"+name || a == "-"+name {
			if i+1 < len(args) {
				return args[i+1]
			}
		}
	}
	return ""
}
