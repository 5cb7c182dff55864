package rofsock

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrWouldBlock is returned by Recv when no bytes are available yet.
	ErrWouldBlock = errors.New("transport: would block")
	// ErrNotConnected is returned when the transport has no live connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrNotReconnectable is returned by Reconnect on a transport that was
	// accepted rather than dialed.
	ErrNotReconnectable = errors.New("transport: no dial address to reconnect to")
	// ErrTLSCertFileRequired is returned when a client certificate is
	// configured without its key, or the other way round.
	ErrTLSCertFileRequired = errors.New("transport: tls cert and key files must be set together")
)

// Transport moves raw bytes for one session. Lifecycle changes and
// readiness are reported through the TransportHandler it was built with.
type Transport interface {
	// Connect starts dialing. The outcome is reported through
	// HandleConnected or HandleConnectRefused.
	Connect(cfg TransportConfig) error
	// Accept adopts an established connection and reports HandleConnected
	// before returning.
	Accept(conn net.Conn) error
	// Reconnect drops the current connection and dials again.
	Reconnect() error
	// Close shuts the connection down and reports HandleClosed once.
	Close() error
	IsConnected() bool
	// Recv copies buffered inbound bytes into p without blocking.
	Recv(p []byte) (int, error)
	// Send writes b completely or fails.
	Send(b []byte) error
}

// TransportHandler receives transport events. Calls for one transport
// are never concurrent with each other for the same event type.
type TransportHandler interface {
	HandleConnected(t Transport)
	HandleConnectRefused(t Transport, err error)
	HandleReadable(t Transport)
	HandleClosed(t Transport, err error)
}

// TransportFactory builds the transport a session attaches on connect
// or accept.
type TransportFactory func(h TransportHandler, logger Logger) Transport

// TransportConfig tells a transport where and how to dial.
type TransportConfig struct {
	Network string `toml:"network"`
	Address string `toml:"address"`

	DialTimeout time.Duration `toml:"dial_timeout"`
	// ReadTimeout closes a connection that stays silent this long.
	// Zero disables it.
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`

	// ReconnectAttempts bounds dial attempts made by Reconnect.
	ReconnectAttempts int           `toml:"reconnect_attempts"`
	Backoff           BackoffConfig `toml:"backoff"`

	TLS TLSConfig `toml:"tls"`
}

// TLSConfig describes an optional TLS layer by file paths.
type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// DefaultTransportConfig returns dial defaults for a TCP peer.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Network:           "tcp",
		DialTimeout:       5 * time.Second,
		WriteTimeout:      15 * time.Second,
		ReconnectAttempts: 5,
		Backoff:           DefaultBackoffConfig(),
	}
}

// ClientTLS builds a client tls.Config, or nil when TLS is disabled.
func (c TLSConfig) ClientTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(c.ServerName),
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if err := c.loadCertificates(cfg); err != nil {
		return nil, err
	}
	if ca := strings.TrimSpace(c.CAFile); ca != "" {
		pool, err := loadCertPool(ca)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// ServerTLS builds a listener tls.Config, or nil when TLS is disabled.
// A CA file turns on client certificate verification.
func (c TLSConfig) ServerTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if err := c.loadCertificates(cfg); err != nil {
		return nil, err
	}
	if len(cfg.Certificates) == 0 {
		return nil, ErrTLSCertFileRequired
	}
	if ca := strings.TrimSpace(c.CAFile); ca != "" {
		pool, err := loadCertPool(ca)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func (c TLSConfig) loadCertificates(cfg *tls.Config) error {
	certFile := strings.TrimSpace(c.CertFile)
	keyFile := strings.TrimSpace(c.KeyFile)
	if certFile == "" && keyFile == "" {
		return nil
	}
	if certFile == "" || keyFile == "" {
		return ErrTLSCertFileRequired
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return errors.Wrap(err, "transport: load key pair")
	}
	cfg.Certificates = []tls.Certificate{cert}
	return nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "transport: read ca file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("transport: no certificates in %s", path)
	}
	return pool, nil
}
