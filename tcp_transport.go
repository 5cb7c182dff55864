package rofsock

import (
	"bytes"
	"crypto/tls"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// readChunkSize is how much the pump reads from the socket per call.
const readChunkSize = 4096

// TCPTransport is a Transport over a stream connection (TCP, optionally
// TLS). A pump goroutine moves inbound bytes into a buffer and signals
// HandleReadable; Recv drains that buffer without blocking.
//
// Every attached connection gets a generation number. Events from a
// connection that has since been replaced or closed are ignored.
type TCPTransport struct {
	handler TransportHandler
	logger  Logger

	mu       sync.Mutex
	conn     net.Conn
	cfg      TransportConfig
	tlsCfg   *tls.Config
	dialable bool
	gen      uint64
	inbox    bytes.Buffer
	rng      *rand.Rand

	connected atomic.Bool
	writeMu   sync.Mutex
}

// NewTCPTransport returns a transport with default timeouts. It matches
// TransportFactory.
func NewTCPTransport(h TransportHandler, logger Logger) Transport {
	return newTCPTransport(h, logger, DefaultTransportConfig())
}

// TCPTransportFactory returns a factory whose transports use cfg's
// timeouts for accepted connections.
func TCPTransportFactory(cfg TransportConfig) TransportFactory {
	return func(h TransportHandler, logger Logger) Transport {
		return newTCPTransport(h, logger, cfg)
	}
}

func newTCPTransport(h TransportHandler, logger Logger, cfg TransportConfig) *TCPTransport {
	if logger == nil {
		logger = defaultLogger()
	}
	return &TCPTransport{
		handler: h,
		logger:  logger,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Connect replaces any current connection and dials cfg.Address in the
// background.
func (t *TCPTransport) Connect(cfg TransportConfig) error {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Address == "" {
		return errors.New("transport: empty dial address")
	}
	tlsCfg, err := cfg.TLS.ClientTLS()
	if err != nil {
		return err
	}

	t.mu.Lock()
	old := t.detachLocked()
	t.cfg = cfg
	t.tlsCfg = tlsCfg
	t.dialable = true
	gen := t.gen
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	go t.dial(gen, cfg, tlsCfg, 1)
	return nil
}

// Accept adopts conn. HandleConnected has run when Accept returns.
func (t *TCPTransport) Accept(conn net.Conn) error {
	t.mu.Lock()
	old := t.detachLocked()
	t.dialable = false
	gen := t.gen
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if !t.attach(gen, conn) {
		_ = conn.Close()
		return ErrNotConnected
	}
	return nil
}

// Reconnect drops the current connection without reporting a close and
// redials the last Connect address, backing off between attempts.
func (t *TCPTransport) Reconnect() error {
	t.mu.Lock()
	if !t.dialable {
		t.mu.Unlock()
		return ErrNotReconnectable
	}
	old := t.detachLocked()
	gen := t.gen
	cfg, tlsCfg := t.cfg, t.tlsCfg
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	attempts := cfg.ReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	go t.dial(gen, cfg, tlsCfg, attempts)
	return nil
}

// Close closes the connection and reports HandleClosed. It also aborts
// a dial in progress. Closing an idle transport is a no-op.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	conn := t.detachLocked()
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	t.handler.HandleClosed(t, nil)
	return err
}

// IsConnected reports whether a connection is attached.
func (t *TCPTransport) IsConnected() bool {
	return t.connected.Load()
}

// RemoteAddr returns the peer address, or nil when disconnected.
func (t *TCPTransport) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}

// Recv copies buffered inbound bytes into p.
func (t *TCPTransport) Recv(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inbox.Len() == 0 {
		if t.conn == nil {
			return 0, ErrNotConnected
		}
		return 0, ErrWouldBlock
	}
	return t.inbox.Read(p)
}

// Send writes b with the configured write deadline. A write error
// closes the connection.
func (t *TCPTransport) Send(b []byte) error {
	t.mu.Lock()
	conn, gen, timeout := t.conn, t.gen, t.cfg.WriteTimeout
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := conn.Write(b)
	t.writeMu.Unlock()

	if err != nil {
		t.logger.Debug("write error", "addr", conn.RemoteAddr(), "error", err)
		t.closeFrom(gen, err)
		return errors.Wrap(err, "transport: send")
	}
	return nil
}

// detachLocked forgets the current connection and bumps the generation
// so its pump and any dial in progress stand down. t.mu must be held.
func (t *TCPTransport) detachLocked() net.Conn {
	conn := t.conn
	t.conn = nil
	t.gen++
	t.connected.Store(false)
	t.inbox.Reset()
	return conn
}

func (t *TCPTransport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen
}

func (t *TCPTransport) dial(gen uint64, cfg TransportConfig, tlsCfg *tls.Config, attempts int) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(t.delay(cfg.Backoff, attempt-1))
		}
		if !t.current(gen) {
			return
		}

		conn, err := dialConn(cfg, tlsCfg)
		if err == nil {
			if !t.attach(gen, conn) {
				_ = conn.Close()
			}
			return
		}
		lastErr = err
		t.logger.Debug("dial failed", "addr", cfg.Address, "attempt", attempt, "error", err)
	}

	if t.current(gen) {
		t.handler.HandleConnectRefused(t, lastErr)
	}
}

func dialConn(cfg TransportConfig, tlsCfg *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	if tlsCfg != nil {
		conn, err := tls.DialWithDialer(dialer, cfg.Network, cfg.Address, tlsCfg)
		if err != nil {
			return nil, errors.Wrap(err, "transport: tls dial")
		}
		return conn, nil
	}
	conn, err := dialer.Dial(cfg.Network, cfg.Address)
	if err != nil {
		return nil, errors.Wrap(err, "transport: dial")
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// delay shares t.rng between dial goroutines.
func (t *TCPTransport) delay(cfg BackoffConfig, retry int) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cfg.Delay(retry, t.rng)
}

// attach installs conn if no other connect, accept or close happened
// since gen was taken, reports HandleConnected and starts the pump.
func (t *TCPTransport) attach(gen uint64, conn net.Conn) bool {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return false
	}
	t.conn = conn
	t.gen++
	live := t.gen
	t.inbox.Reset()
	t.connected.Store(true)
	timeout := t.cfg.ReadTimeout
	t.mu.Unlock()

	t.logger.Debug("transport attached", "addr", conn.RemoteAddr())
	t.handler.HandleConnected(t)
	go t.pump(live, conn, timeout)
	return true
}

func (t *TCPTransport) pump(gen uint64, conn net.Conn, timeout time.Duration) {
	buf := make([]byte, readChunkSize)
	for {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			t.mu.Lock()
			if t.gen != gen {
				t.mu.Unlock()
				return
			}
			t.inbox.Write(buf[:n])
			t.mu.Unlock()
			t.handler.HandleReadable(t)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			t.closeFrom(gen, err)
			return
		}
	}
}

// closeFrom closes the connection of generation gen, if still current.
func (t *TCPTransport) closeFrom(gen uint64, cause error) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	conn := t.detachLocked()
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	t.handler.HandleClosed(t, cause)
}
