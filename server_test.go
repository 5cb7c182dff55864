package rofsock

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// mockHandler implements Handler interface for testing
type mockHandler struct {
	mu       sync.Mutex
	conns    []net.Conn
	handleCh chan net.Conn
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		conns:    make([]net.Conn, 0),
		handleCh: make(chan net.Conn, 10),
	}
}

func (h *mockHandler) Handle(_ context.Context, conn net.Conn) {
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	select {
	case h.handleCh <- conn:
	default:
	}
}

func (h *mockHandler) getConns() []net.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns
}

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := New(addr, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return server
}

func TestNew(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	if server.listener == nil {
		t.Error("listener is nil")
	}
}

func TestNew_InvalidAddr(t *testing.T) {
	// First create a listener to occupy a port
	server1 := newTestServer(t)
	defer server1.Close()

	// Try to listen on the same port - should fail
	occupiedAddr := server1.Addr().(*net.TCPAddr)
	_, err := New(occupiedAddr)
	if err == nil {
		t.Error("expected error for occupied port")
	}
}

func TestServer_Close(t *testing.T) {
	server := newTestServer(t)

	err := server.Close()
	if err != nil {
		t.Errorf("Close failed: %v", err)
	}

	// Verify listener is closed by trying to accept
	_, err = server.listener.Accept()
	if err == nil {
		t.Error("expected error after close")
	}
}

func TestServer_Serve(t *testing.T) {
	server := newTestServer(t, ServerLoggerOption(&mockLogger{}))

	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())

	// Start serving in goroutine
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	// Connect a client
	clientConn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	defer clientConn.Close()

	// Wait for handler to receive the connection
	select {
	case conn := <-handler.handleCh:
		if conn != nil {
			conn.Close()
		} else {
			t.Error("handler received nil connection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handler")
	}

	// Cancel context to stop server
	cancel()

	// Wait for Serve to return
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Serve_MultipleConnections(t *testing.T) {
	server := newTestServer(t)

	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.Serve(ctx, handler)

	// Connect multiple clients
	numClients := 5
	clients := make([]net.Conn, numClients)
	for i := 0; i < numClients; i++ {
		clientConn, err := net.Dial("tcp", server.Addr().String())
		if err != nil {
			t.Fatalf("client %d dial failed: %v", i, err)
		}
		clients[i] = clientConn
	}

	// Wait for all handlers to receive connections
	for i := 0; i < numClients; i++ {
		select {
		case conn := <-handler.handleCh:
			if conn == nil {
				t.Errorf("handler %d received nil connection", i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for handler %d", i)
		}
	}

	for _, conn := range clients {
		conn.Close()
	}

	conns := handler.getConns()
	if len(conns) != numClients {
		t.Errorf("handler received %d connections, want %d", len(conns), numClients)
	}
	for _, conn := range conns {
		conn.Close()
	}
}

func TestServer_Serve_ShutdownTimeoutBypassed(t *testing.T) {
	server := newTestServer(t, ServerShutdownTimeoutOption(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, newMockHandler())
	}()

	cancel()
	time.Sleep(20 * time.Millisecond)
	_ = server.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close should bypass the shutdown timeout")
	}
}

// echoController answers echo requests and records lifecycle callbacks.
type echoController struct {
	mockEnv
	closedCh chan struct{}
}

func (c *echoController) OnMessage(s *Session, m *Message) {
	c.mockEnv.OnMessage(s, m)
	if m.Kind == KindEchoRequest {
		_ = s.Enqueue(NewEchoReply(m))
	}
}

func (c *echoController) OnClosed(s *Session) {
	c.mockEnv.OnClosed(s)
	close(c.closedCh)
}

func TestSessionHandler_EchoRoundTrip(t *testing.T) {
	server := newTestServer(t)
	env := &echoController{closedCh: make(chan struct{})}
	handler := NewSessionHandler(env, LoggerOption(&mockLogger{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, handler)

	client, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	// split the request to exercise reassembly over the socket
	req := rawFrame(Version13, TypeEchoRequest, 0x01020304, []byte("are you there"))
	if _, err := client.Write(req[:5]); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := client.Write(req[5:]); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(client, header); err != nil {
		t.Fatalf("read reply header failed: %v", err)
	}
	if header[1] != TypeEchoReply || binary.BigEndian.Uint32(header[4:8]) != 0x01020304 {
		t.Errorf("reply header = %x", header)
	}
	body := make([]byte, int(binary.BigEndian.Uint16(header[2:4]))-HeaderSize)
	if _, err := io.ReadFull(client, body); err != nil {
		t.Fatalf("read reply body failed: %v", err)
	}
	if string(body) != "are you there" {
		t.Errorf("reply body = %q", body)
	}

	if n := len(handler.Sessions()); n != 1 {
		t.Errorf("live sessions = %d, want 1", n)
	}

	client.Close()
	select {
	case <-env.closedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed after peer hung up")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(handler.Sessions()) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(handler.Sessions()); n != 0 {
		t.Errorf("live sessions after close = %d, want 0", n)
	}
}
