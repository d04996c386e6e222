package peer

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// mockHandler records the connections it is handed.
type mockHandler struct {
	mu       sync.Mutex
	conns    []net.Conn
	handleCh chan net.Conn
}

func newMockHandler() *mockHandler {
	return &mockHandler{handleCh: make(chan net.Conn, 10)}
}

func (h *mockHandler) Handle(conn net.Conn) {
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	select {
	case h.handleCh <- conn:
	default:
	}
}

func (h *mockHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func serve(t *testing.T, server *Server, handler Handler) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func TestNew(t *testing.T) {
	server, err := New("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer server.Close()

	if server.Addr() == nil {
		t.Error("Addr returned nil")
	}
}

func TestNew_AddressInUse(t *testing.T) {
	server1, err := New("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("first New failed: %v", err)
	}
	defer server1.Close()

	if _, err := New("tcp", server1.Addr().String()); err == nil {
		t.Error("expected error for occupied port")
	}
}

func TestNew_StaleUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.sock")

	// A listener that does not unlink leaves its socket file behind.
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	l.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("socket file missing: %v", err)
	}

	server, err := New("unix", path)
	if err != nil {
		t.Fatalf("New over stale socket failed: %v", err)
	}
	server.Close()
}

func TestServer_Close(t *testing.T) {
	server, err := New("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := server.listener.Accept(); err == nil {
		t.Error("expected error after close")
	}
}

func TestServer_Serve(t *testing.T) {
	server, err := New("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	handler := newMockHandler()
	cancel, done := serve(t, server, handler)

	for i := 0; i < 3; i++ {
		clientConn, err := net.Dial("tcp", server.Addr().String())
		if err != nil {
			t.Fatalf("client dial failed: %v", err)
		}
		defer clientConn.Close()

		select {
		case conn := <-handler.handleCh:
			conn.Close()
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for handler")
		}
	}

	if n := handler.count(); n != 3 {
		t.Errorf("handled %d connections, want 3", n)
	}

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_ShutdownTimeoutBypassedByClose(t *testing.T) {
	server, err := New("tcp", "127.0.0.1:0", ServerShutdownTimeoutOption(time.Hour))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cancel, done := serve(t, server, HandlerFunc(func(conn net.Conn) { conn.Close() }))
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not bypass the shutdown timeout")
	}
}
