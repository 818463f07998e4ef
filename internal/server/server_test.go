package server_test

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/slimhive/slimhub/internal/server"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

// handlerFunc adapts a function to the server.Handler interface.
type handlerFunc func(ctx context.Context, args []string) string

func (f handlerFunc) Dispatch(ctx context.Context, args []string) string {
	return f(ctx, args)
}

// startServer binds a test server on a loopback port and tears it down
// with the test. shutdown may be nil when the test never sends quit.
func startServer(t *testing.T, h server.Handler, shutdown func()) string {
	t.Helper()

	if shutdown == nil {
		shutdown = func() {}
	}
	s := server.New(h, shutdown, nil)
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- s.Serve(context.Background())
	}()
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		if err := <-serveDone; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})

	return s.Addr().String()
}

func TestServerDispatchesCommands(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []string
	)
	addr := startServer(t, handlerFunc(func(_ context.Context, args []string) string {
		mu.Lock()
		seen = args
		mu.Unlock()
		return "OK done"
	}), nil)

	resp, err := server.Request(addr, []string{"service", "AA:BB:CC:DD:EE:01", "sound", "work"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp != "OK done" {
		t.Fatalf("response = %q, want %q", resp, "OK done")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"service", "AA:BB:CC:DD:EE:01", "sound", "work"}
	if len(seen) != len(want) {
		t.Fatalf("handler saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("handler saw %v, want %v", seen, want)
		}
	}
}

func TestServerQuitRunsShutdown(t *testing.T) {
	t.Parallel()

	shutdown := make(chan struct{})
	addr := startServer(t, handlerFunc(func(_ context.Context, _ []string) string {
		t.Error("handler must not see quit")
		return ""
	}), func() { close(shutdown) })

	resp, err := server.Request(addr, []string{"quit"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp != "Shutting down server" {
		t.Fatalf("response = %q, want shutdown acknowledgement", resp)
	}

	select {
	case <-shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestServerRejectsEmptyRequest(t *testing.T) {
	t.Parallel()

	addr := startServer(t, handlerFunc(func(_ context.Context, _ []string) string {
		t.Error("handler must not run for an empty request")
		return ""
	}), nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("[]")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(resp) != "ERROR: empty request" {
		t.Fatalf("response = %q, want empty-request error", resp)
	}
}

func TestServerRecoversFromHandlerPanic(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	addr := startServer(t, handlerFunc(func(_ context.Context, _ []string) string {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			panic("command exploded")
		}
		return "OK recovered"
	}), nil)

	resp, err := server.Request(addr, []string{"list"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !strings.HasPrefix(resp, "ERROR:") {
		t.Fatalf("response = %q, want internal error", resp)
	}

	// The listener must survive the panic.
	resp, err = server.Request(addr, []string{"list"}, 2*time.Second)
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if resp != "OK recovered" {
		t.Fatalf("second response = %q, want %q", resp, "OK recovered")
	}
}

func TestServeBeforeListenFails(t *testing.T) {
	t.Parallel()

	s := server.New(handlerFunc(func(_ context.Context, _ []string) string { return "" }), func() {}, nil)
	if err := s.Serve(context.Background()); err == nil {
		t.Fatal("Serve before Listen succeeded")
	}
}
