// Package server implements the local TCP command plane of the hub.
//
// The listener accepts one request per connection, dispatches it to the
// command handler and writes the raw response before closing. The
// protocol is unauthenticated and must only ever bind to loopback.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"
)

const (
	maxRequestSize = 4096
	requestTimeout = 30 * time.Second
)

// shutdownResponse is the reply to a quit command. Clients match on it.
const shutdownResponse = "Shutting down server"

// Handler processes one parsed command. The returned string is written
// verbatim to the client.
type Handler interface {
	Dispatch(ctx context.Context, args []string) string
}

// Server owns the command-plane listener.
type Server struct {
	handler  Handler
	logger   *slog.Logger
	shutdown func()

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New creates a server. shutdown is invoked once when a client sends
// quit; it must initiate daemon termination without blocking.
func New(handler Handler, shutdown func(), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler:  handler,
		logger:   logger.With(slog.String("component", "server")),
		shutdown: shutdown,
	}
}

// Listen binds the listener. Addr returns the bound address afterwards,
// which matters when the configured port is 0.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("command plane listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until the listener is closed. It returns
// nil on a clean Close.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops the listener and waits for in-flight connections.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.recoverPanic(conn)

	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	buf := make([]byte, maxRequestSize)
	n, err := conn.Read(buf)
	if err != nil {
		s.logger.Warn("request read failed", slog.Any("error", err))
		return
	}

	args := parseRequest(buf[:n])
	if len(args) == 0 {
		s.respond(conn, "ERROR: empty request")
		return
	}

	if args[0] == "quit" {
		s.logger.Info("client requested server shutdown")
		s.respond(conn, shutdownResponse)
		s.shutdown()
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	start := time.Now()
	resp := s.handler.Dispatch(reqCtx, args)
	s.logger.Info("command completed",
		slog.String("command", args[0]),
		slog.Duration("duration", time.Since(start)))

	s.respond(conn, resp)
}

func (s *Server) respond(conn net.Conn, resp string) {
	if _, err := conn.Write([]byte(resp)); err != nil {
		s.logger.Warn("response write failed", slog.Any("error", err))
	}
}

// recoverPanic keeps one bad command from taking the daemon down. The
// client gets an internal-error string and the stack lands in the log.
func (s *Server) recoverPanic(conn net.Conn) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		s.logger.Error("panic recovered in command handler",
			slog.Any("panic", r),
			slog.String("stack", string(buf[:n])))
		s.respond(conn, "ERROR: internal error")
	}
}
