// Package server accepts raw TCP device traffic and runs one handler
// goroutine per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"fleetpulse/internal/cache"
	"fleetpulse/internal/core/store"
	"fleetpulse/internal/metrics"
	"fleetpulse/internal/protocol"
)

var logger = log.WithPrefix("server")

type Options struct {
	Addr           string
	BufferSize     int
	MaxConnections int
	IdleTimeout    time.Duration
}

type TCPServer struct {
	addr           string
	bufferSize     int
	maxConnections int
	idleTimeout    time.Duration

	registry store.DeviceRegistry
	sink     store.TelemetrySink
	cache    *cache.Cache
	router   *protocol.Router

	listener net.Listener
	wg       sync.WaitGroup

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
}

func NewTCPServer(opts Options, registry store.DeviceRegistry, sink store.TelemetrySink, c *cache.Cache) *TCPServer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4096
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1000
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	return &TCPServer{
		addr:           opts.Addr,
		bufferSize:     opts.BufferSize,
		maxConnections: opts.MaxConnections,
		idleTimeout:    opts.IdleTimeout,
		registry:       registry,
		sink:           sink,
		cache:          c,
		router:         protocol.NewRouter(),
		conns:          make(map[net.Conn]struct{}),
	}
}

func (s *TCPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tcp listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	logger.Info("listening for device connections", "addr", ln.Addr().String())
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, useful when Options.Addr asked for
// port 0.
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("accept failed", "err", err)
			continue
		}
		if !s.track(conn) {
			metrics.RejectedConnections.Inc()
			logger.Warn("connection cap reached, closing", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		go func() {
			defer s.untrack(conn)
			newConnHandler(s, conn).handle()
		}()
	}
}

// track admits a connection unless the server is draining or at capacity.
func (s *TCPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || len(s.conns) >= s.maxConnections {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *TCPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// ConnCount reports the connections currently admitted.
func (s *TCPServer) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, then waits for live sessions to drain until ctx
// expires, at which point the stragglers are force-closed.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all device sessions drained")
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	remaining := len(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	logger.Warn("grace period expired, forcing sessions closed", "count", remaining)
	s.wg.Wait()
	return ctx.Err()
}
