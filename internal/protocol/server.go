package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/colmeia/colmeia/internal/log"
)

// Server accepts peer connections and replicates the registry's feeds with
// each of them.
type Server struct {
	listener net.Listener
	registry *Registry
	config   Config

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// Listen starts listening on addr.
func Listen(addr string, registry *Registry, config Config) (*Server, error) {
	lc := net.ListenConfig{KeepAlive: config.KeepAliveInterval}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{
		listener: ln,
		registry: registry,
		config:   config,
		conns:    make(map[*Conn]struct{}),
	}, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until ctx ends. It waits for every connection to
// finish before returning.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.listener.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		conn := NewConn(nc, s.registry, false, s.config)
		s.track(conn, true)
		log.Info().Str("remote", nc.RemoteAddr().String()).Msg("Accepted peer connection")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("Peer connection failed")
			}
		}()
	}
}

func (s *Server) track(c *Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// Conns returns the number of open connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting connections. Open connections end with Serve's
// context.
func (s *Server) Close() error {
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}
