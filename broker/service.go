// Package broker additionally provides Service, the accept loop that binds
// the routing table (broker.go) and per-connection state machine
// (connection.go) to a TCP listener.
package broker

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ydl-project/ydl/internal/config"
	"github.com/ydl-project/ydl/internal/logger"
	"github.com/ydl-project/ydl/internal/metrics"
)

// BindError reports that the broker could not bind its listening socket.
// Fatal at startup, surfaced to the embedder.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("ydl: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Service is the broker runtime: a routing table plus the TCP accept loop
// that feeds it. The zero value is not usable; construct with New.
type Service struct {
	Table *Table

	log     *logger.Logger
	metrics *metrics.Broker
	cfg     *config.BrokerConfig

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a Service. m may be nil to disable metrics, matching
// Table's own convention.
func New(cfg *config.BrokerConfig, m *metrics.Broker, log *logger.Logger) *Service {
	return &Service{
		Table:   NewTable(m),
		log:     log,
		metrics: m,
		cfg:     cfg,
	}
}

// Serve binds the configured address and runs the accept loop until ctx is
// canceled; accept errors are logged and the loop keeps accepting. It blocks
// forever otherwise. Returns a *BindError if the listen itself fails; returns
// nil on a clean shutdown via ctx cancellation.
func (s *Service) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddr, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("broker listening on %s", addr)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down, closing listener")
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
			}
			s.log.Error("accept: %v", err)
			continue
		}

		c := newConnection(conn, s.Table, s.metrics, s.log, s.cfg.SubscriberQueueSize)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve(s.cfg.HandshakeTimeout)
		}()
	}
}

// Addr returns the listener's bound address, or nil if Serve has not yet
// bound one. Useful in tests that bind an ephemeral port (":0").
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
