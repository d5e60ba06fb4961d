// Package bridge exposes a local secure element bus to remote hosts. A
// remote host dials the bridge with a TCP or QUIC channel and the bridge
// relays raw bus bytes, so the T=1 session still runs on the remote side.
//
// The bus is exclusive: the bridge serves one connection at a time and
// queues the next until the current one ends.
package bridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"avaneesh/ese-go/pkg/channel"
	"avaneesh/ese-go/pkg/internal/logger"
)

// Handler serves one connection until it ends or ctx is done
type Handler func(ctx context.Context, rw io.ReadWriter) error

// Relay copies bytes between each connection and port. Port reads should
// time out periodically so the port side notices when the host leaves;
// bytes read after that are dropped. An empty read from the port (a serial
// read timeout) is not the end of the port.
func Relay(port io.ReadWriter) Handler {
	return func(ctx context.Context, rw io.ReadWriter) error {
		done := make(chan struct{})
		defer close(done)

		errCh := make(chan error, 2)
		go func() {
			errCh <- pump(done, port, rw, false)
		}()
		go func() {
			errCh <- pump(done, rw, port, true)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func pump(done <-chan struct{}, dst io.Writer, src io.Reader, idleEOF bool) error {
	buf := make([]byte, 512)
	for {
		n, err := src.Read(buf)
		select {
		case <-done:
			return nil
		default:
		}
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if idleEOF && n == 0 && errors.Is(err, io.EOF) {
				continue
			}
			return err
		}
	}
}

// Server accepts remote hosts and hands each one to the handler in turn
type Server struct {
	handler Handler
	log     logger.Logger

	mu     sync.Mutex
	busy   sync.Mutex
	stop   []func() error
	closed bool
}

// New creates a bridge server
func New(handler Handler, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Server{handler: handler, log: log}
}

// ServeTCP accepts connections on ln until ctx is done or ln is closed
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	if !s.onStop(ln.Close) {
		return ln.Close()
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("bridge: accept: %w", err)
		}
		s.log.Info("bridge: tcp host %s connected", conn.RemoteAddr())
		go func() {
			defer conn.Close()
			s.serve(ctx, conn, conn.RemoteAddr().String())
		}()
	}
}

// ServeQUIC accepts connections on ln until ctx is done or ln is closed.
// Each connection carries its bus bytes on the first bidirectional stream.
func (s *Server) ServeQUIC(ctx context.Context, ln *quic.Listener) error {
	if !s.onStop(ln.Close) {
		return ln.Close()
	}

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("bridge: accept: %w", err)
		}
		s.log.Info("bridge: quic host %s connected", conn.RemoteAddr())
		go func() {
			defer conn.CloseWithError(0, "")
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				s.log.Warn("bridge: quic host %s opened no stream: %v", conn.RemoteAddr(), err)
				return
			}
			defer stream.Close()
			s.serve(ctx, stream, conn.RemoteAddr().String())
		}()
	}
}

// ListenQUIC listens on addr with tlsConfig, or a self-signed certificate
// when tlsConfig is nil
func ListenQUIC(addr string, tlsConfig *tls.Config) (*quic.Listener, error) {
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = channel.SelfSignedTLSConfig(); err != nil {
			return nil, fmt.Errorf("bridge: certificate: %w", err)
		}
	}
	ln, err := quic.ListenAddr(addr, tlsConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: listen %s: %w", addr, err)
	}
	return ln, nil
}

// Close stops every listener the server was given
func (s *Server) Close() error {
	s.mu.Lock()
	stops := s.stop
	s.stop = nil
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, stop := range stops {
		if err := stop(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// onStop registers a listener's close function, reporting false when the
// server is already closed
func (s *Server) onStop(fn func() error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.stop = append(s.stop, fn)
	return true
}

func (s *Server) serve(ctx context.Context, rw io.ReadWriter, remote string) {
	s.busy.Lock()
	defer s.busy.Unlock()

	err := s.handler(ctx, rw)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
		s.log.Info("bridge: host %s done", remote)
	default:
		s.log.Warn("bridge: host %s: %v", remote, err)
	}
}
