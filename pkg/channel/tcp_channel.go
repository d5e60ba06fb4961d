package channel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCPChannel implements Channel over a TCP bridge that relays raw bus bytes
type TCPChannel struct {
	// Connection
	conn     net.Conn
	connLock sync.Mutex

	// Configuration
	address      string
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	stats  counters
	closed atomic.Bool
}

// NewTCPChannel creates a new TCP channel and dials the bridge
func NewTCPChannel(config Config) (*TCPChannel, error) {
	if config.Address == "" {
		return nil, ErrAddress
	}

	// Set defaults
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = time.Second
	}

	tc := &TCPChannel{
		address:      config.Address,
		dialTimeout:  config.DialTimeout,
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
	}

	tc.connLock.Lock()
	defer tc.connLock.Unlock()
	if err := tc.dialLocked(context.Background()); err != nil {
		return nil, err
	}

	return tc, nil
}

// dialLocked establishes a connection to the bridge; connLock must be held
func (tc *TCPChannel) dialLocked(ctx context.Context) error {
	dialer := net.Dialer{Timeout: tc.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", tc.address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", tc.address, err)
	}
	tc.conn = conn
	tc.stats.connects.Add(1)
	return nil
}

// connection returns the live connection, redialing after a previous failure
func (tc *TCPChannel) connection(ctx context.Context) (net.Conn, error) {
	if tc.closed.Load() {
		return nil, ErrClosed
	}
	if tc.conn == nil {
		if err := tc.dialLocked(ctx); err != nil {
			return nil, err
		}
	}
	return tc.conn, nil
}

// Send implements Channel.Send
func (tc *TCPChannel) Send(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidLength
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tc.connLock.Lock()
	defer tc.connLock.Unlock()

	conn, err := tc.connection(ctx)
	if err != nil {
		tc.stats.writeErrors.Add(1)
		return 0, err
	}

	conn.SetWriteDeadline(deadline(ctx, tc.writeTimeout))
	n, err := conn.Write(buf)
	tc.stats.bytesSent.Add(uint64(n))
	if err != nil {
		tc.stats.writeErrors.Add(1)
		tc.dropLocked()
		return n, err
	}
	return n, nil
}

// Receive implements Channel.Receive. A read deadline expiring is reported
// as an error but keeps the connection, since an idle element is normal.
func (tc *TCPChannel) Receive(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidLength
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tc.connLock.Lock()
	defer tc.connLock.Unlock()

	conn, err := tc.connection(ctx)
	if err != nil {
		tc.stats.readErrors.Add(1)
		return 0, err
	}

	conn.SetReadDeadline(deadline(ctx, tc.readTimeout))
	n, err := io.ReadFull(conn, buf)
	tc.stats.bytesReceived.Add(uint64(n))
	if err != nil {
		tc.stats.readErrors.Add(1)
		if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
			tc.dropLocked()
		}
		return n, err
	}
	return n, nil
}

// Reset drops the current connection and dials the bridge again
func (tc *TCPChannel) Reset(ctx context.Context) error {
	tc.connLock.Lock()
	defer tc.connLock.Unlock()

	if tc.closed.Load() {
		return ErrClosed
	}
	tc.dropLocked()
	return tc.dialLocked(ctx)
}

// dropLocked closes the connection; connLock must be held
func (tc *TCPChannel) dropLocked() {
	if tc.conn != nil {
		tc.conn.Close()
		tc.stats.disconnects.Add(1)
		tc.conn = nil
	}
}

// Close implements Channel.Close
func (tc *TCPChannel) Close() error {
	if !tc.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	tc.connLock.Lock()
	defer tc.connLock.Unlock()
	tc.dropLocked()
	return nil
}

// Statistics implements Channel.Statistics
func (tc *TCPChannel) Statistics() TransportStats {
	return tc.stats.snapshot()
}

// RemoteAddr returns the remote address of the connection
func (tc *TCPChannel) RemoteAddr() net.Addr {
	tc.connLock.Lock()
	defer tc.connLock.Unlock()
	if tc.conn != nil {
		return tc.conn.RemoteAddr()
	}
	return nil
}
