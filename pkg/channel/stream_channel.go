package channel

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// StreamChannel adapts any io.ReadWriter (a pipe, a character device, a
// custom bus driver) to Channel. Deadlines are applied when the stream
// supports them.
type StreamChannel struct {
	rw           io.ReadWriter
	readTimeout  time.Duration
	writeTimeout time.Duration
	stats        counters
	closed       atomic.Bool
}

// NewStream wraps rw as a Channel with no deadlines
func NewStream(rw io.ReadWriter) *StreamChannel {
	return &StreamChannel{rw: rw}
}

// NewStreamWithTimeouts wraps rw and applies the given deadlines when rw supports them
func NewStreamWithTimeouts(rw io.ReadWriter, readTimeout, writeTimeout time.Duration) *StreamChannel {
	return &StreamChannel{rw: rw, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

// Send implements Channel.Send
func (sc *StreamChannel) Send(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidLength
	}
	if sc.closed.Load() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if wd, ok := sc.rw.(writeDeadliner); ok {
		wd.SetWriteDeadline(deadline(ctx, sc.writeTimeout))
	}

	n, err := sc.rw.Write(buf)
	sc.stats.bytesSent.Add(uint64(n))
	if err != nil {
		sc.stats.writeErrors.Add(1)
		return n, err
	}
	return n, nil
}

// Receive implements Channel.Receive
func (sc *StreamChannel) Receive(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidLength
	}
	if sc.closed.Load() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if rd, ok := sc.rw.(readDeadliner); ok {
		rd.SetReadDeadline(deadline(ctx, sc.readTimeout))
	}

	n, err := io.ReadFull(sc.rw, buf)
	sc.stats.bytesReceived.Add(uint64(n))
	if err != nil {
		sc.stats.readErrors.Add(1)
		return n, err
	}
	return n, nil
}

// Close implements Channel.Close
func (sc *StreamChannel) Close() error {
	if !sc.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c, ok := sc.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Statistics implements Channel.Statistics
func (sc *StreamChannel) Statistics() TransportStats {
	return sc.stats.snapshot()
}
