package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

// SerialChannel implements Channel over a UART bridge to the secure element
type SerialChannel struct {
	port     *serial.Port
	portLock sync.Mutex
	config   *serial.Config
	stats    counters
	closed   atomic.Bool
}

// NewSerialChannel opens the serial device named by config.Address. A zero
// ReadTimeout means one second; the port never blocks without a timeout.
func NewSerialChannel(config Config) (*SerialChannel, error) {
	portConfig, err := serialConfig(config)
	if err != nil {
		return nil, err
	}

	sc := &SerialChannel{config: portConfig}
	port, err := serial.OpenPort(sc.config)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", config.Address, err)
	}
	sc.port = port
	sc.stats.connects.Add(1)

	return sc, nil
}

// serialConfig builds the port settings with backend defaults applied
func serialConfig(config Config) (*serial.Config, error) {
	if config.Address == "" {
		return nil, ErrAddress
	}
	if config.ReadTimeout < 0 {
		return nil, fmt.Errorf("%w: %s", ErrReadTimeout, config.ReadTimeout)
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = time.Second
	}
	if config.Baud == 0 {
		config.Baud = 115200
	}

	return &serial.Config{
		Name:        config.Address,
		Baud:        config.Baud,
		ReadTimeout: config.ReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}, nil
}

// Send implements Channel.Send
func (sc *SerialChannel) Send(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidLength
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sc.portLock.Lock()
	defer sc.portLock.Unlock()

	if sc.port == nil {
		return 0, ErrClosed
	}

	n, err := sc.port.Write(buf)
	sc.stats.bytesSent.Add(uint64(n))
	if err != nil {
		sc.stats.writeErrors.Add(1)
		return n, err
	}
	return n, nil
}

// Receive implements Channel.Receive. The port's read timeout bounds each
// underlying read, so a silent element surfaces as a short read.
func (sc *SerialChannel) Receive(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidLength
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sc.portLock.Lock()
	defer sc.portLock.Unlock()

	if sc.port == nil {
		return 0, ErrClosed
	}

	n, err := readFull(ctx, sc.port, buf)
	sc.stats.bytesReceived.Add(uint64(n))
	if err != nil {
		sc.stats.readErrors.Add(1)
		return n, err
	}
	return n, nil
}

// readFull fills buf from r, checking ctx between reads. A read that returns
// nothing (the port timed out) ends it with io.ErrUnexpectedEOF.
func readFull(ctx context.Context, r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		m, err := r.Read(buf[n:])
		n += m
		if n == len(buf) {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return n, err
		}
		if m == 0 {
			return n, io.ErrUnexpectedEOF
		}
	}
	return n, nil
}

// Reset discards anything buffered in the UART
func (sc *SerialChannel) Reset(ctx context.Context) error {
	sc.portLock.Lock()
	defer sc.portLock.Unlock()

	if sc.port == nil {
		return ErrClosed
	}
	return sc.port.Flush()
}

// Close implements Channel.Close
func (sc *SerialChannel) Close() error {
	if !sc.closed.CompareAndSwap(false, true) {
		return nil
	}

	sc.portLock.Lock()
	defer sc.portLock.Unlock()

	if sc.port == nil {
		return nil
	}
	err := sc.port.Close()
	sc.port = nil
	sc.stats.disconnects.Add(1)
	return err
}

// Statistics implements Channel.Statistics
func (sc *SerialChannel) Statistics() TransportStats {
	return sc.stats.snapshot()
}
