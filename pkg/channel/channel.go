package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"
)

// Config selects and configures a channel backend
type Config struct {
	Kind         Kind          // Backend kind
	Address      string        // Serial device path, or "host:port" for network bridges
	Baud         int           // Serial baud rate
	ReadTimeout  time.Duration // Per-receive deadline (0 = backend default)
	WriteTimeout time.Duration // Per-send deadline (0 = backend default)
	DialTimeout  time.Duration // Connection timeout for network bridges
	TLSConfig    *tls.Config   // Optional TLS config for QUIC
	Insecure     bool          // Skip certificate verification when TLSConfig is nil
}

// DefaultConfig returns default configuration for the given kind
func DefaultConfig(kind Kind, address string) Config {
	return Config{
		Kind:         kind,
		Address:      address,
		Baud:         115200,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		DialTimeout:  10 * time.Second,
	}
}

// New opens the backend selected by config.Kind
func New(config Config) (Channel, error) {
	if config.Address == "" {
		return nil, ErrAddress
	}

	switch config.Kind {
	case KindSerial:
		return NewSerialChannel(config)
	case KindTCP:
		return NewTCPChannel(config)
	case KindQUIC:
		return NewQUICChannel(config)
	default:
		return nil, fmt.Errorf("channel: unsupported kind %s", config.Kind)
	}
}

// counters holds the atomic statistics shared by every backend
type counters struct {
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	writeErrors   atomic.Uint64
	readErrors    atomic.Uint64
	connects      atomic.Uint64
	disconnects   atomic.Uint64
}

func (c *counters) snapshot() TransportStats {
	return TransportStats{
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesReceived.Load(),
		WriteErrors:   c.writeErrors.Load(),
		ReadErrors:    c.readErrors.Load(),
		Connects:      c.connects.Load(),
		Disconnects:   c.disconnects.Load(),
	}
}

// deadline returns the earlier of now+timeout and the context deadline.
// The zero time means no deadline.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}
