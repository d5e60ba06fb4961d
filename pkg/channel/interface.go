package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Channel is the byte-oriented bus between the host and the secure element.
// Implementations move raw bytes only; framing, retries and error recovery
// belong to the protocol layer above.
type Channel interface {
	// Send writes buf to the bus and returns the number of bytes written.
	// Anything other than len(buf) with a nil error is a failure.
	Send(ctx context.Context, buf []byte) (int, error)

	// Receive fills buf completely from the bus. A short count or an error
	// (including a read deadline expiring) means the bus stayed silent.
	Receive(ctx context.Context, buf []byte) (int, error)

	// Close releases the bus
	Close() error

	// Statistics returns transport-level statistics
	Statistics() TransportStats
}

// Resetter is implemented by channels that can re-arm the underlying link
// (flush a UART, redial a bridge) without being closed.
type Resetter interface {
	Reset(ctx context.Context) error
}

// TransportStats provides transport-level statistics
type TransportStats struct {
	BytesSent     uint64 `json:"bytes_sent"`     // Total bytes sent
	BytesReceived uint64 `json:"bytes_received"` // Total bytes received
	WriteErrors   uint64 `json:"write_errors"`   // Number of write errors
	ReadErrors    uint64 `json:"read_errors"`    // Number of read errors
	Connects      uint64 `json:"connects"`       // Number of connections (for connection-oriented transports)
	Disconnects   uint64 `json:"disconnects"`    // Number of disconnections
}

// Kind selects the backend a Channel is built on
type Kind int

const (
	KindSerial Kind = iota // UART bridge to the secure element
	KindTCP                // TCP bridge
	KindQUIC               // QUIC bridge, one bidirectional stream
)

// String returns string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// ParseKind parses a backend name as used in configuration files
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "serial", "uart":
		return KindSerial, nil
	case "tcp":
		return KindTCP, nil
	case "quic":
		return KindQUIC, nil
	default:
		return 0, fmt.Errorf("channel: unknown kind %q", raw)
	}
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Errors
var (
	ErrClosed        = errors.New("channel: closed")
	ErrNotConnected  = errors.New("channel: not connected")
	ErrInvalidLength = errors.New("channel: zero-length buffer")
	ErrAddress       = errors.New("channel: address is required")
	ErrReadTimeout   = errors.New("channel: read timeout must not be negative")
)
