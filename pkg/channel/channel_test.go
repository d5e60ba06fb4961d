package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
)

// TestParseKind tests backend name parsing
func TestParseKind(t *testing.T) {
	tests := []struct {
		raw     string
		want    Kind
		wantErr bool
	}{
		{"serial", KindSerial, false},
		{"UART", KindSerial, false},
		{" tcp ", KindTCP, false},
		{"quic", KindQUIC, false},
		{"udp", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseKind(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseKind(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

// TestKindText tests the text round trip used by the config loader
func TestKindText(t *testing.T) {
	var k Kind
	if err := k.UnmarshalText([]byte("quic")); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	text, _ := k.MarshalText()
	if string(text) != "quic" {
		t.Errorf("MarshalText = %q, want quic", text)
	}
}

// TestNewRequiresAddress tests the factory rejects an empty address
func TestNewRequiresAddress(t *testing.T) {
	_, err := New(Config{Kind: KindTCP})
	if !errors.Is(err, ErrAddress) {
		t.Errorf("New error = %v, want ErrAddress", err)
	}
}

// TestDeadline tests the earlier of timeout and context deadline wins
func TestDeadline(t *testing.T) {
	if d := deadline(context.Background(), 0); !d.IsZero() {
		t.Errorf("deadline with no timeout = %v, want zero", d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ctxDeadline, _ := ctx.Deadline()

	if d := deadline(ctx, time.Hour); !d.Equal(ctxDeadline) {
		t.Errorf("deadline = %v, want context deadline %v", d, ctxDeadline)
	}
	if d := deadline(ctx, 0); !d.Equal(ctxDeadline) {
		t.Errorf("deadline without timeout = %v, want context deadline", d)
	}
}

// TestStreamChannelSendReceive tests exact-length transfers over a pipe
func TestStreamChannelSendReceive(t *testing.T) {
	host, card := net.Pipe()
	defer card.Close()

	ch := NewStreamWithTimeouts(host, time.Second, time.Second)
	defer ch.Close()

	go func() {
		buf := make([]byte, 4)
		io.ReadFull(card, buf)
		card.Write([]byte{0x21, 0x00, 0x00, 0x21})
	}()

	ctx := context.Background()
	n, err := ch.Send(ctx, []byte{0x12, 0x00, 0x00, 0x12})
	if err != nil || n != 4 {
		t.Fatalf("Send = %d, %v", n, err)
	}

	buf := make([]byte, 4)
	n, err = ch.Receive(ctx, buf)
	if err != nil || n != 4 {
		t.Fatalf("Receive = %d, %v", n, err)
	}
	if !bytes.Equal(buf, []byte{0x21, 0x00, 0x00, 0x21}) {
		t.Errorf("Receive data = % X", buf)
	}

	stats := ch.Statistics()
	if stats.BytesSent != 4 || stats.BytesReceived != 4 {
		t.Errorf("Statistics = %+v", stats)
	}
}

// TestStreamChannelSilence tests a silent peer surfaces as a read error
func TestStreamChannelSilence(t *testing.T) {
	host, card := net.Pipe()
	defer card.Close()

	ch := NewStreamWithTimeouts(host, 20*time.Millisecond, 0)
	defer ch.Close()

	buf := make([]byte, 1)
	n, err := ch.Receive(context.Background(), buf)
	if err == nil || n != 0 {
		t.Fatalf("Receive on silent pipe = %d, %v; want error", n, err)
	}
	if ch.Statistics().ReadErrors != 1 {
		t.Errorf("ReadErrors = %d, want 1", ch.Statistics().ReadErrors)
	}
}

// TestStreamChannelClosed tests operations after Close
func TestStreamChannelClosed(t *testing.T) {
	host, card := net.Pipe()
	defer card.Close()

	ch := NewStream(host)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Second close is a no-op
	if err := ch.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}

	if _, err := ch.Send(context.Background(), []byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close = %v, want ErrClosed", err)
	}
	if _, err := ch.Receive(context.Background(), make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive after close = %v, want ErrClosed", err)
	}
}

// TestStreamChannelZeroLength tests empty buffers are rejected
func TestStreamChannelZeroLength(t *testing.T) {
	ch := NewStream(&bytes.Buffer{})
	if _, err := ch.Send(context.Background(), nil); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("Send(nil) = %v, want ErrInvalidLength", err)
	}
	if _, err := ch.Receive(context.Background(), nil); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("Receive(nil) = %v, want ErrInvalidLength", err)
	}
}

// TestTCPChannel tests the TCP bridge backend against a local echo listener
func TestTCPChannel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	cfg := DefaultConfig(KindTCP, ln.Addr().String())
	ch, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer ch.Close()

	ctx := context.Background()
	payload := []byte{0x12, 0x00, 0x05, 0x00, 0xA4, 0x04, 0x00, 0x02, 0xB5}
	if n, err := ch.Send(ctx, payload); err != nil || n != len(payload) {
		t.Fatalf("Send = %d, %v", n, err)
	}

	buf := make([]byte, len(payload))
	if n, err := ch.Receive(ctx, buf); err != nil || n != len(payload) {
		t.Fatalf("Receive = %d, %v", n, err)
	}
	if !bytes.Equal(buf, payload) {
		t.Errorf("echo = % X, want % X", buf, payload)
	}

	// Reset redials the bridge
	resetter, ok := ch.(Resetter)
	if !ok {
		t.Fatal("TCP channel does not implement Resetter")
	}
	if err := resetter.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	stats := ch.Statistics()
	if stats.Connects != 2 || stats.Disconnects != 1 {
		t.Errorf("Connects/Disconnects = %d/%d, want 2/1", stats.Connects, stats.Disconnects)
	}
}

// TestTCPChannelReadTimeoutKeepsConnection tests an idle bridge does not force a redial
func TestTCPChannelReadTimeoutKeepsConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	cfg := DefaultConfig(KindTCP, ln.Addr().String())
	cfg.ReadTimeout = 20 * time.Millisecond
	ch, err := NewTCPChannel(cfg)
	if err != nil {
		t.Fatalf("NewTCPChannel failed: %v", err)
	}
	defer ch.Close()

	if _, err := ch.Receive(context.Background(), make([]byte, 1)); err == nil {
		t.Fatal("Receive on idle bridge succeeded")
	}
	if ch.RemoteAddr() == nil {
		t.Error("connection dropped after read timeout")
	}
	if d := ch.Statistics().Disconnects; d != 0 {
		t.Errorf("Disconnects = %d, want 0", d)
	}
}

// TestQUICChannel tests the QUIC bridge backend against a local echo listener
func TestQUICChannel(t *testing.T) {
	serverTLS, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatalf("SelfSignedTLSConfig failed: %v", err)
	}

	ln, err := quic.ListenAddr("127.0.0.1:0", serverTLS, nil)
	if err != nil {
		t.Fatalf("ListenAddr failed: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		io.Copy(stream, stream)
	}()

	cfg := DefaultConfig(KindQUIC, ln.Addr().String())
	cfg.Insecure = true
	ch, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer ch.Close()

	payload := []byte{0x12, 0xC0, 0x00, 0xD2}
	if n, err := ch.Send(ctx, payload); err != nil || n != len(payload) {
		t.Fatalf("Send = %d, %v", n, err)
	}

	buf := make([]byte, len(payload))
	if n, err := ch.Receive(ctx, buf); err != nil || n != len(payload) {
		t.Fatalf("Receive = %d, %v", n, err)
	}
	if !bytes.Equal(buf, payload) {
		t.Errorf("echo = % X, want % X", buf, payload)
	}
	if c := ch.Statistics().Connects; c != 1 {
		t.Errorf("Connects = %d, want 1", c)
	}
}

// TestSerialConfigDefaults tests that the serial port never gets a
// blocking read timeout
func TestSerialConfigDefaults(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		want    time.Duration
		wantErr error
	}{
		{"zero timeout", Config{Kind: KindSerial, Address: "/dev/ttyS0"}, time.Second, nil},
		{"explicit timeout", Config{Kind: KindSerial, Address: "/dev/ttyS0", ReadTimeout: 250 * time.Millisecond}, 250 * time.Millisecond, nil},
		{"negative timeout", Config{Kind: KindSerial, Address: "/dev/ttyS0", ReadTimeout: -time.Second}, 0, ErrReadTimeout},
		{"no address", Config{Kind: KindSerial}, 0, ErrAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := serialConfig(tt.config)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("serialConfig error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("serialConfig failed: %v", err)
			}
			if got.ReadTimeout != tt.want {
				t.Errorf("ReadTimeout = %v, want %v", got.ReadTimeout, tt.want)
			}
			if got.Baud != 115200 {
				t.Errorf("Baud = %d, want 115200", got.Baud)
			}
		})
	}
}

// timeoutPort returns its chunks one read at a time, then behaves like a
// serial port whose read timeout expired
type timeoutPort struct {
	chunks [][]byte
	reads  int
}

func (p *timeoutPort) Read(buf []byte) (int, error) {
	p.reads++
	if len(p.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(buf, p.chunks[0])
	p.chunks = p.chunks[1:]
	return n, nil
}

// TestReadFull tests the serial read loop against a port that goes quiet
func TestReadFull(t *testing.T) {
	t.Run("chunks", func(t *testing.T) {
		port := &timeoutPort{chunks: [][]byte{{0x21}, {0x00, 0x02}}}
		buf := make([]byte, 3)
		n, err := readFull(context.Background(), port, buf)
		if err != nil || n != 3 {
			t.Fatalf("readFull = %d, %v", n, err)
		}
		if !bytes.Equal(buf, []byte{0x21, 0x00, 0x02}) {
			t.Errorf("buf = % X", buf)
		}
	})

	t.Run("silent", func(t *testing.T) {
		port := &timeoutPort{chunks: [][]byte{{0x21}}}
		n, err := readFull(context.Background(), port, make([]byte, 3))
		if n != 1 || !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("readFull = %d, %v, want 1, ErrUnexpectedEOF", n, err)
		}
		if port.reads != 2 {
			t.Errorf("reads = %d, want 2", port.reads)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		port := &timeoutPort{chunks: [][]byte{{0x21}}}
		if _, err := readFull(ctx, port, make([]byte, 1)); !errors.Is(err, context.Canceled) {
			t.Fatalf("readFull error = %v, want context.Canceled", err)
		}
		if port.reads != 0 {
			t.Errorf("reads = %d, want 0", port.reads)
		}
	})
}
