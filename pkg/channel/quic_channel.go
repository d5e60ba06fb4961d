package channel

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated with a QUIC bridge
const ALPN = "ese-t1"

// QUICChannel implements Channel over a single bidirectional QUIC stream to a
// bridge that relays raw bus bytes.
type QUICChannel struct {
	// Connection
	udpConn    *net.UDPConn
	connection *quic.Conn
	stream     *quic.Stream
	connLock   sync.Mutex

	// Configuration
	address      string
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	tlsConfig    *tls.Config

	stats  counters
	closed atomic.Bool
}

// NewQUICChannel creates a new QUIC channel and opens its stream
func NewQUICChannel(config Config) (*QUICChannel, error) {
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

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{InsecureSkipVerify: config.Insecure}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{ALPN}
	}

	qc := &QUICChannel{
		address:      config.Address,
		dialTimeout:  config.DialTimeout,
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
		tlsConfig:    tlsConfig,
	}

	qc.connLock.Lock()
	defer qc.connLock.Unlock()
	if err := qc.connectLocked(context.Background()); err != nil {
		return nil, err
	}

	return qc, nil
}

// SelfSignedTLSConfig generates a server TLS config with a throwaway
// certificate, for bridges and tests.
func SelfSignedTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ALPN},
	}, nil
}

// connectLocked dials the bridge and opens the stream; connLock must be held
func (qc *QUICChannel) connectLocked(ctx context.Context) error {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}

	// Resolve the remote address
	remoteAddr, err := net.ResolveUDPAddr("udp", qc.address)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to resolve remote address %s: %w", qc.address, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, qc.dialTimeout)
	defer cancel()

	conn, err := quic.Dial(dialCtx, udpConn, remoteAddr, qc.tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to connect to %s: %w", qc.address, err)
	}

	// Open a stream
	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		udpConn.Close()
		return fmt.Errorf("failed to open stream: %w", err)
	}

	qc.udpConn = udpConn
	qc.connection = conn
	qc.stream = stream
	qc.stats.connects.Add(1)
	return nil
}

// dropLocked tears down the stream and connection; connLock must be held
func (qc *QUICChannel) dropLocked(reason string) {
	if qc.stream != nil {
		qc.stream.Close()
		qc.stream = nil
	}
	if qc.connection != nil {
		qc.connection.CloseWithError(0, reason)
		qc.connection = nil
		qc.stats.disconnects.Add(1)
	}
	if qc.udpConn != nil {
		qc.udpConn.Close()
		qc.udpConn = nil
	}
}

// streamLocked returns the live stream, reconnecting after a previous failure
func (qc *QUICChannel) streamLocked(ctx context.Context) (*quic.Stream, error) {
	if qc.closed.Load() {
		return nil, ErrClosed
	}
	if qc.stream == nil {
		if err := qc.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	return qc.stream, nil
}

// Send implements Channel.Send
func (qc *QUICChannel) Send(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidLength
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	qc.connLock.Lock()
	defer qc.connLock.Unlock()

	stream, err := qc.streamLocked(ctx)
	if err != nil {
		qc.stats.writeErrors.Add(1)
		return 0, err
	}

	stream.SetWriteDeadline(deadline(ctx, qc.writeTimeout))
	n, err := stream.Write(buf)
	qc.stats.bytesSent.Add(uint64(n))
	if err != nil {
		qc.stats.writeErrors.Add(1)
		qc.dropLocked("write error")
		return n, err
	}
	return n, nil
}

// Receive implements Channel.Receive
func (qc *QUICChannel) Receive(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidLength
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	qc.connLock.Lock()
	defer qc.connLock.Unlock()

	stream, err := qc.streamLocked(ctx)
	if err != nil {
		qc.stats.readErrors.Add(1)
		return 0, err
	}

	stream.SetReadDeadline(deadline(ctx, qc.readTimeout))
	n, err := io.ReadFull(stream, buf)
	qc.stats.bytesReceived.Add(uint64(n))
	if err != nil {
		qc.stats.readErrors.Add(1)
		if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
			qc.dropLocked("read error")
		}
		return n, err
	}
	return n, nil
}

// Reset reconnects to the bridge on a fresh stream
func (qc *QUICChannel) Reset(ctx context.Context) error {
	qc.connLock.Lock()
	defer qc.connLock.Unlock()

	if qc.closed.Load() {
		return ErrClosed
	}
	qc.dropLocked("reset")
	return qc.connectLocked(ctx)
}

// Close implements Channel.Close
func (qc *QUICChannel) Close() error {
	if !qc.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	qc.connLock.Lock()
	defer qc.connLock.Unlock()
	qc.dropLocked("channel closed")
	return nil
}

// Statistics implements Channel.Statistics
func (qc *QUICChannel) Statistics() TransportStats {
	return qc.stats.snapshot()
}
