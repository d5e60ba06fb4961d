// Package device exposes a secure element as a small read/write/control
// surface: reference counted open and close, a framed mode that runs chain
// requests through the T=1 session and buffers the response, and a direct
// mode that bypasses the protocol.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"avaneesh/ese-go/pkg/chain"
	"avaneesh/ese-go/pkg/channel"
	"avaneesh/ese-go/pkg/internal/logger"
	"avaneesh/ese-go/pkg/t1"
)

var (
	ErrNotOpen          = errors.New("device: not open")
	ErrInvalidLength    = errors.New("device: zero length")
	ErrNoResponse       = errors.New("device: no response buffered")
	ErrSizeMismatch     = errors.New("device: read size does not match response")
	ErrResetUnsupported = errors.New("device: interface reset not supported")
	ErrDirectMode       = errors.New("device: operation needs framed mode")
	ErrUnknown          = errors.New("device: unknown device")
)

// Hook is a power or reset action on the physical element
type Hook func(ctx context.Context) error

// Device serializes every operation on one secure element behind a single
// mutex
type Device struct {
	mu sync.Mutex

	ch   channel.Channel
	sess *t1.Session
	tr   *chain.Transceiver
	log  logger.Logger

	powerOn  Hook
	powerOff Hook
	reset    Hook

	maxAgain    int
	maxResponse int

	refs   int
	direct bool
	rsp    []byte
}

// Option configures a Device
type Option func(*Device)

// WithLogger sets the device logger
func WithLogger(l logger.Logger) Option {
	return func(d *Device) {
		d.log = l
	}
}

// WithPowerOn runs fn when the first user opens the device
func WithPowerOn(fn Hook) Option {
	return func(d *Device) {
		d.powerOn = fn
	}
}

// WithPowerOff runs fn when the last user closes the device
func WithPowerOff(fn Hook) Option {
	return func(d *Device) {
		d.powerOff = fn
	}
}

// WithInterfaceReset replaces the interface reset action. By default the
// channel is reset when it implements channel.Resetter.
func WithInterfaceReset(fn Hook) Option {
	return func(d *Device) {
		d.reset = fn
	}
}

// WithMaxAgain bounds how often one chain sub-command may be resent
func WithMaxAgain(n int) Option {
	return func(d *Device) {
		d.maxAgain = n
	}
}

// WithMaxResponse caps the merged response of one chain request
func WithMaxResponse(n int) Option {
	return func(d *Device) {
		d.maxResponse = n
	}
}

// New creates a device speaking through sess, whose raw channel is ch
func New(ch channel.Channel, sess *t1.Session, opts ...Option) *Device {
	d := &Device{
		ch:   ch,
		sess: sess,
		log:  logger.GetDefault(),

		maxAgain: chain.DefaultMaxAgain,
	}
	if r, ok := ch.(channel.Resetter); ok {
		d.reset = r.Reset
	}

	for _, opt := range opts {
		opt(d)
	}
	d.tr = chain.NewTransceiver(sess, d.log)
	d.tr.MaxAgain = d.maxAgain
	d.tr.MaxResponse = d.maxResponse
	return d
}

// Open takes a reference. The first reference resets the protocol and
// powers the element on.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.refs == 0 {
		d.sess.Reset()
		if d.powerOn != nil {
			if err := d.powerOn(ctx); err != nil {
				d.log.Error("device: power on failed: %v", err)
				return fmt.Errorf("device: power on: %w", err)
			}
		}
		d.log.Info("device: opened")
	}
	d.refs++
	return nil
}

// Close drops a reference. The last reference powers the element off.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.refs == 0 {
		return ErrNotOpen
	}
	d.refs--

	if d.refs == 0 {
		d.rsp = nil
		if d.powerOff != nil {
			if err := d.powerOff(ctx); err != nil {
				d.log.Error("device: power off failed: %v", err)
				return fmt.Errorf("device: power off: %w", err)
			}
		}
		d.log.Info("device: closed")
	}
	return nil
}

// RefCount returns the number of open references
func (d *Device) RefCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs
}

// Write sends cmd. In direct mode the bytes go to the channel unchanged;
// otherwise cmd is a chain request whose merged response is buffered for
// Read. Any previously buffered response is dropped first.
func (d *Device) Write(ctx context.Context, cmd []byte) (int, error) {
	if len(cmd) == 0 {
		return 0, ErrInvalidLength
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.refs == 0 {
		return 0, ErrNotOpen
	}
	d.rsp = nil

	if d.direct {
		n, err := d.ch.Send(ctx, cmd)
		if err != nil {
			d.log.Error("device: direct send failed: %v", err)
			return 0, fmt.Errorf("%w: %w", t1.ErrSendFailed, err)
		}
		return n, nil
	}

	rsp, err := d.tr.Transceive(ctx, cmd)
	if err != nil {
		d.log.Error("device: transceive failed: %v", err)
		return 0, err
	}
	d.rsp = rsp
	d.log.Debug("device: write %d bytes, response %d bytes", len(cmd), len(rsp))
	return len(cmd), nil
}

// Read returns n bytes. In direct mode they come straight from the channel;
// otherwise n must equal ResponseSize and the buffered response is handed
// over. A size mismatch discards the buffered response.
func (d *Device) Read(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrInvalidLength
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.refs == 0 {
		return nil, ErrNotOpen
	}

	if d.direct {
		buf := make([]byte, n)
		if _, err := d.ch.Receive(ctx, buf); err != nil {
			d.log.Error("device: direct receive failed: %v", err)
			return nil, fmt.Errorf("%w: %w", t1.ErrReceiveFailed, err)
		}
		return buf, nil
	}

	if len(d.rsp) == 0 {
		return nil, ErrNoResponse
	}

	rsp := d.rsp
	d.rsp = nil
	if len(rsp) != n {
		d.log.Error("device: mismatch response size %d, read %d", len(rsp), n)
		return nil, fmt.Errorf("%w: have %d, asked %d", ErrSizeMismatch, len(rsp), n)
	}
	return rsp, nil
}

// Transceive runs a chain request and returns its merged response directly,
// so a Write and Read pair cannot interleave with another user
func (d *Device) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	if len(cmd) == 0 {
		return nil, ErrInvalidLength
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.refs == 0 {
		return nil, ErrNotOpen
	}
	if d.direct {
		return nil, ErrDirectMode
	}
	d.rsp = nil

	rsp, err := d.tr.Transceive(ctx, cmd)
	if err != nil {
		d.log.Error("device: transceive failed: %v", err)
		return nil, err
	}
	return rsp, nil
}

// ResponseSize returns the size of the buffered response
func (d *Device) ResponseSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rsp)
}

// SetDirect switches between direct and framed mode
func (d *Device) SetDirect(direct bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.direct = direct
	d.log.Info("device: set direct %t", direct)
}

// Direct reports whether the device is in direct mode
func (d *Device) Direct() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.direct
}

// ResetProtocol re-arms the T=1 state machine
func (d *Device) ResetProtocol() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log.Info("device: reset protocol")
	d.sess.Reset()
}

// ResetInterface resets the physical interface, then the protocol
func (d *Device) ResetInterface(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Info("device: reset interface")
	if d.reset == nil {
		return ErrResetUnsupported
	}
	if err := d.reset(ctx); err != nil {
		return fmt.Errorf("device: interface reset: %w", err)
	}
	d.sess.Reset()
	return nil
}

// State returns the protocol state
func (d *Device) State() t1.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess.State()
}

// Statistics returns the session and transport counters
func (d *Device) Statistics() (t1.StatisticsSnapshot, channel.TransportStats) {
	return d.sess.Statistics().Snapshot(), d.ch.Statistics()
}

// Session returns the underlying T=1 session. Callers must not drive it
// while the device is in use.
func (d *Device) Session() *t1.Session {
	return d.sess
}

// Shutdown closes the session and the channel
func (d *Device) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.refs = 0
	d.rsp = nil
	d.sess.Close()
	return d.ch.Close()
}
