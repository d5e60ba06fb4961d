// Package t1 implements the ISO/IEC 7816-3 T=1 block protocol spoken by an
// embedded secure element: block encoding, sequence numbering, chaining of
// long messages and bounded error recovery over a byte channel.
package t1

import (
	"context"
	"fmt"

	"avaneesh/ese-go/pkg/accumulator"
	"avaneesh/ese-go/pkg/channel"
	"avaneesh/ese-go/pkg/internal/logger"
)

// Counters holds the four retry counters of a session
type Counters struct {
	Recovery int // Frame retries
	Timeout  int // Silence retries
	RNACK    int // Corrupt or missing response retries
	WTX      int // Consecutive WTX requests
}

// Session drives one secure element through the T=1 state machine. A
// Session is strictly stop-and-wait and is not safe for concurrent use;
// callers serialize Send/Receive pairs themselves.
type Session struct {
	// Configuration
	sendAddr byte
	recvAddr byte
	ch       channel.Channel
	config   Config
	sleeper  Sleeper
	log      logger.Logger

	// State
	state    State
	lastTx   Frame
	nextTx   Frame
	lastRx   Frame
	lastSent FrameKind // Kind of the last block actually written
	counters Counters
	failure  error // Why the machine was forced to Idle
	closed   bool

	scratch [ScratchSize]byte
	recv    *accumulator.Accumulator

	// Last successful response, for APDUData
	response []byte

	stats *Statistics
}

// Open creates a session bound to ch with fixed node addresses
func Open(sendAddr, recvAddr byte, ch channel.Channel, opts ...Option) *Session {
	s := &Session{
		sendAddr: sendAddr,
		recvAddr: recvAddr,
		ch:       ch,
		config:   DefaultConfig(),
		sleeper:  timerSleeper{},
		log:      logger.GetDefault(),
		recv:     accumulator.New(),
		stats:    NewStatistics(),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.recv.Limit = s.config.MaxResponseSize

	s.resetParams()
	return s
}

// Close releases the session. The channel is owned by the caller and is
// left open.
func (s *Session) Close() {
	s.recv.Delete()
	s.response = nil
	s.state = StateIdle
	s.closed = true
}

// Reset re-arms the state machine: Idle, counters cleared, sequence
// numbers restored and any partial response discarded
func (s *Session) Reset() {
	s.resetParams()
	s.recv.Delete()
	s.response = nil
	s.failure = nil
}

// State returns the current state machine state
func (s *Session) State() State {
	return s.state
}

// Counters returns the current retry counters
func (s *Session) Counters() Counters {
	return s.counters
}

// Statistics returns the session statistics
func (s *Session) Statistics() *Statistics {
	return s.stats
}

// Channel returns the channel the session is bound to
func (s *Session) Channel() channel.Channel {
	return s.ch
}

// Addresses returns the send and receive node addresses
func (s *Session) Addresses() (send, receive byte) {
	return s.sendAddr, s.recvAddr
}

func (s *Session) resetParams() {
	s.state = StateIdle
	s.lastRx = Frame{Kind: KindInvalid}
	s.nextTx = Frame{Kind: KindInvalid}
	s.lastTx = Frame{Kind: KindInvalid}
	// Sequence numbers start at 1 so the first block in each direction carries 0
	s.nextTx.I.Seq = 1
	s.lastRx.I.Seq = 1
	s.lastTx.I.Seq = 1
	s.counters = Counters{}
	s.lastSent = KindUnknown
}

// Send starts a new message when the session is Idle and msg is non-nil,
// then transmits whatever block the state machine has queued
func (s *Session) Send(ctx context.Context, msg []byte) error {
	if s.closed {
		return ErrClosed
	}

	if s.state == StateIdle && msg != nil {
		s.failure = nil
		s.nextTx.I.Data = msg
		s.nextTx.I.Remaining = len(msg)
		s.setIFrame()
		s.stats.IncrementTxMessages()
	}

	if err := s.transmit(ctx); err != nil {
		s.state = StateIdle
		return err
	}
	return nil
}

// Receive runs the state machine until it returns to Idle and hands back
// the reassembled response. When a retry budget runs out, a block cannot be
// sent or ctx is done, the partial response is discarded and the cause is
// returned with a nil buffer.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}

	for {
		if err := ctx.Err(); err != nil {
			s.fail(err)
			break
		}

		s.process(ctx)

		if s.state != StateIdle {
			if err := s.transmit(ctx); err != nil {
				s.log.Error("t1: send failed, going to recovery: %v", err)
				s.fail(err)
			}
		}

		if s.state == StateIdle {
			break
		}
	}

	if s.failure != nil {
		err := s.failure
		s.failure = nil
		s.recv.Delete()
		s.response = nil
		return nil, err
	}

	data, err := s.recv.Get()
	if err != nil {
		s.response = nil
		return nil, err
	}
	s.response = data
	s.stats.IncrementRxMessages()
	return data, nil
}

// Transceive sends msg and waits for the response
func (s *Session) Transceive(ctx context.Context, msg []byte) ([]byte, error) {
	if err := s.Send(ctx, msg); err != nil {
		return nil, err
	}
	return s.Receive(ctx)
}

// fail forces the machine to Idle and records why
func (s *Session) fail(cause error) {
	s.state = StateIdle
	if s.failure == nil {
		s.failure = cause
		s.stats.IncrementFailures()
	}
}

// setIFrame prepares the first block of a new message
func (s *Session) setIFrame() {
	s.nextTx.Kind = KindI
	s.nextTx.I.Offset = 0
	s.nextTx.I.Seq = s.lastTx.I.Seq ^ 1
	s.state = StateSendIFrame

	if s.nextTx.I.Remaining > MaxInfoSize {
		s.nextTx.I.Chain = true
		s.nextTx.I.SendSize = MaxInfoSize
		s.nextTx.I.Remaining -= MaxInfoSize
	} else {
		s.nextTx.I.Chain = false
		s.nextTx.I.SendSize = s.nextTx.I.Remaining
		s.nextTx.I.Remaining = 0
	}
}

// nextIFrame prepares the block following an acknowledged chained block
func (s *Session) nextIFrame() {
	s.nextTx.Kind = KindI
	s.state = StateSendIFrame

	s.nextTx.I.Seq = s.lastTx.I.Seq ^ 1
	s.nextTx.I.Offset = s.lastTx.I.Offset + MaxInfoSize
	s.nextTx.I.Data = s.lastTx.I.Data

	if s.lastTx.I.Remaining > MaxInfoSize {
		s.nextTx.I.Chain = true
		s.nextTx.I.SendSize = MaxInfoSize
		s.nextTx.I.Remaining = s.lastTx.I.Remaining - MaxInfoSize
	} else {
		s.nextTx.I.Chain = false
		s.nextTx.I.SendSize = s.lastTx.I.Remaining
		s.nextTx.I.Remaining = 0
	}
}

// finishRecovery abandons the exchange after the frame budget runs out
func (s *Session) finishRecovery(cause error) {
	s.log.Error("t1: finish recovery, set state to Idle")
	s.counters.Recovery = 0
	s.fail(exhausted(cause))
}

// transmit records the queued block as last sent and writes it
func (s *Session) transmit(ctx context.Context) error {
	s.lastTx = s.nextTx

	switch s.state {
	case StateSendIFrame:
		return s.sendIFrame(ctx)
	case StateSendRFrame:
		return s.sendRFrame(ctx)
	case StateSendSFrame:
		return s.sendSFrame(ctx)
	default:
		s.state = StateIdle
		return fmt.Errorf("%w: nothing to send in state %s", ErrFailed, s.state)
	}
}

func (s *Session) sendIFrame(ctx context.Context) error {
	raw, err := Encode(s.sendAddr, &s.nextTx)
	if err != nil {
		return err
	}
	s.lastSent = KindI
	logger.Frame(s.log, "S_IFRAME", raw[:HeaderSize])
	return s.write(ctx, KindI, raw)
}

func (s *Session) sendRFrame(ctx context.Context) error {
	f := Frame{
		Kind: KindR,
		R: RFrame{
			Seq:   s.lastRx.I.Seq ^ 1,
			Error: s.nextTx.R.Error,
		},
	}
	if f.R.Error == RErrNone {
		s.lastSent = KindR
	}

	raw, err := Encode(s.sendAddr, &f)
	if err != nil {
		return err
	}
	logger.Frame(s.log, "S_RFRAME", raw)
	return s.write(ctx, KindR, raw)
}

func (s *Session) sendSFrame(ctx context.Context) error {
	s.lastSent = KindS
	raw, err := Encode(s.sendAddr, &s.nextTx)
	if err != nil {
		return err
	}
	logger.Frame(s.log, "S_SFRAME", raw)
	return s.write(ctx, KindS, raw)
}

func (s *Session) write(ctx context.Context, kind FrameKind, raw []byte) error {
	n, err := s.ch.Send(ctx, raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if n != len(raw) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrSendFailed, n, len(raw))
	}
	s.stats.IncrementTx(kind)
	return nil
}

// ResyncRequest sends an S(RESYNCH request) block
func (s *Session) ResyncRequest(ctx context.Context) error {
	return s.sendSupervisory(ctx, SResyncRequest, nil)
}

// ResyncResponse waits for the S(RESYNCH response) block. On success the
// sequence numbers in both directions start over.
func (s *Session) ResyncResponse(ctx context.Context) error {
	return s.awaitSupervisory(ctx, SResyncResponse)
}

// WTXRequest sends an S(WTX request) block asking for ms milliseconds
func (s *Session) WTXRequest(ctx context.Context, ms uint32) error {
	return s.sendSupervisory(ctx, SWTXRequest, NewWTXPayload(ms))
}

// WTXResponse waits for the S(WTX response) block
func (s *Session) WTXResponse(ctx context.Context) error {
	return s.awaitSupervisory(ctx, SWTXResponse)
}

func (s *Session) sendSupervisory(ctx context.Context, t SType, payload []byte) error {
	if s.closed {
		return ErrClosed
	}
	s.state = StateSendSFrame
	s.nextTx.Kind = KindS
	s.nextTx.S = SFrame{Type: t, Payload: payload}
	if err := s.transmit(ctx); err != nil {
		s.state = StateIdle
		return err
	}
	return nil
}

func (s *Session) awaitSupervisory(ctx context.Context, want SType) error {
	if s.closed {
		return ErrClosed
	}
	s.lastRx.Kind = KindInvalid
	s.process(ctx)
	s.state = StateIdle
	s.failure = nil

	if s.lastRx.Kind != KindS || s.lastRx.S.Type != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidFrame, want, &s.lastRx)
	}
	if want == SResyncResponse {
		s.resetParams()
	}
	return nil
}

// APDUData views the last response as a generic APDU: P3 gives the length
// of the data following the 5-byte header, and le is the byte after the
// data (or P3 itself when there is no data).
func (s *Session) APDUData() (data []byte, le byte, err error) {
	if len(s.response) < APDUHeaderSize {
		return nil, 0, ErrInvalidBuffer
	}

	size := int(s.response[APDUP3Offset])
	if size == 0 {
		return s.response[APDUHeaderSize:APDUHeaderSize], s.response[APDUP3Offset], nil
	}
	if len(s.response) < APDUHeaderSize+size+1 {
		return nil, 0, fmt.Errorf("%w: P3 %d exceeds response of %d bytes",
			ErrInvalidBuffer, size, len(s.response))
	}
	return s.response[APDUHeaderSize : APDUHeaderSize+size], s.response[APDUHeaderSize+size], nil
}
