package t1

import (
	"context"
	"errors"
	"fmt"
	"time"

	"avaneesh/ese-go/pkg/internal/logger"
)

var (
	errRecovery = errors.New("frame retries exhausted")
	errSilence  = errors.New("no response")
	errWTXLimit = errors.New("too many consecutive WTX requests")
)

// process reads one block from the element and advances the state machine.
// The returned error describes what was read; the state machine has already
// reacted to it.
func (s *Session) process(ctx context.Context) error {
	s.sleeper.Sleep(ctx, s.config.SettleDelay)

	n, err := s.readBlock(ctx)
	if n > 0 {
		s.counters.Timeout = 0

		var frame *Frame
		if err == nil {
			frame, err = Decode(s.scratch[:n])
		}
		if err == nil {
			s.counters.RNACK = 0
			s.stats.IncrementRx(frame.Kind)
			return s.decodeFrame(ctx, frame)
		}

		s.log.Error("t1: bad block (%d bytes): %v", n, err)
		s.stats.IncrementLRCErrors()
		s.nack(RErrParity, err)
		return err
	}

	s.log.Error("t1: receive failed: %v", err)
	if s.lastTx.Kind == KindS &&
		(s.lastTx.S.Type == SWTXResponse || s.lastTx.S.Type == SResyncResponse) {
		s.nack(RErrOther, err)
		return err
	}

	s.sleeper.Sleep(ctx, s.config.SilenceBackoff)
	if errors.Is(err, ErrInvalidFrame) {
		s.lastRx.R.Error = RErrSOFMissed
		s.nack(RErrOther, err)
		return err
	}

	s.stats.IncrementTimeouts()
	if s.counters.Timeout < s.config.MaxTimeoutRetries {
		s.log.Warn("t1: re-transmitting the previous block")
		s.counters.Timeout++
		s.nextTx = s.lastTx
		s.stats.IncrementRetransmissions()
	} else {
		s.log.Error("t1: finish timeout recovery, set state to Idle")
		s.counters.Timeout = 0
		s.fail(exhausted(fmt.Errorf("%w: %w", errSilence, err)))
	}
	return err
}

// nack queues an R-block reporting code, within the rnack budget
func (s *Session) nack(code RError, cause error) {
	if s.counters.RNACK < s.config.MaxRNACKRetries {
		s.lastRx.Kind = KindInvalid
		s.nextTx.Kind = KindR
		s.nextTx.R.Error = code
		s.nextTx.R.Seq = s.lastRx.I.Seq ^ 1
		s.state = StateSendRFrame
		s.counters.RNACK++
		return
	}
	s.counters.RNACK = 0
	s.counters.Timeout = 0
	s.fail(exhausted(cause))
}

// readBlock polls for the receive address and reads one block into the
// scratch buffer. It returns the number of bytes of the block read so far;
// zero means the element never started a block.
func (s *Session) readBlock(ctx context.Context) (int, error) {
	buf := s.scratch[:]

	found := false
	for i := 0; i < s.config.AddressPolls; i++ {
		if n, err := s.ch.Receive(ctx, buf[:1]); err != nil || n != 1 {
			return 0, receiveError(err, 1, n)
		}
		if buf[0] == s.recvAddr {
			found = true
			break
		}
		if buf[0] != 0x00 {
			return 0, fmt.Errorf("%w: address 0x%02X, expected 0x%02X", ErrInvalidFrame, buf[0], s.recvAddr)
		}
		s.sleeper.Sleep(ctx, s.config.PollDelay)
	}
	if !found {
		return 0, fmt.Errorf("%w: no address after %d polls", ErrInvalidFrame, s.config.AddressPolls)
	}
	size := 1

	if n, err := s.ch.Receive(ctx, buf[1:HeaderSize]); err != nil || n != HeaderSize-1 {
		return size, receiveError(err, HeaderSize-1, n)
	}
	size += HeaderSize - 1

	rest := int(buf[2]) + LRCSize
	if n, err := s.ch.Receive(ctx, buf[HeaderSize:HeaderSize+rest]); err != nil || n != rest {
		return size, receiveError(err, rest, n)
	}
	size += rest

	logger.Frame(s.log, "R_BLOCK", buf[:size])
	return size, nil
}

func receiveError(err error, want, got int) error {
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidReceiveLength, err)
	}
	return fmt.Errorf("%w: read %d of %d bytes", ErrInvalidReceiveLength, got, want)
}

// decodeFrame reacts to a block with a valid LRC
func (s *Session) decodeFrame(ctx context.Context, f *Frame) error {
	switch f.Kind {
	case KindI:
		return s.decodeIFrame(f)
	case KindR:
		s.decodeRFrame(f)
		return nil
	case KindS:
		s.decodeSFrame(ctx, f)
		return nil
	default:
		return ErrInvalidFormat
	}
}

func (s *Session) decodeIFrame(f *Frame) error {
	s.counters.WTX = 0
	s.lastRx.Kind = KindI

	if s.lastRx.I.Seq == f.I.Seq {
		// Duplicate: our acknowledgement was lost
		if s.counters.Recovery < s.config.MaxFrameRetries {
			s.nextTx.Kind = KindR
			s.nextTx.R.Error = RErrOther
			s.state = StateSendRFrame
			s.counters.Recovery++
		} else {
			s.finishRecovery(fmt.Errorf("%w: duplicate I-block seq %d", errRecovery, f.I.Seq))
		}
		return nil
	}

	s.counters.Recovery = 0
	s.lastRx.I.Seq = f.I.Seq
	s.lastRx.I.Chain = f.I.Chain

	if f.I.Chain {
		s.nextTx.Kind = KindR
		s.nextTx.R.Error = RErrNone
		s.state = StateSendRFrame
	} else {
		s.state = StateIdle
	}

	// Decode already copied the payload out of the scratch buffer
	if err := s.recv.Store(f.I.Data, false); err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrMemoryAllocation, err))
		return err
	}
	return nil
}

func (s *Session) decodeRFrame(f *Frame) {
	s.counters.WTX = 0
	s.lastRx.Kind = KindR
	s.lastRx.R = f.R

	switch f.R.Error {
	case RErrNone:
		if f.R.Seq != s.lastTx.I.Seq && s.lastTx.I.Chain {
			s.counters.Recovery = 0
			s.nextIFrame()
			return
		}
		// An acknowledgement that does not advance the chain asks for
		// the last block again
		s.log.Warn("t1: R-block seq %d does not advance the chain", f.R.Seq)
		s.resend()
	case RErrParity, RErrOther:
		s.resend()
	default:
		if s.counters.Recovery < s.config.MaxFrameRetries {
			s.nextTx = s.lastTx
			s.counters.Recovery++
			s.stats.IncrementRetransmissions()
		} else {
			s.finishRecovery(fmt.Errorf("%w: R-block error %s", errRecovery, f.R.Error))
		}
	}
}

// resend answers a NACK with the block the element is missing, within the
// frame budget
func (s *Session) resend() {
	if s.counters.Recovery >= s.config.MaxFrameRetries {
		s.finishRecovery(fmt.Errorf("%w: R-block error %s", errRecovery, s.lastRx.R.Error))
		return
	}

	switch s.lastTx.Kind {
	case KindI:
		s.nextTx = s.lastTx
		s.nextTx.Kind = KindI
		s.state = StateSendIFrame
	case KindR:
		switch {
		case s.lastRx.R.Seq == s.lastTx.I.Seq && s.lastSent == KindI:
			// Our I-block, then our NACK, then a NACK naming that I-block
			s.nextTx = s.lastTx
			s.nextTx.Kind = KindI
			s.state = StateSendIFrame
		case s.lastRx.R.Seq != s.lastTx.I.Seq && s.lastSent == KindR:
			// Our ACK was lost, the element still expects the next block
			s.nextTx.Kind = KindR
			s.nextTx.R.Error = RErrNone
			s.state = StateSendRFrame
		default:
			s.nextTx.Kind = KindR
			s.nextTx.R.Error = RErrOther
			s.state = StateSendRFrame
		}
	case KindS:
		s.nextTx = s.lastTx
	}

	s.counters.Recovery++
	s.stats.IncrementRetransmissions()
}

func (s *Session) decodeSFrame(ctx context.Context, f *Frame) {
	s.lastRx.Kind = KindS
	if f.S.Type != SWTXRequest {
		s.counters.WTX = 0
	}

	switch f.S.Type {
	case SResyncRequest:
		s.log.Warn("t1: resynchronization requested by the element")
		s.resetParams()
		s.recv.Delete()
		s.stats.IncrementResyncs()
		s.lastRx.Kind = KindS
		s.lastRx.S = f.S
		s.reply(SResyncResponse, nil)
	case SResyncResponse, SAbortResponse:
		s.lastRx.S = f.S
		s.nextTx.Kind = KindUnknown
		s.state = StateIdle
	case SAbortRequest:
		s.lastRx.S = f.S
		s.recv.Delete()
		s.reply(SAbortResponse, nil)
	case SIFSCRequest:
		s.lastRx.S = f.S
		s.reply(SIFSCResponse, f.S.Payload)
	case SWTXRequest:
		s.decodeWTX(ctx, f)
	default:
		s.lastRx.S = f.S
	}
}

func (s *Session) decodeWTX(ctx context.Context, f *Frame) {
	if s.lastTx.Kind == KindS && s.lastTx.S.Type != SWTXResponse {
		// Both sides sent a request at once
		if s.counters.Recovery < s.config.MaxFrameRetries {
			s.nextTx = s.lastTx
			s.counters.Recovery++
			s.stats.IncrementRetransmissions()
		} else {
			s.finishRecovery(fmt.Errorf("%w: WTX collision with %s", errRecovery, s.lastTx.S.Type))
		}
		return
	}

	s.counters.WTX++
	s.stats.IncrementWTXRequests()
	if s.config.MaxWTX > 0 && s.counters.WTX > s.config.MaxWTX {
		s.fail(exhausted(errWTXLimit))
		return
	}

	ms, _ := f.S.WaitTime()
	s.log.Info("t1: wtx counter %d, wait time %d ms", s.counters.WTX, ms)
	s.sleeper.Sleep(ctx, time.Duration(ms)*time.Millisecond)

	s.lastRx.S = f.S
	s.reply(SWTXResponse, nil)
}

// reply queues an S-block response
func (s *Session) reply(t SType, payload []byte) {
	s.nextTx.Kind = KindS
	s.nextTx.S = SFrame{Type: t, Payload: payload}
	s.state = StateSendSFrame
}
