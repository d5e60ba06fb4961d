package chain

import (
	"context"
	"errors"
	"fmt"

	"avaneesh/ese-go/pkg/accumulator"
	"avaneesh/ese-go/pkg/internal/logger"
)

// StatusSize is the length of the status word trimmed from intermediate
// responses
const StatusSize = 2

// DefaultMaxAgain bounds how often one sub-command is resent on FlagAgain
const DefaultMaxAgain = 64

var ErrAgainLimit = errors.New("chain: sub-command resent too often")

// Exchanger sends one message and waits for its response. *t1.Session
// implements it.
type Exchanger interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// Transceiver runs chain requests over an Exchanger
type Transceiver struct {
	ex  Exchanger
	log logger.Logger

	// MaxAgain bounds resends of one sub-command (0 = unlimited)
	MaxAgain int

	// MaxResponse caps the merged response (0 = unlimited)
	MaxResponse int
}

// NewTransceiver creates a transceiver on ex
func NewTransceiver(ex Exchanger, log logger.Logger) *Transceiver {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Transceiver{ex: ex, log: log, MaxAgain: DefaultMaxAgain}
}

// Transceive parses cmd and runs it
func (t *Transceiver) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	req, err := Parse(cmd)
	if err != nil {
		t.log.Error("chain: %v", err)
		return nil, err
	}
	return t.Run(ctx, req)
}

// Run sends every sub-command of req in order and merges the responses.
// Intermediate responses lose their status word; the last one is kept
// whole. A response that does not end with its expected suffix stops the
// chain early and is returned whole along with everything before it. Any
// exchange failure discards all output.
func (t *Transceiver) Run(ctx context.Context, req *Request) ([]byte, error) {
	if req == nil || len(req.Commands) == 0 {
		return nil, ErrNoCommands
	}

	total := accumulator.New()
	total.Limit = t.MaxResponse
	last := len(req.Commands) - 1

	for i := range req.Commands {
		cmd := &req.Commands[i]

		again := 0
		for {
			rsp, err := t.exchange(ctx, cmd)
			if err != nil {
				total.Delete()
				return nil, err
			}

			if !cmd.Matches(rsp) {
				t.log.Info("chain: sub-command %d response does not match, stopping", cmd.Seq)
				if err := t.store(total, rsp); err != nil {
					return nil, err
				}
				return t.result(total)
			}

			if cmd.Expect != nil && cmd.Expect.Flags.Again() {
				again++
				if t.MaxAgain > 0 && again > t.MaxAgain {
					total.Delete()
					return nil, fmt.Errorf("%w: sub-command %d, %d times", ErrAgainLimit, cmd.Seq, again)
				}
				t.log.Debug("chain: sub-command %d again (%d)", cmd.Seq, again)
				if err := t.store(total, trimStatus(rsp)); err != nil {
					return nil, err
				}
				continue
			}

			if i < last {
				rsp = trimStatus(rsp)
			}
			if err := t.store(total, rsp); err != nil {
				return nil, err
			}
			break
		}
	}

	return t.result(total)
}

func (t *Transceiver) exchange(ctx context.Context, cmd *SubCommand) ([]byte, error) {
	if err := t.ex.Send(ctx, cmd.Payload); err != nil {
		t.log.Error("chain: failed to send sub-command %d: %v", cmd.Seq, err)
		return nil, err
	}
	rsp, err := t.ex.Receive(ctx)
	if err != nil {
		t.log.Error("chain: failed to receive response to sub-command %d: %v", cmd.Seq, err)
		return nil, err
	}
	return rsp, nil
}

// store appends rsp to the merged response, discarding everything when it
// cannot be kept
func (t *Transceiver) store(total *accumulator.Accumulator, rsp []byte) error {
	if err := total.Store(rsp, false); err != nil {
		t.log.Error("chain: failed to store response: %v", err)
		total.Delete()
		return err
	}
	return nil
}

func (t *Transceiver) result(total *accumulator.Accumulator) ([]byte, error) {
	if total.Len() == 0 {
		return []byte{}, nil
	}
	return total.Get()
}

// trimStatus drops the trailing status word; a response of at most
// StatusSize bytes contributes nothing
func trimStatus(rsp []byte) []byte {
	if len(rsp) <= StatusSize {
		return nil
	}
	return rsp[:len(rsp)-StatusSize]
}
