// Package cardsim emulates the secure element side of a T=1 link. It answers
// complete APDUs through a Handler and can inject waiting time extensions,
// corrupt checksums and resynchronization requests, so the host stack can
// be exercised without hardware.
package cardsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"avaneesh/ese-go/pkg/channel"
	"avaneesh/ese-go/pkg/internal/logger"
	"avaneesh/ese-go/pkg/t1"
)

// Handler computes the response to one complete command APDU
type Handler func(apdu []byte) []byte

// StatusOK answers every command with 90 00
func StatusOK(apdu []byte) []byte {
	return []byte{0x90, 0x00}
}

// Echo answers with the command followed by 90 00
func Echo(apdu []byte) []byte {
	rsp := make([]byte, 0, len(apdu)+2)
	rsp = append(rsp, apdu...)
	return append(rsp, 0x90, 0x00)
}

// Card is a scripted secure element. Fault injection methods may be called
// while Serve is running.
type Card struct {
	handler Handler
	log     logger.Logger

	// Addresses as seen by the card
	hostAddr byte
	cardAddr byte

	mu       sync.Mutex
	corrupt  int
	wtx      []uint32
	resync   bool
	commands [][]byte

	// Link state, owned by Serve
	hostSeq  uint8 // Next expected host N(S)
	cardSeq  uint8 // N(S) of the next card I-block
	command  []byte
	pending  [][]byte // Response blocks not yet sent
	lastSent []byte
	deferred bool // First response block waits for a WTX response
}

// Option configures a Card
type Option func(*Card)

// WithLogger sets the card logger
func WithLogger(l logger.Logger) Option {
	return func(c *Card) {
		c.log = l
	}
}

// WithAddresses overrides the host and card node addresses
func WithAddresses(host, card byte) Option {
	return func(c *Card) {
		c.hostAddr = host
		c.cardAddr = card
	}
}

// New creates a card answering with handler (StatusOK when nil)
func New(handler Handler, opts ...Option) *Card {
	if handler == nil {
		handler = StatusOK
	}
	c := &Card{
		handler:  handler,
		log:      logger.NewNoOpLogger(),
		hostAddr: t1.DefaultSendAddress,
		cardAddr: t1.DefaultReceiveAddress,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CorruptNext flips the checksum of the next n blocks the card sends
func (c *Card) CorruptNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corrupt += n
}

// RequestWTX makes the card ask for ms milliseconds before its next response
func (c *Card) RequestWTX(ms uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wtx = append(c.wtx, ms)
}

// RequestResync makes the card answer the next command with a RESYNCH
// request instead of a response
func (c *Card) RequestResync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resync = true
}

// Commands returns the complete APDUs received so far
func (c *Card) Commands() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.commands))
	copy(out, c.commands)
	return out
}

// Serve answers host blocks on rw until it fails or ctx is done
func (c *Card) Serve(ctx context.Context, rw io.ReadWriter) error {
	c.reset()

	var header [t1.HeaderSize]byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := io.ReadFull(rw, header[:]); err != nil {
			return err
		}
		raw := make([]byte, t1.HeaderSize+int(header[2])+t1.LRCSize)
		copy(raw, header[:])
		if _, err := io.ReadFull(rw, raw[t1.HeaderSize:]); err != nil {
			return err
		}

		reply, err := c.handle(raw)
		if err != nil {
			return err
		}
		if reply == nil {
			continue
		}
		if _, err := rw.Write(reply); err != nil {
			return err
		}
	}
}

func (c *Card) reset() {
	c.resetLink()
	c.command = nil
	c.pending = nil
	c.deferred = false
}

// resetLink restarts sequence numbering without dropping a queued response
func (c *Card) resetLink() {
	c.hostSeq = 0
	c.cardSeq = 0
	c.lastSent = nil
}

// handle reacts to one host block and returns the block to send back
func (c *Card) handle(raw []byte) ([]byte, error) {
	if raw[0] != c.hostAddr {
		c.log.Warn("cardsim: block for address 0x%02X ignored", raw[0])
		return nil, nil
	}

	f, err := t1.Decode(raw)
	if err != nil {
		c.log.Warn("cardsim: bad host block: %v", err)
		return c.send(&t1.Frame{Kind: t1.KindR, R: t1.RFrame{Seq: c.hostSeq, Error: t1.RErrParity}})
	}

	switch f.Kind {
	case t1.KindI:
		return c.handleI(f)
	case t1.KindR:
		return c.handleR(f)
	case t1.KindS:
		return c.handleS(f)
	}
	return nil, fmt.Errorf("cardsim: unexpected block %s", f)
}

func (c *Card) handleI(f *t1.Frame) ([]byte, error) {
	if f.I.Seq != c.hostSeq {
		// Our acknowledgement or response was lost; repeat it
		if c.lastSent != nil {
			return c.emit(c.lastSent), nil
		}
		return c.send(&t1.Frame{Kind: t1.KindR, R: t1.RFrame{Seq: c.hostSeq, Error: t1.RErrOther}})
	}

	c.hostSeq ^= 1
	c.command = append(c.command, f.I.Data...)
	if f.I.Chain {
		return c.send(&t1.Frame{Kind: t1.KindR, R: t1.RFrame{Seq: c.hostSeq}})
	}

	apdu := c.command
	c.command = nil

	c.mu.Lock()
	c.commands = append(c.commands, apdu)
	resync := c.resync
	c.resync = false
	c.mu.Unlock()

	rsp := c.handler(apdu)
	if len(rsp) == 0 {
		rsp = []byte{0x6F, 0x00}
	}
	c.pending = split(rsp)

	if resync {
		return c.send(&t1.Frame{Kind: t1.KindS, S: t1.SFrame{Type: t1.SResyncRequest}})
	}

	if ms, ok := c.nextWTX(); ok {
		c.deferred = true
		return c.send(&t1.Frame{Kind: t1.KindS, S: t1.SFrame{Type: t1.SWTXRequest, Payload: t1.NewWTXPayload(ms)}})
	}
	return c.sendPending()
}

func (c *Card) handleR(f *t1.Frame) ([]byte, error) {
	// An ACK naming our next sequence moves a chained response along
	if f.R.Error == t1.RErrNone && f.R.Seq == c.cardSeq && len(c.pending) > 0 {
		return c.sendPending()
	}
	if c.lastSent == nil {
		return nil, nil
	}
	return c.emit(c.lastSent), nil
}

func (c *Card) handleS(f *t1.Frame) ([]byte, error) {
	switch f.S.Type {
	case t1.SResyncRequest:
		c.reset()
		return c.send(&t1.Frame{Kind: t1.KindS, S: t1.SFrame{Type: t1.SResyncResponse}})
	case t1.SResyncResponse:
		// Numbering starts over and the queued response follows
		c.resetLink()
		if len(c.pending) > 0 {
			return c.sendPending()
		}
		return nil, nil
	case t1.SWTXRequest:
		return c.send(&t1.Frame{Kind: t1.KindS, S: t1.SFrame{Type: t1.SWTXResponse}})
	case t1.SWTXResponse:
		if ms, ok := c.nextWTX(); ok {
			return c.send(&t1.Frame{Kind: t1.KindS, S: t1.SFrame{Type: t1.SWTXRequest, Payload: t1.NewWTXPayload(ms)}})
		}
		if c.deferred {
			c.deferred = false
			return c.sendPending()
		}
		return nil, nil
	case t1.SIFSCRequest:
		return c.send(&t1.Frame{Kind: t1.KindS, S: t1.SFrame{Type: t1.SIFSCResponse, Payload: f.S.Payload}})
	case t1.SAbortRequest:
		c.command = nil
		c.pending = nil
		return c.send(&t1.Frame{Kind: t1.KindS, S: t1.SFrame{Type: t1.SAbortResponse}})
	}
	return nil, nil
}

func (c *Card) nextWTX() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.wtx) == 0 {
		return 0, false
	}
	ms := c.wtx[0]
	c.wtx = c.wtx[1:]
	return ms, true
}

// sendPending sends the next block of the queued response
func (c *Card) sendPending() ([]byte, error) {
	chunk := c.pending[0]
	c.pending = c.pending[1:]

	f := &t1.Frame{Kind: t1.KindI, I: t1.IFrame{
		Data:     chunk,
		SendSize: len(chunk),
		Seq:      c.cardSeq,
		Chain:    len(c.pending) > 0,
	}}
	c.cardSeq ^= 1
	return c.send(f)
}

// send encodes f and remembers it for retransmission
func (c *Card) send(f *t1.Frame) ([]byte, error) {
	raw, err := t1.Encode(c.cardAddr, f)
	if err != nil {
		return nil, err
	}
	c.lastSent = raw
	return c.emit(raw), nil
}

// emit applies any pending corruption to the copy written out
func (c *Card) emit(raw []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.corrupt > 0 {
		c.corrupt--
		bad := append([]byte(nil), raw...)
		bad[len(bad)-1] ^= 0xFF
		return bad
	}
	return raw
}

func split(rsp []byte) [][]byte {
	var out [][]byte
	for len(rsp) > t1.MaxInfoSize {
		out = append(out, rsp[:t1.MaxInfoSize])
		rsp = rsp[t1.MaxInfoSize:]
	}
	return append(out, rsp)
}

// Pipe starts card on one end of an in-memory connection and returns the
// host end as a Channel. Reads on the host side time out after
// readTimeout so that a silent card surfaces as a receive error. The
// returned stop function closes both ends and waits for the card.
func Pipe(card *Card, readTimeout time.Duration) (channel.Channel, func()) {
	host, dev := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := card.Serve(ctx, dev); err != nil && !errors.Is(err, io.EOF) &&
			!errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, context.Canceled) {
			card.log.Error("cardsim: serve: %v", err)
		}
	}()

	ch := channel.NewStreamWithTimeouts(host, readTimeout, readTimeout)
	stop := func() {
		cancel()
		ch.Close()
		dev.Close()
		<-done
	}
	return ch, stop
}
