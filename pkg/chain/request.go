// Package chain carries a sequence of APDUs to the secure element as one
// request and merges their responses into a single buffer.
//
// Request layout (all integers big endian):
//
//	count(4) { seq(4) len(4) expected(4) payload(len) [flags(4) suffix(expected-4)] }*count
package chain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Field sizes
const (
	CountSize  = 4
	SeqSize    = 4
	LengthSize = 4
	ExpSize    = 4
	HeaderSize = SeqSize + LengthSize + ExpSize
	FlagSize   = 4
)

// Flag is the expected-response flag word
type Flag uint32

// Flags
const (
	FlagNone  Flag = 0x0
	FlagNext  Flag = 0x1
	FlagAgain Flag = 0x2
)

// Again reports whether the sub-command is resent after a matching response
func (f Flag) Again() bool {
	return f&FlagAgain != 0
}

var (
	ErrEmpty         = errors.New("chain: empty request")
	ErrNoCommands    = errors.New("chain: command count is zero")
	ErrShortHeader   = errors.New("chain: truncated sub-command header")
	ErrShortPayload  = errors.New("chain: payload or expected response exceeds request")
	ErrShortExpected = errors.New("chain: expected response shorter than its flag word")
)

// SequenceError reports a sub-command whose sequence field does not match
// its position in the request
type SequenceError struct {
	Index uint32
	Seq   uint32
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("chain: sub-command %d carries sequence %d", e.Index, e.Seq)
}

// Expectation describes the response suffix a sub-command must end with
type Expectation struct {
	Flags  Flag
	Suffix []byte
}

// SubCommand is one APDU of a chain request
type SubCommand struct {
	Seq     uint32
	Payload []byte

	// Expect is nil when the request carries no expected response
	Expect *Expectation
}

// ExpectedSize returns the expected-response length as encoded on the wire
func (c *SubCommand) ExpectedSize() uint32 {
	if c.Expect == nil {
		return 0
	}
	return uint32(FlagSize + len(c.Expect.Suffix))
}

// Matches reports whether rsp ends with the expected suffix. A sub-command
// without an expectation matches anything.
func (c *SubCommand) Matches(rsp []byte) bool {
	if c.Expect == nil {
		return true
	}
	return bytes.HasSuffix(rsp, c.Expect.Suffix)
}

// Request is a parsed chain request
type Request struct {
	Commands []SubCommand
}

// Parse decodes a chain request. Payloads and suffixes alias cmd.
func Parse(cmd []byte) (*Request, error) {
	if len(cmd) == 0 {
		return nil, ErrEmpty
	}
	if len(cmd) < CountSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(cmd))
	}

	count := binary.BigEndian.Uint32(cmd)
	if count == 0 {
		return nil, ErrNoCommands
	}
	offset := CountSize

	req := &Request{}
	for i := uint32(0); i < count; i++ {
		remaining := len(cmd) - offset
		if remaining <= HeaderSize {
			return nil, fmt.Errorf("%w: sub-command %d has %d bytes", ErrShortHeader, i, remaining)
		}

		seq := binary.BigEndian.Uint32(cmd[offset:])
		if seq != i {
			return nil, &SequenceError{Index: i, Seq: seq}
		}
		size := binary.BigEndian.Uint32(cmd[offset+SeqSize:])
		expected := binary.BigEndian.Uint32(cmd[offset+SeqSize+LengthSize:])
		offset += HeaderSize
		remaining -= HeaderSize

		if uint64(remaining) < uint64(size)+uint64(expected) {
			return nil, fmt.Errorf("%w: sub-command %d needs %d+%d bytes, %d left",
				ErrShortPayload, i, size, expected, remaining)
		}

		sub := SubCommand{Seq: seq, Payload: cmd[offset : offset+int(size)]}
		offset += int(size)

		if expected > 0 {
			if expected < FlagSize {
				return nil, fmt.Errorf("%w: sub-command %d expects %d bytes", ErrShortExpected, i, expected)
			}
			sub.Expect = &Expectation{
				Flags:  Flag(binary.BigEndian.Uint32(cmd[offset:])),
				Suffix: cmd[offset+FlagSize : offset+int(expected)],
			}
			offset += int(expected)
		}

		req.Commands = append(req.Commands, sub)
	}

	return req, nil
}

// Marshal encodes the request
func (r *Request) Marshal() []byte {
	b := NewBuilder()
	for _, c := range r.Commands {
		if c.Expect == nil {
			b.Add(c.Payload)
		} else {
			b.AddExpect(c.Payload, c.Expect.Flags, c.Expect.Suffix)
		}
	}
	return b.Build()
}

// Builder constructs chain requests, numbering sub-commands in order
type Builder struct {
	buf   bytes.Buffer
	count uint32
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends a sub-command without an expected response
func (b *Builder) Add(payload []byte) *Builder {
	b.writeHeader(uint32(len(payload)), 0)
	b.buf.Write(payload)
	return b
}

// AddExpect appends a sub-command whose response must end with suffix
func (b *Builder) AddExpect(payload []byte, flags Flag, suffix []byte) *Builder {
	b.writeHeader(uint32(len(payload)), uint32(FlagSize+len(suffix)))
	b.buf.Write(payload)
	binary.Write(&b.buf, binary.BigEndian, uint32(flags))
	b.buf.Write(suffix)
	return b
}

func (b *Builder) writeHeader(size, expected uint32) {
	binary.Write(&b.buf, binary.BigEndian, b.count)
	binary.Write(&b.buf, binary.BigEndian, size)
	binary.Write(&b.buf, binary.BigEndian, expected)
	b.count++
}

// Len returns the number of sub-commands added so far
func (b *Builder) Len() int {
	return int(b.count)
}

// Build returns the encoded request
func (b *Builder) Build() []byte {
	out := make([]byte, CountSize, CountSize+b.buf.Len())
	binary.BigEndian.PutUint32(out, b.count)
	return append(out, b.buf.Bytes()...)
}

// Reset clears the builder for reuse
func (b *Builder) Reset() {
	b.buf.Reset()
	b.count = 0
}
