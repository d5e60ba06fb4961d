package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"avaneesh/ese-go/pkg/accumulator"
	"avaneesh/ese-go/pkg/internal/logger"
)

// stubExchanger answers each sent message with the next scripted response
type stubExchanger struct {
	sent      [][]byte
	responses [][]byte
	sendErr   error
	recvErr   error
}

func (s *stubExchanger) Send(ctx context.Context, msg []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, append([]byte(nil), msg...))
	return nil
}

func (s *stubExchanger) Receive(ctx context.Context) ([]byte, error) {
	if s.recvErr != nil {
		return nil, s.recvErr
	}
	if len(s.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	rsp := s.responses[0]
	s.responses = s.responses[1:]
	return rsp, nil
}

func newTestTransceiver(ex Exchanger) *Transceiver {
	return NewTransceiver(ex, logger.NewNoOpLogger())
}

var selectAPDU = []byte{0x00, 0xA4, 0x04, 0x00, 0x02}

// TestParseSingle tests the minimal one-command request
func TestParseSingle(t *testing.T) {
	raw := []byte{
		0x00, 0x00, 0x00, 0x01, // count
		0x00, 0x00, 0x00, 0x00, // seq
		0x00, 0x00, 0x00, 0x05, // len
		0x00, 0x00, 0x00, 0x00, // expected
		0x00, 0xA4, 0x04, 0x00, 0x02,
	}

	req, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(req.Commands) != 1 {
		t.Fatalf("commands = %d, want 1", len(req.Commands))
	}
	c := req.Commands[0]
	if c.Seq != 0 || !bytes.Equal(c.Payload, selectAPDU) || c.Expect != nil {
		t.Errorf("command = %+v", c)
	}

	if got := req.Marshal(); !bytes.Equal(got, raw) {
		t.Errorf("Marshal = % X, want % X", got, raw)
	}
}

// TestParseExpectation tests the flag word and suffix
func TestParseExpectation(t *testing.T) {
	raw := NewBuilder().
		Add([]byte{0x01}).
		AddExpect([]byte{0x02, 0x03}, FlagAgain|FlagNext, []byte{0x90, 0x00}).
		Build()

	req, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(req.Commands) != 2 {
		t.Fatalf("commands = %d, want 2", len(req.Commands))
	}

	c := req.Commands[1]
	if c.Seq != 1 || c.Expect == nil {
		t.Fatalf("command = %+v", c)
	}
	if !c.Expect.Flags.Again() || c.Expect.Flags&FlagNext == 0 {
		t.Errorf("flags = 0x%X", c.Expect.Flags)
	}
	if !bytes.Equal(c.Expect.Suffix, []byte{0x90, 0x00}) {
		t.Errorf("suffix = % X", c.Expect.Suffix)
	}
	if c.ExpectedSize() != 6 {
		t.Errorf("ExpectedSize = %d, want 6", c.ExpectedSize())
	}
}

// TestParseErrors tests malformed requests
func TestParseErrors(t *testing.T) {
	good := NewBuilder().Add(selectAPDU).Build()

	badSeq := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(badSeq[CountSize:], 7)

	overCount := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(overCount, 2)

	bigPayload := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(bigPayload[CountSize+SeqSize:], 100)

	shortExpect := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(shortExpect[CountSize+SeqSize+LengthSize:], 2)
	binary.BigEndian.PutUint32(shortExpect[CountSize+SeqSize:], 3)

	headerOnly := NewBuilder().Add(nil).Build()

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrEmpty},
		{"short count", []byte{0x00, 0x01}, ErrShortHeader},
		{"zero count", []byte{0x00, 0x00, 0x00, 0x00}, ErrNoCommands},
		{"count beyond data", overCount, ErrShortHeader},
		{"payload beyond data", bigPayload, ErrShortPayload},
		{"expected below flag size", shortExpect, ErrShortExpected},
		{"header without payload", headerOnly, ErrShortHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.raw); !errors.Is(err, tt.want) {
				t.Errorf("Parse error = %v, want %v", err, tt.want)
			}
		})
	}

	_, err := Parse(badSeq)
	var seqErr *SequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("Parse error = %v, want SequenceError", err)
	}
	if seqErr.Index != 0 || seqErr.Seq != 7 {
		t.Errorf("SequenceError = %+v", seqErr)
	}
}

// TestTransceiveSingle tests that one sub-command goes out untouched and
// its response comes back untrimmed
func TestTransceiveSingle(t *testing.T) {
	ex := &stubExchanger{responses: [][]byte{{0x6F, 0x10, 0x90, 0x00}}}
	tr := newTestTransceiver(ex)

	rsp, err := tr.Transceive(context.Background(), NewBuilder().Add(selectAPDU).Build())
	if err != nil {
		t.Fatalf("Transceive failed: %v", err)
	}
	if len(ex.sent) != 1 || !bytes.Equal(ex.sent[0], selectAPDU) {
		t.Errorf("sent = % X, want only % X", ex.sent, selectAPDU)
	}
	if !bytes.Equal(rsp, []byte{0x6F, 0x10, 0x90, 0x00}) {
		t.Errorf("response = % X", rsp)
	}
}

// TestTransceiveTrimsIntermediate tests that all but the last response lose
// their status word
func TestTransceiveTrimsIntermediate(t *testing.T) {
	ex := &stubExchanger{responses: [][]byte{
		{0x01, 0x02, 0x90, 0x00},
		{0x90, 0x00},
		{0x03, 0x90, 0x00},
	}}
	tr := newTestTransceiver(ex)

	cmd := NewBuilder().Add([]byte{0xA0}).Add([]byte{0xA1}).Add([]byte{0xA2}).Build()
	rsp, err := tr.Transceive(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Transceive failed: %v", err)
	}
	if want := []byte{0x01, 0x02, 0x03, 0x90, 0x00}; !bytes.Equal(rsp, want) {
		t.Errorf("response = % X, want % X", rsp, want)
	}
	if len(ex.sent) != 3 {
		t.Errorf("sent %d sub-commands, want 3", len(ex.sent))
	}
}

// TestTransceiveAgain tests that a matching response with the again flag
// resends the same sub-command and keeps the trimmed first response
func TestTransceiveAgain(t *testing.T) {
	ex := &stubExchanger{responses: [][]byte{
		{0xAA, 0xBB, 0x61, 0x10},
		{0xCC, 0x90, 0x00},
	}}
	tr := newTestTransceiver(ex)

	// First pass matches 61 10 and asks again; the resend answers 90 00,
	// which no longer matches and ends the chain there
	cmd := NewBuilder().AddExpect([]byte{0x80, 0xC0}, FlagAgain, []byte{0x61, 0x10}).Build()
	rsp, err := tr.Transceive(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Transceive failed: %v", err)
	}

	if len(ex.sent) != 2 || !bytes.Equal(ex.sent[0], ex.sent[1]) {
		t.Errorf("sent = % X, want the same sub-command twice", ex.sent)
	}
	if want := []byte{0xAA, 0xBB, 0xCC, 0x90, 0x00}; !bytes.Equal(rsp, want) {
		t.Errorf("response = % X, want % X", rsp, want)
	}
}

// TestTransceiveAgainLimit tests that an endless again loop is bounded
func TestTransceiveAgainLimit(t *testing.T) {
	ex := &stubExchanger{}
	for i := 0; i < 10; i++ {
		ex.responses = append(ex.responses, []byte{0x01, 0x61, 0x00})
	}
	tr := newTestTransceiver(ex)
	tr.MaxAgain = 3

	cmd := NewBuilder().AddExpect([]byte{0x80}, FlagAgain, []byte{0x61, 0x00}).Build()
	rsp, err := tr.Transceive(context.Background(), cmd)
	if !errors.Is(err, ErrAgainLimit) {
		t.Fatalf("error = %v, want ErrAgainLimit", err)
	}
	if rsp != nil {
		t.Errorf("response = % X, want nil", rsp)
	}
	if len(ex.sent) != 4 {
		t.Errorf("sent %d times, want 4", len(ex.sent))
	}
}

// TestTransceiveResponseLimit tests that a merged response over the cap
// fails and discards everything stored so far
func TestTransceiveResponseLimit(t *testing.T) {
	tests := []struct {
		name      string
		cmd       []byte
		responses [][]byte
		limit     int
		wantErr   bool
	}{
		{
			name:      "within limit",
			cmd:       NewBuilder().Add([]byte{0xA0}).Add([]byte{0xA1}).Build(),
			responses: [][]byte{{0x01, 0x02, 0x90, 0x00}, {0x03, 0x90, 0x00}},
			limit:     5,
		},
		{
			name:      "last response",
			cmd:       NewBuilder().Add([]byte{0xA0}).Add([]byte{0xA1}).Build(),
			responses: [][]byte{{0x01, 0x02, 0x90, 0x00}, {0x03, 0x04, 0x90, 0x00}},
			limit:     5,
			wantErr:   true,
		},
		{
			name:      "again loop",
			cmd:       NewBuilder().AddExpect([]byte{0x80}, FlagAgain, []byte{0x61, 0x02}).Build(),
			responses: [][]byte{{0x01, 0x02, 0x61, 0x02}, {0x03, 0x04, 0x61, 0x02}, {0x90, 0x00}},
			limit:     3,
			wantErr:   true,
		},
		{
			name:      "mismatch",
			cmd:       NewBuilder().AddExpect([]byte{0x80}, FlagNone, []byte{0x90, 0x00}).Add([]byte{0xA1}).Build(),
			responses: [][]byte{{0x01, 0x02, 0x03, 0x6A, 0x82}},
			limit:     4,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &stubExchanger{responses: tt.responses}
			tr := newTestTransceiver(ex)
			tr.MaxResponse = tt.limit

			rsp, err := tr.Transceive(context.Background(), tt.cmd)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Transceive failed: %v", err)
				}
				if len(rsp) > tt.limit {
					t.Errorf("response = % X, over %d bytes", rsp, tt.limit)
				}
				return
			}
			if !errors.Is(err, accumulator.ErrOutOfMemory) {
				t.Fatalf("error = %v, want ErrOutOfMemory", err)
			}
			if rsp != nil {
				t.Errorf("response = % X, want nil", rsp)
			}
		})
	}
}

// TestTransceiveMismatch tests the early exit on an unexpected response
func TestTransceiveMismatch(t *testing.T) {
	ex := &stubExchanger{responses: [][]byte{
		{0x01, 0x90, 0x00},
		{0x6A, 0x82},
	}}
	tr := newTestTransceiver(ex)

	cmd := NewBuilder().
		Add([]byte{0xA0}).
		AddExpect([]byte{0xA1}, FlagNone, []byte{0x90, 0x00}).
		Add([]byte{0xA2}).
		Build()

	rsp, err := tr.Transceive(context.Background(), cmd)
	if err != nil {
		t.Fatalf("mismatch is not an error, got %v", err)
	}
	if want := []byte{0x01, 0x6A, 0x82}; !bytes.Equal(rsp, want) {
		t.Errorf("response = % X, want % X", rsp, want)
	}
	if len(ex.sent) != 2 {
		t.Errorf("sent %d sub-commands, want 2", len(ex.sent))
	}
}

// TestTransceiveMatchAdvances tests that a matching response without the
// again flag moves to the next sub-command
func TestTransceiveMatchAdvances(t *testing.T) {
	ex := &stubExchanger{responses: [][]byte{
		{0x01, 0x90, 0x00},
		{0x02, 0x90, 0x00},
	}}
	tr := newTestTransceiver(ex)

	cmd := NewBuilder().
		AddExpect([]byte{0xA0}, FlagNext, []byte{0x90, 0x00}).
		Add([]byte{0xA1}).
		Build()

	rsp, err := tr.Transceive(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Transceive failed: %v", err)
	}
	if want := []byte{0x01, 0x02, 0x90, 0x00}; !bytes.Equal(rsp, want) {
		t.Errorf("response = % X, want % X", rsp, want)
	}
}

// TestTransceiveFailure tests that an exchange failure discards everything
func TestTransceiveFailure(t *testing.T) {
	failure := errors.New("exchange failed")

	ex := &stubExchanger{responses: [][]byte{{0x01, 0x90, 0x00}}}
	tr := newTestTransceiver(ex)

	cmd := NewBuilder().Add([]byte{0xA0}).Add([]byte{0xA1}).Build()
	rsp, err := tr.Transceive(context.Background(), cmd)
	if err == nil || rsp != nil {
		t.Errorf("Transceive = % X, %v; want nil and an error", rsp, err)
	}

	ex = &stubExchanger{sendErr: failure}
	tr = newTestTransceiver(ex)
	if _, err := tr.Transceive(context.Background(), cmd); !errors.Is(err, failure) {
		t.Errorf("send failure = %v, want %v", err, failure)
	}

	ex = &stubExchanger{recvErr: failure}
	tr = newTestTransceiver(ex)
	if _, err := tr.Transceive(context.Background(), cmd); !errors.Is(err, failure) {
		t.Errorf("receive failure = %v, want %v", err, failure)
	}

	if _, err := tr.Run(context.Background(), &Request{}); !errors.Is(err, ErrNoCommands) {
		t.Errorf("empty request = %v, want ErrNoCommands", err)
	}
}
