package t1

import (
	"encoding/binary"
	"fmt"
)

// IFrame describes an information block. For outgoing blocks Data is the
// whole message and Offset/SendSize select the slice carried by this block;
// Remaining counts the bytes still to be sent after it. For decoded blocks
// Data holds the payload only.
type IFrame struct {
	Data      []byte
	Offset    int
	Remaining int
	SendSize  int
	Chain     bool
	Seq       uint8
}

// Payload returns the bytes carried by this block
func (f *IFrame) Payload() ([]byte, error) {
	end := f.Offset + f.SendSize
	if f.Offset < 0 || f.SendSize < 0 || end > len(f.Data) {
		return nil, fmt.Errorf("%w: I-frame window %d+%d exceeds %d bytes",
			ErrInvalidParameter, f.Offset, f.SendSize, len(f.Data))
	}
	return f.Data[f.Offset:end], nil
}

// RFrame describes a receive-ready block
type RFrame struct {
	Seq   uint8
	Error RError
}

// SFrame describes a supervisory block
type SFrame struct {
	Type    SType
	Payload []byte
}

// WaitTime returns the WTX wait encoded in the payload, in milliseconds
func (f *SFrame) WaitTime() (uint32, bool) {
	if len(f.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(f.Payload), true
}

// NewWTXPayload encodes a wait time in milliseconds
func NewWTXPayload(ms uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, ms)
}

// Frame is a T=1 block. Kind selects which of I, R or S is meaningful; the
// others keep whatever they last held, so a session can copy a whole Frame
// and still know the sequence number of the last information block.
type Frame struct {
	Kind FrameKind
	I    IFrame
	R    RFrame
	S    SFrame
}

// String returns a short description of the frame
func (f *Frame) String() string {
	switch f.Kind {
	case KindI:
		return fmt.Sprintf("I(seq=%d, chain=%t, len=%d)", f.I.Seq, f.I.Chain, f.I.SendSize)
	case KindR:
		return fmt.Sprintf("R(seq=%d, err=%s)", f.R.Seq, f.R.Error)
	case KindS:
		return fmt.Sprintf("S(%s, len=%d)", f.S.Type, len(f.S.Payload))
	default:
		return f.Kind.String()
	}
}

// PCB returns the protocol control byte for the frame
func (f *Frame) PCB() (uint8, error) {
	switch f.Kind {
	case KindI:
		pcb := (f.I.Seq & 0x01) << 6
		if f.I.Chain {
			pcb |= PCBChain
		}
		return pcb, nil
	case KindR:
		return PCBRBlock | (f.R.Seq&0x01)<<4 | f.R.Error.wire(), nil
	case KindS:
		return PCBSBlock | uint8(f.S.Type)&PCBSTypeMask, nil
	default:
		return 0, fmt.Errorf("%w: cannot encode %s frame", ErrInvalidParameter, f.Kind)
	}
}

// Encode serializes the frame addressed to addr, LRC included
func Encode(addr byte, f *Frame) ([]byte, error) {
	pcb, err := f.PCB()
	if err != nil {
		return nil, err
	}

	var info []byte
	switch f.Kind {
	case KindI:
		if f.I.SendSize == 0 {
			return nil, ErrInvalidSendLength
		}
		if f.I.SendSize > MaxInfoSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSendLength, f.I.SendSize)
		}
		if info, err = f.I.Payload(); err != nil {
			return nil, err
		}
	case KindS:
		if len(f.S.Payload) > MaxSInfoSize {
			return nil, fmt.Errorf("%w: S-block payload of %d bytes", ErrInvalidParameter, len(f.S.Payload))
		}
		info = f.S.Payload
	}

	out := make([]byte, 0, HeaderSize+len(info)+LRCSize)
	out = append(out, addr, pcb, byte(len(info)))
	out = append(out, info...)
	return AppendLRC(out), nil
}

// Decode parses one complete block (address through LRC). The payload is
// copied, so raw may be reused afterwards.
func Decode(raw []byte) (*Frame, error) {
	if len(raw) < HeaderSize+LRCSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidReceiveLength, len(raw))
	}
	size := int(raw[2])
	if len(raw) != HeaderSize+size+LRCSize {
		return nil, fmt.Errorf("%w: LEN %d but %d bytes", ErrInvalidReceiveLength, size, len(raw))
	}
	if !CheckLRC(raw) {
		return nil, ErrLRCMismatch
	}

	pcb := raw[1]
	info := append([]byte(nil), raw[HeaderSize:HeaderSize+size]...)

	f := &Frame{}
	switch {
	case pcb&PCBRBlock == 0:
		f.Kind = KindI
		f.I = IFrame{
			Data:     info,
			SendSize: size,
			Chain:    pcb&PCBChain != 0,
			Seq:      (pcb >> 6) & 0x01,
		}
	case pcb&PCBSBlock == PCBRBlock:
		f.Kind = KindR
		f.R = RFrame{
			Seq:   (pcb >> 4) & 0x01,
			Error: rErrorFromWire(pcb),
		}
	default:
		if size > MaxSInfoSize {
			return nil, fmt.Errorf("%w: S-block payload of %d bytes", ErrInvalidFrame, size)
		}
		f.Kind = KindS
		f.S = SFrame{
			Type:    SType(pcb & PCBSTypeMask),
			Payload: info,
		}
	}
	return f, nil
}
