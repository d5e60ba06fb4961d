package t1

// Block layout
const (
	HeaderSize   = 3   // NAD, PCB, LEN
	LRCSize      = 1   // Trailing XOR checksum
	MaxInfoSize  = 254 // Largest I-frame payload sent per block
	MaxSInfoSize = 4   // Largest S-frame payload
	ScratchSize  = 260 // Header + 256 byte information field + LRC
	RFrameSize   = HeaderSize + LRCSize
)

// Default node addresses used by the secure element
const (
	DefaultSendAddress    byte = 0x12
	DefaultReceiveAddress byte = 0x21
)

// PCB bits
const (
	PCBRBlock    uint8 = 0x80 // Set for R and S blocks
	PCBSBlock    uint8 = 0xC0 // S-block marker
	PCBISeq      uint8 = 0x40 // I-block send sequence number
	PCBChain     uint8 = 0x20 // I-block more-data bit
	PCBRSeq      uint8 = 0x10 // R-block sequence number
	PCBRErrMask  uint8 = 0x03 // R-block error code
	PCBSTypeMask uint8 = 0x3F // S-block type
)

// Generic APDU header layout, used by APDUData
const (
	APDUHeaderSize = 5
	APDUP3Offset   = 4
)

// FrameKind identifies a block type
type FrameKind int

const (
	KindI FrameKind = iota
	KindS
	KindR
	KindInvalid
	KindUnknown
)

// String returns string representation of FrameKind
func (k FrameKind) String() string {
	switch k {
	case KindI:
		return "I"
	case KindS:
		return "S"
	case KindR:
		return "R"
	case KindInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// RError is the error code carried by an R-block
type RError int

const (
	RErrNone RError = iota
	RErrParity
	RErrOther
	RErrSOFMissed // Local only: the receive address never showed up
	RErrUndefined
)

// String returns string representation of RError
func (e RError) String() string {
	switch e {
	case RErrNone:
		return "None"
	case RErrParity:
		return "Parity"
	case RErrOther:
		return "Other"
	case RErrSOFMissed:
		return "SOFMissed"
	case RErrUndefined:
		return "Undefined"
	default:
		return "Unknown"
	}
}

// wire returns the two PCB error bits for e
func (e RError) wire() uint8 {
	switch e {
	case RErrNone:
		return 0x00
	case RErrParity:
		return 0x01
	case RErrOther:
		return 0x02
	default:
		return 0x03
	}
}

func rErrorFromWire(bits uint8) RError {
	switch bits & PCBRErrMask {
	case 0x00:
		return RErrNone
	case 0x01:
		return RErrParity
	case 0x02:
		return RErrOther
	default:
		return RErrUndefined
	}
}

// SType is the S-block type, PCB bits 0-5
type SType uint8

const (
	SResyncRequest  SType = 0x00
	SResyncResponse SType = 0x20
	SIFSCRequest    SType = 0x01
	SIFSCResponse   SType = 0x21
	SAbortRequest   SType = 0x02
	SAbortResponse  SType = 0x22
	SWTXRequest     SType = 0x03
	SWTXResponse    SType = 0x23
)

// IsResponse reports whether t is the response half of an exchange
func (t SType) IsResponse() bool {
	return uint8(t)&0x20 != 0
}

// String returns string representation of SType
func (t SType) String() string {
	switch t {
	case SResyncRequest:
		return "RESYNCH_REQ"
	case SResyncResponse:
		return "RESYNCH_RSP"
	case SIFSCRequest:
		return "IFSC_REQ"
	case SIFSCResponse:
		return "IFSC_RES"
	case SAbortRequest:
		return "ABORT_REQ"
	case SAbortResponse:
		return "ABORT_RES"
	case SWTXRequest:
		return "WTX_REQ"
	case SWTXResponse:
		return "WTX_RSP"
	default:
		return "UNKNOWN"
	}
}

// State is the session state machine state
type State int

const (
	StateIdle State = iota
	StateSendIFrame
	StateSendRFrame
	StateSendSFrame
)

// String returns string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSendIFrame:
		return "SendIFrame"
	case StateSendRFrame:
		return "SendRFrame"
	case StateSendSFrame:
		return "SendSFrame"
	default:
		return "Unknown"
	}
}
