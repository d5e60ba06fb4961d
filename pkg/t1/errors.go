package t1

import (
	"context"
	"errors"
	"fmt"

	"avaneesh/ese-go/pkg/accumulator"
	"avaneesh/ese-go/pkg/channel"
)

// Errors
var (
	ErrFailed               = errors.New("t1: failed")
	ErrInvalidParameter     = errors.New("t1: invalid parameter")
	ErrInvalidBuffer        = accumulator.ErrInvalidBuffer
	ErrInvalidFormat        = errors.New("t1: invalid format")
	ErrInvalidFrame         = errors.New("t1: invalid frame")
	ErrLRCMismatch          = fmt.Errorf("%w: LRC mismatch", ErrInvalidFrame)
	ErrMemoryAllocation     = errors.New("t1: memory allocation failed")
	ErrSendFailed           = errors.New("t1: send failed")
	ErrReceiveFailed        = errors.New("t1: receive failed")
	ErrInvalidSendLength    = errors.New("t1: invalid send length")
	ErrInvalidReceiveLength = errors.New("t1: invalid receive length")
	ErrResponseTimeout      = errors.New("t1: response timeout")
	ErrClosed               = errors.New("t1: session closed")
)

// StatusCode is the numeric result reported to clients of the device surface
type StatusCode uint8

const (
	StatusSuccess              StatusCode = 0x00
	StatusFailed               StatusCode = 0x01
	StatusInvalidParameter     StatusCode = 0x04
	StatusInvalidDevice        StatusCode = 0x05
	StatusInvalidBuffer        StatusCode = 0x30
	StatusNotEnoughMemory      StatusCode = 0x31
	StatusMemoryAllocationFail StatusCode = 0x32
	StatusInvalidFormat        StatusCode = 0x53
	StatusInvalidFrame         StatusCode = 0x54
	StatusSendFailed           StatusCode = 0x60
	StatusReceiveFailed        StatusCode = 0x61
	StatusResponseTimeout      StatusCode = 0x62
	StatusInvalidSendLength    StatusCode = 0x63
	StatusInvalidReceiveLength StatusCode = 0x64
)

// String returns string representation of StatusCode
func (c StatusCode) String() string {
	switch c {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	case StatusInvalidParameter:
		return "INVALID_PARAMETER"
	case StatusInvalidDevice:
		return "INVALID_DEVICE"
	case StatusInvalidBuffer:
		return "INVALID_BUFFER"
	case StatusNotEnoughMemory:
		return "NOT_ENOUGH_MEMORY"
	case StatusMemoryAllocationFail:
		return "MEMORY_ALLOCATION_FAIL"
	case StatusInvalidFormat:
		return "INVALID_FORMAT"
	case StatusInvalidFrame:
		return "INVALID_FRAME"
	case StatusSendFailed:
		return "SEND_FAILED"
	case StatusReceiveFailed:
		return "RECEIVE_FAILED"
	case StatusResponseTimeout:
		return "RESPONSE_TIMEOUT"
	case StatusInvalidSendLength:
		return "INVALID_SEND_LENGTH"
	case StatusInvalidReceiveLength:
		return "INVALID_RECEIVE_LENGTH"
	default:
		return fmt.Sprintf("STATUS_0x%02X", uint8(c))
	}
}

// statusTable is checked in order, so the outermost classification of a
// joined error wins (a timeout caused by an LRC mismatch is a timeout).
var statusTable = []struct {
	err  error
	code StatusCode
}{
	{ErrResponseTimeout, StatusResponseTimeout},
	{context.DeadlineExceeded, StatusResponseTimeout},
	{ErrSendFailed, StatusSendFailed},
	{ErrReceiveFailed, StatusReceiveFailed},
	{ErrInvalidSendLength, StatusInvalidSendLength},
	{ErrInvalidReceiveLength, StatusInvalidReceiveLength},
	{ErrInvalidFrame, StatusInvalidFrame},
	{ErrInvalidFormat, StatusInvalidFormat},
	{ErrInvalidBuffer, StatusInvalidBuffer},
	{accumulator.ErrOutOfMemory, StatusNotEnoughMemory},
	{ErrMemoryAllocation, StatusMemoryAllocationFail},
	{ErrInvalidParameter, StatusInvalidParameter},
	{ErrClosed, StatusInvalidDevice},
	{channel.ErrClosed, StatusInvalidDevice},
}

// Status maps an error returned by this module to its status code
func Status(err error) StatusCode {
	if err == nil {
		return StatusSuccess
	}
	for _, entry := range statusTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return StatusFailed
}

// exhausted wraps the cause of a retry budget running out
func exhausted(cause error) error {
	return fmt.Errorf("%w: %w", ErrResponseTimeout, cause)
}
