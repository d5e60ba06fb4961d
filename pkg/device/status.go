package device

import (
	"errors"

	"avaneesh/ese-go/pkg/chain"
	"avaneesh/ese-go/pkg/t1"
)

var statusTable = []struct {
	err  error
	code t1.StatusCode
}{
	{ErrNotOpen, t1.StatusInvalidDevice},
	{ErrInvalidLength, t1.StatusInvalidParameter},
	{ErrNoResponse, t1.StatusInvalidBuffer},
	{ErrSizeMismatch, t1.StatusInvalidReceiveLength},
	{ErrResetUnsupported, t1.StatusInvalidDevice},
	{ErrDirectMode, t1.StatusInvalidParameter},
	{ErrUnknown, t1.StatusInvalidDevice},
	{chain.ErrEmpty, t1.StatusInvalidParameter},
	{chain.ErrNoCommands, t1.StatusInvalidFormat},
	{chain.ErrShortHeader, t1.StatusInvalidFormat},
	{chain.ErrShortPayload, t1.StatusInvalidFormat},
	{chain.ErrShortExpected, t1.StatusInvalidFormat},
	{chain.ErrAgainLimit, t1.StatusResponseTimeout},
}

// Status maps an error from a device operation to its status code
func Status(err error) t1.StatusCode {
	if err == nil {
		return t1.StatusSuccess
	}
	var seqErr *chain.SequenceError
	if errors.As(err, &seqErr) {
		return t1.StatusInvalidFormat
	}
	for _, entry := range statusTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return t1.Status(err)
}
