package ese

import (
	"avaneesh/ese-go/pkg/chain"
	"avaneesh/ese-go/pkg/device"
	"avaneesh/ese-go/pkg/t1"
)

// Request helpers for building chain requests

// SingleCommand wraps one APDU as a chain request
func SingleCommand(apdu []byte) []byte {
	return chain.NewBuilder().Add(apdu).Build()
}

// Commands wraps APDUs as one chain request, in order
func Commands(apdus ...[]byte) []byte {
	b := chain.NewBuilder()
	for _, apdu := range apdus {
		b.Add(apdu)
	}
	return b.Build()
}

// RepeatWhile wraps an APDU that is resent for as long as its response ends
// with suffix, for example a GET RESPONSE loop on 61 xx
func RepeatWhile(apdu, suffix []byte) []byte {
	return chain.NewBuilder().AddExpect(apdu, chain.FlagAgain, suffix).Build()
}

// Status maps an error returned by a device to its status code
func Status(err error) t1.StatusCode {
	return device.Status(err)
}
