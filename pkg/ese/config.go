package ese

import (
	"errors"
	"fmt"

	"avaneesh/ese-go/pkg/chain"
	"avaneesh/ese-go/pkg/device"
	"avaneesh/ese-go/pkg/t1"
)

// DeviceConfig configures one secure element
type DeviceConfig struct {
	// Node addresses
	SendAddress    byte
	ReceiveAddress byte

	// Session holds the T=1 retry budgets and timing
	Session t1.Config

	// MaxAgain bounds resends of one chain sub-command (0 = unlimited)
	MaxAgain int

	// Optional platform hooks
	PowerOn        device.Hook
	PowerOff       device.Hook
	InterfaceReset device.Hook
}

// DefaultDeviceConfig returns default device configuration
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		SendAddress:    t1.DefaultSendAddress,
		ReceiveAddress: t1.DefaultReceiveAddress,
		Session:        t1.DefaultConfig(),
		MaxAgain:       chain.DefaultMaxAgain,
	}
}

// Validate checks the configuration
func (c *DeviceConfig) Validate() error {
	if c.SendAddress == c.ReceiveAddress {
		return fmt.Errorf("send and receive address are both 0x%02X", c.SendAddress)
	}
	if c.ReceiveAddress == 0x00 {
		return errors.New("receive address 0x00 is reserved for idle padding")
	}
	s := c.Session
	if s.MaxFrameRetries < 0 || s.MaxRNACKRetries < 0 || s.MaxTimeoutRetries < 0 || s.MaxWTX < 0 {
		return errors.New("retry budgets must not be negative")
	}
	if s.AddressPolls <= 0 {
		return errors.New("address polls must be positive")
	}
	if s.MaxResponseSize < 0 || c.MaxAgain < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}
