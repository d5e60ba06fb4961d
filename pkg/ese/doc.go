// Package ese is the entry point for embedded secure element access. A
// Manager owns one device per secure element, each a T=1 session over a
// byte channel, and exposes them to the RPC service and metrics collector.
//
// Basic usage:
//
//	mgr := ese.NewManager()
//	dev, err := mgr.Dial("ese0", channel.DefaultConfig(channel.KindSerial, "/dev/ttyUSB0"), ese.DefaultDeviceConfig())
//	if err != nil {
//		return err
//	}
//	dev.Open(ctx)
//	dev.Write(ctx, ese.SingleCommand(apdu))
//	rsp, err := dev.Read(ctx, dev.ResponseSize())
package ese
