// Package loopback implements an in-process HAL that connects a device
// stack to a host-side control pipe without hardware.
//
// The device half implements [hal.DeviceHAL]. The host half, returned by
// [HAL.Host], offers the same Control signature as gousb so host-side code
// can drive a simulated device and a real one alike.
//
// Both halves exchange typed messages over buffered channels:
//
//   - SETUP (host to device) starts a transfer
//   - DATA carries the data stage in either direction, and the zero-length
//     status stage of IN transfers
//   - ACK completes an OUT transfer
//   - STALL rejects a transfer; the host reports it as pkg.ErrStall
//   - RESET signals a port reset; the device acknowledges it and reports
//     pkg.ErrReset from ReadSetup
//
// # Usage
//
//	bus := loopback.New()
//	stack := device.NewStack(dev, bus)
//	stack.Start(ctx)
//
//	host := bus.Host()
//	buf := make([]byte, 18)
//	n, err := host.Control(0x80, 0x06, 0x0100, 0, buf) // GET_DESCRIPTOR(device)
package loopback
