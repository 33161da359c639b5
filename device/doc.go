// Package device implements the device side of a USB 2.0 control pipe.
//
// It is platform-agnostic and talks to hardware through the
// [hal.DeviceHAL] interface defined in [github.com/ardnew/softdfu/device/hal].
// Only the default control endpoint is modelled: a firmware-upgrade device
// in DFU mode has no other pipes.
//
// # Architecture
//
//   - [Device] holds the descriptors, the USB lifecycle state and the
//     registry of function drivers
//   - [Configuration] groups interfaces and their class-specific descriptors
//   - [Stack] runs the control loop: it answers standard requests, routes
//     class and vendor requests to the functions and executes their [Reply]
//   - [Function] is the contract a function driver (for example DFU)
//     implements
//
// # Device States
//
//	Attached → Powered → Default → Address → Configured ⇄ Suspended
//
// Functions are offered the interfaces of a configuration when the host
// issues SET_CONFIGURATION and are withdrawn with Disable(nil) on bus reset
// or SET_CONFIGURATION 0. Functions that implement [Resetter] are also
// told about the bus reset itself.
//
// # Replies
//
// A function never touches the control pipe itself. It answers each
// request with a [Reply] and the stack performs the transfer:
//
//	reply, err := fn.HandleRequest(setup, device.StageSetup)
//	// reply.Kind is one of ReplySend, ReplyReceive, ReplyAck, ReplyStall, ReplyNone
//
// Any error other than pkg.ErrNotFound stalls EP0.
//
// # Zero-Allocation Design
//
//   - Serialization via MarshalTo(buf) instead of allocating Bytes()
//   - Parse functions with output parameters instead of returning pointers
//   - Fixed-size arrays instead of maps for configurations and functions
//
// # Example
//
//	dev, err := device.NewDeviceBuilder().
//	    WithVendorProduct(0x1209, 0x2002).
//	    WithStrings("Acme", "Bootloader", "0001").
//	    AddConfiguration(1).
//	    AddInterface(device.ClassAppSpecific, 0x01, 0x02).
//	    Build(ctx)
//	stack := device.NewStack(dev, h)
//	stack.Start(ctx)
package device
