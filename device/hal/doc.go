// Package hal defines the Hardware Abstraction Layer interface for USB device stacks.
//
// The HAL sits between the device stack and the USB controller. A DFU-mode
// device only needs the default control pipe, so the contract covers EP0
// and connection state and nothing else.
//
// # Interface Overview
//
// The [DeviceHAL] interface defines the contract for device-side USB operations:
//
//   - Initialization and lifecycle management
//   - Control endpoint (EP0) operations for enumeration and class requests
//   - Connection state and speed negotiation
//
// A bus reset is reported by returning [github.com/ardnew/softdfu/pkg.ErrReset]
// from ReadSetup; the stack then resets the device and withdraws its
// function drivers.
//
// # Implementing a HAL
//
//  1. Create a type that implements all [DeviceHAL] methods
//  2. Handle hardware-specific initialization in Init()
//  3. Implement EP0 operations for control transfers
//  4. Track connection state and negotiated speed
//
// HAL implementations should reuse buffers provided by the stack and avoid
// allocations on the EP0 path.
//
// An in-process HAL that pairs the stack with a host-side control pipe is
// available in [github.com/ardnew/softdfu/device/hal/loopback].
package hal
