// Package dfu implements the USB Device Firmware Upgrade (DFU 1.1) class in
// DFU mode for the softdfu device stack.
//
// The driver interprets the DFU class requests received on the control
// pipe, advances the DFU state machine and stages each downloaded block in
// a fixed buffer. It never programs memory itself: an applier (see package
// apply) copies staged blocks out and reports completion, which is how the
// device moves from dfuDNBUSY back to dfuDNLOAD-IDLE and through
// manifestation.
//
// # State Machine
//
// The transitions reachable in DFU mode are:
//
//	dfuIDLE, dfuDNLOAD-IDLE --DNLOAD(len>0)--> dfuDNLOAD-SYNC
//	dfuDNLOAD-SYNC   --GETSTATUS----------> dfuDNBUSY
//	dfuDNBUSY        --CompleteBlock------> dfuDNLOAD-IDLE
//	dfuDNLOAD-IDLE   --DNLOAD(len=0)------> dfuMANIFEST-SYNC
//	dfuMANIFEST-SYNC --GETSTATUS----------> dfuMANIFEST (not manifested)
//	dfuMANIFEST      --CompleteManifestation--> dfuMANIFEST-SYNC
//	dfuMANIFEST-SYNC --GETSTATUS----------> dfuIDLE (tolerant)
//	                                        dfuMANIFEST-WAIT-RESET (otherwise)
//	any              --ABORT--------------> dfuIDLE
//	dfuERROR         --CLRSTATUS----------> dfuIDLE
//
// Malformed or unsupported requests enter dfuERROR and stall the control
// pipe. DFU_DETACH and DFU_UPLOAD are not supported.
//
// # Usage
//
//	fw := dfu.New(dfu.CanDnload | dfu.ManifestationTolerant)
//
//	builder := device.NewDeviceBuilder().
//	    WithVendorProduct(0x1209, 0xDF11).
//	    WithStrings("Manufacturer", "DFU Device", "0001").
//	    AddConfiguration(1)
//	fw.ConfigureDevice(builder)
//
//	dev, _ := builder.Build(ctx)
//	fw.Initialize(dev)
//
//	stack := device.NewStack(dev, hal)
//	stack.Start(ctx)
//
//	applier := apply.New(fw, apply.NewMemoryStore(1 << 20))
//	go applier.Run(ctx)
package dfu
