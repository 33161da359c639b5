package dfu

import (
	"fmt"

	"github.com/ardnew/softdfu/device"
)

// Request is a DFU class request decoded from a setup packet.
type Request struct {
	Code      RequestCode
	In        bool   // device-to-host
	Block     uint16 // wValue: block number of DNLOAD/UPLOAD
	Length    uint16 // wLength: data stage size
	Interface uint8  // wIndex: target interface
}

// DecodeRequest decodes the DFU view of a setup packet.
func DecodeRequest(setup *device.SetupPacket) Request {
	return Request{
		Code:      RequestCode(setup.Request),
		In:        setup.IsDeviceToHost(),
		Block:     setup.Value,
		Length:    setup.Length,
		Interface: setup.InterfaceNumber(),
	}
}

// Offset returns the byte offset of the request's block in the image.
func (r Request) Offset() uint32 {
	return uint32(r.Block) * Capacity
}

// String returns a human-readable representation of the request.
func (r Request) String() string {
	dir := "OUT"
	if r.In {
		dir = "IN"
	}
	return fmt.Sprintf("%s %s block=%d len=%d iface=%d",
		r.Code, dir, r.Block, r.Length, r.Interface)
}
