package dfu

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softdfu/device"
)

// DFU interface class codes (DFU 1.1 Section 4.2.3).
const (
	ClassDFU           = device.ClassAppSpecific // Application Specific Class
	SubclassDFU        = 0x01                    // Device Firmware Upgrade
	ProtocolRuntime    = 0x01                    // Run-time protocol
	ProtocolDFUMode    = 0x02                    // DFU mode protocol
	DFUVersion         = 0x0110                  // bcdDFUVersion 1.1
	DefaultPollTimeout = 10                      // bwPollTimeout in milliseconds
)

// Capacity is the size of the staging buffer and therefore the largest
// block a single DNLOAD may carry.
const Capacity = device.MaxControlDataSize

// RequestCode is a DFU class request code (DFU 1.1 Table 3.2).
type RequestCode uint8

// DFU class request codes.
const (
	RequestDetach    RequestCode = 0x00
	RequestDnload    RequestCode = 0x01
	RequestUpload    RequestCode = 0x02
	RequestGetStatus RequestCode = 0x03
	RequestClrStatus RequestCode = 0x04
	RequestGetState  RequestCode = 0x05
	RequestAbort     RequestCode = 0x06
)

// String returns the DFU request name.
func (r RequestCode) String() string {
	switch r {
	case RequestDetach:
		return "DFU_DETACH"
	case RequestDnload:
		return "DFU_DNLOAD"
	case RequestUpload:
		return "DFU_UPLOAD"
	case RequestGetStatus:
		return "DFU_GETSTATUS"
	case RequestClrStatus:
		return "DFU_CLRSTATUS"
	case RequestGetState:
		return "DFU_GETSTATE"
	case RequestAbort:
		return "DFU_ABORT"
	default:
		return fmt.Sprintf("DFU_REQUEST(0x%02X)", uint8(r))
	}
}

// State is a DFU device state (DFU 1.1 Section 6.1.2).
type State uint8

// DFU states.
const (
	StateAppIdle           State = 0
	StateAppDetach         State = 1
	StateIdle              State = 2
	StateDnloadSync        State = 3
	StateDnBusy            State = 4
	StateDnloadIdle        State = 5
	StateManifestSync      State = 6
	StateManifest          State = 7
	StateManifestWaitReset State = 8
	StateUploadIdle        State = 9
	StateError             State = 10
)

// String returns the DFU state name as written in the class specification.
func (s State) String() string {
	switch s {
	case StateAppIdle:
		return "appIDLE"
	case StateAppDetach:
		return "appDETACH"
	case StateIdle:
		return "dfuIDLE"
	case StateDnloadSync:
		return "dfuDNLOAD-SYNC"
	case StateDnBusy:
		return "dfuDNBUSY"
	case StateDnloadIdle:
		return "dfuDNLOAD-IDLE"
	case StateManifestSync:
		return "dfuMANIFEST-SYNC"
	case StateManifest:
		return "dfuMANIFEST"
	case StateManifestWaitReset:
		return "dfuMANIFEST-WAIT-RESET"
	case StateUploadIdle:
		return "dfuUPLOAD-IDLE"
	case StateError:
		return "dfuERROR"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Status is a DFU status code (DFU 1.1 Section 6.1.2).
type Status uint8

// DFU status codes.
const (
	StatusOK              Status = 0x00 // No error condition is present
	StatusErrTarget       Status = 0x01 // File is not targeted for use by this device
	StatusErrFile         Status = 0x02 // File fails a vendor-specific verification test
	StatusErrWrite        Status = 0x03 // Device is unable to write memory
	StatusErrErase        Status = 0x04 // Memory erase function failed
	StatusErrCheckErased  Status = 0x05 // Memory erase check failed
	StatusErrProg         Status = 0x06 // Program memory function failed
	StatusErrVerify       Status = 0x07 // Programmed memory failed verification
	StatusErrAddress      Status = 0x08 // Address out of range
	StatusErrNotDone      Status = 0x09 // Unexpected end of data
	StatusErrFirmware     Status = 0x0A // Firmware is corrupt
	StatusErrVendor       Status = 0x0B // Vendor-specific error
	StatusErrUSBR         Status = 0x0C // Unexpected USB reset
	StatusErrPOR          Status = 0x0D // Unexpected power-on reset
	StatusErrUnknown      Status = 0x0E // Unknown error
	StatusErrStalledPkt   Status = 0x0F // Device stalled an unexpected request
	statusCount                  = 0x10
)

var statusNames = [statusCount]string{
	"OK", "errTARGET", "errFILE", "errWRITE", "errERASE", "errCHECK_ERASED",
	"errPROG", "errVERIFY", "errADDRESS", "errNOTDONE", "errFIRMWARE",
	"errVENDOR", "errUSBR", "errPOR", "errUNKNOWN", "errSTALLEDPKT",
}

// String returns the DFU status name.
func (s Status) String() string {
	if s < statusCount {
		return statusNames[s]
	}
	return fmt.Sprintf("status(0x%02X)", uint8(s))
}

// Attributes are the bmAttributes capability bits of the functional
// descriptor (DFU 1.1 Table 4.2).
type Attributes uint8

// Capability bits.
const (
	CanDnload             Attributes = 1 << 0 // bitCanDnload
	CanUpload             Attributes = 1 << 1 // bitCanUpload
	ManifestationTolerant Attributes = 1 << 2 // bitManifestationTolerant
	WillDetach            Attributes = 1 << 3 // bitWillDetach
)

// Has reports whether all bits of flag are set.
func (a Attributes) Has(flag Attributes) bool {
	return a&flag == flag
}

// DescriptorTypeFunctional is the DFU functional descriptor type.
const DescriptorTypeFunctional = 0x21

// FunctionalDescriptorSize is the size of a DFU functional descriptor in bytes.
const FunctionalDescriptorSize = 9

// FunctionalDescriptor is the DFU functional descriptor that follows the
// DFU interface descriptor (DFU 1.1 Table 4.2).
type FunctionalDescriptor struct {
	Attributes    Attributes
	DetachTimeout uint16 // wDetachTimeOut in milliseconds
	TransferSize  uint16 // wTransferSize in bytes
	DFUVersion    uint16 // bcdDFUVersion
}

// MarshalTo writes the functional descriptor to buf.
// Returns the number of bytes written (9), or 0 if buf is too small.
func (d *FunctionalDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < FunctionalDescriptorSize {
		return 0
	}
	buf[0] = FunctionalDescriptorSize
	buf[1] = DescriptorTypeFunctional
	buf[2] = byte(d.Attributes)
	binary.LittleEndian.PutUint16(buf[3:5], d.DetachTimeout)
	binary.LittleEndian.PutUint16(buf[5:7], d.TransferSize)
	binary.LittleEndian.PutUint16(buf[7:9], d.DFUVersion)
	return FunctionalDescriptorSize
}

// ParseFunctionalDescriptor parses a functional descriptor from bytes into out.
func ParseFunctionalDescriptor(data []byte, out *FunctionalDescriptor) error {
	if err := device.CheckDescriptor(data, FunctionalDescriptorSize, DescriptorTypeFunctional); err != nil {
		return err
	}
	out.Attributes = Attributes(data[2])
	out.DetachTimeout = binary.LittleEndian.Uint16(data[3:5])
	out.TransferSize = binary.LittleEndian.Uint16(data[5:7])
	out.DFUVersion = binary.LittleEndian.Uint16(data[7:9])
	return nil
}
