package device

import "fmt"

// Standard request codes (USB 2.0 Table 9-4). SET_DESCRIPTOR and
// SYNCH_FRAME are absent: neither is accepted.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

// Feature selectors (USB 2.0 Table 9-6).
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// bmRequestType fields.
const (
	RequestDirectionHostToDevice = 0x00
	RequestDirectionDeviceToHost = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
	RequestRecipientOther     = 0x03

	directionMask = 0x80
	typeMask      = 0x60
	recipientMask = 0x1F
)

// ControlStage is the point of a control transfer at which a function is
// called.
type ControlStage uint8

const (
	// StageSetup is the SETUP packet, before any data stage.
	StageSetup ControlStage = iota
	// StageData follows a completed OUT data stage.
	StageData
)

func (s ControlStage) String() string {
	switch s {
	case StageSetup:
		return "setup"
	case StageData:
		return "data"
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// SetupPacket is a decoded SETUP packet.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

func (s *SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&directionMask == RequestDirectionDeviceToHost
}

func (s *SetupPacket) IsStandard() bool {
	return s.RequestType&typeMask == RequestTypeStandard
}

func (s *SetupPacket) IsClass() bool {
	return s.RequestType&typeMask == RequestTypeClass
}

// Recipient returns the recipient field of bmRequestType.
func (s *SetupPacket) Recipient() uint8 {
	return s.RequestType & recipientMask
}

func (s *SetupPacket) IsDeviceRecipient() bool {
	return s.Recipient() == RequestRecipientDevice
}

// DescriptorType and DescriptorIndex split wValue of GET_DESCRIPTOR.
func (s *SetupPacket) DescriptorType() uint8  { return uint8(s.Value >> 8) }
func (s *SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

// InterfaceNumber returns the low byte of wIndex, which holds the
// interface number or endpoint address depending on the recipient.
func (s *SetupPacket) InterfaceNumber() uint8 { return uint8(s.Index) }

func (s *SetupPacket) String() string {
	dir := "OUT"
	if s.IsDeviceToHost() {
		dir = "IN"
	}
	kind := [4]string{"std", "class", "vendor", "reserved"}[(s.RequestType&typeMask)>>5]
	to := "other"
	switch s.Recipient() {
	case RequestRecipientDevice:
		to = "dev"
	case RequestRecipientInterface:
		to = "if"
	case RequestRecipientEndpoint:
		to = "ep"
	}
	return fmt.Sprintf("%s %s/%s bRequest=0x%02X wValue=0x%04X wIndex=0x%04X wLength=%d",
		dir, kind, to, s.Request, s.Value, s.Index, s.Length)
}
