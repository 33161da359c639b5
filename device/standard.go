package device

import (
	"encoding/binary"

	"github.com/ardnew/softdfu/pkg"
)

// MaxDescriptorResponseSize bounds the answer to any standard request.
const MaxDescriptorResponseSize = MaxControlDataSize

// StandardRequestHandler answers the chapter 9 requests a full-speed device
// with only the default control pipe must support.
type StandardRequestHandler struct {
	device *Device

	// Answers alias this buffer until the next call.
	responseBuf [MaxDescriptorResponseSize]byte
}

// NewStandardRequestHandler creates a handler answering for dev.
func NewStandardRequestHandler(dev *Device) *StandardRequestHandler {
	return &StandardRequestHandler{device: dev}
}

// HandleSetup answers a standard request. IN requests return their data,
// OUT requests return nil. Any request the device cannot honor returns
// pkg.ErrInvalidRequest, which the stack turns into a stall.
func (h *StandardRequestHandler) HandleSetup(setup *SetupPacket, data []byte) ([]byte, error) {
	if !setup.IsStandard() {
		return nil, pkg.ErrInvalidRequest
	}

	dev := h.device
	switch setup.Recipient() {
	case RequestRecipientDevice:
		switch setup.Request {
		case RequestGetStatus:
			return h.status(setup, uint16(dev.GetStatus()))
		case RequestClearFeature, RequestSetFeature:
			if setup.Value != FeatureDeviceRemoteWakeup {
				return nil, pkg.ErrInvalidRequest
			}
			dev.EnableRemoteWakeup(setup.Request == RequestSetFeature)
			return nil, nil
		case RequestSetAddress:
			return nil, dev.SetAddress(uint8(setup.Value & 0x7F))
		case RequestGetDescriptor:
			return h.descriptor(setup)
		case RequestGetConfiguration:
			h.responseBuf[0] = 0
			if config := dev.ActiveConfiguration(); config != nil {
				h.responseBuf[0] = config.Value
			}
			return h.responseBuf[:1], nil
		case RequestSetConfiguration:
			return nil, dev.SetConfiguration(uint8(setup.Value))
		}

	case RequestRecipientInterface:
		iface := dev.GetInterface(setup.InterfaceNumber())
		if iface == nil {
			return nil, pkg.ErrInvalidRequest
		}
		switch setup.Request {
		case RequestGetStatus:
			return h.status(setup, 0)
		case RequestGetInterface:
			h.responseBuf[0] = iface.Descriptor.AlternateSetting
			return h.responseBuf[:1], nil
		case RequestSetInterface:
			// Interfaces have a single alternate setting
			if uint8(setup.Value) != iface.Descriptor.AlternateSetting {
				return nil, pkg.ErrInvalidRequest
			}
			return nil, nil
		}

	case RequestRecipientEndpoint:
		// EP0 in either direction is the only endpoint
		if setup.InterfaceNumber()&0x7F != 0 {
			return nil, pkg.ErrInvalidRequest
		}
		switch setup.Request {
		case RequestGetStatus:
			return h.status(setup, 0)
		case RequestClearFeature, RequestSetFeature:
			if setup.Value != FeatureEndpointHalt {
				return nil, pkg.ErrInvalidRequest
			}
			// A halted EP0 recovers on the next SETUP
			return nil, nil
		}
	}
	return nil, pkg.ErrInvalidRequest
}

// status answers GET_STATUS with the two status bytes.
func (h *StandardRequestHandler) status(setup *SetupPacket, bits uint16) ([]byte, error) {
	if setup.Length < 2 {
		return nil, pkg.ErrInvalidRequest
	}
	binary.LittleEndian.PutUint16(h.responseBuf[:2], bits)
	return h.responseBuf[:2], nil
}

// descriptor answers GET_DESCRIPTOR, truncated to wLength. A full-speed
// only device refuses DEVICE_QUALIFIER, and so does this one.
func (h *StandardRequestHandler) descriptor(setup *SetupPacket) ([]byte, error) {
	var n int
	switch setup.DescriptorType() {
	case DescriptorTypeDevice:
		n = h.device.Descriptor.MarshalTo(h.responseBuf[:])

	case DescriptorTypeConfiguration:
		config := h.device.ConfigurationAt(setup.DescriptorIndex())
		if config == nil {
			return nil, pkg.ErrInvalidRequest
		}
		n = config.MarshalTo(h.responseBuf[:])

	case DescriptorTypeString:
		data := h.device.GetString(setup.DescriptorIndex())
		if data == nil {
			return nil, pkg.ErrInvalidRequest
		}
		n = copy(h.responseBuf[:], data)

	default:
		return nil, pkg.ErrInvalidRequest
	}

	if n == 0 {
		return nil, pkg.ErrBufferTooSmall
	}
	return h.responseBuf[:min(n, int(setup.Length))], nil
}
