package hal

import "context"

// Speed is the bus speed a controller negotiated with the host.
type Speed uint8

// Bus speeds. The zero value means no speed has been negotiated.
const (
	SpeedUnknown Speed = iota
	SpeedLow           // 1.5 Mbit/s
	SpeedFull          // 12 Mbit/s
	SpeedHigh          // 480 Mbit/s
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	}
	return "unknown"
}

// SetupPacket is a SETUP transaction as the controller delivered it, with
// the multi-byte fields already in host order.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Bus is the attachment side of a controller.
type Bus interface {
	// Init prepares the controller. It fails if the controller is in use.
	Init(ctx context.Context) error
	// Start attaches to the bus; the host may begin enumerating.
	Start() error
	// Stop detaches and unblocks any pending EP0 call.
	Stop() error
	// SetAddress programs the address assigned by SET_ADDRESS.
	SetAddress(address uint8) error

	IsConnected() bool
	GetSpeed() Speed
	WaitConnect(ctx context.Context) error
	WaitDisconnect(ctx context.Context) error
}

// ControlPipe is the default control endpoint. Buffers belong to the
// caller; implementations must not retain them.
type ControlPipe interface {
	// ReadSetup blocks for the next SETUP packet. A bus reset is reported
	// as pkg.ErrReset.
	ReadSetup(ctx context.Context, out *SetupPacket) error
	// WriteEP0 sends an IN data stage. A nil data sends a zero-length packet.
	WriteEP0(ctx context.Context, data []byte) error
	// ReadEP0 receives an OUT data stage into buf.
	ReadEP0(ctx context.Context, buf []byte) (int, error)
	// StallEP0 refuses the current transfer.
	StallEP0() error
	// AckEP0 completes the status stage of an OUT transfer.
	AckEP0() error
}

// DeviceHAL is everything the device stack needs from a controller.
type DeviceHAL interface {
	Bus
	ControlPipe
}
