package device

// Function is a function driver bound to one interface of the active
// configuration. The device holds registered functions and drives them:
// interfaces are offered through Enable when the host selects a
// configuration, withdrawn through Disable on unconfigure or bus reset, and
// class or vendor requests are routed through HandleRequest.
type Function interface {
	// Enable offers an interface of the configuration being activated.
	// Returning pkg.ErrNotFound declines the interface so the device can
	// offer it to the next function.
	Enable(desc *InterfaceDescriptor) error

	// Disable withdraws the function's interface. desc is nil when the
	// whole configuration is torn down (bus reset or SET_CONFIGURATION 0).
	Disable(desc *InterfaceDescriptor) error

	// HandleRequest processes a non-standard control request at the given
	// stage. Returning pkg.ErrNotFound passes the request to the next
	// function. Any other error stalls the control pipe; the returned
	// Reply is then ignored.
	HandleRequest(setup *SetupPacket, stage ControlStage) (Reply, error)
}

// Resetter is implemented by functions with state that only a bus reset
// clears. The device calls BusReset after withdrawing the configuration
// on reset, never on SET_CONFIGURATION.
type Resetter interface {
	BusReset()
}

// ReplyKind selects what the control pipe does in answer to a request.
type ReplyKind uint8

// Reply kinds.
const (
	ReplyNone    ReplyKind = iota // Nothing to transfer at this stage
	ReplySend                     // Send Data to the host (IN data stage)
	ReplyReceive                  // Receive len(Data) bytes from the host into Data (OUT data stage)
	ReplyAck                      // Acknowledge with a zero-length packet
	ReplyStall                    // Reject the request
)

// String returns the reply kind name.
func (k ReplyKind) String() string {
	switch k {
	case ReplyNone:
		return "none"
	case ReplySend:
		return "send"
	case ReplyReceive:
		return "receive"
	case ReplyAck:
		return "ack"
	case ReplyStall:
		return "stall"
	default:
		return "unknown"
	}
}

// Reply is the answer of a function driver to a control request. Data
// references the driver's own buffer and is only valid until the driver
// is called again.
type Reply struct {
	Kind ReplyKind
	Data []byte
}

// Send returns a reply that transmits data to the host.
func Send(data []byte) Reply {
	return Reply{Kind: ReplySend, Data: data}
}

// Receive returns a reply that arms the data stage to fill buf.
func Receive(buf []byte) Reply {
	return Reply{Kind: ReplyReceive, Data: buf}
}

// Ack returns a zero-length acknowledgment reply.
func Ack() Reply {
	return Reply{Kind: ReplyAck}
}

// Stall returns a reply that rejects the request.
func Stall() Reply {
	return Reply{Kind: ReplyStall}
}
