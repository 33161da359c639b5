package pkg

import "errors"

// Control pipe errors.
var (
	// ErrStall indicates the control pipe was stalled by the device.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a control transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrProtocol indicates a control transfer protocol violation.
	ErrProtocol = errors.New("protocol error")

	// ErrReset indicates a bus reset was received.
	ErrReset = errors.New("bus reset")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrNotConfigured indicates the device is not configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidRequest indicates a request no handler accepted.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrNoMemory indicates a fixed-size table is full.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrAlreadyRunning indicates the stack is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the stack is not running.
	ErrNotRunning = errors.New("not running")
)

// Function driver errors.
//
// These are returned synchronously by function drivers to the framework.
// ErrNotFound means "not mine" and lets the framework offer the request or
// interface to the next function; ErrUnsupportedOp and ErrInvalidArgument
// make the framework stall the control pipe without a reply.
var (
	// ErrNotFound indicates the request or interface does not belong to the function.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyInitialized indicates the function is already bound to the interface.
	ErrAlreadyInitialized = errors.New("already initialized")

	// ErrNoResource indicates the function is already bound to another interface.
	ErrNoResource = errors.New("no resource")

	// ErrUnsupportedOp indicates a valid request that is not implemented in this mode.
	ErrUnsupportedOp = errors.New("unsupported operation")

	// ErrInvalidArgument indicates a malformed request or a request invalid in the current state.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDenied indicates a lifecycle violation, such as registering after enumeration.
	ErrDenied = errors.New("denied")
)

// IsStallError reports whether err requires the control pipe to be
// stalled rather than answered.
func IsStallError(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}
