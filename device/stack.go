package device

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/softdfu/device/hal"
	"github.com/ardnew/softdfu/pkg"
)

// Stack manages the USB device stack: it owns the control loop that reads
// SETUP packets from the HAL, answers standard requests itself, routes
// class and vendor requests to the device's functions, and executes the
// reply each function returns.
type Stack struct {
	device  *Device
	hal     hal.DeviceHAL
	handler *StandardRequestHandler

	// State
	running bool
	mutex   sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Reusable setup packet for zero-allocation reads
	setupBuf hal.SetupPacket

	// EP0 read buffer for control OUT data no function asked to keep
	ep0ReadBuf [MaxControlDataSize]byte

	// Event callbacks
	onConnect    func()
	onDisconnect func()
}

// halSpeedToDeviceSpeed converts hal.Speed to device.Speed.
func halSpeedToDeviceSpeed(s hal.Speed) Speed {
	switch s {
	case hal.SpeedLow:
		return SpeedLow
	case hal.SpeedFull:
		return SpeedFull
	case hal.SpeedHigh:
		return SpeedHigh
	default:
		return SpeedFull // Default to full speed
	}
}

// NewStack creates a new device stack.
func NewStack(dev *Device, h hal.DeviceHAL) *Stack {
	s := &Stack{
		device: dev,
		hal:    h,
	}
	s.handler = NewStandardRequestHandler(dev)
	return s
}

// Start starts the device stack.
func (s *Stack) Start(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mutex.Unlock()

	if err := s.hal.Init(s.ctx); err != nil {
		return err
	}

	if err := s.hal.Start(); err != nil {
		return err
	}

	s.device.SetSpeed(halSpeedToDeviceSpeed(s.hal.GetSpeed()))
	s.device.PowerOn()

	s.mutex.Lock()
	s.running = true
	s.done = make(chan struct{})
	callback := s.onConnect
	s.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentStack, "device stack started")

	if callback != nil {
		callback()
	}

	// Start the control transfer handler
	go s.controlLoop(s.done)

	return nil
}

// Stop stops the device stack and waits for the control loop to exit.
func (s *Stack) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}

	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	done := s.done
	callback := s.onDisconnect
	s.mutex.Unlock()

	err := s.hal.Stop()
	<-done

	if callback != nil {
		callback()
	}

	if err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentStack, "device stack stopped")
	return nil
}

// IsRunning returns true if the stack is running.
func (s *Stack) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// Device returns the underlying device.
func (s *Stack) Device() *Device {
	return s.device
}

// controlLoop handles control transfers on EP0.
func (s *Stack) controlLoop(done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.hal.ReadSetup(s.ctx, &s.setupBuf); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			// Handle bus reset
			if errors.Is(err, pkg.ErrReset) {
				s.device.Reset()
				if err := s.hal.SetAddress(0); err != nil {
					pkg.LogWarn(pkg.ComponentStack, "error clearing address",
						"error", err)
				}
				continue
			}
			if errors.Is(err, pkg.ErrCancelled) || errors.Is(err, pkg.ErrNoDevice) {
				return
			}
			pkg.LogWarn(pkg.ComponentStack, "error reading setup",
				"error", err)
			continue
		}

		// Convert HAL setup packet to device setup packet
		var setup SetupPacket
		setup.RequestType = s.setupBuf.RequestType
		setup.Request = s.setupBuf.Request
		setup.Value = s.setupBuf.Value
		setup.Index = s.setupBuf.Index
		setup.Length = s.setupBuf.Length

		if err := s.handleSetup(&setup); err != nil {
			if isRefusal(err) {
				pkg.LogDebug(pkg.ComponentStack, "request stalled",
					"error", err,
					"request", setup.String())
			} else {
				pkg.LogWarn(pkg.ComponentStack, "error handling setup",
					"error", err,
					"request", setup.String())
			}
			if err := s.hal.StallEP0(); err != nil {
				pkg.LogWarn(pkg.ComponentStack, "error stalling EP0",
					"error", err)
			}
		}
	}
}

// isRefusal reports whether err is the device turning a request down, an
// outcome the host sees as a stall rather than a stack fault.
func isRefusal(err error) bool {
	for _, refusal := range [...]error{
		pkg.ErrStall,
		pkg.ErrUnsupportedOp,
		pkg.ErrInvalidArgument,
		pkg.ErrInvalidRequest,
		pkg.ErrNotFound,
	} {
		if errors.Is(err, refusal) {
			return true
		}
	}
	return false
}

// handleSetup processes a single SETUP transaction.
func (s *Stack) handleSetup(setup *SetupPacket) error {
	pkg.LogDebug(pkg.ComponentStack, "setup received",
		"request", setup.String())

	if setup.IsStandard() {
		data, err := s.handler.HandleSetup(setup, nil)
		if err != nil {
			return err
		}
		if err := s.completeStandard(setup, data); err != nil {
			return err
		}
		// The new address takes effect after the status stage
		if setup.Request == RequestSetAddress && setup.IsDeviceRecipient() {
			return s.hal.SetAddress(s.device.Address())
		}
		return nil
	}

	reply, err := s.device.HandleRequest(setup, StageSetup)
	if err != nil {
		return err
	}
	if setup.IsDeviceToHost() {
		return s.completeIn(setup, reply)
	}
	return s.completeOut(setup, reply)
}

// completeStandard completes a standard request answered with data.
func (s *Stack) completeStandard(setup *SetupPacket, data []byte) error {
	if setup.IsDeviceToHost() {
		return s.completeIn(setup, Send(data))
	}
	return s.completeOut(setup, Ack())
}

// completeIn executes the reply to a device-to-host request: data stage,
// then the host's zero-length status stage.
func (s *Stack) completeIn(setup *SetupPacket, reply Reply) error {
	switch reply.Kind {
	case ReplySend:
		data := reply.Data
		if len(data) > int(setup.Length) {
			data = data[:setup.Length]
		}
		if err := s.hal.WriteEP0(s.ctx, data); err != nil {
			return err
		}
		if !setup.IsStandard() {
			s.notifyData(setup)
		}
	case ReplyNone, ReplyAck:
		if err := s.hal.WriteEP0(s.ctx, nil); err != nil {
			return err
		}
	case ReplyStall:
		return pkg.ErrStall
	default:
		return pkg.ErrProtocol
	}

	// Read status stage (zero-length OUT)
	_, err := s.hal.ReadEP0(s.ctx, s.ep0ReadBuf[:0])
	return err
}

// completeOut executes the reply to a host-to-device request: optional
// data stage, then the device's zero-length status stage.
func (s *Stack) completeOut(setup *SetupPacket, reply Reply) error {
	switch reply.Kind {
	case ReplyReceive:
		buf := reply.Data
		if len(buf) > int(setup.Length) {
			buf = buf[:setup.Length]
		}
		n, err := s.hal.ReadEP0(s.ctx, buf)
		if err != nil {
			return err
		}
		if n != len(buf) {
			return pkg.ErrProtocol
		}
		final, err := s.device.HandleRequest(setup, StageData)
		if err != nil {
			return err
		}
		if final.Kind == ReplyStall {
			return pkg.ErrStall
		}
	case ReplyNone, ReplyAck:
		if setup.Length > 0 {
			// Read and discard the data stage
			maxLen := int(setup.Length)
			if maxLen > MaxControlDataSize {
				maxLen = MaxControlDataSize
			}
			if _, err := s.hal.ReadEP0(s.ctx, s.ep0ReadBuf[:maxLen]); err != nil {
				return err
			}
		}
	case ReplyStall:
		return pkg.ErrStall
	default:
		return pkg.ErrProtocol
	}

	// Send status stage
	return s.hal.AckEP0()
}

// notifyData tells the owning function that the IN data stage completed.
func (s *Stack) notifyData(setup *SetupPacket) {
	if _, err := s.device.HandleRequest(setup, StageData); err != nil && !errors.Is(err, pkg.ErrNotFound) {
		pkg.LogDebug(pkg.ComponentStack, "data stage notification failed",
			"error", err,
			"request", setup.String())
	}
}

// SetOnConnect sets the connect callback.
func (s *Stack) SetOnConnect(cb func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onConnect = cb
}

// SetOnDisconnect sets the disconnect callback.
func (s *Stack) SetOnDisconnect(cb func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onDisconnect = cb
}

// Speed returns the negotiated USB connection speed.
func (s *Stack) Speed() Speed {
	return halSpeedToDeviceSpeed(s.hal.GetSpeed())
}

// IsConnected returns true if the device is connected to a host.
func (s *Stack) IsConnected() bool {
	return s.hal.IsConnected()
}

// WaitConnect blocks until the device connects to a host or the context is cancelled.
func (s *Stack) WaitConnect(ctx context.Context) error {
	return s.hal.WaitConnect(ctx)
}

// WaitDisconnect blocks until the device disconnects or the context is cancelled.
func (s *Stack) WaitDisconnect(ctx context.Context) error {
	return s.hal.WaitDisconnect(ctx)
}
