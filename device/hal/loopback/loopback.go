package loopback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softdfu/device/hal"
	"github.com/ardnew/softdfu/pkg"
)

// MaxPacketSize is the largest data stage carried in one message.
const MaxPacketSize = 512

// DefaultTimeout bounds how long the host waits for the device to answer.
const DefaultTimeout = time.Second

// Message types.
const (
	msgSetup = 0x01 // SETUP packet from host
	msgData  = 0x02 // DATA packet, either direction
	msgAck   = 0x03 // ACK response
	msgStall = 0x05 // STALL response
	msgReset = 0x12 // Port reset
)

// queueDepth is the number of messages buffered in each direction.
const queueDepth = 4

type message struct {
	kind  byte
	setup hal.SetupPacket
	data  []byte
}

// HAL implements hal.DeviceHAL over in-process channels. The host side of
// the pipe is returned by Host.
//
// A HAL is single-use: once stopped it cannot be started again.
type HAL struct {
	toDevice chan message
	toHost   chan message

	// State
	connected uint32 // Atomic: 1 = connected, 0 = disconnected
	speed     hal.Speed
	address   uint8

	// Synchronization
	mutex     sync.Mutex
	initDone  bool
	connectCh chan struct{}
	disconnCh chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once

	// Message that arrived while the device expected a data stage
	pending    message
	hasPending bool

	host *Host
}

var _ hal.DeviceHAL = (*HAL)(nil)

// New creates a new loopback HAL running at full speed.
func New() *HAL {
	h := &HAL{
		toDevice:  make(chan message, queueDepth),
		toHost:    make(chan message, queueDepth),
		speed:     hal.SpeedFull,
		connectCh: make(chan struct{}, 1),
		disconnCh: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
	h.host = &Host{hal: h, timeout: DefaultTimeout}
	return h
}

// Host returns the host side of the control pipe.
func (h *HAL) Host() *Host {
	return h.host
}

// Init prepares the HAL.
func (h *HAL) Init(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.initDone {
		return pkg.ErrAlreadyRunning
	}
	select {
	case <-h.closeCh:
		return pkg.ErrNoDevice
	default:
	}

	h.initDone = true
	pkg.LogDebug(pkg.ComponentHAL, "loopback HAL initialized")
	return nil
}

// Start attaches the device to the loopback bus.
func (h *HAL) Start() error {
	h.mutex.Lock()
	if !h.initDone {
		h.mutex.Unlock()
		return pkg.ErrNotConfigured
	}
	h.mutex.Unlock()

	atomic.StoreUint32(&h.connected, 1)

	select {
	case h.connectCh <- struct{}{}:
	default:
	}

	pkg.LogInfo(pkg.ComponentHAL, "loopback HAL started")
	return nil
}

// Stop detaches the device. Pending and future host transfers fail with
// pkg.ErrNoDevice.
func (h *HAL) Stop() error {
	atomic.StoreUint32(&h.connected, 0)

	select {
	case h.disconnCh <- struct{}{}:
	default:
	}

	h.closeOnce.Do(func() {
		close(h.closeCh)
	})

	h.mutex.Lock()
	h.initDone = false
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHAL, "loopback HAL stopped")
	return nil
}

// SetAddress records the device address.
func (h *HAL) SetAddress(address uint8) error {
	h.mutex.Lock()
	h.address = address
	h.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "address set", "address", address)
	return nil
}

// ReadSetup blocks until the host sends a SETUP packet or resets the port.
func (h *HAL) ReadSetup(ctx context.Context, out *hal.SetupPacket) error {
	for {
		m, err := h.next(ctx)
		if err != nil {
			return err
		}

		switch m.kind {
		case msgSetup:
			*out = m.setup
			pkg.LogDebug(pkg.ComponentHAL, "setup received",
				"reqType", out.RequestType,
				"req", out.Request,
				"value", out.Value,
				"index", out.Index,
				"length", out.Length)
			return nil

		case msgReset:
			// Port reset - acknowledge and notify the stack
			h.send(context.Background(), message{kind: msgAck})
			pkg.LogDebug(pkg.ComponentHAL, "port reset received")
			return pkg.ErrReset

		case msgData:
			// Data stage of a request the device already stalled
			pkg.LogDebug(pkg.ComponentHAL, "stale DATA message dropped",
				"length", len(m.data))
			continue

		default:
			pkg.LogWarn(pkg.ComponentHAL, "unknown message type", "type", m.kind)
			continue
		}
	}
}

// WriteEP0 sends an IN data stage to the host.
func (h *HAL) WriteEP0(ctx context.Context, data []byte) error {
	if len(data) > MaxPacketSize {
		data = data[:MaxPacketSize]
	}
	return h.send(ctx, message{kind: msgData, data: clone(data)})
}

// ReadEP0 receives an OUT data stage, or the zero-length status stage of
// an IN request, into buf.
func (h *HAL) ReadEP0(ctx context.Context, buf []byte) (int, error) {
	m, err := h.next(ctx)
	if err != nil {
		return 0, err
	}
	if m.kind != msgData {
		// Let ReadSetup see it once this transfer is abandoned
		h.mutex.Lock()
		h.pending = m
		h.hasPending = true
		h.mutex.Unlock()
		return 0, pkg.ErrProtocol
	}
	return copy(buf, m.data), nil
}

// StallEP0 answers the current transfer with a STALL.
func (h *HAL) StallEP0() error {
	pkg.LogDebug(pkg.ComponentHAL, "EP0 stalled")
	return h.send(context.Background(), message{kind: msgStall})
}

// AckEP0 answers the current transfer with a zero-length status stage.
func (h *HAL) AckEP0() error {
	return h.send(context.Background(), message{kind: msgAck})
}

// IsConnected returns true if the device is attached.
func (h *HAL) IsConnected() bool {
	return atomic.LoadUint32(&h.connected) == 1
}

// GetSpeed returns the bus speed.
func (h *HAL) GetSpeed() hal.Speed {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.speed
}

// WaitConnect blocks until connected or context is cancelled.
func (h *HAL) WaitConnect(ctx context.Context) error {
	if h.IsConnected() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.connectCh:
		return nil
	case <-h.closeCh:
		return pkg.ErrCancelled
	}
}

// WaitDisconnect blocks until disconnected or context is cancelled.
func (h *HAL) WaitDisconnect(ctx context.Context) error {
	if !h.IsConnected() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.disconnCh:
		return nil
	case <-h.closeCh:
		return pkg.ErrCancelled
	}
}

// Address returns the address last set by the stack.
func (h *HAL) Address() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.address
}

// next returns the parked message, or the next one from the host.
func (h *HAL) next(ctx context.Context) (message, error) {
	h.mutex.Lock()
	if h.hasPending {
		m := h.pending
		h.hasPending = false
		h.pending = message{}
		h.mutex.Unlock()
		return m, nil
	}
	h.mutex.Unlock()

	select {
	case <-ctx.Done():
		return message{}, ctx.Err()
	case <-h.closeCh:
		return message{}, pkg.ErrCancelled
	case m := <-h.toDevice:
		return m, nil
	}
}

// send queues a message for the host.
func (h *HAL) send(ctx context.Context, m message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.closeCh:
		return pkg.ErrCancelled
	case h.toHost <- m:
		return nil
	}
}

func clone(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
