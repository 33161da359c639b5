package loopback

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/softdfu/device/hal"
	"github.com/ardnew/softdfu/pkg"
)

// directionIn is the device-to-host bit of bmRequestType.
const directionIn = 0x80

// Host is the host side of a loopback control pipe. Transfers are
// serialized; one control transfer is outstanding at a time.
type Host struct {
	hal     *HAL
	timeout time.Duration
	mutex   sync.Mutex
}

// SetTimeout sets how long a transfer waits for the device.
func (h *Host) SetTimeout(timeout time.Duration) {
	h.mutex.Lock()
	h.timeout = timeout
	h.mutex.Unlock()
}

// Control performs a control transfer, with the same contract as
// gousb's (*Device).Control: for IN requests data receives the reply and
// its length is wLength; for OUT requests data is sent. A stalled request
// returns pkg.ErrStall.
func (h *Host) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	if len(data) > MaxPacketSize {
		return 0, pkg.ErrBufferTooSmall
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.drain()

	setup := message{
		kind: msgSetup,
		setup: hal.SetupPacket{
			RequestType: rType,
			Request:     request,
			Value:       val,
			Index:       idx,
			Length:      uint16(len(data)),
		},
	}
	if err := h.send(ctx, setup); err != nil {
		return 0, err
	}

	if rType&directionIn != 0 {
		return h.controlIn(ctx, data)
	}
	return h.controlOut(ctx, data)
}

func (h *Host) controlIn(ctx context.Context, data []byte) (int, error) {
	m, err := h.receive(ctx)
	if err != nil {
		return 0, err
	}
	switch m.kind {
	case msgData:
		n := copy(data, m.data)
		// Zero-length status stage
		if err := h.send(ctx, message{kind: msgData}); err != nil {
			return n, err
		}
		return n, nil
	case msgStall:
		return 0, pkg.ErrStall
	default:
		return 0, pkg.ErrProtocol
	}
}

func (h *Host) controlOut(ctx context.Context, data []byte) (int, error) {
	if len(data) > 0 {
		if err := h.send(ctx, message{kind: msgData, data: clone(data)}); err != nil {
			return 0, err
		}
	}
	m, err := h.receive(ctx)
	if err != nil {
		return 0, err
	}
	switch m.kind {
	case msgAck:
		return len(data), nil
	case msgStall:
		return 0, pkg.ErrStall
	default:
		return 0, pkg.ErrProtocol
	}
}

// Reset signals a port reset and waits for the device to acknowledge it.
func (h *Host) Reset() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.drain()
	if err := h.send(ctx, message{kind: msgReset}); err != nil {
		return err
	}
	m, err := h.receive(ctx)
	if err != nil {
		return err
	}
	if m.kind != msgAck {
		return pkg.ErrProtocol
	}
	return nil
}

// WaitConnect blocks until the device is attached or ctx is cancelled.
func (h *Host) WaitConnect(ctx context.Context) error {
	return h.hal.WaitConnect(ctx)
}

// drain discards answers to transfers that already timed out.
func (h *Host) drain() {
	for {
		select {
		case m := <-h.hal.toHost:
			pkg.LogDebug(pkg.ComponentHAL, "late device message dropped", "type", m.kind)
		default:
			return
		}
	}
}

func (h *Host) send(ctx context.Context, m message) error {
	select {
	case <-h.hal.closeCh:
		return pkg.ErrNoDevice
	default:
	}
	select {
	case <-ctx.Done():
		return pkg.ErrTimeout
	case <-h.hal.closeCh:
		return pkg.ErrNoDevice
	case h.hal.toDevice <- m:
		return nil
	}
}

func (h *Host) receive(ctx context.Context) (message, error) {
	select {
	case <-ctx.Done():
		return message{}, pkg.ErrTimeout
	case <-h.hal.closeCh:
		return message{}, pkg.ErrNoDevice
	case m := <-h.hal.toHost:
		return m, nil
	}
}
