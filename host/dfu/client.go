package dfu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/softdfu/device"
	dfuclass "github.com/ardnew/softdfu/device/class/dfu"
	"github.com/ardnew/softdfu/pkg"
)

// Request types of DFU class requests addressed to an interface.
const (
	requestTypeOut = device.RequestDirectionHostToDevice | device.RequestTypeClass | device.RequestRecipientInterface // 0x21
	requestTypeIn  = device.RequestDirectionDeviceToHost | device.RequestTypeClass | device.RequestRecipientInterface // 0xA1
)

// Controller issues control transfers to a device. It has the signature
// of gousb's (*Device).Control; the loopback host implements it too.
type Controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// Status is the decoded DFU_GETSTATUS response.
type Status struct {
	Status      dfuclass.Status
	PollTimeout time.Duration
	State       dfuclass.State
	StringIndex uint8
}

// DeviceError reports a device that entered dfuERROR.
type DeviceError struct {
	Status dfuclass.Status
	State  dfuclass.State
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device in %s: %s", e.State, e.Status)
}

// maxBlocks is the number of distinct wBlockNum values.
const maxBlocks = 1 << 16

// Client drives a device in DFU mode through its control pipe.
type Client struct {
	ctl          Controller
	iface        uint16
	transferSize int
	maxPoll      time.Duration
}

// NewClient creates a client for the DFU interface iface.
func NewClient(ctl Controller, iface uint8) *Client {
	return &Client{
		ctl:          ctl,
		iface:        uint16(iface),
		transferSize: dfuclass.Capacity,
		maxPoll:      time.Second,
	}
}

// SetTransferSize sets the block size used by Download, normally the
// wTransferSize of the functional descriptor. Sizes the device cannot
// buffer in one block are refused and leave the current size in place.
func (c *Client) SetTransferSize(size int) error {
	if size <= 0 || size > dfuclass.Capacity {
		return fmt.Errorf("transfer size %d not in 1..%d: %w", size, dfuclass.Capacity, pkg.ErrInvalidArgument)
	}
	c.transferSize = size
	return nil
}

// TransferSize returns the block size used by Download.
func (c *Client) TransferSize() int {
	return c.transferSize
}

// SetMaxPollTimeout caps the bwPollTimeout the client waits between polls.
func (c *Client) SetMaxPollTimeout(max time.Duration) {
	c.maxPoll = max
}

// GetStatus issues DFU_GETSTATUS.
func (c *Client) GetStatus() (Status, error) {
	var buf [dfuclass.StatusSize]byte
	n, err := c.ctl.Control(requestTypeIn, uint8(dfuclass.RequestGetStatus), 0, c.iface, buf[:])
	if err != nil {
		return Status{}, fmt.Errorf("control: %w", err)
	}
	if n != len(buf) {
		return Status{}, fmt.Errorf("status returned %d bytes: %w", n, pkg.ErrProtocol)
	}

	timeout := uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16
	return Status{
		Status:      dfuclass.Status(buf[0]),
		PollTimeout: time.Duration(timeout) * time.Millisecond,
		State:       dfuclass.State(buf[4]),
		StringIndex: buf[5],
	}, nil
}

// GetState issues DFU_GETSTATE.
func (c *Client) GetState() (dfuclass.State, error) {
	var buf [1]byte
	n, err := c.ctl.Control(requestTypeIn, uint8(dfuclass.RequestGetState), 0, c.iface, buf[:])
	if err != nil {
		return dfuclass.StateError, fmt.Errorf("control: %w", err)
	}
	if n != 1 {
		return dfuclass.StateError, fmt.Errorf("state returned %d bytes: %w", n, pkg.ErrProtocol)
	}
	return dfuclass.State(buf[0]), nil
}

// ClearStatus issues DFU_CLRSTATUS.
func (c *Client) ClearStatus() error {
	return c.out(dfuclass.RequestClrStatus, 0, nil)
}

// Abort issues DFU_ABORT.
func (c *Client) Abort() error {
	return c.out(dfuclass.RequestAbort, 0, nil)
}

// Detach issues DFU_DETACH with the given timeout. A device in DFU mode
// does not support it and stalls.
func (c *Client) Detach(timeout time.Duration) error {
	return c.out(dfuclass.RequestDetach, uint16(timeout.Milliseconds()), nil)
}

// Dnload sends one DFU_DNLOAD block. An empty block ends the download.
func (c *Client) Dnload(block uint16, data []byte) error {
	return c.out(dfuclass.RequestDnload, block, data)
}

// Upload issues DFU_UPLOAD for block into buf. A device in DFU mode
// without upload support stalls.
func (c *Client) Upload(block uint16, buf []byte) (int, error) {
	n, err := c.ctl.Control(requestTypeIn, uint8(dfuclass.RequestUpload), block, c.iface, buf)
	if err != nil {
		return n, fmt.Errorf("control: %w", err)
	}
	return n, nil
}

func (c *Client) out(code dfuclass.RequestCode, value uint16, data []byte) error {
	if _, err := c.ctl.Control(requestTypeOut, uint8(code), value, c.iface, data); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	return nil
}

// Clean brings the device back to dfuIDLE, clearing an error or aborting
// an unfinished transfer.
func (c *Client) Clean() error {
	status, err := c.GetStatus()
	if err != nil {
		return fmt.Errorf("GetStatus: %w", err)
	}

	switch {
	case status.State == dfuclass.StateIdle && status.Status == dfuclass.StatusOK:
		return nil
	case status.State == dfuclass.StateError, status.State == dfuclass.StateIdle:
		// A refused request in dfuIDLE leaves its status behind
		if err := c.ClearStatus(); err != nil {
			return fmt.Errorf("ClrStatus: %w", err)
		}
	default:
		if err := c.Abort(); err != nil {
			return fmt.Errorf("Abort: %w", err)
		}
	}

	state, err := c.GetState()
	if err != nil {
		return fmt.Errorf("GetState: %w", err)
	}
	if state != dfuclass.StateIdle {
		return fmt.Errorf("unexpected DFU state %s: %w", state, pkg.ErrInvalidState)
	}
	return nil
}

// Download sends image to the device block by block and waits through
// manifestation. progress, if not nil, is called after each block.
func (c *Client) Download(ctx context.Context, image []byte, progress func(sent, total int)) error {
	if len(image) == 0 {
		return fmt.Errorf("empty image: %w", pkg.ErrInvalidArgument)
	}
	if limit := maxBlocks * c.transferSize; len(image) > limit {
		return fmt.Errorf("image of %d bytes exceeds %d blocks of %d bytes: %w",
			len(image), maxBlocks, c.transferSize, pkg.ErrInvalidArgument)
	}
	if err := c.Clean(); err != nil {
		return fmt.Errorf("clean: %w", err)
	}

	block := uint16(0)
	for sent := 0; sent < len(image); block++ {
		end := min(sent+c.transferSize, len(image))
		if err := c.Dnload(block, image[sent:end]); err != nil {
			return fmt.Errorf("block %d: %w", block, c.explain(err))
		}
		if _, err := c.poll(ctx, dfuclass.StateDnloadIdle); err != nil {
			return fmt.Errorf("block %d: %w", block, err)
		}
		sent = end

		pkg.LogDebug(pkg.ComponentClient, "block sent",
			"block", block,
			"sent", sent,
			"total", len(image))
		if progress != nil {
			progress(sent, len(image))
		}
	}

	// Zero-length download ends the transfer and starts manifestation
	if err := c.Dnload(block, nil); err != nil {
		return fmt.Errorf("zero length send failed: %w", c.explain(err))
	}
	state, err := c.poll(ctx, dfuclass.StateIdle, dfuclass.StateManifestWaitReset)
	if err != nil {
		return fmt.Errorf("manifestation: %w", err)
	}

	pkg.LogInfo(pkg.ComponentClient, "download complete",
		"size", len(image),
		"blocks", block,
		"state", state)
	return nil
}

// poll issues DFU_GETSTATUS, waiting bwPollTimeout between polls, until
// the device reaches one of want.
func (c *Client) poll(ctx context.Context, want ...dfuclass.State) (dfuclass.State, error) {
	for {
		status, err := c.GetStatus()
		if err != nil {
			return dfuclass.StateError, err
		}
		if status.State == dfuclass.StateError || status.Status != dfuclass.StatusOK {
			return status.State, &DeviceError{Status: status.Status, State: status.State}
		}
		for _, w := range want {
			if status.State == w {
				return w, nil
			}
		}

		wait := min(status.PollTimeout, c.maxPoll)
		select {
		case <-ctx.Done():
			return status.State, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// explain replaces a stall with the error the device reports for it.
func (c *Client) explain(err error) error {
	if !errors.Is(err, pkg.ErrStall) {
		return err
	}
	status, serr := c.GetStatus()
	if serr != nil || status.State != dfuclass.StateError {
		return err
	}
	return fmt.Errorf("%w: %w", err, &DeviceError{Status: status.Status, State: status.State})
}
