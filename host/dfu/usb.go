package dfu

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/softdfu/pkg"
)

// USB is a Controller backed by a libusb device handle.
type USB struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
}

// OpenUSB opens the first device matching vid and pid.
func OpenUSB(vid, pid uint16) (*USB, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if dev == nil {
		var errs error = pkg.ErrNoDevice
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		if cerr := ctx.Close(); cerr != nil {
			errs = multierror.Append(errs, cerr)
		}
		return nil, fmt.Errorf("%04x:%04x: %w", vid, pid, errs)
	}

	pkg.LogDebug(pkg.ComponentClient, "opened device",
		"vid", fmt.Sprintf("%04x", vid),
		"pid", fmt.Sprintf("%04x", pid))
	return &USB{ctx: ctx, dev: dev}, nil
}

// Claim detaches any kernel driver and claims interface iface of the
// active configuration.
func (u *USB) Claim(iface uint8) error {
	if err := u.dev.SetAutoDetach(true); err != nil {
		return err
	}
	cfgNum, err := u.dev.ActiveConfigNum()
	if err != nil {
		return err
	}
	cfg, err := u.dev.Config(cfgNum)
	if err != nil {
		return err
	}
	intf, err := cfg.Interface(int(iface), 0)
	if err != nil {
		return errors.Join(err, cfg.Close())
	}
	u.cfg, u.intf = cfg, intf
	return nil
}

// Control performs a control transfer, translating libusb errors.
func (u *USB) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := u.dev.Control(rType, request, val, idx, data)
	switch {
	case errors.Is(err, gousb.ErrorTimeout):
		err = pkg.ErrTimeout
	case errors.Is(err, gousb.ErrorPipe):
		err = pkg.ErrStall
	case errors.Is(err, gousb.ErrorNoDevice):
		err = pkg.ErrNoDevice
	}
	return n, err
}

// SetControlTimeout sets the timeout of each control transfer.
func (u *USB) SetControlTimeout(dur time.Duration) {
	u.dev.ControlTimeout = dur
}

// Reset issues a USB port reset, as required after dfuMANIFEST-WAIT-RESET.
func (u *USB) Reset() error {
	return u.dev.Reset()
}

// Close releases the interface and closes the device and its context.
func (u *USB) Close() error {
	var errs error
	if u.intf != nil {
		u.intf.Close()
		u.intf = nil
	}
	if u.cfg != nil {
		if err := u.cfg.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("when closing config: %w", err))
		}
		u.cfg = nil
	}
	if err := u.dev.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("when closing USB device: %w", err))
	}
	if err := u.ctx.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("when closing context: %w", err))
	}
	return errs
}

// newContext creates a libusb context; gousb panics when libusb cannot
// be initialized.
func newContext() (*gousb.Context, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, err
	case res := <-resC:
		return res, nil
	}
}
