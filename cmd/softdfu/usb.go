package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/boguslaw-wojcik/crc32a"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	hostdfu "github.com/ardnew/softdfu/host/dfu"
	"github.com/ardnew/softdfu/pkg"
)

var (
	usbVID       string
	usbPID       string
	usbInterface uint8
	usbTimeout   time.Duration
	usbReset     bool
)

var downloadCmd = &cobra.Command{
	Use:   "download FIRMWARE",
	Short: "Download firmware to a USB device in DFU mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		image, err := loadFirmware(args[0])
		if err != nil {
			return err
		}

		usb, client, err := openClient()
		if err != nil {
			return err
		}
		defer func() {
			if cerr := usb.Close(); cerr != nil {
				err = multierror.Append(err, cerr).ErrorOrNil()
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		if err := client.Download(ctx, image, progressBar(cmd.ErrOrStderr())); err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		if usbReset {
			if err := usb.Reset(); err != nil {
				pkg.LogWarn(pkg.ComponentClient, "reset after download failed", "error", err)
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "downloaded %d bytes, checksum %08x\n", len(image), crc32a.Checksum(image))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the DFU state of a USB device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		usb, client, err := openClient()
		if err != nil {
			return err
		}
		defer func() {
			if cerr := usb.Close(); cerr != nil {
				err = multierror.Append(err, cerr).ErrorOrNil()
			}
		}()

		status, err := client.GetStatus()
		if err != nil {
			return fmt.Errorf("GetStatus: %w", err)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "state:        %s\n", status.State)
		fmt.Fprintf(w, "status:       %s\n", status.Status)
		fmt.Fprintf(w, "poll timeout: %s\n", status.PollTimeout)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{downloadCmd, statusCmd} {
		cmd.Flags().StringVar(&usbVID, "vid", "0x1209", "USB vendor ID of the device")
		cmd.Flags().StringVar(&usbPID, "pid", "0xdf11", "USB product ID of the device")
		cmd.Flags().Uint8VarP(&usbInterface, "interface", "i", 0, "DFU interface number")
		cmd.Flags().DurationVar(&usbTimeout, "timeout", 5*time.Second, "Control transfer timeout")
	}
	downloadCmd.Flags().BoolVar(&usbReset, "reset", false, "Reset the device after the download")
}

// openClient opens the device named by the USB flags and claims its DFU
// interface.
func openClient() (*hostdfu.USB, *hostdfu.Client, error) {
	vid, err := parseNumber(usbVID, 16)
	if err != nil {
		return nil, nil, fmt.Errorf("--vid: %w", err)
	}
	pid, err := parseNumber(usbPID, 16)
	if err != nil {
		return nil, nil, fmt.Errorf("--pid: %w", err)
	}

	usb, err := hostdfu.OpenUSB(uint16(vid), uint16(pid))
	if err != nil {
		return nil, nil, err
	}
	usb.SetControlTimeout(usbTimeout)
	if err := usb.Claim(usbInterface); err != nil {
		return nil, nil, multierror.Append(fmt.Errorf("could not claim interface %d: %w", usbInterface, err), usb.Close())
	}

	client := hostdfu.NewClient(usb, usbInterface)
	if info, err := hostdfu.Probe(usb); err != nil {
		pkg.LogDebug(pkg.ComponentClient, "descriptor probe failed", "error", err)
	} else if info.Interface.InterfaceNumber == usbInterface {
		if err := client.SetTransferSize(int(info.Functional.TransferSize)); err != nil {
			pkg.LogWarn(pkg.ComponentClient, "keeping default transfer size",
				"size", client.TransferSize(),
				"error", err)
		}
	}
	return usb, client, nil
}
