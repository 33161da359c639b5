package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/ardnew/softdfu/device"
	"github.com/ardnew/softdfu/device/class/dfu"
	"github.com/ardnew/softdfu/device/class/dfu/apply"
	"github.com/ardnew/softdfu/device/hal/loopback"
	hostdfu "github.com/ardnew/softdfu/host/dfu"
	"github.com/ardnew/softdfu/pkg"
)

var (
	simulateOut        string
	simulateCapacity   string
	simulateChecksum   string
	simulateNoTolerant bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate FIRMWARE",
	Short: "Download firmware to a simulated DFU device",
	Long: `Builds a DFU-mode device on a loopback bus, downloads the firmware to it
through the host client and writes the manifested image to a file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := loadFirmware(args[0])
		if err != nil {
			return err
		}

		capacity, err := parseNumber(simulateCapacity, 63)
		if err != nil {
			return fmt.Errorf("--capacity: %w", err)
		}
		sim := simulation{
			out:      simulateOut,
			capacity: int64(capacity),
			tolerant: !simulateNoTolerant,
			progress: progressBar(cmd.ErrOrStderr()),
		}
		if simulateChecksum != "" {
			crc, err := parseNumber(simulateChecksum, 32)
			if err != nil {
				return fmt.Errorf("--checksum: %w", err)
			}
			sim.checksum = uint32(crc)
			sim.hasChecksum = true
		}
		if sim.out == "" {
			if sim.out, err = xdg.DataFile(filepath.Join("softdfu", "image.bin")); err != nil {
				return fmt.Errorf("could not create data directory: %w", err)
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		img, err := sim.run(ctx, image)
		if err != nil {
			return err
		}
		report(cmd.OutOrStdout(), sim.out, img)
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVarP(&simulateOut, "out", "o", "", "Image file written by the device (default: $XDG_DATA_HOME/softdfu/image.bin)")
	simulateCmd.Flags().StringVarP(&simulateCapacity, "capacity", "c", "0x100000", "Size of the simulated device memory")
	simulateCmd.Flags().StringVar(&simulateChecksum, "checksum", "", "Expected image CRC-32/BZIP2; manifestation fails on mismatch")
	simulateCmd.Flags().BoolVar(&simulateNoTolerant, "no-tolerant", false, "Require a bus reset after manifestation")
}

// simulation is one download to a loopback DFU device.
type simulation struct {
	out         string
	capacity    int64
	tolerant    bool
	checksum    uint32
	hasChecksum bool
	progress    func(sent, total int)
}

func (s *simulation) run(ctx context.Context, image []byte) (img apply.Image, err error) {
	attributes := dfu.CanDnload
	if s.tolerant {
		attributes |= dfu.ManifestationTolerant
	}
	fw := dfu.New(attributes)

	builder := device.NewDeviceBuilder().
		WithVendorProduct(0x1209, 0xDF11).
		WithStrings("softdfu", "Simulated DFU Device", "0001").
		AddConfiguration(1)
	dev, err := fw.ConfigureDevice(builder).Build(ctx)
	if err != nil {
		return img, fmt.Errorf("could not build device: %w", err)
	}
	if err := fw.Initialize(dev); err != nil {
		return img, err
	}
	defer fw.Deinitialize()

	store, err := apply.NewFileStore(s.out, s.capacity)
	if err != nil {
		return img, err
	}

	bus := loopback.New()
	stack := device.NewStack(dev, bus)
	if err := stack.Start(ctx); err != nil {
		return img, multierror.Append(err, store.Close()).ErrorOrNil()
	}

	applierCtx, cancel := context.WithCancel(ctx)
	applier := apply.New(fw, store)
	if s.hasChecksum {
		applier.SetExpectedChecksum(s.checksum)
	}
	manifested := make(chan apply.Image, 1)
	applier.SetOnManifest(func(img apply.Image) { manifested <- img })
	applied := make(chan error, 1)
	go func() { applied <- applier.Run(applierCtx) }()

	defer func() {
		cancel()
		var errs *multierror.Error
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		if aerr := <-applied; aerr != nil {
			errs = multierror.Append(errs, fmt.Errorf("when stopping applier: %w", aerr))
		}
		if serr := stack.Stop(); serr != nil {
			errs = multierror.Append(errs, fmt.Errorf("when stopping device: %w", serr))
		}
		if cerr := store.Close(); cerr != nil {
			errs = multierror.Append(errs, fmt.Errorf("when closing image: %w", cerr))
		}
		err = errs.ErrorOrNil()
	}()

	if err = s.download(ctx, bus.Host(), image); err != nil {
		return img, err
	}

	select {
	case img = <-manifested:
		return img, nil
	case <-ctx.Done():
		return img, ctx.Err()
	}
}

func (s *simulation) download(ctx context.Context, host *loopback.Host, image []byte) error {
	if err := host.WaitConnect(ctx); err != nil {
		return err
	}
	if err := host.Reset(); err != nil {
		return fmt.Errorf("bus reset: %w", err)
	}
	info, err := hostdfu.Enumerate(host, 1)
	if err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentClient, "device enumerated",
		"product", info.Product,
		"interface", info.Interface.InterfaceNumber,
		"transferSize", info.Functional.TransferSize)

	client := hostdfu.NewClient(host, info.Interface.InterfaceNumber)
	if err := client.SetTransferSize(int(info.Functional.TransferSize)); err != nil {
		return fmt.Errorf("wTransferSize: %w", err)
	}
	if err := client.Download(ctx, image, s.progress); err != nil {
		return err
	}

	if !info.Functional.Attributes.Has(dfu.ManifestationTolerant) {
		pkg.LogInfo(pkg.ComponentClient, "resetting device after manifestation")
		if err := host.Reset(); err != nil {
			return fmt.Errorf("bus reset: %w", err)
		}
	}
	return nil
}

func report(w io.Writer, path string, img apply.Image) {
	fmt.Fprintf(w, "image:    %s\n", path)
	fmt.Fprintf(w, "size:     %d bytes in %d blocks\n", img.Size, img.Blocks)
	fmt.Fprintf(w, "checksum: %08x\n", img.Checksum)
}
