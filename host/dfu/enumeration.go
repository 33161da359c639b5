package dfu

import (
	"errors"
	"fmt"

	"github.com/ardnew/softdfu/device"
	dfuclass "github.com/ardnew/softdfu/device/class/dfu"
	"github.com/ardnew/softdfu/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoDFUInterface    = errors.New("no DFU interface")
)

const (
	standardIn  = device.RequestDirectionDeviceToHost | device.RequestTypeStandard | device.RequestRecipientDevice
	standardOut = device.RequestDirectionHostToDevice | device.RequestTypeStandard | device.RequestRecipientDevice

	maxDescriptorSize = 255
	maxConfigSize     = 512
)

// Info describes a device in DFU mode as reported by its descriptors.
type Info struct {
	Device     device.DeviceDescriptor
	Config     device.ConfigurationDescriptor
	Interface  device.InterfaceDescriptor
	Functional dfuclass.FunctionalDescriptor

	Manufacturer string
	Product      string
	Serial       string
}

// Enumerate addresses and configures a freshly reset device, then
// returns its DFU descriptors.
func Enumerate(ctl Controller, address uint8) (*Info, error) {
	pkg.LogDebug(pkg.ComponentClient, "starting enumeration", "address", address)

	// Read the first 8 bytes to learn bMaxPacketSize0
	var head [8]byte
	n, err := ctl.Control(standardIn, device.RequestGetDescriptor,
		uint16(device.DescriptorTypeDevice)<<8, 0, head[:])
	if err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	if n < len(head) {
		return nil, ErrEnumerationFailed
	}
	pkg.LogDebug(pkg.ComponentClient, "got max packet size", "size", head[7])

	if _, err := ctl.Control(standardOut, device.RequestSetAddress, uint16(address), 0, nil); err != nil {
		return nil, fmt.Errorf("set address: %w", err)
	}

	info, err := Probe(ctl)
	if err != nil {
		return nil, err
	}

	if info.Config.ConfigurationValue > 0 {
		if _, err := ctl.Control(standardOut, device.RequestSetConfiguration,
			uint16(info.Config.ConfigurationValue), 0, nil); err != nil {
			return nil, fmt.Errorf("set configuration: %w", err)
		}
	}
	return info, nil
}

// Probe reads the descriptors of an addressed device and locates its DFU
// mode interface.
func Probe(ctl Controller) (*Info, error) {
	info := &Info{}

	var buf [maxConfigSize]byte
	n, err := ctl.Control(standardIn, device.RequestGetDescriptor,
		uint16(device.DescriptorTypeDevice)<<8, 0, buf[:device.DeviceDescriptorSize])
	if err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	if err := device.ParseDeviceDescriptor(buf[:n], &info.Device); err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}

	pkg.LogDebug(pkg.ComponentClient, "device descriptor",
		"vendorID", info.Device.VendorID,
		"productID", info.Device.ProductID,
		"class", info.Device.DeviceClass)

	// Configuration header first to learn the total length
	n, err = ctl.Control(standardIn, device.RequestGetDescriptor,
		uint16(device.DescriptorTypeConfiguration)<<8, 0, buf[:device.ConfigurationDescriptorSize])
	if err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	if err := device.ParseConfigurationDescriptor(buf[:n], &info.Config); err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}

	total := min(int(info.Config.TotalLength), len(buf))
	n, err = ctl.Control(standardIn, device.RequestGetDescriptor,
		uint16(device.DescriptorTypeConfiguration)<<8, 0, buf[:total])
	if err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	if err := findInterface(buf[:n], info); err != nil {
		return nil, err
	}

	pkg.LogDebug(pkg.ComponentClient, "DFU interface",
		"interface", info.Interface.InterfaceNumber,
		"attributes", uint8(info.Functional.Attributes),
		"transferSize", info.Functional.TransferSize)

	var str [maxDescriptorSize]byte
	for _, s := range []struct {
		index uint8
		out   *string
	}{
		{info.Device.ManufacturerIndex, &info.Manufacturer},
		{info.Device.ProductIndex, &info.Product},
		{info.Device.SerialNumberIndex, &info.Serial},
	} {
		v, err := readString(ctl, s.index, str[:])
		if err != nil {
			// Strings are optional
			pkg.LogDebug(pkg.ComponentClient, "string descriptor read failed",
				"index", s.index,
				"error", err)
			continue
		}
		*s.out = v
	}
	return info, nil
}

// findInterface walks a configuration tree for the first DFU mode
// interface and the functional descriptor that follows it.
func findInterface(data []byte, info *Info) error {
	var (
		iface device.InterfaceDescriptor
		inDFU bool
		found bool
	)
	for offset := 0; offset < len(data); {
		length, descType, err := device.ParseDescriptorHeader(data[offset:])
		if err != nil {
			break
		}
		desc := data[offset : offset+length]
		offset += length

		switch descType {
		case device.DescriptorTypeInterface:
			if found {
				return nil
			}
			if err := device.ParseInterfaceDescriptor(desc, &iface); err != nil {
				continue
			}
			inDFU = iface.InterfaceClass == dfuclass.ClassDFU &&
				iface.InterfaceSubClass == dfuclass.SubclassDFU
			if inDFU {
				info.Interface = iface
				found = true
			}

		case dfuclass.DescriptorTypeFunctional:
			if !inDFU {
				continue
			}
			if err := dfuclass.ParseFunctionalDescriptor(desc, &info.Functional); err != nil {
				return fmt.Errorf("functional descriptor: %w", err)
			}
			return nil
		}
	}

	if !found {
		return ErrNoDFUInterface
	}
	return fmt.Errorf("functional descriptor: %w", pkg.ErrNotFound)
}

// readString reads string descriptor index in US English, keeping only
// printable ASCII.
func readString(ctl Controller, index uint8, buf []byte) (string, error) {
	if index == 0 {
		return "", nil
	}
	n, err := ctl.Control(standardIn, device.RequestGetDescriptor,
		uint16(device.DescriptorTypeString)<<8|uint16(index), device.LangIDUSEnglish, buf)
	if err != nil {
		return "", err
	}

	length := min(int(buf[0]), n)
	if length < 2 {
		return "", nil
	}
	result := make([]byte, 0, (length-2)/2)
	for i := 2; i < length-1; i += 2 {
		if buf[i+1] == 0 && buf[i] >= 0x20 && buf[i] < 0x7F {
			result = append(result, buf[i])
		}
	}
	return string(result), nil
}
