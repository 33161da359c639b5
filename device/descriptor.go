package device

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/ardnew/softdfu/pkg"
)

// Descriptor types (USB 2.0 Table 9-5). Only the ones a device with no
// endpoints besides EP0 serves or refuses are listed.
const (
	DescriptorTypeDevice          = 0x01
	DescriptorTypeConfiguration   = 0x02
	DescriptorTypeString          = 0x03
	DescriptorTypeInterface       = 0x04
	DescriptorTypeDeviceQualifier = 0x06
)

// Class codes.
const (
	ClassPerInterface = 0x00
	ClassAppSpecific  = 0xFE
	ClassVendor       = 0xFF
)

// bmAttributes bits of a configuration.
const (
	ConfigAttrBusPowered   = 0x80 // reserved, always set
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// LangIDUSEnglish is the only language the device offers.
const LangIDUSEnglish = 0x0409

// Wire sizes of the fixed descriptors.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
)

// CheckDescriptor validates the bLength and bDescriptorType header of a
// descriptor of at least size bytes.
func CheckDescriptor(data []byte, size int, descType uint8) error {
	if len(data) < size || int(data[0]) < size {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != descType {
		return pkg.ErrDescriptorTypeMismatch
	}
	return nil
}

// ParseDescriptorHeader returns the bLength and bDescriptorType at the start
// of data. A bLength under 2 or past the end of data is rejected so a walk
// over a descriptor set always advances.
func ParseDescriptorHeader(data []byte) (length int, descType uint8, err error) {
	if len(data) < 2 || data[0] < 2 || int(data[0]) > len(data) {
		return 0, 0, pkg.ErrDescriptorTooShort
	}
	return int(data[0]), data[1], nil
}

// DeviceDescriptor is the standard device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16 // bcdUSB
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16 // bcdDevice
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// MarshalTo writes d to buf and returns DeviceDescriptorSize, or 0 if buf
// is too small.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	b := buf[:DeviceDescriptorSize]
	b[0], b[1] = DeviceDescriptorSize, DescriptorTypeDevice
	binary.LittleEndian.PutUint16(b[2:], d.USBVersion)
	b[4], b[5], b[6], b[7] = d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol, d.MaxPacketSize0
	binary.LittleEndian.PutUint16(b[8:], d.VendorID)
	binary.LittleEndian.PutUint16(b[10:], d.ProductID)
	binary.LittleEndian.PutUint16(b[12:], d.DeviceVersion)
	b[14], b[15], b[16], b[17] = d.ManufacturerIndex, d.ProductIndex, d.SerialNumberIndex, d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor decodes a device descriptor into out.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if err := CheckDescriptor(data, DeviceDescriptorSize, DescriptorTypeDevice); err != nil {
		return err
	}
	*out = DeviceDescriptor{
		Length:            data[0],
		DescriptorType:    data[1],
		USBVersion:        binary.LittleEndian.Uint16(data[2:]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          binary.LittleEndian.Uint16(data[8:]),
		ProductID:         binary.LittleEndian.Uint16(data[10:]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}
	return nil
}

// ConfigurationDescriptor is the header of a configuration descriptor set.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16 // whole set, header included
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // 2 mA units
}

// MarshalTo writes c to buf and returns ConfigurationDescriptorSize, or 0
// if buf is too small.
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ConfigurationDescriptorSize {
		return 0
	}
	b := buf[:ConfigurationDescriptorSize]
	b[0], b[1] = ConfigurationDescriptorSize, DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(b[2:], c.TotalLength)
	b[4], b[5], b[6], b[7], b[8] = c.NumInterfaces, c.ConfigurationValue, c.ConfigurationIndex, c.Attributes, c.MaxPower
	return ConfigurationDescriptorSize
}

// ParseConfigurationDescriptor decodes the header of a configuration
// descriptor set into out.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if err := CheckDescriptor(data, ConfigurationDescriptorSize, DescriptorTypeConfiguration); err != nil {
		return err
	}
	*out = ConfigurationDescriptor{
		Length:             data[0],
		DescriptorType:     data[1],
		TotalLength:        binary.LittleEndian.Uint16(data[2:]),
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		ConfigurationIndex: data[6],
		Attributes:         data[7],
		MaxPower:           data[8],
	}
	return nil
}

// InterfaceDescriptor is the standard interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8 // EP0 excluded
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// MarshalTo writes i to buf and returns InterfaceDescriptorSize, or 0 if
// buf is too small.
func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceDescriptorSize {
		return 0
	}
	copy(buf, []byte{
		InterfaceDescriptorSize, DescriptorTypeInterface,
		i.InterfaceNumber, i.AlternateSetting, i.NumEndpoints,
		i.InterfaceClass, i.InterfaceSubClass, i.InterfaceProtocol,
		i.InterfaceIndex,
	})
	return InterfaceDescriptorSize
}

// ParseInterfaceDescriptor decodes an interface descriptor into out.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) error {
	if err := CheckDescriptor(data, InterfaceDescriptorSize, DescriptorTypeInterface); err != nil {
		return err
	}
	*out = InterfaceDescriptor{
		Length:            data[0],
		DescriptorType:    data[1],
		InterfaceNumber:   data[2],
		AlternateSetting:  data[3],
		NumEndpoints:      data[4],
		InterfaceClass:    data[5],
		InterfaceSubClass: data[6],
		InterfaceProtocol: data[7],
		InterfaceIndex:    data[8],
	}
	return nil
}

// maxStringUnits is the most UTF-16 code units a string descriptor holds.
const maxStringUnits = (255 - 2) / 2

// StringDescriptorTo writes s as a UTF-16LE string descriptor to buf and
// returns its length, or 0 if buf is too small. Long strings are cut to
// fit the one-byte bLength.
func StringDescriptorTo(buf []byte, s string) int {
	units := utf16.Encode([]rune(s))
	if len(units) > maxStringUnits {
		units = units[:maxStringUnits]
		// Do not leave half a surrogate pair behind
		if utf16.IsSurrogate(rune(units[len(units)-1])) && units[len(units)-1] < 0xDC00 {
			units = units[:len(units)-1]
		}
	}
	return unitsTo(buf, units)
}

// LanguageDescriptorTo writes string descriptor zero, the list of
// supported language IDs, to buf and returns its length, or 0 if buf is
// too small.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	return unitsTo(buf, langIDs)
}

func unitsTo(buf []byte, units []uint16) int {
	length := 2 + 2*len(units)
	if len(buf) < length {
		return 0
	}
	buf[0], buf[1] = uint8(length), DescriptorTypeString
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2+2*i:], u)
	}
	return length
}
