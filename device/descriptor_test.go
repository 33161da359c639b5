package device

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ardnew/softdfu/pkg"
)

func TestDeviceDescriptorRoundTrip(t *testing.T) {
	want := DeviceDescriptor{
		Length:            DeviceDescriptorSize,
		DescriptorType:    DescriptorTypeDevice,
		USBVersion:        0x0110,
		DeviceClass:       ClassPerInterface,
		MaxPacketSize0:    64,
		VendorID:          0x1209,
		ProductID:         0xDF11,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 1,
	}

	var buf [DeviceDescriptorSize]byte
	if n := want.MarshalTo(buf[:]); n != DeviceDescriptorSize {
		t.Fatalf("MarshalTo() = %d, want %d", n, DeviceDescriptorSize)
	}
	wire := []byte{18, 0x01, 0x10, 0x01, 0, 0, 0, 64, 0x09, 0x12, 0x11, 0xDF, 0x00, 0x01, 1, 2, 3, 1}
	if !bytes.Equal(buf[:], wire) {
		t.Errorf("wire = % X, want % X", buf[:], wire)
	}

	var got DeviceDescriptor
	if err := ParseDeviceDescriptor(buf[:], &got); err != nil {
		t.Fatalf("ParseDeviceDescriptor() error = %v", err)
	}
	if got != want {
		t.Errorf("parsed %+v, want %+v", got, want)
	}
	if n := want.MarshalTo(buf[:DeviceDescriptorSize-1]); n != 0 {
		t.Errorf("MarshalTo(short) = %d, want 0", n)
	}
}

func TestConfigurationDescriptorRoundTrip(t *testing.T) {
	want := ConfigurationDescriptor{
		Length:             ConfigurationDescriptorSize,
		DescriptorType:     DescriptorTypeConfiguration,
		TotalLength:        27,
		NumInterfaces:      1,
		ConfigurationValue: 1,
		Attributes:         ConfigAttrBusPowered | ConfigAttrRemoteWakeup,
		MaxPower:           50,
	}

	var buf [ConfigurationDescriptorSize]byte
	want.MarshalTo(buf[:])
	if buf[2] != 27 || buf[3] != 0 || buf[7] != 0xA0 {
		t.Errorf("wire = % X", buf[:])
	}

	var got ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(buf[:], &got); err != nil {
		t.Fatalf("ParseConfigurationDescriptor() error = %v", err)
	}
	if got != want {
		t.Errorf("parsed %+v, want %+v", got, want)
	}
}

func TestInterfaceDescriptorRoundTrip(t *testing.T) {
	want := InterfaceDescriptor{
		Length:            InterfaceDescriptorSize,
		DescriptorType:    DescriptorTypeInterface,
		InterfaceNumber:   1,
		InterfaceClass:    ClassAppSpecific,
		InterfaceSubClass: 0x01,
		InterfaceProtocol: 0x02,
		InterfaceIndex:    4,
	}

	var buf [InterfaceDescriptorSize]byte
	want.MarshalTo(buf[:])
	wire := []byte{9, 0x04, 1, 0, 0, 0xFE, 0x01, 0x02, 4}
	if !bytes.Equal(buf[:], wire) {
		t.Errorf("wire = % X, want % X", buf[:], wire)
	}

	var got InterfaceDescriptor
	if err := ParseInterfaceDescriptor(buf[:], &got); err != nil {
		t.Fatalf("ParseInterfaceDescriptor() error = %v", err)
	}
	if got != want {
		t.Errorf("parsed %+v, want %+v", got, want)
	}
}

func TestCheckDescriptor(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"valid", []byte{9, 0x04, 0, 0, 0, 0, 0, 0, 0}, nil},
		{"longer bLength", []byte{10, 0x04, 0, 0, 0, 0, 0, 0, 0, 0}, nil},
		{"short data", []byte{9, 0x04, 0}, pkg.ErrDescriptorTooShort},
		{"short bLength", []byte{7, 0x04, 0, 0, 0, 0, 0, 0, 0}, pkg.ErrDescriptorTooShort},
		{"wrong type", []byte{9, 0x02, 0, 0, 0, 0, 0, 0, 0}, pkg.ErrDescriptorTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CheckDescriptor(tt.data, InterfaceDescriptorSize, DescriptorTypeInterface); !errors.Is(err, tt.want) {
				t.Errorf("CheckDescriptor() = %v, want %v", err, tt.want)
			}
		})
	}

	var dev DeviceDescriptor
	if err := ParseDeviceDescriptor(make([]byte, 10), &dev); !errors.Is(err, pkg.ErrDescriptorTooShort) {
		t.Errorf("ParseDeviceDescriptor(short) = %v", err)
	}
}

func TestParseDescriptorHeader(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		length   int
		descType uint8
		ok       bool
	}{
		{"functional", []byte{9, 0x21, 0, 0, 0, 0, 0, 0, 0}, 9, 0x21, true},
		{"header only", []byte{2, 0x03}, 2, 0x03, true},
		{"zero length", []byte{0, 0x04, 0}, 0, 0, false},
		{"past end", []byte{9, 0x04, 0}, 0, 0, false},
		{"one byte", []byte{9}, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			length, descType, err := ParseDescriptorHeader(tt.data)
			if (err == nil) != tt.ok {
				t.Fatalf("ParseDescriptorHeader() error = %v, want ok %v", err, tt.ok)
			}
			if length != tt.length || descType != tt.descType {
				t.Errorf("header = (%d, 0x%02X), want (%d, 0x%02X)", length, descType, tt.length, tt.descType)
			}
		})
	}
}

func TestStringDescriptorTo(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []byte
	}{
		{"empty", "", []byte{2, 0x03}},
		{"ascii", "DFU", []byte{8, 0x03, 'D', 0, 'F', 0, 'U', 0}},
		{"bmp", "é", []byte{4, 0x03, 0xE9, 0x00}},
		{"surrogate pair", "\U0001F600", []byte{6, 0x03, 0x3D, 0xD8, 0x00, 0xDE}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf [255]byte
			n := StringDescriptorTo(buf[:], tt.input)
			if !bytes.Equal(buf[:n], tt.want) {
				t.Errorf("descriptor = % X, want % X", buf[:n], tt.want)
			}
		})
	}

	var small [3]byte
	if n := StringDescriptorTo(small[:], "DFU"); n != 0 {
		t.Errorf("StringDescriptorTo(small) = %d, want 0", n)
	}
}

func TestStringDescriptorToTruncates(t *testing.T) {
	var buf [255]byte

	n := StringDescriptorTo(buf[:], strings.Repeat("A", 300))
	if n != 254 || buf[0] != 254 {
		t.Errorf("length = %d, bLength = %d, want 254", n, buf[0])
	}

	// A pair straddling the cut is dropped whole
	n = StringDescriptorTo(buf[:], strings.Repeat("A", 125)+"\U0001F600")
	if n != 252 {
		t.Errorf("length = %d, want 252", n)
	}
}

func TestLanguageDescriptorTo(t *testing.T) {
	var buf [6]byte
	n := LanguageDescriptorTo(buf[:], LangIDUSEnglish, 0x0407)
	if want := []byte{6, 0x03, 0x09, 0x04, 0x07, 0x04}; !bytes.Equal(buf[:n], want) {
		t.Errorf("descriptor = % X, want % X", buf[:n], want)
	}
	if n := LanguageDescriptorTo(buf[:3], LangIDUSEnglish); n != 0 {
		t.Errorf("LanguageDescriptorTo(small) = %d, want 0", n)
	}
}
