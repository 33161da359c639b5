package device

import (
	"bytes"
	"testing"

	"github.com/ardnew/softdfu/pkg"
)

func TestConfigurationAddInterface(t *testing.T) {
	config := NewConfiguration(1)

	if err := config.AddInterface(&InterfaceDescriptor{InterfaceNumber: 0}, nil); err != nil {
		t.Fatalf("AddInterface() error = %v", err)
	}
	if err := config.AddInterface(&InterfaceDescriptor{InterfaceNumber: 0}, nil); err != pkg.ErrBusy {
		t.Errorf("duplicate AddInterface() error = %v, want %v", err, pkg.ErrBusy)
	}

	oversized := make([]byte, MaxClassDescriptorSize+1)
	if err := config.AddInterface(&InterfaceDescriptor{InterfaceNumber: 1}, oversized); err != pkg.ErrBufferTooSmall {
		t.Errorf("oversized AddInterface() error = %v, want %v", err, pkg.ErrBufferTooSmall)
	}

	for i := 1; i < MaxInterfacesPerConfiguration; i++ {
		if err := config.AddInterface(&InterfaceDescriptor{InterfaceNumber: uint8(i)}, nil); err != nil {
			t.Fatalf("AddInterface(%d) error = %v", i, err)
		}
	}
	if err := config.AddInterface(&InterfaceDescriptor{InterfaceNumber: 99}, nil); err != pkg.ErrNoMemory {
		t.Errorf("AddInterface() on full configuration error = %v, want %v", err, pkg.ErrNoMemory)
	}
	if config.NumInterfaces() != MaxInterfacesPerConfiguration {
		t.Errorf("NumInterfaces() = %d, want %d", config.NumInterfaces(), MaxInterfacesPerConfiguration)
	}
}

func TestConfigurationMarshalTo(t *testing.T) {
	classDesc := []byte{0x09, 0x21, 0x01, 0xFF, 0x00, 0x00, 0x02, 0x10, 0x01}
	config := NewConfiguration(1)
	config.SetSelfPowered(true)
	config.AddInterface(&InterfaceDescriptor{
		InterfaceNumber:   0,
		InterfaceClass:    ClassAppSpecific,
		InterfaceSubClass: 0x01,
		InterfaceProtocol: 0x02,
	}, classDesc)

	desc := config.Descriptor()
	if desc.TotalLength != 27 {
		t.Errorf("TotalLength = %d, want 27", desc.TotalLength)
	}
	if desc.Attributes&ConfigAttrSelfPowered == 0 {
		t.Error("self-powered attribute should be set")
	}

	var short [20]byte
	if n := config.MarshalTo(short[:]); n != 0 {
		t.Errorf("MarshalTo(short) = %d, want 0", n)
	}

	var buf [64]byte
	n := config.MarshalTo(buf[:])
	if n != 27 {
		t.Fatalf("MarshalTo() = %d, want 27", n)
	}
	if buf[9+1] != DescriptorTypeInterface || buf[9+5] != ClassAppSpecific {
		t.Errorf("interface descriptor = % X", buf[9:18])
	}
	if !bytes.Equal(buf[18:27], classDesc) {
		t.Errorf("class descriptor = % X, want % X", buf[18:27], classDesc)
	}

	config.SetSelfPowered(false)
	if config.IsSelfPowered() {
		t.Error("IsSelfPowered() should be false")
	}
}
