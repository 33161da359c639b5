package device

import (
	"sync"

	"github.com/ardnew/softdfu/pkg"
)

// Interface is an interface of a configuration: its standard descriptor and
// the class-specific descriptors that follow it in the configuration
// descriptor set (for example the DFU functional descriptor).
type Interface struct {
	Descriptor InterfaceDescriptor

	// Class-specific descriptors - fixed-size array for zero allocation
	classDesc    [MaxClassDescriptorSize]byte
	classDescLen int
}

// ClassDescriptors returns the class-specific descriptor bytes.
// The returned slice references internal storage; do not modify.
func (i *Interface) ClassDescriptors() []byte {
	return i.classDesc[:i.classDescLen]
}

// Configuration represents a USB device configuration.
type Configuration struct {
	// Descriptor data
	Value       uint8 // Configuration value for SET_CONFIGURATION
	Attributes  uint8 // Configuration attributes (bus/self powered, remote wakeup)
	MaxPower    uint8 // Maximum power consumption (2mA units)
	StringIndex uint8 // String descriptor index

	// Interfaces - fixed-size array for zero allocation
	interfaces     [MaxInterfacesPerConfiguration]Interface
	interfaceCount int
	mutex          sync.RWMutex
}

// NewConfiguration creates a new configuration.
func NewConfiguration(value uint8) *Configuration {
	return &Configuration{
		Value:      value,
		Attributes: ConfigAttrBusPowered,
		MaxPower:   50, // 100mA default
	}
}

// AddInterface adds an interface with optional class-specific descriptors.
// classDesc is copied.
func (c *Configuration) AddInterface(desc *InterfaceDescriptor, classDesc []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.interfaceCount >= MaxInterfacesPerConfiguration {
		return pkg.ErrNoMemory
	}
	if len(classDesc) > MaxClassDescriptorSize {
		return pkg.ErrBufferTooSmall
	}

	// Check for duplicate interface number
	for idx := 0; idx < c.interfaceCount; idx++ {
		if c.interfaces[idx].Descriptor.InterfaceNumber == desc.InterfaceNumber {
			return pkg.ErrBusy
		}
	}

	iface := &c.interfaces[c.interfaceCount]
	iface.Descriptor = *desc
	iface.Descriptor.Length = InterfaceDescriptorSize
	iface.Descriptor.DescriptorType = DescriptorTypeInterface
	iface.classDescLen = copy(iface.classDesc[:], classDesc)
	c.interfaceCount++

	pkg.LogDebug(pkg.ComponentDevice, "interface added to configuration",
		"config", c.Value,
		"interface", desc.InterfaceNumber,
		"class", desc.InterfaceClass)

	return nil
}

// GetInterface returns the interface with the given number.
func (c *Configuration) GetInterface(number uint8) *Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	for idx := 0; idx < c.interfaceCount; idx++ {
		if c.interfaces[idx].Descriptor.InterfaceNumber == number {
			return &c.interfaces[idx]
		}
	}
	return nil
}

// Interfaces returns all interfaces in the configuration.
// The returned slice references internal storage; do not modify.
func (c *Configuration) Interfaces() []Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.interfaces[:c.interfaceCount]
}

// NumInterfaces returns the number of interfaces.
func (c *Configuration) NumInterfaces() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.interfaceCount
}

// Descriptor returns the configuration descriptor.
func (c *Configuration) Descriptor() *ConfigurationDescriptor {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.descriptor()
}

func (c *Configuration) descriptor() *ConfigurationDescriptor {
	length := uint16(ConfigurationDescriptorSize)
	for idx := 0; idx < c.interfaceCount; idx++ {
		length += InterfaceDescriptorSize + uint16(c.interfaces[idx].classDescLen)
	}
	return &ConfigurationDescriptor{
		Length:             ConfigurationDescriptorSize,
		DescriptorType:     DescriptorTypeConfiguration,
		TotalLength:        length,
		NumInterfaces:      uint8(c.interfaceCount),
		ConfigurationValue: c.Value,
		ConfigurationIndex: c.StringIndex,
		Attributes:         c.Attributes,
		MaxPower:           c.MaxPower,
	}
}

// MarshalTo writes the full configuration descriptor set to buf: the
// configuration descriptor followed by each interface descriptor and its
// class-specific descriptors. Returns the number of bytes written, or 0 if
// buf is too small.
func (c *Configuration) MarshalTo(buf []byte) int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	desc := c.descriptor()
	if len(buf) < int(desc.TotalLength) {
		return 0
	}

	offset := desc.MarshalTo(buf)
	for idx := 0; idx < c.interfaceCount; idx++ {
		iface := &c.interfaces[idx]
		offset += iface.Descriptor.MarshalTo(buf[offset:])
		offset += copy(buf[offset:], iface.classDesc[:iface.classDescLen])
	}
	return offset
}

// SetSelfPowered sets or clears the self-powered attribute.
func (c *Configuration) SetSelfPowered(selfPowered bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if selfPowered {
		c.Attributes |= ConfigAttrSelfPowered
	} else {
		c.Attributes &^= ConfigAttrSelfPowered
	}
}

// IsSelfPowered returns true if the configuration is self-powered.
func (c *Configuration) IsSelfPowered() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.Attributes&ConfigAttrSelfPowered != 0
}
