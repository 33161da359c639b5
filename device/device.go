package device

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/softdfu/pkg"
)

// Device represents a USB device.
type Device struct {
	// Device descriptor
	Descriptor *DeviceDescriptor

	// Configurations - fixed-size array for zero allocation
	configurations     [MaxConfigurations]*Configuration
	configurationCount int
	activeConfig       *Configuration

	// Registered function drivers, in registration order
	functions     [MaxFunctions]Function
	functionCount int

	// String descriptors - fixed-size array, each entry is a slice reference
	strings [MaxStrings][]byte

	// Device state
	state         State
	previousState State // State before suspend
	address       uint8
	speed         Speed

	// Remote wakeup enabled
	remoteWakeupEnabled bool

	// Synchronization
	mutex sync.RWMutex

	// Event callbacks
	onStateChange      func(old, new State)
	onSuspend          func()
	onResume           func()
	onReset            func()
	onSetAddress       func(address uint8)
	onSetConfiguration func(config uint8)
}

// NewDevice creates a new USB device.
func NewDevice(desc *DeviceDescriptor) *Device {
	return &Device{
		Descriptor: desc,
		state:      StateAttached,
		speed:      SpeedFull,
	}
}

// AddConfiguration adds a configuration to the device.
func (d *Device) AddConfiguration(config *Configuration) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.configurationCount >= MaxConfigurations {
		return pkg.ErrNoMemory
	}

	// Check for duplicate configuration value
	for idx := 0; idx < d.configurationCount; idx++ {
		if d.configurations[idx].Value == config.Value {
			return pkg.ErrBusy
		}
	}

	d.configurations[d.configurationCount] = config
	d.configurationCount++

	pkg.LogDebug(pkg.ComponentDevice, "configuration added",
		"value", config.Value)

	return nil
}

// GetConfiguration returns the configuration with the given value.
func (d *Device) GetConfiguration(value uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	for idx := 0; idx < d.configurationCount; idx++ {
		if d.configurations[idx].Value == value {
			return d.configurations[idx]
		}
	}
	return nil
}

// ConfigurationAt returns the configuration at the given descriptor index.
func (d *Device) ConfigurationAt(index uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if int(index) >= d.configurationCount {
		return nil
	}
	return d.configurations[index]
}

// ActiveConfiguration returns the currently active configuration.
func (d *Device) ActiveConfiguration() *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.activeConfig
}

// RegisterFunction adds a function driver to the device. Functions are
// offered interfaces and requests in registration order.
func (d *Device) RegisterFunction(f Function) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for idx := 0; idx < d.functionCount; idx++ {
		if d.functions[idx] == f {
			return pkg.ErrBusy
		}
	}
	if d.functionCount >= MaxFunctions {
		return pkg.ErrNoMemory
	}

	d.functions[d.functionCount] = f
	d.functionCount++

	pkg.LogDebug(pkg.ComponentDevice, "function registered",
		"count", d.functionCount)

	return nil
}

// UnregisterFunction removes a function driver from the device.
func (d *Device) UnregisterFunction(f Function) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for idx := 0; idx < d.functionCount; idx++ {
		if d.functions[idx] == f {
			copy(d.functions[idx:d.functionCount-1], d.functions[idx+1:d.functionCount])
			d.functions[d.functionCount-1] = nil
			d.functionCount--
			pkg.LogDebug(pkg.ComponentDevice, "function unregistered",
				"count", d.functionCount)
			return nil
		}
	}
	return pkg.ErrNotFound
}

// Functions returns a snapshot of the registered function drivers.
func (d *Device) Functions() []Function {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	out := make([]Function, d.functionCount)
	copy(out, d.functions[:d.functionCount])
	return out
}

// snapshotFunctions copies the registry into buf so drivers can be called
// without holding the device lock.
func (d *Device) snapshotFunctions(buf *[MaxFunctions]Function) []Function {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	n := copy(buf[:], d.functions[:d.functionCount])
	return buf[:n]
}

// HandleRequest routes a non-standard control request to the registered
// functions. The first function that does not answer pkg.ErrNotFound owns
// the request. Returns pkg.ErrNotFound if no function claims it.
func (d *Device) HandleRequest(setup *SetupPacket, stage ControlStage) (Reply, error) {
	var buf [MaxFunctions]Function
	for _, f := range d.snapshotFunctions(&buf) {
		reply, err := f.HandleRequest(setup, stage)
		if errors.Is(err, pkg.ErrNotFound) {
			continue
		}
		return reply, err
	}
	return Reply{}, pkg.ErrNotFound
}

// enableFunctions offers every interface of config to the registered
// functions until one accepts it.
func (d *Device) enableFunctions(config *Configuration) {
	var buf [MaxFunctions]Function
	functions := d.snapshotFunctions(&buf)

	ifaces := config.Interfaces()
	for idx := range ifaces {
		desc := &ifaces[idx].Descriptor
		claimed := false
		for _, f := range functions {
			err := f.Enable(desc)
			if errors.Is(err, pkg.ErrNotFound) {
				continue
			}
			if err != nil && !errors.Is(err, pkg.ErrAlreadyInitialized) {
				pkg.LogWarn(pkg.ComponentDevice, "function rejected interface",
					"interface", desc.InterfaceNumber,
					"error", err)
				continue
			}
			claimed = true
			break
		}
		if !claimed {
			pkg.LogDebug(pkg.ComponentDevice, "interface has no function",
				"interface", desc.InterfaceNumber,
				"class", desc.InterfaceClass)
		}
	}
}

// disableFunctions withdraws every function from the active configuration.
func (d *Device) disableFunctions() error {
	var buf [MaxFunctions]Function
	var result *multierror.Error
	for _, f := range d.snapshotFunctions(&buf) {
		if err := f.Disable(nil); err != nil && !errors.Is(err, pkg.ErrNotFound) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// resetFunctions notifies every registered Resetter of a bus reset.
func (d *Device) resetFunctions() {
	var buf [MaxFunctions]Function
	for _, f := range d.snapshotFunctions(&buf) {
		if r, ok := f.(Resetter); ok {
			r.BusReset()
		}
	}
}

// SetString sets a string descriptor from a pre-encoded descriptor.
// The data slice is stored by reference (not copied).
func (d *Device) SetString(index uint8, data []byte) {
	if index >= MaxStrings {
		return
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.strings[index] = data
}

// SetStringFrom encodes a string as a USB string descriptor into buf
// and stores the resulting slice at the given index.
// Returns the number of bytes written.
func (d *Device) SetStringFrom(index uint8, buf []byte, s string) int {
	if index >= MaxStrings {
		return 0
	}
	n := StringDescriptorTo(buf, s)
	if n > 0 {
		d.mutex.Lock()
		d.strings[index] = buf[:n]
		d.mutex.Unlock()
	}
	return n
}

// SetLanguagesFrom encodes language IDs as a USB string descriptor into buf
// and stores the resulting slice at index 0.
// Returns the number of bytes written.
func (d *Device) SetLanguagesFrom(buf []byte, langIDs ...uint16) int {
	n := LanguageDescriptorTo(buf, langIDs...)
	if n > 0 {
		d.mutex.Lock()
		d.strings[0] = buf[:n]
		d.mutex.Unlock()
	}
	return n
}

// GetString returns a string descriptor by index.
func (d *Device) GetString(index uint8) []byte {
	if index >= MaxStrings {
		return nil
	}
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.strings[index]
}

// State returns the current device state.
func (d *Device) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// setState changes the device state and triggers callback.
func (d *Device) setState(newState State) {
	d.mutex.Lock()
	oldState := d.state
	d.state = newState
	callback := d.onStateChange
	d.mutex.Unlock()

	if oldState != newState {
		pkg.LogDebug(pkg.ComponentDevice, "device state changed",
			"from", oldState.String(),
			"to", newState.String())
		if callback != nil {
			callback(oldState, newState)
		}
	}
}

// Address returns the device address.
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Speed returns the device speed.
func (d *Device) Speed() Speed {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.speed
}

// SetSpeed sets the device speed.
func (d *Device) SetSpeed(speed Speed) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.speed = speed
}

// IsConfigured returns true if the device is configured.
func (d *Device) IsConfigured() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state == StateConfigured
}

// IsSuspended returns true if the device is suspended.
func (d *Device) IsSuspended() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state == StateSuspended
}

// PowerOn moves an attached device to the Powered state.
func (d *Device) PowerOn() {
	if d.State() == StateAttached {
		d.setState(StatePowered)
	}
}

// Reset handles a bus reset. Every function is withdrawn from the active
// configuration, then each [Resetter] is notified.
func (d *Device) Reset() {
	d.mutex.Lock()
	d.address = 0
	d.activeConfig = nil
	d.remoteWakeupEnabled = false
	callback := d.onReset
	d.mutex.Unlock()

	if err := d.disableFunctions(); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "disable on reset failed",
			"error", err)
	}
	d.resetFunctions()

	d.setState(StateDefault)

	if callback != nil {
		callback()
	}

	pkg.LogDebug(pkg.ComponentDevice, "device reset")
}

// SetAddress handles SET_ADDRESS request.
func (d *Device) SetAddress(address uint8) error {
	d.mutex.Lock()
	if d.state != StateDefault && d.state != StateAddress {
		d.mutex.Unlock()
		return pkg.ErrInvalidState
	}
	d.address = address
	callback := d.onSetAddress
	d.mutex.Unlock()

	if address == 0 {
		d.setState(StateDefault)
	} else {
		d.setState(StateAddress)
	}

	if callback != nil {
		callback(address)
	}

	pkg.LogDebug(pkg.ComponentDevice, "device address set",
		"address", address)

	return nil
}

// SetConfiguration handles SET_CONFIGURATION request. Selecting a
// configuration offers its interfaces to the registered functions;
// value 0 withdraws them.
func (d *Device) SetConfiguration(value uint8) error {
	d.mutex.Lock()
	if d.state != StateAddress && d.state != StateConfigured {
		d.mutex.Unlock()
		return pkg.ErrInvalidState
	}

	// Find configuration by value
	var config *Configuration
	if value != 0 {
		for idx := 0; idx < d.configurationCount; idx++ {
			if d.configurations[idx].Value == value {
				config = d.configurations[idx]
				break
			}
		}
		if config == nil {
			d.mutex.Unlock()
			return pkg.ErrInvalidRequest
		}
	}

	previous := d.activeConfig
	d.activeConfig = config
	callback := d.onSetConfiguration
	d.mutex.Unlock()

	if previous != nil {
		if err := d.disableFunctions(); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "disable on reconfigure failed",
				"error", err)
		}
	}

	if config == nil {
		// Unconfigure device
		d.setState(StateAddress)
		return nil
	}

	d.enableFunctions(config)
	d.setState(StateConfigured)

	if callback != nil {
		callback(value)
	}

	pkg.LogDebug(pkg.ComponentDevice, "device configured",
		"configuration", value)

	return nil
}

// Suspend handles USB suspend.
func (d *Device) Suspend() {
	d.mutex.Lock()
	d.previousState = d.state
	callback := d.onSuspend
	d.mutex.Unlock()

	d.setState(StateSuspended)

	if callback != nil {
		callback()
	}

	pkg.LogDebug(pkg.ComponentDevice, "device suspended")
}

// Resume handles USB resume.
func (d *Device) Resume() {
	d.mutex.Lock()
	previousState := d.previousState
	callback := d.onResume
	d.mutex.Unlock()

	if previousState != StateAttached && previousState != StatePowered {
		d.setState(previousState)
	} else {
		d.setState(StateDefault)
	}

	if callback != nil {
		callback()
	}

	pkg.LogDebug(pkg.ComponentDevice, "device resumed")
}

// EnableRemoteWakeup enables remote wakeup capability.
func (d *Device) EnableRemoteWakeup(enabled bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.remoteWakeupEnabled = enabled
}

// IsRemoteWakeupEnabled returns true if remote wakeup is enabled.
func (d *Device) IsRemoteWakeupEnabled() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.remoteWakeupEnabled
}

// GetInterface returns an interface from the active configuration.
func (d *Device) GetInterface(number uint8) *Interface {
	d.mutex.RLock()
	config := d.activeConfig
	d.mutex.RUnlock()

	if config == nil {
		return nil
	}
	return config.GetInterface(number)
}

// SetOnStateChange sets the state change callback.
func (d *Device) SetOnStateChange(cb func(old, new State)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onStateChange = cb
}

// SetOnSuspend sets the suspend callback.
func (d *Device) SetOnSuspend(cb func()) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onSuspend = cb
}

// SetOnResume sets the resume callback.
func (d *Device) SetOnResume(cb func()) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onResume = cb
}

// SetOnReset sets the reset callback.
func (d *Device) SetOnReset(cb func()) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onReset = cb
}

// SetOnSetAddress sets the set address callback.
func (d *Device) SetOnSetAddress(cb func(address uint8)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onSetAddress = cb
}

// SetOnSetConfiguration sets the set configuration callback.
func (d *Device) SetOnSetConfiguration(cb func(config uint8)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onSetConfiguration = cb
}

// Close withdraws and unregisters every function and drops all
// configurations. Errors from individual functions are aggregated.
func (d *Device) Close() error {
	err := d.disableFunctions()

	d.mutex.Lock()
	defer d.mutex.Unlock()

	for idx := 0; idx < d.functionCount; idx++ {
		d.functions[idx] = nil
	}
	d.functionCount = 0
	for idx := 0; idx < d.configurationCount; idx++ {
		d.configurations[idx] = nil
	}
	d.configurationCount = 0
	d.activeConfig = nil
	return err
}

// DeviceStatus represents the device status bits.
type DeviceStatus uint16

// Device status bits.
const (
	DeviceStatusSelfPowered  DeviceStatus = 1 << 0 // Device is self-powered
	DeviceStatusRemoteWakeup DeviceStatus = 1 << 1 // Remote wakeup enabled
)

// GetStatus returns the device status.
func (d *Device) GetStatus() DeviceStatus {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var status DeviceStatus
	if d.activeConfig != nil && d.activeConfig.IsSelfPowered() {
		status |= DeviceStatusSelfPowered
	}
	if d.remoteWakeupEnabled {
		status |= DeviceStatusRemoteWakeup
	}
	return status
}

// DeviceBuilder provides a fluent API for building devices.
type DeviceBuilder struct {
	device *Device
	config *Configuration
	iface  *InterfaceDescriptor
	class  []byte
	errors *multierror.Error

	// Pre-allocated string buffers
	stringBufs [MaxStrings][256]byte
}

// NewDeviceBuilder creates a new device builder.
func NewDeviceBuilder() *DeviceBuilder {
	return &DeviceBuilder{}
}

func (b *DeviceBuilder) fail(err error) {
	b.errors = multierror.Append(b.errors, err)
}

// WithDescriptor sets the device descriptor.
func (b *DeviceBuilder) WithDescriptor(desc *DeviceDescriptor) *DeviceBuilder {
	b.device = NewDevice(desc)
	return b
}

// WithVendorProduct sets vendor and product IDs.
func (b *DeviceBuilder) WithVendorProduct(vendorID, productID uint16) *DeviceBuilder {
	if b.device == nil {
		b.device = NewDevice(&DeviceDescriptor{
			Length:         DeviceDescriptorSize,
			DescriptorType: DescriptorTypeDevice,
			USBVersion:     0x0200,
			MaxPacketSize0: 64,
		})
	}
	b.device.Descriptor.VendorID = vendorID
	b.device.Descriptor.ProductID = productID
	return b
}

// WithDeviceVersion sets the device release number (BCD).
func (b *DeviceBuilder) WithDeviceVersion(bcd uint16) *DeviceBuilder {
	if b.device == nil {
		b.fail(pkg.ErrInvalidState)
		return b
	}
	b.device.Descriptor.DeviceVersion = bcd
	return b
}

// WithStrings sets the manufacturer, product, and serial strings.
func (b *DeviceBuilder) WithStrings(manufacturer, product, serial string) *DeviceBuilder {
	if b.device == nil {
		b.fail(pkg.ErrInvalidState)
		return b
	}
	b.device.SetLanguagesFrom(b.stringBufs[0][:], LangIDUSEnglish)
	if manufacturer != "" {
		b.device.Descriptor.ManufacturerIndex = 1
		b.device.SetStringFrom(1, b.stringBufs[1][:], manufacturer)
	}
	if product != "" {
		b.device.Descriptor.ProductIndex = 2
		b.device.SetStringFrom(2, b.stringBufs[2][:], product)
	}
	if serial != "" {
		b.device.Descriptor.SerialNumberIndex = 3
		b.device.SetStringFrom(3, b.stringBufs[3][:], serial)
	}
	return b
}

// AddConfiguration adds a new configuration.
func (b *DeviceBuilder) AddConfiguration(value uint8) *DeviceBuilder {
	if b.device == nil {
		b.fail(pkg.ErrInvalidState)
		return b
	}
	b.flushInterface()
	b.config = NewConfiguration(value)
	if err := b.device.AddConfiguration(b.config); err != nil {
		b.fail(err)
	}
	b.device.Descriptor.NumConfigurations++
	return b
}

// AddInterface adds a new interface to the current configuration.
func (b *DeviceBuilder) AddInterface(class, subClass, protocol uint8) *DeviceBuilder {
	if b.config == nil {
		b.fail(pkg.ErrInvalidState)
		return b
	}
	b.flushInterface()
	b.iface = &InterfaceDescriptor{
		Length:            InterfaceDescriptorSize,
		DescriptorType:    DescriptorTypeInterface,
		InterfaceNumber:   uint8(b.config.NumInterfaces()),
		InterfaceClass:    class,
		InterfaceSubClass: subClass,
		InterfaceProtocol: protocol,
	}
	return b
}

// WithClassDescriptor appends class-specific descriptor bytes to the
// current interface.
func (b *DeviceBuilder) WithClassDescriptor(data []byte) *DeviceBuilder {
	if b.iface == nil {
		b.fail(pkg.ErrInvalidState)
		return b
	}
	b.class = append(b.class, data...)
	return b
}

// WithFunction registers a function driver on the device.
func (b *DeviceBuilder) WithFunction(f Function) *DeviceBuilder {
	if b.device == nil {
		b.fail(pkg.ErrInvalidState)
		return b
	}
	if err := b.device.RegisterFunction(f); err != nil {
		b.fail(err)
	}
	return b
}

// flushInterface commits the pending interface to the current configuration.
func (b *DeviceBuilder) flushInterface() {
	if b.iface == nil {
		return
	}
	if err := b.config.AddInterface(b.iface, b.class); err != nil {
		b.fail(err)
	}
	b.iface = nil
	b.class = nil
}

// Build returns the constructed device.
func (b *DeviceBuilder) Build(ctx context.Context) (*Device, error) {
	if b.device == nil {
		b.fail(pkg.ErrInvalidState)
	} else if b.config != nil {
		b.flushInterface()
	}
	if err := b.errors.ErrorOrNil(); err != nil {
		return nil, err
	}
	return b.device, nil
}
