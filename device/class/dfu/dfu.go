package dfu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/ardnew/softdfu/device"
	"github.com/ardnew/softdfu/pkg"
)

// DefaultDetachTimeout is the wDetachTimeOut advertised by New, in
// milliseconds.
const DefaultDetachTimeout = 255

// maxPollTimeout is the largest bwPollTimeout representable in 24 bits.
const maxPollTimeout = 1<<24 - 1

// unbound marks the function as not bound to any interface.
const unbound = 0xFF

// StatusSize is the size of the DFU_GETSTATUS response in bytes.
const StatusSize = 6

// Block is a firmware fragment staged by a DNLOAD request.
type Block struct {
	Offset uint32 // byte offset in the image
	Data   []byte
}

// StatusError is an error that carries the DFU status reported to the host.
type StatusError struct {
	Status Status
	Err    error
}

// NewStatusError returns an error that reports status to the host.
func NewStatusError(status Status, err error) error {
	return &StatusError{Status: status, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return "dfu: " + e.Status.String()
	}
	return fmt.Sprintf("dfu: %s: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// statusOf returns the status carried by err, or fallback.
func statusOf(err error, fallback Status) Status {
	var se *StatusError
	if errors.As(err, &se) && se.Status != StatusOK {
		return se.Status
	}
	return fallback
}

// DFU implements the DFU mode function driver of a USB device.
//
// Requests are handled synchronously on the control loop. Programming the
// staged blocks happens elsewhere: an applier watches State, copies each
// block with Staged, and reports back through CompleteBlock and
// CompleteManifestation.
type DFU struct {
	machine *fsm.FSM
	status  Status

	// Functional descriptor
	desc FunctionalDescriptor

	// Binding
	dev     *device.Device
	iface   uint8
	enabled bool

	// Staging buffer (zero-allocation)
	buf    [Capacity]byte
	offset uint32
	length int

	manifested  bool
	pollTimeout uint32 // milliseconds

	// Response buffers
	statusBuf [StatusSize]byte
	stateBuf  [1]byte

	// Callbacks
	onStateChange func(old, new State)

	mutex sync.Mutex
}

var (
	_ device.Function = (*DFU)(nil)
	_ device.Resetter = (*DFU)(nil)
)

// New creates a DFU mode function driver advertising the given capabilities.
func New(attributes Attributes) *DFU {
	d := &DFU{
		desc: FunctionalDescriptor{
			Attributes:    attributes,
			DetachTimeout: DefaultDetachTimeout,
			TransferSize:  Capacity,
			DFUVersion:    DFUVersion,
		},
		iface:       unbound,
		pollTimeout: DefaultPollTimeout,
	}
	d.machine = newMachine(d)
	return d
}

// Initialize registers the function with dev. It must be called before
// the device leaves the Powered state.
func (d *DFU) Initialize(dev *device.Device) error {
	if dev == nil {
		return pkg.ErrInvalidArgument
	}
	if state := dev.State(); state > device.StatePowered {
		return fmt.Errorf("dfu initialize in device state %s: %w", state, pkg.ErrDenied)
	}
	if err := dev.RegisterFunction(d); err != nil {
		return fmt.Errorf("dfu initialize: %w", err)
	}

	d.mutex.Lock()
	old := d.current()
	d.dev = dev
	d.status = StatusOK
	d.manifested = false
	d.machine.SetState(StateIdle.String())
	d.offset = 0
	d.length = 0
	d.unlock(old)

	pkg.LogDebug(pkg.ComponentDFU, "DFU initialized",
		"attributes", uint8(d.desc.Attributes))
	return nil
}

// Deinitialize unregisters the function from its device.
func (d *DFU) Deinitialize() error {
	d.mutex.Lock()
	dev := d.dev
	d.dev = nil
	d.iface = unbound
	d.enabled = false
	d.mutex.Unlock()

	if dev == nil {
		return nil
	}
	return dev.UnregisterFunction(d)
}

// IsEnabled reports whether the function is bound to an interface.
func (d *DFU) IsEnabled() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.enabled
}

// Enable binds the function to a DFU interface of the active configuration.
func (d *DFU) Enable(desc *device.InterfaceDescriptor) error {
	if desc == nil {
		return pkg.ErrInvalidArgument
	}
	if desc.InterfaceClass != ClassDFU {
		return pkg.ErrNotFound
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.iface == desc.InterfaceNumber {
		return pkg.ErrAlreadyInitialized
	}
	if d.iface != unbound {
		return pkg.ErrNoResource
	}
	d.iface = desc.InterfaceNumber
	d.enabled = true

	pkg.LogInfo(pkg.ComponentDFU, "DFU enabled",
		"interface", desc.InterfaceNumber,
		"state", d.current())
	return nil
}

// Disable unbinds the function. A nil desc means the whole configuration
// was torn down; the state machine is left alone, a bus reset arrives
// separately through BusReset.
func (d *DFU) Disable(desc *device.InterfaceDescriptor) error {
	if desc != nil && desc.InterfaceClass != ClassDFU {
		return pkg.ErrNotFound
	}

	d.mutex.Lock()
	d.iface = unbound
	d.enabled = false
	d.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDFU, "DFU disabled")
	return nil
}

// HandleRequest processes DFU class requests addressed to the bound
// interface.
func (d *DFU) HandleRequest(setup *device.SetupPacket, stage device.ControlStage) (device.Reply, error) {
	if !setup.IsClass() {
		return device.Reply{}, pkg.ErrNotFound
	}

	d.mutex.Lock()
	if !d.enabled || setup.Index != uint16(d.iface) {
		d.mutex.Unlock()
		return device.Reply{}, pkg.ErrNotFound
	}

	old := d.current()
	req := DecodeRequest(setup)

	var reply device.Reply
	var err error
	if req.In {
		reply, err = d.handleIn(req, stage)
	} else {
		reply, err = d.handleOut(req, stage)
	}
	status := d.status
	d.unlock(old)

	if err != nil {
		pkg.LogDebug(pkg.ComponentDFU, "request rejected",
			"request", req,
			"stage", stage,
			"status", status,
			"error", err)
		return device.Stall(), err
	}
	return reply, nil
}

// handleIn answers device-to-host requests. Replies are queued on the
// setup stage; the data stage has nothing left to do.
func (d *DFU) handleIn(req Request, stage device.ControlStage) (device.Reply, error) {
	if stage != device.StageSetup {
		return device.Reply{}, nil
	}

	switch req.Code {
	case RequestUpload:
		d.stallPacket()
		return device.Reply{}, pkg.ErrUnsupportedOp

	case RequestGetStatus:
		d.poll()
		state := d.current()
		d.statusBuf[0] = byte(d.status)
		d.statusBuf[1] = byte(d.pollTimeout)
		d.statusBuf[2] = byte(d.pollTimeout >> 8)
		d.statusBuf[3] = byte(d.pollTimeout >> 16)
		d.statusBuf[4] = byte(state)
		d.statusBuf[5] = 0 // iString
		return device.Send(d.statusBuf[:]), nil

	case RequestGetState:
		d.stateBuf[0] = byte(d.current())
		return device.Send(d.stateBuf[:]), nil

	default:
		d.stallPacket()
		return device.Reply{}, pkg.ErrInvalidArgument
	}
}

// poll advances the states that DFU_GETSTATUS drives forward.
func (d *DFU) poll() {
	switch d.current() {
	case StateDnloadSync:
		d.transition(evPoll)

	case StateManifestSync:
		switch {
		case !d.manifested:
			d.transition(evManifest)
		case d.desc.Attributes.Has(ManifestationTolerant):
			d.transition(evManifestIdle)
		default:
			d.transition(evManifestWait)
		}
	}
}

// handleOut answers host-to-device requests.
func (d *DFU) handleOut(req Request, stage device.ControlStage) (device.Reply, error) {
	switch req.Code {
	case RequestDetach:
		d.stallPacket()
		return device.Reply{}, pkg.ErrUnsupportedOp

	case RequestClrStatus:
		if d.current() == StateError || d.status != StatusOK {
			d.status = StatusOK
			d.transition(evClear)
		}
		return device.Ack(), nil

	case RequestAbort:
		d.offset = 0
		d.length = 0
		d.transition(evAbort)
		return device.Ack(), nil

	case RequestDnload:
		return d.download(req, stage)

	default:
		d.stallPacket()
		return device.Reply{}, pkg.ErrInvalidArgument
	}
}

// download handles DFU_DNLOAD. The setup stage arms the staging buffer and
// the data stage commits the received block.
func (d *DFU) download(req Request, stage device.ControlStage) (device.Reply, error) {
	if !d.desc.Attributes.Has(CanDnload) {
		d.stallPacket()
		return device.Reply{}, pkg.ErrUnsupportedOp
	}

	state := d.current()
	if state != StateIdle && state != StateDnloadIdle {
		d.fail(StatusErrProg)
		return device.Reply{}, pkg.ErrInvalidArgument
	}

	if req.Length == 0 {
		if state == StateIdle {
			d.fail(StatusErrProg)
			return device.Reply{}, pkg.ErrInvalidArgument
		}
		d.manifested = false
		d.transition(evDownloadEnd)
		return device.Ack(), nil
	}

	if int(req.Length) > Capacity {
		d.fail(StatusErrProg)
		return device.Reply{}, pkg.ErrInvalidArgument
	}

	switch stage {
	case device.StageSetup:
		return device.Receive(d.buf[:req.Length]), nil

	case device.StageData:
		d.offset = req.Offset()
		d.length = int(req.Length)
		d.transition(evDownload)
		return device.Ack(), nil

	default:
		return device.Reply{}, pkg.ErrInvalidArgument
	}
}

// fail enters dfuERROR with status.
func (d *DFU) fail(status Status) {
	d.status = status
	d.transition(evFail)
}

// stallPacket enters dfuERROR for a request that names no status of its
// own, keeping any error status already reported.
func (d *DFU) stallPacket() {
	if d.status == StatusOK {
		d.status = StatusErrStalledPkt
	}
	d.transition(evFail)
}

// unlock releases the mutex and reports a state change made while it
// was held.
func (d *DFU) unlock(old State) {
	now := d.current()
	cb := d.onStateChange
	d.mutex.Unlock()

	if cb != nil && now != old {
		cb(old, now)
	}
}

// Staged returns a copy of the block staged by the last DNLOAD. It reports
// false unless the device is in dfuDNLOAD-SYNC or dfuDNBUSY.
func (d *DFU) Staged() (Block, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	switch d.current() {
	case StateDnloadSync, StateDnBusy:
	default:
		return Block{}, false
	}
	data := make([]byte, d.length)
	copy(data, d.buf[:d.length])
	return Block{Offset: d.offset, Data: data}, true
}

// ManifestationComplete reports whether the applier finished the last
// manifestation.
func (d *DFU) ManifestationComplete() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.manifested
}

// CompleteBlock reports the outcome of programming the staged block.
// On success the device returns to dfuDNLOAD-IDLE; on failure it enters
// dfuERROR with the status carried by a *StatusError, or errWRITE.
func (d *DFU) CompleteBlock(err error) error {
	d.mutex.Lock()
	old := d.current()
	if old != StateDnBusy {
		d.mutex.Unlock()
		return fmt.Errorf("dfu complete block in %s: %w", old, pkg.ErrInvalidState)
	}
	if err != nil {
		d.fail(statusOf(err, StatusErrWrite))
	} else {
		d.transition(evBlockDone)
	}
	d.unlock(old)

	if err != nil {
		pkg.LogWarn(pkg.ComponentDFU, "block failed", "error", err)
	}
	return nil
}

// CompleteManifestation reports the outcome of manifesting the downloaded
// image. On failure the device enters dfuERROR with the status carried by
// a *StatusError, or errFIRMWARE.
func (d *DFU) CompleteManifestation(err error) error {
	d.mutex.Lock()
	old := d.current()
	if old != StateManifest && old != StateManifestSync {
		d.mutex.Unlock()
		return fmt.Errorf("dfu complete manifestation in %s: %w", old, pkg.ErrInvalidState)
	}
	if err != nil {
		d.fail(statusOf(err, StatusErrFirmware))
	} else {
		d.manifested = true
		if old == StateManifest {
			d.transition(evManifestDone)
		}
	}
	d.unlock(old)

	if err != nil {
		pkg.LogWarn(pkg.ComponentDFU, "manifestation failed", "error", err)
	}
	return nil
}

// BusReset returns a device waiting in dfuMANIFEST-WAIT-RESET to dfuIDLE.
// The device calls it on every bus reset.
func (d *DFU) BusReset() {
	d.mutex.Lock()
	old := d.current()
	if old == StateManifestWaitReset {
		d.transition(evBusReset)
	}
	d.unlock(old)
}

// State returns the current DFU state.
func (d *DFU) State() State {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.current()
}

// Status returns the current DFU status.
func (d *DFU) Status() Status {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.status
}

// Attributes returns the advertised capabilities.
func (d *DFU) Attributes() Attributes {
	return d.desc.Attributes
}

// FunctionalDescriptor returns the functional descriptor.
func (d *DFU) FunctionalDescriptor() FunctionalDescriptor {
	return d.desc
}

// Interface returns the bound interface number.
func (d *DFU) Interface() (uint8, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.iface, d.enabled
}

// PollTimeout returns the bwPollTimeout reported by DFU_GETSTATUS.
func (d *DFU) PollTimeout() time.Duration {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return time.Duration(d.pollTimeout) * time.Millisecond
}

// SetPollTimeout sets the bwPollTimeout reported by DFU_GETSTATUS,
// truncated to milliseconds and clamped to 24 bits.
func (d *DFU) SetPollTimeout(timeout time.Duration) {
	ms := timeout.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if ms > maxPollTimeout {
		ms = maxPollTimeout
	}
	d.mutex.Lock()
	d.pollTimeout = uint32(ms)
	d.mutex.Unlock()
}

// SetOnStateChange sets the callback for state changes. It runs on the
// goroutine that caused the change, after the driver is unlocked.
func (d *DFU) SetOnStateChange(cb func(old, new State)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onStateChange = cb
}

// ConfigureDevice adds a DFU mode interface carrying the functional
// descriptor to the builder's current configuration.
func (d *DFU) ConfigureDevice(b *device.DeviceBuilder) *device.DeviceBuilder {
	var buf [FunctionalDescriptorSize]byte
	d.desc.MarshalTo(buf[:])
	return b.AddInterface(ClassDFU, SubclassDFU, ProtocolDFUMode).
		WithClassDescriptor(buf[:])
}
