package device

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/softdfu/device/hal"
	"github.com/ardnew/softdfu/pkg"
)

// setupEvent is either a SETUP packet or a bus condition reported by ReadSetup.
type setupEvent struct {
	setup hal.SetupPacket
	err   error
}

// mockHAL implements hal.DeviceHAL for testing. Every EP0 operation the
// stack performs is reported on events in order.
type mockHAL struct {
	initCalled  bool
	startCalled bool
	stopCalled  bool
	connected   bool
	speed       hal.Speed
	mutex       sync.Mutex

	setups  chan setupEvent
	outData [][]byte // OUT data stages, consumed in order
	events  chan string

	// Channels for connect/disconnect signaling
	connectChan    chan struct{}
	disconnectChan chan struct{}
}

func newMockHAL() *mockHAL {
	return &mockHAL{
		speed:          hal.SpeedFull,
		connected:      true,
		setups:         make(chan setupEvent, 10),
		events:         make(chan string, 32),
		connectChan:    make(chan struct{}),
		disconnectChan: make(chan struct{}),
	}
}

func (m *mockHAL) Init(ctx context.Context) error {
	m.initCalled = true
	return nil
}

func (m *mockHAL) Start() error {
	m.startCalled = true
	return nil
}

func (m *mockHAL) Stop() error {
	m.stopCalled = true
	return nil
}

func (m *mockHAL) SetAddress(address uint8) error {
	m.events <- fmt.Sprintf("address:%d", address)
	return nil
}

func (m *mockHAL) ReadSetup(ctx context.Context, out *hal.SetupPacket) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-m.setups:
		*out = ev.setup
		return ev.err
	}
}

func (m *mockHAL) WriteEP0(ctx context.Context, data []byte) error {
	m.events <- fmt.Sprintf("write:% X", data)
	return nil
}

func (m *mockHAL) ReadEP0(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		m.events <- "status"
		return 0, nil
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if len(m.outData) == 0 {
		return 0, pkg.ErrTimeout
	}
	n := copy(buf, m.outData[0])
	m.outData = m.outData[1:]
	m.events <- fmt.Sprintf("read:%d", n)
	return n, nil
}

func (m *mockHAL) StallEP0() error {
	m.events <- "stall"
	return nil
}

func (m *mockHAL) AckEP0() error {
	m.events <- "ack"
	return nil
}

func (m *mockHAL) IsConnected() bool {
	return m.connected
}

func (m *mockHAL) GetSpeed() hal.Speed {
	return m.speed
}

func (m *mockHAL) WaitConnect(ctx context.Context) error {
	if m.connected {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.connectChan:
		return nil
	}
}

func (m *mockHAL) WaitDisconnect(ctx context.Context) error {
	if !m.connected {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.disconnectChan:
		return nil
	}
}

func (m *mockHAL) sendSetup(setup *SetupPacket) {
	m.setups <- setupEvent{setup: hal.SetupPacket{
		RequestType: setup.RequestType,
		Request:     setup.Request,
		Value:       setup.Value,
		Index:       setup.Index,
		Length:      setup.Length,
	}}
}

func (m *mockHAL) sendReset() {
	m.setups <- setupEvent{err: pkg.ErrReset}
}

func (m *mockHAL) queueOut(data []byte) {
	m.mutex.Lock()
	m.outData = append(m.outData, data)
	m.mutex.Unlock()
}

func expectEvents(t *testing.T, m *mockHAL, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-m.events:
			if got != w {
				t.Fatalf("event = %q, want %q", got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %q", w)
		}
	}
}

// startConfigured starts a stack whose device is enumerated with a single
// app-specific interface bound to fn.
func startConfigured(t *testing.T, fn *mockFunction) (*Stack, *mockHAL) {
	t.Helper()
	dev := setupTestDevice()
	dev.RegisterFunction(fn)
	// Re-select the configuration so the function is offered interface 0
	dev.SetConfiguration(1)

	m := newMockHAL()
	stack := NewStack(dev, m)
	if err := stack.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { stack.Stop() })
	return stack, m
}

func TestNewStack(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	hal := newMockHAL()

	stack := NewStack(dev, hal)

	if stack.device != dev {
		t.Error("device not set")
	}
	if stack.hal != hal {
		t.Error("HAL not set")
	}
	if stack.Device() != dev {
		t.Error("Device() returned wrong device")
	}
}

func TestStackStartStop(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	hal := newMockHAL()
	stack := NewStack(dev, hal)

	var connected, disconnected bool
	stack.SetOnConnect(func() { connected = true })
	stack.SetOnDisconnect(func() { disconnected = true })

	ctx := context.Background()
	err := stack.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if !hal.initCalled {
		t.Error("HAL Init() not called")
	}
	if !hal.startCalled {
		t.Error("HAL Start() not called")
	}
	if !stack.IsRunning() {
		t.Error("stack should be running")
	}
	if dev.State() != StatePowered {
		t.Errorf("device state = %v, want %v", dev.State(), StatePowered)
	}
	if !connected {
		t.Error("connect callback not called")
	}

	// Double start should fail
	if err := stack.Start(ctx); err != pkg.ErrAlreadyRunning {
		t.Errorf("double Start() error = %v, want %v", err, pkg.ErrAlreadyRunning)
	}

	if err := stack.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if !hal.stopCalled {
		t.Error("HAL Stop() not called")
	}
	if stack.IsRunning() {
		t.Error("stack should not be running")
	}
	if !disconnected {
		t.Error("disconnect callback not called")
	}

	// Stop is idempotent
	if err := stack.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestStackConnectionState(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	m := newMockHAL()
	m.speed = hal.SpeedHigh
	stack := NewStack(dev, m)

	if !stack.IsConnected() {
		t.Error("IsConnected() should be true")
	}
	if stack.Speed() != SpeedHigh {
		t.Errorf("Speed() = %v, want %v", stack.Speed(), SpeedHigh)
	}
	if err := stack.WaitConnect(context.Background()); err != nil {
		t.Errorf("WaitConnect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := stack.WaitDisconnect(ctx); err != context.DeadlineExceeded {
		t.Errorf("WaitDisconnect() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestStackEnumeration(t *testing.T) {
	dev := setupTestDevice()
	dev.Reset()
	m := newMockHAL()
	stack := NewStack(dev, m)
	if err := stack.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stack.Stop()

	m.sendReset()
	expectEvents(t, m, "address:0")
	if dev.State() != StateDefault {
		t.Errorf("state after reset = %v, want %v", dev.State(), StateDefault)
	}

	setup := descriptorRequest(DescriptorTypeDevice, 0, 8)
	m.sendSetup(&setup)
	expectEvents(t, m, "write:12 01 00 02 00 00 00 40", "status")

	setup = setAddressRequest(7)
	m.sendSetup(&setup)
	expectEvents(t, m, "ack", "address:7")

	setup = setConfigurationRequest(1)
	m.sendSetup(&setup)
	expectEvents(t, m, "ack")
	if !dev.IsConfigured() {
		t.Errorf("state = %v, want %v", dev.State(), StateConfigured)
	}

	// Unknown configuration stalls
	setup = setConfigurationRequest(9)
	m.sendSetup(&setup)
	expectEvents(t, m, "stall")
}

func TestStackClassOutRequest(t *testing.T) {
	buf := make([]byte, 8)
	fn := &mockFunction{class: ClassAppSpecific, reply: Receive(buf)}
	_, m := startConfigured(t, fn)

	m.queueOut([]byte{0xDE, 0xAD, 0xBE, 0xEF})

	setup := classRequest(RequestDirectionHostToDevice, 0x01, 0, 0, 4)
	m.sendSetup(&setup)
	expectEvents(t, m, "read:4", "ack")

	if got := fmt.Sprintf("% X", buf[:4]); got != "DE AD BE EF" {
		t.Errorf("received = %s, want DE AD BE EF", got)
	}
	if len(fn.stages) != 2 || fn.stages[0] != StageSetup || fn.stages[1] != StageData {
		t.Errorf("stages = %v, want [setup data]", fn.stages)
	}
}

func TestStackClassOutAckDiscardsData(t *testing.T) {
	fn := &mockFunction{class: ClassAppSpecific, reply: Ack()}
	_, m := startConfigured(t, fn)

	m.queueOut([]byte{1, 2})

	setup := classRequest(RequestDirectionHostToDevice, 0x04, 0, 0, 2)
	m.sendSetup(&setup)
	expectEvents(t, m, "read:2", "ack")
}

func TestStackClassInRequest(t *testing.T) {
	fn := &mockFunction{class: ClassAppSpecific, reply: Send([]byte{0x00, 0x0A, 0x00, 0x00, 0x04, 0x00})}
	_, m := startConfigured(t, fn)

	setup := classRequest(RequestDirectionDeviceToHost, 0x03, 0, 0, 6)
	m.sendSetup(&setup)
	expectEvents(t, m, "write:00 0A 00 00 04 00", "status")

	// Truncated to wLength
	setup = classRequest(RequestDirectionDeviceToHost, 0x03, 0, 0, 2)
	m.sendSetup(&setup)
	expectEvents(t, m, "write:00 0A", "status")

	if len(fn.stages) != 4 || fn.stages[1] != StageData {
		t.Errorf("stages = %v, want setup/data pairs", fn.stages)
	}
}

func TestStackStalls(t *testing.T) {
	tests := []struct {
		name  string
		reply Reply
		iface uint8
	}{
		{"Unclaimed", Ack(), 5},
		{"StallReply", Stall(), 0},
		{"SendOnOut", Send([]byte{1}), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := &mockFunction{class: ClassAppSpecific, reply: tt.reply}
			_, m := startConfigured(t, fn)

			setup := classRequest(RequestDirectionHostToDevice, 0x00, 0, tt.iface, 0)
			m.sendSetup(&setup)
			expectEvents(t, m, "stall")
		})
	}
}

func TestStackRefusalsLoggedAtDebug(t *testing.T) {
	tests := []struct {
		name string
		err  error
		warn bool
	}{
		{"Unsupported", fmt.Errorf("request 9: %w", pkg.ErrUnsupportedOp), false},
		{"InvalidArgument", fmt.Errorf("block 3: %w", pkg.ErrInvalidArgument), false},
		{"Stall", pkg.ErrStall, false},
		{"Unclaimed", pkg.ErrNotFound, false},
		{"Protocol", pkg.ErrProtocol, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf syncBuffer
			originalLogger := pkg.DefaultLogger
			originalLevel := pkg.GetLogLevel()
			t.Cleanup(func() {
				pkg.SetLogger(originalLogger)
				pkg.SetLogLevel(originalLevel)
			})
			pkg.SetLogLevel(slog.LevelDebug)
			pkg.SetLogger(pkg.NewLogger(&buf, nil))

			fn := &mockFunction{class: ClassAppSpecific, requestErr: tt.err}
			stack, m := startConfigured(t, fn)

			setup := classRequest(RequestDirectionHostToDevice, 0x00, 0, 0, 0)
			m.sendSetup(&setup)
			expectEvents(t, m, "stall")
			if err := stack.Stop(); err != nil {
				t.Fatalf("Stop() error = %v", err)
			}

			logs := buf.String()
			if got := strings.Contains(logs, "level=WARN"); got != tt.warn {
				t.Errorf("WARN logged = %v, want %v\n%s", got, tt.warn, logs)
			}
			if !tt.warn && !strings.Contains(logs, "request stalled") {
				t.Errorf("missing debug record for refused request\n%s", logs)
			}
		})
	}
}

// syncBuffer is a bytes.Buffer safe for the stack goroutine to log into.
type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}

func TestStackBusResetDisablesFunctions(t *testing.T) {
	fn := &mockFunction{class: ClassAppSpecific}
	stack, m := startConfigured(t, fn)

	if fn.bound != 0 {
		t.Fatalf("function bound to %d, want 0", fn.bound)
	}

	m.sendReset()
	expectEvents(t, m, "address:0")

	if stack.Device().State() != StateDefault {
		t.Errorf("state = %v, want %v", stack.Device().State(), StateDefault)
	}
	if fn.bound != unbound {
		t.Errorf("function bound to %d after reset, want unbound", fn.bound)
	}
}
