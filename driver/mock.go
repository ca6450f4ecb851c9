package driver

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"sprayd/config"
)

// mockTable is the shared machinery behind both mock clients: an in-memory
// register table with optional simulated latency and error injection.
type mockTable struct {
	device string

	mu        sync.Mutex
	values    map[string]float64
	connected bool
	failNext  error

	delay     time.Duration
	errorRate float64
	rng       *rand.Rand
}

func newMockTable(device string, cfg config.MockConfig, seed map[string]float64) *mockTable {
	values := make(map[string]float64, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &mockTable{
		device:    device,
		values:    values,
		delay:     cfg.Delay,
		errorRate: cfg.ErrorRate,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// maybeFail consumes a queued FailNext error or rolls the configured
// error rate.
func (m *mockTable) maybeFail(op, tag string) error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return hwErr(m.device, op, tag, err)
	}
	if m.errorRate > 0 && m.rng.Float64() < m.errorRate {
		return hwErr(m.device, op, tag, fmt.Errorf("injected failure"))
	}
	return nil
}

func (m *mockTable) simulateLatency() {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
}

func (m *mockTable) connect(ctx context.Context) error {
	m.simulateLatency()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail("connect", ""); err != nil {
		return err
	}
	m.connected = true
	return nil
}

func (m *mockTable) disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *mockTable) isConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTable) readTag(ctx context.Context, addr string) (float64, error) {
	m.simulateLatency()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return 0, hwErr(m.device, "read", addr, ErrNotConnected)
	}
	if err := m.maybeFail("read", addr); err != nil {
		return 0, err
	}
	v, ok := m.values[addr]
	if !ok {
		return 0, hwErr(m.device, "read", addr, fmt.Errorf("no such register"))
	}
	return v, nil
}

func (m *mockTable) writeTag(ctx context.Context, addr string, value float64) error {
	m.simulateLatency()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return hwErr(m.device, "write", addr, ErrNotConnected)
	}
	if err := m.maybeFail("write", addr); err != nil {
		return err
	}
	m.values[addr] = value
	return nil
}

func (m *mockTable) readAll(ctx context.Context) (map[string]float64, error) {
	m.simulateLatency()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, hwErr(m.device, "read", "", ErrNotConnected)
	}
	if err := m.maybeFail("read", ""); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

// FailNext queues an error for the next operation. Test hook.
func (m *mockTable) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Set writes a register directly, bypassing latency and error injection.
// Test hook for simulating hardware-side changes.
func (m *mockTable) Set(addr string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[addr] = value
}

// Get reads a register directly. Test hook.
func (m *mockTable) Get(addr string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[addr]
	return v, ok
}

// MockPLC simulates the process PLC against an in-memory register table
// seeded with representative pressures, flows, valve states and axis
// positions.
type MockPLC struct {
	*mockTable
}

// NewMockPLC builds a mock PLC client.
func NewMockPLC(cfg config.MockConfig) *MockPLC {
	seed := map[string]float64{
		// Pressures (12-bit counts)
		"MainGasPressure":      4095, // 100 psi
		"RegulatorPressure":    3276, // 80 psi
		"FeederPressure":       819,  // 0.2 torr on the chamber scale
		"NozzlePressure":       0,
		"ChamberDualPressure":  0,
		"ChamberDualPressure2": 0,

		// Flow controllers
		"AOS32-0.1.2.1":  0, // main flow setpoint
		"AOS32-0.1.6.1":  0, // feeder flow setpoint
		"MainFlowRate":   0,
		"FeederFlowRate": 0,

		// Valves and relays
		"MainGasValve":     0,
		"FeederGasValve":   0,
		"VentValve":        0,
		"Open":             0,
		"Partial":          0,
		"MechPumpStart":    0,
		"MechPumpStop":     0,
		"BoosterPumpStart": 0,
		"BoosterPumpStop":  0,
		"FeederStart":      0,
		"FeederSwitch":     0,
		"NozzleSelect":     0,
		"Shutter":          0,

		// Motion controller
		"AMC.Ax1Position":  0,
		"AMC.Ax2Position":  0,
		"AMC.Ax3Position":  0,
		"AMC.ModuleStatus": 1,
		"AMC.Alarm":        0,
		"XAxis.Target":     0,
		"XAxis.Velocity":   0,
		"XAxis.Trigger":    0,
		"XAxis.Complete":   1,
		"XAxis.InProgress": 0,
		"YAxis.Target":     0,
		"YAxis.Velocity":   0,
		"YAxis.Trigger":    0,
		"YAxis.Complete":   1,
		"YAxis.InProgress": 0,
		"ZAxis.Target":     0,
		"ZAxis.Velocity":   0,
		"ZAxis.Trigger":    0,
		"ZAxis.Complete":   1,
		"ZAxis.InProgress": 0,
		"MoveXY.Trigger":   0,
	}
	return &MockPLC{mockTable: newMockTable("plc", cfg, seed)}
}

func (m *MockPLC) Connect(ctx context.Context) error { return m.connect(ctx) }
func (m *MockPLC) Disconnect() error                 { return m.disconnect() }
func (m *MockPLC) IsConnected() bool                 { return m.isConnected() }

func (m *MockPLC) ReadTag(ctx context.Context, addr string) (float64, error) {
	return m.readTag(ctx, addr)
}

func (m *MockPLC) WriteTag(ctx context.Context, addr string, value float64) error {
	return m.writeTag(ctx, addr, value)
}

// ReadAll returns the full register table, like the real transport does.
func (m *MockPLC) ReadAll(ctx context.Context) (map[string]float64, error) {
	return m.readAll(ctx)
}

// MockFeeder simulates the powder feeder controller's P-variable table.
type MockFeeder struct {
	*mockTable
}

// NewMockFeeder builds a mock feeder client.
func NewMockFeeder(cfg config.MockConfig) *MockFeeder {
	seed := map[string]float64{
		// Feeder 1
		"P6":  200, // frequency
		"P10": 4,   // run state, 4 = stopped
		"P12": 999, // deagglomerator duty cycle
		// Feeder 2
		"P106": 200,
		"P110": 4,
		"P112": 999,
	}
	return &MockFeeder{mockTable: newMockTable("feeder", cfg, seed)}
}

func (m *MockFeeder) Connect(ctx context.Context) error { return m.connect(ctx) }
func (m *MockFeeder) Disconnect() error                 { return m.disconnect() }
func (m *MockFeeder) IsConnected() bool                 { return m.isConnected() }

func (m *MockFeeder) ReadTag(ctx context.Context, addr string) (float64, error) {
	return m.readTag(ctx, addr)
}

func (m *MockFeeder) WriteTag(ctx context.Context, addr string, value float64) error {
	return m.writeTag(ctx, addr, value)
}

// ReadAll returns all P-variables in one call so the poll loop can batch
// feeder reads the same way it batches PLC reads.
func (m *MockFeeder) ReadAll(ctx context.Context) (map[string]float64, error) {
	return m.readAll(ctx)
}
