// Package mock provides a simulated scale peripheral together with a transport
// driving it, for tests and demos without bluetooth hardware.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/fako1024/skalekit/pkg/protocol"
	"github.com/fako1024/skalekit/pkg/scale"
	"github.com/fako1024/skalekit/pkg/transport"
	"github.com/fatih/stopwatch"
)

const (
	defaultDeviceID     = "00:11:22:33:44:55"
	defaultDeviceName   = "Skale"
	defaultBatteryLevel = 80
)

// ConnectBehaviour defines how the simulated peripheral reacts to connection attempts
type ConnectBehaviour int

const (

	// ConnectSucceed immediately reports a successful connection
	ConnectSucceed ConnectBehaviour = iota

	// ConnectFail immediately reports a failed connection attempt
	ConnectFail

	// ConnectManual leaves the attempt pending until CompleteConnect / FailConnect is called
	ConnectManual
)

// Mock denotes a simulated bluetooth scale reachable via the transport interface
type Mock struct {
	mu sync.Mutex

	enabled    bool
	authorized bool
	scanning   bool

	devices    []scale.Device
	pending    *scale.Device
	connected  *scale.Device
	behaviour  ConnectBehaviour
	connectErr error

	batteryLevel   int
	autoBattery    bool
	ledOn          bool
	tareOffset     float64
	notifyEnabled  bool
	commands       []protocol.Command
	gramsPerSecond float64

	timer *stopwatch.Stopwatch

	listener transport.Listener
	logger   scale.Logger
}

// New instantiates a new Mock scale, executing functional options, if any
func New(options ...func(*Mock)) *Mock {

	// Initialize a new instance of a Mock scale
	m := &Mock{
		enabled:    true,
		authorized: true,
		devices: []scale.Device{
			{ID: defaultDeviceID, Name: defaultDeviceName, RSSI: -50},
		},
		behaviour:    ConnectSucceed,
		connectErr:   scale.FromVendorCode(103, "simulated connection failure"),
		batteryLevel: defaultBatteryLevel,
		autoBattery:  true,
		listener:     transport.NullListener{},
		logger:       &scale.NullLogger{},
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// Enabled returns if the simulated radio is on
func (m *Mock) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.enabled
}

// Authorized returns if the simulated permissions are granted
func (m *Mock) Authorized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.authorized
}

// SetListener defines the receiver of all asynchronous events
func (m *Mock) SetListener(l transport.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l == nil {
		l = transport.NullListener{}
	}
	m.listener = l
}

// StartScan reports all simulated devices as discovered
func (m *Mock) StartScan() error {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return scale.ErrBluetoothDisabled
	}
	m.scanning = true
	devices := append([]scale.Device{}, m.devices...)
	l := m.listener
	m.mu.Unlock()

	for _, d := range devices {
		l.OnDiscovered(d)
	}

	return nil
}

// StopScan stops the simulated discovery
func (m *Mock) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scanning = false
	return nil
}

// Connect starts a simulated connection attempt
func (m *Mock) Connect(device scale.Device) error {
	m.mu.Lock()
	if !m.knows(device.ID) {
		m.mu.Unlock()
		return scale.NewError(scale.CodeDeviceNotFound, "device `%s` has not been discovered", device.ID)
	}
	m.scanning = false
	m.pending = &device
	behaviour := m.behaviour
	m.mu.Unlock()

	switch behaviour {
	case ConnectSucceed:
		m.CompleteConnect()
	case ConnectFail:
		m.FailConnect(m.connectErr)
	}

	return nil
}

// Disconnect terminates the simulated link (or pending attempt)
func (m *Mock) Disconnect() error {
	m.mu.Lock()
	wasConnected := m.connected != nil
	m.connected, m.pending = nil, nil
	m.notifyEnabled = false
	l := m.listener
	m.mu.Unlock()

	if wasConnected {
		l.OnDisconnected(nil)
	}

	return nil
}

// Write processes a command frame sent to the simulated scale
func (m *Mock) Write(data []byte) error {
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.connected == nil {
		m.mu.Unlock()
		return transport.ErrNotConnected
	}
	m.commands = append(m.commands, cmd)

	var reply []byte
	switch cmd {
	case protocol.CmdEnableNotifications:
		m.notifyEnabled = true
	case protocol.CmdTare:
		m.tareOffset = m.weight()
	case protocol.CmdLEDOn:
		m.ledOn = true
	case protocol.CmdLEDOff:
		m.ledOn = false
	case protocol.CmdRequestBattery:
		if m.autoBattery {
			reply = protocol.EncodeBattery(m.batteryLevel)
		}
	}
	l := m.listener
	m.mu.Unlock()

	if reply != nil {
		l.OnNotification(reply)
	}

	return nil
}

// Close terminates the simulated link
func (m *Mock) Close() error {
	return m.Disconnect()
}

////////////////////////////////////////////////////////////////////////////////

// CompleteConnect reports the pending connection attempt as successful
func (m *Mock) CompleteConnect() {
	m.mu.Lock()
	if m.pending == nil {
		m.mu.Unlock()
		return
	}
	device := *m.pending
	m.connected, m.pending = &device, nil
	l := m.listener
	m.mu.Unlock()

	l.OnConnected(device)
}

// FailConnect reports the pending connection attempt as failed
func (m *Mock) FailConnect(err error) {
	m.mu.Lock()
	if m.pending == nil {
		m.mu.Unlock()
		return
	}
	device := *m.pending
	m.pending = nil
	l := m.listener
	m.mu.Unlock()

	l.OnConnectFailed(device, err)
}

// DropLink simulates an unexpected loss of the link
func (m *Mock) DropLink(err error) {
	m.mu.Lock()
	wasConnected := m.connected != nil
	m.connected = nil
	l := m.listener
	m.mu.Unlock()

	if wasConnected {
		l.OnDisconnected(err)
	}
}

// EmitWeight sends a weight notification (relative to the last tare)
func (m *Mock) EmitWeight(grams float64) {
	m.notify(protocol.EncodeWeight(grams))
}

// PressButton sends a button notification
func (m *Mock) PressButton(id int) {
	m.notify(protocol.EncodeButton(id))
}

// EmitRaw sends an arbitrary notification payload
func (m *Mock) EmitRaw(data []byte) {
	m.notify(data)
}

// SetBatteryLevel changes the simulated battery level
func (m *Mock) SetBatteryLevel(level int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.batteryLevel = level
}

// RespondBattery sends a battery notification (for use with WithManualBattery)
func (m *Mock) RespondBattery() {
	m.mu.Lock()
	level := m.batteryLevel
	m.mu.Unlock()

	m.notify(protocol.EncodeBattery(level))
}

// Commands returns all commands received so far
func (m *Mock) Commands() []protocol.Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]protocol.Command{}, m.commands...)
}

// IsLEDOn returns if the simulated display is turned on
func (m *Mock) IsLEDOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ledOn
}

// IsScanning returns if the simulated discovery is active
func (m *Mock) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.scanning
}

// IsConnected returns if the simulated link is established
func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connected != nil
}

// StartPour starts a simulated pour adding the given weight per second
func (m *Mock) StartPour(gramsPerSecond float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gramsPerSecond = gramsPerSecond
	if m.timer == nil {
		m.timer = stopwatch.Start(0)
	} else {
		m.timer.Start(0)
	}
}

// StopPour stops the simulated pour, keeping the current weight
func (m *Mock) StopPour() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
	}
}

// Run emits the current simulated weight in the given interval while connected
// and until the context is cancelled
func (m *Mock) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			grams := m.weight() - m.tareOffset
			active := m.connected != nil && m.notifyEnabled
			m.mu.Unlock()

			if active {
				m.EmitWeight(grams)
			}
		}
	}
}

func (m *Mock) notify(data []byte) {
	m.mu.Lock()
	connected := m.connected != nil
	l := m.listener
	m.mu.Unlock()

	if !connected {
		m.logger.Debugf("dropping notification while disconnected")
		return
	}

	l.OnNotification(data)
}

// weight returns the gross simulated weight (caller must hold mu)
func (m *Mock) weight() float64 {
	if m.timer == nil {
		return 0
	}

	return m.gramsPerSecond * m.timer.ElapsedTime().Seconds()
}

func (m *Mock) knows(id string) bool {
	for _, d := range m.devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
