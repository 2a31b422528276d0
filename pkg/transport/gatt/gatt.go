// Package gatt implements a transport on top of an HCI based GATT central
package gatt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fako1024/gatt"
	"github.com/fako1024/skalekit/pkg/protocol"
	"github.com/fako1024/skalekit/pkg/scale"
	"github.com/fako1024/skalekit/pkg/transport"
)

const (
	defaultMTU       = 500
	defaultHCIDevice = -1
)

// Transport denotes a GATT central driving a single scale link
type Transport struct {
	sync.Mutex

	state       gatt.State
	peripherals map[string]gatt.Peripheral
	connecting  gatt.Peripheral

	btDevice         gatt.Device
	btPeripheral     gatt.Peripheral
	btCharacteristic *gatt.Characteristic

	mtu       int
	hciDevice int
	listener  transport.Listener
	logger    scale.Logger
}

// New instantiates a new GATT transport, executing functional options, if any
func New(options ...func(*Transport)) (*Transport, error) {

	// Initialize a new instance of a GATT transport
	t := &Transport{
		state:       gatt.StateUnknown,
		peripherals: make(map[string]gatt.Peripheral),
		mtu:         defaultMTU,
		hciDevice:   defaultHCIDevice,
		listener:    transport.NullListener{},
		logger:      &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(t)
	}

	// Initialize a new GATT device (if not provided as option)
	if t.btDevice == nil {
		btDevice, err := gatt.NewDevice(clientOptions(t.hciDevice)...)
		if err != nil {
			return nil, err
		}
		t.btDevice = btDevice
	}

	return t, t.subscribe()
}

// Enabled returns if the HCI device is powered on
func (t *Transport) Enabled() bool {
	t.Lock()
	defer t.Unlock()

	return t.state == gatt.StatePoweredOn
}

// Authorized returns if access to the HCI device was granted
func (t *Transport) Authorized() bool {
	t.Lock()
	defer t.Unlock()

	return t.state != gatt.StateUnauthorized
}

// SetListener defines the receiver of all asynchronous events
func (t *Transport) SetListener(l transport.Listener) {
	t.Lock()
	defer t.Unlock()

	if l == nil {
		l = transport.NullListener{}
	}
	t.listener = l
}

// StartScan starts device discovery
func (t *Transport) StartScan() error {
	return t.btDevice.Scan([]gatt.UUID{}, false)
}

// StopScan stops device discovery
func (t *Transport) StopScan() error {
	return t.btDevice.StopScanning()
}

// Connect starts connecting to a previously discovered device
func (t *Transport) Connect(device scale.Device) error {
	t.Lock()
	p, exists := t.peripherals[strings.ToLower(device.ID)]
	if exists {
		t.connecting = p
	}
	t.Unlock()

	if !exists {
		return scale.NewError(scale.CodeDeviceNotFound, "device `%s` has not been discovered", device.ID)
	}

	// Stop scanning once we've got the peripheral we're looking for
	if err := t.btDevice.StopScanning(); err != nil {
		t.logger.Warnf("failed to stop scanning: %s", err)
	}

	t.logger.Debugf("connecting device `%s/%s`", p.Name(), p.ID())
	return t.btDevice.Connect(p)
}

// Disconnect terminates the link or a pending connection attempt
func (t *Transport) Disconnect() error {
	t.Lock()
	p := t.btPeripheral
	if p == nil {
		p = t.connecting
	}
	t.connecting = nil
	t.Unlock()

	if p == nil {
		return nil
	}

	return t.btDevice.CancelConnection(p)
}

// Write sends a command frame to the scale
func (t *Transport) Write(data []byte) error {
	t.Lock()
	p, c := t.btPeripheral, t.btCharacteristic
	t.Unlock()

	if p == nil || c == nil {
		return transport.ErrNotConnected
	}

	return p.WriteCharacteristic(c, data, false)
}

// Close terminates the connection to the device and releases the HCI device
func (t *Transport) Close() error {
	_ = t.Disconnect()
	_ = t.btDevice.StopScanning()

	return t.btDevice.RemoveAllServices()
}

////////////////////////////////////////////////////////////////////////////////

func (t *Transport) subscribe() error {

	// Register handlers
	t.btDevice.Handle(
		gatt.AddPeripheralDiscovered(t.onPeriphDiscovered),
		gatt.AddPeripheralConnected(t.onPeriphConnected),
		gatt.AddPeripheralDisconnected(t.onPeriphDisconnected),
	)

	// Initialize the device
	return t.btDevice.Init(t.onStateChanged)
}

func (t *Transport) events() transport.Listener {
	t.Lock()
	defer t.Unlock()

	return t.listener
}

func (t *Transport) onStateChanged(d gatt.Device, s gatt.State) {
	t.Lock()
	t.state = s
	t.Unlock()

	t.logger.Debugf("HCI device state changed to %s", s)
	if s != gatt.StatePoweredOn {
		if err := d.StopScanning(); err != nil {
			t.logger.Debugf("failed to stop scanning: %s", err)
		}
	}
}

func (t *Transport) onPeriphDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	name := p.Name()
	if name == "" && a != nil {
		name = a.LocalName
	}

	t.logger.Debugf("discovered device `%s/%s`", name, p.ID())

	t.Lock()
	t.peripherals[strings.ToLower(p.ID())] = p
	t.Unlock()

	t.events().OnDiscovered(scale.Device{
		ID:   p.ID(),
		Name: name,
		RSSI: rssi,
	})
}

func (t *Transport) onPeriphConnected(p gatt.Peripheral, connErr error) {
	if !t.isPending(p) {
		return
	}

	device := toDevice(p)
	if connErr != nil {
		t.clearPending()
		t.events().OnConnectFailed(device, connErr)
		return
	}

	t.logger.Debugf("connected peripheral `%s/%s`", p.Name(), p.ID())

	c, err := t.setupPeripheral(p)
	if err != nil {
		t.clearPending()
		_ = p.Device().CancelConnection(p)
		t.events().OnConnectFailed(device, err)
		return
	}

	t.Lock()
	t.btPeripheral = p
	t.btCharacteristic = c
	t.connecting = nil
	t.Unlock()

	t.events().OnConnected(device)
}

func (t *Transport) onPeriphDisconnected(p gatt.Peripheral, err error) {
	t.Lock()
	active := t.btPeripheral != nil && strings.EqualFold(t.btPeripheral.ID(), p.ID())
	if active {
		t.btPeripheral = nil
		t.btCharacteristic = nil
	}
	t.Unlock()

	if !active {
		return
	}

	t.logger.Debugf("disconnected peripheral `%s/%s`", p.Name(), p.ID())
	t.events().OnDisconnected(err)
}

func (t *Transport) setupPeripheral(p gatt.Peripheral) (*gatt.Characteristic, error) {

	// Set connection MTU
	if err := p.SetMTU(uint16(t.mtu)); err != nil {
		return nil, fmt.Errorf("failed to set MTU: %w", err)
	}

	// Discover services
	ss, err := p.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	var cmdChar, notifyChar *gatt.Characteristic
	for _, s := range ss {
		if s.UUID().String() != protocol.ServiceUUID {
			continue
		}

		// Discover characteristics
		cs, err := p.DiscoverCharacteristics(nil, s)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics: %w", err)
		}
		for _, c := range cs {
			switch c.UUID().String() {
			case protocol.CommandCharacteristicID:
				cmdChar = c
			case protocol.NotifyCharacteristicID:
				notifyChar = c
			}
		}
	}
	if cmdChar == nil || notifyChar == nil {
		return nil, scale.NewError(scale.CodeDeviceNotFound, "peripheral `%s` does not provide the scale service", p.ID())
	}

	// Discover descriptors
	if _, err := p.DiscoverDescriptors(nil, notifyChar); err != nil {
		return nil, fmt.Errorf("failed to discover descriptors: %w", err)
	}
	if err := p.SetNotifyValue(notifyChar, t.receiveData); err != nil {
		return nil, fmt.Errorf("failed to subscribe characteristic: %w", err)
	}

	return cmdChar, nil
}

func (t *Transport) receiveData(_ *gatt.Characteristic, data []byte, err error) {
	if err != nil {
		t.logger.Debugf("dropping notification: %s", err)
		return
	}

	t.events().OnNotification(data)
}

func (t *Transport) isPending(p gatt.Peripheral) bool {
	t.Lock()
	defer t.Unlock()

	return t.connecting != nil && strings.EqualFold(t.connecting.ID(), p.ID())
}

func (t *Transport) clearPending() {
	t.Lock()
	t.connecting = nil
	t.Unlock()
}

func toDevice(p gatt.Peripheral) scale.Device {
	return scale.Device{
		ID:   p.ID(),
		Name: p.Name(),
	}
}
