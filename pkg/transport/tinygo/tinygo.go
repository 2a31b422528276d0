// Package tinygo implements a transport on top of tinygo.org/x/bluetooth, which
// covers BlueZ (Linux), CoreBluetooth (macOS) and WinRT (Windows).
//
// On macOS, device identifiers are CoreBluetooth UUIDs rather than MAC addresses.
package tinygo

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fako1024/skalekit/pkg/protocol"
	"github.com/fako1024/skalekit/pkg/scale"
	"github.com/fako1024/skalekit/pkg/transport"
	"tinygo.org/x/bluetooth"
)

// Transport denotes a tinygo bluetooth central driving a single scale link
type Transport struct {
	adapter *bluetooth.Adapter

	mu         sync.Mutex
	enabled    bool
	enableErr  error
	discovered map[string]bluetooth.Address
	device     *bluetooth.Device
	cmdChar    *bluetooth.DeviceCharacteristic
	attempt    int

	listener transport.Listener
	logger   scale.Logger
}

// New instantiates a new tinygo transport using the default adapter, executing
// functional options, if any
func New(options ...func(*Transport)) *Transport {
	t := &Transport{
		adapter:    bluetooth.DefaultAdapter,
		discovered: make(map[string]bluetooth.Address),
		listener:   transport.NullListener{},
		logger:     &scale.NullLogger{},
	}

	for _, option := range options {
		option(t)
	}

	t.enable()

	return t
}

// WithAdapter sets the bluetooth adapter
func WithAdapter(adapter *bluetooth.Adapter) func(*Transport) {
	return func(t *Transport) {
		t.adapter = adapter
	}
}

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*Transport) {
	return func(t *Transport) {
		t.logger = logger
	}
}

// Enabled returns if the adapter could be powered on
func (t *Transport) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.enabled
}

// Authorized returns if the adapter did not refuse access
func (t *Transport) Authorized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.enableErr == nil || !strings.Contains(strings.ToLower(t.enableErr.Error()), "permission")
}

// SetListener defines the receiver of all asynchronous events
func (t *Transport) SetListener(l transport.Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l == nil {
		l = transport.NullListener{}
	}
	t.listener = l
}

// StartScan starts device discovery in the background (Adapter.Scan blocks
// until StopScan is called)
func (t *Transport) StartScan() error {
	if !t.Enabled() {
		return scale.ErrBluetoothDisabled
	}

	go func() {
		if err := t.adapter.Scan(t.onScanResult); err != nil {
			t.logger.Warnf("scan terminated: %s", err)
		}
	}()

	return nil
}

// StopScan stops device discovery
func (t *Transport) StopScan() error {
	return t.adapter.StopScan()
}

// Connect starts connecting to a previously discovered device
func (t *Transport) Connect(device scale.Device) error {
	t.mu.Lock()
	addr, exists := t.discovered[device.ID]
	t.attempt++
	attempt := t.attempt
	t.mu.Unlock()

	if !exists {
		return scale.NewError(scale.CodeDeviceNotFound, "device `%s` has not been discovered", device.ID)
	}

	if err := t.adapter.StopScan(); err != nil {
		t.logger.Debugf("failed to stop scanning: %s", err)
	}

	// Adapter.Connect blocks with its own timeout, run it in the background and
	// report the outcome via the listener
	go func() {
		dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			if t.isCurrent(attempt) {
				t.events().OnConnectFailed(device, fmt.Errorf("failed to connect to %s: %w", device.ID, err))
			}
			return
		}

		cmdChar, err := t.setupDevice(&dev)
		if err != nil {
			_ = dev.Disconnect()
			if t.isCurrent(attempt) {
				t.events().OnConnectFailed(device, err)
			}
			return
		}

		t.mu.Lock()
		if attempt != t.attempt {

			// Disconnect() was called while connecting
			t.mu.Unlock()
			_ = dev.Disconnect()
			return
		}
		t.device = &dev
		t.cmdChar = cmdChar
		t.mu.Unlock()

		t.events().OnConnected(device)
	}()

	return nil
}

// Disconnect terminates the link or abandons a pending connection attempt
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.attempt++
	dev := t.device
	t.device, t.cmdChar = nil, nil
	t.mu.Unlock()

	if dev == nil {
		return nil
	}

	return dev.Disconnect()
}

// Write sends a command frame to the scale
func (t *Transport) Write(data []byte) error {
	t.mu.Lock()
	c := t.cmdChar
	t.mu.Unlock()

	if c == nil {
		return transport.ErrNotConnected
	}

	_, err := c.WriteWithoutResponse(data)
	return err
}

// Close releases the link and stops scanning
func (t *Transport) Close() error {
	_ = t.StopScan()

	return t.Disconnect()
}

////////////////////////////////////////////////////////////////////////////////

func (t *Transport) enable() {
	err := t.adapter.Enable()

	t.mu.Lock()
	t.enabled = err == nil
	t.enableErr = err
	t.mu.Unlock()

	if err != nil {
		t.logger.Warnf("failed to enable bluetooth adapter: %s", err)
		return
	}

	// Register the adapter-level connect / disconnect handler
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}

		t.mu.Lock()
		active := t.device != nil && t.device.Address.String() == device.Address.String()
		if active {
			t.device, t.cmdChar = nil, nil
		}
		t.mu.Unlock()

		if active {
			t.events().OnDisconnected(nil)
		}
	})
}

func (t *Transport) onScanResult(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
	id := result.Address.String()

	t.mu.Lock()
	t.discovered[id] = result.Address
	t.mu.Unlock()

	t.events().OnDiscovered(scale.Device{
		ID:   id,
		Name: result.LocalName(),
		RSSI: int(result.RSSI),
	})
}

func (t *Transport) setupDevice(dev *bluetooth.Device) (*bluetooth.DeviceCharacteristic, error) {
	svcUUID, err := parseUUID(protocol.ServiceUUID)
	if err != nil {
		return nil, err
	}
	cmdUUID, err := parseUUID(protocol.CommandCharacteristicID)
	if err != nil {
		return nil, err
	}
	notifyUUID, err := parseUUID(protocol.NotifyCharacteristicID)
	if err != nil {
		return nil, err
	}

	svcs, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, scale.NewError(scale.CodeDeviceNotFound, "service %s not found", protocol.ServiceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{cmdUUID, notifyUUID})
	if err != nil {
		return nil, fmt.Errorf("failed to discover characteristics: %w", err)
	}
	if len(chars) != 2 {
		return nil, scale.NewError(scale.CodeDeviceNotFound, "scale characteristics not found")
	}

	if err := chars[1].EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		t.events().OnNotification(data)
	}); err != nil {
		return nil, fmt.Errorf("failed to subscribe characteristic: %w", err)
	}

	return &chars[0], nil
}

func (t *Transport) events() transport.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.listener
}

func (t *Transport) isCurrent(attempt int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return attempt == t.attempt
}

// parseUUID expands 16 bit identifiers to full bluetooth base UUIDs
func parseUUID(id string) (bluetooth.UUID, error) {
	if len(id) == 4 {
		id = fmt.Sprintf("0000%s-0000-1000-8000-00805f9b34fb", id)
	}

	return bluetooth.ParseUUID(id)
}
