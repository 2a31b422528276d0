// Package transport defines the contract between a scale session and the
// platform bluetooth stack.
package transport

import (
	"errors"

	"github.com/fako1024/skalekit/pkg/scale"
)

// ErrNotConnected is returned when writing without an established link
var ErrNotConnected = errors.New("failed to write to uninitialized device")

// Listener receives asynchronous notifications from a transport. Callbacks may
// arrive on any goroutine
type Listener interface {

	// OnDiscovered is called for each peripheral found while scanning
	OnDiscovered(device scale.Device)

	// OnConnected is called once the link is established and notifications are enabled
	OnConnected(device scale.Device)

	// OnConnectFailed is called if a connection attempt did not succeed
	OnConnectFailed(device scale.Device, err error)

	// OnDisconnected is called when an established link is lost or closed
	OnDisconnected(err error)

	// OnNotification is called with the raw payload of every notification
	OnNotification(data []byte)
}

// Transport denotes a bluetooth central able to drive a single scale link
type Transport interface {

	// Enabled returns if the radio is powered on
	Enabled() bool

	// Authorized returns if the process may use the radio
	Authorized() bool

	// SetListener defines the receiver of all asynchronous events
	SetListener(l Listener)

	// StartScan starts device discovery
	StartScan() error

	// StopScan stops device discovery
	StopScan() error

	// Connect starts connecting to the device, the outcome is reported via the Listener
	Connect(device scale.Device) error

	// Disconnect terminates the link or a pending connection attempt
	Disconnect() error

	// Write sends a command frame to the scale
	Write(data []byte) error

	// Close releases all resources of the transport
	Close() error
}

// NullListener denotes a listener that ignores all events
type NullListener struct{}

func (NullListener) OnDiscovered(scale.Device) {}

func (NullListener) OnConnected(scale.Device) {}

func (NullListener) OnConnectFailed(scale.Device, error) {}

func (NullListener) OnDisconnected(error) {}

func (NullListener) OnNotification([]byte) {}
