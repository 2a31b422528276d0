package scale

import (
	"context"
	"time"
)

// Radio denotes the availability checks of the local bluetooth stack
type Radio interface {

	// IsBluetoothEnabled returns if the local radio is powered on
	IsBluetoothEnabled() bool

	// HasPermissions returns if all OS permissions required for scanning are granted
	HasPermissions() bool
}

// Basic denotes a basic smart scale session
type Basic interface {
	Radio

	// State returns the current connection state
	State() State

	// IsConnected returns if a scale is currently connected
	IsConnected() bool

	// StartScan starts scanning for devices
	StartScan() error

	// StopScan stops an ongoing scan
	StopScan() error

	// Disconnect terminates the connection (or connection attempt) to the device
	Disconnect() error

	// Tare tares the scale
	Tare() error

	// Close terminates the session
	Close() error
}

// Battery denotes battery level querying functionality
type Battery interface {

	// GetBatteryLevel requests the current battery level (in percent) from the scale
	GetBatteryLevel(ctx context.Context) (int, error)
}

// Display denotes functionality related to the scale display
type Display interface {

	// SetLEDDisplay turns the LED display on / off
	SetLEDDisplay(on bool) error
}

// Uptime denotes connection timing functionality
type Uptime interface {

	// ConnectedFor returns the time elapsed since the current connection was established
	ConnectedFor() time.Duration
}

// Scale denotes the "default" scale session containing all functionality
type Scale interface {
	Basic
	Battery
	Display
	Uptime
}
