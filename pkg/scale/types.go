package scale

import "time"

// State denotes a connection state
type State int

const (

	// StateDisconnected is active while no link to a scale exists
	StateDisconnected State = iota

	// StateScanning is active while scanning for a bluetooth device
	StateScanning

	// StateConnecting is active while a connection attempt is in flight
	StateConnecting

	// StateConnected is active while being connected to the scale
	StateConnected
)

// String returns the wire name of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateScanning:
		return "SCANNING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	}

	return "UNKNOWN"
}

// ConnectionStatus denotes the current status of the bluetooth device
type ConnectionStatus struct {
	Error error
	State
}

// DataPoint denotes a weight measurement at a certain point in time
type DataPoint struct {
	TimeStamp time.Time
	Weight    float64
}

// ButtonEvent denotes a press of a physical button on the scale
type ButtonEvent struct {
	TimeStamp time.Time
	Button    int
}

// Device denotes a peripheral found while scanning
type Device struct {
	ID   string
	Name string
	RSSI int
}
