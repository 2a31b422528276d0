package mock

import "github.com/fako1024/skalekit/pkg/scale"

// WithDevices sets the devices reported while scanning
func WithDevices(devices ...scale.Device) func(*Mock) {
	return func(m *Mock) {
		m.devices = devices
	}
}

// WithRadio sets the simulated radio and permission state
func WithRadio(enabled, authorized bool) func(*Mock) {
	return func(m *Mock) {
		m.enabled = enabled
		m.authorized = authorized
	}
}

// WithConnectBehaviour sets the reaction to connection attempts
func WithConnectBehaviour(behaviour ConnectBehaviour) func(*Mock) {
	return func(m *Mock) {
		m.behaviour = behaviour
	}
}

// WithConnectError sets the error reported for failing connection attempts
func WithConnectError(err error) func(*Mock) {
	return func(m *Mock) {
		m.connectErr = err
	}
}

// WithBatteryLevel sets the simulated battery level
func WithBatteryLevel(level int) func(*Mock) {
	return func(m *Mock) {
		m.batteryLevel = level
	}
}

// WithManualBattery disables automatic replies to battery requests
func WithManualBattery() func(*Mock) {
	return func(m *Mock) {
		m.autoBattery = false
	}
}

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*Mock) {
	return func(m *Mock) {
		m.logger = logger
	}
}
