package gatt

import (
	"github.com/fako1024/gatt"
	"github.com/fako1024/skalekit/pkg/scale"
)

// WithDevice sets the Bluetooth device
func WithDevice(btDevice gatt.Device) func(*Transport) {
	return func(t *Transport) {
		t.btDevice = btDevice
	}
}

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*Transport) {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithMTU sets the MTU requested upon connection
func WithMTU(mtu int) func(*Transport) {
	return func(t *Transport) {
		t.mtu = mtu
	}
}

// WithHCIDevice selects the local HCI adapter by index (Linux only)
func WithHCIDevice(id int) func(*Transport) {
	return func(t *Transport) {
		t.hciDevice = id
	}
}
