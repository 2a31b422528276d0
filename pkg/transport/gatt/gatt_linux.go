package gatt

import "github.com/fako1024/gatt"

// clientOptions returns the HCI options for a single central link on the given
// adapter (-1 selects the first available one)
func clientOptions(hciDevice int) []gatt.Option {
	return []gatt.Option{
		gatt.LnxMaxConnections(1),
		gatt.LnxDeviceID(hciDevice, true),
	}
}
