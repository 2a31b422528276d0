//go:build !linux

package gatt

import "github.com/fako1024/gatt"

func clientOptions(int) []gatt.Option {
	return nil
}
