package session

import (
	"context"
	"strings"

	"github.com/fako1024/skalekit/pkg/scale"
)

// Picker selects the device to connect to among the devices discovered while
// scanning. The devices channel is closed once scanning ends. Returning an
// error (e.g. scale.ErrCancelled) aborts the flow
type Picker interface {
	Pick(ctx context.Context, devices <-chan scale.Device) (scale.Device, error)
}

// PickerFunc adapts a function to the Picker interface
type PickerFunc func(ctx context.Context, devices <-chan scale.Device) (scale.Device, error)

// Pick calls fn
func (fn PickerFunc) Pick(ctx context.Context, devices <-chan scale.Device) (scale.Device, error) {
	return fn(ctx, devices)
}

// MatchName picks the first device whose name starts with the given prefix
// (case-insensitive)
func MatchName(prefix string) Picker {
	prefix = strings.ToLower(prefix)
	return match(func(d scale.Device) bool {
		return strings.HasPrefix(strings.ToLower(d.Name), prefix)
	})
}

// MatchID picks the device with the given identifier (case-insensitive)
func MatchID(id string) Picker {
	return match(func(d scale.Device) bool {
		return strings.EqualFold(d.ID, id)
	})
}

// First picks the first discovered device
func First() Picker {
	return match(func(scale.Device) bool {
		return true
	})
}

func match(accept func(scale.Device) bool) Picker {
	return PickerFunc(func(ctx context.Context, devices <-chan scale.Device) (scale.Device, error) {
		for {
			select {
			case <-ctx.Done():
				return scale.Device{}, ctx.Err()
			case d, ok := <-devices:
				if !ok {
					return scale.Device{}, scale.NewError(scale.CodeDeviceNotFound, "no matching device found")
				}
				if accept(d) {
					return d, nil
				}
			}
		}
	})
}
