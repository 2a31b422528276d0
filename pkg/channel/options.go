package channel

import (
	"time"

	"github.com/fako1024/skalekit/pkg/scale"
	"github.com/fako1024/skalekit/pkg/session"
)

// WithPicker sets the picker used by showDevicePicker unless the call names a
// device explicitly
func WithPicker(picker session.Picker) func(*Handler) {
	return func(h *Handler) {
		h.picker = picker
	}
}

// WithPickerTimeout sets the maximum duration of a showDevicePicker call
func WithPickerTimeout(timeout time.Duration) func(*Handler) {
	return func(h *Handler) {
		h.pickerTimeout = timeout
	}
}

// WithBatteryTimeout sets the maximum duration of a getBatteryLevel call
func WithBatteryTimeout(timeout time.Duration) func(*Handler) {
	return func(h *Handler) {
		h.batteryTimeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*Handler) {
	return func(h *Handler) {
		h.logger = logger
	}
}
