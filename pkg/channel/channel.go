// Package channel exposes a session through the host method surface: named
// methods taking loosely typed arguments, and named event channels.
package channel

import (
	"context"
	"time"

	"github.com/fako1024/skalekit/pkg/scale"
	"github.com/fako1024/skalekit/pkg/session"
)

// Channel names
const (
	Prefix = "com.atomaxinc.skalekit"

	Methods         = Prefix + "/methods"
	Weight          = Prefix + "/weight"
	ConnectionState = Prefix + "/connectionState"
	Button          = Prefix + "/button"
	Devices         = Prefix + "/devices"
)

// Method names
const (
	MethodIsConnected        = "isConnected"
	MethodIsBluetoothEnabled = "isBluetoothEnabled"
	MethodHasPermissions     = "hasPermissions"
	MethodRequestPermissions = "requestPermissions"
	MethodStartScan          = "startScan"
	MethodStopScan           = "stopScan"
	MethodShowDevicePicker   = "showDevicePicker"
	MethodConnect            = "connect"
	MethodDisconnect         = "disconnect"
	MethodTare               = "tare"
	MethodGetBatteryLevel    = "getBatteryLevel"
	MethodSetLEDDisplay      = "setLEDDisplay"
	MethodSetAutoConnect     = "setAutoConnect"
)

const (
	defaultDeviceName     = "skale"
	defaultPickerTimeout  = 30 * time.Second
	defaultBatteryTimeout = 5 * time.Second
)

// Event denotes a single element of an event channel. Errors on the
// connection state channel carry Code / Message next to the state
type Event struct {
	Data    interface{} `json:"data"`
	Code    scale.Code  `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Subscription denotes an attached event channel listener
type Subscription interface {
	Cancel()
	Done() <-chan struct{}
}

type method func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Handler dispatches method calls and event subscriptions onto a session
type Handler struct {
	session        *session.Session
	picker         session.Picker
	pickerTimeout  time.Duration
	batteryTimeout time.Duration
	logger         scale.Logger

	methods map[string]method
}

// New instantiates a new handler for the given session, executing functional
// options, if any
func New(s *session.Session, options ...func(*Handler)) *Handler {
	h := &Handler{
		session:        s,
		picker:         session.MatchName(defaultDeviceName),
		pickerTimeout:  defaultPickerTimeout,
		batteryTimeout: defaultBatteryTimeout,
		logger:         &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(h)
	}

	h.methods = map[string]method{
		MethodIsConnected:        h.isConnected,
		MethodIsBluetoothEnabled: h.isBluetoothEnabled,
		MethodHasPermissions:     h.hasPermissions,
		MethodRequestPermissions: h.hasPermissions,
		MethodStartScan:          h.startScan,
		MethodStopScan:           h.stopScan,
		MethodShowDevicePicker:   h.showDevicePicker,
		MethodConnect:            h.connect,
		MethodDisconnect:         h.disconnect,
		MethodTare:               h.tare,
		MethodGetBatteryLevel:    h.getBatteryLevel,
		MethodSetLEDDisplay:      h.setLEDDisplay,
		MethodSetAutoConnect:     h.setAutoConnect,
	}

	return h
}

// Invoke calls the named method. All returned errors are of type *scale.Error
func (h *Handler) Invoke(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	m, ok := h.methods[name]
	if !ok {
		return nil, scale.NewError(scale.CodeNotImplemented, "method `%s` is not implemented", name)
	}

	res, err := m(ctx, args)
	if err != nil {
		e := scale.AsError(err)
		h.logger.Debugf("method `%s` failed with %s: %s", name, e.Code, e.Message)
		return nil, e
	}

	return res, nil
}

// Subscribe attaches fn to the named event channel, replacing any previous
// listener of that channel
func (h *Handler) Subscribe(name string, fn func(Event)) (Subscription, error) {
	switch name {
	case Weight:
		return h.session.Weight().Subscribe(func(dp scale.DataPoint) {
			fn(Event{Data: dp.Weight})
		}), nil
	case ConnectionState:
		return h.session.ConnectionState().Subscribe(func(st scale.ConnectionStatus) {
			fn(stateEvent(st))
		}), nil
	case Button:
		return h.session.Buttons().Subscribe(func(ev scale.ButtonEvent) {
			fn(Event{Data: ev.Button})
		}), nil
	case Devices:
		return h.session.Devices().Subscribe(func(d scale.Device) {
			fn(Event{Data: map[string]interface{}{
				"id":   d.ID,
				"name": d.Name,
				"rssi": d.RSSI,
			}})
		}), nil
	}

	return nil, scale.NewError(scale.CodeNotImplemented, "event channel `%s` does not exist", name)
}

func stateEvent(st scale.ConnectionStatus) Event {
	ev := Event{Data: st.State.String()}
	if st.Error != nil {
		e := scale.AsError(st.Error)
		ev.Code, ev.Message = e.Code, e.Message
	}

	return ev
}

////////////////////////////////////////////////////////////////////////////////

func (h *Handler) isConnected(context.Context, map[string]interface{}) (interface{}, error) {
	return h.session.IsConnected(), nil
}

func (h *Handler) isBluetoothEnabled(context.Context, map[string]interface{}) (interface{}, error) {
	return h.session.IsBluetoothEnabled(), nil
}

// Permissions cannot be requested interactively here, the current grant is reported
func (h *Handler) hasPermissions(context.Context, map[string]interface{}) (interface{}, error) {
	return h.session.HasPermissions(), nil
}

func (h *Handler) startScan(context.Context, map[string]interface{}) (interface{}, error) {
	return nil, h.session.StartScan()
}

func (h *Handler) stopScan(context.Context, map[string]interface{}) (interface{}, error) {
	return nil, h.session.StopScan()
}

func (h *Handler) showDevicePicker(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	picker := h.picker
	if id, ok, err := optionalString(args, "id"); err != nil {
		return nil, err
	} else if ok {
		picker = session.MatchID(id)
	}
	if name, ok, err := optionalString(args, "name"); err != nil {
		return nil, err
	} else if ok {
		picker = session.MatchName(name)
	}

	ctx, cancel := context.WithTimeout(ctx, h.pickerTimeout)
	defer cancel()

	return nil, h.session.ShowDevicePicker(ctx, picker)
}

func (h *Handler) connect(_ context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := requireString(args, "id")
	if err != nil {
		return nil, err
	}

	return nil, h.session.Connect(id)
}

func (h *Handler) disconnect(context.Context, map[string]interface{}) (interface{}, error) {
	return nil, h.session.Disconnect()
}

func (h *Handler) tare(context.Context, map[string]interface{}) (interface{}, error) {
	return nil, h.session.Tare()
}

func (h *Handler) getBatteryLevel(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, h.batteryTimeout)
	defer cancel()

	level, err := h.session.GetBatteryLevel(ctx)
	if err != nil {
		return nil, err
	}

	return level, nil
}

func (h *Handler) setLEDDisplay(_ context.Context, args map[string]interface{}) (interface{}, error) {
	on, err := requireBool(args, "isOn")
	if err != nil {
		return nil, err
	}

	return nil, h.session.SetLEDDisplay(on)
}

func (h *Handler) setAutoConnect(_ context.Context, args map[string]interface{}) (interface{}, error) {
	enabled, err := requireBool(args, "enabled")
	if err != nil {
		return nil, err
	}

	return nil, h.session.SetAutoConnect(enabled)
}
