// Package session implements the device-management core of a smart scale: the
// connection state machine, correlation of battery / device picker requests and
// the fan-out of scale events.
//
// All state transitions happen on a single dispatcher goroutine, transport
// callbacks included. Event listeners are invoked on a second, dedicated
// goroutine, so listeners may call back into the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/skalekit/pkg/events"
	"github.com/fako1024/skalekit/pkg/protocol"
	"github.com/fako1024/skalekit/pkg/scale"
	"github.com/fako1024/skalekit/pkg/transport"
	"github.com/fatih/stopwatch"
	"github.com/oklog/ulid/v2"
)

const (
	defaultConnectTimeout = 10 * time.Second
	pickerBuffer          = 64
)

var errClosed = scale.NewError(scale.CodeNotInitialized, "session closed")

var _ scale.Scale = (*Session)(nil)

// Session denotes a single logical device-connection lifecycle
type Session struct {
	id             string
	transport      transport.Transport
	connectTimeout time.Duration
	logger         scale.Logger

	loop    *dispatcher
	deliver *dispatcher

	// Owned by the dispatcher goroutine
	state       scale.State
	autoConnect bool
	attempt     uint64
	target      *scale.Device
	lastDevice  string
	discovered  []scale.Device
	timer       *time.Timer
	picker      *pickerRequest
	battery     []*batteryRequest
	uptime      *stopwatch.Stopwatch

	weight  *events.Stream[scale.DataPoint]
	status  *events.Stream[scale.ConnectionStatus]
	buttons *events.Stream[scale.ButtonEvent]
	devices *events.Stream[scale.Device]

	closeOnce sync.Once
}

// New instantiates a new session on top of the given transport, executing
// functional options, if any
func New(t transport.Transport, options ...func(*Session)) *Session {
	s := &Session{
		transport:      t,
		connectTimeout: defaultConnectTimeout,
		logger:         &scale.NullLogger{},
		state:          scale.StateDisconnected,
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(s)
	}

	if s.id == "" {
		s.id = NewID()
	}

	s.weight = events.NewStream[scale.DataPoint]("weight", s.logger)
	s.status = events.NewStream[scale.ConnectionStatus]("connectionState", s.logger)
	s.buttons = events.NewStream[scale.ButtonEvent]("button", s.logger)
	s.devices = events.NewStream[scale.Device]("devices", s.logger)

	s.loop = newDispatcher()
	s.deliver = newDispatcher()
	t.SetListener(&listener{s: s})

	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Weight returns the stream of weight measurements
func (s *Session) Weight() *events.Stream[scale.DataPoint] {
	return s.weight
}

// ConnectionState returns the stream of connection state changes
func (s *Session) ConnectionState() *events.Stream[scale.ConnectionStatus] {
	return s.status
}

// Buttons returns the stream of button presses
func (s *Session) Buttons() *events.Stream[scale.ButtonEvent] {
	return s.buttons
}

// Devices returns the stream of devices discovered while scanning
func (s *Session) Devices() *events.Stream[scale.Device] {
	return s.devices
}

// IsBluetoothEnabled returns if the local radio is powered on
func (s *Session) IsBluetoothEnabled() bool {
	return s.transport.Enabled()
}

// HasPermissions returns if all permissions required for scanning are granted
func (s *Session) HasPermissions() bool {
	return s.transport.Authorized()
}

// State returns the current connection state
func (s *Session) State() (state scale.State) {
	if err := s.do(func() error {
		state = s.state
		return nil
	}); err != nil {
		return scale.StateDisconnected
	}

	return
}

// IsConnected returns if a scale is currently connected
func (s *Session) IsConnected() bool {
	return s.State() == scale.StateConnected
}

// ConnectedFor returns the time elapsed since the current connection was established
func (s *Session) ConnectedFor() (elapsed time.Duration) {
	_ = s.do(func() error {
		if s.state == scale.StateConnected && s.uptime != nil {
			elapsed = s.uptime.ElapsedTime()
		}
		return nil
	})

	return
}

// SetAutoConnect defines if the last connected device is reconnected
// automatically once it is discovered again while scanning
func (s *Session) SetAutoConnect(enabled bool) error {
	return s.do(func() error {
		s.autoConnect = enabled
		return nil
	})
}

// StartScan starts device discovery, transitioning Disconnected -> Scanning
func (s *Session) StartScan() error {
	return s.do(s.startScan)
}

// StopScan stops device discovery, transitioning Scanning -> Disconnected. A
// pending device picker request is cancelled
func (s *Session) StopScan() error {
	return s.do(func() error {
		if s.state != scale.StateScanning {
			return nil
		}

		s.resolvePicker(scale.ErrCancelled)
		s.stopScanning()
		s.setState(scale.StateDisconnected, nil)
		return nil
	})
}

// RequestConnect starts connecting to a device discovered during the current
// scan, transitioning Scanning -> Connecting
func (s *Session) RequestConnect(device scale.Device) error {
	return s.do(func() error {
		return s.requestConnect(device)
	})
}

// Connect would connect to a device by its identifier, which is not supported:
// devices can only be reached via the discovery flow
func (s *Session) Connect(id string) error {
	return scale.ErrNotSupported
}

// Disconnect terminates the connection or any connection attempt, cancelling
// pending picker and battery requests. It is valid in any state and always
// ends in Disconnected
func (s *Session) Disconnect() error {
	err := s.do(func() error {
		s.disconnect(scale.ErrCancelled)
		return nil
	})
	if errors.Is(err, errClosed) {
		return nil
	}

	return err
}

// Tare tares the scale (ignored while not connected)
func (s *Session) Tare() error {
	return s.command(protocol.CmdTare)
}

// SetLEDDisplay turns the LED display on / off (ignored while not connected)
func (s *Session) SetLEDDisplay(on bool) error {
	if on {
		return s.command(protocol.CmdLEDOn)
	}
	return s.command(protocol.CmdLEDOff)
}

// ShowDevicePicker runs the device picker flow: it starts scanning (unless
// already scanning), hands all discovered devices to the picker and connects to
// the selected one. It returns once the connection is established or the flow
// failed. Only one flow may be pending at a time
func (s *Session) ShowDevicePicker(ctx context.Context, picker Picker) error {
	var req *pickerRequest
	if err := s.do(func() (err error) {
		req, err = s.startPicker(picker)
		return
	}); err != nil {
		return err
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		cause := scale.AsError(ctx.Err())
		s.loop.post(func() {
			if s.picker == req {
				s.abortPicker(cause)
			}
		})

		// The flow might have completed concurrently
		return <-req.result
	}
}

// GetBatteryLevel requests the battery level (in percent) from the connected
// scale. Requests are answered in FIFO order
func (s *Session) GetBatteryLevel(ctx context.Context) (int, error) {
	var req *batteryRequest
	if err := s.do(func() (err error) {
		req, err = s.requestBattery()
		return
	}); err != nil {
		return 0, err
	}

	select {
	case res := <-req.result:
		return res.level, res.err
	case <-ctx.Done():
		cause := scale.AsError(ctx.Err())
		s.loop.post(func() {
			s.resolveBattery(req, batteryResult{err: cause})
		})

		res := <-req.result
		return res.level, res.err
	}
}

// Close disconnects, detaches all listeners and releases the transport. It may
// be called from within a listener, in which case it returns without waiting
// for the remaining events to be delivered
func (s *Session) Close() (err error) {
	s.closeOnce.Do(func() {
		s.loop.stop()

		// The dispatcher has exited, so its state may be accessed directly
		s.disconnect(scale.ErrCancelled)

		// Streams are closed after all pending events were delivered
		s.deliver.post(s.closeStreams)
		delivered := s.deliver.shutdown()
		if !s.deliver.running() {
			<-delivered
		}

		s.transport.SetListener(nil)
		err = s.transport.Close()
	})

	return
}

func (s *Session) closeStreams() {
	s.weight.Close()
	s.status.Close()
	s.buttons.Close()
	s.devices.Close()
}

////////////////////////////////////////////////////////////////////////////////

// do runs fn on the dispatcher goroutine and waits for its result
func (s *Session) do(fn func() error) error {
	res := make(chan error, 1)
	if !s.loop.post(func() { res <- fn() }) {
		return errClosed
	}

	return <-res
}

func (s *Session) emit(fn func()) {
	s.deliver.post(fn)
}

func (s *Session) setState(state scale.State, err error) {
	if s.state != state {
		s.logger.Debugf("session %s: %s -> %s", s.id, s.state, state)
	}
	s.state = state

	status := scale.ConnectionStatus{
		State: state,
		Error: err,
	}
	s.emit(func() { s.status.Emit(status) })
}

func (s *Session) checkRadio() error {
	if !s.transport.Enabled() {
		return scale.ErrBluetoothDisabled
	}
	if !s.transport.Authorized() {
		return scale.ErrPermissionDenied
	}

	return nil
}

func (s *Session) startScan() error {
	if err := s.checkRadio(); err != nil {
		return err
	}

	switch s.state {
	case scale.StateScanning:
		return nil
	case scale.StateConnecting, scale.StateConnected:
		return scale.ErrAlreadyConnected
	}

	if err := s.transport.StartScan(); err != nil {
		return scale.AsError(fmt.Errorf("failed to start scanning: %w", err))
	}

	s.discovered = nil
	s.setState(scale.StateScanning, nil)
	return nil
}

func (s *Session) stopScanning() {
	if err := s.transport.StopScan(); err != nil {
		s.logger.Warnf("failed to stop scanning: %s", err)
	}
}

func (s *Session) requestConnect(device scale.Device) error {
	switch s.state {
	case scale.StateConnecting, scale.StateConnected:
		return scale.ErrAlreadyConnected
	}
	if s.state != scale.StateScanning || !s.isDiscovered(device.ID) {
		return scale.NewError(scale.CodeDeviceNotFound, "device `%s` was not discovered in an active scan", device.ID)
	}

	s.stopScanning()
	s.closePickerDevices()

	s.attempt++
	attempt := s.attempt
	s.target = &device
	s.setState(scale.StateConnecting, nil)

	s.timer = time.AfterFunc(s.connectTimeout, func() {
		s.loop.post(func() { s.onConnectTimeout(attempt) })
	})

	if err := s.transport.Connect(device); err != nil {
		cerr := connectionError(err)
		s.failConnect(cerr)
		return cerr
	}

	return nil
}

func (s *Session) isDiscovered(id string) bool {
	for _, d := range s.discovered {
		if strings.EqualFold(d.ID, id) {
			return true
		}
	}

	return false
}

func (s *Session) failConnect(err *scale.Error) {
	s.stopTimer()
	s.target = nil
	s.setState(scale.StateDisconnected, err)
	s.resolvePicker(err)
}

func (s *Session) disconnect(cause error) {
	prev := s.state

	s.attempt++
	s.stopTimer()

	switch prev {
	case scale.StateScanning:
		s.stopScanning()
	case scale.StateConnecting, scale.StateConnected:
		if err := s.transport.Disconnect(); err != nil {
			s.logger.Warnf("failed to disconnect: %s", err)
		}
	}

	s.target = nil
	s.stopUptime()
	s.resolvePicker(cause)
	s.failBattery(cause)

	if prev != scale.StateDisconnected {
		s.setState(scale.StateDisconnected, nil)
	}
}

func (s *Session) command(cmd protocol.Command) error {
	return s.do(func() error {
		if s.state != scale.StateConnected {
			s.logger.Debugf("session %s: dropping command 0x%02x while %s", s.id, byte(cmd), s.state)
			return nil
		}

		if err := s.transport.Write(protocol.EncodeCommand(cmd)); err != nil {
			return scale.AsError(fmt.Errorf("failed to write command 0x%02x: %w", byte(cmd), err))
		}
		return nil
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) stopUptime() {
	if s.uptime != nil {
		s.uptime.Stop()
		s.uptime = nil
	}
}

////////////////////////////////////////////////////////////////////////////////

func (s *Session) onDiscovered(device scale.Device) {
	if s.state != scale.StateScanning {
		return
	}

	s.discovered = append(s.discovered, device)
	s.emit(func() { s.devices.Emit(device) })

	if s.picker != nil {
		s.picker.offer(device)
		return
	}

	if s.autoConnect && s.lastDevice != "" && device.ID == s.lastDevice {
		s.logger.Infof("session %s: auto-connecting to `%s`", s.id, device.ID)
		if err := s.requestConnect(device); err != nil {
			s.logger.Warnf("session %s: auto-connect failed: %s", s.id, err)
		}
	}
}

func (s *Session) onConnected(device scale.Device) {
	if s.state != scale.StateConnecting || s.target == nil || s.target.ID != device.ID {

		// Stale link (e.g. established after the attempt was abandoned)
		s.logger.Debugf("session %s: dropping stale connection to `%s`", s.id, device.ID)
		if s.state != scale.StateConnected {
			if err := s.transport.Disconnect(); err != nil {
				s.logger.Warnf("failed to drop stale connection: %s", err)
			}
		}
		return
	}

	s.stopTimer()
	s.lastDevice = device.ID
	s.uptime = stopwatch.Start(0)
	s.setState(scale.StateConnected, nil)

	if err := s.transport.Write(protocol.EncodeCommand(protocol.CmdEnableNotifications)); err != nil {
		s.logger.Warnf("session %s: failed to enable notifications: %s", s.id, err)
	}

	s.resolvePicker(nil)
}

func (s *Session) onConnectFailed(device scale.Device, err error) {
	if s.state != scale.StateConnecting || s.target == nil || s.target.ID != device.ID {
		return
	}

	s.failConnect(connectionError(err))
}

func (s *Session) onConnectTimeout(attempt uint64) {
	if attempt != s.attempt || s.state != scale.StateConnecting {
		return
	}

	if err := s.transport.Disconnect(); err != nil {
		s.logger.Warnf("failed to abort connection attempt: %s", err)
	}
	s.failConnect(scale.NewError(scale.CodeConnectionTimeout, "no connection established within %v", s.connectTimeout))
}

func (s *Session) onDisconnected(err error) {
	switch s.state {
	case scale.StateConnecting:
		msg := "link closed while connecting"
		if err != nil {
			msg = err.Error()
		}
		s.failConnect(&scale.Error{Code: scale.CodeConnectionFailed, Message: msg})
	case scale.StateConnected:
		msg := "link lost"
		if err != nil {
			msg = err.Error()
		}
		lost := &scale.Error{Code: scale.CodeConnectionLost, Message: msg}

		s.target = nil
		s.stopUptime()
		s.failBattery(lost)
		s.setState(scale.StateDisconnected, lost)
	}
}

func (s *Session) onNotification(data []byte) {
	if s.state != scale.StateConnected {
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Debugf("session %s: dropping frame: %s", s.id, err)
		return
	}

	now := time.Now()
	switch msg.Kind {
	case protocol.KindWeight:
		dp := scale.DataPoint{TimeStamp: now, Weight: msg.Weight}
		s.emit(func() { s.weight.Emit(dp) })
	case protocol.KindButton:
		ev := scale.ButtonEvent{TimeStamp: now, Button: msg.Button}
		s.emit(func() { s.buttons.Emit(ev) })
	case protocol.KindBattery:
		if len(s.battery) == 0 {
			s.logger.Debugf("session %s: unsolicited battery level %d%%", s.id, msg.Battery)
			return
		}
		s.resolveBattery(s.battery[0], batteryResult{level: msg.Battery})
	}
}

////////////////////////////////////////////////////////////////////////////////

// listener adapts transport callbacks onto the dispatcher goroutine
type listener struct {
	s *Session
}

func (l *listener) OnDiscovered(device scale.Device) {
	l.s.loop.post(func() { l.s.onDiscovered(device) })
}

func (l *listener) OnConnected(device scale.Device) {
	l.s.loop.post(func() { l.s.onConnected(device) })
}

func (l *listener) OnConnectFailed(device scale.Device, err error) {
	l.s.loop.post(func() { l.s.onConnectFailed(device, err) })
}

func (l *listener) OnDisconnected(err error) {
	l.s.loop.post(func() { l.s.onDisconnected(err) })
}

func (l *listener) OnNotification(data []byte) {
	l.s.loop.post(func() { l.s.onNotification(data) })
}

////////////////////////////////////////////////////////////////////////////////

// connectionError maps transport failures onto the taxonomy, defaulting to
// CodeConnectionFailed rather than CodeUnknown
func connectionError(err error) *scale.Error {
	if err == nil {
		return scale.NewError(scale.CodeConnectionFailed, "connection failed")
	}

	e := scale.AsError(err)
	if e.Code == scale.CodeUnknown {
		return &scale.Error{Code: scale.CodeConnectionFailed, Message: e.Message}
	}
	return e
}

// NewID generates a new (lexicographically sortable) session identifier
func NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
