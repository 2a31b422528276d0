package session

import (
	"context"
	"fmt"

	"github.com/fako1024/skalekit/pkg/protocol"
	"github.com/fako1024/skalekit/pkg/scale"
)

// pickerRequest denotes a pending device picker flow
type pickerRequest struct {
	devices       chan scale.Device
	devicesClosed bool
	selected      bool

	cancel context.CancelFunc
	result chan error
}

func (r *pickerRequest) offer(device scale.Device) {
	if r.devicesClosed {
		return
	}

	select {
	case r.devices <- device:
	default:
	}
}

func (r *pickerRequest) closeDevices() {
	if r.devicesClosed {
		return
	}
	r.devicesClosed = true
	close(r.devices)
}

type batteryResult struct {
	level int
	err   error
}

// batteryRequest denotes a pending battery level query
type batteryRequest struct {
	result chan batteryResult
}

////////////////////////////////////////////////////////////////////////////////

func (s *Session) startPicker(picker Picker) (*pickerRequest, error) {
	if err := s.checkRadio(); err != nil {
		return nil, err
	}
	if s.picker != nil {
		return nil, scale.ErrRequestSuperseded
	}

	switch s.state {
	case scale.StateConnecting, scale.StateConnected:
		return nil, scale.ErrAlreadyConnected
	case scale.StateDisconnected:
		if err := s.transport.StartScan(); err != nil {
			return nil, scale.AsError(fmt.Errorf("failed to start scanning: %w", err))
		}
		s.discovered = nil
		s.setState(scale.StateScanning, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := &pickerRequest{
		devices: make(chan scale.Device, pickerBuffer),
		cancel:  cancel,
		result:  make(chan error, 1),
	}
	s.picker = req

	// Hand over devices discovered before the picker was shown
	for _, d := range s.discovered {
		req.offer(d)
	}

	go func() {
		device, err := picker.Pick(ctx, req.devices)
		s.loop.post(func() { s.onPicked(req, device, err) })
	}()

	return req, nil
}

func (s *Session) onPicked(req *pickerRequest, device scale.Device, err error) {
	if s.picker != req || req.selected {
		return
	}

	if err != nil {

		// An attempt started via RequestConnect resolves the flow instead
		if s.state == scale.StateConnecting {
			return
		}
		s.abortPicker(scale.AsError(err))
		return
	}

	req.selected = true
	s.logger.Debugf("session %s: picked device `%s/%s`", s.id, device.Name, device.ID)
	if err := s.requestConnect(device); err != nil && s.picker == req {
		s.abortPicker(scale.AsError(err))
	}
}

// abortPicker tears down the scan / connection attempt started by the pending
// picker flow and resolves it with err
func (s *Session) abortPicker(err error) {
	switch s.state {
	case scale.StateScanning:
		s.stopScanning()
		s.setState(scale.StateDisconnected, nil)
	case scale.StateConnecting:
		s.attempt++
		s.stopTimer()
		if derr := s.transport.Disconnect(); derr != nil {
			s.logger.Warnf("failed to abort connection attempt: %s", derr)
		}
		s.target = nil
		s.setState(scale.StateDisconnected, nil)
	}

	s.resolvePicker(err)
}

func (s *Session) resolvePicker(err error) {
	req := s.picker
	if req == nil {
		return
	}
	s.picker = nil

	req.cancel()
	req.closeDevices()
	req.result <- err
}

func (s *Session) closePickerDevices() {
	if s.picker != nil {
		s.picker.closeDevices()
	}
}

////////////////////////////////////////////////////////////////////////////////

func (s *Session) requestBattery() (*batteryRequest, error) {
	if s.state != scale.StateConnected {
		return nil, scale.ErrNotInitialized
	}

	req := &batteryRequest{
		result: make(chan batteryResult, 1),
	}
	s.battery = append(s.battery, req)

	if err := s.transport.Write(protocol.EncodeCommand(protocol.CmdRequestBattery)); err != nil {
		s.removeBattery(req)
		return nil, scale.AsError(fmt.Errorf("failed to request battery level: %w", err))
	}

	return req, nil
}

func (s *Session) resolveBattery(req *batteryRequest, res batteryResult) {
	if s.removeBattery(req) {
		req.result <- res
	}
}

func (s *Session) removeBattery(req *batteryRequest) bool {
	for i, r := range s.battery {
		if r == req {
			s.battery = append(s.battery[:i], s.battery[i+1:]...)
			return true
		}
	}

	return false
}

func (s *Session) failBattery(err error) {
	for _, req := range s.battery {
		req.result <- batteryResult{err: err}
	}
	s.battery = nil
}
