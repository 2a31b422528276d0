package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/fako1024/skalekit/pkg/mock"
	"github.com/fako1024/skalekit/pkg/protocol"
	"github.com/fako1024/skalekit/pkg/scale"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

var testDevice = scale.Device{ID: "00:11:22:33:44:55", Name: "Skale", RSSI: -50}

func newTestSession(t *testing.T, mockOptions []func(*mock.Mock), options ...func(*Session)) (*Session, *mock.Mock, <-chan scale.ConnectionStatus) {
	t.Helper()

	m := mock.New(mockOptions...)
	s := New(m, options...)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	states, _ := s.ConnectionState().Chan(64)
	return s, m, states
}

func nextStatus(t *testing.T, ch <-chan scale.ConnectionStatus) scale.ConnectionStatus {
	t.Helper()

	select {
	case st, ok := <-ch:
		require.True(t, ok, "connection state stream closed")
		return st
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for connection state")
	}

	return scale.ConnectionStatus{}
}

func expectStates(t *testing.T, ch <-chan scale.ConnectionStatus, states ...scale.State) {
	t.Helper()

	for _, want := range states {
		st := nextStatus(t, ch)
		require.Equal(t, want, st.State, "unexpected state (error: %v)", st.Error)
	}
}

func connect(t *testing.T, s *Session, states <-chan scale.ConnectionStatus) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, s.ShowDevicePicker(ctx, MatchName("skale")))
	expectStates(t, states, scale.StateScanning, scale.StateConnecting, scale.StateConnected)
}

func asyncPicker(s *Session, picker Picker) <-chan error {
	res := make(chan error, 1)
	go func() {
		res <- s.ShowDevicePicker(context.Background(), picker)
	}()

	return res
}

func waitResult(t *testing.T, res <-chan error) error {
	t.Helper()

	select {
	case err := <-res:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for result")
	}

	return nil
}

func TestStartScanBluetoothDisabled(t *testing.T) {
	s, _, _ := newTestSession(t, []func(*mock.Mock){mock.WithRadio(false, true)})

	assert.False(t, s.IsBluetoothEnabled())
	assert.ErrorIs(t, s.StartScan(), scale.ErrBluetoothDisabled)
	assert.Equal(t, scale.StateDisconnected, s.State())
}

func TestStartScanPermissionDenied(t *testing.T) {
	s, _, _ := newTestSession(t, []func(*mock.Mock){mock.WithRadio(true, false)})

	assert.False(t, s.HasPermissions())
	assert.ErrorIs(t, s.StartScan(), scale.ErrPermissionDenied)
	assert.ErrorIs(t, s.ShowDevicePicker(context.Background(), First()), scale.ErrPermissionDenied)
	assert.Equal(t, scale.StateDisconnected, s.State())
}

func TestScanEmitsDevices(t *testing.T) {
	s, m, states := newTestSession(t, nil)
	devices, _ := s.Devices().Chan(8)

	require.NoError(t, s.StartScan())
	expectStates(t, states, scale.StateScanning)
	assert.True(t, m.IsScanning())

	select {
	case d := <-devices:
		assert.Equal(t, testDevice, d)
	case <-time.After(testTimeout):
		t.Fatal("no device discovered")
	}

	// Scanning again is a no-op
	require.NoError(t, s.StartScan())

	require.NoError(t, s.StopScan())
	expectStates(t, states, scale.StateDisconnected)
	assert.False(t, m.IsScanning())
}

func TestPickerFlow(t *testing.T) {
	s, m, states := newTestSession(t, nil)

	connect(t, s, states)
	assert.True(t, s.IsConnected())
	assert.Contains(t, m.Commands(), protocol.CmdEnableNotifications)
}

func TestPickerResolvesAfterConnected(t *testing.T) {
	s, m, states := newTestSession(t, []func(*mock.Mock){mock.WithConnectBehaviour(mock.ConnectManual)})

	res := asyncPicker(s, MatchID(testDevice.ID))
	expectStates(t, states, scale.StateScanning, scale.StateConnecting)

	select {
	case err := <-res:
		t.Fatalf("picker resolved before connection was established: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	m.CompleteConnect()
	expectStates(t, states, scale.StateConnected)
	require.NoError(t, waitResult(t, res))
}

func TestSecondConnectRejected(t *testing.T) {
	s, m, states := newTestSession(t, []func(*mock.Mock){mock.WithConnectBehaviour(mock.ConnectManual)})

	require.NoError(t, s.StartScan())
	require.NoError(t, s.RequestConnect(testDevice))
	expectStates(t, states, scale.StateScanning, scale.StateConnecting)

	assert.ErrorIs(t, s.RequestConnect(testDevice), scale.ErrAlreadyConnected)
	assert.ErrorIs(t, s.StartScan(), scale.ErrAlreadyConnected)
	assert.Equal(t, scale.StateConnecting, s.State())

	m.CompleteConnect()
	expectStates(t, states, scale.StateConnected)
	assert.ErrorIs(t, s.RequestConnect(testDevice), scale.ErrAlreadyConnected)
}

func TestRequestConnectWithoutScan(t *testing.T) {
	s, _, _ := newTestSession(t, nil)

	assert.ErrorIs(t, s.RequestConnect(testDevice), scale.ErrDeviceNotFound)
	assert.Equal(t, scale.StateDisconnected, s.State())
}

func TestRequestConnectUndiscovered(t *testing.T) {
	s, m, states := newTestSession(t, nil)

	blocking := PickerFunc(func(ctx context.Context, _ <-chan scale.Device) (scale.Device, error) {
		<-ctx.Done()
		return scale.Device{}, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan error, 1)
	go func() {
		res <- s.ShowDevicePicker(ctx, blocking)
	}()
	expectStates(t, states, scale.StateScanning)

	err := s.RequestConnect(scale.Device{ID: "AA:BB:CC:DD:EE:FF"})
	assert.ErrorIs(t, err, scale.ErrDeviceNotFound)

	// Neither the scan nor the pending picker are affected
	assert.Equal(t, scale.StateScanning, s.State())
	assert.True(t, m.IsScanning())
	select {
	case st := <-states:
		t.Fatalf("unexpected state change to %s (error: %v)", st.State, st.Error)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	assert.ErrorIs(t, waitResult(t, res), scale.ErrCancelled)
}

func TestPickerWhileScanning(t *testing.T) {
	s, _, states := newTestSession(t, nil)

	require.NoError(t, s.StartScan())
	expectStates(t, states, scale.StateScanning)

	require.NoError(t, s.ShowDevicePicker(context.Background(), First()))
	expectStates(t, states, scale.StateConnecting, scale.StateConnected)
}

func TestConnectByIDNotSupported(t *testing.T) {
	s, _, _ := newTestSession(t, nil)
	assert.ErrorIs(t, s.Connect(testDevice.ID), scale.ErrNotSupported)
}

func TestConnectFailure(t *testing.T) {
	s, _, states := newTestSession(t, []func(*mock.Mock){mock.WithConnectBehaviour(mock.ConnectFail)})

	err := s.ShowDevicePicker(context.Background(), First())
	assert.ErrorIs(t, err, scale.ErrConnectionFailed)

	expectStates(t, states, scale.StateScanning, scale.StateConnecting)
	st := nextStatus(t, states)
	assert.Equal(t, scale.StateDisconnected, st.State)
	assert.Equal(t, scale.CodeConnectionFailed, scale.CodeOf(st.Error))
}

func TestConnectTimeout(t *testing.T) {
	s, _, states := newTestSession(t,
		[]func(*mock.Mock){mock.WithConnectBehaviour(mock.ConnectManual)},
		WithConnectTimeout(50*time.Millisecond),
	)

	err := s.ShowDevicePicker(context.Background(), First())
	assert.ErrorIs(t, err, scale.ErrConnectionTimeout)

	expectStates(t, states, scale.StateScanning, scale.StateConnecting)
	st := nextStatus(t, states)
	assert.Equal(t, scale.StateDisconnected, st.State)
	assert.ErrorIs(t, st.Error, scale.ErrConnectionTimeout)
}

func TestPickerNoMatch(t *testing.T) {
	s, _, states := newTestSession(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.ShowDevicePicker(ctx, MatchName("LUNAR"))
	assert.Equal(t, scale.CodeConnectionTimeout, scale.CodeOf(err))
	expectStates(t, states, scale.StateScanning, scale.StateDisconnected)
}

func TestPickerCancelledByUser(t *testing.T) {
	s, _, states := newTestSession(t, nil)

	cancelled := PickerFunc(func(context.Context, <-chan scale.Device) (scale.Device, error) {
		return scale.Device{}, scale.ErrCancelled
	})
	assert.ErrorIs(t, s.ShowDevicePicker(context.Background(), cancelled), scale.ErrCancelled)
	expectStates(t, states, scale.StateScanning, scale.StateDisconnected)
}

func TestConcurrentPickerSuperseded(t *testing.T) {
	s, _, states := newTestSession(t, nil)

	blocking := PickerFunc(func(ctx context.Context, _ <-chan scale.Device) (scale.Device, error) {
		<-ctx.Done()
		return scale.Device{}, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan error, 1)
	go func() {
		res <- s.ShowDevicePicker(ctx, blocking)
	}()
	expectStates(t, states, scale.StateScanning)

	assert.ErrorIs(t, s.ShowDevicePicker(context.Background(), First()), scale.ErrRequestSuperseded)
	assert.Equal(t, scale.StateScanning, s.State())

	cancel()
	assert.ErrorIs(t, waitResult(t, res), scale.ErrCancelled)
	expectStates(t, states, scale.StateDisconnected)
}

func TestDisconnectCancelsPendingPicker(t *testing.T) {
	s, _, states := newTestSession(t, []func(*mock.Mock){mock.WithConnectBehaviour(mock.ConnectManual)})

	res := asyncPicker(s, First())
	expectStates(t, states, scale.StateScanning, scale.StateConnecting)

	require.NoError(t, s.Disconnect())
	assert.Equal(t, scale.StateDisconnected, s.State())
	assert.ErrorIs(t, waitResult(t, res), scale.ErrCancelled)
	expectStates(t, states, scale.StateDisconnected)
}

func TestDisconnectFromAnyState(t *testing.T) {
	s, m, states := newTestSession(t, []func(*mock.Mock){mock.WithConnectBehaviour(mock.ConnectManual)})

	// Disconnected
	require.NoError(t, s.Disconnect())
	assert.Equal(t, scale.StateDisconnected, s.State())

	// Scanning
	require.NoError(t, s.StartScan())
	require.NoError(t, s.Disconnect())
	assert.Equal(t, scale.StateDisconnected, s.State())
	assert.False(t, m.IsScanning())
	expectStates(t, states, scale.StateScanning, scale.StateDisconnected)

	// Connecting
	require.NoError(t, s.StartScan())
	require.NoError(t, s.RequestConnect(testDevice))
	require.NoError(t, s.Disconnect())
	assert.Equal(t, scale.StateDisconnected, s.State())
	expectStates(t, states, scale.StateScanning, scale.StateConnecting, scale.StateDisconnected)

	// Connected
	require.NoError(t, s.StartScan())
	require.NoError(t, s.RequestConnect(testDevice))
	m.CompleteConnect()
	expectStates(t, states, scale.StateScanning, scale.StateConnecting, scale.StateConnected)
	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
	assert.Equal(t, scale.StateDisconnected, s.State())
	assert.False(t, m.IsConnected())
	expectStates(t, states, scale.StateDisconnected)
}

func TestStaleConnectionDropped(t *testing.T) {
	s, m, _ := newTestSession(t, nil)

	// A link reported without a pending attempt is torn down again
	(&listener{s: s}).OnConnected(testDevice)
	assert.Equal(t, scale.StateDisconnected, s.State())
	assert.False(t, m.IsConnected())
}

func TestBatteryLevelNotInitialized(t *testing.T) {
	s, _, _ := newTestSession(t, nil)

	_, err := s.GetBatteryLevel(context.Background())
	assert.ErrorIs(t, err, scale.ErrNotInitialized)
}

func TestBatteryLevel(t *testing.T) {
	s, m, states := newTestSession(t, []func(*mock.Mock){mock.WithBatteryLevel(67)})
	connect(t, s, states)

	level, err := s.GetBatteryLevel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 67, level)

	m.SetBatteryLevel(42)
	level, err = s.GetBatteryLevel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, level)
}

func TestBatteryRequestsFIFO(t *testing.T) {
	s, m, states := newTestSession(t, []func(*mock.Mock){mock.WithManualBattery()})
	connect(t, s, states)

	first := make(chan int, 1)
	go func() {
		level, err := s.GetBatteryLevel(context.Background())
		assert.NoError(t, err)
		first <- level
	}()
	require.Eventually(t, func() bool { return countCommands(m, protocol.CmdRequestBattery) == 1 }, testTimeout, time.Millisecond)

	second := make(chan int, 1)
	go func() {
		level, err := s.GetBatteryLevel(context.Background())
		assert.NoError(t, err)
		second <- level
	}()
	require.Eventually(t, func() bool { return countCommands(m, protocol.CmdRequestBattery) == 2 }, testTimeout, time.Millisecond)

	m.SetBatteryLevel(11)
	m.RespondBattery()
	assert.Equal(t, 11, <-first)

	m.SetBatteryLevel(22)
	m.RespondBattery()
	assert.Equal(t, 22, <-second)
}

func TestBatteryRequestTimeout(t *testing.T) {
	s, m, states := newTestSession(t, []func(*mock.Mock){mock.WithManualBattery()})
	connect(t, s, states)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.GetBatteryLevel(ctx)
	assert.Equal(t, scale.CodeConnectionTimeout, scale.CodeOf(err))

	// A late reply is dropped without side effects
	m.RespondBattery()
	assert.True(t, s.IsConnected())
}

func TestDisconnectCancelsBatteryRequest(t *testing.T) {
	s, m, states := newTestSession(t, []func(*mock.Mock){mock.WithManualBattery()})
	connect(t, s, states)

	res := make(chan error, 1)
	go func() {
		_, err := s.GetBatteryLevel(context.Background())
		res <- err
	}()
	require.Eventually(t, func() bool { return countCommands(m, protocol.CmdRequestBattery) == 1 }, testTimeout, time.Millisecond)

	require.NoError(t, s.Disconnect())
	assert.ErrorIs(t, waitResult(t, res), scale.ErrCancelled)
}

func TestTareThenDisconnect(t *testing.T) {
	s, m, states := newTestSession(t, nil)
	connect(t, s, states)

	require.NoError(t, s.Tare())
	assert.Contains(t, m.Commands(), protocol.CmdTare)

	require.NoError(t, s.Disconnect())
	_, err := s.GetBatteryLevel(context.Background())
	assert.ErrorIs(t, err, scale.ErrNotInitialized)
}

func TestCommandsDroppedWhileDisconnected(t *testing.T) {
	s, m, _ := newTestSession(t, nil)

	require.NoError(t, s.Tare())
	require.NoError(t, s.SetLEDDisplay(true))
	assert.Empty(t, m.Commands())
}

func TestLEDDisplay(t *testing.T) {
	s, m, states := newTestSession(t, nil)
	connect(t, s, states)

	require.NoError(t, s.SetLEDDisplay(true))
	assert.True(t, m.IsLEDOn())
	require.NoError(t, s.SetLEDDisplay(false))
	assert.False(t, m.IsLEDOn())
}

func TestWeightAndButtonEvents(t *testing.T) {
	s, m, states := newTestSession(t, nil)
	weights, _ := s.Weight().Chan(8)
	buttons, _ := s.Buttons().Chan(8)
	connect(t, s, states)

	m.EmitRaw([]byte{0xEF, 0xCE, 0x01}) // garbled, dropped
	m.EmitWeight(12.3)
	m.PressButton(2)

	select {
	case dp := <-weights:
		assert.InDelta(t, 12.3, dp.Weight, 0.001)
		assert.False(t, dp.TimeStamp.IsZero())
	case <-time.After(testTimeout):
		t.Fatal("no weight received")
	}

	select {
	case ev := <-buttons:
		assert.Equal(t, 2, ev.Button)
	case <-time.After(testTimeout):
		t.Fatal("no button event received")
	}
}

func TestConnectionLost(t *testing.T) {
	s, m, states := newTestSession(t, nil)
	connect(t, s, states)

	m.DropLink(errors.New("supervision timeout"))
	st := nextStatus(t, states)
	assert.Equal(t, scale.StateDisconnected, st.State)
	assert.ErrorIs(t, st.Error, scale.ErrConnectionLost)
	assert.Contains(t, st.Error.Error(), "supervision timeout")
	assert.Zero(t, s.ConnectedFor())
}

func TestLinkErrorMessagesPreserved(t *testing.T) {
	s, m, states := newTestSession(t, []func(*mock.Mock){mock.WithConnectBehaviour(mock.ConnectManual)})

	require.NoError(t, s.StartScan())
	require.NoError(t, s.RequestConnect(testDevice))
	expectStates(t, states, scale.StateScanning, scale.StateConnecting)

	(&listener{s: s}).OnDisconnected(errors.New("link closed at 100% duty"))
	st := nextStatus(t, states)
	assert.Equal(t, scale.StateDisconnected, st.State)
	assert.Equal(t, &scale.Error{Code: scale.CodeConnectionFailed, Message: "link closed at 100% duty"}, st.Error)

	require.NoError(t, s.StartScan())
	require.NoError(t, s.RequestConnect(testDevice))
	m.CompleteConnect()
	expectStates(t, states, scale.StateScanning, scale.StateConnecting, scale.StateConnected)

	m.DropLink(errors.New("supervision timeout at 100% duty"))
	st = nextStatus(t, states)
	assert.Equal(t, &scale.Error{Code: scale.CodeConnectionLost, Message: "supervision timeout at 100% duty"}, st.Error)
}

func TestConnectedFor(t *testing.T) {
	s, _, states := newTestSession(t, nil)
	assert.Zero(t, s.ConnectedFor())

	connect(t, s, states)
	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, s.ConnectedFor(), time.Duration(0))
}

func TestAutoConnect(t *testing.T) {
	s, _, states := newTestSession(t, nil)
	connect(t, s, states)

	require.NoError(t, s.Disconnect())
	expectStates(t, states, scale.StateDisconnected)

	// Without auto-connect, scanning does not connect
	require.NoError(t, s.StartScan())
	expectStates(t, states, scale.StateScanning)
	require.NoError(t, s.StopScan())
	expectStates(t, states, scale.StateDisconnected)

	require.NoError(t, s.SetAutoConnect(true))
	require.NoError(t, s.StartScan())
	expectStates(t, states, scale.StateScanning, scale.StateConnecting, scale.StateConnected)
}

func TestCloseCancelsPending(t *testing.T) {
	m := mock.New(mock.WithManualBattery())
	s := New(m, WithID("test"))
	assert.Equal(t, "test", s.ID())

	require.NoError(t, s.ShowDevicePicker(context.Background(), First()))

	res := make(chan error, 1)
	go func() {
		_, err := s.GetBatteryLevel(context.Background())
		res <- err
	}()
	require.Eventually(t, func() bool { return countCommands(m, protocol.CmdRequestBattery) == 1 }, testTimeout, time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, waitResult(t, res), scale.ErrCancelled)
	assert.False(t, m.IsConnected())

	assert.ErrorIs(t, s.StartScan(), scale.ErrNotInitialized)
	assert.NoError(t, s.Disconnect())
	assert.False(t, s.ConnectionState().HasListener())
}

func TestCloseFromListener(t *testing.T) {
	m := mock.New()
	s := New(m)

	closed := make(chan error, 1)
	s.ConnectionState().Subscribe(func(st scale.ConnectionStatus) {
		if st.State == scale.StateScanning {
			closed <- s.Close()
		}
	})
	require.NoError(t, s.StartScan())

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Close called from a listener did not return")
	}

	require.Eventually(t, func() bool { return !s.ConnectionState().HasListener() }, testTimeout, time.Millisecond)
	assert.False(t, m.IsScanning())
	assert.ErrorIs(t, s.StartScan(), scale.ErrNotInitialized)
}

func TestRandomTransitions(t *testing.T) {
	allowed := map[[2]scale.State]bool{
		{scale.StateDisconnected, scale.StateScanning}:   true,
		{scale.StateScanning, scale.StateConnecting}:     true,
		{scale.StateScanning, scale.StateDisconnected}:   true,
		{scale.StateConnecting, scale.StateConnected}:    true,
		{scale.StateConnecting, scale.StateDisconnected}: true,
		{scale.StateConnected, scale.StateDisconnected}:  true,
	}

	for seed := int64(0); seed < 20; seed++ {
		m := mock.New(mock.WithConnectBehaviour(mock.ConnectManual))
		s := New(m)

		var (
			mu       sync.Mutex
			observed []scale.State
		)
		s.ConnectionState().Subscribe(func(st scale.ConnectionStatus) {
			mu.Lock()
			observed = append(observed, st.State)
			mu.Unlock()
		})

		rnd := rand.New(rand.NewSource(seed))
		for i := 0; i < 50; i++ {
			switch rnd.Intn(6) {
			case 0:
				_ = s.StartScan()
			case 1:
				_ = s.RequestConnect(testDevice)
			case 2:
				require.NoError(t, s.Disconnect())
				require.Equal(t, scale.StateDisconnected, s.State())
			case 3:
				m.CompleteConnect()
			case 4:
				m.FailConnect(errors.New("simulated"))
			case 5:
				m.DropLink(nil)
			}
		}
		require.NoError(t, s.Close())

		mu.Lock()
		prev := scale.StateDisconnected
		for _, st := range observed {
			assert.True(t, allowed[[2]scale.State{prev, st}], "seed %d: invalid transition %s -> %s", seed, prev, st)
			prev = st
		}
		mu.Unlock()
	}
}

func countCommands(m *mock.Mock, cmd protocol.Command) (n int) {
	for _, c := range m.Commands() {
		if c == cmd {
			n++
		}
	}
	return
}
