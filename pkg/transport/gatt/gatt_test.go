package gatt

import (
	"testing"

	"github.com/fako1024/gatt"
	"github.com/fako1024/skalekit/pkg/scale"
	"github.com/fako1024/skalekit/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUninitialized() *Transport {
	return &Transport{
		state:       gatt.StateUnknown,
		peripherals: make(map[string]gatt.Peripheral),
		listener:    transport.NullListener{},
		logger:      &scale.NullLogger{},
	}
}

func TestWriteWithoutLink(t *testing.T) {
	tr := newUninitialized()
	assert.ErrorIs(t, tr.Write([]byte{0x01}), transport.ErrNotConnected)
}

func TestConnectUndiscovered(t *testing.T) {
	tr := newUninitialized()

	err := tr.Connect(scale.Device{ID: "AA:BB:CC:DD:EE:FF"})
	require.Error(t, err)
	assert.ErrorIs(t, err, scale.ErrDeviceNotFound)
}

func TestDisconnectIdle(t *testing.T) {
	tr := newUninitialized()
	assert.NoError(t, tr.Disconnect())
}

func TestRadioState(t *testing.T) {
	tr := newUninitialized()
	assert.False(t, tr.Enabled())
	assert.True(t, tr.Authorized())

	tr.state = gatt.StatePoweredOn
	assert.True(t, tr.Enabled())

	tr.state = gatt.StateUnauthorized
	assert.False(t, tr.Authorized())
}

func TestSetNilListener(t *testing.T) {
	tr := newUninitialized()
	tr.SetListener(nil)
	assert.Equal(t, transport.NullListener{}, tr.events())
}

func TestOptions(t *testing.T) {
	tr := newUninitialized()
	for _, option := range []func(*Transport){WithMTU(23), WithHCIDevice(1)} {
		option(tr)
	}

	assert.Equal(t, 23, tr.mtu)
	assert.Equal(t, 1, tr.hciDevice)
}
