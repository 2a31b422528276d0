// Package protocol implements the framing of the scale's GATT notifications and
// command writes.
//
// Every frame has the layout
//
//	0xEF | kind | len | payload[len] | checksum
//
// where checksum is the XOR over kind, len and all payload bytes. Multi-byte
// payload values are little-endian. Each BLE notification carries exactly one
// frame, so a frame that fails validation is dropped as a whole.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// GATT layout of the scale
const (
	ServiceUUID             = "ff08"
	NotifyCharacteristicID  = "ef81"
	CommandCharacteristicID = "ef80"
)

const (
	frameHeader   = 0xEF
	frameOverhead = 4
	maxPayload    = 16
)

// Kind denotes the type of a frame
type Kind byte

const (
	KindWeight  Kind = 0xCE
	KindButton  Kind = 0xBB
	KindBattery Kind = 0xBA
	KindCommand Kind = 0xC0
)

// Command denotes a single byte command sent to the scale
type Command byte

const (
	CmdTare                Command = 0x10
	CmdLEDOn               Command = 0x0A
	CmdLEDOff              Command = 0x0B
	CmdRequestBattery      Command = 0x2A
	CmdEnableNotifications Command = 0xED
)

// ErrMalformedFrame is returned for any frame that cannot be decoded
var ErrMalformedFrame = errors.New("malformed frame")

// Message denotes a decoded notification. Exactly one of the value fields is
// meaningful, depending on Kind
type Message struct {
	Kind Kind

	// Weight in grams (KindWeight)
	Weight float64

	// Button identifier (KindButton)
	Button int

	// Battery level in percent (KindBattery)
	Battery int
}

// Decode parses a single notification frame
func Decode(data []byte) (Message, error) {
	payload, kind, err := unframe(data)
	if err != nil {
		return Message{}, err
	}

	switch kind {
	case KindWeight:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("%w: weight payload of %d bytes", ErrMalformedFrame, len(payload))
		}
		raw := int32(binary.LittleEndian.Uint32(payload))
		return Message{Kind: KindWeight, Weight: float64(raw) / 10.}, nil
	case KindButton:
		if len(payload) != 1 {
			return Message{}, fmt.Errorf("%w: button payload of %d bytes", ErrMalformedFrame, len(payload))
		}
		return Message{Kind: KindButton, Button: int(payload[0])}, nil
	case KindBattery:
		if len(payload) != 1 {
			return Message{}, fmt.Errorf("%w: battery payload of %d bytes", ErrMalformedFrame, len(payload))
		}
		return Message{Kind: KindBattery, Battery: parseBatteryLevel(payload[0])}, nil
	}

	return Message{}, fmt.Errorf("%w: unexpected kind 0x%02x", ErrMalformedFrame, byte(kind))
}

// EncodeCommand builds the frame for a single command
func EncodeCommand(cmd Command) []byte {
	return frame(KindCommand, []byte{byte(cmd)})
}

// EncodeWeight builds a weight notification frame (used by simulated peripherals)
func EncodeWeight(grams float64) []byte {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], uint32(int32(roundTenths(grams))))
	return frame(KindWeight, payload[:])
}

// EncodeButton builds a button notification frame
func EncodeButton(id int) []byte {
	return frame(KindButton, []byte{byte(id)})
}

// EncodeBattery builds a battery notification frame
func EncodeBattery(percent int) []byte {
	return frame(KindBattery, []byte{byte(clamp(percent))})
}

// DecodeCommand parses a command frame (used by simulated peripherals)
func DecodeCommand(data []byte) (Command, error) {
	payload, kind, err := unframe(data)
	if err != nil {
		return 0, err
	}
	if kind != KindCommand || len(payload) != 1 {
		return 0, fmt.Errorf("%w: not a command frame", ErrMalformedFrame)
	}

	return Command(payload[0]), nil
}

////////////////////////////////////////////////////////////////////////////////

func frame(kind Kind, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+frameOverhead)
	buf = append(buf, frameHeader, byte(kind), byte(len(payload)))
	buf = append(buf, payload...)
	return append(buf, checksum(buf[1:]))
}

func unframe(data []byte) ([]byte, Kind, error) {
	if len(data) < frameOverhead {
		return nil, 0, fmt.Errorf("%w: short frame of %d bytes", ErrMalformedFrame, len(data))
	}
	if data[0] != frameHeader {
		return nil, 0, fmt.Errorf("%w: bad header 0x%02x", ErrMalformedFrame, data[0])
	}

	n := int(data[2])
	if n > maxPayload || len(data) != n+frameOverhead {
		return nil, 0, fmt.Errorf("%w: length %d does not match frame size %d", ErrMalformedFrame, n, len(data))
	}
	if sum := checksum(data[1 : len(data)-1]); sum != data[len(data)-1] {
		return nil, 0, fmt.Errorf("%w: checksum 0x%02x, expected 0x%02x", ErrMalformedFrame, data[len(data)-1], sum)
	}

	return data[3 : 3+n], Kind(data[1]), nil
}

func checksum(data []byte) (sum byte) {
	for _, b := range data {
		sum ^= b
	}
	return
}

func parseBatteryLevel(data byte) int {
	return clamp(int(data))
}

func clamp(percent int) int {
	if percent < 0 {
		return 0
	} else if percent > 100 {
		return 100
	}
	return percent
}

func roundTenths(grams float64) float64 {
	if grams < 0 {
		return float64(int64(grams*10. - 0.5))
	}
	return float64(int64(grams*10. + 0.5))
}
