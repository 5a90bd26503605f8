// internal/ssp/events.go
package ssp

import (
	"encoding/binary"
	"fmt"
)

// EventCode identifies a device-reported occurrence inside a POLL response.
type EventCode byte

// Poll event codes.
const (
	EventSlaveReset     EventCode = 0xF1
	EventNoteRead       EventCode = 0xEF
	EventCredit         EventCode = 0xEE
	EventRejecting      EventCode = 0xED
	EventRejected       EventCode = 0xEC
	EventStacking       EventCode = 0xCC
	EventStacked        EventCode = 0xEB
	EventSafeJam        EventCode = 0xEA
	EventUnsafeJam      EventCode = 0xE9
	EventDisabled       EventCode = 0xE8
	EventStackerFull    EventCode = 0xE7
	EventFraudAttempt   EventCode = 0xE6
	EventChannelDisable EventCode = 0xB5
)

var eventNames = map[EventCode]string{
	EventSlaveReset:     "SLAVE_RESET",
	EventNoteRead:       "NOTE_READ",
	EventCredit:         "CREDIT",
	EventRejecting:      "REJECTING",
	EventRejected:       "REJECTED",
	EventStacking:       "STACKING",
	EventStacked:        "STACKED",
	EventSafeJam:        "SAFE_JAM",
	EventUnsafeJam:      "UNSAFE_JAM",
	EventDisabled:       "DISABLED",
	EventStackerFull:    "STACKER_FULL",
	EventFraudAttempt:   "FRAUD_ATTEMPT",
	EventChannelDisable: "CHANNEL_DISABLE",
}

// String returns the protocol name of the event.
func (e EventCode) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EVENT_%#02x", byte(e))
}

// eventArgLen maps each event code to the number of argument bytes that
// follow it in the poll response data.
var eventArgLen = map[EventCode]int{
	EventSlaveReset:     0,
	EventNoteRead:       1, // channel; 0 while still validating
	EventCredit:         1, // channel
	EventRejecting:      0,
	EventRejected:       0,
	EventStacking:       0,
	EventStacked:        0,
	EventSafeJam:        0,
	EventUnsafeJam:      0,
	EventDisabled:       0,
	EventStackerFull:    0,
	EventFraudAttempt:   1, // channel
	EventChannelDisable: 0,
}

// PollEvent is one decoded entry from a poll response.
type PollEvent struct {
	Code    EventCode
	Channel byte
}

// String renders the event with its channel argument when present.
func (p PollEvent) String() string {
	if eventArgLen[p.Code] > 0 {
		return fmt.Sprintf("%s(%d)", p.Code, p.Channel)
	}
	return p.Code.String()
}

// ParsePollEvents decodes the data section of an OK poll response into the
// sequence of events the device reported since the previous poll.
func ParsePollEvents(data []byte) ([]PollEvent, error) {
	var events []PollEvent
	for i := 0; i < len(data); {
		code := EventCode(data[i])
		argLen, ok := eventArgLen[code]
		if !ok {
			return nil, &FrameError{Reason: fmt.Sprintf("unknown poll event code %#02x", data[i])}
		}
		if i+1+argLen > len(data) {
			return nil, &FrameError{Reason: fmt.Sprintf("truncated arguments for %s", code)}
		}
		ev := PollEvent{Code: code}
		if argLen > 0 {
			ev.Channel = data[i+1]
		}
		events = append(events, ev)
		i += 1 + argLen
	}
	return events, nil
}

// EncodePollEvents builds poll response data from events. Used by the mock
// device to answer polls the same way the real firmware does.
func EncodePollEvents(events []PollEvent) []byte {
	var data []byte
	for _, ev := range events {
		data = append(data, byte(ev.Code))
		if eventArgLen[ev.Code] > 0 {
			data = append(data, ev.Channel)
		}
	}
	return data
}

// UnitSetup is the decoded SETUP_REQUEST response: device identity plus the
// channel/denomination table.
type UnitSetup struct {
	UnitType        byte
	Firmware        string
	Country         string
	ProtocolVersion byte
	Channels        []ChannelData
}

// ChannelData is one channel's denomination in minor currency units.
type ChannelData struct {
	Channel byte
	Value   uint32
}

// ParseSetupResponse decodes a SETUP_REQUEST response body.
// Layout: unit type (1), firmware (4 ASCII), country (3 ASCII), protocol
// version (1), channel count (1), then a 4-byte little-endian value per
// channel.
func ParseSetupResponse(data []byte) (*UnitSetup, error) {
	if len(data) < 10 {
		return nil, &FrameError{Reason: "setup response too short"}
	}
	setup := &UnitSetup{
		UnitType:        data[0],
		Firmware:        string(data[1:5]),
		Country:         string(data[5:8]),
		ProtocolVersion: data[8],
	}
	count := int(data[9])
	if len(data) < 10+4*count {
		return nil, &FrameError{Reason: "setup response channel table truncated"}
	}
	for i := 0; i < count; i++ {
		setup.Channels = append(setup.Channels, ChannelData{
			Channel: byte(i + 1),
			Value:   binary.LittleEndian.Uint32(data[10+4*i:]),
		})
	}
	return setup, nil
}

// EncodeSetupResponse is the inverse of ParseSetupResponse, used by the mock
// device.
func EncodeSetupResponse(setup *UnitSetup) []byte {
	data := make([]byte, 0, 10+4*len(setup.Channels))
	data = append(data, setup.UnitType)
	data = append(data, padASCII(setup.Firmware, 4)...)
	data = append(data, padASCII(setup.Country, 3)...)
	data = append(data, setup.ProtocolVersion, byte(len(setup.Channels)))
	for _, ch := range setup.Channels {
		var v [4]byte
		binary.LittleEndian.PutUint32(v[:], ch.Value)
		data = append(data, v[:]...)
	}
	return data
}

func padASCII(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	for i := len(s); i < n; i++ {
		b[i] = ' '
	}
	return b
}
