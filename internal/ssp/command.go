// internal/ssp/command.go
package ssp

import (
	"encoding/binary"
	"fmt"
)

// CommandCode identifies a host-to-device command.
type CommandCode byte

// Command codes from the SSP command set, trimmed to the note-validator scope.
const (
	CmdReset               CommandCode = 0x01
	CmdSetInhibits         CommandCode = 0x02
	CmdDisplayOn           CommandCode = 0x03
	CmdDisplayOff          CommandCode = 0x04
	CmdSetupRequest        CommandCode = 0x05
	CmdHostProtocolVersion CommandCode = 0x06
	CmdPoll                CommandCode = 0x07
	CmdReject              CommandCode = 0x08
	CmdDisable             CommandCode = 0x09
	CmdEnable              CommandCode = 0x0A
	CmdGetSerialNumber     CommandCode = 0x0C
	CmdUnitData            CommandCode = 0x0D
	CmdChannelValueData    CommandCode = 0x0E
	CmdSync                CommandCode = 0x11
	CmdLastRejectCode      CommandCode = 0x17
	CmdHold                CommandCode = 0x18
	CmdStack               CommandCode = 0x43
	CmdSetGenerator        CommandCode = 0x4A
	CmdSetModulus          CommandCode = 0x4B
	CmdRequestKeyExchange  CommandCode = 0x4C
)

var commandNames = map[CommandCode]string{
	CmdReset:               "RESET",
	CmdSetInhibits:         "SET_INHIBITS",
	CmdDisplayOn:           "DISPLAY_ON",
	CmdDisplayOff:          "DISPLAY_OFF",
	CmdSetupRequest:        "SETUP_REQUEST",
	CmdHostProtocolVersion: "HOST_PROTOCOL_VERSION",
	CmdPoll:                "POLL",
	CmdReject:              "REJECT",
	CmdDisable:             "DISABLE",
	CmdEnable:              "ENABLE",
	CmdGetSerialNumber:     "GET_SERIAL_NUMBER",
	CmdUnitData:            "UNIT_DATA",
	CmdChannelValueData:    "CHANNEL_VALUE_DATA",
	CmdSync:                "SYNC",
	CmdLastRejectCode:      "LAST_REJECT_CODE",
	CmdHold:                "HOLD",
	CmdStack:               "STACK",
	CmdSetGenerator:        "SET_GENERATOR",
	CmdSetModulus:          "SET_MODULUS",
	CmdRequestKeyExchange:  "REQUEST_KEY_EXCHANGE",
}

// String returns the protocol name of the command.
func (c CommandCode) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD_%#02x", byte(c))
}

// ResponseCode is the generic response code in the first data byte of a reply.
type ResponseCode byte

// Generic response codes.
const (
	RespOK                ResponseCode = 0xF0
	RespCommandNotKnown   ResponseCode = 0xF2
	RespWrongParameters   ResponseCode = 0xF3
	RespParameterOutRange ResponseCode = 0xF4
	RespCannotProcess     ResponseCode = 0xF5
	RespSoftwareError     ResponseCode = 0xF6
	RespFail              ResponseCode = 0xF8
	RespKeyNotSet         ResponseCode = 0xFA
)

var responseNames = map[ResponseCode]string{
	RespOK:                "OK",
	RespCommandNotKnown:   "COMMAND_NOT_KNOWN",
	RespWrongParameters:   "WRONG_PARAMETERS",
	RespParameterOutRange: "PARAMETER_OUT_OF_RANGE",
	RespCannotProcess:     "COMMAND_CANNOT_BE_PROCESSED",
	RespSoftwareError:     "SOFTWARE_ERROR",
	RespFail:              "FAIL",
	RespKeyNotSet:         "KEY_NOT_SET",
}

// String returns the protocol name of the response code.
func (c ResponseCode) String() string {
	if name, ok := responseNames[c]; ok {
		return name
	}
	return fmt.Sprintf("RESP_%#02x", byte(c))
}

// OK reports whether the code indicates success.
func (c ResponseCode) OK() bool {
	return c == RespOK
}

// Response is a decoded device reply: the generic code plus any trailing data.
type Response struct {
	Code ResponseCode
	Data []byte
}

// ParseResponse splits a response payload into its code and data.
func ParseResponse(payload []byte) (*Response, error) {
	if len(payload) == 0 {
		return nil, &FrameError{Reason: "empty response payload"}
	}
	data := make([]byte, len(payload)-1)
	copy(data, payload[1:])
	return &Response{Code: ResponseCode(payload[0]), Data: data}, nil
}

// Command builds the payload for a command with optional argument bytes.
func Command(code CommandCode, args ...byte) []byte {
	payload := make([]byte, 0, 1+len(args))
	payload = append(payload, byte(code))
	payload = append(payload, args...)
	return payload
}

// SetInhibitsPayload builds the SET_INHIBITS payload for a 16-channel mask.
// A set bit enables acceptance on that channel.
func SetInhibitsPayload(mask uint16) []byte {
	return Command(CmdSetInhibits, byte(mask&0xFF), byte(mask>>8))
}

// HostProtocolVersionPayload builds the HOST_PROTOCOL_VERSION payload.
func HostProtocolVersionPayload(version byte) []byte {
	return Command(CmdHostProtocolVersion, version)
}

// KeyPayload builds a key-carrying payload (SET_GENERATOR, SET_MODULUS,
// REQUEST_KEY_EXCHANGE) with the 64-bit key little-endian encoded.
func KeyPayload(code CommandCode, key uint64) []byte {
	payload := make([]byte, 9)
	payload[0] = byte(code)
	binary.LittleEndian.PutUint64(payload[1:], key)
	return payload
}
