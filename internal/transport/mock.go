// internal/transport/mock.go
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"validator-service/internal/ssp"
)

// deviceRandom draws the emulated device's private key from system entropy.
func deviceRandom() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// FrameRecord is one frame observed on the mock link, with the time it was
// handed to the transport. Tests use the timestamps to prove the
// one-request-in-flight discipline.
type FrameRecord struct {
	At  time.Time
	Raw []byte
}

type mockResponse struct {
	data    []byte
	readyAt time.Time
}

// MockDevice implements Transport by emulating a note validator. Responses
// come either from a fixed script of payloads or from a stateful emulation of
// the device's own transition table, after a configurable simulated latency.
// Fault injection can corrupt response checksums or swallow responses
// entirely. The session loop uses it unmodified.
type MockDevice struct {
	mu      sync.Mutex
	open    bool
	latency time.Duration
	logger  *zap.Logger

	reader    ssp.FrameReader
	responses []mockResponse
	carry     []byte
	readCh    chan struct{}

	script      [][]byte // payloads answered in order; nil enables emulation
	scriptIndex int

	corruptLeft int
	dropLeft    int

	sent     []FrameRecord
	overlaps int

	emu *emulator
}

// NewMockDevice creates a mock validator with stateful device emulation.
func NewMockDevice(latency time.Duration, logger *zap.Logger) *MockDevice {
	return &MockDevice{
		latency: latency,
		logger:  logger.With(zap.String("transport", "mock")),
		readCh:  make(chan struct{}, 1),
		emu:     newEmulator(),
	}
}

// NewScriptedMockDevice creates a mock validator that answers each request
// with the next payload from the script, regardless of the request content.
func NewScriptedMockDevice(latency time.Duration, script [][]byte, logger *zap.Logger) *MockDevice {
	m := NewMockDevice(latency, logger)
	m.script = script
	m.emu = nil
	return m
}

// Open marks the mock link as connected.
func (m *MockDevice) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	return nil
}

// Close marks the mock link as disconnected.
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// IsOpen returns whether the mock link is connected.
func (m *MockDevice) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Write accepts an encoded outbound frame and schedules the matching
// response.
func (m *MockDevice) Write(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return fmt.Errorf("mock device not open")
	}

	now := time.Now()
	m.sent = append(m.sent, FrameRecord{At: now, Raw: append([]byte(nil), data...)})
	if len(m.responses) > 0 || len(m.carry) > 0 {
		// A new request arrived before the previous response was consumed.
		m.overlaps++
	}

	m.reader.Feed(data)
	for {
		body, err := m.reader.Next()
		if err != nil {
			m.logger.Warn("Mock device received malformed frame", zap.Error(err))
			continue
		}
		if body == nil {
			break
		}
		frame, err := ssp.Decode(body)
		if err != nil {
			m.logger.Warn("Mock device dropping bad frame", zap.Error(err))
			continue
		}
		m.respondLocked(frame, now)
	}
	return nil
}

func (m *MockDevice) respondLocked(req ssp.Frame, now time.Time) {
	var payload []byte
	if m.script != nil {
		if m.scriptIndex >= len(m.script) {
			m.logger.Warn("Mock device script exhausted, not responding")
			return
		}
		payload = m.script[m.scriptIndex]
		m.scriptIndex++
	} else {
		payload = m.emu.respond(req.Data)
		if payload == nil {
			return
		}
	}

	if m.dropLeft > 0 {
		m.dropLeft--
		m.logger.Debug("Mock device swallowing response")
		return
	}

	// Responses echo the sequence flag of the command they answer.
	raw := ssp.Encode(ssp.Frame{Address: req.Address, Sequence: req.Sequence, Data: payload})

	if m.corruptLeft > 0 {
		m.corruptLeft--
		raw = append([]byte(nil), raw...)
		raw[len(raw)-1] ^= 0xFF
		m.logger.Debug("Mock device corrupting response checksum")
	}

	m.responses = append(m.responses, mockResponse{data: raw, readyAt: now.Add(m.latency)})
	select {
	case m.readCh <- struct{}{}:
	default:
	}
}

// Read returns response bytes once the simulated latency has elapsed.
func (m *MockDevice) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	for {
		m.mu.Lock()
		if !m.open {
			m.mu.Unlock()
			return nil, fmt.Errorf("mock device not open")
		}
		if len(m.carry) > 0 {
			n := min(maxBytes, len(m.carry))
			out := m.carry[:n]
			m.carry = m.carry[n:]
			m.mu.Unlock()
			return out, nil
		}
		if len(m.responses) > 0 {
			resp := m.responses[0]
			wait := time.Until(resp.readyAt)
			if wait <= 0 {
				m.responses = m.responses[1:]
				n := min(maxBytes, len(resp.data))
				out := resp.data[:n]
				m.carry = resp.data[n:]
				m.mu.Unlock()
				return out, nil
			}
			m.mu.Unlock()
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		m.mu.Unlock()

		select {
		case <-m.readCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// CorruptNextResponses makes the next n responses carry a broken checksum.
func (m *MockDevice) CorruptNextResponses(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corruptLeft = n
}

// DropNextResponses makes the mock swallow the next n responses entirely.
func (m *MockDevice) DropNextResponses(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLeft = n
}

// LoseKey clears the emulator's negotiated session key the way a power cycle
// would. Encrypted commands draw a plaintext KEY_NOT_SET until the host
// negotiates a fresh session.
func (m *MockDevice) LoseKey() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emu == nil {
		return fmt.Errorf("mock device is scripted, cannot emulate key loss")
	}
	m.emu.cipher = nil
	return nil
}

// InsertNote simulates a note entering the validator; the next poll reports
// it read into escrow.
func (m *MockDevice) InsertNote(channel byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emu == nil {
		return fmt.Errorf("mock device is scripted, cannot emulate note insertion")
	}
	return m.emu.insertNote(channel)
}

// QueueEvent injects a raw poll event into the emulator's report queue.
func (m *MockDevice) QueueEvent(ev ssp.PollEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emu != nil {
		m.emu.queue = append(m.emu.queue, ev)
	}
}

// SentFrames returns the frames written to the mock so far.
func (m *MockDevice) SentFrames() []FrameRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FrameRecord, len(m.sent))
	copy(out, m.sent)
	return out
}

// Overlaps reports how many requests arrived while a previous response was
// still unread. Zero means the one-in-flight discipline held.
func (m *MockDevice) Overlaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlaps
}

// emulator reproduces the validator firmware's observable behavior: the
// command/response table, escrow handling, and the device side of the
// encrypted-session key exchange.
type emulator struct {
	enabled  bool
	escrow   byte
	queue    []ssp.PollEvent
	inhibits uint16
	setup    ssp.UnitSetup
	serial   uint32
	lastRej  byte

	generator uint64
	modulus   uint64
	cipher    *ssp.Cipher
}

func newEmulator() *emulator {
	return &emulator{
		inhibits: 0xFFFF,
		serial:   0x00C0FFEE,
		setup: ssp.UnitSetup{
			UnitType:        0x00, // note validator
			Firmware:        "4160",
			Country:         "EUR",
			ProtocolVersion: 7,
			Channels: []ssp.ChannelData{
				{Channel: 1, Value: 500},   // 5.00
				{Channel: 2, Value: 1000},  // 10.00
				{Channel: 3, Value: 2000},  // 20.00
				{Channel: 4, Value: 5000},  // 50.00
				{Channel: 5, Value: 10000}, // 100.00
			},
		},
	}
}

func (e *emulator) insertNote(channel byte) error {
	if !e.enabled {
		return fmt.Errorf("device not enabled, note would be rejected at the bezel")
	}
	if e.escrow != 0 {
		return fmt.Errorf("a note is already in escrow")
	}
	if e.inhibits&(1<<(channel-1)) == 0 {
		e.queue = append(e.queue, ssp.PollEvent{Code: ssp.EventRejecting}, ssp.PollEvent{Code: ssp.EventRejected})
		e.lastRej = 0x05 // channel inhibited
		return nil
	}
	e.escrow = channel
	e.queue = append(e.queue, ssp.PollEvent{Code: ssp.EventNoteRead, Channel: channel})
	return nil
}

// respond produces the response payload for one command payload, handling
// encrypted wrapping transparently.
func (e *emulator) respond(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte{byte(ssp.RespCommandNotKnown)}
	}

	if payload[0] == ssp.STEX {
		if e.cipher == nil {
			return []byte{byte(ssp.RespKeyNotSet)}
		}
		// The session cipher survives even if the command clears the key
		// state (RESET): its own response still goes out encrypted.
		c := e.cipher
		count, inner, err := c.Open(payload)
		if err != nil {
			return []byte{byte(ssp.RespFail)}
		}
		resp := e.respondPlain(inner)
		sealed, err := c.Seal(count, resp)
		if err != nil {
			return []byte{byte(ssp.RespFail)}
		}
		return sealed
	}

	// A plaintext command on an established session is a protocol violation;
	// the key-exchange commands themselves are exempt so a new session can be
	// negotiated.
	if e.cipher != nil {
		switch ssp.CommandCode(payload[0]) {
		case ssp.CmdSync, ssp.CmdReset, ssp.CmdSetGenerator, ssp.CmdSetModulus, ssp.CmdRequestKeyExchange:
		default:
			return []byte{byte(ssp.RespCannotProcess)}
		}
	}

	return e.respondPlain(payload)
}

func (e *emulator) respondPlain(payload []byte) []byte {
	cmd := ssp.CommandCode(payload[0])
	args := payload[1:]

	ok := []byte{byte(ssp.RespOK)}

	switch cmd {
	case ssp.CmdSync:
		return ok

	case ssp.CmdReset:
		e.enabled = false
		e.escrow = 0
		e.cipher = nil
		e.queue = []ssp.PollEvent{{Code: ssp.EventSlaveReset}}
		return ok

	case ssp.CmdHostProtocolVersion:
		if len(args) != 1 {
			return []byte{byte(ssp.RespWrongParameters)}
		}
		return ok

	case ssp.CmdSetupRequest:
		return append(ok, ssp.EncodeSetupResponse(&e.setup)...)

	case ssp.CmdSetInhibits:
		if len(args) != 2 {
			return []byte{byte(ssp.RespWrongParameters)}
		}
		e.inhibits = uint16(args[0]) | uint16(args[1])<<8
		return ok

	case ssp.CmdEnable:
		e.enabled = true
		return ok

	case ssp.CmdDisable:
		if e.enabled {
			e.enabled = false
			e.queue = append(e.queue, ssp.PollEvent{Code: ssp.EventDisabled})
		}
		return ok

	case ssp.CmdPoll:
		events := e.queue
		e.queue = nil
		return append(ok, ssp.EncodePollEvents(events)...)

	case ssp.CmdReject:
		if e.escrow == 0 {
			return []byte{byte(ssp.RespCannotProcess)}
		}
		e.escrow = 0
		e.queue = append(e.queue, ssp.PollEvent{Code: ssp.EventRejecting}, ssp.PollEvent{Code: ssp.EventRejected})
		return ok

	case ssp.CmdStack:
		if e.escrow == 0 {
			return []byte{byte(ssp.RespCannotProcess)}
		}
		ch := e.escrow
		e.escrow = 0
		e.queue = append(e.queue,
			ssp.PollEvent{Code: ssp.EventStacking},
			ssp.PollEvent{Code: ssp.EventStacked},
			ssp.PollEvent{Code: ssp.EventCredit, Channel: ch},
		)
		return ok

	case ssp.CmdHold:
		if e.escrow == 0 {
			return []byte{byte(ssp.RespCannotProcess)}
		}
		return ok

	case ssp.CmdGetSerialNumber:
		var sn [4]byte
		binary.BigEndian.PutUint32(sn[:], e.serial)
		return append(ok, sn[:]...)

	case ssp.CmdUnitData:
		data := append([]byte{e.setup.UnitType}, []byte(e.setup.Firmware)...)
		data = append(data, []byte(e.setup.Country)...)
		return append(ok, data...)

	case ssp.CmdChannelValueData:
		data := []byte{byte(len(e.setup.Channels))}
		for _, ch := range e.setup.Channels {
			var v [4]byte
			binary.LittleEndian.PutUint32(v[:], ch.Value)
			data = append(data, v[:]...)
		}
		return append(ok, data...)

	case ssp.CmdLastRejectCode:
		return append(ok, e.lastRej)

	case ssp.CmdDisplayOn, ssp.CmdDisplayOff:
		return ok

	case ssp.CmdSetGenerator:
		if len(args) != 8 {
			return []byte{byte(ssp.RespWrongParameters)}
		}
		e.generator = binary.LittleEndian.Uint64(args)
		return ok

	case ssp.CmdSetModulus:
		if len(args) != 8 {
			return []byte{byte(ssp.RespWrongParameters)}
		}
		e.modulus = binary.LittleEndian.Uint64(args)
		return ok

	case ssp.CmdRequestKeyExchange:
		if len(args) != 8 {
			return []byte{byte(ssp.RespWrongParameters)}
		}
		if e.generator == 0 || e.modulus == 0 {
			return []byte{byte(ssp.RespCannotProcess)}
		}
		hostInter := binary.LittleEndian.Uint64(args)
		devKeys := ssp.Keys{Generator: e.generator, Modulus: e.modulus}
		var err error
		devKeys.Random, err = deviceRandom()
		if err != nil {
			return []byte{byte(ssp.RespFail)}
		}
		sessionKey := devKeys.SessionKey(hostInter)
		e.cipher, err = ssp.NewCipher(ssp.FixedKey, sessionKey)
		if err != nil {
			return []byte{byte(ssp.RespFail)}
		}
		var inter [8]byte
		binary.LittleEndian.PutUint64(inter[:], devKeys.Intermediate())
		return append(ok, inter[:]...)
	}

	return []byte{byte(ssp.RespCommandNotKnown)}
}
