// internal/device/state.go
package device

import (
	"sync"

	"validator-service/internal/ssp"
)

// DeviceState is the authoritative lifecycle state of a validator. Exactly
// one value holds at any instant.
type DeviceState string

// Device lifecycle states.
const (
	StateUninitialized         DeviceState = "uninitialized"
	StateResetting             DeviceState = "resetting"
	StateNegotiatingEncryption DeviceState = "negotiating_encryption"
	StateIdle                  DeviceState = "idle"
	StateEnabled               DeviceState = "enabled"
	StatePolling               DeviceState = "polling"
	StateEscrow                DeviceState = "escrow"
	StateStacking              DeviceState = "stacking"
	StateReturning             DeviceState = "returning"
	StateDisabled              DeviceState = "disabled"
	StateOffline               DeviceState = "offline"
	StateFailed                DeviceState = "failed"
)

// CommandOp identifies an externally requested operation.
type CommandOp string

// Command operations accepted by the gateway.
const (
	OpEnable         CommandOp = "enable"
	OpDisable        CommandOp = "disable"
	OpReject         CommandOp = "reject"
	OpStack          CommandOp = "stack"
	OpHold           CommandOp = "hold"
	OpSetInhibits    CommandOp = "set_inhibits"
	OpPoll           CommandOp = "poll"
	OpSyncKeys       CommandOp = "sync_encryption_keys"
	OpGetStatus      CommandOp = "get_status"
	OpReset          CommandOp = "reset"
	OpSerialNumber   CommandOp = "serial_number"
	OpUnitData       CommandOp = "unit_data"
	OpChannelValues  CommandOp = "channel_values"
	OpLastRejectCode CommandOp = "last_reject_code"
	OpDisplayOn      CommandOp = "display_on"
	OpDisplayOff     CommandOp = "display_off"
)

// commandTransitions lists every defined (state, command) pair that moves the
// machine to a new state. Self-loops make a repeated command idempotent: it
// succeeds, transitions nowhere, and emits nothing.
var commandTransitions = map[DeviceState]map[CommandOp]DeviceState{
	StateUninitialized: {
		OpReset: StateResetting,
	},
	StateIdle: {
		OpEnable:   StateEnabled,
		OpReset:    StateResetting,
		OpSyncKeys: StateNegotiatingEncryption,
	},
	StateEnabled: {
		OpEnable:  StateEnabled,
		OpDisable: StateDisabled,
		OpReset:   StateResetting,
	},
	StateEscrow: {
		OpStack:  StateStacking,
		OpReject: StateReturning,
		OpReset:  StateResetting,
	},
	StateStacking: {
		OpReset: StateResetting,
	},
	StateReturning: {
		OpReset: StateResetting,
	},
	StateDisabled: {
		OpEnable:   StateEnabled,
		OpDisable:  StateDisabled,
		OpReset:    StateResetting,
		OpSyncKeys: StateNegotiatingEncryption,
	},
	StateOffline: {
		OpReset: StateResetting,
	},
}

// stationaryOps lists commands that are valid in a state without causing a
// transition.
var stationaryOps = map[CommandOp]map[DeviceState]bool{
	OpSetInhibits: {StateIdle: true, StateEnabled: true, StateDisabled: true},
	OpHold:        {StateEscrow: true},
	OpPoll: {
		StateIdle: true, StateEnabled: true, StateDisabled: true,
		StateEscrow: true, StateStacking: true, StateReturning: true,
	},
	OpSerialNumber:   {StateIdle: true, StateEnabled: true, StateDisabled: true},
	OpUnitData:       {StateIdle: true, StateEnabled: true, StateDisabled: true},
	OpChannelValues:  {StateIdle: true, StateEnabled: true, StateDisabled: true},
	OpLastRejectCode: {StateIdle: true, StateEnabled: true, StateDisabled: true},
	OpDisplayOn:      {StateIdle: true, StateEnabled: true, StateDisabled: true},
	OpDisplayOff:     {StateIdle: true, StateEnabled: true, StateDisabled: true},
}

// NextStateForCommand is the pure transition function for externally issued
// commands. Undefined (state, command) pairs leave the state unchanged and
// yield a StateConflictError.
func NextStateForCommand(state DeviceState, op CommandOp) (DeviceState, error) {
	if op == OpGetStatus {
		// Status snapshots are valid everywhere and never touch the wire.
		return state, nil
	}
	if to, ok := commandTransitions[state][op]; ok {
		return to, nil
	}
	if stationaryOps[op][state] {
		return state, nil
	}
	return state, &StateConflictError{State: state, Command: op}
}

// PollOutcome is the result of applying one decoded poll event: the next
// state plus the domain event to publish, if any.
type PollOutcome struct {
	Next      DeviceState
	EventType EventType
	Emit      bool
}

// NextStateForPollEvent is the pure transition function for device-reported
// poll events. Events that do not apply in the current state are ignored
// rather than rejected: the device is the source of truth for its own
// reports.
func NextStateForPollEvent(state DeviceState, ev ssp.PollEvent) PollOutcome {
	out := PollOutcome{Next: state}

	switch ev.Code {
	case ssp.EventNoteRead:
		if ev.Channel > 0 && state == StateEnabled {
			out.Next = StateEscrow
			out.EventType = EventNoteInserted
			out.Emit = true
		}

	case ssp.EventCredit:
		switch state {
		case StateStacking, StateEscrow:
			out.Next = StateEnabled
			out.EventType = EventNoteAccepted
			out.Emit = true
		case StateEnabled:
			out.EventType = EventNoteAccepted
			out.Emit = true
		}

	case ssp.EventStacking:
		if state == StateEscrow {
			out.Next = StateStacking
		}

	case ssp.EventRejected:
		switch state {
		case StateReturning:
			out.Next = StateEnabled
			out.EventType = EventNoteReturned
			out.Emit = true
		case StateEscrow:
			out.Next = StateEnabled
			out.EventType = EventNoteRejected
			out.Emit = true
		case StateEnabled:
			out.EventType = EventNoteRejected
			out.Emit = true
		}

	case ssp.EventDisabled:
		if state == StateEnabled {
			out.Next = StateDisabled
			out.EventType = EventDeviceDisabled
			out.Emit = true
		}

	case ssp.EventSlaveReset:
		out.Next = StateResetting

	case ssp.EventFraudAttempt:
		out.EventType = EventFraudDetected
		out.Emit = true

	case ssp.EventSafeJam, ssp.EventUnsafeJam:
		out.EventType = EventJamDetected
		out.Emit = true

	case ssp.EventStackerFull:
		out.EventType = EventStackerFull
		out.Emit = true
	}

	return out
}

// Machine holds the current state with the locking needed for snapshot reads
// from outside the session goroutine. All transitions happen on the session
// goroutine.
type Machine struct {
	mu    sync.RWMutex
	state DeviceState
}

// NewMachine creates a machine in the Uninitialized state.
func NewMachine() *Machine {
	return &Machine{state: StateUninitialized}
}

// State returns the current state.
func (m *Machine) State() DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ApplyCommand validates op against the current state and performs the
// transition. The state is unchanged on error.
func (m *Machine) ApplyCommand(op CommandOp) (DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := NextStateForCommand(m.state, op)
	if err != nil {
		return m.state, err
	}
	m.state = next
	return next, nil
}

// ApplyPollEvent folds one decoded poll event into the state.
func (m *Machine) ApplyPollEvent(ev ssp.PollEvent) PollOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := NextStateForPollEvent(m.state, ev)
	m.state = out.Next
	return out
}

// set forces a state from session-internal inputs (reset acknowledgement,
// negotiation results, retry exhaustion).
func (m *Machine) set(state DeviceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}
