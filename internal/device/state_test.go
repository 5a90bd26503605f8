// internal/device/state_test.go
package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"validator-service/internal/ssp"
)

func TestCommandTransitions(t *testing.T) {
	tests := []struct {
		name  string
		state DeviceState
		op    CommandOp
		want  DeviceState
	}{
		{"enable from idle", StateIdle, OpEnable, StateEnabled},
		{"disable from enabled", StateEnabled, OpDisable, StateDisabled},
		{"enable from disabled", StateDisabled, OpEnable, StateEnabled},
		{"stack from escrow", StateEscrow, OpStack, StateStacking},
		{"reject from escrow", StateEscrow, OpReject, StateReturning},
		{"reset from offline", StateOffline, OpReset, StateResetting},
		{"reset from uninitialized", StateUninitialized, OpReset, StateResetting},
		{"key sync from idle", StateIdle, OpSyncKeys, StateNegotiatingEncryption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextStateForCommand(tt.state, tt.op)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdempotentEnableDisable(t *testing.T) {
	got, err := NextStateForCommand(StateEnabled, OpEnable)
	require.NoError(t, err)
	assert.Equal(t, StateEnabled, got)

	got, err = NextStateForCommand(StateDisabled, OpDisable)
	require.NoError(t, err)
	assert.Equal(t, StateDisabled, got)
}

func TestUndefinedPairsConflict(t *testing.T) {
	tests := []struct {
		state DeviceState
		op    CommandOp
	}{
		{StateIdle, OpStack},
		{StateIdle, OpReject},
		{StateIdle, OpHold},
		{StateEnabled, OpStack},
		{StateEnabled, OpSyncKeys},
		{StateEscrow, OpEnable},
		{StateEscrow, OpDisable},
		{StateOffline, OpEnable},
		{StateOffline, OpStack},
		{StateFailed, OpEnable},
		{StateFailed, OpReset},
		{StateResetting, OpEnable},
		{StateNegotiatingEncryption, OpEnable},
		{StateStacking, OpStack},
		{StateUninitialized, OpEnable},
	}

	for _, tt := range tests {
		before := tt.state
		got, err := NextStateForCommand(tt.state, tt.op)
		require.Error(t, err, "state %s op %s", tt.state, tt.op)
		assert.True(t, IsStateConflict(err))
		assert.Equal(t, before, got, "state must not change on a rejected command")
	}
}

func TestStatusValidEverywhere(t *testing.T) {
	states := []DeviceState{
		StateUninitialized, StateResetting, StateNegotiatingEncryption,
		StateIdle, StateEnabled, StateEscrow, StateStacking, StateReturning,
		StateDisabled, StateOffline, StateFailed,
	}
	for _, state := range states {
		got, err := NextStateForCommand(state, OpGetStatus)
		require.NoError(t, err, "state %s", state)
		assert.Equal(t, state, got)
	}
}

func TestHoldOnlyInEscrow(t *testing.T) {
	got, err := NextStateForCommand(StateEscrow, OpHold)
	require.NoError(t, err)
	assert.Equal(t, StateEscrow, got)

	_, err = NextStateForCommand(StateEnabled, OpHold)
	assert.True(t, IsStateConflict(err))
}

func TestPollEventNoteLifecycle(t *testing.T) {
	// Note read in channel 2 while enabled: into escrow.
	out := NextStateForPollEvent(StateEnabled, ssp.PollEvent{Code: ssp.EventNoteRead, Channel: 2})
	assert.Equal(t, StateEscrow, out.Next)
	assert.True(t, out.Emit)
	assert.Equal(t, EventNoteInserted, out.EventType)

	// Credit after stacking: back to enabled, note accepted.
	out = NextStateForPollEvent(StateStacking, ssp.PollEvent{Code: ssp.EventCredit, Channel: 2})
	assert.Equal(t, StateEnabled, out.Next)
	assert.True(t, out.Emit)
	assert.Equal(t, EventNoteAccepted, out.EventType)

	// Rejected after a host reject: note returned.
	out = NextStateForPollEvent(StateReturning, ssp.PollEvent{Code: ssp.EventRejected})
	assert.Equal(t, StateEnabled, out.Next)
	assert.Equal(t, EventNoteReturned, out.EventType)

	// Rejected without escrow: the device refused the note on its own.
	out = NextStateForPollEvent(StateEnabled, ssp.PollEvent{Code: ssp.EventRejected})
	assert.Equal(t, StateEnabled, out.Next)
	assert.Equal(t, EventNoteRejected, out.EventType)
}

func TestPollEventNoteReadStillValidating(t *testing.T) {
	// Channel zero means the note is still being read; no transition yet.
	out := NextStateForPollEvent(StateEnabled, ssp.PollEvent{Code: ssp.EventNoteRead, Channel: 0})
	assert.Equal(t, StateEnabled, out.Next)
	assert.False(t, out.Emit)
}

func TestPollEventSlaveReset(t *testing.T) {
	out := NextStateForPollEvent(StateEnabled, ssp.PollEvent{Code: ssp.EventSlaveReset})
	assert.Equal(t, StateResetting, out.Next)
	assert.False(t, out.Emit)
}

func TestPollEventAlarmsDoNotTransition(t *testing.T) {
	for _, code := range []ssp.EventCode{ssp.EventFraudAttempt, ssp.EventSafeJam, ssp.EventUnsafeJam, ssp.EventStackerFull} {
		out := NextStateForPollEvent(StateEnabled, ssp.PollEvent{Code: code})
		assert.Equal(t, StateEnabled, out.Next, "event %s", code)
		assert.True(t, out.Emit)
	}
}

func TestMachineApplyCommand(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, StateUninitialized, m.State())

	_, err := m.ApplyCommand(OpEnable)
	assert.True(t, IsStateConflict(err))
	assert.Equal(t, StateUninitialized, m.State())

	next, err := m.ApplyCommand(OpReset)
	require.NoError(t, err)
	assert.Equal(t, StateResetting, next)
	assert.Equal(t, StateResetting, m.State())
}
