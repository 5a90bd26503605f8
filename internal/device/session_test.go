// internal/device/session_test.go
package device

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"validator-service/internal/ssp"
	"validator-service/internal/transport"
)

// startTestSession wires a session to the emulated validator with fast
// timings and returns a subscriber that was attached before the loop started,
// so no startup event is missed.
func startTestSession(t *testing.T, mutate func(*Config)) (*Session, *transport.MockDevice, *Subscriber) {
	t.Helper()

	logger := zap.NewNop()
	cfg := Config{
		DeviceID:             "nv200-test",
		Mock:                 true,
		PollInterval:         10 * time.Millisecond,
		ResponseTimeout:      100 * time.Millisecond,
		MaxRetries:           2,
		RetryBackoff:         5 * time.Millisecond,
		OfflineProbeInterval: 25 * time.Millisecond,
		EncryptionRequired:   true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	mock := transport.NewMockDevice(time.Millisecond, logger)
	bus := NewBus(logger)
	sub := bus.Subscribe(64)

	session := NewSession(cfg, mock, bus, logger)
	session.Start(context.Background())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = session.Stop(ctx)
		bus.Unsubscribe(sub)
	})
	return session, mock, sub
}

// waitForEvent consumes events until one of the wanted type arrives.
func waitForEvent(t *testing.T, sub *Subscriber, want EventType, timeout time.Duration) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		env, err := sub.Next(ctx)
		require.NoError(t, err, "waiting for event %s", want)
		if env.Event.Type == want {
			return env.Event
		}
	}
}

func waitForState(t *testing.T, s *Session, want DeviceState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Snapshot().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, still %s", want, s.Snapshot().State)
}

func submit(t *testing.T, s *Session, op CommandOp) (CommandResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.Submit(ctx, NewCommand(op))
}

func TestSessionInitializesEncrypted(t *testing.T) {
	session, _, sub := startTestSession(t, nil)

	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)

	status := session.Snapshot()
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, NegotiationEstablished, status.Encryption)
	assert.Equal(t, "4160", status.Firmware)
	assert.Equal(t, "EUR", status.Country)
	assert.Equal(t, "SN-12648430", status.SerialNumber)
	require.Len(t, status.Channels, 5)
	assert.True(t, decimal.New(500, -2).Equal(status.Channels[0].Value))
	assert.True(t, decimal.New(10000, -2).Equal(status.Channels[4].Value))
	assert.True(t, status.Channels[0].Enabled)
	assert.NotZero(t, status.Link.FramesSent)
	assert.NotZero(t, status.Link.FramesReceived)
}

func TestSessionInitializesPlaintext(t *testing.T) {
	session, _, sub := startTestSession(t, func(cfg *Config) {
		cfg.EncryptionRequired = false
	})

	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)
	assert.Equal(t, NegotiationNone, session.Snapshot().Encryption)
}

func TestSessionNoteLifecycleStack(t *testing.T) {
	session, mock, sub := startTestSession(t, nil)
	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)

	res, err := submit(t, session, OpEnable)
	require.NoError(t, err)
	assert.Equal(t, StateEnabled, res.State)
	waitForEvent(t, sub, EventDeviceEnabled, time.Second)

	require.NoError(t, mock.InsertNote(3))
	inserted := waitForEvent(t, sub, EventNoteInserted, 2*time.Second)
	assert.Equal(t, 3, inserted.Channel)
	assert.True(t, decimal.New(2000, -2).Equal(inserted.Value), "got %s", inserted.Value)
	waitForState(t, session, StateEscrow, time.Second)

	res, err = submit(t, session, OpStack)
	require.NoError(t, err)
	assert.Equal(t, StateStacking, res.State)

	accepted := waitForEvent(t, sub, EventNoteAccepted, 2*time.Second)
	assert.Equal(t, 3, accepted.Channel)
	assert.True(t, decimal.New(2000, -2).Equal(accepted.Value))
	waitForState(t, session, StateEnabled, time.Second)

	assert.Zero(t, mock.Overlaps(), "requests overlapped on the link")
}

func TestSessionNoteLifecycleReject(t *testing.T) {
	session, mock, sub := startTestSession(t, nil)
	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)

	_, err := submit(t, session, OpEnable)
	require.NoError(t, err)

	require.NoError(t, mock.InsertNote(1))
	waitForEvent(t, sub, EventNoteInserted, 2*time.Second)
	waitForState(t, session, StateEscrow, time.Second)

	res, err := submit(t, session, OpReject)
	require.NoError(t, err)
	assert.Equal(t, StateReturning, res.State)

	waitForEvent(t, sub, EventNoteReturned, 2*time.Second)
	waitForState(t, session, StateEnabled, time.Second)
}

func TestSessionIdempotentEnable(t *testing.T) {
	session, _, sub := startTestSession(t, nil)
	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)

	for i := 0; i < 2; i++ {
		res, err := submit(t, session, OpEnable)
		require.NoError(t, err)
		assert.Equal(t, StateEnabled, res.State)
	}
}

func TestSessionRejectsCommandOutOfState(t *testing.T) {
	session, _, sub := startTestSession(t, nil)
	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)

	// No note is in escrow, so a stack request must be refused before it
	// reaches the wire.
	_, err := submit(t, session, OpStack)
	assert.True(t, IsStateConflict(err), "got %v", err)
	assert.Equal(t, StateIdle, session.Snapshot().State)
}

func TestSessionStatusServedInEveryState(t *testing.T) {
	session, _, sub := startTestSession(t, nil)
	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)

	res, err := submit(t, session, OpGetStatus)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, res.State)
}

func TestSessionRecoversFromCorruptedResponses(t *testing.T) {
	session, mock, sub := startTestSession(t, nil)
	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)

	_, err := submit(t, session, OpEnable)
	require.NoError(t, err)

	// Two bad checksums fit within the retry budget, so nothing should go
	// offline and the command still completes.
	mock.CorruptNextResponses(2)
	res, err := submit(t, session, OpDisable)
	require.NoError(t, err)
	assert.Equal(t, StateDisabled, res.State)
	assert.NotEqual(t, StateOffline, session.Snapshot().State)

	// Retransmissions reuse the exact wire bytes. Fresh transactions always
	// differ (sequence flag or cipher count), so adjacent identical frames
	// can only be retries.
	frames := mock.SentFrames()
	retransmits := 0
	for i := 1; i < len(frames); i++ {
		if bytes.Equal(frames[i].Raw, frames[i-1].Raw) {
			retransmits++
		}
	}
	assert.GreaterOrEqual(t, retransmits, 2, "each corrupted response must trigger an identical retransmission")

	status := session.Snapshot()
	assert.GreaterOrEqual(t, status.Link.FrameErrors, uint64(2))
	assert.GreaterOrEqual(t, status.Link.Retries, uint64(2))
}

func TestSessionGoesOfflineAndRecovers(t *testing.T) {
	session, mock, sub := startTestSession(t, nil)
	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)

	// Swallow a full retry budget's worth of responses: the next transaction
	// exhausts its retries and the session goes offline.
	mock.DropNextResponses(3)

	waitForEvent(t, sub, EventDeviceOffline, 3*time.Second)
	status := session.Snapshot()
	assert.Equal(t, StateOffline, status.State)
	assert.False(t, status.OfflineSince.IsZero())

	// While offline, everything except reset is refused without touching the
	// wire.
	_, err := submit(t, session, OpEnable)
	assert.True(t, IsUnavailable(err), "got %v", err)

	// The drop budget is spent, so the next probe gets through and the
	// session reinitializes. Exactly one offline event per outage.
	offlineEvents := 0
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		env, err := sub.Next(ctx)
		require.NoError(t, err, "waiting for recovery")
		if env.Event.Type == EventDeviceOffline {
			offlineEvents++
		}
		if env.Event.Type == EventDeviceOnline {
			break
		}
	}
	assert.Zero(t, offlineEvents, "offline must be reported once per outage")
	waitForState(t, session, StateIdle, time.Second)
	assert.Equal(t, NegotiationEstablished, session.Snapshot().Encryption)
}

func TestSessionCommandDeadlineExpiresInQueue(t *testing.T) {
	session, _, sub := startTestSession(t, nil)
	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)

	cmd := NewCommand(OpEnable)
	cmd.Deadline = time.Now().Add(-time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := session.Submit(ctx, cmd)
	assert.True(t, IsTimeout(err), "got %v", err)
}

func TestSessionStopFailsPendingCommands(t *testing.T) {
	session, _, sub := startTestSession(t, nil)
	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, session.Stop(ctx))

	_, err := session.Submit(ctx, NewCommand(OpEnable))
	assert.True(t, IsUnavailable(err), "got %v", err)
}

func TestSessionResetRenegotiatesKeys(t *testing.T) {
	session, _, sub := startTestSession(t, nil)
	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)

	res, err := submit(t, session, OpReset)
	require.NoError(t, err)
	assert.Equal(t, StateResetting, res.State)

	// The loop reinitializes on its own and comes back with a fresh session.
	waitForEvent(t, sub, EventDeviceOnline, 3*time.Second)
	status := session.Snapshot()
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, NegotiationEstablished, status.Encryption)
}

func TestSessionSyncKeysFromIdle(t *testing.T) {
	session, _, sub := startTestSession(t, nil)
	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)

	res, err := submit(t, session, OpSyncKeys)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, NegotiationEstablished, session.Snapshot().Encryption)
}

// downgradeTransport passes traffic through to the emulated validator, but
// can answer the next command itself with a forged plaintext OK, like an
// attacker on the link stripping the session encryption.
type downgradeTransport struct {
	*transport.MockDevice
	mu     sync.Mutex
	forge  int
	forged []byte
}

func (d *downgradeTransport) ForgePlaintextOK(n int) {
	d.mu.Lock()
	d.forge = n
	d.mu.Unlock()
}

func (d *downgradeTransport) Write(ctx context.Context, data []byte) error {
	d.mu.Lock()
	if d.forge > 0 {
		var reader ssp.FrameReader
		reader.Feed(data)
		body, err := reader.Next()
		if err == nil && body != nil {
			if frame, derr := ssp.Decode(body); derr == nil {
				d.forge--
				d.forged = ssp.Encode(ssp.Frame{
					Address:  frame.Address,
					Sequence: frame.Sequence,
					Data:     []byte{byte(ssp.RespOK)},
				})
				d.mu.Unlock()
				return nil
			}
		}
	}
	d.mu.Unlock()
	return d.MockDevice.Write(ctx, data)
}

func (d *downgradeTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	d.mu.Lock()
	if len(d.forged) > 0 {
		out := d.forged
		d.forged = nil
		d.mu.Unlock()
		return out, nil
	}
	d.mu.Unlock()
	return d.MockDevice.Read(ctx, maxBytes)
}

func TestSessionRejectsPlaintextDowngrade(t *testing.T) {
	logger := zap.NewNop()
	cfg := Config{
		DeviceID: "nv200-downgrade",
		Mock:     true,
		// Keep the poll cadence out of the way so the forged response lands
		// on the submitted command, not on a background poll.
		PollInterval:       time.Hour,
		ResponseTimeout:    100 * time.Millisecond,
		MaxRetries:         2,
		RetryBackoff:       5 * time.Millisecond,
		EncryptionRequired: true,
	}

	dt := &downgradeTransport{MockDevice: transport.NewMockDevice(time.Millisecond, logger)}
	bus := NewBus(logger)
	sub := bus.Subscribe(64)
	session := NewSession(cfg, dt, bus, logger)
	session.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = session.Stop(ctx)
		bus.Unsubscribe(sub)
	})

	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)
	require.Equal(t, NegotiationEstablished, session.Snapshot().Encryption)

	// An unauthenticated plaintext OK in place of the wrapped response must
	// not be believed, let alone drive a state transition.
	dt.ForgePlaintextOK(1)
	_, err := submit(t, session, OpEnable)
	require.Error(t, err)
	var encErr *EncryptionError
	assert.ErrorAs(t, err, &encErr)
	assert.NotEqual(t, StateEnabled, session.Snapshot().State)

	waitForEvent(t, sub, EventDeviceFailed, 2*time.Second)
	assert.Equal(t, StateFailed, session.Snapshot().State)
}

func TestSessionRenegotiatesWhenDeviceLosesKey(t *testing.T) {
	session, mock, sub := startTestSession(t, nil)
	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)
	require.Equal(t, NegotiationEstablished, session.Snapshot().Encryption)

	// The device forgets its key mid-session, as a power cycle would. The
	// next encrypted poll draws a plaintext KEY_NOT_SET and the session must
	// renegotiate instead of wedging on rejected polls.
	require.NoError(t, mock.LoseKey())

	waitForEvent(t, sub, EventDeviceOnline, 3*time.Second)
	status := session.Snapshot()
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, NegotiationEstablished, status.Encryption)

	res, err := submit(t, session, OpEnable)
	require.NoError(t, err)
	assert.Equal(t, StateEnabled, res.State)
}

func TestSessionContextCancelFailsLaterSubmits(t *testing.T) {
	logger := zap.NewNop()
	cfg := Config{
		DeviceID:           "nv200-cancel",
		Mock:               true,
		PollInterval:       10 * time.Millisecond,
		ResponseTimeout:    100 * time.Millisecond,
		MaxRetries:         2,
		RetryBackoff:       5 * time.Millisecond,
		EncryptionRequired: true,
	}
	mock := transport.NewMockDevice(time.Millisecond, logger)
	bus := NewBus(logger)
	sub := bus.Subscribe(64)
	session := NewSession(cfg, mock, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	session.Start(ctx)
	t.Cleanup(func() { bus.Unsubscribe(sub) })

	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)
	cancel()

	select {
	case <-session.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop did not exit on context cancellation")
	}

	// A submit after the loop is gone must fail fast, not sit in a queue
	// nobody reads.
	_, err := session.Submit(context.Background(), NewCommand(OpEnable))
	assert.True(t, IsUnavailable(err), "got %v", err)
}

func TestSessionOneCommandInFlight(t *testing.T) {
	session, mock, sub := startTestSession(t, nil)
	waitForEvent(t, sub, EventDeviceOnline, 2*time.Second)

	_, err := submit(t, session, OpEnable)
	require.NoError(t, err)

	// Hammer the queue from several goroutines while the poll cadence keeps
	// running; the link must still carry one request at a time.
	ops := []CommandOp{OpSerialNumber, OpUnitData, OpChannelValues, OpLastRejectCode}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(op CommandOp) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := submit(t, session, op)
				assert.NoError(t, err)
			}
		}(ops[i])
	}
	wg.Wait()

	assert.Zero(t, mock.Overlaps(), "requests overlapped on the link")
}
